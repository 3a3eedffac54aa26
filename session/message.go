package session

import (
	"time"
)

// Header identifies a single message. Every message carries a fresh Header;
// replies carry the request's Header as their ParentHeader.
type Header struct {
	MsgID    string    `json:"msg_id"`
	Username string    `json:"username"`
	Session  string    `json:"session"`
	Date     time.Time `json:"date"`
	MsgType  string    `json:"msg_type"`
	Version  string    `json:"version"`
}

// IsZero reports whether the header is empty, i.e. this message is an
// independent request rather than a reply.
func (h Header) IsZero() bool {
	return h.MsgID == ""
}

// Message is a single protocol message exchanged with a kernel.
//
// Buffers are raw binary blobs sent out-of-band of the signature.
type Message struct {
	Header       Header                 `json:"header"`
	ParentHeader Header                 `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	Buffers      [][]byte               `json:"-"`
}

// MsgType returns the message's type tag.
func (m Message) MsgType() string {
	return m.Header.MsgType
}

// IsReplyTo reports whether this message is correlated with the request that
// was sent with the given msg_id.
func (m Message) IsReplyTo(msgID string) bool {
	return m.ParentHeader.MsgID == msgID
}
