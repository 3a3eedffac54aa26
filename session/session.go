// Package session implements the signed message protocol spoken with a
// kernel: building, signing, serializing and deserializing messages, and
// tracking recently seen signatures to reject replays.
package session

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProtocolVersion is the message protocol version stamped on every header.
const ProtocolVersion = "5.3"

// MajorProtocolVersion is the major component of ProtocolVersion.
const MajorProtocolVersion = 5

// DefaultSignatureScheme is used when none is configured.
const DefaultSignatureScheme = "hmac-sha256"

// DefaultDigestHistorySize bounds the replay-detection history.
const DefaultDigestHistorySize = 65536

// Delimiter separates socket routing identities from message frames.
var Delimiter = []byte("<IDS|MSG>")

var (
	// ErrInvalidSignature means an inbound message failed HMAC verification.
	ErrInvalidSignature = errors.New("message signature verification failed")
	// ErrDuplicateSignature means an inbound message's signature was already
	// seen, i.e. the message is a replay.
	ErrDuplicateSignature = errors.New("duplicate message signature")
	// ErrMissingDelimiter means no <IDS|MSG> delimiter was found in a frame list.
	ErrMissingDelimiter = errors.New("no <IDS|MSG> delimiter in frames")
	// ErrTruncatedFrames means a frame list was too short to hold a message.
	ErrTruncatedFrames = errors.New("not enough frames for a message")
)

// Session builds, signs, serializes and deserializes messages. A Session is
// created once per client or manager instance and shared by its channels.
type Session struct {
	log      *zap.SugaredLogger
	id       string
	username string
	key      []byte
	scheme   string
	newHash  func() hash.Hash
	packer   Packer

	mut          sync.Mutex
	digests      *digestHistory
	adaptVersion int
}

// Option configures a Session.
type Option func(s *Session)

// WithKey sets the shared HMAC secret. An empty key disables signing.
func WithKey(key []byte) Option {
	return func(s *Session) { s.key = key }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithUsername overrides the username stamped on message headers.
func WithUsername(username string) Option {
	return func(s *Session) { s.username = username }
}

// WithSignatureScheme sets the signature scheme, e.g. "hmac-sha256".
func WithSignatureScheme(scheme string) Option {
	return func(s *Session) { s.scheme = scheme }
}

// WithPacker sets the packer used for the four message parts.
func WithPacker(p Packer) Option {
	return func(s *Session) { s.packer = p }
}

// WithDigestHistorySize bounds the replay-detection history.
func WithDigestHistorySize(n int) Option {
	return func(s *Session) { s.digests = newDigestHistory(n) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l.Named("session").Sugar() }
}

// New constructs a Session.
func New(opts ...Option) (*Session, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Session{
		log:      logger.Named("session").Sugar(),
		id:       uuid.NewString(),
		username: defaultUsername(),
		scheme:   DefaultSignatureScheme,
		packer:   NewJSONPacker(),
		digests:  newDigestHistory(DefaultDigestHistorySize),
	}
	for _, o := range opts {
		o(s)
	}
	s.newHash, err = hashForScheme(s.scheme)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func defaultUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "username"
	}
	return u.Username
}

func hashForScheme(scheme string) (func() hash.Hash, error) {
	if !strings.HasPrefix(scheme, "hmac-") {
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	switch strings.TrimPrefix(scheme, "hmac-") {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
}

// ID returns the session id stamped on message headers.
func (s *Session) ID() string { return s.id }

// Key returns the shared secret, empty if signing is disabled.
func (s *Session) Key() []byte { return s.key }

// SignatureScheme returns the configured signature scheme.
func (s *Session) SignatureScheme() string { return s.scheme }

// SetAdaptVersion records the kernel's major protocol version when it differs
// from ours, as learned from a kernel_info_reply.
func (s *Session) SetAdaptVersion(v int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.adaptVersion = v
}

// AdaptVersion returns the recorded kernel major protocol version, or zero if
// no adaptation is needed.
func (s *Session) AdaptVersion() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.adaptVersion
}

// MsgOption customizes a built message.
type MsgOption func(m *Message)

// WithParent marks the message as a reply to, or continuation of, the message
// with the given header.
func WithParent(parent Header) MsgOption {
	return func(m *Message) { m.ParentHeader = parent }
}

// WithHeader replaces the stamped header entirely.
func WithHeader(h Header) MsgOption {
	return func(m *Message) { m.Header = h }
}

// Msg builds a new message of the given type, stamping a fresh header. A nil
// content becomes an empty mapping.
func (s *Session) Msg(msgType string, content map[string]interface{}, opts ...MsgOption) Message {
	if content == nil {
		content = map[string]interface{}{}
	}
	m := Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: s.username,
			Session:  s.id,
			Date:     time.Now().UTC().Round(time.Millisecond),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]interface{}{},
		Content:  content,
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// sign returns the hex HMAC over the given serialized parts, or nil if
// signing is disabled.
func (s *Session) sign(parts ...[]byte) []byte {
	if len(s.key) == 0 {
		return nil
	}
	h := hmac.New(s.newHash, s.key)
	for _, p := range parts {
		h.Write(p)
	}
	sig := make([]byte, hex.EncodedLen(h.Size()))
	hex.Encode(sig, h.Sum(nil))
	return sig
}

// Serialize encodes a message into its wire frames:
//
//	[identities..., <IDS|MSG>, signature, header, parent_header, metadata, content, buffers...]
func (s *Session) Serialize(msg Message, identities ...[]byte) ([][]byte, error) {
	headerBytes, err := s.packer.Pack(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("packing header: %w", err)
	}
	var parentBytes []byte
	if msg.ParentHeader.IsZero() {
		parentBytes = []byte("{}")
	} else {
		parentBytes, err = s.packer.Pack(msg.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("packing parent header: %w", err)
		}
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataBytes, err := s.packer.Pack(metadata)
	if err != nil {
		return nil, fmt.Errorf("packing metadata: %w", err)
	}
	content := msg.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	contentBytes, err := s.packer.Pack(content)
	if err != nil {
		return nil, fmt.Errorf("packing content: %w", err)
	}

	sig := s.sign(headerBytes, parentBytes, metadataBytes, contentBytes)
	s.recordDigest(sig)

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	frames = append(frames, identities...)
	frames = append(frames, Delimiter, sig, headerBytes, parentBytes, metadataBytes, contentBytes)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// FeedIdentities splits leading socket routing identities from the protocol
// frames at the <IDS|MSG> delimiter. The returned remainder starts at the
// signature frame.
func (s *Session) FeedIdentities(frames [][]byte) (identities [][]byte, remainder [][]byte, err error) {
	for i, f := range frames {
		if string(f) == string(Delimiter) {
			return frames[:i], frames[i+1:], nil
		}
	}
	return nil, nil, ErrMissingDelimiter
}

// Deserialize decodes wire frames into a message, verifying the signature and
// rejecting replays. The frame list must start at the signature frame (after
// FeedIdentities), though a leading delimiter frame is tolerated.
func (s *Session) Deserialize(frames [][]byte) (Message, error) {
	if len(frames) > 0 && string(frames[0]) == string(Delimiter) {
		frames = frames[1:]
	}
	if len(frames) < 5 {
		return Message{}, ErrTruncatedFrames
	}
	sig, parts := frames[0], frames[1:5]

	if len(s.key) != 0 {
		expected := s.sign(parts[0], parts[1], parts[2], parts[3])
		if !hmac.Equal(sig, expected) {
			return Message{}, fmt.Errorf("%w: got %q, expected %q", ErrInvalidSignature, sig, expected)
		}
		if s.seenDigest(sig) {
			return Message{}, fmt.Errorf("%w: %q", ErrDuplicateSignature, sig)
		}
		s.recordDigest(sig)
	}

	var msg Message
	if err := s.packer.Unpack(parts[0], &msg.Header); err != nil {
		return Message{}, fmt.Errorf("unpacking header: %w", err)
	}
	if err := s.packer.Unpack(parts[1], &msg.ParentHeader); err != nil {
		return Message{}, fmt.Errorf("unpacking parent header: %w", err)
	}
	if err := s.packer.Unpack(parts[2], &msg.Metadata); err != nil {
		return Message{}, fmt.Errorf("unpacking metadata: %w", err)
	}
	if err := s.packer.Unpack(parts[3], &msg.Content); err != nil {
		return Message{}, fmt.Errorf("unpacking content: %w", err)
	}
	msg.Buffers = frames[5:]
	return msg, nil
}

// DigestHistoryLen reports the number of signatures currently tracked.
func (s *Session) DigestHistoryLen() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.digests.order)
}

func (s *Session) recordDigest(sig []byte) {
	if len(sig) == 0 {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	s.digests.add(string(sig))
}

func (s *Session) seenDigest(sig []byte) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.digests.contains(string(sig))
}

// digestHistory is a FIFO-bounded set of message signatures. When it exceeds
// its size it is culled to 90% of capacity to amortize the cost.
type digestHistory struct {
	size  int
	seen  map[string]struct{}
	order []string
}

func newDigestHistory(size int) *digestHistory {
	return &digestHistory{
		size: size,
		seen: make(map[string]struct{}),
	}
}

func (d *digestHistory) contains(sig string) bool {
	_, ok := d.seen[sig]
	return ok
}

func (d *digestHistory) add(sig string) {
	if _, ok := d.seen[sig]; ok {
		return
	}
	d.seen[sig] = struct{}{}
	d.order = append(d.order, sig)
	if len(d.order) > d.size {
		keep := d.size * 9 / 10
		drop := len(d.order) - keep
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[drop:]...)
	}
}
