package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := New(append([]Option{WithKey([]byte("test-key"))}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	for _, packer := range []Packer{NewJSONPacker(), NewCanonicalJSONPacker()} {
		t.Run(packer.Name(), func(t *testing.T) {
			sender := newTestSession(t, WithPacker(packer))
			receiver := newTestSession(t, WithPacker(packer))

			msg := sender.Msg("execute_request", map[string]interface{}{
				"code":   "print('hi')",
				"silent": false,
			})
			msg.Buffers = [][]byte{[]byte("raw buffer")}

			frames, err := sender.Serialize(msg)
			require.NoError(t, err)

			_, remainder, err := receiver.FeedIdentities(frames)
			require.NoError(t, err)
			got, err := receiver.Deserialize(remainder)
			require.NoError(t, err)

			assert.Equal(t, msg.Header.MsgID, got.Header.MsgID)
			assert.Equal(t, msg.Header.Session, got.Header.Session)
			assert.Equal(t, "execute_request", got.MsgType())
			assert.True(t, msg.Header.Date.Equal(got.Header.Date))
			assert.Equal(t, "print('hi')", got.Content["code"])
			assert.Equal(t, false, got.Content["silent"])
			require.Len(t, got.Buffers, 1)
			assert.Equal(t, []byte("raw buffer"), got.Buffers[0])
		})
	}
}

func TestParentHeaderRoundTrip(t *testing.T) {
	sender := newTestSession(t)
	receiver := newTestSession(t)

	parent := sender.Msg("execute_request", nil)
	reply := sender.Msg("execute_reply", map[string]interface{}{"status": "ok"}, WithParent(parent.Header))

	frames, err := sender.Serialize(reply)
	require.NoError(t, err)
	got, err := receiver.Deserialize(frames[1:])
	require.NoError(t, err)

	assert.True(t, got.IsReplyTo(parent.Header.MsgID))
	assert.False(t, got.IsReplyTo("some-other-id"))
}

func TestEmptyParentHeaderSerializesAsEmptyObject(t *testing.T) {
	s := newTestSession(t)
	frames, err := s.Serialize(s.Msg("kernel_info_request", nil))
	require.NoError(t, err)
	// [delimiter, sig, header, parent, metadata, content]
	require.Len(t, frames, 6)
	assert.Equal(t, "{}", string(frames[3]))
}

func TestSignatureMismatch(t *testing.T) {
	s1, err := New(WithKey([]byte("key-one")))
	require.NoError(t, err)
	s2, err := New(WithKey([]byte("key-two")))
	require.NoError(t, err)

	frames, err := s1.Serialize(s1.Msg("kernel_info_request", nil))
	require.NoError(t, err)

	_, err = s2.Deserialize(frames[1:])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestTamperedContentRejected(t *testing.T) {
	s := newTestSession(t)
	receiver := newTestSession(t)

	frames, err := s.Serialize(s.Msg("execute_request", map[string]interface{}{"code": "1+1"}))
	require.NoError(t, err)
	// content is the last frame when there are no buffers
	frames[len(frames)-1] = []byte(`{"code":"2+2"}`)

	_, err = receiver.Deserialize(frames[1:])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestReplayRejected(t *testing.T) {
	sender := newTestSession(t)
	receiver := newTestSession(t)

	frames, err := sender.Serialize(sender.Msg("execute_request", nil))
	require.NoError(t, err)

	_, err = receiver.Deserialize(frames[1:])
	require.NoError(t, err)
	_, err = receiver.Deserialize(frames[1:])
	require.ErrorIs(t, err, ErrDuplicateSignature)
}

func TestUnsignedSession(t *testing.T) {
	sender, err := New(WithKey(nil))
	require.NoError(t, err)
	receiver, err := New(WithKey(nil))
	require.NoError(t, err)

	frames, err := sender.Serialize(sender.Msg("kernel_info_request", nil))
	require.NoError(t, err)
	assert.Empty(t, frames[1])

	got, err := receiver.Deserialize(frames[1:])
	require.NoError(t, err)
	assert.Equal(t, "kernel_info_request", got.MsgType())
	// unsigned sessions track no digests
	assert.Zero(t, receiver.DigestHistoryLen())
}

func TestDigestRecording(t *testing.T) {
	sender := newTestSession(t)
	receiver := newTestSession(t)

	frames, err := sender.Serialize(sender.Msg("execute_request", map[string]interface{}{"code": "1+1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, sender.DigestHistoryLen())

	got, err := receiver.Deserialize(frames[1:])
	require.NoError(t, err)
	assert.Equal(t, "execute_request", got.MsgType())
	assert.Equal(t, "1+1", got.Content["code"])
	assert.Equal(t, 1, receiver.DigestHistoryLen())
}

func TestDigestHistoryCull(t *testing.T) {
	d := newDigestHistory(100)
	for i := 0; i < 101; i++ {
		d.add(fmt.Sprintf("sig-%d", i))
	}
	// exceeding the bound culls to 90% of capacity, oldest first
	assert.Equal(t, 90, len(d.order))
	assert.Equal(t, 90, len(d.seen))
	assert.False(t, d.contains("sig-0"))
	assert.False(t, d.contains("sig-10"))
	assert.True(t, d.contains("sig-11"))
	assert.True(t, d.contains("sig-100"))
}

func TestFeedIdentities(t *testing.T) {
	s := newTestSession(t)

	msg := s.Msg("execute_reply", nil)
	frames, err := s.Serialize(msg, []byte("ident-a"), []byte("ident-b"))
	require.NoError(t, err)

	identities, remainder, err := s.FeedIdentities(frames)
	require.NoError(t, err)
	require.Len(t, identities, 2)
	assert.Equal(t, []byte("ident-a"), identities[0])
	assert.Equal(t, []byte("ident-b"), identities[1])
	// remainder starts at the signature
	require.Len(t, remainder, 5)

	_, _, err = s.FeedIdentities([][]byte{[]byte("no"), []byte("delimiter")})
	require.ErrorIs(t, err, ErrMissingDelimiter)
}

func TestDeserializeTruncated(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Deserialize([][]byte{[]byte("sig"), []byte("{}")})
	require.ErrorIs(t, err, ErrTruncatedFrames)
}

func TestSignatureSchemes(t *testing.T) {
	for _, scheme := range []string{"hmac-sha256", "hmac-sha512", "hmac-sha1"} {
		t.Run(scheme, func(t *testing.T) {
			sender := newTestSession(t, WithSignatureScheme(scheme))
			receiver := newTestSession(t, WithSignatureScheme(scheme))
			frames, err := sender.Serialize(sender.Msg("kernel_info_request", nil))
			require.NoError(t, err)
			_, err = receiver.Deserialize(frames[1:])
			require.NoError(t, err)
		})
	}

	_, err := New(WithSignatureScheme("md5"))
	require.Error(t, err)
	_, err = New(WithSignatureScheme("hmac-md5"))
	require.Error(t, err)
}
