// Package channels multiplexes the logical streams exchanged with a kernel
// (shell, iopub, stdin, control) over ZeroMQ sockets, and runs the heartbeat
// liveness probe.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/guseggert/kernelclient/session"
)

var (
	// ErrEmpty means no message arrived before the deadline. The channel is
	// left open and reusable; a timeout is not a channel failure.
	ErrEmpty = errors.New("no message ready")
	// ErrNotRunning means the channel was used before Start or after Close.
	ErrNotRunning = errors.New("channel is not running")
)

// Recv is one receive attempt: a decoded message, or the protocol error that
// the frames produced (bad signature, replay, malformed JSON).
type Recv struct {
	Msg session.Message
	Err error
}

// SocketChannel binds one logical stream to one socket. Messages on a single
// channel are delivered in send order; there is no ordering guarantee across
// channels.
type SocketChannel struct {
	log     *zap.SugaredLogger
	name    string
	session *session.Session
	sock    zmq4.Socket

	msgs chan Recv

	mut       sync.Mutex
	started   bool
	closed    chan struct{}
	closeOnce sync.Once
}

// SocketChannelOption configures a SocketChannel.
type SocketChannelOption func(c *SocketChannel)

// WithLogger sets the channel's logger.
func WithLogger(l *zap.Logger) SocketChannelOption {
	return func(c *SocketChannel) { c.log = l.Sugar() }
}

// NewSocketChannel wraps a connected socket. The session is shared with the
// owning client, not owned. Call Start before sending or receiving.
func NewSocketChannel(name string, sock zmq4.Socket, sess *session.Session, opts ...SocketChannelOption) *SocketChannel {
	c := &SocketChannel{
		log:     zap.NewNop().Sugar(),
		name:    name,
		session: sess,
		sock:    sock,
		msgs:    make(chan Recv, 64),
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named(name + "_channel")
	return c
}

// Start begins receiving messages from the socket.
func (c *SocketChannel) Start() {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.recvLoop()
}

func (c *SocketChannel) recvLoop() {
	for {
		zmsg, err := c.sock.Recv()
		if err != nil {
			// socket closed out from under us, stop immediately
			select {
			case <-c.closed:
			default:
				c.log.Debugf("recv error: %s", err)
			}
			return
		}
		var res Recv
		_, frames, err := c.session.FeedIdentities(zmsg.Frames)
		if err != nil {
			res.Err = err
		} else {
			res.Msg, res.Err = c.session.Deserialize(frames)
		}
		select {
		case c.msgs <- res:
		case <-c.closed:
			return
		}
	}
}

// Send serializes and sends a message on the channel's socket.
func (c *SocketChannel) Send(msg session.Message) error {
	if !c.IsAlive() {
		return ErrNotRunning
	}
	frames, err := c.session.Serialize(msg)
	if err != nil {
		return err
	}
	if err := c.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("sending on %s channel: %w", c.name, err)
	}
	return nil
}

// GetMsg waits for the next message until the context expires, in which case
// it returns ErrEmpty. Protocol errors from decoding are returned as-is.
func (c *SocketChannel) GetMsg(ctx context.Context) (session.Message, error) {
	select {
	case res := <-c.msgs:
		return res.Msg, res.Err
	case <-c.closed:
		return session.Message{}, ErrNotRunning
	case <-ctx.Done():
		return session.Message{}, ErrEmpty
	}
}

// GetMsgTimeout is GetMsg with a duration deadline. A negative timeout blocks
// forever, zero returns immediately if no message is ready.
func (c *SocketChannel) GetMsgTimeout(timeout time.Duration) (session.Message, error) {
	if timeout < 0 {
		return c.GetMsg(context.Background())
	}
	if timeout == 0 {
		select {
		case res := <-c.msgs:
			return res.Msg, res.Err
		case <-c.closed:
			return session.Message{}, ErrNotRunning
		default:
			return session.Message{}, ErrEmpty
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.GetMsg(ctx)
}

// MsgReady reports whether a message can be received without blocking.
func (c *SocketChannel) MsgReady() bool {
	return len(c.msgs) > 0
}

// Messages exposes the receive stream for callers that select over several
// channels at once.
func (c *SocketChannel) Messages() <-chan Recv {
	return c.msgs
}

// Socket returns the underlying socket. The channel retains ownership.
func (c *SocketChannel) Socket() zmq4.Socket {
	return c.sock
}

// IsAlive reports whether the channel has been started and not closed.
func (c *SocketChannel) IsAlive() bool {
	c.mut.Lock()
	started := c.started
	c.mut.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close stops the channel and closes its socket. Close is idempotent and safe
// to call from a different goroutine than the one receiving.
func (c *SocketChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.sock.Close(); err != nil {
			c.log.Debugf("closing socket: %s", err)
		}
	})
}

// Stop is an alias for Close.
func (c *SocketChannel) Stop() { c.Close() }
