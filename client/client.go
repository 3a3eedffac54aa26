// Package client implements the kernel client: it owns the shell, iopub,
// stdin, control and heartbeat channels, sends requests, and correlates the
// asynchronous replies by message id.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/guseggert/kernelclient/channels"
	"github.com/guseggert/kernelclient/connect"
	"github.com/guseggert/kernelclient/session"
)

var (
	// ErrChannelsNotRunning means a request was attempted before
	// StartChannels or after StopChannels.
	ErrChannelsNotRunning = errors.New("channels are not running")
	// ErrTimeout means a reply wait expired. The kernel may still be alive.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrKernelDied means the kernel died while we were waiting on it.
	ErrKernelDied = errors.New("kernel died")
)

// Kernel is the process manager of a kernel this client launched, if any.
// Clients attached to kernels they did not launch fall back to the heartbeat
// for liveness.
type Kernel interface {
	IsAlive() bool
	InterruptKernel() error
}

// Client communicates with a single kernel over its five channels.
type Client struct {
	log  *zap.SugaredLogger
	info connect.Info
	sess *session.Session

	kernel        Kernel
	useHeartbeat  bool
	timeToDead    time.Duration
	allowStdin    bool
	interruptMode string

	shell   *channels.SocketChannel
	iopub   *channels.SocketChannel
	stdin   *channels.SocketChannel
	control *channels.SocketChannel
	hb      *channels.HBChannel

	running bool
}

// Option configures a Client.
type Option func(c *Client)

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l.Named("kernel_client").Sugar() }
}

// WithKernel attaches the process manager that launched the kernel, letting
// the client use process liveness instead of the heartbeat.
func WithKernel(k Kernel) Option {
	return func(c *Client) { c.kernel = k }
}

// WithHeartbeat enables or disables the heartbeat monitor.
func WithHeartbeat(enabled bool) Option {
	return func(c *Client) { c.useHeartbeat = enabled }
}

// WithTimeToDead sets the heartbeat period.
func WithTimeToDead(d time.Duration) Option {
	return func(c *Client) { c.timeToDead = d }
}

// WithAllowStdin sets whether execute requests may prompt for input.
func WithAllowStdin(allow bool) Option {
	return func(c *Client) { c.allowStdin = allow }
}

// WithInterruptMode sets how Interrupt reaches the kernel: "signal" (via the
// owning manager) or "message" (interrupt_request on the control channel).
func WithInterruptMode(mode string) Option {
	return func(c *Client) { c.interruptMode = mode }
}

// WithSession replaces the session built from the connection info.
func WithSession(s *session.Session) Option {
	return func(c *Client) { c.sess = s }
}

// New constructs a Client for the given connection info. Channels are not
// opened until StartChannels.
func New(info connect.Info, opts ...Option) (*Client, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Client{
		log:           logger.Named("kernel_client").Sugar(),
		info:          info,
		useHeartbeat:  true,
		timeToDead:    channels.DefaultTimeToDead,
		allowStdin:    true,
		interruptMode: "signal",
	}
	for _, o := range opts {
		o(c)
	}
	if c.sess == nil {
		scheme := info.SignatureScheme
		if scheme == "" {
			scheme = connect.DefaultSignatureScheme
		}
		c.sess, err = session.New(
			session.WithKey([]byte(info.Key)),
			session.WithSignatureScheme(scheme),
		)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Session returns the client's signing session.
func (c *Client) Session() *session.Session { return c.sess }

// ConnectionInfo returns the connection info the client was built from.
func (c *Client) ConnectionInfo() connect.Info { return c.info }

// OwnsKernel reports whether this client's kernel was launched by an attached
// process manager.
func (c *Client) OwnsKernel() bool { return c.kernel != nil }

func (c *Client) dialChannel(name string, newSock func() zmq4.Socket) (*channels.SocketChannel, error) {
	endpoint, err := c.info.Endpoint(name)
	if err != nil {
		return nil, err
	}
	sock := newSock()
	c.log.Debugf("connecting %s channel to %s", name, endpoint)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dialing %s channel: %w", name, err)
	}
	return channels.NewSocketChannel(name, sock, c.sess), nil
}

// StartChannels opens and starts all channels. On any failure the channels
// opened so far are closed again.
func (c *Client) StartChannels() error {
	if c.running {
		return nil
	}
	ctx := context.Background()
	identity := zmq4.SocketIdentity(c.sess.ID())

	var err error
	defer func() {
		if err != nil {
			c.StopChannels()
		}
	}()

	c.shell, err = c.dialChannel(connect.ShellChannel, func() zmq4.Socket {
		return zmq4.NewDealer(ctx, zmq4.WithID(identity), zmq4.WithAutomaticReconnect(true))
	})
	if err != nil {
		return err
	}
	c.stdin, err = c.dialChannel(connect.StdinChannel, func() zmq4.Socket {
		return zmq4.NewDealer(ctx, zmq4.WithID(identity), zmq4.WithAutomaticReconnect(true))
	})
	if err != nil {
		return err
	}
	c.control, err = c.dialChannel(connect.ControlChannel, func() zmq4.Socket {
		return zmq4.NewDealer(ctx, zmq4.WithID(identity), zmq4.WithAutomaticReconnect(true))
	})
	if err != nil {
		return err
	}
	c.iopub, err = c.dialChannel(connect.IOPubChannel, func() zmq4.Socket {
		return zmq4.NewSub(ctx, zmq4.WithAutomaticReconnect(true))
	})
	if err != nil {
		return err
	}
	if err = c.iopub.Socket().SetOption(zmq4.OptionSubscribe, ""); err != nil {
		err = fmt.Errorf("subscribing to iopub: %w", err)
		return err
	}

	c.shell.Start()
	c.stdin.Start()
	c.control.Start()
	c.iopub.Start()

	if c.useHeartbeat {
		endpoint, eerr := c.info.Endpoint(connect.HBChannel)
		if eerr != nil {
			err = eerr
			return err
		}
		c.hb = channels.NewHBChannel(endpoint, channels.WithTimeToDead(c.timeToDead))
		c.hb.Start()
	}

	c.running = true
	return nil
}

// StopChannels closes all channels. Safe to call multiple times.
func (c *Client) StopChannels() {
	for _, ch := range []*channels.SocketChannel{c.shell, c.stdin, c.control, c.iopub} {
		if ch != nil {
			ch.Close()
		}
	}
	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
	}
	c.shell, c.stdin, c.control, c.iopub = nil, nil, nil, nil
	c.running = false
}

// ChannelsRunning reports whether StartChannels has succeeded.
func (c *Client) ChannelsRunning() bool { return c.running }

// ShellChannel returns the shell channel for direct message access.
func (c *Client) ShellChannel() *channels.SocketChannel { return c.shell }

// IOPubChannel returns the iopub channel for direct message access.
func (c *Client) IOPubChannel() *channels.SocketChannel { return c.iopub }

// StdinChannel returns the stdin channel for direct message access.
func (c *Client) StdinChannel() *channels.SocketChannel { return c.stdin }

// ControlChannel returns the control channel for direct message access.
func (c *Client) ControlChannel() *channels.SocketChannel { return c.control }

// HeartbeatChannel returns the heartbeat monitor, nil if disabled.
func (c *Client) HeartbeatChannel() *channels.HBChannel { return c.hb }

// IsAlive reports kernel liveness: process state when we own the kernel,
// heartbeat otherwise. With neither, we assume the kernel is alive.
func (c *Client) IsAlive() bool {
	if c.kernel != nil {
		return c.kernel.IsAlive()
	}
	if c.hb != nil {
		return c.hb.IsBeating()
	}
	return true
}
