package channels

import (
	"context"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// DefaultTimeToDead is the heartbeat probe period and reply deadline.
const DefaultTimeToDead = 1 * time.Second

// HBChannel monitors the kernel heartbeat on its own goroutine: it sends a
// one-byte ping on a REQ socket and waits up to timeToDead for the reply. A
// missed reply marks the kernel not beating and recreates the socket, because
// the REQ/REP cycle is unrecoverable after a miss.
type HBChannel struct {
	log        *zap.SugaredLogger
	endpoint   string
	timeToDead time.Duration
	onFailure  func(sinceLastHeartbeat time.Duration)

	mut     sync.Mutex
	started bool
	running bool
	paused  bool
	beating bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// HBOption configures an HBChannel.
type HBOption func(h *HBChannel)

// WithTimeToDead sets the probe period and reply deadline.
func WithTimeToDead(d time.Duration) HBOption {
	return func(h *HBChannel) { h.timeToDead = d }
}

// WithFailureHandler registers a callback invoked on each missed heartbeat
// with the elapsed time since the ping was sent.
func WithFailureHandler(f func(sinceLastHeartbeat time.Duration)) HBOption {
	return func(h *HBChannel) { h.onFailure = f }
}

// WithHBLogger sets the heartbeat logger.
func WithHBLogger(l *zap.Logger) HBOption {
	return func(h *HBChannel) { h.log = l.Named("hb_channel").Sugar() }
}

// NewHBChannel constructs a heartbeat monitor for the given endpoint.
func NewHBChannel(endpoint string, opts ...HBOption) *HBChannel {
	h := &HBChannel{
		log:        zap.NewNop().Sugar(),
		endpoint:   endpoint,
		timeToDead: DefaultTimeToDead,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start begins the heartbeat loop.
func (h *HBChannel) Start() {
	h.startOnce.Do(func() {
		h.mut.Lock()
		h.started = true
		h.running = true
		h.beating = true
		h.mut.Unlock()
		go h.run()
	})
}

// Stop terminates the heartbeat loop and closes the socket. Stopping a
// monitor that never started is a no-op.
func (h *HBChannel) Stop() {
	h.stopOnce.Do(func() {
		h.mut.Lock()
		h.running = false
		h.mut.Unlock()
		close(h.stop)
	})
	h.mut.Lock()
	started := h.started
	h.mut.Unlock()
	if started {
		<-h.done
	}
}

// Pause suspends probing without tearing down the socket.
func (h *HBChannel) Pause() {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.paused = true
}

// Unpause resumes probing.
func (h *HBChannel) Unpause() {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.paused = false
}

// IsBeating reports whether the monitor is running, not paused, and the last
// probe got a timely reply.
func (h *HBChannel) IsBeating() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.running && !h.paused && h.beating
}

func (h *HBChannel) isPaused() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.paused
}

func (h *HBChannel) setBeating(b bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.beating = b
}

// createSocket dials a fresh REQ socket and starts a goroutine draining its
// replies. The goroutine exits when the socket is closed.
func (h *HBChannel) createSocket() (zmq4.Socket, <-chan struct{}) {
	sock := zmq4.NewReq(context.Background())
	if err := sock.Dial(h.endpoint); err != nil {
		h.log.Debugf("dialing heartbeat endpoint %s: %s", h.endpoint, err)
		sock.Close()
		return nil, nil
	}
	replies := make(chan struct{})
	go func() {
		for {
			if _, err := sock.Recv(); err != nil {
				return
			}
			select {
			case replies <- struct{}{}:
			case <-h.stop:
				return
			}
		}
	}()
	return sock, replies
}

func (h *HBChannel) run() {
	defer close(h.done)

	sock, replies := h.createSocket()
	defer func() {
		if sock != nil {
			sock.Close()
		}
	}()

	recreate := func() {
		if sock != nil {
			sock.Close()
		}
		sock, replies = h.createSocket()
	}

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		if h.isPaused() {
			if !h.sleep(h.timeToDead) {
				return
			}
			continue
		}

		if sock == nil {
			h.setBeating(false)
			if !h.sleep(h.timeToDead) {
				return
			}
			recreate()
			continue
		}

		requestTime := time.Now()
		if err := sock.Send(zmq4.NewMsg([]byte{'p'})); err != nil {
			h.log.Debugf("heartbeat send error: %s", err)
			h.setBeating(false)
			recreate()
			if !h.sleep(h.timeToDead) {
				return
			}
			continue
		}

		deadline := time.NewTimer(h.timeToDead)
		select {
		case <-replies:
			deadline.Stop()
			h.setBeating(true)
			// sleep the remainder of the cycle to keep the probe cadence steady
			if !h.sleep(h.timeToDead - time.Since(requestTime)) {
				return
			}
		case <-deadline.C:
			h.setBeating(false)
			since := time.Since(requestTime)
			h.log.Debugf("heartbeat missed after %s", since)
			if h.onFailure != nil {
				h.onFailure(since)
			}
			// the REQ/REP cycle is broken, recreate the socket and probe again
			recreate()
		case <-h.stop:
			deadline.Stop()
			return
		}
	}
}

// sleep waits for d, returning false if the channel was stopped meanwhile.
func (h *HBChannel) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.stop:
		return false
	}
}
