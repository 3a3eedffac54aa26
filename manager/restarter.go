package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Restarter defaults.
const (
	DefaultRestartTimeToDead = 3 * time.Second
	DefaultRestartLimit      = 5
	DefaultStableStartTime   = 10 * time.Second
)

// KernelManager is the slice of the manager the restarter drives.
type KernelManager interface {
	IsAlive() bool
	RestartKernel(ctx context.Context, now, newPorts bool) error
}

// RestartEvent identifies a restarter callback hook.
type RestartEvent string

// Callback hooks: "restart" fires before each relaunch attempt, "dead" fires
// once when the restart budget is exhausted.
const (
	EventRestart RestartEvent = "restart"
	EventDead    RestartEvent = "dead"
)

// Restarter polls a kernel manager and relaunches its kernel when the process
// dies, up to a bounded number of consecutive failures. A kernel that stays
// up for the stable-start window resets the failure count.
type Restarter struct {
	log *zap.SugaredLogger

	km                    KernelManager
	timeToDead            time.Duration
	restartLimit          int
	stableStartTime       time.Duration
	randomPortsUntilAlive bool

	mut            sync.Mutex
	callbacks      map[RestartEvent]map[int]func()
	nextCallbackID int
	restartCount   int
	lastDead       time.Time
	initialStartup bool
	restarting     bool
	gaveUp         bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// RestarterOption configures a Restarter.
type RestarterOption func(r *Restarter)

// WithRestarterLogger sets the restarter's logger.
func WithRestarterLogger(l *zap.Logger) RestarterOption {
	return func(r *Restarter) { r.log = l.Named("kernel_restarter").Sugar() }
}

// WithPollInterval sets how often the kernel is checked for liveness.
func WithPollInterval(d time.Duration) RestarterOption {
	return func(r *Restarter) { r.timeToDead = d }
}

// WithRestartLimit sets how many consecutive relaunch attempts are made
// before giving up.
func WithRestartLimit(n int) RestarterOption {
	return func(r *Restarter) { r.restartLimit = n }
}

// WithStableStartTime sets how long the kernel must stay up after a relaunch
// before the failure count resets.
func WithStableStartTime(d time.Duration) RestarterOption {
	return func(r *Restarter) { r.stableStartTime = d }
}

// WithRandomPortsUntilAlive controls whether the first relaunch after an
// initial-startup failure picks fresh ports, dodging port-conflict crashes.
func WithRandomPortsUntilAlive(enabled bool) RestarterOption {
	return func(r *Restarter) { r.randomPortsUntilAlive = enabled }
}

// NewRestarter constructs a Restarter for the given kernel manager. Call
// Start to begin polling.
func NewRestarter(km KernelManager, opts ...RestarterOption) *Restarter {
	r := &Restarter{
		log:                   zap.NewNop().Sugar(),
		km:                    km,
		timeToDead:            DefaultRestartTimeToDead,
		restartLimit:          DefaultRestartLimit,
		stableStartTime:       DefaultStableStartTime,
		randomPortsUntilAlive: true,
		callbacks: map[RestartEvent]map[int]func(){
			EventRestart: {},
			EventDead:    {},
		},
		initialStartup: true,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddCallback registers f to run on the given event, returning a function
// that removes it again.
func (r *Restarter) AddCallback(event RestartEvent, f func()) (remove func()) {
	r.mut.Lock()
	defer r.mut.Unlock()
	id := r.nextCallbackID
	r.nextCallbackID++
	if r.callbacks[event] == nil {
		r.callbacks[event] = map[int]func(){}
	}
	r.callbacks[event][id] = f
	return func() {
		r.mut.Lock()
		defer r.mut.Unlock()
		delete(r.callbacks[event], id)
	}
}

func (r *Restarter) fireCallbacks(event RestartEvent) {
	r.mut.Lock()
	fs := make([]func(), 0, len(r.callbacks[event]))
	for _, f := range r.callbacks[event] {
		fs = append(fs, f)
	}
	r.mut.Unlock()
	for _, f := range fs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("%s callback panicked: %v", event, rec)
				}
			}()
			f()
		}()
	}
}

// Start begins the background polling loop. Subsequent calls are no-ops.
func (r *Restarter) Start() {
	r.startOnce.Do(func() {
		r.mut.Lock()
		r.started = true
		r.mut.Unlock()
		go func() {
			defer close(r.done)
			ticker := time.NewTicker(r.timeToDead)
			defer ticker.Stop()
			for {
				select {
				case <-r.stop:
					return
				case <-ticker.C:
					r.Poll()
				}
			}
		}()
	})
}

// Stop halts the polling loop and waits for it to finish.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mut.Lock()
	started := r.started
	r.mut.Unlock()
	if started {
		<-r.done
	}
}

// Poll checks the kernel once: a dead kernel is relaunched (or, past the
// restart budget, the dead callbacks fire and the restarter stands down); a
// kernel alive past the stable-start window resets the failure count.
func (r *Restarter) Poll() {
	r.mut.Lock()
	if r.gaveUp {
		r.mut.Unlock()
		return
	}
	r.mut.Unlock()

	if r.km.IsAlive() {
		r.pollAlive()
		return
	}
	r.pollDead()
}

func (r *Restarter) pollAlive() {
	r.mut.Lock()
	defer r.mut.Unlock()
	if !r.restarting && !r.initialStartup {
		return
	}
	if r.lastDead.IsZero() || time.Since(r.lastDead) > r.stableStartTime {
		if r.restarting {
			r.log.Debugf("kernel started, clearing restarting state")
		}
		r.restartCount = 0
		r.initialStartup = false
		r.restarting = false
	}
}

func (r *Restarter) pollDead() {
	r.mut.Lock()
	r.lastDead = time.Now()
	r.restartCount++
	count := r.restartCount
	if count > r.restartLimit {
		r.gaveUp = true
		r.mut.Unlock()
		r.log.Warnf("kernel died, not restarting: reached %d consecutive restarts", r.restartLimit)
		r.fireCallbacks(EventDead)
		r.stopOnce.Do(func() { close(r.stop) })
		return
	}
	newPorts := r.randomPortsUntilAlive && r.initialStartup
	r.restarting = true
	r.mut.Unlock()

	r.log.Infof("kernel died, restarting (%d/%d)", count, r.restartLimit)
	r.fireCallbacks(EventRestart)
	if err := r.km.RestartKernel(context.Background(), true, newPorts); err != nil {
		r.log.Errorf("restarting kernel: %s", err)
	}
}
