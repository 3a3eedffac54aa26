package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Provisioner launches and controls the kernel process. The manager depends
// only on this contract, not on how a provisioner is built or chosen.
type Provisioner interface {
	// Launch starts the kernel process from the formatted command and
	// environment.
	Launch(ctx context.Context, cmd []string, env []string) error
	// HasProcess reports whether a process is currently being managed.
	HasProcess() bool
	// Poll returns the process's exit code, and whether it has exited.
	Poll() (int, bool)
	// Wait blocks until the process exits or the context expires.
	Wait(ctx context.Context) error
	// SendSignal delivers a signal to the process. A process that is already
	// gone is not an error.
	SendSignal(sig syscall.Signal) error
	// Kill force-kills the process.
	Kill() error
	// Terminate asks the process to terminate.
	Terminate() error
	// Cleanup releases provisioner resources. restart means a relaunch will
	// follow immediately.
	Cleanup(restart bool) error
}

// LocalProvisioner runs the kernel as a direct child process in its own
// process group, with stdin closed.
type LocalProvisioner struct {
	log *zap.SugaredLogger
	wd  string

	mut  sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// LocalProvisionerOption configures a LocalProvisioner.
type LocalProvisionerOption func(p *LocalProvisioner)

// WithProvisionerLogger sets the provisioner's logger.
func WithProvisionerLogger(l *zap.Logger) LocalProvisionerOption {
	return func(p *LocalProvisioner) { p.log = l.Named("local_provisioner").Sugar() }
}

// WithProvisionerWorkingDir sets the kernel process's working directory.
func WithProvisionerWorkingDir(dir string) LocalProvisionerOption {
	return func(p *LocalProvisioner) { p.wd = dir }
}

// NewLocalProvisioner constructs a LocalProvisioner.
func NewLocalProvisioner(opts ...LocalProvisionerOption) *LocalProvisioner {
	p := &LocalProvisioner{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Launch starts the kernel process.
func (p *LocalProvisioner) Launch(ctx context.Context, cmd []string, env []string) error {
	if len(cmd) == 0 {
		return errors.New("empty launch command")
	}
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.cmd != nil {
		if _, exited := p.pollLocked(); !exited {
			return errors.New("a kernel process is already running")
		}
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = p.wd
	c.Env = env
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	// own process group, so signalling the group doesn't hit us
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p.log.Debugf("launching kernel: %v", cmd)
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting kernel process: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Wait()
	}()
	p.cmd = c
	p.done = done
	return nil
}

// HasProcess reports whether a process has been launched.
func (p *LocalProvisioner) HasProcess() bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.cmd != nil
}

// Pid returns the process id, zero if no process was launched.
func (p *LocalProvisioner) Pid() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *LocalProvisioner) pollLocked() (int, bool) {
	if p.cmd == nil {
		return 0, false
	}
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode(), true
	default:
		return 0, false
	}
}

// Poll returns the process's exit code, and whether it has exited.
func (p *LocalProvisioner) Poll() (int, bool) {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.pollLocked()
}

// Wait blocks until the process exits or the context expires.
func (p *LocalProvisioner) Wait(ctx context.Context) error {
	p.mut.Lock()
	done := p.done
	p.mut.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendSignal signals the kernel's process group, falling back to the single
// process if group signalling is unavailable. "Process already gone" is
// success, all other OS errors propagate.
func (p *LocalProvisioner) SendSignal(sig syscall.Signal) error {
	p.mut.Lock()
	cmd := p.cmd
	p.mut.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil || processGone(err) {
			return nil
		}
	}
	if err := cmd.Process.Signal(sig); err != nil && !processGone(err) {
		return fmt.Errorf("signalling kernel process: %w", err)
	}
	return nil
}

// Kill force-kills the process.
func (p *LocalProvisioner) Kill() error {
	return p.SendSignal(syscall.SIGKILL)
}

// Terminate sends SIGTERM to the process.
func (p *LocalProvisioner) Terminate() error {
	return p.SendSignal(syscall.SIGTERM)
}

// Cleanup is a no-op for local processes; the wait goroutine reaps the child.
func (p *LocalProvisioner) Cleanup(restart bool) error {
	return nil
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
