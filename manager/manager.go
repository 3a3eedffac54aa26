// Package manager launches and supervises a kernel subprocess: writing the
// connection file, starting and signalling the process through a
// provisioner, escalating shutdown, and driving bounded auto-restart.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guseggert/kernelclient/client"
	"github.com/guseggert/kernelclient/connect"
	"github.com/guseggert/kernelclient/session"
)

// DefaultShutdownWaitTime is how long a kernel gets to shut down cleanly
// before signals escalate: SIGTERM at the halfway point, SIGKILL at the end.
const DefaultShutdownWaitTime = 5 * time.Second

var (
	// ErrNonLocalBind means a tcp kernel was configured to bind a non-local
	// address, which would expose it to the network.
	ErrNonLocalBind = errors.New("kernels may only bind local interfaces")
	// ErrNoKernel means the operation needs a running kernel and there is none.
	ErrNoKernel = errors.New("no kernel is running")
	// ErrNeverStarted means a restart was requested before any start.
	ErrNeverStarted = errors.New("cannot restart: kernel was never started")
)

// State is the kernel process lifecycle state.
type State int32

// Lifecycle states. Failed in-flight transitions reset to StateUnknown.
const (
	StateUnknown State = iota
	StateStarting
	StateStarted
	StateRestarting
	StateRestarted
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateRestarting:
		return "restarting"
	case StateRestarted:
		return "restarted"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Manager owns a single kernel subprocess and its connection file.
type Manager struct {
	log *zap.SugaredLogger

	spec             *KernelSpec
	provisioner      Provisioner
	ip               string
	transport        string
	cwd              string
	extraEnv         map[string]string
	launchArgs       map[string]string
	connectionFile   string
	shutdownWaitTime time.Duration

	mut             sync.Mutex
	sess            *session.Session
	info            connect.Info
	haveInfo        bool
	connFileWritten bool
	launchCmd       []string
	launchEnv       []string
	state           State

	// controlMut guards the control socket separately, so a slow dial or
	// send never blocks state queries behind mut
	controlMut  sync.Mutex
	controlSock zmq4.Socket
}

// Option configures a Manager.
type Option func(m *Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l.Named("kernel_manager").Sugar() }
}

// WithKernelSpec sets the launch descriptor. Required before StartKernel.
func WithKernelSpec(spec *KernelSpec) Option {
	return func(m *Manager) { m.spec = spec }
}

// WithProvisioner replaces the default local provisioner.
func WithProvisioner(p Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithIP sets the IP the kernel binds. Must be local for tcp transports.
func WithIP(ip string) Option {
	return func(m *Manager) { m.ip = ip }
}

// WithTransport sets the transport, "tcp" or "ipc".
func WithTransport(transport string) Option {
	return func(m *Manager) { m.transport = transport }
}

// WithWorkingDir sets the kernel's working directory.
func WithWorkingDir(dir string) Option {
	return func(m *Manager) { m.cwd = dir }
}

// WithEnv adds environment overrides for the kernel process.
func WithEnv(env map[string]string) Option {
	return func(m *Manager) { m.extraEnv = env }
}

// WithLaunchArgs adds values for argv template placeholders beyond the
// built-in connection_file and resource_dir. Launch args shadow the
// built-ins on a name collision.
func WithLaunchArgs(args map[string]string) Option {
	return func(m *Manager) { m.launchArgs = args }
}

// WithConnectionFile sets the connection file path. Defaults to a fresh file
// in the temp dir.
func WithConnectionFile(path string) Option {
	return func(m *Manager) { m.connectionFile = path }
}

// WithShutdownWaitTime sets the clean-shutdown window.
func WithShutdownWaitTime(d time.Duration) Option {
	return func(m *Manager) { m.shutdownWaitTime = d }
}

// New constructs a Manager.
func New(opts ...Option) (*Manager, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	m := &Manager{
		log:              logger.Named("kernel_manager").Sugar(),
		ip:               "127.0.0.1",
		transport:        "tcp",
		shutdownWaitTime: DefaultShutdownWaitTime,
		state:            StateUnknown,
	}
	for _, o := range opts {
		o(m)
	}
	if m.provisioner == nil {
		m.provisioner = NewLocalProvisioner(WithProvisionerWorkingDir(m.cwd))
	}
	return m, nil
}

func (m *Manager) setState(s State) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.state = s
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.state
}

// ConnectionInfo returns the running kernel's connection info.
func (m *Manager) ConnectionInfo() (connect.Info, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if !m.haveInfo {
		return connect.Info{}, ErrNoKernel
	}
	return m.info, nil
}

// ConnectionFile returns the connection file path, empty before StartKernel.
func (m *Manager) ConnectionFile() string { return m.connectionFile }

// HasKernel reports whether a kernel process has been launched.
func (m *Manager) HasKernel() bool { return m.provisioner.HasProcess() }

// IsAlive reports whether the kernel process is running. This is a
// process-exit check, not a responsiveness check; use the heartbeat for the
// latter.
func (m *Manager) IsAlive() bool {
	if !m.provisioner.HasProcess() {
		return false
	}
	_, exited := m.provisioner.Poll()
	return !exited
}

// StartKernel launches the kernel subprocess: validates the bind address,
// writes the connection file, substitutes the argv template and spawns the
// process. The launch arguments are recorded for later restarts.
func (m *Manager) StartKernel(ctx context.Context) error {
	if m.spec == nil || len(m.spec.Argv) == 0 {
		return errors.New("no kernel spec with an argv was configured")
	}
	m.setState(StateStarting)
	if err := m.startKernel(ctx); err != nil {
		m.setState(StateUnknown)
		return err
	}
	m.setState(StateStarted)
	return nil
}

func (m *Manager) startKernel(ctx context.Context) error {
	m.mut.Lock()
	defer m.mut.Unlock()

	if !m.haveInfo {
		// a pre-seeded connection file may fix some ports and the key;
		// only its zero ports get randomized
		template := connect.Info{IP: m.ip, Transport: m.transport}
		if m.connectionFile != "" {
			if loaded, err := connect.LoadFile(m.connectionFile); err == nil {
				template = loaded
				m.connFileWritten = false
			}
		}
		if template.Transport == "tcp" && !connect.IsLocalIP(template.IP) {
			return fmt.Errorf("%w: %q is not local (valid: %v)", ErrNonLocalBind, template.IP, connect.LocalIPs())
		}
		info, err := connect.Fill(template)
		if err != nil {
			return err
		}
		m.info = info
		m.haveInfo = true
	}
	if m.connectionFile == "" {
		m.connectionFile = filepath.Join(os.TempDir(), fmt.Sprintf("kernel-%s.json", uuid.NewString()))
	}
	if !m.connFileWritten {
		if err := m.info.WriteFile(m.connectionFile); err != nil {
			return err
		}
		m.connFileWritten = true
	}

	if m.sess == nil || string(m.sess.Key()) != m.info.Key {
		sess, err := session.New(
			session.WithKey([]byte(m.info.Key)),
			session.WithSignatureScheme(m.info.SignatureScheme),
		)
		if err != nil {
			return err
		}
		m.sess = sess
	}

	if m.launchCmd == nil {
		connFile, err := filepath.Abs(m.connectionFile)
		if err != nil {
			connFile = m.connectionFile
		}
		ns := map[string]string{
			"connection_file": connFile,
			"resource_dir":    m.spec.ResourceDir,
		}
		for k, v := range m.launchArgs {
			ns[k] = v
		}
		cmd := formatKernelCmd(m.spec.Argv, ns)

		envMap := envToMap(os.Environ())
		// if this leaks into the kernel it can bork all the things
		delete(envMap, "PYTHONEXECUTABLE")
		for k, v := range substituteEnv(m.spec.Env, envMap) {
			envMap[k] = v
		}
		for k, v := range m.extraEnv {
			envMap[k] = v
		}
		// let the kernel detect orphaning
		envMap["JPY_PARENT_PID"] = strconv.Itoa(os.Getpid())

		m.launchCmd = cmd
		m.launchEnv = envFromMap(envMap)
	}

	m.log.Debugf("starting kernel: %v", m.launchCmd)
	return m.provisioner.Launch(ctx, m.launchCmd, m.launchEnv)
}

func (m *Manager) closeControlSocket() {
	m.controlMut.Lock()
	defer m.controlMut.Unlock()
	if m.controlSock != nil {
		m.controlSock.Close()
		m.controlSock = nil
	}
}

// sendControlMsg sends a signed message on the control channel, dialing it
// lazily. The session and endpoint are snapshotted under mut; the dial and
// send happen under controlMut only, so they never block the state queries.
func (m *Manager) sendControlMsg(msgType string, content map[string]interface{}) error {
	m.mut.Lock()
	if !m.haveInfo || m.sess == nil {
		m.mut.Unlock()
		return ErrNoKernel
	}
	sess := m.sess
	info := m.info
	m.mut.Unlock()

	m.controlMut.Lock()
	defer m.controlMut.Unlock()
	if m.controlSock == nil {
		endpoint, err := info.Endpoint(connect.ControlChannel)
		if err != nil {
			return err
		}
		sock := zmq4.NewDealer(context.Background(),
			zmq4.WithID(zmq4.SocketIdentity(sess.ID())),
			zmq4.WithAutomaticReconnect(true),
		)
		if err := sock.Dial(endpoint); err != nil {
			sock.Close()
			return fmt.Errorf("dialing control channel: %w", err)
		}
		m.controlSock = sock
	}
	msg := sess.Msg(msgType, content)
	frames, err := sess.Serialize(msg)
	if err != nil {
		return err
	}
	if err := m.controlSock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("sending %s: %w", msgType, err)
	}
	return nil
}

// RequestShutdown sends a shutdown_request on the control channel.
func (m *Manager) RequestShutdown(restart bool) error {
	return m.sendControlMsg("shutdown_request", map[string]interface{}{"restart": restart})
}

// InterruptKernel interrupts the kernel: SIGINT to the process group, or an
// interrupt_request on the control channel if the kernel spec declares
// message-based interruption.
func (m *Manager) InterruptKernel() error {
	if !m.provisioner.HasProcess() {
		return fmt.Errorf("cannot interrupt: %w", ErrNoKernel)
	}
	if m.spec != nil && m.spec.InterruptMode == InterruptModeMessage {
		return m.sendControlMsg("interrupt_request", nil)
	}
	return m.provisioner.SendSignal(syscall.SIGINT)
}

// SignalKernel delivers an arbitrary signal to the kernel's process group.
func (m *Manager) SignalKernel(sig syscall.Signal) error {
	if !m.provisioner.HasProcess() {
		return fmt.Errorf("cannot signal: %w", ErrNoKernel)
	}
	return m.provisioner.SendSignal(sig)
}

// waitForExit waits up to timeout for the kernel process to exit.
func (m *Manager) waitForExit(ctx context.Context, timeout time.Duration) bool {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.provisioner.Wait(wctx) == nil
}

// finishShutdown waits for the kernel to exit, escalating signals: half the
// shutdown window for the clean path, then SIGTERM, then SIGKILL. Escalation
// is monotonic; we never drop back to a weaker signal.
func (m *Manager) finishShutdown(ctx context.Context) {
	half := m.shutdownWaitTime / 2
	if m.waitForExit(ctx, half) {
		return
	}
	m.log.Debugf("kernel is taking too long to finish, terminating")
	if err := m.provisioner.Terminate(); err != nil {
		m.log.Debugf("terminating kernel: %s", err)
	}
	if m.waitForExit(ctx, half) {
		return
	}
	m.log.Debugf("kernel is taking too long to finish, killing")
	m.killKernel(ctx)
}

func (m *Manager) killKernel(ctx context.Context) {
	if err := m.provisioner.Kill(); err != nil {
		m.log.Debugf("killing kernel: %s", err)
	}
	if !m.waitForExit(ctx, 5*time.Second) {
		m.log.Warnf("wait for final termination of kernel timed out, continuing")
	}
}

// cleanupResources releases the control socket and, unless a restart
// follows, removes the connection and ipc files. Individual failures are
// logged and cleanup continues.
func (m *Manager) cleanupResources(restart bool) {
	m.closeControlSocket()
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.haveInfo {
		m.info.CleanupIPCFiles()
	}
	if !restart && m.connFileWritten {
		if err := os.Remove(m.connectionFile); err != nil && !os.IsNotExist(err) {
			m.log.Debugf("removing connection file: %s", err)
		}
		m.connFileWritten = false
	}
	if err := m.provisioner.Cleanup(restart); err != nil {
		m.log.Debugf("provisioner cleanup: %s", err)
	}
}

// ShutdownKernel stops the kernel. If now, it is force-killed immediately;
// otherwise it gets SIGINT plus a shutdown_request and the escalating wait of
// finishShutdown. restart keeps the connection file for the relaunch.
func (m *Manager) ShutdownKernel(ctx context.Context, now, restart bool) error {
	m.setState(StateTerminating)

	if m.provisioner.HasProcess() {
		if now {
			m.killKernel(ctx)
		} else {
			if err := m.InterruptKernel(); err != nil {
				m.log.Debugf("interrupting kernel for shutdown: %s", err)
			}
			if err := m.RequestShutdown(restart); err != nil {
				m.log.Debugf("requesting shutdown: %s", err)
			}
			m.finishShutdown(ctx)
		}
	}

	m.cleanupResources(restart)
	m.setState(StateDead)
	return nil
}

// RestartKernel shuts the kernel down (keeping the connection file) and
// starts it again with the recorded launch arguments. newPorts discards the
// old ports and key, forcing a fresh connection file at the same path.
func (m *Manager) RestartKernel(ctx context.Context, now, newPorts bool) error {
	m.mut.Lock()
	neverStarted := m.launchCmd == nil
	m.mut.Unlock()
	if neverStarted {
		return ErrNeverStarted
	}

	m.setState(StateRestarting)
	if err := m.ShutdownKernel(ctx, now, true); err != nil {
		m.setState(StateUnknown)
		return err
	}

	if newPorts {
		m.mut.Lock()
		m.haveInfo = false
		m.connFileWritten = false
		// drop the old file too, or its ports would be kept on the relaunch
		if m.connectionFile != "" {
			if err := os.Remove(m.connectionFile); err != nil && !os.IsNotExist(err) {
				m.log.Debugf("removing connection file: %s", err)
			}
		}
		m.mut.Unlock()
	}

	if err := m.startKernel(ctx); err != nil {
		m.setState(StateUnknown)
		return err
	}
	m.setState(StateRestarted)
	return nil
}

// Client builds a client connected to this manager's kernel.
func (m *Manager) Client(opts ...client.Option) (*client.Client, error) {
	info, err := m.ConnectionInfo()
	if err != nil {
		return nil, err
	}
	mode := InterruptModeSignal
	if m.spec != nil && m.spec.InterruptMode != "" {
		mode = m.spec.InterruptMode
	}
	baseOpts := []client.Option{
		client.WithKernel(m),
		client.WithInterruptMode(mode),
	}
	return client.New(info, append(baseOpts, opts...)...)
}
