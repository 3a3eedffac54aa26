package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guseggert/kernelclient/connect"
	internalnet "github.com/guseggert/kernelclient/internal/net"
)

func sleepSpec() *KernelSpec {
	return &KernelSpec{
		Argv:        []string{"/bin/sh", "-c", "sleep 300"},
		DisplayName: "sleeper",
		Language:    "sh",
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	connFile := filepath.Join(t.TempDir(), "kernel.json")
	m, err := New(append([]Option{
		WithKernelSpec(sleepSpec()),
		WithConnectionFile(connFile),
		WithShutdownWaitTime(2 * time.Second),
	}, opts...)...)
	require.NoError(t, err)
	return m
}

func shutdownNow(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownKernel(ctx, true, false))
}

func TestManagerStartAndShutdown(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, StateUnknown, m.State())
	assert.False(t, m.IsAlive())

	require.NoError(t, m.StartKernel(context.Background()))
	assert.Equal(t, StateStarted, m.State())
	assert.True(t, m.IsAlive())
	assert.True(t, m.HasKernel())

	info, err := m.ConnectionInfo()
	require.NoError(t, err)
	require.NoError(t, info.Validate())
	assert.NotEmpty(t, info.Key)

	// connection file was written, restricted to the owner
	st, err := os.Stat(m.ConnectionFile())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	loaded, err := connect.LoadFile(m.ConnectionFile())
	require.NoError(t, err)
	assert.Equal(t, info, loaded)
	for _, port := range loaded.Ports() {
		assert.Greater(t, port, 0)
	}

	shutdownNow(t, m)
	assert.Equal(t, StateDead, m.State())
	assert.False(t, m.IsAlive())

	// connection file removed on a final shutdown
	_, err = os.Stat(m.ConnectionFile())
	assert.True(t, os.IsNotExist(err))
}

func TestManagerRejectsNonLocalIP(t *testing.T) {
	m := newTestManager(t, WithIP("192.0.2.1"))
	err := m.StartKernel(context.Background())
	require.ErrorIs(t, err, ErrNonLocalBind)
	assert.Equal(t, StateUnknown, m.State())
}

func TestManagerRequiresSpec(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	require.Error(t, m.StartKernel(context.Background()))
}

func TestManagerPlaceholderAndEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")
	spec := &KernelSpec{
		Argv: []string{"/bin/sh", "-c", "echo \"{connection_file} $SPEC_VAR $EXTRA_VAR\" > " + outFile},
		Env:  map[string]string{"SPEC_VAR": "from-spec"},
	}
	m, err := New(
		WithKernelSpec(spec),
		WithConnectionFile(filepath.Join(dir, "kernel.json")),
		WithEnv(map[string]string{"EXTRA_VAR": "from-overrides"}),
	)
	require.NoError(t, err)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.provisioner.Wait(ctx))

	b, err := os.ReadFile(outFile)
	require.NoError(t, err)
	fields := strings.Fields(string(b))
	require.Len(t, fields, 3)
	assert.Equal(t, m.ConnectionFile(), fields[0])
	assert.Equal(t, "from-spec", fields[1])
	assert.Equal(t, "from-overrides", fields[2])
}

func TestManagerHonorsSeededConnectionFile(t *testing.T) {
	dir := t.TempDir()
	connFile := filepath.Join(dir, "kernel.json")
	fixed, err := internalnet.GetEphemeralTCPPort("127.0.0.1")
	require.NoError(t, err)
	seed := connect.Info{IOPubPort: fixed, Key: "preset-key", Transport: "tcp", IP: "127.0.0.1"}
	require.NoError(t, seed.WriteFile(connFile))

	m, err := New(
		WithKernelSpec(sleepSpec()),
		WithConnectionFile(connFile),
		WithShutdownWaitTime(2*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	// the seeded port and key survive, the zero ports get concrete ones
	info, err := m.ConnectionInfo()
	require.NoError(t, err)
	assert.Equal(t, fixed, info.IOPubPort)
	assert.Equal(t, "preset-key", info.Key)
	for _, port := range info.Ports() {
		assert.Greater(t, port, 0)
	}

	// the file is rewritten with the filled-in ports
	loaded, err := connect.LoadFile(connFile)
	require.NoError(t, err)
	assert.Equal(t, info, loaded)
}

func TestManagerLaunchArgSubstitution(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")
	spec := &KernelSpec{
		Argv: []string{"/bin/sh", "-c", "echo {custom_mode} > " + outFile},
	}
	m, err := New(
		WithKernelSpec(spec),
		WithConnectionFile(filepath.Join(dir, "kernel.json")),
		WithLaunchArgs(map[string]string{"custom_mode": "turbo"}),
	)
	require.NoError(t, err)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.provisioner.Wait(ctx))

	b, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "turbo", strings.TrimSpace(string(b)))
}

func TestManagerControlSendDoesNotBlockState(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	// nothing listens on the control port, so the dial inside the request
	// keeps retrying for a while; state queries must not wait behind it
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		m.RequestShutdown(false)
	}()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.State()
		_, _ = m.ConnectionInfo()
		_ = m.IsAlive()
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("state queries blocked behind a control-channel send")
	}
	<-sent
}

func TestManagerShutdownEscalation(t *testing.T) {
	// a kernel that ignores both SIGINT and SIGTERM only dies to SIGKILL
	m := newTestManager(t)
	m.spec.Argv = []string{"/bin/sh", "-c", "trap '' INT TERM; while true; do sleep 1; done"}
	require.NoError(t, m.StartKernel(context.Background()))

	// give the shell time to install its traps
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownKernel(ctx, false, false))
	elapsed := time.Since(start)

	assert.False(t, m.IsAlive())
	// the graceful window (2s) must pass before the kill lands
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 20*time.Second)
}

func TestManagerShutdownNowSkipsGracePeriod(t *testing.T) {
	m := newTestManager(t)
	m.spec.Argv = []string{"/bin/sh", "-c", "trap '' INT TERM; while true; do sleep 1; done"}
	require.NoError(t, m.StartKernel(context.Background()))

	start := time.Now()
	shutdownNow(t, m)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, m.IsAlive())
}

func TestManagerRestartSamePorts(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	before, err := m.ConnectionInfo()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.RestartKernel(ctx, true, false))
	assert.Equal(t, StateRestarted, m.State())
	assert.True(t, m.IsAlive())

	after, err := m.ConnectionInfo()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// connection file survives a restart
	_, err = os.Stat(m.ConnectionFile())
	require.NoError(t, err)
}

func TestManagerRestartNewPorts(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	before, err := m.ConnectionInfo()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, m.RestartKernel(ctx, true, true))
	assert.True(t, m.IsAlive())

	after, err := m.ConnectionInfo()
	require.NoError(t, err)
	assert.NotEqual(t, before.Key, after.Key)

	// the file at the same path reflects the new ports and key
	loaded, err := connect.LoadFile(m.ConnectionFile())
	require.NoError(t, err)
	assert.Equal(t, after, loaded)
}

func TestManagerRestartBeforeStart(t *testing.T) {
	m := newTestManager(t)
	err := m.RestartKernel(context.Background(), true, false)
	require.ErrorIs(t, err, ErrNeverStarted)
}

func TestManagerInterruptBySignal(t *testing.T) {
	m := newTestManager(t)
	// sleep in foreground dies to the INT delivered to the process group
	m.spec.Argv = []string{"/bin/sh", "-c", "sleep 300"}
	require.NoError(t, m.StartKernel(context.Background()))
	defer shutdownNow(t, m)

	require.NoError(t, m.InterruptKernel())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.provisioner.Wait(ctx))
	assert.False(t, m.IsAlive())
}

func TestManagerInterruptWithoutKernel(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.InterruptKernel(), ErrNoKernel)
	require.ErrorIs(t, m.SignalKernel(0), ErrNoKernel)
}
