package manager

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvisionerLifecycle(t *testing.T) {
	p := NewLocalProvisioner()
	assert.False(t, p.HasProcess())

	require.NoError(t, p.Launch(context.Background(), []string{"/bin/sh", "-c", "sleep 300"}, nil))
	assert.True(t, p.HasProcess())
	assert.Greater(t, p.Pid(), 0)

	_, exited := p.Poll()
	assert.False(t, exited)

	require.NoError(t, p.Terminate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	_, exited = p.Poll()
	assert.True(t, exited)

	// signalling an exited process is not an error
	require.NoError(t, p.SendSignal(syscall.SIGTERM))
	require.NoError(t, p.Kill())
}

func TestLocalProvisionerExitCode(t *testing.T) {
	p := NewLocalProvisioner()
	require.NoError(t, p.Launch(context.Background(), []string{"/bin/sh", "-c", "exit 3"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	code, exited := p.Poll()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestLocalProvisionerRejectsSecondLaunch(t *testing.T) {
	p := NewLocalProvisioner()
	require.NoError(t, p.Launch(context.Background(), []string{"/bin/sh", "-c", "sleep 300"}, nil))
	defer p.Kill()

	err := p.Launch(context.Background(), []string{"/bin/sh", "-c", "sleep 300"}, nil)
	require.Error(t, err)
}

func TestLocalProvisionerEmptyCommand(t *testing.T) {
	p := NewLocalProvisioner()
	require.Error(t, p.Launch(context.Background(), nil, nil))
}

func TestLocalProvisionerWaitRespectsContext(t *testing.T) {
	p := NewLocalProvisioner()
	require.NoError(t, p.Launch(context.Background(), []string{"/bin/sh", "-c", "sleep 300"}, nil))
	defer p.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
