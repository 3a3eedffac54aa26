package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartNewKernelTearsDownOnHandshakeFailure(t *testing.T) {
	// the "kernel" never opens its sockets, so connecting or the handshake
	// must fail and everything must be torn down again
	connFile := filepath.Join(t.TempDir(), "kernel.json")
	m, c, err := StartNewKernel(context.Background(), 3*time.Second,
		WithKernelSpec(sleepSpec()),
		WithConnectionFile(connFile),
		WithShutdownWaitTime(time.Second),
	)
	require.Error(t, err)
	require.Nil(t, m)
	require.Nil(t, c)
}
