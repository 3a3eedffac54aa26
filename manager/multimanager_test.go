package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiManager(t *testing.T) {
	mm := NewMultiManager()
	assert.Empty(t, mm.ListKernelIDs())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := mm.StartKernel(ctx,
			WithKernelSpec(sleepSpec()),
			WithConnectionFile(filepath.Join(t.TempDir(), "kernel.json")),
		)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, ids, mm.ListKernelIDs())

	m, err := mm.Get(ids[0])
	require.NoError(t, err)
	assert.True(t, m.IsAlive())

	_, err = mm.Get("nope")
	require.Error(t, err)
	require.Error(t, mm.InterruptKernel("nope"))

	require.NoError(t, mm.ShutdownKernel(ctx, ids[0], true))
	assert.Len(t, mm.ListKernelIDs(), 1)
	assert.False(t, m.IsAlive())

	require.NoError(t, mm.ShutdownAll(ctx, true))
	assert.Empty(t, mm.ListKernelIDs())
}

func TestMultiManagerRestart(t *testing.T) {
	mm := NewMultiManager()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := mm.StartKernel(ctx,
		WithKernelSpec(sleepSpec()),
		WithConnectionFile(filepath.Join(t.TempDir(), "kernel.json")),
	)
	require.NoError(t, err)
	defer mm.ShutdownAll(ctx, true)

	require.NoError(t, mm.RestartKernel(ctx, id, true))
	m, err := mm.Get(id)
	require.NoError(t, err)
	assert.True(t, m.IsAlive())
}
