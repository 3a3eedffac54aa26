package manager

import (
	"context"
	"time"

	"github.com/guseggert/kernelclient/client"
)

// StartNewKernel launches a kernel, connects a client and performs the
// startup handshake, tearing everything down again if any step fails.
func StartNewKernel(ctx context.Context, startupTimeout time.Duration, opts ...Option) (*Manager, *client.Client, error) {
	m, err := New(opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := m.StartKernel(ctx); err != nil {
		return nil, nil, err
	}

	c, err := m.Client()
	if err != nil {
		m.ShutdownKernel(ctx, true, false)
		return nil, nil, err
	}
	if err := c.StartChannels(); err != nil {
		m.ShutdownKernel(ctx, true, false)
		return nil, nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := c.WaitForReady(readyCtx); err != nil {
		c.StopChannels()
		m.ShutdownKernel(ctx, true, false)
		return nil, nil, err
	}
	return m, c, nil
}
