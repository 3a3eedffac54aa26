package manager

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MultiManager tracks a set of kernels by id, one Manager each.
type MultiManager struct {
	log *zap.SugaredLogger

	mut     sync.Mutex
	kernels map[string]*Manager
}

// MultiManagerOption configures a MultiManager.
type MultiManagerOption func(mm *MultiManager)

// WithMultiManagerLogger sets the multi-manager's logger.
func WithMultiManagerLogger(l *zap.Logger) MultiManagerOption {
	return func(mm *MultiManager) { mm.log = l.Named("multi_kernel_manager").Sugar() }
}

// NewMultiManager constructs an empty MultiManager.
func NewMultiManager(opts ...MultiManagerOption) *MultiManager {
	mm := &MultiManager{
		log:     zap.NewNop().Sugar(),
		kernels: map[string]*Manager{},
	}
	for _, o := range opts {
		o(mm)
	}
	return mm
}

// StartKernel builds a Manager with the given options, starts its kernel and
// returns the new kernel id.
func (mm *MultiManager) StartKernel(ctx context.Context, opts ...Option) (string, error) {
	m, err := New(opts...)
	if err != nil {
		return "", err
	}
	if err := m.StartKernel(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	mm.mut.Lock()
	mm.kernels[id] = m
	mm.mut.Unlock()
	mm.log.Debugf("started kernel %s", id)
	return id, nil
}

// Get returns the manager for the given kernel id.
func (mm *MultiManager) Get(kernelID string) (*Manager, error) {
	mm.mut.Lock()
	defer mm.mut.Unlock()
	m, ok := mm.kernels[kernelID]
	if !ok {
		return nil, fmt.Errorf("no kernel with id %q", kernelID)
	}
	return m, nil
}

// ListKernelIDs returns the ids of all tracked kernels.
func (mm *MultiManager) ListKernelIDs() []string {
	mm.mut.Lock()
	defer mm.mut.Unlock()
	ids := make([]string, 0, len(mm.kernels))
	for id := range mm.kernels {
		ids = append(ids, id)
	}
	return ids
}

// InterruptKernel interrupts the given kernel.
func (mm *MultiManager) InterruptKernel(kernelID string) error {
	m, err := mm.Get(kernelID)
	if err != nil {
		return err
	}
	return m.InterruptKernel()
}

// SignalKernel signals the given kernel's process group.
func (mm *MultiManager) SignalKernel(kernelID string, sig syscall.Signal) error {
	m, err := mm.Get(kernelID)
	if err != nil {
		return err
	}
	return m.SignalKernel(sig)
}

// RestartKernel restarts the given kernel on its existing ports.
func (mm *MultiManager) RestartKernel(ctx context.Context, kernelID string, now bool) error {
	m, err := mm.Get(kernelID)
	if err != nil {
		return err
	}
	return m.RestartKernel(ctx, now, false)
}

// ShutdownKernel stops the given kernel and forgets it.
func (mm *MultiManager) ShutdownKernel(ctx context.Context, kernelID string, now bool) error {
	m, err := mm.Get(kernelID)
	if err != nil {
		return err
	}
	err = m.ShutdownKernel(ctx, now, false)
	mm.mut.Lock()
	delete(mm.kernels, kernelID)
	mm.mut.Unlock()
	return err
}

// ShutdownAll stops every tracked kernel, collecting any errors.
func (mm *MultiManager) ShutdownAll(ctx context.Context, now bool) error {
	var merr error
	for _, id := range mm.ListKernelIDs() {
		if err := mm.ShutdownKernel(ctx, id, now); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("shutting down kernel %s: %w", id, err))
		}
	}
	return merr
}
