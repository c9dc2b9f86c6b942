package vpn

import (
	"context"
	"sync"
)

// Activation is the completion handle of an activation request.
type Activation struct {
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	err    error
	cancel context.CancelFunc
}

// NewActivation returns a pending activation. cancel, if non-nil, is
// invoked by Cancel to abort the underlying work.
func NewActivation(cancel context.CancelFunc) *Activation {
	return &Activation{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Complete records the outcome. Only the first call has an effect.
func (a *Activation) Complete(err error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)
	})
}

// Done is closed once the activation completed.
func (a *Activation) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome; nil while pending or on success.
func (a *Activation) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Cancel aborts the underlying work. The activation still completes once
// the engine observes the cancellation.
func (a *Activation) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}
