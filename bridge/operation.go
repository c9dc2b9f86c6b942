package bridge

import (
	"context"
	"sync"
	"time"
)

// Operation tracks one pending activation from issue to completion.
type Operation struct {
	ID        string
	LoginHost string
	Started   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	mu   sync.RWMutex
	err  error
}

func newOperation(id, loginHost string, timeout time.Duration) *Operation {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &Operation{
		ID:        id,
		LoginHost: loginHost,
		Started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Done is closed when the activation completed, failed, timed out or was
// cancelled.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the outcome; nil while pending or on success.
func (o *Operation) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.err
}

// Cancel aborts the activation.
func (o *Operation) Cancel() {
	o.cancel()
}

func (o *Operation) complete(err error) bool {
	completed := false
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		o.cancel()
		close(o.done)
		completed = true
	})
	return completed
}
