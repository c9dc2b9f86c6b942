package vpn

import (
	"context"
	"fmt"
	"sync"

	"github.com/yllada/mesh-bridge/common"
)

// Factory creates an Engine.
type Factory func(ctx context.Context) (Engine, error)

// Provider owns the engine handle. It creates the engine lazily on first
// use and at most once, no matter how many callers race for it.
type Provider struct {
	mu      sync.Mutex
	factory Factory
	engine  Engine
	created int
}

// NewProvider creates a provider around factory.
func NewProvider(factory Factory) *Provider {
	return &Provider{factory: factory}
}

// Acquire returns the engine, creating it if needed. A failed creation
// leaves the provider empty so a later call can try again.
func (p *Provider) Acquire(ctx context.Context) (Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine != nil {
		return p.engine, nil
	}

	engine, err := p.create(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEngineUnavailable, err)
	}
	if engine == nil {
		return nil, common.ErrEngineUnavailable
	}

	p.engine = engine
	p.created++
	return engine, nil
}

// create runs the factory, turning a panic into an error.
func (p *Provider) create(ctx context.Context) (engine Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("factory panic: %v", r)
		}
	}()
	return p.factory(ctx)
}

// Current returns the engine without creating it.
func (p *Provider) Current() (Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine, p.engine != nil
}

// Created returns how many engines the provider has created.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Shutdown closes and forgets the engine.
func (p *Provider) Shutdown() error {
	p.mu.Lock()
	engine := p.engine
	p.engine = nil
	p.mu.Unlock()

	if engine == nil {
		return nil
	}
	return engine.Close()
}
