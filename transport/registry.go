package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder matches PubSubSystem.
var ErrUnknownTransport = errors.New("unknown transport")

type registration struct {
	build Builder
	caps  Capabilities
}

// Registry resolves the PubSubSystem config value to a transport builder.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a builder without declared capabilities. A later call with
// the same name replaces the earlier one.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds a builder together with what its transport
// guarantees about ordering, acknowledgement and progress.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{build: builder, caps: caps}
}

// GetCapabilities reports the capabilities declared for name. Unknown names
// and transports registered without capabilities get a value that only
// carries the name, which promises nothing.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build connects the transport named by cfg.GetPubSubSystem(). The returned
// transport always has both a publisher and a subscriber factory: the source
// topic is consumed once per output path and the publisher serves the
// dead-letter topic and the produce command.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	t, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("transport %q: %w", name, err)
	}
	switch {
	case t.Publisher == nil:
		return Transport{}, fmt.Errorf("transport %q provided no publisher", name)
	case t.NewSubscriber == nil:
		_ = t.Publisher.Close()
		return Transport{}, fmt.Errorf("transport %q provided no subscriber factory", name)
	}
	return t, nil
}

// Names lists the registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}
