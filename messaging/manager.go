package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	conductor "github.com/sra/conductor"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger used for registry events.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerBus publishes adapter lifecycle events (started/stopped) on bus.
func WithManagerBus(bus *conductor.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// Manager is the registry of running adapter instances, keyed by runtime_key
// (RuntimeKey(platform, name)). It owns adapter lifecycle from registration
// through shutdown and is the single place broadcasts are routed from.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
	bus      *conductor.Bus
}

func (m *Manager) publish(kind conductor.ProcessEventKind, runtimeKey string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(conductor.ProcessEvent{Kind: kind, Adapter: runtimeKey})
}

// NewManager creates an empty adapter registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{adapters: make(map[string]Adapter), logger: nopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// RegisterAndStart adds a to the registry and starts it, returning its
// inbound message stream. Fails if an adapter with the same runtime key is
// already registered.
func (m *Manager) RegisterAndStart(ctx context.Context, a Adapter) (<-chan conductor.InboundMessage, error) {
	key := a.Name()
	if name := nameFromKey(key, a.Platform()); name != "" && !ValidAdapterName(name) {
		return nil, fmt.Errorf("messaging: invalid adapter name in runtime key %q", key)
	}

	m.mu.Lock()
	if _, exists := m.adapters[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("messaging: adapter %q already registered", key)
	}
	m.adapters[key] = a
	m.mu.Unlock()

	ch, err := a.Start(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.adapters, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("messaging: start %q: %w", key, err)
	}
	m.logger.Info("messaging: adapter started", "runtime_key", key, "platform", a.Platform())
	m.publish(conductor.EventAdapterStarted, key)
	return ch, nil
}

func nameFromKey(key, platform string) string {
	if key == platform {
		return ""
	}
	prefix := platform + ":"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// RemoveAdapter shuts down and unregisters the adapter at runtimeKey.
func (m *Manager) RemoveAdapter(ctx context.Context, runtimeKey string) error {
	m.mu.Lock()
	a, ok := m.adapters[runtimeKey]
	if ok {
		delete(m.adapters, runtimeKey)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("messaging: %w: adapter %q", conductor.ErrNotFound, runtimeKey)
	}
	m.logger.Info("messaging: adapter removed", "runtime_key", runtimeKey)
	m.publish(conductor.EventAdapterStopped, runtimeKey)
	return a.Shutdown(ctx)
}

// RemovePlatformAdapters shuts down and unregisters every adapter instance
// for platform, default and named alike.
func (m *Manager) RemovePlatformAdapters(ctx context.Context, platform string) error {
	m.mu.Lock()
	var toRemove []Adapter
	for k, a := range m.adapters {
		if a.Platform() == platform {
			toRemove = append(toRemove, a)
			delete(m.adapters, k)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, a := range toRemove {
		m.publish(conductor.EventAdapterStopped, a.Name())
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HasAdapter reports whether runtimeKey is currently registered.
func (m *Manager) HasAdapter(runtimeKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.adapters[runtimeKey]
	return ok
}

// Adapter returns the adapter registered at runtimeKey, if any.
func (m *Manager) Adapter(runtimeKey string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[runtimeKey]
	return a, ok
}

// Broadcast delivers resp to target on platform. The platform argument is
// looked up as a runtime key, so the platform's default instance serves
// bare names ("discord") and callers that know a named instance can
// address it directly ("discord:work").
func (m *Manager) Broadcast(ctx context.Context, platform, target string, resp conductor.OutboundResponse) error {
	m.mu.RLock()
	a, ok := m.adapters[platform]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("messaging: %w: no default adapter for platform %q", conductor.ErrNotFound, platform)
	}
	if err := a.Broadcast(ctx, target, resp); err != nil {
		m.logger.Error("messaging: broadcast failed", "platform", platform, "target", target, "error", err)
		return err
	}
	return nil
}

// Shutdown stops every registered adapter. Intended for process teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.adapters = make(map[string]Adapter)
	m.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		m.publish(conductor.EventAdapterStopped, a.Name())
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
