package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"prop-engine/internal/events"
)

// Manager owns the running strategy instances, routes bar-close events to
// them, and exposes the start/stop/verify surface the API serves.
type Manager struct {
	mu        sync.Mutex
	instances []*OvernightRange
	enabled   bool

	bus    *events.Bus
	logger zerolog.Logger
}

// NewManager builds the manager over the given instances.
func NewManager(instances []*OvernightRange, bus *events.Bus, enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		instances: instances,
		enabled:   enabled,
		bus:       bus,
		logger:    logger.With().Str("component", "strategy_manager").Logger(),
	}
}

// Start rehydrates every instance and begins dispatching bar closes.
func (m *Manager) Start(ctx context.Context) error {
	for _, inst := range m.instances {
		if err := inst.Rehydrate(ctx); err != nil {
			return fmt.Errorf("rehydrate %s/%s: %w", inst.Name(), inst.Symbol(), err)
		}
	}

	barCh, unsub := m.bus.Subscribe(events.EventBarClose, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-barCh:
				if !ok {
					return
				}
				bar, isBar := msg.(events.BarClosed)
				if !isBar {
					continue
				}
				m.mu.Lock()
				running := m.enabled
				m.mu.Unlock()
				if !running {
					continue
				}
				for _, inst := range m.instances {
					inst.OnBarClose(ctx, bar)
				}
			}
		}
	}()
	return nil
}

// Enable turns strategy trading on.
func (m *Manager) Enable(name string) error {
	if err := m.known(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	m.logger.Info().Str("strategy", name).Msg("strategy enabled")
	return nil
}

// Disable stops dispatching bars to the strategies. Working orders and
// positions are untouched; the reconciler keeps managing them.
func (m *Manager) Disable(name string) error {
	if err := m.known(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
	m.logger.Info().Str("strategy", name).Msg("strategy disabled")
	return nil
}

// Verify returns the live snapshot of every instance of a strategy.
func (m *Manager) Verify(name string) ([]Verification, error) {
	if err := m.known(name); err != nil {
		return nil, err
	}
	out := make([]Verification, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Verify())
	}
	return out, nil
}

// ResetAll clears every instance's day state; the 08:00 restart calls it.
func (m *Manager) ResetAll(ctx context.Context) {
	for _, inst := range m.instances {
		inst.Reset(ctx)
	}
}

// EODFlattenAll runs the end-of-day exit on every instance.
func (m *Manager) EODFlattenAll(ctx context.Context) {
	for _, inst := range m.instances {
		inst.EODFlatten(ctx)
	}
}

func (m *Manager) known(name string) error {
	for _, inst := range m.instances {
		if inst.Name() == name {
			return nil
		}
	}
	return fmt.Errorf("unknown strategy %q", name)
}
