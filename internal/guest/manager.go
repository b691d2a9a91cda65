package guest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	tmterrors "github.com/stevehiehn/tmtgo/internal/errors"
	"github.com/stevehiehn/tmtgo/internal/hardware"
)

// Manager owns the guests of one plan run.
type Manager struct {
	registry *Registry
	logger   *zap.Logger

	mu     sync.Mutex
	guests []*Guest
}

func NewManager(registry *Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{registry: registry, logger: logger}
}

// Select applies hardware gating to spec without starting anything. The
// returned spec carries the chosen candidate, if any.
func (m *Manager) Select(ctx context.Context, spec Spec) (Spec, error) {
	backend, err := m.registry.Get(spec.Method)
	if err != nil {
		return spec, err
	}
	return m.gate(ctx, backend, spec)
}

func (m *Manager) gate(ctx context.Context, backend Backend, spec Spec) (Spec, error) {
	switch b := backend.(type) {
	case HardwareDeclarer:
		if err := b.DeclareHardware(spec.Hardware); err != nil {
			return spec, &tmterrors.CapabilityMismatchError{Guest: spec.Name, Cause: err}
		}
	case CandidateLister:
		candidates, err := b.Candidates(ctx, spec)
		if err != nil {
			return spec, fmt.Errorf("listing candidates for guest %q: %w", spec.Name, err)
		}
		profiles := make([]hardware.Profile, len(candidates))
		for i, c := range candidates {
			profiles[i] = c.Profile
		}
		matches := hardware.Matching(spec.Hardware, profiles)
		if len(matches) == 0 {
			return spec, &tmterrors.CapabilityMismatchError{Guest: spec.Name, Candidates: len(candidates)}
		}
		chosen := candidates[matches[0]]
		spec.Candidate = &chosen
		m.logger.Debug("candidate selected",
			zap.String("guest", spec.Name),
			zap.String("candidate", chosen.Name),
			zap.Int("candidates", len(candidates)))
	default:
		if spec.Hardware != nil {
			return spec, &tmterrors.CapabilityMismatchError{Guest: spec.Name}
		}
	}
	return spec, nil
}

// Provision gates spec by its hardware requirement and starts the guest.
func (m *Manager) Provision(ctx context.Context, spec Spec) (*Guest, error) {
	backend, err := m.registry.Get(spec.Method)
	if err != nil {
		return nil, err
	}
	spec, err = m.gate(ctx, backend, spec)
	if err != nil {
		return nil, err
	}
	if spec.Connection == "" {
		spec.Connection = ConnectionSystem
	}

	m.logger.Info("starting guest",
		zap.String("guest", spec.Name),
		zap.String("how", spec.Method),
		zap.String("role", spec.Role))
	handle, err := backend.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("starting guest %q: %w", spec.Name, err)
	}

	g := &Guest{
		Name:       spec.Name,
		Role:       spec.Role,
		Method:     spec.Method,
		Connection: spec.Connection,
		WaitFor:    spec.WaitFor,
		Handle:     handle,
		backend:    backend,
	}
	if spec.Candidate != nil {
		g.Profile = spec.Candidate.Profile
	}
	m.add(g)
	return g, nil
}

// Attach rebuilds a guest from its persisted record without starting it.
func (m *Manager) Attach(rec Record) (*Guest, error) {
	backend, err := m.registry.Get(rec.Method)
	if err != nil {
		return nil, err
	}
	g := &Guest{
		Name:        rec.Name,
		Role:        rec.Role,
		Method:      rec.Method,
		Connection:  rec.Connection,
		WaitFor:     rec.WaitFor,
		Handle:      rec.Handle,
		backend:     backend,
		rebootCount: rec.RebootCount,
		ready:       rec.Ready,
		stopped:     rec.Stopped,
	}
	if rec.Profile != nil {
		g.Profile = *rec.Profile
	}
	m.add(g)
	return g, nil
}

func (m *Manager) add(g *Guest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.guests {
		if existing.Name == g.Name {
			m.guests[i] = g
			return
		}
	}
	m.guests = append(m.guests, g)
}

// Guests returns the managed guests in provisioning order.
func (m *Manager) Guests() []*Guest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Guest(nil), m.guests...)
}

// Get returns the named guest.
func (m *Manager) Get(name string) (*Guest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guests {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// MarkReady records that the guest finished preparation.
func (m *Manager) MarkReady(g *Guest) {
	g.markReady()
}

// Stop stops one guest. Stopping an already stopped guest is a no-op.
func (m *Manager) Stop(ctx context.Context, g *Guest) error {
	g.mu.Lock()
	stopped := g.stopped
	g.mu.Unlock()
	if stopped {
		return nil
	}
	if err := g.backend.Stop(ctx, g.Handle); err != nil {
		return g.ioError("stop", Output{}, err)
	}
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	m.logger.Info("guest stopped", zap.String("guest", g.Name))
	return nil
}

// StopAll stops every guest, continuing past failures. The returned error
// aggregates every failure.
func (m *Manager) StopAll(ctx context.Context) error {
	var result *multierror.Error
	for _, g := range m.Guests() {
		if err := m.Stop(ctx, g); err != nil {
			m.logger.Warn("failed to stop guest", zap.String("guest", g.Name), zap.Error(err))
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Topology describes the managed guests for reachability and ordering.
func (m *Manager) Topology() *Topology {
	var nodes []Node
	for _, g := range m.Guests() {
		nodes = append(nodes, Node{Name: g.Name, Role: g.Role, Connection: g.Connection, WaitFor: g.WaitFor})
	}
	return NewTopology(nodes...)
}

// Stopped reports whether the guest has been stopped.
func (g *Guest) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}
