package cluster

import (
	"context"
	"fmt"
	"sync"

	"model-rollout-core/internal/app/domain"
)

// MemoryBackend is an in-process Backend. Slots become ready immediately
// unless AutoReady is switched off.
type MemoryBackend struct {
	mu         sync.Mutex
	slots      map[Handle]*memorySlot
	recipients map[string]domain.Slot
	AutoReady  bool
	// Fail, when set, is consulted before every call; a non-nil error is
	// returned instead of performing the call.
	Fail func(op string, h Handle) error
	// Calls counts CreateOrUpdate invocations per slot.
	Calls map[Handle]int
}

type memorySlot struct {
	spec  TrackSpec
	ready int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		slots:      map[Handle]*memorySlot{},
		recipients: map[string]domain.Slot{},
		AutoReady:  true,
		Calls:      map[Handle]int{},
	}
}

func (m *MemoryBackend) fail(op string, h Handle) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, h)
}

func (m *MemoryBackend) endpoint(h Handle) string {
	return fmt.Sprintf("http://%s.memory", h)
}

func (m *MemoryBackend) CreateOrUpdate(_ context.Context, spec TrackSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create", spec.Handle); err != nil {
		return "", err
	}
	m.Calls[spec.Handle]++
	s, ok := m.slots[spec.Handle]
	if !ok {
		s = &memorySlot{}
		m.slots[spec.Handle] = s
	}
	if s.spec.Artifact.ID != spec.Artifact.ID {
		s.ready = 0
	}
	s.spec = spec
	if m.AutoReady {
		s.ready = spec.Replicas
	}
	return m.endpoint(spec.Handle), nil
}

func (m *MemoryBackend) Scale(_ context.Context, h Handle, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("scale", h); err != nil {
		return err
	}
	s, ok := m.slots[h]
	if !ok {
		return fmt.Errorf("slot %s: %w", h, domain.ErrNotFound)
	}
	s.spec.Replicas = replicas
	if m.AutoReady || s.ready > replicas {
		s.ready = replicas
	}
	return nil
}

func (m *MemoryBackend) Status(_ context.Context, h Handle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("status", h); err != nil {
		return Status{}, err
	}
	s, ok := m.slots[h]
	if !ok {
		return Status{}, fmt.Errorf("slot %s: %w", h, domain.ErrNotFound)
	}
	return Status{Ready: s.ready, Desired: s.spec.Replicas, Endpoint: m.endpoint(h), ArtifactID: s.spec.Artifact.ID}, nil
}

// SetReady overrides the ready replica count of a slot.
func (m *MemoryBackend) SetReady(h Handle, ready int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[h]; ok {
		s.ready = ready
	}
}

func (m *MemoryBackend) RouteTraffic(_ context.Context, service string, slot domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("route", Handle{Service: service, Slot: slot}); err != nil {
		return err
	}
	m.recipients[service] = slot
	return nil
}

func (m *MemoryBackend) Recipient(_ context.Context, service string) (domain.Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("recipient", Handle{Service: service}); err != nil {
		return "", false, err
	}
	slot, ok := m.recipients[service]
	return slot, ok, nil
}

func (m *MemoryBackend) Delete(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete", h); err != nil {
		return err
	}
	delete(m.slots, h)
	return nil
}

// Slots returns the number of existing slots.
func (m *MemoryBackend) Slots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Seed installs a serving slot and routes the service to it.
func (m *MemoryBackend) Seed(h Handle, artifact domain.ModelArtifact, replicas int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[h] = &memorySlot{spec: TrackSpec{Handle: h, Track: domain.TrackStable, Artifact: artifact, Replicas: replicas}, ready: replicas}
	m.recipients[h.Service] = h.Slot
}

func (m *MemoryBackend) Close() error { return nil }
