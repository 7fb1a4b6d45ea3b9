package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/domain"
)

// ArtifactResolver returns the artifact a rollout deploys.
type ArtifactResolver interface {
	Resolve(ctx context.Context, spec domain.ArtifactSpec) (domain.ModelArtifact, error)
}

type HealthValidator interface {
	Validate(ctx context.Context, endpoint string, timeout time.Duration) (domain.ValidationResult, error)
}

type BenchmarkComparator interface {
	Compare(ctx context.Context, stableEndpoint, candidateEndpoint string, profile domain.LoadProfile, thresholds domain.Thresholds) (domain.BenchmarkResult, error)
}

// SlotRetainer owns the lifetime of candidate slots outside a rollout.
type SlotRetainer interface {
	// Claim binds a slot to a starting rollout.
	Claim(h cluster.Handle)
	// Retain schedules a scaled-down candidate slot for deletion.
	Retain(h cluster.Handle)
}

// Observer receives every persisted revision, in order per rollout.
type Observer func(domain.RolloutState)

type Config struct {
	Replicas        int
	ArtifactTimeout time.Duration
	// Attempts bounds the automatic retries of TransientInfra failures
	// within one step: artifact production, slot reconciliation, switch.
	Attempts           int
	RetryBackoff       time.Duration
	DeployTimeout      time.Duration
	HealthTimeout      time.Duration
	BenchmarkTimeout   time.Duration
	ConfirmTimeout     time.Duration
	ClusterCallTimeout time.Duration
	ScaleDownStable    bool
}

func (c *Config) applyDefaults() {
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.ClusterCallTimeout <= 0 {
		c.ClusterCallTimeout = time.Minute
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = 10 * time.Minute
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 30 * time.Second
	}
}

// Manager is the rollout state machine. It runs each accepted rollout in its
// own goroutine and allows one active rollout per service.
type Manager struct {
	repo      domain.RolloutRepository
	artifacts ArtifactResolver
	cluster   *cluster.Controller
	health    HealthValidator
	bench     BenchmarkComparator
	retainer  SlotRetainer
	observers []Observer
	cfg       Config

	Now   func() time.Time
	NewID func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	byService map[string]*run
	byID      map[string]*run
}

func New(repo domain.RolloutRepository, artifacts ArtifactResolver, controller *cluster.Controller,
	health HealthValidator, bench BenchmarkComparator, retainer SlotRetainer, cfg Config, observers ...Observer) *Manager {
	cfg.applyDefaults()
	if retainer == nil {
		retainer = noRetention{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:      repo,
		artifacts: artifacts,
		cluster:   controller,
		health:    health,
		bench:     bench,
		retainer:  retainer,
		observers: observers,
		cfg:       cfg,
		Now:       time.Now,
		NewID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
		byService: map[string]*run{},
		byID:      map[string]*run{},
	}
}

type noRetention struct{}

func (noRetention) Claim(cluster.Handle)  {}
func (noRetention) Retain(cluster.Handle) {}

// Start accepts a rollout request and returns its first revision. The
// rollout proceeds asynchronously; use Wait or Get to follow it.
func (m *Manager) Start(ctx context.Context, req domain.RolloutRequest) (domain.RolloutState, error) {
	if err := req.Validate(); err != nil {
		return domain.RolloutState{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.RolloutState{}, errors.New("rollout manager is closed")
	}
	if active, ok := m.byService[req.Service]; ok {
		m.mu.Unlock()
		return domain.RolloutState{}, fmt.Errorf("service %s has active rollout %s: %w", req.Service, active.id, domain.ErrRolloutInProgress)
	}
	state := domain.NewRolloutState(m.NewID(), req, m.Now())
	runCtx, cancel := context.WithCancel(m.ctx)
	r := &run{
		id:      state.ID,
		service: req.Service,
		cancel:  cancel,
		confirm: make(chan bool, 1),
		done:    make(chan struct{}),
		state:   state,
	}
	m.byService[req.Service] = r
	m.byID[r.id] = r
	m.mu.Unlock()

	if err := m.repo.Append(ctx, state); err != nil {
		m.unregister(r)
		cancel()
		close(r.done)
		return domain.RolloutState{}, fmt.Errorf("persist rollout %s: %w", state.ID, err)
	}
	m.observe(state)
	log.WithFields(log.Fields{"rollout": state.ID, "service": req.Service}).Info("rollout accepted")

	m.wg.Add(1)
	go m.execute(runCtx, r)
	return state.Clone(), nil
}

// Run starts a rollout and blocks until it is terminal.
func (m *Manager) Run(ctx context.Context, req domain.RolloutRequest) (domain.RolloutState, error) {
	state, err := m.Start(ctx, req)
	if err != nil {
		return state, err
	}
	return m.Wait(ctx, state.ID)
}

// Wait blocks until the rollout is terminal or ctx is done and returns its
// latest revision.
func (m *Manager) Wait(ctx context.Context, id string) (domain.RolloutState, error) {
	if r := m.lookup(id); r != nil {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return r.snapshot(), ctx.Err()
		}
	}
	return m.repo.Latest(ctx, id)
}

// Get returns the latest revision of a rollout.
func (m *Manager) Get(ctx context.Context, id string) (domain.RolloutState, error) {
	if r := m.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	return m.repo.Latest(ctx, id)
}

// History returns every persisted revision of a rollout in order.
func (m *Manager) History(ctx context.Context, id string) ([]domain.RolloutState, error) {
	return m.repo.History(ctx, id)
}

// List returns the rollouts of a service, newest first, or every active
// rollout when service is empty.
func (m *Manager) List(ctx context.Context, service string) ([]domain.RolloutState, error) {
	if service == "" {
		return m.repo.ListActive(ctx)
	}
	return m.repo.ListByService(ctx, service)
}

// Recover fails rollouts that a previous process left non-terminal and
// scales their candidate slots to zero. It must run before Start.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active rollouts: %w", err)
	}
	for _, s := range active {
		logger := log.WithFields(log.Fields{"rollout": s.ID, "service": s.Service(), "phase": s.Phase})
		logger.Warn("recovering interrupted rollout")
		if s.CandidateTrack != nil {
			m.scaleDown(ctx, cluster.Handle{Service: s.Service(), Slot: s.CandidateTrack.Slot})
		}
		next := s.Clone()
		next.Revision++
		reason := fmt.Sprintf("interrupted in phase %s by an orchestrator restart", s.Phase)
		if err := next.Terminate(domain.PhaseFailed, reason, domain.KindUnknown, m.Now()); err != nil {
			return 0, err
		}
		if err := m.repo.Append(ctx, next); err != nil {
			return 0, fmt.Errorf("persist recovered rollout %s: %w", s.ID, err)
		}
		m.observe(next)
	}
	return len(active), nil
}

// Close cancels running rollouts and waits for them to finish. Cancelled
// rollouts end Failed with their candidate scaled to zero.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) lookup(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *Manager) unregister(r *run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byService[r.service] == r {
		delete(m.byService, r.service)
	}
	delete(m.byID, r.id)
}

func (m *Manager) observe(s domain.RolloutState) {
	for _, o := range m.observers {
		o(s.Clone())
	}
}

// clusterCtx bounds a mutating cluster call. It survives cancellation of
// the rollout so cleanup and an in-flight switch complete.
func (m *Manager) clusterCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ClusterCallTimeout)
}

// scaleDown drains a candidate slot and hands it to the retainer. The slot
// receiving traffic is never scaled down.
func (m *Manager) scaleDown(ctx context.Context, h cluster.Handle) {
	callCtx, cancel := m.clusterCtx(ctx)
	defer cancel()
	err := m.cluster.Drain(callCtx, h)
	if errors.Is(err, domain.ErrInvalidArgument) {
		log.Errorf("not scaling down %s: %v", h, err)
		return
	}
	if err != nil {
		log.Errorf("failed to scale %s to zero: %v", h, err)
	}
	m.retainer.Retain(h)
}
