package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/domain"
)

// run is the in-memory side of an active rollout.
type run struct {
	id      string
	service string
	cancel  context.CancelFunc
	confirm chan bool
	done    chan struct{}

	mu        sync.Mutex
	state     domain.RolloutState
	aborted   bool
	switching bool
	decided   bool
	candidate *cluster.Handle
}

func (r *run) snapshot() domain.RolloutState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// outcome is the terminal phase a rollout ends in.
type outcome struct {
	phase  domain.Phase
	reason string
	kind   domain.ErrorKind
	record func(s *domain.RolloutState)
	// keepCandidate leaves the candidate slot untouched.
	keepCandidate bool
}

func (m *Manager) execute(ctx context.Context, r *run) {
	defer m.wg.Done()
	defer r.cancel()
	logger := log.WithFields(log.Fields{"rollout": r.id, "service": r.service})

	out := m.drive(ctx, r)

	r.mu.Lock()
	candidate := r.candidate
	r.mu.Unlock()
	if candidate != nil && out.phase != domain.PhaseSwitched && !out.keepCandidate {
		m.scaleDown(ctx, *candidate)
	}

	terminate := func(s *domain.RolloutState) error {
		if out.record != nil {
			out.record(s)
		}
		return s.Terminate(out.phase, out.reason, out.kind, m.Now())
	}
	if err := m.commit(r, terminate); err != nil {
		logger.Errorf("failed to persist terminal phase %s: %v", out.phase, err)
		r.mu.Lock()
		_ = terminate(&r.state)
		r.mu.Unlock()
	}

	if out.phase == domain.PhaseSwitched {
		logger.Info("rollout finished: Switched")
	} else {
		logger.Warnf("rollout finished: %s (%s)", out.phase, out.reason)
	}
	m.unregister(r)
	close(r.done)
}

// drive walks the rollout through its phases and returns how it ended.
func (m *Manager) drive(ctx context.Context, r *run) outcome {
	req := r.snapshot().Request

	// Pending -> ArtifactReady
	art, err := m.produceArtifact(ctx, r)
	if err != nil {
		return m.failed(r, "produce artifact", err)
	}
	err = m.advance(ctx, r, func(s *domain.RolloutState) error {
		s.ArtifactID = art.ID
		return s.Transition(domain.PhaseArtifactReady, m.Now())
	})
	if err != nil {
		return m.failed(r, "record artifact", err)
	}

	// ArtifactReady -> CandidateDeployed
	stable, candidate, err := m.bind(ctx, r)
	if err != nil {
		return m.failed(r, "bind tracks", err)
	}
	endpoint, err := m.deploy(ctx, candidate, art)
	if err != nil {
		return m.failed(r, "deploy candidate", err)
	}
	err = m.advance(ctx, r, func(s *domain.RolloutState) error {
		s.StableTrack = stable
		s.CandidateTrack = &domain.TrackBinding{Track: domain.TrackCandidate, Slot: candidate.Slot, Endpoint: endpoint, ArtifactID: art.ID}
		return s.Transition(domain.PhaseCandidateDeployed, m.Now())
	})
	if err != nil {
		return m.failed(r, "record deployment", err)
	}

	// CandidateDeployed -> Validated
	validation, err := m.validate(ctx, req, endpoint)
	if err != nil {
		if domain.KindOf(err) == domain.KindValidationFailure && !r.isAborted() {
			return outcome{
				phase:  domain.PhaseRolledBack,
				reason: err.Error(),
				kind:   domain.KindValidationFailure,
				record: func(s *domain.RolloutState) { s.ValidationResult = &validation },
			}
		}
		return m.failed(r, "validate candidate", err)
	}
	err = m.advance(ctx, r, func(s *domain.RolloutState) error {
		s.ValidationResult = &validation
		return s.Transition(domain.PhaseValidated, m.Now())
	})
	if err != nil {
		return m.failed(r, "record validation", err)
	}

	// Validated -> Benchmarked
	result, err := m.benchmark(ctx, req, stable, endpoint)
	if err != nil {
		return m.failed(r, "benchmark", err)
	}
	err = m.advance(ctx, r, func(s *domain.RolloutState) error {
		s.BenchmarkResult = &result
		return s.Transition(domain.PhaseBenchmarked, m.Now())
	})
	if err != nil {
		return m.failed(r, "record benchmark", err)
	}
	if result.Verdict != domain.VerdictPass {
		return outcome{
			phase:  domain.PhaseRolledBack,
			reason: "benchmark verdict fail: " + strings.Join(result.Reasons, "; "),
			kind:   domain.KindBenchmarkFailure,
		}
	}

	// Benchmarked -> Switched
	if !req.AutoSwitch {
		if out, confirmed := m.awaitConfirmation(ctx, r); !confirmed {
			return out
		}
	}
	return m.switchTraffic(ctx, r, stable, candidate)
}

// failed maps a step error to the terminal outcome.
func (m *Manager) failed(r *run, step string, err error) outcome {
	phase := r.snapshot().Phase
	if r.isAborted() {
		return outcome{phase: domain.PhaseAborted, reason: fmt.Sprintf("aborted by operator in phase %s", phase), kind: domain.KindCancelled}
	}
	kind := domain.KindOf(err)
	if kind == domain.KindCancelled {
		return outcome{phase: domain.PhaseFailed, reason: fmt.Sprintf("orchestrator shut down in phase %s", phase), kind: kind}
	}
	return outcome{phase: domain.PhaseFailed, reason: fmt.Sprintf("%s: %v", step, err), kind: kind}
}

func (m *Manager) produceArtifact(ctx context.Context, r *run) (domain.ModelArtifact, error) {
	spec := r.snapshot().Request.Artifact
	attempt := 0
	var art domain.ModelArtifact
	err := m.retry(ctx, "produce artifact", func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			err := m.advance(ctx, r, func(s *domain.RolloutState) error {
				s.RetryCount++
				s.UpdatedAt = m.Now()
				return nil
			})
			if err != nil {
				return err
			}
		}
		var err error
		art, err = m.resolveArtifact(ctx, spec)
		return err
	}, 0)
	return art, err
}

func (m *Manager) resolveArtifact(ctx context.Context, spec domain.ArtifactSpec) (domain.ModelArtifact, error) {
	if m.cfg.ArtifactTimeout <= 0 {
		return m.artifacts.Resolve(ctx, spec)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ArtifactTimeout)
	defer cancel()
	art, err := m.artifacts.Resolve(attemptCtx, spec)
	return art, deadlineError(ctx, attemptCtx, "produce artifact", err)
}

// deadlineError reports err as a Timeout when the step deadline expired
// while the rollout itself is still running.
func deadlineError(parent, step context.Context, op string, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(step.Err(), context.DeadlineExceeded) {
		return err
	}
	if domain.KindOf(err) == domain.KindTimeout {
		return err
	}
	return domain.NewError(domain.KindTimeout, domain.ReasonTimeout, op, err)
}

// bind assigns the stable track to the slot receiving traffic and the
// candidate track to the other slot.
func (m *Manager) bind(ctx context.Context, r *run) (*domain.TrackBinding, cluster.Handle, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ClusterCallTimeout)
	defer cancel()

	slot, routed, err := m.cluster.Recipient(callCtx, r.service)
	if err != nil {
		return nil, cluster.Handle{}, fmt.Errorf("query traffic recipient: %w", err)
	}
	var stable *domain.TrackBinding
	if routed {
		st, err := m.cluster.Status(callCtx, cluster.Handle{Service: r.service, Slot: slot})
		switch {
		case err == nil && st.Ready > 0:
			stable = &domain.TrackBinding{Track: domain.TrackStable, Slot: slot, Endpoint: st.Endpoint, ArtifactID: st.ArtifactID}
		case err == nil || errors.Is(err, domain.ErrNotFound):
			log.Warnf("traffic recipient %s of %s is not serving, continuing without a stable track", slot, r.service)
		default:
			return nil, cluster.Handle{}, fmt.Errorf("query stable slot: %w", err)
		}
	}

	candidate := cluster.Handle{Service: r.service, Slot: slot.Other()}
	m.retainer.Claim(candidate)
	r.mu.Lock()
	r.candidate = &candidate
	r.mu.Unlock()
	log.WithFields(log.Fields{"rollout": r.id, "service": r.service, "slot": candidate.Slot}).Info("candidate track bound")
	return stable, candidate, nil
}

func (m *Manager) deploy(ctx context.Context, h cluster.Handle, art domain.ModelArtifact) (string, error) {
	deployCtx, cancel := context.WithTimeout(ctx, m.cfg.DeployTimeout)
	defer cancel()

	var endpoint string
	err := m.retry(deployCtx, "ensure "+h.String(), func(ctx context.Context) error {
		var err error
		endpoint, err = m.cluster.EnsureTrack(ctx, h, domain.TrackCandidate, art, m.cfg.Replicas)
		return err
	}, m.cfg.ClusterCallTimeout)
	if err != nil {
		return "", deadlineError(ctx, deployCtx, "deploy "+h.String(), err)
	}
	st, err := m.cluster.WaitReady(deployCtx, h, m.cfg.DeployTimeout)
	if err != nil {
		return "", deadlineError(ctx, deployCtx, "deploy "+h.String(), err)
	}
	if st.Endpoint != "" {
		endpoint = st.Endpoint
	}
	return endpoint, nil
}

func (m *Manager) validate(ctx context.Context, req domain.RolloutRequest, endpoint string) (domain.ValidationResult, error) {
	if req.SkipValidation {
		log.Infof("skipping health validation of %s", endpoint)
		return domain.ValidationResult{Skipped: true}, nil
	}
	return m.health.Validate(ctx, endpoint, m.cfg.HealthTimeout)
}

func (m *Manager) benchmark(ctx context.Context, req domain.RolloutRequest, stable *domain.TrackBinding, endpoint string) (domain.BenchmarkResult, error) {
	benchCtx := ctx
	if m.cfg.BenchmarkTimeout > 0 {
		var cancel context.CancelFunc
		benchCtx, cancel = context.WithTimeout(ctx, m.cfg.BenchmarkTimeout)
		defer cancel()
	}
	stableEndpoint := ""
	if stable != nil {
		stableEndpoint = stable.Endpoint
	}
	res, err := m.bench.Compare(benchCtx, stableEndpoint, endpoint, req.LoadProfile, req.Thresholds)
	return res, deadlineError(ctx, benchCtx, "benchmark", err)
}

// awaitConfirmation suspends the rollout until the operator confirms or
// rejects it. confirmed is false when the rollout must end with out.
func (m *Manager) awaitConfirmation(ctx context.Context, r *run) (out outcome, confirmed bool) {
	err := m.advance(ctx, r, func(s *domain.RolloutState) error {
		s.AwaitingConfirmation = true
		s.UpdatedAt = m.Now()
		return nil
	})
	if err != nil {
		return m.failed(r, "await confirmation", err), false
	}
	log.WithField("rollout", r.id).Info("verdict pass, awaiting operator confirmation")

	var expired <-chan time.Time
	if m.cfg.ConfirmTimeout > 0 {
		t := time.NewTimer(m.cfg.ConfirmTimeout)
		defer t.Stop()
		expired = t.C
	}
	decision := func(ok bool) (outcome, bool) {
		if ok {
			return outcome{}, true
		}
		return outcome{phase: domain.PhaseRolledBack, reason: "rejected by operator"}, false
	}

	select {
	case ok := <-r.confirm:
		return decision(ok)
	case <-expired:
		r.mu.Lock()
		if r.decided {
			r.mu.Unlock()
			return decision(<-r.confirm)
		}
		r.decided = true
		r.mu.Unlock()
		return outcome{
			phase:  domain.PhaseRolledBack,
			reason: fmt.Sprintf("not confirmed within %v", m.cfg.ConfirmTimeout),
			kind:   domain.KindTimeout,
		}, false
	case <-ctx.Done():
		return m.failed(r, "await confirmation", ctx.Err()), false
	}
}

// switchTraffic makes the candidate slot the traffic recipient. Once
// started, the switch is not interrupted by an abort.
func (m *Manager) switchTraffic(ctx context.Context, r *run, stable *domain.TrackBinding, candidate cluster.Handle) outcome {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return m.failed(r, "switch traffic", context.Canceled)
	}
	r.switching = true
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	err := m.retry(ctx, "switch traffic", func(ctx context.Context) error {
		return m.cluster.SetTraffic(ctx, r.service, candidate.Slot)
	}, m.cfg.ClusterCallTimeout)
	if errors.Is(err, cluster.ErrSwitchUnknown) {
		return outcome{
			phase:         domain.PhaseFailed,
			reason:        fmt.Sprintf("switch traffic: %v; candidate slot %s left running", err, candidate.Slot),
			kind:          domain.KindUnknown,
			keepCandidate: true,
		}
	}
	if err != nil {
		return outcome{phase: domain.PhaseFailed, reason: fmt.Sprintf("switch traffic: %v", err), kind: domain.KindOf(err)}
	}

	if m.cfg.ScaleDownStable && stable != nil {
		callCtx, cancel := m.clusterCtx(ctx)
		defer cancel()
		if err := m.cluster.Scale(callCtx, cluster.Handle{Service: r.service, Slot: stable.Slot}, 0); err != nil {
			log.Warnf("traffic switched but scaling down the previous stable slot failed: %v", err)
		}
	}
	return outcome{phase: domain.PhaseSwitched}
}

// retry calls fn until it succeeds, fails with a non-retryable error, or
// the configured attempts are used up. A positive callTimeout bounds each
// call.
func (m *Manager) retry(ctx context.Context, op string, fn func(ctx context.Context) error, callTimeout time.Duration) error {
	backoff := wait.Backoff{Duration: m.cfg.RetryBackoff, Factor: 2, Jitter: 0.1, Steps: m.cfg.Attempts}
	for attempt := 1; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if callTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, callTimeout)
		}
		err := fn(callCtx)
		cancel()
		if err == nil || !domain.IsRetryable(err) || attempt >= m.cfg.Attempts || ctx.Err() != nil {
			return err
		}
		delay := backoff.Step()
		log.Warnf("%s: attempt %d/%d failed, retrying in %v: %v", op, attempt, m.cfg.Attempts, delay, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// advance persists the next revision unless the rollout was cancelled.
func (m *Manager) advance(ctx context.Context, r *run, mutate func(s *domain.RolloutState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(r, mutate)
}

func (m *Manager) commit(r *run, mutate func(s *domain.RolloutState) error) error {
	next := r.snapshot()
	next.Revision++
	if err := mutate(&next); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ClusterCallTimeout)
	defer cancel()
	if err := m.repo.Append(ctx, next); err != nil {
		return domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "persist revision", err)
	}
	r.mu.Lock()
	r.state = next
	r.mu.Unlock()

	log.WithFields(log.Fields{"rollout": next.ID, "service": next.Service(), "phase": next.Phase}).
		Debugf("revision %d persisted", next.Revision)
	m.observe(next)
	return nil
}
