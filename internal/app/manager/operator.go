package manager

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/domain"
)

// Confirm lets a rollout awaiting confirmation switch traffic.
func (m *Manager) Confirm(ctx context.Context, id string) error {
	return m.decide(ctx, id, true)
}

// Reject rolls back a rollout awaiting confirmation.
func (m *Manager) Reject(ctx context.Context, id string) error {
	return m.decide(ctx, id, false)
}

func (m *Manager) decide(ctx context.Context, id string, confirm bool) error {
	r := m.lookup(id)
	if r == nil {
		s, err := m.repo.Latest(ctx, id)
		if err != nil {
			return err
		}
		if s.Phase.IsTerminal() {
			return fmt.Errorf("rollout %s is %s: %w", id, s.Phase, domain.ErrAlreadyTerminal)
		}
		return fmt.Errorf("rollout %s: %w", id, domain.ErrNotAwaitingConfirmation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase.IsTerminal() {
		return fmt.Errorf("rollout %s is %s: %w", id, r.state.Phase, domain.ErrAlreadyTerminal)
	}
	if !r.state.AwaitingConfirmation || r.decided || r.aborted {
		return fmt.Errorf("rollout %s is in phase %s: %w", id, r.state.Phase, domain.ErrNotAwaitingConfirmation)
	}
	r.decided = true
	r.confirm <- confirm
	log.WithField("rollout", id).Infof("operator decision: confirm=%t", confirm)
	return nil
}

// Abort cancels a rollout and returns once it reached Aborted, with the
// candidate slot scaled to zero. A rollout that already started switching
// traffic completes the switch; Abort then fails with ErrAlreadyTerminal.
func (m *Manager) Abort(ctx context.Context, id string) (domain.RolloutState, error) {
	r := m.lookup(id)
	if r == nil {
		s, err := m.repo.Latest(ctx, id)
		if err != nil {
			return s, err
		}
		if s.Phase.IsTerminal() {
			return s, fmt.Errorf("rollout %s is %s: %w", id, s.Phase, domain.ErrAlreadyTerminal)
		}
		return m.abortDetached(ctx, s)
	}

	r.mu.Lock()
	if r.state.Phase.IsTerminal() {
		s := r.state.Clone()
		r.mu.Unlock()
		return s, fmt.Errorf("rollout %s is %s: %w", id, s.Phase, domain.ErrAlreadyTerminal)
	}
	if !r.switching {
		r.aborted = true
		r.cancel()
		log.WithFields(log.Fields{"rollout": id, "phase": r.state.Phase}).Info("abort requested")
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	s := r.snapshot()
	if s.Phase != domain.PhaseAborted {
		return s, fmt.Errorf("rollout %s is %s: %w", id, s.Phase, domain.ErrAlreadyTerminal)
	}
	return s, nil
}

// abortDetached aborts a non-terminal rollout that no goroutine of this
// process drives.
func (m *Manager) abortDetached(ctx context.Context, s domain.RolloutState) (domain.RolloutState, error) {
	if s.CandidateTrack != nil {
		m.scaleDown(ctx, cluster.Handle{Service: s.Service(), Slot: s.CandidateTrack.Slot})
	}
	next := s.Clone()
	next.Revision++
	reason := fmt.Sprintf("aborted by operator in phase %s", s.Phase)
	if err := next.Terminate(domain.PhaseAborted, reason, domain.KindCancelled, m.Now()); err != nil {
		return s, err
	}
	if err := m.repo.Append(ctx, next); err != nil {
		return s, fmt.Errorf("persist abort of %s: %w", s.ID, err)
	}
	m.observe(next)
	return next, nil
}
