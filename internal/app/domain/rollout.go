package domain

import (
	"fmt"
	"time"
)

// RolloutState is the record owned by the state machine. Every change is
// persisted as a new revision.
type RolloutState struct {
	ID                   string            `json:"id"`
	Revision             int               `json:"revision"`
	Request              RolloutRequest    `json:"request"`
	Phase                Phase             `json:"phase"`
	ArtifactID           string            `json:"artifact_id,omitempty"`
	StableTrack          *TrackBinding     `json:"stable_track,omitempty"`
	CandidateTrack       *TrackBinding     `json:"candidate_track,omitempty"`
	ValidationResult     *ValidationResult `json:"validation_result,omitempty"`
	BenchmarkResult      *BenchmarkResult  `json:"benchmark_result,omitempty"`
	RetryCount           int               `json:"retry_count,omitempty"`
	AwaitingConfirmation bool              `json:"awaiting_confirmation,omitempty"`
	LastSuccessfulPhase  Phase             `json:"last_successful_phase"`
	Reason               string            `json:"reason,omitempty"`
	ErrorKind            ErrorKind         `json:"error_kind,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// NewRolloutState returns the first revision of an accepted request.
func NewRolloutState(id string, req RolloutRequest, now time.Time) RolloutState {
	return RolloutState{
		ID:                  id,
		Revision:            1,
		Request:             req,
		Phase:               PhasePending,
		LastSuccessfulPhase: PhasePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (s *RolloutState) Service() string {
	return s.Request.Service
}

// Transition moves the state to the given phase. Terminal states are
// immutable.
func (s *RolloutState) Transition(to Phase, now time.Time) error {
	if s.Phase.IsTerminal() {
		return fmt.Errorf("rollout %s is %s: %w", s.ID, s.Phase, ErrAlreadyTerminal)
	}
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: transition %s -> %s", ErrInvalidArgument, s.Phase, to)
	}
	s.Phase = to
	if !to.IsTerminal() {
		s.LastSuccessfulPhase = to
	}
	s.AwaitingConfirmation = false
	s.UpdatedAt = now
	return nil
}

// Terminate moves the state to a terminal phase and records why.
func (s *RolloutState) Terminate(to Phase, reason string, kind ErrorKind, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidArgument, to)
	}
	if err := s.Transition(to, now); err != nil {
		return err
	}
	s.Reason = reason
	s.ErrorKind = kind
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s RolloutState) Clone() RolloutState {
	c := s
	if s.StableTrack != nil {
		b := *s.StableTrack
		c.StableTrack = &b
	}
	if s.CandidateTrack != nil {
		b := *s.CandidateTrack
		c.CandidateTrack = &b
	}
	if s.ValidationResult != nil {
		v := *s.ValidationResult
		c.ValidationResult = &v
	}
	if s.BenchmarkResult != nil {
		r := *s.BenchmarkResult
		if s.BenchmarkResult.Stable != nil {
			st := *s.BenchmarkResult.Stable
			r.Stable = &st
		}
		r.Reasons = append([]string(nil), s.BenchmarkResult.Reasons...)
		c.BenchmarkResult = &r
	}
	return c
}
