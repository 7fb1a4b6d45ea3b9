// Package rolloutrepotest provides contract tests for
// [domain.RolloutRepository] implementations.
package rolloutrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"model-rollout-core/internal/app/domain"
)

// Factory creates a fresh [domain.RolloutRepository] for each test.
type Factory func(t *testing.T) domain.RolloutRepository

// Run exercises the [domain.RolloutRepository] contract.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sample := func(id, service string, at time.Time) domain.RolloutState {
		return domain.NewRolloutState(id, domain.RolloutRequest{
			Service:  service,
			Artifact: domain.ArtifactSpec{SourceModelID: "acme/llm", Method: "bnb", BitWidth: 4},
		}, at)
	}
	next := func(t *testing.T, s domain.RolloutState, to domain.Phase) domain.RolloutState {
		t.Helper()
		n := s.Clone()
		n.Revision++
		if err := n.Transition(to, n.UpdatedAt.Add(time.Second)); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		return n
	}

	t.Run("AppendAndLatest", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		s := sample("r1", "chat", base)
		if err := repo.Append(ctx, s); err != nil {
			t.Fatalf("Append: %v", err)
		}
		s2 := next(t, s, domain.PhaseArtifactReady)
		s2.ArtifactID = "a1"
		if err := repo.Append(ctx, s2); err != nil {
			t.Fatalf("Append revision 2: %v", err)
		}

		got, err := repo.Latest(ctx, "r1")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got.Revision != 2 || got.Phase != domain.PhaseArtifactReady || got.ArtifactID != "a1" {
			t.Errorf("Latest = rev %d phase %s artifact %s", got.Revision, got.Phase, got.ArtifactID)
		}
		if got.Request.Artifact.BitWidth != 4 {
			t.Errorf("Request not preserved: %+v", got.Request)
		}
	})

	t.Run("HistoryIsNeverOverwritten", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		s := sample("r1", "chat", base)
		_ = repo.Append(ctx, s)
		s2 := next(t, s, domain.PhaseArtifactReady)
		_ = repo.Append(ctx, s2)

		dup := s2
		dup.Phase = domain.PhaseFailed
		if err := repo.Append(ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("Append duplicate revision: got %v, want ErrAlreadyExists", err)
		}
		gap := s2
		gap.Revision = 5
		if err := repo.Append(ctx, gap); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("Append revision gap: got %v, want ErrInvalidArgument", err)
		}

		history, err := repo.History(ctx, "r1")
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(history) != 2 || history[0].Phase != domain.PhasePending || history[1].Phase != domain.PhaseArtifactReady {
			t.Errorf("History = %v", history)
		}
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		s := sample("r1", "chat", base)
		_ = repo.Append(ctx, s)
		f := s.Clone()
		f.Revision++
		if err := f.Terminate(domain.PhaseAborted, "operator abort", domain.KindCancelled, base); err != nil {
			t.Fatal(err)
		}
		if err := repo.Append(ctx, f); err != nil {
			t.Fatalf("Append terminal: %v", err)
		}
		after := f
		after.Revision++
		if err := repo.Append(ctx, after); !errors.Is(err, domain.ErrAlreadyTerminal) {
			t.Fatalf("Append after terminal: got %v, want ErrAlreadyTerminal", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if _, err := repo.Latest(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Latest: got %v, want ErrNotFound", err)
		}
		if _, err := repo.History(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("History: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListActiveAndByService", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		r1 := sample("r1", "chat", base)
		_ = repo.Append(ctx, r1)
		done := r1.Clone()
		done.Revision++
		_ = done.Terminate(domain.PhaseFailed, "boom", domain.KindUnknown, base.Add(time.Minute))
		_ = repo.Append(ctx, done)

		r2 := sample("r2", "chat", base.Add(time.Hour))
		_ = repo.Append(ctx, r2)
		r3 := sample("r3", "embed", base.Add(2*time.Hour))
		_ = repo.Append(ctx, r3)

		active, err := repo.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(active) != 2 || active[0].ID != "r2" || active[1].ID != "r3" {
			t.Errorf("ListActive = %v", ids(active))
		}

		chat, err := repo.ListByService(ctx, "chat")
		if err != nil {
			t.Fatalf("ListByService: %v", err)
		}
		if len(chat) != 2 || chat[0].ID != "r2" || chat[1].ID != "r1" || chat[1].Phase != domain.PhaseFailed {
			t.Errorf("ListByService = %v", ids(chat))
		}
	})
}

func ids(states []domain.RolloutState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.ID + "@" + string(s.Phase)
	}
	return out
}
