package notify

import (
	"time"

	"github.com/google/uuid"
	"model-rollout-core/internal/app/domain"
)

// Event is the published form of one persisted rollout revision.
type Event struct {
	ID                   string           `json:"id"`
	Timestamp            string           `json:"timestamp"`
	RolloutID            string           `json:"rolloutId"`
	Revision             int              `json:"revision"`
	Service              string           `json:"service"`
	Phase                domain.Phase     `json:"phase"`
	Terminal             bool             `json:"terminal"`
	ArtifactID           string           `json:"artifactId,omitempty"`
	AwaitingConfirmation bool             `json:"awaitingConfirmation,omitempty"`
	Reason               string           `json:"reason,omitempty"`
	ErrorKind            domain.ErrorKind `json:"errorKind,omitempty"`
	Verdict              domain.Verdict   `json:"verdict,omitempty"`
}

func NewEvent(s domain.RolloutState) Event {
	e := Event{
		ID:                   uuid.New().String(),
		Timestamp:            s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		RolloutID:            s.ID,
		Revision:             s.Revision,
		Service:              s.Service(),
		Phase:                s.Phase,
		Terminal:             s.Phase.IsTerminal(),
		ArtifactID:           s.ArtifactID,
		AwaitingConfirmation: s.AwaitingConfirmation,
		Reason:               s.Reason,
		ErrorKind:            s.ErrorKind,
	}
	if s.BenchmarkResult != nil {
		e.Verdict = s.BenchmarkResult.Verdict
	}
	return e
}
