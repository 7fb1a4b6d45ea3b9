package cluster

import (
	"context"
	"fmt"

	"model-rollout-core/internal/app/domain"
)

// Handle identifies one physical slot of a service.
type Handle struct {
	Service string
	Slot    domain.Slot
}

func (h Handle) String() string {
	return fmt.Sprintf("%s-%s", h.Service, h.Slot)
}

// TrackSpec is the desired state of one slot.
type TrackSpec struct {
	Handle
	Track    domain.Track
	Artifact domain.ModelArtifact
	Replicas int
}

// Status is the observed state of one slot. Failure is set when the backend
// knows the slot cannot become ready without intervention.
type Status struct {
	Ready      int
	Desired    int
	Endpoint   string
	ArtifactID string
	Failure    domain.Reason
	Message    string
}

// Backend is the cluster orchestration API. Every call is idempotent and
// safe to repeat after an ambiguous failure.
type Backend interface {
	// CreateOrUpdate reconciles the slot toward spec and returns its
	// probe endpoint.
	CreateOrUpdate(ctx context.Context, spec TrackSpec) (string, error)
	Scale(ctx context.Context, h Handle, replicas int) error
	// Status returns domain.ErrNotFound for slots that do not exist.
	Status(ctx context.Context, h Handle) (Status, error)
	// RouteTraffic makes slot the only traffic recipient of service.
	RouteTraffic(ctx context.Context, service string, slot domain.Slot) error
	// Recipient returns the slot receiving traffic; ok is false while the
	// service has no routing yet.
	Recipient(ctx context.Context, service string) (slot domain.Slot, ok bool, err error)
	// Delete removes the slot. Deleting a missing slot succeeds.
	Delete(ctx context.Context, h Handle) error
	Close() error
}
