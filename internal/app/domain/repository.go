package domain

import "context"

// RolloutRepository persists rollout revisions. Revisions are append-only;
// an update is a new revision with Revision incremented.
type RolloutRepository interface {
	Append(ctx context.Context, state RolloutState) error
	Latest(ctx context.Context, id string) (RolloutState, error)
	History(ctx context.Context, id string) ([]RolloutState, error)
	// ListActive returns the latest revision of every non-terminal rollout.
	ListActive(ctx context.Context) ([]RolloutState, error)
	// ListByService returns the latest revision of every rollout of a
	// service, newest first.
	ListByService(ctx context.Context, service string) ([]RolloutState, error)
}
