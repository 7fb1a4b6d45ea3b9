package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Queue hands events to every publisher from a single goroutine, so each
// publisher sees the revisions in the order they were enqueued. Enqueue
// never blocks the caller: when the buffer is full the event is dropped.
type Queue struct {
	events     chan Event
	publishers []EventPublisher
	done       chan struct{}
	closeOnce  sync.Once
}

func NewQueue(size int, publishers []EventPublisher) *Queue {
	return &Queue{
		events:     make(chan Event, size),
		publishers: publishers,
		done:       make(chan struct{}),
	}
}

// Notify enqueues a revision.
func (q *Queue) Notify(s domain.RolloutState) {
	if len(q.publishers) == 0 {
		return
	}
	e := NewEvent(s)
	select {
	case q.events <- e:
	default:
		log.Warnf("notification queue full, dropping %s revision %d (%s)", e.RolloutID, e.Revision, e.Phase)
	}
}

// Loop publishes until Close is called and the buffer is drained.
func (q *Queue) Loop(ctx context.Context) {
	defer close(q.done)
	log.Infof("Event publisher queue started with %d publishers", len(q.publishers))
	for e := range q.events {
		log.Debugf("publishing %s revision %d (%s)", e.RolloutID, e.Revision, e.Phase)
		for _, publisher := range q.publishers {
			if err := publisher.Publish(ctx, e); err != nil {
				log.Errorf("failed to publish %s revision %d: %v", e.RolloutID, e.Revision, err)
			}
		}
	}
}

// Close stops accepting events and waits for Loop to drain the buffer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.events) })
	<-q.done
}
