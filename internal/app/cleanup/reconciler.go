package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/domain"
)

// Reconciler tears down candidate slots that a finished rollout left scaled
// to zero. A retained slot is deleted once its retention expired, unless a
// rollout claimed it in the meantime or it receives traffic. Claims and
// sweeps share one lock, so a slot is never deleted under a rollout that
// just bound it.
type Reconciler struct {
	controller  *cluster.Controller
	retention   time.Duration
	callTimeout time.Duration
	Now         func() time.Time

	mu       sync.Mutex
	retained map[cluster.Handle]time.Time
}

func NewReconciler(controller *cluster.Controller, retention, callTimeout time.Duration) *Reconciler {
	if callTimeout <= 0 {
		callTimeout = time.Minute
	}
	return &Reconciler{
		controller:  controller,
		retention:   retention,
		callTimeout: callTimeout,
		Now:         time.Now,
		retained:    map[cluster.Handle]time.Time{},
	}
}

// Claim binds h to an active rollout, cancelling a pending deletion. It
// waits for a sweep that is deleting h to finish.
func (r *Reconciler) Claim(h cluster.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retained, h)
}

// Retain schedules the deletion of h after the retention period. With zero
// retention the slot is deleted right away.
func (r *Reconciler) Retain(h cluster.Handle) {
	r.mu.Lock()
	r.retained[h] = r.Now().Add(r.retention)
	r.mu.Unlock()

	log.WithFields(log.Fields{"service": h.Service, "slot": h.Slot}).Infof("retaining candidate slot for %v", r.retention)
	if r.retention <= 0 {
		r.Sweep(context.Background())
	}
}

// Retained lists the slots waiting for deletion.
func (r *Reconciler) Retained() []cluster.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]cluster.Handle, 0, len(r.retained))
	for h := range r.retained {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].String() < hs[j].String() })
	return hs
}

// Sweep deletes every retained slot whose retention expired and returns
// how many were removed. Failed deletions stay retained for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	removed := 0
	for h, until := range r.retained {
		if ctx.Err() != nil {
			break
		}
		if now.Before(until) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := r.controller.Remove(callCtx, h)
		cancel()
		switch {
		case err == nil:
			delete(r.retained, h)
			removed++
		case errors.Is(err, domain.ErrInvalidArgument):
			log.Infof("keeping %s: it receives traffic", h)
			delete(r.retained, h)
		default:
			log.Warnf("failed to remove %s, retrying on next sweep: %v", h, err)
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	log.Infof("sweeping retained candidate slots every %v", interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if n := r.Sweep(ctx); n > 0 {
			log.Infof("removed %d retained candidate slot(s)", n)
		}
	}, interval)
}
