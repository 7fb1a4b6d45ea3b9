package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"model-rollout-core/internal/app/domain"
)

// Controller is the deployment controller: a thin, stateless layer over a
// Backend that adds readiness waiting and verified traffic switching.
type Controller struct {
	backend      Backend
	pollInterval time.Duration
	verifySteps  int
}

func NewController(backend Backend, pollInterval time.Duration) *Controller {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Controller{backend: backend, pollInterval: pollInterval, verifySteps: 5}
}

// EnsureTrack reconciles slot h of the service to serve artifact with the
// given replica count and returns the slot's endpoint.
func (c *Controller) EnsureTrack(ctx context.Context, h Handle, track domain.Track, artifact domain.ModelArtifact, replicas int) (string, error) {
	log.WithFields(log.Fields{"service": h.Service, "slot": h.Slot, "track": track}).
		Infof("ensuring %d replicas of artifact %s", replicas, artifact.ID)
	endpoint, err := c.backend.CreateOrUpdate(ctx, TrackSpec{Handle: h, Track: track, Artifact: artifact, Replicas: replicas})
	if err != nil {
		return "", fmt.Errorf("ensure %s: %w", h, err)
	}
	return endpoint, nil
}

// WaitReady polls the slot until its ready replicas meet the desired count.
// Backend-reported failures end the wait early; expiry of timeout fails
// with a Timeout error.
func (c *Controller) WaitReady(ctx context.Context, h Handle, timeout time.Duration) (Status, error) {
	var last Status
	var failure error
	err := wait.PollUntilContextTimeout(ctx, c.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		st, err := c.backend.Status(ctx, h)
		if err != nil {
			if domain.IsRetryable(err) || errors.Is(err, domain.ErrNotFound) {
				log.Debugf("status of %s not available yet: %v", h, err)
				return false, nil
			}
			return false, err
		}
		last = st
		if st.Failure != "" {
			failure = failureError(h, st)
			return false, failure
		}
		log.Debugf("%s: %d/%d replicas ready", h, st.Ready, st.Desired)
		return st.Desired > 0 && st.Ready >= st.Desired, nil
	})
	if err == nil {
		return last, nil
	}
	if failure != nil {
		return last, failure
	}
	if ctx.Err() != nil {
		return last, fmt.Errorf("wait for %s: %w", h, ctx.Err())
	}
	if wait.Interrupted(err) {
		return last, domain.Errorf(domain.KindTimeout, domain.ReasonTimeout, "wait for "+h.String(),
			"%d/%d replicas ready after %v", last.Ready, last.Desired, timeout)
	}
	return last, fmt.Errorf("wait for %s: %w", h, err)
}

func failureError(h Handle, st Status) error {
	kind := domain.KindUnknown
	switch st.Failure {
	case domain.ReasonQuotaExceeded:
		kind = domain.KindResourceExhaustion
	case domain.ReasonImagePull:
		kind = domain.KindConfiguration
	case domain.ReasonTimeout:
		kind = domain.KindTimeout
	}
	return domain.Errorf(kind, st.Failure, "deploy "+h.String(), "%s", st.Message)
}

// ErrSwitchUnknown means a traffic switch may or may not have been applied:
// the route call failed and the recipient could not be read back.
var ErrSwitchUnknown = errors.New("traffic switch outcome unknown")

// SetTraffic switches the service's traffic to slot. When the backend call
// fails the outcome is unknown, so the recipient is re-queried with backoff:
// the switch succeeded if the slot receives traffic, and failed with a
// RouteError if another slot does. If the recipient stays unreadable the
// error wraps ErrSwitchUnknown.
func (c *Controller) SetTraffic(ctx context.Context, service string, slot domain.Slot) error {
	logger := log.WithFields(log.Fields{"service": service, "slot": slot})
	routeErr := c.backend.RouteTraffic(ctx, service, slot)

	var got domain.Slot
	var routed bool
	var queryErr error
	backoff := wait.Backoff{Duration: c.pollInterval, Factor: 2, Jitter: 0.1, Steps: c.verifySteps}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		got, routed, queryErr = c.backend.Recipient(ctx, service)
		if queryErr != nil {
			logger.Debugf("recipient not readable after switch: %v", queryErr)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		cause := routeErr
		for _, e := range []error{queryErr, err} {
			if cause == nil {
				cause = e
			}
		}
		logger.Errorf("cannot tell whether traffic was switched: %v", cause)
		return domain.NewError(domain.KindUnknown, domain.ReasonRoute, "route "+service,
			fmt.Errorf("%w: %w", ErrSwitchUnknown, cause))
	}

	if routed && got == slot {
		if routeErr != nil {
			logger.Warnf("route call failed but traffic reached the slot: %v", routeErr)
		}
		logger.Info("traffic switched")
		return nil
	}
	if routeErr == nil {
		routeErr = fmt.Errorf("recipient is %q after switching to %q", got, slot)
	}
	return routeError(service, routeErr)
}

func routeError(service string, err error) error {
	if domain.ReasonOf(err) == domain.ReasonRoute {
		return err
	}
	return domain.NewError(domain.KindTransientInfra, domain.ReasonRoute, "route "+service, err)
}

// Recipient returns the slot currently receiving the service's traffic.
func (c *Controller) Recipient(ctx context.Context, service string) (domain.Slot, bool, error) {
	return c.backend.Recipient(ctx, service)
}

func (c *Controller) Scale(ctx context.Context, h Handle, replicas int) error {
	log.WithFields(log.Fields{"service": h.Service, "slot": h.Slot}).Infof("scaling to %d replicas", replicas)
	if err := c.backend.Scale(ctx, h, replicas); err != nil {
		if errors.Is(err, domain.ErrNotFound) && replicas == 0 {
			return nil
		}
		return fmt.Errorf("scale %s: %w", h, err)
	}
	return nil
}

// Drain scales a slot to zero unless it is the service's traffic recipient.
// A recipient that cannot be read is treated as a refusal.
func (c *Controller) Drain(ctx context.Context, h Handle) error {
	slot, ok, err := c.backend.Recipient(ctx, h.Service)
	if err != nil {
		return fmt.Errorf("drain %s: %w", h, err)
	}
	if ok && slot == h.Slot {
		return fmt.Errorf("drain %s: %w: slot receives traffic", h, domain.ErrInvalidArgument)
	}
	return c.Scale(ctx, h, 0)
}

func (c *Controller) Status(ctx context.Context, h Handle) (Status, error) {
	return c.backend.Status(ctx, h)
}

// Remove deletes a slot unless it is the service's traffic recipient.
func (c *Controller) Remove(ctx context.Context, h Handle) error {
	if slot, ok, err := c.backend.Recipient(ctx, h.Service); err != nil {
		return fmt.Errorf("remove %s: %w", h, err)
	} else if ok && slot == h.Slot {
		return fmt.Errorf("remove %s: %w: slot receives traffic", h, domain.ErrInvalidArgument)
	}
	log.WithFields(log.Fields{"service": h.Service, "slot": h.Slot}).Info("removing slot")
	return c.backend.Delete(ctx, h)
}
