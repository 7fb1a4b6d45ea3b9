package health

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/probe"
)

type Config struct {
	Path            string
	Probes          int
	Interval        time.Duration
	MinSuccessRatio float64
}

// Validator gates a freshly deployed track on synthetic health probes.
type Validator struct {
	sender probe.Sender
	cfg    Config
}

func NewValidator(sender probe.Sender, cfg Config) *Validator {
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Validator{sender: sender, cfg: cfg}
}

// required is the number of successful probes needed for Ready.
func (v *Validator) required() int {
	return int(math.Ceil(v.cfg.MinSuccessRatio*float64(v.cfg.Probes) - 1e-9))
}

// Validate probes endpoint until the track is proven ready, proven unready,
// or the timeout expires. The result is returned in every case; the error
// carries a ValidationFailure with reason Unreachable, UnhealthyResponse or
// Timeout.
func (v *Validator) Validate(ctx context.Context, endpoint string, timeout time.Duration) (domain.ValidationResult, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + v.cfg.Path
	required := v.required()
	res := domain.ValidationResult{}
	var unreachable, unhealthy int
	logger := log.WithField("endpoint", endpoint)

	for i := 0; i < v.cfg.Probes; i++ {
		if i > 0 && v.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return v.deadline(parent, res, timeout)
			case <-time.After(v.cfg.Interval):
			}
		}
		perProbe := v.cfg.Interval
		if perProbe <= 0 {
			perProbe = timeout
		}
		r := v.sender.Send(ctx, url, nil, perProbe)
		res.Probes++
		switch {
		case r.Success:
			res.Successes++
		case r.Unreachable():
			if ctx.Err() != nil {
				return v.deadline(parent, res, timeout)
			}
			unreachable++
			logger.Debugf("probe %d unreachable: %v", i+1, r.Err)
		default:
			unhealthy++
			logger.Debugf("probe %d unhealthy: status %d", i+1, r.Status)
		}

		// stop once the ratio can no longer be met
		if res.Successes+(v.cfg.Probes-res.Probes) < required {
			break
		}
	}

	if res.Successes >= required {
		res.Ready = true
		logger.Infof("track ready: %d/%d probes succeeded", res.Successes, res.Probes)
		return res, nil
	}
	reason := domain.ReasonUnhealthyResponse
	if unreachable >= unhealthy {
		reason = domain.ReasonUnreachable
	}
	res.Reason = fmt.Sprintf("%s: %d/%d probes succeeded, %d required", reason, res.Successes, res.Probes, required)
	logger.Warnf("track not ready: %s", res.Reason)
	return res, domain.Errorf(domain.KindValidationFailure, reason, "validate "+endpoint,
		"%d/%d probes succeeded, %d required", res.Successes, res.Probes, required)
}

func (v *Validator) deadline(parent context.Context, res domain.ValidationResult, timeout time.Duration) (domain.ValidationResult, error) {
	if err := parent.Err(); err != nil {
		return res, fmt.Errorf("validate: %w", err)
	}
	res.Reason = fmt.Sprintf("%s: no verdict within %v", domain.ReasonTimeout, timeout)
	return res, domain.Errorf(domain.KindValidationFailure, domain.ReasonTimeout, "validate",
		"no verdict within %v (%d/%d probes succeeded)", timeout, res.Successes, res.Probes)
}
