package benchmark

import (
	"fmt"

	"model-rollout-core/internal/app/domain"
)

// Decide applies the verdict policy. The candidate passes iff its error rate
// is within the threshold, its p95 latency is at most the stable p95 times
// the regression factor, and its throughput is at least the stable
// throughput times the minimum ratio. Equality passes. Without a stable
// baseline only the error rate can be checked, and the verdict is pass only
// when allowNoBaseline is set.
func Decide(stable *domain.TrackStats, candidate domain.TrackStats, t domain.Thresholds, allowNoBaseline bool) (domain.Verdict, []string) {
	var reasons []string
	if candidate.ErrorRate > t.ErrorRateThreshold {
		reasons = append(reasons, fmt.Sprintf("error rate %.4f exceeds threshold %.4f", candidate.ErrorRate, t.ErrorRateThreshold))
	}
	if stable == nil {
		if !allowNoBaseline {
			reasons = append(reasons, "no stable baseline to compare against")
		}
	} else {
		if limit := stable.P95 * t.LatencyRegressionFactor; candidate.P95 > limit {
			reasons = append(reasons, fmt.Sprintf("p95 latency %.1fms exceeds %.1fms (stable %.1fms x %.2f)", candidate.P95, limit, stable.P95, t.LatencyRegressionFactor))
		}
		if floor := stable.ThroughputRPS * t.MinThroughputRatio; candidate.ThroughputRPS < floor {
			reasons = append(reasons, fmt.Sprintf("throughput %.2frps below %.2frps (stable %.2frps x %.2f)", candidate.ThroughputRPS, floor, stable.ThroughputRPS, t.MinThroughputRatio))
		}
	}
	if len(reasons) > 0 {
		return domain.VerdictFail, reasons
	}
	return domain.VerdictPass, nil
}
