package benchmark

import (
	"math"
	"sort"
	"sync"
	"time"

	"model-rollout-core/internal/app/domain"
)

// SampleLog is an append-only log shared by the load workers of both
// tracks.
type SampleLog struct {
	mu      sync.Mutex
	samples []domain.BenchmarkSample
}

func (l *SampleLog) Append(s domain.BenchmarkSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, s)
}

// Track returns a copy of the samples recorded for one track.
func (l *SampleLog) Track(track domain.Track) []domain.BenchmarkSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.BenchmarkSample
	for _, s := range l.samples {
		if s.Track == track {
			out = append(out, s)
		}
	}
	return out
}

// Summarize reduces one track's samples observed over window. Latency
// percentiles and throughput only count successful requests; a track
// without a single success has an error rate of 1.
func Summarize(samples []domain.BenchmarkSample, window time.Duration) domain.TrackStats {
	stats := domain.TrackStats{Samples: len(samples)}
	if len(samples) == 0 {
		stats.ErrorRate = 1
		return stats
	}
	latencies := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !s.Success {
			stats.Failures++
			continue
		}
		latencies = append(latencies, s.LatencyMs)
	}
	stats.ErrorRate = float64(stats.Failures) / float64(stats.Samples)
	if len(latencies) == 0 {
		return stats
	}
	sort.Float64s(latencies)
	stats.P50 = percentile(latencies, 50)
	stats.P95 = percentile(latencies, 95)
	stats.P99 = percentile(latencies, 99)
	if window > 0 {
		stats.ThroughputRPS = float64(len(latencies)) / window.Seconds()
	}
	return stats
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
