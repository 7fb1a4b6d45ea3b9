package benchmark

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/probe"
)

// Comparator drives the same synthetic load against both tracks at once and
// compares the reduced samples.
type Comparator struct {
	sender probe.Sender
	path   string
	now    func() time.Time
}

func NewComparator(sender probe.Sender, path string) *Comparator {
	return &Comparator{sender: sender, path: path, now: time.Now}
}

// Compare runs the load profile. An empty stableEndpoint produces a
// single-sided result. Individual request failures are recorded as samples;
// only cancellation of ctx aborts the run.
func (c *Comparator) Compare(ctx context.Context, stableEndpoint, candidateEndpoint string, profile domain.LoadProfile, thresholds domain.Thresholds) (domain.BenchmarkResult, error) {
	result := domain.BenchmarkResult{StartedAt: c.now()}
	samples := &SampleLog{}
	windows := map[domain.Track]*atomic.Int64{
		domain.TrackStable:    {},
		domain.TrackCandidate: {},
	}

	g, gctx := errgroup.WithContext(ctx)
	run := func(track domain.Track, endpoint string) {
		g.Go(func() error {
			start := time.Now()
			err := c.drive(gctx, track, endpoint, profile, samples)
			windows[track].Store(int64(time.Since(start)))
			return err
		})
	}
	if stableEndpoint != "" {
		run(domain.TrackStable, stableEndpoint)
	}
	run(domain.TrackCandidate, candidateEndpoint)
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("benchmark: %w", err)
	}

	result.FinishedAt = c.now()
	result.Candidate = Summarize(samples.Track(domain.TrackCandidate), time.Duration(windows[domain.TrackCandidate].Load()))
	if stableEndpoint != "" {
		stable := Summarize(samples.Track(domain.TrackStable), time.Duration(windows[domain.TrackStable].Load()))
		result.Stable = &stable
		log.Infof("stable:    %s", stable)
	} else {
		result.NoBaseline = true
	}
	log.Infof("candidate: %s", result.Candidate)
	result.Verdict, result.Reasons = Decide(result.Stable, result.Candidate, thresholds, profile.AllowNoBaseline)
	log.Infof("benchmark verdict: %s %s", result.Verdict, strings.Join(result.Reasons, "; "))
	return result, nil
}

// drive runs profile.Concurrency workers against one endpoint until the
// request budget or the duration is used up.
func (c *Comparator) drive(ctx context.Context, track domain.Track, endpoint string, profile domain.LoadProfile, samples *SampleLog) error {
	url := strings.TrimRight(endpoint, "/") + c.path
	var payload []byte
	if profile.Payload != "" {
		payload = []byte(profile.Payload)
	}

	var deadline time.Time
	if profile.Requests <= 0 {
		deadline = time.Now().Add(profile.Duration)
	}
	var issued atomic.Int64
	next := func() bool {
		if profile.Requests > 0 {
			return issued.Add(1) <= int64(profile.Requests)
		}
		return time.Now().Before(deadline)
	}

	log.Debugf("driving %s track at %s with %d workers", track, url, profile.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < profile.Concurrency; w++ {
		g.Go(func() error {
			for next() {
				if err := gctx.Err(); err != nil {
					return err
				}
				r := c.sender.Send(gctx, url, payload, profile.RequestTimeout)
				if gctx.Err() != nil {
					// the run was cancelled, this request says nothing about the track
					return gctx.Err()
				}
				samples.Append(domain.BenchmarkSample{
					Timestamp: c.now(),
					Track:     track,
					LatencyMs: r.LatencyMs,
					Success:   r.Success,
					Status:    r.Status,
				})
			}
			return nil
		})
	}
	return g.Wait()
}
