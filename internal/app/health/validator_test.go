package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/probe"
)

// scriptedSender answers with the scripted results in order, repeating the
// last one.
type scriptedSender struct {
	mu      sync.Mutex
	results []probe.Result
	calls   int
	block   bool
}

func (s *scriptedSender) Send(ctx context.Context, _ string, _ []byte, _ time.Duration) probe.Result {
	if s.block {
		<-ctx.Done()
		return probe.Result{Err: ctx.Err()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return r
}

var (
	ok          = probe.Result{Success: true, Status: 200}
	unhealthy   = probe.Result{Status: 503}
	unreachable = probe.Result{Err: errors.New("connection refused")}
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		results    []probe.Result
		ratio      float64
		wantReady  bool
		wantReason domain.Reason
		wantProbes int
	}{
		{"all healthy", []probe.Result{ok}, 1, true, "", 5},
		{"one failure fails strict ratio early", []probe.Result{ok, unhealthy}, 1, false, domain.ReasonUnhealthyResponse, 2},
		{"one failure tolerated", []probe.Result{unhealthy, ok}, 0.8, true, "", 5},
		{"unreachable", []probe.Result{unreachable}, 1, false, domain.ReasonUnreachable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSender{results: tt.results}
			v := NewValidator(s, Config{Path: "/health", Probes: 5, Interval: time.Millisecond, MinSuccessRatio: tt.ratio})
			res, err := v.Validate(context.Background(), "http://candidate", time.Second)
			if res.Ready != tt.wantReady {
				t.Fatalf("Ready = %v, err %v", res.Ready, err)
			}
			if res.Probes != tt.wantProbes {
				t.Errorf("Probes = %d, want %d", res.Probes, tt.wantProbes)
			}
			if tt.wantReady {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if domain.KindOf(err) != domain.KindValidationFailure || domain.ReasonOf(err) != tt.wantReason {
				t.Errorf("err = %v, want ValidationFailure/%s", err, tt.wantReason)
			}
		})
	}
}

func TestValidate_TimesOutInsteadOfHanging(t *testing.T) {
	s := &scriptedSender{block: true}
	v := NewValidator(s, Config{Path: "/health", Probes: 3, MinSuccessRatio: 1})

	start := time.Now()
	_, err := v.Validate(context.Background(), "http://candidate", 50*time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("Validate blocked for %v", time.Since(start))
	}
	if domain.KindOf(err) != domain.KindValidationFailure || domain.ReasonOf(err) != domain.ReasonTimeout {
		t.Errorf("err = %v, want ValidationFailure/Timeout", err)
	}
}

func TestValidate_ParentCancelled(t *testing.T) {
	s := &scriptedSender{block: true}
	v := NewValidator(s, Config{Path: "/health", Probes: 3, MinSuccessRatio: 1})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := v.Validate(ctx, "http://candidate", time.Minute)
	if domain.KindOf(err) != domain.KindCancelled {
		t.Errorf("err = %v, want Cancelled", err)
	}
}
