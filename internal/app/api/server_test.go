package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"model-rollout-core/internal/app/domain"
)

type fakeRollouts struct {
	started  []domain.RolloutRequest
	states   map[string]domain.RolloutState
	startErr error
	decided  map[string]string
}

func newFake() *fakeRollouts {
	return &fakeRollouts{states: map[string]domain.RolloutState{}, decided: map[string]string{}}
}

func (f *fakeRollouts) Start(_ context.Context, req domain.RolloutRequest) (domain.RolloutState, error) {
	if f.startErr != nil {
		return domain.RolloutState{}, f.startErr
	}
	f.started = append(f.started, req)
	s := domain.NewRolloutState(fmt.Sprintf("r%d", len(f.started)), req, time.Now())
	f.states[s.ID] = s
	return s, nil
}

func (f *fakeRollouts) Get(_ context.Context, id string) (domain.RolloutState, error) {
	s, ok := f.states[id]
	if !ok {
		return s, fmt.Errorf("rollout %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (f *fakeRollouts) History(ctx context.Context, id string) ([]domain.RolloutState, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return []domain.RolloutState{s}, nil
}

func (f *fakeRollouts) List(_ context.Context, service string) ([]domain.RolloutState, error) {
	var out []domain.RolloutState
	for _, s := range f.states {
		if service == "" || s.Service() == service {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRollouts) Confirm(ctx context.Context, id string) error {
	return f.decide(ctx, id, "confirm")
}

func (f *fakeRollouts) Reject(ctx context.Context, id string) error {
	return f.decide(ctx, id, "reject")
}

func (f *fakeRollouts) decide(ctx context.Context, id, decision string) error {
	s, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.AwaitingConfirmation {
		return fmt.Errorf("rollout %s: %w", id, domain.ErrNotAwaitingConfirmation)
	}
	f.decided[id] = decision
	return nil
}

func (f *fakeRollouts) Abort(ctx context.Context, id string) (domain.RolloutState, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return s, err
	}
	if err := s.Terminate(domain.PhaseAborted, "aborted by operator", domain.KindCancelled, time.Now()); err != nil {
		return s, err
	}
	f.states[id] = s
	return s, nil
}

func newTestServer(f *fakeRollouts) *Server {
	return NewServer(f, Defaults{
		Service:     "chat",
		Thresholds:  domain.Thresholds{ErrorRateThreshold: 0.01, LatencyRegressionFactor: 1.2, MinThroughputRatio: 0.8},
		LoadProfile: domain.LoadProfile{Concurrency: 4, Requests: 200},
	}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "metrics")
	}))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

const plan = `
artifact:
  source_model_id: meta-llama/Llama-3.1-8B-Instruct
  method: bnb
  bit_width: 4
auto_switch: true
`

func TestStartRollout(t *testing.T) {
	f := newFake()
	srv := newTestServer(f)

	rec := do(t, srv, http.MethodPost, "/rollouts", plan)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var state domain.RolloutState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.ID != "r1" || state.Phase != domain.PhasePending {
		t.Errorf("state = %+v", state)
	}
	req := f.started[0]
	if req.Service != "chat" || !req.AutoSwitch || req.LoadProfile.Requests != 200 || req.Thresholds.LatencyRegressionFactor != 1.2 {
		t.Errorf("request = %+v", req)
	}

	jsonPlan := `{"service": "search", "artifact": {"artifact_id": "abc"}}`
	if rec := do(t, srv, http.MethodPost, "/rollouts", jsonPlan); rec.Code != http.StatusAccepted {
		t.Errorf("JSON plan status = %d: %s", rec.Code, rec.Body)
	}
}

func TestErrorStatus(t *testing.T) {
	f := newFake()
	srv := newTestServer(f)

	tests := []struct {
		name   string
		setup  func()
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid plan", nil, http.MethodPost, "/rollouts", "artifact: {method: bnb}", http.StatusBadRequest},
		{"in progress", func() { f.startErr = fmt.Errorf("service chat: %w", domain.ErrRolloutInProgress) }, http.MethodPost, "/rollouts", plan, http.StatusConflict},
		{"unknown rollout", nil, http.MethodGet, "/rollouts/nope", "", http.StatusNotFound},
		{"abort unknown", nil, http.MethodPost, "/rollouts/nope/abort", "", http.StatusNotFound},
		{"confirm not awaiting", func() {
			f.states["r9"] = domain.NewRolloutState("r9", domain.RolloutRequest{Service: "chat"}, time.Now())
		}, http.MethodPost, "/rollouts/r9/confirm", "", http.StatusConflict},
		{"wrong method", nil, http.MethodDelete, "/rollouts/r9", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			if rec := do(t, srv, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestOperatorActions(t *testing.T) {
	f := newFake()
	srv := newTestServer(f)
	s := domain.NewRolloutState("r1", domain.RolloutRequest{Service: "chat"}, time.Now())
	s.AwaitingConfirmation = true
	f.states["r1"] = s

	if rec := do(t, srv, http.MethodPost, "/rollouts/r1/reject", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("reject status = %d: %s", rec.Code, rec.Body)
	}
	if f.decided["r1"] != "reject" {
		t.Errorf("decision = %q", f.decided["r1"])
	}

	rec := do(t, srv, http.MethodPost, "/rollouts/r1/abort", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"phase":"Aborted"`) {
		t.Errorf("abort = %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, srv, http.MethodPost, "/rollouts/r1/abort", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second abort = %d, want 409", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/rollouts/r1/history", "")
	var history []domain.RolloutState
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil || len(history) != 1 {
		t.Errorf("history = %s (%v)", rec.Body, err)
	}
	rec = do(t, srv, http.MethodGet, "/rollouts?service=search", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("list = %s", rec.Body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(newFake())
	if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/metrics", ""); rec.Body.String() != "metrics" {
		t.Errorf("metrics = %q", rec.Body)
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	srv := newTestServer(newFake())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
