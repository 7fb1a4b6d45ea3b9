package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"model-rollout-core/internal/app/benchmark"
	"model-rollout-core/internal/app/cleanup"
	"model-rollout-core/internal/app/cluster"
	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/app/store/sqlite"
)

type fakeResolver struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeResolver) Resolve(ctx context.Context, spec domain.ArtifactSpec) (domain.ModelArtifact, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.ModelArtifact{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.ModelArtifact{}, err
	}
	return domain.ModelArtifact{ID: "art-" + spec.Method, SourceModelID: spec.SourceModelID, QuantizationMethod: spec.Method, BitWidth: spec.BitWidth}, nil
}

type fakeValidator struct {
	mu      sync.Mutex
	err     error
	calls   int
	block   bool
	entered chan struct{}
}

func (f *fakeValidator) Validate(ctx context.Context, endpoint string, timeout time.Duration) (domain.ValidationResult, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if block {
		<-ctx.Done()
		return domain.ValidationResult{}, ctx.Err()
	}
	if err != nil {
		return domain.ValidationResult{Probes: 5, Successes: 2, Reason: err.Error()}, err
	}
	return domain.ValidationResult{Ready: true, Probes: 5, Successes: 5}, nil
}

// fakeComparator reports fixed stats and applies the real verdict policy.
type fakeComparator struct {
	stable    domain.TrackStats
	candidate domain.TrackStats
	endpoints []string
}

func (f *fakeComparator) Compare(_ context.Context, stableEndpoint, candidateEndpoint string, profile domain.LoadProfile, thresholds domain.Thresholds) (domain.BenchmarkResult, error) {
	f.endpoints = []string{stableEndpoint, candidateEndpoint}
	res := domain.BenchmarkResult{Candidate: f.candidate}
	if stableEndpoint != "" {
		st := f.stable
		res.Stable = &st
	} else {
		res.NoBaseline = true
	}
	res.Verdict, res.Reasons = benchmark.Decide(res.Stable, res.Candidate, thresholds, profile.AllowNoBaseline)
	return res, nil
}

type harness struct {
	m         *Manager
	backend   *cluster.MemoryBackend
	repo      *sqlite.RolloutRepo
	resolver  *fakeResolver
	validator *fakeValidator
	bench     *fakeComparator
	retainer  *cleanup.Reconciler

	mu       sync.Mutex
	observed []domain.RolloutState
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith runs the manager against wrap(memory backend) when wrap is
// set.
func newHarnessWith(t *testing.T, cfg Config, wrap func(*cluster.MemoryBackend) cluster.Backend) *harness {
	t.Helper()
	h := &harness{
		backend:   cluster.NewMemoryBackend(),
		repo:      &sqlite.RolloutRepo{DB: sqlite.OpenTestDB(t)},
		resolver:  &fakeResolver{},
		validator: &fakeValidator{},
		bench: &fakeComparator{
			stable:    domain.TrackStats{P95: 200, ErrorRate: 0, ThroughputRPS: 50},
			candidate: domain.TrackStats{P95: 210, ErrorRate: 0, ThroughputRPS: 45},
		},
	}
	var backend cluster.Backend = h.backend
	if wrap != nil {
		backend = wrap(h.backend)
	}
	controller := cluster.NewController(backend, time.Millisecond)
	h.retainer = cleanup.NewReconciler(controller, time.Hour, time.Second)
	h.m = New(h.repo, h.resolver, controller, h.validator, h.bench, h.retainer, cfg, func(s domain.RolloutState) {
		h.mu.Lock()
		h.observed = append(h.observed, s)
		h.mu.Unlock()
	})
	t.Cleanup(h.m.Close)
	return h
}

var (
	blue  = cluster.Handle{Service: "chat", Slot: domain.SlotBlue}
	green = cluster.Handle{Service: "chat", Slot: domain.SlotGreen}
)

// seedStable makes blue the serving slot of "chat".
func (h *harness) seedStable() {
	h.backend.Seed(blue, domain.ModelArtifact{ID: "art-stable"}, 1)
}

func request(autoSwitch bool) domain.RolloutRequest {
	return domain.RolloutRequest{
		Service:    "chat",
		Artifact:   domain.ArtifactSpec{SourceModelID: "llama", Method: "bnb", BitWidth: 4, Fingerprint: "sha-1"},
		AutoSwitch: autoSwitch,
		Thresholds: domain.Thresholds{ErrorRateThreshold: 0.01, LatencyRegressionFactor: 1.2, MinThroughputRatio: 0.8},
		LoadProfile: domain.LoadProfile{
			Concurrency: 2,
			Requests:    10,
		},
	}
}

func testConfig() Config {
	return Config{Replicas: 1, Attempts: 3, RetryBackoff: time.Millisecond, DeployTimeout: time.Second, ClusterCallTimeout: time.Second}
}

func phases(states []domain.RolloutState) []domain.Phase {
	var out []domain.Phase
	for _, s := range states {
		if n := len(out); n > 0 && out[n-1] == s.Phase {
			continue
		}
		out = append(out, s.Phase)
	}
	return out
}

func equalPhases(a, b []domain.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) desired(t *testing.T, handle cluster.Handle) int {
	t.Helper()
	st, err := h.backend.Status(context.Background(), handle)
	if err != nil {
		t.Fatalf("status of %s: %v", handle, err)
	}
	return st.Desired
}

func (h *harness) recipient(t *testing.T) domain.Slot {
	t.Helper()
	slot, _, err := h.backend.Recipient(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	return slot
}

func TestRun_SwitchesInPhaseOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Phase != domain.PhaseSwitched {
		t.Fatalf("phase = %s (%s), want Switched", final.Phase, final.Reason)
	}
	if final.BenchmarkResult.Verdict != domain.VerdictPass {
		t.Errorf("verdict = %s", final.BenchmarkResult.Verdict)
	}
	if got := h.recipient(t); got != domain.SlotGreen {
		t.Errorf("recipient = %s, want green", got)
	}
	if final.StableTrack == nil || final.StableTrack.Slot != domain.SlotBlue || final.StableTrack.ArtifactID != "art-stable" {
		t.Errorf("stable track = %+v", final.StableTrack)
	}
	if final.CandidateTrack == nil || final.CandidateTrack.Slot != domain.SlotGreen || final.CandidateTrack.ArtifactID != "art-bnb" {
		t.Errorf("candidate track = %+v", final.CandidateTrack)
	}
	if h.bench.endpoints[0] == "" || h.bench.endpoints[1] == "" {
		t.Errorf("comparator endpoints = %v", h.bench.endpoints)
	}

	history, err := h.m.History(context.Background(), final.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := phases(history); !equalPhases(got, domain.PhaseOrder) {
		t.Errorf("phases = %v, want %v", got, domain.PhaseOrder)
	}
	for i, s := range history {
		if s.Revision != i+1 {
			t.Errorf("revision %d at position %d", s.Revision, i)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observed) != len(history) {
		t.Errorf("observed %d revisions, persisted %d", len(h.observed), len(history))
	}
}

func TestRun_ScaleDownStable(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleDownStable = true
	h := newHarness(t, cfg)
	h.seedStable()

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("Run = %s, %v", final.Phase, err)
	}
	if got := h.desired(t, blue); got != 0 {
		t.Errorf("stable desired = %d, want 0", got)
	}
	if got := h.desired(t, green); got != 1 {
		t.Errorf("candidate desired = %d, want 1", got)
	}
}

func TestRun_NextRolloutBindsNewStable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	if _, err := h.m.Run(context.Background(), request(true)); err != nil {
		t.Fatal(err)
	}
	final, err := h.m.Run(context.Background(), request(true))
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("second Run = %s, %v", final.Phase, err)
	}
	if final.StableTrack.Slot != domain.SlotGreen || final.CandidateTrack.Slot != domain.SlotBlue {
		t.Errorf("bindings = %+v / %+v", final.StableTrack, final.CandidateTrack)
	}
	if got := h.recipient(t); got != domain.SlotBlue {
		t.Errorf("recipient = %s, want blue", got)
	}
}

func TestRun_SkipValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	req := request(true)
	req.SkipValidation = true

	final, err := h.m.Run(context.Background(), req)
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("Run = %s, %v", final.Phase, err)
	}
	if final.ValidationResult == nil || !final.ValidationResult.Skipped || final.ValidationResult.Ready {
		t.Errorf("validation = %+v, want skipped", final.ValidationResult)
	}
	if h.validator.calls != 0 {
		t.Errorf("validator called %d times", h.validator.calls)
	}
}

func TestRun_VerdictFailRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.bench.candidate = domain.TrackStats{P95: 300, ErrorRate: 0.02, ThroughputRPS: 45}

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseRolledBack || final.ErrorKind != domain.KindBenchmarkFailure {
		t.Fatalf("final = %s/%s, want RolledBack/BenchmarkFailure", final.Phase, final.ErrorKind)
	}
	if final.LastSuccessfulPhase != domain.PhaseBenchmarked || final.Reason == "" {
		t.Errorf("last successful = %s, reason %q", final.LastSuccessfulPhase, final.Reason)
	}
	if got := h.recipient(t); got != domain.SlotBlue {
		t.Errorf("recipient = %s, want stable blue", got)
	}
	if got := h.desired(t, green); got != 0 {
		t.Errorf("candidate desired = %d, want 0", got)
	}
	if got := h.retainer.Retained(); len(got) != 1 || got[0] != green {
		t.Errorf("retained = %v, want candidate", got)
	}
}

func TestRun_ValidationFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.validator.err = domain.Errorf(domain.KindValidationFailure, domain.ReasonUnhealthyResponse, "validate", "2/5 probes succeeded")

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseRolledBack || final.ErrorKind != domain.KindValidationFailure {
		t.Fatalf("final = %s/%s", final.Phase, final.ErrorKind)
	}
	if final.ValidationResult == nil || final.ValidationResult.Ready || final.ValidationResult.Successes != 2 {
		t.Errorf("validation = %+v", final.ValidationResult)
	}
	if got := h.desired(t, green); got != 0 {
		t.Errorf("candidate desired = %d, want 0", got)
	}
}

func TestRun_NoBaseline(t *testing.T) {
	h := newHarness(t, testConfig())

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseRolledBack || !final.BenchmarkResult.NoBaseline {
		t.Fatalf("without policy flag: %s, no baseline %t", final.Phase, final.BenchmarkResult.NoBaseline)
	}

	req := request(true)
	req.LoadProfile.AllowNoBaseline = true
	final, err = h.m.Run(context.Background(), req)
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("with policy flag: %s, %v", final.Phase, err)
	}
	if final.StableTrack != nil {
		t.Errorf("stable track = %+v, want none", final.StableTrack)
	}
	if got := h.recipient(t); got != final.CandidateTrack.Slot {
		t.Errorf("recipient = %s, want %s", got, final.CandidateTrack.Slot)
	}
}

func TestRun_ArtifactRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	transient := domain.Errorf(domain.KindTransientInfra, domain.ReasonStorage, "publish", "disk busy")
	h.resolver.errs = []error{transient, transient}

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("Run = %s (%s), %v", final.Phase, final.Reason, err)
	}
	if final.RetryCount != 2 || h.resolver.calls != 3 {
		t.Errorf("retry count = %d, calls = %d", final.RetryCount, h.resolver.calls)
	}
	history, _ := h.m.History(context.Background(), final.ID)
	if history[1].Phase != domain.PhasePending || history[2].Phase != domain.PhasePending || history[2].RetryCount != 2 {
		t.Errorf("retry revisions = %+v", history[:3])
	}
}

func TestRun_ArtifactRetriesExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	transient := domain.Errorf(domain.KindTransientInfra, domain.ReasonDownload, "download", "503")
	h.resolver.errs = []error{transient, transient, transient}

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindTransientInfra || final.LastSuccessfulPhase != domain.PhasePending {
		t.Errorf("final = %s/%s last %s", final.Phase, final.ErrorKind, final.LastSuccessfulPhase)
	}
	if h.resolver.calls != 3 {
		t.Errorf("calls = %d, want 3", h.resolver.calls)
	}
}

func TestRun_ConfigurationErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.resolver.errs = []error{domain.Errorf(domain.KindConfiguration, domain.ReasonQuantization, "quantize", "unsupported bits")}

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindConfiguration || h.resolver.calls != 1 {
		t.Errorf("final = %s/%s after %d calls", final.Phase, final.ErrorKind, h.resolver.calls)
	}
}

func TestRun_DeployQuotaFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.backend.Fail = func(op string, handle cluster.Handle) error {
		if op == "create" && handle == green {
			return domain.Errorf(domain.KindResourceExhaustion, domain.ReasonQuotaExceeded, "create", "gpu quota exceeded")
		}
		return nil
	}

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindResourceExhaustion {
		t.Errorf("final = %s/%s", final.Phase, final.ErrorKind)
	}
	if final.LastSuccessfulPhase != domain.PhaseArtifactReady {
		t.Errorf("last successful = %s", final.LastSuccessfulPhase)
	}
	if got := h.recipient(t); got != domain.SlotBlue {
		t.Errorf("recipient = %s", got)
	}
}

func TestRun_DeployTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DeployTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.seedStable()
	h.backend.AutoReady = false

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindTimeout {
		t.Errorf("final = %s/%s (%s)", final.Phase, final.ErrorKind, final.Reason)
	}
}

func TestAbort_InCandidateDeployed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.validator.block = true
	h.validator.entered = make(chan struct{}, 1)

	started, err := h.m.Start(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	<-h.validator.entered
	if s, _ := h.m.Get(context.Background(), started.ID); s.Phase != domain.PhaseCandidateDeployed {
		t.Fatalf("phase = %s, want CandidateDeployed", s.Phase)
	}

	final, err := h.m.Abort(context.Background(), started.ID)
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if final.Phase != domain.PhaseAborted || final.ErrorKind != domain.KindCancelled {
		t.Errorf("final = %s/%s", final.Phase, final.ErrorKind)
	}
	if final.LastSuccessfulPhase != domain.PhaseCandidateDeployed {
		t.Errorf("last successful = %s", final.LastSuccessfulPhase)
	}
	if got := h.desired(t, green); got != 0 {
		t.Errorf("candidate desired = %d at acknowledgement, want 0", got)
	}
	if got := h.recipient(t); got != domain.SlotBlue {
		t.Errorf("recipient = %s", got)
	}

	if _, err := h.m.Abort(context.Background(), started.ID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("second Abort = %v, want ErrAlreadyTerminal", err)
	}
}

func TestAbort_NotFound(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.m.Abort(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Abort = %v, want ErrNotFound", err)
	}
}

func TestStart_RolloutInProgress(t *testing.T) {
	h := newHarness(t, testConfig())
	h.resolver.block = make(chan struct{})
	h.resolver.entered = make(chan struct{}, 1)

	first, err := h.m.Start(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	<-h.resolver.entered
	if _, err := h.m.Start(context.Background(), request(true)); !errors.Is(err, domain.ErrRolloutInProgress) {
		t.Fatalf("second Start = %v, want ErrRolloutInProgress", err)
	}

	other := request(true)
	other.Service = "search"
	if _, err := h.m.Start(context.Background(), other); err != nil {
		t.Errorf("Start for another service: %v", err)
	}

	if _, err := h.m.Abort(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	close(h.resolver.block)
	if _, err := h.m.Start(context.Background(), request(true)); err != nil {
		t.Errorf("Start after abort: %v", err)
	}
}

func TestStart_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	req := request(true)
	req.Thresholds.LatencyRegressionFactor = 0
	if _, err := h.m.Start(context.Background(), req); domain.KindOf(err) != domain.KindConfiguration {
		t.Errorf("Start = %v, want ConfigurationError", err)
	}
}

func awaiting(t *testing.T, h *harness, id string) {
	t.Helper()
	eventually(t, func() bool {
		s, err := h.m.Get(context.Background(), id)
		return err == nil && s.AwaitingConfirmation
	})
}

func TestConfirm_Switches(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()

	started, err := h.m.Start(context.Background(), request(false))
	if err != nil {
		t.Fatal(err)
	}
	awaiting(t, h, started.ID)
	if got := h.recipient(t); got != domain.SlotBlue {
		t.Fatalf("traffic switched before confirmation")
	}
	if err := h.m.Confirm(context.Background(), started.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	final, err := h.m.Wait(context.Background(), started.ID)
	if err != nil || final.Phase != domain.PhaseSwitched {
		t.Fatalf("Wait = %s, %v", final.Phase, err)
	}
	if err := h.m.Confirm(context.Background(), started.ID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("Confirm after switch = %v, want ErrAlreadyTerminal", err)
	}
}

func TestReject_RollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()

	started, err := h.m.Start(context.Background(), request(false))
	if err != nil {
		t.Fatal(err)
	}
	awaiting(t, h, started.ID)
	if err := h.m.Reject(context.Background(), started.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	final, _ := h.m.Wait(context.Background(), started.ID)
	if final.Phase != domain.PhaseRolledBack || final.Reason != "rejected by operator" {
		t.Errorf("final = %s (%s)", final.Phase, final.Reason)
	}
	if got := h.desired(t, green); got != 0 {
		t.Errorf("candidate desired = %d", got)
	}
}

func TestConfirm_NotAwaiting(t *testing.T) {
	h := newHarness(t, testConfig())
	h.resolver.block = make(chan struct{})
	h.resolver.entered = make(chan struct{}, 1)
	started, err := h.m.Start(context.Background(), request(false))
	if err != nil {
		t.Fatal(err)
	}
	<-h.resolver.entered
	if err := h.m.Confirm(context.Background(), started.ID); !errors.Is(err, domain.ErrNotAwaitingConfirmation) {
		t.Errorf("Confirm = %v, want ErrNotAwaitingConfirmation", err)
	}
	close(h.resolver.block)
}

func TestConfirm_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.seedStable()

	final, err := h.m.Run(context.Background(), request(false))
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseRolledBack || final.ErrorKind != domain.KindTimeout {
		t.Errorf("final = %s/%s", final.Phase, final.ErrorKind)
	}
}

func TestRecover_FailsInterruptedRollouts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.backend.Seed(green, domain.ModelArtifact{ID: "art-bnb"}, 1)
	if err := h.backend.RouteTraffic(context.Background(), "chat", domain.SlotBlue); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s := domain.NewRolloutState("r-old", request(true), now)
	if err := h.repo.Append(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	for _, p := range []domain.Phase{domain.PhaseArtifactReady, domain.PhaseCandidateDeployed} {
		s.Revision++
		if err := s.Transition(p, now); err != nil {
			t.Fatal(err)
		}
		if p == domain.PhaseCandidateDeployed {
			s.CandidateTrack = &domain.TrackBinding{Track: domain.TrackCandidate, Slot: domain.SlotGreen}
		}
		if err := h.repo.Append(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.m.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, err := h.m.Get(context.Background(), "r-old")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != domain.PhaseFailed || got.LastSuccessfulPhase != domain.PhaseCandidateDeployed || got.Revision != 4 {
		t.Errorf("recovered = %s last %s rev %d", got.Phase, got.LastSuccessfulPhase, got.Revision)
	}
	if d := h.desired(t, green); d != 0 {
		t.Errorf("candidate desired = %d, want 0", d)
	}
	active, _ := h.m.List(context.Background(), "")
	if len(active) != 0 {
		t.Errorf("active after recovery = %d", len(active))
	}
}

// lostRouteBackend applies a route but reports a failure, after which the
// recipient can no longer be read.
type lostRouteBackend struct {
	*cluster.MemoryBackend
	mu     sync.Mutex
	routed bool
}

func (b *lostRouteBackend) RouteTraffic(ctx context.Context, service string, slot domain.Slot) error {
	if err := b.MemoryBackend.RouteTraffic(ctx, service, slot); err != nil {
		return err
	}
	b.mu.Lock()
	b.routed = true
	b.mu.Unlock()
	return domain.Errorf(domain.KindTransientInfra, "", "route", "connection reset after write")
}

func (b *lostRouteBackend) Recipient(ctx context.Context, service string) (domain.Slot, bool, error) {
	b.mu.Lock()
	routed := b.routed
	b.mu.Unlock()
	if routed {
		return "", false, domain.Errorf(domain.KindTransientInfra, "", "recipient", "api unavailable")
	}
	return b.MemoryBackend.Recipient(ctx, service)
}

func TestRun_UnknownSwitchKeepsCandidate(t *testing.T) {
	h := newHarnessWith(t, testConfig(), func(m *cluster.MemoryBackend) cluster.Backend {
		return &lostRouteBackend{MemoryBackend: m}
	})
	h.seedStable()

	final, err := h.m.Run(context.Background(), request(true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindUnknown {
		t.Fatalf("final = %s/%s (%s), want Failed/Unknown", final.Phase, final.ErrorKind, final.Reason)
	}
	if got := h.recipient(t); got != domain.SlotGreen {
		t.Fatalf("recipient = %s, want green", got)
	}
	if d := h.desired(t, green); d != 1 {
		t.Errorf("live candidate desired = %d, want 1", d)
	}
	if r := h.retainer.Retained(); len(r) != 0 {
		t.Errorf("retained = %v, want none", r)
	}
}

func TestRecover_KeepsLiveCandidate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.backend.Seed(green, domain.ModelArtifact{ID: "art-bnb"}, 1)

	now := time.Now()
	s := domain.NewRolloutState("r-switching", request(true), now)
	if err := h.repo.Append(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	for _, p := range []domain.Phase{domain.PhaseArtifactReady, domain.PhaseCandidateDeployed} {
		s.Revision++
		if err := s.Transition(p, now); err != nil {
			t.Fatal(err)
		}
		if p == domain.PhaseCandidateDeployed {
			s.CandidateTrack = &domain.TrackBinding{Track: domain.TrackCandidate, Slot: domain.SlotGreen}
		}
		if err := h.repo.Append(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := h.m.Recover(context.Background()); err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if d := h.desired(t, green); d != 1 {
		t.Errorf("serving candidate desired = %d, want 1", d)
	}
	if r := h.retainer.Retained(); len(r) != 0 {
		t.Errorf("retained = %v, want none", r)
	}
}

func TestClose_FailsRunningRollouts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedStable()
	h.validator.block = true
	h.validator.entered = make(chan struct{}, 1)

	started, err := h.m.Start(context.Background(), request(true))
	if err != nil {
		t.Fatal(err)
	}
	<-h.validator.entered
	h.m.Close()

	final, err := h.m.Get(context.Background(), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Phase != domain.PhaseFailed || final.ErrorKind != domain.KindCancelled {
		t.Errorf("final = %s/%s", final.Phase, final.ErrorKind)
	}
	if got := h.desired(t, green); got != 0 {
		t.Errorf("candidate desired = %d", got)
	}
	if _, err := h.m.Start(context.Background(), request(true)); err == nil {
		t.Error("Start after Close succeeded")
	}
}
