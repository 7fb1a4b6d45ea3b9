package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
)

// Recorder exposes rollout progress as Prometheus metrics and, when a
// Pushgateway is configured, pushes the outcome of every finished rollout.
type Recorder struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	active      *prometheus.GaugeVec
	retries     *prometheus.CounterVec
	p95         *prometheus.GaugeVec
	errorRate   *prometheus.GaugeVec
	throughput  *prometheus.GaugeVec

	mu             sync.Mutex
	activeByID     map[string]string
	pushGatewayURL string
	job            string
}

func NewRecorder(pushGatewayURL, job string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_rollout_transitions_total",
			Help: "Phase transitions persisted by the rollout state machine",
		}, []string{"service", "phase"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_rollout_outcomes_total",
			Help: "Finished rollouts by terminal phase and error kind",
		}, []string{"service", "phase", "kind"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_rollout_active",
			Help: "Rollouts currently in a non-terminal phase",
		}, []string{"service"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_rollout_artifact_retries_total",
			Help: "Retried artifact production attempts",
		}, []string{"service"}),
		p95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_rollout_benchmark_p95_ms",
			Help: "p95 latency of the last benchmark per track",
		}, []string{"service", "track"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_rollout_benchmark_error_rate",
			Help: "Error rate of the last benchmark per track",
		}, []string{"service", "track"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_rollout_benchmark_throughput_rps",
			Help: "Successful requests per second of the last benchmark per track",
		}, []string{"service", "track"}),
		activeByID:     map[string]string{},
		pushGatewayURL: pushGatewayURL,
		job:            job,
	}
	r.registry.MustRegister(r.transitions, r.outcomes, r.active, r.retries, r.p95, r.errorRate, r.throughput)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records a persisted revision.
func (r *Recorder) Observe(s domain.RolloutState) {
	service := s.Service()
	r.transitions.WithLabelValues(service, string(s.Phase)).Inc()

	r.mu.Lock()
	_, tracked := r.activeByID[s.ID]
	switch {
	case s.Phase.IsTerminal() && tracked:
		delete(r.activeByID, s.ID)
		r.active.WithLabelValues(service).Dec()
	case !s.Phase.IsTerminal() && !tracked:
		r.activeByID[s.ID] = service
		r.active.WithLabelValues(service).Inc()
	}
	r.mu.Unlock()

	if s.Phase == domain.PhasePending && s.RetryCount > 0 {
		r.retries.WithLabelValues(service).Inc()
	}
	if s.Phase == domain.PhaseBenchmarked && s.BenchmarkResult != nil {
		r.benchmark(service, s.BenchmarkResult)
	}
	if s.Phase.IsTerminal() {
		r.outcomes.WithLabelValues(service, string(s.Phase), string(s.ErrorKind)).Inc()
	}
}

func (r *Recorder) benchmark(service string, res *domain.BenchmarkResult) {
	set := func(track domain.Track, st domain.TrackStats) {
		r.p95.WithLabelValues(service, string(track)).Set(st.P95)
		r.errorRate.WithLabelValues(service, string(track)).Set(st.ErrorRate)
		r.throughput.WithLabelValues(service, string(track)).Set(st.ThroughputRPS)
	}
	set(domain.TrackCandidate, res.Candidate)
	if res.Stable != nil {
		set(domain.TrackStable, *res.Stable)
	}
}

// Push sends the outcome of a finished rollout to the Pushgateway, grouped
// by service. It is a no-op without a configured gateway.
func (r *Recorder) Push(ctx context.Context, s domain.RolloutState) error {
	if r.pushGatewayURL == "" || !s.Phase.IsTerminal() {
		return nil
	}
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "model_rollout_last_duration_seconds",
		Help: "Wall time of the last finished rollout",
	})
	duration.Set(s.UpdatedAt.Sub(s.CreatedAt).Seconds())
	finished := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_rollout_last_finished_timestamp_seconds",
		Help: "Completion time of the last finished rollout by terminal phase",
	}, []string{"phase", "rollout_id"})
	finished.WithLabelValues(string(s.Phase), s.ID).Set(float64(s.UpdatedAt.Unix()))

	err := push.New(r.pushGatewayURL, r.job).
		Collector(duration).
		Collector(finished).
		Grouping("service", s.Service()).
		PushContext(ctx)
	if err != nil {
		return err
	}
	log.Debugf("pushed outcome of %s to Pushgateway", s.ID)
	return nil
}
