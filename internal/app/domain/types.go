package domain

import (
	"fmt"
	"time"
)

// Track is the logical role a deployment plays in a rollout.
type Track string

const (
	TrackStable    Track = "stable"
	TrackCandidate Track = "candidate"
)

func (t Track) Valid() bool {
	return t == TrackStable || t == TrackCandidate
}

// Slot is one of the two physical deployments kept per service. Tracks are
// bound to slots at the start of every rollout: stable to the slot that
// receives traffic, candidate to the other one.
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"
)

func (s Slot) Valid() bool {
	return s == SlotBlue || s == SlotGreen
}

// Other returns the opposite slot. An empty slot maps to blue.
func (s Slot) Other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// ModelArtifact is an immutable, published model tree.
type ModelArtifact struct {
	ID                 string    `json:"id"`
	SourceModelID      string    `json:"source_model_id"`
	QuantizationMethod string    `json:"quantization_method"`
	BitWidth           int       `json:"bit_width"`
	Fingerprint        string    `json:"fingerprint,omitempty"`
	StorageURI         string    `json:"storage_uri"`
	CreatedAt          time.Time `json:"created_at"`
}

// ArtifactSpec names the artifact a rollout deploys: either an already
// published artifact (ArtifactID) or the parameters to produce one.
type ArtifactSpec struct {
	ArtifactID    string `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
	SourceModelID string `json:"source_model_id,omitempty" yaml:"source_model_id,omitempty"`
	Method        string `json:"method,omitempty" yaml:"method,omitempty"`
	BitWidth      int    `json:"bit_width,omitempty" yaml:"bit_width,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// Thresholds are the verdict policy inputs. See benchmark.Decide.
type Thresholds struct {
	ErrorRateThreshold      float64 `json:"error_rate_threshold" yaml:"errorRateThreshold"`
	LatencyRegressionFactor float64 `json:"latency_regression_factor" yaml:"latencyRegressionFactor"`
	MinThroughputRatio      float64 `json:"min_throughput_ratio" yaml:"minThroughputRatio"`
}

func (t Thresholds) Validate() error {
	if t.ErrorRateThreshold < 0 || t.ErrorRateThreshold > 1 {
		return Errorf(KindConfiguration, "", "thresholds", "error_rate_threshold %v must be within [0,1]", t.ErrorRateThreshold)
	}
	if t.LatencyRegressionFactor <= 0 {
		return Errorf(KindConfiguration, "", "thresholds", "latency_regression_factor %v must be positive", t.LatencyRegressionFactor)
	}
	if t.MinThroughputRatio < 0 {
		return Errorf(KindConfiguration, "", "thresholds", "min_throughput_ratio %v must not be negative", t.MinThroughputRatio)
	}
	return nil
}

// LoadProfile describes the synthetic load driven against each track.
// Requests bounds the run per track; when zero, Duration bounds it instead.
type LoadProfile struct {
	Concurrency     int           `json:"concurrency"`
	Requests        int           `json:"requests"`
	Duration        time.Duration `json:"duration"`
	Payload         string        `json:"payload"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	AllowNoBaseline bool          `json:"allow_no_baseline"`
}

func (p LoadProfile) Validate() error {
	if p.Concurrency <= 0 {
		return Errorf(KindConfiguration, "", "load profile", "concurrency must be positive, got %d", p.Concurrency)
	}
	if p.Requests <= 0 && p.Duration <= 0 {
		return Errorf(KindConfiguration, "", "load profile", "either requests or duration must be set")
	}
	if p.Requests < 0 || p.Duration < 0 {
		return Errorf(KindConfiguration, "", "load profile", "requests and duration must not be negative")
	}
	return nil
}

// RolloutRequest is immutable once accepted.
type RolloutRequest struct {
	Service        string       `json:"service"`
	Artifact       ArtifactSpec `json:"artifact"`
	SkipValidation bool         `json:"skip_validation"`
	AutoSwitch     bool         `json:"auto_switch"`
	Thresholds     Thresholds   `json:"thresholds"`
	LoadProfile    LoadProfile  `json:"load_profile"`
}

func (r RolloutRequest) Validate() error {
	if r.Service == "" {
		return Errorf(KindConfiguration, "", "rollout request", "service is required")
	}
	a := r.Artifact
	if a.ArtifactID == "" {
		if a.SourceModelID == "" || a.Method == "" {
			return Errorf(KindConfiguration, "", "rollout request", "artifact needs either artifact_id or source_model_id and method")
		}
		if a.BitWidth < 0 {
			return Errorf(KindConfiguration, "", "rollout request", "bit_width %d must not be negative", a.BitWidth)
		}
	}
	if err := r.Thresholds.Validate(); err != nil {
		return err
	}
	return r.LoadProfile.Validate()
}

// TrackBinding records which slot and endpoint a track was bound to.
type TrackBinding struct {
	Track      Track  `json:"track"`
	Slot       Slot   `json:"slot"`
	Endpoint   string `json:"endpoint,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

type ValidationResult struct {
	Ready     bool   `json:"ready"`
	Skipped   bool   `json:"skipped"`
	Probes    int    `json:"probes"`
	Successes int    `json:"successes"`
	Reason    string `json:"reason,omitempty"`
}

// BenchmarkSample is one load request observation.
type BenchmarkSample struct {
	Timestamp time.Time `json:"timestamp"`
	Track     Track     `json:"track"`
	LatencyMs float64   `json:"latency_ms"`
	Success   bool      `json:"success"`
	Status    int       `json:"status,omitempty"`
}

// TrackStats is the reduction of one track's samples.
type TrackStats struct {
	Samples       int     `json:"samples"`
	Failures      int     `json:"failures"`
	P50           float64 `json:"p50"`
	P95           float64 `json:"p95"`
	P99           float64 `json:"p99"`
	ErrorRate     float64 `json:"error_rate"`
	ThroughputRPS float64 `json:"throughput_rps"`
}

func (s TrackStats) String() string {
	return fmt.Sprintf("p50=%.1fms p95=%.1fms p99=%.1fms err=%.4f rps=%.2f (%d samples)",
		s.P50, s.P95, s.P99, s.ErrorRate, s.ThroughputRPS, s.Samples)
}

type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

type BenchmarkResult struct {
	Stable     *TrackStats `json:"stable,omitempty"`
	Candidate  TrackStats  `json:"candidate"`
	Verdict    Verdict     `json:"verdict"`
	Reasons    []string    `json:"reasons,omitempty"`
	NoBaseline bool        `json:"no_baseline,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
