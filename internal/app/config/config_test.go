package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"model-rollout-core/internal/app/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
service: chat
cluster:
  image: ghcr.io/acme/vllm:latest
rollout:
  deployTimeout: 2m
  candidateRetention: 0s
thresholds:
  errorRateThreshold: 0.01
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Cluster.Type != "kubernetes" {
		t.Errorf("Cluster.Type = %q, want kubernetes", cfg.Cluster.Type)
	}
	if got := time.Duration(cfg.Rollout.DeployTimeout); got != 2*time.Minute {
		t.Errorf("DeployTimeout = %v, want 2m", got)
	}
	if got := time.Duration(cfg.Rollout.ArtifactTimeout); got != 30*time.Minute {
		t.Errorf("ArtifactTimeout = %v, want default 30m", got)
	}
	if cfg.Rollout.CandidateRetention != 0 {
		t.Errorf("CandidateRetention = %v, want 0", cfg.Rollout.CandidateRetention)
	}
	if cfg.Thresholds.LatencyRegressionFactor != 1.2 || cfg.Thresholds.MinThroughputRatio != 0.8 {
		t.Errorf("Thresholds defaults = %+v", cfg.Thresholds)
	}
	if cfg.Health.MinSuccessRatio != 1 {
		t.Errorf("Health.MinSuccessRatio = %v, want 1", cfg.Health.MinSuccessRatio)
	}
	lp := cfg.LoadProfile()
	if lp.Requests != 200 || lp.Concurrency != 4 {
		t.Errorf("LoadProfile = %+v", lp)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown cluster", "cluster:\n  type: nomad\n  image: x\n"},
		{"missing image", "cluster:\n  type: kubernetes\n"},
		{"cloudrun without project", "cluster:\n  type: cloudrun\n  image: x\n  routerImage: r\n"},
		{"bad threshold", "cluster:\n  image: x\nthresholds:\n  errorRateThreshold: 1.5\n"},
		{"bad ratio", "cluster:\n  image: x\nhealth:\n  minSuccessRatio: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if domain.KindOf(err) != domain.KindConfiguration {
				t.Errorf("LoadConfig: got %v, want ConfigurationError", err)
			}
		})
	}
}

func TestLoadConfig_MalformedDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "cluster:\n  image: x\nrollout:\n  deployTimeout: soon\n"))
	if err == nil {
		t.Fatal("LoadConfig accepted a malformed duration")
	}
}
