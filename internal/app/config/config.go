package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"model-rollout-core/internal/app/domain"
)

type Config struct {
	Service  string `yaml:"service"`
	LogLevel string `yaml:"logLevel"`
	Cluster  struct {
		Type            string `yaml:"type"`
		Kubeconfig      string `yaml:"kubeconfig,omitempty"`
		Namespace       string `yaml:"namespace,omitempty"`
		Image           string `yaml:"image"`
		Port            int    `yaml:"port,omitempty"`
		RouterImage     string `yaml:"routerImage,omitempty"`
		ProjectID       string `yaml:"projectID,omitempty"`
		Location        string `yaml:"location,omitempty"`
		CredentialsPath string `yaml:"credentialsPath,omitempty"`
	} `yaml:"cluster"`
	Artifacts struct {
		Root            string   `yaml:"root"`
		Bucket          string   `yaml:"bucket,omitempty"`
		Prefix          string   `yaml:"prefix,omitempty"`
		WorkDir         string   `yaml:"workDir,omitempty"`
		HubURL          string   `yaml:"hubURL,omitempty"`
		HubToken        string   `yaml:"hubToken,omitempty"`
		Files           []string `yaml:"files,omitempty"`
		QuantizeCommand []string `yaml:"quantizeCommand,omitempty"`
	} `yaml:"artifacts"`
	Rollout struct {
		Replicas           int            `yaml:"replicas"`
		ArtifactTimeout    model.Duration `yaml:"artifactTimeout"`
		ArtifactAttempts   int            `yaml:"artifactAttempts"`
		RetryBackoff       model.Duration `yaml:"retryBackoff"`
		DeployTimeout      model.Duration `yaml:"deployTimeout"`
		BenchmarkTimeout   model.Duration `yaml:"benchmarkTimeout"`
		ConfirmTimeout     model.Duration `yaml:"confirmTimeout,omitempty"`
		ClusterCallTimeout model.Duration `yaml:"clusterCallTimeout"`
		ScaleDownStable    bool           `yaml:"scaleDownStable"`
		CandidateRetention model.Duration `yaml:"candidateRetention"`
		SweepInterval      model.Duration `yaml:"sweepInterval"`
		AllowNoBaseline    bool           `yaml:"allowNoBaseline"`
		Synchronous        bool           `yaml:"synchronous"`
	} `yaml:"rollout"`
	Health struct {
		Path            string         `yaml:"path"`
		Probes          int            `yaml:"probes"`
		Interval        model.Duration `yaml:"interval"`
		Timeout         model.Duration `yaml:"timeout"`
		MinSuccessRatio float64        `yaml:"minSuccessRatio"`
	} `yaml:"health"`
	Benchmark struct {
		Path           string         `yaml:"path"`
		Concurrency    int            `yaml:"concurrency"`
		Requests       int            `yaml:"requests,omitempty"`
		Duration       model.Duration `yaml:"duration,omitempty"`
		Payload        string         `yaml:"payload"`
		RequestTimeout model.Duration `yaml:"requestTimeout"`
	} `yaml:"benchmark"`
	Thresholds domain.Thresholds `yaml:"thresholds"`
	Store      struct {
		DSN string `yaml:"dsn"`
	} `yaml:"store"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Metrics struct {
		PushgatewayURL string `yaml:"pushgatewayURL,omitempty"`
		Job            string `yaml:"job,omitempty"`
	} `yaml:"metrics"`
	Notify struct {
		PubSubTopic string `yaml:"pubsubTopic,omitempty"`
		WebhookURL  string `yaml:"webhookURL,omitempty"`
	} `yaml:"notify"`
}

func LoadConfig(path string) (*Config, error) {
	log.Infof("Loading config from %s", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults fills every unset value.
func (cfg *Config) ApplyDefaults() {
	setString(&cfg.LogLevel, "info")
	setString(&cfg.Cluster.Type, "kubernetes")
	setString(&cfg.Cluster.Namespace, "default")
	setInt(&cfg.Cluster.Port, 8000)
	setString(&cfg.Artifacts.Root, "artifacts")

	setInt(&cfg.Rollout.Replicas, 1)
	setDuration(&cfg.Rollout.ArtifactTimeout, 30*time.Minute)
	setInt(&cfg.Rollout.ArtifactAttempts, 3)
	setDuration(&cfg.Rollout.RetryBackoff, 5*time.Second)
	setDuration(&cfg.Rollout.DeployTimeout, 10*time.Minute)
	setDuration(&cfg.Rollout.BenchmarkTimeout, 15*time.Minute)
	setDuration(&cfg.Rollout.ClusterCallTimeout, time.Minute)
	setDuration(&cfg.Rollout.SweepInterval, time.Minute)
	// candidateRetention and confirmTimeout keep 0 as a meaningful value

	setString(&cfg.Health.Path, "/health")
	setInt(&cfg.Health.Probes, 5)
	setDuration(&cfg.Health.Interval, 2*time.Second)
	setDuration(&cfg.Health.Timeout, 30*time.Second)
	if cfg.Health.MinSuccessRatio == 0 {
		cfg.Health.MinSuccessRatio = 1
	}

	setString(&cfg.Benchmark.Path, "/v1/completions")
	setInt(&cfg.Benchmark.Concurrency, 4)
	if cfg.Benchmark.Requests == 0 && cfg.Benchmark.Duration == 0 {
		cfg.Benchmark.Requests = 200
	}
	setDuration(&cfg.Benchmark.RequestTimeout, 30*time.Second)

	if cfg.Thresholds.LatencyRegressionFactor == 0 {
		cfg.Thresholds.LatencyRegressionFactor = 1.2
	}
	if cfg.Thresholds.MinThroughputRatio == 0 {
		cfg.Thresholds.MinThroughputRatio = 0.8
	}

	setString(&cfg.Store.DSN, "rollouts.db")
	setString(&cfg.API.Listen, ":9999")
	setString(&cfg.Metrics.Job, "model-rollout")
}

// Validate rejects configurations the orchestrator cannot run with.
func (cfg *Config) Validate() error {
	switch cfg.Cluster.Type {
	case "kubernetes":
	case "cloudrun":
		if cfg.Cluster.ProjectID == "" || cfg.Cluster.Location == "" {
			return configErr("cloudrun cluster needs projectID and location")
		}
		if cfg.Cluster.RouterImage == "" {
			return configErr("cloudrun cluster needs a routerImage")
		}
	default:
		return configErr("unknown cluster type: %s", cfg.Cluster.Type)
	}
	if cfg.Cluster.Image == "" {
		return configErr("cluster.image is required")
	}
	if cfg.Rollout.Replicas <= 0 {
		return configErr("rollout.replicas must be positive, got %d", cfg.Rollout.Replicas)
	}
	if cfg.Rollout.ArtifactAttempts <= 0 {
		return configErr("rollout.artifactAttempts must be positive, got %d", cfg.Rollout.ArtifactAttempts)
	}
	if cfg.Health.Probes <= 0 {
		return configErr("health.probes must be positive, got %d", cfg.Health.Probes)
	}
	if cfg.Health.MinSuccessRatio < 0 || cfg.Health.MinSuccessRatio > 1 {
		return configErr("health.minSuccessRatio %v must be within [0,1]", cfg.Health.MinSuccessRatio)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return err
	}
	return cfg.LoadProfile().Validate()
}

// LoadProfile returns the configured benchmark load.
func (cfg *Config) LoadProfile() domain.LoadProfile {
	return domain.LoadProfile{
		Concurrency:     cfg.Benchmark.Concurrency,
		Requests:        cfg.Benchmark.Requests,
		Duration:        time.Duration(cfg.Benchmark.Duration),
		Payload:         cfg.Benchmark.Payload,
		RequestTimeout:  time.Duration(cfg.Benchmark.RequestTimeout),
		AllowNoBaseline: cfg.Rollout.AllowNoBaseline,
	}
}

// Set logger's level (from config) and format
func InitLogger(logLevel string) {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
	log.SetFormatter(&log.TextFormatter{TimestampFormat: "15:04:05.000", FullTimestamp: true})
}

func configErr(format string, args ...any) error {
	return domain.Errorf(domain.KindConfiguration, "", "config", format, args...)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *model.Duration, def time.Duration) {
	if *v == 0 {
		*v = model.Duration(def)
	}
}
