package strategy

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"model-rollout-core/internal/app/domain"
)

// RolloutPlan nested struct to hold the parsed YAML plan. Zero values fall
// back to the defaults given to Request.
type RolloutPlan struct {
	Name           string              `yaml:"name"`
	Service        string              `yaml:"service"`
	Artifact       domain.ArtifactSpec `yaml:"artifact"`
	SkipValidation bool                `yaml:"skip_validation"`
	AutoSwitch     bool                `yaml:"auto_switch"`
	Thresholds     *Thresholds         `yaml:"thresholds,omitempty"`
	Load           *Load               `yaml:"load,omitempty"`
}

type Thresholds struct {
	ErrorRate         *float64 `yaml:"errorRate,omitempty"`
	LatencyRegression *float64 `yaml:"latencyRegressionFactor,omitempty"`
	MinThroughput     *float64 `yaml:"minThroughputRatio,omitempty"`
}

type Load struct {
	Concurrency     int            `yaml:"concurrency,omitempty"`
	Requests        int            `yaml:"requests,omitempty"`
	Duration        model.Duration `yaml:"duration,omitempty"`
	Payload         string         `yaml:"payload,omitempty"`
	RequestTimeout  model.Duration `yaml:"requestTimeout,omitempty"`
	AllowNoBaseline *bool          `yaml:"allowNoBaseline,omitempty"`
}

// NewPlan reads and parses a plan file
func NewPlan(filePath string) (*RolloutPlan, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading plan file: %w", err)
	}
	return ParsePlan(data)
}

func ParsePlan(data []byte) (*RolloutPlan, error) {
	var plan RolloutPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, domain.Errorf(domain.KindConfiguration, "", "plan", "error unmarshalling YAML data: %v", err)
	}

	if errV := plan.validateArtifact(); errV != nil {
		return nil, errV
	}
	if errV2 := plan.validateThresholds(); errV2 != nil {
		return nil, errV2
	}
	if errV3 := plan.validateLoad(); errV3 != nil {
		return nil, errV3
	}
	log.Debugf("parsed rollout plan '%s' for service '%s'", plan.Name, plan.Service)
	return &plan, nil
}

// Request merges the plan over the configured defaults and returns the
// validated rollout request.
func (p *RolloutPlan) Request(defaultService string, thresholds domain.Thresholds, load domain.LoadProfile) (domain.RolloutRequest, error) {
	req := domain.RolloutRequest{
		Service:        p.Service,
		Artifact:       p.Artifact,
		SkipValidation: p.SkipValidation,
		AutoSwitch:     p.AutoSwitch,
		Thresholds:     thresholds,
		LoadProfile:    load,
	}
	if req.Service == "" {
		req.Service = defaultService
	}
	if t := p.Thresholds; t != nil {
		if t.ErrorRate != nil {
			req.Thresholds.ErrorRateThreshold = *t.ErrorRate
		}
		if t.LatencyRegression != nil {
			req.Thresholds.LatencyRegressionFactor = *t.LatencyRegression
		}
		if t.MinThroughput != nil {
			req.Thresholds.MinThroughputRatio = *t.MinThroughput
		}
	}
	if l := p.Load; l != nil {
		if l.Concurrency > 0 {
			req.LoadProfile.Concurrency = l.Concurrency
		}
		// requests and duration are alternatives; the plan's choice wins
		if l.Requests > 0 || l.Duration > 0 {
			req.LoadProfile.Requests = l.Requests
			req.LoadProfile.Duration = time.Duration(l.Duration)
		}
		if l.Payload != "" {
			req.LoadProfile.Payload = l.Payload
		}
		if l.RequestTimeout > 0 {
			req.LoadProfile.RequestTimeout = time.Duration(l.RequestTimeout)
		}
		if l.AllowNoBaseline != nil {
			req.LoadProfile.AllowNoBaseline = *l.AllowNoBaseline
		}
	}
	if err := req.Validate(); err != nil {
		return domain.RolloutRequest{}, err
	}
	return req, nil
}

// --- Validations ---
func (p *RolloutPlan) validateArtifact() error {
	a := p.Artifact
	if a.ArtifactID != "" {
		if a.SourceModelID != "" || a.Method != "" {
			return planErr("plan '%s' names artifact_id '%s' together with production parameters, expected one of them", p.Name, a.ArtifactID)
		}
		return nil
	}
	if a.SourceModelID == "" {
		return planErr("plan '%s' has no artifact: set artifact_id or source_model_id", p.Name)
	}
	allowedMethods := map[string]bool{
		"none": true,
		"bnb":  true,
		"gptq": true,
		"awq":  true,
		"fp8":  true,
		"gguf": true,
	}
	if !allowedMethods[a.Method] {
		return planErr("invalid quantization method '%s' in plan '%s', allowed values are 'none', 'bnb', 'gptq', 'awq', 'fp8', 'gguf'", a.Method, p.Name)
	}
	if a.Method == "none" && a.BitWidth != 0 {
		return planErr("plan '%s' sets bit_width %d for method 'none'", p.Name, a.BitWidth)
	}
	if a.Method != "none" {
		switch a.BitWidth {
		case 2, 3, 4, 8, 16:
		default:
			return planErr("invalid bit_width %d in plan '%s', allowed values are 2, 3, 4, 8, 16", a.BitWidth, p.Name)
		}
	}
	return nil
}
func (p *RolloutPlan) validateThresholds() error {
	t := p.Thresholds
	if t == nil {
		return nil
	}
	if t.ErrorRate != nil && (*t.ErrorRate < 0 || *t.ErrorRate > 1) {
		return planErr("errorRate %v in plan '%s' must be within [0,1]", *t.ErrorRate, p.Name)
	}
	if t.LatencyRegression != nil && *t.LatencyRegression <= 0 {
		return planErr("latencyRegressionFactor %v in plan '%s' must be positive", *t.LatencyRegression, p.Name)
	}
	if t.MinThroughput != nil && *t.MinThroughput < 0 {
		return planErr("minThroughputRatio %v in plan '%s' must not be negative", *t.MinThroughput, p.Name)
	}
	return nil
}
func (p *RolloutPlan) validateLoad() error {
	l := p.Load
	if l == nil {
		return nil
	}
	if l.Concurrency < 0 || l.Requests < 0 || l.Duration < 0 {
		return planErr("load of plan '%s' has negative values", p.Name)
	}
	if l.Requests > 0 && l.Duration > 0 {
		return planErr("load of plan '%s' sets both requests and duration, expected one of them", p.Name)
	}
	return nil
}

func planErr(format string, args ...any) error {
	return domain.Errorf(domain.KindConfiguration, "", "plan", format, args...)
}
