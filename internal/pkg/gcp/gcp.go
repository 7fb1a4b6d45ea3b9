package GCP

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	"cloud.google.com/go/iam/apiv1/iampb"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

type GCP struct {
	servicesClient *run.ServicesClient
	projectID      string
	Location       string // NOTE Location is for the services, not the GCP client
}

// Service is the desired state of a Cloud Run service.
type Service struct {
	Name         string
	Image        string
	Port         int
	Env          map[string]string
	Labels       map[string]string
	MinInstances int
	MaxInstances int
	Timeout      time.Duration
	Public       bool // grant allUsers the invoker role
}

// ServiceStatus is the observed state of a Cloud Run service.
type ServiceStatus struct {
	Name        string
	URI         string
	Ready       bool
	Failed      bool
	Reconciling bool
	Message     string
	Labels      map[string]string
	Env         map[string]string
}

func NewGCP(ctx context.Context, projectID, location string, credsPath string) (*GCP, error) {
	log.Infof("Initializing GCP client for project: %s", projectID)
	opts := []option.ClientOption{option.WithEndpoint("run.googleapis.com:443")}
	if credsPath != "" {
		log.Infof("Using credentials from: %s", credsPath)
		if _, err := os.Stat(credsPath); err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}
	client, err := run.NewServicesClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCP{servicesClient: client, projectID: projectID, Location: location}, nil
}

func (g *GCP) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", g.projectID, g.Location)
}

func (g *GCP) serviceName(name string) string {
	return fmt.Sprintf("%s/services/%s", g.parent(), name)
}

// ApplyService creates the service or updates it in place and waits for the
// new revision. It returns the service URI.
func (g *GCP) ApplyService(ctx context.Context, s *Service) (string, error) {
	log.Infof("Applying %s service in %s", s.Name, g.Location)

	env := make([]*runpb.EnvVar, 0, len(s.Env))
	for _, k := range sortedKeys(s.Env) {
		env = append(env, &runpb.EnvVar{Name: k, Values: &runpb.EnvVar_Value{Value: s.Env[k]}})
	}
	template := &runpb.RevisionTemplate{
		Labels: s.Labels,
		Scaling: &runpb.RevisionScaling{
			MinInstanceCount: int32(s.MinInstances),
			MaxInstanceCount: int32(s.MaxInstances),
		},
		Containers: []*runpb.Container{{
			Image: s.Image,
			Env:   env,
			Ports: []*runpb.ContainerPort{{ContainerPort: int32(s.Port)}},
		}},
	}
	if s.Timeout > 0 {
		template.Timeout = durationpb.New(s.Timeout)
	}

	req := &runpb.UpdateServiceRequest{
		Service: &runpb.Service{
			Name:     g.serviceName(s.Name),
			Labels:   s.Labels,
			Ingress:  runpb.IngressTraffic_INGRESS_TRAFFIC_ALL, // still needs authentication to access
			Template: template,
		},
		AllowMissing: true, // create if it does not exist yet
	}

	log.Debugf("Sending UpdateService request for service: %s", s.Name)
	op, err := g.servicesClient.UpdateService(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed calling UpdateService: %w", err)
	}
	svc, err := op.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for service update: %w", err)
	}

	if s.Public {
		if err := g.setCloudRunIamPolicy(ctx, svc.Name); err != nil {
			return "", fmt.Errorf("failed to set IAM policy: %w", err)
		}
	}
	log.Infof("Service %s applied successfully: %v", s.Name, svc.Uri)
	return svc.Uri, nil
}

func (g *GCP) GetService(ctx context.Context, name string) (*ServiceStatus, error) {
	svc, err := g.servicesClient.GetService(ctx, &runpb.GetServiceRequest{Name: g.serviceName(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to get service details: %w", err)
	}
	st := &ServiceStatus{
		Name:        name,
		URI:         svc.GetUri(),
		Reconciling: svc.GetReconciling(),
		Labels:      svc.GetLabels(),
		Env:         map[string]string{},
	}
	if cond := svc.GetTerminalCondition(); cond != nil {
		st.Ready = cond.GetState() == runpb.Condition_CONDITION_SUCCEEDED
		st.Failed = cond.GetState() == runpb.Condition_CONDITION_FAILED
		st.Message = cond.GetMessage()
	}
	if containers := svc.GetTemplate().GetContainers(); len(containers) > 0 {
		for _, e := range containers[0].GetEnv() {
			st.Env[e.GetName()] = e.GetValue()
		}
	}
	log.Debugf("Service '%s' details retrieved successfully: ready=%v reconciling=%v", name, st.Ready, st.Reconciling)
	return st, nil
}

func (g *GCP) DeleteService(ctx context.Context, name string) error {
	log.Infof("Deleting service: %s in location: %s", name, g.Location)
	op, err := g.servicesClient.DeleteService(ctx, &runpb.DeleteServiceRequest{Name: g.serviceName(name)})
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if _, err = op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for service deletion: %w", err)
	}
	log.Infof("Service %s deleted successfully", name)
	return nil
}

func (g *GCP) Close() error {
	log.Info("Closing GCP client...")
	if err := g.servicesClient.Close(); err != nil {
		return fmt.Errorf("failed to close GCP client: %w", err)
	}
	log.Info("GCP client closed successfully")
	return nil
}

// --- Private helper functions ---

// setCloudRunIamPolicy makes the service publicly invocable so probes and
// load can reach it. An existing binding is left untouched.
func (g *GCP) setCloudRunIamPolicy(ctx context.Context, serviceName string) error {
	log.Infof("Setting IAM policy to allUsers for Cloud Run service: %s", serviceName)
	policy, err := g.servicesClient.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: serviceName})
	if err != nil {
		return fmt.Errorf("failed to get IAM policy: %w", err)
	}
	for _, b := range policy.Bindings {
		if b.Role != "roles/run.invoker" {
			continue
		}
		for _, m := range b.Members {
			if m == "allUsers" {
				return nil
			}
		}
	}

	policy.Bindings = append(policy.Bindings, &iampb.Binding{
		Role:    "roles/run.invoker",
		Members: []string{"allUsers"},
	})
	if _, err = g.servicesClient.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{Resource: serviceName, Policy: policy}); err != nil {
		return fmt.Errorf("failed to set IAM policy: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
