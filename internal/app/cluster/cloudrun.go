package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"model-rollout-core/internal/app/domain"
	GCP "model-rollout-core/internal/pkg/gcp"
)

const (
	crLabelSlot     = "model-rollout-slot"
	crLabelReplicas = "model-rollout-replicas"
	crLabelArtifact = "model-rollout-artifact"
	crEnvUpstream   = "UPSTREAM"
)

// CloudRunAPI is the subset of the Cloud Run client the backend needs.
type CloudRunAPI interface {
	ApplyService(ctx context.Context, s *GCP.Service) (string, error)
	GetService(ctx context.Context, name string) (*GCP.ServiceStatus, error)
	DeleteService(ctx context.Context, name string) error
	Close() error
}

type CloudRunConfig struct {
	Image       string
	RouterImage string
	Port        int
	Timeout     time.Duration
}

// CloudRun runs every slot as its own Cloud Run service (<service>-<slot>)
// and fronts them with a router service (<service>) whose UPSTREAM points
// at the recipient slot. Changing UPSTREAM rolls a new router revision,
// which Cloud Run only receives traffic on once it is ready.
type CloudRun struct {
	api CloudRunAPI
	cfg CloudRunConfig
}

func NewCloudRun(api CloudRunAPI, cfg CloudRunConfig) *CloudRun {
	return &CloudRun{api: api, cfg: cfg}
}

func (c *CloudRun) CreateOrUpdate(ctx context.Context, spec TrackSpec) (string, error) {
	uri, err := c.api.ApplyService(ctx, c.slotService(spec.Handle, spec.Artifact, spec.Replicas))
	if err != nil {
		return "", classifyGRPC("apply "+spec.String(), err)
	}
	return uri, nil
}

func (c *CloudRun) slotService(h Handle, artifact domain.ModelArtifact, replicas int) *GCP.Service {
	return &GCP.Service{
		Name:  h.String(),
		Image: c.cfg.Image,
		Port:  c.cfg.Port,
		Env: map[string]string{
			"MODEL_URI": artifact.StorageURI,
			"MODEL_ID":  artifact.ID,
		},
		Labels: map[string]string{
			crLabelSlot:     string(h.Slot),
			crLabelReplicas: strconv.Itoa(replicas),
			crLabelArtifact: artifact.ID,
		},
		MinInstances: replicas,
		MaxInstances: max(replicas, 1),
		Timeout:      c.cfg.Timeout,
		Public:       true,
	}
}

// Scale re-applies the slot with new instance bounds. A slot scaled to zero
// keeps a maximum of one instance but no router points at it.
func (c *CloudRun) Scale(ctx context.Context, h Handle, replicas int) error {
	st, err := c.api.GetService(ctx, h.String())
	if err != nil {
		return classifyGRPC("get "+h.String(), err)
	}
	if st.Labels[crLabelReplicas] == strconv.Itoa(replicas) {
		return nil
	}
	artifact := domain.ModelArtifact{ID: st.Labels[crLabelArtifact], StorageURI: st.Env["MODEL_URI"]}
	if _, err := c.api.ApplyService(ctx, c.slotService(h, artifact, replicas)); err != nil {
		return classifyGRPC("scale "+h.String(), err)
	}
	return nil
}

func (c *CloudRun) Status(ctx context.Context, h Handle) (Status, error) {
	st, err := c.api.GetService(ctx, h.String())
	if err != nil {
		return Status{}, classifyGRPC("get "+h.String(), err)
	}
	desired, _ := strconv.Atoi(st.Labels[crLabelReplicas])
	out := Status{Desired: desired, Endpoint: st.URI, ArtifactID: st.Labels[crLabelArtifact], Message: st.Message}
	if st.Ready && !st.Reconciling {
		out.Ready = desired
	}
	if st.Failed {
		msg := strings.ToLower(st.Message)
		switch {
		case strings.Contains(msg, "quota"):
			out.Failure = domain.ReasonQuotaExceeded
		case strings.Contains(msg, "image"):
			out.Failure = domain.ReasonImagePull
		}
	}
	return out, nil
}

func (c *CloudRun) RouteTraffic(ctx context.Context, service string, slot domain.Slot) error {
	h := Handle{Service: service, Slot: slot}
	target, err := c.api.GetService(ctx, h.String())
	if err != nil {
		return classifyGRPC("get "+h.String(), err)
	}
	router := &GCP.Service{
		Name:         service,
		Image:        c.cfg.RouterImage,
		Port:         c.cfg.Port,
		Env:          map[string]string{crEnvUpstream: target.URI},
		Labels:       map[string]string{crLabelSlot: string(slot)},
		MinInstances: 1,
		MaxInstances: 10,
		Timeout:      c.cfg.Timeout,
		Public:       true,
	}
	log.Infof("Pointing router %s at %s", service, target.URI)
	if _, err := c.api.ApplyService(ctx, router); err != nil {
		return classifyGRPC("route "+service, err)
	}
	return nil
}

func (c *CloudRun) Recipient(ctx context.Context, service string) (domain.Slot, bool, error) {
	st, err := c.api.GetService(ctx, service)
	if err != nil {
		err = classifyGRPC("get "+service, err)
		if errors.Is(err, domain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	slot := domain.Slot(st.Labels[crLabelSlot])
	if !slot.Valid() {
		return "", false, domain.Errorf(domain.KindConfiguration, "", "recipient "+service, "router %s has no slot label", service)
	}
	return slot, true, nil
}

func (c *CloudRun) Delete(ctx context.Context, h Handle) error {
	err := c.api.DeleteService(ctx, h.String())
	if err != nil {
		if err = classifyGRPC("delete "+h.String(), err); errors.Is(err, domain.ErrNotFound) {
			return nil
		}
	}
	return err
}

func (c *CloudRun) Close() error {
	return c.api.Close()
}

func classifyGRPC(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %v", op, domain.ErrNotFound, err)
	case codes.ResourceExhausted:
		return domain.NewError(domain.KindResourceExhaustion, domain.ReasonQuotaExceeded, op, err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition, codes.Unauthenticated:
		return domain.NewError(domain.KindConfiguration, "", op, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return domain.NewError(domain.KindTransientInfra, "", op, err)
	}
	return domain.NewError(domain.KindUnknown, "", op, err)
}
