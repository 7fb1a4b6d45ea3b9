package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
	"model-rollout-core/internal/app/domain"
)

const (
	LabelService       = "app.kubernetes.io/name"
	LabelManagedBy     = "app.kubernetes.io/managed-by"
	LabelSlot          = "model-rollout.io/slot"
	AnnotationArtifact = "model-rollout.io/artifact"
	AnnotationTrack    = "model-rollout.io/track"
	managerName        = "model-rollout-core"
	containerName      = "server"
)

// KubernetesConfig describes how slots are rendered into Deployments.
type KubernetesConfig struct {
	Namespace  string
	Image      string
	Port       int
	HealthPath string
}

// Kubernetes keeps one Deployment and one Service per slot (<service>-<slot>)
// and a live Service (<service>) whose selector picks the traffic
// recipient. Switching the selector is a single object update, so traffic
// never fans out to both slots.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
}

func NewKubernetes(client kubernetes.Interface, cfg KubernetesConfig) *Kubernetes {
	return &Kubernetes{client: client, cfg: cfg}
}

// NewKubernetesFromKubeconfig builds the client from a kubeconfig file, or
// from the in-cluster environment when the path is empty.
func NewKubernetesFromKubeconfig(path string, cfg KubernetesConfig) (*Kubernetes, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	loadingRules.ExplicitPath = path
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	log.Infof("Using Kubernetes cluster %s, namespace %s", restCfg.Host, cfg.Namespace)
	return NewKubernetes(client, cfg), nil
}

func (k *Kubernetes) slotLabels(h Handle) map[string]string {
	return map[string]string{LabelService: h.Service, LabelSlot: string(h.Slot)}
}

func (k *Kubernetes) endpoint(h Handle) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", h, k.cfg.Namespace, k.cfg.Port)
}

func (k *Kubernetes) CreateOrUpdate(ctx context.Context, spec TrackSpec) (string, error) {
	deployments := k.client.AppsV1().Deployments(k.cfg.Namespace)
	desired := k.deployment(spec)

	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		log.Infof("Creating deployment %s", desired.Name)
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return "", classify("create deployment "+desired.Name, err)
		}
	case err != nil:
		return "", classify("get deployment "+desired.Name, err)
	default:
		log.Infof("Updating deployment %s", desired.Name)
		existing.Labels = desired.Labels
		existing.Annotations = desired.Annotations
		existing.Spec.Replicas = desired.Spec.Replicas
		existing.Spec.Template = desired.Spec.Template
		if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return "", classify("update deployment "+desired.Name, err)
		}
	}

	if err := k.ensureService(ctx, spec.String(), k.slotLabels(spec.Handle)); err != nil {
		return "", err
	}
	return k.endpoint(spec.Handle), nil
}

func (k *Kubernetes) deployment(spec TrackSpec) *appsv1.Deployment {
	lbls := k.slotLabels(spec.Handle)
	lbls[LabelManagedBy] = managerName
	annotations := map[string]string{
		AnnotationArtifact: spec.Artifact.ID,
		AnnotationTrack:    string(spec.Track),
	}
	container := corev1.Container{
		Name:  containerName,
		Image: k.cfg.Image,
		Env: []corev1.EnvVar{
			{Name: "MODEL_URI", Value: spec.Artifact.StorageURI},
			{Name: "MODEL_ID", Value: spec.Artifact.ID},
			{Name: "PORT", Value: fmt.Sprint(k.cfg.Port)},
		},
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(k.cfg.Port)}},
	}
	if k.cfg.HealthPath != "" {
		container.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: k.cfg.HealthPath, Port: intstr.FromString("http")},
			},
			PeriodSeconds: 5,
		}
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.String(),
			Namespace:   k.cfg.Namespace,
			Labels:      lbls,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(spec.Replicas)),
			Selector: &metav1.LabelSelector{MatchLabels: k.slotLabels(spec.Handle)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: k.slotLabels(spec.Handle), Annotations: annotations},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}
}

// ensureService creates or updates a Service selecting the given labels.
func (k *Kubernetes) ensureService(ctx context.Context, name string, selector map[string]string) error {
	services := k.client.CoreV1().Services(k.cfg.Namespace)
	existing, err := services.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: k.cfg.Namespace,
				Labels:    map[string]string{LabelService: selector[LabelService], LabelManagedBy: managerName},
			},
			Spec: corev1.ServiceSpec{
				Selector: selector,
				Ports:    []corev1.ServicePort{{Name: "http", Port: int32(k.cfg.Port), TargetPort: intstr.FromString("http")}},
			},
		}
		if _, err := services.Create(ctx, svc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return classify("create service "+name, err)
		}
		return nil
	}
	if err != nil {
		return classify("get service "+name, err)
	}
	if labels.Equals(existing.Spec.Selector, selector) {
		return nil
	}
	existing.Spec.Selector = selector
	if _, err := services.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return classify("update service "+name, err)
	}
	return nil
}

func (k *Kubernetes) Scale(ctx context.Context, h Handle, replicas int) error {
	deployments := k.client.AppsV1().Deployments(k.cfg.Namespace)
	d, err := deployments.Get(ctx, h.String(), metav1.GetOptions{})
	if err != nil {
		return classify("get deployment "+h.String(), err)
	}
	if d.Spec.Replicas != nil && int(*d.Spec.Replicas) == replicas {
		return nil
	}
	d.Spec.Replicas = ptr.To(int32(replicas))
	if _, err := deployments.Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return classify("scale deployment "+h.String(), err)
	}
	return nil
}

func (k *Kubernetes) Status(ctx context.Context, h Handle) (Status, error) {
	d, err := k.client.AppsV1().Deployments(k.cfg.Namespace).Get(ctx, h.String(), metav1.GetOptions{})
	if err != nil {
		return Status{}, classify("get deployment "+h.String(), err)
	}
	st := Status{
		Desired:    int(ptr.Deref(d.Spec.Replicas, 1)),
		Ready:      int(d.Status.ReadyReplicas),
		Endpoint:   k.endpoint(h),
		ArtifactID: d.Annotations[AnnotationArtifact],
	}
	if d.Generation > 0 && d.Status.ObservedGeneration < d.Generation {
		// the controller has not seen the latest spec yet
		st.Ready = 0
	}
	for _, c := range d.Status.Conditions {
		switch {
		case c.Type == appsv1.DeploymentReplicaFailure && c.Status == corev1.ConditionTrue:
			if strings.Contains(c.Message, "exceeded quota") {
				st.Failure, st.Message = domain.ReasonQuotaExceeded, c.Message
			}
		case c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded":
			st.Failure, st.Message = domain.ReasonTimeout, c.Message
		}
	}
	if st.Failure == "" && st.Ready < st.Desired {
		if reason, msg := k.imagePullFailure(ctx, h); reason != "" {
			st.Failure, st.Message = reason, msg
		}
	}
	return st, nil
}

func (k *Kubernetes) imagePullFailure(ctx context.Context, h Handle) (domain.Reason, string) {
	pods, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(k.slotLabels(h)).String(),
	})
	if err != nil {
		log.Debugf("failed to list pods of %s: %v", h, err)
		return "", ""
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if w := cs.State.Waiting; w != nil {
				switch w.Reason {
				case "ErrImagePull", "ImagePullBackOff", "InvalidImageName":
					return domain.ReasonImagePull, fmt.Sprintf("pod %s: %s: %s", pod.Name, w.Reason, w.Message)
				}
			}
		}
	}
	return "", ""
}

func (k *Kubernetes) RouteTraffic(ctx context.Context, service string, slot domain.Slot) error {
	return k.ensureService(ctx, service, k.slotLabels(Handle{Service: service, Slot: slot}))
}

func (k *Kubernetes) Recipient(ctx context.Context, service string) (domain.Slot, bool, error) {
	svc, err := k.client.CoreV1().Services(k.cfg.Namespace).Get(ctx, service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get service "+service, err)
	}
	slot := domain.Slot(svc.Spec.Selector[LabelSlot])
	if !slot.Valid() {
		return "", false, domain.Errorf(domain.KindConfiguration, "", "recipient "+service,
			"service %s does not select a slot (selector %v)", service, svc.Spec.Selector)
	}
	return slot, true, nil
}

func (k *Kubernetes) Delete(ctx context.Context, h Handle) error {
	err := k.client.AppsV1().Deployments(k.cfg.Namespace).Delete(ctx, h.String(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete deployment "+h.String(), err)
	}
	err = k.client.CoreV1().Services(k.cfg.Namespace).Delete(ctx, h.String(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete service "+h.String(), err)
	}
	return nil
}

func (k *Kubernetes) Close() error { return nil }

// classify maps API errors onto the error taxonomy.
func classify(op string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return domain.NewError(domain.KindResourceExhaustion, domain.ReasonQuotaExceeded, op, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return domain.NewError(domain.KindConfiguration, "", op, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err), apierrors.IsConflict(err):
		return domain.NewError(domain.KindTransientInfra, "", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return domain.NewError(domain.KindTransientInfra, "", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.NewError(domain.KindUnknown, "", op, err)
}
