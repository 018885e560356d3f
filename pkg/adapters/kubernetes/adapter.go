// Package kubernetes provides the container-cluster backend. Every resource
// is a namespace labelled with the resource ID and capped by a ResourceQuota.
package kubernetes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// Labels and annotations written on managed namespaces.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelResource  = "broker.openfroyo.io/resource"
	LabelAttempt   = "broker.openfroyo.io/attempt"
	LabelAccount   = "broker.openfroyo.io/account"

	// QuotaName is the ResourceQuota created in every namespace.
	QuotaName = "broker-quota"

	managedBy = "brokerd"
)

// Config configures the adapter.
type Config struct {
	// Name is the backend key; defaults to "kubernetes".
	Name string `yaml:"name"`

	// Kubeconfig is the kubeconfig path. When empty the in-cluster config is
	// tried first, then ~/.kube/config.
	Kubeconfig string `yaml:"kubeconfig"`

	// Context selects a kubeconfig context.
	Context string `yaml:"context"`

	// NamespacePrefix prefixes generated namespace names; defaults to "broker-".
	NamespacePrefix string `yaml:"namespace_prefix"`

	// DefaultPods is the pod cap when an order does not ask for one.
	DefaultPods int `yaml:"default_pods" validate:"gte=0"`
}

// Adapter implements engine.Adapter on a Kubernetes cluster.
type Adapter struct {
	name        string
	clientset   kubernetes.Interface
	prefix      string
	defaultPods int
	now         func() time.Time
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates an adapter from kubeconfig or in-cluster configuration.
func New(cfg Config) (*Adapter, error) {
	restConfig, err := restConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewWithClientset(cfg, clientset), nil
}

// NewWithClientset creates an adapter over the given clientset (useful for testing).
func NewWithClientset(cfg Config, clientset kubernetes.Interface) *Adapter {
	a := &Adapter{
		name:        cfg.Name,
		clientset:   clientset,
		prefix:      cfg.NamespacePrefix,
		defaultPods: cfg.DefaultPods,
		now:         time.Now,
	}
	if a.name == "" {
		a.name = "kubernetes"
	}
	if a.prefix == "" {
		a.prefix = "broker-"
	}
	if a.defaultPods == 0 {
		a.defaultPods = 10
	}
	return a
}

func restConfigFor(cfg Config) (*rest.Config, error) {
	if cfg.Kubeconfig == "" {
		if c, err := rest.InClusterConfig(); err == nil {
			return c, nil
		}
		home, _ := os.UserHomeDir()
		cfg.Kubeconfig = filepath.Join(home, ".kube", "config")
	}

	loader := &clientcmd.ClientConfigLoadingRules{ExplicitPath: cfg.Kubeconfig}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	c, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loader, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	return c, nil
}

// Type implements engine.Adapter.
func (a *Adapter) Type() string {
	return a.name
}

// NamespaceName derives the namespace for a resource.
func (a *Adapter) NamespaceName(resourceID string) string {
	id := strings.ToLower(strings.ReplaceAll(resourceID, "-", ""))
	if len(id) > 12 {
		id = id[:12]
	}
	return a.prefix + id
}

// Create implements engine.Adapter. An existing namespace carrying the same
// resource label is adopted.
func (a *Adapter) Create(ctx context.Context, spec engine.ResourceSpec) (*engine.BackendHandle, *engine.BackendState, error) {
	q, err := quotaFor(spec.Attributes, a.defaultPods)
	if err != nil {
		return nil, nil, err
	}
	_, attempt, err := spec.Tag.Parse()
	if err != nil {
		return nil, nil, engine.NewInvalidRequestError("invalid attempt tag", err)
	}

	name := a.NamespaceName(spec.ResourceID)
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				LabelManagedBy: managedBy,
				LabelResource:  spec.ResourceID,
				LabelAttempt:   fmt.Sprint(attempt),
				LabelAccount:   labelValue(spec.AccountID),
			},
			Annotations: map[string]string{
				"broker.openfroyo.io/name": spec.Name,
			},
		},
	}

	_, err = a.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	switch {
	case err == nil:
	case apierrors.IsAlreadyExists(err):
		existing, gerr := a.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		if gerr != nil {
			return nil, nil, mapError("get namespace", gerr)
		}
		if existing.Labels[LabelResource] != spec.ResourceID {
			return nil, nil, engine.NewPermanentError(
				fmt.Sprintf("namespace %s belongs to another resource", name), err)
		}
		telemetry.FromContext(ctx).WithResourceID(spec.ResourceID).WithBackend(a.name, name).
			Info("Adopting existing namespace")
	default:
		return nil, nil, mapError("create namespace", err)
	}

	if err := a.applyQuota(ctx, name, q, spec.Suspended); err != nil {
		return nil, nil, err
	}

	st, err := a.describe(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return &engine.BackendHandle{ResourceID: spec.ResourceID, BackendID: name, Tag: spec.Tag}, st, nil
}

// Describe implements engine.Adapter.
func (a *Adapter) Describe(ctx context.Context, handle engine.BackendHandle) (*engine.BackendState, error) {
	return a.describe(ctx, a.namespaceFor(handle))
}

// Update implements engine.Adapter. Suspension caps pods at zero.
func (a *Adapter) Update(ctx context.Context, handle engine.BackendHandle, spec engine.ResourceSpec) (*engine.BackendState, error) {
	q, err := quotaFor(spec.Attributes, a.defaultPods)
	if err != nil {
		return nil, err
	}
	name := a.namespaceFor(handle)
	if _, err := a.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{}); err != nil {
		return nil, mapError("get namespace", err)
	}
	if err := a.applyQuota(ctx, name, q, spec.Suspended); err != nil {
		return nil, err
	}
	return a.describe(ctx, name)
}

// Destroy implements engine.Adapter. Namespace deletion is asynchronous; the
// namespace reports Terminating until its contents are gone.
func (a *Adapter) Destroy(ctx context.Context, handle engine.BackendHandle) error {
	err := a.clientset.CoreV1().Namespaces().Delete(ctx, a.namespaceFor(handle), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return mapError("delete namespace", err)
	}
	return nil
}

// Allocation implements engine.Adapter.
func (a *Adapter) Allocation(attrs engine.Attributes) (engine.Allocation, error) {
	q, err := quotaFor(attrs, a.defaultPods)
	if err != nil {
		return nil, err
	}
	return engine.Allocation{
		engine.DimensionCores: q.cores,
		engine.DimensionRAMGB: q.ramGB,
		engine.DimensionPods:  float64(q.pods),
	}, nil
}

// Health implements engine.Adapter.
func (a *Adapter) Health(ctx context.Context) error {
	if _, err := a.clientset.Discovery().ServerVersion(); err != nil {
		return mapError("health", err)
	}
	return nil
}

func (a *Adapter) namespaceFor(handle engine.BackendHandle) string {
	if handle.BackendID != "" {
		return handle.BackendID
	}
	return a.NamespaceName(handle.ResourceID)
}

func (a *Adapter) applyQuota(ctx context.Context, namespace string, q quota, suspended bool) error {
	pods := q.pods
	if suspended {
		pods = 0
	}
	hard := corev1.ResourceList{
		corev1.ResourceRequestsCPU:    *resource.NewMilliQuantity(int64(q.cores*1000), resource.DecimalSI),
		corev1.ResourceRequestsMemory: *resource.NewQuantity(int64(q.ramGB*(1<<30)), resource.BinarySI),
		corev1.ResourcePods:           *resource.NewQuantity(int64(pods), resource.DecimalSI),
	}

	quotas := a.clientset.CoreV1().ResourceQuotas(namespace)
	existing, err := quotas.Get(ctx, QuotaName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err = quotas.Create(ctx, &corev1.ResourceQuota{
			ObjectMeta: metav1.ObjectMeta{
				Name:   QuotaName,
				Labels: map[string]string{LabelManagedBy: managedBy},
			},
			Spec: corev1.ResourceQuotaSpec{Hard: hard},
		}, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return mapError("create quota", err)
		}
		if err == nil {
			return nil
		}
		// Lost a race with another create; fall through to update.
		existing, err = quotas.Get(ctx, QuotaName, metav1.GetOptions{})
		if err != nil {
			return mapError("get quota", err)
		}
	case err != nil:
		return mapError("get quota", err)
	}

	existing.Spec.Hard = hard
	if _, err := quotas.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return mapError("update quota", err)
	}
	return nil
}

func (a *Adapter) describe(ctx context.Context, name string) (*engine.BackendState, error) {
	ns, err := a.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, mapError("get namespace", err)
	}

	st := &engine.BackendState{
		BackendID:  name,
		Status:     string(ns.Status.Phase),
		Properties: map[string]string{"namespace": name},
		ObservedAt: a.now().UTC(),
	}
	if st.Status == "" {
		st.Status = string(corev1.NamespaceActive)
	}

	if ns.Status.Phase == corev1.NamespaceTerminating || ns.DeletionTimestamp != nil {
		st.Phase = engine.PhaseTerminating
		return st, nil
	}

	rq, err := a.clientset.CoreV1().ResourceQuotas(name).Get(ctx, QuotaName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		st.Phase = engine.PhasePending
		st.Message = "resource quota not yet created"
		return st, nil
	}
	if err != nil {
		return nil, mapError("get quota", err)
	}

	for _, res := range []corev1.ResourceName{corev1.ResourceRequestsCPU, corev1.ResourceRequestsMemory, corev1.ResourcePods} {
		if v, ok := rq.Spec.Hard[res]; ok {
			st.Properties["hard."+string(res)] = v.String()
		}
		if v, ok := rq.Status.Used[res]; ok {
			st.Properties["used."+string(res)] = v.String()
		}
	}

	st.Phase = engine.PhaseReady
	if pods, ok := rq.Spec.Hard[corev1.ResourcePods]; ok && pods.IsZero() {
		st.Phase = engine.PhaseSuspended
	}
	return st, nil
}

func labelValue(v string) string {
	v = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, v)
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
