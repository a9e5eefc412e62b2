package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/registry"
)

// annotationPrefix marks pod annotations copied into instance metadata,
// e.g. gatekeeper.io/weight: "3".
const annotationPrefix = "gatekeeper.io/"

// Registry discovers instances from EndpointSlices of a Kubernetes Service.
// Pod labels and gatekeeper.io/* annotations become instance metadata.
type Registry struct {
	client        kubernetes.Interface
	namespace     string
	labelSelector string

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
}

// New creates a new Kubernetes registry
func New(cfg config.KubernetesConfig) (*Registry, error) {
	var k8sConfig *rest.Config
	var err error

	if cfg.InCluster {
		k8sConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return newWithClient(client, cfg), nil
}

func newWithClient(client kubernetes.Interface, cfg config.KubernetesConfig) *Registry {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Registry{
		client:        client,
		namespace:     namespace,
		labelSelector: cfg.LabelSelector,
		watchers:      make(map[string]context.CancelFunc),
	}
}

// Register is a no-op: workloads are registered through manifests.
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	return nil
}

// Deregister is a no-op for Kubernetes
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	return nil
}

func (r *Registry) selector(serviceID string) string {
	sel := labels.Set{discoveryv1.LabelServiceName: serviceID}.String()
	if r.labelSelector != "" {
		sel += "," + r.labelSelector
	}
	return sel
}

// Discover returns the ready endpoints of a service
func (r *Registry) Discover(ctx context.Context, serviceID string) ([]*registry.Instance, error) {
	slices, err := r.client.DiscoveryV1().EndpointSlices(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: r.selector(serviceID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoint slices for %s: %w", serviceID, err)
	}

	podMeta := r.podMetadata(ctx)
	var out []*registry.Instance
	for _, slice := range slices.Items {
		port := 80
		if len(slice.Ports) > 0 && slice.Ports[0].Port != nil {
			port = int(*slice.Ports[0].Port)
		}
		for _, ep := range slice.Endpoints {
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			var meta map[string]string
			if ep.TargetRef != nil && ep.TargetRef.Kind == "Pod" {
				meta = podMeta(ep.TargetRef.Name)
			}
			for _, addr := range ep.Addresses {
				out = append(out, &registry.Instance{
					ServiceID: serviceID,
					ID:        fmt.Sprintf("%s-%s", serviceID, addr),
					Host:      addr,
					Port:      port,
					Metadata:  meta,
					Health:    registry.HealthPassing,
				})
			}
		}
	}
	return out, nil
}

// podMetadata returns a memoizing lookup of pod labels and annotations.
func (r *Registry) podMetadata(ctx context.Context) func(name string) map[string]string {
	seen := make(map[string]map[string]string)
	return func(name string) map[string]string {
		if m, ok := seen[name]; ok {
			return m
		}
		pod, err := r.client.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			seen[name] = nil
			return nil
		}
		meta := make(map[string]string, len(pod.Labels))
		for k, v := range pod.Labels {
			meta[k] = v
		}
		for k, v := range pod.Annotations {
			if key, ok := strings.CutPrefix(k, annotationPrefix); ok {
				meta[key] = v
			}
		}
		seen[name] = meta
		return meta
	}
}

// Watch subscribes to service changes
func (r *Registry) Watch(ctx context.Context, serviceID string) (<-chan []*registry.Instance, error) {
	ch := make(chan []*registry.Instance, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existing, ok := r.watchers[serviceID]; ok {
		existing()
	}
	r.watchers[serviceID] = cancel
	r.watchMu.Unlock()

	go r.watchService(watchCtx, serviceID, ch)
	return ch, nil
}

func (r *Registry) watchService(ctx context.Context, serviceID string, ch chan []*registry.Instance) {
	defer close(ch)

	publish := func() bool {
		instances, err := r.Discover(ctx, serviceID)
		if err != nil {
			logging.Warn("kubernetes discover failed", zap.String("service", serviceID), zap.Error(err))
			return ctx.Err() == nil
		}
		select {
		case ch <- instances:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !publish() {
		return
	}

	for ctx.Err() == nil {
		watcher, err := r.client.DiscoveryV1().EndpointSlices(r.namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector: r.selector(serviceID),
		})
		if err != nil {
			logging.Warn("kubernetes watch failed, retrying", zap.String("service", serviceID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

	events:
		for {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			case _, ok := <-watcher.ResultChan():
				if !ok {
					break events
				}
				if !publish() {
					watcher.Stop()
					return
				}
			}
		}
		watcher.Stop()
	}
}

// Close closes the registry
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}
