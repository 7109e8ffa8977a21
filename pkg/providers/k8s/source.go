// Package k8s discovers one Kubernetes cluster through the typed client:
// namespaces, cluster machines, deployments, pods and services, plus the
// containment, routing and placement relationships the API states between
// them. The cluster name is filed as the graph account, so each cluster
// source owns a disjoint disappearance scope.
package k8s

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
)

// Provider is the graph provider label for cluster-discovered resources.
const Provider = "kubernetes"

const (
	directConfidence     = 1.0
	selectorConfidence   = 0.9
	ownerChainConfidence = 0.85
)

// Source implements source.Source over a single cluster connection.
type Source struct {
	name       string
	cluster    string
	client     kubernetes.Interface
	namespaces []string
}

// Option customizes a Source.
type Option func(*Source)

// WithName overrides the registry name.
func WithName(name string) Option {
	return func(s *Source) {
		if name != "" {
			s.name = name
		}
	}
}

// WithNamespaces narrows discovery to the given namespaces. Cluster-scoped
// machines are always listed; the narrowing applies to namespaced kinds.
func WithNamespaces(namespaces ...string) Option {
	return func(s *Source) {
		s.namespaces = namespaces
	}
}

// New builds a source over an established client. The cluster name becomes
// the account of every emitted node and bounds the source's scope.
func New(client kubernetes.Interface, cluster string, opts ...Option) *Source {
	s := &Source{client: client, cluster: cluster}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = "k8s-" + cluster
	}
	return s
}

func (s *Source) Name() string     { return s.name }
func (s *Source) Provider() string { return Provider }

// Scope claims the cluster's account only. Two cluster sources never
// contest each other's disappearance decisions.
func (s *Source) Scope() source.Scope {
	return source.Scope{Accounts: []string{s.cluster}}
}

// HealthCheck verifies the API server answers a cheap read.
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return model.WrapError(model.KindTransient, "k8s-health", err, "listing namespaces")
	}
	return nil
}

// Discover lists the five tracked kinds and assembles the candidate batch.
// Any failed list aborts the whole pass: a partial cluster view reconciled
// as authoritative would terminate live resources that merely went
// unlisted.
func (s *Source) Discover(ctx context.Context) (*source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, "k8s-cancelled", err, "discovery cancelled")
	}

	var (
		namespaces  []corev1.Namespace
		machines    []corev1.Node
		deployments []appsv1.Deployment
		pods        []corev1.Pod
		services    []corev1.Service
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		namespaces, err = s.listNamespaces(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		machines, err = s.listMachines(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		deployments, err = s.listDeployments(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		pods, err = s.listPods(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		services, err = s.listServices(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, model.WrapError(model.KindCancelled, "k8s-cancelled", ctx.Err(), "discovery cancelled")
		}
		return nil, model.WrapError(model.KindTransient, "k8s-list", err, "listing cluster objects")
	}

	batch := &source.Batch{
		SourceID:     s.name,
		Provider:     Provider,
		Scope:        s.Scope(),
		DiscoveredAt: time.Now().UTC(),
	}

	nsID := make(map[string]string, len(namespaces))
	for i := range namespaces {
		n := s.namespaceNode(&namespaces[i])
		nsID[namespaces[i].Name] = n.Identity()
		batch.Nodes = append(batch.Nodes, n)
	}

	machineID := make(map[string]string, len(machines))
	for i := range machines {
		n := s.machineNode(&machines[i])
		machineID[machines[i].Name] = n.Identity()
		batch.Nodes = append(batch.Nodes, n)
	}

	deployID := make(map[string]string, len(deployments))
	for i := range deployments {
		d := &deployments[i]
		n := s.deploymentNode(d)
		deployID[d.Namespace+"/"+d.Name] = n.Identity()
		batch.Nodes = append(batch.Nodes, n)
		if ns, ok := nsID[d.Namespace]; ok {
			batch.Edges = append(batch.Edges, relation(ns, n.Identity(), model.RelationContains, directConfidence, model.ProvenanceAPIField))
		}
	}

	podID := make(map[string]string, len(pods))
	for i := range pods {
		p := &pods[i]
		n := s.podNode(p)
		id := n.Identity()
		podID[p.Namespace+"/"+p.Name] = id
		batch.Nodes = append(batch.Nodes, n)
		if ns, ok := nsID[p.Namespace]; ok {
			batch.Edges = append(batch.Edges, relation(ns, id, model.RelationContains, directConfidence, model.ProvenanceAPIField))
		}
		if owner, ok := owningDeployment(p); ok {
			if dep, ok := deployID[p.Namespace+"/"+owner]; ok {
				batch.Edges = append(batch.Edges, relation(dep, id, model.RelationContains, ownerChainConfidence, model.ProvenanceHeuristic))
			}
		}
		if p.Spec.NodeName != "" {
			if m, ok := machineID[p.Spec.NodeName]; ok {
				batch.Edges = append(batch.Edges, relation(id, m, model.RelationUses, directConfidence, model.ProvenanceAPIField))
			}
		}
	}

	for i := range services {
		svc := &services[i]
		n := s.serviceNode(svc)
		id := n.Identity()
		batch.Nodes = append(batch.Nodes, n)
		if ns, ok := nsID[svc.Namespace]; ok {
			batch.Edges = append(batch.Edges, relation(ns, id, model.RelationContains, directConfidence, model.ProvenanceAPIField))
		}
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		for j := range pods {
			p := &pods[j]
			if p.Namespace != svc.Namespace || !selects(svc.Spec.Selector, p.Labels) {
				continue
			}
			batch.Edges = append(batch.Edges, relation(id, podID[p.Namespace+"/"+p.Name], model.RelationRoutesTo, selectorConfidence, model.ProvenanceAPIField))
		}
	}

	return batch, nil
}

func (s *Source) listNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	list, err := s.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	if len(s.namespaces) == 0 {
		return list.Items, nil
	}
	keep := make(map[string]bool, len(s.namespaces))
	for _, ns := range s.namespaces {
		keep[ns] = true
	}
	out := make([]corev1.Namespace, 0, len(s.namespaces))
	for _, ns := range list.Items {
		if keep[ns.Name] {
			out = append(out, ns)
		}
	}
	return out, nil
}

func (s *Source) listMachines(ctx context.Context) ([]corev1.Node, error) {
	list, err := s.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *Source) listDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	var out []appsv1.Deployment
	for _, ns := range s.targets() {
		list, err := s.client.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, list.Items...)
	}
	return out, nil
}

func (s *Source) listPods(ctx context.Context) ([]corev1.Pod, error) {
	var out []corev1.Pod
	for _, ns := range s.targets() {
		list, err := s.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, list.Items...)
	}
	return out, nil
}

func (s *Source) listServices(ctx context.Context) ([]corev1.Service, error) {
	var out []corev1.Service
	for _, ns := range s.targets() {
		list, err := s.client.CoreV1().Services(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, list.Items...)
	}
	return out, nil
}

func (s *Source) targets() []string {
	if len(s.namespaces) == 0 {
		return []string{metav1.NamespaceAll}
	}
	return s.namespaces
}

func (s *Source) namespaceNode(ns *corev1.Namespace) *model.Node {
	status := model.StatusUnknown
	switch ns.Status.Phase {
	case corev1.NamespaceActive:
		status = model.StatusRunning
	case corev1.NamespaceTerminating:
		status = model.StatusStopped
	}
	return &model.Node{
		Provider:     Provider,
		Account:      s.cluster,
		ResourceType: "namespace",
		NativeID:     nativeID(ns.UID, ns.Name),
		Name:         ns.Name,
		Status:       status,
		Tags:         copyTags(ns.Labels),
		Metadata:     map[string]any{"phase": string(ns.Status.Phase)},
		CreatedAt:    &ns.CreationTimestamp.Time,
	}
}

func (s *Source) machineNode(m *corev1.Node) *model.Node {
	status := model.StatusUnknown
	for _, cond := range m.Status.Conditions {
		if cond.Type != corev1.NodeReady {
			continue
		}
		if cond.Status == corev1.ConditionTrue {
			status = model.StatusRunning
		} else {
			status = model.StatusError
		}
		break
	}
	md := map[string]any{
		"kubeletVersion": m.Status.NodeInfo.KubeletVersion,
		"osImage":        m.Status.NodeInfo.OSImage,
	}
	if zone := m.Labels[corev1.LabelTopologyZone]; zone != "" {
		md["zone"] = zone
	}
	if it := m.Labels[corev1.LabelInstanceTypeStable]; it != "" {
		md["instanceType"] = it
	}
	return &model.Node{
		Provider:     Provider,
		Account:      s.cluster,
		Region:       m.Labels[corev1.LabelTopologyRegion],
		ResourceType: "node",
		NativeID:     nativeID(m.UID, m.Name),
		Name:         m.Name,
		Status:       status,
		Tags:         copyTags(m.Labels),
		Metadata:     md,
		CreatedAt:    &m.CreationTimestamp.Time,
	}
}

func (s *Source) deploymentNode(d *appsv1.Deployment) *model.Node {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	status := model.StatusPending
	switch {
	case desired == 0:
		status = model.StatusStopped
	case d.Status.ReadyReplicas >= desired:
		status = model.StatusRunning
	}
	return &model.Node{
		Provider:     Provider,
		Account:      s.cluster,
		ResourceType: "deployment",
		NativeID:     nativeID(d.UID, d.Namespace+"/"+d.Name),
		Name:         d.Name,
		Status:       status,
		Tags:         copyTags(d.Labels),
		Metadata: map[string]any{
			"namespace":       d.Namespace,
			"replicasDesired": int(desired),
			"replicasReady":   int(d.Status.ReadyReplicas),
		},
		CreatedAt: &d.CreationTimestamp.Time,
	}
}

func (s *Source) podNode(p *corev1.Pod) *model.Node {
	md := map[string]any{
		"namespace": p.Namespace,
		"phase":     string(p.Status.Phase),
	}
	if p.Spec.NodeName != "" {
		md["node"] = p.Spec.NodeName
	}
	if p.Status.PodIP != "" {
		md["podIP"] = p.Status.PodIP
	}
	return &model.Node{
		Provider:     Provider,
		Account:      s.cluster,
		ResourceType: "pod",
		NativeID:     nativeID(p.UID, p.Namespace+"/"+p.Name),
		Name:         p.Name,
		Status:       podStatus(p.Status.Phase),
		Tags:         copyTags(p.Labels),
		Metadata:     md,
		CreatedAt:    &p.CreationTimestamp.Time,
	}
}

func (s *Source) serviceNode(svc *corev1.Service) *model.Node {
	md := map[string]any{
		"namespace": svc.Namespace,
		"type":      string(svc.Spec.Type),
	}
	if svc.Spec.ClusterIP != "" && svc.Spec.ClusterIP != corev1.ClusterIPNone {
		md["clusterIP"] = svc.Spec.ClusterIP
	}
	return &model.Node{
		Provider:     Provider,
		Account:      s.cluster,
		ResourceType: "service",
		NativeID:     nativeID(svc.UID, svc.Namespace+"/"+svc.Name),
		Name:         svc.Name,
		Status:       model.StatusRunning,
		Tags:         copyTags(svc.Labels),
		Metadata:     md,
		CreatedAt:    &svc.CreationTimestamp.Time,
	}
}

func podStatus(phase corev1.PodPhase) model.Status {
	switch phase {
	case corev1.PodRunning:
		return model.StatusRunning
	case corev1.PodPending:
		return model.StatusPending
	case corev1.PodSucceeded:
		return model.StatusStopped
	case corev1.PodFailed:
		return model.StatusError
	}
	return model.StatusUnknown
}

// owningDeployment resolves the controlling deployment from the pod's
// ReplicaSet owner reference by trimming the pod-template-hash suffix. The
// ReplicaSet itself is never fetched.
func owningDeployment(p *corev1.Pod) (string, bool) {
	for _, ref := range p.OwnerReferences {
		if ref.Kind != "ReplicaSet" {
			continue
		}
		if i := strings.LastIndex(ref.Name, "-"); i > 0 {
			return ref.Name[:i], true
		}
	}
	return "", false
}

func selects(selector, podLabels map[string]string) bool {
	for k, v := range selector {
		if podLabels[k] != v {
			return false
		}
	}
	return true
}

func relation(src, dst string, t model.RelationType, confidence float64, via model.Provenance) *model.Edge {
	return &model.Edge{
		SourceID:      src,
		TargetID:      dst,
		Type:          t,
		Confidence:    confidence,
		DiscoveredVia: via,
	}
}

func nativeID(uid types.UID, fallback string) string {
	if uid != "" {
		return string(uid)
	}
	return fallback
}

func copyTags(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

var _ source.Source = (*Source)(nil)
