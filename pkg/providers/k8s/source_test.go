package k8s

import (
	"context"
	"errors"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clientgotesting "k8s.io/client-go/testing"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
)

func int32p(v int32) *int32 { return &v }

func fixtureClientset() *fake.Clientset {
	return fake.NewSimpleClientset(
		&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "prod", UID: "uid-ns-prod"},
			Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
		},
		&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "batch", UID: "uid-ns-batch"},
			Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceTerminating},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{
				Name: "worker-1",
				UID:  "uid-node-1",
				Labels: map[string]string{
					corev1.LabelTopologyRegion:     "us-east-1",
					corev1.LabelTopologyZone:       "us-east-1a",
					corev1.LabelInstanceTypeStable: "m5.large",
				},
			},
			Status: corev1.NodeStatus{
				Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
				NodeInfo:   corev1.NodeSystemInfo{KubeletVersion: "v1.29.3", OSImage: "Bottlerocket OS 1.19.2"},
			},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "worker-2", UID: "uid-node-2"},
			Status: corev1.NodeStatus{
				Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionFalse}},
			},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod", UID: "uid-dep-web", Labels: map[string]string{"app": "web"}},
			Spec:       appsv1.DeploymentSpec{Replicas: int32p(2)},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "prod", UID: "uid-dep-worker"},
			Spec:       appsv1.DeploymentSpec{Replicas: int32p(2)},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 1},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "report", Namespace: "batch", UID: "uid-dep-report"},
			Spec:       appsv1.DeploymentSpec{Replicas: int32p(0)},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "web-6d4cf56db6-abc12", Namespace: "prod", UID: "uid-pod-1",
				Labels:          map[string]string{"app": "web"},
				OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "web-6d4cf56db6", APIVersion: "apps/v1"}},
			},
			Spec:   corev1.PodSpec{NodeName: "worker-1"},
			Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.0.0.5"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "web-6d4cf56db6-def34", Namespace: "prod", UID: "uid-pod-2",
				Labels:          map[string]string{"app": "web"},
				OwnerReferences: []metav1.OwnerReference{{Kind: "ReplicaSet", Name: "web-6d4cf56db6", APIVersion: "apps/v1"}},
			},
			Spec:   corev1.PodSpec{NodeName: "worker-2"},
			Status: corev1.PodStatus{Phase: corev1.PodPending},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "report-1-xk9f2", Namespace: "batch", UID: "uid-pod-3",
				OwnerReferences: []metav1.OwnerReference{{Kind: "Job", Name: "report-1", APIVersion: "batch/v1"}},
			},
			Status: corev1.PodStatus{Phase: corev1.PodSucceeded},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod", UID: "uid-svc-web"},
			Spec: corev1.ServiceSpec{
				Type:      corev1.ServiceTypeClusterIP,
				ClusterIP: "10.96.0.10",
				Selector:  map[string]string{"app": "web"},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "metrics", Namespace: "prod", UID: "uid-svc-metrics"},
			Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeClusterIP, ClusterIP: "10.96.0.11"},
		},
	)
}

func discoverFixture(t *testing.T, opts ...Option) *source.Batch {
	t.Helper()
	batch, err := New(fixtureClientset(), "test-cluster", opts...).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	return batch
}

func nodeByKindName(batch *source.Batch, resourceType, name string) *model.Node {
	for _, n := range batch.Nodes {
		if n.ResourceType == resourceType && n.Name == name {
			return n
		}
	}
	return nil
}

func TestK8s_DiscoverNodes(t *testing.T) {
	batch := discoverFixture(t)

	if batch.Provider != Provider || batch.SourceID != "k8s-test-cluster" {
		t.Fatalf("batch identity = %q/%q", batch.Provider, batch.SourceID)
	}
	if len(batch.Nodes) != 12 {
		t.Fatalf("discovered %d nodes, want 12", len(batch.Nodes))
	}
	for _, n := range batch.Nodes {
		if n.Provider != Provider || n.Account != "test-cluster" {
			t.Fatalf("node %s filed under %s/%s", n.Name, n.Provider, n.Account)
		}
		if err := n.Validate(); err != nil {
			t.Fatalf("invalid node %s: %v", n.Name, err)
		}
	}

	prod := nodeByKindName(batch, "namespace", "prod")
	if prod == nil || prod.Status != model.StatusRunning {
		t.Fatalf("active namespace mapped to %+v", prod)
	}
	terminating := nodeByKindName(batch, "namespace", "batch")
	if terminating.Status != model.StatusStopped {
		t.Fatalf("terminating namespace status = %q", terminating.Status)
	}

	machine := nodeByKindName(batch, "node", "worker-1")
	if machine.NativeID != "uid-node-1" {
		t.Fatalf("machine native id = %q, want the object UID", machine.NativeID)
	}
	if machine.Status != model.StatusRunning {
		t.Fatalf("ready machine status = %q", machine.Status)
	}
	if machine.Region != "us-east-1" {
		t.Fatalf("machine region = %q, want the topology label", machine.Region)
	}
	if machine.Metadata["kubeletVersion"] != "v1.29.3" || machine.Metadata["zone"] != "us-east-1a" || machine.Metadata["instanceType"] != "m5.large" {
		t.Fatalf("machine metadata = %v", machine.Metadata)
	}
	if nodeByKindName(batch, "node", "worker-2").Status != model.StatusError {
		t.Fatal("not-ready machine should map to error")
	}

	web := nodeByKindName(batch, "deployment", "web")
	if web.Status != model.StatusRunning {
		t.Fatalf("fully ready deployment status = %q", web.Status)
	}
	if web.Metadata["replicasDesired"] != 2 || web.Metadata["replicasReady"] != 2 {
		t.Fatalf("deployment metadata = %v", web.Metadata)
	}
	if web.Tags["app"] != "web" {
		t.Fatalf("deployment labels not carried as tags: %v", web.Tags)
	}
	if nodeByKindName(batch, "deployment", "worker").Status != model.StatusPending {
		t.Fatal("partially ready deployment should map to pending")
	}
	if nodeByKindName(batch, "deployment", "report").Status != model.StatusStopped {
		t.Fatal("scaled-to-zero deployment should map to stopped")
	}

	running := nodeByKindName(batch, "pod", "web-6d4cf56db6-abc12")
	if running.Status != model.StatusRunning || running.Metadata["podIP"] != "10.0.0.5" || running.Metadata["node"] != "worker-1" {
		t.Fatalf("running pod mapped to %+v", running)
	}
	if nodeByKindName(batch, "pod", "web-6d4cf56db6-def34").Status != model.StatusPending {
		t.Fatal("pending pod should map to pending")
	}
	if nodeByKindName(batch, "pod", "report-1-xk9f2").Status != model.StatusStopped {
		t.Fatal("succeeded pod should map to stopped")
	}

	svc := nodeByKindName(batch, "service", "web")
	if svc.Status != model.StatusRunning || svc.Metadata["clusterIP"] != "10.96.0.10" {
		t.Fatalf("service mapped to %+v", svc)
	}
}

func TestK8s_Edges(t *testing.T) {
	batch := discoverFixture(t)

	ids := make(map[string]bool, len(batch.Nodes))
	for _, n := range batch.Nodes {
		ids[n.Identity()] = true
	}

	type key struct {
		src, dst string
		typ      model.RelationType
	}
	got := map[key]*model.Edge{}
	for _, e := range batch.Edges {
		if err := e.Validate(); err != nil {
			t.Fatalf("invalid edge: %v", err)
		}
		if !ids[e.SourceID] || !ids[e.TargetID] {
			t.Fatalf("edge %s -> %s reaches outside the batch", e.SourceID, e.TargetID)
		}
		got[key{e.SourceID, e.TargetID, e.Type}] = e
	}
	if len(got) != 14 {
		t.Fatalf("discovered %d distinct edges, want 14", len(got))
	}

	prod := nodeByKindName(batch, "namespace", "prod").Identity()
	webDep := nodeByKindName(batch, "deployment", "web").Identity()
	webSvc := nodeByKindName(batch, "service", "web").Identity()
	pod1 := nodeByKindName(batch, "pod", "web-6d4cf56db6-abc12").Identity()
	machine1 := nodeByKindName(batch, "node", "worker-1").Identity()

	contains := got[key{prod, webDep, model.RelationContains}]
	if contains == nil || contains.DiscoveredVia != model.ProvenanceAPIField || contains.Confidence != 1.0 {
		t.Fatalf("namespace containment edge = %+v", contains)
	}

	owner := got[key{webDep, pod1, model.RelationContains}]
	if owner == nil {
		t.Fatal("missing deployment -> pod edge from owner reference")
	}
	if owner.DiscoveredVia != model.ProvenanceHeuristic || owner.Confidence >= 1.0 {
		t.Fatalf("owner-chain edge = %+v, want discounted heuristic", owner)
	}

	routes := got[key{webSvc, pod1, model.RelationRoutesTo}]
	if routes == nil || routes.DiscoveredVia != model.ProvenanceAPIField {
		t.Fatalf("selector routing edge = %+v", routes)
	}

	placement := got[key{pod1, machine1, model.RelationUses}]
	if placement == nil || placement.Confidence != 1.0 {
		t.Fatalf("placement edge = %+v", placement)
	}

	metricsSvc := nodeByKindName(batch, "service", "metrics").Identity()
	for k := range got {
		if k.src == metricsSvc && k.typ == model.RelationRoutesTo {
			t.Fatal("selector-less service must not route to pods")
		}
	}
}

func TestK8s_NamespaceNarrowing(t *testing.T) {
	batch := discoverFixture(t, WithNamespaces("prod"), WithName("k8s-prod-only"))

	if batch.SourceID != "k8s-prod-only" {
		t.Fatalf("source id = %q", batch.SourceID)
	}
	for _, n := range batch.Nodes {
		if ns, ok := n.Metadata["namespace"]; ok && ns != "prod" {
			t.Fatalf("node %s from namespace %v leaked past the narrowing", n.Name, ns)
		}
		if n.ResourceType == "namespace" && n.Name != "prod" {
			t.Fatalf("namespace %s leaked past the narrowing", n.Name)
		}
	}
	// 1 namespace + 2 machines + 2 deployments + 2 pods + 2 services.
	if len(batch.Nodes) != 9 {
		t.Fatalf("narrowed discovery found %d nodes, want 9", len(batch.Nodes))
	}
	if nodeByKindName(batch, "node", "worker-1") == nil {
		t.Fatal("cluster machines must survive namespace narrowing")
	}
}

func TestK8s_ListFailureAbortsDiscovery(t *testing.T) {
	cs := fixtureClientset()
	cs.PrependReactor("list", "pods", func(clientgotesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcdserver: leader changed")
	})

	s := New(cs, "test-cluster")
	batch, err := s.Discover(context.Background())
	if batch != nil {
		t.Fatal("partial batch returned despite a failed list")
	}
	if !model.IsKind(err, model.KindTransient) {
		t.Fatalf("Discover error = %v, want transient", err)
	}
}

func TestK8s_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(fixtureClientset(), "test-cluster").Discover(ctx); !model.IsKind(err, model.KindCancelled) {
		t.Fatalf("Discover error = %v, want cancelled", err)
	}
}

func TestK8s_ScopeAndHealth(t *testing.T) {
	s := New(fixtureClientset(), "test-cluster")

	if !s.Scope().Covers("test-cluster", "") {
		t.Fatal("scope must cover the cluster account")
	}
	if s.Scope().Covers("other-cluster", "") {
		t.Fatal("scope must not reach into other clusters")
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}
