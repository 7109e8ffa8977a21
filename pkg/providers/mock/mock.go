// Package mock is a synthetic discovery source for demos and tests. The
// fleet is deterministic by seed: the same seed always produces the same
// nodes, names and costs. Scripted mutators and optional per-cycle churn
// simulate drift, disappearance and cost movement between syncs.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	randomdata "github.com/Pallinder/go-randomdata"

	"github.com/stratoform/cartograph/pkg/engine/source"
	"github.com/stratoform/cartograph/pkg/model"
)

const defaultFleetSize = 25

// Source implements source.Source over a generated fleet.
type Source struct {
	name     string
	provider string
	account  string
	region   string
	seed     int64
	size     int
	churn    bool

	mu    sync.Mutex
	rng   *rand.Rand
	cycle int
	added int
	nodes []*model.Node
	edges []*model.Edge
}

// Option customizes a Source.
type Option func(*Source)

// WithSeed fixes the generation seed.
func WithSeed(seed int64) Option {
	return func(s *Source) { s.seed = seed }
}

// WithFleetSize sets the total node count. Values below the fixed
// infrastructure overhead are raised to it.
func WithFleetSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithScope places the fleet in a specific account and region.
func WithScope(account, region string) Option {
	return func(s *Source) {
		s.account = account
		s.region = region
	}
}

// WithProvider overrides the provider label the fleet reports.
func WithProvider(provider string) Option {
	return func(s *Source) { s.provider = provider }
}

// WithChurn mutates the fleet on every cycle after the first: one cost
// drifts upward each cycle, and every third cycle an instance is replaced.
func WithChurn() Option {
	return func(s *Source) { s.churn = true }
}

// New generates the fleet eagerly. randomdata draws from a package-global
// rand, so generation happens here, single-threaded, and Discover never
// touches it.
func New(opts ...Option) *Source {
	s := &Source{
		name:     "mock-aws",
		provider: "aws",
		account:  "123456789012",
		region:   "us-east-1",
		seed:     1,
		size:     defaultFleetSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rng = rand.New(rand.NewSource(s.seed))
	randomdata.CustomRand(s.rng)
	s.build()
	return s
}

func (s *Source) Name() string     { return s.name }
func (s *Source) Provider() string { return s.provider }

func (s *Source) Scope() source.Scope {
	return source.Scope{Accounts: []string{s.account}, Regions: []string{s.region}}
}

func (s *Source) HealthCheck(ctx context.Context) error { return nil }

// Discover returns the current fleet. Callers own the returned batch; the
// masters stay private so later mutations never alias handed-out state.
func (s *Source) Discover(ctx context.Context) (*source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, "mock-cancelled", err, "discovery cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle++
	if s.churn && s.cycle > 1 {
		s.mutate()
	}

	batch := &source.Batch{
		SourceID:     s.name,
		Provider:     s.provider,
		Scope:        s.Scope(),
		DiscoveredAt: time.Now().UTC(),
		Nodes:        make([]*model.Node, 0, len(s.nodes)),
		Edges:        make([]*model.Edge, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		batch.Nodes = append(batch.Nodes, n.Clone())
	}
	for _, e := range s.edges {
		batch.Edges = append(batch.Edges, e.Clone())
	}
	return batch, nil
}

// Terminate removes a resource, and every edge touching it, from future
// discoveries. Returns false when the native id is unknown.
func (s *Source) Terminate(nativeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(nativeID)
}

// SetCost overrides a resource's monthly cost for future discoveries.
func (s *Source) SetCost(nativeID string, monthly float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(nativeID)
	if n == nil {
		return false
	}
	n.CostMonthly = model.Float64Ptr(monthly)
	return true
}

// SetMetadata mutates one metadata field for future discoveries.
func (s *Source) SetMetadata(nativeID, key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(nativeID)
	if n == nil {
		return false
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	n.Metadata[key] = value
	return true
}

// SetTag mutates one tag for future discoveries.
func (s *Source) SetTag(nativeID, key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.findLocked(nativeID)
	if n == nil {
		return false
	}
	if n.Tags == nil {
		n.Tags = map[string]string{}
	}
	n.Tags[key] = value
	return true
}

// Instances returns the native ids of the fleet's instances, in fleet
// order. Demo scripts use it to pick mutation targets.
func (s *Source) Instances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, n := range s.nodes {
		if n.ResourceType == "instance" {
			ids = append(ids, n.NativeID)
		}
	}
	return ids
}

func (s *Source) findLocked(nativeID string) *model.Node {
	for _, n := range s.nodes {
		if n.NativeID == nativeID {
			return n
		}
	}
	return nil
}

func (s *Source) removeLocked(nativeID string) bool {
	var removed *model.Node
	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if n.NativeID == nativeID {
			removed = n
			continue
		}
		kept = append(kept, n)
	}
	if removed == nil {
		return false
	}
	s.nodes = kept
	id := removed.Identity()
	keptEdges := s.edges[:0]
	for _, e := range s.edges {
		if e.SourceID == id || e.TargetID == id {
			continue
		}
		keptEdges = append(keptEdges, e)
	}
	s.edges = keptEdges
	return true
}

// mutate applies one churn step: a cost drifts up 15%, and every third
// cycle the oldest instance is replaced by a fresh one.
func (s *Source) mutate() {
	instances := []*model.Node{}
	for _, n := range s.nodes {
		if n.ResourceType == "instance" {
			instances = append(instances, n)
		}
	}
	if len(instances) == 0 {
		return
	}

	drifted := instances[s.rng.Intn(len(instances))]
	if drifted.CostMonthly != nil {
		drifted.CostMonthly = model.Float64Ptr(*drifted.CostMonthly * 1.15)
	}

	if s.cycle%3 == 0 {
		s.removeLocked(instances[0].NativeID)
		s.added++
		fresh := s.instance(fmt.Sprintf("i-cycle%d%08x", s.cycle, s.rng.Uint32()),
			fmt.Sprintf("churn-%02d", s.added), s.added)
		s.nodes = append(s.nodes, fresh)
		if sub := s.findLocked(s.subnetNative(s.added % 2)); sub != nil {
			s.edges = append(s.edges, s.edge(fresh, sub, model.RelationDependsOn))
		}
	}
}

// build generates the fixed infrastructure plus enough instances to reach
// the fleet size: one vpc, two subnets, a database, a bucket and a load
// balancer.
func (s *Source) build() {
	vpc := s.node("vpc", "vpc-"+randomdata.Alphanumeric(17), "main-vpc", nil)
	vpc.Metadata = map[string]any{"cidr": "10.0.0.0/16"}

	subnets := make([]*model.Node, 2)
	for i := range subnets {
		sub := s.node("subnet", s.subnetNative(i), fmt.Sprintf("private-%c", 'a'+i), nil)
		sub.Metadata = map[string]any{
			"cidr": fmt.Sprintf("10.0.%d.0/24", i),
			"az":   fmt.Sprintf("%s%c", s.region, 'a'+i),
		}
		subnets[i] = sub
		s.edges = append(s.edges, s.edge(vpc, sub, model.RelationContains))
	}
	s.nodes = append(s.nodes, vpc, subnets[0], subnets[1])

	db := s.node("database", "db-"+strings.ToLower(randomdata.Alphanumeric(10)), "primary-db",
		model.Float64Ptr(randomdata.Decimal(200, 900, 2)))
	db.Metadata = map[string]any{"engine": "postgres", "engineVersion": "15.4"}
	db.Tags = map[string]string{"env": "prod"}
	s.edges = append(s.edges, s.edge(db, subnets[0], model.RelationDependsOn))

	bucket := s.node("bucket", "data-"+strings.ToLower(randomdata.Noun()), "artifact-store",
		model.Float64Ptr(randomdata.Decimal(5, 60, 2)))
	bucket.Metadata = map[string]any{"versioning": true}

	lb := s.node("load-balancer", "lb-"+strings.ToLower(randomdata.Alphanumeric(12)), "public-ingress",
		model.Float64Ptr(randomdata.Decimal(15, 40, 2)))
	lb.Metadata = map[string]any{"scheme": "internet-facing", "dnsName": randomdata.SillyName() + ".elb.example.com"}
	s.nodes = append(s.nodes, db, bucket, lb)

	count := s.size - len(s.nodes)
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		inst := s.instance("i-"+randomdata.Alphanumeric(17),
			fmt.Sprintf("%s-%02d", strings.ToLower(randomdata.SillyName()), i), i)
		s.nodes = append(s.nodes, inst)
		s.edges = append(s.edges, s.edge(inst, subnets[i%2], model.RelationDependsOn))
		if i < 3 {
			s.edges = append(s.edges, s.edge(lb, inst, model.RelationRoutesTo))
		}
		if i%4 == 0 {
			s.edges = append(s.edges, s.edge(inst, db, model.RelationUses))
		}
	}
}

func (s *Source) subnetNative(i int) string {
	return fmt.Sprintf("subnet-%s-%c", s.region, 'a'+i)
}

func (s *Source) instance(nativeID, name string, i int) *model.Node {
	inst := s.node("instance", nativeID, name, model.Float64Ptr(randomdata.Decimal(20, 400, 2)))
	env := "prod"
	if i%3 != 0 {
		env = "staging"
	}
	inst.Tags = map[string]string{"env": env, "team": strings.ToLower(randomdata.Noun())}
	inst.Metadata = map[string]any{
		"instanceType": randomdata.StringSample("t3.micro", "t3.large", "m5.large", "c5.xlarge"),
		"privateIp":    randomdata.IpV4Address(),
	}
	return inst
}

func (s *Source) node(resourceType, nativeID, name string, cost *float64) *model.Node {
	return &model.Node{
		Provider:     s.provider,
		Account:      s.account,
		Region:       s.region,
		ResourceType: resourceType,
		NativeID:     nativeID,
		Name:         name,
		Status:       model.StatusRunning,
		CostMonthly:  cost,
	}
}

func (s *Source) edge(src, dst *model.Node, t model.RelationType) *model.Edge {
	return &model.Edge{
		SourceID:      src.Identity(),
		TargetID:      dst.Identity(),
		Type:          t,
		Confidence:    1.0,
		DiscoveredVia: model.ProvenanceAPIField,
	}
}
