// Package types defines the core data structures shared by every scheduler
// tier: resource units, instances, function metadata, routes and the
// preallocation bookkeeping the scheduling pipeline mutates per attempt.
package types

import (
	"time"

	"github.com/cuemby/fnsched/pkg/schederr"
)

// Tier identifies which level of the scheduler hierarchy a component runs at.
type Tier string

const (
	TierLocal  Tier = "local"
	TierDomain Tier = "domain"
	TierGlobal Tier = "global"
)

// SchedPolicy selects how an instance consumes an agent's capacity.
type SchedPolicy string

const (
	SchedPolicyMonopoly SchedPolicy = "monopoly"
	SchedPolicyShared   SchedPolicy = "shared"
)

// Well-known createoptions / resourceselector keys.
const (
	ResourceOwnerKey    = "RESOURCE_OWNER_KEY"
	DefaultOwnerValue   = "__default_owner__"
	AffinityPoolIDKey   = "AFFINITY_POOL_ID"
	InitCallSuffix      = "@initcall"
	SystemFunctionTenant = "0"
)

// ResourceQuantity is a scalar or vector resource amount. Vector resources
// (heterogeneous cards) are keyed by card name under Vector.
type ResourceQuantity struct {
	Scalar float64
	Vector map[string]float64
}

// LabelCounter is a multiplicity-aware label value counter: the same label
// value can recur across several children of a unit.
type LabelCounter map[string]int

// Add increments value's count by delta; if the resulting count is <= 0 the
// entry is removed so empty counters never linger in a map.
func (c LabelCounter) Add(value string, delta int) {
	c[value] += delta
	if c[value] <= 0 {
		delete(c, value)
	}
}

// Has reports whether value is present with a positive count.
func (c LabelCounter) Has(value string) bool {
	return c[value] > 0
}

// BucketInfo is the precise-match acceleration entry for monopoly scheduling:
// the count of agents able to host a monopoly or shared slot of exactly the
// bucket's (proportion, memory) footprint.
type BucketInfo struct {
	MonopolyNum int
	SharedNum   int
}

// ResourceUnit is a node in the cluster resource tree: the cluster root, a
// domain, a local node, or a single agent.
type ResourceUnit struct {
	ID       string
	OwnerID  string
	Capacity map[string]float64
	// Allocatable holds current free amount per resource name.
	Allocatable map[string]float64
	// NodeLabels maps a label key to a counter over values seen among this
	// unit's descendants (values can recur with multiplicity).
	NodeLabels map[string]LabelCounter
	// Fragment maps child unit id to the child ResourceUnit.
	Fragment map[string]*ResourceUnit
	// BucketIndexes accelerates precise-match monopoly lookups:
	// proportion string -> memory string -> BucketInfo.
	BucketIndexes map[string]map[string]*BucketInfo
	// ModRevision is the monotonically increasing version used to order
	// and dedupe UpdateResourceUnitDelta applications.
	ModRevision int64
}

// NewResourceUnit returns an empty, initialized ResourceUnit.
func NewResourceUnit(id, ownerID string) *ResourceUnit {
	return &ResourceUnit{
		ID:            id,
		OwnerID:       ownerID,
		Capacity:      map[string]float64{},
		Allocatable:   map[string]float64{},
		NodeLabels:    map[string]LabelCounter{},
		Fragment:      map[string]*ResourceUnit{},
		BucketIndexes: map[string]map[string]*BucketInfo{},
	}
}

// InstanceStatus is the lifecycle state of a scheduled/scheduling instance.
type InstanceStatus string

const (
	InstanceNew        InstanceStatus = "NEW"
	InstanceScheduling InstanceStatus = "SCHEDULING"
	InstanceBinding    InstanceStatus = "BINDING"
	InstanceRunning    InstanceStatus = "RUNNING"
	InstanceExiting    InstanceStatus = "EXITING"
	InstanceFatal      InstanceStatus = "FATAL"
	InstanceFinalized  InstanceStatus = "FINALIZED"
)

// FunctionRef identifies a function version (tenant/name/version triple).
type FunctionRef struct {
	Tenant  string
	Name    string
	Version string
}

// Key returns the flattened string used to index a FunctionRef in caches
// and meta-store key paths.
func (f FunctionRef) Key() string {
	return f.Tenant + "/" + f.Name + "/" + f.Version
}

// AffinityOp is one label-expression operator within a SubCondition.
type AffinityOp int

const (
	AffinityExist AffinityOp = iota
	AffinityNotExist
	AffinityIn
	AffinityNotIn
)

// LabelExpr is one clause of a SubCondition: an operator applied to a
// label key (and, for In/NotIn, a set of values), carrying the weight it
// contributes to the subcondition's nominal score.
type LabelExpr struct {
	Key    string
	Op     AffinityOp
	Values []string
	Weight float64
}

// SubCondition is a conjunction (AND) of LabelExprs: it is satisfied only
// when every clause matches.
type SubCondition struct {
	Exprs []LabelExpr
}

// AffinitySelectorTree is the affinity selector described in spec.md
// §4.4: a top-level condition over one or more SubConditions that
// combine by maximum. When OrderPriority is set, subconditions are
// interpreted as a preference ranking rather than independently-weighted
// alternatives, and their nominal weights are re-ranked accordingly.
type AffinitySelectorTree struct {
	SubConditions []SubCondition
	OrderPriority bool
}

// ScheduleOption carries everything the scheduling pipeline needs about the
// instance being placed.
type ScheduleOption struct {
	Affinity          *AffinitySelectorTree
	Priority          int
	Timeout           time.Duration
	SchedPolicyName   SchedPolicy
	ResourceSelector  map[string]string
	Resources         map[string]float64
	TargetKind        string
	IsRelaxed         bool
	IsRootDomainLevel bool
}

// InstanceInfo is a scheduled or scheduling function instance.
type InstanceInfo struct {
	InstanceID             string
	RequestID              string
	TraceID                string
	Function               FunctionRef
	FunctionAgentID        string
	FunctionProxyID        string
	Resources              map[string]float64
	ScheduleOption         ScheduleOption
	CreateOptions          map[string]string
	InstanceStatus         InstanceStatus
	TenantID               string
	ParentFunctionProxyAID string
	ModRevision            int64
	CreatedAt              time.Time
}

// IsSystemFunction reports whether the instance belongs to the system tenant
// ("0"), which bypasses lease-TTL bookkeeping in the meta observer.
func (i *InstanceInfo) IsSystemFunction() bool {
	return i.Function.Tenant == SystemFunctionTenant
}

// FunctionMeta is the static descriptor of a function version.
type FunctionMeta struct {
	Function        FunctionRef
	Runtime         string
	Handler         string
	CodeRef         string
	LayerRefs       []string
	DefaultResources map[string]float64
	HookHandlers    map[string]string
	ModRevision     int64
}

// RouteInfo is the public projection of an InstanceInfo published for other
// tiers' observers to subscribe to.
type RouteInfo struct {
	InstanceID  string
	Address     string
	Status      InstanceStatus
	ProxyID     string
	ModRevision int64
}

// ProxyMeta advertises a local proxy's presence under a lease-backed key.
type ProxyMeta struct {
	Node string
	AID  string
	AK   string
}

// Filtered is the result one filter plugin returns for one candidate unit.
// Code names the wire/status code a failing result should surface as;
// it is the zero value (schederr.Success) on a passing result.
type Filtered struct {
	Status              FilterStatus
	AvailableForRequest int
	IsFatalErr          bool
	Required            string
	Code                schederr.Code
}

// FilterStatus is the pass/fail outcome of a filter evaluation.
type FilterStatus int

const (
	FilterSuccess FilterStatus = iota
	FilterFail
)

// OK returns a passing Filtered result with the given availability.
func OK(available int) Filtered {
	return Filtered{Status: FilterSuccess, AvailableForRequest: available}
}

// Fail returns a failing, non-fatal Filtered result carrying the code a
// caller should report and a human-readable reason.
func Fail(code schederr.Code, required string) Filtered {
	return Filtered{Status: FilterFail, AvailableForRequest: -1, Required: required, Code: code}
}

// FailFatal returns a failing, pipeline-aborting Filtered result carrying
// the code a caller should report.
func FailFatal(code schederr.Code, required string) Filtered {
	return Filtered{Status: FilterFail, AvailableForRequest: -1, Required: required, IsFatalErr: true, Code: code}
}
