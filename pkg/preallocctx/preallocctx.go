// Package preallocctx implements the PreAllocatedContext: per-attempt
// mutable bookkeeping shared by the scheduling framework (C3) and the
// affinity engine (C4) as a scheduling request is filtered and scored.
package preallocctx

import "github.com/cuemby/fnsched/pkg/types"

// PodSpec is the {proportion, memory} key of a resource bucket.
type PodSpec struct {
	Proportion string
	Memory     string
}

// AffinityContext is the per-attempt state the affinity engine threads
// through the plugin context: the scored result so far, the running
// score used to check strict optimality, and whether the root tier's
// scorer has already run (which defers preferred-affinity enforcement
// to this attempt's downstream, non-root tiers).
type AffinityContext struct {
	ScheduledResult     map[string]bool
	ScheduledScore      map[string]float64
	IsTopDownScheduling bool
}

// pluginContextKey names well-known entries in Context.PluginCtx.
type pluginContextKey string

const (
	LabelAffinityPluginKey  pluginContextKey = "LABEL_AFFINITY_PLUGIN"
	GroupScheduleContextKey pluginContextKey = "GROUP_SCHEDULE_CONTEXT"
)

// Context is the per-request mutable state passed through the
// prefilter/filter/scorer pipeline. It is constructed fresh for every
// scheduling attempt and is never mutated once the attempt commits.
type Context struct {
	// Allocated is tentative resource usage per unit id, accumulated as
	// plugins reserve capacity within this attempt.
	Allocated map[string]map[string]float64

	// ConflictNodes holds unit ids already shown infeasible by an
	// earlier stage of this attempt, so later stages can skip them.
	ConflictNodes map[string]bool

	// InstanceFeasiblePodSpec holds, per instance id, the candidate
	// {proportion, memory} pairs still under consideration.
	InstanceFeasiblePodSpec map[string][]PodSpec

	// PreAllocatedSelectedFunctionAgentMap/Set track monopoly
	// exclusivity: once an agent is claimed by one instance of a
	// monopoly-scheduled function within this attempt, no sibling
	// instance may also claim it.
	PreAllocatedSelectedFunctionAgentMap map[string]string
	PreAllocatedSelectedFunctionAgentSet map[string]bool

	// PluginCtx maps an opaque plugin name to its own per-attempt state.
	PluginCtx map[pluginContextKey]interface{}

	// AllocatedLabels holds, per unit id, the label key -> value counter
	// of instances tentatively reserved on that unit within this
	// attempt. Same shape as types.ResourceUnit.NodeLabels.
	AllocatedLabels map[string]map[string]types.LabelCounter

	// AllLocalLabels holds, per local-tier id, the label counter
	// aggregated over all of that local node's children. Populated once
	// from the resource view snapshot and read-only for the attempt.
	AllLocalLabels map[string]map[string]types.LabelCounter

	// RequestDefaultScores seeds the scorer stage with any per-request
	// baseline score override.
	RequestDefaultScores map[string]float64
}

// New returns an empty Context ready for one scheduling attempt.
func New() *Context {
	return &Context{
		Allocated:                            map[string]map[string]float64{},
		ConflictNodes:                        map[string]bool{},
		InstanceFeasiblePodSpec:              map[string][]PodSpec{},
		PreAllocatedSelectedFunctionAgentMap: map[string]string{},
		PreAllocatedSelectedFunctionAgentSet: map[string]bool{},
		PluginCtx:                            map[pluginContextKey]interface{}{},
		AllocatedLabels:                      map[string]map[string]types.LabelCounter{},
		AllLocalLabels:                       map[string]map[string]types.LabelCounter{},
		RequestDefaultScores:                 map[string]float64{},
	}
}

// Reserve tentatively deducts amount of resource from unitID within this
// attempt, so subsequent filter evaluations see it as already spoken for.
func (c *Context) Reserve(unitID, resource string, amount float64) {
	if c.Allocated[unitID] == nil {
		c.Allocated[unitID] = map[string]float64{}
	}
	c.Allocated[unitID][resource] += amount
}

// AllocatedFor returns the tentative amount reserved against unitID for
// resource so far in this attempt.
func (c *Context) AllocatedFor(unitID, resource string) float64 {
	return c.Allocated[unitID][resource]
}

// MarkConflict records unitID as infeasible for the remainder of this
// attempt.
func (c *Context) MarkConflict(unitID string) {
	c.ConflictNodes[unitID] = true
}

// IsConflict reports whether unitID was already shown infeasible.
func (c *Context) IsConflict(unitID string) bool {
	return c.ConflictNodes[unitID]
}

// ReserveLabel records that an instance carrying labelValue under
// labelKey was tentatively placed on unitID within this attempt.
func (c *Context) ReserveLabel(unitID, labelKey, labelValue string) {
	if c.AllocatedLabels[unitID] == nil {
		c.AllocatedLabels[unitID] = map[string]types.LabelCounter{}
	}
	if c.AllocatedLabels[unitID][labelKey] == nil {
		c.AllocatedLabels[unitID][labelKey] = types.LabelCounter{}
	}
	c.AllocatedLabels[unitID][labelKey].Add(labelValue, 1)
}

// AffinityContext returns the AffinityContext for this attempt, creating
// one on first access.
func (c *Context) AffinityContextFor() *AffinityContext {
	v, ok := c.PluginCtx[LabelAffinityPluginKey].(*AffinityContext)
	if ok {
		return v
	}
	v = &AffinityContext{
		ScheduledResult: map[string]bool{},
		ScheduledScore:  map[string]float64{},
	}
	c.PluginCtx[LabelAffinityPluginKey] = v
	return v
}

// SetGroupScheduleContext stores opaque group-scheduling state so it
// survives a retry attempt via Copy.
func (c *Context) SetGroupScheduleContext(v interface{}) {
	c.PluginCtx[GroupScheduleContextKey] = v
}

// GroupScheduleContext returns the group-scheduling state set by
// SetGroupScheduleContext, if any.
func (c *Context) GroupScheduleContext() (interface{}, bool) {
	v, ok := c.PluginCtx[GroupScheduleContextKey]
	return v, ok
}

// Copy returns a fresh Context for a retry attempt, carrying over each
// named plugin-context key exactly once (LABEL_AFFINITY_PLUGIN and
// GROUP_SCHEDULE_CONTEXT survive a retry; all other per-attempt
// bookkeeping is reset).
func Copy(c *Context) *Context {
	next := New()
	for k, v := range c.PluginCtx {
		next.PluginCtx[k] = v
	}
	return next
}
