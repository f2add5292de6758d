package affinity

import "github.com/cuemby/fnsched/pkg/types"

// Scope names the label set and required/preferred rule an affinity
// evaluation applies, per the table in spec.md §4.4. Components outside
// the C3 pipeline (preemption, rgroup bookkeeping, group load-balancing
// in C5/C6) call the Scope functions below directly rather than going
// through a scheduling.Filter/Scorer plugin, since those scopes are not
// part of the compiled-in per-tier pipeline.
type Scope string

const (
	ScopeInstancePod  Scope = "instance_pod"
	ScopeInstanceNode Scope = "instance_node"
	ScopeResource     Scope = "resource"
	ScopeInnerPreempt Scope = "inner_preempt"
	ScopeInnerData    Scope = "inner_data"
	ScopeInnerRgroup  Scope = "inner_rgroup"
	ScopeInnerPending Scope = "inner_pending"
	ScopeInnerGroupLB Scope = "inner_grouplb"
)

// RequiredOK reports whether labels satisfies tree's hard constraint for
// scope. Scopes without a required rule (data, preempt) always pass.
func RequiredOK(scope Scope, tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) bool {
	switch scope {
	case ScopeInstancePod, ScopeInstanceNode, ScopeResource, ScopeInnerRgroup:
		return RequiredAffinity(tree, labels)
	case ScopeInnerPreempt, ScopeInnerData:
		return true
	default:
		return true
	}
}

// PreferredScore returns the preferred-affinity score for scope, or 0 for
// scopes that carry no preferred component (rgroup, pending).
func PreferredScore(scope Scope, tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) float64 {
	switch scope {
	case ScopeInstancePod, ScopeInstanceNode, ScopeResource, ScopeInnerPreempt, ScopeInnerData, ScopeInnerGroupLB:
		return Score(tree, labels)
	default:
		return 0
	}
}

// PendingOK implements the inner/pending scope: a unit is feasible only
// if it does not satisfy the requiredAffinity of any resource still
// pending in this attempt, since those reservations are held for later
// instances and must not be consumed preemptively.
func PendingOK(unitLabels map[string]types.LabelCounter, pendingTrees []*types.AffinitySelectorTree) bool {
	for _, tree := range pendingTrees {
		if RequiredAffinity(tree, unitLabels) {
			return false
		}
	}
	return true
}

// GroupLBMode selects whether the inner/grouplb scope favors spreading
// instances across distinct label values (requiredAnti) or packing them
// onto the same value (preferredAffinity).
type GroupLBMode int

const (
	GroupLBSpread GroupLBMode = iota
	GroupLBPack
)

// GroupLBOK implements the inner/grouplb scope's required rule: in
// spread mode, the candidate's merged labels must satisfy requiredAnti;
// in pack mode there is no hard constraint, only the preferred score
// from PreferredScore against the merged labels.
func GroupLBOK(mode GroupLBMode, tree *types.AffinitySelectorTree, mergedLabels map[string]types.LabelCounter) bool {
	if mode == GroupLBSpread {
		return RequiredAntiAffinity(tree, mergedLabels)
	}
	return true
}
