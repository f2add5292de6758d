// Package affinity implements C4, the Affinity Engine: evaluation of the
// AffinitySelectorTree against a candidate's labels, and the per-scope
// required/preferred scoring rules of spec.md §4.4.
package affinity

import "github.com/cuemby/fnsched/pkg/types"

// rankedWeight returns the weight SubConditions[i] scores with: its own
// nominal weight (sum of its expressions' weights), unless the tree uses
// OrderPriority, in which case subconditions are re-ranked by position
// into the ladder 100, 90, 80, ... floored at 10.
func rankedWeight(tree *types.AffinitySelectorTree, i int) float64 {
	if !tree.OrderPriority {
		return nominalWeight(tree.SubConditions[i])
	}
	w := 100.0 - float64(i)*10
	if w < 10 {
		w = 10
	}
	return w
}

func nominalWeight(sub types.SubCondition) float64 {
	var sum float64
	for _, e := range sub.Exprs {
		sum += e.Weight
	}
	return sum
}

// Satisfied reports whether every clause of sub matches labels.
func satisfied(sub types.SubCondition, labels map[string]types.LabelCounter) bool {
	if len(sub.Exprs) == 0 {
		return false
	}
	for _, e := range sub.Exprs {
		if !exprSatisfied(e, labels) {
			return false
		}
	}
	return true
}

func exprSatisfied(e types.LabelExpr, labels map[string]types.LabelCounter) bool {
	counter, ok := labels[e.Key]
	switch e.Op {
	case types.AffinityExist:
		return ok && len(counter) > 0
	case types.AffinityNotExist:
		return !ok || len(counter) == 0
	case types.AffinityIn:
		if !ok {
			return false
		}
		for _, v := range e.Values {
			if counter.Has(v) {
				return true
			}
		}
		return false
	case types.AffinityNotIn:
		if !ok {
			return true
		}
		for _, v := range e.Values {
			if counter.Has(v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Score returns the weight of the best-matching (highest-scoring)
// satisfied subcondition, or 0 if none match.
func Score(tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) float64 {
	if tree == nil {
		return 0
	}
	var best float64
	for i, sub := range tree.SubConditions {
		if !satisfied(sub, labels) {
			continue
		}
		if w := rankedWeight(tree, i); w > best {
			best = w
		}
	}
	return best
}

// TheoreticalMax is the score a perfectly-matching candidate would reach:
// the weight of the first (strongest) subcondition.
func TheoreticalMax(tree *types.AffinitySelectorTree) float64 {
	if tree == nil || len(tree.SubConditions) == 0 {
		return 0
	}
	return rankedWeight(tree, 0)
}

// RequiredAffinity reports whether labels satisfies tree as a hard
// constraint: at least one subcondition fully satisfied, regardless of
// OrderPriority. OrderPriority only ranks subconditions for preferred-
// affinity scoring (see rankedWeight/OptimalityCheck); it never narrows
// which subcondition is acceptable for the required-affinity check.
func RequiredAffinity(tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) bool {
	if tree == nil || len(tree.SubConditions) == 0 {
		return true
	}
	for _, sub := range tree.SubConditions {
		if satisfied(sub, labels) {
			return true
		}
	}
	return false
}

// RequiredAntiAffinity reports whether labels satisfies tree as a hard
// anti-constraint: no subcondition fully satisfied.
func RequiredAntiAffinity(tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) bool {
	if tree == nil {
		return true
	}
	for _, sub := range tree.SubConditions {
		if satisfied(sub, labels) {
			return false
		}
	}
	return true
}

// OptimalityCheck reports whether labels reaches tree's theoretical
// maximum preferred-affinity score, as strict-mode filters require.
func OptimalityCheck(tree *types.AffinitySelectorTree, labels map[string]types.LabelCounter) bool {
	if tree == nil {
		return true
	}
	return Score(tree, labels) >= TheoreticalMax(tree)
}

// MergeLabels combines the per-child-unit NodeLabels maps used by the
// inner/grouplb scope, which scores against merged labels across the
// candidates in a group rather than a single unit.
func MergeLabels(sets ...map[string]types.LabelCounter) map[string]types.LabelCounter {
	merged := map[string]types.LabelCounter{}
	for _, set := range sets {
		for key, counter := range set {
			if merged[key] == nil {
				merged[key] = types.LabelCounter{}
			}
			for value, count := range counter {
				merged[key].Add(value, count)
			}
		}
	}
	return merged
}
