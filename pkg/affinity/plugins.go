package affinity

import (
	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/types"
)

// mergedCandidateLabels combines a candidate agent's own node labels with
// the labels of instances tentatively reserved on it within this attempt
// (the "instance / pod" scope scoring basis of spec.md §4.4).
func mergedCandidateLabels(pctx *preallocctx.Context, candidate *types.ResourceUnit) map[string]types.LabelCounter {
	return MergeLabels(candidate.NodeLabels, pctx.AllocatedLabels[candidate.ID])
}

// LabelAffinityFilter implements the instance/pod scope's required-
// affinity hard constraint, with strict mode additionally enforcing
// preferred-affinity optimality once an ancestor's root scorer has run.
type LabelAffinityFilter struct {
	Strict bool
	Root   bool
}

var (
	RelaxedRootLabelAffinityFilter    = LabelAffinityFilter{Strict: false, Root: true}
	StrictRootLabelAffinityFilter     = LabelAffinityFilter{Strict: true, Root: true}
	RelaxedNonRootLabelAffinityFilter = LabelAffinityFilter{Strict: false, Root: false}
	StrictNonRootLabelAffinityFilter  = LabelAffinityFilter{Strict: true, Root: false}
)

func (f LabelAffinityFilter) Name() string {
	name := "Relaxed"
	if f.Strict {
		name = "Strict"
	}
	if f.Root {
		name += "Root"
	} else {
		name += "NonRoot"
	}
	return name + "LabelAffinityFilter"
}

func (f LabelAffinityFilter) Filter(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	tree := opt.Affinity
	if tree == nil {
		return types.OK(1)
	}
	labels := mergedCandidateLabels(pctx, candidate)
	if !RequiredAffinity(tree, labels) {
		return types.Fail(schederr.AffinityScheduleFailed, "Affinity Required Not Satisfied")
	}

	// Preferred-affinity optimality is only enforced downstream of the
	// tier whose root scorer already ran top-down: at the root itself,
	// or in relaxed mode anywhere, preferred-affinity may go unmet.
	if f.Strict && !f.Root && pctx.AffinityContextFor().IsTopDownScheduling {
		if !OptimalityCheck(tree, labels) {
			return types.Fail(schederr.AffinityScheduleFailed, "Affinity Preferred Optimality Not Met")
		}
	}
	return types.OK(1)
}

// LabelAffinityScorer implements the instance/pod scope's preferred-
// affinity scoring. At the root tier, preferred-affinity is deferred to
// child tiers with finer-grained label information; the root scorer
// marks the attempt as top-down so downstream strict filters know to
// enforce optimality instead.
type LabelAffinityScorer struct {
	Strict bool
}

var (
	RelaxedLabelAffinityScorer = LabelAffinityScorer{Strict: false}
	StrictLabelAffinityScorer  = LabelAffinityScorer{Strict: true}
)

func (s LabelAffinityScorer) Name() string {
	if s.Strict {
		return "StrictLabelAffinityScorer"
	}
	return "RelaxedLabelAffinityScorer"
}

func (LabelAffinityScorer) Weight() float64 { return 1.0 }

func (s LabelAffinityScorer) Score(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) float64 {
	tree := opt.Affinity
	if tree == nil {
		return scheduling.InvalidScore
	}
	if opt.IsRootDomainLevel {
		pctx.AffinityContextFor().IsTopDownScheduling = true
		return 0
	}

	labels := mergedCandidateLabels(pctx, candidate)
	score := Score(tree, labels)
	if !s.Strict {
		return score
	}
	if !OptimalityCheck(tree, labels) {
		return 0
	}
	return score
}
