package scheduling

import (
	"strings"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/types"
)

// DefaultScorer prefers the least-loaded candidate (the largest fraction
// of allocatable capacity remaining after this attempt's tentative
// reservations), spreading load the way the cluster's own node selector
// favors the node with the fewest existing workloads.
type DefaultScorer struct{}

func (DefaultScorer) Name() string    { return "DefaultScorer" }
func (DefaultScorer) Weight() float64 { return 1.0 }

func (DefaultScorer) Score(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) float64 {
	var sum, n float64
	for name, capacity := range candidate.Capacity {
		if capacity <= 0 || isHeterogeneousResourceName(name) {
			continue
		}
		free := candidate.Allocatable[name] - pctx.AllocatedFor(candidate.ID, name)
		sum += free / capacity
		n++
	}
	if n == 0 {
		return InvalidScore
	}
	return sum / n
}

// DefaultHeterogeneousScorer scores by the average remaining fraction
// across a candidate's matched vector-resource cards for the request.
// A request with no heterogeneous resource scores 0 on every candidate;
// a candidate with no card for a requested memory key scores
// InvalidScore.
type DefaultHeterogeneousScorer struct{}

func (DefaultHeterogeneousScorer) Name() string    { return "DefaultHeterogeneousScorer" }
func (DefaultHeterogeneousScorer) Weight() float64 { return 1.0 }

func (DefaultHeterogeneousScorer) Score(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) float64 {
	var sum, n float64
	requested := false
	for name, capacity := range opt.Resources {
		if !isHeterogeneousResourceName(name) || capacity <= 0 {
			continue
		}
		requested = true
		parts := strings.SplitN(name, "/", 3)
		if len(parts) != 3 {
			continue
		}
		for resName, cap := range candidate.Capacity {
			if !strings.HasSuffix(resName, "/"+parts[2]) {
				continue
			}
			free := cap - pctx.AllocatedFor(candidate.ID, resName)
			if cap > 0 {
				sum += free / cap
				n++
			}
		}
	}
	if !requested {
		return 0
	}
	if n == 0 {
		return InvalidScore
	}
	return sum / n
}
