package scheduling

import (
	"sort"

	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/types"
)

// Framework runs the compiled pipeline of prefilter/filter/scorer
// plugins a Registry was built with.
type Framework struct {
	preFilters []PreFilter
	filters    []Filter
	scorers    []Scorer
}

// Schedule evaluates root's children against opt and returns the
// highest-scoring feasible candidate. Ties are broken deterministically
// by candidate id, lexicographically ascending.
func (f *Framework) Schedule(pctx *preallocctx.Context, opt types.ScheduleOption, root *types.ResourceUnit) (*types.ResourceUnit, error) {
	timer := metrics.NewTimer()
	outcome := "resource_not_enough"
	defer func() { timer.ObserveDurationVec(metrics.SchedulingLatency, outcome) }()

	candidates, err := f.runPreFilters(pctx, opt, root)
	if err != nil {
		outcome = "error"
		return nil, err
	}
	metrics.PrefilterCandidatesTotal.Observe(float64(len(candidates)))

	type scored struct {
		unit  *types.ResourceUnit
		score float64
	}
	var survivors []scored
	lastFailCode := schederr.ResourceNotEnough
	lastFailReason := "no candidate unit survived filtering"

	for _, candidate := range candidates {
		if pctx.IsConflict(candidate.ID) {
			continue
		}
		if result := f.runFilters(pctx, opt, candidate); result.Status != types.FilterSuccess {
			if result.IsFatalErr {
				outcome = "fatal"
				return nil, schederr.New(result.Code, result.Required)
			}
			lastFailCode = result.Code
			lastFailReason = result.Required
			pctx.MarkConflict(candidate.ID)
			continue
		}

		total, invalid := f.runScorers(pctx, opt, candidate)
		if invalid {
			continue
		}
		survivors = append(survivors, scored{unit: candidate, score: total})
	}

	if len(survivors) == 0 {
		return nil, schederr.New(lastFailCode, lastFailReason)
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].unit.ID < survivors[j].unit.ID
	})

	metrics.SchedulingOutcomesTotal.WithLabelValues("scheduled").Inc()
	outcome = "scheduled"
	return survivors[0].unit, nil
}

func (f *Framework) runPreFilters(pctx *preallocctx.Context, opt types.ScheduleOption, root *types.ResourceUnit) ([]*types.ResourceUnit, error) {
	if len(f.preFilters) == 0 {
		return fragmentsOf(root), nil
	}
	for _, pf := range f.preFilters {
		result := pf.PreFilter(pctx, opt, root)
		if result.Terminal != nil {
			return nil, schederr.New(result.Terminal.Code, result.Terminal.Required)
		}
		if result.Candidates != nil {
			return result.Candidates, nil
		}
	}
	return fragmentsOf(root), nil
}

func fragmentsOf(unit *types.ResourceUnit) []*types.ResourceUnit {
	out := make([]*types.ResourceUnit, 0, len(unit.Fragment))
	for _, child := range unit.Fragment {
		out = append(out, child)
	}
	return out
}

func (f *Framework) runFilters(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	for _, filter := range f.filters {
		result := filter.Filter(pctx, opt, candidate)
		if result.Status != types.FilterSuccess {
			return result
		}
	}
	return types.OK(1)
}

func (f *Framework) runScorers(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) (total float64, invalid bool) {
	for _, scorer := range f.scorers {
		s := scorer.Score(pctx, opt, candidate)
		if s == InvalidScore {
			return 0, true
		}
		total += s * scorer.Weight()
	}
	return total, false
}
