// Package scheduling implements C3, the Scheduling Framework: a
// pluggable prefilter/filter/scorer pipeline executed against a
// PreAllocatedContext to pick one ResourceUnit for a schedule request.
package scheduling

import (
	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/types"
)

// InvalidScore is returned by a Scorer to mean "this scorer does not
// apply to this candidate"; a candidate with any InvalidScore result is
// excluded from selection regardless of its other scores.
const InvalidScore = -1.0

// PreFilter narrows the set of child units considered for a request,
// before the more expensive per-candidate Filter stage runs.
type PreFilter interface {
	Name() string
	PreFilter(pctx *preallocctx.Context, opt types.ScheduleOption, unit *types.ResourceUnit) PreFilterResult
}

// PreFilterResult is either a candidate list or a terminal status that
// aborts the request before any Filter runs.
type PreFilterResult struct {
	Candidates []*types.ResourceUnit
	Terminal   *types.Filtered
}

// Filter evaluates one candidate unit against the request and returns
// whether, and how many times, it could still host it.
type Filter interface {
	Name() string
	Filter(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered
}

// Scorer assigns a non-negative preference score to a candidate that
// survived every Filter. Returning InvalidScore excludes the candidate.
type Scorer interface {
	Name() string
	Weight() float64
	Score(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) float64
}
