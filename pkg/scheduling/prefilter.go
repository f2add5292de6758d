package scheduling

import (
	"fmt"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/types"
)

// DefaultPreFilter is the only compiled-in prefilter: for monopoly
// requests it narrows candidates to those whose own (proportion, memory)
// footprint exactly matches the request via bucketIndexes (the
// PrecisePreFilter path); otherwise it returns every child unverified.
type DefaultPreFilter struct{}

func (DefaultPreFilter) Name() string { return "DefaultPreFilter" }

func (DefaultPreFilter) PreFilter(_ *preallocctx.Context, opt types.ScheduleOption, unit *types.ResourceUnit) PreFilterResult {
	if opt.SchedPolicyName != types.SchedPolicyMonopoly {
		return PreFilterResult{Candidates: fragmentsOf(unit)}
	}
	return PreFilterResult{Candidates: precisePreFilter(opt, unit)}
}

// BucketKey returns the (proportion, memory) key pair the bucket index
// is keyed on for a given cpu/mem request.
func BucketKey(cpu, mem float64) (proportion, memory string) {
	if mem == 0 {
		return fmt.Sprintf("%.4f", cpu), "0"
	}
	return fmt.Sprintf("%.4f", cpu/mem), fmt.Sprintf("%.0f", mem)
}

func precisePreFilter(opt types.ScheduleOption, unit *types.ResourceUnit) []*types.ResourceUnit {
	cpu := opt.Resources["cpu"]
	mem := opt.Resources["mem"]
	proportion, memory := BucketKey(cpu, mem)

	var out []*types.ResourceUnit
	for _, child := range unit.Fragment {
		childCPU := child.Capacity["cpu"]
		childMem := child.Capacity["mem"]
		childProportion, childMemory := BucketKey(childCPU, childMem)
		if childProportion == proportion && childMemory == memory {
			out = append(out, child)
		}
	}
	return out
}
