package scheduling

import (
	"math"
	"regexp"
	"strings"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/types"
)

// DefaultFilter implements the monopoly and shared scheduling paths
// described in spec.md §4.3: monopoly requires an exact capacity match
// against a bucket with at least one free monopoly slot; shared computes
// the number of identical-spec slots still free after tentative
// allocations in this attempt.
type DefaultFilter struct{}

func (DefaultFilter) Name() string { return "DefaultFilter" }

func (DefaultFilter) Filter(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	if opt.SchedPolicyName == types.SchedPolicyMonopoly {
		return filterMonopoly(pctx, opt, candidate)
	}
	return filterShared(pctx, opt.Resources, candidate)
}

func filterMonopoly(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	if pctx.PreAllocatedSelectedFunctionAgentSet[candidate.ID] {
		return types.Fail(schederr.ResourceNotEnough, "[(cpu, mem) Already Allocated To Other]")
	}

	cpu := opt.Resources["cpu"]
	mem := opt.Resources["mem"]
	if cpu <= 1e-9 {
		return types.FailFatal(schederr.InvalidResourceParameter, "invalid cpu request for monopoly schedule")
	}
	if candidate.Capacity["cpu"] != cpu || candidate.Capacity["mem"] != mem {
		return types.Fail(schederr.ResourceNotEnough, "Don't Match Precisely")
	}

	proportion, memory := BucketKey(cpu, mem)
	bucket := candidate.BucketIndexes[proportion][memory]
	if bucket == nil || bucket.MonopolyNum <= 0 {
		return types.Fail(schederr.ResourceNotEnough, "Not Enough")
	}

	pctx.PreAllocatedSelectedFunctionAgentSet[candidate.ID] = true
	pctx.PreAllocatedSelectedFunctionAgentMap[candidate.ID] = candidate.ID
	return types.OK(1)
}

func filterShared(pctx *preallocctx.Context, requestedResources map[string]float64, candidate *types.ResourceUnit) types.Filtered {
	available := 0
	first := true
	for name, requested := range requestedResources {
		if requested <= 0 || isHeterogeneousResourceName(name) {
			continue
		}
		capacity, ok := candidate.Capacity[name]
		if !ok {
			return types.Fail(schederr.ParameterError, "Not Found")
		}
		if requested > capacity {
			return types.Fail(schederr.ResourceNotEnough, "Out Of Capacity")
		}
		free := candidate.Allocatable[name] - pctx.AllocatedFor(candidate.ID, name)
		if requested > free {
			return types.Fail(schederr.ResourceNotEnough, "Not Enough")
		}
		slots := int(math.Floor(free / requested))
		if first || slots < available {
			available = slots
			first = false
		}
	}
	if first {
		available = 1
	}
	return types.OK(available)
}

var heterogeneousName = regexp.MustCompile(`^NPU/.+/.+$`)

func isHeterogeneousResourceName(name string) bool {
	return heterogeneousName.MatchString(name)
}

// ResourceSelectorFilter enforces opt.ResourceSelector against the
// candidate's node labels.
type ResourceSelectorFilter struct{}

func (ResourceSelectorFilter) Name() string { return "ResourceSelectorFilter" }

func (ResourceSelectorFilter) Filter(_ *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	for label, required := range opt.ResourceSelector {
		counter, ok := candidate.NodeLabels[label]
		if !ok {
			if label == types.ResourceOwnerKey && required == types.DefaultOwnerValue {
				continue
			}
			return types.Fail(schederr.ResourceNotEnough, "Resource Require Label Not Found")
		}
		if !counter.Has(required) {
			return types.Fail(schederr.ResourceNotEnough, "Resource Require Value Not Found")
		}
	}
	return types.OK(1)
}

// DefaultHeterogeneousFilter matches NPU/<regex>/<key> resource requests
// against the candidate's vector resources card by card.
type DefaultHeterogeneousFilter struct{}

func (DefaultHeterogeneousFilter) Name() string { return "DefaultHeterogeneousFilter" }

func (f DefaultHeterogeneousFilter) Filter(pctx *preallocctx.Context, opt types.ScheduleOption, candidate *types.ResourceUnit) types.Filtered {
	for name, requested := range opt.Resources {
		if !isHeterogeneousResourceName(name) || requested <= 0 {
			continue
		}
		parts := strings.SplitN(name, "/", 3)
		if len(parts) != 3 {
			return types.FailFatal(schederr.ParameterError, "malformed heterogeneous resource name")
		}
		pattern, err := regexp.Compile("^" + parts[1] + "$")
		if err != nil {
			return types.FailFatal(schederr.ParameterError, "invalid heterogeneous resource pattern")
		}

		matched := matchingCards(candidate, pattern, parts[2], pctx)
		if requested <= 1 {
			if !hasCardWithCapacity(matched, requested) {
				return types.Fail(schederr.HeterogeneousScheduleFailed, "Heterogeneous Card Memory Not Enough")
			}
			continue
		}
		if requested != math.Trunc(requested) {
			return types.FailFatal(schederr.ParameterError, "fractional heterogeneous card count greater than 1")
		}
		needed := int(requested)
		count := 0
		for _, free := range matched {
			if free >= 1.0 {
				count++
			}
		}
		if count < needed {
			return types.Fail(schederr.HeterogeneousScheduleFailed, "Heterogeneous Card Count Not Enough")
		}
	}
	return types.OK(1)
}

func matchingCards(candidate *types.ResourceUnit, pattern *regexp.Regexp, memKey string, pctx *preallocctx.Context) []float64 {
	var free []float64
	for resName, capacity := range candidate.Capacity {
		if !strings.HasSuffix(resName, "/"+memKey) {
			continue
		}
		card := strings.TrimSuffix(resName, "/"+memKey)
		if !pattern.MatchString(card) {
			continue
		}
		allocated := pctx.AllocatedFor(candidate.ID, resName)
		free = append(free, capacity-allocated)
	}
	return free
}

func hasCardWithCapacity(free []float64, requested float64) bool {
	for _, f := range free {
		if f >= requested {
			return true
		}
	}
	return false
}
