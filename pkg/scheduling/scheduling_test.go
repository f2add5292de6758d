package scheduling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/types"
)

func newSharedUnit(id string, cpu, mem, cpuFree, memFree float64) *types.ResourceUnit {
	u := types.NewResourceUnit(id, "root")
	u.Capacity["cpu"] = cpu
	u.Capacity["mem"] = mem
	u.Allocatable["cpu"] = cpuFree
	u.Allocatable["mem"] = memFree
	return u
}

func buildDefaultFramework() *Framework {
	return NewRegistry().
		Register(DefaultPreFilter{}).
		Register(DefaultFilter{}).
		Register(ResourceSelectorFilter{}).
		Register(DefaultHeterogeneousFilter{}).
		Register(DefaultScorer{}).
		Register(DefaultHeterogeneousScorer{}).
		Build()
}

func TestScheduleSharedPicksLeastLoadedCandidate(t *testing.T) {
	root := types.NewResourceUnit("root", "")
	root.Fragment["busy"] = newSharedUnit("busy", 8, 16384, 1, 1024)
	root.Fragment["idle"] = newSharedUnit("idle", 8, 16384, 7, 15360)

	f := buildDefaultFramework()
	pctx := preallocctx.New()
	opt := types.ScheduleOption{
		SchedPolicyName: types.SchedPolicyShared,
		Resources:       map[string]float64{"cpu": 1, "mem": 512},
	}

	winner, err := f.Schedule(pctx, opt, root)
	require.NoError(t, err)
	require.Equal(t, "idle", winner.ID)
}

func TestScheduleSharedFailsWhenNoCapacity(t *testing.T) {
	root := types.NewResourceUnit("root", "")
	root.Fragment["small"] = newSharedUnit("small", 2, 2048, 1, 1024)

	f := buildDefaultFramework()
	pctx := preallocctx.New()
	opt := types.ScheduleOption{
		SchedPolicyName: types.SchedPolicyShared,
		Resources:       map[string]float64{"cpu": 4, "mem": 4096},
	}

	_, err := f.Schedule(pctx, opt, root)
	require.Error(t, err)
}

func TestScheduleMonopolyRequiresExactMatchAndBucket(t *testing.T) {
	root := types.NewResourceUnit("root", "")
	agent := newSharedUnit("agent-1", 4, 8192, 4, 8192)
	proportion, memory := BucketKey(4, 8192)
	agent.BucketIndexes[proportion] = map[string]*types.BucketInfo{
		memory: {MonopolyNum: 1, SharedNum: 0},
	}
	root.Fragment["agent-1"] = agent

	f := buildDefaultFramework()
	pctx := preallocctx.New()
	opt := types.ScheduleOption{
		SchedPolicyName: types.SchedPolicyMonopoly,
		Resources:       map[string]float64{"cpu": 4, "mem": 8192},
	}

	winner, err := f.Schedule(pctx, opt, root)
	require.NoError(t, err)
	require.Equal(t, "agent-1", winner.ID)
	require.True(t, pctx.PreAllocatedSelectedFunctionAgentSet["agent-1"])
}

func TestScheduleMonopolyRejectsAlreadySelectedAgent(t *testing.T) {
	root := types.NewResourceUnit("root", "")
	agent := newSharedUnit("agent-1", 4, 8192, 4, 8192)
	proportion, memory := BucketKey(4, 8192)
	agent.BucketIndexes[proportion] = map[string]*types.BucketInfo{
		memory: {MonopolyNum: 1},
	}
	root.Fragment["agent-1"] = agent

	f := buildDefaultFramework()
	pctx := preallocctx.New()
	pctx.PreAllocatedSelectedFunctionAgentSet["agent-1"] = true
	opt := types.ScheduleOption{
		SchedPolicyName: types.SchedPolicyMonopoly,
		Resources:       map[string]float64{"cpu": 4, "mem": 8192},
	}

	_, err := f.Schedule(pctx, opt, root)
	require.Error(t, err)
}

func TestResourceSelectorFilterPassesDefaultOwner(t *testing.T) {
	candidate := newSharedUnit("agent-1", 4, 4096, 4, 4096)
	filter := ResourceSelectorFilter{}
	opt := types.ScheduleOption{
		ResourceSelector: map[string]string{types.ResourceOwnerKey: types.DefaultOwnerValue},
	}
	result := filter.Filter(preallocctx.New(), opt, candidate)
	require.Equal(t, types.FilterSuccess, result.Status)
}

func TestResourceSelectorFilterFailsMissingValue(t *testing.T) {
	candidate := newSharedUnit("agent-1", 4, 4096, 4, 4096)
	candidate.NodeLabels["zone"] = types.LabelCounter{"us-east": 1}
	filter := ResourceSelectorFilter{}
	opt := types.ScheduleOption{
		ResourceSelector: map[string]string{"zone": "us-west"},
	}
	result := filter.Filter(preallocctx.New(), opt, candidate)
	require.Equal(t, types.FilterFail, result.Status)
	require.Equal(t, "Resource Require Value Not Found", result.Required)
}

func TestDefaultHeterogeneousScorerReturnsZeroWhenNotRequested(t *testing.T) {
	candidate := newSharedUnit("agent-1", 4, 4096, 4, 4096)
	scorer := DefaultHeterogeneousScorer{}
	score := scorer.Score(preallocctx.New(), types.ScheduleOption{}, candidate)
	require.Equal(t, float64(0), score)
}

func TestPrecisePreFilterMatchesOnlyExactFootprint(t *testing.T) {
	root := types.NewResourceUnit("root", "")
	root.Fragment["match"] = newSharedUnit("match", 4, 8192, 4, 8192)
	root.Fragment["nomatch"] = newSharedUnit("nomatch", 2, 8192, 2, 8192)

	opt := types.ScheduleOption{Resources: map[string]float64{"cpu": 4, "mem": 8192}}
	result := DefaultPreFilter{}.PreFilter(preallocctx.New(), types.ScheduleOption{SchedPolicyName: types.SchedPolicyMonopoly, Resources: opt.Resources}, root)

	require.Len(t, result.Candidates, 1)
	require.Equal(t, "match", result.Candidates[0].ID)
}
