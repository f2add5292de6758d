package affinity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/types"
)

func zoneTree(orderPriority bool) *types.AffinitySelectorTree {
	return &types.AffinitySelectorTree{
		OrderPriority: orderPriority,
		SubConditions: []types.SubCondition{
			{Exprs: []types.LabelExpr{{Key: "zone", Op: types.AffinityIn, Values: []string{"us-east"}, Weight: 50}}},
			{Exprs: []types.LabelExpr{{Key: "zone", Op: types.AffinityIn, Values: []string{"us-west"}, Weight: 20}}},
		},
	}
}

func TestScorePicksBestMatchingSubcondition(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-west": 1}}
	require.Equal(t, float64(20), Score(zoneTree(false), labels))
}

func TestScoreRerankedUnderOrderPriority(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-west": 1}}
	// second subcondition (index 1) reranked to 90 under orderPriority ladder
	require.Equal(t, float64(90), Score(zoneTree(true), labels))
}

func TestRequiredAffinityAnySubconditionWithoutOrderPriority(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-west": 1}}
	require.True(t, RequiredAffinity(zoneTree(false), labels))
}

func TestRequiredAffinityAnySubconditionUnderOrderPriority(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-west": 1}}
	require.True(t, RequiredAffinity(zoneTree(true), labels), "OrderPriority only reranks preferred-affinity scoring, it never narrows the hard constraint")
}

func TestRequiredAntiAffinityNoSubconditionMatches(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"eu-central": 1}}
	require.True(t, RequiredAntiAffinity(zoneTree(false), labels))
}

func TestOptimalityCheckRequiresTheoreticalMax(t *testing.T) {
	best := map[string]types.LabelCounter{"zone": {"us-east": 1}}
	worse := map[string]types.LabelCounter{"zone": {"us-west": 1}}
	require.True(t, OptimalityCheck(zoneTree(false), best))
	require.False(t, OptimalityCheck(zoneTree(false), worse))
}

func TestNilTreeAlwaysPasses(t *testing.T) {
	require.True(t, RequiredAffinity(nil, nil))
	require.True(t, RequiredAntiAffinity(nil, nil))
	require.Equal(t, float64(0), Score(nil, nil))
}

func newCandidate(id string, labels map[string]types.LabelCounter) *types.ResourceUnit {
	u := types.NewResourceUnit(id, "root")
	for k, v := range labels {
		u.NodeLabels[k] = v
	}
	return u
}

func TestRelaxedFilterOnlyEnforcesRequired(t *testing.T) {
	candidate := newCandidate("agent-1", map[string]types.LabelCounter{"zone": {"us-west": 1}})
	opt := types.ScheduleOption{Affinity: zoneTree(false)}
	result := RelaxedNonRootLabelAffinityFilter.Filter(preallocctx.New(), opt, candidate)
	require.Equal(t, types.FilterSuccess, result.Status)
}

func TestStrictNonRootFilterEnforcesOptimalityOnceTopDown(t *testing.T) {
	candidate := newCandidate("agent-1", map[string]types.LabelCounter{"zone": {"us-west": 1}})
	opt := types.ScheduleOption{Affinity: zoneTree(false)}
	pctx := preallocctx.New()
	pctx.AffinityContextFor().IsTopDownScheduling = true

	result := StrictNonRootLabelAffinityFilter.Filter(pctx, opt, candidate)
	require.Equal(t, types.FilterFail, result.Status)
}

func TestStrictNonRootFilterSkipsOptimalityBeforeTopDown(t *testing.T) {
	candidate := newCandidate("agent-1", map[string]types.LabelCounter{"zone": {"us-west": 1}})
	opt := types.ScheduleOption{Affinity: zoneTree(false)}
	result := StrictNonRootLabelAffinityFilter.Filter(preallocctx.New(), opt, candidate)
	require.Equal(t, types.FilterSuccess, result.Status)
}

func TestRootScorerMarksTopDownAndDefersScore(t *testing.T) {
	candidate := newCandidate("agent-1", map[string]types.LabelCounter{"zone": {"us-east": 1}})
	opt := types.ScheduleOption{Affinity: zoneTree(false), IsRootDomainLevel: true}
	pctx := preallocctx.New()

	score := StrictLabelAffinityScorer.Score(pctx, opt, candidate)
	require.Equal(t, float64(0), score)
	require.True(t, pctx.AffinityContextFor().IsTopDownScheduling)
}

func TestNonRootScorerReturnsInvalidWithoutAffinity(t *testing.T) {
	candidate := newCandidate("agent-1", nil)
	score := RelaxedLabelAffinityScorer.Score(preallocctx.New(), types.ScheduleOption{}, candidate)
	require.Equal(t, scheduling.InvalidScore, score)
}

func TestPendingOKRejectsUnitMatchingAnyPendingRequirement(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-east": 1}}
	require.False(t, PendingOK(labels, []*types.AffinitySelectorTree{zoneTree(false)}))
}

func TestGroupLBSpreadRequiresAntiAffinity(t *testing.T) {
	labels := map[string]types.LabelCounter{"zone": {"us-east": 1}}
	require.False(t, GroupLBOK(GroupLBSpread, zoneTree(false), labels))
	require.True(t, GroupLBOK(GroupLBPack, zoneTree(false), labels))
}
