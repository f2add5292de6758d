package resourceview

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/types"
)

func TestRegisterResourceUnitIdempotent(t *testing.T) {
	rv := New(types.TierLocal, "root")
	unit := types.NewResourceUnit("agent-1", "node-1")
	unit.Capacity["cpu"] = 4

	require.NoError(t, rv.RegisterResourceUnit(ViewPrimary, unit, "tcp://agent-1"))
	require.NoError(t, rv.RegisterResourceUnit(ViewPrimary, unit, "tcp://agent-1"))

	snap := rv.GetResources(ViewPrimary)
	require.Len(t, snap.Fragment, 1)
	require.Equal(t, float64(4), snap.Fragment["agent-1"].Capacity["cpu"])
}

func TestUnRegisterResourceUnitRollsBackAggregates(t *testing.T) {
	rv := New(types.TierLocal, "root")
	unit := types.NewResourceUnit("agent-1", "node-1")
	unit.Capacity["cpu"] = 4
	require.NoError(t, rv.RegisterResourceUnit(ViewPrimary, unit, ""))

	require.NoError(t, rv.UnRegisterResourceUnit(ViewPrimary, "agent-1"))
	snap := rv.GetResources(ViewPrimary)
	require.NotContains(t, snap.Fragment, "agent-1")
}

func TestUpdateResourceUnitDeltaRejectsStaleRevision(t *testing.T) {
	rv := New(types.TierLocal, "root")
	d1 := Delta{UnitID: "agent-1", CapacityDelta: map[string]float64{"cpu": 4}, ModRevision: 5}
	require.NoError(t, rv.UpdateResourceUnitDelta(ViewPrimary, []Delta{d1}))

	stale := Delta{UnitID: "agent-1", CapacityDelta: map[string]float64{"cpu": 100}, ModRevision: 5}
	require.NoError(t, rv.UpdateResourceUnitDelta(ViewPrimary, []Delta{stale}))

	snap := rv.GetResources(ViewPrimary)
	require.Equal(t, float64(4), snap.Fragment["agent-1"].Capacity["cpu"])
}

func TestUpdateResourceUnitDeltaAppliesMonotonicRevisions(t *testing.T) {
	rv := New(types.TierLocal, "root")
	d1 := Delta{UnitID: "agent-1", CapacityDelta: map[string]float64{"cpu": 4}, ModRevision: 1}
	d2 := Delta{UnitID: "agent-1", CapacityDelta: map[string]float64{"cpu": 2}, ModRevision: 2}
	require.NoError(t, rv.UpdateResourceUnitDelta(ViewPrimary, []Delta{d1, d2}))

	snap := rv.GetResources(ViewPrimary)
	require.Equal(t, float64(6), snap.Fragment["agent-1"].Capacity["cpu"])
}

func TestLabelCounterRemovedAtZero(t *testing.T) {
	rv := New(types.TierLocal, "root")
	d1 := Delta{
		UnitID:      "agent-1",
		LabelDeltas: map[string]map[string]int{"zone": {"us-east": 1}},
		ModRevision: 1,
	}
	d2 := Delta{
		UnitID:      "agent-1",
		LabelDeltas: map[string]map[string]int{"zone": {"us-east": -1}},
		ModRevision: 2,
	}
	require.NoError(t, rv.UpdateResourceUnitDelta(ViewPrimary, []Delta{d1}))
	snap := rv.GetResources(ViewPrimary)
	require.True(t, snap.Fragment["agent-1"].NodeLabels["zone"].Has("us-east"))

	require.NoError(t, rv.UpdateResourceUnitDelta(ViewPrimary, []Delta{d2}))
	snap = rv.GetResources(ViewPrimary)
	require.NotContains(t, snap.Fragment["agent-1"].NodeLabels, "zone")
}

func TestGetChangesDrainsPending(t *testing.T) {
	rv := New(types.TierLocal, "root")
	unit := types.NewResourceUnit("agent-1", "node-1")
	require.NoError(t, rv.RegisterResourceUnit(ViewPrimary, unit, ""))

	changes := rv.GetChanges(ViewPrimary)
	require.Contains(t, changes, "agent-1")

	require.Empty(t, rv.GetChanges(ViewPrimary), "second call should see no new changes")
}

func TestTriggerTryPullInvokesHook(t *testing.T) {
	rv := New(types.TierLocal, "root")
	called := false
	rv.SetPullHook(func() { called = true })
	rv.TriggerTryPull()
	require.True(t, called)
}
