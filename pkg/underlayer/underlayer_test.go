package underlayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

func newTestManager(t *testing.T, isRoot bool) (*Manager, *resourceview.ResourceView, *tierlink.Router) {
	t.Helper()
	rv := resourceview.New(types.TierDomain, "domain-root")
	router := tierlink.NewRouter()
	fw := scheduling.NewRegistry().
		Register(scheduling.DefaultPreFilter{}).
		Register(scheduling.DefaultFilter{}).
		Register(scheduling.DefaultScorer{}).
		Build()
	ctrl := instancectrl.New(instancectrl.Config{Tier: types.TierDomain}, rv, fw, router, nil)
	mgr := New(Config{HeartbeatInterval: 10 * time.Millisecond, HeartbeatMaxMisses: 2}, rv, ctrl, router, isRoot)
	return mgr, rv, router
}

func TestRegisterRejectsUnknownUnderlayer(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	resp, err := mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.1:9000"}, nil)
	require.Error(t, err)
	require.NotEqual(t, schederr.Success, resp.Code)
}

func TestRegisterAcceptsTopologyMember(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	mgr.UpdateUnderlayerTopo([]string{"ls-1"})

	resp, err := mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.1:9000"}, nil)
	require.NoError(t, err)
	require.Equal(t, schederr.Success, resp.Code)

	rec, ok := mgr.Get("ls-1")
	require.True(t, ok)
	require.Equal(t, StatusRegistered, rec.Status)
}

func TestRegisterRejectsAddressMismatch(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	mgr.UpdateUnderlayerTopo([]string{"ls-1"})
	_, err := mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.1:9000"}, nil)
	require.NoError(t, err)

	_, err = mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.2:9000"}, nil)
	require.Error(t, err)
}

func TestUpdateTopoDropsRemovedMembers(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	mgr.UpdateUnderlayerTopo([]string{"ls-1", "ls-2"})
	mgr.UpdateUnderlayerTopo([]string{"ls-1"})

	_, ok := mgr.Get("ls-2")
	require.False(t, ok)
	_, ok = mgr.Get("ls-1")
	require.True(t, ok)
}

func TestHeartbeatLossFiresAfterSilence(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	mgr.UpdateUnderlayerTopo([]string{"ls-1"})
	_, err := mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.1:9000"}, nil)
	require.NoError(t, err)

	lost := make(chan string, 1)
	mgr.OnHeartbeatLost(func(name string) { lost <- name })

	select {
	case name := <-lost:
		require.Equal(t, "ls-1", name)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected heartbeat loss callback")
	}

	rec, ok := mgr.Get("ls-1")
	require.True(t, ok)
	require.Equal(t, StatusLost, rec.Status)
}

func TestHeartbeatResetsTimer(t *testing.T) {
	mgr, _, _ := newTestManager(t, false)
	mgr.UpdateUnderlayerTopo([]string{"ls-1"})
	_, err := mgr.Register(&tierlink.RegisterRequest{Name: "ls-1", Address: "10.0.0.1:9000"}, nil)
	require.NoError(t, err)

	stop := time.After(40 * time.Millisecond)
	ticker := time.NewTicker(8 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			mgr.Heartbeat("ls-1")
		case <-stop:
			break loop
		}
	}

	rec, ok := mgr.Get("ls-1")
	require.True(t, ok)
	require.Equal(t, StatusRegistered, rec.Status)
}

func TestForwardScheduleAtRootIncrementsScheduleRound(t *testing.T) {
	mgr, rv, _ := newTestManager(t, true)
	agent := types.NewResourceUnit("agent-1", "")
	agent.Capacity["cpu"] = 2
	agent.Capacity["mem"] = 2048
	agent.Allocatable["cpu"] = 2
	agent.Allocatable["mem"] = 2048
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, agent, ""))

	fwd := &tierlink.ForwardScheduleRequest{ScheduleRequest: tierlink.ScheduleRequest{
		RequestID: "fwd-1",
		Option: types.ScheduleOption{
			SchedPolicyName: types.SchedPolicyShared,
			Resources:       map[string]float64{"cpu": 1, "mem": 1024},
		},
	}}

	resp, err := mgr.ForwardSchedule(context.Background(), fwd)
	require.NoError(t, err)
	require.Equal(t, schederr.Success, resp.Code)
	require.Equal(t, 1, fwd.ScheduleRound)
}

func TestPreemptInstanceGroupsByProxy(t *testing.T) {
	mgr, _, router := newTestManager(t, false)
	proxy := router.Register("proxy-1")
	proxy.Handle("EvictAgent", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.EvictAgentRequest)
		require.ElementsMatch(t, []string{"i-1", "i-2"}, req.InstanceIDs)
		return &tierlink.EvictAck{Code: schederr.Success}, nil
	})

	resp, err := mgr.PreemptInstance(context.Background(), map[string][]string{"proxy-1": {"i-1", "i-2"}})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"i-1", "i-2"}, resp.Preempted)
}
