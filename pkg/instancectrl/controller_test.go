package instancectrl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

func defaultFramework() *scheduling.Framework {
	return scheduling.NewRegistry().
		Register(scheduling.DefaultPreFilter{}).
		Register(scheduling.DefaultFilter{}).
		Register(scheduling.ResourceSelectorFilter{}).
		Register(scheduling.DefaultScorer{}).
		Build()
}

func sharedAgent(id string, cpu, mem float64) *types.ResourceUnit {
	u := types.NewResourceUnit(id, "node-1")
	u.Capacity["cpu"] = cpu
	u.Capacity["mem"] = mem
	u.Allocatable["cpu"] = cpu
	u.Allocatable["mem"] = mem
	return u
}

func newTestController(t *testing.T, parent string) (*Controller, *resourceview.ResourceView, *tierlink.Router) {
	t.Helper()
	rv := resourceview.New(types.TierLocal, "root")
	router := tierlink.NewRouter()
	ctrl := New(Config{Tier: types.TierLocal, Parent: parent}, rv, defaultFramework(), router, nil)
	return ctrl, rv, router
}

func scheduleReq(id string, resources map[string]float64) *tierlink.ScheduleRequest {
	return &tierlink.ScheduleRequest{
		RequestID: id,
		From:      "caller-1",
		Option: types.ScheduleOption{
			SchedPolicyName: types.SchedPolicyShared,
			Resources:       resources,
		},
	}
}

func TestScheduleHappyPathLocal(t *testing.T) {
	ctrl, rv, _ := newTestController(t, "")
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, sharedAgent("agent-1", 4, 8192), ""))

	resp, err := ctrl.Schedule(context.Background(), scheduleReq("r1", map[string]float64{"cpu": 1, "mem": 1024}))
	require.NoError(t, err)
	require.Equal(t, schederr.Success, resp.Code)
	require.Equal(t, "agent-1", resp.AgentID)
}

func TestScheduleForwardsUpWhenResourceNotEnough(t *testing.T) {
	ctrl, _, router := newTestController(t, "domain-1")

	domain := router.Register("domain-1")
	domain.Handle("ForwardSchedule", func(_ context.Context, msg interface{}) (interface{}, error) {
		fwd := msg.(*tierlink.ForwardScheduleRequest)
		return &tierlink.ScheduleResponse{Code: schederr.Success, AgentID: "remote-" + fwd.RequestID}, nil
	})

	resp, err := ctrl.Schedule(context.Background(), scheduleReq("r2", map[string]float64{"cpu": 1, "mem": 1024}))
	require.NoError(t, err)
	require.Equal(t, schederr.Success, resp.Code)
	require.Equal(t, "remote-r2", resp.AgentID)
}

func TestScheduleRetriesIncrementingRoundAtRoot(t *testing.T) {
	ctrl, rv, _ := newTestController(t, "")
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, sharedAgent("agent-1", 1, 1024), ""))

	req := scheduleReq("r3", map[string]float64{"cpu": 100, "mem": 1024})
	req.Option.Timeout = 0

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ctrl.Schedule(ctx, req)
	require.Error(t, err)
	require.True(t, req.ScheduleRound > 0)
}

func TestScheduleRetriesOnFatalFilterUntilCanceled(t *testing.T) {
	ctrl, rv, _ := newTestController(t, "")
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, sharedAgent("agent-1", 1, 1024), ""))
	ctrl.fw = scheduling.NewRegistry().Register(alwaysFatalFilter{}).Build()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ctrl.Schedule(ctx, scheduleReq("r4", map[string]float64{"cpu": 1, "mem": 1024}))
	require.Error(t, err)
}

func TestKillRejectsWrongCaller(t *testing.T) {
	ctrl, rv, router := newTestController(t, "domain-1")
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, sharedAgent("agent-1", 1, 1024), ""))

	domain := router.Register("domain-1")
	blockCh := make(chan struct{})
	domain.Handle("ForwardSchedule", func(ctx context.Context, _ interface{}) (interface{}, error) {
		close(blockCh)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	req := scheduleReq("r5", map[string]float64{"cpu": 100, "mem": 1024})
	go ctrl.Schedule(context.Background(), req) //nolint:errcheck

	<-blockCh
	time.Sleep(5 * time.Millisecond)
	err := ctrl.Kill("someone-else", req)
	require.Error(t, err)
}

func TestTryCancelScheduleRejectsUnknownRequest(t *testing.T) {
	ctrl, _, _ := newTestController(t, "")
	resp, err := ctrl.TryCancelSchedule(context.Background(), "ghost", "caller-1")
	require.NoError(t, err)
	require.Equal(t, schederr.LSRequestNotFound, resp.Code)
}

func TestScheduleForwardsInitCallSuffixedRequestUp(t *testing.T) {
	ctrl, rv, router := newTestController(t, "domain-1")
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, sharedAgent("agent-1", 1, 1024), ""))

	domain := router.Register("domain-1")
	released := make(chan struct{})
	domain.Handle("ForwardSchedule", func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-released
		return &tierlink.ScheduleResponse{Code: schederr.Success, AgentID: "remote-agent"}, nil
	})

	req := scheduleReq("r6"+types.InitCallSuffix, map[string]float64{"cpu": 100, "mem": 1024})
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(released)
	}()

	resp, err := ctrl.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "remote-agent", resp.AgentID)
}

// alwaysFatalFilter aborts the pipeline with AFFINITY_SCHEDULE_FAILED on
// every candidate, exercising Schedule's affinity-retry backoff loop.
type alwaysFatalFilter struct{}

func (alwaysFatalFilter) Name() string { return "alwaysFatalFilter" }

func (alwaysFatalFilter) Filter(_ *preallocctx.Context, _ types.ScheduleOption, _ *types.ResourceUnit) types.Filtered {
	return types.FailFatal(schederr.AffinityScheduleFailed, "always fails")
}
