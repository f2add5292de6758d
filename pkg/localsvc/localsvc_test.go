package localsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

func newTestService(t *testing.T) (*Service, *tierlink.Router, *resourceview.ResourceView) {
	t.Helper()
	rv := resourceview.New(types.TierLocal, "local-root")
	router := tierlink.NewRouter()
	fw := scheduling.NewRegistry().
		Register(scheduling.DefaultPreFilter{}).
		Register(scheduling.DefaultFilter{}).
		Register(scheduling.DefaultScorer{}).
		Build()
	ctrl := instancectrl.New(instancectrl.Config{Tier: types.TierLocal, Parent: "domain-1"}, rv, fw, router, nil)
	client := metastore.NewMemoryClient()

	cfg := Config{
		Node:                 "node-1",
		AID:                  "aid-1",
		Prefix:               "fnsched",
		BusinessID:           "biz-1",
		LeaseTTL:             40 * time.Millisecond,
		ShutdownRetryTimeout: 20 * time.Millisecond,
		QuiesceInterval:      5 * time.Millisecond,
	}
	svc := New(cfg, client, ctrl, router, "domain-1", "")
	return svc, router, rv
}

func TestStartAnnouncesPresence(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer close(svc.stopCh)

	value, ok, err := svc.client.Get(ctx, svc.presenceKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, svc.marshalProxyMeta(), value)
}

func TestScheduleDelegatesToController(t *testing.T) {
	svc, _, rv := newTestService(t)
	agent := types.NewResourceUnit("agent-1", "")
	agent.Capacity["cpu"] = 2
	agent.Capacity["mem"] = 2048
	agent.Allocatable["cpu"] = 2
	agent.Allocatable["mem"] = 2048
	require.NoError(t, rv.RegisterResourceUnit(resourceview.ViewPrimary, agent, ""))

	resp, err := svc.Schedule(context.Background(), &tierlink.ScheduleRequest{
		RequestID: "r1",
		Option: types.ScheduleOption{
			SchedPolicyName: types.SchedPolicyShared,
			Resources:       map[string]float64{"cpu": 1, "mem": 1024},
		},
	})
	require.NoError(t, err)
	require.Equal(t, schederr.Success, resp.Code)
}

func TestEvictAgentTracksHostedAgent(t *testing.T) {
	svc, router, _ := newTestService(t)
	local := router.Register("agent-1")
	local.Handle("EvictAgent", func(_ context.Context, msg interface{}) (interface{}, error) {
		return &tierlink.EvictAck{Code: schederr.Success}, nil
	})

	ack, err := svc.EvictAgent(context.Background(), &tierlink.EvictAgentRequest{AgentID: "agent-1", InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)
	require.Equal(t, schederr.Success, ack.Code)

	svc.mu.Lock()
	_, tracked := svc.agents["agent-1"]
	svc.mu.Unlock()
	require.True(t, tracked)
}

func TestNotifyWorkerStatusRetriesUntilSuccess(t *testing.T) {
	svc, router, _ := newTestService(t)
	svc.cfg.NotifyRetryInterval = 5 * time.Millisecond

	domain := router.Register("domain-1")
	attempts := 0
	domain.Handle("NotifyWorkerStatus", func(_ context.Context, _ interface{}) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, schederr.New(schederr.Failed, "not ready")
		}
		return &tierlink.ResponseNotifyWorkerStatus{Code: schederr.Success}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := svc.NotifyWorkerStatus(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestShutdownUnregistersFromDomain(t *testing.T) {
	svc, router, _ := newTestService(t)
	domain := router.Register("domain-1")
	unregistered := make(chan struct{}, 1)
	domain.Handle("UnRegister", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.UnRegisterRequest)
		require.Equal(t, "node-1", req.Name)
		unregistered <- struct{}{}
		return &tierlink.RegisteredResponse{Code: schederr.Success}, nil
	})

	require.NoError(t, svc.Start(context.Background()))
	err := svc.Shutdown(context.Background())
	require.NoError(t, err)

	select {
	case <-unregistered:
	default:
		t.Fatal("expected UnRegister to be sent")
	}
}
