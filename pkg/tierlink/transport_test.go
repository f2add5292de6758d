package tierlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/schederr"
)

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	router := NewRouter()
	domain := router.Register("domain-1")
	domain.Handle("Schedule", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*ScheduleRequest)
		return &ScheduleResponse{Code: schederr.Success, AgentID: "agent-" + req.RequestID}, nil
	})

	resp, err := router.Send(context.Background(), "domain-1", "Schedule", &ScheduleRequest{RequestID: "r1"})
	require.NoError(t, err)
	require.Equal(t, "agent-r1", resp.(*ScheduleResponse).AgentID)
}

func TestSendToUnknownEndpointFails(t *testing.T) {
	router := NewRouter()
	_, err := router.Send(context.Background(), "ghost", "Ping", &PingRequest{})
	require.Error(t, err)
}

func TestSendToUnknownKindFails(t *testing.T) {
	router := NewRouter()
	router.Register("domain-1")
	_, err := router.Send(context.Background(), "domain-1", "Schedule", &ScheduleRequest{})
	require.Error(t, err)
}

func TestSendTimesOutWhenHandlerHangs(t *testing.T) {
	router := NewRouter()
	domain := router.Register("domain-1")
	domain.Handle("Schedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := router.Send(ctx, "domain-1", "Schedule", &ScheduleRequest{})
	require.Error(t, err)
	require.True(t, schederr.Is(err, schederr.LSForwardDomainTimeout))
}

func TestUnregisterRemovesEndpoint(t *testing.T) {
	router := NewRouter()
	router.Register("domain-1")
	router.Unregister("domain-1")

	_, err := router.Send(context.Background(), "domain-1", "Schedule", &ScheduleRequest{})
	require.Error(t, err)
}
