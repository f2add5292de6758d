package observer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/types"
)

func newTestObserver() (*Observer, metastore.Client) {
	client := metastore.NewMemoryClient()
	return New(client, "fnsched", "biz-1"), client
}

func TestPutInstanceThenGetFromCache(t *testing.T) {
	o, _ := newTestObserver()
	ctx := context.Background()

	info := &types.InstanceInfo{
		InstanceID: "inst-1",
		RequestID:  "req-1",
		TenantID:   "t1",
		Function:   types.FunctionRef{Tenant: "t1", Name: "fn-a", Version: "v1"},
	}
	require.NoError(t, o.PutInstance(ctx, "az1", info))

	got, ok, err := o.Get(ctx, "inst-1", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "req-1", got.RequestID)
}

func TestPutInstanceRejectsIncompleteFunctionRef(t *testing.T) {
	o, _ := newTestObserver()
	err := o.PutInstance(context.Background(), "az1", &types.InstanceInfo{InstanceID: "inst-1"})
	require.Error(t, err)
}

func TestDelInstanceIsIdempotent(t *testing.T) {
	o, _ := newTestObserver()
	ctx := context.Background()
	info := &types.InstanceInfo{
		InstanceID: "inst-1",
		TenantID:   "t1",
		Function:   types.FunctionRef{Tenant: "t1", Name: "fn-a", Version: "v1"},
	}
	require.NoError(t, o.PutInstance(ctx, "az1", info))
	require.NoError(t, o.DelInstance(ctx, "az1", info))
	require.NoError(t, o.DelInstance(ctx, "az1", info))

	_, ok, err := o.Get(ctx, "inst-1", false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetForceUpdateReadsThrough(t *testing.T) {
	o, client := newTestObserver()
	ctx := context.Background()

	info := &types.InstanceInfo{
		InstanceID: "inst-1",
		TenantID:   "t1",
		Function:   types.FunctionRef{Tenant: "t1", Name: "fn-a", Version: "v1"},
	}
	require.NoError(t, o.PutInstance(ctx, "az1", info))

	// Mutate the underlying store directly, bypassing the cache, then force
	// a read-through and confirm the stale cache entry is replaced.
	key := InstanceKey("fnsched", "biz-1", "t1", "fn-a", "v1", "az1", "", "inst-1")
	require.NoError(t, client.Put(ctx, key, `{"instanceId":"inst-1","tenantId":"t1","function":{"tenant":"t1","name":"fn-a","version":"v1"},"requestId":"req-2"}`))

	got, ok, err := o.Get(ctx, "inst-1", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "req-2", got.RequestID)
}

func TestFastPutRemoteInstanceEventRejectsStaleRevision(t *testing.T) {
	o, _ := newTestObserver()
	ctx := context.Background()

	require.NoError(t, o.FastPutRemoteInstanceEvent(ctx, &types.RouteInfo{InstanceID: "inst-1", ModRevision: 5}))
	require.NoError(t, o.FastPutRemoteInstanceEvent(ctx, &types.RouteInfo{InstanceID: "inst-1", Address: "stale", ModRevision: 5}))

	route, ok := o.GetRoute("inst-1")
	require.True(t, ok)
	require.Empty(t, route.Address)
}

func TestFastPutRemoteInstanceEventAcceptsNewerRevision(t *testing.T) {
	o, _ := newTestObserver()
	ctx := context.Background()

	require.NoError(t, o.FastPutRemoteInstanceEvent(ctx, &types.RouteInfo{InstanceID: "inst-1", ModRevision: 5}))
	require.NoError(t, o.FastPutRemoteInstanceEvent(ctx, &types.RouteInfo{InstanceID: "inst-1", Address: "fresh", ModRevision: 6}))

	route, ok := o.GetRoute("inst-1")
	require.True(t, ok)
	require.Equal(t, "fresh", route.Address)
}

func TestTenantListenerReceivesPutAndDelete(t *testing.T) {
	o, _ := newTestObserver()
	ctx := context.Background()

	var gotDeleted []bool
	o.AddTenantListener("t1", func(info *types.InstanceInfo, deleted bool) {
		gotDeleted = append(gotDeleted, deleted)
	})

	info := &types.InstanceInfo{
		InstanceID: "inst-1",
		TenantID:   "t1",
		Function:   types.FunctionRef{Tenant: "t1", Name: "fn-a", Version: "v1"},
	}
	require.NoError(t, o.PutInstance(ctx, "az1", info))
	require.NoError(t, o.DelInstance(ctx, "az1", info))

	require.Equal(t, []bool{false, true}, gotDeleted)
}

func TestWatchInstancesSyncRetainsOwnedKeyMissingRemotely(t *testing.T) {
	o, _ := newTestObserver()
	o.instances["owned-1"] = &types.InstanceInfo{InstanceID: "owned-1", FunctionAgentID: "agent-1"}

	o.syncInstances(nil, "agent-1")

	_, ok := o.instances["owned-1"]
	require.True(t, ok, "owned instance absent from a fresh range-read must be retained")
}

func TestWatchInstancesSyncDropsUnownedKeyMissingRemotely(t *testing.T) {
	o, _ := newTestObserver()
	o.instances["other-1"] = &types.InstanceInfo{InstanceID: "other-1", FunctionAgentID: "agent-2"}

	o.syncInstances(nil, "agent-1")

	_, ok := o.instances["other-1"]
	require.False(t, ok)
}

func TestWatchProxiesThreePhase(t *testing.T) {
	o, client := newTestObserver()
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, BusProxyKey("fnsched", "biz-1", "node-1"), `{"node":"node-1","aid":"a1","ak":"k1"}`))

	synced := false
	_, err := o.WatchProxies(ctx, func() { synced = true })
	require.NoError(t, err)
	require.True(t, synced)

	pm, ok := o.GetProxy("node-1")
	require.True(t, ok)
	require.Equal(t, "a1", pm.AID)
}

func TestWatchFunctionMetasAppliesPut(t *testing.T) {
	o, client := newTestObserver()
	ctx := context.Background()

	_, err := o.WatchFunctionMetas(ctx, nil)
	require.NoError(t, err)

	ref := types.FunctionRef{Tenant: "t1", Name: "fn-a", Version: "v1"}
	key := FunctionMetaKey("fnsched", "biz-1", "t1", "fn-a", "v1")
	require.NoError(t, client.Put(ctx, key, `{"function":{"tenant":"t1","name":"fn-a","version":"v1"},"runtime":"go1.x","modRevision":1}`))

	fm, ok := o.GetFunctionMeta(ref)
	require.True(t, ok)
	require.Equal(t, "go1.x", fm.Runtime)
}
