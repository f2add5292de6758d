package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryClientPutGet(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "/fn/a", "v1"))
	v, ok, err := c.Get(ctx, "/fn/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)
}

func TestMemoryClientLeaseExpiry(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.PutWithLease(ctx, "/proxy/p1", "v1", 10*time.Millisecond))
	_, ok, err := c.Get(ctx, "/proxy/p1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = c.Get(ctx, "/proxy/p1")
	require.NoError(t, err)
	require.False(t, ok, "entry should have expired")
}

func TestMemoryClientKeepAliveRenewsLease(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.PutWithLease(ctx, "/proxy/p1", "v1", 30*time.Millisecond))
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, c.KeepAliveOnce(ctx, "/proxy/p1"))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := c.Get(ctx, "/proxy/p1")
	require.NoError(t, err)
	require.True(t, ok, "keepalive should have kept the lease alive")
}

func TestMemoryClientKeepAliveOnMissingKeyErrors(t *testing.T) {
	c := NewMemoryClient()
	require.Error(t, c.KeepAliveOnce(context.Background(), "/no/such/key"))
}

func TestMemoryClientGetAllWithPrefixSorted(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "/fn/b", "vb"))
	require.NoError(t, c.Put(ctx, "/fn/a", "va"))
	require.NoError(t, c.Put(ctx, "/other/x", "vx"))

	kvs, err := c.GetAllWithPrefix(ctx, "/fn/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "/fn/a", kvs[0].Key)
	require.Equal(t, "/fn/b", kvs[1].Key)
}

func TestMemoryClientRegisterObserverThreePhase(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "/fn/a", "v1"))

	var syncedKVs []KV
	var events []WatchEvent

	_, err := c.RegisterObserver(ctx, "/fn/", WatchOption{Prefix: true},
		func(evs []WatchEvent) bool {
			events = append(events, evs...)
			return true
		},
		func(initial []KV, revision int64) {
			syncedKVs = initial
		},
	)
	require.NoError(t, err)
	require.Len(t, syncedKVs, 1)
	require.Equal(t, "/fn/a", syncedKVs[0].Key)

	require.NoError(t, c.Put(ctx, "/fn/b", "v2"))
	require.Len(t, events, 1)
	require.Equal(t, "/fn/b", events[0].Key)
	require.Equal(t, EventPut, events[0].Type)
}

func TestMemoryClientObserverCancelStopsDelivery(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	calls := 0
	_, err := c.RegisterObserver(ctx, "/fn/", WatchOption{Prefix: true},
		func(evs []WatchEvent) bool {
			calls++
			return false
		},
		func(initial []KV, revision int64) {},
	)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "/fn/a", "v1"))
	require.NoError(t, c.Put(ctx, "/fn/b", "v2"))
	require.Equal(t, 1, calls, "observer should not be called again after returning false")
}

func TestMemoryClientDeletePrefix(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "/fn/a", "v1"))
	require.NoError(t, c.Put(ctx, "/fn/b", "v2"))
	require.NoError(t, c.Put(ctx, "/other/x", "v3"))

	require.NoError(t, c.Delete(ctx, "/fn/", true))

	kvs, err := c.GetAllWithPrefix(ctx, "/fn/")
	require.NoError(t, err)
	require.Empty(t, kvs)

	_, ok, err := c.Get(ctx, "/other/x")
	require.NoError(t, err)
	require.True(t, ok)
}
