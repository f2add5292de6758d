// Package observer implements C2, the Meta Observer: a single-owner cache
// of function metadata, instance routes and proxy registrations, kept in
// sync with the meta-store via the three-phase watch protocol (initial
// sync, event stream, syncer callback).
package observer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/types"
)

// Listener is notified when a cached instance is created, updated or
// deleted. deleted is true only for DelInstance / remote DELETE events.
type Listener func(info *types.InstanceInfo, deleted bool)

// Observer owns the in-memory caches this component maintains and the
// watches that keep them fresh. It is intended to be driven by a single
// actor goroutine; Get/GetRoute/GetFunctionMeta are safe to call from
// other goroutines because they only read under the internal lock.
type Observer struct {
	client     metastore.Client
	prefix     string
	businessID string

	mu            sync.Mutex
	instances     map[string]*types.InstanceInfo // instanceID -> info
	functionMetas map[string]*types.FunctionMeta  // FunctionRef.Key() -> meta
	routes        map[string]*types.RouteInfo     // instanceID -> route
	proxies       map[string]*types.ProxyMeta     // nodeID -> proxy

	tenantListeners   map[string][]Listener
	instanceListeners map[string][]Listener
}

// New constructs an Observer for the given business id, rooted under the
// key prefix shared with the other tiers' meta-store clients.
func New(client metastore.Client, prefix, businessID string) *Observer {
	return &Observer{
		client:            client,
		prefix:            prefix,
		businessID:        businessID,
		instances:         map[string]*types.InstanceInfo{},
		functionMetas:     map[string]*types.FunctionMeta{},
		routes:            map[string]*types.RouteInfo{},
		proxies:           map[string]*types.ProxyMeta{},
		tenantListeners:   map[string][]Listener{},
		instanceListeners: map[string][]Listener{},
	}
}

// WatchFunctionMetas starts the three-phase watch over the function-meta
// prefix. syncer, if non-nil, is invoked after the initial sync completes.
func (o *Observer) WatchFunctionMetas(ctx context.Context, syncer func()) (metastore.Watcher, error) {
	prefix := FunctionMetaPrefix(o.prefix, o.businessID)
	return o.client.RegisterObserver(ctx, prefix, metastore.WatchOption{Prefix: true},
		func(events []metastore.WatchEvent) bool {
			o.applyFunctionMetaEvents(events)
			return true
		},
		func(initial []metastore.KV, _ int64) {
			o.syncFunctionMetas(initial)
			if syncer != nil {
				syncer()
			}
		},
	)
}

func (o *Observer) syncFunctionMetas(initial []metastore.KV) {
	remote := make(map[string]struct{}, len(initial))
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, kv := range initial {
		var fm types.FunctionMeta
		if err := json.Unmarshal([]byte(kv.Value), &fm); err != nil {
			log.WithComponent("observer").Warn().Err(err).Str("key", kv.Key).Msg("discarding malformed function meta")
			continue
		}
		key := fm.Function.Key()
		remote[key] = struct{}{}
		if cur, ok := o.functionMetas[key]; !ok || fm.ModRevision > cur.ModRevision {
			o.functionMetas[key] = &fm
		}
	}
	for key := range o.functionMetas {
		if _, ok := remote[key]; !ok {
			delete(o.functionMetas, key)
		}
	}
}

func (o *Observer) applyFunctionMetaEvents(events []metastore.WatchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range events {
		if ev.Type == metastore.EventDelete {
			continue
		}
		var fm types.FunctionMeta
		if err := json.Unmarshal([]byte(ev.Value), &fm); err != nil {
			continue
		}
		key := fm.Function.Key()
		if cur, ok := o.functionMetas[key]; !ok || fm.ModRevision > cur.ModRevision {
			o.functionMetas[key] = &fm
		}
	}
}

// GetFunctionMeta returns the cached descriptor for ref, if present.
func (o *Observer) GetFunctionMeta(ref types.FunctionRef) (*types.FunctionMeta, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fm, ok := o.functionMetas[ref.Key()]
	return fm, ok
}

// WatchInstances starts the three-phase watch over the instance-route
// prefix that this node owns, tracking InstanceInfo records rather than
// the thinner RouteInfo projection other tiers subscribe to.
func (o *Observer) WatchInstances(ctx context.Context, ownerID string, syncer func()) (metastore.Watcher, error) {
	prefix := InstancePrefix(o.prefix, o.businessID)
	return o.client.RegisterObserver(ctx, prefix, metastore.WatchOption{Prefix: true},
		func(events []metastore.WatchEvent) bool {
			o.applyInstanceEvents(events)
			return true
		},
		func(initial []metastore.KV, _ int64) {
			o.syncInstances(initial, ownerID)
			if syncer != nil {
				syncer()
			}
		},
	)
}

// syncInstances reconciles the local cache against a fresh range-read: a
// remote key that is absent or stale (lower mod_revision) is inserted and
// notified; a local key not present remotely is removed and notified
// unless it belongs to ownerID, since the owner may still republish it.
func (o *Observer) syncInstances(initial []metastore.KV, ownerID string) {
	remote := make(map[string]*types.InstanceInfo, len(initial))
	for _, kv := range initial {
		var info types.InstanceInfo
		if err := json.Unmarshal([]byte(kv.Value), &info); err != nil {
			log.WithComponent("observer").Warn().Err(err).Str("key", kv.Key).Msg("discarding malformed instance")
			continue
		}
		remote[info.InstanceID] = &info
	}

	var toNotify []*types.InstanceInfo
	var toDelete []*types.InstanceInfo

	o.mu.Lock()
	for id, info := range remote {
		if cur, ok := o.instances[id]; !ok || info.ModRevision > cur.ModRevision {
			o.instances[id] = info
			toNotify = append(toNotify, info)
		}
	}
	for id, cur := range o.instances {
		if _, ok := remote[id]; ok {
			continue
		}
		if cur.FunctionAgentID == ownerID {
			continue
		}
		delete(o.instances, id)
		toDelete = append(toDelete, cur)
	}
	o.mu.Unlock()

	for _, info := range toNotify {
		o.notify(info, false)
	}
	for _, info := range toDelete {
		o.notify(info, true)
	}
}

func (o *Observer) applyInstanceEvents(events []metastore.WatchEvent) {
	for _, ev := range events {
		if ev.Type == metastore.EventDelete {
			// Instance keys end in the instance id the cache is keyed by.
			id := ev.Key[strings.LastIndex(ev.Key, "/")+1:]
			o.mu.Lock()
			info, ok := o.instances[id]
			if ok {
				delete(o.instances, id)
			}
			o.mu.Unlock()
			if ok {
				o.notify(info, true)
			}
			continue
		}
		var info types.InstanceInfo
		if err := json.Unmarshal([]byte(ev.Value), &info); err != nil {
			continue
		}
		o.mu.Lock()
		cur, exists := o.instances[info.InstanceID]
		stale := exists && info.ModRevision <= cur.ModRevision
		if !stale {
			o.instances[info.InstanceID] = &info
		}
		o.mu.Unlock()
		if !stale {
			o.notify(&info, false)
		}
	}
}

// PutInstance publishes info under its deterministic key and updates the
// local cache. Every instance, system-function (tenant "0") or not, is
// written with a plain Put, without a lease.
func (o *Observer) PutInstance(ctx context.Context, az string, info *types.InstanceInfo) error {
	if info.Function.Name == "" || info.Function.Version == "" {
		return schederr.New(schederr.ParameterError, "instance function triple is required")
	}
	body, err := json.Marshal(info)
	if err != nil {
		return schederr.Wrap(schederr.ParameterError, "encode instance", err)
	}
	key := InstanceKey(o.prefix, o.businessID, info.TenantID, info.Function.Name, info.Function.Version, az, info.RequestID, info.InstanceID)
	if err := o.client.Put(ctx, key, string(body)); err != nil {
		return schederr.Wrap(schederr.Failed, "put instance", err)
	}

	o.mu.Lock()
	o.instances[info.InstanceID] = info
	o.mu.Unlock()
	metrics.ObserverInstancesTotal.WithLabelValues(string(info.InstanceStatus)).Inc()
	o.notify(info, false)
	return nil
}

// DelInstance removes id from the meta-store and the local cache. It is
// idempotent: deleting an id that is already gone is not an error.
func (o *Observer) DelInstance(ctx context.Context, az string, info *types.InstanceInfo) error {
	key := InstanceKey(o.prefix, o.businessID, info.TenantID, info.Function.Name, info.Function.Version, az, info.RequestID, info.InstanceID)
	if err := o.client.Delete(ctx, key, false); err != nil {
		return schederr.Wrap(schederr.Failed, "delete instance", err)
	}

	o.mu.Lock()
	delete(o.instances, info.InstanceID)
	o.mu.Unlock()
	o.notify(info, true)
	return nil
}

// Get returns the cached InstanceInfo for id. If isForceUpdate is set, or
// the id is not cached, the cache is never trusted as authoritative and a
// read-through against the meta-store prefix is performed instead.
func (o *Observer) Get(ctx context.Context, id string, isForceUpdate bool) (*types.InstanceInfo, bool, error) {
	if !isForceUpdate {
		o.mu.Lock()
		info, ok := o.instances[id]
		o.mu.Unlock()
		if ok {
			return info, true, nil
		}
	}

	kvs, err := o.client.GetAllWithPrefix(ctx, InstancePrefix(o.prefix, o.businessID))
	if err != nil {
		return nil, false, schederr.Wrap(schederr.Failed, "read-through instance lookup", err)
	}
	for _, kv := range kvs {
		var info types.InstanceInfo
		if err := json.Unmarshal([]byte(kv.Value), &info); err != nil {
			continue
		}
		if info.InstanceID == id {
			o.mu.Lock()
			o.instances[id] = &info
			o.mu.Unlock()
			return &info, true, nil
		}
	}
	return nil, false, nil
}

// FastPutRemoteInstanceEvent accepts a pre-fetched RouteInfo pushed by a
// peer tier. The event is applied only if its ModRevision is strictly
// greater than any cached revision for the same id; otherwise it falls
// back to a forced read-through so a stale push can never regress state.
func (o *Observer) FastPutRemoteInstanceEvent(ctx context.Context, route *types.RouteInfo) error {
	o.mu.Lock()
	cur, ok := o.routes[route.InstanceID]
	o.mu.Unlock()

	if ok && route.ModRevision <= cur.ModRevision {
		_, _, err := o.Get(ctx, route.InstanceID, true)
		return err
	}

	o.mu.Lock()
	o.routes[route.InstanceID] = route
	o.mu.Unlock()
	return nil
}

// GetRoute returns the cached RouteInfo for id, if present.
func (o *Observer) GetRoute(id string) (*types.RouteInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.routes[id]
	return r, ok
}

// AddTenantListener registers fn to be notified for every instance change
// under tenantID.
func (o *Observer) AddTenantListener(tenantID string, fn Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tenantListeners[tenantID] = append(o.tenantListeners[tenantID], fn)
}

// AddInstanceListener registers fn to be notified only for changes to
// instanceID.
func (o *Observer) AddInstanceListener(instanceID string, fn Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instanceListeners[instanceID] = append(o.instanceListeners[instanceID], fn)
}

func (o *Observer) notify(info *types.InstanceInfo, deleted bool) {
	o.mu.Lock()
	listeners := append([]Listener{}, o.tenantListeners[info.TenantID]...)
	listeners = append(listeners, o.instanceListeners[info.InstanceID]...)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(info, deleted)
	}
	metrics.ObserverWatchEventsTotal.WithLabelValues("instance").Inc()
}

// WatchProxies starts the three-phase watch over the bus-proxy prefix.
func (o *Observer) WatchProxies(ctx context.Context, syncer func()) (metastore.Watcher, error) {
	prefix := BusProxyPrefix(o.prefix, o.businessID)
	return o.client.RegisterObserver(ctx, prefix, metastore.WatchOption{Prefix: true},
		func(events []metastore.WatchEvent) bool {
			o.applyProxyEvents(events)
			return true
		},
		func(initial []metastore.KV, _ int64) {
			o.syncProxies(initial)
			if syncer != nil {
				syncer()
			}
		},
	)
}

func (o *Observer) syncProxies(initial []metastore.KV) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proxies = map[string]*types.ProxyMeta{}
	for _, kv := range initial {
		var pm types.ProxyMeta
		if err := json.Unmarshal([]byte(kv.Value), &pm); err != nil {
			continue
		}
		o.proxies[pm.Node] = &pm
	}
}

func (o *Observer) applyProxyEvents(events []metastore.WatchEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range events {
		if ev.Type == metastore.EventDelete {
			continue
		}
		var pm types.ProxyMeta
		if err := json.Unmarshal([]byte(ev.Value), &pm); err != nil {
			continue
		}
		o.proxies[pm.Node] = &pm
	}
}

// GetProxy returns the cached ProxyMeta for node, if present.
func (o *Observer) GetProxy(node string) (*types.ProxyMeta, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pm, ok := o.proxies[node]
	return pm, ok
}
