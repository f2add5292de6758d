package metastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value       string
	modRevision int64
	leaseExpiry time.Time
	leaseTTL    time.Duration
	hasLease    bool
}

type watch struct {
	prefix   bool
	key      string
	observer ObserverFunc
	canceled bool
}

func (w *watch) Cancel() {
	w.canceled = true
}

// MemoryClient is an in-memory reference implementation of Client, useful
// for tests and single-process deployments. It is not durable and does
// not replicate; production deployments point fnsched at a real
// meta-store instead.
type MemoryClient struct {
	mu       sync.Mutex
	data     map[string]*entry
	revision int64
	watches  map[string]*watch
	watchSeq int
}

// NewMemoryClient returns an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		data:    make(map[string]*entry),
		watches: make(map[string]*watch),
	}
}

func (c *MemoryClient) nextRevision() int64 {
	c.revision++
	return c.revision
}

func (c *MemoryClient) Put(_ context.Context, key, value string) error {
	c.mu.Lock()
	rev := c.nextRevision()
	c.data[key] = &entry{value: value, modRevision: rev}
	c.mu.Unlock()
	c.notify(key, WatchEvent{Type: EventPut, Key: key, Value: value, ModRevision: rev})
	return nil
}

func (c *MemoryClient) PutWithLease(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	rev := c.nextRevision()
	c.data[key] = &entry{
		value:       value,
		modRevision: rev,
		leaseExpiry: time.Now().Add(ttl),
		leaseTTL:    ttl,
		hasLease:    true,
	}
	c.mu.Unlock()
	c.notify(key, WatchEvent{Type: EventPut, Key: key, Value: value, ModRevision: rev})
	return nil
}

func (c *MemoryClient) KeepAliveOnce(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok || !e.hasLease {
		return fmt.Errorf("metastore: no active lease for key %s", key)
	}
	if time.Now().After(e.leaseExpiry) {
		delete(c.data, key)
		return fmt.Errorf("metastore: lease for key %s already expired", key)
	}
	e.leaseExpiry = time.Now().Add(e.leaseTTL)
	return nil
}

func (c *MemoryClient) Revoke(_ context.Context, key string) error {
	c.mu.Lock()
	_, existed := c.data[key]
	delete(c.data, key)
	c.mu.Unlock()
	if existed {
		c.notify(key, WatchEvent{Type: EventDelete, Key: key})
	}
	return nil
}

func (c *MemoryClient) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok || c.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryClient) expired(e *entry) bool {
	return e.hasLease && time.Now().After(e.leaseExpiry)
}

func (c *MemoryClient) GetWithPrefix(_ context.Context, prefix string) (KV, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kvs := c.listPrefixLocked(prefix)
	if len(kvs) == 0 {
		return KV{}, false, nil
	}
	return kvs[0], true, nil
}

func (c *MemoryClient) GetAllWithPrefix(_ context.Context, prefix string) ([]KV, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listPrefixLocked(prefix), nil
}

func (c *MemoryClient) listPrefixLocked(prefix string) []KV {
	var kvs []KV
	for k, e := range c.data {
		if c.expired(e) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, KV{Key: k, Value: e.value, ModRevision: e.modRevision})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

func (c *MemoryClient) Delete(_ context.Context, key string, isPrefix bool) error {
	c.mu.Lock()
	var deleted []string
	if isPrefix {
		for k := range c.data {
			if strings.HasPrefix(k, key) {
				deleted = append(deleted, k)
			}
		}
	} else if _, ok := c.data[key]; ok {
		deleted = append(deleted, key)
	}
	for _, k := range deleted {
		delete(c.data, k)
	}
	c.mu.Unlock()

	for _, k := range deleted {
		c.notify(k, WatchEvent{Type: EventDelete, Key: k})
	}
	return nil
}

func (c *MemoryClient) RegisterObserver(_ context.Context, key string, option WatchOption, observer ObserverFunc, syncer SyncerFunc) (Watcher, error) {
	c.mu.Lock()
	initial := c.listPrefixLocked(key)
	if !option.Prefix {
		initial = nil
		if e, ok := c.data[key]; ok && !c.expired(e) {
			initial = []KV{{Key: key, Value: e.value, ModRevision: e.modRevision}}
		}
	}
	rev := c.revision

	c.watchSeq++
	id := fmt.Sprintf("w-%d", c.watchSeq)
	w := &watch{prefix: option.Prefix, key: key, observer: observer}
	c.watches[id] = w
	c.mu.Unlock()

	syncer(initial, rev)
	return w, nil
}

func (c *MemoryClient) notify(key string, ev WatchEvent) {
	c.mu.Lock()
	var targets []*watch
	for _, w := range c.watches {
		if w.canceled {
			continue
		}
		if w.prefix && strings.HasPrefix(key, w.key) {
			targets = append(targets, w)
		} else if !w.prefix && key == w.key {
			targets = append(targets, w)
		}
	}
	c.mu.Unlock()

	for _, w := range targets {
		if !w.observer([]WatchEvent{ev}) {
			w.Cancel()
		}
	}
}
