// Package metastore defines the client contract fnsched depends on for
// cluster-wide key/value storage, leases and watches. Meta-store itself is
// an external collaborator (spec.md §1): this package models only the
// contract the rest of fnsched needs, plus an in-memory reference
// implementation suitable for tests and single-process deployments.
package metastore

import (
	"context"
	"time"
)

// WatchEventType is the kind of change a watch event reports.
type WatchEventType int

const (
	EventPut WatchEventType = iota
	EventDelete
)

// WatchEvent is a single key change delivered by Watch.
type WatchEvent struct {
	Type        WatchEventType
	Key         string
	Value       string
	ModRevision int64
}

// SyncerFunc is invoked once, before the event stream starts, with the
// full set of key/value pairs currently under the watched key or prefix.
// It delivers the initial-sync phase of the three-phase watch protocol
// (initial sync, event stream, syncer callback) and is not invoked again
// afterwards; there is no periodic resync.
type SyncerFunc func(initial []KV, revision int64)

// ObserverFunc is invoked for every batch of watch events. It returns
// false to cancel the watch.
type ObserverFunc func(events []WatchEvent) bool

// KV is a single key/value pair with its last-modified revision.
type KV struct {
	Key         string
	Value       string
	ModRevision int64
}

// Watcher is a handle to an active watch; Cancel stops event delivery.
type Watcher interface {
	Cancel()
}

// Client is the meta-store client contract: Put/Get/Delete with optional
// TTL-backed leases, prefix reads, and a three-phase watch (initial sync,
// event stream, one-time syncer callback), following
// meta_storage_accessor.h.
type Client interface {
	// Put stores value at key with no expiry.
	Put(ctx context.Context, key, value string) error

	// PutWithLease stores value at key; the entry is deleted if no
	// KeepAliveOnce call refreshes it within ttl.
	PutWithLease(ctx context.Context, key, value string, ttl time.Duration) error

	// KeepAliveOnce renews the lease backing key, as created by
	// PutWithLease. Returns an error if the key has no active lease
	// (it already expired and was deleted).
	KeepAliveOnce(ctx context.Context, key string) error

	// Revoke immediately deletes key and its lease, if any.
	Revoke(ctx context.Context, key string) error

	// Get returns the value at key and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetWithPrefix returns the first key/value pair with the given
	// prefix in lexicographic key order.
	GetWithPrefix(ctx context.Context, prefix string) (KV, bool, error)

	// GetAllWithPrefix returns all key/value pairs with the given
	// prefix, in lexicographic key order.
	GetAllWithPrefix(ctx context.Context, prefix string) ([]KV, error)

	// Delete removes key. If isPrefix, all keys sharing the prefix are
	// removed.
	Delete(ctx context.Context, key string, isPrefix bool) error

	// RegisterObserver starts a three-phase watch on key (or, if
	// option.Prefix is set, on the given prefix): syncer is called once
	// with the current state, then observer is called for each
	// subsequent batch of events until it returns false or the watcher
	// is canceled.
	RegisterObserver(ctx context.Context, key string, option WatchOption, observer ObserverFunc, syncer SyncerFunc) (Watcher, error)
}

// WatchOption configures a RegisterObserver call.
type WatchOption struct {
	Prefix bool
}
