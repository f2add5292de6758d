package tierlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/fnsched/pkg/schederr"
)

// Handler answers one request sent to an Endpoint.
type Handler func(ctx context.Context, msg interface{}) (interface{}, error)

// Endpoint is one tier's mailbox: a name plus the handlers it has
// registered for each message kind it accepts. A tier registers a
// Handler for every request type it serves (e.g. a domain's Endpoint
// handles "Schedule" and "Reserve"; a local tier's handles
// "ForwardSchedule" responses and "EvictAgent").
type Endpoint struct {
	name string
	mu   sync.RWMutex
	kind map[string]Handler
}

// Handle registers fn to answer every request of the given kind sent to
// this endpoint.
func (e *Endpoint) Handle(kind string, fn Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind[kind] = fn
}

// Router is the in-process transport linking tiers together: it is not a
// wire protocol, only the dispatch surface a single fnsched process (or
// a test harness running several tiers in one process) uses in place of
// one. Messages are delivered by direct call, respecting ctx
// cancellation/timeout as the only notion of "network" failure.
type Router struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{endpoints: map[string]*Endpoint{}}
}

// Register creates (or returns the existing) Endpoint for name.
func (r *Router) Register(name string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[name]; ok {
		return e
	}
	e := &Endpoint{name: name, kind: map[string]Handler{}}
	r.endpoints[name] = e
	return e
}

// Unregister removes name's Endpoint, e.g. on graceful shutdown.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

// Send dispatches msg of the given kind to the named endpoint and waits
// for its reply or ctx's deadline, whichever comes first.
func (r *Router) Send(ctx context.Context, to, kind string, msg interface{}) (interface{}, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[to]
	r.mu.RUnlock()
	if !ok {
		return nil, schederr.New(schederr.DomainSchedulerUnavailable, fmt.Sprintf("no endpoint registered for %q", to))
	}

	endpoint.mu.RLock()
	handler, ok := endpoint.kind[kind]
	endpoint.mu.RUnlock()
	if !ok {
		return nil, schederr.New(schederr.Failed, fmt.Sprintf("endpoint %q has no handler for %q", to, kind))
	}

	type result struct {
		resp interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handler(ctx, msg)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, schederr.New(schederr.LSForwardDomainTimeout, fmt.Sprintf("send to %q/%q timed out", to, kind))
	case r := <-done:
		return r.resp, r.err
	}
}
