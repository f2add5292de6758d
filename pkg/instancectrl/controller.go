package instancectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/preallocctx"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/scheduling"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

// Scaler provisions a brand new agent able to host a monopoly request that
// no existing resource unit can satisfy. Only the domain tier wires one in.
type Scaler interface {
	CreateAgent(ctx context.Context, opt types.ScheduleOption, createOptions map[string]string) (*types.ResourceUnit, error)
}

// Config carries the tunables spec.md §4.5 names for the Instance
// Controller's retry and timeout behaviour.
type Config struct {
	Tier types.Tier
	// Parent is the tierlink endpoint name this controller forwards
	// ForwardSchedule/TryCancelSchedule requests to. Empty at the global
	// tier, which has no parent to forward to.
	Parent string

	DispatchTimeout         time.Duration
	DispatchRetries         int
	AffinityRetryBackoff    []time.Duration
	CreateAgentAwaitInterval time.Duration
	CreateAgentAwaitRetries int

	// RootRetryLimit bounds how many times the cluster root retries a
	// RESOURCE_NOT_ENOUGH schedule with an incremented round before
	// giving up; the root has no parent to forward to, so without a
	// bound this would retry indefinitely.
	RootRetryLimit int
}

func (c Config) withDefaults() Config {
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = 20 * time.Second
	}
	if c.DispatchRetries == 0 {
		c.DispatchRetries = 3
	}
	if len(c.AffinityRetryBackoff) == 0 {
		c.AffinityRetryBackoff = []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	}
	if c.CreateAgentAwaitInterval == 0 {
		c.CreateAgentAwaitInterval = 500 * time.Millisecond
	}
	if c.CreateAgentAwaitRetries == 0 {
		c.CreateAgentAwaitRetries = 10
	}
	if c.RootRetryLimit == 0 {
		c.RootRetryLimit = 5
	}
	return c
}

// Controller is C5, the Instance Controller: one per tier process, owning
// every schedule request accepted at that tier from admission through
// bind, eviction or cancellation.
type Controller struct {
	cfg    Config
	rv     *resourceview.ResourceView
	fw     *scheduling.Framework
	router *tierlink.Router
	scaler Scaler

	mu       sync.Mutex
	requests map[string]*requestRecord

	// unfinished tracks, per underlayer name, the request ids currently
	// dispatched to it awaiting a response; used to mark them all in bulk
	// on heartbeat loss (mirrors unfinishedScheduleReqs_).
	unfinished map[string]map[string]bool

	events *events.Broker
}

// SetEventBroker wires b as the destination for this controller's
// lifecycle events (instance.bound, instance.failed, instance.evicted,
// schedule.forwarded, schedule.canceled). Safe to call once after New;
// nil (the default) disables publishing.
func (c *Controller) SetEventBroker(b *events.Broker) {
	c.events = b
}

func (c *Controller) publish(typ events.EventType, requestID, message string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{Type: typ, Message: message, Metadata: map[string]string{"request_id": requestID}})
}

// New constructs a Controller. scaler may be nil for tiers that never
// provision agents on demand (only the domain tier does).
func New(cfg Config, rv *resourceview.ResourceView, fw *scheduling.Framework, router *tierlink.Router, scaler Scaler) *Controller {
	return &Controller{
		cfg:        cfg.withDefaults(),
		rv:         rv,
		fw:         fw,
		router:     router,
		scaler:     scaler,
		requests:   map[string]*requestRecord{},
		unfinished: map[string]map[string]bool{},
	}
}

// Schedule admits req, drives it through the pipeline and returns once it
// reaches a terminal outcome: bound locally, forwarded and bound upstream,
// or failed. It implements the failure classification of spec.md §4.5:
// RESOURCE_NOT_ENOUGH forwards up (non-root) or retries with an
// incremented scheduleRound (root); INSTANCE_TRANSACTION_WRONG_VERSION is
// returned unchanged; AFFINITY_SCHEDULE_FAILED retries locally on a
// backoff; anything else fails the request.
func (c *Controller) Schedule(ctx context.Context, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	rec := newRequestRecord(req, cancel)
	c.mu.Lock()
	c.requests[req.RequestID] = rec
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requests, req.RequestID)
		c.mu.Unlock()
		cancel()
	}()

	rec.setState(StatePreAllocation)
	logger := log.WithComponent("instancectrl").With().Str("request_id", req.RequestID).Logger()

	for attempt := 0; ; attempt++ {
		if rec.getState() == StateCanceled {
			c.publish(events.EventScheduleCanceled, req.RequestID, "canceled")
			return &tierlink.ScheduleResponse{Code: schederr.ScheduleCanceled, Message: "canceled"}, nil
		}
		select {
		case <-ctx.Done():
			rec.setState(StateFailed)
			return nil, schederr.Wrap(schederr.ScheduleCanceled, "schedule canceled", ctx.Err())
		default:
		}

		rec.mu.Lock()
		rec.attempt = attempt
		rec.mu.Unlock()

		resp, err := c.scheduleOnce(ctx, rec, req)
		if err == nil {
			rec.setState(StateRunning)
			c.publish(events.EventInstanceBound, req.RequestID, "scheduled")
			return resp, nil
		}

		se, ok := err.(*schederr.Error)
		if !ok {
			rec.setState(StateFailed)
			return nil, err
		}

		switch se.Code {
		case schederr.InstanceTransactionWrongVersion:
			return &tierlink.ScheduleResponse{Code: se.Code, Message: se.Message}, nil

		case schederr.ResourceNotEnough:
			if c.cfg.Parent == "" {
				if attempt >= c.cfg.RootRetryLimit {
					rec.setState(StateFailed)
					metrics.SchedulingOutcomesTotal.WithLabelValues("failed").Inc()
					return &tierlink.ScheduleResponse{Code: se.Code, Message: se.Message}, nil
				}
				req.ScheduleRound++
				rec.setState(StateRetry)
				metrics.InstanceRetriesTotal.WithLabelValues(string(c.cfg.Tier)).Inc()
				logger.Warn().Int("schedule_round", req.ScheduleRound).Msg("resource not enough at root, retrying")
				delay := backoffDelay(c.cfg.AffinityRetryBackoff, attempt)
				select {
				case <-ctx.Done():
					rec.setState(StateFailed)
					return nil, schederr.Wrap(schederr.ScheduleCanceled, "schedule canceled", ctx.Err())
				case <-time.After(delay):
				}
				continue
			}
			rec.setState(StateForwardUp)
			c.publish(events.EventScheduleForwarded, req.RequestID, "resource not enough, forwarding up")
			fwdResp, ferr := c.forwardUp(ctx, req)
			if ferr != nil {
				rec.setState(StateFailed)
				return nil, ferr
			}
			return fwdResp, nil

		case schederr.AffinityScheduleFailed:
			rec.setState(StateRetry)
			delay := backoffDelay(c.cfg.AffinityRetryBackoff, attempt)
			select {
			case <-ctx.Done():
				return nil, schederr.Wrap(schederr.ScheduleCanceled, "canceled during affinity retry", ctx.Err())
			case <-time.After(delay):
			}
			continue

		default:
			rec.setState(StateFailed)
			metrics.SchedulingOutcomesTotal.WithLabelValues("failed").Inc()
			c.publish(events.EventInstanceFailed, req.RequestID, se.Message)
			return &tierlink.ScheduleResponse{Code: se.Code, Message: se.Message}, nil
		}
	}
}

// scheduleOnce runs one pipeline attempt and, on success, either binds
// locally (leaf tier) or dispatches to the child tier that owns the
// winning ResourceUnit.
func (c *Controller) scheduleOnce(ctx context.Context, rec *requestRecord, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	rec.setState(StateScheduleLocal)

	pctx := preallocctx.New()
	root := c.rv.GetResources(resourceview.ViewPrimary)

	winner, err := c.fw.Schedule(pctx, req.Option, root)
	if err != nil {
		se, ok := err.(*schederr.Error)
		if ok && se.Code == schederr.ResourceNotEnough && req.Option.SchedPolicyName == types.SchedPolicyMonopoly && c.scaler != nil {
			return c.createAgentAndSchedule(ctx, rec, req)
		}
		return nil, err
	}

	if len(winner.Fragment) > 0 {
		// winner is itself a subtree (domain/local node): dispatch downward.
		return c.DispatchSchedule(ctx, winner.ID, req)
	}

	rec.mu.Lock()
	rec.agentID = winner.ID
	rec.mu.Unlock()
	return c.bind(ctx, req, winner.ID)
}

// createAgentAndSchedule provisions a fresh agent for a monopoly request
// no existing bucket can satisfy, then retries the pipeline once the
// scaler's agent is visible in the resource view.
func (c *Controller) createAgentAndSchedule(ctx context.Context, rec *requestRecord, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	unit, err := c.scaler.CreateAgent(ctx, req.Option, req.CreateOptions)
	if err != nil {
		return nil, schederr.Wrap(schederr.ResourceNotEnough, "create agent failed", err)
	}
	if req.CreateOptions == nil {
		req.CreateOptions = map[string]string{}
	}
	if poolID, ok := unit.NodeLabels[types.AffinityPoolIDKey]; ok {
		for value := range poolID {
			req.CreateOptions[types.AffinityPoolIDKey] = value
			break
		}
	}

	for i := 0; i < c.cfg.CreateAgentAwaitRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, schederr.Wrap(schederr.ScheduleCanceled, "canceled awaiting created agent", ctx.Err())
		case <-time.After(c.cfg.CreateAgentAwaitInterval):
		}
		if _, ok := c.rv.GetResources(resourceview.ViewPrimary).Fragment[unit.ID]; ok {
			rec.mu.Lock()
			rec.agentID = unit.ID
			rec.mu.Unlock()
			return c.bind(ctx, req, unit.ID)
		}
	}
	return nil, schederr.New(schederr.ResourceNotEnough, "created agent never became visible")
}

// DispatchSchedule forwards req to the named child tier (an underlayer at
// the domain tier, a local node at the local tier's own pipeline is never
// dispatched since it has no children), bounded by DispatchTimeout and
// retried up to DispatchRetries times on timeout.
func (c *Controller) DispatchSchedule(ctx context.Context, to string, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	c.markUnfinished(to, req.RequestID, true)
	defer c.markUnfinished(to, req.RequestID, false)

	var lastErr error
	for i := 0; i <= c.cfg.DispatchRetries; i++ {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		resp, err := c.router.Send(dctx, to, "Schedule", req)
		cancel()
		if err == nil {
			return resp.(*tierlink.ScheduleResponse), nil
		}
		lastErr = err
		if !schederr.Is(err, schederr.LSForwardDomainTimeout) {
			return nil, err
		}
	}
	return nil, lastErr
}

// forwardUp escalates req to the parent tier when this tier cannot
// satisfy it itself. Any error reaching the parent is returned wrapped
// as DOMAIN_SCHEDULER_FORWARD_ERR; otherwise the parent's
// ScheduleResponse is returned unchanged.
func (c *Controller) forwardUp(ctx context.Context, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	fwd := &tierlink.ForwardScheduleRequest{ScheduleRequest: *req}
	resp, err := c.router.Send(ctx, c.cfg.Parent, "ForwardSchedule", fwd)
	if err != nil {
		return nil, schederr.Wrap(schederr.DomainSchedulerForwardErr, "forward to parent failed", err)
	}
	return resp.(*tierlink.ScheduleResponse), nil
}

func (c *Controller) bind(ctx context.Context, req *tierlink.ScheduleRequest, agentID string) (*tierlink.ScheduleResponse, error) {
	rec, ok := c.lookup(req.RequestID)
	if ok {
		rec.setState(StateBind)
	}
	return &tierlink.ScheduleResponse{Code: schederr.Success, AgentID: agentID}, nil
}

func (c *Controller) markUnfinished(to, requestID string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.unfinished[to]
	if !ok {
		set = map[string]bool{}
		c.unfinished[to] = set
	}
	if add {
		set[requestID] = true
		return
	}
	delete(set, requestID)
}

// FailUnderlayer, called on heartbeat loss, records
// DOMAIN_SCHEDULER_UNAVAILABLE_SCHEDULER as the last error of every
// request currently dispatched to name, drops name's in-flight set and
// returns those request ids. It does not interrupt the dispatches
// themselves: each DispatchSchedule call still returns only when its
// Send answers or times out.
func (c *Controller) FailUnderlayer(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.unfinished[name]))
	for id := range c.unfinished[name] {
		if rec, ok := c.requests[id]; ok {
			rec.mu.Lock()
			rec.lastErr = schederr.New(schederr.DomainSchedulerUnavailable, fmt.Sprintf("underlayer %q unavailable", name))
			rec.mu.Unlock()
		}
		ids = append(ids, id)
	}
	delete(c.unfinished, name)
	return ids
}

// Pending returns the number of requests currently owned by this
// controller, used by the local tier's graceful shutdown to wait for
// quiescence before unregistering.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Controller) lookup(requestID string) (*requestRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.requests[requestID]
	return rec, ok
}

// IsActive reports whether requestID already has an outer Schedule() call
// in flight on this controller. ForwardSchedule uses this to detect a
// request escalating back into the same controller that dispatched it
// downward (a local tier it sent "Schedule" to turns around and forwards
// the same request back up), so it can give the reentrant attempt its own
// bookkeeping id instead of clobbering the outer call's requests entry.
func (c *Controller) IsActive(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requests[requestID]
	return ok
}

// EvictInstances tears down the listed instances hosted on agentID,
// optionally as a best-effort preemption rather than a hard failure.
func (c *Controller) EvictInstances(ctx context.Context, agentID string, instanceIDs []string, isPreempt bool) (*tierlink.NotifyEvictResult, error) {
	resp, err := c.router.Send(ctx, agentID, "EvictAgent", &tierlink.EvictAgentRequest{
		AgentID:     agentID,
		InstanceIDs: instanceIDs,
		IsPreempt:   isPreempt,
	})
	if err != nil {
		return nil, err
	}
	ack := resp.(*tierlink.EvictAck)
	if ack.Code != schederr.Success {
		return nil, schederr.New(ack.Code, "evict rejected")
	}
	c.publish(events.EventInstanceEvicted, agentID, strings.Join(instanceIDs, ","))
	return &tierlink.NotifyEvictResult{AgentID: agentID, Succeeded: instanceIDs}, nil
}

// Kill cancels an in-flight or running request on behalf of from. An
// unknown request is rejected with LS_REQUEST_NOT_FOUND; a request whose
// original caller is not from is rejected with PARAMETER_ERROR.
func (c *Controller) Kill(from string, req *tierlink.ScheduleRequest) error {
	rec, ok := c.lookup(req.RequestID)
	if !ok {
		return schederr.New(schederr.LSRequestNotFound, "no such request")
	}
	if rec.req.From != from {
		return schederr.New(schederr.ParameterError, "kill rejected: caller mismatch")
	}
	rec.mu.Lock()
	rec.canceled = true
	cancel := rec.cancel
	rec.mu.Unlock()
	rec.setState(StateCanceled)
	if cancel != nil {
		cancel()
	}
	return nil
}

// CallResult delivers an asynchronous response (e.g. a domain's answer to
// a ForwardSchedule) to the request it belongs to. Requests suffixed with
// "@initcall" (types.InitCallSuffix) identify the synthetic bootstrap call
// a newly created agent issues for itself and are matched by trimming the
// suffix before lookup.
func (c *Controller) CallResult(from string, requestID string, res *tierlink.ScheduleResponse) error {
	id := strings.TrimSuffix(requestID, types.InitCallSuffix)
	rec, ok := c.lookup(id)
	if !ok {
		return schederr.New(schederr.LSRequestNotFound, "no such request")
	}
	rec.mu.Lock()
	if res.Code == schederr.Success {
		rec.agentID = res.AgentID
	} else {
		rec.lastErr = schederr.New(res.Code, res.Message)
	}
	rec.mu.Unlock()
	return nil
}

// TryCancelSchedule cancels requestID, forwarding the cancellation to the
// parent tier with unbounded retry on timeout since a cancel must
// eventually either take effect or learn the request already completed.
func (c *Controller) TryCancelSchedule(ctx context.Context, requestID, canceller string) (*tierlink.TryCancelResponse, error) {
	rec, ok := c.lookup(requestID)
	if !ok {
		return &tierlink.TryCancelResponse{Code: schederr.LSRequestNotFound}, nil
	}
	if rec.req.From != canceller {
		return &tierlink.TryCancelResponse{Code: schederr.ParameterError}, nil
	}
	if rec.getState().IsTerminal() {
		return &tierlink.TryCancelResponse{Code: schederr.ScheduleCanceled}, nil
	}

	if err := c.Kill(canceller, rec.req); err != nil {
		return &tierlink.TryCancelResponse{Code: schederr.ParameterError}, nil
	}

	if c.cfg.Parent == "" {
		return &tierlink.TryCancelResponse{Code: schederr.Success}, nil
	}

	req := &tierlink.TryCancelScheduleRequest{RequestID: requestID, Canceller: canceller}
	for {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		resp, err := c.router.Send(cctx, c.cfg.Parent, "TryCancelSchedule", req)
		cancel()
		if err == nil {
			return resp.(*tierlink.TryCancelResponse), nil
		}
		if !schederr.Is(err, schederr.LSForwardDomainTimeout) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}
