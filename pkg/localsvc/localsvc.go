// Package localsvc implements C7, the Local Service / Lease Registry: the
// local tier's single actor, announcing presence under a lease and
// serving the scheduler RPC surface the runtime calls into.
package localsvc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/observer"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

// Config carries the lease/retry tunables spec.md §4.7 names.
type Config struct {
	Node       string
	AID        string
	AK         string
	Prefix     string
	BusinessID string

	LeaseTTL time.Duration

	NotifyRetryInterval time.Duration

	// ShutdownRetryTimeout is the per-attempt timeout for UnRegister
	// during graceful shutdown (default 5s per spec.md §4.7), doubled on
	// each retry up to ShutdownMaxBackoff.
	ShutdownRetryTimeout time.Duration
	ShutdownMaxBackoff   time.Duration
	QuiesceInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 20 * time.Second
	}
	if c.NotifyRetryInterval == 0 {
		c.NotifyRetryInterval = 2 * time.Second
	}
	if c.ShutdownRetryTimeout == 0 {
		c.ShutdownRetryTimeout = 5 * time.Second
	}
	if c.ShutdownMaxBackoff == 0 {
		c.ShutdownMaxBackoff = 60 * time.Second
	}
	if c.QuiesceInterval == 0 {
		c.QuiesceInterval = 100 * time.Millisecond
	}
	return c
}

// Service is C7. DomainName/GlobalName are the tierlink endpoint names
// this local tier registers with and forwards to.
type Service struct {
	cfg    Config
	client metastore.Client
	ctrl   *instancectrl.Controller
	router *tierlink.Router
	obs    *observer.Observer

	domainName string
	globalName string

	mu      sync.Mutex
	agents  map[string]bool
	watches []metastore.Watcher

	stopCh chan struct{}
	wg     sync.WaitGroup

	events *events.Broker
}

// SetEventBroker wires b as the destination for this service's
// presence events (lease.renewed, lease.lost). Safe to call once after
// New; nil disables publishing.
func (s *Service) SetEventBroker(b *events.Broker) {
	s.events = b
}

func (s *Service) publish(typ events.EventType, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{Type: typ, Message: message, Metadata: map[string]string{"node": s.cfg.Node}})
}

// New constructs a Service bound to the given meta-store client (for
// lease presence), instance controller (for the scheduling RPC surface)
// and router (for upward dispatch to domain/global).
func New(cfg Config, client metastore.Client, ctrl *instancectrl.Controller, router *tierlink.Router, domainName, globalName string) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:        cfg,
		client:     client,
		ctrl:       ctrl,
		router:     router,
		obs:        observer.New(client, cfg.Prefix, cfg.BusinessID),
		domainName: domainName,
		globalName: globalName,
		agents:     map[string]bool{},
		stopCh:     make(chan struct{}),
	}
}

// Observer returns the C2 cache this local tier keeps warm over its
// sibling proxies and the business's function metadata, for diagnostics
// and for agents that need a read-through lookup without a direct
// meta-store round trip.
func (s *Service) Observer() *observer.Observer {
	return s.obs
}

func (s *Service) presenceKey() string {
	return observer.BusProxyKey(s.cfg.Prefix, s.cfg.BusinessID, s.cfg.Node)
}

// Start announces presence under the bus-proxy prefix and begins the
// keepalive loop: one KeepAliveOnce every TTL/4, re-acquiring the lease
// and republishing on any keepalive failure.
func (s *Service) Start(ctx context.Context) error {
	value := s.marshalProxyMeta()
	if err := s.client.PutWithLease(ctx, s.presenceKey(), value, s.cfg.LeaseTTL); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.keepAliveLoop(ctx, value)
	s.startObserverWatches(ctx)
	return nil
}

// startObserverWatches begins the three-phase watches backing Observer:
// sibling bus proxies and the business's function metadata. Failures are
// logged, not fatal, since the observer is a best-effort read cache and
// Service remains usable for scheduling without it.
func (s *Service) startObserverWatches(ctx context.Context) {
	if w, err := s.obs.WatchProxies(ctx, nil); err != nil {
		log.WithComponent("localsvc").Warn().Err(err).Msg("bus proxy watch failed to start")
	} else {
		s.mu.Lock()
		s.watches = append(s.watches, w)
		s.mu.Unlock()
	}
	if w, err := s.obs.WatchFunctionMetas(ctx, nil); err != nil {
		log.WithComponent("localsvc").Warn().Err(err).Msg("function metadata watch failed to start")
	} else {
		s.mu.Lock()
		s.watches = append(s.watches, w)
		s.mu.Unlock()
	}
}

func (s *Service) marshalProxyMeta() string {
	body, _ := json.Marshal(struct {
		Node string `json:"node"`
		AID  string `json:"aid"`
		AK   string `json:"ak"`
	}{s.cfg.Node, s.cfg.AID, s.cfg.AK})
	return string(body)
}

func (s *Service) keepAliveLoop(ctx context.Context, value string) {
	defer s.wg.Done()
	interval := s.cfg.LeaseTTL / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.client.KeepAliveOnce(ctx, s.presenceKey()); err != nil {
				log.WithComponent("localsvc").Warn().Err(err).Msg("keepalive failed, re-acquiring lease")
				metrics.LeaseRenewalsTotal.WithLabelValues("failed").Inc()
				s.publish(events.EventLeaseLost, "keepalive failed")
				if perr := s.client.PutWithLease(ctx, s.presenceKey(), value, s.cfg.LeaseTTL); perr != nil {
					log.WithComponent("localsvc").Error().Err(perr).Msg("lease re-acquire failed")
					continue
				}
			}
			metrics.LeaseRenewalsTotal.WithLabelValues("ok").Inc()
			s.publish(events.EventLeaseRenewed, "keepalive ok")
		}
	}
}

// Schedule admits a schedule request from the runtime.
func (s *Service) Schedule(ctx context.Context, req *tierlink.ScheduleRequest) (*tierlink.ScheduleResponse, error) {
	return s.ctrl.Schedule(ctx, req)
}

// TryCancelSchedule cancels an in-flight or accepted request.
func (s *Service) TryCancelSchedule(ctx context.Context, requestID, canceller string) (*tierlink.TryCancelResponse, error) {
	return s.ctrl.TryCancelSchedule(ctx, requestID, canceller)
}

// EvictAgent evicts the named instances from agentID, tracking it as a
// locally-hosted agent for shutdown's evict-all-agents step.
func (s *Service) EvictAgent(ctx context.Context, req *tierlink.EvictAgentRequest) (*tierlink.EvictAck, error) {
	s.mu.Lock()
	s.agents[req.AgentID] = true
	s.mu.Unlock()

	if _, err := s.ctrl.EvictInstances(ctx, req.AgentID, req.InstanceIDs, req.IsPreempt); err != nil {
		se, ok := err.(*schederr.Error)
		if ok {
			return &tierlink.EvictAck{Code: se.Code}, nil
		}
		return nil, err
	}
	return &tierlink.EvictAck{Code: schederr.Success}, nil
}

// PreemptInstances evicts the listed instances as a best-effort
// preemption rather than a hard failure.
func (s *Service) PreemptInstances(ctx context.Context, req *tierlink.PreemptInstancesRequest) (*tierlink.PreemptInstancesResponse, error) {
	var preempted []string
	for _, id := range req.InstanceIDs {
		if _, err := s.ctrl.EvictInstances(ctx, id, []string{id}, true); err == nil {
			preempted = append(preempted, id)
		}
	}
	return &tierlink.PreemptInstancesResponse{Code: schederr.Success, Preempted: preempted}, nil
}

// ForwardSchedule escalates req to the domain tier when this local tier
// cannot satisfy it itself.
func (s *Service) ForwardSchedule(ctx context.Context, req *tierlink.ForwardScheduleRequest) (*tierlink.ScheduleResponse, error) {
	resp, err := s.router.Send(ctx, s.domainName, "ForwardSchedule", req)
	if err != nil {
		return nil, err
	}
	return resp.(*tierlink.ScheduleResponse), nil
}

// KillGroup cancels every request id in the group on behalf of from.
func (s *Service) KillGroup(from string, requestIDs []string) []error {
	var errs []error
	for _, id := range requestIDs {
		if err := s.ctrl.Kill(from, &tierlink.ScheduleRequest{RequestID: id, From: from}); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// NotifyWorkerStatus propagates local health upward to the domain tier,
// retrying indefinitely until it succeeds or ctx is done.
func (s *Service) NotifyWorkerStatus(ctx context.Context, healthy bool) error {
	req := &tierlink.NotifyWorkerStatusRequest{Name: s.cfg.Node, Healthy: healthy}
	for {
		resp, err := s.router.Send(ctx, s.domainName, "NotifyWorkerStatus", req)
		if err == nil {
			ack := resp.(*tierlink.ResponseNotifyWorkerStatus)
			if ack.Code == schederr.Success {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.NotifyRetryInterval):
		}
	}
}

// Shutdown performs the graceful-shutdown sequence of spec.md §4.7:
// evict every locally-hosted agent, wait for the instance controller to
// quiesce, then UnRegister from both the domain and global tiers,
// retrying each on timeout with an exponential backoff capped at
// ShutdownMaxBackoff.
func (s *Service) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	agents := make([]string, 0, len(s.agents))
	for id := range s.agents {
		agents = append(agents, id)
	}
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()
	for _, w := range watches {
		w.Cancel()
	}
	for _, id := range agents {
		_, _ = s.ctrl.EvictInstances(ctx, id, nil, false)
	}

	for s.ctrl.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.QuiesceInterval):
		}
	}

	if err := s.unregisterWithRetry(ctx, s.domainName); err != nil {
		return err
	}
	if s.globalName != "" {
		if err := s.unregisterWithRetry(ctx, s.globalName); err != nil {
			return err
		}
	}
	_ = s.client.Revoke(ctx, s.presenceKey())
	return nil
}

func (s *Service) unregisterWithRetry(ctx context.Context, to string) error {
	req := &tierlink.UnRegisterRequest{Name: s.cfg.Node, AID: s.cfg.AID}
	timeout := s.cfg.ShutdownRetryTimeout
	for {
		uctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := s.router.Send(uctx, to, "UnRegister", req)
		cancel()
		if err == nil {
			return nil
		}
		if !schederr.Is(err, schederr.LSForwardDomainTimeout) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		timeout *= 2
		if timeout > s.cfg.ShutdownMaxBackoff {
			timeout = s.cfg.ShutdownMaxBackoff
		}
	}
}

// DebugSnapshot reports this service's own proxy identity (node, AID and
// AK) for the debug/diagnostics surface.
func (s *Service) DebugSnapshot() types.ProxyMeta {
	return types.ProxyMeta{Node: s.cfg.Node, AID: s.cfg.AID, AK: s.cfg.AK}
}
