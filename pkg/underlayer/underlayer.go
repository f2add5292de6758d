// Package underlayer implements C6, the Underlayer Manager: the
// domain-tier registry of local underlayers, their heartbeat liveness,
// and the ForwardSchedule/PreemptInstance entry points a domain exposes
// upward and downward.
package underlayer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
)

// Status is an underlayer's membership lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRegistered Status = "REGISTERED"
	StatusLost       Status = "LOST"
)

// Record is one underlayer's bookkeeping: the UnderlayerScheduler record
// of spec.md §4.6, plus the heartbeat timer driving HeartbeatLost.
type Record struct {
	Name      string
	Address   string
	AID       string
	Status    Status
	heartbeat *time.Timer
	lastSeen  time.Time
}

// Config carries the heartbeat tunables spec.md §4.6 names.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatMaxMisses int
	AckTimeout        time.Duration
	AckRetries        int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMaxMisses == 0 {
		c.HeartbeatMaxMisses = 3
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.AckRetries == 0 {
		c.AckRetries = 2
	}
	return c
}

// Manager is C6. IsRoot marks a domain whose parent is the cluster root
// rather than the global tier, which controls whether ForwardSchedule
// increments scheduleRound itself.
type Manager struct {
	cfg    Config
	rv     *resourceview.ResourceView
	ctrl   *instancectrl.Controller
	router *tierlink.Router
	isRoot bool

	mu          sync.Mutex
	topology    map[string]bool
	underlayers map[string]*Record
	received    map[string]bool // recivedSchedulingReq_, request id dedup

	reentrySeq atomic.Uint64

	onLost func(name string)
	events *events.Broker
}

// SetEventBroker wires b as the destination for this manager's
// membership events (underlayer.joined, underlayer.left,
// heartbeat.missed). Safe to call once after New; nil disables
// publishing.
func (m *Manager) SetEventBroker(b *events.Broker) {
	m.events = b
}

func (m *Manager) publish(typ events.EventType, name, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{Type: typ, Message: message, Metadata: map[string]string{"name": name}})
}

// New constructs a Manager bound to rv (the domain's resource view), ctrl
// (the domain's Instance Controller) and router (inter-tier dispatch).
func New(cfg Config, rv *resourceview.ResourceView, ctrl *instancectrl.Controller, router *tierlink.Router, isRoot bool) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		rv:          rv,
		ctrl:        ctrl,
		router:      router,
		isRoot:      isRoot,
		topology:    map[string]bool{},
		underlayers: map[string]*Record{},
		received:    map[string]bool{},
	}
}

// OnHeartbeatLost registers the callback fired when an underlayer's
// silence exceeds heartbeatMaxTimes × heartbeatInterval.
func (m *Manager) OnHeartbeatLost(fn func(name string)) {
	m.mu.Lock()
	m.onLost = fn
	m.mu.Unlock()
}

// UpdateUnderlayerTopo reconciles the manager's membership against a new
// topology pushed down from the global scheduler: new members get a
// pending record, removed members are dropped (their heartbeat timers
// stopped and their resource subtree cleared).
func (m *Manager) UpdateUnderlayerTopo(members []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := map[string]bool{}
	for _, name := range members {
		next[name] = true
		if _, ok := m.underlayers[name]; !ok {
			m.underlayers[name] = &Record{Name: name, Status: StatusPending}
		}
	}
	for name, rec := range m.underlayers {
		if next[name] {
			continue
		}
		if rec.heartbeat != nil {
			rec.heartbeat.Stop()
		}
		m.resourceClear(name)
		delete(m.underlayers, name)
	}
	m.topology = next
	metrics.UnderlayersTotal.WithLabelValues(string(StatusRegistered)).Set(float64(m.countLocked(StatusRegistered)))
	metrics.UnderlayersTotal.WithLabelValues(string(StatusPending)).Set(float64(m.countLocked(StatusPending)))
}

func (m *Manager) countLocked(status Status) int {
	n := 0
	for _, rec := range m.underlayers {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Register admits a local tier's registration if its name is in the
// current topology and its claimed address matches. It starts the
// heartbeat observer and forwards the register snapshot into the
// resource view.
func (m *Manager) Register(req *tierlink.RegisterRequest, snapshot []resourceview.Delta) (*tierlink.RegisteredResponse, error) {
	m.mu.Lock()
	rec, ok := m.underlayers[req.Name]
	if !ok || !m.topology[req.Name] {
		m.mu.Unlock()
		return &tierlink.RegisteredResponse{Code: schederr.ParameterError}, schederr.New(schederr.ParameterError, "unknown underlayer")
	}
	if rec.Address != "" && rec.Address != req.Address {
		m.mu.Unlock()
		return &tierlink.RegisteredResponse{Code: schederr.ParameterError}, schederr.New(schederr.ParameterError, "address mismatch")
	}
	rec.Address = req.Address
	rec.AID = req.AID
	rec.Status = StatusRegistered
	rec.lastSeen = time.Now()
	m.startHeartbeatLocked(rec)
	m.mu.Unlock()

	if err := m.rv.UpdateResourceUnitDelta(resourceview.ViewPrimary, snapshot); err != nil {
		return nil, err
	}
	log.WithComponent("underlayer").Info().Str("name", req.Name).Msg("underlayer registered")
	metrics.UnderlayersTotal.WithLabelValues(string(StatusRegistered)).Inc()
	m.publish(events.EventUnderlayerJoined, req.Name, "registered")
	return &tierlink.RegisteredResponse{Code: schederr.Success}, nil
}

func (m *Manager) startHeartbeatLocked(rec *Record) {
	if rec.heartbeat != nil {
		rec.heartbeat.Stop()
	}
	timeout := time.Duration(m.cfg.HeartbeatMaxMisses) * m.cfg.HeartbeatInterval
	rec.heartbeat = time.AfterFunc(timeout, func() { m.heartbeatLost(rec.Name) })
}

// Heartbeat resets rec's silence timer, called whenever a Ping arrives
// from the underlayer.
func (m *Manager) Heartbeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.underlayers[name]
	if !ok || rec.Status != StatusRegistered {
		return
	}
	rec.lastSeen = time.Now()
	m.startHeartbeatLocked(rec)
}

func (m *Manager) heartbeatLost(name string) {
	m.mu.Lock()
	rec, ok := m.underlayers[name]
	if !ok || rec.Status != StatusRegistered {
		m.mu.Unlock()
		return
	}
	rec.Status = StatusLost
	onLost := m.onLost
	m.mu.Unlock()

	log.WithComponent("underlayer").Warn().Str("name", name).Msg("heartbeat lost")
	metrics.HeartbeatLossTotal.WithLabelValues("domain").Inc()
	m.publish(events.EventHeartbeatMissed, name, "heartbeat lost")
	failed := m.ctrl.FailUnderlayer(name)
	for range failed {
		metrics.InstanceRetriesTotal.WithLabelValues("domain").Inc()
	}
	m.publish(events.EventUnderlayerLeft, name, "marked lost")
	if onLost != nil {
		onLost(name)
	}
}

// resourceClear drops name's subtree from the resource view, invoked on
// topology removal or explicit Clear.
func (m *Manager) resourceClear(name string) {
	_ = m.rv.UnRegisterResourceUnit(resourceview.ViewPrimary, name)
}

// ForwardSchedule is the domain's entry point for a schedule escalated
// from a local tier: it dedups by request id, applies the sender's
// resource delta, increments scheduleRound if this domain is the cluster
// root, and drives the request through this domain's own Instance
// Controller. Any non-wrong-version failure is re-escalated to the
// global tier; if the global tier refuses with
// DOMAIN_SCHEDULER_FORWARD_ERR the original local response is kept.
func (m *Manager) ForwardSchedule(ctx context.Context, fwd *tierlink.ForwardScheduleRequest) (*tierlink.ScheduleResponse, error) {
	m.mu.Lock()
	if m.received[fwd.RequestID] {
		m.mu.Unlock()
		return &tierlink.ScheduleResponse{Code: schederr.Success, Message: "duplicate request, already handled"}, nil
	}
	m.received[fwd.RequestID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.received, fwd.RequestID)
		m.mu.Unlock()
	}()

	if len(fwd.SenderDelta) > 0 {
		deltas := make([]resourceview.Delta, 0, len(fwd.SenderDelta))
		for unitID, amount := range fwd.SenderDelta {
			deltas = append(deltas, resourceview.Delta{
				UnitID:           unitID,
				AllocatableDelta: map[string]float64{"cpu": amount},
				ModRevision:      time.Now().UnixNano(),
			})
		}
		if err := m.rv.UpdateResourceUnitDelta(resourceview.ViewPrimary, deltas); err != nil {
			return nil, err
		}
	}

	req := &fwd.ScheduleRequest
	if m.isRoot {
		req.ScheduleRound++
	}

	// A request this controller already dispatched downward (to one of
	// its own underlayers) can escalate straight back here with the same
	// RequestID if that underlayer can't satisfy it either. Running
	// ctrl.Schedule again under that id would clobber the outer call's
	// still-in-flight requests entry, so the reentrant attempt gets its
	// own bookkeeping id; the result still reaches the caller through the
	// normal return value, never by RequestID correlation.
	scheduleReq := req
	if m.ctrl.IsActive(req.RequestID) {
		reentrant := *req
		reentrant.RequestID = fmt.Sprintf("%s@reforward%d", req.RequestID, m.reentrySeq.Add(1))
		scheduleReq = &reentrant
	}

	metrics.ForwardScheduleTotal.WithLabelValues("up", "attempted").Inc()
	resp, err := m.ctrl.Schedule(ctx, scheduleReq)
	if err == nil && (resp == nil || resp.Code == schederr.Success) {
		return resp, nil
	}
	if err != nil {
		se, ok := err.(*schederr.Error)
		if ok && se.Code == schederr.InstanceTransactionWrongVersion {
			return nil, err
		}
	} else if resp.Code == schederr.InstanceTransactionWrongVersion {
		return resp, nil
	}

	escalated, eerr := m.router.Send(ctx, "global", "ForwardSchedule", fwd)
	if eerr != nil {
		if schederr.Is(eerr, schederr.DomainSchedulerForwardErr) {
			if resp != nil {
				return resp, nil
			}
			return nil, err
		}
		return nil, eerr
	}
	return escalated.(*tierlink.ScheduleResponse), nil
}

// PreemptInstance sends every proxy (underlayer) in byProxy, whose
// instance ids the caller has already grouped by owning proxy, an
// EvictAgentRequest, retrying on ack timeout up to AckRetries times.
func (m *Manager) PreemptInstance(ctx context.Context, byProxy map[string][]string) (*tierlink.PreemptInstancesResponse, error) {
	var preempted []string
	for proxy, instanceIDs := range byProxy {
		req := &tierlink.EvictAgentRequest{AgentID: proxy, InstanceIDs: instanceIDs, IsPreempt: true}

		var lastErr error
		ok := false
		for attempt := 0; attempt <= m.cfg.AckRetries; attempt++ {
			actx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
			resp, err := m.router.Send(actx, proxy, "EvictAgent", req)
			cancel()
			if err == nil {
				ack := resp.(*tierlink.EvictAck)
				if ack.Code == schederr.Success {
					preempted = append(preempted, instanceIDs...)
					ok = true
				}
				break
			}
			lastErr = err
			if !schederr.Is(err, schederr.LSForwardDomainTimeout) {
				break
			}
		}
		if !ok && lastErr != nil {
			log.WithComponent("underlayer").Warn().Str("proxy", proxy).Err(lastErr).Msg("preempt ack failed")
		}
	}
	return &tierlink.PreemptInstancesResponse{Code: schederr.Success, Preempted: preempted}, nil
}

// NotifyAbnormal propagates an underlayer's declared abnormality to the
// global tier and trips the scheduler-unavailable alarm sink.
func (m *Manager) NotifyAbnormal(ctx context.Context, name, reason string) error {
	log.WithComponent("underlayer").Error().Str("name", name).Str("reason", reason).Msg("underlayer reported abnormal state")
	_, err := m.router.Send(ctx, "global", "NotifySchedAbnormal", &tierlink.NotifySchedAbnormalRequest{Name: name, Reason: reason})
	return err
}

// Get returns a copy of name's current record, for diagnostics.
func (m *Manager) Get(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.underlayers[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
