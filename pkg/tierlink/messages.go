// Package tierlink models the inter-tier message contracts of spec.md
// §6 as Go types plus an in-process transport. fnsched's Non-goals
// explicitly exclude "a transport protocol" (spec.md §1): this package
// is deliberately not a wire codec, only the dispatch surface the
// cooperative-actor tiers call through.
package tierlink

import (
	"time"

	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/types"
)

// RegisterRequest is sent local↔domain or local↔global to announce
// presence and request topology membership.
type RegisterRequest struct {
	Name    string
	Address string
	AID     string
}

// RegisteredResponse acknowledges a Register.
type RegisteredResponse struct {
	Code schederr.Code
}

// UnRegisterRequest withdraws a prior Register.
type UnRegisterRequest struct {
	Name string
	AID  string
}

// UpdateSchedTopoViewRequest pushes the global scheduler's current
// topology down to a domain's Underlayer Manager.
type UpdateSchedTopoViewRequest struct {
	Members []string
}

// ScheduleRequest carries one scheduling attempt.
type ScheduleRequest struct {
	RequestID    string
	TraceID      string
	Function     types.FunctionRef
	Option       types.ScheduleOption
	CreateOptions map[string]string
	ScheduleRound int
	From          string
}

// ScheduleResponse is returned to the caller of Schedule or ForwardSchedule.
type ScheduleResponse struct {
	Code            schederr.Code
	Message         string
	AgentID         string
	ResourceDeltas  map[string]float64
	CreateOptions   map[string]string
}

// ForwardScheduleRequest is a local→domain→global escalation of a
// ScheduleRequest that the sending tier could not satisfy itself.
type ForwardScheduleRequest struct {
	ScheduleRequest
	SenderDelta map[string]float64
}

// ReserveRequest asks an underlayer's group-ctrl actor to tentatively
// hold resources for a group-scheduling or monopoly attempt.
type ReserveRequest struct {
	RequestID string
	AgentID   string
	Resources map[string]float64
}

// ReserveResponse carries the resource changes the caller should replay
// against its own resource view.
type ReserveResponse struct {
	Code    schederr.Code
	Deltas  map[string]float64
}

// UnReserveRequest releases a prior Reserve. Idempotent.
type UnReserveRequest struct {
	RequestID string
	AgentID   string
}

// UnReserveResponse acknowledges an UnReserve.
type UnReserveResponse struct {
	Code schederr.Code
}

// BindRequest commits a reservation to a running instance.
type BindRequest struct {
	RequestID  string
	InstanceID string
	AgentID    string
}

// BindResponse acknowledges a Bind.
type BindResponse struct {
	Code schederr.Code
}

// UnBindRequest releases a prior Bind. Idempotent.
type UnBindRequest struct {
	RequestID  string
	InstanceID string
}

// UnBindResponse acknowledges an UnBind.
type UnBindResponse struct {
	Code schederr.Code
}

// NotifySchedAbnormalRequest propagates an underlayer's declared
// abnormality upward.
type NotifySchedAbnormalRequest struct {
	Name   string
	Reason string
}

// ResponseNotifySchedAbnormal acknowledges NotifySchedAbnormal.
type ResponseNotifySchedAbnormal struct {
	Code schederr.Code
}

// NotifyWorkerStatusRequest propagates local-tier health upward.
type NotifyWorkerStatusRequest struct {
	Name    string
	Healthy bool
}

// ResponseNotifyWorkerStatus acknowledges NotifyWorkerStatus.
type ResponseNotifyWorkerStatus struct {
	Code schederr.Code
}

// EvictAgentRequest asks a local tier to evict one or more instances
// hosted on an agent, optionally as a best-effort preemption.
type EvictAgentRequest struct {
	AgentID     string
	InstanceIDs []string
	IsPreempt   bool
}

// EvictAck is the immediate acknowledgement of an EvictAgentRequest.
type EvictAck struct {
	Code schederr.Code
}

// NotifyEvictResult reports the outcome of an eviction once complete.
type NotifyEvictResult struct {
	AgentID   string
	Succeeded []string
	Failed    []string
}

// EvictAgentResultAck acknowledges a NotifyEvictResult.
type EvictAgentResultAck struct {
	Code schederr.Code
}

// PreemptInstancesRequest asks a domain's underlayer manager to preempt
// a set of instances across one or more proxies.
type PreemptInstancesRequest struct {
	InstanceIDs []string
}

// PreemptInstancesResponse reports the preemption outcome.
type PreemptInstancesResponse struct {
	Code      schederr.Code
	Preempted []string
}

// DeletePodRequest removes a scheduled instance's underlying runtime pod.
type DeletePodRequest struct {
	InstanceID string
}

// DeletePodResponse acknowledges a DeletePodRequest.
type DeletePodResponse struct {
	Code schederr.Code
}

// TryCancelScheduleRequest cancels an in-flight schedule request.
type TryCancelScheduleRequest struct {
	RequestID string
	Canceller string
}

// TryCancelResponse reports whether the cancel took effect, was too
// late (the request already completed), or was rejected.
type TryCancelResponse struct {
	Code schederr.Code
}

// PingRequest is a heartbeat probe between adjacent tiers.
type PingRequest struct {
	From string
	At   time.Time
}

// PongResponse answers a PingRequest.
type PongResponse struct {
	From string
	At   time.Time
}
