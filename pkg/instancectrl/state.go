// Package instancectrl implements C5, the Instance Controller: the
// per-request state machine that owns a scheduling request from
// acceptance through bind, eviction or cancellation.
package instancectrl

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
)

// State is a position in the per-request state machine of spec.md §4.5:
//
//	NEW → PRE_ALLOCATION → (SCHEDULE_LOCAL | FORWARD_UP) → BIND → RUNNING
//	                               ↓                      ↓         ↓
//	                            RETRY ──────────────→ CANCELED*   EVICTED*
//	                               ↓
//	                           FAILED*
type State string

const (
	StateNew           State = "NEW"
	StatePreAllocation State = "PRE_ALLOCATION"
	StateScheduleLocal State = "SCHEDULE_LOCAL"
	StateForwardUp     State = "FORWARD_UP"
	StateRetry         State = "RETRY"
	StateBind          State = "BIND"
	StateRunning       State = "RUNNING"
	StateCanceled      State = "CANCELED"
	StateEvicted       State = "EVICTED"
	StateFailed        State = "FAILED"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == StateCanceled || s == StateEvicted || s == StateFailed
}

// requestRecord is the controller's bookkeeping for one accepted
// schedule request: its caller identity (for Kill/TryCancel rejection),
// its current state, and the cancellation the controller uses to
// unblock an in-flight DispatchSchedule.
type requestRecord struct {
	mu       sync.Mutex
	req      *tierlink.ScheduleRequest
	state    State
	attempt  int
	lastErr  *schederr.Error
	agentID  string
	cancel   context.CancelFunc
	canceled bool
}

func newRequestRecord(req *tierlink.ScheduleRequest, cancel context.CancelFunc) *requestRecord {
	return &requestRecord{req: req, state: StateNew, cancel: cancel}
}

func (r *requestRecord) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *requestRecord) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// backoffDelay returns the retry interval for the given zero-based
// attempt number, holding at the last configured entry once attempts
// exceed the list's length.
func backoffDelay(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 100 * time.Millisecond
	}
	if attempt >= len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[attempt]
}
