// Package resourceview implements C1, the Resource View: the tree of
// ResourceUnits rooted at the local process's own unit, aggregated from
// child deltas with revision-ordered, idempotent application.
package resourceview

import (
	"sync"

	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/types"
)

// View selects which of the two independent views (physical capacity vs.
// heterogeneous/virtual overlays) an operation targets.
type View string

const (
	ViewPrimary View = "primary"
	ViewVirtual View = "virtual"
)

// Delta is one change to apply via UpdateResourceUnitDelta: either a child
// unit addition/removal, or an adjustment to capacity/allocatable/labels
// on an existing unit.
type Delta struct {
	UnitID           string
	Remove           bool
	CapacityDelta    map[string]float64
	AllocatableDelta map[string]float64
	LabelDeltas      map[string]map[string]int // label key -> value -> count delta
	ModRevision      int64
}

// Changes is the per-view delta accumulated since the last GetChanges
// call, keyed by unit id.
type Changes map[string]*types.ResourceUnit

// ResourceView is C1's single-owner data structure. It is intended to be
// driven by one actor goroutine; external callers receive immutable
// snapshots rather than references into live state.
type ResourceView struct {
	mu       sync.Mutex
	tier     types.Tier
	roots    map[View]*types.ResourceUnit
	pending  map[View]Changes
	onPull   func() // TriggerTryPull hook, set by the owning tier actor
}

// New constructs an empty ResourceView rooted at rootID for the given
// tier.
func New(tier types.Tier, rootID string) *ResourceView {
	rv := &ResourceView{
		tier: tier,
		roots: map[View]*types.ResourceUnit{
			ViewPrimary: types.NewResourceUnit(rootID, ""),
			ViewVirtual: types.NewResourceUnit(rootID, ""),
		},
		pending: map[View]Changes{
			ViewPrimary: {},
			ViewVirtual: {},
		},
	}
	return rv
}

// SetPullHook registers the callback TriggerTryPull invokes.
func (rv *ResourceView) SetPullHook(fn func()) {
	rv.mu.Lock()
	rv.onPull = fn
	rv.mu.Unlock()
}

// RegisterResourceUnit inserts or replaces a child unit under the local
// root. Idempotent: registering the same id twice replaces the prior
// record.
func (rv *ResourceView) RegisterResourceUnit(view View, unit *types.ResourceUnit, url string) error {
	if unit == nil || unit.ID == "" {
		return schederr.New(schederr.ParameterError, "resourceunit id is required")
	}
	rv.mu.Lock()
	defer rv.mu.Unlock()

	root := rv.roots[view]
	root.Fragment[unit.ID] = unit
	rv.recordChangeLocked(view, unit)

	log.WithComponent("resourceview").Info().
		Str("unit_id", unit.ID).Str("view", string(view)).Str("url", url).
		Msg("resource unit registered")
	metrics.ResourceUnitsTotal.WithLabelValues(string(rv.tier)).Set(float64(len(root.Fragment)))
	return nil
}

// UnRegisterResourceUnit removes a child unit and rolls back its
// contribution to the root's aggregates.
func (rv *ResourceView) UnRegisterResourceUnit(view View, id string) error {
	rv.mu.Lock()
	defer rv.mu.Unlock()

	root := rv.roots[view]
	unit, ok := root.Fragment[id]
	if !ok {
		return nil
	}
	for res, amount := range unit.Capacity {
		root.Capacity[res] -= amount
	}
	for res, amount := range unit.Allocatable {
		root.Allocatable[res] -= amount
	}
	for key, counter := range unit.NodeLabels {
		for value, count := range counter {
			rv.adjustLabelLocked(root, key, value, -count)
		}
	}
	delete(root.Fragment, id)

	tomb := types.NewResourceUnit(id, unit.OwnerID)
	tomb.ModRevision = unit.ModRevision
	rv.recordChangeLocked(view, tomb)

	metrics.ResourceUnitsTotal.WithLabelValues(string(rv.tier)).Set(float64(len(root.Fragment)))
	return nil
}

// UpdateResourceUnitDelta applies a batch of deltas. Any delta whose
// ModRevision is less than or equal to the unit's last-applied revision
// is rejected (not applied) so that out-of-order or duplicate delivery
// cannot regress state.
func (rv *ResourceView) UpdateResourceUnitDelta(view View, deltas []Delta) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResourceViewUpdateDuration)

	rv.mu.Lock()
	defer rv.mu.Unlock()

	root := rv.roots[view]
	for _, d := range deltas {
		unit, ok := root.Fragment[d.UnitID]
		if !ok {
			if d.Remove {
				continue
			}
			unit = types.NewResourceUnit(d.UnitID, "")
			root.Fragment[d.UnitID] = unit
		}
		if d.ModRevision <= unit.ModRevision {
			continue // stale delta, reject
		}
		if d.Remove {
			delete(root.Fragment, d.UnitID)
			rv.recordChangeLocked(view, &types.ResourceUnit{ID: d.UnitID, ModRevision: d.ModRevision})
			continue
		}
		for res, amount := range d.CapacityDelta {
			unit.Capacity[res] += amount
		}
		for res, amount := range d.AllocatableDelta {
			unit.Allocatable[res] += amount
		}
		for key, values := range d.LabelDeltas {
			for value, delta := range values {
				rv.adjustLabelLocked(unit, key, value, delta)
			}
		}
		unit.ModRevision = d.ModRevision
		rv.recordChangeLocked(view, unit)
	}
	return nil
}

// adjustLabelLocked applies a signed delta to a label-value counter,
// removing the entry once it reaches zero.
func (rv *ResourceView) adjustLabelLocked(unit *types.ResourceUnit, key, value string, delta int) {
	if unit.NodeLabels[key] == nil {
		unit.NodeLabels[key] = types.LabelCounter{}
	}
	unit.NodeLabels[key].Add(value, delta)
	if len(unit.NodeLabels[key]) == 0 {
		delete(unit.NodeLabels, key)
	}
}

func (rv *ResourceView) recordChangeLocked(view View, unit *types.ResourceUnit) {
	rv.pending[view][unit.ID] = unit
}

// GetResources returns a snapshot of the full tree for a view.
func (rv *ResourceView) GetResources(view View) *types.ResourceUnit {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return cloneUnit(rv.roots[view])
}

// GetChanges returns and clears the accumulated delta since the last call.
func (rv *ResourceView) GetChanges(view View) Changes {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	changes := rv.pending[view]
	rv.pending[view] = Changes{}
	return changes
}

// TriggerTryPull asks the parent to resend its view, used after heartbeat
// loss to recover from a possibly missed delta stream.
func (rv *ResourceView) TriggerTryPull() {
	rv.mu.Lock()
	hook := rv.onPull
	rv.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func cloneUnit(u *types.ResourceUnit) *types.ResourceUnit {
	if u == nil {
		return nil
	}
	out := types.NewResourceUnit(u.ID, u.OwnerID)
	out.ModRevision = u.ModRevision
	for k, v := range u.Capacity {
		out.Capacity[k] = v
	}
	for k, v := range u.Allocatable {
		out.Allocatable[k] = v
	}
	for k, counter := range u.NodeLabels {
		c := types.LabelCounter{}
		for val, cnt := range counter {
			c[val] = cnt
		}
		out.NodeLabels[k] = c
	}
	for id, child := range u.Fragment {
		out.Fragment[id] = cloneUnit(child)
	}
	for prop, byMem := range u.BucketIndexes {
		m := map[string]*types.BucketInfo{}
		for mem, info := range byMem {
			copied := *info
			m[mem] = &copied
		}
		out.BucketIndexes[prop] = m
	}
	return out
}
