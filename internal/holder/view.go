package holder

import (
	"sort"

	"nostr-relaypool/internal/types"
)

// Predicate selects the events a FilteredView keeps.
type Predicate func(evt types.Event) bool

// MatchFilter adapts a subscription filter into a Predicate.
func MatchFilter(f types.Filter) Predicate {
	return f.Matches
}

// FilteredView is a sorted subset of a Holder's visible events. It is only
// ever fed events the parent already deduplicated, and shares the parent's
// lock.
type FilteredView struct {
	parent    *Holder
	predicate Predicate
	events    []types.Event
}

// AddView attaches a view. It starts with every visible event that matches
// the predicate; staged events join it when they are flushed.
func (h *Holder) AddView(predicate Predicate) *FilteredView {
	v := &FilteredView{parent: h, predicate: predicate}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range h.events {
		if predicate(evt) {
			// Parent order is already correct.
			v.events = append(v.events, evt)
		}
	}
	h.views = append(h.views, v)
	return v
}

// RemoveView detaches a view. It reports whether the view was attached.
func (h *Holder) RemoveView(v *FilteredView) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.views {
		if existing == v {
			h.views = append(h.views[:i], h.views[i+1:]...)
			return true
		}
	}
	return false
}

// Views returns the number of attached views.
func (h *Holder) Views() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}

// Detach removes the view from its parent.
func (v *FilteredView) Detach() bool {
	return v.parent.RemoveView(v)
}

// Events returns a copy of the view's events, newest first.
func (v *FilteredView) Events() []types.Event {
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	return append([]types.Event(nil), v.events...)
}

func (v *FilteredView) Len() int {
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	return len(v.events)
}

// offerLocked inserts evt if it matches. Callers hold the parent's lock.
func (v *FilteredView) offerLocked(evt types.Event) {
	if v.predicate(evt) {
		v.events = insertSorted(v.events, evt)
	}
}

// trimLocked drops the events older than oldest. Callers hold the parent's
// lock.
func (v *FilteredView) trimLocked(oldest types.Event) {
	i := sort.Search(len(v.events), func(i int) bool { return newer(oldest, v.events[i]) })
	clear(v.events[i:])
	v.events = v.events[:i]
}
