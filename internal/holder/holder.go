// Package holder merges the events of one subscription into a single
// deduplicated stream sorted newest first.
//
// Every relay connection feeds the same Holder concurrently. All state sits
// behind one mutex, including the contents of filtered views; callbacks run
// after the mutex is released so they may call back into the Holder.
package holder

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"nostr-relaypool/internal/types"
)

// Config configures a Holder. Callbacks may be nil.
type Config struct {
	// ShouldQueue starts the holder in queued mode.
	ShouldQueue bool
	// OnQueued runs after an event is staged, with the new staged count.
	OnQueued func(evt types.Event, queued int)
	// OnChange runs after the visible events changed: once per immediate
	// insert, once per flush that moved anything, and once per reset.
	OnChange func()
	// OnVisible runs with the events that just became visible, in arrival
	// order, before OnChange.
	OnVisible func(added []types.Event)
	// MaxEvents caps the visible events; the oldest are dropped, from the
	// views too. Zero keeps everything.
	MaxEvents int
	// MaxSeen caps the remembered ids, evicting the least recently offered.
	// Zero remembers every id.
	MaxSeen int
}

// seenSet remembers offered event ids.
type seenSet interface {
	Contains(id string) bool
	Add(id string)
}

type mapSet map[string]struct{}

func (s mapSet) Contains(id string) bool { _, ok := s[id]; return ok }
func (s mapSet) Add(id string)           { s[id] = struct{}{} }

type lruSet struct{ cache *lru.Cache[string, struct{}] }

func (s lruSet) Contains(id string) bool { return s.cache.Contains(id) }
func (s lruSet) Add(id string)           { s.cache.Add(id, struct{}{}) }

func newSeenSet(limit int) seenSet {
	if limit > 0 {
		if cache, err := lru.New[string, struct{}](limit); err == nil {
			return lruSet{cache}
		}
	}
	return mapSet{}
}

// Holder is the deduplicating merge buffer of one subscription.
type Holder struct {
	onQueued  func(types.Event, int)
	onChange  func()
	onVisible func([]types.Event)
	maxEvents int
	maxSeen   int

	mu          sync.Mutex
	events      []types.Event // visible, newest first
	incoming    []types.Event // staged, arrival order
	seen        seenSet
	shouldQueue bool
	views       []*FilteredView
}

func New(cfg Config) *Holder {
	return &Holder{
		onQueued:    cfg.OnQueued,
		onChange:    cfg.OnChange,
		onVisible:   cfg.OnVisible,
		maxEvents:   cfg.MaxEvents,
		maxSeen:     cfg.MaxSeen,
		seen:        newSeenSet(cfg.MaxSeen),
		shouldQueue: cfg.ShouldQueue,
	}
}

// Insert offers an event to the holder and reports whether it was new. In
// immediate mode a new event becomes visible right away; in queued mode it is
// staged until Flush. Either way its id is marked seen at first sight, so a
// copy arriving from another relay is rejected even while the first is staged.
func (h *Holder) Insert(evt types.Event) bool {
	h.mu.Lock()
	if h.containsLocked(evt) {
		h.mu.Unlock()
		return false
	}
	h.seen.Add(evt.ID)

	if h.shouldQueue {
		h.incoming = append(h.incoming, evt)
		queued := len(h.incoming)
		h.mu.Unlock()
		if h.onQueued != nil {
			h.onQueued(evt, queued)
		}
		return true
	}

	h.insertVisibleLocked(evt)
	added := h.stillVisibleLocked([]types.Event{evt})
	h.mu.Unlock()
	h.changed(added)
	return true
}

// containsLocked reports whether evt was offered before. An id evicted from a
// bounded seen set is still caught while its event is held.
func (h *Holder) containsLocked(evt types.Event) bool {
	if h.seen.Contains(evt.ID) {
		return true
	}
	if h.maxSeen <= 0 {
		return false
	}
	i := sort.Search(len(h.events), func(i int) bool { return !newer(h.events[i], evt) })
	if i < len(h.events) && h.events[i].ID == evt.ID {
		return true
	}
	for _, staged := range h.incoming {
		if staged.ID == evt.ID {
			return true
		}
	}
	return false
}

// Flush makes every staged event visible and clears the stage. It reports
// whether anything moved; OnChange fires once for the whole batch.
func (h *Holder) Flush() bool {
	h.mu.Lock()
	if len(h.incoming) == 0 {
		h.mu.Unlock()
		return false
	}
	batch := h.incoming
	h.incoming = nil
	for _, evt := range batch {
		h.insertVisibleLocked(evt)
	}
	added := h.stillVisibleLocked(batch)
	h.mu.Unlock()

	h.changed(added)
	return true
}

// Reset clears the visible and staged events, the contents of every view and
// the seen set, so a subscription restarted with new filters can receive
// events it saw before.
func (h *Holder) Reset() {
	h.mu.Lock()
	h.events = nil
	h.incoming = nil
	h.seen = newSeenSet(h.maxSeen)
	for _, v := range h.views {
		v.events = nil
	}
	h.mu.Unlock()

	h.changed(nil)
}

// SetShouldQueue switches between queued and immediate mode. Staged events
// stay staged until Flush.
func (h *Holder) SetShouldQueue(queue bool) {
	h.mu.Lock()
	h.shouldQueue = queue
	h.mu.Unlock()
}

func (h *Holder) ShouldQueue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shouldQueue
}

// Events returns a copy of the visible events, newest first.
func (h *Holder) Events() []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Event(nil), h.events...)
}

// Len returns the number of visible events.
func (h *Holder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// Queued returns the number of staged events.
func (h *Holder) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.incoming)
}

// AllEvents returns the staged events followed by the visible ones.
func (h *Holder) AllEvents() []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Event, 0, len(h.incoming)+len(h.events))
	out = append(out, h.incoming...)
	return append(out, h.events...)
}

// Seen reports whether an event id has been offered before and is still
// remembered.
func (h *Holder) Seen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen.Contains(id)
}

// insertVisibleLocked places evt into the visible events and every view, then
// drops whatever falls past MaxEvents.
func (h *Holder) insertVisibleLocked(evt types.Event) {
	h.events = insertSorted(h.events, evt)
	for _, v := range h.views {
		v.offerLocked(evt)
	}
	if h.maxEvents <= 0 || len(h.events) <= h.maxEvents {
		return
	}
	oldest := h.events[h.maxEvents-1]
	clear(h.events[h.maxEvents:])
	h.events = h.events[:h.maxEvents]
	for _, v := range h.views {
		v.trimLocked(oldest)
	}
}

// stillVisibleLocked filters events down to the ones not trimmed away.
func (h *Holder) stillVisibleLocked(events []types.Event) []types.Event {
	if h.maxEvents <= 0 || len(h.events) < h.maxEvents {
		return events
	}
	oldest := h.events[len(h.events)-1]
	out := make([]types.Event, 0, len(events))
	for _, evt := range events {
		if !newer(oldest, evt) {
			out = append(out, evt)
		}
	}
	return out
}

func (h *Holder) changed(added []types.Event) {
	if h.onVisible != nil && len(added) > 0 {
		h.onVisible(added)
	}
	if h.onChange != nil {
		h.onChange()
	}
}

// newer reports whether a sorts before b: later created_at first, ties
// broken by id so the order is deterministic across relays.
func newer(a, b types.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// insertSorted inserts evt keeping events newest first. It scans from the
// front: live events almost always land near the top.
func insertSorted(events []types.Event, evt types.Event) []types.Event {
	i := 0
	for i < len(events) && !newer(evt, events[i]) {
		i++
	}
	events = append(events, types.Event{})
	copy(events[i+1:], events[i:])
	events[i] = evt
	return events
}
