package holder

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/types"
)

func ev(id string, createdAt int64) types.Event {
	return types.Event{ID: id, CreatedAt: createdAt, Kind: 1, PubKey: "pk"}
}

func ids(events []types.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func randomEvents(r *rand.Rand, n int) []types.Event {
	events := make([]types.Event, n)
	for i := range events {
		events[i] = ev(fmt.Sprintf("ev%03d", i), int64(r.Intn(20)))
		if r.Intn(3) == 0 {
			events[i].Kind = 7
		}
	}
	return events
}

func assertSorted(t *testing.T, events []types.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i-1].CreatedAt, events[i].CreatedAt, "position %d", i)
	}
}

func TestInsertDeduplicates(t *testing.T) {
	h := New(Config{})
	e := ev("a", 1)

	assert.True(t, h.Insert(e))
	assert.False(t, h.Insert(e))
	assert.Equal(t, []string{"a"}, ids(h.Events()))
}

func TestInsertKeepsNewestFirst(t *testing.T) {
	h := New(Config{})
	h.Insert(ev("old", 100))
	h.Insert(ev("new", 200))
	h.Insert(ev("mid", 150))
	h.Insert(ev("tie-b", 150))

	assert.Equal(t, []string{"new", "tie-b", "mid", "old"}, ids(h.Events()))
}

func TestQueuedInsertStagesUntilFlush(t *testing.T) {
	var queuedCounts []int
	changes := 0
	h := New(Config{
		ShouldQueue: true,
		OnQueued:    func(_ types.Event, queued int) { queuedCounts = append(queuedCounts, queued) },
		OnChange:    func() { changes++ },
	})

	assert.True(t, h.Insert(ev("a", 1)))
	assert.True(t, h.Insert(ev("b", 3)))
	assert.False(t, h.Insert(ev("a", 1)))
	assert.True(t, h.Insert(ev("c", 2)))

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 3, h.Queued())
	assert.Equal(t, []int{1, 2, 3}, queuedCounts)
	assert.Zero(t, changes)

	assert.True(t, h.Flush())
	assert.Equal(t, []string{"b", "c", "a"}, ids(h.Events()))
	assert.Zero(t, h.Queued())
	assert.Equal(t, 1, changes, "one change notification per flush")

	assert.False(t, h.Flush())
	assert.Equal(t, 1, changes)
}

func TestDedupAcrossModes(t *testing.T) {
	h := New(Config{ShouldQueue: true})
	assert.True(t, h.Insert(ev("a", 1)))

	h.SetShouldQueue(false)
	assert.False(t, h.ShouldQueue())
	assert.False(t, h.Insert(ev("a", 1)))
	assert.True(t, h.Seen("a"))
}

func TestOnQueuedNotCalledInImmediateMode(t *testing.T) {
	called := 0
	changes := 0
	h := New(Config{
		OnQueued: func(types.Event, int) { called++ },
		OnChange: func() { changes++ },
	})
	h.Insert(ev("a", 1))
	h.Insert(ev("b", 2))
	assert.Zero(t, called)
	assert.Equal(t, 2, changes)
}

func TestAllEvents(t *testing.T) {
	h := New(Config{})
	h.Insert(ev("visible", 1))
	h.SetShouldQueue(true)
	h.Insert(ev("staged", 2))

	assert.Equal(t, []string{"staged", "visible"}, ids(h.AllEvents()))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, h.Queued())
}

func TestReset(t *testing.T) {
	changes := 0
	h := New(Config{OnChange: func() { changes++ }})
	view := h.AddView(func(types.Event) bool { return true })
	h.Insert(ev("a", 1))
	h.SetShouldQueue(true)
	h.Insert(ev("b", 2))

	h.Reset()
	assert.Zero(t, h.Len())
	assert.Zero(t, h.Queued())
	assert.Zero(t, view.Len())
	assert.Equal(t, 2, changes)

	// Reset forgets seen ids.
	assert.False(t, h.Seen("a"))
	assert.True(t, h.Insert(ev("a", 1)))
}

func TestQueuedThenFlushedMatchesImmediate(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		events := randomEvents(r, 40)

		immediate := New(Config{})
		shuffled := append([]types.Event(nil), events...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for _, e := range shuffled {
			immediate.Insert(e)
		}

		queued := New(Config{ShouldQueue: true})
		for _, e := range events {
			queued.Insert(e)
			// Duplicates from a second relay are ignored.
			queued.Insert(e)
		}
		queued.Flush()

		require.Equal(t, ids(immediate.Events()), ids(queued.Events()), "round %d", round)
		assertSorted(t, queued.Events())
	}
}

func TestSortInvariantWithMixedModes(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	h := New(Config{})
	for i, e := range randomEvents(r, 100) {
		h.SetShouldQueue(i%3 == 0)
		h.Insert(e)
		if i%10 == 0 {
			h.Flush()
		}
	}
	h.Flush()
	assert.Equal(t, 100, h.Len())
	assertSorted(t, h.Events())
}

func TestFilteredViewTracksParent(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	h := New(Config{})
	reactions := func(e types.Event) bool { return e.Kind == 7 }

	events := randomEvents(r, 60)
	for _, e := range events[:20] {
		h.Insert(e)
	}

	// Seeded from what is already visible.
	view := h.AddView(reactions)
	notes := h.AddView(MatchFilter(types.Filter{Kinds: []int{1}}))

	h.SetShouldQueue(true)
	for _, e := range events[20:40] {
		h.Insert(e)
	}
	h.Flush()
	h.SetShouldQueue(false)
	for _, e := range events[40:] {
		h.Insert(e)
	}

	var wantReactions, wantNotes []types.Event
	for _, e := range h.Events() {
		if reactions(e) {
			wantReactions = append(wantReactions, e)
		} else {
			wantNotes = append(wantNotes, e)
		}
	}
	assert.Equal(t, ids(wantReactions), ids(view.Events()))
	assert.Equal(t, ids(wantNotes), ids(notes.Events()))
	assert.Equal(t, 2, h.Views())
}

func TestFilteredViewIgnoresStagedEvents(t *testing.T) {
	h := New(Config{ShouldQueue: true})
	h.Insert(ev("a", 1))
	view := h.AddView(func(types.Event) bool { return true })
	assert.Zero(t, view.Len())

	h.Flush()
	assert.Equal(t, []string{"a"}, ids(view.Events()))
}

func TestDetachedViewStopsUpdating(t *testing.T) {
	h := New(Config{})
	view := h.AddView(func(types.Event) bool { return true })
	h.Insert(ev("a", 1))

	assert.True(t, view.Detach())
	assert.False(t, view.Detach())
	h.Insert(ev("b", 2))
	assert.Equal(t, []string{"a"}, ids(view.Events()))
	assert.Zero(t, h.Views())
}

func TestConcurrentProducers(t *testing.T) {
	h := New(Config{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for relay := 0; relay < 8; relay++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if h.Insert(ev(fmt.Sprintf("ev%03d", i), int64(i%17))) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, accepted)
	assert.Equal(t, 200, h.Len())
	assertSorted(t, h.Events())
}

func TestCallbacksMayReenter(t *testing.T) {
	var h *Holder
	h = New(Config{
		ShouldQueue: true,
		OnQueued: func(_ types.Event, queued int) {
			if queued >= 2 {
				h.Flush()
			}
		},
	})
	h.Insert(ev("a", 1))
	h.Insert(ev("b", 2))
	assert.Equal(t, 2, h.Len())
	assert.Zero(t, h.Queued())
}

func TestOnVisibleReportsNewEvents(t *testing.T) {
	var batches [][]string
	h := New(Config{
		ShouldQueue: true,
		OnVisible:   func(added []types.Event) { batches = append(batches, ids(added)) },
	})
	h.Insert(ev("a", 1))
	h.Insert(ev("b", 2))
	h.Flush()
	h.Insert(ev("c", 3))
	h.Insert(ev("a", 1))
	h.Flush()
	h.Flush()

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, batches)
}

func TestMaxEventsDropsOldest(t *testing.T) {
	var added []string
	h := New(Config{
		MaxEvents: 3,
		OnVisible: func(evts []types.Event) { added = append(added, ids(evts)...) },
	})
	v := h.AddView(func(evt types.Event) bool { return evt.CreatedAt%2 == 0 })
	for i := 1; i <= 6; i++ {
		h.Insert(ev(fmt.Sprintf("e%d", i), int64(i*10)))
	}
	h.Insert(ev("old", 5))

	assert.Equal(t, []string{"e6", "e5", "e4"}, ids(h.Events()))
	assert.Equal(t, []string{"e6", "e5", "e4"}, ids(v.Events()))
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5", "e6"}, added)
	assert.False(t, h.Insert(ev("e5", 50)))
}

func TestMaxEventsSkipsTrimmedBatchMembers(t *testing.T) {
	var added []string
	h := New(Config{
		ShouldQueue: true,
		MaxEvents:   2,
		OnVisible:   func(evts []types.Event) { added = append(added, ids(evts)...) },
	})
	h.Insert(ev("a", 1))
	h.Insert(ev("c", 3))
	h.Insert(ev("b", 2))
	h.Flush()

	assert.Equal(t, []string{"c", "b"}, ids(h.Events()))
	assert.Equal(t, []string{"c", "b"}, added)
}

func TestMaxSeenBoundsRememberedIDs(t *testing.T) {
	h := New(Config{MaxEvents: 2, MaxSeen: 1})
	h.Insert(ev("a", 1))
	h.Insert(ev("b", 2))
	h.Insert(ev("c", 3))
	h.Insert(ev("d", 4))

	assert.False(t, h.Seen("c"))
	assert.True(t, h.Seen("d"))
	// Evicted from the seen set but still visible.
	assert.False(t, h.Insert(ev("c", 3)))
	assert.Equal(t, []string{"d", "c"}, ids(h.Events()))
}

func TestMaxSeenCatchesStagedDuplicates(t *testing.T) {
	h := New(Config{ShouldQueue: true, MaxSeen: 1})
	require.True(t, h.Insert(ev("a", 1)))
	require.True(t, h.Insert(ev("b", 2)))

	assert.False(t, h.Insert(ev("a", 1)))
	assert.Equal(t, 2, h.Queued())
}
