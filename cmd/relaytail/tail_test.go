package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/bus"
	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay/relaytest"
	"nostr-relaypool/internal/types"
)

const (
	rootID  = "c75e5cbafbefd5de2275f831c2a2386ea05ec5e5a78a5ccf60d467582db48945"
	replyID = "5a534797e8cd3b9f4c1cf63e20e48bd0e8bd7f8c4d6353fbd576df000f6f54d3"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []line {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []line
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	return out
}

func frame(t *testing.T, parts ...any) string {
	t.Helper()
	b, err := json.Marshal(parts)
	require.NoError(t, err)
	return string(b)
}

// serveEvents answers every REQ with the given events followed by EOSE.
func serveEvents(t *testing.T, srv *relaytest.Server, events ...types.Event) {
	srv.OnFrame(func(reply func(string), f string) {
		var parts []json.RawMessage
		if json.Unmarshal([]byte(f), &parts) != nil || len(parts) < 2 || string(parts[0]) != `"REQ"` {
			return
		}
		var subID string
		_ = json.Unmarshal(parts[1], &subID)
		for _, evt := range events {
			reply(frame(t, "EVENT", subID, evt))
		}
		reply(frame(t, "EOSE", subID))
	})
}

func newTestTailer(t *testing.T, srv *relaytest.Server, opts tailOptions) (*tailer, *syncBuffer, *cache.CheckpointStore) {
	t.Helper()
	cfg := &config.Config{Relays: []config.RelayConfig{{URL: srv.URL()}}}
	require.NoError(t, cfg.Validate())

	mem := cache.NewMemoryCache(100, time.Hour)
	t.Cleanup(func() { mem.Close() })
	checkpoints := cache.NewCheckpointStore(mem, 0)

	out := &syncBuffer{}
	tl, err := newTailer(cfg, opts, checkpoints, nil, out)
	require.NoError(t, err)
	t.Cleanup(tl.close)
	return tl, out, checkpoints
}

func runInBackground(t *testing.T, tl *tailer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("tailer did not stop")
		}
	})
}

func TestTailPrintsOldestFirstWithReferences(t *testing.T) {
	srv := relaytest.NewServer(t)
	serveEvents(t, srv,
		types.Event{ID: replyID, CreatedAt: 200, Kind: 1, Content: "agreed #nostr", Tags: [][]string{{"e", rootID}}},
		types.Event{ID: rootID, CreatedAt: 100, Kind: 1, Content: "hello"},
	)
	tl, out, checkpoints := newTestTailer(t, srv, tailOptions{SubID: "feed", Kinds: []int{1}, FlushEvery: 20 * time.Millisecond, Queue: true})
	runInBackground(t, tl)

	require.Eventually(t, func() bool { return len(out.lines(t)) == 2 }, 2*time.Second, 10*time.Millisecond)
	lines := out.lines(t)
	assert.Equal(t, rootID, lines[0].Event.ID)
	assert.True(t, strings.HasPrefix(lines[0].Note, "note1"))
	assert.Equal(t, replyID, lines[1].Event.ID)
	assert.Equal(t, rootID, lines[1].Root)
	assert.Equal(t, rootID, lines[1].Reply)
	assert.Equal(t, []string{"nostr"}, lines[1].Hashtags)
	assert.Equal(t, []string{srv.URL()}, lines[1].Relays)

	require.Eventually(t, func() bool {
		ts, found, err := checkpoints.Get(context.Background(), "feed")
		return err == nil && found && ts == 200
	}, time.Second, 10*time.Millisecond)

	reqs := srv.WaitFrames(1, time.Second)
	require.NotEmpty(t, reqs)
	assert.True(t, strings.HasPrefix(reqs[0], `["REQ","feed",`))
}

func TestTailResumesFromCheckpoint(t *testing.T) {
	srv := relaytest.NewServer(t)
	tl, _, checkpoints := newTestTailer(t, srv, tailOptions{SubID: "feed", Resume: true, FlushEvery: 10 * time.Millisecond})
	_, err := checkpoints.Advance(context.Background(), "feed", 150)
	require.NoError(t, err)
	runInBackground(t, tl)

	reqs := srv.WaitFrames(1, 2*time.Second)
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[0], `"since":150`)
}

func TestBroadcastEventIsPublished(t *testing.T) {
	srv := relaytest.NewServer(t)
	tl, _, _ := newTestTailer(t, srv, tailOptions{SubID: "feed", FlushEvery: 10 * time.Millisecond})
	runInBackground(t, tl)

	require.Eventually(t, func() bool {
		return tl.pool.ConnectedCount() == 1 && tl.bus.Subscribers() > 0
	}, 2*time.Second, 10*time.Millisecond)

	tl.bus.Publish(bus.BroadcastEvent{Event: types.Event{ID: rootID, Kind: 1, Content: "hi"}})
	require.Eventually(t, func() bool {
		for _, f := range srv.Frames() {
			if strings.HasPrefix(f, `["EVENT",{"id":"`+rootID) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFilterFromOptions(t *testing.T) {
	npub := "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	f, err := tailOptions{Kinds: []int{1, 6}, Authors: []string{npub, rootID}, Hashtags: []string{"go"}, Limit: 20}.filter()
	require.NoError(t, err)
	assert.Nil(t, f.Since)
	assert.Equal(t, []string{"7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e", rootID}, f.Authors)
	assert.Equal(t, []int{1, 6}, f.Kinds)
	assert.Equal(t, []string{"go"}, f.Hashtags)
	assert.Equal(t, 20, f.Limit)

	f, err = tailOptions{Since: 1700000000}.filter()
	require.NoError(t, err)
	require.NotNil(t, f.Since)
	assert.Equal(t, int64(1700000000), *f.Since)

	_, err = tailOptions{Authors: []string{"ab"}}.filter()
	assert.Error(t, err)
}

func TestDescribeMentions(t *testing.T) {
	evt := types.Event{
		ID:      replyID,
		Content: "see #[0]",
		Tags:    [][]string{{"e", rootID}},
	}
	l := describe(evt, nil)
	assert.Empty(t, l.Root)
	assert.Equal(t, []string{rootID}, l.Mentions)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--relay", "wss://a.example", "--relay", "wss://b.example", "--kinds", "1,7", "--queue", "--flush-every", "500ms"}))

	relays, err := cmd.Flags().GetStringSlice("relay")
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, relays)
	kinds, err := cmd.Flags().GetIntSlice("kinds")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7}, kinds)
	flushEvery, err := cmd.Flags().GetDuration("flush-every")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, flushEvery)
}

func noteEvent(i int) types.Event {
	return types.Event{ID: fmt.Sprintf("%064x", i), CreatedAt: int64(1000 + i), Kind: 1, Content: "tick"}
}

func TestQueuedStreamFlushesBeforeItGoesQuiet(t *testing.T) {
	srv := relaytest.NewServer(t)
	tl, out, _ := newTestTailer(t, srv, tailOptions{SubID: "feed", Queue: true, FlushEvery: 50 * time.Millisecond})

	for i := 0; i < 40; i++ {
		tl.handle(srv.URL(), nostr.EventMessage{SubID: "feed", Event: noteEvent(i)})
		time.Sleep(10 * time.Millisecond)
	}
	// The stream never paused for FlushEvery, yet earlier events are out.
	assert.NotEmpty(t, out.lines(t))

	require.Eventually(t, func() bool { return len(out.lines(t)) == 40 }, 2*time.Second, 10*time.Millisecond)
	lines := out.lines(t)
	assert.Equal(t, noteEvent(0).ID, lines[0].Event.ID)
	assert.Equal(t, noteEvent(39).ID, lines[39].Event.ID)
}

func TestTailPrintsEachEventOnceWithinCap(t *testing.T) {
	srv := relaytest.NewServer(t)
	tl, out, _ := newTestTailer(t, srv, tailOptions{SubID: "feed", MaxEvents: 3, FlushEvery: 10 * time.Millisecond})

	for i := 1; i <= 5; i++ {
		tl.handle(srv.URL(), nostr.EventMessage{SubID: "feed", Event: noteEvent(i)})
	}
	tl.handle(srv.URL(), nostr.EventMessage{SubID: "feed", Event: noteEvent(4)})
	// Older than everything kept, so it never becomes visible.
	tl.handle(srv.URL(), nostr.EventMessage{SubID: "feed", Event: noteEvent(0)})

	lines := out.lines(t)
	require.Len(t, lines, 5)
	for i, l := range lines {
		assert.Equal(t, noteEvent(i+1).ID, l.Event.ID)
	}
	assert.Equal(t, 3, tl.holder.Len())
}

func TestReloadSwapsRelays(t *testing.T) {
	first := relaytest.NewServer(t)
	second := relaytest.NewServer(t)
	tl, _, _ := newTestTailer(t, first, tailOptions{SubID: "feed", FlushEvery: 10 * time.Millisecond})
	runInBackground(t, tl)
	require.Eventually(t, func() bool { return tl.pool.ConnectedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cfg := &config.Config{Relays: []config.RelayConfig{{URL: second.URL()}}}
	require.NoError(t, tl.reload(context.Background(), cfg))

	statuses := tl.pool.Relays()
	require.Len(t, statuses, 1)
	assert.Equal(t, second.URL(), statuses[0].URL)

	reqs := second.WaitFrames(1, 2*time.Second)
	require.NotEmpty(t, reqs)
	assert.True(t, strings.HasPrefix(reqs[0], `["REQ","feed",`))

	assert.ErrorIs(t, tl.reload(context.Background(), &config.Config{}), config.ErrNoRelays)
	assert.Equal(t, 1, tl.pool.Len())
}

func TestMaxEventsFlag(t *testing.T) {
	cmd := newRootCmd()
	maxEvents, err := cmd.Flags().GetInt("max-events")
	require.NoError(t, err)
	assert.Equal(t, 500, maxEvents)
}
