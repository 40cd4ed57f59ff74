package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-relaypool/internal/bus"
	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/debounce"
	"nostr-relaypool/internal/holder"
	"nostr-relaypool/internal/logging"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/refs"
	"nostr-relaypool/internal/types"
)

type tailOptions struct {
	Relays      []string
	Kinds       []int
	Authors     []string
	Hashtags    []string
	Since       int64
	Limit       int
	Queue       bool
	FlushEvery  time.Duration
	MaxEvents   int
	MetricsAddr string
	SubID       string
	Resume      bool
}

// filter builds the subscription filter. Authors may be hex, npub or
// nprofile.
func (o tailOptions) filter() (types.Filter, error) {
	f := types.Filter{
		Kinds:    o.Kinds,
		Hashtags: o.Hashtags,
		Limit:    o.Limit,
	}
	for _, a := range o.Authors {
		key, _, err := nostr.DecodePubKey(a)
		if err != nil {
			return types.Filter{}, fmt.Errorf("author: %w", err)
		}
		f.Authors = append(f.Authors, key)
	}
	if o.Since > 0 {
		f = f.WithSince(o.Since)
	}
	return f, nil
}

// line is one JSON output record.
type line struct {
	Event    types.Event `json:"event"`
	Note     string      `json:"note,omitempty"`
	Relays   []string    `json:"relays,omitempty"`
	Root     string      `json:"root,omitempty"`
	Reply    string      `json:"reply,omitempty"`
	Mentions []string    `json:"mentions,omitempty"`
	Hashtags []string    `json:"hashtags,omitempty"`
}

func describe(evt types.Event, seenOn []string) line {
	l := line{Event: evt, Relays: seenOn}
	l.Note, _ = nostr.EncodeNote(evt.ID)
	resolved := refs.Resolve(evt)
	if root, reply, ok := refs.Thread(resolved); ok {
		l.Root, l.Reply = root.RefID, reply.RefID
	}
	for _, m := range refs.Mentions(resolved) {
		l.Mentions = append(l.Mentions, m.Ref.RefID)
	}
	for _, b := range refs.ParseBlocks(evt.Content, evt.Tags) {
		if b.Kind == refs.BlockHashtag {
			l.Hashtags = append(l.Hashtags, b.Text)
		}
	}
	return l
}

const (
	// maxFlushWaitFactor bounds how long a steady stream can hold back a
	// flush, in multiples of FlushEvery.
	maxFlushWaitFactor = 4
	// seenPerEvent sizes the holder's seen set relative to MaxEvents.
	seenPerEvent = 4
)

// tailer streams one subscription's merged events as JSON lines.
type tailer struct {
	opts        tailOptions
	pool        *pool.Pool
	holder      *holder.Holder
	flush       *debounce.Debouncer
	bus         *bus.Bus
	checkpoints *cache.CheckpointStore
	filters     []types.Filter
	log         *slog.Logger

	outMu sync.Mutex
	out   *json.Encoder
}

func newTailer(cfg *config.Config, opts tailOptions, checkpoints *cache.CheckpointStore, reg prometheus.Registerer, w io.Writer) (*tailer, error) {
	if opts.SubID == "" {
		opts.SubID = pool.NewSubscriptionID()
	}
	filter, err := opts.filter()
	if err != nil {
		return nil, err
	}
	poolOpts, err := cfg.PoolOptions()
	if err != nil {
		return nil, err
	}
	t := &tailer{
		opts:        opts,
		flush:       debounce.NewWithMaxWait(opts.FlushEvery, maxFlushWaitFactor*opts.FlushEvery),
		bus:         bus.New(),
		checkpoints: checkpoints,
		filters:     []types.Filter{filter},
		log:         logging.LoggerFromContext(logging.WithSubID(context.Background(), opts.SubID)),
		out:         json.NewEncoder(w),
	}
	poolOpts.Bus = t.bus
	poolOpts.Registerer = reg

	t.pool, err = pool.New(nil, poolOpts)
	if err != nil {
		return nil, err
	}
	if err := cfg.AddRelays(t.pool); err != nil {
		t.pool.Close()
		return nil, err
	}

	t.holder = holder.New(holder.Config{
		ShouldQueue: opts.Queue,
		OnQueued:    t.onQueued,
		OnVisible:   t.printNew,
		MaxEvents:   opts.MaxEvents,
		MaxSeen:     seenPerEvent * opts.MaxEvents,
	})
	return t, nil
}

func (t *tailer) onQueued(_ types.Event, queued int) {
	t.bus.Publish(bus.NewEvents{SubID: t.opts.SubID, Queued: queued})
	t.flush.Call(func() { t.holder.Flush() })
}

func (t *tailer) handle(relayURL string, msg nostr.Message) {
	switch m := msg.(type) {
	case nostr.EventMessage:
		t.holder.Insert(m.Event)
	case nostr.EOSEMessage:
		t.log.Debug("relaytail: end of stored events", "relay", relayURL)
	case nostr.ClosedMessage:
		t.log.Warn("relaytail: subscription closed by relay", "relay", relayURL, "message", m.Message)
	}
}

// printNew writes events that just became visible, oldest first.
func (t *tailer) printNew(added []types.Event) {
	fresh := slices.Clone(added)
	slices.SortFunc(fresh, func(a, b types.Event) int {
		if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	t.outMu.Lock()
	defer t.outMu.Unlock()
	for _, evt := range fresh {
		if err := t.out.Encode(describe(evt, t.pool.SeenOn(evt.ID))); err != nil {
			t.log.Error("relaytail: write failed", "error", err)
			return
		}
		if t.checkpoints != nil {
			if _, err := t.checkpoints.Advance(context.Background(), t.opts.SubID, evt.CreatedAt); err != nil {
				t.log.Warn("relaytail: checkpoint failed", "error", err)
			}
		}
	}
}

// watchBus logs relay transitions and publishes BroadcastEvent requests until
// ctx is done.
func (t *tailer) watchBus(ctx context.Context) {
	msgs, unsubscribe := t.bus.Subscribe(64, bus.TopicRelayStatus, bus.TopicBroadcastEvent)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			switch m := msg.(type) {
			case bus.RelayStatus:
				slog.Info("relaytail: relay status", "relay", m.URL, "state", m.State, "error", m.Err)
			case bus.BroadcastEvent:
				report, err := t.pool.Publish(m.Event)
				if err != nil {
					slog.Warn("relaytail: publish failed", "id", nostr.ShortID(m.Event.ID), "error", err)
					continue
				}
				slog.Info("relaytail: published", "id", nostr.ShortID(m.Event.ID), "sent", len(report.Sent), "skipped", len(report.Skipped))
			}
		}
	}
}

// start subscribes and dials every relay. Dial failures are logged; the
// sweeper retries them.
func (t *tailer) start(ctx context.Context) error {
	log := logging.LoggerFromContext(ctx)
	filters := t.filters
	if t.opts.Resume && t.checkpoints != nil && t.opts.Since == 0 {
		resumed, err := t.checkpoints.Resume(ctx, t.opts.SubID, filters)
		if err != nil {
			log.Warn("relaytail: could not read checkpoint", "error", err)
		} else {
			filters = resumed
		}
	}

	if _, err := t.pool.Subscribe(pool.Subscription{
		ID:      t.opts.SubID,
		Filters: filters,
		Handler: t.handle,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := t.pool.Connect(ctx); err != nil {
		log.Warn("relaytail: some relays failed to connect", "error", err)
	}
	log.Info("relaytail: streaming", "relays", t.pool.Len(), "connected", t.pool.ConnectedCount())
	return nil
}

// reload applies a new relay list: relays no longer listed are removed and
// new ones are added and dialed. The subscription reaches new relays when
// they connect.
func (t *tailer) reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("relays: %w", err)
	}
	wanted := make(map[string]bool, len(cfg.Relays))
	var added []string
	var errs []error
	for _, r := range cfg.Relays {
		wanted[r.URL] = true
		if _, err := t.pool.Relay(r.URL); err == nil {
			continue
		}
		if err := t.pool.AddRelay(r.URL, r.Info()); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, r.URL)
	}
	removed := 0
	for _, st := range t.pool.Relays() {
		if wanted[st.URL] {
			continue
		}
		if err := t.pool.RemoveRelay(st.URL); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(added) > 0 {
		if err := t.pool.Connect(ctx, added...); err != nil {
			t.log.Warn("relaytail: some added relays failed to connect", "error", err)
		}
	}
	t.log.Info("relaytail: relays reloaded", "added", len(added), "removed", removed, "relays", t.pool.Len())
	return errors.Join(errs...)
}

// run streams until ctx is done.
func (t *tailer) run(ctx context.Context) error {
	ctx = logging.WithSubID(ctx, t.opts.SubID)
	go t.watchBus(ctx)
	if err := t.start(ctx); err != nil {
		return err
	}
	err := t.pool.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close flushes anything still staged and shuts the pool down.
func (t *tailer) close() {
	t.flush.Cancel()
	t.holder.Flush()
	t.pool.Close()
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("relaytail: serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("relaytail: metrics server failed", "error", err)
	}
}
