// Package pool multiplexes subscriptions over many relay connections.
//
// The pool owns one relay.Connection per registered relay. Requests fan out to
// the connected relays in a target set; everything the relays send fans back
// in to a pool-wide handler tagged with the relay URL, and to the handler of
// the subscription it belongs to. The pool never deduplicates events, since
// the same event legitimately arrives once per relay that has it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"nostr-relaypool/internal/bus"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

const (
	DefaultMaxQueuedRequests = 10
	DefaultReconnectInterval = 5 * time.Second
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultDialRate          = 5
	DefaultDialBurst         = 10
	DefaultSeenCacheSize     = 10000
)

var (
	ErrRelayAlreadyExists   = errors.New("relay already exists")
	ErrRelayNotFound        = errors.New("relay not found")
	ErrHandlerExists        = errors.New("subscription handler already registered")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPoolClosed           = errors.New("pool closed")
)

// SendPolicy decides what happens to a request aimed at a relay that is not
// connected.
type SendPolicy int

const (
	// SendPolicySkip drops the relay from this send. It sees the request
	// again only through resubscribe-on-connect or an explicit resend.
	SendPolicySkip SendPolicy = iota
	// SendPolicyQueue holds up to MaxQueuedRequests frames per relay and
	// writes them when the relay connects.
	SendPolicyQueue
)

func (s SendPolicy) String() string {
	if s == SendPolicyQueue {
		return "queue"
	}
	return "skip"
}

// ParseSendPolicy accepts "skip" or "queue".
func ParseSendPolicy(s string) (SendPolicy, error) {
	switch s {
	case "", "skip":
		return SendPolicySkip, nil
	case "queue":
		return SendPolicyQueue, nil
	}
	return SendPolicySkip, fmt.Errorf("unknown send policy %q", s)
}

// Handler receives every connection event of every relay, before any
// deduplication.
type Handler func(relayURL string, ev relay.ConnectionEvent)

type Options struct {
	SendPolicy        SendPolicy
	MaxQueuedRequests int
	ReconnectInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	// DialRate and DialBurst throttle reconnect attempts across the pool.
	DialRate   rate.Limit
	DialBurst  int
	Connection relay.Options
	// Registerer receives the pool's collectors when set.
	Registerer prometheus.Registerer
	// Bus receives a RelayStatus message on every connection transition when set.
	Bus *bus.Bus
	// SeenCacheSize bounds how many event ids SeenOn remembers; the least
	// recently delivered are forgotten first.
	SeenCacheSize int
}

func (o Options) withDefaults() Options {
	if o.MaxQueuedRequests <= 0 {
		o.MaxQueuedRequests = DefaultMaxQueuedRequests
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.DialRate <= 0 {
		o.DialRate = DefaultDialRate
	}
	if o.DialBurst <= 0 {
		o.DialBurst = DefaultDialBurst
	}
	if o.SeenCacheSize <= 0 {
		o.SeenCacheSize = DefaultSeenCacheSize
	}
	return o
}

func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BackoffInitial
	b.MaxInterval = o.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RelayStatus is a point-in-time view of one registered relay.
type RelayStatus struct {
	URL         string
	Info        types.RelayInfo
	State       relay.State
	Broken      bool
	LastPong    time.Time
	Queued      int
	NextAttempt time.Time
	Events      int
}

// Pool manages connections to multiple relays.
type Pool struct {
	opts    Options
	handler Handler
	metrics *poolMetrics
	limiter *rate.Limiter
	dials   singleflight.Group
	now     func() time.Time

	mu     sync.RWMutex
	relays map[string]*relayEntry
	order  []string
	closed bool

	subsMu sync.RWMutex
	subs   map[string]*Subscription

	seenMu sync.Mutex
	seen   *lru.Cache[string, []string] // event id -> relay urls
	counts map[string]int               // relay url -> unique events
}

// New creates an empty pool. handler may be nil.
func New(handler Handler, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if handler == nil {
		handler = func(string, relay.ConnectionEvent) {}
	}
	p := &Pool{
		opts:    opts,
		handler: handler,
		limiter: rate.NewLimiter(opts.DialRate, opts.DialBurst),
		now:     time.Now,
		relays:  make(map[string]*relayEntry),
		subs:    make(map[string]*Subscription),
		counts:  make(map[string]int),
	}
	seen, err := lru.New[string, []string](opts.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	p.seen = seen
	p.metrics = newPoolMetrics(p)
	if opts.Registerer != nil {
		if err := p.metrics.register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return p, nil
}

// AddRelay registers a relay. The URL is normalized first; the normalized
// form is the relay's identity.
func (p *Pool) AddRelay(relayURL string, info types.RelayInfo) error {
	normalized, err := nostr.NormalizeRelayURL(relayURL)
	if err != nil {
		return fmt.Errorf("add %q: %w", relayURL, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, exists := p.relays[normalized]; exists {
		return fmt.Errorf("add %s: %w", normalized, ErrRelayAlreadyExists)
	}

	e := &relayEntry{
		url:     normalized,
		info:    info,
		backoff: p.opts.newBackOff(),
	}
	e.conn = relay.New(normalized, func(ev relay.ConnectionEvent) { p.dispatch(e, ev) }, p.opts.Connection)
	p.relays[normalized] = e
	p.order = append(p.order, normalized)

	slog.Debug("pool: relay added", "relay", normalized, "read", info.Read, "write", info.Write)
	return nil
}

// RemoveRelay disconnects and deregisters a relay.
func (p *Pool) RemoveRelay(relayURL string) error {
	p.mu.Lock()
	e, err := p.entryLocked(relayURL)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.relays, e.url)
	for i, u := range p.order {
		if u == e.url {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.seenMu.Lock()
	delete(p.counts, e.url)
	p.seenMu.Unlock()

	e.conn.Disconnect()
	slog.Debug("pool: relay removed", "relay", e.url)
	return nil
}

// Relay returns the status of one relay.
func (p *Pool) Relay(relayURL string) (RelayStatus, error) {
	p.mu.RLock()
	e, err := p.entryLocked(relayURL)
	p.mu.RUnlock()
	if err != nil {
		return RelayStatus{}, err
	}
	return p.status(e), nil
}

// Relays returns the status of every relay in registration order.
func (p *Pool) Relays() []RelayStatus {
	entries := p.entries()
	out := make([]RelayStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, p.status(e))
	}
	return out
}

// Len returns the number of registered relays.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.relays)
}

// ConnectedCount returns how many relays are in the connected state.
func (p *Pool) ConnectedCount() int {
	n := 0
	for _, e := range p.entries() {
		if e.conn.State() == relay.StateConnected {
			n++
		}
	}
	return n
}

func (p *Pool) status(e *relayEntry) RelayStatus {
	p.seenMu.Lock()
	events := p.counts[e.url]
	p.seenMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return RelayStatus{
		URL:         e.url,
		Info:        e.info,
		State:       e.conn.State(),
		Broken:      e.broken,
		LastPong:    e.lastPong,
		Queued:      len(e.queue),
		NextAttempt: e.nextAttempt,
		Events:      events,
	}
}

// Connect dials every relay, or only the named ones, concurrently and waits
// for all of them. Connected and broken relays are left alone. One relay's
// failure never stops the others; all dial errors are joined.
func (p *Pool) Connect(ctx context.Context, relayURLs ...string) error {
	entries, err := p.lookup(relayURLs)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, e := range entries {
		if e.isBroken() {
			continue
		}
		wg.Add(1)
		go func(i int, e *relayEntry) {
			defer wg.Done()
			errs[i] = p.connectRelay(ctx, e)
		}(i, e)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// connectRelay dials one relay. Concurrent calls for the same relay share a
// single dial.
func (p *Pool) connectRelay(ctx context.Context, e *relayEntry) error {
	if e.conn.State() == relay.StateConnected {
		return nil
	}
	_, err, shared := p.dials.Do(e.url, func() (interface{}, error) {
		err := e.conn.Connect(ctx)
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.metrics.dialAttempts.WithLabelValues(e.url, result).Inc()
		return nil, err
	})
	if shared {
		slog.Debug("singleflight: shared relay dial", "relay", e.url)
	}
	return err
}

// MarkBroken flags a relay as unusable: it is disconnected, its queue is
// dropped, and sends and reconnect sweeps skip it until it is re-added.
func (p *Pool) MarkBroken(relayURL string) error {
	p.mu.RLock()
	e, err := p.entryLocked(relayURL)
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.broken = true
	e.queue = nil
	e.mu.Unlock()

	e.conn.Disconnect()
	slog.Warn("pool: relay marked broken", "relay", e.url)
	p.opts.Bus.Publish(bus.RelayStatus{URL: e.url, State: "broken"})
	return nil
}

// Ping sends a websocket ping to every connected relay and returns how many
// were pinged. Pongs are recorded as the relay's LastPong.
func (p *Pool) Ping() int {
	n := 0
	for _, e := range p.entries() {
		if e.conn.State() != relay.StateConnected {
			continue
		}
		if err := e.conn.Ping(); err != nil {
			slog.Debug("pool: ping failed", "relay", e.url, "error", err)
			continue
		}
		n++
	}
	return n
}

// SeenOn returns the relays an event has been received from.
func (p *Pool) SeenOn(eventID string) []string {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	relays, ok := p.seen.Peek(eventID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(relays))
	for _, u := range p.orderSnapshot() {
		if slices.Contains(relays, u) {
			out = append(out, u)
		}
	}
	return out
}

// Count returns how many distinct events a relay has delivered.
func (p *Pool) Count(relayURL string) int {
	normalized, err := nostr.NormalizeRelayURL(relayURL)
	if err != nil {
		return 0
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.counts[normalized]
}

// recordSeen notes that relayURL delivered eventID and reports whether the
// pair is new.
func (p *Pool) recordSeen(relayURL, eventID string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	relays, _ := p.seen.Get(eventID)
	if slices.Contains(relays, relayURL) {
		return false
	}
	p.seen.Add(eventID, append(slices.Clip(relays), relayURL))
	p.counts[relayURL]++
	return true
}

// Close disconnects every relay. The pool rejects new relays afterwards and
// the reconnect sweep stops dialing.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, e := range p.entries() {
		e.conn.Disconnect()
	}
	slog.Info("pool: closed")
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// entryLocked finds a relay by URL. Callers hold p.mu.
func (p *Pool) entryLocked(relayURL string) (*relayEntry, error) {
	normalized, err := nostr.NormalizeRelayURL(relayURL)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", relayURL, ErrRelayNotFound)
	}
	e, ok := p.relays[normalized]
	if !ok {
		return nil, fmt.Errorf("%s: %w", normalized, ErrRelayNotFound)
	}
	return e, nil
}

// entries returns every relay in registration order.
func (p *Pool) entries() []*relayEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*relayEntry, 0, len(p.order))
	for _, u := range p.order {
		out = append(out, p.relays[u])
	}
	return out
}

func (p *Pool) orderSnapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// lookup resolves relay URLs, or returns every relay when none are given.
func (p *Pool) lookup(relayURLs []string) ([]*relayEntry, error) {
	if len(relayURLs) == 0 {
		return p.entries(), nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*relayEntry, 0, len(relayURLs))
	for _, u := range relayURLs {
		e, err := p.entryLocked(u)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// targets resolves a send's relay set, keeping only relays that allow the
// operation. Unknown relays are skipped.
func (p *Pool) targets(relayURLs []string, allowed func(types.RelayInfo) bool) []*relayEntry {
	var candidates []*relayEntry
	if len(relayURLs) == 0 {
		candidates = p.entries()
	} else {
		p.mu.RLock()
		for _, u := range relayURLs {
			e, err := p.entryLocked(u)
			if err != nil {
				slog.Debug("pool: skipping unknown relay", "relay", u)
				continue
			}
			candidates = append(candidates, e)
		}
		p.mu.RUnlock()
	}

	out := candidates[:0]
	for _, e := range candidates {
		if allowed(e.info) {
			out = append(out, e)
		}
	}
	return out
}

func canRead(info types.RelayInfo) bool  { return info.Read }
func canWrite(info types.RelayInfo) bool { return info.Write }
