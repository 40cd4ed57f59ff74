package pool

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// SubscriptionHandler receives the messages addressed to one subscription
// (EVENT, EOSE, CLOSED), tagged with the relay that sent them.
type SubscriptionHandler func(relayURL string, msg nostr.Message)

// Subscription is a named query. Relays lists the target relays; empty means
// every read relay.
type Subscription struct {
	ID      string
	Filters []types.Filter
	Relays  []string
	Handler SubscriptionHandler
}

func (s *Subscription) targets(relayURL string) bool {
	return len(s.Relays) == 0 || slices.Contains(s.Relays, relayURL)
}

// SendReport lists which relays a frame was written to, skipped for, or
// queued for.
type SendReport struct {
	SubID   string
	Sent    []string
	Skipped []string
	Queued  []string
}

type sendResult int

const (
	resultSent sendResult = iota
	resultSkipped
	resultQueued
)

// NewSubscriptionID returns a random subscription id.
func NewSubscriptionID() string {
	return uuid.NewString()
}

// Send writes ["REQ", subID, filters...] to the target read relays (every
// read relay when none are named). Relays that are not connected are skipped
// or queued according to the send policy.
func (p *Pool) Send(subID string, filters []types.Filter, relayURLs ...string) (SendReport, error) {
	frame, err := nostr.EncodeReq(subID, filters...)
	if err != nil {
		return SendReport{SubID: subID}, err
	}
	report := p.deliver(queuedRequest{subID: subID, frame: frame}, p.targets(relayURLs, canRead), true)
	report.SubID = subID
	return report, nil
}

// Subscribe registers the subscription's handler and sends its request. An
// empty ID is replaced by a random one, returned in the report.
func (p *Pool) Subscribe(sub Subscription) (SendReport, error) {
	if sub.ID == "" {
		sub.ID = NewSubscriptionID()
	}
	if err := p.RegisterHandler(sub); err != nil {
		return SendReport{SubID: sub.ID}, err
	}
	report, err := p.Send(sub.ID, sub.Filters, sub.Relays...)
	if err != nil {
		p.RemoveHandler(sub.ID)
		return report, err
	}
	return report, nil
}

// RegisterHandler registers a subscription without sending anything. The
// request is sent to each target relay when it next connects.
func (p *Pool) RegisterHandler(sub Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("register handler: empty subscription id")
	}
	relays := make([]string, 0, len(sub.Relays))
	for _, u := range sub.Relays {
		normalized, err := nostr.NormalizeRelayURL(u)
		if err != nil {
			return fmt.Errorf("register handler %s: %w", sub.ID, err)
		}
		relays = append(relays, normalized)
	}
	sub.Relays = relays
	sub.Filters = slices.Clone(sub.Filters)

	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if _, exists := p.subs[sub.ID]; exists {
		return fmt.Errorf("%s: %w", sub.ID, ErrHandlerExists)
	}
	p.subs[sub.ID] = &sub
	return nil
}

// RemoveHandler forgets a subscription without telling the relays. It
// reports whether the subscription existed.
func (p *Pool) RemoveHandler(subID string) bool {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	_, ok := p.subs[subID]
	delete(p.subs, subID)
	return ok
}

// Subscriptions returns the registered subscription ids.
func (p *Pool) Subscriptions() []string {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Pool) subscription(subID string) *Subscription {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return p.subs[subID]
}

// Unsubscribe removes a subscription, drops its queued requests, and sends
// ["CLOSE", subID] to its connected target relays.
func (p *Pool) Unsubscribe(subID string) (SendReport, error) {
	p.subsMu.Lock()
	sub, ok := p.subs[subID]
	delete(p.subs, subID)
	p.subsMu.Unlock()
	if !ok {
		return SendReport{SubID: subID}, fmt.Errorf("%s: %w", subID, ErrSubscriptionNotFound)
	}

	frame, err := nostr.EncodeClose(subID)
	if err != nil {
		return SendReport{SubID: subID}, err
	}
	entries := p.targets(sub.Relays, canRead)
	for _, e := range entries {
		e.dropQueued(subID)
	}
	report := p.deliver(queuedRequest{subID: subID, frame: frame}, entries, false)
	report.SubID = subID
	return report, nil
}

// Publish writes ["EVENT", evt] to the target write relays (every write relay
// when none are named).
func (p *Pool) Publish(evt types.Event, relayURLs ...string) (SendReport, error) {
	frame, err := nostr.EncodeEvent(evt)
	if err != nil {
		return SendReport{}, err
	}
	return p.deliver(queuedRequest{frame: frame}, p.targets(relayURLs, canWrite), true), nil
}

func (p *Pool) deliver(req queuedRequest, entries []*relayEntry, queueable bool) SendReport {
	var report SendReport
	for _, e := range entries {
		switch p.deliverOne(e, req, queueable) {
		case resultSent:
			report.Sent = append(report.Sent, e.url)
		case resultQueued:
			report.Queued = append(report.Queued, e.url)
		default:
			report.Skipped = append(report.Skipped, e.url)
		}
	}
	return report
}

func (p *Pool) deliverOne(e *relayEntry, req queuedRequest, queueable bool) sendResult {
	if e.isBroken() {
		p.metrics.requests.WithLabelValues(e.url, "skipped").Inc()
		return resultSkipped
	}

	if e.conn.State() == relay.StateConnected {
		err := e.conn.Send(req.frame)
		if err == nil {
			p.metrics.requests.WithLabelValues(e.url, "sent").Inc()
			return resultSent
		}
		slog.Debug("pool: send failed", "relay", e.url, "sub_id", req.subID, "error", err)
	}

	if queueable && p.opts.SendPolicy == SendPolicyQueue && e.enqueue(req, p.opts.MaxQueuedRequests) {
		p.metrics.requests.WithLabelValues(e.url, "queued").Inc()
		// The relay may have connected after the state check; make sure
		// the queue is not left behind.
		if e.conn.State() == relay.StateConnected {
			p.drainQueue(e)
		}
		return resultQueued
	}

	p.metrics.requests.WithLabelValues(e.url, "skipped").Inc()
	return resultSkipped
}

// drainQueue writes every queued request and returns the subscription ids
// that were sent. Requests that fail to write are dropped.
func (p *Pool) drainQueue(e *relayEntry) map[string]struct{} {
	sent := make(map[string]struct{})
	for _, req := range e.takeQueue() {
		if err := e.conn.Send(req.frame); err != nil {
			slog.Debug("pool: dropping queued request", "relay", e.url, "sub_id", req.subID, "error", err)
			continue
		}
		p.metrics.requests.WithLabelValues(e.url, "sent").Inc()
		if req.subID != "" {
			sent[req.subID] = struct{}{}
		}
	}
	return sent
}

// resubscribe re-sends every registered subscription targeting e, except the
// ones already written from the queue.
func (p *Pool) resubscribe(e *relayEntry, alreadySent map[string]struct{}) {
	if !e.info.Read {
		return
	}
	p.subsMu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.targets(e.url) {
			subs = append(subs, sub)
		}
	}
	p.subsMu.RUnlock()

	for _, sub := range subs {
		if _, done := alreadySent[sub.ID]; done || len(sub.Filters) == 0 {
			continue
		}
		frame, err := nostr.EncodeReq(sub.ID, sub.Filters...)
		if err != nil {
			slog.Warn("pool: cannot encode subscription", "sub_id", sub.ID, "error", err)
			continue
		}
		if err := e.conn.Send(frame); err != nil {
			slog.Debug("pool: resubscribe failed", "relay", e.url, "sub_id", sub.ID, "error", err)
			continue
		}
		p.metrics.requests.WithLabelValues(e.url, "sent").Inc()
		slog.Debug("pool: resubscribed", "relay", e.url, "sub_id", sub.ID)
	}
}
