package pool

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

type queuedRequest struct {
	subID string
	frame string
}

// relayEntry is one registered relay. conn, url and info never change after
// registration; the rest is guarded by mu.
type relayEntry struct {
	url  string
	info types.RelayInfo
	conn *relay.Connection

	mu          sync.Mutex
	broken      bool
	lastPong    time.Time
	queue       []queuedRequest
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
}

func (e *relayEntry) isBroken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

// due reports whether the reconnect sweep may dial the relay at now.
func (e *relayEntry) due(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.broken && !now.Before(e.nextAttempt)
}

// scheduleRetry pushes the next reconnect attempt out by the relay's backoff.
func (e *relayEntry) scheduleRetry(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	delay := e.backoff.NextBackOff()
	e.nextAttempt = now.Add(delay)
	return delay
}

func (e *relayEntry) resetBackoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backoff.Reset()
	e.nextAttempt = time.Time{}
}

// enqueue adds a request to the relay's queue unless it is full.
func (e *relayEntry) enqueue(req queuedRequest, limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken || len(e.queue) >= limit {
		return false
	}
	e.queue = append(e.queue, req)
	return true
}

func (e *relayEntry) takeQueue() []queuedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

// dropQueued removes queued requests of one subscription.
func (e *relayEntry) dropQueued(subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.queue[:0]
	for _, req := range e.queue {
		if req.subID != subID {
			kept = append(kept, req)
		}
	}
	e.queue = kept
}

func (e *relayEntry) recordPong(at time.Time) {
	e.mu.Lock()
	e.lastPong = at
	e.mu.Unlock()
}
