// Package bus is a typed publish/subscribe channel for cross-cutting signals
// (follow, login, broadcast event, relay status...). Topics are a closed set;
// a Bus is created by the caller and passed to the components that need it.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"nostr-relaypool/internal/types"
)

// Topic identifies a kind of message.
type Topic int

const (
	TopicFollow Topic = iota + 1
	TopicUnfollow
	TopicLogin
	TopicBroadcastEvent
	TopicNewEvents
	TopicRelayStatus
)

func (t Topic) String() string {
	switch t {
	case TopicFollow:
		return "follow"
	case TopicUnfollow:
		return "unfollow"
	case TopicLogin:
		return "login"
	case TopicBroadcastEvent:
		return "broadcast_event"
	case TopicNewEvents:
		return "new_events"
	case TopicRelayStatus:
		return "relay_status"
	}
	return "unknown"
}

// Message is implemented by every payload type below; the topic is fixed by
// the type.
type Message interface {
	Topic() Topic
}

type Follow struct {
	PubKey string
}

type Unfollow struct {
	PubKey string
}

type Login struct {
	PubKey string
}

// BroadcastEvent asks for an event to be published to the write relays.
type BroadcastEvent struct {
	Event types.Event
}

// NewEvents reports events staged for a subscription but not yet visible.
type NewEvents struct {
	SubID  string
	Queued int
}

// RelayStatus reports a relay connection transition.
type RelayStatus struct {
	URL   string
	State string
	Err   error
}

func (Follow) Topic() Topic         { return TopicFollow }
func (Unfollow) Topic() Topic       { return TopicUnfollow }
func (Login) Topic() Topic          { return TopicLogin }
func (BroadcastEvent) Topic() Topic { return TopicBroadcastEvent }
func (NewEvents) Topic() Topic      { return TopicNewEvents }
func (RelayStatus) Topic() Topic    { return TopicRelayStatus }

type subscriber struct {
	topics    map[Topic]struct{}
	closeOnce sync.Once
}

// Bus fans messages out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the message.
type Bus struct {
	mu      sync.RWMutex
	clients map[chan Message]*subscriber
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{clients: make(map[chan Message]*subscriber)}
}

// Subscribe returns a channel receiving messages for the given topics (all
// topics when none are given) and a function that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)
	sub := &subscriber{}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.clients[ch] = sub
	b.mu.Unlock()

	return ch, func() { b.unsubscribe(ch) }
}

func (b *Bus) unsubscribe(ch chan Message) {
	b.mu.Lock()
	sub, exists := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()

	if exists {
		sub.closeOnce.Do(func() { close(ch) })
	}
}

// Publish delivers msg to every interested subscriber and returns how many
// received it. Safe to call on a nil Bus.
func (b *Bus) Publish(msg Message) int {
	if b == nil || msg == nil {
		return 0
	}
	topic := msg.Topic()

	// Held for reading while sending so unsubscribe cannot close a channel
	// mid-send; sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch, sub := range b.clients {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
			slog.Debug("bus: subscriber full, dropping message", "topic", topic.String())
		}
	}
	return delivered
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
