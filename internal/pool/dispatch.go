package pool

import (
	"log/slog"

	"nostr-relaypool/internal/bus"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
)

// dispatch handles one event of one relay connection. It runs on the
// connection's goroutine, so relays are handled concurrently.
func (p *Pool) dispatch(e *relayEntry, ev relay.ConnectionEvent) {
	switch ev.Transport.Kind {
	case relay.TransportConnected:
		e.resetBackoff()
		sent := p.drainQueue(e)
		p.resubscribe(e, sent)
		p.publishStatus(e, ev)

	case relay.TransportDisconnected, relay.TransportError:
		if !p.isClosed() {
			delay := e.scheduleRetry(p.now())
			slog.Debug("pool: relay down", "relay", e.url, "retry_in", delay, "error", ev.Transport.Err)
		}
		p.publishStatus(e, ev)

	case relay.TransportCancelled:
		p.publishStatus(e, ev)

	case relay.TransportPong:
		e.recordPong(p.now())

	case relay.TransportText, relay.TransportBinary:
		p.metrics.frames.WithLabelValues(e.url).Inc()
		if ev.Transport.Err != nil {
			p.metrics.decodeErrors.WithLabelValues(e.url).Inc()
		}
	}

	p.handler(e.url, ev)

	if ev.Message != nil {
		p.route(e, ev.Message)
	}
}

// route delivers a decoded message to the subscription it belongs to.
func (p *Pool) route(e *relayEntry, msg nostr.Message) {
	switch m := msg.(type) {
	case nostr.EventMessage:
		p.metrics.events.WithLabelValues(e.url).Inc()
		p.recordSeen(e.url, m.Event.ID)
	case nostr.NoticeMessage:
		p.metrics.notices.WithLabelValues(e.url).Inc()
		slog.Info("pool: notice", "relay", e.url, "message", m.Message)
		return
	case nostr.OKMessage:
		slog.Debug("pool: publish result", "relay", e.url, "event", nostr.ShortID(m.EventID), "accepted", m.Accepted, "message", m.Message)
		return
	case nostr.AuthMessage:
		slog.Debug("pool: auth challenge", "relay", e.url)
		return
	case nostr.ClosedMessage:
		slog.Debug("pool: subscription closed by relay", "relay", e.url, "sub_id", m.SubID, "message", m.Message)
	}

	subID, ok := nostr.SubscriptionID(msg)
	if !ok {
		return
	}
	sub := p.subscription(subID)
	if sub == nil || sub.Handler == nil {
		return
	}
	sub.Handler(e.url, msg)
}

func (p *Pool) publishStatus(e *relayEntry, ev relay.ConnectionEvent) {
	p.opts.Bus.Publish(bus.RelayStatus{
		URL:   e.url,
		State: ev.Transport.Kind.String(),
		Err:   ev.Transport.Err,
	})
}
