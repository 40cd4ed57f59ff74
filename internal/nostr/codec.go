// Package nostr implements the NIP-01 wire codec plus event id, signature and
// relay URL helpers.
//
// Relay messages are JSON arrays whose first element selects the shape of the
// rest. Decoding reads the discriminant first and then hands the remaining
// elements to a per-variant decoder that checks arity before touching fields.
package nostr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nostr-relaypool/internal/types"
)

var (
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrUnknownMessage   = errors.New("unknown relay message type")
)

// MessageType is the discriminant of a relay-to-client message.
type MessageType string

const (
	MessageEvent  MessageType = "EVENT"
	MessageNotice MessageType = "NOTICE"
	MessageEOSE   MessageType = "EOSE"
	MessageOK     MessageType = "OK"
	MessageClosed MessageType = "CLOSED"
	MessageAuth   MessageType = "AUTH"
)

// Message is a decoded relay-to-client message.
type Message interface {
	Type() MessageType
}

// EventMessage is ["EVENT", <sub id>, <event>]
type EventMessage struct {
	SubID string
	Event types.Event
}

// NoticeMessage is ["NOTICE", <message>]
type NoticeMessage struct {
	Message string
}

// EOSEMessage is ["EOSE", <sub id>]
type EOSEMessage struct {
	SubID string
}

// OKMessage is ["OK", <event id>, <accepted>, <message>]
type OKMessage struct {
	EventID  string
	Accepted bool
	Message  string
}

// ClosedMessage is ["CLOSED", <sub id>, <message>]; the message is optional.
type ClosedMessage struct {
	SubID   string
	Message string
}

// AuthMessage is ["AUTH", <challenge>]
type AuthMessage struct {
	Challenge string
}

func (EventMessage) Type() MessageType  { return MessageEvent }
func (NoticeMessage) Type() MessageType { return MessageNotice }
func (EOSEMessage) Type() MessageType   { return MessageEOSE }
func (OKMessage) Type() MessageType     { return MessageOK }
func (ClosedMessage) Type() MessageType { return MessageClosed }
func (AuthMessage) Type() MessageType   { return MessageAuth }

// RateLimited reports whether the relay closed the subscription for rate limiting.
func (m ClosedMessage) RateLimited() bool {
	return strings.HasPrefix(m.Message, "rate-limited:")
}

// IsError reports whether the relay closed the subscription because of an error.
func (m ClosedMessage) IsError() bool {
	return strings.HasPrefix(m.Message, "error:")
}

// SubscriptionID returns the subscription a message belongs to, if any.
func SubscriptionID(m Message) (string, bool) {
	switch msg := m.(type) {
	case EventMessage:
		return msg.SubID, true
	case EOSEMessage:
		return msg.SubID, true
	case ClosedMessage:
		return msg.SubID, true
	}
	return "", false
}

type variantDecoder func(fields []json.RawMessage) (Message, error)

var variants = map[MessageType]variantDecoder{
	MessageEvent:  decodeEvent,
	MessageNotice: decodeNotice,
	MessageEOSE:   decodeEOSE,
	MessageOK:     decodeOK,
	MessageClosed: decodeClosed,
	MessageAuth:   decodeAuth,
}

// DecodeMessage decodes one inbound text frame. Any structural problem is
// returned as an error wrapping ErrMalformedMessage or ErrUnknownMessage; the
// caller drops the frame.
func DecodeMessage(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedMessage)
	}

	var typ string
	if err := json.Unmarshal(raw[0], &typ); err != nil {
		return nil, fmt.Errorf("%w: discriminant is not a string", ErrMalformedMessage)
	}

	decode, ok := variants[MessageType(typ)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
	}
	return decode(raw[1:])
}

func expectArity(typ MessageType, fields []json.RawMessage, n int) error {
	if len(fields) != n {
		return fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformedMessage, typ, n, len(fields))
	}
	return nil
}

func decodeString(typ MessageType, field json.RawMessage, name string) (string, error) {
	var s string
	if err := json.Unmarshal(field, &s); err != nil {
		return "", fmt.Errorf("%w: %s %s is not a string", ErrMalformedMessage, typ, name)
	}
	return s, nil
}

func decodeEvent(fields []json.RawMessage) (Message, error) {
	if err := expectArity(MessageEvent, fields, 2); err != nil {
		return nil, err
	}
	subID, err := decodeString(MessageEvent, fields[0], "subscription id")
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(fields[1])
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: EVENT payload is not an object", ErrMalformedMessage)
	}
	var evt types.Event
	if err := json.Unmarshal(trimmed, &evt); err != nil {
		return nil, fmt.Errorf("%w: EVENT payload: %v", ErrMalformedMessage, err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: EVENT payload has no id", ErrMalformedMessage)
	}
	return EventMessage{SubID: subID, Event: evt}, nil
}

func decodeNotice(fields []json.RawMessage) (Message, error) {
	if err := expectArity(MessageNotice, fields, 1); err != nil {
		return nil, err
	}
	msg, err := decodeString(MessageNotice, fields[0], "message")
	if err != nil {
		return nil, err
	}
	return NoticeMessage{Message: msg}, nil
}

func decodeEOSE(fields []json.RawMessage) (Message, error) {
	if err := expectArity(MessageEOSE, fields, 1); err != nil {
		return nil, err
	}
	subID, err := decodeString(MessageEOSE, fields[0], "subscription id")
	if err != nil {
		return nil, err
	}
	return EOSEMessage{SubID: subID}, nil
}

func decodeOK(fields []json.RawMessage) (Message, error) {
	if err := expectArity(MessageOK, fields, 3); err != nil {
		return nil, err
	}
	id, err := decodeString(MessageOK, fields[0], "event id")
	if err != nil {
		return nil, err
	}
	var accepted bool
	if err := json.Unmarshal(fields[1], &accepted); err != nil {
		return nil, fmt.Errorf("%w: OK status is not a bool", ErrMalformedMessage)
	}
	msg, err := decodeString(MessageOK, fields[2], "message")
	if err != nil {
		return nil, err
	}
	return OKMessage{EventID: id, Accepted: accepted, Message: msg}, nil
}

func decodeClosed(fields []json.RawMessage) (Message, error) {
	if len(fields) != 1 && len(fields) != 2 {
		return nil, fmt.Errorf("%w: CLOSED expects 1 or 2 fields, got %d", ErrMalformedMessage, len(fields))
	}
	subID, err := decodeString(MessageClosed, fields[0], "subscription id")
	if err != nil {
		return nil, err
	}
	closed := ClosedMessage{SubID: subID}
	if len(fields) == 2 {
		if closed.Message, err = decodeString(MessageClosed, fields[1], "message"); err != nil {
			return nil, err
		}
	}
	return closed, nil
}

func decodeAuth(fields []json.RawMessage) (Message, error) {
	if err := expectArity(MessageAuth, fields, 1); err != nil {
		return nil, err
	}
	challenge, err := decodeString(MessageAuth, fields[0], "challenge")
	if err != nil {
		return nil, err
	}
	return AuthMessage{Challenge: challenge}, nil
}

// EncodeReq builds ["REQ", <sub id>, <filter>, <filter>, ...]. Each filter is
// encoded independently and appended in order.
func EncodeReq(subID string, filters ...types.Filter) (string, error) {
	id, err := json.Marshal(subID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(`["REQ",`)
	b.Write(id)
	for _, f := range filters {
		data, err := json.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("encode filter: %w", err)
		}
		b.WriteByte(',')
		b.Write(data)
	}
	b.WriteByte(']')
	return b.String(), nil
}

// EncodeClose builds ["CLOSE", <sub id>]
func EncodeClose(subID string) (string, error) {
	data, err := json.Marshal([]string{"CLOSE", subID})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeEvent builds ["EVENT", <event>] for publishing.
func EncodeEvent(evt types.Event) (string, error) {
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	data, err := json.Marshal([]interface{}{"EVENT", evt})
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}
