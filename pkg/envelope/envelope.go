// Package envelope implements the message envelope and codec of
// spec.md §3.1/§4.5: a structured JSON value with payload/meta/status/
// system sub-objects, passed between the publisher and consumer.
package envelope

import (
	"bytes"
	"encoding/json"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/LerianStudio/midaz-rmq/pkg/merrors"
)

const (
	// MaxSizeBytes is the hard cap on a serialized envelope (1 MiB).
	MaxSizeBytes = 1 << 20
	// WarnSizeBytes is the soft threshold at which callers should warn.
	WarnSizeBytes = 512 << 10
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// Status is the consumer-observable processing status attached to a
// message.
type Status struct {
	Code string         `json:"code"`
	Data map[string]any `json:"data,omitempty"`
}

// System carries producer/consumer bookkeeping that is not application
// payload: debug routing, the last consumer error, creation time, and the
// ordered trace chain.
type System struct {
	IsDebug       bool      `json:"is_debug"`
	ConsumerError *string   `json:"consumer_error"`
	CreatedAt     time.Time `json:"created_at"`
	TraceID       []string  `json:"trace_id"`
}

// wire is the exact JSON shape of an envelope on the wire.
type wire struct {
	Payload map[string]any `json:"payload"`
	Meta    map[string]any `json:"meta"`
	Status  Status         `json:"status"`
	System  System         `json:"system"`

	// MessageID and Event are logically part of the envelope but are
	// carried at top level (message id, routing key) per spec.md §3.1.
	MessageID string `json:"message_id"`
	Event     string `json:"event"`
}

// Message is the typed, mutable envelope. Mutators operate on the cached
// decoded form and re-encode lazily, matching spec.md §4.5's "decode once,
// mutate subtree, encode once before hand-off" contract.
type Message struct {
	w wire
}

// New creates an empty envelope with a fresh UUIDv7 message id and the
// current UTC millisecond timestamp.
func New(event string) *Message {
	now := time.Now().UTC().Truncate(time.Millisecond)

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return &Message{
		w: wire{
			Payload:   map[string]any{},
			Meta:      map[string]any{},
			Status:    Status{Code: "pending"},
			System:    System{CreatedAt: now, TraceID: []string{}},
			MessageID: id.String(),
			Event:     event,
		},
	}
}

// FromMap constructs an envelope by merging m over the default shape.
// Unknown top-level keys are ignored; payload/meta/status/system, when
// present, are merged over their defaults.
func FromMap(m map[string]any) (*Message, error) {
	msg := New("")

	if v, ok := m["message_id"].(string); ok {
		msg.w.MessageID = v
	}

	if v, ok := m["event"].(string); ok {
		msg.w.Event = v
	}

	if v, ok := m["payload"].(map[string]any); ok {
		for k, val := range v {
			msg.w.Payload[k] = val
		}
	}

	if v, ok := m["meta"].(map[string]any); ok {
		for k, val := range v {
			msg.w.Meta[k] = val
		}
	}

	if v, ok := m["status"].(map[string]any); ok {
		if code, ok := v["code"].(string); ok {
			msg.w.Status.Code = code
		}

		if data, ok := v["data"].(map[string]any); ok {
			msg.w.Status.Data = data
		}
	}

	if v, ok := m["system"].(map[string]any); ok {
		if debug, ok := v["is_debug"].(bool); ok {
			msg.w.System.IsDebug = debug
		}

		if trace, ok := v["trace_id"].([]any); ok {
			ids := make([]string, 0, len(trace))

			for _, t := range trace {
				if s, ok := t.(string); ok {
					ids = append(ids, s)
				}
			}

			msg.w.System.TraceID = ids
		}
	}

	return msg, msg.Validate()
}

// Decode strictly parses a serialized envelope. It never returns a
// successfully-decoded value on malformed JSON or invalid UTF-8 — callers
// (the consumer) route such errors straight to dead-letter per spec.md
// §4.2.2.
func Decode(data []byte) (*Message, error) {
	if !utf8.Valid(data) {
		return nil, &merrors.ValidationError{Message: "envelope body is not valid UTF-8"}
	}

	var w wire

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(&w); err != nil {
		return nil, &merrors.ValidationError{Message: "invalid envelope JSON: " + err.Error()}
	}

	if w.Payload == nil {
		w.Payload = map[string]any{}
	}

	if w.Meta == nil {
		w.Meta = map[string]any{}
	}

	if w.System.TraceID == nil {
		w.System.TraceID = []string{}
	}

	msg := &Message{w: w}

	return msg, msg.Validate()
}

// Validate enforces spec.md §3.1's invariants: non-empty message id,
// routing-key-shaped event name, and the serialized size cap. An empty
// event name is accepted; only a non-empty one is checked against the
// pattern.
func (m *Message) Validate() error {
	if m.w.MessageID == "" {
		return &merrors.ValidationError{Message: "message id must not be empty"}
	}

	if m.w.Event != "" && !eventNamePattern.MatchString(m.w.Event) {
		return &merrors.ValidationError{Message: "event name does not match ^[A-Za-z0-9._-]{1,255}$"}
	}

	body, err := m.Encode()
	if err != nil {
		return err
	}

	if len(body) > MaxSizeBytes {
		return &merrors.ValidationError{Message: "envelope exceeds maximum serialized size of 1 MiB"}
	}

	return nil
}

// Encode re-serializes the cached decoded form.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m.w)
	if err != nil {
		return nil, &merrors.ValidationError{Message: "failed to encode envelope: " + err.Error()}
	}

	return body, nil
}

// ExceedsWarnSize reports whether the serialized envelope is at or above
// the 512 KiB soft threshold.
func (m *Message) ExceedsWarnSize() bool {
	body, err := m.Encode()
	if err != nil {
		return false
	}

	return len(body) >= WarnSizeBytes
}

func (m *Message) MessageID() string { return m.w.MessageID }
func (m *Message) Event() string     { return m.w.Event }
func (m *Message) IsDebug() bool     { return m.w.System.IsDebug }
func (m *Message) CreatedAt() time.Time { return m.w.System.CreatedAt }

// TraceID returns the ordered parent-message-id chain.
func (m *Message) TraceID() []string {
	out := make([]string, len(m.w.System.TraceID))
	copy(out, m.w.System.TraceID)

	return out
}

// Payload returns the payload sub-map. Callers must not assume it is a
// defensive copy across re-encodes.
func (m *Message) Payload() map[string]any { return m.w.Payload }

// Meta returns the meta sub-map.
func (m *Message) Meta() map[string]any { return m.w.Meta }

// Status returns the current consumer-observable status.
func (m *Message) Status() Status { return m.w.Status }

// SetEvent sets the routing key.
func (m *Message) SetEvent(event string) *Message {
	m.w.Event = event
	return m
}

// AddPayload merges kv into the payload sub-map.
func (m *Message) AddPayload(kv map[string]any) *Message {
	for k, v := range kv {
		m.w.Payload[k] = v
	}

	return m
}

// AddMeta merges kv into the meta sub-map.
func (m *Message) AddMeta(kv map[string]any) *Message {
	for k, v := range kv {
		m.w.Meta[k] = v
	}

	return m
}

// SetDebug toggles debug routing.
func (m *Message) SetDebug(debug bool) *Message {
	m.w.System.IsDebug = debug
	return m
}

// SetConsumerError records the last consumer-side failure.
func (m *Message) SetConsumerError(msg string) *Message {
	m.w.System.ConsumerError = &msg
	return m
}

// SetStatus replaces the consumer-observable status.
func (m *Message) SetStatus(code string, data map[string]any) *Message {
	m.w.Status = Status{Code: code, Data: data}
	return m
}

// AppendTraceID appends id to the trace chain. Idempotence is explicitly
// not required per spec.md §4.5.
func (m *Message) AppendTraceID(id string) *Message {
	m.w.System.TraceID = append(m.w.System.TraceID, id)
	return m
}

// Clone returns a deep-enough copy suitable for republishing (retry,
// relay to another service) without aliasing the original's maps/slices.
func (m *Message) Clone() *Message {
	body, err := m.Encode()
	if err != nil {
		return New(m.w.Event)
	}

	cloned, err := Decode(body)
	if err != nil {
		return New(m.w.Event)
	}

	return cloned
}
