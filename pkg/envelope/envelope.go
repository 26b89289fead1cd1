package envelope

// This package provides a Go representation of the core ASAP protocol
// objects. The primary goal is to give Go developers a pleasant, idiomatic
// API surface for serialising and deserialising ASAP JSON messages while
// remaining very close to the wire format.
//
// Envelopes are frozen after construction: every field is set by New (or by
// Decode when parsing a wire frame) and callers derive new envelopes via
// Reply instead of mutating existing ones. The payload is kept as raw JSON
// so that opaque payloads round-trip byte-for-byte.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version tag stamped on every envelope.
const Version = "0.1"

var urnPattern = regexp.MustCompile(`^urn:asap:agent:[A-Za-z0-9._~-]+$`)

// ValidateURN reports whether s is a well-formed ASAP agent URN
// (urn:asap:agent:<name>).
func ValidateURN(s string) error {
	if !urnPattern.MatchString(s) {
		return fmt.Errorf("invalid agent URN %q: want urn:asap:agent:<name>", s)
	}
	return nil
}

// Timestamp wraps time.Time so that naive wire timestamps (no UTC offset)
// are accepted and treated as UTC, per the protocol rules.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		t.Time = time.Time{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}

	// Naive timestamps carry no offset and are treated as UTC.
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	return fmt.Errorf("invalid timestamp %q", raw)
}

/*
Envelope is the self-describing message unit exchanged between agents. It is
the transport-level record: routing identity, a payload type naming the
handler, and the payload itself as opaque JSON.
*/
type Envelope struct {
	ID            string          `json:"id"`
	ASAPVersion   string          `json:"asap_version"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	PayloadType   string          `json:"payload_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     Timestamp       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	Extensions    map[string]any  `json:"extensions,omitempty"`
	RequiresAck   bool            `json:"requires_ack,omitempty"`
}

// Option customises an envelope at construction time.
type Option func(*Envelope)

func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = Timestamp{ts} }
}

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithTraceID(id string) Option {
	return func(e *Envelope) { e.TraceID = id }
}

func WithExtensions(ext map[string]any) Option {
	return func(e *Envelope) { e.Extensions = ext }
}

// WithNonce sets extensions.nonce, the replay-protection value unique per
// sender within the replay window.
func WithNonce(nonce string) Option {
	return func(e *Envelope) {
		if e.Extensions == nil {
			e.Extensions = map[string]any{}
		}
		e.Extensions["nonce"] = nonce
	}
}

func WithRequiresAck(v bool) Option {
	return func(e *Envelope) { e.RequiresAck = v }
}

/*
New constructs an envelope. sender and recipient must be agent URNs; id and
timestamp are auto-filled when not supplied via options. payload may be a
typed payload struct, a map, or raw JSON bytes.
*/
func New(sender, recipient, payloadType string, payload any, opts ...Option) (*Envelope, error) {
	if err := ValidateURN(sender); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := ValidateURN(recipient); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if strings.TrimSpace(payloadType) == "" {
		return nil, fmt.Errorf("payload_type must not be empty")
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	env := &Envelope{
		ASAPVersion: Version,
		Sender:      sender,
		Recipient:   recipient,
		PayloadType: payloadType,
		Payload:     raw,
	}

	for _, opt := range opts {
		opt(env)
	}

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = Timestamp{time.Now().UTC()}
	}

	return env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

/*
Decode parses a wire envelope strictly: unknown top-level fields are
rejected, and the routing identity is validated the same way New validates
it.
*/
func Decode(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}

	if err := ValidateURN(env.Sender); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := ValidateURN(env.Recipient); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if strings.TrimSpace(env.PayloadType) == "" {
		return nil, fmt.Errorf("payload_type must not be empty")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	return &env, nil
}

// PayloadMap returns the payload as a generic map regardless of whether the
// envelope was constructed from a typed payload or a raw map.
func (e *Envelope) PayloadMap() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return out, nil
}

// Nonce returns extensions.nonce, or "" when absent.
func (e *Envelope) Nonce() string {
	if e.Extensions == nil {
		return ""
	}
	if nonce, ok := e.Extensions["nonce"].(string); ok {
		return nonce
	}
	return ""
}

// Equal reports identity equality: envelopes are equal when their ids match.
func (e *Envelope) Equal(other *Envelope) bool {
	return other != nil && e.ID == other.ID
}

/*
Reply builds a response envelope: sender and recipient are swapped, the
correlation id echoes this envelope's id, and the trace id is propagated
verbatim.
*/
func (e *Envelope) Reply(payloadType string, payload any, opts ...Option) (*Envelope, error) {
	base := []Option{
		WithCorrelationID(e.ID),
		WithTraceID(e.TraceID),
	}
	return New(e.Recipient, e.Sender, payloadType, payload, append(base, opts...)...)
}
