package envelope

// Typed payload shapes referenced by the runtime core. The payload field of
// an envelope stays raw JSON at the wire boundary; handlers that want a
// typed view decode through the payload registry below.

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Canonical payload type tags. The capitalised aliases (TaskRequest, ...)
// are accepted on ingress and canonicalised to the dotted form.
const (
	TypeTaskRequest  = "task.request"
	TypeTaskResponse = "task.response"
	TypeTaskUpdate   = "task.update"
	TypeTaskCancel   = "task.cancel"
	TypeMessageAck   = "message.ack"
	TypeMessageSend  = "message.send"
	TypeStateRestore = "state_restore"
)

var payloadAliases = map[string]string{
	"TaskRequest":  TypeTaskRequest,
	"TaskResponse": TypeTaskResponse,
	"TaskUpdate":   TypeTaskUpdate,
	"TaskCancel":   TypeTaskCancel,
	"MessageAck":   TypeMessageAck,
	"MessageSend":  TypeMessageSend,
	"StateRestore": TypeStateRestore,
}

// CanonicalPayloadType maps alias forms (e.g. "TaskRequest") onto the dotted
// canonical tag. Unknown types pass through unchanged.
func CanonicalPayloadType(payloadType string) string {
	if canonical, ok := payloadAliases[payloadType]; ok {
		return canonical
	}
	return payloadType
}

// TaskStatus enumerates the mutually-exclusive states a task may be in.
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "submitted"
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSubmitted, TaskWorking, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// TaskRequest asks an agent to run a skill.
type TaskRequest struct {
	ConversationID string         `json:"conversation_id"`
	SkillID        string         `json:"skill_id"`
	Input          map[string]any `json:"input"`
}

// TaskResponse reports the outcome of a task request.
type TaskResponse struct {
	TaskID  string         `json:"task_id"`
	Status  TaskStatus     `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// TaskUpdate is an intermediate progress notification.
type TaskUpdate struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// AckStatus is the closed status set of a MessageAck.
type AckStatus string

const (
	AckReceived  AckStatus = "received"
	AckProcessed AckStatus = "processed"
	AckRejected  AckStatus = "rejected"
)

// MessageAck is the application-level acknowledgement frame used on the
// WebSocket transport. The HTTP transport never emits it.
type MessageAck struct {
	OriginalEnvelopeID string    `json:"original_envelope_id"`
	Status             AckStatus `json:"status"`
	Error              string    `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Payload registry (tagged union, discriminated by payload_type)
// ---------------------------------------------------------------------------

type decodeFunc func(json.RawMessage) (any, error)

var (
	payloadMu       sync.RWMutex
	payloadRegistry = map[string]decodeFunc{}
)

// RegisterPayload adds a decoder for a payload type. Later registrations for
// the same canonical tag win, which lets applications override the builtin
// shapes.
func RegisterPayload[T any](payloadType string) {
	payloadMu.Lock()
	defer payloadMu.Unlock()

	payloadRegistry[CanonicalPayloadType(payloadType)] = func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func init() {
	RegisterPayload[TaskRequest](TypeTaskRequest)
	RegisterPayload[TaskResponse](TypeTaskResponse)
	RegisterPayload[TaskUpdate](TypeTaskUpdate)
	RegisterPayload[MessageAck](TypeMessageAck)
}

// DecodePayload returns the typed payload for a known payload type, or an
// error when the type has no registered shape.
func DecodePayload(env *Envelope) (any, error) {
	payloadMu.RLock()
	decode, ok := payloadRegistry[CanonicalPayloadType(env.PayloadType)]
	payloadMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no payload shape registered for %q", env.PayloadType)
	}
	return decode(env.Payload)
}
