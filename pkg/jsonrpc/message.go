package jsonrpc

// A very small, self-contained JSON-RPC 2.0 layer. It is not a full-fledged
// framework: the goal is to keep the amount of required code minimal yet be
// sufficient for ASAP envelope exchange over HTTP and WebSocket.

import (
	"encoding/json"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
)

// VersionTag is the only JSON-RPC version the runtime speaks.
const VersionTag = "2.0"

// Method names used on the wire. asap.send carries envelopes; asap.ack and
// sla.breach are notifications (no id, no response).
const (
	MethodSend        = "asap.send"
	MethodAck         = "asap.ack"
	MethodSLABreach   = "sla.breach"
	MethodSubscribe   = "sla.subscribe"
	MethodUnsubscribe = "sla.unsubscribe"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // accepts string | number | null
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *errors.RpcError `json:"error,omitempty"`
}

// SendParams is the params object of an asap.send request.
type SendParams struct {
	Envelope       json.RawMessage `json:"envelope"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SendResult is the result object of a successful asap.send response.
type SendResult struct {
	Envelope *envelope.Envelope `json:"envelope"`
}
