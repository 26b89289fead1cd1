package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
)

// NewSendRequest wraps an envelope as an asap.send request. id may be a
// string or a number; it is marshalled into the JSON-RPC id slot.
func NewSendRequest(env *envelope.Envelope, idempotencyKey string, id any) (*Request, error) {
	rawEnv, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	params, err := json.Marshal(SendParams{
		Envelope:       rawEnv,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}

	return &Request{
		JSONRPC: VersionTag,
		ID:      rawID,
		Method:  MethodSend,
		Params:  params,
	}, nil
}

// NewNotification builds an id-less request, used for asap.ack and
// sla.breach frames.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: VersionTag, Method: method, Params: raw}, nil
}

/*
ParseRequest decodes the raw body of a JSON-RPC call. The error distinctions
matter to callers: a body that is not JSON at all is a parse error, valid
JSON that is not an object is an invalid request, and everything beyond that
is judged by the dispatcher.
*/
func ParseRequest(body []byte) (*Request, *errors.RpcError) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.ErrInvalidRequest
	}

	if !json.Valid(body) {
		return nil, errors.ErrParseError
	}
	if body[0] != '{' {
		return nil, errors.ErrInvalidRequest
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.ErrInvalidRequest
	}
	if req.JSONRPC != VersionTag {
		return nil, errors.ErrInvalidRequest
	}

	return &req, nil
}

/*
ExtractEnvelope pulls the envelope (and optional idempotency key) out of an
asap.send request. Schema failures surface the validation detail under
data.validation_errors so callers can repair their payloads.
*/
func ExtractEnvelope(req *Request) (*envelope.Envelope, string, *errors.RpcError) {
	if len(req.Params) == 0 || req.Params[0] != '{' {
		return nil, "", errors.ErrInvalidParams.WithMessagef("params must be an object")
	}

	var params SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, "", errors.ErrInvalidParams.WithMessagef("params must be an object")
	}

	if len(params.Envelope) == 0 || params.Envelope[0] != '{' {
		return nil, "", errors.ErrInvalidParams.WithMessagef("params.envelope must be an object")
	}

	env, err := envelope.Decode(params.Envelope)
	if err != nil {
		return nil, "", errors.ErrInvalidParams.
			WithMessagef("envelope failed validation").
			WithData(map[string]any{"validation_errors": []string{err.Error()}})
	}

	return env, params.IdempotencyKey, nil
}

// NewResultResponse wraps a reply envelope in a JSON-RPC success response,
// echoing the request id byte-for-byte.
func NewResultResponse(env *envelope.Envelope, id json.RawMessage) (*Response, error) {
	raw, err := json.Marshal(SendResult{Envelope: env})
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: VersionTag, ID: normalizeID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response. id is null when a parse error
// prevented the request id from being read.
func NewErrorResponse(id json.RawMessage, rpcErr *errors.RpcError) *Response {
	if rpcErr == nil {
		rpcErr = errors.ErrInternal
	}
	return &Response{JSONRPC: VersionTag, ID: normalizeID(id), Error: rpcErr}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

/*
ParseResponse decodes a JSON-RPC response body. A response with an error
member returns that error; a success response missing result.envelope is an
internal error, because the server broke the asap.send contract.
*/
func ParseResponse(body []byte) (*envelope.Envelope, json.RawMessage, *errors.RpcError) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, errors.ErrParseError.WithMessagef("invalid JSON-RPC response: %v", err)
	}

	if resp.Error != nil {
		return nil, resp.ID, resp.Error
	}

	var result SendResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Envelope == nil {
		return nil, resp.ID, errors.ErrInternal.WithMessagef("response missing result.envelope")
	}

	return result.Envelope, resp.ID, nil
}
