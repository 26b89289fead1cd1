package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(
		"urn:asap:agent:alice", "urn:asap:agent:bob",
		envelope.TypeTaskRequest,
		envelope.TaskRequest{ConversationID: "c1", SkillID: "echo"},
	)
	require.NoError(t, err)
	return env
}

func TestSendRequestRoundTrip(t *testing.T) {
	env := testEnvelope(t)

	req, err := NewSendRequest(env, "idem-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, MethodSend, req.Method)
	assert.False(t, req.IsNotification())

	body, err := json.Marshal(req)
	require.NoError(t, err)

	parsed, rpcErr := ParseRequest(body)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `"req-1"`, string(parsed.ID))

	decoded, idemKey, rpcErr := ExtractEnvelope(parsed)
	require.Nil(t, rpcErr)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "idem-1", idemKey)
}

func TestParseRequestErrorTaxonomy(t *testing.T) {
	_, rpcErr := ParseRequest([]byte(`{not json`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32700, rpcErr.Code)

	_, rpcErr = ParseRequest([]byte(`[1,2,3]`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)

	_, rpcErr = ParseRequest([]byte(`"just a string"`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)

	_, rpcErr = ParseRequest([]byte(`{"jsonrpc":"1.0","method":"asap.send"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32600, rpcErr.Code)
}

func TestExtractEnvelopeErrors(t *testing.T) {
	req := &Request{JSONRPC: VersionTag, Method: MethodSend, Params: json.RawMessage(`[1]`)}
	_, _, rpcErr := ExtractEnvelope(req)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)

	req.Params = json.RawMessage(`{"envelope": 42}`)
	_, _, rpcErr = ExtractEnvelope(req)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)

	// Structurally valid JSON but an invalid envelope: validation detail is
	// surfaced under data.validation_errors.
	req.Params = json.RawMessage(`{"envelope": {"sender":"nope"}}`)
	_, _, rpcErr = ExtractEnvelope(req)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	data, ok := rpcErr.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "validation_errors")
}

func TestResultResponseEchoesID(t *testing.T) {
	env := testEnvelope(t)

	resp, err := NewResultResponse(env, json.RawMessage(`42`))
	require.NoError(t, err)

	body, err := json.Marshal(resp)
	require.NoError(t, err)

	decoded, id, rpcErr := ParseResponse(body)
	require.Nil(t, rpcErr)
	assert.Equal(t, "42", string(id))
	assert.Equal(t, env.ID, decoded.ID)
}

func TestErrorResponseNullIDOnParseError(t *testing.T) {
	resp := NewErrorResponse(nil, nil)
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"id":null`)
	assert.Contains(t, string(body), `-32603`)
}

func TestParseResponseMissingEnvelope(t *testing.T) {
	_, _, rpcErr := ParseResponse([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32603, rpcErr.Code)

	_, _, rpcErr = ParseResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestNotificationHasNoID(t *testing.T) {
	n, err := NewNotification(MethodAck, envelope.MessageAck{
		OriginalEnvelopeID: "e1",
		Status:             envelope.AckReceived,
	})
	require.NoError(t, err)
	assert.True(t, n.IsNotification())
}
