package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	senderURN    = "urn:asap:agent:alice"
	recipientURN = "urn:asap:agent:bob"
)

func TestNewFillsIdentityAndTimestamp(t *testing.T) {
	env, err := New(senderURN, recipientURN, TypeTaskRequest, TaskRequest{
		ConversationID: "c1",
		SkillID:        "echo",
		Input:          map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, Version, env.ASAPVersion)
	assert.False(t, env.Timestamp.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), env.Timestamp.Time, 5*time.Second)
}

func TestNewRejectsBadURNs(t *testing.T) {
	_, err := New("alice", recipientURN, TypeTaskRequest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender")

	_, err = New(senderURN, "urn:asap:skill:echo", TypeTaskRequest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient")

	_, err = New(senderURN, recipientURN, "  ", nil)
	require.Error(t, err)
}

func TestUniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		env, err := New(senderURN, recipientURN, TypeTaskRequest, nil)
		require.NoError(t, err)
		assert.False(t, seen[env.ID], "duplicate envelope id %s", env.ID)
		seen[env.ID] = true
	}
}

func TestReplyCorrelatesAndPropagatesTrace(t *testing.T) {
	req, err := New(senderURN, recipientURN, TypeTaskRequest, nil, WithTraceID("trace-7"))
	require.NoError(t, err)

	resp, err := req.Reply(TypeTaskResponse, TaskResponse{TaskID: "t1", Status: TaskCompleted})
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, "trace-7", resp.TraceID)
	assert.Equal(t, req.Recipient, resp.Sender)
	assert.Equal(t, req.Sender, resp.Recipient)
}

func TestDecodeRejectsUnknownTopLevelFields(t *testing.T) {
	raw := []byte(`{
		"id": "e1",
		"asap_version": "0.1",
		"sender": "urn:asap:agent:alice",
		"recipient": "urn:asap:agent:bob",
		"payload_type": "task.request",
		"payload": {},
		"timestamp": "2026-08-24T10:00:00Z",
		"bogus": true
	}`)
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeNaiveTimestampTreatedAsUTC(t *testing.T) {
	raw := []byte(`{
		"id": "e1",
		"asap_version": "0.1",
		"sender": "urn:asap:agent:alice",
		"recipient": "urn:asap:agent:bob",
		"payload_type": "task.request",
		"payload": {},
		"timestamp": "2026-08-24T10:00:00"
	}`)
	env, err := Decode(raw)
	require.NoError(t, err)

	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.True(t, env.Timestamp.Equal(want), "got %v", env.Timestamp)
}

func TestPayloadRoundTripsByteForByte(t *testing.T) {
	payload := json.RawMessage(`{"z":1,"a":{"nested":[1,2,3]}}`)
	env, err := New(senderURN, recipientURN, TypeTaskRequest, payload)
	require.NoError(t, err)

	encoded, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(decoded.Payload))
	assert.Equal(t, []byte(payload), []byte(decoded.Payload))
}

func TestPayloadMapFromTypedPayload(t *testing.T) {
	env, err := New(senderURN, recipientURN, TypeTaskRequest, TaskRequest{
		ConversationID: "c1",
		SkillID:        "echo",
	})
	require.NoError(t, err)

	m, err := env.PayloadMap()
	require.NoError(t, err)
	assert.Equal(t, "c1", m["conversation_id"])
	assert.Equal(t, "echo", m["skill_id"])
}

func TestNonceOption(t *testing.T) {
	env, err := New(senderURN, recipientURN, TypeTaskRequest, nil, WithNonce("n1"))
	require.NoError(t, err)
	assert.Equal(t, "n1", env.Nonce())

	bare, err := New(senderURN, recipientURN, TypeTaskRequest, nil)
	require.NoError(t, err)
	assert.Empty(t, bare.Nonce())
}

func TestCanonicalPayloadType(t *testing.T) {
	assert.Equal(t, TypeTaskRequest, CanonicalPayloadType("TaskRequest"))
	assert.Equal(t, TypeTaskRequest, CanonicalPayloadType("task.request"))
	assert.Equal(t, TypeStateRestore, CanonicalPayloadType("StateRestore"))
	assert.Equal(t, "custom.thing", CanonicalPayloadType("custom.thing"))
}

func TestDecodePayloadTaggedUnion(t *testing.T) {
	env, err := New(senderURN, recipientURN, "TaskRequest", TaskRequest{
		ConversationID: "c1",
		SkillID:        "echo",
		Input:          map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	decoded, err := DecodePayload(env)
	require.NoError(t, err)

	req, ok := decoded.(TaskRequest)
	require.True(t, ok)
	assert.Equal(t, "echo", req.SkillID)

	env.PayloadType = "never.registered"
	_, err = DecodePayload(env)
	require.Error(t, err)
}

func TestTaskStatusClosedSet(t *testing.T) {
	for _, s := range []TaskStatus{TaskSubmitted, TaskWorking, TaskCompleted, TaskCancelled, TaskFailed} {
		assert.True(t, s.Valid())
	}
	assert.False(t, TaskStatus("done").Valid())
}

func TestManifestValidate(t *testing.T) {
	events := "https://bob.example.com/events"
	m := Manifest{
		ID:      recipientURN,
		Version: "1.2.3",
		Name:    "Bob",
		Capabilities: Capabilities{
			ProtocolVersion: Version,
			Skills:          []Skill{{ID: "echo", Name: "Echo"}},
		},
		Endpoints: Endpoints{ASAP: "https://bob.example.com/asap", Events: &events},
	}
	require.NoError(t, m.Validate())

	bad := m
	bad.Version = "v1"
	require.Error(t, bad.Validate())

	bad = m
	bad.ID = "bob"
	require.Error(t, bad.Validate())

	bad = m
	bad.Endpoints.ASAP = ""
	require.Error(t, bad.Validate())
}

func TestManifestSupportsScheme(t *testing.T) {
	m := Manifest{Auth: &AuthSchemes{Schemes: []string{"bearer"}}}
	assert.True(t, m.SupportsScheme("bearer"))
	assert.False(t, m.SupportsScheme("basic"))
	assert.False(t, (&Manifest{}).SupportsScheme("bearer"))
}
