package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

func taskExchange(t *testing.T, respType string, respPayload any) (*envelope.Envelope, *envelope.Envelope) {
	t.Helper()

	req, err := envelope.New(
		"urn:asap:agent:client",
		"urn:asap:agent:worker",
		envelope.TypeTaskRequest,
		map[string]any{"skill_id": "echo", "input": map[string]any{"text": "hi"}},
	)
	require.NoError(t, err)

	resp, err := req.Reply(respType, respPayload)
	require.NoError(t, err)
	return req, resp
}

func TestRecordTaskUsage(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskResponse, map[string]any{
		"task_id": "task-1",
		"status":  "completed",
		"metrics": map[string]any{"tokens_in": 120, "tokens_out": 80, "api_calls": 3},
	})

	require.NoError(t, RecordTaskUsage(store, req, resp, 1500, nil))

	events, err := store.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "task-1", events[0].TaskID)
	assert.Equal(t, "urn:asap:agent:worker", events[0].AgentID)
	assert.Equal(t, "urn:asap:agent:client", events[0].ConsumerID)
	assert.Equal(t, int64(120), events[0].Metrics.TokensIn)
	assert.Equal(t, int64(80), events[0].Metrics.TokensOut)
	assert.Equal(t, int64(1500), events[0].Metrics.DurationMS)
	assert.Equal(t, int64(3), events[0].Metrics.APICalls)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestRecordTaskUsageTokensUsedFallback(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskResponse, map[string]any{
		"task_id": "task-2",
		"status":  "completed",
		"metrics": map[string]any{"tokens_in": 10, "tokens_used": 55},
	})

	require.NoError(t, RecordTaskUsage(store, req, resp, 100, nil))

	events, err := store.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(55), events[0].Metrics.TokensOut)
}

func TestRecordTaskUsageSkipsNonTaskExchanges(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskUpdate, map[string]any{"status": "working"})
	require.NoError(t, RecordTaskUsage(store, req, resp, 100, nil))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
}

func TestRecordTaskUsageClampsNegativeDuration(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskResponse, map[string]any{
		"task_id": "task-3",
		"status":  "completed",
	})

	require.NoError(t, RecordTaskUsage(store, req, resp, -250, nil))

	events, err := store.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Zero(t, events[0].Metrics.DurationMS)
	assert.Zero(t, events[0].Metrics.TokensOut)
}

func TestRecordTaskUsageManifestOverridesAgent(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskResponse, map[string]any{
		"task_id": "task-4",
		"status":  "completed",
	})

	manifest := &envelope.Manifest{ID: "urn:asap:agent:worker-pool-3"}
	require.NoError(t, RecordTaskUsage(store, req, resp, 10, manifest))

	events, err := store.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "urn:asap:agent:worker-pool-3", events[0].AgentID)
}

func TestRecordTaskUsageMissingTaskIDFallsBackToRequestID(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	req, resp := taskExchange(t, envelope.TypeTaskResponse, map[string]any{"status": "completed"})
	require.NoError(t, RecordTaskUsage(store, req, resp, 10, nil))

	events, err := store.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, req.ID, events[0].TaskID)
}
