package metering

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

/*
RecordTaskUsage derives a UsageEvent from a completed task exchange and
writes it to the store. It only fires for a task.request answered by a
task.response; anything else is silently skipped so the caller can invoke
it unconditionally after every dispatch.

The executing agent is billed: agent_id comes from the request recipient
and consumer_id from the request sender. Metric fields in the response are
loosely typed JSON, so every value goes through CoerceInt64, and tokens_out
falls back to the legacy tokens_used field when absent or zero.
*/
func RecordTaskUsage(
	store Store,
	reqEnv, respEnv *envelope.Envelope,
	durationMS int64,
	manifest *envelope.Manifest,
) error {
	if store == nil || reqEnv == nil || respEnv == nil {
		return nil
	}
	if envelope.CanonicalPayloadType(reqEnv.PayloadType) != envelope.TypeTaskRequest {
		return nil
	}
	if envelope.CanonicalPayloadType(respEnv.PayloadType) != envelope.TypeTaskResponse {
		return nil
	}

	payload, err := respEnv.PayloadMap()
	if err != nil {
		return err
	}

	var metrics map[string]any
	if raw, ok := payload["metrics"].(map[string]any); ok {
		metrics = raw
	}

	tokensOut := CoerceInt64(metrics["tokens_out"])
	if tokensOut == 0 {
		tokensOut = CoerceInt64(metrics["tokens_used"])
	}
	if durationMS < 0 {
		durationMS = 0
	}

	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		taskID = reqEnv.ID
	}

	agentID := reqEnv.Recipient
	if manifest != nil && manifest.ID != "" {
		agentID = manifest.ID
	}

	event := UsageEvent{
		TaskID:     taskID,
		AgentID:    agentID,
		ConsumerID: reqEnv.Sender,
		Metrics: Metrics{
			TokensIn:   CoerceInt64(metrics["tokens_in"]),
			TokensOut:  tokensOut,
			DurationMS: durationMS,
			APICalls:   CoerceInt64(metrics["api_calls"]),
		},
		Timestamp: time.Now().UTC(),
	}

	if err := store.Record(event); err != nil {
		log.Error("failed to record usage event", "task_id", event.TaskID, "error", err)
		return err
	}
	return nil
}
