package registry

import (
	"context"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

/*
EchoHandler is the built-in task handler: it answers any task.request with
a completed task.response whose result echoes the request input. It exists
so a freshly-scaffolded agent has a working skill out of the box and so
end-to-end tests have a deterministic round trip.
*/
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error) {
		var req envelope.TaskRequest
		if payload, err := env.PayloadMap(); err == nil {
			if input, ok := payload["input"]; ok {
				req.Input, _ = input.(map[string]any)
			}
		}

		return env.Reply(envelope.TypeTaskResponse, map[string]any{
			"task_id": env.ID,
			"status":  string(envelope.TaskCompleted),
			"result":  map[string]any{"echoed": req.Input},
		})
	})
}
