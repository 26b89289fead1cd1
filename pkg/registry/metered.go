package registry

import (
	"context"
	"time"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/metering"
	"github.com/theapemachine/asap-go/pkg/metrics"
)

/*
Metered wraps a handler so every task.request -> task.response exchange it
completes lands in the metering store, tagged with the wall-clock handler
duration. Other exchanges pass through untouched. Recording failures are
logged inside the hook but never fail the dispatch.
*/
func Metered(handler Handler, store metering.Store) Handler {
	if store == nil {
		return handler
	}

	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error) {
		started := time.Now()
		reply, err := handler.Handle(ctx, env, manifest)
		if err != nil || reply == nil {
			return reply, err
		}

		if envelope.CanonicalPayloadType(env.PayloadType) == envelope.TypeTaskRequest &&
			envelope.CanonicalPayloadType(reply.PayloadType) == envelope.TypeTaskResponse {
			if metering.RecordTaskUsage(store, env, reply, time.Since(started).Milliseconds(), manifest) == nil {
				metrics.Default().RecordUsageEvent()
			}
		}
		return reply, nil
	})
}
