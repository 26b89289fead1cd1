package client

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

// BatchResult pairs one slot of a batch send with its outcome. Exactly one
// of Envelope and Err is set.
type BatchResult struct {
	Envelope *envelope.Envelope
	Err      error
}

/*
SendBatch fans the envelopes out concurrently over the shared transport,
which lets HTTP/2 multiplex them onto few connections, and returns results
in input order. With returnErrors set, each failed slot carries its own
error; otherwise the first failure cancels nothing but is returned after
all sends settle.
*/
func (c *Client) SendBatch(ctx context.Context, envs []*envelope.Envelope, returnErrors bool) ([]BatchResult, error) {
	started := time.Now()
	results := make([]BatchResult, len(envs))

	var wg sync.WaitGroup
	for i, env := range envs {
		wg.Add(1)
		go func(i int, env *envelope.Envelope) {
			defer wg.Done()
			reply, err := c.Send(ctx, env)
			results[i] = BatchResult{Envelope: reply, Err: err}
		}(i, env)
	}
	wg.Wait()

	failures := 0
	var firstErr error
	for i := range results {
		if results[i].Err != nil {
			failures++
			if firstErr == nil {
				firstErr = results[i].Err
			}
		}
	}

	elapsed := time.Since(started)
	c.metrics.RecordBatch(len(envs), elapsed)
	log.Debug("batch send finished",
		"size", len(envs),
		"failures", failures,
		"duration", elapsed,
	)

	if !returnErrors && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
