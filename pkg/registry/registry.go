package registry

import (
	"context"
	"sync"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
)

/*
Handler processes one inbound envelope and optionally returns a reply
envelope. Implementations decide whether to do the work inline or hand it
off; the registry only cares about the signature.
*/
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error) {
	return f(ctx, env, manifest)
}

type registration struct {
	handler Handler
	async   bool
}

/*
Registry maps payload types to handlers and owns the bounded worker pool
sync handlers execute on. Payload-type aliases are canonicalized on both
registration and dispatch, so a handler registered under "TaskRequest"
serves "task.request" traffic and vice versa.
*/
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	pool     *Pool
}

// NewRegistry creates a registry with a pool of maxWorkers slots for sync
// handlers. maxWorkers <= 0 falls back to DefaultMaxWorkers.
func NewRegistry(maxWorkers int) *Registry {
	return &Registry{
		handlers: make(map[string]registration),
		pool:     NewPool(maxWorkers),
	}
}

// Register binds a sync handler: dispatch will run it on the worker pool.
func (r *Registry) Register(payloadType string, handler Handler) {
	r.register(payloadType, handler, false)
}

/*
RegisterAsync binds a handler that schedules its own work and returns
quickly. Async handlers bypass the pool so a slow sync workload cannot
starve them.
*/
func (r *Registry) RegisterAsync(payloadType string, handler Handler) {
	r.register(payloadType, handler, true)
}

func (r *Registry) register(payloadType string, handler Handler, async bool) {
	canonical := envelope.CanonicalPayloadType(payloadType)

	r.mu.Lock()
	r.handlers[canonical] = registration{handler: handler, async: async}
	r.mu.Unlock()
}

// Handles reports whether a handler is registered for the payload type.
func (r *Registry) Handles(payloadType string) bool {
	r.mu.RLock()
	_, ok := r.handlers[envelope.CanonicalPayloadType(payloadType)]
	r.mu.RUnlock()
	return ok
}

// PayloadTypes lists the registered canonical payload types.
func (r *Registry) PayloadTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for payloadType := range r.handlers {
		types = append(types, payloadType)
	}
	return types
}

// Pool exposes the registry's worker pool for capacity reporting.
func (r *Registry) Pool() *Pool {
	return r.pool
}

/*
Dispatch resolves the handler for the envelope's payload type and runs it.
Sync handlers consume a pool slot for the duration of the call; when no
slot is free the dispatch fails immediately with PoolExhaustedError rather
than queueing. A missing handler yields HandlerNotFoundError.
*/
func (r *Registry) Dispatch(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error) {
	canonical := envelope.CanonicalPayloadType(env.PayloadType)

	r.mu.RLock()
	reg, ok := r.handlers[canonical]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.HandlerNotFoundError{PayloadType: env.PayloadType}
	}

	if reg.async {
		return reg.handler.Handle(ctx, env, manifest)
	}

	var (
		reply *envelope.Envelope
		err   error
	)
	if submitErr := r.pool.TrySubmit(func() {
		reply, err = reg.handler.Handle(ctx, env, manifest)
	}); submitErr != nil {
		return nil, submitErr
	}
	return reply, err
}
