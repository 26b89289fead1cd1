package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/asap-go/pkg/compression"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
)

// metricLabel buckets unregistered payload types as "other" so the metric
// label space stays bounded by the handler set.
func (s *Server) metricLabel(payloadType string) string {
	if s.cfg.Registry.Handles(payloadType) {
		return envelope.CanonicalPayloadType(payloadType)
	}
	return "other"
}

/*
handleASAP is the JSON-RPC entry point. The pipeline order is fixed: rate
limit, size gates, content decoding, JSON-RPC parsing, envelope extraction,
authentication, validation, dispatch. Transport-level failures use HTTP
status codes; protocol-level failures travel as JSON-RPC error bodies.
*/
func (s *Server) handleASAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	started := time.Now()

	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
		s.metrics.RecordRequest("other", "rate_limited", time.Since(started))
		return
	}

	if r.ContentLength > s.cfg.MaxRequestSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	if int64(len(raw)) > s.cfg.MaxRequestSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
		return
	}

	contentEncoding := r.Header.Get("Content-Encoding")
	if contentEncoding == "" {
		contentEncoding = compression.Identity
	}
	body, err := compression.Decode(raw, contentEncoding, s.cfg.MaxRequestSize)
	if err != nil {
		switch {
		case stderrors.Is(err, compression.ErrUnsupportedEncoding):
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
				"error": "unsupported content encoding: " + contentEncoding,
			})
		case stderrors.Is(err, compression.ErrTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "decompressed body too large",
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "corrupt compressed body",
			})
		}
		return
	}

	req, rpcErr := jsonrpc.ParseRequest(body)
	if rpcErr != nil {
		s.writeRPCError(w, r, nil, rpcErr)
		s.metrics.RecordRequest("other", "error", time.Since(started))
		return
	}
	if req.Method != jsonrpc.MethodSend {
		s.writeRPCError(w, r, req.ID, errors.ErrMethodNotFound.WithMessagef("unknown method %q", req.Method))
		s.metrics.RecordRequest("other", "error", time.Since(started))
		return
	}

	env, _, rpcErr := jsonrpc.ExtractEnvelope(req)
	if rpcErr != nil {
		s.writeRPCError(w, r, req.ID, rpcErr)
		s.metrics.RecordRequest("other", "error", time.Since(started))
		return
	}

	label := s.metricLabel(env.PayloadType)

	agentURN, authErr := s.authenticate(r)
	if authErr != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErr.Error()})
		s.metrics.RecordRequest(label, "unauthorized", time.Since(started))
		return
	}

	if s.cfg.Validation != nil {
		if rpcErr := s.cfg.Validation.Validate(env, agentURN); rpcErr != nil {
			s.writeRPCError(w, r, req.ID, rpcErr)
			s.metrics.RecordRequest(label, "invalid", time.Since(started))
			return
		}
	}

	reply, err := s.dispatch(r.Context(), env)
	if err != nil {
		s.writeDispatchError(w, r, req.ID, env, err)
		s.metrics.RecordRequest(label, "error", time.Since(started))
		return
	}

	resp, marshalErr := jsonrpc.NewResultResponse(reply, req.ID)
	if marshalErr != nil {
		s.writeRPCError(w, r, req.ID, errors.ErrInternal.WithMessagef("failed to encode reply"))
		s.metrics.RecordRequest(label, "error", time.Since(started))
		return
	}

	s.writeEncoded(w, r, http.StatusOK, resp)
	s.metrics.RecordRequest(label, "ok", time.Since(started))
}

// dispatch runs the handler, converting panics into errors so one broken
// handler cannot take the server down. Dispatches slower than the SLA
// deadline are pushed to subscribers.
func (s *Server) dispatch(ctx context.Context, env *envelope.Envelope) (reply *envelope.Envelope, err error) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("handler panic", "payload_type", env.PayloadType, "panic", rec)
			err = errors.ErrInternal.WithMessagef("handler panic: %v", rec)
		}

		elapsed := time.Since(started)
		if s.sla.Observe(elapsed) {
			s.BroadcastSLABreach(map[string]any{
				"envelope_id":  env.ID,
				"payload_type": env.PayloadType,
				"duration_ms":  elapsed.Milliseconds(),
				"deadline_ms":  s.sla.Deadline().Milliseconds(),
			})
		}
	}()

	reply, err = s.cfg.Registry.Dispatch(ctx, env, s.cfg.Manifest)
	if err == nil && reply == nil {
		err = errors.ErrInternal.WithMessagef("handler returned no reply envelope")
	}
	return reply, err
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, id []byte, env *envelope.Envelope, err error) {
	var notFound *errors.HandlerNotFoundError
	if stderrors.As(err, &notFound) {
		rpcErr := errors.ErrMethodNotFound.
			WithMessagef("no handler for payload type %q", notFound.PayloadType).
			WithData(map[string]any{"payload_type": notFound.PayloadType})
		s.writeRPCError(w, r, id, rpcErr)
		return
	}

	var exhausted *errors.PoolExhaustedError
	if stderrors.As(err, &exhausted) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "worker pool exhausted",
			"code":  "asap:transport/thread_pool_exhausted",
			"details": map[string]any{
				"max_threads":    exhausted.MaxThreads,
				"active_threads": exhausted.ActiveThreads,
			},
		})
		return
	}

	var rpcErr *errors.RpcError
	if stderrors.As(err, &rpcErr) {
		s.writeRPCError(w, r, id, rpcErr)
		return
	}

	internal := errors.ErrInternal.WithMessagef("handler failed")
	if s.cfg.Debug {
		internal = internal.WithData(map[string]any{"detail": err.Error()})
	}
	log.Error("handler error", "payload_type", env.PayloadType, "error", err)
	s.writeRPCError(w, r, id, internal)
}

func (s *Server) writeRPCError(w http.ResponseWriter, r *http.Request, id []byte, rpcErr *errors.RpcError) {
	s.writeEncoded(w, r, http.StatusOK, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeEncoded serialises body and applies the response encoding the client
// negotiated via Accept-Encoding.
func (s *Server) writeEncoded(w http.ResponseWriter, r *http.Request, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	encoding := compression.Negotiate(r.Header.Get("Accept-Encoding"))
	if encoding != compression.Identity && compression.ShouldCompress(len(payload), compression.DefaultThreshold) {
		if compressed, err := compression.Encode(payload, encoding); err == nil {
			w.Header().Set("Content-Encoding", encoding)
			payload = compressed
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// authenticate resolves the request's bearer token to an agent URN. When
// the manifest does not advertise bearer auth the request passes through
// unauthenticated.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.cfg.Validator == nil || !s.cfg.Manifest.SupportsScheme("bearer") {
		return "", nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", stderrors.New("missing authorization header")
	}

	// Only the advertised scheme is accepted; anything else is rejected
	// before the validator sees it.
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", stderrors.New("unsupported authorization scheme: want Bearer")
	}
	token := header[len(prefix):]

	agentURN, err := s.cfg.Validator.Validate(r.Context(), token)
	if err != nil {
		return "", err
	}
	return agentURN, nil
}
