package service

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/theapemachine/asap-go/pkg/auth"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleTimeout      = 90 * time.Second
	DefaultWSMessageRate     = 20.0
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn wraps one accepted connection with its write lock, rate budget and
// SLA subscription flag.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *auth.RateLimiter

	mu            sync.Mutex
	slaSubscribed bool
}

func (c *wsConn) writeFrame(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// wsRegistry tracks live connections so shutdown can drain them.
type wsRegistry struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newWSRegistry() *wsRegistry {
	return &wsRegistry{conns: make(map[*wsConn]struct{})}
}

func (r *wsRegistry) add(c *wsConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *wsRegistry) remove(c *wsConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *wsRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*wsConn]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "Server shutting down")
	}
}

func (r *wsRegistry) slaSubscribers() []*wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*wsConn
	for c := range r.conns {
		c.mu.Lock()
		if c.slaSubscribed {
			subs = append(subs, c)
		}
		c.mu.Unlock()
	}
	return subs
}

// ackWorthy mirrors the client transport's critical payload set.
func ackWorthy(env *envelope.Envelope) bool {
	if env.RequiresAck {
		return true
	}
	switch envelope.CanonicalPayloadType(env.PayloadType) {
	case envelope.TypeTaskRequest, envelope.TypeTaskCancel,
		envelope.TypeStateRestore, envelope.TypeMessageSend:
		return true
	}
	return false
}

/*
handleWS upgrades the connection and serves JSON-RPC frames over it. A
per-connection token bucket shapes inbound traffic; exceeding it earns a
-32001 error and close code 1008. The server pings every heartbeat
interval and drops connections that stay silent past the stale timeout.
*/
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	msgRate := s.cfg.WSMessageRate
	if msgRate <= 0 {
		msgRate = DefaultWSMessageRate
	}

	c := &wsConn{conn: conn, limiter: auth.NewRateLimiter(msgRate)}
	s.ws.add(c)
	s.metrics.WSConnected()

	defer func() {
		s.ws.remove(c)
		s.metrics.WSDisconnected()
		_ = conn.Close()
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.heartbeat(c, stopPing)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.StaleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			var probe struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.Unmarshal(raw, &probe)
			_ = c.writeFrame(jsonrpc.NewErrorResponse(probe.ID,
				errors.ErrRateLimited.WithMessagef("connection message rate exceeded")))
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.handleWSFrame(r, c, raw)
	}
}

func (s *Server) heartbeat(c *wsConn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWSFrame(r *http.Request, c *wsConn, raw []byte) {
	var probe struct {
		Type   string          `json:"type"`
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Warn("dropping invalid websocket frame", "error", err)
		return
	}

	switch {
	case probe.Type == "pong" && probe.Method == "":
		return
	case probe.Type == "ping" && probe.Method == "":
		_ = c.writeFrame(map[string]string{"type": "pong"})
		return
	case probe.Method == jsonrpc.MethodSubscribe:
		c.mu.Lock()
		c.slaSubscribed = true
		c.mu.Unlock()
		if probe.ID != nil {
			_ = c.writeFrame(map[string]any{
				"jsonrpc": jsonrpc.VersionTag,
				"id":      probe.ID,
				"result":  map[string]bool{"subscribed": true},
			})
		}
		return
	case probe.Method == jsonrpc.MethodUnsubscribe:
		c.mu.Lock()
		c.slaSubscribed = false
		c.mu.Unlock()
		if probe.ID != nil {
			_ = c.writeFrame(map[string]any{
				"jsonrpc": jsonrpc.VersionTag,
				"id":      probe.ID,
				"result":  map[string]bool{"subscribed": false},
			})
		}
		return
	}

	req, rpcErr := jsonrpc.ParseRequest(raw)
	if rpcErr != nil {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(probe.ID, rpcErr))
		return
	}
	if req.Method != jsonrpc.MethodSend {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(req.ID,
			errors.ErrMethodNotFound.WithMessagef("unknown method %q", req.Method)))
		return
	}

	env, _, rpcErr := jsonrpc.ExtractEnvelope(req)
	if rpcErr != nil {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(req.ID, rpcErr))
		return
	}

	// The WS transport acknowledges receipt before doing any work, so the
	// sender can stop retransmitting immediately.
	wantsAck := ackWorthy(env)
	if wantsAck {
		s.sendAck(c, env.ID, envelope.AckReceived, "")
	}

	if s.cfg.Validation != nil {
		if rpcErr := s.cfg.Validation.Validate(env, ""); rpcErr != nil {
			if wantsAck {
				s.sendAck(c, env.ID, envelope.AckRejected, rpcErr.Message)
			}
			_ = c.writeFrame(jsonrpc.NewErrorResponse(req.ID, rpcErr))
			return
		}
	}

	reply, err := s.dispatch(r.Context(), env)
	if err != nil {
		if wantsAck {
			s.sendAck(c, env.ID, envelope.AckRejected, err.Error())
		}
		s.writeWSDispatchError(c, req.ID, err)
		return
	}

	resp, marshalErr := jsonrpc.NewResultResponse(reply, req.ID)
	if marshalErr != nil {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(req.ID,
			errors.ErrInternal.WithMessagef("failed to encode reply")))
		return
	}
	_ = c.writeFrame(resp)
}

func (s *Server) sendAck(c *wsConn, envelopeID string, status envelope.AckStatus, errMsg string) {
	note, err := jsonrpc.NewNotification(jsonrpc.MethodAck, envelope.MessageAck{
		OriginalEnvelopeID: envelopeID,
		Status:             status,
		Error:              errMsg,
	})
	if err != nil {
		return
	}
	if err := c.writeFrame(note); err != nil {
		log.Debug("failed to send ack", "envelope_id", envelopeID, "error", err)
	}
}

func (s *Server) writeWSDispatchError(c *wsConn, id json.RawMessage, err error) {
	var notFound *errors.HandlerNotFoundError
	if stderrors.As(err, &notFound) {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(id, errors.ErrMethodNotFound.
			WithMessagef("no handler for payload type %q", notFound.PayloadType).
			WithData(map[string]any{"payload_type": notFound.PayloadType})))
		return
	}

	var exhausted *errors.PoolExhaustedError
	if stderrors.As(err, &exhausted) {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(id, errors.ErrInternal.
			WithMessagef("worker pool exhausted").
			WithData(map[string]any{
				"max_threads":    exhausted.MaxThreads,
				"active_threads": exhausted.ActiveThreads,
			})))
		return
	}

	var rpcErr *errors.RpcError
	if stderrors.As(err, &rpcErr) {
		_ = c.writeFrame(jsonrpc.NewErrorResponse(id, rpcErr))
		return
	}
	_ = c.writeFrame(jsonrpc.NewErrorResponse(id, errors.ErrInternal.WithMessagef("handler failed")))
}

/*
BroadcastSLABreach pushes an sla.breach notification to every connection
that subscribed. Failed writes are logged and the connection is left to the
stale-timeout reaper.
*/
func (s *Server) BroadcastSLABreach(detail map[string]any) {
	note, err := jsonrpc.NewNotification(jsonrpc.MethodSLABreach, detail)
	if err != nil {
		return
	}

	for _, c := range s.ws.slaSubscribers() {
		if err := c.writeFrame(note); err != nil {
			log.Debug("sla.breach push failed", "error", err)
		}
	}
}
