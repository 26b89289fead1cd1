package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/theapemachine/asap-go/pkg/breaker"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
)

// State tracks the client connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

const (
	DefaultReceiveTimeout        = 30 * time.Second
	DefaultAckCheckInterval      = 5 * time.Second
	DefaultMaxAckRetries         = 3
	DefaultReconnectInitialDelay = time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
)

// MessageHandler receives server-push envelopes that do not correlate with
// any in-flight call.
type MessageHandler interface {
	HandleMessage(env *envelope.Envelope)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(env *envelope.Envelope)

func (f MessageHandlerFunc) HandleMessage(env *envelope.Envelope) { f(env) }

// Config tunes a Transport. Zero values fall back to the defaults above.
type Config struct {
	ReceiveTimeout   time.Duration
	AckCheckInterval time.Duration
	MaxAckRetries    int

	Reconnect             bool
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int // 0 = unbounded

	HandshakeTimeout time.Duration

	// Breaker, when set, takes one failure for every envelope whose acks
	// were exhausted.
	Breaker *breaker.Breaker

	OnMessage MessageHandler
}

func (cfg Config) withDefaults() Config {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.AckCheckInterval <= 0 {
		cfg.AckCheckInterval = DefaultAckCheckInterval
	}
	if cfg.MaxAckRetries <= 0 {
		cfg.MaxAckRetries = DefaultMaxAckRetries
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return cfg
}

// criticalPayload reports whether a payload type always demands an ack,
// independent of the envelope's requires_ack flag.
func criticalPayload(payloadType string) bool {
	switch envelope.CanonicalPayloadType(payloadType) {
	case envelope.TypeTaskRequest, envelope.TypeTaskCancel,
		envelope.TypeStateRestore, envelope.TypeMessageSend:
		return true
	}
	return false
}

type callResult struct {
	env *envelope.Envelope
	err error
}

type pendingAck struct {
	envelopeID string
	frame      []byte
	sentAt     time.Time
	retries    int
}

/*
Transport is a WebSocket JSON-RPC channel to one remote agent. Every
JSON-RPC payload travels as one text frame. A recv loop demultiplexes
replies to in-flight calls, acknowledgement notifications, and server
pushes; an ack-check loop retransmits critical envelopes the remote has not
acknowledged yet.
*/
type Transport struct {
	url string
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	closed  bool
	pending map[string]chan callResult
	acks    map[string]*pendingAck

	writeMu sync.Mutex

	stopAcks  chan struct{}
	recvDone  chan struct{}
	superDone chan struct{}

	lastUsed time.Time
}

// Dial connects to the remote WS endpoint and starts the transport's
// background loops. The first connection failure is returned directly.
func Dial(ctx context.Context, url string, cfg Config) (*Transport, error) {
	t := &Transport{
		url:      url,
		cfg:      cfg.withDefaults(),
		pending:  make(map[string]chan callResult),
		acks:     make(map[string]*pendingAck),
		stopAcks: make(chan struct{}),
		lastUsed: time.Now(),
	}

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	go t.ackCheckLoop()
	if t.cfg.Reconnect {
		t.superDone = make(chan struct{})
		go t.superviseReconnect()
	}
	return t, nil
}

func (t *Transport) connect(ctx context.Context) error {
	t.setState(Connecting)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.setState(Disconnected)
		return &errors.ConnectionError{URL: errors.SanitizeURL(t.url), Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.recvDone = make(chan struct{})
	recvDone := t.recvDone
	t.mu.Unlock()

	t.setState(Connected)
	go t.recvLoop(conn, recvDone)
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// CurrentState reports the connection lifecycle state.
func (t *Transport) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Alive reports whether the transport currently holds an open socket.
func (t *Transport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.state == Connected
}

func (t *Transport) writeFrame(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &errors.ConnectionError{URL: errors.SanitizeURL(t.url), Err: fmt.Errorf("not connected")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

/*
SendAndReceive delivers one envelope and waits for the correlated reply.
A timeout removes the pending entry and errors without tearing down the
socket; other in-flight calls are unaffected.
*/
func (t *Transport) SendAndReceive(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if t.isClosed() {
		return nil, &errors.ConnectionError{URL: errors.SanitizeURL(t.url), Err: fmt.Errorf("transport closed")}
	}

	id := uuid.NewString()
	req, err := jsonrpc.NewSendRequest(env, uuid.NewString(), id)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if env.RequiresAck || criticalPayload(env.PayloadType) {
		t.trackAck(env.ID, frame)
	}

	if err := t.writeFrame(frame); err != nil {
		t.clearAck(env.ID)
		return nil, &errors.ConnectionError{URL: errors.SanitizeURL(t.url), Err: err}
	}

	timer := time.NewTimer(t.cfg.ReceiveTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.env, res.err
	case <-timer.C:
		return nil, &errors.TimeoutError{
			URL: errors.SanitizeURL(t.url),
			Err: fmt.Errorf("no reply within %s", t.cfg.ReceiveTimeout),
		}
	case <-ctx.Done():
		return nil, &errors.TimeoutError{URL: errors.SanitizeURL(t.url), Err: ctx.Err()}
	}
}

// Notify sends a fire-and-forget notification frame.
func (t *Transport) Notify(method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.writeFrame(frame)
}

// wsFrame is the union probe for inbound frames.
type wsFrame struct {
	Type    string           `json:"type,omitempty"`
	JSONRPC string           `json:"jsonrpc,omitempty"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *errors.RpcError `json:"error,omitempty"`
}

func (t *Transport) recvLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !t.isClosed() {
				log.Debug("websocket recv loop ended", "url", errors.SanitizeURL(t.url), "error", err)
				t.setState(Disconnected)
			}
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn("dropping invalid websocket frame", "url", errors.SanitizeURL(t.url), "error", err)
		return
	}

	switch {
	case frame.Type == "ping" && frame.Method == "":
		if err := t.writeFrame([]byte(`{"type":"pong"}`)); err != nil {
			log.Debug("failed to answer ping", "error", err)
		}

	case frame.Method == jsonrpc.MethodAck:
		var ack envelope.MessageAck
		if err := json.Unmarshal(frame.Params, &ack); err != nil {
			log.Warn("dropping malformed ack", "error", err)
			return
		}
		t.clearAck(ack.OriginalEnvelopeID)

	case frame.Error != nil:
		if ch := t.takePending(frame.ID); ch != nil {
			ch <- callResult{err: &errors.RemoteError{
				URL:     errors.SanitizeURL(t.url),
				Code:    frame.Error.Code,
				Message: frame.Error.Message,
				Data:    frame.Error.Data,
			}}
			return
		}
		log.Warn("error frame without matching call", "code", frame.Error.Code, "message", frame.Error.Message)

	case frame.Result != nil:
		var result jsonrpc.SendResult
		if err := json.Unmarshal(frame.Result, &result); err != nil || result.Envelope == nil {
			log.Warn("dropping result frame without envelope")
			return
		}
		if ch := t.takePending(frame.ID); ch != nil {
			ch <- callResult{env: result.Envelope}
			return
		}
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage.HandleMessage(result.Envelope)
		}
	}
}

func (t *Transport) takePending(id json.RawMessage) chan callResult {
	var key string
	if err := json.Unmarshal(id, &key); err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	return ch
}

func (t *Transport) trackAck(envelopeID string, frame []byte) {
	t.mu.Lock()
	t.acks[envelopeID] = &pendingAck{
		envelopeID: envelopeID,
		frame:      frame,
		sentAt:     time.Now(),
	}
	t.mu.Unlock()
}

func (t *Transport) clearAck(envelopeID string) {
	t.mu.Lock()
	delete(t.acks, envelopeID)
	t.mu.Unlock()
}

// PendingAcks reports how many envelopes still await acknowledgement.
func (t *Transport) PendingAcks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks)
}

/*
ackCheckLoop periodically retransmits unacknowledged critical envelopes.
An envelope that exhausts MaxAckRetries is dropped from tracking and, when
a breaker is configured, charged as one failure against it.
*/
func (t *Transport) ackCheckLoop() {
	ticker := time.NewTicker(t.cfg.AckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopAcks:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		var resend []*pendingAck
		for id, ack := range t.acks {
			if ack.retries >= t.cfg.MaxAckRetries {
				delete(t.acks, id)
				log.Warn("giving up on unacknowledged envelope", "envelope_id", id, "retries", ack.retries)
				if t.cfg.Breaker != nil {
					t.cfg.Breaker.RecordFailure()
				}
				continue
			}
			ack.retries++
			resend = append(resend, ack)
		}
		t.mu.Unlock()

		for _, ack := range resend {
			if err := t.writeFrame(ack.frame); err != nil {
				log.Debug("ack retransmit failed", "envelope_id", ack.envelopeID, "error", err)
			}
		}
	}
}

/*
superviseReconnect redials whenever the recv loop exits, backing off
exponentially between attempts. It stops when the transport closes or the
attempt budget is spent.
*/
func (t *Transport) superviseReconnect() {
	defer close(t.superDone)

	for {
		t.mu.Lock()
		recvDone := t.recvDone
		t.mu.Unlock()

		select {
		case <-recvDone:
		case <-t.stopAcks:
			return
		}
		if t.isClosed() {
			return
		}

		for attempt := 1; ; attempt++ {
			if t.cfg.MaxReconnectAttempts > 0 && attempt > t.cfg.MaxReconnectAttempts {
				log.Error("reconnect attempts exhausted", "url", errors.SanitizeURL(t.url))
				return
			}

			delay := t.cfg.ReconnectInitialDelay << uint(attempt-1)
			if delay > t.cfg.ReconnectMaxDelay || delay <= 0 {
				delay = t.cfg.ReconnectMaxDelay
			}

			select {
			case <-time.After(delay):
			case <-t.stopAcks:
				return
			}
			if t.isClosed() {
				return
			}

			log.Info("reconnecting websocket", "url", errors.SanitizeURL(t.url), "attempt", attempt)
			if err := t.connect(context.Background()); err == nil {
				break
			}
		}
	}
}

/*
Close tears the transport down: the supervisor and ack-check loops stop,
every in-flight call fails with a timeout-style error, and the socket is
closed with OS errors swallowed.
*/
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	pending := t.pending
	t.pending = make(map[string]chan callResult)
	t.acks = make(map[string]*pendingAck)
	t.state = Disconnected
	t.mu.Unlock()

	close(t.stopAcks)

	for _, ch := range pending {
		ch <- callResult{err: &errors.TimeoutError{
			URL: errors.SanitizeURL(t.url),
			Err: fmt.Errorf("transport closed"),
		}}
	}

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}

	if t.superDone != nil {
		<-t.superDone
	}
	return nil
}
