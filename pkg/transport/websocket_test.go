package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapemachine/asap-go/pkg/breaker"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
)

var upgrader = websocket.Upgrader{}

type frameHandler func(conn *websocket.Conn, frame wsFrame, raw []byte)

// wsServer runs an in-process WebSocket peer driving handler per frame.
func wsServer(t *testing.T, handler frameHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wsFrame
			if json.Unmarshal(raw, &frame) != nil {
				continue
			}
			handler(conn, frame, raw)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendReply(t *testing.T, conn *websocket.Conn, frame wsFrame) {
	t.Helper()

	var params jsonrpc.SendParams
	require.NoError(t, json.Unmarshal(frame.Params, &params))
	env, err := envelope.Decode(params.Envelope)
	require.NoError(t, err)

	reply, err := env.Reply(envelope.TypeTaskResponse, map[string]any{
		"task_id": env.ID,
		"status":  "completed",
	})
	require.NoError(t, err)

	resp, err := jsonrpc.NewResultResponse(reply, frame.ID)
	require.NoError(t, err)
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))
}

func sendAck(t *testing.T, conn *websocket.Conn, frame wsFrame, status envelope.AckStatus) {
	t.Helper()

	var params jsonrpc.SendParams
	require.NoError(t, json.Unmarshal(frame.Params, &params))
	env, err := envelope.Decode(params.Envelope)
	require.NoError(t, err)

	note, err := jsonrpc.NewNotification(jsonrpc.MethodAck, envelope.MessageAck{
		OriginalEnvelopeID: env.ID,
		Status:             status,
	})
	require.NoError(t, err)
	out, err := json.Marshal(note)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))
}

func wsEnvelope(t *testing.T, payloadType string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(
		"urn:asap:agent:client",
		"urn:asap:agent:server",
		payloadType,
		map[string]any{"skill_id": "echo", "input": map[string]any{}},
	)
	require.NoError(t, err)
	return env
}

func TestSendAndReceive(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, frame wsFrame, raw []byte) {
		sendAck(t, conn, frame, envelope.AckReceived)
		sendReply(t, conn, frame)
	})
	defer srv.Close()

	tr, err := Dial(context.Background(), wsURL(srv), Config{})
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, Connected, tr.CurrentState())

	reply, err := tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskRequest))
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeTaskResponse, reply.PayloadType)

	// The server's ack should eventually clear pending-ack tracking.
	require.Eventually(t, func() bool { return tr.PendingAcks() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestReceiveTimeoutKeepsSocketUsable(t *testing.T) {
	var calls atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn, frame wsFrame, raw []byte) {
		if calls.Add(1) == 1 {
			return // swallow the first request
		}
		sendReply(t, conn, frame)
	})
	defer srv.Close()

	cfg := Config{ReceiveTimeout: 50 * time.Millisecond, AckCheckInterval: time.Hour}
	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskUpdate))
	var timeoutErr *errors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	reply, err := tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskUpdate))
	require.NoError(t, err)
	assert.NotNil(t, reply)
}

func TestPingAnsweredWithPong(t *testing.T) {
	pong := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Type == "pong" {
			pong <- struct{}{}
		}
	}))
	defer srv.Close()

	tr, err := Dial(context.Background(), wsURL(srv), Config{})
	require.NoError(t, err)
	defer tr.Close()

	select {
	case <-pong:
	case <-time.After(time.Second):
		t.Fatal("expected pong reply to application ping")
	}
}

func TestServerPushInvokesOnMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		push := wsEnvelope(t, envelope.TypeTaskUpdate)
		resp, err := jsonrpc.NewResultResponse(push, json.RawMessage(`"push-1"`))
		require.NoError(t, err)
		out, err := json.Marshal(resp)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

		// Hold the connection open until the client closes it.
		conn.ReadMessage()
	}))
	defer srv.Close()

	received := make(chan *envelope.Envelope, 1)
	cfg := Config{OnMessage: MessageHandlerFunc(func(env *envelope.Envelope) {
		received <- env
	})}

	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)
	defer tr.Close()

	select {
	case env := <-received:
		assert.Equal(t, envelope.TypeTaskUpdate, env.PayloadType)
	case <-time.After(time.Second):
		t.Fatal("expected push envelope via OnMessage")
	}
}

func TestAckExhaustionRecordsBreakerFailure(t *testing.T) {
	var frames atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn, frame wsFrame, raw []byte) {
		frames.Add(1)
		sendReply(t, conn, frame) // reply but never ack
	})
	defer srv.Close()

	brk := breaker.New(1, time.Minute)
	cfg := Config{
		AckCheckInterval: 20 * time.Millisecond,
		MaxAckRetries:    2,
		Breaker:          brk,
	}
	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskRequest))
	require.NoError(t, err)
	require.Equal(t, 1, tr.PendingAcks())

	require.Eventually(t, func() bool { return tr.PendingAcks() == 0 },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, brk.ConsecutiveFailures())
	// Original send plus two retransmissions.
	assert.Equal(t, int32(3), frames.Load())
}

func TestNonCriticalPayloadSkipsAckTracking(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, frame wsFrame, raw []byte) {
		sendReply(t, conn, frame)
	})
	defer srv.Close()

	cfg := Config{AckCheckInterval: time.Hour}
	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskUpdate))
	require.NoError(t, err)
	assert.Zero(t, tr.PendingAcks())
}

func TestCriticalPayloadSet(t *testing.T) {
	assert.True(t, criticalPayload("task.request"))
	assert.True(t, criticalPayload("TaskRequest"))
	assert.True(t, criticalPayload("task.cancel"))
	assert.True(t, criticalPayload("state_restore"))
	assert.True(t, criticalPayload("StateRestore"))
	assert.True(t, criticalPayload("message.send"))
	assert.False(t, criticalPayload("task.update"))
	assert.False(t, criticalPayload("message.ack"))
}

func TestCloseFailsPendingCalls(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, frame wsFrame, raw []byte) {
		// Never reply.
	})
	defer srv.Close()

	cfg := Config{ReceiveTimeout: 5 * time.Second, AckCheckInterval: time.Hour}
	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskUpdate))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		var timeoutErr *errors.TimeoutError
		assert.ErrorAs(t, err, &timeoutErr)
	case <-time.After(time.Second):
		t.Fatal("pending call should fail on close")
	}

	assert.Equal(t, Disconnected, tr.CurrentState())
	assert.NoError(t, tr.Close(), "double close is safe")
}

func TestDialFailureIsSynchronous(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/asap/ws", Config{HandshakeTimeout: 200 * time.Millisecond})
	var connErr *errors.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			conn.Close() // drop the first connection immediately
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wsFrame
			if json.Unmarshal(raw, &frame) != nil {
				continue
			}
			sendReply(t, conn, frame)
		}
	}))
	defer srv.Close()

	cfg := Config{
		Reconnect:             true,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
		MaxReconnectAttempts:  10,
		AckCheckInterval:      time.Hour,
	}
	tr, err := Dial(context.Background(), wsURL(srv), cfg)
	require.NoError(t, err)
	defer tr.Close()

	require.Eventually(t, func() bool {
		return tr.CurrentState() == Connected && conns.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := tr.SendAndReceive(context.Background(), wsEnvelope(t, envelope.TypeTaskUpdate))
	require.NoError(t, err)
	assert.NotNil(t, reply)
}
