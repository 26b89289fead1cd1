package service

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
	"github.com/theapemachine/asap-go/pkg/registry"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/asap/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wsFrame is loose on purpose so one probe type can inspect acks, results
// and errors alike.
type wsFrame struct {
	Type   string          `json:"type"`
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame wsFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func writeSend(t *testing.T, conn *websocket.Conn, env *envelope.Envelope, id string) {
	t.Helper()

	req, err := jsonrpc.NewSendRequest(env, "idem-ws", id)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
}

func TestWSSendAcksBeforeReply(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	env := freshEnvelope(t, envelope.TypeTaskRequest)
	writeSend(t, conn, env, "ws-1")

	// task.request is ack-worthy, so the receipt ack lands before the
	// JSON-RPC result.
	ack := readFrame(t, conn)
	require.Equal(t, jsonrpc.MethodAck, ack.Method)

	var msgAck envelope.MessageAck
	require.NoError(t, json.Unmarshal(ack.Params, &msgAck))
	assert.Equal(t, env.ID, msgAck.OriginalEnvelopeID)
	assert.Equal(t, envelope.AckReceived, msgAck.Status)

	result := readFrame(t, conn)
	require.Nil(t, result.Error)
	assert.Equal(t, `"ws-1"`, string(result.ID))

	var sendResult jsonrpc.SendResult
	require.NoError(t, json.Unmarshal(result.Result, &sendResult))
	require.NotNil(t, sendResult.Envelope)
	assert.Equal(t, envelope.TypeTaskResponse, sendResult.Envelope.PayloadType)
	assert.Equal(t, env.ID, sendResult.Envelope.CorrelationID)
}

func TestWSValidationFailureSendsRejectedAck(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	env, err := envelope.New(
		"urn:asap:agent:caller",
		"urn:asap:agent:test-server",
		envelope.TypeTaskRequest,
		map[string]any{"input": map[string]any{}},
		envelope.WithTimestamp(time.Now().Add(-10*time.Minute)),
	)
	require.NoError(t, err)
	writeSend(t, conn, env, "ws-2")

	received := readFrame(t, conn)
	require.Equal(t, jsonrpc.MethodAck, received.Method)

	rejected := readFrame(t, conn)
	require.Equal(t, jsonrpc.MethodAck, rejected.Method)

	var msgAck envelope.MessageAck
	require.NoError(t, json.Unmarshal(rejected.Params, &msgAck))
	assert.Equal(t, envelope.AckRejected, msgAck.Status)
	assert.NotEmpty(t, msgAck.Error)

	errFrame := readFrame(t, conn)
	require.NotNil(t, errFrame.Error)
	assert.Equal(t, -32602, errFrame.Error.Code)
}

func TestWSMissingHandlerSendsRejectedAck(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	env := freshEnvelope(t, envelope.TypeTaskCancel)
	writeSend(t, conn, env, "ws-3")

	received := readFrame(t, conn)
	require.Equal(t, jsonrpc.MethodAck, received.Method)

	rejected := readFrame(t, conn)
	var msgAck envelope.MessageAck
	require.NoError(t, json.Unmarshal(rejected.Params, &msgAck))
	assert.Equal(t, envelope.AckRejected, msgAck.Status)

	errFrame := readFrame(t, conn)
	require.NotNil(t, errFrame.Error)
	assert.Equal(t, -32601, errFrame.Error.Code)
}

func TestWSNonCriticalPayloadSkipsAck(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.Registry.Register(envelope.TypeTaskUpdate, registry.EchoHandler())
	})
	conn := dialWS(t, ts)

	env := freshEnvelope(t, envelope.TypeTaskUpdate)
	writeSend(t, conn, env, "ws-4")

	frame := readFrame(t, conn)
	assert.Empty(t, frame.Method, "first frame should be the result, not an ack")
	require.Nil(t, frame.Error)
}

func TestWSPingPong(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestWSServerHeartbeat(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	conn := dialWS(t, ts)

	frame := readFrame(t, conn)
	assert.Equal(t, "ping", frame.Type)
}

func TestWSRateLimitClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.WSMessageRate = 1
	})
	conn := dialWS(t, ts)

	var sawRateLimit bool
	for i := 0; i < 10 && !sawRateLimit; i++ {
		writeSend(t, conn, freshEnvelope(t, envelope.TypeTaskRequest), "flood")

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
					"expected close 1008, got %v", err)
				sawRateLimit = true
				break
			}
			var frame wsFrame
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame.Error != nil {
				assert.Equal(t, -32001, frame.Error.Code)
				continue
			}
			if frame.Method == jsonrpc.MethodAck || frame.Result != nil {
				break
			}
		}
	}
	assert.True(t, sawRateLimit, "flooding should trip the per-connection limiter")
}

func TestWSSLASubscribeAndBroadcast(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": jsonrpc.VersionTag,
		"id":      1,
		"method":  jsonrpc.MethodSubscribe,
	}))

	subAck := readFrame(t, conn)
	require.NotNil(t, subAck.Result)
	var subResult map[string]bool
	require.NoError(t, json.Unmarshal(subAck.Result, &subResult))
	assert.True(t, subResult["subscribed"])

	srv.BroadcastSLABreach(map[string]any{"task_id": "t-99", "deadline_ms": 500})

	breach := readFrame(t, conn)
	require.Equal(t, jsonrpc.MethodSLABreach, breach.Method)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(breach.Params, &detail))
	assert.Equal(t, "t-99", detail["task_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": jsonrpc.VersionTag,
		"id":      2,
		"method":  jsonrpc.MethodUnsubscribe,
	}))
	unsubAck := readFrame(t, conn)
	require.NoError(t, json.Unmarshal(unsubAck.Result, &subResult))
	assert.False(t, subResult["subscribed"])

	// After unsubscribing, breaches no longer reach this connection.
	srv.BroadcastSLABreach(map[string]any{"task_id": "t-100"})
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestWSSlowDispatchBroadcastsBreach(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.SLADeadline = 10 * time.Millisecond

		reg := registry.NewRegistry(4)
		reg.Register(envelope.TypeTaskRequest, registry.HandlerFunc(
			func(ctx context.Context, env *envelope.Envelope, manifest *envelope.Manifest) (*envelope.Envelope, error) {
				time.Sleep(30 * time.Millisecond)
				return env.Reply(envelope.TypeTaskResponse, map[string]any{"status": "completed"})
			}))
		cfg.Registry = reg
	})
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": jsonrpc.VersionTag,
		"id":      1,
		"method":  jsonrpc.MethodSubscribe,
	}))
	readFrame(t, conn)

	env := freshEnvelope(t, envelope.TypeTaskRequest)
	writeSend(t, conn, env, "ws-slow")

	var sawBreach bool
	for i := 0; i < 4 && !sawBreach; i++ {
		frame := readFrame(t, conn)
		if frame.Method == jsonrpc.MethodSLABreach {
			var detail map[string]any
			require.NoError(t, json.Unmarshal(frame.Params, &detail))
			assert.Equal(t, env.ID, detail["envelope_id"])
			assert.Equal(t, float64(10), detail["deadline_ms"])
			sawBreach = true
		}
	}
	assert.True(t, sawBreach, "slow dispatch should push an sla.breach notification")
}

func TestWSShutdownSendsGoingAway(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)

	// Make sure the server has registered the connection before draining.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readFrame(t, conn)

	require.NoError(t, srv.Shutdown(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
		"expected close 1001, got %v", err)
}
