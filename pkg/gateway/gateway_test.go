package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-assistant/lily-core/pkg/agent"
	"github.com/lily-assistant/lily-core/pkg/config"
	"github.com/lily-assistant/lily-core/pkg/echo"
	"github.com/lily-assistant/lily-core/pkg/memory"
	"github.com/lily-assistant/lily-core/pkg/registry"
	"github.com/lily-assistant/lily-core/pkg/session"
	"github.com/lily-assistant/lily-core/pkg/tts"
	"github.com/lily-assistant/lily-core/pkg/workerpool"
)

func workerPoolFullErr() error { return workerpool.ErrQueueFull }

func echoMessage(msgType, text, clientID string) echo.Message {
	return echo.Message{Type: msgType, Text: text, ClientID: clientID}
}

// fakeEngine answers with a fixed transform of the message.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	cancelable []bool
	last       *agent.Loop
}

func (e *fakeEngine) Run(ctx context.Context, userID, message string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, userID+":"+message)
	e.cancelable = append(e.cancelable, ctx.Done() != nil)
	e.last = &agent.Loop{ID: "loop-1", UserID: userID, UserMessage: message, Completed: true}
	return "echo " + message
}

func (e *fakeEngine) LastLoop() (agent.Loop, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return agent.Loop{}, false
	}
	return *e.last, true
}

// syncPool runs submissions inline; err, when set, is returned instead.
type syncPool struct {
	err error
}

func (p *syncPool) Submit(fn func()) error {
	if p.err != nil {
		return p.err
	}
	go fn()
	return nil
}

type fakeDiscovery struct{}

func (fakeDiscovery) Services() []registry.ServiceInfo {
	return []registry.ServiceInfo{{Name: "weather", HTTPURL: "https://weather.example.com/api", MCP: true}}
}

func (fakeDiscovery) ToolsPerServer() map[string][]mcp.Tool {
	return map[string][]mcp.Tool{
		"https://weather.example.com/mcp": {{Name: "get_weather", Description: "Current weather"}},
	}
}

func (fakeDiscovery) ToolCount() int { return 1 }

type fakeSynth struct {
	audio []byte
	err   error
}

func (s *fakeSynth) Synthesize(_ context.Context, p tts.Params) ([]byte, error) {
	return s.audio, s.err
}

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *fakeSink) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, data)
	return nil
}

func (s *fakeSink) Connected() bool { return true }

func newTestGateway(t *testing.T) (*Gateway, *fakeEngine, *syncPool) {
	t.Helper()
	cfg := config.New()
	cfg.SetFilePath(t.TempDir() + "/lily-config.json")

	engine := &fakeEngine{}
	pool := &syncPool{}
	g := New(Deps{
		Config:   cfg,
		Engine:   engine,
		Pool:     pool,
		Registry: fakeDiscovery{},
		Sessions: session.NewTracker(nil),
		Memory:   memory.NewStore(),
		TTS:      &fakeSynth{audio: []byte("wav")},
		Echo:     &fakeSink{},
	})
	return g, engine, pool
}

func getJSON(t *testing.T, srv *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthBareAndAPIPrefixed(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	assert.Equal(t, "UP", getJSON(t, srv, "/health")["status"])
	assert.Equal(t, "UP", getJSON(t, srv, "/api/health")["status"])
}

func TestConfigMasking(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.cfg.SetGeminiAPIKeys([]string{"AIzaSyExample1234", "ab"}))
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	body := getJSON(t, srv, "/config")
	keys := body["gemini_api_keys"].([]any)
	require.Len(t, keys, 2)
	assert.Equal(t, "...1234", keys[0])
	assert.Equal(t, "...ab", keys[1])
	assert.EqualValues(t, 2, body["key_count"])
	assert.Equal(t, "gemini-2.5-flash", body["gemini_model"])
}

func TestConfigPartialUpdate(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	payload := `{"gemini_model":"gemini-2.0-pro"}`
	resp, err := http.Post(srv.URL+"/config", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "gemini-2.0-pro", g.cfg.GeminiModel())
	// Untouched fields keep their values.
	assert.Equal(t, config.New().GeminiSystemPrompt(), g.cfg.GeminiSystemPrompt())
}

func TestChatDeferredResponse(t *testing.T) {
	g, engine, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"message":"hi","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "echo hi", body["response"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotContains(t, body, "audio")

	engine.mu.Lock()
	assert.Equal(t, []string{"u1:hi"}, engine.calls)
	// The agent job must not be tied to the request context, or a client
	// disconnect would cancel the in-flight loop.
	assert.Equal(t, []bool{false}, engine.cancelable)
	engine.mu.Unlock()
}

func TestChatRejectsMissingFields(t *testing.T) {
	g, engine, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	for _, payload := range []string{
		`{"message":"hi"}`,
		`{"user_id":"u1"}`,
	} {
		resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
	}

	engine.mu.Lock()
	assert.Empty(t, engine.calls)
	engine.mu.Unlock()
}

func TestChatWithTTS(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	payload := `{"message":"hi","user_id":"u1","tts":{"enabled":true,"params":{"speaker":1,"sample_rate":22050,"model":"v4","lang":"ru"}}}`
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "echo hi", body["response"])
	assert.NotEmpty(t, body["audio"])
}

func TestChatTTSFailureFallsBackToText(t *testing.T) {
	g, _, _ := newTestGateway(t)
	g.tts = &fakeSynth{err: fmt.Errorf("provider down")}
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	payload := `{"message":"hi","user_id":"u1","tts":{"enabled":true}}`
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "echo hi", body["response"])
	assert.NotContains(t, body, "audio")
}

func TestChatQueueFull(t *testing.T) {
	g, _, pool := newTestGateway(t)
	pool.err = workerPoolFullErr()
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"message":"hi","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	g, _, _ := newTestGateway(t)
	g.memory.Append("u1", "user", "hi")
	g.memory.Append("u1", "assistant", "hello")
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	body := getJSON(t, srv, "/conversation/u1")
	assert.Equal(t, "u1", body["user_id"])
	assert.Len(t, body["messages"].([]any), 2)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/conversation/u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = getJSON(t, srv, "/conversation/u1")
	assert.Empty(t, body["messages"])
}

func TestAgentLoopsEndpoint(t *testing.T) {
	g, engine, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	assert.Nil(t, getJSON(t, srv, "/agent-loops")["loop"])

	engine.Run(context.Background(), "u1", "hi")
	loop := getJSON(t, srv, "/agent-loops")["loop"].(map[string]any)
	assert.Equal(t, "loop-1", loop["id"])
	assert.Equal(t, "u1", loop["user_id"])
}

func TestMonitoringAndTools(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	mon := getJSON(t, srv, "/monitoring")
	assert.Equal(t, "UP", mon["status"])
	assert.EqualValues(t, 1, mon["tool_count"])
	assert.Equal(t, true, mon["echo_connected"])

	tools := getJSON(t, srv, "/tools")
	servers := tools["servers"].(map[string]any)
	require.Contains(t, servers, "https://weather.example.com/mcp")
}

func TestCORSPreflight(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

// --- WebSocket ---

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return data
}

func TestWSRegisterPingAndChat(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("register:u2")))
	assert.Equal(t, "registered", string(readText(t, ws)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", string(readText(t, ws)))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","user_id":"u2","text":"hi"}`)))

	var reply map[string]any
	require.NoError(t, json.Unmarshal(readText(t, ws), &reply))
	assert.Equal(t, "response", reply["type"])
	assert.Equal(t, "u2", reply["user_id"])
	assert.Equal(t, "echo hi", reply["text"])
}

func TestWSSessionLifecycle(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("register:u3"))
	readText(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_start","user_id":"u3","text":"hello"}`))
	var reply map[string]any
	require.NoError(t, json.Unmarshal(readText(t, ws), &reply))
	assert.Equal(t, "session_start", reply["type"])
	assert.True(t, g.sessions.IsActive("u3"))

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_end","user_id":"u3","text":"bye"}`))
	require.NoError(t, json.Unmarshal(readText(t, ws), &reply))
	assert.Equal(t, "session_end", reply["type"])

	// Session.end runs after the reply is sent.
	deadline := time.Now().Add(time.Second)
	for g.sessions.IsActive("u3") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, g.sessions.IsActive("u3"))
}

func TestWSQueueFullError(t *testing.T) {
	g, _, pool := newTestGateway(t)
	pool.err = workerPoolFullErr()
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte(`{"user_id":"u4","text":"hi"}`))
	var reply map[string]any
	require.NoError(t, json.Unmarshal(readText(t, ws), &reply))
	assert.Equal(t, "error", reply["type"])
}

func TestWSBinaryForwardsToEcho(t *testing.T) {
	g, _, _ := newTestGateway(t)
	sink := g.echo.(*fakeSink)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{9, 9, 9}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.chunks)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.chunks, 1)
	assert.Equal(t, []byte{9, 9, 9}, sink.chunks[0])
}

func TestBroadcastSessionEvent(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()
	ws.WriteMessage(websocket.TextMessage, []byte("register:u5"))
	readText(t, ws)

	g.BroadcastSessionEvent(map[string]any{"type": "session_expired", "user_id": "u5"})

	var event map[string]any
	require.NoError(t, json.Unmarshal(readText(t, ws), &event))
	assert.Equal(t, "session_expired", event["type"])
}

func TestSweepClosesStaleConnections(t *testing.T) {
	g, _, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()
	ws.WriteMessage(websocket.TextMessage, []byte("register:u6"))
	readText(t, ws)

	// Jump past the pong timeout so the next sweep sees a stale client.
	g.now = func() time.Time {
		return time.Now().Add(time.Duration(g.cfg.PongTimeoutSec()+1) * time.Second)
	}
	g.sweepConnections()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	assert.Empty(t, g.hub.userIDs())
}

func TestHandleTranscriptForwarding(t *testing.T) {
	g, engine, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()
	ws.WriteMessage(websocket.TextMessage, []byte("register:u7"))
	readText(t, ws)

	// Addressed frames reach the registered client as prefixed text frames.
	g.HandleTranscript(echoMessage("interim", "hel", "u7"))
	raw := string(readText(t, ws))
	require.True(t, strings.HasPrefix(raw, "transcription:"), raw)
	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(raw, "transcription:")), &frame))
	assert.Equal(t, "interim", frame["type"])
	assert.Equal(t, "hel", frame["text"])

	// Unaddressed finals become chat input for the default user.
	g.HandleTranscript(echoMessage("final", "turn on the lights", ""))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		n := len(engine.calls)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.calls, 1)
	assert.Equal(t, "default_user:turn on the lights", engine.calls[0])
}

func TestInvalidJSONFrameDropped(t *testing.T) {
	g, engine, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	ws := dialWS(t, srv, "/ws")
	defer ws.Close()

	// A malformed frame produces no reply; the connection stays usable
	// and the next frame is answered as usual.
	ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ws.WriteMessage(websocket.TextMessage, []byte("ping"))
	assert.Equal(t, "pong", string(readText(t, ws)))

	engine.mu.Lock()
	assert.Empty(t, engine.calls)
	engine.mu.Unlock()
}
