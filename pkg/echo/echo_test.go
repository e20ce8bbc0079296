package echo_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-assistant/lily-core/pkg/echo"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type transcriptSink struct {
	mu       sync.Mutex
	messages []echo.Message
}

func (s *transcriptSink) handle(msg echo.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *transcriptSink) snapshot() []echo.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]echo.Message(nil), s.messages...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendAudioAndReceiveTranscripts(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interim","text":"hel"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"final","text":"hello","client_id":"u1"}`))

		msgType, data, err := conn.ReadMessage()
		if err == nil && msgType == websocket.BinaryMessage {
			received <- data
		}
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	sink := &transcriptSink{}
	client := echo.New(
		func() string { return "ws" + strings.TrimPrefix(srv.URL, "http") },
		sink.handle,
		echo.WithReconnectDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, client.Connected)
	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	msgs := sink.snapshot()
	assert.Equal(t, echo.Message{Type: "interim", Text: "hel"}, msgs[0])
	assert.Equal(t, echo.Message{Type: "final", Text: "hello", ClientID: "u1"}, msgs[1])

	require.NoError(t, client.SendAudio([]byte{1, 2, 3}))
	select {
	case data := <-received:
		assert.Equal(t, []byte{1, 2, 3}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("audio chunk never arrived")
	}
}

func TestSendAudioWhileDisconnected(t *testing.T) {
	client := echo.New(func() string { return "" }, nil)
	assert.ErrorIs(t, client.SendAudio([]byte{1}), echo.ErrNotConnected)
}

func TestReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()

		if first {
			conn.Close()
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"final","text":"back"}`))
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	sink := &transcriptSink{}
	client := echo.New(
		func() string { return "ws" + strings.TrimPrefix(srv.URL, "http") },
		sink.handle,
		echo.WithReconnectDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	assert.Equal(t, "back", sink.snapshot()[0].Text)

	mu.Lock()
	assert.GreaterOrEqual(t, conns, 2)
	mu.Unlock()
}
