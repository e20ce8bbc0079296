package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lily-assistant/lily-core/pkg/echo"
	"github.com/lily-assistant/lily-core/pkg/workerpool"
)

// wsMessage is the JSON envelope WS clients speak after registration.
type wsMessage struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

const registerPrefix = "register:"

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, g.now())
	g.hub.add(c)
	ws.SetPongHandler(func(string) error {
		c.touchPong(g.now())
		return nil
	})
	slog.Info("WebSocket client connected", "remote", ws.RemoteAddr())

	defer func() {
		g.hub.remove(c)
		ws.Close()
		slog.Info("WebSocket client disconnected", "remote", ws.RemoteAddr(), "user_id", c.user())
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			g.handleTextFrame(c, data)
		case websocket.BinaryMessage:
			g.handleAudioFrame(c, data)
		}
	}
}

// handleTextFrame dispatches one inbound text frame: the register
// handshake, the text-level ping, or a JSON chat message.
func (g *Gateway) handleTextFrame(c *conn, data []byte) {
	text := string(data)

	if strings.HasPrefix(text, registerPrefix) {
		userID := strings.TrimSpace(strings.TrimPrefix(text, registerPrefix))
		if userID == "" {
			return
		}
		g.hub.register(userID, c)
		c.writeText([]byte("registered"))
		slog.Info("WebSocket client registered", "user_id", userID)
		return
	}

	if text == "ping" {
		c.writeText([]byte("pong"))
		return
	}

	// Malformed frames are logged and dropped, not answered.
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Dropping unparseable WebSocket frame", "user_id", c.user(), "error", err)
		return
	}
	g.routeMessage(c, msg)
}

// routeMessage submits the agent work for one chat message and arranges
// the correlated reply.
func (g *Gateway) routeMessage(c *conn, msg wsMessage) {
	userID := msg.UserID
	if userID == "" {
		userID = c.user()
	}
	if userID == "" {
		userID = g.cfg.DefaultUserID()
	}

	replyType := "response"
	switch msg.Type {
	case "session_start":
		g.sessions.Start(userID)
		replyType = "session_start"
	case "session_end":
		replyType = "session_end"
	default:
		g.sessions.Touch(userID)
	}

	text := msg.Text
	err := g.pool.Submit(func() {
		response := g.engine.Run(context.Background(), userID, text)

		// The reply goes to whichever connection holds the user id when
		// the job completes, not necessarily the submitting one.
		if target, ok := g.hub.byUser(userID); ok {
			g.sendJSON(target, map[string]any{
				"type":    replyType,
				"user_id": userID,
				"text":    response,
			})
		} else {
			slog.Debug("Dropping reply for disconnected user", "user_id", userID)
		}

		if msg.Type == "session_end" {
			g.sessions.End(userID)
		}
	})
	if err != nil {
		if errors.Is(err, workerpool.ErrQueueFull) {
			slog.Warn("Worker queue full, rejecting WebSocket message", "user_id", userID)
		}
		g.sendJSON(c, map[string]any{"type": "error", "user_id": userID, "message": "server busy, try again later"})
	}
}

// handleAudioFrame forwards client audio to the STT provider.
func (g *Gateway) handleAudioFrame(c *conn, data []byte) {
	if g.echo == nil {
		return
	}
	if err := g.echo.SendAudio(data); err != nil {
		slog.Warn("Failed to forward audio", "user_id", c.user(), "error", err)
	}
}

// HandleTranscript receives decoded speech from the Echo client. Frames
// addressed to a client id are forwarded to that connection; a final
// transcript without an address becomes a chat message from the default
// user.
func (g *Gateway) HandleTranscript(msg echo.Message) {
	if msg.ClientID != "" {
		if c, ok := g.hub.byUser(msg.ClientID); ok {
			g.sendTranscription(c, msg)
		}
		return
	}

	if msg.Type == "final" && msg.Text != "" {
		userID := g.cfg.DefaultUserID()
		g.routeMessage(&conn{}, wsMessage{UserID: userID, Text: msg.Text})
	}
}

// sendTranscription writes a transcript as a "transcription:"-prefixed
// text frame, the shape speech-aware clients listen for.
func (g *Gateway) sendTranscription(c *conn, msg echo.Message) {
	payload, err := json.Marshal(map[string]any{
		"type": msg.Type,
		"text": msg.Text,
	})
	if err != nil {
		slog.Error("Failed to marshal transcription", "error", err)
		return
	}
	if err := c.writeText(append([]byte("transcription:"), payload...)); err != nil {
		slog.Debug("Failed to write transcription", "error", err)
	}
}

// RunPingSweep pings every connection on the configured interval and
// closes those whose last pong is older than the timeout.
func (g *Gateway) RunPingSweep(ctx context.Context) error {
	interval := time.Duration(g.cfg.PingIntervalSec()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.sweepConnections()
		}
	}
}

func (g *Gateway) sweepConnections() {
	timeout := time.Duration(g.cfg.PongTimeoutSec()) * time.Second
	now := g.now()

	for _, c := range g.hub.snapshot() {
		if c.pongAge(now) > timeout {
			slog.Info("Closing unresponsive WebSocket client", "user_id", c.user())
			c.closePolicyViolation("pong timeout")
			g.hub.remove(c)
			continue
		}
		if err := c.writePing(now.Add(time.Second)); err != nil {
			g.hub.remove(c)
		}
	}
}

func (g *Gateway) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return
	}
	if err := c.writeText(data); err != nil {
		slog.Debug("Failed to write frame", "error", err)
	}
}
