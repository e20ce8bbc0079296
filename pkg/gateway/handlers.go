package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lily-assistant/lily-core/pkg/tts"
	"github.com/lily-assistant/lily-core/pkg/workerpool"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "UP"})
}

// handleGetConfig exposes a masked view: keys are reduced to their last
// four characters.
func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	keys := g.cfg.GeminiAPIKeys()
	masked := make([]string, 0, len(keys))
	for _, key := range keys {
		masked = append(masked, maskKey(key))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"gemini_api_keys":      masked,
		"key_count":            len(keys),
		"gemini_model":         g.cfg.GeminiModel(),
		"gemini_system_prompt": g.cfg.GeminiSystemPrompt(),
	})
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "..." + key
	}
	return "..." + key[len(key)-4:]
}

// handleUpdateConfig applies a partial update of the LLM fields. Each
// setter persists the file on change.
func (g *Gateway) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GeminiAPIKeys      *[]string `json:"gemini_api_keys"`
		GeminiModel        *string   `json:"gemini_model"`
		GeminiSystemPrompt *string   `json:"gemini_system_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.GeminiAPIKeys != nil {
		if err := g.cfg.SetGeminiAPIKeys(*req.GeminiAPIKeys); err != nil {
			slog.Error("Failed to persist config", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}
	if req.GeminiModel != nil {
		if err := g.cfg.SetGeminiModel(*req.GeminiModel); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}
	if req.GeminiSystemPrompt != nil {
		if err := g.cfg.SetGeminiSystemPrompt(*req.GeminiSystemPrompt); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (g *Gateway) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	echoConnected := false
	if g.echo != nil {
		echoConnected = g.echo.Connected()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "UP",
		"active_sessions": len(g.sessions.List()),
		"connected_users": len(g.hub.userIDs()),
		"connections":     g.hub.count(),
		"tool_count":      g.registry.ToolCount(),
		"services":        g.registry.Services(),
		"echo_connected":  echoConnected,
		"timestamp":       g.now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": g.registry.ToolsPerServer(),
		"count":   g.registry.ToolCount(),
	})
}

func (g *Gateway) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": g.sessions.List()})
}

func (g *Gateway) handleConnectedUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": g.hub.userIDs()})
}

// chatRequest is the /chat body.
type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
	TTS     *struct {
		Enabled bool       `json:"enabled"`
		Params  tts.Params `json:"params"`
	} `json:"tts"`
}

// handleChat defers the HTTP response until the agent job completes on the
// worker pool; the handler goroutine parks on the done channel meanwhile.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	userID := req.UserID
	g.sessions.Touch(userID)

	// The agent job must not inherit the request context: a client that
	// disconnects while waiting would otherwise cancel the in-flight loop.
	done := make(chan string, 1)
	err := g.pool.Submit(func() {
		done <- g.engine.Run(context.Background(), userID, req.Message)
	})
	if err != nil {
		if errors.Is(err, workerpool.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "server busy, try again later")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to schedule request")
		return
	}

	response := <-done
	body := map[string]any{
		"response":  response,
		"timestamp": g.now().UTC().Format(time.RFC3339),
	}

	if req.TTS != nil && req.TTS.Enabled && g.tts != nil {
		params := req.TTS.Params
		params.Text = response
		audio, err := g.tts.Synthesize(r.Context(), params)
		if err != nil {
			// Text-only fallback.
			slog.Warn("TTS failed, replying text-only", "user_id", userID, "error", err)
		} else {
			body["audio"] = base64.StdEncoding.EncodeToString(audio)
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"messages": g.memory.Get(userID),
	})
}

func (g *Gateway) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	g.memory.Clear(userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": "cleared"})
}

func (g *Gateway) handleAgentLoops(w http.ResponseWriter, r *http.Request) {
	loop, ok := g.engine.LastLoop()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"loop": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loop": loop})
}
