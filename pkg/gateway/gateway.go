// Package gateway is the single-port front door: it serves the HTTP API
// and upgrades WebSocket clients on the same listener, dispatches agent
// work to the worker pool, and bridges the speech providers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lily-assistant/lily-core/pkg/agent"
	"github.com/lily-assistant/lily-core/pkg/config"
	"github.com/lily-assistant/lily-core/pkg/memory"
	"github.com/lily-assistant/lily-core/pkg/registry"
	"github.com/lily-assistant/lily-core/pkg/session"
	"github.com/lily-assistant/lily-core/pkg/tts"
)

// Engine runs agent loops.
type Engine interface {
	Run(ctx context.Context, userID, message string) string
	LastLoop() (agent.Loop, bool)
}

// Submitter dispatches closures to the worker pool.
type Submitter interface {
	Submit(fn func()) error
}

// Discovery exposes the registry's view for the monitoring endpoints.
type Discovery interface {
	Services() []registry.ServiceInfo
	ToolsPerServer() map[string][]mcp.Tool
	ToolCount() int
}

// Synthesizer produces audio for a reply.
type Synthesizer interface {
	Synthesize(ctx context.Context, p tts.Params) ([]byte, error)
}

// AudioSink forwards client audio to the STT provider.
type AudioSink interface {
	SendAudio(data []byte) error
	Connected() bool
}

// Deps carries the gateway's collaborators, injected by the composition
// root.
type Deps struct {
	Config   *config.Config
	Engine   Engine
	Pool     Submitter
	Registry Discovery
	Sessions *session.Tracker
	Memory   *memory.Store
	TTS      Synthesizer
	Echo     AudioSink
}

// Gateway serves HTTP and WebSocket traffic on one port.
type Gateway struct {
	cfg      *config.Config
	engine   Engine
	pool     Submitter
	registry Discovery
	sessions *session.Tracker
	memory   *memory.Store
	tts      Synthesizer
	echo     AudioSink

	hub      *hub
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New assembles a Gateway. TTS and Echo may be nil when no provider is
// configured.
func New(deps Deps) *Gateway {
	return &Gateway{
		cfg:      deps.Config,
		engine:   deps.Engine,
		pool:     deps.Pool,
		registry: deps.Registry,
		sessions: deps.Sessions,
		memory:   deps.Memory,
		tts:      deps.TTS,
		echo:     deps.Echo,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Router builds the HTTP mux. Every API route is reachable both bare and
// under /api, and WebSocket upgrades are accepted on / and /ws.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	g.registerRoutes(r)
	r.Route("/api", func(api chi.Router) {
		g.registerRoutes(api)
	})

	r.HandleFunc("/ws", g.handleWebSocket)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			g.handleWebSocket(w, req)
			return
		}
		http.NotFound(w, req)
	})

	return r
}

func (g *Gateway) registerRoutes(r chi.Router) {
	r.Get("/health", g.handleHealth)
	r.Get("/config", g.handleGetConfig)
	r.Post("/config", g.handleUpdateConfig)
	r.Get("/monitoring", g.handleMonitoring)
	r.Get("/tools", g.handleTools)
	r.Get("/active-sessions", g.handleActiveSessions)
	r.Get("/connected-users", g.handleConnectedUsers)
	r.Post("/chat", g.handleChat)
	r.Get("/conversation/{userID}", g.handleGetConversation)
	r.Delete("/conversation/{userID}", g.handleClearConversation)
	r.Get("/agent-loops", g.handleAgentLoops)
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.HTTPAddress(), g.cfg.HTTPPort())
	server := &http.Server{
		Addr:    addr,
		Handler: g.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// SetEcho attaches the STT client after construction; the echo client's
// transcript handler points back at this gateway.
func (g *Gateway) SetEcho(sink AudioSink) {
	g.echo = sink
}

// ConnectedUsers returns the currently registered user ids.
func (g *Gateway) ConnectedUsers() []string {
	return g.hub.userIDs()
}

// BroadcastSessionEvent delivers a session event to the affected user's
// connection, if one is registered. Wired as the session tracker's
// broadcaster.
func (g *Gateway) BroadcastSessionEvent(event map[string]any) {
	userID, _ := event["user_id"].(string)
	if userID == "" {
		return
	}
	c, ok := g.hub.byUser(userID)
	if !ok {
		return
	}
	g.sendJSON(c, event)
}
