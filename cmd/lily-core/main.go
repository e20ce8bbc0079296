// Command lily-core runs the orchestration core of the Lily assistant: the
// HTTP/WebSocket gateway, the agent loop engine, and the background tasks
// that keep discovery, sessions, and the speech link alive.
//
// Usage:
//
//	lily-core serve
//	lily-core serve --config lily-config.json --log-level debug
//	lily-core version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/lily-assistant/lily-core/pkg/agent"
	"github.com/lily-assistant/lily-core/pkg/config"
	"github.com/lily-assistant/lily-core/pkg/echo"
	"github.com/lily-assistant/lily-core/pkg/gateway"
	"github.com/lily-assistant/lily-core/pkg/llm/gemini"
	"github.com/lily-assistant/lily-core/pkg/memory"
	"github.com/lily-assistant/lily-core/pkg/registry"
	"github.com/lily-assistant/lily-core/pkg/session"
	"github.com/lily-assistant/lily-core/pkg/tool"
	"github.com/lily-assistant/lily-core/pkg/tts"
	"github.com/lily-assistant/lily-core/pkg/workerpool"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the gateway."`

	Config   string `short:"c" help:"Path to the persisted config file." type:"path" default:"lily-config.json"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("lily-core %s\n", version)
	return nil
}

// ServeCmd starts the gateway and all background tasks.
type ServeCmd struct {
	Watch bool `help:"Watch the config file for changes." default:"true" negatable:""`
}

// serviceEndpoint resolves a speech provider's WebSocket URL, preferring
// the discovered peer of the given Consul service name over the static
// config fallback. Evaluated on every connection attempt, so a provider
// that appears in discovery later is picked up without a restart.
func serviceEndpoint(reg *registry.Registry, name string, fallback func() string) func() string {
	return func() string {
		if url, ok := reg.ServiceWebSocketURL(name); ok {
			return url
		}
		return fallback()
	}
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// Defaults, then environment, then the persisted file.
	cfg := config.New()
	cfg.SetFilePath(cli.Config)
	cfg.LoadEnv()
	if err := cfg.LoadFile(); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	// Components in dependency order.
	mem := memory.NewStore()

	reg, err := registry.New(cfg.ConsulAddress(), cfg.ServiceName())
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	llm := gemini.New(cfg)
	executor := tool.New(reg)
	engine := agent.New(llm, executor, reg, mem, cfg.GeminiSystemPrompt)

	pool := workerpool.New(cfg.MaxConcurrentTasks(), cfg.MaxQueueSize())
	defer pool.Stop()

	ttsClient := tts.New(serviceEndpoint(reg, "tts", cfg.TTSWSURL))

	tracker := session.NewTracker(nil)
	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Engine:   engine,
		Pool:     pool,
		Registry: reg,
		Sessions: tracker,
		Memory:   mem,
		TTS:      ttsClient,
	})
	tracker.SetBroadcaster(gw.BroadcastSessionEvent)

	echoClient := echo.New(serviceEndpoint(reg, "echo", cfg.EchoWSURL), gw.HandleTranscript)
	gw.SetEcho(echoClient)

	host := cfg.DomainName()
	if host == "" {
		host = cfg.HTTPAddress()
	}
	if err := reg.RegisterSelf(registry.Registration{
		Name: cfg.ServiceName(),
		Host: host,
		Port: cfg.HTTPPort(),
		Tags: []string{"hostname=" + host},
	}); err != nil {
		slog.Warn("Consul registration failed, continuing without it", "error", err)
	}
	if err := reg.RegisterSelf(registry.Registration{
		Name: cfg.ServiceName() + "-ws",
		Host: host,
		Port: cfg.HTTPPort(),
		Tags: []string{"hostname=" + host, "websocket"},
	}); err != nil {
		slog.Warn("Consul registration failed, continuing without it", "error", err)
	}
	defer reg.DeregisterSelf()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(ctx) })
	g.Go(func() error { return gw.RunPingSweep(ctx) })
	g.Go(func() error { return reg.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx) })
	g.Go(func() error { return echoClient.Run(ctx) })
	if c.Watch {
		g.Go(func() error { return cfg.Watch(ctx) })
	}

	slog.Info("Lily core started",
		"addr", fmt.Sprintf("%s:%d", cfg.HTTPAddress(), cfg.HTTPPort()),
		"service", cfg.ServiceName())

	return g.Wait()
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("lily-core"),
		kong.Description("Lily assistant orchestration core"),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
