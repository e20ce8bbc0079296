package config

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file if present and applies recognized environment
// variables over the defaults. Called once on startup, before LoadFile.
func (c *Config) LoadEnv() {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env file")
	}

	if v := os.Getenv("LILY_HTTP_ADDRESS"); v != "" {
		c.SetHTTPAddress(v)
	}
	if v := os.Getenv("LILY_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SetHTTPPort(port)
		} else {
			slog.Warn("Invalid LILY_HTTP_PORT, keeping default", "value", v)
		}
	}
	if v := os.Getenv("LILY_WEBSOCKET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SetWebSocketPort(port)
		} else {
			slog.Warn("Invalid LILY_WEBSOCKET_PORT, keeping default", "value", v)
		}
	}
	if v := os.Getenv("CONSUL_HOST"); v != "" {
		c.SetConsulHost(v)
	}
	if v := os.Getenv("CONSUL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SetConsulPort(port)
		} else {
			slog.Warn("Invalid CONSUL_PORT, keeping default", "value", v)
		}
	}
	// CONSUL_HTTP_ADDR takes host:port form and wins over the split vars.
	if v := os.Getenv("CONSUL_HTTP_ADDR"); v != "" {
		host, portStr, err := net.SplitHostPort(strings.TrimPrefix(v, "http://"))
		if err == nil {
			c.SetConsulHost(host)
			if port, err := strconv.Atoi(portStr); err == nil {
				c.SetConsulPort(port)
			}
		} else {
			slog.Warn("Invalid CONSUL_HTTP_ADDR", "value", v, "error", err)
		}
	}
	if v := os.Getenv("LILY_SERVICE_NAME"); v != "" {
		c.SetServiceName(v)
	}
	if v := os.Getenv("DOMAIN_NAME"); v != "" {
		c.SetDomainName(v)
	}
	if v := os.Getenv("GEMINI_API_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		// Direct assignment: env load must not trigger a file save.
		c.mu.Lock()
		c.geminiAPIKeys = keys
		c.keyCursor = 0
		c.mu.Unlock()
	}
	if v := os.Getenv("ECHO_WS_URL"); v != "" {
		c.SetEchoWSURL(v)
	}
	if v := os.Getenv("TTS_PROVIDER_URL"); v != "" {
		c.SetTTSWSURL(v)
	}
}
