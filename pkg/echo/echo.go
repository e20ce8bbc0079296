// Package echo keeps one persistent WebSocket to the speech-to-text
// provider.
//
// Audio chunks forwarded from gateway clients go out as binary frames;
// decoded transcripts come back as text frames and are handed to the
// registered handler. The connection is re-established with a fixed delay
// whenever it drops.
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ErrNotConnected is returned by SendAudio while the link is down.
var ErrNotConnected = errors.New("echo connection is down")

// Message is one decoded transcript frame.
type Message struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// Handler receives every decoded transcript.
type Handler func(Message)

// Client is the persistent STT connection.
type Client struct {
	url            func() string
	handler        Handler
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithReconnectDelay overrides the reconnect pause, for tests.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// New creates a Client. url is read per connection attempt so the endpoint
// can be resolved lazily; handler must be safe for calls from the read
// loop goroutine.
func New(url func() string, handler Handler, opts ...Option) *Client {
	c := &Client{
		url:     url,
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run maintains the connection until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		url := c.url()
		if url == "" {
			slog.Debug("Echo endpoint not yet resolved")
		} else if err := c.connectAndRead(ctx, url); err != nil {
			slog.Warn("Echo connection lost", "url", url, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

// connectAndRead dials once and pumps transcripts until the connection
// drops or the context is cancelled.
func (c *Client) connectAndRead(ctx context.Context, url string) error {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("Echo connected", "url", url)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Unblock the read loop on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Unparseable echo frame", "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// SendAudio forwards one binary audio chunk to the provider.
func (c *Client) SendAudio(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
