// Package tts synthesizes speech through a remote WebSocket provider.
//
// Every synthesis opens a fresh connection: the provider acknowledges the
// request with a status frame, streams the audio as binary frames and
// closes. Failed attempts are retried with a short backoff, and an exchange
// that only produces keepalives is abandoned as hung.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxAttempts   = 3
	retryBackoff  = time.Second
	maxKeepalives = 10
	readTimeout   = 30 * time.Second
)

// ErrSynthesisHung marks an exchange that produced only keepalives.
var ErrSynthesisHung = errors.New("tts exchange hung on keepalives")

// Params describes one synthesis request. Speaker is the provider's
// numeric voice id.
type Params struct {
	Text       string `json:"text"`
	Speaker    int    `json:"speaker"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model"`
	Lang       string `json:"lang"`
}

// statusFrame is the provider's acknowledgement.
type statusFrame struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client synthesizes speech against the configured provider endpoint.
type Client struct {
	url     func() string
	dialer  *websocket.Dialer
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the delay between attempts, for tests.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New creates a Client. url is read per attempt so the endpoint can be
// resolved lazily by the service connector.
func New(url func() string, opts ...Option) *Client {
	c := &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		backoff: retryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize returns the concatenated audio for the given text. Up to
// three attempts are made, each over a fresh connection.
func (c *Client) Synthesize(ctx context.Context, p Params) ([]byte, error) {
	url := c.url()
	if url == "" {
		return nil, errors.New("tts endpoint not configured")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		audio, err := c.attempt(ctx, url, p)
		if err == nil {
			slog.Info("Speech synthesized", "bytes", len(audio), "attempt", attempt)
			return audio, nil
		}
		lastErr = err
		slog.Warn("TTS attempt failed", "url", url, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("tts failed after %d attempts: %w", maxAttempts, lastErr)
}

// attempt runs one full synthesis exchange over its own connection.
func (c *Client) attempt(ctx context.Context, url string, p Params) ([]byte, error) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	keepalives := 0
	conn.SetPingHandler(func(appData string) error {
		keepalives++
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		keepalives++
		return nil
	})

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	accepted := false
	var audio []byte
	for {
		if keepalives > maxKeepalives {
			return nil, ErrSynthesisHung
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// A close after the audio stream ends the exchange normally;
			// a close before acceptance is a failure.
			if accepted && isExpectedClose(err) {
				return audio, nil
			}
			return nil, fmt.Errorf("connection closed before synthesis completed: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			if isKeepaliveFrame(data) {
				keepalives++
				continue
			}
			var status statusFrame
			if err := json.Unmarshal(data, &status); err != nil {
				return nil, fmt.Errorf("unparseable status frame: %w", err)
			}
			if status.Status != "success" {
				return nil, fmt.Errorf("synthesis rejected: %s %s", status.Status, status.Message)
			}
			accepted = true

		case websocket.BinaryMessage:
			if !accepted {
				return nil, errors.New("audio received before status frame")
			}
			audio = append(audio, data...)
		}
	}
}

// isKeepaliveFrame recognizes text-level ping/pong frames some providers
// interleave with the audio stream.
func isKeepaliveFrame(data []byte) bool {
	s := string(data)
	return s == "ping" || s == "pong"
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
