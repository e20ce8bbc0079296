// Package tool executes tool calls against discovered MCP servers.
//
// A call is attempted once per server in registry order. The first body
// that looks like a success is returned as-is; every failure is recorded as
// a structured attempt error, and when all servers fail the aggregate is
// returned as an error object rather than a Go error. Execute never fails
// hard: the agent loop always gets a JSON-shaped result to reason about.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lily-assistant/lily-core/pkg/httpclient"
)

// errNoSuccessMarker marks a 200 response whose body carries neither
// status=="success" nor a result or content field.
var errNoSuccessMarker = errors.New("response body carries no success marker")

// ServerSource supplies the MCP endpoints to try, in stable order.
type ServerSource interface {
	MCPServerURLs() []string
}

// AttemptError records one failed attempt against one server.
type AttemptError struct {
	Server     string `json:"server"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	ErrorBody  string `json:"error_body,omitempty"`
	ErrorType  string `json:"error_type"`
}

// Executor fans tool calls out across MCP servers.
type Executor struct {
	servers ServerSource
	http    *httpclient.Client
}

// New creates an Executor reading servers from src. The underlying client
// keeps its 30s timeout and does not retry: a failing server gets exactly
// one attempt per call.
func New(src ServerSource) *Executor {
	return &Executor{
		servers: src,
		http:    httpclient.New(),
	}
}

// Execute invokes the named tool with params. Each known server is tried
// exactly once; the first successful body is returned immediately.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any) map[string]any {
	urls := e.servers.MCPServerURLs()
	if len(urls) == 0 {
		return errorResult(fmt.Sprintf("no MCP servers available for tool '%s'", name), nil)
	}

	var attempts []AttemptError
	for _, url := range urls {
		body, err := e.callServer(ctx, url, name, params)
		if err == nil {
			slog.Info("Tool executed", "tool", name, "server", url)
			return body
		}

		attempt := classifyError(url, err)
		slog.Warn("Tool execution attempt failed",
			"tool", name, "server", url, "error_type", attempt.ErrorType, "error", err)
		attempts = append(attempts, attempt)
	}

	return errorResult(fmt.Sprintf("tool '%s' failed on all %d servers", name, len(urls)), attempts)
}

// callServer issues one JSON-RPC tools/call request and checks the body for
// a success marker.
func (e *Executor) callServer(ctx context.Context, url, name string, params map[string]any) (map[string]any, error) {
	body, err := e.http.PostJSON(ctx, url, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      1,
		"params": map[string]any{
			"name":      name,
			"arguments": params,
		},
	})
	if err != nil {
		return nil, err
	}
	if !isSuccess(body) {
		return nil, errNoSuccessMarker
	}
	return body, nil
}

// isSuccess recognizes the three body shapes MCP servers answer with.
func isSuccess(body map[string]any) bool {
	if status, ok := body["status"].(string); ok && status == "success" {
		return true
	}
	if _, ok := body["result"]; ok {
		return true
	}
	if _, ok := body["content"]; ok {
		return true
	}
	return false
}

// classifyError turns an attempt failure into its structured record.
func classifyError(server string, err error) AttemptError {
	attempt := AttemptError{
		Server:  server,
		Message: err.Error(),
	}

	var statusErr *httpclient.StatusError
	switch {
	case errors.As(err, &statusErr):
		attempt.ErrorType = "http_error"
		attempt.HTTPStatus = statusErr.StatusCode
		attempt.ErrorBody = statusErr.Body
	case errors.Is(err, errNoSuccessMarker):
		attempt.ErrorType = "invalid_response"
	case errors.Is(err, context.DeadlineExceeded):
		attempt.ErrorType = "timeout"
	default:
		attempt.ErrorType = "transport_error"
	}
	return attempt
}

// errorResult shapes the aggregate failure the agent loop feeds back to the
// model.
func errorResult(message string, attempts []AttemptError) map[string]any {
	result := map[string]any{
		"status":  "error",
		"message": message,
	}
	if len(attempts) > 0 {
		details := make([]any, 0, len(attempts))
		for _, a := range attempts {
			detail := map[string]any{
				"server":     a.Server,
				"message":    a.Message,
				"error_type": a.ErrorType,
			}
			if a.HTTPStatus != 0 {
				detail["http_status"] = a.HTTPStatus
			}
			if a.ErrorBody != "" {
				detail["error_body"] = a.ErrorBody
			}
			details = append(details, detail)
		}
		result["error_details"] = details
	}
	return result
}
