// Package agent runs the iterative reason-act loop that drives the LLM to
// pick tools and eventually emit a final response.
//
// The model speaks a line protocol: each reply either starts with
// TOOL_CALL: followed by a JSON object, or FINAL_RESPONSE: followed by the
// answer text. Anything else is treated as thinking out loud and the loop
// re-prompts. Every run is recorded as a sequence of typed steps and kept
// in a small per-user history.
package agent

import (
	"time"
)

// StepType classifies one step of an agent loop.
type StepType string

const (
	StepThinking StepType = "THINKING"
	StepToolCall StepType = "TOOL_CALL"
	StepResponse StepType = "RESPONSE"
)

// Step is one recorded iteration of a loop.
type Step struct {
	Number          int            `json:"step_number"`
	Type            StepType       `json:"type"`
	Reasoning       string         `json:"reasoning"`
	ToolName        string         `json:"tool_name,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ToolResult      map[string]any `json:"tool_result,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// Loop is the full record of one agent run.
type Loop struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	UserMessage     string    `json:"user_message"`
	Steps           []Step    `json:"steps"`
	FinalResponse   string    `json:"final_response"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	Completed       bool      `json:"completed"`
}

// toolCall is the JSON payload after the TOOL_CALL: prefix.
type toolCall struct {
	ToolName   string         `json:"tool_name"`
	Reasoning  string         `json:"reasoning"`
	Parameters map[string]any `json:"parameters"`
}
