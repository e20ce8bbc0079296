package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lily-assistant/lily-core/pkg/memory"
)

const (
	// MaxSteps is the safety ceiling; a loop that reaches it aborts with
	// a canned apology instead of spinning forever.
	MaxSteps = 20

	// LoopHistorySize caps the per-user loop ring buffer.
	LoopHistorySize = 10

	abortResponse = "I'm having trouble processing this request. Please try again with a simpler question."

	toolCallPrefix      = "TOOL_CALL:"
	finalResponsePrefix = "FINAL_RESPONSE:"
)

// LLM produces one model reply for a prompt and tool catalog.
type LLM interface {
	Generate(ctx context.Context, prompt string, tools []mcp.Tool) (string, error)
}

// ToolExecutor runs one tool call and always returns a JSON-shaped result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) map[string]any
}

// Catalog supplies the current tool set.
type Catalog interface {
	Tools() []mcp.Tool
}

// Engine executes agent loops and retains their step records.
type Engine struct {
	llm          LLM
	executor     ToolExecutor
	catalog      Catalog
	memory       *memory.Store
	systemPrompt func() string
	now          func() time.Time

	mu    sync.RWMutex
	loops map[string][]*Loop
	last  *Loop
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow replaces the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. systemPrompt is read per run so config updates
// take effect without restarting.
func New(llm LLM, executor ToolExecutor, catalog Catalog, mem *memory.Store, systemPrompt func() string, opts ...Option) *Engine {
	e := &Engine{
		llm:          llm,
		executor:     executor,
		catalog:      catalog,
		memory:       mem,
		systemPrompt: systemPrompt,
		now:          time.Now,
		loops:        make(map[string][]*Loop),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one agent loop for a user message and returns the final
// response text. The loop itself never fails: protocol violations and
// remote errors degrade into THINKING steps until the model recovers or
// the step ceiling aborts the run.
func (e *Engine) Run(ctx context.Context, userID, message string) string {
	loop := &Loop{
		ID:          uuid.NewString(),
		UserID:      userID,
		UserMessage: message,
		StartTime:   e.now(),
	}

	promptContext := e.buildContext(userID, message)
	tools := e.catalog.Tools()

	slog.Info("Agent loop started", "loop_id", loop.ID, "user_id", userID, "tools", len(tools))

	done := false
	for step := 1; !done; {
		stepStart := e.now()
		text, err := e.llm.Generate(ctx, buildPrompt(promptContext, tools), tools)
		if err != nil {
			e.appendStep(loop, step, stepStart, Step{
				Type:      StepThinking,
				Reasoning: fmt.Sprintf("LLM call failed: %v", err),
			})
			step++
		} else {
			text = strings.TrimSpace(text)
			switch {
			case strings.HasPrefix(text, toolCallPrefix):
				step = e.runToolStep(ctx, loop, step, stepStart, text, &promptContext)

			case strings.HasPrefix(text, finalResponsePrefix):
				e.appendStep(loop, step, stepStart, Step{
					Type:      StepResponse,
					Reasoning: "Decided to provide direct response",
				})
				loop.FinalResponse = strings.TrimSpace(strings.TrimPrefix(text, finalResponsePrefix))
				done = true

			default:
				e.appendStep(loop, step, stepStart, Step{
					Type:      StepThinking,
					Reasoning: text,
				})
				step++
			}
		}

		if !done && step > MaxSteps {
			slog.Warn("Agent loop hit step ceiling", "loop_id", loop.ID, "user_id", userID)
			loop.FinalResponse = abortResponse
			done = true
		}
	}

	loop.EndTime = e.now()
	loop.DurationSeconds = loop.EndTime.Sub(loop.StartTime).Seconds()
	loop.Completed = true

	e.memory.Append(userID, "user", message)
	e.memory.Append(userID, "assistant", loop.FinalResponse)
	e.record(userID, loop)

	slog.Info("Agent loop completed",
		"loop_id", loop.ID, "user_id", userID,
		"steps", len(loop.Steps), "duration_seconds", loop.DurationSeconds)
	return loop.FinalResponse
}

// runToolStep handles one TOOL_CALL: reply and returns the next step
// number. A malformed JSON payload degrades into a THINKING step.
func (e *Engine) runToolStep(ctx context.Context, loop *Loop, step int, start time.Time, text string, promptContext *string) int {
	payload := strings.TrimSpace(strings.TrimPrefix(text, toolCallPrefix))

	var call toolCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil || call.ToolName == "" {
		if err == nil {
			err = fmt.Errorf("missing tool_name")
		}
		e.appendStep(loop, step, start, Step{
			Type:      StepThinking,
			Reasoning: fmt.Sprintf("Error parsing tool call: %v", err),
		})
		return step + 1
	}

	result := e.executor.Execute(ctx, call.ToolName, call.Parameters)
	e.appendStep(loop, step, start, Step{
		Type:       StepToolCall,
		Reasoning:  call.Reasoning,
		ToolName:   call.ToolName,
		Parameters: call.Parameters,
		ToolResult: result,
	})

	serialized, err := json.Marshal(result)
	if err != nil {
		serialized = []byte(`{"status":"error","message":"unserializable tool result"}`)
	}
	*promptContext += "\nTool execution result: " + string(serialized)
	return step + 1
}

// appendStep stamps the step with its number, completion time and the
// elapsed time since start, then records it on the loop.
func (e *Engine) appendStep(loop *Loop, number int, start time.Time, step Step) {
	step.Number = number
	step.Timestamp = e.now()
	step.DurationSeconds = step.Timestamp.Sub(start).Seconds()
	loop.Steps = append(loop.Steps, step)
}

// buildContext assembles system prompt, conversation history and the
// current message into the running context string.
func (e *Engine) buildContext(userID, message string) string {
	var b strings.Builder
	if sys := e.systemPrompt(); sys != "" {
		b.WriteString(sys)
		b.WriteString("\n")
	}
	for _, msg := range e.memory.Get(userID) {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\nCurrent user message: ")
	b.WriteString(message)
	return b.String()
}

// buildPrompt composes the per-iteration prompt: role, context, tool list
// and the reply protocol the model must follow.
func buildPrompt(promptContext string, tools []mcp.Tool) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant that can use tools to answer questions.\n\n")
	b.WriteString(promptContext)
	b.WriteString("\n\n")

	if len(tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("Reply with exactly one of:\n")
	b.WriteString(`TOOL_CALL:{"tool_name": "...", "reasoning": "...", "parameters": {...}}`)
	b.WriteString("\nFINAL_RESPONSE: your answer to the user\n")
	return b.String()
}

// record pushes a finished loop into the user's ring buffer.
func (e *Engine) record(userID string, loop *Loop) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loops := append(e.loops[userID], loop)
	if len(loops) > LoopHistorySize {
		loops = loops[len(loops)-LoopHistorySize:]
	}
	e.loops[userID] = loops
	e.last = loop
}

// Loops returns a snapshot of the user's recorded loops, oldest first.
func (e *Engine) Loops(userID string) []Loop {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Loop, 0, len(e.loops[userID]))
	for _, loop := range e.loops[userID] {
		out = append(out, *loop)
	}
	return out
}

// LastLoop returns the most recently completed loop across all users, or
// false when none has run yet.
func (e *Engine) LastLoop() (Loop, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Loop{}, false
	}
	return *e.last, true
}
