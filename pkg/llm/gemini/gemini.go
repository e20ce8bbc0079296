// Package gemini calls Google Gemini through the official genai SDK.
//
// Credentials rotate per request: every Generate call takes the next key
// from the config cursor, and the underlying SDK client for each key is
// created once and cached. Tool declarations are translated from MCP input
// schemas into genai function declarations.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"

	"github.com/lily-assistant/lily-core/pkg/config"
)

// ErrNoAPIKeys is returned when the config holds no Gemini credentials.
var ErrNoAPIKeys = errors.New("no gemini api keys configured")

// requestTimeout caps a single generation call.
const requestTimeout = 30 * time.Second

// generator is the slice of the genai SDK the client depends on.
type generator interface {
	generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// sdkGenerator wraps a real *genai.Client.
type sdkGenerator struct {
	client *genai.Client
}

func (g *sdkGenerator) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.client.Models.GenerateContent(ctx, model, contents, cfg)
}

func newSDKGenerator(key string) (generator, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &sdkGenerator{client: client}, nil
}

// Client is a Gemini client with per-call key rotation.
type Client struct {
	cfg        *config.Config
	newClient  func(key string) (generator, error)
	mu         sync.Mutex
	generators map[string]generator
}

// Option configures a Client.
type Option func(*Client)

// withClientFactory replaces the SDK client constructor, for tests.
func withClientFactory(f func(key string) (generator, error)) Option {
	return func(c *Client) { c.newClient = f }
}

// New creates a Client reading credentials and model from cfg.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		newClient:  newSDKGenerator,
		generators: make(map[string]generator),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate prompts the model and returns the first candidate's text. The
// tool catalog, when non-empty, is attached as function declarations so the
// model sees typed parameter schemas alongside the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, tools []mcp.Tool) (string, error) {
	key := c.cfg.NextKey()
	if key == "" {
		return "", ErrNoAPIKeys
	}

	gen, err := c.generatorFor(key)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}

	// The system prompt is already embedded in the prompt by the agent
	// engine, so no SystemInstruction is set here.
	genCfg := &genai.GenerateContentConfig{}
	if len(tools) > 0 {
		genCfg.Tools = buildTools(tools)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := gen.generate(ctx, c.cfg.GeminiModel(), contents, genCfg)
	if err != nil {
		slog.Warn("Gemini generation failed", "model", c.cfg.GeminiModel(), "error", err)
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}

	text := firstCandidateText(resp)
	if text == "" {
		return "", errors.New("empty response from Gemini")
	}
	return text, nil
}

// generatorFor returns the cached SDK client for a key, creating it on
// first use.
func (c *Client) generatorFor(key string) (generator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen, ok := c.generators[key]; ok {
		return gen, nil
	}
	gen, err := c.newClient(key)
	if err != nil {
		return nil, err
	}
	c.generators[key] = gen
	return gen, nil
}

// buildTools converts MCP tool declarations to Gemini tools.
func buildTools(tools []mcp.Tool) []*genai.Tool {
	var genaiTools []*genai.Tool
	for _, t := range tools {
		genaiTools = append(genaiTools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  inputSchemaToGenai(t.InputSchema),
				},
			},
		})
	}
	return genaiTools
}

// inputSchemaToGenai translates an MCP input schema into a genai schema.
func inputSchemaToGenai(schema mcp.ToolInputSchema) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if schema.Type != "" {
		s.Type = genai.Type(strings.ToUpper(schema.Type))
	}
	if len(schema.Properties) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	s.Required = append(s.Required, schema.Required...)
	return s
}

// toGenaiSchema converts a JSON schema fragment to a genai schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

// firstCandidateText concatenates the plain text parts of the first
// candidate, skipping thought parts.
func firstCandidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
