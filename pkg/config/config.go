// Package config holds the mutable runtime configuration for lily-core.
//
// A single Config value is shared by every component. All reads and writes
// go through accessor methods guarded by one mutex, including the Gemini
// key-rotation cursor, so a NextKey call observes and advances the cursor
// atomically.
//
// Precedence on startup is defaults < environment < persisted file: LoadEnv
// runs once, then LoadFile overrides whatever LLM settings were saved from a
// previous run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilePath is where the LLM settings are persisted between runs.
const DefaultFilePath = "lily-config.json"

// Config is the process-wide configuration store.
type Config struct {
	mu sync.Mutex

	httpAddress   string
	httpPort      int
	websocketPort int

	consulHost  string
	consulPort  int
	serviceName string
	domainName  string

	geminiAPIKeys      []string
	geminiModel        string
	geminiSystemPrompt string
	keyCursor          int

	pingIntervalSec int
	pongTimeoutSec  int

	maxQueueSize       int
	maxConcurrentTasks int

	echoWSURL     string
	ttsWSURL      string
	defaultUserID string

	filePath string
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		httpAddress:        "0.0.0.0",
		httpPort:           8000,
		websocketPort:      9002,
		consulHost:         "localhost",
		consulPort:         8500,
		serviceName:        "lily-core",
		geminiModel:        "gemini-2.5-flash",
		geminiSystemPrompt: "You are Lily, a helpful AI assistant.",
		pingIntervalSec:    30,
		pongTimeoutSec:     60,
		maxQueueSize:       1000,
		maxConcurrentTasks: 10,
		defaultUserID:      "default_user",
		filePath:           DefaultFilePath,
	}
}

func (c *Config) HTTPAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpAddress
}

func (c *Config) SetHTTPAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpAddress = addr
}

func (c *Config) HTTPPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpPort
}

func (c *Config) SetHTTPPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpPort = port
}

func (c *Config) WebSocketPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.websocketPort
}

func (c *Config) SetWebSocketPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.websocketPort = port
}

func (c *Config) ConsulHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consulHost
}

func (c *Config) SetConsulHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consulHost = host
}

func (c *Config) ConsulPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consulPort
}

func (c *Config) SetConsulPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consulPort = port
}

// ConsulAddress returns the coordination-store endpoint as host:port.
func (c *Config) ConsulAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s:%d", c.consulHost, c.consulPort)
}

func (c *Config) ServiceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceName
}

func (c *Config) SetServiceName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceName = name
}

func (c *Config) DomainName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domainName
}

func (c *Config) SetDomainName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domainName = name
}

// GeminiAPIKeys returns a copy of the credential set.
func (c *Config) GeminiAPIKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.geminiAPIKeys))
	copy(keys, c.geminiAPIKeys)
	return keys
}

// SetGeminiAPIKeys replaces the credential set, resets the rotation cursor
// and persists the LLM settings.
func (c *Config) SetGeminiAPIKeys(keys []string) error {
	c.mu.Lock()
	c.geminiAPIKeys = append([]string(nil), keys...)
	c.keyCursor = 0
	c.mu.Unlock()
	return c.SaveFile()
}

// NextKey returns the current Gemini API key and advances the rotation
// cursor. Returns the empty string when no keys are configured.
func (c *Config) NextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.geminiAPIKeys) == 0 {
		return ""
	}
	key := c.geminiAPIKeys[c.keyCursor%len(c.geminiAPIKeys)]
	c.keyCursor = (c.keyCursor + 1) % len(c.geminiAPIKeys)
	return key
}

func (c *Config) GeminiModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geminiModel
}

// SetGeminiModel updates the model identifier and persists the LLM settings.
func (c *Config) SetGeminiModel(model string) error {
	c.mu.Lock()
	c.geminiModel = model
	c.mu.Unlock()
	return c.SaveFile()
}

func (c *Config) GeminiSystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geminiSystemPrompt
}

// SetGeminiSystemPrompt updates the system prompt and persists the LLM
// settings.
func (c *Config) SetGeminiSystemPrompt(prompt string) error {
	c.mu.Lock()
	c.geminiSystemPrompt = prompt
	c.mu.Unlock()
	return c.SaveFile()
}

func (c *Config) PingIntervalSec() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingIntervalSec
}

func (c *Config) SetPingIntervalSec(sec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingIntervalSec = sec
}

func (c *Config) PongTimeoutSec() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongTimeoutSec
}

func (c *Config) SetPongTimeoutSec(sec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongTimeoutSec = sec
}

func (c *Config) MaxQueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxQueueSize
}

func (c *Config) SetMaxQueueSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxQueueSize = size
}

func (c *Config) MaxConcurrentTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConcurrentTasks
}

func (c *Config) SetMaxConcurrentTasks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxConcurrentTasks = n
}

func (c *Config) EchoWSURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echoWSURL
}

func (c *Config) SetEchoWSURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echoWSURL = url
}

func (c *Config) TTSWSURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsWSURL
}

func (c *Config) SetTTSWSURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttsWSURL = url
}

// DefaultUserID is the user id attached to STT-originated chats that carry
// no client id of their own.
func (c *Config) DefaultUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultUserID
}

func (c *Config) SetDefaultUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultUserID = id
}

// SetFilePath overrides where SaveFile and LoadFile operate.
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

func (c *Config) FilePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filePath
}

// persistedConfig is the on-disk shape of the LLM settings.
type persistedConfig struct {
	GeminiAPIKeys      []string `json:"gemini_api_keys"`
	GeminiModel        string   `json:"gemini_model"`
	GeminiSystemPrompt string   `json:"gemini_system_prompt"`
}

// SaveFile writes the LLM settings to the persisted config file.
func (c *Config) SaveFile() error {
	c.mu.Lock()
	p := persistedConfig{
		GeminiAPIKeys:      append([]string(nil), c.geminiAPIKeys...),
		GeminiModel:        c.geminiModel,
		GeminiSystemPrompt: c.geminiSystemPrompt,
	}
	path := c.filePath
	c.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// LoadFile reads the persisted LLM settings. A missing file is not an error;
// the in-memory values are left untouched.
func (c *Config) LoadFile() error {
	c.mu.Lock()
	path := c.filePath
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var p persistedConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(p.GeminiAPIKeys) > 0 {
		c.geminiAPIKeys = p.GeminiAPIKeys
		c.keyCursor = 0
	}
	if p.GeminiModel != "" {
		c.geminiModel = p.GeminiModel
	}
	if p.GeminiSystemPrompt != "" {
		c.geminiSystemPrompt = p.GeminiSystemPrompt
	}
	return nil
}
