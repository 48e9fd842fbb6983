// Package config provides application settings loaded from an optional
// YAML file and environment variables.
//
// Settings are created via Load() which handles:
// - Default value application
// - YAML file parsing
// - Environment variable overrides with validation

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/richinex/conductor/chatcontext"
	"github.com/richinex/conductor/internal/logger"
	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/mcp"
	"github.com/richinex/conductor/tools"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment variable read by Load.
const envPrefix = "CONDUCTOR_"

// Settings holds all application configuration.
type Settings struct {
	HTTP    HTTPConfig       `yaml:"http"`
	Log     LogConfig        `yaml:"log"`
	LLM     LLMConfig        `yaml:"llm"`
	Runs    RunConfig        `yaml:"runs"`
	Tools   ToolConfig       `yaml:"tools"`
	Context ContextConfig    `yaml:"context"`
	Servers []UpstreamConfig `yaml:"servers"`

	// MCPConfigPath points at an Anthropic-style JSON file. Its servers are
	// merged with MCPServers; inline entries win.
	MCPConfigPath string                      `yaml:"mcpConfig"`
	MCPServers    map[string]mcp.ServerConfig `yaml:"mcpServers"`
}

// HTTPConfig holds API server configuration.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LLMConfig holds completion client configuration shared by all servers.
type LLMConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	HealthInterval time.Duration `yaml:"healthInterval"`
}

// RunConfig holds orchestrator limits.
type RunConfig struct {
	MaxConcurrent      int  `yaml:"maxConcurrent"`
	CompleteOnMaxTurns bool `yaml:"completeOnMaxTurns"`
	AutoConfirm        bool `yaml:"autoConfirm"`
	EventBuffer        int  `yaml:"eventBuffer"`
}

// ToolConfig holds tool execution configuration.
type ToolConfig struct {
	TimeoutMs     int      `yaml:"timeoutMs"`
	MaxConcurrent int      `yaml:"maxConcurrent"`
	MaxRetries    int      `yaml:"maxRetries"`
	RatePerSecond float64  `yaml:"ratePerSecond"`
	RateBurst     int      `yaml:"rateBurst"`
	EnableHTTPGet bool     `yaml:"enableHttpGet"`
	HTTPDomains   []string `yaml:"httpAllowedDomains"`
}

// ContextConfig holds context window configuration. MaxTokens zero
// disables windowing.
type ContextConfig struct {
	MaxTokens         int    `yaml:"maxTokens"`
	Strategy          string `yaml:"strategy"`
	MinMessages       int    `yaml:"minMessages"`
	KeepSystemMessage bool   `yaml:"keepSystemMessage"`
}

// UpstreamConfig is one completion server known at startup.
type UpstreamConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:  LogConfig{Level: "info"},
		LLM: LLMConfig{
			Timeout:        llm.DefaultTimeout,
			MaxAttempts:    llm.DefaultMaxAttempts,
			RetryDelay:     llm.DefaultRetryDelay,
			HealthInterval: 30 * time.Second,
		},
		Runs: RunConfig{MaxConcurrent: 5, EventBuffer: 64},
		Tools: ToolConfig{
			TimeoutMs:     tools.DefaultTimeoutMs,
			MaxConcurrent: tools.DefaultMaxConcurrent,
			RateBurst:     1,
		},
		Context: ContextConfig{
			Strategy:          string(chatcontext.TruncateOldest),
			MinMessages:       4,
			KeepSystemMessage: true,
		},
	}
}

// Load builds settings from defaults, the YAML file at path (skipped when
// path is empty) and CONDUCTOR_* environment variables, in that order.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := settings.applyEnv(); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// MustLoad is Load that panics on error.
// Use this only when configuration errors should be fatal.
func MustLoad(path string) Settings {
	settings, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

func (s *Settings) applyEnv() error {
	var err error
	s.HTTP.Addr = getEnvString("ADDR", s.HTTP.Addr)
	s.Log.Level = getEnvString("LOG_LEVEL", s.Log.Level)
	s.MCPConfigPath = getEnvString("MCP_CONFIG", s.MCPConfigPath)
	s.Context.Strategy = getEnvString("CONTEXT_STRATEGY", s.Context.Strategy)

	if s.Log.JSON, err = getEnvBool("LOG_JSON", s.Log.JSON); err != nil {
		return err
	}
	if s.LLM.Timeout, err = getEnvDuration("LLM_TIMEOUT", s.LLM.Timeout); err != nil {
		return err
	}
	if s.LLM.MaxAttempts, err = getEnvInt("LLM_MAX_ATTEMPTS", s.LLM.MaxAttempts); err != nil {
		return err
	}
	if s.Runs.MaxConcurrent, err = getEnvInt("MAX_CONCURRENT_RUNS", s.Runs.MaxConcurrent); err != nil {
		return err
	}
	if s.Runs.CompleteOnMaxTurns, err = getEnvBool("COMPLETE_ON_MAX_TURNS", s.Runs.CompleteOnMaxTurns); err != nil {
		return err
	}
	if s.Runs.AutoConfirm, err = getEnvBool("AUTO_CONFIRM", s.Runs.AutoConfirm); err != nil {
		return err
	}
	if s.Tools.TimeoutMs, err = getEnvInt("TOOL_TIMEOUT_MS", s.Tools.TimeoutMs); err != nil {
		return err
	}
	if s.Tools.MaxConcurrent, err = getEnvInt("TOOL_MAX_CONCURRENT", s.Tools.MaxConcurrent); err != nil {
		return err
	}
	if s.Tools.MaxRetries, err = getEnvInt("TOOL_MAX_RETRIES", s.Tools.MaxRetries); err != nil {
		return err
	}
	if s.Tools.RatePerSecond, err = getEnvFloat64("TOOL_RATE", s.Tools.RatePerSecond); err != nil {
		return err
	}
	if s.Context.MaxTokens, err = getEnvInt("CONTEXT_MAX_TOKENS", s.Context.MaxTokens); err != nil {
		return err
	}

	// A single server can be configured without a file.
	if url := getEnvString("LLM_URL", ""); url != "" {
		s.Servers = append(s.Servers, UpstreamConfig{
			ID:     getEnvString("LLM_SERVER_ID", "default"),
			URL:    url,
			APIKey: getEnvString("LLM_API_KEY", ""),
		})
	}
	return nil
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if s.Runs.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("runs.maxConcurrent must be at least 1, got %d", s.Runs.MaxConcurrent))
	}
	if s.Tools.TimeoutMs < 1 {
		errs = append(errs, fmt.Errorf("tools.timeoutMs must be positive, got %d", s.Tools.TimeoutMs))
	}
	if s.Tools.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("tools.maxConcurrent must be at least 1, got %d", s.Tools.MaxConcurrent))
	}
	if s.Tools.MaxRetries < 0 || s.Tools.RatePerSecond < 0 {
		errs = append(errs, errors.New("tools.maxRetries and tools.ratePerSecond must not be negative"))
	}
	if _, err := chatcontext.ParseStrategy(s.Context.Strategy); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, u := range s.Servers {
		id := u.ID
		if id == "" {
			id = u.Name
		}
		switch {
		case strings.TrimSpace(u.URL) == "":
			errs = append(errs, fmt.Errorf("servers[%d]: url is required", i))
		case id == "":
			errs = append(errs, fmt.Errorf("servers[%d]: id or name is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}

// ClientConfig returns the completion client settings.
func (s Settings) ClientConfig() llm.Config {
	return llm.Config{
		Timeout:     s.LLM.Timeout,
		MaxAttempts: s.LLM.MaxAttempts,
		RetryDelay:  s.LLM.RetryDelay,
	}
}

// ExecOptions returns the per-batch tool execution options.
func (s Settings) ExecOptions() tools.ExecOptions {
	return tools.ExecOptions{
		TimeoutMs:     s.Tools.TimeoutMs,
		MaxConcurrent: s.Tools.MaxConcurrent,
		MaxRetries:    s.Tools.MaxRetries,
	}
}

// ContextWindow returns the window options, or nil when disabled.
func (s Settings) ContextWindow() *chatcontext.Options {
	if s.Context.MaxTokens <= 0 {
		return nil
	}
	strategy, _ := chatcontext.ParseStrategy(s.Context.Strategy)
	return &chatcontext.Options{
		MaxTokens:         s.Context.MaxTokens,
		Strategy:          strategy,
		MinMessages:       s.Context.MinMessages,
		KeepSystemMessage: s.Context.KeepSystemMessage,
	}
}

// MCPConfig merges the MCP config file with inline servers. Returns an
// empty config when neither is set.
func (s Settings) MCPConfig() (*mcp.Config, error) {
	merged := &mcp.Config{MCPServers: make(map[string]mcp.ServerConfig)}
	if s.MCPConfigPath != "" {
		file, err := mcp.LoadConfig(s.MCPConfigPath)
		if err != nil {
			return nil, err
		}
		for name, server := range file.MCPServers {
			merged.MCPServers[name] = server
		}
	}
	for name, server := range s.MCPServers {
		merged.MCPServers[name] = server
	}
	return merged, nil
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: %q: %w", envPrefix, key, val, err)
	}
	return i, nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: %q: %w", envPrefix, key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s%s: %q: %w", envPrefix, key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s%s: %q: %w", envPrefix, key, val, err)
	}
	return d, nil
}
