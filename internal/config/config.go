// Package config loads statebridge configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/statebridge/config.yaml,
// /etc/statebridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "statebridge", "config.yaml"))
	}

	paths = append(paths, "/etc/statebridge/config.yaml")
	return paths
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all statebridge configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // default "" = all interfaces
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelsConfig picks the model every turn is sent to and where it runs.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig routes one model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines settings for OpenAI or any compatible endpoint.
type OpenAIConfig struct {
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
}

// AgentConfig tunes turn execution.
type AgentConfig struct {
	// Task replaces the default role description at the top of the
	// system prompt.
	Task string `yaml:"task"`

	// ToolTimeout bounds each backend tool call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ConfirmToolResults makes every backend tool turn end with a second
	// model call that confirms the result, unless the request says
	// otherwise.
	ConfirmToolResults bool `yaml:"confirm_tool_results"`

	// BuiltinTools enables the bundled backend tools (get_weather).
	BuiltinTools *bool `yaml:"builtin_tools"`
}

// BuiltinsEnabled reports whether bundled tools are registered. Unset
// means enabled.
func (a AgentConfig) BuiltinsEnabled() bool {
	return a.BuiltinTools == nil || *a.BuiltinTools
}

// CheckpointConfig selects where thread state lives.
type CheckpointConfig struct {
	Store string `yaml:"store"` // sqlite (default) or memory
	Path  string `yaml:"path"`  // sqlite file; default <data_dir>/checkpoints.db
}

// MQTTConfig defines the optional turn status publisher.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
}

// MCPConfig lists MCP servers whose tools become backend tools.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one MCP server. Exactly one of Command (stdio) or
// URL (streamable HTTP) is set.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Include []string          `yaml:"include_tools"`
	Exclude []string          `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing, and defaults are
// applied to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration that runs against a local Ollama with
// in-memory checkpoints.
func Default() *Config {
	cfg := &Config{Checkpoint: CheckpointConfig{Store: "memory"}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Checkpoint.Store == "" {
		c.Checkpoint.Store = "sqlite"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Checkpoint.Store == "sqlite" && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints.db")
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "statebridge"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %s uses anthropic but anthropic.api_key is empty", m.Name))
			}
		case "openai":
			if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
				errs = append(errs, fmt.Errorf("model %s uses openai but neither openai.api_key nor openai.base_url is set", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	switch c.Checkpoint.Store {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.store %q must be sqlite or memory", c.Checkpoint.Store))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp server %q configured twice", s.Name))
		}
		seen[s.Name] = true
		if (s.Command == "") == (s.URL == "") {
			errs = append(errs, fmt.Errorf("mcp server %q: set exactly one of command or url", s.Name))
		}
	}

	return errors.Join(errs...)
}

// ProviderFor returns the provider configured for model, or "ollama".
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
