// Package config handles Switchboard configuration loading.
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

// ErrMissing is the sentinel wrapped by every [MissingError]. A provider
// path whose required settings are absent is disabled at startup rather
// than failing mid-conversation.
var ErrMissing = errors.New("configuration missing")

// MissingError lists the required keys absent from one config section.
type MissingError struct {
	Section string
	Keys    []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: missing required settings: %s", e.Section, strings.Join(e.Keys, ", "))
}

// Unwrap lets callers match with errors.Is(err, ErrMissing).
func (e *MissingError) Unwrap() error { return ErrMissing }

// missing returns a *MissingError for the keys whose values are empty,
// or nil when every key is present. Pairs are key, value.
func missing(section string, pairs ...string) error {
	var keys []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			keys = append(keys, pairs[i])
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return &MissingError{Section: section, Keys: keys}
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/switchboard/config.yaml, /etc/switchboard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchboard", "config.yaml"))
	}

	paths = append(paths, "/etc/switchboard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Switchboard configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Agents     AgentsConfig     `yaml:"agents"`
	ToolBridge ToolBridgeConfig `yaml:"tool_bridge"`
	LocalAgent LocalAgentConfig `yaml:"local_agent"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig describes the chat-completion deployment shared by the
// stateful ("model") and stateless ("goldfish") providers.
type ModelsConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Flavor     string `yaml:"flavor"` // azure (default) or openai
	Deployment string `yaml:"deployment"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`

	// Zero values select the defaults (4096, 1.0, 1.0).
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`

	// HistoryLimit caps how many prior turns the stateful provider
	// replays to the model.
	HistoryLimit   int    `yaml:"history_limit"`
	SystemPrompt   string `yaml:"system_prompt"`
	GoldfishPrompt string `yaml:"goldfish_prompt"`
}

// Missing reports absent settings required by the model providers.
func (c ModelsConfig) Missing() error {
	return missing("models", "endpoint", c.Endpoint, "deployment", c.Deployment)
}

// CredentialConfig selects how a bearer token is obtained. Either a
// static Token, or an OAuth2 client-credentials grant.
type CredentialConfig struct {
	Token        string   `yaml:"token"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// Resource is sent as the RFC 8707 resource parameter, which
	// bridge auth servers use to scope the token to one endpoint.
	Resource string `yaml:"resource"`
}

// Configured reports whether any credential source is set.
func (c CredentialConfig) Configured() bool {
	return c.Token != "" || (c.TokenURL != "" && c.ClientID != "")
}

// AgentConfig describes one remote agent definition.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
}

// AgentsConfig describes the hosted agent service and run polling.
type AgentsConfig struct {
	Endpoint   string           `yaml:"endpoint"`
	APIVersion string           `yaml:"api_version"`
	Deployment string           `yaml:"deployment"`
	Auth       CredentialConfig `yaml:"auth"`

	Plain AgentConfig `yaml:"plain"`
	Tool  AgentConfig `yaml:"tool"`

	PollIntervalMs   int `yaml:"poll_interval_ms"`
	TimeoutSec       int `yaml:"timeout_sec"`
	MaxIterations    int `yaml:"max_iterations"` // 0 = bounded by timeout only
	TransportRetries int `yaml:"transport_retries"`
}

// Missing reports absent settings required by both agent providers.
func (c AgentsConfig) Missing() error {
	auth := ""
	if c.Auth.Configured() {
		auth = "ok"
	}
	return missing("agents", "endpoint", c.Endpoint, "deployment", c.Deployment, "auth", auth)
}

// PollInterval returns the configured poll interval as a duration.
func (c AgentsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the wall-clock bound for a single run.
func (c AgentsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ToolBridgeConfig declares the external tool bridge (an MCP server)
// the tool-augmented agent may call.
type ToolBridgeConfig struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
	// AllowedTools restricts which bridge tools the agent may call.
	// Empty means every tool the bridge exposes.
	AllowedTools []string `yaml:"allowed_tools"`
	// RequireApproval is passed through to the run-level tool
	// resources: "always", "never", or empty for the service default.
	RequireApproval string           `yaml:"require_approval"`
	Auth            CredentialConfig `yaml:"auth"`
}

// Missing reports absent settings required by the tool-augmented agent.
func (c ToolBridgeConfig) Missing() error {
	auth := ""
	if c.Auth.Configured() {
		auth = "ok"
	}
	return missing("tool_bridge", "label", c.Label, "url", c.URL, "auth", auth)
}

// LocalAgentConfig describes the local CLI agent invocation.
type LocalAgentConfig struct {
	Command string `yaml:"command"`
	// Args are passed verbatim; the token {prompt} is replaced with the
	// formatted prompt.
	Args           []string `yaml:"args"`
	PromptTemplate string   `yaml:"prompt_template"`
	WorkingDir     string   `yaml:"working_dir"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

// Missing reports absent settings required by the local agent provider.
func (c LocalAgentConfig) Missing() error {
	return missing("local_agent", "command", c.Command)
}

// MQTTConfig enables export of run-lifecycle events to a broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether MQTT export is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// RateLimitConfig bounds inbound messages per sender.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"` // 0 = unlimited
	Burst     int `yaml:"burst"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every optional value populated
// and every provider unconfigured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3978
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Models.Flavor == "" {
		c.Models.Flavor = "azure"
	}
	if c.Models.APIVersion == "" {
		c.Models.APIVersion = "2024-10-21"
	}
	if c.Models.MaxOutputTokens == 0 {
		c.Models.MaxOutputTokens = 4096
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 1.0
	}
	if c.Models.TopP == 0 {
		c.Models.TopP = 1.0
	}
	if c.Models.HistoryLimit == 0 {
		c.Models.HistoryLimit = 50
	}
	if c.Models.SystemPrompt == "" {
		c.Models.SystemPrompt = "You are a helpful assistant model."
	}
	if c.Models.GoldfishPrompt == "" {
		c.Models.GoldfishPrompt = "You are a Goldfish Model."
	}

	if c.Agents.APIVersion == "" {
		c.Agents.APIVersion = "v1"
	}
	if c.Agents.Plain.Name == "" {
		c.Agents.Plain.Name = "switchboard-agent"
	}
	if c.Agents.Plain.Instructions == "" {
		c.Agents.Plain.Instructions = "You are a helpful agent that can assist users."
	}
	if c.Agents.Tool.Name == "" {
		c.Agents.Tool.Name = "switchboard-agent-tools"
	}
	if c.Agents.Tool.Instructions == "" {
		c.Agents.Tool.Instructions = "You are a helpful agent that can use MCP tools to assist users. " +
			"Use the available MCP tools to answer questions and perform tasks."
	}
	if c.Agents.PollIntervalMs == 0 {
		c.Agents.PollIntervalMs = 1000
	}
	if c.Agents.TimeoutSec == 0 {
		c.Agents.TimeoutSec = 300
	}
	if c.Agents.TransportRetries == 0 {
		c.Agents.TransportRetries = 3
	}

	if c.LocalAgent.PromptTemplate == "" {
		c.LocalAgent.PromptTemplate = "User asks: {prompt}"
	}
	if c.LocalAgent.TimeoutSec == 0 {
		c.LocalAgent.TimeoutSec = 300
	}
	if c.LocalAgent.MaxOutputBytes == 0 {
		c.LocalAgent.MaxOutputBytes = 256 * 1024
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "switchboard"
	}
}

// Validate checks values that are present for well-formedness. Absent
// provider settings are not errors here; see the per-section Missing
// methods.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	switch c.Models.Flavor {
	case "azure", "openai":
	default:
		return fmt.Errorf("models.flavor %q invalid (expected azure or openai)", c.Models.Flavor)
	}
	switch c.ToolBridge.RequireApproval {
	case "", "always", "never":
	default:
		return fmt.Errorf("tool_bridge.require_approval %q invalid (expected always or never)", c.ToolBridge.RequireApproval)
	}
	if c.Agents.PollIntervalMs < 0 || c.Agents.TimeoutSec < 0 || c.Agents.MaxIterations < 0 || c.Agents.TransportRetries < 0 {
		return fmt.Errorf("agents: poll_interval_ms, timeout_sec, max_iterations and transport_retries must not be negative")
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: per_minute and burst must not be negative")
	}
	return nil
}
