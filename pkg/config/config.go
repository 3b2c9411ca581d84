// Package config loads the appbuilder service configuration.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Model providers.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Sandbox providers.
const (
	SandboxDocker = "docker"
	SandboxLocal  = "local"
)

// Defaults mirror the behavior of the hosted builder this service replaces.
const (
	DefaultStateDir        = ".appbuilder"
	DefaultTemplate        = "node:20-bookworm"
	DefaultAppPort         = 3000
	DefaultWorkDir         = "/home/user"
	DefaultMaxIter         = 10
	DefaultMaxToolRounds   = 20
	DefaultSentinel        = "<task_summary>"
	DefaultPollAttempts    = 20
	DefaultPollDelay       = 2 * time.Second
	DefaultModel           = "gemini-2.5-flash"
	DefaultMaxTokens       = 8192
	DefaultTemperature     = 0.1
	DefaultStepAttempts    = 4
	DefaultStepBackoff     = time.Second
	DefaultServerAddr      = ":8080"
	DefaultWorkers         = 4
	DefaultCPUs            = "2"
	DefaultMemory          = "2g"
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultRetryAttempts   = 3
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// DefaultBootstrapCommands install dependencies and start the dev server inside a fresh sandbox.
var DefaultBootstrapCommands = []string{"npm install", "npm run dev &"}

// Duration is a time.Duration that decodes from "2s"-style strings or integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the root configuration document.
type Config struct {
	StateDir  string          `json:"state_dir" yaml:"state_dir"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Network   NetworkConfig   `json:"network" yaml:"network"`
	Readiness ReadinessConfig `json:"readiness" yaml:"readiness"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Steps     StepsConfig     `json:"steps" yaml:"steps"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Prompts   PromptsConfig   `json:"prompts" yaml:"prompts"`
}

type SandboxConfig struct {
	Provider          string   `json:"provider" yaml:"provider"`
	Template          string   `json:"template" yaml:"template"`
	AppPort           int      `json:"app_port" yaml:"app_port"`
	WorkDir           string   `json:"work_dir" yaml:"work_dir"`
	BootstrapCommands []string `json:"bootstrap_commands" yaml:"bootstrap_commands"`
	DockerCommand     string   `json:"docker_command" yaml:"docker_command"` // empty = auto-detect docker/podman
	CPUs              string   `json:"cpus" yaml:"cpus"`
	Memory            string   `json:"memory" yaml:"memory"`
	LocalRoot         string   `json:"local_root" yaml:"local_root"`
	// IdleTimeout is how long an unused sandbox, including a finished run's preview, is kept.
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout"`
	CleanupInterval Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

type NetworkConfig struct {
	MaxIter       int    `json:"max_iter" yaml:"max_iter"`
	MaxToolRounds int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	Sentinel      string `json:"sentinel" yaml:"sentinel"`
}

type ReadinessConfig struct {
	Attempts int      `json:"attempts" yaml:"attempts"`
	Delay    Duration `json:"delay" yaml:"delay"`
	Command  string   `json:"command" yaml:"command"` // empty = curl against the app port
}

type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64  `json:"multiplier" yaml:"multiplier"`
}

type ModelConfig struct {
	Provider        string      `json:"provider" yaml:"provider"`
	Name            string      `json:"name" yaml:"name"`
	MaxTokens       int         `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float64     `json:"temperature" yaml:"temperature"`
	BaseURL         string      `json:"base_url" yaml:"base_url"`
	TokensPerMinute int         `json:"tokens_per_minute" yaml:"tokens_per_minute"` // 0 = unlimited
	Retry           RetryConfig `json:"retry" yaml:"retry"`
}

type StepsConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Duration `json:"backoff" yaml:"backoff"`
}

type StoreConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

type JournalConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type ServerConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Workers int    `json:"workers" yaml:"workers"`
}

type PolicyConfig struct {
	File string `json:"file" yaml:"file"`
}

type PromptsConfig struct {
	File string `json:"file" yaml:"file"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// ReadinessCommand returns the probe command run inside the sandbox.
func (c *Config) ReadinessCommand() string {
	if c.Readiness.Command != "" {
		return c.Readiness.Command
	}
	return fmt.Sprintf(`curl -s -o /dev/null -w "%%{http_code}" http://localhost:%d`, c.Sandbox.AppPort)
}

// APIKeyName returns the secret name holding the credential for the configured provider.
func (c *Config) APIKeyName() string {
	switch c.Model.Provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_GENAI_API_KEY"
	default:
		return ""
	}
}

func applyDefaults(c *Config) {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}

	s := &c.Sandbox
	if s.Provider == "" {
		s.Provider = SandboxDocker
	}
	if s.Template == "" {
		s.Template = DefaultTemplate
	}
	if s.AppPort == 0 {
		s.AppPort = DefaultAppPort
	}
	if s.WorkDir == "" {
		s.WorkDir = DefaultWorkDir
	}
	if s.BootstrapCommands == nil {
		s.BootstrapCommands = append([]string(nil), DefaultBootstrapCommands...)
	}
	if s.CPUs == "" {
		s.CPUs = DefaultCPUs
	}
	if s.Memory == "" {
		s.Memory = DefaultMemory
	}
	if s.LocalRoot == "" {
		s.LocalRoot = filepath.Join(c.StateDir, "sandboxes")
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = Duration(DefaultCleanupInterval)
	}

	if c.Network.MaxIter == 0 {
		c.Network.MaxIter = DefaultMaxIter
	}
	if c.Network.MaxToolRounds == 0 {
		c.Network.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.Network.Sentinel == "" {
		c.Network.Sentinel = DefaultSentinel
	}

	if c.Readiness.Attempts == 0 {
		c.Readiness.Attempts = DefaultPollAttempts
	}
	if c.Readiness.Delay == 0 {
		c.Readiness.Delay = Duration(DefaultPollDelay)
	}

	m := &c.Model
	if m.Provider == "" {
		m.Provider = ProviderGoogle
	}
	if m.Name == "" {
		m.Name = DefaultModel
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = DefaultMaxTokens
	}
	if m.Temperature == 0 {
		m.Temperature = DefaultTemperature
	}
	if m.Provider == ProviderOllama && m.BaseURL == "" {
		m.BaseURL = "http://localhost:11434"
	}
	if m.Retry.MaxAttempts == 0 {
		m.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if m.Retry.InitialDelay == 0 {
		m.Retry.InitialDelay = Duration(DefaultRetryInitial)
	}
	if m.Retry.MaxDelay == 0 {
		m.Retry.MaxDelay = Duration(DefaultRetryMax)
	}
	if m.Retry.Multiplier == 0 {
		m.Retry.Multiplier = DefaultRetryMultiplier
	}

	if c.Steps.MaxAttempts == 0 {
		c.Steps.MaxAttempts = DefaultStepAttempts
	}
	if c.Steps.Backoff == 0 {
		c.Steps.Backoff = Duration(DefaultStepBackoff)
	}

	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.StateDir, "appbuilder.db")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.StateDir, "events")
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = DefaultWorkers
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Sandbox.Provider {
	case SandboxDocker, SandboxLocal:
	default:
		return fmt.Errorf("unknown sandbox provider %q", c.Sandbox.Provider)
	}
	if c.Sandbox.AppPort <= 0 || c.Sandbox.AppPort > 65535 {
		return fmt.Errorf("sandbox app_port %d out of range", c.Sandbox.AppPort)
	}
	if c.Sandbox.IdleTimeout < 0 || c.Sandbox.CleanupInterval < 0 {
		return fmt.Errorf("sandbox idle_timeout and cleanup_interval must not be negative")
	}

	switch c.Model.Provider {
	case ProviderGoogle, ProviderAnthropic, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model temperature %.2f out of range [0,2]", c.Model.Temperature)
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("model max_tokens must not be negative")
	}

	if c.Network.MaxIter < 1 {
		return fmt.Errorf("network max_iter must be at least 1")
	}
	if c.Network.MaxToolRounds < 1 {
		return fmt.Errorf("network max_tool_rounds must be at least 1")
	}
	if strings.TrimSpace(c.Network.Sentinel) == "" {
		return fmt.Errorf("network sentinel must not be blank")
	}
	if c.Readiness.Attempts < 1 {
		return fmt.Errorf("readiness attempts must be at least 1")
	}
	if c.Readiness.Delay < 0 {
		return fmt.Errorf("readiness delay must not be negative")
	}
	if c.Steps.MaxAttempts < 1 {
		return fmt.Errorf("steps max_attempts must be at least 1")
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server workers must be at least 1")
	}
	return nil
}
