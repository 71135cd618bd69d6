// Package config loads and validates the braind configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the brain service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RTDB      RTDBConfig      `yaml:"rtdb"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Workers   WorkersConfig   `yaml:"workers"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// GatewayConfig tunes the WebSocket edge.
type GatewayConfig struct {
	// JWTSecret enables bearer-token validation on connect when non-empty.
	JWTSecret string `yaml:"jwt_secret"`
	// SendBuffer is the per-connection outbound queue capacity.
	SendBuffer int `yaml:"send_buffer"`
	// BufferTTL bounds how long offline chat messages are retained.
	BufferTTL time.Duration `yaml:"buffer_ttl"`
}

// RTDBConfig selects the realtime-database driver. The in-memory driver
// serves tests and single-node development; production deployments inject
// their own implementation of the rtdb.Client port.
type RTDBConfig struct {
	Mode string `yaml:"mode"`
}

type RedisConfig struct {
	// Addr empty means the in-memory cache store is used.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ContextTTL bounds user-context snapshots.
	ContextTTL time.Duration `yaml:"context_ttl"`
}

type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Type is anthropic, openai, or groq.
	Type        string  `yaml:"type"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type WorkersConfig struct {
	// OnboardingBaseURL is the worker service root for launch/stop calls.
	OnboardingBaseURL string        `yaml:"onboarding_base_url"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

type ApprovalsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type WorkflowConfig struct {
	MaxTurns         int    `yaml:"max_turns"`
	TokenBudget      int    `yaml:"token_budget"`
	SummaryMaxTokens int    `yaml:"summary_max_tokens"`
	AssistantSender  string `yaml:"assistant_sender"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// applyDefaults fills zero values with the service defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Gateway.SendBuffer == 0 {
		cfg.Gateway.SendBuffer = 64
	}
	if cfg.Gateway.BufferTTL == 0 {
		cfg.Gateway.BufferTTL = 24 * time.Hour
	}
	if cfg.RTDB.Mode == "" {
		cfg.RTDB.Mode = "memory"
	}
	if cfg.Redis.ContextTTL == 0 {
		cfg.Redis.ContextTTL = time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Workers.StopTimeout == 0 {
		cfg.Workers.StopTimeout = 30 * time.Second
	}
	if cfg.Approvals.Timeout == 0 {
		cfg.Approvals.Timeout = 900 * time.Second
	}
	if cfg.Workflow.MaxTurns == 0 {
		cfg.Workflow.MaxTurns = 20
	}
	if cfg.Workflow.TokenBudget == 0 {
		cfg.Workflow.TokenBudget = 80000
	}
	if cfg.Workflow.SummaryMaxTokens == 0 {
		cfg.Workflow.SummaryMaxTokens = 500
	}
	if cfg.Workflow.AssistantSender == "" {
		cfg.Workflow.AssistantSender = "pinnokio_agent"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MetricsPort == c.Server.Port {
		problems = append(problems, "server.metrics_port must differ from server.port")
	}
	if c.RTDB.Mode != "memory" {
		problems = append(problems, fmt.Sprintf("rtdb.mode %q is not supported", c.RTDB.Mode))
	}
	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			problems = append(problems, fmt.Sprintf("llm.default_provider %q not present in llm.providers", c.LLM.DefaultProvider))
		}
		for name, p := range c.LLM.Providers {
			switch p.Type {
			case "anthropic", "openai", "groq":
			default:
				problems = append(problems, fmt.Sprintf("llm.providers.%s.type %q unknown", name, p.Type))
			}
			if p.Model == "" {
				problems = append(problems, fmt.Sprintf("llm.providers.%s.model is required", name))
			}
		}
	}
	if c.Workflow.MaxTurns < 1 {
		problems = append(problems, "workflow.max_turns must be positive")
	}
	if c.Workflow.TokenBudget < 1000 {
		problems = append(problems, "workflow.token_budget too small")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
