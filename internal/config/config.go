package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full configuration surface of the consilium service.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Deliberation DeliberationConfig `mapstructure:"deliberation"`
	Extraction   ExtractionConfig   `mapstructure:"extraction"`
	Verification VerificationConfig `mapstructure:"verification"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServiceConfig contains basic HTTP service configuration.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LLMConfig configures the text-generation upstream (OpenRouter-compatible).
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	RateLimit   RateLimit     `mapstructure:"rate_limit"`
}

type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Agent maps one panel role to the model that fills it.
type Agent struct {
	Role      string `mapstructure:"role"`
	Model     string `mapstructure:"model"`
	Name      string `mapstructure:"name"`
	Reasoning string `mapstructure:"reasoning"` // reasoning effort hint, empty to disable
	Search    bool   `mapstructure:"search"`    // searcher role: gathers court practice instead of an opinion
}

// DeliberationConfig configures the three-stage pipeline.
type DeliberationConfig struct {
	Agents           []Agent       `mapstructure:"agents"`
	ReviewModel      string        `mapstructure:"review_model"`
	SynthesisModel   string        `mapstructure:"synthesis_model"`
	OpinionMaxTokens int           `mapstructure:"opinion_max_tokens"`
	ReviewMaxTokens  int           `mapstructure:"review_max_tokens"`
	SynthMaxTokens   int           `mapstructure:"synthesis_max_tokens"`
	PerCallTimeout   time.Duration `mapstructure:"per_call_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
}

type ExtractionConfig struct {
	// Strategy is "patterns" or "generative".
	Strategy  string `mapstructure:"strategy"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// VerificationConfig configures the ranked source list.
type VerificationConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	Registry    RegistryConfig `mapstructure:"registry"`
	Sources     []SourceConfig `mapstructure:"sources"`
}

// RegistryConfig is the authoritative case-registry lookup.
type RegistryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SourceConfig describes one secondary verification source, in priority order.
type SourceConfig struct {
	Name    string        `mapstructure:"name"` // "sonar" or "websearch"
	Model   string        `mapstructure:"model"`
	APIKey  string        `mapstructure:"api_key"`
	CX      string        `mapstructure:"cx"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamingConfig configures the progress stream session and hub.
type StreamingConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GlobalDeadline    time.Duration `mapstructure:"global_deadline"`
	Buffer            int           `mapstructure:"buffer"`
	RingCapacity      int           `mapstructure:"ring_capacity"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.read_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	// Secrets default empty so env overrides bind through Unmarshal.
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.backoff_base", 2*time.Second)
	v.SetDefault("llm.rate_limit.rps", 5.0)
	v.SetDefault("llm.rate_limit.burst", 10)

	v.SetDefault("deliberation.agents", []map[string]interface{}{
		{"role": "chairman", "model": "anthropic/claude-opus-4.5", "name": "Claude Opus 4.5", "reasoning": "high"},
		{"role": "expert_1", "model": "openai/gpt-5.2-chat", "name": "GPT-5.2", "reasoning": "high"},
		{"role": "expert_2", "model": "google/gemini-3-pro-preview", "name": "Gemini 3 Pro Preview"},
		{"role": "searcher", "model": "perplexity/sonar-pro-search", "name": "Perplexity Search", "search": true},
	})
	v.SetDefault("deliberation.review_model", "anthropic/claude-sonnet-4.5")
	v.SetDefault("deliberation.synthesis_model", "anthropic/claude-opus-4.5")
	v.SetDefault("deliberation.opinion_max_tokens", 8192)
	v.SetDefault("deliberation.review_max_tokens", 4096)
	v.SetDefault("deliberation.synthesis_max_tokens", 8192)
	v.SetDefault("deliberation.per_call_timeout", 150*time.Second)
	v.SetDefault("deliberation.synthesis_timeout", 240*time.Second)

	v.SetDefault("extraction.strategy", "patterns")
	v.SetDefault("extraction.model", "google/gemini-3-flash-preview")
	v.SetDefault("extraction.max_tokens", 2048)

	v.SetDefault("verification.concurrency", 3)
	v.SetDefault("verification.registry.enabled", true)
	v.SetDefault("verification.registry.base_url", "https://api.damia.ru/arb/delo")
	v.SetDefault("verification.registry.api_key", "")
	v.SetDefault("verification.registry.timeout", 10*time.Second)
	v.SetDefault("verification.sources", []map[string]interface{}{
		{"name": "sonar", "model": "perplexity/sonar-pro-search", "timeout": "60s"},
	})

	v.SetDefault("streaming.heartbeat_interval", 30*time.Second)
	v.SetDefault("streaming.global_deadline", 600*time.Second)
	v.SetDefault("streaming.buffer", 64)
	v.SetDefault("streaming.ring_capacity", 256)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "consilium")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from CONSILIUM_CONFIG (or ./config/consilium.yaml
// when unset), applies defaults, then environment overrides with the
// CONSILIUM_ prefix (e.g. CONSILIUM_LLM_API_KEY).
func Load() (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv("CONSILIUM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/consilium.yaml"
	}
	v.SetConfigFile(cfgPath)

	v.SetEnvPrefix("CONSILIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover everything.
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				if _, pathErr := err.(*os.PathError); !pathErr {
					return nil, nil, fmt.Errorf("read config %s: %w", cfgPath, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Deliberation.Agents) == 0 {
		return fmt.Errorf("config: at least one deliberation agent is required")
	}
	seen := make(map[string]struct{}, len(c.Deliberation.Agents))
	for _, a := range c.Deliberation.Agents {
		if a.Role == "" || a.Model == "" {
			return fmt.Errorf("config: agent role and model are required (role=%q model=%q)", a.Role, a.Model)
		}
		if _, dup := seen[a.Role]; dup {
			return fmt.Errorf("config: duplicate agent role %q", a.Role)
		}
		seen[a.Role] = struct{}{}
	}
	if c.Verification.Concurrency <= 0 {
		return fmt.Errorf("config: verification.concurrency must be positive")
	}
	if c.Streaming.HeartbeatInterval <= 0 || c.Streaming.GlobalDeadline <= 0 {
		return fmt.Errorf("config: streaming intervals must be positive")
	}
	return nil
}

// Manager holds the live configuration and refreshes the agent roster when
// the config file changes on disk. Only the roster is hot-reloaded; wiring
// changes (ports, upstreams) require a restart.
type Manager struct {
	mu     sync.RWMutex
	cfg    *Config
	logger *zap.Logger
}

func NewManager(cfg *Config, v *viper.Viper, logger *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger}
	if v != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			var next Config
			if err := v.Unmarshal(&next); err != nil {
				logger.Warn("Config reload failed, keeping previous", zap.Error(err))
				return
			}
			if err := next.Validate(); err != nil {
				logger.Warn("Config reload rejected", zap.Error(err))
				return
			}
			m.mu.Lock()
			m.cfg.Deliberation = next.Deliberation
			m.mu.Unlock()
			logger.Info("Agent roster reloaded", zap.String("file", e.Name),
				zap.Int("agents", len(next.Deliberation.Agents)))
		})
		v.WatchConfig()
	}
	return m
}

// Deliberation returns a snapshot of the current pipeline configuration.
func (m *Manager) Deliberation() DeliberationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Deliberation
}

func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}
