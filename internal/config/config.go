package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when DEEPR_CONFIG is unset.
const DefaultPath = "config/deepr.yaml"

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Research  ResearchConfig  `yaml:"research"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Log       LogConfig       `yaml:"log"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	TopP        float64       `yaml:"top_p"`
	Timeout     time.Duration `yaml:"timeout"`
}

type SearchConfig struct {
	URL        string        `yaml:"url"`
	MaxResults int           `yaml:"max_results"`
	Language   string        `yaml:"language"`
	SafeSearch int           `yaml:"safe_search"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ResearchConfig struct {
	Tick            time.Duration `yaml:"tick"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	MaxRuns         int           `yaml:"max_runs"`
	ContextItems    int           `yaml:"context_items"`
	StrategyPause   time.Duration `yaml:"strategy_pause"`
	CompletePause   time.Duration `yaml:"complete_pause"`
	StrictPlanning  bool          `yaml:"strict_planning"`
	SnippetFallback bool          `yaml:"snippet_fallback"`
	// Seed fixes task counts and fallback picks. Zero draws a random seed.
	Seed uint64 `yaml:"seed"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// EventRetention bounds how long research events stay replayable.
	EventRetention time.Duration `yaml:"event_retention"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token     string        `yaml:"token"`
	AllowFrom []int64       `yaml:"allow_from"`
	EditEvery time.Duration `yaml:"edit_every"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL:     "https://router.huggingface.co/v1",
			Model:       "meta-llama/Llama-3.2-3B-Instruct",
			MaxTokens:   1200,
			Temperature: 0.7,
			TopP:        0.85,
			Timeout:     90 * time.Second,
		},
		Search: SearchConfig{
			URL:        "http://localhost:8888",
			MaxResults: 5,
			SafeSearch: 1,
			Timeout:    15 * time.Second,
		},
		Research: ResearchConfig{
			Tick:          400 * time.Millisecond,
			MaxRuns:       2,
			ContextItems:  4,
			StrategyPause: 800 * time.Millisecond,
			CompletePause: 500 * time.Millisecond,
		},
		NATS: NATSConfig{
			Port:           4222,
			DataDir:        "data/nats",
			EventRetention: 24 * time.Hour,
		},
		Store: StoreConfig{
			Path: "data/deepr.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Telegram: TelegramConfig{
			EditEvery: 1500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("DEEPR_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path on top of the defaults and applies env overrides. A
// missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := firstEnv("DEEPR_LLM_API_KEY", "HF_TOKEN"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := firstEnv("DEEPR_LLM_MODEL", "HF_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("DEEPR_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("DEEPR_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("DEEPR_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DEEPR_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("DEEPR_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("DEEPR_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DEEPR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	envInt("DEEPR_WEB_PORT", &cfg.Web.Port)
	envInt("DEEPR_NATS_PORT", &cfg.NATS.Port)
	envInt("DEEPR_MAX_CONCURRENCY", &cfg.Research.MaxConcurrency)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0, 2], got %g", c.LLM.Temperature))
	}
	if c.LLM.TopP <= 0 || c.LLM.TopP > 1 {
		errs = append(errs, fmt.Errorf("llm.top_p must be in (0, 1], got %g", c.LLM.TopP))
	}
	if c.Search.MaxResults < 1 || c.Search.MaxResults > 20 {
		errs = append(errs, fmt.Errorf("search.max_results must be in [1, 20], got %d", c.Search.MaxResults))
	}
	if c.Research.Tick <= 0 {
		errs = append(errs, errors.New("research.tick must be positive"))
	}
	if c.Research.MaxConcurrency < 0 {
		errs = append(errs, errors.New("research.max_concurrency must not be negative"))
	}
	if c.Research.MaxRuns < 1 {
		errs = append(errs, errors.New("research.max_runs must be at least 1"))
	}
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errs = append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}
	if c.Scheduler.Enabled && c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
