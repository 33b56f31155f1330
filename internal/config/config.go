// Package config handles Foracle configuration loading.
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

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/foracle/config.yaml, /etc/foracle/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "foracle", "config.yaml"))
	}

	paths = append(paths, "/etc/foracle/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Foracle configuration.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	LLM         LLMConfig               `yaml:"llm"`
	Embeddings  EmbeddingsConfig        `yaml:"embeddings"`
	VectorStore VectorStoreConfig       `yaml:"vector_store"`
	RateLimit   RateLimitConfig         `yaml:"rate_limit"`
	Chunking    ChunkingConfig          `yaml:"chunking"`
	Retrieval   RetrievalConfig         `yaml:"retrieval"`
	Tools       ToolsConfig             `yaml:"tools"`
	Auth        AuthConfig              `yaml:"auth"`
	Pricing     map[string]PricingEntry `yaml:"pricing"`
	DataDir     string                  `yaml:"data_dir"`
	LogLevel    string                  `yaml:"log_level"`
	LogFormat   string                  `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the conversation provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // responses
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// MaxIterations bounds provider round-trips in one turn.
	MaxIterations int `yaml:"max_iterations"`

	// RequestTimeout is the overall budget for one chat turn.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Style is the default response style (standard or singlish).
	Style string `yaml:"style"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig controls backoff for provider calls.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Provider          string  `yaml:"provider"` // ollama, openai, langchain
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Dimensions        int     `yaml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// Retry is independent of llm.retry: ingestion batches tolerate
	// longer backoff than an interactive turn.
	Retry RetryConfig `yaml:"retry"`
}

// VectorStoreConfig selects the chunk storage backend.
type VectorStoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`    // postgres only; sqlite lives in data_dir
}

// RateLimitConfig defines the daily quota and per-thread burst limits.
type RateLimitConfig struct {
	DailyLimit  int           `yaml:"daily_limit"`
	BurstMax    int           `yaml:"burst_max"`
	BurstWindow time.Duration `yaml:"burst_window"`
	Timezone    string        `yaml:"timezone"`

	// JanitorSchedule is a cron spec evaluated in Timezone.
	JanitorSchedule string `yaml:"janitor_schedule"`
}

// ChunkingConfig controls document splitting before embedding.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// RetrievalConfig controls context injection into chat turns.
type RetrievalConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Limit            int     `yaml:"limit"`
	MinSimilarity    float64 `yaml:"min_similarity"`
	MaxContextLength int     `yaml:"max_context_length"`
}

// ToolsConfig controls tool execution.
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig selects how the caller identity is resolved.
type AuthConfig struct {
	Mode      string `yaml:"mode"`   // header or jwt
	Header    string `yaml:"header"` // header mode: trusted identity header
	JWTSecret string `yaml:"jwt_secret"`
}

// PricingEntry holds per-million-token costs for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Retrieval: RetrievalConfig{Enabled: true},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Retrieval.Enabled = true
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "responses"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxIterations == 0 {
		c.LLM.MaxIterations = 8
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = 60 * time.Second
	}
	if c.LLM.Style == "" {
		c.LLM.Style = "standard"
	}
	if c.LLM.Retry.MaxRetries == 0 {
		c.LLM.Retry.MaxRetries = 3
	}
	if c.LLM.Retry.BaseDelay == 0 {
		c.LLM.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.LLM.Retry.MaxDelay == 0 {
		c.LLM.Retry.MaxDelay = 8 * time.Second
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "openai"
	}
	if c.Embeddings.BaseURL == "" {
		switch c.Embeddings.Provider {
		case "ollama":
			c.Embeddings.BaseURL = "http://localhost:11434"
		default:
			c.Embeddings.BaseURL = "https://api.openai.com"
		}
	}
	if c.Embeddings.Model == "" {
		switch c.Embeddings.Provider {
		case "ollama":
			c.Embeddings.Model = "nomic-embed-text"
		default:
			c.Embeddings.Model = "text-embedding-3-small"
		}
	}
	if c.Embeddings.RequestsPerSecond == 0 {
		c.Embeddings.RequestsPerSecond = 5
	}
	if c.Embeddings.Burst == 0 {
		c.Embeddings.Burst = 10
	}
	if c.Embeddings.Retry.MaxRetries == 0 {
		c.Embeddings.Retry.MaxRetries = 5
	}
	if c.Embeddings.Retry.BaseDelay == 0 {
		c.Embeddings.Retry.BaseDelay = time.Second
	}
	if c.Embeddings.Retry.MaxDelay == 0 {
		c.Embeddings.Retry.MaxDelay = 30 * time.Second
	}

	if c.VectorStore.Driver == "" {
		c.VectorStore.Driver = "sqlite"
	}

	if c.RateLimit.DailyLimit == 0 {
		c.RateLimit.DailyLimit = 20
	}
	if c.RateLimit.BurstMax == 0 {
		c.RateLimit.BurstMax = 5
	}
	if c.RateLimit.BurstWindow == 0 {
		c.RateLimit.BurstWindow = time.Minute
	}
	if c.RateLimit.Timezone == "" {
		c.RateLimit.Timezone = "Asia/Singapore"
	}
	if c.RateLimit.JanitorSchedule == "" {
		c.RateLimit.JanitorSchedule = "@midnight"
	}

	if c.Chunking.Size == 0 {
		c.Chunking.Size = 1000
	}
	if c.Chunking.Overlap == 0 && c.Chunking.Size > 200 {
		c.Chunking.Overlap = 200
	}

	if c.Retrieval.Limit == 0 {
		c.Retrieval.Limit = 5
	}
	if c.Retrieval.MinSimilarity == 0 {
		c.Retrieval.MinSimilarity = 0.3
	}
	if c.Retrieval.MaxContextLength == 0 {
		c.Retrieval.MaxContextLength = 4000
	}

	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = 15 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "header"
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-User-ID"
	}

	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Location returns the rate-limit timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.RateLimit.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate reports every impossible setting in one joined error.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.LLM.Provider != "responses" {
		errs = append(errs, fmt.Errorf("llm.provider %q unknown (valid: responses)", c.LLM.Provider))
	}
	if c.LLM.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("llm.max_iterations must be positive, got %d", c.LLM.MaxIterations))
	}
	if c.LLM.RequestTimeout < 0 {
		errs = append(errs, errors.New("llm.request_timeout must not be negative"))
	}
	if c.LLM.Style != "standard" && c.LLM.Style != "singlish" {
		errs = append(errs, fmt.Errorf("llm.style %q unknown (valid: standard, singlish)", c.LLM.Style))
	}
	if c.LLM.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.retry.max_retries must not be negative"))
	}

	switch c.Embeddings.Provider {
	case "ollama", "openai", "langchain":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q unknown (valid: ollama, openai, langchain)", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimensions < 0 {
		errs = append(errs, errors.New("embeddings.dimensions must not be negative"))
	}
	if c.Embeddings.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("embeddings.requests_per_second must not be negative"))
	}
	if c.Embeddings.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("embeddings.retry.max_retries must not be negative"))
	}

	switch c.VectorStore.Driver {
	case "sqlite":
	case "postgres":
		if c.VectorStore.DSN == "" {
			errs = append(errs, errors.New("vector_store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector_store.driver %q unknown (valid: sqlite, postgres)", c.VectorStore.Driver))
	}

	if c.RateLimit.DailyLimit < 0 {
		errs = append(errs, errors.New("rate_limit.daily_limit must not be negative"))
	}
	if c.RateLimit.BurstMax < 0 {
		errs = append(errs, errors.New("rate_limit.burst_max must not be negative"))
	}
	if c.RateLimit.BurstWindow < 0 {
		errs = append(errs, errors.New("rate_limit.burst_window must not be negative"))
	}
	if _, err := time.LoadLocation(c.RateLimit.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.timezone %q: %w", c.RateLimit.Timezone, err))
	}

	if c.Chunking.Size < 1 {
		errs = append(errs, errors.New("chunking.size must be positive"))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking.overlap %d must be in [0, size)", c.Chunking.Overlap))
	}

	if c.Retrieval.Limit < 0 || c.Retrieval.MaxContextLength < 0 {
		errs = append(errs, errors.New("retrieval limits must not be negative"))
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity %v must be in [0, 1]", c.Retrieval.MinSimilarity))
	}

	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required for jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q unknown (valid: header, jwt)", c.Auth.Mode))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
