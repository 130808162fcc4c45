package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	AuthEnabled       bool          `mapstructure:"auth_enabled"`
	APIKeyHashes      []string      `mapstructure:"api_key_hashes"` // bcrypt hashes
	MaxInlineStreams  int           `mapstructure:"max_inline_streams"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
}

func (s ServerConfig) Validate() error {
	if s.AuthEnabled {
		if strings.TrimSpace(s.JWTSecret) == "" {
			return fmt.Errorf("server.jwt_secret required when auth is enabled")
		}
		if len(s.APIKeyHashes) == 0 {
			return fmt.Errorf("server.api_key_hashes required when auth is enabled")
		}
	}
	if s.MaxInlineStreams <= 0 {
		return fmt.Errorf("server.max_inline_streams must be > 0")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be > 0")
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers    map[string]LLMProvider `mapstructure:"providers"`
	Routing      LLMRoutingConfig       `mapstructure:"routing"`
	Fallback     FallbackConfig         `mapstructure:"fallback"`
	ProfilesFile string                 `mapstructure:"profiles_file"`
}

// LLMProvider represents a single OpenAI-compatible backend keyed by model family
type LLMProvider struct {
	Type    string        `mapstructure:"type"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which model each role uses
type LLMRoutingConfig struct {
	Planner    string `mapstructure:"planner"`
	Researcher string `mapstructure:"researcher"`
	Writer     string `mapstructure:"writer"`
	Editor     string `mapstructure:"editor"`
}

// FallbackConfig names the substitute model for the primary family
type FallbackConfig struct {
	Model         string `mapstructure:"model"`
	PrimaryFamily string `mapstructure:"primary_family"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must define at least one backend")
	}
	for name, p := range l.Providers {
		if t := strings.ToLower(strings.TrimSpace(p.Type)); t != "" && t != "openai" {
			return fmt.Errorf("llm.providers.%s.type %q is not supported", name, p.Type)
		}
	}
	routes := map[string]string{
		"planner":    l.Routing.Planner,
		"researcher": l.Routing.Researcher,
		"writer":     l.Routing.Writer,
		"editor":     l.Routing.Editor,
	}
	for role, model := range routes {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("llm.routing.%s required", role)
		}
	}
	if l.Fallback.MaxRetries < 0 {
		return fmt.Errorf("llm.fallback.max_retries cannot be negative")
	}
	return nil
}

// RetryConfig tunes the invocation retry loop
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseWait    time.Duration `mapstructure:"base_wait"`
}

func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if r.BaseWait < 0 {
		return fmt.Errorf("retry.base_wait cannot be negative")
	}
	return nil
}

// ChunkingConfig contains the context manager knobs
type ChunkingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Threshold    float64 `mapstructure:"threshold"`
	MaxChunkSize int     `mapstructure:"max_chunk_size"` // tokens
	Overlap      int     `mapstructure:"overlap"`        // tokens
	CostPer1K    float64 `mapstructure:"cost_per_1k"`
}

func (c ChunkingConfig) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("chunking.threshold must be in (0, 1]")
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("chunking.max_chunk_size must be > 0")
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxChunkSize {
		return fmt.Errorf("chunking.overlap must be in [0, max_chunk_size)")
	}
	return nil
}

// SourcesConfig contains retrieval tool settings
type SourcesConfig struct {
	TavilyAPIKey      string        `mapstructure:"tavily_api_key"`
	TavilyEndpoint    string        `mapstructure:"tavily_endpoint"`
	ArxivEndpoint     string        `mapstructure:"arxiv_endpoint"`
	WikipediaEndpoint string        `mapstructure:"wikipedia_endpoint"`
	MaxResults        int           `mapstructure:"max_results"`
	Timeout           time.Duration `mapstructure:"timeout"`
	EvidenceTopK      int           `mapstructure:"evidence_top_k"`
	Fetch             FetchConfig   `mapstructure:"fetch"`
}

// FetchConfig controls headless page fetching for top research hits
type FetchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
	TopN     int           `mapstructure:"top_n"`
}

// Normalize applies defaults for unset source values.
func (s SourcesConfig) Normalize() SourcesConfig {
	if s.MaxResults <= 0 {
		s.MaxResults = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 15 * time.Second
	}
	if s.EvidenceTopK <= 0 {
		s.EvidenceTopK = 8
	}
	if s.Fetch.TopN <= 0 {
		s.Fetch.TopN = 3
	}
	return s
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// QueueConfig selects the task queue transport
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	Stream          string        `mapstructure:"stream"`
	Group           string        `mapstructure:"group"`
	Size            int           `mapstructure:"size"`
	Block           time.Duration `mapstructure:"block"`
	ClaimIdle       time.Duration `mapstructure:"claim_idle"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (q QueueConfig) Validate() error {
	switch q.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", q.Backend)
	}
	if q.ShutdownTimeout <= 0 {
		return fmt.Errorf("queue.shutdown_timeout must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		return s.Postgres.Validate()
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", s.Backend)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr is host:port for go-redis.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RetentionConfig schedules the finished-task sweep
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // cron expression
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"` // ticker granularity
}

func (r RetentionConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Schedule) == "" {
		return fmt.Errorf("retention.schedule required when retention is enabled")
	}
	if r.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be > 0")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.request_timeout", 90*time.Second)

	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.max_inline_streams", 4)
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("server.jwt_secret", "")

	// keys without a default are invisible to AutomaticEnv on Unmarshal
	v.SetDefault("llm.providers.deepseek.type", "openai")
	v.SetDefault("llm.providers.deepseek.api_key", "")
	v.SetDefault("llm.providers.openai.api_key", "")
	v.SetDefault("llm.profiles_file", "")
	v.SetDefault("llm.providers.deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.providers.deepseek.timeout", 90*time.Second)
	v.SetDefault("llm.providers.openai.type", "openai")
	v.SetDefault("llm.providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.providers.openai.timeout", 90*time.Second)
	v.SetDefault("llm.routing.planner", "deepseek:deepseek-reasoner")
	v.SetDefault("llm.routing.researcher", "deepseek:deepseek-chat")
	v.SetDefault("llm.routing.writer", "deepseek:deepseek-chat")
	v.SetDefault("llm.routing.editor", "deepseek:deepseek-chat")
	v.SetDefault("llm.fallback.model", "openai:gpt-4o-mini")
	v.SetDefault("llm.fallback.primary_family", "deepseek")
	v.SetDefault("llm.fallback.max_retries", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_wait", 2*time.Second)

	v.SetDefault("chunking.enabled", true)
	v.SetDefault("chunking.threshold", 0.8)
	v.SetDefault("chunking.max_chunk_size", 6000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("chunking.cost_per_1k", 0.14)

	v.SetDefault("sources.tavily_api_key", "")
	v.SetDefault("sources.tavily_endpoint", "https://api.tavily.com/search")
	v.SetDefault("sources.arxiv_endpoint", "https://export.arxiv.org/api/query")
	v.SetDefault("sources.wikipedia_endpoint", "https://en.wikipedia.org/w/api.php")
	v.SetDefault("sources.max_results", 5)
	v.SetDefault("sources.timeout", 15*time.Second)
	v.SetDefault("sources.evidence_top_k", 8)
	v.SetDefault("sources.fetch.enabled", false)
	v.SetDefault("sources.fetch.timeout", 15*time.Second)
	v.SetDefault("sources.fetch.max_chars", 20000)
	v.SetDefault("sources.fetch.top_n", 3)

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.stream", "research.task.enqueued")
	v.SetDefault("queue.group", "research-workers")
	v.SetDefault("queue.size", 128)
	v.SetDefault("queue.block", 5*time.Second)
	v.SetDefault("queue.claim_idle", 0)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.max_age", 720*time.Hour)
	v.SetDefault("retention.interval", time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration from path, or from config.json in the usual
// locations when path is empty. A missing file is tolerated in the latter case.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // DEEPRESEARCH_*

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Sources = cfg.Sources.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Retry.Validate,
		c.Chunking.Validate,
		c.Queue.Validate,
		c.Storage.Validate,
		c.Retention.Validate,
		c.Telemetry.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if c.Queue.Backend == BackendRedis {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
		if c.Storage.Backend != BackendPostgres {
			return fmt.Errorf("queue.backend=redis requires storage.backend=postgres so workers can load tasks")
		}
	}
	return nil
}

// LoadConfig loads config from file and panics when it is unusable
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
