// Package config provides unified configuration loading for the discovery
// engine: defaults, YAML file, then environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTMESH").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the discovery engine.
type Config struct {
	// Registry holds AgentRegistry behavior knobs.
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Identity holds identity verification settings.
	Identity IdentityConfig `yaml:"identity" env:"IDENTITY"`

	// Qdrant holds vector store settings.
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Embedding holds embedding provider settings.
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Redis holds embedding cache settings.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database holds registration persistence settings.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry holds OTel settings.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// RegistryConfig configures the AgentRegistry.
type RegistryConfig struct {
	// StrictUnregister makes Unregister of an unknown agent return NOT_FOUND
	// instead of being a no-op.
	StrictUnregister bool `yaml:"strict_unregister" env:"STRICT_UNREGISTER"`
	// DefaultTopK is the default number of search results.
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	// SimilarityThreshold is the default minimum similarity score for a match.
	// Tunable: what counts as a match is model-dependent.
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// SearchTimeout bounds a single semantic search before falling back.
	SearchTimeout time.Duration `yaml:"search_timeout" env:"SEARCH_TIMEOUT"`
	// IndexTimeout bounds a single indexing pass for one agent.
	IndexTimeout time.Duration `yaml:"index_timeout" env:"INDEX_TIMEOUT"`
	// IndexBatchSize bounds the number of documents per vector store upsert.
	IndexBatchSize int `yaml:"index_batch_size" env:"INDEX_BATCH_SIZE"`
	// Overfetch multiplies top_k when querying the vector store, leaving
	// headroom for per-agent deduplication.
	Overfetch int `yaml:"overfetch" env:"OVERFETCH"`
}

// IdentityConfig configures identity verification at registration time.
type IdentityConfig struct {
	// AdmitUnverified registers agents whose identity cannot be verified
	// instead of rejecting them.
	AdmitUnverified bool `yaml:"admit_unverified" env:"ADMIT_UNVERIFIED"`
	// Timeout bounds a single verification.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// QdrantConfig configures the Qdrant vector store.
type QdrantConfig struct {
	Host       string        `yaml:"host" env:"HOST"`
	Port       int           `yaml:"port" env:"PORT"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// VectorSize must match the embedding provider dimensions.
	VectorSize int `yaml:"vector_size" env:"VECTOR_SIZE"`
	// UseQuantization enables scalar INT8 quantization. Opt-in: it changes
	// score distributions, so thresholds tuned without it need revisiting.
	UseQuantization bool `yaml:"use_quantization" env:"USE_QUANTIZATION"`
	// HNSW index knobs.
	HNSWM             int  `yaml:"hnsw_m" env:"HNSW_M"`
	HNSWEfConstruct   int  `yaml:"hnsw_ef_construct" env:"HNSW_EF_CONSTRUCT"`
	FullScanThreshold int  `yaml:"full_scan_threshold" env:"FULL_SCAN_THRESHOLD"`
	OnDisk            bool `yaml:"on_disk" env:"ON_DISK"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider selects the backend: openai (OpenAI-compatible HTTP API) or
	// lexical (degraded token-set matching, no model).
	Provider   string        `yaml:"provider" env:"PROVIDER"`
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Dimensions int           `yaml:"dimensions" env:"DIMENSIONS"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MaxInputTokens truncates over-long inputs before embedding.
	MaxInputTokens int `yaml:"max_input_tokens" env:"MAX_INPUT_TOKENS"`
	// CacheEnabled turns on the Redis read-through embedding cache.
	CacheEnabled bool          `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// RedisConfig configures the Redis connection used by the embedding cache.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures optional registration persistence.
type DatabaseConfig struct {
	// Enabled turns on persistence; when off the registry is memory-only.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver selects the backend: postgres or sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths for zap.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stack traces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration with precedence defaults → YAML → env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from the environment.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Qdrant.Collection == "" {
		errs = append(errs, "qdrant collection is required")
	}
	if c.Registry.DefaultTopK <= 0 {
		errs = append(errs, "default_top_k must be positive")
	}
	if c.Registry.SimilarityThreshold < -1 || c.Registry.SimilarityThreshold > 1 {
		errs = append(errs, "similarity_threshold must be within [-1, 1]")
	}
	if c.Registry.IndexBatchSize <= 0 {
		errs = append(errs, "index_batch_size must be positive")
	}
	if c.Embedding.Provider == "openai" && c.Embedding.Dimensions > 0 &&
		c.Qdrant.VectorSize > 0 && c.Embedding.Dimensions != c.Qdrant.VectorSize {
		errs = append(errs, "embedding dimensions must match qdrant vector_size")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
