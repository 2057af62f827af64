// Package config loads runtime configuration from defaults, an optional
// config file, a .env file and MEMVAULT_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/memory"
)

// EnvPrefix prefixes every environment variable, e.g.
// MEMVAULT_ENCRYPTION_PASSPHRASE or MEMVAULT_INDEX_BACKEND.
const EnvPrefix = "MEMVAULT"

// Config holds the complete configuration for the application.
type Config struct {
	// DataDir holds the record files, the persistent index and the salt.
	DataDir string `mapstructure:"data_dir"`

	// OwnerScope is the scope used by the CLI demo when none is given.
	OwnerScope string `mapstructure:"owner_scope"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	Encryption EncryptionConfig `mapstructure:"encryption"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Index      IndexConfig      `mapstructure:"index"`
	Records    RecordsConfig    `mapstructure:"records"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// EncryptionConfig selects the key source. Exactly one of Key and
// Passphrase must be set.
type EncryptionConfig struct {
	// Key is a base64 256-bit key, as printed by GenerateKey.
	Key string `mapstructure:"key"`

	// Passphrase derives the key with PBKDF2 and a salt kept in SaltFile.
	Passphrase string `mapstructure:"passphrase"`
	Iterations int    `mapstructure:"iterations"`

	// SaltFile defaults to <data_dir>/salt.
	SaltFile string `mapstructure:"salt_file"`

	// PreviousKeys are base64 keys still accepted for reading, so an
	// interrupted key rotation can resume.
	PreviousKeys []string `mapstructure:"previous_keys"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	// Backend is mock, onnx or openai.
	Backend    string        `mapstructure:"backend"`
	Dimensions int           `mapstructure:"dimensions"`
	MaxChars   int           `mapstructure:"max_chars"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// CacheSize is the number of cached vectors. Zero disables the cache.
	CacheSize int64 `mapstructure:"cache_size"`

	ONNX   ONNXConfig   `mapstructure:"onnx"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// ONNXConfig locates the local model.
type ONNXConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	TokenizerPath  string `mapstructure:"tokenizer_path"`
	LibraryPath    string `mapstructure:"library_path"`
	SequenceLength int    `mapstructure:"sequence_length"`
}

// OpenAIConfig configures the remote embeddings API.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// IndexConfig selects the vector index.
type IndexConfig struct {
	// Backend is chromem or qdrant.
	Backend string `mapstructure:"backend"`

	// Compress gzips chromem's on-disk documents.
	Compress bool `mapstructure:"compress"`

	Qdrant QdrantConfig `mapstructure:"qdrant"`
}

// QdrantConfig configures the Qdrant connection.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	TLS        bool   `mapstructure:"tls"`
}

// RecordsConfig selects the record store.
type RecordsConfig struct {
	// Backend is file, memory or redis.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis record store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EngineConfig carries engine limits.
type EngineConfig struct {
	MaxContentLength   int           `mapstructure:"max_content_length"`
	DefaultTopK        int           `mapstructure:"default_top_k"`
	MaxTopK            int           `mapstructure:"max_top_k"`
	MinSimilarity      float64       `mapstructure:"min_similarity"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	MaintenanceWorkers int           `mapstructure:"maintenance_workers"`
}

func setDefaults(v *viper.Viper) {
	d := memory.DefaultConfig()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("owner_scope", "default")
	v.SetDefault("log_level", "info")

	v.SetDefault("encryption.key", "")
	v.SetDefault("encryption.passphrase", "")
	v.SetDefault("encryption.iterations", 210000)
	v.SetDefault("encryption.salt_file", "")
	v.SetDefault("encryption.previous_keys", []string{})

	v.SetDefault("embedding.backend", "mock")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.max_chars", d.MaxContentLength)
	v.SetDefault("embedding.timeout", d.EmbedTimeout)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.onnx.model_path", "")
	v.SetDefault("embedding.onnx.tokenizer_path", "")
	v.SetDefault("embedding.onnx.library_path", "")
	v.SetDefault("embedding.onnx.sequence_length", 128)
	v.SetDefault("embedding.openai.api_key", "")
	v.SetDefault("embedding.openai.base_url", "")
	v.SetDefault("embedding.openai.model", "text-embedding-3-small")

	v.SetDefault("index.backend", "chromem")
	v.SetDefault("index.compress", false)
	v.SetDefault("index.qdrant.host", "localhost")
	v.SetDefault("index.qdrant.port", 6334)
	v.SetDefault("index.qdrant.api_key", "")
	v.SetDefault("index.qdrant.collection", "memories")
	v.SetDefault("index.qdrant.tls", false)

	v.SetDefault("records.backend", "file")
	v.SetDefault("records.redis.address", "localhost:6379")
	v.SetDefault("records.redis.password", "")
	v.SetDefault("records.redis.db", 0)
	v.SetDefault("records.redis.prefix", "memory:")

	v.SetDefault("engine.max_content_length", d.MaxContentLength)
	v.SetDefault("engine.default_top_k", d.DefaultTopK)
	v.SetDefault("engine.max_top_k", d.MaxTopK)
	v.SetDefault("engine.min_similarity", d.MinSimilarity)
	v.SetDefault("engine.reconcile_interval", d.ReconcileInterval)
	v.SetDefault("engine.maintenance_workers", d.MaintenanceWorkers)
}

// Load reads configuration. path names an optional YAML, TOML or JSON file;
// empty skips it. A .env file in the working directory is loaded when
// present and never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case c.Encryption.Key == "" && c.Encryption.Passphrase == "":
		add("encryption: set key or passphrase")
	case c.Encryption.Key != "" && c.Encryption.Passphrase != "":
		add("encryption: key and passphrase are mutually exclusive")
	}
	if c.Encryption.Passphrase != "" && c.Encryption.Iterations < 100000 {
		add("encryption: iterations must be at least 100000")
	}

	switch c.Embedding.Backend {
	case "mock":
	case "onnx":
		if c.Embedding.ONNX.ModelPath == "" || c.Embedding.ONNX.TokenizerPath == "" {
			add("embedding: onnx requires model_path and tokenizer_path")
		}
	case "openai":
		if c.Embedding.OpenAI.APIKey == "" {
			add("embedding: openai requires api_key")
		}
	default:
		add("embedding: unknown backend %q", c.Embedding.Backend)
	}
	if c.Embedding.Dimensions <= 0 {
		add("embedding: dimensions must be positive")
	}
	if c.Embedding.CacheSize < 0 {
		add("embedding: cache_size must not be negative")
	}

	switch c.Index.Backend {
	case "chromem", "qdrant":
	default:
		add("index: unknown backend %q", c.Index.Backend)
	}

	switch c.Records.Backend {
	case "file":
		if c.DataDir == "" {
			add("records: file backend requires data_dir")
		}
	case "memory", "redis":
	default:
		add("records: unknown backend %q", c.Records.Backend)
	}

	if c.Engine.MinSimilarity < -1 || c.Engine.MinSimilarity > 1 {
		add("engine: min_similarity must be within [-1, 1]")
	}
	if c.Engine.MaxTopK < 0 || c.Engine.DefaultTopK < 0 {
		add("engine: top_k limits must not be negative")
	}

	return errors.Join(errs...)
}

// MemoryConfig converts the engine section into engine limits.
func (c *Config) MemoryConfig() *memory.Config {
	mc := memory.DefaultConfig()
	if c.Engine.MaxContentLength > 0 {
		mc.MaxContentLength = c.Engine.MaxContentLength
	}
	if c.Engine.DefaultTopK > 0 {
		mc.DefaultTopK = c.Engine.DefaultTopK
	}
	if c.Engine.MaxTopK > 0 {
		mc.MaxTopK = c.Engine.MaxTopK
	}
	mc.MinSimilarity = c.Engine.MinSimilarity
	mc.ReconcileInterval = c.Engine.ReconcileInterval
	if c.Engine.MaintenanceWorkers > 0 {
		mc.MaintenanceWorkers = c.Engine.MaintenanceWorkers
	}
	if c.Embedding.Timeout > 0 {
		mc.EmbedTimeout = c.Embedding.Timeout
	}
	return mc
}
