package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds lexanon configuration.
type Config struct {
	Patterns     PatternsConfig    `yaml:"patterns"`
	Detection    DetectionConfig   `yaml:"detection"`
	Placeholders PlaceholderConfig `yaml:"placeholders"`
	NER          NERConfig         `yaml:"ner"`
	Generation   GenerationConfig  `yaml:"generation"`
	Batch        BatchConfig       `yaml:"batch"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
	Audit        AuditConfig       `yaml:"audit"`
	Logging      LoggingConfig     `yaml:"logging"`
}

type PatternsConfig struct {
	Path string `yaml:"path"` // empty uses the embedded default library
}

type DetectionConfig struct {
	PatternTimeout       time.Duration `yaml:"pattern_timeout"`
	OracleTimeout        time.Duration `yaml:"oracle_timeout"`
	MaxInputBytes        int           `yaml:"max_input_bytes"`
	MaxMatchesPerPattern int           `yaml:"max_matches_per_pattern"`
	MinLength            int           `yaml:"min_length"` // runes
	Concurrency          int           `yaml:"concurrency"`
	ExpectedBias         float64       `yaml:"expected_bias"`
}

type PlaceholderConfig struct {
	MaxCollisionAttempts int `yaml:"max_collision_attempts"`
}

type NERConfig struct {
	Type    string        `yaml:"type"` // none | http | onnx
	HTTP    NERHTTPConfig `yaml:"http"`
	ONNX    NERONNXConfig `yaml:"onnx"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type NERHTTPConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	APIKey           string        `yaml:"api_key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	RuneOffsets      bool          `yaml:"rune_offsets"` // service reports character, not byte, offsets
}

type NERONNXConfig struct {
	ModelDir          string `yaml:"model_dir"`
	SharedLibraryPath string `yaml:"shared_library_path"`
	SeqLen            int    `yaml:"seq_len"`
	IntraThreads      int    `yaml:"intra_threads"`
	InterThreads      int    `yaml:"inter_threads"`
	PoolSize          int    `yaml:"pool_size"`
}

type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	OpenDuration        time.Duration `yaml:"open_duration"`
}

type GenerationConfig struct {
	Providers       map[string]ProviderConfig `yaml:"providers"`
	DefaultProvider string                    `yaml:"default_provider"`
	Timeout         time.Duration             `yaml:"timeout"`
	Naturalize      *bool                     `yaml:"naturalize"`
	System          string                    `yaml:"system"`
	MaxTokens       int                       `yaml:"max_tokens"`
	Temperature     float64                   `yaml:"temperature"`
}

// NaturalizeEnabled reports whether placeholders are rewritten into phrases
// before generation. Defaults to true.
func (g GenerationConfig) NaturalizeEnabled() bool {
	return g.Naturalize == nil || *g.Naturalize
}

type ProviderConfig struct {
	Type                 string        `yaml:"type"`        // openai | bedrock | mock
	BaseURL              string        `yaml:"base_url"`    // e.g. "https://api.openai.com/v1"
	APIKeyEnv            string        `yaml:"api_key_env"` // e.g. "OPENAI_API_KEY"
	APIKey               string        `yaml:"api_key"`
	Model                string        `yaml:"model"`
	Region               string        `yaml:"region"` // bedrock
	Timeout              time.Duration `yaml:"timeout"`
	MaxResponseBytes     int64         `yaml:"max_response_bytes"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

type AuditConfig struct {
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Sinks           []AuditSinkConfig `yaml:"sinks"`
}

type AuditSinkConfig struct {
	Type    string            `yaml:"type"` // file_jsonl | webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	// Operations limits the sink to anonymize, rehydrate or generate events.
	// Empty records every operation.
	Operations []string `yaml:"operations"`
}

type LoggingConfig struct {
	// AuditEvents prints every audit event through the redacting logger.
	AuditEvents bool `yaml:"audit_events"`
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	d := &cfg.Detection
	if d.PatternTimeout <= 0 {
		d.PatternTimeout = 250 * time.Millisecond
	}
	if d.OracleTimeout <= 0 {
		d.OracleTimeout = 5 * time.Second
	}
	if d.MaxInputBytes <= 0 {
		d.MaxInputBytes = 2 * 1024 * 1024
	}
	if d.MaxMatchesPerPattern <= 0 {
		d.MaxMatchesPerPattern = 10000
	}
	if d.MinLength <= 0 {
		d.MinLength = 2
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 8
	}
	// Negative disables the bias; zero means unset.
	if d.ExpectedBias == 0 {
		d.ExpectedBias = 0.1
	}

	if cfg.Placeholders.MaxCollisionAttempts <= 0 {
		cfg.Placeholders.MaxCollisionAttempts = 5
	}

	if cfg.NER.Type == "" {
		cfg.NER.Type = "none"
	}
	if cfg.NER.HTTP.Timeout <= 0 {
		cfg.NER.HTTP.Timeout = cfg.Detection.OracleTimeout
	}
	if cfg.NER.ONNX.SeqLen <= 0 {
		cfg.NER.ONNX.SeqLen = 256
	}
	if cfg.NER.Breaker.ConsecutiveFailures <= 0 {
		cfg.NER.Breaker.ConsecutiveFailures = 3
	}
	if cfg.NER.Breaker.OpenDuration <= 0 {
		cfg.NER.Breaker.OpenDuration = 30 * time.Second
	}

	if cfg.Generation.Providers == nil {
		cfg.Generation.Providers = map[string]ProviderConfig{}
	}
	// If no default provider is set but there's exactly one provider,
	// use that as default.
	if cfg.Generation.DefaultProvider == "" && len(cfg.Generation.Providers) == 1 {
		for name := range cfg.Generation.Providers {
			cfg.Generation.DefaultProvider = name
			break
		}
	}
	if cfg.Generation.Timeout <= 0 {
		cfg.Generation.Timeout = 60 * time.Second
	}

	if cfg.Batch.Workers <= 0 {
		cfg.Batch.Workers = 4
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "lexanon"
	}

	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1000
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 1
	}
	if cfg.Audit.ShutdownTimeout <= 0 {
		cfg.Audit.ShutdownTimeout = 2 * time.Second
	}
}
