// Package config provides configuration loading for conclave.
//
// Configuration is read from a YAML file, overridden by environment
// variables, then completed with defaults and validated.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Config holds the complete conclave configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Voting        VotingConfig        `koanf:"voting"`
	Tasks         TasksConfig         `koanf:"tasks"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	ContextGraph  ContextGraphConfig  `koanf:"contextgraph"`
	Store         StoreConfig         `koanf:"store"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Agents        AgentsConfig        `koanf:"agents"`
	NATS          NATSConfig          `koanf:"nats"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Workspace     WorkspaceConfig     `koanf:"workspace"`
	Gates         GatesConfig         `koanf:"gates"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
}

// VotingConfig holds quorum gate defaults. Per-gate values in the catalog
// take precedence when set.
type VotingConfig struct {
	Threshold          float64  `koanf:"threshold"`
	MinQuorum          int      `koanf:"min_quorum"` // 0 means a majority of the voter set
	VoterTimeout       Duration `koanf:"voter_timeout"`
	WeightHigh         float64  `koanf:"weight_high"`
	WeightMedium       float64  `koanf:"weight_medium"`
	WeightLow          float64  `koanf:"weight_low"`
	PrecedentK         int      `koanf:"precedent_k"`
	PrecedentThreshold float64  `koanf:"precedent_threshold"`
	MaxRetries         int      `koanf:"max_retries"`
}

// TasksConfig holds task executor configuration.
type TasksConfig struct {
	Workers         int      `koanf:"workers"`
	MaxAttempts     int      `koanf:"max_attempts"`
	DispatchTimeout Duration `koanf:"dispatch_timeout"`
}

// ContextGraphConfig selects and configures the similarity index.
type ContextGraphConfig struct {
	Index       string `koanf:"index"` // chromem or qdrant
	ChromemPath string `koanf:"chromem_path"`
	Compress    bool   `koanf:"compress"`
	Collection  string `koanf:"collection"`
}

// PipelineConfig controls how much the pipeline runs without a human.
type PipelineConfig struct {
	// Autonomy is autonomous, balanced or pair. Balanced pauses after the
	// architecture and release gates; pair pauses after every phase gate.
	Autonomy string `koanf:"autonomy"`
}

// StoreConfig configures the SQLite trace and project store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // fastembed, openai or hash
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
	APIKey   Secret `koanf:"api_key"`
}

// AgentsConfig configures the LLM-backed agent capability.
type AgentsConfig struct {
	Provider    string   `koanf:"provider"` // openai or anthropic
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second
	Burst       int      `koanf:"burst"`
	MaxRetries  int      `koanf:"max_retries"`
	Timeout     Duration `koanf:"timeout"`
	// Pricing maps model names to token prices; the "default" entry
	// covers models not listed.
	Pricing map[string]PriceConfig `koanf:"pricing"`
}

// PriceConfig is the USD price of a million tokens.
type PriceConfig struct {
	Input  float64 `koanf:"input_per_million"`
	Output float64 `koanf:"output_per_million"`
}

// NATSConfig configures the event bus.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TemporalConfig configures the durable pipeline worker.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// WorkspaceConfig configures the git repository phase artifacts are committed to.
type WorkspaceConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Path        string `koanf:"path"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// GatesConfig points at an optional TOML gate catalog.
type GatesConfig struct {
	CatalogPath string `koanf:"catalog_path"`
	Watch       bool   `koanf:"watch"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}

	if c.Voting.Threshold <= 0 || c.Voting.Threshold > 1 {
		errs = append(errs, fmt.Errorf("voting.threshold must be in (0,1], got %v", c.Voting.Threshold))
	}
	if c.Voting.MinQuorum < 0 {
		errs = append(errs, fmt.Errorf("voting.min_quorum must be >= 0, got %d", c.Voting.MinQuorum))
	}
	if c.Voting.WeightHigh <= 0 || c.Voting.WeightMedium <= 0 || c.Voting.WeightLow <= 0 {
		errs = append(errs, errors.New("voting weights must be positive"))
	}
	if c.Voting.PrecedentThreshold < -1 || c.Voting.PrecedentThreshold > 1 {
		errs = append(errs, fmt.Errorf("voting.precedent_threshold must be in [-1,1], got %v", c.Voting.PrecedentThreshold))
	}

	if c.Tasks.Workers < 1 {
		errs = append(errs, fmt.Errorf("tasks.workers must be >= 1, got %d", c.Tasks.Workers))
	}
	if c.Tasks.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("tasks.max_attempts must be >= 1, got %d", c.Tasks.MaxAttempts))
	}

	switch c.Pipeline.Autonomy {
	case "autonomous", "balanced", "pair":
	default:
		errs = append(errs, fmt.Errorf("pipeline.autonomy must be autonomous, balanced or pair, got %q", c.Pipeline.Autonomy))
	}

	switch c.ContextGraph.Index {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("contextgraph.index must be chromem or qdrant, got %q", c.ContextGraph.Index))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed, openai or hash, got %q", c.Embeddings.Provider))
	}

	switch c.Agents.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("agents.provider must be openai or anthropic, got %q", c.Agents.Provider))
	}
	for _, model := range slices.Sorted(maps.Keys(c.Agents.Pricing)) {
		if p := c.Agents.Pricing[model]; p.Input < 0 || p.Output < 0 {
			errs = append(errs, fmt.Errorf("agents.pricing.%s must not be negative", model))
		}
	}
	if c.Agents.Provider == "anthropic" && c.Agents.BaseURL != "" {
		errs = append(errs, errors.New("agents.base_url is only supported by the openai provider"))
	}

	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, errors.New("temporal.task_queue required when temporal is enabled"))
	}

	return errors.Join(errs...)
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "conclave"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.Voting.Threshold == 0 {
		cfg.Voting.Threshold = 0.6
	}
	if cfg.Voting.VoterTimeout == 0 {
		cfg.Voting.VoterTimeout = Duration(60 * time.Second)
	}
	if cfg.Voting.WeightHigh == 0 {
		cfg.Voting.WeightHigh = 3
	}
	if cfg.Voting.WeightMedium == 0 {
		cfg.Voting.WeightMedium = 2
	}
	if cfg.Voting.WeightLow == 0 {
		cfg.Voting.WeightLow = 1
	}
	if cfg.Voting.PrecedentK == 0 {
		cfg.Voting.PrecedentK = 5
	}
	if cfg.Voting.PrecedentThreshold == 0 {
		cfg.Voting.PrecedentThreshold = 0.75
	}
	if cfg.Voting.MaxRetries == 0 {
		cfg.Voting.MaxRetries = 3
	}

	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 4
	}
	if cfg.Tasks.MaxAttempts == 0 {
		cfg.Tasks.MaxAttempts = 3
	}
	if cfg.Tasks.DispatchTimeout == 0 {
		cfg.Tasks.DispatchTimeout = Duration(10 * time.Minute)
	}

	if cfg.ContextGraph.Index == "" {
		cfg.ContextGraph.Index = "chromem"
	}
	if cfg.ContextGraph.ChromemPath == "" {
		cfg.ContextGraph.ChromemPath = "~/.config/conclave/precedents"
	}
	if cfg.ContextGraph.Collection == "" {
		cfg.ContextGraph.Collection = "decision_traces"
	}

	if cfg.Pipeline.Autonomy == "" {
		cfg.Pipeline.Autonomy = "autonomous"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/conclave/conclave.db"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 384 // bge-small-en-v1.5
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.CacheDir == "" {
		cfg.Embeddings.CacheDir = "~/.cache/conclave/models"
	}

	if cfg.Agents.Provider == "" {
		cfg.Agents.Provider = "anthropic"
	}
	if cfg.Agents.Temperature == 0 {
		cfg.Agents.Temperature = 0.2
	}
	if cfg.Agents.MaxTokens == 0 {
		cfg.Agents.MaxTokens = 4096
	}
	if cfg.Agents.RateLimit == 0 {
		cfg.Agents.RateLimit = 2
	}
	if cfg.Agents.Burst == 0 {
		cfg.Agents.Burst = 4
	}
	if cfg.Agents.MaxRetries == 0 {
		cfg.Agents.MaxRetries = 3
	}
	if _, ok := cfg.Agents.Pricing["default"]; !ok {
		if cfg.Agents.Pricing == nil {
			cfg.Agents.Pricing = make(map[string]PriceConfig)
		}
		cfg.Agents.Pricing["default"] = PriceConfig{Input: 3, Output: 15}
	}
	if cfg.Agents.Timeout == 0 {
		cfg.Agents.Timeout = Duration(2 * time.Minute)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "conclave"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "conclave-pipeline"
	}

	if cfg.Workspace.AuthorName == "" {
		cfg.Workspace.AuthorName = "conclave"
	}
	if cfg.Workspace.AuthorEmail == "" {
		cfg.Workspace.AuthorEmail = "conclave@localhost"
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
