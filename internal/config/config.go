// Package config provides configuration loading and structs for the shirabe server.
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

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Vector    VectorConfig    `yaml:"vector"`
	Keyword   KeywordConfig   `yaml:"keyword"`
	Search    SearchConfig    `yaml:"search"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and indices.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	BoltIndexPath   string `yaml:"bolt_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	// Backend is one of auto, onnx, openai, hash.
	Backend    string `yaml:"backend"`
	Model      string `yaml:"model"`
	ModelPath  string `yaml:"model_path"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
	// BatchSize of 0 lets the backend pick from available memory.
	BatchSize int `yaml:"batch_size"`
}

// ChunkingConfig controls how documents are split.
type ChunkingConfig struct {
	MaxWords int `yaml:"max_words"`
	Overlap  int `yaml:"overlap"`
}

// IndexingConfig controls the pipeline.
type IndexingConfig struct {
	Workers      int      `yaml:"workers"`
	QueueDepth   int      `yaml:"queue_depth"`
	Include      []string `yaml:"include"`
	Exclude      []string `yaml:"exclude"`
	Extensions   []string `yaml:"extensions"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
}

// VectorConfig tunes the clustered vector index.
type VectorConfig struct {
	// IndexType is ivf (clustered) or flat.
	IndexType          string  `yaml:"index_type"`
	MinClusters        int     `yaml:"min_clusters"`
	MaxClusters        int     `yaml:"max_clusters"`
	ProbeClusters      int     `yaml:"probe_clusters"`
	MaxClusterSize     int     `yaml:"max_cluster_size"`
	MinClusterSize     int     `yaml:"min_cluster_size"`
	// NewClusterDistance opens a new cluster for vectors farther than this from every center; 0 disables.
	NewClusterDistance float32 `yaml:"new_cluster_distance"`
	GraphThreshold     int     `yaml:"graph_threshold"`
	GraphMaxDelta      int     `yaml:"graph_max_delta"`
	GraphEfFactor      int     `yaml:"graph_ef_factor"`
	PQSubquantizers    int     `yaml:"pq_subquantizers"`
	PQTrainThreshold   int     `yaml:"pq_train_threshold"`
	PQRetrainThreshold int     `yaml:"pq_retrain_threshold"`
}

// KeywordConfig selects the keyword index backend.
type KeywordConfig struct {
	// Backend is bleve or bm25.
	Backend string  `yaml:"backend"`
	K1      float64 `yaml:"k1"`
	B       float64 `yaml:"b"`
	// TitleBoost and PhraseBoost apply to the bleve backend; values <= 1 disable them.
	TitleBoost  float64 `yaml:"title_boost"`
	PhraseBoost float64 `yaml:"phrase_boost"`
	Fuzzy       bool    `yaml:"fuzzy"`
	Fuzziness   int     `yaml:"fuzziness"`
}

// SearchConfig holds query-time settings.
type SearchConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	Candidates     int     `yaml:"candidates"`
	RRFConstant    float64 `yaml:"rrf_constant"`
	FilenameBoost  float64 `yaml:"filename_boost"`
	SnippetLength  int     `yaml:"snippet_length"`
	QueryCacheSize int     `yaml:"query_cache_size"`
}

// OptimizerConfig controls background index maintenance.
type OptimizerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IdleAfter     time.Duration `yaml:"idle_after"`
	MaxIterations int           `yaml:"max_iterations"`
}

// Load reads and parses the config file at path, applies defaults, validates, and expands paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandPaths(filepath.Dir(path))

	return &cfg, nil
}

// Default returns a config with defaults applied. Paths starting with ./ resolve
// against dir.
func Default(dir string) *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.expandPaths(dir)
	return cfg
}

func (c *Config) expandPaths(configDir string) {
	c.Storage.DatabasePath = expandPath(c.Storage.DatabasePath, configDir)
	c.Storage.BleveIndexPath = expandPath(c.Storage.BleveIndexPath, configDir)
	c.Storage.BoltIndexPath = expandPath(c.Storage.BoltIndexPath, configDir)
	c.Storage.VectorIndexPath = expandPath(c.Storage.VectorIndexPath, configDir)
	if c.Embedding.ModelPath != "" {
		c.Embedding.ModelPath = expandPath(c.Embedding.ModelPath, configDir)
	}
	for i := range c.Watch.Directories {
		c.Watch.Directories[i] = expandPath(c.Watch.Directories[i], configDir)
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Embedding.Backend {
	case "auto", "onnx", "openai", "hash":
	default:
		return fmt.Errorf("%w: unknown embedding backend %q", ErrInvalidConfig, c.Embedding.Backend)
	}
	switch c.Keyword.Backend {
	case "bleve", "bm25":
	default:
		return fmt.Errorf("%w: unknown keyword backend %q", ErrInvalidConfig, c.Keyword.Backend)
	}
	switch c.Vector.IndexType {
	case "ivf", "flat":
	default:
		return fmt.Errorf("%w: unknown vector index type %q", ErrInvalidConfig, c.Vector.IndexType)
	}
	if c.Search.FilenameBoost < 1.0 {
		return fmt.Errorf("%w: filename_boost must be >= 1.0", ErrInvalidConfig)
	}
	if c.Vector.MinClusters > c.Vector.MaxClusters {
		return fmt.Errorf("%w: min_clusters exceeds max_clusters", ErrInvalidConfig)
	}
	if c.Vector.PQSubquantizers > 0 && c.Embedding.Dimensions%c.Vector.PQSubquantizers != 0 {
		return fmt.Errorf("%w: dimensions %d not divisible by pq_subquantizers %d",
			ErrInvalidConfig, c.Embedding.Dimensions, c.Vector.PQSubquantizers)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
