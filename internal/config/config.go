// Package config loads convosearch configuration from defaults, an optional
// YAML file and CONVOSEARCH_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/dshills/convosearch/pkg/types"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use "__",
// e.g. CONVOSEARCH_SEARCH__KEYWORD_WEIGHT=0.7.
const EnvPrefix = "CONVOSEARCH_"

// Config is the root configuration
type Config struct {
	DataDir  string         `yaml:"data_dir" koanf:"data_dir"`
	Sources  []Source       `yaml:"sources" koanf:"sources"`
	Chunk    ChunkConfig    `yaml:"chunk" koanf:"chunk"`
	Embed    EmbedConfig    `yaml:"embedding" koanf:"embedding"`
	Search   SearchConfig   `yaml:"search" koanf:"search"`
	Pipeline PipelineConfig `yaml:"pipeline" koanf:"pipeline"`
	Log      LogConfig      `yaml:"log" koanf:"log"`
}

// Source is one directory tree of transcripts produced by a single tool
type Source struct {
	Path    string   `yaml:"path" koanf:"path"`
	Tool    string   `yaml:"tool" koanf:"tool"`
	Format  string   `yaml:"format" koanf:"format"`
	Include []string `yaml:"include" koanf:"include"`
	Exclude []string `yaml:"exclude" koanf:"exclude"`
}

// ChunkConfig controls the chunk budget
type ChunkConfig struct {
	Unit     string  `yaml:"unit" koanf:"unit"` // chars | tokens
	MaxSize  int     `yaml:"max_size" koanf:"max_size"`
	Overlap  float64 `yaml:"overlap" koanf:"overlap"`
	Encoding string  `yaml:"encoding" koanf:"encoding"`
}

// EmbedConfig selects and tunes the embedding provider
type EmbedConfig struct {
	Provider          string        `yaml:"provider" koanf:"provider"`
	Model             string        `yaml:"model" koanf:"model"`
	BaseURL           string        `yaml:"base_url" koanf:"base_url"`
	APIKey            string        `yaml:"api_key" koanf:"api_key"`
	Dimension         int           `yaml:"dimension" koanf:"dimension"`
	BatchSize         int           `yaml:"batch_size" koanf:"batch_size"`
	CacheSize         int           `yaml:"cache_size" koanf:"cache_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second" koanf:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries" koanf:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay" koanf:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" koanf:"max_delay"`
}

// SearchConfig holds fusion and paging settings
type SearchConfig struct {
	KeywordWeight        float64       `yaml:"keyword_weight" koanf:"keyword_weight"`
	SemanticWeight       float64       `yaml:"semantic_weight" koanf:"semantic_weight"`
	SingleBranchDiscount float64       `yaml:"single_branch_discount" koanf:"single_branch_discount"`
	SemanticTopN         int           `yaml:"semantic_top_n" koanf:"semantic_top_n"`
	KeywordCandidates    int           `yaml:"keyword_candidates" koanf:"keyword_candidates"`
	DefaultPageSize      int           `yaml:"default_page_size" koanf:"default_page_size"`
	MaxPageSize          int           `yaml:"max_page_size" koanf:"max_page_size"`
	CacheSize            int           `yaml:"cache_size" koanf:"cache_size"`
	CacheTTL             time.Duration `yaml:"cache_ttl" koanf:"cache_ttl"`
	SnippetRadius        int           `yaml:"snippet_radius" koanf:"snippet_radius"`
}

// PipelineConfig tunes the incremental indexing pipeline
type PipelineConfig struct {
	Workers         int           `yaml:"workers" koanf:"workers"`
	QueueSize       int           `yaml:"queue_size" koanf:"queue_size"`
	Debounce        time.Duration `yaml:"debounce" koanf:"debounce"`
	MaxBatchFiles   int           `yaml:"max_batch_files" koanf:"max_batch_files"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" koanf:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" koanf:"max_retry_backoff"`
	RescanInterval  time.Duration `yaml:"rescan_interval" koanf:"rescan_interval"`
	FlushInterval   time.Duration `yaml:"flush_interval" koanf:"flush_interval"`
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"` // console | json
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.convosearch",
		Sources: []Source{},
		Chunk: ChunkConfig{
			Unit:     "chars",
			MaxSize:  2000,
			Overlap:  0.15,
			Encoding: "cl100k_base",
		},
		Embed: EmbedConfig{
			Provider:   "local",
			BatchSize:  64,
			CacheSize:  10000,
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Search: SearchConfig{
			KeywordWeight:        0.5,
			SemanticWeight:       0.5,
			SingleBranchDiscount: 0.5,
			SemanticTopN:         200,
			KeywordCandidates:    5000,
			DefaultPageSize:      20,
			MaxPageSize:          100,
			CacheSize:            1000,
			CacheTTL:             5 * time.Minute,
			SnippetRadius:        120,
		},
		Pipeline: PipelineConfig{
			Workers:         2,
			QueueSize:       256,
			Debounce:        300 * time.Millisecond,
			MaxBatchFiles:   8,
			RetryBackoff:    30 * time.Second,
			MaxRetryBackoff: 30 * time.Minute,
			RescanInterval:  10 * time.Minute,
			FlushInterval:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path (optional) and the environment, then validates it
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "reading config %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "accessing config %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "loading env overrides")
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}

	if err := cfg.Expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps CONVOSEARCH_SEARCH__KEYWORD_WEIGHT to search.keyword_weight
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Expand resolves "~" in paths and fills per-source defaults
func (c *Config) Expand() error {
	dir, err := expandHome(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dir

	for i := range c.Sources {
		p, err := expandHome(c.Sources[i].Path)
		if err != nil {
			return err
		}
		c.Sources[i].Path = p
		if len(c.Sources[i].Include) == 0 {
			c.Sources[i].Include = []string{"**/*.jsonl"}
		}
		if c.Sources[i].Format == "" {
			c.Sources[i].Format = "canonical"
		}
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

var validUnits = map[string]bool{"chars": true, "tokens": true}

var validProviders = map[string]bool{"local": true, "openai": true, "ollama": true, "jina": true}

var validLogFormats = map[string]bool{"console": true, "json": true}

// Validate checks the configuration and returns a *types.ConfigError on failure
func (c *Config) Validate() error {
	fail := func(setting, format string, args ...interface{}) error {
		return &types.ConfigError{Setting: setting, Err: errors.Errorf(format, args...)}
	}

	if c.DataDir == "" {
		return fail("data_dir", "is required")
	}
	for i, src := range c.Sources {
		if src.Path == "" {
			return fail("sources", "source %d: path is required", i)
		}
	}

	if !validUnits[c.Chunk.Unit] {
		return fail("chunk.unit", "%q must be one of chars, tokens", c.Chunk.Unit)
	}
	if c.Chunk.MaxSize <= 0 {
		return fail("chunk.max_size", "must be positive")
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= 0.5 {
		return fail("chunk.overlap", "must be in [0, 0.5)")
	}

	if !validProviders[c.Embed.Provider] {
		return fail("embedding.provider", "%q must be one of local, openai, ollama, jina", c.Embed.Provider)
	}
	if c.Embed.Dimension < 0 {
		return fail("embedding.dimension", "must be non-negative")
	}
	if c.Embed.BatchSize <= 0 {
		return fail("embedding.batch_size", "must be positive")
	}
	if c.Embed.MaxRetries < 1 {
		return fail("embedding.max_retries", "must be at least 1")
	}
	if c.Embed.RequestsPerSecond < 0 {
		return fail("embedding.requests_per_second", "must be non-negative")
	}

	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return fail("search.weights", "must be non-negative")
	}
	if c.Search.KeywordWeight+c.Search.SemanticWeight == 0 {
		return fail("search.weights", "at least one weight must be positive")
	}
	if c.Search.SingleBranchDiscount < 0 || c.Search.SingleBranchDiscount > 1 {
		return fail("search.single_branch_discount", "must be in [0, 1]")
	}
	if c.Search.SemanticTopN <= 0 || c.Search.KeywordCandidates <= 0 {
		return fail("search.candidates", "semantic_top_n and keyword_candidates must be positive")
	}
	if c.Search.DefaultPageSize <= 0 || c.Search.MaxPageSize < c.Search.DefaultPageSize {
		return fail("search.page_size", "need 0 < default_page_size <= max_page_size")
	}

	if c.Pipeline.Workers <= 0 {
		return fail("pipeline.workers", "must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fail("pipeline.queue_size", "must be positive")
	}
	if c.Pipeline.MaxBatchFiles <= 0 {
		return fail("pipeline.max_batch_files", "must be positive")
	}
	if c.Pipeline.Debounce < 0 {
		return fail("pipeline.debounce", "must be non-negative")
	}

	if !validLogFormats[c.Log.Format] {
		return fail("log.format", "%q must be console or json", c.Log.Format)
	}
	return nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing config to %s", path)
	}
	return nil
}

// DBPath returns the SQLite index file location
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "convosearch.db")
}

// VectorDir returns the directory holding the vector index files
func (c *Config) VectorDir() string {
	return c.DataDir
}
