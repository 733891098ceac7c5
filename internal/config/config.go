// Package config loads and validates the docfind configuration.
// Values come from a YAML file with defaults applied first and a small set
// of environment variable overrides applied last.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// TTLMode selects how cache entry expiry is referenced.
type TTLMode string

const (
	// TTLModeSliding expires entries relative to their last access.
	TTLModeSliding TTLMode = "sliding"
	// TTLModeAbsolute expires entries relative to their creation.
	TTLModeAbsolute TTLMode = "absolute"
)

// Config represents the complete docfind configuration.
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Search  SearchConfig  `yaml:"search"`
	Cache   CacheConfig   `yaml:"cache"`
	Reindex ReindexConfig `yaml:"reindex"`
	LLM     LLMConfig     `yaml:"llm"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
}

// ServerConfig carries settings consumed by the HTTP surface in front of
// the core (CORS, proxy trust). The core itself only loads and validates
// them per environment.
type ServerConfig struct {
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	TrustProxy         bool     `yaml:"trust_proxy"`
	AllowedProxyCIDRs  []string `yaml:"allowed_proxy_cidrs"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// DocumentsRoot is the directory all stored document paths must resolve under.
	DocumentsRoot string `yaml:"documents_root"`
	// ExtractedDir holds the plain-text bodies extracted from the PDFs.
	ExtractedDir string `yaml:"extracted_dir"`
	// DataDir holds the metadata store, index artifacts and caches.
	DataDir string `yaml:"data_dir"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	BM25TopK  int `yaml:"bm25_top_k"`
	VecTopK   int `yaml:"vec_top_k"`
	RRFK      int `yaml:"rrf_k"`
	FinalTopK int `yaml:"final_top_k"`

	// BM25K1 and BM25B are the BM25 scoring parameters. They enter the
	// config hash; the lexical index build does not apply them.
	BM25K1 float64 `yaml:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b"`

	// MinTextLength filters documents too short to index.
	MinTextLength int `yaml:"min_text_length"`

	// LowConfDelta / LowConfMinHits configure the low-confidence log signal.
	LowConfDelta   float64 `yaml:"low_conf_delta"`
	LowConfMinHits int     `yaml:"low_conf_min_hits"`
}

// CacheConfig configures the two-tier answer cache.
type CacheConfig struct {
	MaxSize             int     `yaml:"max_size"`
	TTLSeconds          int     `yaml:"ttl_seconds"`
	TTLMode             TTLMode `yaml:"ttl_mode"`
	MaxDBMB             int     `yaml:"max_db_mb"`
	CleanupProb         float64 `yaml:"cleanup_prob"`
	AllowUngroundedChat bool    `yaml:"allow_ungrounded_chat"`
}

// ReindexConfig configures the reindex lock.
type ReindexConfig struct {
	LockTimeoutSec float64 `yaml:"lock_timeout_sec"`
	PollMS         int     `yaml:"poll_ms"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	// Endpoint is an OpenAI-compatible completion endpoint (e.g. a local
	// llama.cpp server). Empty leaves the client on the library's default
	// OpenAI base URL.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	MaxRetry          int `yaml:"max_retry"`
	MaxContextTokens  int `yaml:"max_context_tokens"`
	MaxResponseTokens int `yaml:"max_response_tokens"`
	TimeoutSec        int `yaml:"timeout_sec"`
}

// IngestConfig configures ingestion behavior.
type IngestConfig struct {
	// WatchDebounce is the debounce window for the extracted-texts watcher.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	// EmbedDimensions is the dimension of the offline embedder.
	EmbedDimensions int `yaml:"embed_dimensions"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DocumentsRoot: "docs",
			ExtractedDir:  "docs/extracted",
			DataDir:       "var",
		},
		Search: SearchConfig{
			BM25TopK:       20,
			VecTopK:        20,
			RRFK:           60,
			FinalTopK:      5,
			BM25K1:         1.5,
			BM25B:          0.75,
			MinTextLength:  100,
			LowConfDelta:   0.05,
			LowConfMinHits: 1,
		},
		Cache: CacheConfig{
			MaxSize:     100,
			TTLSeconds:  7200,
			TTLMode:     TTLModeSliding,
			MaxDBMB:     256,
			CleanupProb: 0.01,
		},
		Reindex: ReindexConfig{
			LockTimeoutSec: 1.5,
			PollMS:         200,
		},
		LLM: LLMConfig{
			Model:             "qwen2.5-7b-instruct",
			MaxRetry:          1,
			MaxContextTokens:  2000,
			MaxResponseTokens: 1200,
			TimeoutSec:        120,
		},
		Ingest: IngestConfig{
			WatchDebounce:   2 * time.Second,
			EmbedDimensions: 256,
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "var/log/docfind.log",
		},
	}
}

// Load reads configuration from path, applying defaults for absent fields
// and environment overrides afterwards. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, dferrors.Wrap(dferrors.ErrCodeConfigNotFound, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, dferrors.ConfigError(fmt.Sprintf("parse %s", path), err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the small set of supported env knobs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCFIND_DOCUMENTS_ROOT"); v != "" {
		cfg.Paths.DocumentsRoot = v
	}
	if v := os.Getenv("DOCFIND_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("DOCFIND_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("MAX_LLM_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxRetry = n
		}
	}
	if v := os.Getenv("LOW_CONF_DELTA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.LowConfDelta = f
		}
	}
}

// Validate checks ranges and enums. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Paths.DocumentsRoot == "" {
		return dferrors.ConfigError("paths.documents_root is required", nil)
	}
	if c.Paths.DataDir == "" {
		return dferrors.ConfigError("paths.data_dir is required", nil)
	}
	if c.Search.BM25TopK <= 0 || c.Search.VecTopK <= 0 {
		return dferrors.ConfigError("search top_k values must be positive", nil)
	}
	if c.Search.RRFK <= 0 {
		return dferrors.ConfigError("search.rrf_k must be positive", nil)
	}
	if c.Search.FinalTopK <= 0 || c.Search.FinalTopK > 100 {
		return dferrors.ConfigError("search.final_top_k must be in 1..100", nil)
	}
	if c.Search.MinTextLength < 0 {
		return dferrors.ConfigError("search.min_text_length must not be negative", nil)
	}
	if c.Cache.MaxSize < 1 {
		return dferrors.ConfigError("cache.max_size must be at least 1", nil)
	}
	if c.Cache.TTLSeconds <= 0 {
		return dferrors.ConfigError("cache.ttl_seconds must be positive", nil)
	}
	switch c.Cache.TTLMode {
	case TTLModeSliding, TTLModeAbsolute:
	default:
		return dferrors.ConfigError(fmt.Sprintf("cache.ttl_mode %q is not one of sliding|absolute", c.Cache.TTLMode), nil)
	}
	if c.Cache.CleanupProb < 0 || c.Cache.CleanupProb > 1 {
		return dferrors.ConfigError("cache.cleanup_prob must be in 0..1", nil)
	}
	if c.Reindex.LockTimeoutSec <= 0 {
		return dferrors.ConfigError("reindex.lock_timeout_sec must be positive", nil)
	}
	if c.Reindex.PollMS <= 0 {
		return dferrors.ConfigError("reindex.poll_ms must be positive", nil)
	}
	if c.LLM.MaxRetry < 0 {
		return dferrors.ConfigError("llm.max_retry must not be negative", nil)
	}
	if c.LLM.MaxContextTokens <= 0 || c.LLM.MaxResponseTokens <= 0 {
		return dferrors.ConfigError("llm token budgets must be positive", nil)
	}
	if c.Ingest.EmbedDimensions <= 0 {
		return dferrors.ConfigError("ingest.embed_dimensions must be positive", nil)
	}
	return nil
}

// LockTimeout returns the reindex lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Reindex.LockTimeoutSec * float64(time.Second))
}

// PollInterval returns the reindex lock poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Reindex.PollMS) * time.Millisecond
}

// Hash returns a short stable hash over the retrieval-affecting settings.
// It is embedded in the cache namespace so a config change invalidates
// cached answers without an explicit flush.
func (c *Config) Hash() string {
	fields := map[string]string{
		"bm25_top_k":      strconv.Itoa(c.Search.BM25TopK),
		"vec_top_k":       strconv.Itoa(c.Search.VecTopK),
		"rrf_k":           strconv.Itoa(c.Search.RRFK),
		"final_top_k":     strconv.Itoa(c.Search.FinalTopK),
		"bm25_k1":         strconv.FormatFloat(c.Search.BM25K1, 'f', -1, 64),
		"bm25_b":          strconv.FormatFloat(c.Search.BM25B, 'f', -1, 64),
		"min_text_length": strconv.Itoa(c.Search.MinTextLength),
		"embed_dims":      strconv.Itoa(c.Ingest.EmbedDimensions),
		"llm_model":       c.LLM.Model,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(fields[k]))
		h.Write([]byte(";"))
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
