package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/tiermem/internal/scoring"
)

// Config holds all tiermem configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Hot         HotConfig         `yaml:"hot"`
	Warm        WarmConfig        `yaml:"warm"`
	Cold        ColdConfig        `yaml:"cold"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Query       QueryConfig       `yaml:"query"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	// Home is the base directory for all tiers. Resolved to an absolute
	// path once by Load.
	Home       string `yaml:"home"`
	SyncWrites bool   `yaml:"sync_writes"` // fsync every hot log record
}

type HotConfig struct {
	Capacity  int           `yaml:"capacity"`
	Retention time.Duration `yaml:"retention"` // age at which entries consolidate
	LowWater  int           `yaml:"low_water"` // ring size a full ring drains down to
}

type WarmConfig struct {
	Capacity      int     `yaml:"capacity"`
	RRFK          float64 `yaml:"rrf_k"`
	KeywordWeight float64 `yaml:"keyword_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
}

type ColdConfig struct {
	Retention time.Duration `yaml:"retention"` // 0 keeps everything
}

type ScoringConfig struct {
	HotHalfLife   time.Duration   `yaml:"hot_half_life"`
	WarmHalfLife  time.Duration   `yaml:"warm_half_life"`
	RecencyWindow time.Duration   `yaml:"recency_window"`
	Weights       scoring.Weights `yaml:"weights"`
}

type MaintenanceConfig struct {
	Interval         time.Duration `yaml:"interval"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	ConsolidateBatch int           `yaml:"consolidate_batch"`
	EmbedBatch       int           `yaml:"embed_batch"`
}

type QueryConfig struct {
	EmbedTimeout  time.Duration `yaml:"embed_timeout"`
	DefaultBudget int           `yaml:"default_budget"`
	HotScan       int           `yaml:"hot_scan"`
	WarmLimit     int           `yaml:"warm_limit"`
}

type EmbedderConfig struct {
	Provider   string        `yaml:"provider"` // "auto", "ollama", "tfidf", "none"
	OllamaURL  string        `yaml:"ollama_url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheBytes int64         `yaml:"cache_bytes"`
	TFIDFTerms int           `yaml:"tfidf_terms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	policy := scoring.DefaultPolicy()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Storage: StorageConfig{
			Home: "~/.tiermem",
		},
		Hot: HotConfig{
			Capacity:  256,
			Retention: 30 * time.Minute,
			LowWater:  192,
		},
		Warm: WarmConfig{
			Capacity:      5000,
			RRFK:          60,
			KeywordWeight: 1,
			VectorWeight:  1,
		},
		Cold: ColdConfig{
			Retention: 90 * 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			HotHalfLife:   policy.HotHalfLife,
			WarmHalfLife:  policy.WarmHalfLife,
			RecencyWindow: policy.RecencyWindow,
			Weights:       policy.Weights,
		},
		Maintenance: MaintenanceConfig{
			Interval:         time.Minute,
			StepTimeout:      20 * time.Second,
			ConsolidateBatch: 500,
			EmbedBatch:       100,
		},
		Query: QueryConfig{
			EmbedTimeout:  750 * time.Millisecond,
			DefaultBudget: 4000,
			HotScan:       256,
			WarmLimit:     20,
		},
		Embedder: EmbedderConfig{
			Provider:   "auto",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    10 * time.Second,
			CacheBytes: 32 << 20,
			TFIDFTerms: 512,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: $TIERMEM_CONFIG, else
// ~/.tiermem/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("TIERMEM_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tiermem", "config.yaml")
}

// Load builds the configuration: defaults, then the YAML file at path (a
// missing file is not an error), then environment overrides. The storage
// home is resolved to an absolute path here and nowhere else.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	home, err := resolveHome(cfg.Storage.Home)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Home = home

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TIERMEM_HOME"); v != "" {
		c.Storage.Home = v
	}
	if v := os.Getenv("TIERMEM_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("TIERMEM_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("TIERMEM_ADDR port: %w", err)
		}
		if host != "" {
			c.Server.Bind = host
		}
		c.Server.Port = p
	}
	if v := os.Getenv("TIERMEM_OLLAMA_URL"); v != "" {
		c.Embedder.OllamaURL = v
	}
	if v := os.Getenv("TIERMEM_EMBEDDER"); v != "" {
		c.Embedder.Provider = v
	}
	if v := os.Getenv("TIERMEM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func resolveHome(home string) (string, error) {
	if home == "" {
		return "", fmt.Errorf("storage.home must not be empty")
	}
	if home == "~" || strings.HasPrefix(home, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, strings.TrimPrefix(home, "~"))
	}
	abs, err := filepath.Abs(home)
	if err != nil {
		return "", fmt.Errorf("resolve storage home: %w", err)
	}
	return abs, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Hot.Capacity < 1 {
		return fmt.Errorf("hot.capacity must be positive, got %d", c.Hot.Capacity)
	}
	if c.Hot.LowWater < 0 || c.Hot.LowWater > c.Hot.Capacity {
		return fmt.Errorf("hot.low_water must be between 0 and hot.capacity, got %d", c.Hot.LowWater)
	}
	if c.Warm.Capacity < 0 {
		return fmt.Errorf("warm.capacity must not be negative, got %d", c.Warm.Capacity)
	}
	if c.Warm.RRFK <= 0 {
		return fmt.Errorf("warm.rrf_k must be positive, got %v", c.Warm.RRFK)
	}
	if c.Warm.KeywordWeight < 0 || c.Warm.VectorWeight < 0 {
		return fmt.Errorf("warm weights must not be negative")
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	switch c.Embedder.Provider {
	case "auto", "ollama", "tfidf", "none":
	default:
		return fmt.Errorf("embedder.provider must be auto, ollama, tfidf or none, got %q", c.Embedder.Provider)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// BaseURL is the address clients use to reach the server.
func (c *Config) BaseURL() string {
	return "http://" + c.ListenAddr()
}

// HotLogPath is the hot tier durability log.
func (c *Config) HotLogPath() string { return filepath.Join(c.Storage.Home, "hot.log") }

// WarmDBPath is the warm tier database.
func (c *Config) WarmDBPath() string { return filepath.Join(c.Storage.Home, "warm.db") }

// ColdDir holds the cold tier day segments.
func (c *Config) ColdDir() string { return filepath.Join(c.Storage.Home, "cold") }

// Policy builds the scoring policy from the scoring section.
func (c *Config) Policy() scoring.Policy {
	return scoring.Policy{
		HotHalfLife:   c.Scoring.HotHalfLife,
		WarmHalfLife:  c.Scoring.WarmHalfLife,
		RecencyWindow: c.Scoring.RecencyWindow,
		Weights:       c.Scoring.Weights,
	}
}
