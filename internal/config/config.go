// Package config loads the pipeline configuration from YAML, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"merch-rank/internal/model"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned when the store domain or token is unset.
var ErrMissingCredentials = errors.New("store domain and API token are required")

// Config holds all application configuration.
type Config struct {
	StoreDomain  string `yaml:"store_domain"`
	APIToken     string `yaml:"api_token"`
	APIVersion   string `yaml:"api_version"`
	MinOrderDate string `yaml:"min_order_date"`
	ReviewsURL   string `yaml:"reviews_url"`

	KeyMode           model.KeyMode `yaml:"key_mode"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	HTTPTimeout       string        `yaml:"http_timeout"`
	JobTimeout        string        `yaml:"job_timeout"`

	Rankings []model.RankingSpec `yaml:"rankings"`

	OutputDir  string `yaml:"output_dir"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	ListenAddr string `yaml:"listen_addr"`
	Schedule   string `yaml:"schedule"`
}

var dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Load reads configuration from an optional YAML file, then a .env file in
// the working directory, then the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("MERCH_RANK_CONFIG"); path != "" {
		return path
	}
	return "./merch-rank.yaml"
}

// DefaultRankings are used when the config lists none.
func DefaultRankings() []model.RankingSpec {
	return []model.RankingSpec{
		{
			Name:    "merch-rank",
			File:    "merch-rank.json",
			Scoring: model.ScoringNone,
			Sort:    model.SortByStockRecency,
		},
		{
			Name:    "sales-rank",
			File:    "sales-rank.json",
			Scoring: model.ScoringWeighted,
			Weights: DefaultWeights(),
			Sort:    model.SortByScore,
		},
		{
			Name:      "tag-rankings",
			Dir:       "tag-rankings",
			Scoring:   model.ScoringNone,
			Sort:      model.SortByUnitsSold,
			Partition: model.PartitionTags,
			Limit:     50,
		},
	}
}

func DefaultWeights() model.Weights {
	return model.Weights{Revenue: 0.5, Units: 0.3, Stock: 0.2}
}

func applyDefaults(cfg *Config) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-01"
	}
	if cfg.MinOrderDate == "" {
		cfg.MinOrderDate = "2024-01-01"
	}
	if cfg.KeyMode == "" {
		cfg.KeyMode = model.KeyByHandle
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst == 0 {
		cfg.Burst = 4
	}
	if cfg.HTTPTimeout == "" {
		cfg.HTTPTimeout = "30s"
	}
	if cfg.JobTimeout == "" {
		cfg.JobTimeout = "10m"
	}
	if len(cfg.Rankings) == 0 {
		cfg.Rankings = DefaultRankings()
	}
	for i := range cfg.Rankings {
		r := &cfg.Rankings[i]
		if r.Scoring == "" {
			r.Scoring = model.ScoringNone
		}
		if r.Scoring == model.ScoringWeighted && r.Weights == (model.Weights{}) {
			r.Weights = DefaultWeights()
		}
		if r.Sort == "" {
			r.Sort = model.SortByScore
		}
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./outputs"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./merch-rank.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.StoreDomain = getEnv("SHOPIFY_STORE_DOMAIN", cfg.StoreDomain)
	cfg.APIToken = getEnv("SHOPIFY_API_TOKEN", cfg.APIToken)
	cfg.OutputDir = getEnv("MERCH_RANK_OUTPUT_DIR", cfg.OutputDir)
	cfg.DBPath = getEnv("MERCH_RANK_DB", cfg.DBPath)
	cfg.LogLevel = getEnv("MERCH_RANK_LOG_LEVEL", cfg.LogLevel)
	if rps := os.Getenv("MERCH_RANK_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RequestsPerSecond = v
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func validate(cfg *Config) error {
	if cfg.StoreDomain == "" || cfg.APIToken == "" {
		return ErrMissingCredentials
	}
	if !dateRegex.MatchString(cfg.MinOrderDate) {
		return fmt.Errorf("min_order_date must be YYYY-MM-DD, got %q", cfg.MinOrderDate)
	}
	if _, err := time.Parse("2006-01-02", cfg.MinOrderDate); err != nil {
		return fmt.Errorf("invalid min_order_date %q: %w", cfg.MinOrderDate, err)
	}
	switch cfg.KeyMode {
	case model.KeyByHandle, model.KeyByID:
	default:
		return fmt.Errorf("key_mode must be %q or %q, got %q", model.KeyByHandle, model.KeyByID, cfg.KeyMode)
	}
	if cfg.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	for _, d := range []struct{ name, value string }{
		{"http_timeout", cfg.HTTPTimeout},
		{"job_timeout", cfg.JobTimeout},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", d.name, d.value)
		}
	}

	names := make(map[string]bool)
	targets := make(map[string]bool)
	for _, r := range cfg.Rankings {
		if err := r.Validate(); err != nil {
			return err
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate ranking name %q", r.Name)
		}
		names[r.Name] = true
		target := r.File
		if r.Partitioned() {
			target = r.Dir
		}
		if targets[target] {
			return fmt.Errorf("ranking %s: output %q is used twice", r.Name, target)
		}
		targets[target] = true
	}
	return nil
}

// Job assembles the pipeline job for one run.
func (c *Config) Job() model.PipelineJobSpec {
	return model.PipelineJobSpec{
		Source: model.Source{
			StoreDomain:  c.StoreDomain,
			APIVersion:   c.APIVersion,
			MinOrderDate: c.MinOrderDate,
			ReviewsURL:   c.ReviewsURL,
		},
		KeyMode:  c.KeyMode,
		Rankings: c.Rankings,
		Concurrency: model.ConcurrencyConfig{
			RequestsPerSecond: c.RequestsPerSecond,
			Burst:             c.Burst,
			HTTPTimeout:       c.HTTPTimeout,
			JobTimeout:        c.JobTimeout,
		},
	}
}
