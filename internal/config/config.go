package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	VideoML   VideoMLConfig   `yaml:"videoml" mapstructure:"videoml"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Synthesis SynthesisConfig `yaml:"synthesis" mapstructure:"synthesis"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for synthesis.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// VideoMLConfig holds the video annotation provider settings.
type VideoMLConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ScrapeConfig holds the item scraping provider settings.
type ScrapeConfig struct {
	Token          string  `yaml:"token" mapstructure:"token"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	ActorID        string  `yaml:"actor_id" mapstructure:"actor_id"`
	MaxItems       int     `yaml:"max_items" mapstructure:"max_items"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// FetchConfig configures media download behavior.
type FetchConfig struct {
	ArtifactDir string `yaml:"artifact_dir" mapstructure:"artifact_dir"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// PipelineConfig configures the stage runner.
type PipelineConfig struct {
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	FetchTimeoutSecs     int     `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	AnnotateTimeoutSecs  int     `yaml:"annotate_timeout_secs" mapstructure:"annotate_timeout_secs"`
	GenerateTimeoutSecs  int     `yaml:"generate_timeout_secs" mapstructure:"generate_timeout_secs"`
	MaxConcurrentJobs    int     `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
}

// SynthesisConfig holds defaults for the insight generation step.
type SynthesisConfig struct {
	Focus              string  `yaml:"focus" mapstructure:"focus"`
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
	IdeaCount          int     `yaml:"idea_count" mapstructure:"idea_count"`
	TranscriptMaxChars int     `yaml:"transcript_max_chars" mapstructure:"transcript_max_chars"`
}

// NotionConfig holds optional report publishing settings.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	DatabaseID string `yaml:"database_id" mapstructure:"database_id"`
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLIPSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "clipsight.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("videoml.base_url", "https://api.videoml.dev/v1")
	v.SetDefault("videoml.requests_per_sec", 2)
	v.SetDefault("scrape.base_url", "https://api.apify.com/v2")
	v.SetDefault("scrape.actor_id", "clockworks~tiktok-scraper")
	v.SetDefault("scrape.max_items", 200)
	v.SetDefault("scrape.requests_per_sec", 1)
	v.SetDefault("fetch.artifact_dir", "artifacts")
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("pipeline.failure_rate_threshold", 0.5)
	v.SetDefault("pipeline.fetch_timeout_secs", 120)
	v.SetDefault("pipeline.annotate_timeout_secs", 180)
	v.SetDefault("pipeline.generate_timeout_secs", 120)
	v.SetDefault("pipeline.max_concurrent_jobs", 4)
	v.SetDefault("synthesis.focus", "analytical")
	v.SetDefault("synthesis.temperature", 0.7)
	v.SetDefault("synthesis.idea_count", 5)
	v.SetDefault("synthesis.transcript_max_chars", 1500)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
