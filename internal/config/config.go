package config

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Company    CompanyConfig    `yaml:"company" mapstructure:"company"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Scope      ScopeConfig      `yaml:"scope" mapstructure:"scope"`
	Collectors CollectorsConfig `yaml:"collectors" mapstructure:"collectors"`
	TED        TEDConfig        `yaml:"ted" mapstructure:"ted"`
	ANAC       ANACConfig       `yaml:"anac" mapstructure:"anac"`
	Feeds      FeedsConfig      `yaml:"feeds" mapstructure:"feeds"`
	WebEvents  WebPagesConfig   `yaml:"web_events" mapstructure:"web_events"`
	WebTenders WebPagesConfig   `yaml:"web_tenders" mapstructure:"web_tenders"`
	WebSearch  WebSearchConfig  `yaml:"web_search" mapstructure:"web_search"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CompanyConfig is the profile the classifier scores against.
type CompanyConfig struct {
	Name         string   `yaml:"name" mapstructure:"name"`
	Sector       string   `yaml:"sector" mapstructure:"sector"`
	Description  string   `yaml:"description" mapstructure:"description"`
	Competencies []string `yaml:"competencies" mapstructure:"competencies"`
	BudgetMin    float64  `yaml:"budget_min" mapstructure:"budget_min"`
	BudgetMax    float64  `yaml:"budget_max" mapstructure:"budget_max"`
	Regions      []string `yaml:"regions" mapstructure:"regions"`
	SearchScope  string   `yaml:"search_scope" mapstructure:"search_scope"`
}

// ClassifyConfig configures the AI classification stage.
type ClassifyConfig struct {
	RelevanceThreshold int     `yaml:"relevance_threshold" mapstructure:"relevance_threshold"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	DelayMs            int     `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
}

// ScopeConfig bounds what the collectors look for.
type ScopeConfig struct {
	LookbackDays int      `yaml:"lookback_days" mapstructure:"lookback_days"`
	MaxResults   int      `yaml:"max_results" mapstructure:"max_results"`
	CPVCodes     []string `yaml:"cpv_codes" mapstructure:"cpv_codes"`
	Countries    []string `yaml:"countries" mapstructure:"countries"`
}

// CollectorsConfig toggles each source.
type CollectorsConfig struct {
	TED        bool `yaml:"ted" mapstructure:"ted"`
	ANAC       bool `yaml:"anac" mapstructure:"anac"`
	Feeds      bool `yaml:"feeds" mapstructure:"feeds"`
	WebEvents  bool `yaml:"web_events" mapstructure:"web_events"`
	WebTenders bool `yaml:"web_tenders" mapstructure:"web_tenders"`
	WebSearch  bool `yaml:"web_search" mapstructure:"web_search"`
}

// TEDConfig configures the TED search API collector.
type TEDConfig struct {
	SearchURL string `yaml:"search_url" mapstructure:"search_url"`
	PageSize  int    `yaml:"page_size" mapstructure:"page_size"`
}

// ANACConfig configures the ANAC open data collector.
type ANACConfig struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	DatasetPattern string `yaml:"dataset_pattern" mapstructure:"dataset_pattern"`
	MaxDownloadMB  int    `yaml:"max_download_mb" mapstructure:"max_download_mb"`
	MaxReleases    int    `yaml:"max_releases" mapstructure:"max_releases"`
}

// FeedsConfig lists RSS and Atom feeds of event announcements.
type FeedsConfig struct {
	URLs     []string `yaml:"urls" mapstructure:"urls"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
}

// WebPagesConfig configures a two-phase crawl over seed pages.
type WebPagesConfig struct {
	SeedPages      []string `yaml:"seed_pages" mapstructure:"seed_pages"`
	MaxLinks       int      `yaml:"max_links" mapstructure:"max_links"`
	MaxURLsPerSeed int      `yaml:"max_urls_per_seed" mapstructure:"max_urls_per_seed"`
	MaxPages       int      `yaml:"max_pages" mapstructure:"max_pages"`
}

// WebSearchConfig configures grounded search discovery.
type WebSearchConfig struct {
	Queries     []string `yaml:"queries" mapstructure:"queries"`
	MaxPerQuery int      `yaml:"max_per_query" mapstructure:"max_per_query"`
}

// EnrichConfig configures the date enrichment stage.
type EnrichConfig struct {
	DelayMs       int  `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxTextLength int  `yaml:"max_text_length" mapstructure:"max_text_length"`
	MaxAttempts   int  `yaml:"max_attempts" mapstructure:"max_attempts"`
	TEDXML        bool `yaml:"ted_xml" mapstructure:"ted_xml"`
}

// AIConfig selects the structured-output provider.
type AIConfig struct {
	Provider          string `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	BreakerThreshold  int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	RetryInitialMs    int    `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxBackoffMs int    `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// FetchConfig configures outbound HTTP.
type FetchConfig struct {
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	RespectRobots     bool    `yaml:"respect_robots" mapstructure:"respect_robots"`
	CacheTTLMinutes   int     `yaml:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`
	MaxBodyMB         int     `yaml:"max_body_mb" mapstructure:"max_body_mb"`
}

// CheckpointConfig configures the per-run pipeline cache.
type CheckpointConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	Dir          string `yaml:"dir" mapstructure:"dir"`
	DSN          string `yaml:"dsn" mapstructure:"dsn"`
	Resume       bool   `yaml:"resume" mapstructure:"resume"`
	StrictConfig bool   `yaml:"strict_config" mapstructure:"strict_config"`
}

// StoreConfig configures the run history backend. An empty driver disables it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from path (or ./config.yaml when path is empty),
// MONITOR_* environment variables and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional unless given explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("company.name", "")
	v.SetDefault("company.sector", "IT consulting")
	v.SetDefault("company.description", "")
	v.SetDefault("company.competencies", []string{"SAP", "Data Engineering", "Artificial Intelligence", "Cloud"})
	v.SetDefault("company.budget_min", 0)
	v.SetDefault("company.budget_max", 0)
	v.SetDefault("company.regions", []string{"Italia"})
	v.SetDefault("company.search_scope", "")
	v.SetDefault("classify.relevance_threshold", 6)
	v.SetDefault("classify.concurrency", 4)
	v.SetDefault("classify.delay_ms", 1000)
	v.SetDefault("classify.max_attempts", 3)
	v.SetDefault("classify.temperature", 0.2)
	v.SetDefault("scope.lookback_days", 7)
	v.SetDefault("scope.max_results", 200)
	v.SetDefault("scope.cpv_codes", []string{"72", "48", "62", "64.2"})
	v.SetDefault("scope.countries", []string{"IT"})
	v.SetDefault("collectors.ted", true)
	v.SetDefault("collectors.anac", true)
	v.SetDefault("collectors.feeds", true)
	v.SetDefault("collectors.web_events", false)
	v.SetDefault("collectors.web_tenders", false)
	v.SetDefault("collectors.web_search", false)
	v.SetDefault("ted.search_url", "https://api.ted.europa.eu/v3/notices/search")
	v.SetDefault("ted.page_size", 100)
	v.SetDefault("anac.base_url", "https://dati.anticorruzione.it/opendata")
	v.SetDefault("anac.dataset_pattern", "ocds-appalti-ordinari-%d")
	v.SetDefault("anac.max_download_mb", 200)
	v.SetDefault("anac.max_releases", 500)
	v.SetDefault("feeds.urls", []string{})
	v.SetDefault("feeds.keywords", []string{})
	v.SetDefault("web_events.seed_pages", []string{})
	v.SetDefault("web_events.max_links", 200)
	v.SetDefault("web_events.max_urls_per_seed", 15)
	v.SetDefault("web_events.max_pages", 30)
	v.SetDefault("web_tenders.seed_pages", []string{})
	v.SetDefault("web_tenders.max_links", 150)
	v.SetDefault("web_tenders.max_urls_per_seed", 15)
	v.SetDefault("web_tenders.max_pages", 20)
	v.SetDefault("web_search.queries", []string{})
	v.SetDefault("web_search.max_per_query", 10)
	v.SetDefault("enrich.delay_ms", 1000)
	v.SetDefault("enrich.max_text_length", 12000)
	v.SetDefault("enrich.max_attempts", 2)
	v.SetDefault("enrich.ted_xml", true)
	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.timeout_secs", 60)
	v.SetDefault("ai.max_tokens", 2048)
	v.SetDefault("ai.breaker_threshold", 10)
	v.SetDefault("ai.breaker_reset_secs", 60)
	v.SetDefault("ai.retry_initial_ms", 1000)
	v.SetDefault("ai.retry_max_backoff_ms", 30000)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("fetch.user_agent", "tender-monitor/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_second", 2.0)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.cache_ttl_minutes", 60)
	v.SetDefault("fetch.max_body_mb", 10)
	v.SetDefault("checkpoint.driver", "file")
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.dsn", "checkpoints.db")
	v.SetDefault("checkpoint.resume", true)
	v.SetDefault("checkpoint.strict_config", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "monitor.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate reports configuration errors that must stop the program before
// any work starts.
func (c *Config) Validate() error {
	if c.Classify.RelevanceThreshold < 1 || c.Classify.RelevanceThreshold > 10 {
		return eris.Errorf("config: classify.relevance_threshold must be in [1,10], got %d", c.Classify.RelevanceThreshold)
	}
	if c.Company.BudgetMax > 0 && c.Company.BudgetMin > c.Company.BudgetMax {
		return eris.Errorf("config: company.budget_min (%.0f) exceeds company.budget_max (%.0f)", c.Company.BudgetMin, c.Company.BudgetMax)
	}
	if c.Scope.LookbackDays < 0 {
		return eris.New("config: scope.lookback_days must not be negative")
	}

	switch c.AI.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required when ai.provider is anthropic")
		}
	case "openai":
		if c.OpenAI.Key == "" {
			return eris.New("config: openai.key is required when ai.provider is openai")
		}
	default:
		return eris.Errorf("config: unknown ai.provider %q", c.AI.Provider)
	}

	if c.Collectors.WebSearch && c.Perplexity.Key == "" {
		return eris.New("config: perplexity.key is required when collectors.web_search is enabled")
	}

	switch c.Checkpoint.Driver {
	case "file":
		if c.Checkpoint.Dir == "" {
			return eris.New("config: checkpoint.dir is required for the file driver")
		}
	case "sqlite":
		if c.Checkpoint.DSN == "" {
			return eris.New("config: checkpoint.dsn is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unknown checkpoint.driver %q", c.Checkpoint.Driver)
	}

	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required when store.driver is set")
	}

	return nil
}

// snapshot is the subset of configuration that changes what a run produces.
type snapshot struct {
	Company    CompanyConfig    `yaml:"company"`
	Classify   ClassifyConfig   `yaml:"classify"`
	Scope      ScopeConfig      `yaml:"scope"`
	Collectors CollectorsConfig `yaml:"collectors"`
	AIProvider string           `yaml:"ai_provider"`
}

// SnapshotHash returns a stable digest of the result-affecting configuration.
// Checkpoints record it so a resume can detect a changed profile or scope.
func (c *Config) SnapshotHash() (string, error) {
	b, err := yaml.Marshal(snapshot{
		Company:    c.Company,
		Classify:   c.Classify,
		Scope:      c.Scope,
		Collectors: c.Collectors,
		AIProvider: c.AI.Provider,
	})
	if err != nil {
		return "", eris.Wrap(err, "config: marshal snapshot")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8]), nil
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
