package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// DSN is the pooled connection string used for all queue and
	// billing queries.
	DSN string `yaml:"dsn"`
	// ListenDSN is a direct (non-pooled) connection string used for
	// LISTEN/NOTIFY. PgBouncer-style poolers break LISTEN, so this
	// must point at the database directly.
	ListenDSN string `yaml:"listenDsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type NuqConfig struct {
	// LeaseSeconds is how long a claimed job may go without a lock
	// renewal before the reaper requeues it. Workers renew every
	// LeaseSeconds/3.
	LeaseSeconds          int `yaml:"leaseSeconds"`
	ReaperIntervalSeconds int `yaml:"reaperIntervalSeconds"`
}

type AdmissionConfig struct {
	// MaxJobDurationSeconds is the score horizon for the active-jobs
	// register; entries older than this stop counting toward a team's
	// concurrency.
	MaxJobDurationSeconds int `yaml:"maxJobDurationSeconds"`
	PromoterIntervalMs    int `yaml:"promoterIntervalMs"`
	// ShareConcurrencyAcrossModes lets the higher of two mode limits
	// win when combining ceilings. Teams carry a single concurrency
	// column today, so both sides of the combination resolve to the
	// same value; the knob matters only once per-mode limits exist.
	ShareConcurrencyAcrossModes bool `yaml:"shareConcurrencyAcrossModes"`
}

type ScraperConfig struct {
	UserAgent           string `yaml:"userAgent"`
	TimeoutMs           int    `yaml:"timeoutMs"`
	LinksSameDomainOnly bool   `yaml:"linksSameDomainOnly"`
	LinksMaxPerDocument int    `yaml:"linksMaxPerDocument"`
}

type CrawlerConfig struct {
	MaxDepthDefault int `yaml:"maxDepthDefault"`
	MaxPagesDefault int `yaml:"maxPagesDefault"`
	// HardPageLimit caps crawls that request the "unbounded" sentinel
	// limit used by sitemap-only crawls.
	HardPageLimit int `yaml:"hardPageLimit"`
	TTLHours      int `yaml:"ttlHours"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type BrowserConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ControlURL string `yaml:"controlUrl"`
}

type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int            `yaml:"defaultPerMinute"`
	PerMode          map[string]int `yaml:"perMode"`
}

type WorkerConfig struct {
	Concurrency          int `yaml:"concurrency"`
	PollIntervalMs       int `yaml:"pollIntervalMs"`
	SyncJobWaitTimeoutMs int `yaml:"syncJobWaitTimeoutMs"`
}

type LLMConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
	// CostLimitTokens bounds how many tokens a single extract run may
	// consume before it returns a partial result with a warning.
	CostLimitTokens int `yaml:"costLimitTokens"`
}

type SearxngConfig struct {
	BaseURL      string `yaml:"baseURL"`
	DefaultLimit int    `yaml:"defaultLimit"`
	TimeoutMs    int    `yaml:"timeoutMs"`
}

type SearchConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxResults           int           `yaml:"maxResults"`
	TimeoutMs            int           `yaml:"timeoutMs"`
	MaxConcurrentScrapes int           `yaml:"maxConcurrentScrapes"`
	PreviewToken         string        `yaml:"previewToken"`
	Searxng              SearxngConfig `yaml:"searxng"`
}

type ExtractConfig struct {
	ChunkSize           int `yaml:"chunkSize"`
	DocTimeoutMs        int `yaml:"docTimeoutMs"`
	RecordTTLHours      int `yaml:"recordTTLHours"`
	MaxConcurrentChunks int `yaml:"maxConcurrentChunks"`
}

type BillingConfig struct {
	// Enabled gates credit persistence; overridden by the
	// USE_DB_AUTHENTICATION environment variable.
	Enabled bool `yaml:"enabled"`
}

type WebhookConfig struct {
	TimeoutMs int `yaml:"timeoutMs"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Nuq       NuqConfig       `yaml:"nuq"`
	Admission AdmissionConfig `yaml:"admission"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Robots    RobotsConfig    `yaml:"robots"`
	Browser   BrowserConfig   `yaml:"browser"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Extract   ExtractConfig   `yaml:"extract"`
	Billing   BillingConfig   `yaml:"billing"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	ApplyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	return &cfg
}

// ApplyEnvOverrides lets the recognized environment variables win over
// file-provided values so container deployments do not need a config
// rewrite per environment.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NUQ_DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("NUQ_DATABASE_URL_LISTEN"); v != "" {
		cfg.Database.ListenDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("USE_DB_AUTHENTICATION"); v != "" {
		cfg.Billing.Enabled = v == "true"
	}
	if v := os.Getenv("SEARCH_PREVIEW_TOKEN"); v != "" {
		cfg.Search.PreviewToken = v
	}
}

func ApplyDefaults(cfg *Config) {
	if cfg.Database.ListenDSN == "" {
		cfg.Database.ListenDSN = cfg.Database.DSN
	}
	if cfg.Nuq.LeaseSeconds <= 0 {
		cfg.Nuq.LeaseSeconds = 60
	}
	if cfg.Nuq.ReaperIntervalSeconds <= 0 {
		cfg.Nuq.ReaperIntervalSeconds = 15
	}
	if cfg.Admission.MaxJobDurationSeconds <= 0 {
		cfg.Admission.MaxJobDurationSeconds = 300
	}
	if cfg.Admission.PromoterIntervalMs <= 0 {
		cfg.Admission.PromoterIntervalMs = 1000
	}
	if cfg.Scraper.TimeoutMs <= 0 {
		cfg.Scraper.TimeoutMs = 30000
	}
	if cfg.Crawler.MaxPagesDefault <= 0 {
		cfg.Crawler.MaxPagesDefault = 100
	}
	if cfg.Crawler.HardPageLimit <= 0 {
		cfg.Crawler.HardPageLimit = 100000
	}
	if cfg.Crawler.TTLHours <= 0 {
		cfg.Crawler.TTLHours = 24
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalMs <= 0 {
		cfg.Worker.PollIntervalMs = 500
	}
	if cfg.Worker.SyncJobWaitTimeoutMs <= 0 {
		cfg.Worker.SyncJobWaitTimeoutMs = 60000
	}
	if cfg.Extract.ChunkSize <= 0 {
		cfg.Extract.ChunkSize = 50
	}
	if cfg.Extract.DocTimeoutMs <= 0 {
		cfg.Extract.DocTimeoutMs = 45000
	}
	if cfg.Extract.RecordTTLHours <= 0 {
		cfg.Extract.RecordTTLHours = 6
	}
	if cfg.Extract.MaxConcurrentChunks <= 0 {
		cfg.Extract.MaxConcurrentChunks = 4
	}
	if cfg.Webhook.TimeoutMs <= 0 {
		cfg.Webhook.TimeoutMs = 10000
	}
}
