package factory

import (
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"

	"github.com/npmstat/trafficd/internal/daterange"
	"github.com/npmstat/trafficd/internal/pkgname"
)

// Config is the top-level configuration loaded from config/trafficdcfg.yaml.
type Config struct {
	Info     InfoSection     `yaml:"info"`
	Server   ServerSection   `yaml:"server"`
	Upstream UpstreamSection `yaml:"upstream"`
	Cache    CacheSection    `yaml:"cache"`
	Warmup   WarmupSection   `yaml:"warmup"`
	Logging  LoggingSection  `yaml:"logging"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- server (dashboards → trafficd) ----------

type ServerSection struct {
	ListenAddr         string           `yaml:"listenAddr"` // e.g. "0.0.0.0:8080"
	ReadTimeoutSec     int              `yaml:"readTimeoutSec"`
	WriteTimeoutSec    int              `yaml:"writeTimeoutSec"`
	ShutdownTimeoutSec int              `yaml:"shutdownTimeoutSec"`
	RateLimit          RateLimitSection `yaml:"rateLimit"`
}

// RateLimitSection is process wide. A negative requestsPerSecond disables it.
type RateLimitSection struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// ---------- upstream (trafficd → registry) ----------

type UpstreamSection struct {
	BaseURL          string         `yaml:"baseUrl"`     // e.g. "https://api.npmjs.org"
	TimeoutSec       int            `yaml:"timeoutSec"`  // per attempt
	MaxAttempts      int            `yaml:"maxAttempts"` // 1 or 2
	RetryAfterMinSec int            `yaml:"retryAfterMinSec"`
	RetryAfterMaxSec int            `yaml:"retryAfterMaxSec"`
	UserAgent        string         `yaml:"userAgent"`
	Breaker          BreakerSection `yaml:"breaker"`
}

type BreakerSection struct {
	Enabled             *bool `yaml:"enabled,omitempty"` // default true
	ConsecutiveFailures int   `yaml:"consecutiveFailures"`
	OpenTimeoutSec      int   `yaml:"openTimeoutSec"`
}

// IsEnabled reports the effective breaker toggle.
func (b BreakerSection) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// ---------- cache ----------

type CacheSection struct {
	TrafficFreshSec  int `yaml:"trafficFreshSec"`
	TrafficStaleSec  int `yaml:"trafficStaleSec"`
	SweepIntervalSec int `yaml:"sweepIntervalSec"`
}

// ---------- warm-up ----------

type WarmupSection struct {
	Packages    []string `yaml:"packages"`
	Days        int      `yaml:"days"`
	IntervalSec int      `yaml:"intervalSec"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// server
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		cfg.Server.ListenAddr = "0.0.0.0:8080"
	}
	if cfg.Server.ReadTimeoutSec <= 0 {
		cfg.Server.ReadTimeoutSec = 5
	}
	if cfg.Server.WriteTimeoutSec <= 0 {
		cfg.Server.WriteTimeoutSec = 15
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		cfg.Server.ShutdownTimeoutSec = 10
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 20
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = 40
	}
	// upstream
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		cfg.Upstream.BaseURL = "https://api.npmjs.org"
	}
	if cfg.Upstream.TimeoutSec <= 0 {
		cfg.Upstream.TimeoutSec = 5
	}
	if cfg.Upstream.MaxAttempts == 0 {
		cfg.Upstream.MaxAttempts = 2
	}
	if cfg.Upstream.RetryAfterMinSec <= 0 {
		cfg.Upstream.RetryAfterMinSec = 1
	}
	if cfg.Upstream.RetryAfterMaxSec <= 0 {
		cfg.Upstream.RetryAfterMaxSec = 5
	}
	if strings.TrimSpace(cfg.Upstream.UserAgent) == "" {
		cfg.Upstream.UserAgent = "trafficd/1.0"
	}
	if cfg.Upstream.Breaker.ConsecutiveFailures <= 0 {
		cfg.Upstream.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Upstream.Breaker.OpenTimeoutSec <= 0 {
		cfg.Upstream.Breaker.OpenTimeoutSec = 30
	}
	// cache
	if cfg.Cache.TrafficFreshSec <= 0 {
		cfg.Cache.TrafficFreshSec = 15 * 60
	}
	if cfg.Cache.TrafficStaleSec <= 0 {
		cfg.Cache.TrafficStaleSec = 24 * 60 * 60
	}
	if cfg.Cache.SweepIntervalSec <= 0 {
		cfg.Cache.SweepIntervalSec = 300
	}
	// warm-up
	if cfg.Warmup.Days == 0 {
		cfg.Warmup.Days = daterange.DefaultDays
	}
	if cfg.Warmup.IntervalSec <= 0 {
		cfg.Warmup.IntervalSec = 600
	}
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- validation helpers ----------

func isValidBaseURL(u string) bool {
	return govalidator.IsURL(u) && govalidator.IsRequestURL(u)
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	// server
	if !govalidator.IsDialString(cfg.Server.ListenAddr) {
		return errors.Errorf("server.listenAddr is invalid: %q", cfg.Server.ListenAddr)
	}

	// upstream
	if !isValidBaseURL(cfg.Upstream.BaseURL) {
		return errors.Errorf("upstream.baseUrl is invalid: %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.MaxAttempts < 1 || cfg.Upstream.MaxAttempts > 2 {
		return errors.Errorf("upstream.maxAttempts must be 1 or 2, got %d", cfg.Upstream.MaxAttempts)
	}
	if cfg.Upstream.RetryAfterMinSec > cfg.Upstream.RetryAfterMaxSec {
		return errors.Errorf(
			"upstream.retryAfterMinSec (%d) must not exceed upstream.retryAfterMaxSec (%d)",
			cfg.Upstream.RetryAfterMinSec, cfg.Upstream.RetryAfterMaxSec,
		)
	}

	// cache
	if cfg.Cache.TrafficStaleSec < cfg.Cache.TrafficFreshSec {
		return errors.Errorf(
			"cache.trafficStaleSec (%d) must be >= cache.trafficFreshSec (%d)",
			cfg.Cache.TrafficStaleSec, cfg.Cache.TrafficFreshSec,
		)
	}

	// warm-up
	if !daterange.IsAllowed(cfg.Warmup.Days) {
		return errors.Errorf("warmup.days must be one of %v, got %d", daterange.AllowedDays, cfg.Warmup.Days)
	}
	for i, packageName := range cfg.Warmup.Packages {
		if result := pkgname.ValidatePackageName(strings.TrimSpace(packageName)); !result.OK {
			return errors.Errorf("warmup.packages[%d] is invalid: %s", i, result.Error)
		}
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
