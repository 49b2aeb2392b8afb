// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/client"
	"github.com/Sternrassler/dataverse-harvester/pkg/logging"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. DATAVERSE_HARVESTER_TARGET.
const EnvPrefix = "DATAVERSE_HARVESTER"

// KeyConfigFile names the optional config file path.
const KeyConfigFile = "config"

// Config captures every run parameter. It is built once and passed by value.
type Config struct {
	Target      string        `mapstructure:"target"`
	APIVersion  string        `mapstructure:"api_version"`
	Headers     []string      `mapstructure:"headers"`
	Proxy       string        `mapstructure:"proxy"`
	Insecure    bool          `mapstructure:"insecure"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OutputDir   string        `mapstructure:"output_dir"`
	Include     []string      `mapstructure:"include"`
	Exclude     []string      `mapstructure:"exclude"`
	PageSize    int           `mapstructure:"page_size"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxPages    int           `mapstructure:"max_pages"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
	Probe       bool          `mapstructure:"probe"`

	Redis   RedisConfig   `mapstructure:"redis"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedisConfig locates the catalog cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CatalogConfig tunes the catalog fetch.
type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig controls the end-of-run Pushgateway push.
type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// New returns a Viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from v, reading the file named by the "config" key
// when set.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Include = splitList(cfg.Include)
	cfg.Exclude = splitList(cfg.Exclude)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target", "")
	v.SetDefault("api_version", "v9.2")
	v.SetDefault("headers", []string{})
	v.SetDefault("proxy", "")
	v.SetDefault("insecure", false)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("output_dir", "dump")
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", []string{})
	v.SetDefault("page_size", 5000)
	v.SetDefault("concurrency", 4)
	v.SetDefault("max_pages", 0)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("rate_burst", 1)
	v.SetDefault("probe", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("catalog.cache_ttl", time.Hour)
	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.pushgateway", "")
	v.SetDefault("metrics.job", "dataverse_harvester")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return errors.New("target is required")
	}
	u, err := url.Parse(c.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target %q must be an http(s) URL", c.Target)
	}
	if strings.TrimSpace(c.APIVersion) == "" {
		return errors.New("api_version is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output_dir is required")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page_size must be >= 0")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max_pages must be >= 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be > 0 when rate_limit is set")
	}
	if c.Redis.Addr != "" && c.Catalog.CacheTTL <= 0 {
		return fmt.Errorf("catalog.cache_ttl must be > 0 when redis is enabled")
	}
	if _, err := client.ParseHeaders(c.Headers); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	switch logging.LogLevel(strings.ToLower(c.Log.Level)) {
	case logging.LevelTrace, logging.LevelDebug, logging.LevelInfo, logging.LevelWarn,
		logging.LevelError, logging.LevelOff, "warning", "disabled":
	default:
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// BaseURL returns the Web API root, e.g. https://org.crm.dynamics.com/api/data/v9.2.
func (c Config) BaseURL() string {
	return client.BaseURL(c.Target, c.APIVersion)
}

// Host returns the target host, used to label pushed metrics.
func (c Config) Host() string {
	u, err := url.Parse(c.Target)
	if err != nil {
		return ""
	}
	return u.Host
}

// ClientConfig converts the transport settings into a client.Config.
func (c Config) ClientConfig() (client.Config, error) {
	headers, err := client.ParseHeaders(c.Headers)
	if err != nil {
		return client.Config{}, fmt.Errorf("headers: %w", err)
	}

	cc := client.DefaultConfig()
	cc.Headers = headers
	cc.Proxy = c.Proxy
	cc.Insecure = c.Insecure
	cc.Timeout = c.Timeout
	cc.RateLimit = c.RateLimit
	cc.RateBurst = c.RateBurst
	return cc, nil
}

// splitList flattens comma-separated entries, so "a,b" and ["a","b"] agree.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
