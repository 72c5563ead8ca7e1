// Package config loads the YAML service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

type Config struct {
	Server   HTTP     `yaml:"server"`
	Cache    Cache    `yaml:"cache"`
	Upstream Upstream `yaml:"upstream"`
	Stats    Stats    `yaml:"stats"`
	Servers  []Server `yaml:"servers"`
	Logging  Logging  `yaml:"logging"`
	Events   Events   `yaml:"events"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Cache struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"maxEntries"`

	Disk struct {
		Max        string `yaml:"max"`
		SweepEvery string `yaml:"sweepEvery"`
	} `yaml:"disk"`

	Redis struct {
		Addr        string `yaml:"addr"`
		PasswordEnv string `yaml:"passwordEnv"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"`
	} `yaml:"redis"`

	// compiled
	diskMax    int64
	sweepEvery time.Duration
}

// DiskMaxBytes is the leveldb size ceiling; 0 means unbounded.
func (c Cache) DiskMaxBytes() int64 { return c.diskMax }

func (c Cache) SweepEvery() time.Duration { return c.sweepEvery }

// RedisPassword resolves the password from the environment.
func (c Cache) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}

type Upstream struct {
	WidgetURL            string            `yaml:"widgetURL"`
	BotURL               string            `yaml:"botURL"`
	Timeout              string            `yaml:"timeout"`
	UserAgent            string            `yaml:"userAgent"`
	MaxBodySize          string            `yaml:"maxBodySize"`
	MaxBodySizeByContext map[string]string `yaml:"maxBodySizeByContext"`

	// compiled
	timeout      time.Duration
	maxBody      int64
	maxByContext map[string]int64
}

func (u Upstream) TimeoutDuration() time.Duration { return u.timeout }

func (u Upstream) MaxBodyBytes() int64 { return u.maxBody }

// SizeLimit returns the body ceiling for a request context label, falling
// back to def.
func (u Upstream) SizeLimit(label string, def int64) int64 {
	if v, ok := u.maxByContext[label]; ok {
		return v
	}
	return def
}

type Stats struct {
	CacheTTL      string `yaml:"cacheTTL"`
	LockTTL       string `yaml:"lockTTL"`
	RetryAfter    string `yaml:"retryAfter"`
	MaxRetryAfter string `yaml:"maxRetryAfter"`
	MaxStaleAge   string `yaml:"maxStaleAge"`

	Demo struct {
		ServerName string `yaml:"serverName"`
		Online     int    `yaml:"online"`
		Total      int    `yaml:"total"`
	} `yaml:"demo"`

	// compiled
	cacheTTL      time.Duration
	lockTTL       time.Duration
	retryAfter    time.Duration
	maxRetryAfter time.Duration
	maxStaleAge   time.Duration
}

func (s Stats) CacheTTLDuration() time.Duration      { return s.cacheTTL }
func (s Stats) LockTTLDuration() time.Duration       { return s.lockTTL }
func (s Stats) RetryAfterDuration() time.Duration    { return s.retryAfter }
func (s Stats) MaxRetryAfterDuration() time.Duration { return s.maxRetryAfter }
func (s Stats) MaxStaleAgeDuration() time.Duration   { return s.maxStaleAge }

// Server is one community server whose stats are served under Key.
type Server struct {
	Key         string `yaml:"key"`
	ID          string `yaml:"id"`
	WidgetURL   string `yaml:"widgetURL"`
	BotURL      string `yaml:"botURL"`
	BotTokenEnv string `yaml:"botTokenEnv"`
	ForceDemo   bool   `yaml:"forceDemo"`
	WarmUp      string `yaml:"warmUp"`

	// compiled
	warmEvery time.Duration
}

// BotToken reads the credential named by BotTokenEnv.
func (s Server) BotToken() string {
	if s.BotTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.BotTokenEnv))
}

// WarmUpEvery is the background refresh interval; 0 disables warming.
func (s Server) WarmUpEvery() time.Duration { return s.warmEvery }

type Logging struct {
	Level         string `yaml:"level"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	// compiled
	statsEvery time.Duration
}

// StatsEvery is the periodic stats log interval; 0 disables it.
func (l Logging) StatsEvery() time.Duration { return l.statsEvery }

type Events struct {
	Postgres struct {
		DSNEnv string `yaml:"dsnEnv"`
	} `yaml:"postgres"`
	Buffer int `yaml:"buffer"`
	Recent int `yaml:"recent"`
}

// PostgresDSN resolves the event store DSN from the environment.
func (e Events) PostgresDSN() string {
	if e.Postgres.DSNEnv == "" {
		return ""
	}
	return os.Getenv(e.Postgres.DSNEnv)
}

// FindServer returns the server configured under key.
func (c *Config) FindServer(key string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Key == key {
			return s, true
		}
	}
	return Server{}, false
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and compiles durations and sizes.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendMemory
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 4096
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "./data/guildstats"
	}
	if c.Cache.Disk.SweepEvery == "" {
		c.Cache.Disk.SweepEvery = "1m"
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "guildstats:"
	}

	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "10s"
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "guildstats/1.0"
	}
	if c.Upstream.MaxBodySize == "" {
		c.Upstream.MaxBodySize = "1mb"
	}

	if c.Stats.CacheTTL == "" {
		c.Stats.CacheTTL = "5m"
	}
	if c.Stats.LockTTL == "" {
		c.Stats.LockTTL = "30s"
	}
	if c.Stats.RetryAfter == "" {
		c.Stats.RetryAfter = "15s"
	}
	if c.Stats.MaxRetryAfter == "" {
		c.Stats.MaxRetryAfter = "1h"
	}
	if c.Stats.Demo.ServerName == "" {
		c.Stats.Demo.ServerName = "Demo Server"
	}
	if c.Stats.Demo.Online == 0 && c.Stats.Demo.Total == 0 {
		c.Stats.Demo.Online = 42
		c.Stats.Demo.Total = 128
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.LogStatsEvery == "" {
		c.Logging.LogStatsEvery = "1m"
	}

	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Recent <= 0 {
		c.Events.Recent = 100
	}
}

func (c *Config) compile() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendLevelDB, BackendRedis:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.Disk.Max != "" {
		n, err := ParseBytes(c.Cache.Disk.Max)
		if err != nil {
			return fmt.Errorf("cache.disk.max: %w", err)
		}
		c.Cache.diskMax = n
	}
	var err error
	if c.Cache.sweepEvery, err = parseDuration("cache.disk.sweepEvery", c.Cache.Disk.SweepEvery); err != nil {
		return err
	}

	if c.Upstream.timeout, err = parseDuration("upstream.timeout", c.Upstream.Timeout); err != nil {
		return err
	}
	if c.Upstream.timeout <= 0 {
		return fmt.Errorf("upstream.timeout: must be positive")
	}
	if c.Upstream.maxBody, err = ParseBytes(c.Upstream.MaxBodySize); err != nil {
		return fmt.Errorf("upstream.maxBodySize: %w", err)
	}
	c.Upstream.maxByContext = make(map[string]int64, len(c.Upstream.MaxBodySizeByContext))
	for label, v := range c.Upstream.MaxBodySizeByContext {
		n, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("upstream.maxBodySizeByContext.%s: %w", label, err)
		}
		c.Upstream.maxByContext[label] = n
	}

	st := &c.Stats
	if st.cacheTTL, err = parseDuration("stats.cacheTTL", st.CacheTTL); err != nil {
		return err
	}
	if st.lockTTL, err = parseDuration("stats.lockTTL", st.LockTTL); err != nil {
		return err
	}
	if st.retryAfter, err = parseDuration("stats.retryAfter", st.RetryAfter); err != nil {
		return err
	}
	if st.maxRetryAfter, err = parseDuration("stats.maxRetryAfter", st.MaxRetryAfter); err != nil {
		return err
	}
	if st.maxRetryAfter < st.retryAfter {
		return fmt.Errorf("stats.maxRetryAfter (%s) must not be below stats.retryAfter (%s)", st.maxRetryAfter, st.retryAfter)
	}
	if st.MaxStaleAge != "" {
		if st.maxStaleAge, err = parseDuration("stats.maxStaleAge", st.MaxStaleAge); err != nil {
			return err
		}
	}
	// A refresh may call the widget and then the bot source, each bounded by
	// the upstream timeout, and must finish while it still holds the lock.
	if st.lockTTL <= 2*c.Upstream.timeout {
		return fmt.Errorf("stats.lockTTL (%s) must exceed twice upstream.timeout (%s)", st.lockTTL, c.Upstream.timeout)
	}

	if c.Logging.statsEvery, err = parseDuration("logging.logStatsEvery", c.Logging.LogStatsEvery); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Key = strings.TrimSpace(s.Key)
		s.ID = strings.TrimSpace(s.ID)
		if !validKey(s.Key) {
			return fmt.Errorf("servers[%d].key: %q must be non-empty and use only letters, digits, '-', '_' or '.'", i, s.Key)
		}
		if seen[s.Key] {
			return fmt.Errorf("servers[%d].key: duplicate key %q", i, s.Key)
		}
		seen[s.Key] = true
		if s.ID == "" && s.WidgetURL == "" && !s.ForceDemo {
			return fmt.Errorf("servers[%d].id: required unless widgetURL or forceDemo is set", i)
		}
		if s.WarmUp != "" {
			if s.warmEvery, err = parseDuration(fmt.Sprintf("servers[%d].warmUp", i), s.WarmUp); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
