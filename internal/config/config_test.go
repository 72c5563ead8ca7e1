package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512b", 512, false},
		{"64kb", 64 << 10, false},
		{"64K", 64 << 10, false},
		{"1.5m", 3 << 19, false},
		{" 2 GB ", 2 << 30, false},
		{"", 0, true},
		{"mb", 0, true},
		{"-1k", 0, true},
		{"ten", 0, true},
		{"nan", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("servers:\n  - key: main\n    id: \"123\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Cache.Backend != BackendMemory || cfg.Cache.MaxEntries != 4096 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Stats.CacheTTLDuration() != 5*time.Minute || cfg.Stats.LockTTLDuration() != 30*time.Second ||
		cfg.Stats.RetryAfterDuration() != 15*time.Second || cfg.Stats.MaxStaleAgeDuration() != 0 ||
		cfg.Stats.MaxRetryAfterDuration() != time.Hour {
		t.Errorf("stats timings = %+v", cfg.Stats)
	}
	if cfg.Upstream.TimeoutDuration() != 10*time.Second || cfg.Upstream.MaxBodyBytes() != 1<<20 {
		t.Errorf("upstream = %+v", cfg.Upstream)
	}
	if cfg.Logging.StatsEvery() != time.Minute || cfg.Events.Buffer != 256 {
		t.Errorf("logging/events = %+v %+v", cfg.Logging, cfg.Events)
	}
	if s, ok := cfg.FindServer("main"); !ok || s.ID != "123" || s.WarmUpEvery() != 0 {
		t.Errorf("FindServer(main) = %+v, %v", s, ok)
	}
	if _, ok := cfg.FindServer("other"); ok {
		t.Error("FindServer(other) found a server")
	}
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", " tok ")
	t.Setenv("TEST_DSN", "postgres://localhost/events")

	yml := `
server:
  addr: 127.0.0.1:9090
cache:
  backend: LevelDB
  path: /tmp/gs
  disk:
    max: 10mb
    sweepEvery: 30s
upstream:
  timeout: 5s
  maxBodySize: 256kb
  maxBodySizeByContext:
    bot: 64kb
stats:
  cacheTTL: 2m
  lockTTL: 20s
  retryAfter: 10s
  maxStaleAge: 24h
  demo:
    serverName: Sample
    online: 7
    total: 70
servers:
  - key: main
    id: "42"
    botTokenEnv: TEST_BOT_TOKEN
    warmUp: 1m
  - key: demo
    forceDemo: true
logging:
  level: debug
  logStatsEvery: 0s
events:
  postgres:
    dsnEnv: TEST_DSN
`
	path := filepath.Join(t.TempDir(), "guildstats.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.Backend != BackendLevelDB || cfg.Cache.DiskMaxBytes() != 10<<20 || cfg.Cache.SweepEvery() != 30*time.Second {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Upstream.SizeLimit("bot", 1) != 64<<10 || cfg.Upstream.SizeLimit("widget", 1) != 1 {
		t.Error("per-context size limits not compiled")
	}
	if cfg.Stats.MaxStaleAgeDuration() != 24*time.Hour || cfg.Stats.Demo.Online != 7 {
		t.Errorf("stats = %+v", cfg.Stats)
	}
	main, _ := cfg.FindServer("main")
	if main.BotToken() != "tok" || main.WarmUpEvery() != time.Minute {
		t.Errorf("main server = %+v token %q", main, main.BotToken())
	}
	demo, _ := cfg.FindServer("demo")
	if !demo.ForceDemo || demo.BotToken() != "" {
		t.Errorf("demo server = %+v", demo)
	}
	if cfg.Logging.StatsEvery() != 0 {
		t.Errorf("StatsEvery() = %v, want disabled", cfg.Logging.StatsEvery())
	}
	if cfg.Events.PostgresDSN() != "postgres://localhost/events" {
		t.Errorf("PostgresDSN() = %q", cfg.Events.PostgresDSN())
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"bad backend", "cache:\n  backend: etcd\n", "cache.backend"},
		{"bad size", "upstream:\n  maxBodySize: lots\n", "upstream.maxBodySize"},
		{"bad duration", "stats:\n  cacheTTL: soon\n", "stats.cacheTTL"},
		{"lock shorter than timeout", "upstream:\n  timeout: 30s\nstats:\n  lockTTL: 10s\n", "stats.lockTTL"},
		{"lock shorter than two fetches", "upstream:\n  timeout: 10s\nstats:\n  lockTTL: 15s\n", "stats.lockTTL"},
		{"lock equal to two fetches", "upstream:\n  timeout: 10s\nstats:\n  lockTTL: 20s\n", "stats.lockTTL"},
		{"retry cap below floor", "stats:\n  retryAfter: 30s\n  maxRetryAfter: 10s\n", "stats.maxRetryAfter"},
		{"missing key", "servers:\n  - id: \"1\"\n", "servers[0].key"},
		{"slash in key", "servers:\n  - key: a/b\n    id: \"1\"\n", "servers[0].key"},
		{"duplicate key", "servers:\n  - key: a\n    id: \"1\"\n  - key: a\n    id: \"2\"\n", "servers[1].key"},
		{"missing id", "servers:\n  - key: a\n", "servers[0].id"},
		{"bad warm up", "servers:\n  - key: a\n    id: \"1\"\n    warmUp: often\n", "servers[0].warmUp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0b"},
		{512, "512b"},
		{1024, "1kb"},
		{1536, "1.5kb"},
		{3 << 20, "3mb"},
		{5 << 30, "5gb"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
