package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"guildstats/internal/metrics"
	"guildstats/internal/pipeline"
	"guildstats/internal/snapshot"
)

func TestWidgetSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/guilds/123/widget.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "123",
			"name": "Guild",
			"presence_count": 5,
			"members": [{"status":"online"},{"status":"idle"},{"status":"Online"},{"status":""}]
		}`))
	}))
	defer srv.Close()

	src := NewWidgetSource(NewClient(ClientConfig{}), srv.URL+"/api/guilds/{id}/widget.json", nil)
	p := src.Fetch(context.Background(), pipeline.Options{ServerID: "123"})
	if p.Stats == nil {
		t.Fatalf("Fetch() stats = nil, status %d", p.Status)
	}
	s := p.Stats
	if s.Online != 5 || s.HasTotal || s.ServerName != "Guild" || s.LastUpdated == 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.Presence[snapshot.StatusOnline] != 3 || s.Presence[snapshot.StatusIdle] != 1 {
		t.Errorf("presence = %v", s.Presence)
	}
}

func TestWidgetSource_MemberCountFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"members":[{"status":"dnd"},{"status":"online"}],"approximate_member_count":40}`))
	}))
	defer srv.Close()

	src := NewWidgetSource(NewClient(ClientConfig{}), "", nil)
	p := src.Fetch(context.Background(), pipeline.Options{ServerID: "1", WidgetURL: srv.URL})
	if p.Stats == nil || p.Stats.Online != 2 {
		t.Fatalf("stats = %+v", p.Stats)
	}
	if !p.Stats.HasTotal || p.Stats.Total != 40 || !p.Stats.TotalIsApproximate {
		t.Errorf("total not taken from approximate_member_count: %+v", p.Stats)
	}
}

func TestWidgetSource_Failures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantRetry  time.Duration
	}{
		{
			name: "widget disabled",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"Widget Disabled","code":50004}`))
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "rate limited, body hint wins",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":3.5,"global":false}`))
			},
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  3500 * time.Millisecond,
		},
		{
			name: "rate limited, header only",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  7 * time.Second,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			src := NewWidgetSource(NewClient(ClientConfig{}), "", nil)
			p := src.Fetch(context.Background(), pipeline.Options{WidgetURL: srv.URL})
			if p.Stats != nil {
				t.Errorf("stats = %+v, want nil", p.Stats)
			}
			if p.Status != tt.wantStatus || p.RetryAfter != tt.wantRetry {
				t.Errorf("payload = %+v, want status %d retry %v", p, tt.wantStatus, tt.wantRetry)
			}
		})
	}
}

func TestWidgetSource_NoServerID(t *testing.T) {
	src := NewWidgetSource(NewClient(ClientConfig{}), "", nil)
	if p := src.Fetch(context.Background(), pipeline.Options{}); p.Stats != nil || p.Status != 0 {
		t.Errorf("payload = %+v, want empty", p)
	}
}

func TestBotSource_Fetch(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v10/guilds/123" || r.URL.Query().Get("with_counts") != "true" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "123",
			"name": "Guild",
			"approximate_member_count": 20,
			"approximate_presence_count": 4,
			"premium_subscription_count": 3,
			"premium_tier": 1
		}`))
	}))
	defer srv.Close()

	src := NewBotSource(NewClient(ClientConfig{}), srv.URL+"/api/v10/guilds/{id}?with_counts=true", nil)
	p := src.Fetch(context.Background(), pipeline.Options{ServerID: "123", BotToken: "secret"})
	if auth != "Bot secret" {
		t.Errorf("Authorization = %q", auth)
	}
	s := p.Stats
	if s == nil {
		t.Fatalf("Fetch() stats = nil, status %d", p.Status)
	}
	if s.Online != 4 || s.Total != 20 || !s.HasTotal || !s.TotalIsApproximate {
		t.Errorf("counts = %+v", s)
	}
	if s.PremiumSubscriptionCount != 3 || s.PremiumTier != 1 || s.ServerName != "Guild" {
		t.Errorf("guild fields = %+v", s)
	}
}

func TestBotSource_UsesOverrideToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"approximate_member_count": 1}`))
	}))
	defer srv.Close()

	src := NewBotSource(NewClient(ClientConfig{}), "", nil)
	src.Fetch(context.Background(), pipeline.Options{BotURL: srv.URL, BotToken: "a", BotTokenOverride: "b"})
	if auth != "Bot b" {
		t.Errorf("Authorization = %q, want override", auth)
	}
}

func TestBotSource_NoTokenSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	src := NewBotSource(NewClient(ClientConfig{}), "", nil)
	p := src.Fetch(context.Background(), pipeline.Options{BotURL: srv.URL})
	if p.Stats != nil || calls.Load() != 0 {
		t.Errorf("payload = %+v, calls = %d", p, calls.Load())
	}
}

// The sources plug into the fetcher: an incomplete widget triggers the bot.
func TestSources_WithFetcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/widget/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Guild","presence_count":3}`))
	})
	mux.HandleFunc("/bot/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"approximate_member_count":20,"approximate_presence_count":4}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	prom := metrics.NewPrometheus(nil)
	client := NewClient(ClientConfig{Collector: prom})
	f := pipeline.NewFetcher(
		NewWidgetSource(client, srv.URL+"/widget/{id}", nil),
		NewBotSource(client, srv.URL+"/bot/{id}", nil),
		snapshot.DefaultPolicy{},
	)

	res := f.Fetch(context.Background(), pipeline.Options{ServerID: "1", BotToken: "t"})
	if !res.HasUsableStats || !res.BotCalled {
		t.Fatalf("result = %+v", res)
	}
	if res.Stats.Online != 3 || res.Stats.Total != 20 || !res.Stats.HasTotal {
		t.Errorf("stats = %+v", res.Stats)
	}
	if n, _, _ := prom.HistogramStats(metrics.MetricUpstreamBytes); n != 2 {
		t.Errorf("responses observed = %d, want 2", n)
	}
}
