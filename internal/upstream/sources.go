package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"guildstats/internal/pipeline"
	"guildstats/internal/retryafter"
	"guildstats/internal/snapshot"
)

// Default endpoint templates. "{id}" is replaced by the server ID.
const (
	DefaultWidgetURL = "https://discord.com/api/guilds/{id}/widget.json"
	DefaultBotURL    = "https://discord.com/api/v10/guilds/{id}?with_counts=true"
)

// Compile-time checks that the sources implement pipeline.Source.
var (
	_ pipeline.Source = (*WidgetSource)(nil)
	_ pipeline.Source = (*BotSource)(nil)
)

type widgetMember struct {
	Status string `json:"status"`
}

type widgetPayload struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	PresenceCount *int           `json:"presence_count"`
	Members       []widgetMember `json:"members"`

	// Not sent by the stock widget; some proxies add it.
	ApproximateMemberCount *int `json:"approximate_member_count"`
}

type guildPayload struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	ApproximateMemberCount   *int   `json:"approximate_member_count"`
	ApproximatePresenceCount *int   `json:"approximate_presence_count"`
	PremiumSubscriptionCount int    `json:"premium_subscription_count"`
	PremiumTier              int    `json:"premium_tier"`
}

// WidgetSource reads the public widget endpoint. It never needs credentials
// and rarely reports a member total.
type WidgetSource struct {
	client      *Client
	urlTemplate string
	now         func() time.Time
	warn        *rateLimitedLogger
}

// NewWidgetSource creates a widget source. An empty template uses
// DefaultWidgetURL.
func NewWidgetSource(client *Client, urlTemplate string, logger *zap.Logger) *WidgetSource {
	if urlTemplate == "" {
		urlTemplate = DefaultWidgetURL
	}
	return &WidgetSource{
		client:      client,
		urlTemplate: urlTemplate,
		now:         time.Now,
		warn:        newRateLimitedLogger(logger, time.Minute),
	}
}

// Fetch returns the widget counters, or an empty payload on any failure.
func (s *WidgetSource) Fetch(ctx context.Context, opts pipeline.Options) pipeline.Payload {
	u := endpoint(opts.WidgetURL, s.urlTemplate, opts.ServerID)
	if u == "" {
		return pipeline.Payload{}
	}
	resp, err := s.client.Get(ctx, u, RequestOptions{}, ContextWidget)
	if err != nil {
		s.warn.Warn(ContextWidget+":transport", "widget request failed", zap.String("server", opts.ServerID), zap.Error(err))
		return pipeline.Payload{}
	}
	if !resp.OK() {
		return failedPayload(s.warn, ContextWidget, opts.ServerID, resp)
	}

	var p widgetPayload
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		s.warn.Warn(ContextWidget+":decode", "widget payload undecodable", zap.String("server", opts.ServerID), zap.Error(err))
		return pipeline.Payload{Status: resp.Status}
	}

	out := &snapshot.Snapshot{
		ServerName:  p.Name,
		LastUpdated: s.now().Unix(),
	}
	if len(p.Members) > 0 {
		out.Presence = make(map[string]int, 4)
		for _, m := range p.Members {
			status := strings.ToLower(strings.TrimSpace(m.Status))
			if status == "" {
				status = snapshot.StatusOnline
			}
			out.Presence[status]++
		}
	}
	switch {
	case p.PresenceCount != nil:
		out.Online = *p.PresenceCount
	default:
		out.Online = len(p.Members)
	}
	if p.ApproximateMemberCount != nil {
		out.Total = *p.ApproximateMemberCount
		out.HasTotal = true
		out.TotalIsApproximate = true
	}
	return pipeline.Payload{Stats: out, Status: resp.Status}
}

// BotSource reads the credentialed guild endpoint, which carries the
// approximate member total.
type BotSource struct {
	client      *Client
	urlTemplate string
	now         func() time.Time
	warn        *rateLimitedLogger
}

// NewBotSource creates a bot source. An empty template uses DefaultBotURL.
func NewBotSource(client *Client, urlTemplate string, logger *zap.Logger) *BotSource {
	if urlTemplate == "" {
		urlTemplate = DefaultBotURL
	}
	return &BotSource{
		client:      client,
		urlTemplate: urlTemplate,
		now:         time.Now,
		warn:        newRateLimitedLogger(logger, time.Minute),
	}
}

// Fetch returns the guild counters. Without a token no request is made.
func (s *BotSource) Fetch(ctx context.Context, opts pipeline.Options) pipeline.Payload {
	token := opts.ResolveBotToken()
	if token == "" {
		return pipeline.Payload{}
	}
	u := endpoint(opts.BotURL, s.urlTemplate, opts.ServerID)
	if u == "" {
		return pipeline.Payload{}
	}
	h := http.Header{}
	h.Set("Authorization", "Bot "+token)

	resp, err := s.client.Get(ctx, u, RequestOptions{Header: h}, ContextBot)
	if err != nil {
		s.warn.Warn(ContextBot+":transport", "bot request failed", zap.String("server", opts.ServerID), zap.Error(err))
		return pipeline.Payload{}
	}
	if !resp.OK() {
		return failedPayload(s.warn, ContextBot, opts.ServerID, resp)
	}

	var p guildPayload
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		s.warn.Warn(ContextBot+":decode", "bot payload undecodable", zap.String("server", opts.ServerID), zap.Error(err))
		return pipeline.Payload{Status: resp.Status}
	}

	out := &snapshot.Snapshot{
		ServerName:               p.Name,
		PremiumSubscriptionCount: p.PremiumSubscriptionCount,
		PremiumTier:              p.PremiumTier,
		LastUpdated:              s.now().Unix(),
	}
	if p.ApproximatePresenceCount != nil {
		out.Online = *p.ApproximatePresenceCount
	}
	if p.ApproximateMemberCount != nil {
		out.Total = *p.ApproximateMemberCount
		out.HasTotal = true
		out.TotalIsApproximate = true
	}
	return pipeline.Payload{Stats: out, Status: resp.Status}
}

// failedPayload logs a non-2xx reply and extracts its retry hint, taking the
// larger of the header and the JSON body's retry_after.
func failedPayload(warn *rateLimitedLogger, label, serverID string, resp *Response) pipeline.Payload {
	ms, ok := resp.RetryAfterMS, resp.HasRetryAfter
	if bodyMS, bodyOK := bodyRetryAfter(resp.Body); bodyOK && (!ok || bodyMS > ms) {
		ms, ok = bodyMS, true
	}
	warn.Warn(label+":status", "upstream returned error status",
		zap.String("context", label),
		zap.String("server", serverID),
		zap.Int("status", resp.Status),
		zap.Int64("retryAfterMs", ms),
	)
	out := pipeline.Payload{Status: resp.Status}
	if ok {
		out.RetryAfter = time.Duration(ms) * time.Millisecond
	}
	return out
}

func bodyRetryAfter(body []byte) (int64, bool) {
	if len(body) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return 0, false
	}
	return retryafter.Normalize(m["retry_after"])
}

func endpoint(explicit, template, id string) string {
	if explicit != "" {
		return explicit
	}
	if id == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{id}", url.PathEscape(id))
}
