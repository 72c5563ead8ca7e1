// Package pipeline produces, caches and protects server stats snapshots:
// the dual-source fetcher, the single-flight refresh lock and the
// stale/demo fallback ladder.
package pipeline

import (
	"context"
	"time"

	"guildstats/internal/snapshot"
)

// Options describe one server refresh. They come from configuration and are
// passed unchanged to both sources.
type Options struct {
	ServerID  string
	WidgetURL string // explicit URL, overrides the source template
	BotURL    string
	BotToken  string

	// BotTokenOverride is set by the fetcher on the copy handed to the bot
	// source, so credentials can be routed without touching caller config.
	BotTokenOverride string

	// BypassCache skips the cached snapshot. The retry-after cool-down and
	// the refresh lock still apply.
	BypassCache bool

	// IgnoreRetryAfter also skips the cool-down left by an earlier fallback.
	// Only operator commands set it; public requests and the warm loop never do.
	IgnoreRetryAfter bool

	// ForceDemo serves demo data without contacting upstream.
	ForceDemo bool
}

// ResolveBotToken returns the override when set, else the configured token.
func (o Options) ResolveBotToken() string {
	if o.BotTokenOverride != "" {
		return o.BotTokenOverride
	}
	return o.BotToken
}

// Payload is what a source produced. A failed call yields a payload with nil
// Stats; RetryAfter carries any rate-limit hint from upstream.
type Payload struct {
	Stats      *snapshot.Snapshot
	Status     int
	RetryAfter time.Duration
}

// Source is one upstream endpoint.
type Source interface {
	Fetch(ctx context.Context, opts Options) Payload
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, opts Options) Payload

func (f SourceFunc) Fetch(ctx context.Context, opts Options) Payload { return f(ctx, opts) }

// Completeness decides whether the widget payload needs the bot source.
type Completeness interface {
	Incomplete(widget *snapshot.Snapshot) bool
}

// Merger combines the widget and bot payloads.
type Merger interface {
	Merge(widget, bot *snapshot.Snapshot, widgetIncomplete bool) *snapshot.Snapshot
}

// Normalizer coerces the merged payload's field shapes.
type Normalizer interface {
	Normalize(s *snapshot.Snapshot) *snapshot.Snapshot
}

// Validator decides whether a normalized snapshot may be served and cached.
type Validator interface {
	Usable(s *snapshot.Snapshot) bool
}

// FetchResult is the outcome of one logical refresh.
type FetchResult struct {
	Stats            *snapshot.Snapshot
	HasUsableStats   bool
	BotCalled        bool
	WidgetIncomplete bool
	BotToken         string
	Options          Options

	// RetryAfter is the largest rate-limit hint reported by either source.
	RetryAfter time.Duration
}

// StatsFetcher is what the Service needs from a fetcher.
type StatsFetcher interface {
	Fetch(ctx context.Context, opts Options) FetchResult
}

// Fetcher runs the widget-then-bot protocol. The protocol is fixed; every
// field-level decision is delegated to the policy interfaces.
type Fetcher struct {
	Widget Source
	Bot    Source

	Completeness Completeness
	Merger       Merger
	Normalizer   Normalizer
	Validator    Validator
}

// Compile-time check that Fetcher implements StatsFetcher.
var _ StatsFetcher = (*Fetcher)(nil)

// NewFetcher creates a fetcher using policy for all four decisions.
func NewFetcher(widget, bot Source, policy snapshot.DefaultPolicy) *Fetcher {
	return &Fetcher{
		Widget:       widget,
		Bot:          bot,
		Completeness: policy,
		Merger:       policy,
		Normalizer:   policy,
		Validator:    policy,
	}
}

// Fetch performs one refresh. It never fails: upstream problems surface as
// HasUsableStats=false.
func (f *Fetcher) Fetch(ctx context.Context, opts Options) FetchResult {
	res := FetchResult{
		BotToken: opts.ResolveBotToken(),
		Options:  opts,
	}

	var widget Payload
	if f.Widget != nil {
		widget = f.Widget.Fetch(ctx, opts)
	}
	res.RetryAfter = widget.RetryAfter

	res.WidgetIncomplete = f.Completeness.Incomplete(widget.Stats)

	var bot Payload
	if res.WidgetIncomplete && f.Bot != nil {
		botOpts := opts
		botOpts.BotTokenOverride = res.BotToken
		bot = f.Bot.Fetch(ctx, botOpts)
		res.BotCalled = true
		res.RetryAfter = max(res.RetryAfter, bot.RetryAfter)
	}

	merged := f.Merger.Merge(widget.Stats, bot.Stats, res.WidgetIncomplete)
	merged = f.Normalizer.Normalize(merged)
	if !f.Validator.Usable(merged) {
		return res
	}
	res.Stats = merged
	res.HasUsableStats = true
	return res
}
