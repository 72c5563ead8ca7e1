package snapshot

import (
	"strings"
	"time"
)

// DefaultPolicy is the field policy used in production. It satisfies the
// completeness, merge, normalize and validate strategies of the fetcher.
type DefaultPolicy struct {
	// Now stamps LastUpdated on normalized snapshots; time.Now when nil.
	Now func() time.Time
}

// Incomplete reports whether the widget payload needs the bot source.
func (DefaultPolicy) Incomplete(widget *Snapshot) bool {
	return widget == nil || !widget.HasTotal
}

// Merge combines the two payloads. Presence counts come from the widget when
// present; totals and premium counters come from the bot.
func (DefaultPolicy) Merge(widget, bot *Snapshot, widgetIncomplete bool) *Snapshot {
	switch {
	case widget == nil && bot == nil:
		return nil
	case widget == nil:
		return bot.Clone()
	case bot == nil:
		return widget.Clone()
	}

	out := widget.Clone()
	if (widgetIncomplete || !out.HasTotal) && bot.HasTotal {
		out.Total = bot.Total
		out.HasTotal = true
		out.TotalIsApproximate = bot.TotalIsApproximate
	}
	if out.ServerName == "" {
		out.ServerName = bot.ServerName
	}
	if out.Online == 0 && len(out.Presence) == 0 {
		out.Online = bot.Online
	}
	if bot.PremiumSubscriptionCount > 0 {
		out.PremiumSubscriptionCount = bot.PremiumSubscriptionCount
	}
	if bot.PremiumTier > 0 {
		out.PremiumTier = bot.PremiumTier
	}
	if bot.LastUpdated > out.LastUpdated {
		out.LastUpdated = bot.LastUpdated
	}
	return out
}

// Normalize coerces field shapes and fills defaults.
func (p DefaultPolicy) Normalize(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	out := s.Clone()
	out.Online = max(out.Online, 0)
	out.Total = max(out.Total, 0)
	out.PremiumSubscriptionCount = max(out.PremiumSubscriptionCount, 0)
	out.PremiumTier = max(out.PremiumTier, 0)
	out.ServerName = strings.TrimSpace(out.ServerName)

	if !out.HasTotal {
		out.Total = 0
		out.TotalIsApproximate = false
	} else if out.Total < out.Online && !out.TotalIsApproximate {
		out.Total = out.Online
	}

	for k, v := range out.Presence {
		if v <= 0 {
			delete(out.Presence, k)
		}
	}
	if len(out.Presence) == 0 {
		out.Presence = nil
	}

	if out.LastUpdated <= 0 {
		out.LastUpdated = p.now().Unix()
	}
	return out
}

// Usable reports whether s carries enough real data to be served and cached.
func (DefaultPolicy) Usable(s *Snapshot) bool {
	if s == nil || s.IsDemo {
		return false
	}
	return s.HasTotal || s.Online > 0 || s.ServerName != ""
}

func (p DefaultPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
