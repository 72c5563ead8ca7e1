// Package snapshot holds the normalized membership counters served to readers
// and the default field policy used to build them from upstream payloads.
package snapshot

import "maps"

// Presence statuses reported by the widget member list.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// Snapshot is one normalized view of a server's counters.
//
// When HasTotal is false, Total is not authoritative and is zeroed by
// normalization.
type Snapshot struct {
	Online             int    `json:"online"`
	Total              int    `json:"total"`
	HasTotal           bool   `json:"has_total"`
	TotalIsApproximate bool   `json:"total_is_approximate"`
	ServerName         string `json:"server_name,omitempty"`

	// IsDemo marks synthetic data. FallbackDemo is set only when the demo data
	// was served because nothing real was available.
	IsDemo       bool `json:"is_demo"`
	FallbackDemo bool `json:"fallback_demo"`
	Stale        bool `json:"stale"`

	LastUpdated int64 `json:"last_updated,omitempty"` // unix seconds

	Presence                 map[string]int `json:"presence,omitempty"`
	PremiumSubscriptionCount int            `json:"premium_subscription_count,omitempty"`
	PremiumTier              int            `json:"premium_tier,omitempty"`
}

// Clone returns a deep copy of s. Clone of nil is nil.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Presence != nil {
		out.Presence = maps.Clone(s.Presence)
	}
	return &out
}

// Degraded reports whether s is anything other than fresh upstream data.
func (s *Snapshot) Degraded() bool {
	return s == nil || s.IsDemo || s.FallbackDemo || s.Stale
}

// Demo describes the synthetic snapshot served when no real data exists.
type Demo struct {
	ServerName string
	Online     int
	Total      int
}

// Snapshot builds the demo snapshot. The caller decides whether it is a
// failure fallback.
func (d Demo) Snapshot(now int64) *Snapshot {
	online := max(d.Online, 0)
	total := max(d.Total, online)
	return &Snapshot{
		Online:             online,
		Total:              total,
		HasTotal:           total > 0,
		TotalIsApproximate: false,
		ServerName:         d.ServerName,
		IsDemo:             true,
		LastUpdated:        now,
		Presence: map[string]int{
			StatusOnline: online,
		},
	}
}
