package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"guildstats/internal/pipeline"
	"guildstats/internal/snapshot"
)

// HeaderSource tells clients where a snapshot came from: hit, miss,
// fallback or demo.
const HeaderSource = "X-Guildstats"

type statsResponse struct {
	Key        string             `json:"key"`
	Stats      *snapshot.Snapshot `json:"stats"`
	Source     string             `json:"source"`
	Reason     string             `json:"reason"`
	BotCalled  bool               `json:"bot_called"`
	RetryAfter int                `json:"retry_after,omitempty"`
}

type keysResponse struct {
	Configured []string `json:"configured"`
	Cached     []string `json:"cached"`
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats/{key}", s.getStats)
		r.Delete("/stats/{key}", s.deleteStats)
		r.Get("/keys", s.listKeys)
		if s.deps.Recent != nil {
			r.Get("/events", s.listEvents)
		}
	})
	return r
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	t, ok := s.targets[key]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown server key")
		return
	}

	// A public refresh skips the cache but still waits out any cool-down.
	opts := t.Options
	if v, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); v {
		opts.BypassCache = true
	}

	res, err := s.stats.Get(r.Context(), key, opts)
	if err != nil {
		s.logger.Error("stats pipeline failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	src := sourceOf(res)
	setSourceHeaders(w.Header(), src)
	if res.FallbackUsed && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, statsResponse{
		Key:        key,
		Stats:      res.Stats,
		Source:     src,
		Reason:     res.Reason,
		BotCalled:  res.BotCalled,
		RetryAfter: res.RetryAfter,
	})
}

func (s *Service) deleteStats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := s.targets[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown server key")
		return
	}
	if err := s.stats.Invalidate(r.Context(), key); err != nil {
		s.logger.Error("invalidate failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "invalidate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listKeys(w http.ResponseWriter, r *http.Request) {
	cached, err := s.stats.Keys(r.Context())
	if err != nil {
		s.logger.Error("list keys failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list keys failed")
		return
	}
	configured := make([]string, 0, len(s.targets))
	for k := range s.targets {
		configured = append(configured, k)
	}
	slices.Sort(configured)
	if cached == nil {
		cached = []string{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Configured: configured, Cached: cached})
}

func (s *Service) listEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recent.Events())
}

func sourceOf(res pipeline.Result) string {
	switch {
	case res.Reason == pipeline.ReasonForcedDemo:
		return "demo"
	case res.UsedCache && res.Stats.Degraded():
		return "fallback"
	case res.UsedCache:
		return "hit"
	case res.FallbackUsed:
		return "fallback"
	}
	return "miss"
}

func setSourceHeaders(h http.Header, src string) {
	h.Set(HeaderSource, src)
	// Browsers hide custom headers from scripts unless exposed.
	ensureExposedHeader(h, HeaderSource)
	ensureExposedHeader(h, "Retry-After")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}
