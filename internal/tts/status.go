package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const statusKey = "status"

// Status reports whether remote synthesis is configured. It feeds
// diagnostics only; synthesis is attempted either way.
type Status struct {
	TTSConfigured bool     `json:"tts_configured"`
	MissingKeys   []string `json:"missing_keys"`
}

// StatusClient calls GET {base}/status and caches the answer for ttl.
// Failures are not cached.
type StatusClient struct {
	http  *resty.Client
	cache *gocache.Cache
	ttl   time.Duration
	log   *zap.Logger
}

func NewStatusClient(baseURL string, timeout, ttl time.Duration, log *zap.Logger) *StatusClient {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &StatusClient{http: h, cache: gocache.New(ttl, 2*ttl), ttl: ttl, log: log}
}

func (s *StatusClient) SetAuthToken(token string) {
	if token != "" {
		s.http.SetAuthToken(token)
	}
}

func (s *StatusClient) Status(ctx context.Context) (Status, error) {
	if v, ok := s.cache.Get(statusKey); ok {
		statusLookups.WithLabelValues("cached").Inc()
		return v.(Status), nil
	}
	var out Status
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/status")
	if err != nil {
		statusLookups.WithLabelValues("error").Inc()
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		statusLookups.WithLabelValues("error").Inc()
		return Status{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	statusLookups.WithLabelValues("fetched").Inc()
	if !out.TTSConfigured {
		s.log.Info("tts: remote synthesis not configured", zap.Strings("missing_keys", out.MissingKeys))
	}
	s.cache.Set(statusKey, out, s.ttl)
	return out, nil
}

// Invalidate drops the cached status.
func (s *StatusClient) Invalidate() { s.cache.Delete(statusKey) }
