// Package chat dispatches user messages to the assistant backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var ErrDispatch = errors.New("chat dispatch failed")

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_requests_total",
		Help: "Chat dispatches by status",
	}, []string{"status"})

	metricLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_latency_ms",
		Help:    "Chat dispatch round-trip latency (ms)",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 12),
	})
)

type Request struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type Reply struct {
	Text      string `json:"reply"`
	SessionID string `json:"session_id"`
}

// Client calls POST {base}/chat.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: h, log: log}
}

func (c *Client) SetAuthToken(token string) {
	if token != "" {
		c.http.SetAuthToken(token)
	}
}

// Send posts one message. A reply with empty text is an error.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	var out Reply
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/chat")
	metricLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metricRequests.WithLabelValues("error").Inc()
		return Reply{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	if resp.IsError() {
		metricRequests.WithLabelValues("http_error").Inc()
		return Reply{}, fmt.Errorf("%w: status %d", ErrDispatch, resp.StatusCode())
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		metricRequests.WithLabelValues("empty").Inc()
		return Reply{}, fmt.Errorf("%w: empty reply", ErrDispatch)
	}
	if out.SessionID == "" {
		out.SessionID = req.SessionID
	}
	metricRequests.WithLabelValues("ok").Inc()
	c.log.Debug("chat: reply", zap.String("session_id", out.SessionID), zap.Int("chars", len(out.Text)))
	return out, nil
}
