// Package tts fetches synthesized speech and assistant status from the backend.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"viva/voiceloop/internal/platform"
)

var (
	ErrSynthesis   = errors.New("speech synthesis failed")
	ErrEmptyAudio  = errors.New("speech synthesis returned no audio")
	ErrUnavailable = errors.New("assistant status unavailable")
)

type synthesizeRequest struct {
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

// Client calls POST {base}/tts.
type Client struct {
	http   *resty.Client
	locale string
	log    *zap.Logger
}

func NewClient(baseURL, locale string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if locale == "" {
		locale = "pt-BR"
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	return &Client{http: h, locale: locale, log: log}
}

func (c *Client) SetAuthToken(token string) {
	if token != "" {
		c.http.SetAuthToken(token)
	}
}

// Synthesize returns the audio for text. An empty locale uses the client's
// default. An empty body is ErrEmptyAudio.
func (c *Client) Synthesize(ctx context.Context, text, locale string) (platform.Audio, error) {
	if locale == "" {
		locale = c.locale
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(synthesizeRequest{Text: text, Locale: locale}).
		Post("/tts")
	ttsTotalDurationMS.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		ttsSynthesisTotal.WithLabelValues("error").Inc()
		return platform.Audio{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if resp.IsError() {
		ttsSynthesisTotal.WithLabelValues("http_error").Inc()
		return platform.Audio{}, fmt.Errorf("%w: status %d", ErrSynthesis, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		ttsSynthesisTotal.WithLabelValues("empty").Inc()
		return platform.Audio{}, ErrEmptyAudio
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	ttsSynthesisTotal.WithLabelValues("ok").Inc()
	ttsAudioBytes.Add(float64(len(body)))
	c.log.Debug("tts: synthesized", zap.Int("chars", len(text)), zap.Int("bytes", len(body)), zap.String("content_type", ct))
	return platform.Audio{Data: body, ContentType: ct}, nil
}
