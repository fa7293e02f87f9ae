// Package stt uploads recorded utterances to the transcription backend.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrTranscription = errors.New("transcription failed")

// Client talks to POST {base}/transcribe.
type Client struct {
	http *resty.Client
	log  *zap.Logger
	now  func() time.Time
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: h, log: log, now: time.Now}
}

// SetAuthToken adds a bearer token to every request.
func (c *Client) SetAuthToken(token string) {
	if token != "" {
		c.http.SetAuthToken(token)
	}
}

// Extension maps a recorder MIME type to a file extension.
func Extension(mimeType string) string {
	m := strings.ToLower(mimeType)
	if strings.Contains(m, "mp4") || strings.Contains(m, "m4a") {
		return "m4a"
	}
	return "webm"
}

// FileName names an upload after the capture time.
func FileName(mimeType string, at time.Time) string {
	return fmt.Sprintf("voice-%d.%s", at.UnixMilli(), Extension(mimeType))
}

// Transcribe returns the recognized text, possibly empty.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	start := time.Now()
	name := FileName(mimeType, c.now())
	var out transcribeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", name, mimeType, bytes.NewReader(audio)).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/transcribe")
	metricLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	metricAudioBytes.Add(float64(len(audio)))
	if err != nil {
		metricRequests.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	if resp.IsError() {
		metricRequests.WithLabelValues("http_error").Inc()
		return "", fmt.Errorf("%w: status %d", ErrTranscription, resp.StatusCode())
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		metricEmpty.Inc()
	}
	metricRequests.WithLabelValues("ok").Inc()
	c.log.Debug("stt: transcribed", zap.String("file", name), zap.Int("bytes", len(audio)), zap.Int("chars", len(text)))
	return text, nil
}
