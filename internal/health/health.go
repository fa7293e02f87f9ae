package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"viva/voiceloop/internal/config"
)

type CheckResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Required bool          `json:"required"`
	Latency  time.Duration `json:"latency_ms"`
	Error    string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Checker checks the conversation backend. Optional checks report
// degradations the voice loop can live with, such as missing remote speech.
type Checker struct {
	http   *resty.Client
	secret string
}

func NewChecker(cfg config.Config) *Checker {
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Backend.BaseURL, "/")).
		SetTimeout(5 * time.Second)
	if cfg.Backend.APIToken != "" {
		h.SetAuthToken(cfg.Backend.APIToken)
	}
	return &Checker{http: h, secret: cfg.Bridge.TokenSecret}
}

type statusBody struct {
	TTSConfigured bool     `json:"tts_configured"`
	MissingKeys   []string `json:"missing_keys"`
}

// CheckAll runs all health checks and returns combined status
func (c *Checker) CheckAll(ctx context.Context) HealthStatus {
	backend, speech := c.checkBackend(ctx)
	checks := []CheckResult{
		c.checkBridgeAuth(),
		backend,
		speech,
	}

	allOK := true
	for _, ch := range checks {
		if ch.Required && !ch.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func (c *Checker) checkBridgeAuth() CheckResult {
	r := CheckResult{Name: "bridge_auth", Required: true}
	if c.secret == "" {
		r.Error = "BRIDGE_TOKEN_SECRET not set"
		return r
	}
	r.OK = true
	return r
}

// checkBackend hits GET /status once and derives two results from it.
func (c *Checker) checkBackend(ctx context.Context) (CheckResult, CheckResult) {
	start := time.Now()
	backend := CheckResult{Name: "backend", Required: true}
	speech := CheckResult{Name: "remote_speech"}

	var body statusBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Get("/status")
	backend.Latency = time.Since(start)
	speech.Latency = backend.Latency
	if err != nil {
		backend.Error = fmt.Sprintf("request failed: %v", err)
		speech.Error = "backend unreachable"
		return backend, speech
	}
	if resp.IsError() {
		backend.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
		speech.Error = "backend unhealthy"
		return backend, speech
	}
	backend.OK = true

	if !body.TTSConfigured {
		speech.Error = "not configured, replies use the page voice"
		if len(body.MissingKeys) > 0 {
			speech.Error += " (missing " + strings.Join(body.MissingKeys, ", ") + ")"
		}
		return backend, speech
	}
	speech.OK = true
	return backend, speech
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
