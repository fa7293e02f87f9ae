package bridge

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	ws "nhooyr.io/websocket"

	"viva/voiceloop/internal/auth"
	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/store"
)

// Attacher runs the conversation loop of a connected page.
type Attacher interface {
	Attach(p *Page)
	Detach(p *Page)
}

type Server struct {
	Secret         string
	SkewSecs       int
	CommandTimeout time.Duration
	Store          *store.Store
	Reg            *Registry
	Loops          Attacher
	Logger         *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// HandlePage upgrades GET /ws/page?session_id=... to the page bridge.
// Browsers cannot set headers on a websocket, so the token may also come
// from the token query parameter.
func (s *Server) HandlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		metricRejected.WithLabelValues("missing_session").Inc()
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	if s.Store.GetSession(sessionID) == nil {
		metricRejected.WithLabelValues("unknown_session").Inc()
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	token := q.Get("token")
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimPrefix(authz, "Bearer ")
	}
	if token == "" {
		metricRejected.WithLabelValues("missing_token").Inc()
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if _, _, err := auth.ValidatePageToken(s.Secret, token, sessionID, time.Now(), s.SkewSecs); err != nil {
		metricRejected.WithLabelValues("invalid_token").Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		s.log().Warn("bridge: ws accept", zap.Error(err))
		return
	}
	// analyser frames and recorded chunks exceed the 32KiB default
	c.SetReadLimit(4 << 20)

	page := NewPage(sessionID, c, Options{CommandTimeout: s.CommandTimeout, Logger: s.Logger})
	ctx := r.Context()
	hello, err := page.Handshake(ctx)
	if err != nil {
		s.Store.AppendEvent(sessionID, "page_handshake_failed", map[string]any{"error": err.Error()})
		_ = c.Close(ws.StatusPolicyViolation, "hello required")
		return
	}

	if old := s.Reg.Replace(sessionID, page); old != nil {
		old.Close("replaced")
		s.Store.AppendEvent(sessionID, "page_replaced", nil)
	}
	s.Store.SetPageConnected(sessionID, capabilityMap(hello.Capabilities), hello.UserAgent)
	s.Store.AppendEvent(sessionID, "page_connected", map[string]any{
		"capabilities":  capabilityMap(hello.Capabilities),
		"recorder_mime": hello.RecorderMime,
		"voices":        len(hello.Voices),
	})
	if s.Loops != nil {
		s.Loops.Attach(page)
	}

	runErr := page.Run(ctx)

	if s.Loops != nil {
		s.Loops.Detach(page)
	}
	_ = c.Close(ws.StatusNormalClosure, "done")
	if s.Reg.Remove(sessionID, page) {
		s.Store.SetPageDisconnected(sessionID)
	}
	payload := map[string]any{}
	if status := ws.CloseStatus(runErr); status != -1 {
		payload["close_status"] = int(status)
	}
	s.Store.AppendEvent(sessionID, "page_disconnected", payload)
}

func capabilityMap(c platform.Capabilities) map[string]bool {
	return map[string]bool{
		"microphone":  c.Microphone,
		"recorder":    c.Recorder,
		"analyser":    c.Analyser,
		"recognition": c.Recognition,
		"synthesis":   c.Synthesis,
		"playback":    c.Playback,
	}
}
