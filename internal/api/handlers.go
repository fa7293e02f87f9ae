package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"viva/voiceloop/internal/auth"
	"viva/voiceloop/internal/bridge"
	"viva/voiceloop/internal/config"
	"viva/voiceloop/internal/health"
	"viva/voiceloop/internal/loop"
	"viva/voiceloop/internal/orchestrator"
	"viva/voiceloop/internal/store"
	"viva/voiceloop/internal/types"
)

type Handlers struct {
	cfg    config.Config
	store  *store.Store
	loops  *loop.Manager
	pages  *bridge.Registry
	health *health.Checker
	log    *zap.Logger
}

func NewHandlers(cfg config.Config, st *store.Store, loops *loop.Manager, pages *bridge.Registry, hc *health.Checker, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{cfg: cfg, store: st, loops: loops, pages: pages, health: hc, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type createSessionRequest struct {
	Locale string `json:"locale"`
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Bridge.TokenSecret == "" {
		http.Error(w, "missing bridge token configuration", http.StatusBadRequest)
		return
	}
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Locale == "" {
		req.Locale = h.cfg.Voice.Locale
	}

	id := uuid.New().String()
	exp := time.Now().Add(h.cfg.Bridge.TokenTTL)
	token, err := auth.GeneratePageToken(h.cfg.Bridge.TokenSecret, id, exp.Unix())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sess := &types.Session{
		ID:        id,
		Locale:    req.Locale,
		CreatedAt: time.Now().UTC(),
		Status:    types.StatusCreated,
	}
	if err := h.store.CreateSession(sess); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.store.AppendEvent(id, "session_created", map[string]any{"locale": req.Locale})
	h.log.Info("api: session created", zap.String("session_id", id))

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"page_token": token,
		"expires_at": exp.UTC(),
		"ws_path":    "/ws/page?session_id=" + url.QueryEscape(id),
	})
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.store.ListSessionIDs()
	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		if s := h.store.GetSession(id); s != nil {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess := h.store.GetSession(id)
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	page := h.store.GetPageState(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"connected":    page.Connected,
		"capabilities": page.Capabilities,
		"prefs":        h.loops.Prefs(id),
	})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, `body must be {"enabled": bool}`, http.StatusBadRequest)
		return false, false
	}
	return *req.Enabled, true
}

// HandleConversation turns conversation mode on or off. The choice is kept
// for the session and applied when a page connects.
func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	on, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	live := h.loops.SetConversation(id, on)
	h.store.AppendEvent(id, "conversation_requested", map[string]any{"enabled": on, "live": live})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": on, "connected": live})
}

func (h *Handlers) HandleVoice(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	on, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	live := h.loops.SetVoice(id, on)
	h.store.AppendEvent(id, "voice_requested", map[string]any{"enabled": on, "live": live})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": on, "connected": live})
}

type messageRequest struct {
	Text string `json:"text"`
}

// HandleMessage submits typed text through the live conversation.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := h.loops.Submit(id, req.Text)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyText):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, loop.ErrNotConnected), errors.Is(err, orchestrator.ErrClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// HandleListEvents returns the session journal; ?since=RFC3339 tails it.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	events := h.store.ListEvents(id)
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		events = h.store.EventsSince(id, ts)
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}

// HandleState returns the live controller snapshot, or the stored toggles
// when no page is connected.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	ctrl, ok := h.loops.Controller(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"connected":  false,
			"prefs":      h.loops.Prefs(id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"connected":  true,
		"prefs":      h.loops.Prefs(id),
		"state":      ctrl.Snapshot(),
	})
}

// HandleCloseSession disconnects the page and marks the session closed.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	h.loops.SetConversation(id, false)
	if p := h.pages.Get(id); p != nil {
		p.Close("session closed")
	}
	_ = h.store.SetStatus(id, types.StatusClosed)
	h.store.AppendEvent(id, "session_closed", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	st := h.health.CheckAll(r.Context())
	status := http.StatusOK
	if !st.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}
