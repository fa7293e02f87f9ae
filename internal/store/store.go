package store

import (
	"errors"
	"sync"
	"time"

	"viva/voiceloop/internal/types"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// maxEvents caps the journal kept per session.
const maxEvents = 200

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	events   map[string][]types.Event
	pages    map[string]PageState
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*types.Session),
		events:   make(map[string][]types.Event),
		pages:    make(map[string]PageState),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PageState is what the server last heard from a session's page.
type PageState struct {
	Connected    bool
	Capabilities map[string]bool
	UserAgent    string
}

func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	if sess.Status == "" {
		sess.Status = types.StatusCreated
	}
	s.sessions[sess.ID] = sess
	s.events[sess.ID] = []types.Event{}
	return nil
}

// GetSession returns a copy so callers can't race the store's writers.
func (s *Store) GetSession(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

func (s *Store) SetStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = status
	return nil
}

func (s *Store) AppendEvent(sessionID, typ string, payload map[string]any) types.Event {
	evt := types.Event{Type: typ, Ts: s.now(), Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	if l := len(s.events[sessionID]); l > maxEvents {
		// Keep space for a single truncation warning so the total stays at maxEvents
		keep := maxEvents - 1
		dropped := l - keep
		s.events[sessionID] = append([]types.Event(nil), s.events[sessionID][l-keep:]...)
		warn := types.Event{Type: "events_truncated", Ts: s.now(), Payload: map[string]any{"session_id": sessionID, "dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(s.events[sessionID], warn)
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// EventsSince returns events strictly after ts, for tailing clients.
func (s *Store) EventsSince(sessionID string, ts time.Time) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Event
	for _, e := range s.events[sessionID] {
		if e.Ts.After(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Page connection helpers
func (s *Store) SetPageConnected(sessionID string, caps map[string]bool, userAgent string) {
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[sessionID] = PageState{Connected: true, Capabilities: caps, UserAgent: userAgent}
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Status = types.StatusConnected
		sess.PageConnectedAt = &at
		sess.PageDisconnectedAt = nil
	}
}

func (s *Store) SetPageDisconnected(sessionID string) {
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pages[sessionID]
	st.Connected = false
	s.pages[sessionID] = st
	if sess, ok := s.sessions[sessionID]; ok {
		if sess.Status != types.StatusClosed {
			sess.Status = types.StatusIdle
		}
		sess.PageDisconnectedAt = &at
	}
}

func (s *Store) GetPageState(sessionID string) PageState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages[sessionID]
}
