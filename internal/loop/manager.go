// Package loop runs one conversation controller per connected page and
// remembers each session's toggles across reconnects.
package loop

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"viva/voiceloop/internal/bridge"
	"viva/voiceloop/internal/capture"
	"viva/voiceloop/internal/orchestrator"
	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/playback"
	"viva/voiceloop/internal/types"
	"viva/voiceloop/internal/vad"
)

var ErrNotConnected = errors.New("no page connected for session")

// SessionLookup finds a stored session. store.Store implements it.
type SessionLookup interface {
	GetSession(id string) *types.Session
}

// Deps are shared by every controller the manager builds.
type Deps struct {
	Journal     orchestrator.Journal
	Sessions    SessionLookup
	Transcriber orchestrator.Transcriber
	Chat        orchestrator.ChatClient
	Synth       playback.Synthesizer
	VoiceStatus orchestrator.VoiceStatus
	Clock       clockwork.Clock
	Logger      *zap.Logger

	VAD             vad.Config
	TickInterval    time.Duration
	StopTimeout     time.Duration
	SettleDelay     time.Duration
	ChatErrorText   string
	Locale          string
	RecognitionLang string
	Rate            float64
	SpokenMemory    int
}

// Prefs are the user's toggles for a session.
type Prefs struct {
	Conversation bool `json:"conversation"`
	Voice        bool `json:"voice"`
}

type entry struct {
	surface platform.Surface
	ctrl    *orchestrator.Controller
}

type Manager struct {
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	prefs   map[string]Prefs
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		deps:    deps,
		log:     deps.Logger,
		entries: make(map[string]*entry),
		prefs:   make(map[string]Prefs),
	}
}

// Attach implements bridge.Attacher.
func (m *Manager) Attach(p *bridge.Page) {
	ctrl := m.Start(p.SessionID(), p)
	p.OnCapabilities(func(platform.Capabilities) { ctrl.CapabilitiesChanged() })
}

// Detach implements bridge.Attacher.
func (m *Manager) Detach(p *bridge.Page) { m.Stop(p.SessionID(), p) }

// Start builds the capture selector, playback slot and controller for a
// surface, replacing any controller the session already had.
func (m *Manager) Start(sessionID string, surface platform.Surface) *orchestrator.Controller {
	log := m.log.With(zap.String("session_id", sessionID))
	locale, lang := m.localeFor(sessionID)
	server := &capture.ServerAssisted{
		Platform:     surface,
		VAD:          m.deps.VAD,
		TickInterval: m.deps.TickInterval,
		StopTimeout:  m.deps.StopTimeout,
		Clock:        m.deps.Clock,
		Logger:       log,
	}
	browser := &capture.BrowserNative{Platform: surface, Lang: lang, Logger: log}
	speaker := playback.New(surface, m.deps.Synth, playback.Options{
		Locale:       locale,
		Rate:         m.deps.Rate,
		SpokenMemory: m.deps.SpokenMemory,
		Logger:       log,
	})
	ctrl := orchestrator.New(orchestrator.Config{
		SessionID:     sessionID,
		Capture:       capture.NewSelector(surface, server, browser, log),
		Transcriber:   m.deps.Transcriber,
		Chat:          m.deps.Chat,
		Speaker:       speaker,
		VoiceStatus:   m.deps.VoiceStatus,
		Journal:       m.deps.Journal,
		Clock:         m.deps.Clock,
		Logger:        log,
		SettleDelay:   m.deps.SettleDelay,
		ChatErrorText: m.deps.ChatErrorText,
		ChatContext:   map[string]any{"channel": "voice"},
	})

	m.mu.Lock()
	old := m.entries[sessionID]
	m.entries[sessionID] = &entry{surface: surface, ctrl: ctrl}
	prefs, ok := m.prefs[sessionID]
	if !ok {
		prefs = Prefs{Voice: true}
		m.prefs[sessionID] = prefs
	}
	m.mu.Unlock()

	if old != nil {
		old.ctrl.Close()
	}
	if !prefs.Voice {
		ctrl.SetVoiceEnabled(false)
	}
	if prefs.Conversation {
		ctrl.Enable()
	}
	log.Info("loop: controller started",
		zap.Bool("conversation", prefs.Conversation),
		zap.Bool("voice", prefs.Voice),
		zap.String("locale", locale))
	return ctrl
}

// localeFor returns the voice locale and recognition language for a session.
// A session created with its own locale uses it for both.
func (m *Manager) localeFor(sessionID string) (locale, lang string) {
	locale, lang = m.deps.Locale, m.deps.RecognitionLang
	if m.deps.Sessions == nil {
		return locale, lang
	}
	if s := m.deps.Sessions.GetSession(sessionID); s != nil && s.Locale != "" && s.Locale != locale {
		return s.Locale, s.Locale
	}
	return locale, lang
}

// Stop closes the session's controller if it still belongs to surface.
func (m *Manager) Stop(sessionID string, surface platform.Surface) {
	m.mu.Lock()
	e := m.entries[sessionID]
	if e == nil || e.surface != surface {
		m.mu.Unlock()
		return
	}
	delete(m.entries, sessionID)
	m.mu.Unlock()
	e.ctrl.Close()
	m.log.Info("loop: controller stopped", zap.String("session_id", sessionID))
}

func (m *Manager) Controller(sessionID string) (*orchestrator.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

func (m *Manager) Prefs(sessionID string) Prefs {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[sessionID]; ok {
		return p
	}
	return Prefs{Voice: true}
}

// SetConversation records the toggle and applies it to a live controller.
// It reports whether a page was connected.
func (m *Manager) SetConversation(sessionID string, on bool) bool {
	ctrl := m.update(sessionID, func(p *Prefs) { p.Conversation = on })
	if ctrl == nil {
		return false
	}
	ctrl.SetConversation(on)
	return true
}

func (m *Manager) SetVoice(sessionID string, on bool) bool {
	ctrl := m.update(sessionID, func(p *Prefs) { p.Voice = on })
	if ctrl == nil {
		return false
	}
	ctrl.SetVoiceEnabled(on)
	return true
}

// Submit sends typed text through the session's live controller.
func (m *Manager) Submit(sessionID, text string) error {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return ErrNotConnected
	}
	return ctrl.SubmitText(text)
}

func (m *Manager) update(sessionID string, f func(*Prefs)) *orchestrator.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[sessionID]
	if !ok {
		p = Prefs{Voice: true}
	}
	f(&p)
	m.prefs[sessionID] = p
	if e := m.entries[sessionID]; e != nil {
		return e.ctrl
	}
	return nil
}

// CloseAll tears down every controller.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range entries {
		e.ctrl.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
