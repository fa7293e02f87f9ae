// Package orchestrator runs the continuous conversation loop of one page:
// listen, transcribe, dispatch to chat, speak the reply, listen again.
//
// A Controller is a single goroutine reading an event channel. Platform
// callbacks, timers and backend results all arrive as events, and every
// decision goes through the floor state machine. Async results carry a
// generation number so that anything superseded by a later action is dropped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"viva/voiceloop/internal/capture"
	"viva/voiceloop/internal/chat"
	"viva/voiceloop/internal/floor"
	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/playback"
	"viva/voiceloop/internal/tts"
	"viva/voiceloop/internal/types"
)

var (
	ErrEmptyText     = errors.New("empty message")
	ErrClosed        = errors.New("controller closed")
	ErrNoTranscriber = errors.New("no transcription backend configured")
	ErrNoChat        = errors.New("no chat backend configured")
)

const (
	DefaultSettleDelay   = 260 * time.Millisecond
	DefaultChatErrorText = "Desculpe, não consegui responder agora. Tente novamente em instantes."

	maxMessages = 100
	eventBuffer = 64
)

// CaptureStarter starts one capture. capture.Selector implements it.
type CaptureStarter interface {
	Start(ctx context.Context, sink capture.Sink) (capture.Handle, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type ChatClient interface {
	Send(ctx context.Context, req chat.Request) (chat.Reply, error)
}

// Speaker is the page's playback slot. playback.Controller implements it.
type Speaker interface {
	Speak(ctx context.Context, messageID, text string) playback.Outcome
	Stop()
	SetVoiceEnabled(enabled bool)
	VoiceEnabled() bool
}

// VoiceStatus reports how remote synthesis is configured. It only feeds the
// remote voice advisory. tts.StatusClient implements it.
type VoiceStatus interface {
	Status(ctx context.Context) (tts.Status, error)
}

// Journal records session events. store.Store implements it.
type Journal interface {
	AppendEvent(sessionID, typ string, payload map[string]any) types.Event
}

type Config struct {
	SessionID   string
	Capture     CaptureStarter
	Transcriber Transcriber
	Chat        ChatClient
	Speaker     Speaker
	VoiceStatus VoiceStatus
	Journal     Journal
	Clock       clockwork.Clock
	Logger      *zap.Logger

	// SettleDelay separates the end of playback from the next capture.
	SettleDelay   time.Duration
	ChatContext   map[string]any
	ChatErrorText string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

type AdvisoryCode string

const (
	AdvisoryCapability  AdvisoryCode = "capture_unavailable"
	AdvisoryPermission  AdvisoryCode = "microphone_denied"
	AdvisoryRemoteVoice AdvisoryCode = "remote_voice_unavailable"
)

// Advisory is a user-visible notice about why the conversation is degraded.
type Advisory struct {
	Code    AdvisoryCode `json:"code"`
	Message string       `json:"message"`
	At      time.Time    `json:"at"`
}

// Snapshot is a copy of the controller state, safe to read from any goroutine.
type Snapshot struct {
	SessionID         string    `json:"session_id"`
	Turn              string    `json:"turn"`
	Enabled           bool      `json:"enabled"`
	Intent            bool      `json:"intent"`
	Loading           bool      `json:"loading"`
	AssistantSpeaking bool      `json:"assistant_speaking"`
	Capturing         bool      `json:"capturing"`
	VoiceEnabled      bool      `json:"voice_enabled"`
	ChatSessionID     string    `json:"chat_session_id,omitempty"`
	Advisory          *Advisory `json:"advisory,omitempty"`
	Messages          []Message `json:"messages"`
	Closed            bool      `json:"closed"`
}

type eventKind int

const (
	evEnable eventKind = iota + 1
	evDisable
	evVoice
	evSubmit
	evCapabilities
	evCaptureStarted
	evCapture
	evTranscribed
	evReply
	evPlaybackDone
	evResume
)

type event struct {
	kind    eventKind
	gen     uint64
	on      bool
	text    string
	handle  capture.Handle
	capture capture.Event
	reply   chat.Reply
	outcome playback.Outcome
	voice   *tts.Status
	err     error
	elapsed time.Duration
}

// Controller is the conversation loop of one page.
type Controller struct {
	id      string
	capture CaptureStarter
	stt     Transcriber
	chat    ChatClient
	voice   Speaker
	status  VoiceStatus
	journal Journal
	clock   clockwork.Clock
	log     *zap.Logger
	settle  time.Duration
	chatCtx map[string]any
	chatErr string

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// handles returned by Start that the loop has not adopted yet
	startMu  sync.Mutex
	starting map[capture.Handle]struct{}
	closing  bool

	// owned by the run goroutine
	ctx        context.Context
	cancel     context.CancelFunc
	sttCancel  context.CancelFunc
	fsm        *floor.Manager
	active     capture.Handle
	captureGen uint64
	sttGen     uint64
	turnGen    uint64
	speakGen   uint64
	resumeGen  uint64
	resume     clockwork.Timer
	utterance  *capture.Utterance
	userText   string
	reply      Message
	chatSID    string
	advisory   *Advisory
	advised    bool
	advisedTTS bool
	messages   []Message

	mu   sync.RWMutex
	snap Snapshot
}

// New starts a controller. Close must be called to release it.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.ChatErrorText == "" {
		cfg.ChatErrorText = DefaultChatErrorText
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:      cfg.SessionID,
		capture: cfg.Capture,
		stt:     cfg.Transcriber,
		chat:    cfg.Chat,
		voice:   cfg.Speaker,
		status:  cfg.VoiceStatus,
		journal: cfg.Journal,
		clock:   cfg.Clock,
		log:     cfg.Logger.With(zap.String("session_id", cfg.SessionID)),
		settle:  cfg.SettleDelay,
		chatCtx: cfg.ChatContext,
		chatErr: cfg.ChatErrorText,
		events:  make(chan event, eventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		fsm:      floor.New(),
		starting: make(map[capture.Handle]struct{}),
	}
	c.publish()
	metricControllers.Inc()
	go c.run()
	return c
}

func (c *Controller) ID() string { return c.id }

// Enable turns conversation mode on and starts listening when the floor allows.
func (c *Controller) Enable() { c.post(event{kind: evEnable}) }

// Disable turns conversation mode off and stops capture and playback.
func (c *Controller) Disable() { c.post(event{kind: evDisable}) }

func (c *Controller) SetConversation(on bool) {
	if on {
		c.Enable()
		return
	}
	c.Disable()
}

// SetVoiceEnabled toggles spoken replies. Turning it off stops the current
// playback at once.
func (c *Controller) SetVoiceEnabled(on bool) {
	if c.voice != nil {
		c.voice.SetVoiceEnabled(on)
	}
	c.post(event{kind: evVoice, on: on})
}

// SubmitText sends a typed message through the same dispatch path as speech.
func (c *Controller) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.post(event{kind: evSubmit, text: text})
	return nil
}

// CapabilitiesChanged retries listening after the page reports a new
// capability set.
func (c *Controller) CapabilitiesChanged() { c.post(event{kind: evCapabilities}) }

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	s.Messages = append([]Message(nil), c.snap.Messages...)
	return s
}

// Done is closed once the controller has torn everything down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Close performs a full teardown and waits for it.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// spawn runs fn off the loop and posts its result. A panic posts fallback.
func (c *Controller) spawn(fallback event, fn func() event) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("orchestrator: worker panic", zap.Any("panic", r))
				fallback.err = fmt.Errorf("panic: %v", r)
				c.post(fallback)
			}
		}()
		c.post(fn())
	}()
}

func (c *Controller) run() {
	defer close(c.done)
	defer metricControllers.Dec()
	for {
		select {
		case <-c.quit:
			c.teardown()
			return
		case ev := <-c.events:
			c.dispatch(ev)
			c.publish()
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch ev.kind {
	case evEnable:
		c.advised = false
		c.advisory = nil
		c.record("conversation_toggled", map[string]any{"enabled": true})
		c.apply(floor.Event{Kind: floor.Enable})

	case evDisable:
		c.record("conversation_toggled", map[string]any{"enabled": false})
		c.apply(floor.Event{Kind: floor.Disable})
		c.stopEverything()

	case evVoice:
		c.record("voice_toggled", map[string]any{"enabled": ev.on})

	case evSubmit:
		c.userText = ev.text
		c.apply(floor.Event{Kind: floor.TextSubmitted})

	case evCapabilities:
		st := c.fsm.State()
		if st.Enabled && st.Intent {
			c.apply(floor.Event{Kind: floor.RequestCapture})
		}

	case evCaptureStarted:
		c.adopt(ev.handle)
		if ev.gen != c.captureGen {
			metricStale.WithLabelValues("capture_start").Inc()
			if ev.handle != nil {
				ev.handle.Stop()
			}
			return
		}
		if ev.err != nil {
			c.captureGen++
			c.captureFailed(ev.err)
			return
		}
		c.active = ev.handle
		c.record("capture_started", map[string]any{"capture_id": ev.handle.ID()})

	case evCapture:
		if ev.gen != c.captureGen {
			metricStale.WithLabelValues("capture").Inc()
			return
		}
		// every capture event is terminal for its session
		c.captureGen++
		c.active = nil
		c.onCapture(ev.capture)

	case evTranscribed:
		if ev.gen != c.sttGen {
			metricStale.WithLabelValues("transcript").Inc()
			return
		}
		c.sttCancel = nil
		text := ev.text
		if ev.err != nil {
			c.log.Warn("orchestrator: transcription failed", zap.Error(ev.err))
			c.record("transcription_failed", map[string]any{"error": ev.err.Error()})
			text = ""
		}
		c.userText = text
		c.apply(floor.Event{Kind: floor.TranscriptReady, Empty: text == ""})

	case evReply:
		if ev.gen != c.turnGen {
			metricStale.WithLabelValues("reply").Inc()
			return
		}
		c.onReply(ev)

	case evPlaybackDone:
		if ev.gen != c.speakGen {
			metricStale.WithLabelValues("playback").Inc()
			return
		}
		c.record("playback_ended", map[string]any{"message_id": c.reply.ID, "outcome": ev.outcome.String()})
		c.adviseVoice(ev.voice)
		c.apply(floor.Event{Kind: floor.PlaybackEnded})

	case evResume:
		if ev.gen != c.resumeGen {
			return
		}
		c.resume = nil
		c.apply(floor.Event{Kind: floor.RequestCapture})
	}
}

func (c *Controller) onCapture(ce capture.Event) {
	switch ce.Kind {
	case capture.EventUtterance:
		c.utterance = ce.Utterance
		c.apply(floor.Event{Kind: floor.UtteranceReady})
	case capture.EventSilence:
		c.record("capture_discarded", map[string]any{"backend": ce.Backend})
		c.apply(floor.Event{Kind: floor.SilenceDiscarded})
	case capture.EventTranscript:
		c.userText = ce.Text
		c.apply(floor.Event{Kind: floor.TranscriptReady, Empty: ce.Text == ""})
	case capture.EventError:
		c.captureFailed(ce.Err)
	}
}

func (c *Controller) captureFailed(err error) {
	fail := floor.FailTransient
	switch {
	case errors.Is(err, platform.ErrPermissionDenied):
		fail = floor.FailPermission
		c.advise(AdvisoryPermission, "Permissão de microfone negada. Libere o acesso para conversar por voz.")
	case errors.Is(err, capture.ErrCapabilityAbsent):
		fail = floor.FailCapability
		if !c.advised {
			c.advised = true
			c.advise(AdvisoryCapability, "Este navegador não oferece captura de voz.")
		}
	default:
		c.log.Info("orchestrator: capture failed", zap.Error(err))
	}
	c.record("capture_failed", map[string]any{"error": err.Error()})
	c.apply(floor.Event{Kind: floor.CaptureFailed, Failure: fail})
}

func (c *Controller) onReply(ev event) {
	text := ev.reply.Text
	synthetic := false
	if ev.err != nil {
		metricChatErrors.Inc()
		c.log.Warn("orchestrator: chat failed", zap.Error(ev.err))
		c.record("chat_failed", map[string]any{"error": ev.err.Error()})
		text = c.chatErr
		synthetic = true
	} else {
		metricReplyLatency.Observe(float64(ev.elapsed.Milliseconds()))
		if ev.reply.SessionID != "" {
			c.chatSID = ev.reply.SessionID
		}
	}
	c.reply = c.appendMessage(RoleAssistant, text, synthetic)
	c.record("reply", map[string]any{"message_id": c.reply.ID, "synthetic": synthetic})
	c.apply(floor.Event{Kind: floor.ReplyReady})
}

func (c *Controller) apply(ev floor.Event) {
	from, d := c.fsm.Apply(ev)
	to := c.fsm.State().Turn
	if from != to {
		metricStateTransitions.WithLabelValues(from.String(), to.String()).Inc()
		c.record("turn", map[string]any{"from": from.String(), "to": to.String(), "cause": ev.Kind.String()})
	}
	if d.Dropped {
		metricDropped.WithLabelValues(d.Reason).Inc()
		c.log.Debug("orchestrator: event dropped", zap.Stringer("event", ev.Kind), zap.String("reason", d.Reason))
	}
	for _, e := range d.Effects {
		c.perform(e)
	}
}

func (c *Controller) perform(e floor.Effect) {
	switch e {
	case floor.StartCapture:
		c.startCapture()
	case floor.StopCapture:
		c.stopCapture()
	case floor.Transcribe:
		c.transcribe()
	case floor.Dispatch:
		c.dispatchChat()
	case floor.Speak:
		c.speak()
	case floor.StopPlayback:
		c.speakGen++
		if c.voice != nil {
			c.voice.Stop()
		}
	case floor.ScheduleResume:
		c.scheduleResume()
	}
}

func (c *Controller) startCapture() {
	c.cancelResume()
	c.captureGen++
	gen := c.captureGen
	if c.capture == nil {
		go c.post(event{kind: evCaptureStarted, gen: gen, err: capture.ErrCapabilityAbsent})
		return
	}
	sink := func(ce capture.Event) {
		c.post(event{kind: evCapture, gen: gen, capture: ce})
	}
	c.spawn(event{kind: evCaptureStarted, gen: gen}, func() event {
		h, err := c.capture.Start(c.ctx, sink)
		if h != nil && !c.track(h) {
			h.Stop()
		}
		return event{kind: evCaptureStarted, gen: gen, handle: h, err: err}
	})
}

// track registers a freshly started handle. It returns false once the
// controller is closing, in which case the caller must stop the handle.
func (c *Controller) track(h capture.Handle) bool {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.closing {
		return false
	}
	c.starting[h] = struct{}{}
	return true
}

func (c *Controller) adopt(h capture.Handle) {
	if h == nil {
		return
	}
	c.startMu.Lock()
	delete(c.starting, h)
	c.startMu.Unlock()
}

func (c *Controller) stopCapture() {
	c.captureGen++
	if c.active != nil {
		c.active.Stop()
		c.active = nil
	}
}

func (c *Controller) transcribe() {
	u := c.utterance
	c.utterance = nil
	c.sttGen++
	gen := c.sttGen
	fallback := event{kind: evTranscribed, gen: gen}
	if u == nil || c.stt == nil {
		fallback.err = ErrNoTranscriber
		go c.post(fallback)
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.sttCancel = cancel
	c.spawn(fallback, func() event {
		defer cancel()
		text, err := c.stt.Transcribe(ctx, u.Audio, u.MimeType)
		return event{kind: evTranscribed, gen: gen, text: strings.TrimSpace(text), err: err}
	})
}

func (c *Controller) dispatchChat() {
	msg := c.appendMessage(RoleUser, c.userText, false)
	c.userText = ""
	c.record("transcript", map[string]any{"message_id": msg.ID, "chars": len(msg.Text)})
	c.turnGen++
	gen := c.turnGen
	if c.chat == nil {
		go c.post(event{kind: evReply, gen: gen, err: ErrNoChat})
		return
	}
	req := chat.Request{Message: msg.Text, SessionID: c.chatSID, Context: c.chatCtx}
	c.spawn(event{kind: evReply, gen: gen}, func() event {
		start := time.Now()
		reply, err := c.chat.Send(c.ctx, req)
		return event{kind: evReply, gen: gen, reply: reply, err: err, elapsed: time.Since(start)}
	})
}

func (c *Controller) speak() {
	c.speakGen++
	gen := c.speakGen
	m := c.reply
	if c.voice == nil {
		go c.post(event{kind: evPlaybackDone, gen: gen, outcome: playback.OutcomeSilent})
		return
	}
	diagnose := c.status != nil && !c.advisedTTS
	c.spawn(event{kind: evPlaybackDone, gen: gen, outcome: playback.OutcomeSilent}, func() event {
		out := c.voice.Speak(c.ctx, m.ID, m.Text)
		ev := event{kind: evPlaybackDone, gen: gen, outcome: out}
		if diagnose && (out == playback.OutcomeLocal || out == playback.OutcomeSilent) {
			if st, err := c.status.Status(c.ctx); err == nil {
				ev.voice = &st
			}
		}
		return ev
	})
}

// adviseVoice tells the user once that replies use the local voice because
// remote synthesis is not configured. It never changes the playback path.
func (c *Controller) adviseVoice(st *tts.Status) {
	if st == nil || st.TTSConfigured || c.advisedTTS || c.advisory != nil {
		return
	}
	c.advisedTTS = true
	msg := "Voz sintetizada indisponível, usando a voz do navegador."
	if len(st.MissingKeys) > 0 {
		msg += " Configuração ausente: " + strings.Join(st.MissingKeys, ", ") + "."
	}
	c.advise(AdvisoryRemoteVoice, msg)
}

func (c *Controller) scheduleResume() {
	c.cancelResume()
	c.resumeGen++
	gen := c.resumeGen
	c.resume = c.clock.AfterFunc(c.settle, func() {
		c.post(event{kind: evResume, gen: gen})
	})
}

func (c *Controller) cancelResume() {
	if c.resume != nil {
		c.resume.Stop()
		c.resume = nil
	}
	c.resumeGen++
}

// stopEverything releases capture, playback, timers and pending
// transcription regardless of the floor state. An outstanding chat request
// is left alone; its reply is still recorded and spoken.
func (c *Controller) stopEverything() {
	c.cancelResume()
	c.stopCapture()
	if c.sttCancel != nil {
		c.sttCancel()
		c.sttCancel = nil
	}
	c.sttGen++
	c.speakGen++
	if c.voice != nil {
		c.voice.Stop()
	}
}

func (c *Controller) teardown() {
	c.apply(floor.Event{Kind: floor.Disable})
	c.stopEverything()
	c.startMu.Lock()
	c.closing = true
	orphans := c.starting
	c.starting = nil
	c.startMu.Unlock()
	for h := range orphans {
		h.Stop()
	}
	c.cancel()
	c.record("closed", nil)
	c.publish()
	c.mu.Lock()
	c.snap.Closed = true
	c.mu.Unlock()
	c.log.Debug("orchestrator: controller closed")
}

func (c *Controller) advise(code AdvisoryCode, msg string) {
	metricAdvisories.WithLabelValues(string(code)).Inc()
	c.advisory = &Advisory{Code: code, Message: msg, At: c.clock.Now()}
	c.record("advisory", map[string]any{"code": string(code), "message": msg})
}

func (c *Controller) appendMessage(role Role, text string, synthetic bool) Message {
	m := Message{ID: uuid.New().String(), Role: role, Text: text, At: c.clock.Now(), Synthetic: synthetic}
	c.messages = append(c.messages, m)
	if len(c.messages) > maxMessages {
		c.messages = append([]Message(nil), c.messages[len(c.messages)-maxMessages:]...)
	}
	return m
}

func (c *Controller) record(typ string, payload map[string]any) {
	if c.journal != nil {
		c.journal.AppendEvent(c.id, typ, payload)
	}
}

func (c *Controller) publish() {
	st := c.fsm.State()
	s := Snapshot{
		SessionID:         c.id,
		Turn:              st.Turn.String(),
		Enabled:           st.Enabled,
		Intent:            st.Intent,
		Loading:           st.Loading,
		AssistantSpeaking: st.AssistantSpeaking,
		Capturing:         st.Capturing,
		VoiceEnabled:      c.voice == nil || c.voice.VoiceEnabled(),
		ChatSessionID:     c.chatSID,
		Messages:          append([]Message(nil), c.messages...),
	}
	if c.advisory != nil {
		a := *c.advisory
		s.Advisory = &a
	}
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}
