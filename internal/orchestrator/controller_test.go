package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viva/voiceloop/internal/capture"
	"viva/voiceloop/internal/chat"
	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/platform/platformtest"
	"viva/voiceloop/internal/playback"
	"viva/voiceloop/internal/store"
	"viva/voiceloop/internal/tts"
	"viva/voiceloop/internal/vad"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	audio [][]byte
}

func (f *fakeSTT) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return f.text, f.err
}

func (f *fakeSTT) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type fakeChat struct {
	mu    sync.Mutex
	reply chat.Reply
	err   error
	gate  chan struct{}
	reqs  []chat.Request
}

func (f *fakeChat) Send(ctx context.Context, req chat.Request) (chat.Reply, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Reply{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeChat) requests() []chat.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Request(nil), f.reqs...)
}

// scriptedCapture hands out handles and lets the test emit capture events.
type scriptedCapture struct {
	mu      sync.Mutex
	err     error
	sinks   []capture.Sink
	handles []*scriptedHandle
}

type scriptedHandle struct {
	id      string
	mu      sync.Mutex
	stopped bool
}

func (h *scriptedHandle) ID() string { return h.id }

func (h *scriptedHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *scriptedHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (s *scriptedCapture) Start(_ context.Context, sink capture.Sink) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := &scriptedHandle{id: fmt.Sprintf("cap-%d", len(s.handles)+1)}
	s.sinks = append(s.sinks, sink)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *scriptedCapture) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *scriptedCapture) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *scriptedCapture) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.isStopped() {
			n++
		}
	}
	return n
}

// emit delivers ev through the sink of capture number n (1-based).
func (s *scriptedCapture) emit(n int, ev capture.Event) {
	s.mu.Lock()
	sink := s.sinks[n-1]
	s.mu.Unlock()
	sink(ev)
}

type harness struct {
	t     *testing.T
	fake  *platformtest.Fake
	clk   *clockwork.FakeClock
	cap   *scriptedCapture
	stt   *fakeSTT
	chat  *fakeChat
	voice *playback.Controller
	store *store.Store
	c     *Controller
}

func newHarness(t *testing.T) *harness { return newHarnessWith(t, nil) }

// newHarnessWith lets a test adjust the controller config before it starts.
func newHarnessWith(t *testing.T, tweak func(*Config)) *harness {
	h := &harness{
		t:     t,
		fake:  platformtest.New(),
		clk:   clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		cap:   &scriptedCapture{},
		stt:   &fakeSTT{text: "oi viva"},
		chat:  &fakeChat{reply: chat.Reply{Text: "Oi, como posso ajudar?", SessionID: "chat-1"}},
		store: store.New(),
	}
	h.voice = playback.New(h.fake, nil, playback.Options{})
	cfg := Config{
		SessionID:   "s1",
		Capture:     h.cap,
		Transcriber: h.stt,
		Chat:        h.chat,
		Speaker:     h.voice,
		Journal:     h.store,
		Clock:       h.clk,
		ChatContext: map[string]any{"source": "voice"},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.c = New(cfg)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) snap() Snapshot { return h.c.Snapshot() }

func (h *harness) waitTurn(turn string) {
	h.t.Helper()
	eventually(h.t, func() bool { return h.snap().Turn == turn }, "turn "+turn)
}

func (h *harness) waitSpeaking() {
	h.t.Helper()
	eventually(h.t, func() bool {
		return h.fake.SpeechFake().Speaking() && h.snap().Turn == "speaking"
	}, "assistant speaking")
}

// waitTimers blocks until n timers or tickers are registered on the clock.
func (h *harness) waitTimers(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.clk.BlockUntilContext(ctx, n), "clock waiters")
}

// captures counts capture starts, scripted or against the fake page.
func (h *harness) captures() int {
	if h.cap != nil {
		return h.cap.starts()
	}
	return h.fake.StreamsOpened() + h.fake.RecognizersCreated()
}

// assertNoResume moves the clock well past the settle delay and checks that
// listening does not restart.
func (h *harness) assertNoResume() {
	h.t.Helper()
	n := h.captures()
	h.clk.Advance(time.Minute)
	assert.Never(h.t, func() bool { return h.captures() != n }, 50*time.Millisecond, 5*time.Millisecond, "capture restarted")
}

func (h *harness) hasEvent(typ string) bool { return h.countEvents(typ) > 0 }

func (h *harness) countEvents(typ string) int {
	n := 0
	for _, e := range h.store.ListEvents(h.c.ID()) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestEnableStartsCapture(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()

	eventually(t, func() bool { return h.cap.starts() == 1 && h.snap().Capturing }, "capture started")
	s := h.snap()
	assert.True(t, s.Enabled)
	assert.True(t, s.Intent)
	assert.True(t, s.Capturing)
	assert.Equal(t, "listening", s.Turn)
}

func TestUtteranceRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventUtterance, Utterance: &capture.Utterance{Audio: []byte("blob"), MimeType: "audio/webm"}})
	h.waitSpeaking()

	reqs := h.chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "oi viva", reqs[0].Message)
	assert.Equal(t, "", reqs[0].SessionID)
	assert.Equal(t, "voice", reqs[0].Context["source"])
	assert.Equal(t, [][]byte{[]byte("blob")}, h.stt.audio)

	s := h.snap()
	assert.Equal(t, "speaking", s.Turn)
	assert.True(t, s.AssistantSpeaking)
	assert.False(t, s.Intent)
	assert.Equal(t, "chat-1", s.ChatSessionID)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "Oi, como posso ajudar?", s.Messages[1].Text)
}

func TestSilenceRestartsCaptureWithoutTranscribing(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventSilence})
	eventually(t, func() bool { return h.cap.starts() == 2 }, "capture restarted")

	assert.Equal(t, 0, h.stt.calls())
	assert.Empty(t, h.chat.requests())
	assert.Equal(t, "listening", h.snap().Turn)
}

func TestEmptyTranscriptResumesListening(t *testing.T) {
	h := newHarness(t)
	h.stt.text = ""
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventUtterance, Utterance: &capture.Utterance{Audio: []byte("x")}})
	eventually(t, func() bool { return h.cap.starts() == 2 }, "capture restarted")
	assert.Empty(t, h.chat.requests())
}

func TestTranscriptionFailureResumesListening(t *testing.T) {
	h := newHarness(t)
	h.stt.err = errors.New("503")
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventUtterance, Utterance: &capture.Utterance{Audio: []byte("x")}})
	eventually(t, func() bool { return h.cap.starts() == 2 }, "capture restarted")
	assert.Empty(t, h.chat.requests())
}

func TestRecognizerTranscriptIsDispatched(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventTranscript, Text: "oi viva"})
	h.waitSpeaking()

	assert.Equal(t, 0, h.stt.calls())
	require.Len(t, h.chat.requests(), 1)
	assert.Equal(t, "oi viva", h.chat.requests()[0].Message)
}

func TestCaptureRequestWhileSpeakingIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SubmitText("oi"))
	h.waitSpeaking()

	h.c.Enable()
	h.c.CapabilitiesChanged()
	eventually(t, func() bool { return h.snap().Enabled }, "enabled")
	assert.Equal(t, 0, h.cap.starts())
	assert.Equal(t, "speaking", h.snap().Turn)

	h.fake.SpeechFake().Finish()
	h.waitTimers(1)
	h.clk.Advance(DefaultSettleDelay)
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture after playback")
}

func TestPlaybackEndWithoutConversationModeGoesIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SubmitText("oi"))
	h.waitSpeaking()

	h.fake.SpeechFake().Finish()
	h.waitTurn("idle")
	h.assertNoResume()
	assert.Equal(t, 0, h.cap.starts())
}

func TestPermissionDeniedClearsIntent(t *testing.T) {
	h := newHarness(t)
	h.cap.setErr(fmt.Errorf("open microphone: %w", platform.ErrPermissionDenied))
	h.c.Enable()

	eventually(t, func() bool { return h.snap().Advisory != nil }, "advisory raised")
	s := h.snap()
	assert.Equal(t, AdvisoryPermission, s.Advisory.Code)
	assert.True(t, s.Enabled)
	assert.False(t, s.Intent)
	assert.False(t, s.Capturing)
	assert.Equal(t, "idle", s.Turn)
	h.assertNoResume()
}

func TestCapabilityAbsentWaitsForCapabilityChange(t *testing.T) {
	h := newHarness(t)
	h.cap.setErr(capture.ErrCapabilityAbsent)
	h.c.Enable()

	eventually(t, func() bool { return h.snap().Advisory != nil }, "advisory raised")
	s := h.snap()
	assert.Equal(t, AdvisoryCapability, s.Advisory.Code)
	assert.True(t, s.Intent)
	assert.Equal(t, "idle", s.Turn)

	h.cap.setErr(nil)
	h.c.CapabilitiesChanged()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture after capability change")
	h.waitTurn("listening")
}

func TestCapabilityAdvisoryRaisedOncePerEnable(t *testing.T) {
	h := newHarness(t)
	h.cap.setErr(capture.ErrCapabilityAbsent)
	h.c.Enable()
	eventually(t, func() bool { return h.snap().Advisory != nil }, "advisory raised")

	h.c.CapabilitiesChanged()
	h.c.CapabilitiesChanged()
	eventually(t, func() bool {
		n := 0
		for _, e := range h.store.ListEvents("s1") {
			if e.Type == "capture_failed" {
				n++
			}
		}
		return n == 3
	}, "three failures recorded")

	advisories := 0
	for _, e := range h.store.ListEvents("s1") {
		if e.Type == "advisory" {
			advisories++
		}
	}
	assert.Equal(t, 1, advisories)
}

func TestTransientCaptureErrorRetriesAfterSettle(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")

	h.cap.emit(1, capture.Event{Kind: capture.EventError, Err: capture.ErrRecognition})
	h.waitTimers(1)
	assert.Nil(t, h.snap().Advisory)

	h.clk.Advance(DefaultSettleDelay)
	eventually(t, func() bool { return h.cap.starts() == 2 }, "capture retried")
}

func TestChatFailureSpeaksFallbackMessage(t *testing.T) {
	h := newHarness(t)
	h.chat.err = errors.New("502")
	require.NoError(t, h.c.SubmitText("oi"))
	h.waitSpeaking()

	spoken := h.fake.SpeechFake().Spoken()
	require.Len(t, spoken, 1)
	assert.Equal(t, DefaultChatErrorText, spoken[0].Text)

	msgs := h.snap().Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Synthetic)
	assert.Equal(t, DefaultChatErrorText, msgs[1].Text)
}

func TestChatSessionCarriesAcrossTurns(t *testing.T) {
	h := newHarness(t)
	h.fake.SpeechFake().SetAutoFinish(true)

	require.NoError(t, h.c.SubmitText("primeira"))
	eventually(t, func() bool { return h.snap().Turn == "idle" && len(h.snap().Messages) == 2 }, "first turn done")
	require.NoError(t, h.c.SubmitText("segunda"))
	eventually(t, func() bool { return len(h.chat.requests()) == 2 }, "second dispatch")

	reqs := h.chat.requests()
	assert.Equal(t, "", reqs[0].SessionID)
	assert.Equal(t, "chat-1", reqs[1].SessionID)
}

func TestSubmitWhileLoadingIsDropped(t *testing.T) {
	h := newHarness(t)
	h.chat.gate = make(chan struct{})
	require.NoError(t, h.c.SubmitText("um"))
	eventually(t, func() bool { return len(h.chat.requests()) == 1 }, "first dispatch")

	require.NoError(t, h.c.SubmitText("dois"))
	close(h.chat.gate)
	h.waitSpeaking()

	assert.Len(t, h.chat.requests(), 1)
	msgs := h.snap().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "um", msgs[0].Text)
}

func TestSubmitTextRejectsEmpty(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.c.SubmitText("   "), ErrEmptyText)
}

func TestReplyAfterDisableIsSpokenWithoutResuming(t *testing.T) {
	h := newHarness(t)
	h.chat.gate = make(chan struct{})
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")
	h.cap.emit(1, capture.Event{Kind: capture.EventTranscript, Text: "oi"})
	eventually(t, func() bool { return len(h.chat.requests()) == 1 }, "dispatched")

	h.c.Disable()
	eventually(t, func() bool { return !h.snap().Enabled }, "disabled")
	close(h.chat.gate)
	h.waitSpeaking()

	h.fake.SpeechFake().Finish()
	h.waitTurn("idle")
	h.assertNoResume()
	assert.Equal(t, 1, h.cap.starts())
}

func TestDisableStopsCaptureAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.hasEvent("capture_started") }, "capture handle stored")

	h.c.Disable()
	eventually(t, func() bool { return h.cap.live() == 0 }, "capture stopped")

	h.cap.emit(1, capture.Event{Kind: capture.EventUtterance, Utterance: &capture.Utterance{Audio: []byte("late")}})
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 2 }, "capture restarted")
	assert.Equal(t, 0, h.stt.calls())
}

func TestDisableDuringPlaybackStopsIt(t *testing.T) {
	h := newHarness(t)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")
	h.cap.emit(1, capture.Event{Kind: capture.EventTranscript, Text: "oi"})
	h.waitSpeaking()

	h.c.Disable()
	eventually(t, func() bool { return !h.fake.SpeechFake().Speaking() }, "playback stopped")
	h.waitTurn("idle")
	h.assertNoResume()
}

func TestVoiceDisabledSkipsSpeech(t *testing.T) {
	h := newHarness(t)
	h.c.SetVoiceEnabled(false)
	h.c.Enable()
	eventually(t, func() bool { return h.cap.starts() == 1 }, "capture started")
	h.cap.emit(1, capture.Event{Kind: capture.EventTranscript, Text: "oi"})

	h.waitTimers(1)
	assert.Empty(t, h.fake.SpeechFake().Spoken())
	assert.False(t, h.snap().VoiceEnabled)
	require.Len(t, h.snap().Messages, 2)

	h.clk.Advance(DefaultSettleDelay)
	eventually(t, func() bool { return h.cap.starts() == 2 }, "listening again")
}

type stubStatus struct {
	st  tts.Status
	err error
}

func (s stubStatus) Status(context.Context) (tts.Status, error) { return s.st, s.err }

func TestUnconfiguredRemoteVoiceAdvisesOnce(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.VoiceStatus = stubStatus{st: tts.Status{MissingKeys: []string{"ELEVENLABS_API_KEY"}}}
	})
	h.fake.SpeechFake().SetAutoFinish(true)

	require.NoError(t, h.c.SubmitText("oi"))
	eventually(t, func() bool { return h.snap().Advisory != nil }, "advisory raised")
	a := h.snap().Advisory
	assert.Equal(t, AdvisoryRemoteVoice, a.Code)
	assert.Contains(t, a.Message, "ELEVENLABS_API_KEY")
	require.Len(t, h.fake.SpeechFake().Spoken(), 1)

	require.NoError(t, h.c.SubmitText("de novo"))
	eventually(t, func() bool { return h.countEvents("playback_ended") == 2 }, "second reply spoken")
	assert.Equal(t, 1, h.countEvents("advisory"))
	assert.Len(t, h.fake.SpeechFake().Spoken(), 2)
}

func TestConfiguredRemoteVoiceRaisesNoAdvisory(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.VoiceStatus = stubStatus{st: tts.Status{TTSConfigured: true}}
	})
	h.fake.SpeechFake().SetAutoFinish(true)

	require.NoError(t, h.c.SubmitText("oi"))
	eventually(t, func() bool { return h.hasEvent("playback_ended") }, "reply spoken")
	assert.Nil(t, h.snap().Advisory)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.c.Close()
	h.c.Close()
	assert.True(t, h.snap().Closed)
	assert.ErrorIs(t, h.c.SubmitText("oi"), ErrClosed)
}

// The tests below run the real selector, detector and playback controller
// against the fake page.

type liveHarness struct {
	*harness
}

func newLiveHarness(t *testing.T) *liveHarness {
	h := &harness{
		t:     t,
		fake:  platformtest.New(),
		clk:   clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		stt:   &fakeSTT{text: "oi viva"},
		chat:  &fakeChat{reply: chat.Reply{Text: "Oi, como posso ajudar?", SessionID: "chat-1"}},
		store: store.New(),
	}
	server := &capture.ServerAssisted{Platform: h.fake, VAD: vad.DefaultConfig(), Clock: h.clk, TickInterval: 16 * time.Millisecond}
	sel := capture.NewSelector(h.fake, server, &capture.BrowserNative{Platform: h.fake}, nil)
	h.voice = playback.New(h.fake, nil, playback.Options{})
	h.c = New(Config{
		SessionID:   "live",
		Capture:     sel,
		Transcriber: h.stt,
		Chat:        h.chat,
		Speaker:     h.voice,
		Journal:     h.store,
		Clock:       h.clk,
	})
	t.Cleanup(h.c.Close)
	return &liveHarness{h}
}

func (h *liveHarness) waitRecording(n int) {
	h.t.Helper()
	eventually(h.t, func() bool {
		r := h.fake.LastRecorder()
		return h.fake.StreamsOpened() == n && r != nil && r.Running()
	}, "recording")
}

// hold feeds level to the analyser for d, one 16ms tick at a time, waiting
// for each tick to be read before the next.
func (h *liveHarness) hold(level float64, d time.Duration) {
	h.t.Helper()
	h.fake.SetLevel(level)
	for el := time.Duration(0); el < d; el += 16 * time.Millisecond {
		n := h.fake.AnalyserReads()
		h.clk.Advance(16 * time.Millisecond)
		eventually(h.t, func() bool {
			return h.fake.AnalyserReads() > n || h.fake.OpenAnalysers() == 0
		}, "tick consumed")
	}
}

func TestConversationScenario(t *testing.T) {
	h := newLiveHarness(t)
	speech := h.fake.SpeechFake()

	h.c.Enable()
	h.waitRecording(1)

	h.hold(0.2, 1500*time.Millisecond)
	h.hold(0, 1200*time.Millisecond)

	h.waitSpeaking()
	assert.Equal(t, 0, h.fake.OpenStreams())
	require.Len(t, h.stt.audio, 1)
	assert.Equal(t, []byte("webm-chunk"), h.stt.audio[0])
	require.Len(t, h.chat.requests(), 1)
	assert.Equal(t, "oi viva", h.chat.requests()[0].Message)

	speech.Finish()
	h.waitTurn("listening")
	h.waitTimers(1)

	h.clk.Advance(DefaultSettleDelay - time.Millisecond)
	assert.Equal(t, 1, h.fake.StreamsOpened())
	h.clk.Advance(time.Millisecond)
	h.waitRecording(2)

	spoken := speech.Spoken()
	require.Len(t, spoken, 1)
	assert.Equal(t, "Oi, como posso ajudar?", spoken[0].Text)
	assert.Equal(t, "pt-BR", spoken[0].Lang)
}

func TestCloseTearsDownCaptureAndPlayback(t *testing.T) {
	h := newLiveHarness(t)
	h.c.Enable()
	h.waitRecording(1)

	done := make(chan playback.Outcome, 1)
	go func() { done <- h.voice.Speak(context.Background(), "other", "ainda falando") }()
	eventually(t, h.fake.SpeechFake().Speaking, "playback active")

	h.c.Close()
	assert.Equal(t, playback.OutcomeCancelled, <-done)
	assert.Equal(t, 0, h.fake.OpenStreams())
	assert.Equal(t, 0, h.fake.OpenAnalysers())
	assert.False(t, h.fake.LastRecorder().Running())
	assert.False(t, h.fake.SpeechFake().Speaking())
	assert.False(t, h.fake.PlayerFake().Playing())
	h.assertNoResume()
}

func TestBrowserFallbackScenario(t *testing.T) {
	h := newLiveHarness(t)
	h.fake.SetCapabilities(platform.Capabilities{Recognition: true, Synthesis: true})

	h.c.Enable()
	eventually(t, func() bool { return h.fake.ActiveRecognizers() == 1 }, "recognizer running")
	first := h.fake.LastRecognizer()

	first.End()
	eventually(t, func() bool { return h.fake.LastRecognizer() != first && h.fake.ActiveRecognizers() == 1 }, "recognizer restarted")

	h.fake.LastRecognizer().Say("oi viva")
	h.waitSpeaking()
	assert.Equal(t, 0, h.fake.ActiveRecognizers())
	assert.Equal(t, 0, h.stt.calls())
	assert.Equal(t, 0, h.fake.StreamsOpened())
}
