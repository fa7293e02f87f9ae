package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/platform/platformtest"
	"viva/voiceloop/internal/vad"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newServer(fake *platformtest.Fake, clk clockwork.Clock) *ServerAssisted {
	return &ServerAssisted{Platform: fake, VAD: vad.DefaultConfig(), Clock: clk}
}

// drive ticks the session every 16ms, switching the fake's level with energy(elapsed).
func drive(s *Session, fake *platformtest.Fake, start time.Time, limit time.Duration, energy func(time.Duration) float64) {
	for el := time.Duration(0); el <= limit; el += 16 * time.Millisecond {
		fake.SetLevel(energy(el))
		s.tick(start.Add(el))
		s.mu.Lock()
		done := s.released
		s.mu.Unlock()
		if done {
			return
		}
	}
}

func TestServerCaptureEmitsUtteranceAfterSpeech(t *testing.T) {
	fake := platformtest.New()
	start := time.Unix(1000, 0)
	clk := clockwork.NewFakeClockAt(start)
	rec := &recorder{}

	h, err := newServer(fake, clk).Start(context.Background(), rec.sink)
	require.NoError(t, err)
	s := h.(*Session)

	drive(s, fake, start, 20*time.Second, func(el time.Duration) float64 {
		if el < 1500*time.Millisecond {
			return 0.2
		}
		return 0
	})

	events := rec.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventUtterance, ev.Kind)
	require.NotNil(t, ev.Utterance)
	assert.Equal(t, []byte("webm-chunk"), ev.Utterance.Audio)
	assert.Equal(t, "audio/webm;codecs=opus", ev.Utterance.MimeType)
	assert.Greater(t, ev.Utterance.Duration, 2600*time.Millisecond)
	assert.Equal(t, 0, fake.OpenStreams())
	assert.Equal(t, 0, fake.OpenAnalysers())

	// the stop watchdog was disarmed with the session
	clk.Advance(time.Minute)
	assert.Never(t, func() bool { return len(rec.all()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestServerCaptureFinishesWhenRecorderNeverStops(t *testing.T) {
	fake := platformtest.New()
	fake.SetSilentStop(true)
	start := time.Unix(1000, 0)
	clk := clockwork.NewFakeClockAt(start)
	rec := &recorder{}

	sa := newServer(fake, clk)
	sa.StopTimeout = 2 * time.Second
	h, err := sa.Start(context.Background(), rec.sink)
	require.NoError(t, err)
	s := h.(*Session)
	fake.LastRecorder().Push([]byte("partial"))

	drive(s, fake, start, 5*time.Second, func(el time.Duration) float64 {
		if el < 1500*time.Millisecond {
			return 0.2
		}
		return 0
	})
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, fake.OpenStreams())

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	ev := rec.all()[0]
	assert.Equal(t, EventUtterance, ev.Kind)
	require.NotNil(t, ev.Utterance)
	assert.Equal(t, []byte("partial"), ev.Utterance.Audio)
	assert.Equal(t, 0, fake.OpenStreams())
	assert.Equal(t, 0, fake.OpenAnalysers())
}

func TestServerCaptureStopTimeoutWithoutSpeechIsSilence(t *testing.T) {
	fake := platformtest.New()
	fake.SetSilentStop(true)
	start := time.Unix(1000, 0)
	clk := clockwork.NewFakeClockAt(start)
	rec := &recorder{}

	h, err := newServer(fake, clk).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	drive(h.(*Session), fake, start, 13*time.Second, func(time.Duration) float64 { return 0 })
	assert.Empty(t, rec.all())

	clk.Advance(defaultStopTimeout)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, EventSilence, rec.all()[0].Kind)
	assert.Equal(t, 0, fake.OpenStreams())
}

func TestServerCaptureDiscardsSilence(t *testing.T) {
	fake := platformtest.New()
	start := time.Unix(1000, 0)
	clk := clockwork.NewFakeClockAt(start)
	rec := &recorder{}

	h, err := newServer(fake, clk).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	drive(h.(*Session), fake, start, 20*time.Second, func(time.Duration) float64 { return 0 })

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventSilence, events[0].Kind)
	assert.Nil(t, events[0].Utterance)
	assert.Equal(t, 0, fake.OpenStreams())
}

func TestServerCaptureDiscardsEmptyBlob(t *testing.T) {
	fake := platformtest.New()
	fake.SetChunk(nil)
	start := time.Unix(1000, 0)
	rec := &recorder{}

	h, err := newServer(fake, clockwork.NewFakeClockAt(start)).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	drive(h.(*Session), fake, start, 20*time.Second, func(el time.Duration) float64 {
		if el < time.Second {
			return 0.3
		}
		return 0
	})

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventSilence, events[0].Kind)
}

func TestServerCaptureWithoutAnalyserUsesTimeout(t *testing.T) {
	fake := platformtest.New()
	fake.SetAnalyserError(platform.ErrUnavailable)
	start := time.Unix(1000, 0)
	rec := &recorder{}

	h, err := newServer(fake, clockwork.NewFakeClockAt(start)).Start(context.Background(), rec.sink)
	require.NoError(t, err)
	s := h.(*Session)

	s.tick(start.Add(6900 * time.Millisecond))
	assert.Empty(t, rec.all())

	s.tick(start.Add(7 * time.Second))
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventUtterance, events[0].Kind)
}

func TestTicksAfterStoppingAreIgnored(t *testing.T) {
	fake := platformtest.New()
	start := time.Unix(1000, 0)
	rec := &recorder{}

	h, err := newServer(fake, clockwork.NewFakeClockAt(start)).Start(context.Background(), rec.sink)
	require.NoError(t, err)
	s := h.(*Session)

	s.Stop()
	fake.SetLevel(0.5)
	s.tick(start.Add(20 * time.Second))

	assert.Empty(t, rec.all())
	assert.Equal(t, 0, fake.OpenStreams())
	assert.False(t, fake.LastRecorder().Running())
}

func TestRecorderErrorReleasesSession(t *testing.T) {
	fake := platformtest.New()
	rec := &recorder{}

	_, err := newServer(fake, clockwork.NewFakeClockAt(time.Unix(0, 0))).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	fake.LastRecorder().Fail(errors.New("encoder crashed"))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, 0, fake.OpenStreams())
}

func TestMicrophoneDeniedReleasesNothingAndReportsPermission(t *testing.T) {
	fake := platformtest.New()
	fake.SetMicrophoneError(platform.ErrPermissionDenied)

	_, err := newServer(fake, nil).Start(context.Background(), func(Event) {})
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.Equal(t, 0, fake.StreamsOpened())
}

func TestRecorderCreationFailureStopsStream(t *testing.T) {
	fake := platformtest.New()
	fake.SetRecorderError(errors.New("no encoder"))

	_, err := newServer(fake, nil).Start(context.Background(), func(Event) {})
	require.Error(t, err)
	assert.Equal(t, 1, fake.StreamsOpened())
	assert.Equal(t, 0, fake.OpenStreams())
}

func TestBrowserRecognizerTranscript(t *testing.T) {
	fake := platformtest.New()
	rec := &recorder{}
	b := &BrowserNative{Platform: fake}

	h, err := b.Start(context.Background(), rec.sink)
	require.NoError(t, err)
	r := fake.LastRecognizer()
	assert.Equal(t, "pt-BR", r.Lang)

	r.Interim("oi")
	assert.Empty(t, rec.all())

	r.Say("  oi viva ")
	r.Say("ignored")
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventTranscript, events[0].Kind)
	assert.Equal(t, "oi viva", events[0].Text)
	assert.False(t, r.Running())

	h.Stop()
}

func TestBrowserRecognizerErrors(t *testing.T) {
	fake := platformtest.New()
	rec := &recorder{}
	b := &BrowserNative{Platform: fake}

	_, err := b.Start(context.Background(), rec.sink)
	require.NoError(t, err)
	fake.LastRecognizer().Fail("no-speech")

	_, err = b.Start(context.Background(), rec.sink)
	require.NoError(t, err)
	fake.LastRecognizer().Fail("not-allowed")

	events := rec.all()
	require.Len(t, events, 2)
	assert.ErrorIs(t, events[0].Err, ErrRecognition)
	assert.ErrorIs(t, events[1].Err, platform.ErrPermissionDenied)
}

func TestBrowserRecognizerEndWithoutResult(t *testing.T) {
	fake := platformtest.New()
	rec := &recorder{}
	h, err := (&BrowserNative{Platform: fake}).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	fake.LastRecognizer().End()
	h.Stop()

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventSilence, events[0].Kind)
}

func TestStoppedRecognizerEmitsNothing(t *testing.T) {
	fake := platformtest.New()
	rec := &recorder{}
	h, err := (&BrowserNative{Platform: fake}).Start(context.Background(), rec.sink)
	require.NoError(t, err)

	h.Stop()
	fake.LastRecognizer().Say("late")
	assert.Empty(t, rec.all())
}

func TestSelectorPrefersServerAssisted(t *testing.T) {
	fake := platformtest.New()
	sel := NewSelector(fake, newServer(fake, clockwork.NewFakeClockAt(time.Unix(0, 0))), &BrowserNative{Platform: fake}, nil)

	h, err := sel.Start(context.Background(), func(Event) {})
	require.NoError(t, err)
	_, ok := h.(*Session)
	assert.True(t, ok)
	assert.Equal(t, 0, fake.ActiveRecognizers())
	h.Stop()
}

func TestSelectorFallsBackToBrowser(t *testing.T) {
	fake := platformtest.New()
	fake.SetMicrophoneError(errors.New("device busy"))
	sel := NewSelector(fake, newServer(fake, nil), &BrowserNative{Platform: fake}, nil)

	h, err := sel.Start(context.Background(), func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.ActiveRecognizers())
	assert.Equal(t, 0, fake.OpenStreams())
	h.Stop()
}

func TestSelectorFallsBackWhenServerCapabilityMissing(t *testing.T) {
	fake := platformtest.New()
	fake.SetCapabilities(platform.Capabilities{Recognition: true})
	sel := NewSelector(fake, newServer(fake, nil), &BrowserNative{Platform: fake}, nil)

	_, err := sel.Start(context.Background(), func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 0, fake.StreamsOpened())
}

func TestSelectorPermissionDeniedDoesNotFallBack(t *testing.T) {
	fake := platformtest.New()
	fake.SetMicrophoneError(platform.ErrPermissionDenied)
	sel := NewSelector(fake, newServer(fake, nil), &BrowserNative{Platform: fake}, nil)

	_, err := sel.Start(context.Background(), func(Event) {})
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.Equal(t, 0, fake.ActiveRecognizers())
}

func TestSelectorNoCapability(t *testing.T) {
	fake := platformtest.New()
	fake.SetCapabilities(platform.Capabilities{})
	sel := NewSelector(fake, newServer(fake, nil), &BrowserNative{Platform: fake}, nil)

	_, err := sel.Start(context.Background(), func(Event) {})
	assert.ErrorIs(t, err, ErrCapabilityAbsent)
}

type blockingStrategy struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStrategy) Name() string                         { return "blocking" }
func (b *blockingStrategy) Available(platform.Capabilities) bool { return true }
func (b *blockingStrategy) Start(context.Context, Sink) (Handle, error) {
	close(b.entered)
	<-b.release
	return nil, errors.New("gave up")
}

func TestSelectorCoalescesConcurrentStarts(t *testing.T) {
	fake := platformtest.New()
	fake.SetCapabilities(platform.Capabilities{Microphone: true, Recorder: true})
	bs := &blockingStrategy{entered: make(chan struct{}), release: make(chan struct{})}
	sel := NewSelector(fake, bs, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := sel.Start(context.Background(), func(Event) {})
		done <- err
	}()
	<-bs.entered

	_, err := sel.Start(context.Background(), func(Event) {})
	assert.ErrorIs(t, err, ErrStartInFlight)

	close(bs.release)
	assert.ErrorIs(t, <-done, ErrCapabilityAbsent)
}
