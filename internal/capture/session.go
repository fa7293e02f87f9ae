package capture

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"viva/voiceloop/internal/platform"
	"viva/voiceloop/internal/vad"
)

// defaultStopTimeout bounds the wait for the recorder's stop event after
// the detector finalizes.
const defaultStopTimeout = 5 * time.Second

// ServerAssisted records the microphone, gates it with the energy detector
// and hands the recorded blob to server-side transcription.
type ServerAssisted struct {
	Platform     platform.Capture
	VAD          vad.Config
	TickInterval time.Duration
	// StopTimeout is how long a finalizing session waits for the recorder to
	// report stop before assembling what it has.
	StopTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

func (sa *ServerAssisted) Name() string { return "server" }

func (sa *ServerAssisted) Available(c platform.Capabilities) bool { return c.ServerAssisted() }

// Start opens the microphone and begins recording. On error every resource
// acquired so far has been released.
func (sa *ServerAssisted) Start(ctx context.Context, sink Sink) (Handle, error) {
	clk := sa.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	log := sa.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tick := sa.TickInterval
	if tick <= 0 {
		tick = 16 * time.Millisecond
	}
	stopTimeout := sa.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}

	stream, err := sa.Platform.OpenMicrophone(ctx)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	s := &Session{
		id:     uuid.New().String(),
		stream: stream,
		sink:   sink,
		clock:  clk,
		log:    log,
		wait:   stopTimeout,
		done:   make(chan struct{}),
	}

	rec, err := sa.Platform.NewRecorder(stream, platform.RecorderEvents{
		OnData:  s.onData,
		OnStop:  s.onStop,
		OnError: s.onError,
	})
	if err != nil {
		stream.Stop()
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	s.recorder = rec
	s.mimeType = rec.MimeType()
	if s.mimeType == "" {
		s.mimeType = defaultMimeType
	}

	if an, aerr := sa.Platform.NewAnalyser(stream); aerr == nil && an != nil {
		s.analyser = an
		size := an.Size()
		if size <= 0 {
			size = 2048
		}
		s.buf = make([]byte, size)
	} else {
		log.Debug("capture: no analyser, using fixed timeout", zap.Error(aerr))
		metricAnalyserFallback.Inc()
	}

	s.startedAt = clk.Now()
	if s.analyser != nil {
		s.gate = vad.NewDetector(sa.VAD, s.startedAt)
	} else {
		s.gate = vad.NewTimeoutDetector(sa.VAD, s.startedAt)
	}

	s.ticker = clk.NewTicker(tick)
	gaugeOpenSessions.Inc()
	go s.loop()

	if err := rec.Start(); err != nil {
		s.mu.Lock()
		s.stopping = true
		s.releaseLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	log.Debug("capture: session started", zap.String("session_id", s.id), zap.String("mime", s.mimeType))
	return s, nil
}

// Session owns one microphone acquisition and everything hanging off it.
// All handles are released together by releaseLocked.
type Session struct {
	id    string
	sink  Sink
	clock clockwork.Clock
	log   *zap.Logger
	wait  time.Duration

	mu        sync.Mutex
	stream    platform.Stream
	recorder  platform.Recorder
	analyser  platform.Analyser
	ticker    clockwork.Ticker
	watchdog  clockwork.Timer
	done      chan struct{}
	buf       []byte
	chunks    [][]byte
	mimeType  string
	gate      vad.Gate
	startedAt time.Time
	endedAt   time.Time
	stopping  bool
	released  bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) loop() {
	s.mu.Lock()
	ticker, done := s.ticker, s.done
	s.mu.Unlock()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.Chan():
			s.tick(now)
		}
	}
}

// tick runs one energy evaluation. Ticks after stopping are no-ops.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	if s.stopping || s.released {
		s.mu.Unlock()
		return
	}
	var rms float64
	if s.analyser != nil {
		n := s.analyser.TimeDomain(s.buf)
		rms = vad.RMS(s.buf[:n])
	}
	dec := s.gate.Observe(rms, now)
	if !dec.Finalize {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.endedAt = now
	rec := s.recorder
	s.watchdog = s.clock.AfterFunc(s.wait, s.onStopTimeout)
	s.mu.Unlock()

	s.log.Debug("capture: finalizing", zap.String("session_id", s.id), zap.String("reason", string(dec.Reason)))
	// the blob is assembled in onStop, after the recorder flushes its last chunk
	rec.Stop()
}

// onStopTimeout finishes a session whose recorder never reported stop,
// using the chunks received so far.
func (s *Session) onStopTimeout() {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return
	}
	metricStopTimeouts.Inc()
	s.log.Warn("capture: recorder stop timed out", zap.String("session_id", s.id), zap.Duration("wait", s.wait))
	s.onStop()
}

func (s *Session) onData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.chunks = append(s.chunks, chunk)
}

func (s *Session) onStop() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if s.endedAt.IsZero() {
		s.endedAt = s.clock.Now()
	}
	s.stopping = true
	blob := bytes.Join(s.chunks, nil)
	hasSpeech := s.gate.HasSpeech()
	ev := Event{SessionID: s.id, Backend: "server"}
	if !hasSpeech || len(blob) == 0 {
		ev.Kind = EventSilence
		metricDiscarded.Inc()
	} else {
		ev.Kind = EventUtterance
		ev.Utterance = &Utterance{
			ID:       uuid.New().String(),
			Audio:    blob,
			MimeType: s.mimeType,
			Duration: s.endedAt.Sub(s.startedAt),
		}
		metricUtterances.Inc()
	}
	s.releaseLocked()
	s.mu.Unlock()
	s.sink(ev)
}

func (s *Session) onError(err error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	rec := s.recorder
	s.releaseLocked()
	s.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}
	metricErrors.WithLabelValues("server").Inc()
	s.sink(Event{Kind: EventError, SessionID: s.id, Backend: "server", Err: err})
}

// Stop cancels the capture without emitting anything.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	rec := s.recorder
	s.releaseLocked()
	s.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}
}

func (s *Session) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
		gaugeOpenSessions.Dec()
	}
	close(s.done)
	if s.analyser != nil {
		if err := s.analyser.Close(); err != nil {
			s.log.Debug("capture: analyser close", zap.Error(err))
		}
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	s.chunks = nil
}
