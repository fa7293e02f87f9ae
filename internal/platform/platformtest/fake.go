// Package platformtest provides an in-memory platform surface for tests.
package platformtest

import (
	"context"
	"errors"
	"sync"

	"viva/voiceloop/internal/platform"
)

var ErrCancelled = errors.New("cancelled")

// Fake implements platform.Surface. Zero value has no capabilities; use New.
type Fake struct {
	mu sync.Mutex

	caps          platform.Capabilities
	micErr        error
	analyserErr   error
	recorderErr   error
	recognizerErr error
	mimeType      string
	level         float64
	chunk         []byte
	silentStop    bool
	reads         int

	streams     []*Stream
	recorders   []*Recorder
	analysers   []*Analyser
	recognizers []*Recognizer

	speech *Speech
	player *Player
}

// New returns a fake with every capability present.
func New() *Fake {
	return &Fake{
		caps: platform.Capabilities{
			Microphone: true, Recorder: true, Analyser: true,
			Recognition: true, Synthesis: true, Playback: true,
		},
		mimeType: "audio/webm;codecs=opus",
		chunk:    []byte("webm-chunk"),
		speech:   &Speech{voices: defaultVoices()},
		player:   &Player{},
	}
}

func defaultVoices() []platform.Voice {
	return []platform.Voice{
		{Name: "Google US English", Lang: "en-US", Default: true},
		{Name: "Google português do Brasil", Lang: "pt-BR"},
		{Name: "Microsoft Francisca Online (Natural) - Portuguese (Brazil)", Lang: "pt-BR", Local: true},
	}
}

func (f *Fake) SetCapabilities(c platform.Capabilities) {
	f.mu.Lock()
	f.caps = c
	f.mu.Unlock()
}

func (f *Fake) SetMicrophoneError(err error) { f.mu.Lock(); f.micErr = err; f.mu.Unlock() }
func (f *Fake) SetAnalyserError(err error)   { f.mu.Lock(); f.analyserErr = err; f.mu.Unlock() }
func (f *Fake) SetRecorderError(err error)   { f.mu.Lock(); f.recorderErr = err; f.mu.Unlock() }
func (f *Fake) SetRecognizerError(err error) { f.mu.Lock(); f.recognizerErr = err; f.mu.Unlock() }
func (f *Fake) SetMimeType(m string)         { f.mu.Lock(); f.mimeType = m; f.mu.Unlock() }

// SetChunk sets the data each recorder flushes on stop. Nil flushes nothing.
func (f *Fake) SetChunk(b []byte) { f.mu.Lock(); f.chunk = b; f.mu.Unlock() }

// SetSilentStop makes recorders stop without flushing or firing OnStop, like
// a page that never answers the stop command.
func (f *Fake) SetSilentStop(b bool) { f.mu.Lock(); f.silentStop = b; f.mu.Unlock() }

// SetLevel sets the RMS level analysers report, in [0,1].
func (f *Fake) SetLevel(l float64) { f.mu.Lock(); f.level = l; f.mu.Unlock() }

func (f *Fake) Capabilities() platform.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *Fake) OpenMicrophone(ctx context.Context) (platform.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.micErr != nil {
		return nil, f.micErr
	}
	s := &Stream{}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *Fake) NewRecorder(_ platform.Stream, ev platform.RecorderEvents) (platform.Recorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recorderErr != nil {
		return nil, f.recorderErr
	}
	r := &Recorder{f: f, ev: ev, mime: f.mimeType}
	f.recorders = append(f.recorders, r)
	return r, nil
}

func (f *Fake) NewAnalyser(platform.Stream) (platform.Analyser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.Analyser {
		return nil, platform.ErrUnavailable
	}
	if f.analyserErr != nil {
		return nil, f.analyserErr
	}
	a := &Analyser{f: f}
	f.analysers = append(f.analysers, a)
	return a, nil
}

func (f *Fake) NewRecognizer(lang string, ev platform.RecognizerEvents) (platform.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recognizerErr != nil {
		return nil, f.recognizerErr
	}
	r := &Recognizer{Lang: lang, ev: ev}
	f.recognizers = append(f.recognizers, r)
	return r, nil
}

func (f *Fake) Speech() platform.Speech {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.Synthesis {
		return nil
	}
	return f.speech
}

func (f *Fake) Player() platform.Player {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.caps.Playback {
		return nil
	}
	return f.player
}

// SpeechFake and PlayerFake return the concrete fakes regardless of capabilities.
func (f *Fake) SpeechFake() *Speech { return f.speech }
func (f *Fake) PlayerFake() *Player { return f.player }

// OpenStreams counts microphone streams not yet stopped.
func (f *Fake) OpenStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.streams {
		if !s.Stopped() {
			n++
		}
	}
	return n
}

// StreamsOpened counts every microphone acquisition so far.
func (f *Fake) StreamsOpened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// OpenAnalysers counts analysers not yet closed.
func (f *Fake) OpenAnalysers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.analysers {
		if !a.closed {
			n++
		}
	}
	return n
}

// AnalyserReads counts time-domain reads across all analysers.
func (f *Fake) AnalyserReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// ActiveRecognizers counts recognizers started and not stopped.
func (f *Fake) ActiveRecognizers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.recognizers {
		if r.Running() {
			n++
		}
	}
	return n
}

// RecognizersCreated counts every recognizer ever created.
func (f *Fake) RecognizersCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recognizers)
}

// LastRecognizer returns the most recent recognizer, or nil.
func (f *Fake) LastRecognizer() *Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recognizers) == 0 {
		return nil
	}
	return f.recognizers[len(f.recognizers)-1]
}

// LastRecorder returns the most recent recorder, or nil.
func (f *Fake) LastRecorder() *Recorder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recorders) == 0 {
		return nil
	}
	return f.recorders[len(f.recorders)-1]
}

type Stream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Recorder flushes the fake's chunk then fires OnStop when stopped.
type Recorder struct {
	f    *Fake
	ev   platform.RecorderEvents
	mime string

	mu      sync.Mutex
	running bool
}

func (r *Recorder) MimeType() string { return r.mime }

func (r *Recorder) Start() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	r.f.mu.Lock()
	chunk, silent := r.f.chunk, r.f.silentStop
	r.f.mu.Unlock()
	if silent {
		return
	}
	if chunk != nil && r.ev.OnData != nil {
		r.ev.OnData(append([]byte(nil), chunk...))
	}
	if r.ev.OnStop != nil {
		r.ev.OnStop()
	}
}

// Push delivers a data chunk as if the recorder had flushed mid-recording.
func (r *Recorder) Push(chunk []byte) {
	if r.ev.OnData != nil {
		r.ev.OnData(chunk)
	}
}

// Fail reports a recorder error.
func (r *Recorder) Fail(err error) {
	if r.ev.OnError != nil {
		r.ev.OnError(err)
	}
}

func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Analyser reports a square wave at the fake's level.
type Analyser struct {
	f      *Fake
	closed bool
}

func (a *Analyser) Size() int { return 256 }

func (a *Analyser) TimeDomain(dst []byte) int {
	a.f.mu.Lock()
	level := a.f.level
	a.f.reads++
	a.f.mu.Unlock()
	amp := level * 128
	for i := range dst {
		if i%2 == 0 {
			dst[i] = byte(128 + amp)
		} else {
			dst[i] = byte(128 - amp)
		}
	}
	return len(dst)
}

func (a *Analyser) Close() error {
	a.f.mu.Lock()
	a.closed = true
	a.f.mu.Unlock()
	return nil
}

type Recognizer struct {
	Lang string
	ev   platform.RecognizerEvents

	mu      sync.Mutex
	running bool
}

func (r *Recognizer) Start() error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Say delivers a final result.
func (r *Recognizer) Say(text string) { r.ev.OnResult(text, true) }

// Interim delivers a non-final result.
func (r *Recognizer) Interim(text string) { r.ev.OnResult(text, false) }

// Fail delivers an error code.
func (r *Recognizer) Fail(code string) { r.ev.OnError(code) }

// End ends recognition without a result, as the platform does after a
// stretch of silence.
func (r *Recognizer) End() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.ev.OnEnd()
}

// Speech records utterances. With AutoFinish the utterance ends as soon as
// it starts.
type Speech struct {
	mu         sync.Mutex
	voices     []platform.Voice
	spoken     []platform.Utterance
	pending    func(error)
	autoFinish bool
	speakErr   error
}

func (s *Speech) Voices() []platform.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.Voice(nil), s.voices...)
}

func (s *Speech) SetVoices(v []platform.Voice) { s.mu.Lock(); s.voices = v; s.mu.Unlock() }
func (s *Speech) SetAutoFinish(b bool)          { s.mu.Lock(); s.autoFinish = b; s.mu.Unlock() }
func (s *Speech) SetSpeakError(err error)       { s.mu.Lock(); s.speakErr = err; s.mu.Unlock() }

func (s *Speech) Speak(u platform.Utterance, onDone func(error)) error {
	s.mu.Lock()
	if s.speakErr != nil {
		err := s.speakErr
		s.mu.Unlock()
		return err
	}
	s.spoken = append(s.spoken, u)
	if s.autoFinish {
		s.mu.Unlock()
		onDone(nil)
		return nil
	}
	s.pending = onDone
	s.mu.Unlock()
	return nil
}

func (s *Speech) Cancel() { s.complete(ErrCancelled) }

// Finish ends the current utterance.
func (s *Speech) Finish() { s.complete(nil) }

func (s *Speech) complete(err error) {
	s.mu.Lock()
	done := s.pending
	s.pending = nil
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (s *Speech) Spoken() []platform.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.Utterance(nil), s.spoken...)
}

func (s *Speech) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Player records played audio.
type Player struct {
	mu         sync.Mutex
	played     []platform.Audio
	pending    func(error)
	autoFinish bool
	playErr    error
	failAsync  error
}

func (p *Player) SetAutoFinish(b bool)   { p.mu.Lock(); p.autoFinish = b; p.mu.Unlock() }
func (p *Player) SetPlayError(err error) { p.mu.Lock(); p.playErr = err; p.mu.Unlock() }
func (p *Player) SetFailAsync(err error) { p.mu.Lock(); p.failAsync = err; p.mu.Unlock() }

func (p *Player) Play(a platform.Audio, onDone func(error)) error {
	p.mu.Lock()
	if p.playErr != nil {
		err := p.playErr
		p.mu.Unlock()
		return err
	}
	p.played = append(p.played, a)
	if p.failAsync != nil {
		err := p.failAsync
		p.mu.Unlock()
		onDone(err)
		return nil
	}
	if p.autoFinish {
		p.mu.Unlock()
		onDone(nil)
		return nil
	}
	p.pending = onDone
	p.mu.Unlock()
	return nil
}

func (p *Player) Stop() { p.complete(ErrCancelled) }

// Finish ends the current playback.
func (p *Player) Finish() { p.complete(nil) }

func (p *Player) complete(err error) {
	p.mu.Lock()
	done := p.pending
	p.pending = nil
	p.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (p *Player) Played() []platform.Audio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]platform.Audio(nil), p.played...)
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}
