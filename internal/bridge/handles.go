package bridge

import (
	"sync"

	"github.com/google/uuid"

	"viva/voiceloop/internal/platform"
)

type stream struct {
	p    *Page
	id   string
	once sync.Once
}

func (s *stream) Stop() {
	s.once.Do(func() { _ = s.p.send(CmdMicClose, s.id, nil) })
}

type recorder struct {
	p      *Page
	id     string
	stream string
	mime   string
	ev     platform.RecorderEvents
	once   sync.Once
}

func (r *recorder) MimeType() string { return r.mime }

func (r *recorder) Start() error {
	r.p.mu.Lock()
	if r.p.closed {
		r.p.mu.Unlock()
		return platform.ErrClosed
	}
	r.p.recorders[r.id] = r.ev
	r.p.mu.Unlock()
	if err := r.p.send(CmdRecorderStart, r.id, StreamRef{Stream: r.stream}); err != nil {
		r.p.recorder(r.id, true)
		return err
	}
	return nil
}

// Stop asks the page to flush; the page answers with recorder.stopped.
func (r *recorder) Stop() {
	r.once.Do(func() { _ = r.p.send(CmdRecorderStop, r.id, nil) })
}

// analyser serves the latest frame the page pushed.
type analyser struct {
	p    *Page
	id   string
	size int

	mu     sync.Mutex
	frame  []byte
	closed bool
}

func (a *analyser) Size() int { return a.size }

func (a *analyser) store(samples []byte) {
	a.mu.Lock()
	a.frame = samples
	a.mu.Unlock()
}

// TimeDomain copies the latest frame into dst. Before the first frame it
// reports silence.
func (a *analyser) TimeDomain(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frame == nil {
		for i := range dst {
			dst[i] = 128
		}
		return len(dst)
	}
	return copy(dst, a.frame)
}

func (a *analyser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.p.dropAnalyser(a.id)
	return a.p.send(CmdAnalyserClose, a.id, nil)
}

type recognizer struct {
	p    *Page
	id   string
	lang string
	ev   platform.RecognizerEvents
	once sync.Once
}

func (r *recognizer) Start() error {
	r.p.mu.Lock()
	if r.p.closed {
		r.p.mu.Unlock()
		return platform.ErrClosed
	}
	r.p.recognizers[r.id] = r.ev
	r.p.mu.Unlock()
	if err := r.p.send(CmdRecognizerStart, r.id, RecognizerStart{Lang: r.lang}); err != nil {
		r.p.recognizer(r.id, true)
		return err
	}
	return nil
}

func (r *recognizer) Stop() {
	r.once.Do(func() {
		r.p.recognizer(r.id, true)
		_ = r.p.send(CmdRecognizerStop, r.id, nil)
	})
}

type speech struct{ p *Page }

func (s speech) Voices() []platform.Voice {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return append([]platform.Voice(nil), s.p.hello.Voices...)
}

func (s speech) Speak(u platform.Utterance, onDone func(err error)) error {
	id := uuid.New().String()
	if !s.p.register(pendingSpeech, id, onDone) {
		return platform.ErrClosed
	}
	if err := s.p.send(CmdSpeechSpeak, id, u); err != nil {
		s.p.take(pendingSpeech, id)
		return err
	}
	return nil
}

func (s speech) Cancel() {
	_ = s.p.send(CmdSpeechCancel, "", nil)
	s.p.cancelAll(pendingSpeech)
}

type player struct{ p *Page }

func (pl player) Play(a platform.Audio, onDone func(err error)) error {
	id := uuid.New().String()
	if !pl.p.register(pendingPlayer, id, onDone) {
		return platform.ErrClosed
	}
	if err := pl.p.send(CmdPlayerPlay, id, Play{Audio: a.Data, ContentType: a.ContentType}); err != nil {
		pl.p.take(pendingPlayer, id)
		return err
	}
	return nil
}

func (pl player) Stop() {
	_ = pl.p.send(CmdPlayerStop, "", nil)
	pl.p.cancelAll(pendingPlayer)
}
