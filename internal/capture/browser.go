package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"viva/voiceloop/internal/platform"
)

// ErrRecognition wraps a recognizer error code.
var ErrRecognition = errors.New("speech recognition error")

// permissionCodes are recognizer error codes that mean the user refused access.
var permissionCodes = map[string]bool{
	"not-allowed":         true,
	"service-not-allowed": true,
}

// BrowserNative uses the page's continuous speech recognizer. Text arrives
// already transcribed.
type BrowserNative struct {
	Platform platform.Capture
	Lang     string
	Logger   *zap.Logger
}

func (b *BrowserNative) Name() string { return "browser" }

func (b *BrowserNative) Available(c platform.Capabilities) bool { return c.Recognition }

func (b *BrowserNative) Start(_ context.Context, sink Sink) (Handle, error) {
	log := b.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lang := b.Lang
	if lang == "" {
		lang = "pt-BR"
	}
	r := &recognition{id: uuid.New().String(), sink: sink, log: log}
	rec, err := b.Platform.NewRecognizer(lang, platform.RecognizerEvents{
		OnResult: r.onResult,
		OnError:  r.onError,
		OnEnd:    r.onEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()
	if err := rec.Start(); err != nil {
		r.Stop()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}
	log.Debug("capture: recognizer started", zap.String("session_id", r.id), zap.String("lang", lang))
	return r, nil
}

type recognition struct {
	id   string
	sink Sink
	log  *zap.Logger

	mu   sync.Mutex
	rec  platform.Recognizer
	done bool
}

func (r *recognition) ID() string { return r.id }

// finish marks the recognition over and reports whether this call did it.
func (r *recognition) finish() (platform.Recognizer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, false
	}
	r.done = true
	return r.rec, true
}

func (r *recognition) onResult(text string, final bool) {
	if !final {
		return
	}
	text = strings.TrimSpace(text)
	rec, ok := r.finish()
	if !ok {
		return
	}
	if rec != nil {
		rec.Stop()
	}
	if text == "" {
		metricDiscarded.Inc()
		r.sink(Event{Kind: EventSilence, SessionID: r.id, Backend: "browser"})
		return
	}
	metricUtterances.Inc()
	r.sink(Event{Kind: EventTranscript, SessionID: r.id, Backend: "browser", Text: text})
}

func (r *recognition) onError(code string) {
	rec, ok := r.finish()
	if !ok {
		return
	}
	if rec != nil {
		rec.Stop()
	}
	metricErrors.WithLabelValues("browser").Inc()
	err := fmt.Errorf("%w: %s", ErrRecognition, code)
	if permissionCodes[code] {
		err = fmt.Errorf("%w: %s", platform.ErrPermissionDenied, code)
	}
	r.sink(Event{Kind: EventError, SessionID: r.id, Backend: "browser", Err: err})
}

// onEnd fires when the recognizer stops on its own without a final result.
func (r *recognition) onEnd() {
	if _, ok := r.finish(); !ok {
		return
	}
	r.sink(Event{Kind: EventSilence, SessionID: r.id, Backend: "browser"})
}

func (r *recognition) Stop() {
	rec, ok := r.finish()
	if ok && rec != nil {
		rec.Stop()
	}
}
