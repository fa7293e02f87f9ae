// Package capture turns a platform's microphone or speech recognizer into
// utterance events. Exactly one capture mechanism runs at a time.
package capture

import (
	"context"
	"errors"
	"time"

	"viva/voiceloop/internal/platform"
)

var (
	ErrCapabilityAbsent = errors.New("no capture capability available")
	ErrStartInFlight    = errors.New("capture start already in flight")
)

const defaultMimeType = "audio/webm"

// Utterance is one finalized recording, consumed by transcription.
type Utterance struct {
	ID       string
	Audio    []byte
	MimeType string
	Duration time.Duration
}

type EventKind int

const (
	// EventUtterance carries recorded audio that contains speech.
	EventUtterance EventKind = iota + 1
	// EventSilence means the capture ended with nothing worth transcribing.
	EventSilence
	// EventTranscript carries recognizer text; no transcription needed.
	EventTranscript
	// EventError is a capture failure after start.
	EventError
)

type Event struct {
	Kind      EventKind
	SessionID string
	Backend   string
	Utterance *Utterance
	Text      string
	Err       error
}

// Sink receives capture events. It must not block.
type Sink func(Event)

// Handle is a running capture. Stop releases everything and suppresses any
// further events.
type Handle interface {
	ID() string
	Stop()
}

// Strategy is one way of capturing speech.
type Strategy interface {
	Name() string
	Available(c platform.Capabilities) bool
	Start(ctx context.Context, sink Sink) (Handle, error)
}
