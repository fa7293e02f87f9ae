// Package platform describes the capability surface a page exposes to the
// voice loop: microphone, recorder, analyser, speech recognition, speech
// synthesis and audio playback. Each capability is independently optional.
package platform

import (
	"context"
	"errors"
)

var (
	ErrUnavailable      = errors.New("platform capability unavailable")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrClosed           = errors.New("platform closed")
)

// Capabilities reports which parts of the surface are present.
type Capabilities struct {
	Microphone  bool `json:"microphone"`
	Recorder    bool `json:"recorder"`
	Analyser    bool `json:"analyser"`
	Recognition bool `json:"recognition"`
	Synthesis   bool `json:"synthesis"`
	Playback    bool `json:"playback"`
}

// ServerAssisted reports whether microphone capture with recording is possible.
func (c Capabilities) ServerAssisted() bool { return c.Microphone && c.Recorder }

// Stream is an acquired microphone stream. Stop releases every track.
type Stream interface {
	Stop()
}

// RecorderEvents receives recorder callbacks. OnStop always fires after the
// last OnData for a recording.
type RecorderEvents struct {
	OnData  func(chunk []byte)
	OnStop  func()
	OnError func(err error)
}

// Recorder encodes a stream into chunks of MimeType.
type Recorder interface {
	MimeType() string
	Start() error
	Stop()
}

// Analyser exposes time-domain samples (unsigned bytes, midpoint 128) of a stream.
type Analyser interface {
	Size() int
	TimeDomain(dst []byte) int
	Close() error
}

// RecognizerEvents receives continuous speech-recognition callbacks.
type RecognizerEvents struct {
	OnResult func(text string, final bool)
	OnError  func(code string)
	OnEnd    func()
}

// Recognizer is a continuous browser speech recognizer.
type Recognizer interface {
	Start() error
	Stop()
}

// Voice is one speech-synthesis voice.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Local   bool   `json:"local"`
	Default bool   `json:"default"`
}

// Utterance is a local speech-synthesis request.
type Utterance struct {
	Text  string  `json:"text"`
	Lang  string  `json:"lang"`
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
}

// Audio is an encoded audio payload.
type Audio struct {
	Data        []byte
	ContentType string
}

// Capture is the input half of the surface.
type Capture interface {
	Capabilities() Capabilities
	OpenMicrophone(ctx context.Context) (Stream, error)
	NewRecorder(s Stream, ev RecorderEvents) (Recorder, error)
	NewAnalyser(s Stream) (Analyser, error)
	NewRecognizer(lang string, ev RecognizerEvents) (Recognizer, error)
}

// Speech is local speech synthesis. onDone is called exactly once per Speak.
type Speech interface {
	Voices() []Voice
	Speak(u Utterance, onDone func(err error)) error
	Cancel()
}

// Player plays encoded audio. onDone is called exactly once per Play.
// Stop pauses, clears the source and releases the payload.
type Player interface {
	Play(a Audio, onDone func(err error)) error
	Stop()
}

// Surface is everything a page offers.
type Surface interface {
	Capture
	Speech() Speech
	Player() Player
}
