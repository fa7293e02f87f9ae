package bridge

import (
	"encoding/json"

	"viva/voiceloop/internal/platform"
)

// Message is the envelope for both directions of the page socket. ID names
// the request or handle a message belongs to.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	TsMs    int64           `json:"ts_ms,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Page → server.
const (
	TypeHello            = "hello"
	TypeCapabilities     = "capabilities"
	TypeVoices           = "voices"
	TypeMicOpened        = "mic.opened"
	TypeMicError         = "mic.error"
	TypeRecorderData     = "recorder.data"
	TypeRecorderStopped  = "recorder.stopped"
	TypeRecorderError    = "recorder.error"
	TypeAnalyserFrame    = "analyser.frame"
	TypeRecognizerResult = "recognizer.result"
	TypeRecognizerError  = "recognizer.error"
	TypeRecognizerEnd    = "recognizer.end"
	TypeSpeechDone       = "speech.done"
	TypePlayerDone       = "player.done"
)

// Server → page.
const (
	CmdMicOpen         = "mic.open"
	CmdMicClose        = "mic.close"
	CmdRecorderStart   = "recorder.start"
	CmdRecorderStop    = "recorder.stop"
	CmdAnalyserOpen    = "analyser.open"
	CmdAnalyserClose   = "analyser.close"
	CmdRecognizerStart = "recognizer.start"
	CmdRecognizerStop  = "recognizer.stop"
	CmdSpeechSpeak     = "speech.speak"
	CmdSpeechCancel    = "speech.cancel"
	CmdPlayerPlay      = "player.play"
	CmdPlayerStop      = "player.stop"
)

// Hello is the first message a page sends.
type Hello struct {
	Capabilities platform.Capabilities `json:"capabilities"`
	Voices       []platform.Voice      `json:"voices,omitempty"`
	RecorderMime string                `json:"recorder_mime,omitempty"`
	AnalyserSize int                   `json:"analyser_size,omitempty"`
	UserAgent    string                `json:"user_agent,omitempty"`
}

type MicError struct {
	// Code is "denied", "unavailable" or a browser error name.
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type StreamRef struct {
	Stream string `json:"stream"`
}

// Chunk carries binary data; encoding/json base64-encodes it.
type Chunk struct {
	Data []byte `json:"data"`
}

type Frame struct {
	Samples []byte `json:"samples"`
}

type RecognizerStart struct {
	Lang string `json:"lang"`
}

type RecognizerResult struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type RecognizerError struct {
	Code string `json:"code"`
}

type Play struct {
	Audio       []byte `json:"audio"`
	ContentType string `json:"content_type"`
}

type Done struct {
	Error string `json:"error,omitempty"`
}

func payload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}
