// Package floor decides who holds the conversational floor: the user
// (listening), the backends (transcribing, awaiting a reply) or the
// assistant (speaking). Transitions are pure; the caller performs effects.
package floor

import "fmt"

type Turn int

const (
	Idle Turn = iota
	Listening
	Transcribing
	AwaitingReply
	Speaking
)

func (t Turn) String() string {
	switch t {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case AwaitingReply:
		return "awaiting_reply"
	case Speaking:
		return "speaking"
	}
	return fmt.Sprintf("turn(%d)", int(t))
}

// State is the complete floor state. Enabled is the user's conversation-mode
// toggle; Intent is whether listening is wanted right now and is cleared
// while a request is outstanding.
type State struct {
	Turn              Turn
	Enabled           bool
	Intent            bool
	Loading           bool
	AssistantSpeaking bool
	Capturing         bool
}

// CanCapture reports whether a new capture may start. An utterance being
// transcribed holds the floor until its transcript arrives.
func (s State) CanCapture() bool {
	return s.Intent && !s.Loading && !s.AssistantSpeaking && !s.Capturing && s.Turn != Transcribing
}

type EventKind int

const (
	Enable EventKind = iota + 1
	Disable
	RequestCapture
	CaptureFailed
	UtteranceReady
	SilenceDiscarded
	TranscriptReady
	TextSubmitted
	ReplyReady
	PlaybackEnded
)

func (k EventKind) String() string {
	switch k {
	case Enable:
		return "enable"
	case Disable:
		return "disable"
	case RequestCapture:
		return "request_capture"
	case CaptureFailed:
		return "capture_failed"
	case UtteranceReady:
		return "utterance_ready"
	case SilenceDiscarded:
		return "silence_discarded"
	case TranscriptReady:
		return "transcript_ready"
	case TextSubmitted:
		return "text_submitted"
	case ReplyReady:
		return "reply_ready"
	case PlaybackEnded:
		return "playback_ended"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Failure classifies a capture failure.
type Failure int

const (
	FailTransient Failure = iota
	FailPermission
	FailCapability
)

type Event struct {
	Kind    EventKind
	Failure Failure // CaptureFailed
	Empty   bool    // TranscriptReady with no text
}

type Effect int

const (
	StartCapture Effect = iota + 1
	StopCapture
	Transcribe
	Dispatch
	Speak
	StopPlayback
	ScheduleResume
)

func (e Effect) String() string {
	switch e {
	case StartCapture:
		return "start_capture"
	case StopCapture:
		return "stop_capture"
	case Transcribe:
		return "transcribe"
	case Dispatch:
		return "dispatch"
	case Speak:
		return "speak"
	case StopPlayback:
		return "stop_playback"
	case ScheduleResume:
		return "schedule_resume"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Decision lists the effects to perform, in order. Dropped is set when the
// event was ignored by a gate.
type Decision struct {
	Effects []Effect
	Dropped bool
	Reason  string
}

func (d Decision) Has(e Effect) bool {
	for _, x := range d.Effects {
		if x == e {
			return true
		}
	}
	return false
}

func dropped(reason string) Decision { return Decision{Dropped: true, Reason: reason} }

// tryCapture starts capture when gated open; otherwise the request is dropped.
func tryCapture(s State) (State, Decision) {
	if !s.CanCapture() {
		return s, dropped(gateReason(s))
	}
	s.Capturing = true
	s.Turn = Listening
	return s, Decision{Effects: []Effect{StartCapture}}
}

func gateReason(s State) string {
	switch {
	case !s.Intent:
		return "no_intent"
	case s.Loading:
		return "loading"
	case s.AssistantSpeaking:
		return "assistant_speaking"
	case s.Capturing:
		return "capture_in_flight"
	case s.Turn == Transcribing:
		return "transcribing"
	}
	return ""
}

// Next applies ev to s.
func Next(s State, ev Event) (State, Decision) {
	switch ev.Kind {
	case Enable:
		s.Enabled = true
		s.Intent = true
		if s.Turn == Idle && !s.Loading && !s.AssistantSpeaking {
			s.Turn = Listening
		}
		return tryCapture(s)

	case Disable:
		var d Decision
		if s.Capturing {
			d.Effects = append(d.Effects, StopCapture)
		}
		if s.AssistantSpeaking {
			d.Effects = append(d.Effects, StopPlayback)
		}
		s.Enabled = false
		s.Intent = false
		s.Capturing = false
		s.AssistantSpeaking = false
		s.Turn = Idle
		return s, d

	case RequestCapture:
		return tryCapture(s)

	case CaptureFailed:
		s.Capturing = false
		switch ev.Failure {
		case FailPermission:
			s.Intent = false
			s.Turn = Idle
			return s, Decision{}
		case FailCapability:
			s.Turn = Idle
			return s, Decision{}
		}
		if !s.Enabled {
			return s, Decision{}
		}
		s.Turn = Listening
		return s, Decision{Effects: []Effect{ScheduleResume}}

	case SilenceDiscarded:
		s.Capturing = false
		if !s.Enabled {
			s.Turn = Idle
			return s, Decision{}
		}
		s.Turn = Listening
		return tryCapture(s)

	case UtteranceReady:
		if !s.Capturing || !s.Enabled {
			return s, dropped("not_capturing")
		}
		s.Capturing = false
		s.Turn = Transcribing
		return s, Decision{Effects: []Effect{Transcribe}}

	case TranscriptReady:
		if s.Turn != Listening && s.Turn != Transcribing {
			return s, dropped("not_listening")
		}
		var d Decision
		if s.Capturing {
			// browser recognizers deliver text while still open
			d.Effects = append(d.Effects, StopCapture)
			s.Capturing = false
		}
		if !s.Enabled {
			s.Turn = Idle
			return s, d
		}
		if ev.Empty {
			s.Turn = Listening
			ns, cd := tryCapture(s)
			d.Effects = append(d.Effects, cd.Effects...)
			return ns, d
		}
		s.Intent = false
		s.Loading = true
		s.Turn = AwaitingReply
		d.Effects = append(d.Effects, Dispatch)
		return s, d

	case TextSubmitted:
		if s.Loading {
			return s, dropped("loading")
		}
		var d Decision
		if s.Capturing {
			d.Effects = append(d.Effects, StopCapture)
			s.Capturing = false
		}
		if s.AssistantSpeaking {
			d.Effects = append(d.Effects, StopPlayback)
			s.AssistantSpeaking = false
		}
		s.Intent = false
		s.Loading = true
		s.Turn = AwaitingReply
		d.Effects = append(d.Effects, Dispatch)
		return s, d

	case ReplyReady:
		s.Loading = false
		var d Decision
		if s.Capturing {
			d.Effects = append(d.Effects, StopCapture)
			s.Capturing = false
		}
		s.AssistantSpeaking = true
		s.Turn = Speaking
		d.Effects = append(d.Effects, Speak)
		return s, d

	case PlaybackEnded:
		s.AssistantSpeaking = false
		if !s.Enabled {
			s.Turn = Idle
			return s, Decision{}
		}
		s.Intent = true
		s.Turn = Listening
		return s, Decision{Effects: []Effect{ScheduleResume}}
	}
	return s, dropped("unknown_event")
}

// Manager holds a State and applies events to it.
type Manager struct {
	state State
}

func New() *Manager { return &Manager{} }

func (m *Manager) State() State { return m.state }

// Apply transitions and returns the effects along with the previous turn.
func (m *Manager) Apply(ev Event) (Turn, Decision) {
	from := m.state.Turn
	var d Decision
	m.state, d = Next(m.state, ev)
	return from, d
}
