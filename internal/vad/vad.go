// Package vad decides utterance boundaries from raw microphone energy.
package vad

import (
	"math"
	"time"
)

// Reason says why a detector asked to finalize.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonSilence Reason = "silence"
	ReasonMaxLen  Reason = "max_duration"
	ReasonTimeout Reason = "timeout"
)

// Config holds the energy gate. The defaults are empirical values for a
// laptop microphone in a quiet office.
type Config struct {
	Threshold       float64
	SilenceWindow   time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	FallbackTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:       0.018,
		SilenceWindow:   1150 * time.Millisecond,
		MinDuration:     1000 * time.Millisecond,
		MaxDuration:     12000 * time.Millisecond,
		FallbackTimeout: 7000 * time.Millisecond,
	}
}

// Decision is the outcome of one tick.
type Decision struct {
	Finalize bool
	Reason   Reason
	Speech   bool // this frame was above threshold
}

// Gate is implemented by both detectors.
type Gate interface {
	Observe(rms float64, now time.Time) Decision
	HasSpeech() bool
}

// Detector gates on RMS energy.
type Detector struct {
	cfg          Config
	startedAt    time.Time
	lastSpeechAt time.Time
	hasSpeech    bool
}

func NewDetector(cfg Config, startedAt time.Time) *Detector {
	return &Detector{cfg: cfg, startedAt: startedAt}
}

// Observe processes one frame's RMS energy.
func (d *Detector) Observe(rms float64, now time.Time) Decision {
	metricFrames.Inc()
	var dec Decision
	if rms > d.cfg.Threshold {
		if !d.hasSpeech {
			metricSpeechStarts.Inc()
		}
		d.hasSpeech = true
		d.lastSpeechAt = now
		dec.Speech = true
	}
	elapsed := now.Sub(d.startedAt)
	switch {
	case d.hasSpeech && now.Sub(d.lastSpeechAt) > d.cfg.SilenceWindow && elapsed > d.cfg.MinDuration:
		dec.Finalize, dec.Reason = true, ReasonSilence
	case elapsed > d.cfg.MaxDuration:
		dec.Finalize, dec.Reason = true, ReasonMaxLen
	}
	if dec.Finalize {
		metricFinalize.WithLabelValues(string(dec.Reason)).Inc()
	}
	return dec
}

func (d *Detector) HasSpeech() bool { return d.hasSpeech }

// LastSpeechAt is zero until the first frame above threshold.
func (d *Detector) LastSpeechAt() time.Time { return d.lastSpeechAt }

// TimeoutDetector is used when no analysis graph exists: it finalizes after a
// fixed timeout and assumes something was said.
type TimeoutDetector struct {
	timeout   time.Duration
	startedAt time.Time
}

func NewTimeoutDetector(cfg Config, startedAt time.Time) *TimeoutDetector {
	return &TimeoutDetector{timeout: cfg.FallbackTimeout, startedAt: startedAt}
}

func (t *TimeoutDetector) Observe(_ float64, now time.Time) Decision {
	if now.Sub(t.startedAt) >= t.timeout {
		metricFinalize.WithLabelValues(string(ReasonTimeout)).Inc()
		return Decision{Finalize: true, Reason: ReasonTimeout}
	}
	return Decision{}
}

func (t *TimeoutDetector) HasSpeech() bool { return true }

// RMS computes normalized energy of unsigned 8-bit time-domain samples
// (midpoint 128), as delivered by an analyser node.
func RMS(samples []byte) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := (float64(s) - 128) / 128
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSFloat32 computes energy of samples already in [-1,1].
func RMSFloat32(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSPCM16 computes normalized energy of little-endian PCM16.
func RMSPCM16(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
		v := float64(sample) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
