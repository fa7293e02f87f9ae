// Package playback speaks assistant replies through a single playback slot.
//
// Remote synthesis is tried first whenever a synthesizer and a page player
// exist. A failed or empty synthesis falls back to the page's local speech
// synthesis. Speak never fails: every error ends the turn, possibly silently.
package playback

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"viva/voiceloop/internal/platform"
)

const defaultSpokenMemory = 256

var errEmptyAudio = errors.New("empty audio payload")

// Outcome is how a Speak call ended.
type Outcome int

const (
	OutcomeRemote Outcome = iota
	OutcomeLocal
	OutcomeSilent
	OutcomeDuplicate
	OutcomeSuppressed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemote:
		return "remote"
	case OutcomeLocal:
		return "local"
	case OutcomeSilent:
		return "silent"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Synthesizer produces remote speech audio for a locale.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, locale string) (platform.Audio, error)
}

// Outputs is the output half of a platform surface.
type Outputs interface {
	Speech() platform.Speech
	Player() platform.Player
}

type Options struct {
	Locale string
	Rate   float64
	// SpokenMemory bounds how many message IDs are remembered as spoken.
	SpokenMemory int
	Logger       *zap.Logger
}

// Controller owns the playback slot of one page.
type Controller struct {
	out    Outputs
	synth  Synthesizer
	locale string
	rate   float64
	log    *zap.Logger
	spoken *lru.Cache[string, struct{}]

	mu      sync.Mutex
	enabled bool
	active  *handle
}

// New builds a controller. synth may be nil, in which case only local speech
// is used.
func New(out Outputs, synth Synthesizer, opts Options) *Controller {
	if opts.Locale == "" {
		opts.Locale = "pt-BR"
	}
	if opts.SpokenMemory <= 0 {
		opts.SpokenMemory = defaultSpokenMemory
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	spoken, _ := lru.New[string, struct{}](opts.SpokenMemory)
	return &Controller{
		out:     out,
		synth:   synth,
		locale:  opts.Locale,
		rate:    opts.Rate,
		log:     opts.Logger,
		spoken:  spoken,
		enabled: true,
	}
}

// handle is the single active playback. stop halts whatever platform
// resource it currently holds.
type handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	stop func()
}

func (h *handle) setStop(f func()) {
	h.mu.Lock()
	h.stop = f
	h.mu.Unlock()
}

// begin runs start and records stop as the way to halt what it started. It
// refuses to start once the handle is cancelled, and holds the lock so that a
// concurrent halt sees either nothing or the started resource.
func (h *handle) begin(stop func(), start func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ctx.Err(); err != nil {
		return err
	}
	if err := start(); err != nil {
		return err
	}
	h.stop = stop
	return nil
}

func (h *handle) halt() {
	h.mu.Lock()
	f := h.stop
	h.stop = nil
	h.mu.Unlock()
	if f != nil {
		f()
	}
}

// Speak says text once for messageID and returns when playback is over.
func (c *Controller) Speak(ctx context.Context, messageID, text string) Outcome {
	out := c.speak(ctx, messageID, text)
	metricSpeak.WithLabelValues(out.String()).Inc()
	return out
}

func (c *Controller) speak(ctx context.Context, messageID, text string) Outcome {
	if !c.VoiceEnabled() {
		return OutcomeSuppressed
	}
	if messageID != "" {
		if seen, _ := c.spoken.ContainsOrAdd(messageID, struct{}{}); seen {
			return OutcomeDuplicate
		}
	}
	clean := StripMarkup(text)
	if clean == "" {
		return OutcomeSilent
	}

	h := c.acquire(ctx)
	defer c.release(h)

	if c.remoteReady() {
		err := c.playRemote(h, clean)
		if err == nil {
			return OutcomeRemote
		}
		if h.ctx.Err() != nil {
			return OutcomeCancelled
		}
		metricFallback.Inc()
		c.log.Info("playback: remote speech failed, using local voice", zap.Error(err))
	}

	if err := c.speakLocal(h, clean); err != nil {
		if h.ctx.Err() != nil {
			return OutcomeCancelled
		}
		c.log.Warn("playback: local speech failed", zap.Error(err))
		return OutcomeSilent
	}
	return OutcomeLocal
}

func (c *Controller) remoteReady() bool {
	return c.synth != nil && c.out.Player() != nil
}

func (c *Controller) playRemote(h *handle, text string) error {
	audio, err := c.synth.Synthesize(h.ctx, text, c.locale)
	if err != nil {
		return err
	}
	if len(audio.Data) == 0 {
		return errEmptyAudio
	}
	player := c.out.Player()
	if player == nil {
		return platform.ErrUnavailable
	}
	return c.await(h, player.Stop, func(done func(error)) error {
		return player.Play(audio, done)
	})
}

func (c *Controller) speakLocal(h *handle, text string) error {
	speech := c.out.Speech()
	if speech == nil {
		return platform.ErrUnavailable
	}
	u := platform.Utterance{Text: text, Lang: c.locale, Rate: c.rate}
	if v, ok := PickVoice(speech.Voices(), c.locale); ok {
		u.Voice = v.Name
		u.Lang = v.Lang
	}
	return c.await(h, speech.Cancel, func(done func(error)) error {
		return speech.Speak(u, done)
	})
}

// await starts playback and blocks until it ends or h is cancelled.
func (c *Controller) await(h *handle, stop func(), start func(done func(error)) error) error {
	done := make(chan error, 1)
	err := h.begin(stop, func() error {
		return start(func(err error) {
			select {
			case done <- err:
			default:
			}
		})
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		h.setStop(nil)
		return err
	case <-h.ctx.Done():
		h.halt()
		return h.ctx.Err()
	}
}

// acquire makes a new handle the active one, tearing down its predecessor
// before returning.
func (c *Controller) acquire(ctx context.Context) *handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &handle{ctx: hctx, cancel: cancel}
	c.mu.Lock()
	prev := c.active
	c.active = h
	c.mu.Unlock()
	if prev == nil {
		metricActive.Inc()
		return h
	}
	metricReplaced.Inc()
	prev.cancel()
	prev.halt()
	return h
}

func (c *Controller) release(h *handle) {
	c.mu.Lock()
	if c.active == h {
		c.active = nil
		metricActive.Dec()
	}
	c.mu.Unlock()
	h.cancel()
}

// Stop cancels any playback unconditionally.
func (c *Controller) Stop() {
	c.mu.Lock()
	h := c.active
	c.active = nil
	c.mu.Unlock()
	if h != nil {
		metricActive.Dec()
		h.cancel()
		h.halt()
	}
	if p := c.out.Player(); p != nil {
		p.Stop()
	}
	if s := c.out.Speech(); s != nil {
		s.Cancel()
	}
}

// SetVoiceEnabled toggles spoken replies. Disabling stops active playback.
func (c *Controller) SetVoiceEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	if !enabled {
		c.Stop()
	}
}

func (c *Controller) VoiceEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Active reports whether a playback currently holds the slot.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

var (
	reHeading = regexp.MustCompile(`(?m)^[ \t]*#+[ \t]*`)
	reSpaces  = regexp.MustCompile(`[ \t]+`)
	emphasis  = strings.NewReplacer("**", "", "__", "", "*", "", "_", "", "`", "")
)

// StripMarkup removes emphasis markers and heading hashes.
func StripMarkup(s string) string {
	s = reHeading.ReplaceAllString(s, "")
	s = emphasis.Replace(s)
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
