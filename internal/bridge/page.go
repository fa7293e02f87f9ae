// Package bridge connects a browser page to the voice loop over a
// websocket. A Page implements platform.Surface: every capability call
// becomes a command to the page and every page callback arrives as a
// message on the socket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"

	"viva/voiceloop/internal/platform"
)

var (
	ErrNoHello       = errors.New("page did not say hello")
	ErrPageError     = errors.New("page reported an error")
	ErrCancelled     = errors.New("cancelled")
	errCommandFailed = errors.New("page command failed")
)

const (
	defaultCommandTimeout = 10 * time.Second
	defaultAnalyserSize   = 2048
	defaultRecorderMime   = "audio/webm"
)

// Conn is the subset of *websocket.Conn a page uses.
type Conn interface {
	Read(ctx context.Context) (ws.MessageType, []byte, error)
	Write(ctx context.Context, typ ws.MessageType, p []byte) error
	Close(code ws.StatusCode, reason string) error
}

type Options struct {
	CommandTimeout time.Duration
	Logger         *zap.Logger
	// OnCapabilities is called after the page reports a new capability set.
	OnCapabilities func(platform.Capabilities)
}

// Page is one connected browser page.
type Page struct {
	sessionID  string
	conn       Conn
	log        *zap.Logger
	cmdTimeout time.Duration
	seq        atomic.Int64

	mu          sync.Mutex
	hello       Hello
	onCaps      func(platform.Capabilities)
	mics        map[string]chan Message
	recorders   map[string]platform.RecorderEvents
	analysers   map[string]*analyser
	recognizers map[string]platform.RecognizerEvents
	speaking    map[string]func(error)
	playing     map[string]func(error)
	closed      bool
	done        chan struct{}
}

func NewPage(sessionID string, conn Conn, opts Options) *Page {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Page{
		sessionID:   sessionID,
		conn:        conn,
		log:         opts.Logger.With(zap.String("session_id", sessionID)),
		cmdTimeout:  opts.CommandTimeout,
		onCaps:      opts.OnCapabilities,
		mics:        make(map[string]chan Message),
		recorders:   make(map[string]platform.RecorderEvents),
		analysers:   make(map[string]*analyser),
		recognizers: make(map[string]platform.RecognizerEvents),
		speaking:    make(map[string]func(error)),
		playing:     make(map[string]func(error)),
		done:        make(chan struct{}),
	}
}

func (p *Page) SessionID() string { return p.sessionID }

// OnCapabilities replaces the capability-change callback.
func (p *Page) OnCapabilities(f func(platform.Capabilities)) {
	p.mu.Lock()
	p.onCaps = f
	p.mu.Unlock()
}

// Handshake reads the page's hello. Anything else first is an error.
func (p *Page) Handshake(ctx context.Context) (Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cmdTimeout)
	defer cancel()
	msg, err := p.read(ctx)
	if err != nil {
		return Hello{}, err
	}
	if msg.Type != TypeHello {
		return Hello{}, fmt.Errorf("%w: got %q", ErrNoHello, msg.Type)
	}
	var h Hello
	if err := json.Unmarshal(msg.Payload, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrNoHello, err)
	}
	if h.AnalyserSize <= 0 {
		h.AnalyserSize = defaultAnalyserSize
	}
	if h.RecorderMime == "" {
		h.RecorderMime = defaultRecorderMime
	}
	p.mu.Lock()
	p.hello = h
	p.mu.Unlock()
	metricPages.Inc()
	p.log.Info("bridge: page hello",
		zap.Bool("server_capture", h.Capabilities.ServerAssisted()),
		zap.Bool("recognition", h.Capabilities.Recognition),
		zap.Int("voices", len(h.Voices)))
	return h, nil
}

// Run dispatches page messages until the socket closes or ctx ends. Every
// outstanding callback is then resolved with platform.ErrClosed.
func (p *Page) Run(ctx context.Context) error {
	defer metricPages.Dec()
	var err error
	for {
		var msg Message
		msg, err = p.read(ctx)
		if err != nil {
			break
		}
		p.handle(msg)
	}
	p.shutdown(err)
	return err
}

func (p *Page) read(ctx context.Context) (Message, error) {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return Message{}, err
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			metricInvalid.Inc()
			p.log.Warn("bridge: invalid page message", zap.Error(err))
			continue
		}
		metricInbound.WithLabelValues(msg.Type).Inc()
		return msg, nil
	}
}

// Close ends the session from the server side.
func (p *Page) Close(reason string) {
	_ = p.conn.Close(ws.StatusNormalClosure, reason)
	p.shutdown(platform.ErrClosed)
}

// Done is closed after the page has shut down.
func (p *Page) Done() <-chan struct{} { return p.done }

func (p *Page) shutdown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	mics, recs, recogs := p.mics, p.recorders, p.recognizers
	speaking, playing := p.speaking, p.playing
	p.mics = map[string]chan Message{}
	p.recorders = map[string]platform.RecorderEvents{}
	p.recognizers = map[string]platform.RecognizerEvents{}
	p.speaking = map[string]func(error){}
	p.playing = map[string]func(error){}
	p.analysers = map[string]*analyser{}
	p.mu.Unlock()

	for _, ch := range mics {
		close(ch)
	}
	for _, ev := range recs {
		if ev.OnError != nil {
			ev.OnError(platform.ErrClosed)
		}
	}
	for _, ev := range recogs {
		if ev.OnError != nil {
			ev.OnError("network")
		}
	}
	for _, f := range speaking {
		f(platform.ErrClosed)
	}
	for _, f := range playing {
		f(platform.ErrClosed)
	}
	close(p.done)
	p.log.Debug("bridge: page closed", zap.NamedError("cause", cause))
}

// send writes one command, bounded by the command timeout.
func (p *Page) send(typ, id string, v any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return platform.ErrClosed
	}
	msg := Message{Type: typ, ID: id, Seq: p.seq.Add(1), TsMs: time.Now().UnixMilli(), Payload: payload(v)}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cmdTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, ws.MessageText, b); err != nil {
		metricCommandErrors.WithLabelValues(typ).Inc()
		return fmt.Errorf("%w: %s: %v", errCommandFailed, typ, err)
	}
	metricCommands.WithLabelValues(typ).Inc()
	return nil
}

func (p *Page) handle(msg Message) {
	switch msg.Type {
	case TypeCapabilities:
		var c platform.Capabilities
		if !p.decode(msg, &c) {
			return
		}
		p.mu.Lock()
		p.hello.Capabilities = c
		f := p.onCaps
		p.mu.Unlock()
		if f != nil {
			f(c)
		}
	case TypeVoices:
		var v []platform.Voice
		if !p.decode(msg, &v) {
			return
		}
		p.mu.Lock()
		p.hello.Voices = v
		p.mu.Unlock()
	case TypeMicOpened, TypeMicError:
		p.mu.Lock()
		ch := p.mics[msg.ID]
		delete(p.mics, msg.ID)
		p.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	case TypeRecorderData:
		var c Chunk
		if !p.decode(msg, &c) {
			return
		}
		if ev, ok := p.recorder(msg.ID, false); ok && ev.OnData != nil {
			ev.OnData(c.Data)
		}
	case TypeRecorderStopped:
		if ev, ok := p.recorder(msg.ID, true); ok && ev.OnStop != nil {
			ev.OnStop()
		}
	case TypeRecorderError:
		var d Done
		p.decode(msg, &d)
		if ev, ok := p.recorder(msg.ID, true); ok && ev.OnError != nil {
			ev.OnError(fmt.Errorf("%w: %s", ErrPageError, d.Error))
		}
	case TypeAnalyserFrame:
		var f Frame
		if !p.decode(msg, &f) {
			return
		}
		p.mu.Lock()
		a := p.analysers[msg.ID]
		p.mu.Unlock()
		if a != nil {
			a.store(f.Samples)
		}
	case TypeRecognizerResult:
		var r RecognizerResult
		if !p.decode(msg, &r) {
			return
		}
		if ev, ok := p.recognizer(msg.ID, false); ok && ev.OnResult != nil {
			ev.OnResult(r.Text, r.Final)
		}
	case TypeRecognizerError:
		var r RecognizerError
		p.decode(msg, &r)
		if ev, ok := p.recognizer(msg.ID, true); ok && ev.OnError != nil {
			ev.OnError(r.Code)
		}
	case TypeRecognizerEnd:
		if ev, ok := p.recognizer(msg.ID, true); ok && ev.OnEnd != nil {
			ev.OnEnd()
		}
	case TypeSpeechDone:
		p.finish(pendingSpeech, msg)
	case TypePlayerDone:
		p.finish(pendingPlayer, msg)
	default:
		p.log.Debug("bridge: unhandled page message", zap.String("type", msg.Type))
	}
}

func (p *Page) decode(msg Message, v any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		metricInvalid.Inc()
		p.log.Warn("bridge: bad payload", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}

func (p *Page) recorder(id string, remove bool) (platform.RecorderEvents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.recorders[id]
	if ok && remove {
		delete(p.recorders, id)
	}
	return ev, ok
}

func (p *Page) recognizer(id string, remove bool) (platform.RecognizerEvents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.recognizers[id]
	if ok && remove {
		delete(p.recognizers, id)
	}
	return ev, ok
}

func (p *Page) finish(k pendingKind, msg Message) {
	var d Done
	p.decode(msg, &d)
	f := p.take(k, msg.ID)
	if f == nil {
		return
	}
	if d.Error != "" {
		f(fmt.Errorf("%w: %s", ErrPageError, d.Error))
		return
	}
	f(nil)
}

func (p *Page) Capabilities() platform.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return platform.Capabilities{}
	}
	return p.hello.Capabilities
}

func (p *Page) OpenMicrophone(ctx context.Context) (platform.Stream, error) {
	id := uuid.New().String()
	ch := make(chan Message, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, platform.ErrClosed
	}
	p.mics[id] = ch
	p.mu.Unlock()
	forget := func() {
		p.mu.Lock()
		delete(p.mics, id)
		p.mu.Unlock()
	}

	if err := p.send(CmdMicOpen, id, nil); err != nil {
		forget()
		return nil, err
	}
	timer := time.NewTimer(p.cmdTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, platform.ErrClosed
		}
		if msg.Type == TypeMicOpened {
			return &stream{p: p, id: id}, nil
		}
		var e MicError
		p.decode(msg, &e)
		switch e.Code {
		case "denied", "NotAllowedError", "SecurityError":
			return nil, fmt.Errorf("%w: %s", platform.ErrPermissionDenied, e.Code)
		case "unavailable", "NotFoundError":
			return nil, fmt.Errorf("%w: %s", platform.ErrUnavailable, e.Code)
		}
		return nil, fmt.Errorf("%w: %s %s", ErrPageError, e.Code, e.Message)
	case <-ctx.Done():
		forget()
		// the page may still open it
		_ = p.send(CmdMicClose, id, nil)
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		_ = p.send(CmdMicClose, id, nil)
		return nil, fmt.Errorf("%w: %s timed out", errCommandFailed, CmdMicOpen)
	}
}

func (p *Page) NewRecorder(s platform.Stream, ev platform.RecorderEvents) (platform.Recorder, error) {
	st, ok := s.(*stream)
	if !ok || st.p != p {
		return nil, fmt.Errorf("bridge: foreign stream %T", s)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, platform.ErrClosed
	}
	if !p.hello.Capabilities.Recorder {
		return nil, platform.ErrUnavailable
	}
	return &recorder{p: p, id: uuid.New().String(), stream: st.id, mime: p.hello.RecorderMime, ev: ev}, nil
}

func (p *Page) NewAnalyser(s platform.Stream) (platform.Analyser, error) {
	st, ok := s.(*stream)
	if !ok || st.p != p {
		return nil, fmt.Errorf("bridge: foreign stream %T", s)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, platform.ErrClosed
	}
	if !p.hello.Capabilities.Analyser {
		p.mu.Unlock()
		return nil, platform.ErrUnavailable
	}
	a := &analyser{p: p, id: uuid.New().String(), size: p.hello.AnalyserSize}
	p.analysers[a.id] = a
	p.mu.Unlock()
	if err := p.send(CmdAnalyserOpen, a.id, StreamRef{Stream: st.id}); err != nil {
		p.dropAnalyser(a.id)
		return nil, err
	}
	return a, nil
}

func (p *Page) dropAnalyser(id string) {
	p.mu.Lock()
	delete(p.analysers, id)
	p.mu.Unlock()
}

func (p *Page) NewRecognizer(lang string, ev platform.RecognizerEvents) (platform.Recognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, platform.ErrClosed
	}
	if !p.hello.Capabilities.Recognition {
		return nil, platform.ErrUnavailable
	}
	return &recognizer{p: p, id: uuid.New().String(), lang: lang, ev: ev}, nil
}

// Speech returns nil when the page cannot synthesize.
func (p *Page) Speech() platform.Speech {
	if !p.Capabilities().Synthesis {
		return nil
	}
	return speech{p}
}

// Player returns nil when the page cannot play audio.
func (p *Page) Player() platform.Player {
	if !p.Capabilities().Playback {
		return nil
	}
	return player{p}
}

type pendingKind int

const (
	pendingSpeech pendingKind = iota
	pendingPlayer
)

// pendingLocked returns the completion callbacks of kind k.
func (p *Page) pendingLocked(k pendingKind) map[string]func(error) {
	if k == pendingSpeech {
		return p.speaking
	}
	return p.playing
}

// register adds a completion callback unless the page is closed.
func (p *Page) register(k pendingKind, id string, f func(error)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.pendingLocked(k)[id] = f
	return true
}

func (p *Page) take(k pendingKind, id string) func(error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.pendingLocked(k)
	f := m[id]
	delete(m, id)
	return f
}

// cancelAll resolves every pending callback of kind k with ErrCancelled.
func (p *Page) cancelAll(k pendingKind) {
	p.mu.Lock()
	m := p.pendingLocked(k)
	fs := make([]func(error), 0, len(m))
	for id, f := range m {
		fs = append(fs, f)
		delete(m, id)
	}
	p.mu.Unlock()
	for _, f := range fs {
		f(ErrCancelled)
	}
}
