// Package client implements the session/dialog state machine and wires the
// capture and playback pipelines to the transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/observe"
	"github.com/mkuran/voca/pkg/protocol"
	"github.com/mkuran/voca/pkg/tools"
	"github.com/mkuran/voca/pkg/transport"
	"github.com/mkuran/voca/pkg/vad"
	"github.com/mkuran/voca/pkg/wakeword"
)

// helloTimeout bounds the wait for the server hello after connect.
const helloTimeout = 5 * time.Second

// ErrNotIdle is returned when a conversation is started while one is active.
var ErrNotIdle = errors.New("client: session already active")

// Options wires the engine's collaborators. Factory, Tokens, Capture,
// Playback, Encoder and NewDecoder are required.
type Options struct {
	// Protocol is the transport name sent in hello ("websocket" or "mqtt").
	Protocol string
	// Mode is the listening mode for new sessions.
	Mode protocol.ListeningMode
	// KeepListening restarts listening after each assistant turn in
	// AUTO_STOP mode.
	KeepListening bool

	Factory transport.Factory
	Tokens  TokenSource

	Capture    Capture
	Playback   Playback
	Encoder    FrameEncoder
	NewDecoder func() (PacketDecoder, error)

	// DeviceRate is the native rate of both device streams.
	DeviceRate int

	Processor *audio.Processor
	VAD       *vad.Detector
	// SilenceTimeout maps a listening mode to the VAD exit hysteresis.
	SilenceTimeout func(protocol.ListeningMode) time.Duration

	Wake *wakeword.Detector
	// WakeBargeIn keeps the wake detector armed during playback.
	WakeBargeIn bool

	Registry *tools.Registry
	Metrics  *observe.Metrics
}

// eventKind discriminates run-loop events.
type eventKind int

const (
	evControl eventKind = iota
	evTransportError
	evSessionUp
	evSessionDown
	evFirstAudio
	evSpeechStart
	evEndOfUtterance
	evUserAbort
	evAudioFatal
)

// event is one run-loop input. The run loop is the only writer of state
// after the initial IDLE→CONNECTING trigger.
type event struct {
	kind  eventKind
	epoch int

	msg *protocol.Message
	err error

	tr        transport.Transport
	sessionID string
}

// Engine orchestrates the conversation session.
type Engine struct {
	opts Options

	mu        sync.RWMutex
	state     State
	sessionID string
	epoch     int
	tr        transport.Transport
	streaming bool
	decoder   PacketDecoder
	decMu     sync.Mutex

	ring       *audio.ReferenceRing
	dispatcher *tools.Dispatcher

	txSeq       uint32
	rxSeq       uint32
	baseDelayMs int
	pendingWake string

	events chan event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	captureResampler  *audio.Resampler
	playbackResampler *audio.Resampler
	carry16k          []int16
	playCarry         []int16
	lastDrops         uint64

	metrics *observe.Metrics

	// Notification callbacks for the front-end collaborator. Set before
	// Start; invoked from engine goroutines.
	OnStateChange func(state State, reason string)
	OnTranscript  func(role, text string)
	OnError       func(err error)
}

// New creates an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Factory == nil || opts.Tokens == nil {
		return nil, errors.New("client: transport factory and token source are required")
	}
	if opts.Capture == nil || opts.Playback == nil {
		return nil, errors.New("client: capture and playback are required")
	}
	if opts.Encoder == nil || opts.NewDecoder == nil {
		return nil, errors.New("client: encoder and decoder factory are required")
	}
	if !opts.Mode.Valid() {
		opts.Mode = protocol.ModeAutoStop
	}
	if opts.DeviceRate == 0 {
		opts.DeviceRate = protocol.SampleRate
	}

	capRes, err := audio.NewResampler(opts.DeviceRate, protocol.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("client: capture resampler: %w", err)
	}
	playRes, err := audio.NewResampler(protocol.SampleRate, opts.DeviceRate)
	if err != nil {
		return nil, fmt.Errorf("client: playback resampler: %w", err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	e := &Engine{
		opts:              opts,
		state:             StateIdle,
		ring:              audio.NewReferenceRing(16, time.Second),
		events:            make(chan event, 32),
		captureResampler:  capRes,
		playbackResampler: playRes,
		metrics:           metrics,
	}
	if opts.Processor != nil {
		e.baseDelayMs = opts.Processor.StreamDelayMs()
	}
	if opts.Registry != nil {
		e.dispatcher = tools.NewDispatcher(opts.Registry, e.sendToolResponse, tools.DispatcherOptions{})
	}
	return e, nil
}

// Start opens the device streams and starts the engine goroutines.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.opts.Capture.Start(); err != nil {
		return err
	}
	if err := e.opts.Playback.Start(); err != nil {
		_ = e.opts.Capture.Stop()
		return err
	}

	e.wg.Add(2)
	go e.runLoop()
	go e.captureLoop()
	return nil
}

// Stop tears the engine down: the session is closed with a goodbye, the
// pipelines drain, and all goroutines exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	tr := e.tr
	sessionID := e.sessionID
	e.mu.Unlock()

	if tr != nil {
		if data, err := protocol.Marshal(protocol.NewGoodbye(sessionID)); err == nil {
			_ = tr.SendText(ctx, data)
		}
		_ = tr.Close()
	}

	e.cancel()
	_ = e.opts.Capture.Stop()
	_ = e.opts.Playback.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SessionID returns the server-assigned session id, empty when idle.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// StartConversation begins a session from IDLE (the user trigger).
func (e *Engine) StartConversation() error {
	return e.trigger("")
}

// StopConversation ends the current turn and closes the session.
func (e *Engine) StopConversation() {
	e.mu.RLock()
	tr := e.tr
	sessionID := e.sessionID
	state := e.state
	epoch := e.epoch
	e.mu.RUnlock()

	if state == StateIdle || tr == nil {
		return
	}
	e.sendControl(protocol.NewListen(sessionID, e.opts.Mode, protocol.ListenStop))
	e.postEvent(event{kind: evControl, epoch: epoch, msg: &protocol.Message{Type: protocol.TypeGoodbye}})
}

// Abort interrupts assistant playback (the explicit-stop barge-in).
func (e *Engine) Abort() {
	e.postEvent(event{kind: evUserAbort, epoch: e.currentEpoch()})
}

// trigger starts a session; wakeWord is non-empty for wake triggers.
func (e *Engine) trigger(wakeWord string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	e.state = StateConnecting
	e.pendingWake = wakeWord
	epoch := e.epoch
	e.mu.Unlock()

	reason := ReasonUserTrigger
	if wakeWord != "" {
		reason = ReasonWakeWord
	}
	e.notifyState(StateConnecting, reason)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.connectOnce(epoch)
	}()
	return nil
}

func (e *Engine) currentEpoch() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

func (e *Engine) postEvent(ev event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// setState performs a state transition and notifies subscribers.
func (e *Engine) setState(s State, reason string) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.notifyState(s, reason)
}

func (e *Engine) notifyState(s State, reason string) {
	slog.Info("session state", "state", s.String(), "reason", reason)
	if e.OnStateChange != nil {
		e.OnStateChange(s, reason)
	}
}

func (e *Engine) notifyError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// sendControl marshals and sends one control message on the current
// transport. Send failures surface through the transport's Recv error path.
func (e *Engine) sendControl(msg *protocol.Message) {
	e.mu.RLock()
	tr := e.tr
	e.mu.RUnlock()
	if tr == nil {
		return
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("marshal control message", "type", msg.Type, "err", err)
		return
	}
	if err := tr.SendText(e.ctx, data); err != nil {
		slog.Debug("send control message", "type", msg.Type, "err", err)
	}
}

// sendToolResponse is the dispatcher's reply sink: responses travel inside
// an mcp control message.
func (e *Engine) sendToolResponse(ctx context.Context, payload []byte) error {
	e.mu.RLock()
	tr := e.tr
	sessionID := e.sessionID
	e.mu.RUnlock()
	if tr == nil {
		return transport.ErrClosed
	}

	msg := &protocol.Message{Type: protocol.TypeMCP, SessionID: sessionID, Payload: payload}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return tr.SendText(ctx, data)
}

// recordWake reports a wake detection through the metrics.
func (e *Engine) recordWake(keyword string) {
	e.metrics.WakeDetections.Add(e.ctx, 1,
		metric.WithAttributes(attribute.String("keyword", keyword)))
}
