package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkuran/voca/pkg/protocol"
	"github.com/mkuran/voca/pkg/transport"
	"github.com/mkuran/voca/pkg/wakeword"
)

// runLoop is the control plane: it consumes events and wake detections and
// is the only goroutine that performs state transitions after the initial
// trigger.
func (e *Engine) runLoop() {
	defer e.wg.Done()

	var wake <-chan wakeword.Detection
	if e.opts.Wake != nil {
		wake = e.opts.Wake.Detections()
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case det := <-wake:
			e.recordWake(det.Keyword)
			switch e.State() {
			case StateIdle:
				if err := e.trigger(det.Keyword); err != nil {
					slog.Debug("wake trigger ignored", "err", err)
				}
			case StateSpeaking:
				e.doAbort(protocol.AbortWakeWord)
			}
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	// Events from torn-down sessions are stale. Connect results (session
	// up/down) always pass; every other event must carry the current epoch.
	if ev.kind != evSessionUp && ev.kind != evSessionDown && ev.epoch != e.currentEpoch() {
		return
	}

	switch ev.kind {
	case evSessionUp:
		e.installSession(ev.tr, ev.sessionID)

	case evSessionDown:
		e.setState(StateIdle, ReasonTransportFailed)
		e.resumeWake()
		if ev.err != nil {
			e.notifyError(ev.err)
		}

	case evTransportError:
		if e.State() == StateIdle {
			return
		}
		slog.Warn("transport lost, reconnecting", "err", ev.err)
		e.clearSession()
		e.setState(StateConnecting, ReasonTransportLost)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reconnect()
		}()

	case evFirstAudio:
		if e.State() == StateListening {
			e.enterSpeaking()
		}

	case evSpeechStart:
		// VAD-detected user speech interrupts playback only in REALTIME.
		if e.State() == StateSpeaking && e.opts.Mode == protocol.ModeRealtime {
			e.doAbort(protocol.AbortUserInterrupt)
		}

	case evUserAbort:
		if e.State() == StateSpeaking {
			e.doAbort(protocol.AbortUserInterrupt)
		}

	case evEndOfUtterance:
		if e.State() == StateListening && e.opts.Mode == protocol.ModeAutoStop && e.isStreaming() {
			e.sendEndOfStream()
			e.sendControl(protocol.NewListen(e.SessionID(), e.opts.Mode, protocol.ListenStop))
			e.setStreaming(false)
			e.notifyState(StateListening, ReasonEndOfUtterance)
		}

	case evControl:
		e.handleControl(ev.msg)

	case evAudioFatal:
		slog.Error("audio device lost", "err", ev.err)
		e.closeSession(ReasonAudioDeviceLost)
		e.notifyError(ev.err)
	}
}

// handleControl routes one inbound control message. Unknown types are logged
// and dropped without aborting the session.
func (e *Engine) handleControl(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeHello:
		// The connect phase consumes hello; a repeat is harmless.

	case protocol.TypeTTS:
		e.handleTTS(msg)

	case protocol.TypeSTT:
		if e.OnTranscript != nil && msg.Text != "" {
			e.OnTranscript("user", msg.Text)
		}

	case protocol.TypeAbort:
		if e.State() == StateAborting {
			e.resumeListening()
		}

	case protocol.TypeMCP, protocol.TypeIoT:
		// Both tool-call families share the JSON-RPC envelope; iot remains
		// accepted until the server-side migration to mcp is confirmed.
		if e.dispatcher == nil || len(msg.Payload) == 0 {
			slog.Debug("dropping tool message without dispatcher or payload")
			return
		}
		e.dispatcher.HandleRaw(e.ctx, msg.Payload)

	case protocol.TypeGoodbye:
		e.closeSession(ReasonGoodbye)

	default:
		slog.Debug("dropping unknown control message", "type", msg.Type)
	}
}

func (e *Engine) handleTTS(msg *protocol.Message) {
	switch msg.State {
	case protocol.TTSStart:
		// SPEAKING is entered on the first audio packet; tts start only
		// refreshes the echo path delay estimate.
		if e.opts.Processor != nil {
			e.opts.Processor.UpdateStreamDelay(e.baseDelayMs)
		}

	case protocol.TTSSentenceStart:
		if e.OnTranscript != nil && msg.Text != "" {
			e.OnTranscript("assistant", msg.Text)
		}

	case protocol.TTSStop:
		switch e.State() {
		case StateSpeaking:
			e.setState(StateListening, ReasonTurnEnd)
			if e.opts.Mode == protocol.ModeAutoStop && !e.opts.KeepListening {
				e.sendControl(protocol.NewGoodbye(e.SessionID()))
				e.closeSession(ReasonTurnEnd)
				return
			}
			e.restartListening()
		case StateAborting:
			e.resumeListening()
		}
	}
}

// doAbort interrupts playback: the queue is drained immediately and the
// server is told why.
func (e *Engine) doAbort(reason string) {
	e.sendControl(protocol.NewAbort(e.SessionID(), reason))
	e.opts.Playback.Drain()
	e.ring.Reset()

	e.mu.RLock()
	dec := e.decoder
	e.mu.RUnlock()
	if dec != nil {
		e.decMu.Lock()
		_ = dec.Flush()
		e.decMu.Unlock()
	}

	e.setState(StateAborting, reason)
}

// resumeListening completes the ABORTING→LISTENING transition once the
// server acknowledged the abort.
func (e *Engine) resumeListening() {
	e.setState(StateListening, ReasonUserInterrupt)
	e.restartListening()
}

// restartListening opens the next listening turn.
func (e *Engine) restartListening() {
	e.sendControl(protocol.NewListen(e.SessionID(), e.opts.Mode, protocol.ListenStart))
	e.setStreaming(true)
	if e.opts.VAD != nil {
		e.opts.VAD.Reset()
	}
}

// enterSpeaking transitions LISTENING→SPEAKING on the first inbound audio
// packet of a turn.
func (e *Engine) enterSpeaking() {
	e.setState(StateSpeaking, "tts")
	if e.opts.Processor != nil {
		e.opts.Processor.UpdateStreamDelay(e.baseDelayMs)
	}
	if e.opts.Wake != nil && !e.opts.WakeBargeIn {
		e.opts.Wake.Pause()
	}
	if e.opts.Mode != protocol.ModeRealtime {
		e.setStreaming(false)
	}
}

// connectOnce performs the initial CONNECTING attempt for a new session.
func (e *Engine) connectOnce(_ int) {
	tr, sessionID, err := e.connectSession()
	if err != nil {
		slog.Warn("connect failed", "err", err)
		e.postEvent(event{kind: evSessionDown, err: err})
		return
	}
	e.postEvent(event{kind: evSessionUp, tr: tr, sessionID: sessionID})
}

// reconnect retries with jittered exponential backoff after a mid-session
// transport loss. Every reconnect is a fresh session; there is no mid-stream
// resumption.
func (e *Engine) reconnect() {
	var b transport.Backoff
	for !b.Exhausted() {
		delay := b.Next()
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}

		e.metrics.Reconnects.Add(e.ctx, 1)
		tr, sessionID, err := e.connectSession()
		if err != nil {
			slog.Warn("reconnect failed", "attempt", b.Attempt(), "err", err)
			continue
		}
		e.postEvent(event{kind: evSessionUp, tr: tr, sessionID: sessionID})
		return
	}
	e.postEvent(event{kind: evSessionDown, err: transport.ErrTooManyFailures})
}

// connectSession dials a fresh transport and performs the hello handshake.
func (e *Engine) connectSession() (transport.Transport, string, error) {
	tr := e.opts.Factory()

	token, err := e.opts.Tokens.Token(e.ctx)
	if err != nil {
		return nil, "", fmt.Errorf("client: session token: %w", err)
	}
	if err := tr.Connect(e.ctx, token); err != nil {
		return nil, "", err
	}

	hello, err := protocol.Marshal(protocol.NewHello(e.opts.Protocol))
	if err != nil {
		_ = tr.Close()
		return nil, "", err
	}
	if err := tr.SendText(e.ctx, hello); err != nil {
		_ = tr.Close()
		return nil, "", err
	}

	helloCtx, cancel := context.WithTimeout(e.ctx, helloTimeout)
	defer cancel()
	for {
		msg, err := tr.Recv(helloCtx)
		if err != nil {
			_ = tr.Close()
			return nil, "", fmt.Errorf("client: waiting for hello: %w", err)
		}
		if msg.Kind != transport.KindText {
			continue // no audio is valid before hello
		}
		parsed, err := protocol.Unmarshal(msg.Payload)
		if err != nil {
			slog.Debug("dropping pre-hello message", "err", err)
			continue
		}
		if parsed.Type != protocol.TypeHello {
			continue
		}
		return tr, parsed.SessionID, nil
	}
}

// installSession adopts a freshly connected transport: new epoch, new
// decoder, clean DSP state, then the opening listen exchange.
func (e *Engine) installSession(tr transport.Transport, sessionID string) {
	dec, err := e.opts.NewDecoder()
	if err != nil {
		_ = tr.Close()
		e.postEvent(event{kind: evSessionDown, err: err})
		return
	}

	e.mu.Lock()
	e.tr = tr
	e.sessionID = sessionID
	e.epoch++
	epoch := e.epoch
	e.decoder = dec
	e.txSeq = 0
	e.rxSeq = 0
	wakeWord := e.pendingWake
	e.pendingWake = ""
	e.mu.Unlock()

	e.resetPipeline()
	e.metrics.SessionActive.Add(e.ctx, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recvLoop(tr, epoch)
	}()

	e.setState(StateListening, "hello_ack")
	if wakeWord != "" {
		e.sendControl(protocol.NewWakeDetected(sessionID, wakeWord))
	}
	e.restartListening()
}

// resetPipeline clears the per-session DSP state.
func (e *Engine) resetPipeline() {
	e.ring.Reset()
	e.captureResampler.Reset()
	e.playbackResampler.Reset()
	e.carry16k = e.carry16k[:0]
	if e.opts.Processor != nil {
		e.opts.Processor.Reset()
	}
	if e.opts.VAD != nil {
		e.opts.VAD.Reset()
		if e.opts.SilenceTimeout != nil {
			e.opts.VAD.SetSilenceTimeout(e.opts.SilenceTimeout(e.opts.Mode))
		}
	}
}

// clearSession detaches the current transport without changing state; used
// on transport loss before a reconnect attempt.
func (e *Engine) clearSession() {
	e.mu.Lock()
	tr := e.tr
	e.tr = nil
	e.sessionID = ""
	e.decoder = nil
	e.streaming = false
	e.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
		e.metrics.SessionActive.Add(e.ctx, -1)
	}
	e.opts.Playback.Drain()
}

// closeSession is the Any→IDLE transition.
func (e *Engine) closeSession(reason string) {
	e.clearSession()
	e.ring.Reset()
	if e.opts.VAD != nil {
		e.opts.VAD.Reset()
	}
	e.setState(StateIdle, reason)
	e.resumeWake()
}

func (e *Engine) resumeWake() {
	if e.opts.Wake != nil {
		e.opts.Wake.Resume()
	}
}

// recvLoop drains one transport until it fails or the session ends.
func (e *Engine) recvLoop(tr transport.Transport, epoch int) {
	for {
		msg, err := tr.Recv(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			// A recv error on a superseded transport is expected noise.
			if epoch == e.currentEpoch() {
				e.postEvent(event{kind: evTransportError, epoch: epoch, err: err})
			}
			return
		}

		switch msg.Kind {
		case transport.KindText:
			parsed, err := protocol.Unmarshal(msg.Payload)
			if err != nil {
				slog.Warn("dropping malformed control message", "err", err)
				continue
			}
			e.postEvent(event{kind: evControl, epoch: epoch, msg: parsed})
		case transport.KindBinary:
			e.handleInboundAudio(epoch, msg.Payload)
		}
	}
}

func (e *Engine) isStreaming() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streaming
}

func (e *Engine) setStreaming(v bool) {
	e.mu.Lock()
	e.streaming = v
	e.mu.Unlock()
}
