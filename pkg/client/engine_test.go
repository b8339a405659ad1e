package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/protocol"
	"github.com/mkuran/voca/pkg/tools"
	"github.com/mkuran/voca/pkg/transport"
	"github.com/mkuran/voca/pkg/vad"
)

// ── Fakes ──────────────────────────────────────────────────────────────────

type fakeTransport struct {
	mu         sync.Mutex
	sessionID  string
	in         chan transport.Message
	sentText   [][]byte
	sentBinary [][]byte
	closed     bool
}

func newFakeTransport(sessionID string) *fakeTransport {
	return &fakeTransport{
		sessionID: sessionID,
		in:        make(chan transport.Message, 64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("no token")
	}
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sentText = append(f.sentText, cp)

	// Answer the client hello like the server would.
	var msg protocol.Message
	if json.Unmarshal(data, &msg) == nil && msg.Type == protocol.TypeHello {
		reply, _ := protocol.Marshal(&protocol.Message{
			Type:        protocol.TypeHello,
			SessionID:   f.sessionID,
			AudioParams: protocol.DefaultAudioParams(),
		})
		f.in <- transport.Message{Kind: transport.KindText, Payload: reply}
	}
	return nil
}

func (f *fakeTransport) SendBinary(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sentBinary = append(f.sentBinary, cp)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (transport.Message, error) {
	select {
	case msg, ok := <-f.in:
		if !ok {
			return transport.Message{}, transport.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// push delivers a server message to the client.
func (f *fakeTransport) push(msg *protocol.Message) {
	data, _ := protocol.Marshal(msg)
	f.in <- transport.Message{Kind: transport.KindText, Payload: data}
}

func (f *fakeTransport) pushBinary(payload []byte) {
	f.in <- transport.Message{Kind: transport.KindBinary, Payload: payload}
}

// fail simulates a dropped connection: the pending Recv errors out.
func (f *fakeTransport) fail() {
	close(f.in)
}

// textMessages decodes everything the client sent.
func (f *fakeTransport) textMessages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, raw := range f.sentText {
		var m protocol.Message
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentBinary)
}

type fakeCapture struct {
	frames chan audio.Frame
	fatal  chan error
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{frames: make(chan audio.Frame, 64), fatal: make(chan error, 1)}
}

func (f *fakeCapture) Start() error               { return nil }
func (f *fakeCapture) Frames() <-chan audio.Frame { return f.frames }
func (f *fakeCapture) Fatal() <-chan error        { return f.fatal }
func (f *fakeCapture) Drops() uint64              { return 0 }
func (f *fakeCapture) Stop() error                { return nil }

type fakePlayback struct {
	mu      sync.Mutex
	written int
	drained bool
	fatal   chan error
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{fatal: make(chan error, 1)}
}

func (f *fakePlayback) Start() error { return nil }
func (f *fakePlayback) Write(frame []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written++
	return nil
}
func (f *fakePlayback) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
}
func (f *fakePlayback) QueuedDuration() time.Duration { return 0 }
func (f *fakePlayback) Fatal() <-chan error           { return f.fatal }
func (f *fakePlayback) Stop() error                   { return nil }

type fakeEncoder struct{}

func (fakeEncoder) Encode(pcm []int16) ([]byte, error) { return []byte{0xf8, 0xff, 0xfe}, nil }

type fakeDecoder struct{}

func (fakeDecoder) Decode(seq uint32, packet []byte) ([][]int16, error) {
	return [][]int16{make([]int16, protocol.FrameSize)}, nil
}
func (fakeDecoder) Flush() error { return nil }

type fakeTokens struct{}

func (fakeTokens) Token(ctx context.Context) (string, error) { return "tok", nil }

// ── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	engine   *Engine
	capture  *fakeCapture
	playback *fakePlayback

	mu         sync.Mutex
	transports []*fakeTransport
	states     []State
}

func newHarness(t *testing.T, mode protocol.ListeningMode) *harness {
	t.Helper()

	h := &harness{capture: newFakeCapture(), playback: newFakePlayback()}

	det, err := vad.NewDetector(vad.NewEnergyClassifier(500), vad.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	_ = registry.Register(tools.Tool{
		Name:        "self.audio.set_volume",
		Description: "Set the output volume.",
		Schema:      tools.Schema{tools.IntRange("volume", 0, 100)},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("volume set to %d", args["volume"]), nil
		},
	})
	registry.Seal()

	eng, err := New(Options{
		Protocol:      "websocket",
		Mode:          mode,
		KeepListening: true,
		Factory: func() transport.Transport {
			h.mu.Lock()
			defer h.mu.Unlock()
			tr := newFakeTransport(fmt.Sprintf("sess-%d", len(h.transports)+1))
			h.transports = append(h.transports, tr)
			return tr
		},
		Tokens:     fakeTokens{},
		Capture:    h.capture,
		Playback:   h.playback,
		Encoder:    fakeEncoder{},
		NewDecoder: func() (PacketDecoder, error) { return fakeDecoder{}, nil },
		DeviceRate: protocol.SampleRate,
		VAD:        det,
		Registry:   registry,
	})
	if err != nil {
		t.Fatal(err)
	}
	eng.OnStateChange = func(s State, reason string) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	h.engine = eng

	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return h
}

func (h *harness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.transports) {
		return nil
	}
	return h.transports[i]
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.engine.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", h.engine.State(), want)
}

func loudFrame() audio.Frame {
	pcm := make([]int16, protocol.FrameSize)
	for i := range pcm {
		pcm[i] = 3000
	}
	return audio.Frame{SampleRate: protocol.SampleRate, Channels: 1, PCM: pcm, Timestamp: time.Now().UnixNano()}
}

func silentFrame() audio.Frame {
	return audio.Frame{SampleRate: protocol.SampleRate, Channels: 1, PCM: make([]int16, protocol.FrameSize), Timestamp: time.Now().UnixNano()}
}

func (h *harness) feed(n int, frame func() audio.Frame) {
	for i := 0; i < n; i++ {
		h.capture.frames <- frame()
	}
}

func (h *harness) waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// ── Scenarios ──────────────────────────────────────────────────────────────

func TestConversationStartToListening(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	h.waitState(t, StateListening)

	if got := h.engine.SessionID(); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}

	tr := h.transport(0)
	h.waitFor(t, "listen start", func() bool {
		for _, m := range tr.textMessages() {
			if m.Type == protocol.TypeListen && m.State == protocol.ListenStart {
				return true
			}
		}
		return false
	})
}

func TestSpeechThenEndOfUtterance(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	tr := h.transport(0)

	// 1.5 s of speech, then enough silence to cross the 800 ms timeout.
	h.feed(25, loudFrame)
	h.feed(20, silentFrame)

	h.waitFor(t, "listen stop after end of utterance", func() bool {
		for _, m := range tr.textMessages() {
			if m.Type == protocol.TypeListen && m.State == protocol.ListenStop {
				return true
			}
		}
		return false
	})

	if n := tr.binaryCount(); n < 25 {
		t.Errorf("binary frames sent = %d, want >= 25", n)
	}
	if h.engine.State() != StateListening {
		t.Errorf("state after end of utterance = %v, want LISTENING", h.engine.State())
	}
}

func TestBargeInDuringPlayback(t *testing.T) {
	h := newHarness(t, protocol.ModeRealtime)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	tr := h.transport(0)

	// First inbound audio flips LISTENING→SPEAKING.
	tr.push(&protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStart})
	tr.pushBinary([]byte{0x01, 0x02})
	h.waitState(t, StateSpeaking)

	// User speaks over the assistant.
	h.feed(6, loudFrame)
	h.waitState(t, StateAborting)

	h.waitFor(t, "abort message", func() bool {
		for _, m := range tr.textMessages() {
			if m.Type == protocol.TypeAbort && m.Reason == protocol.AbortUserInterrupt {
				return true
			}
		}
		return false
	})

	h.playback.mu.Lock()
	drained := h.playback.drained
	h.playback.mu.Unlock()
	if !drained {
		t.Error("playback queue was not drained on abort")
	}

	// Server acknowledges; the session resumes listening.
	tr.push(&protocol.Message{Type: protocol.TypeAbort})
	h.waitState(t, StateListening)
}

func TestTransportLossReconnects(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)

	// Drop the transport mid-session.
	h.transport(0).fail()
	h.waitState(t, StateConnecting)

	// The supervisor dials a fresh session (first retry ~0.5 s).
	h.waitState(t, StateListening)
	h.waitFor(t, "new session id", func() bool {
		return h.engine.SessionID() == "sess-2"
	})
}

func TestTurnEndRestartsListening(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	tr := h.transport(0)

	tr.pushBinary([]byte{0x01})
	h.waitState(t, StateSpeaking)

	tr.push(&protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStop})
	h.waitState(t, StateListening)

	h.waitFor(t, "second listen start", func() bool {
		n := 0
		for _, m := range tr.textMessages() {
			if m.Type == protocol.TypeListen && m.State == protocol.ListenStart {
				n++
			}
		}
		return n >= 2
	})
}

func TestGoodbyeClosesSession(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)

	h.transport(0).push(&protocol.Message{Type: protocol.TypeGoodbye})
	h.waitState(t, StateIdle)

	if h.engine.SessionID() != "" {
		t.Errorf("SessionID after goodbye = %q, want empty", h.engine.SessionID())
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)

	if err := h.engine.StartConversation(); err != ErrNotIdle {
		t.Errorf("second StartConversation = %v, want ErrNotIdle", err)
	}
}

func TestToolCallOverSession(t *testing.T) {
	h := newHarness(t, protocol.ModeAutoStop)

	if err := h.engine.StartConversation(); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	tr := h.transport(0)

	call := `{"jsonrpc":"2.0","method":"tools/call","id":7,"params":{"name":"self.audio.set_volume","arguments":{"volume":40}}}`
	tr.push(&protocol.Message{Type: protocol.TypeMCP, Payload: json.RawMessage(call)})

	h.waitFor(t, "tool response", func() bool {
		for _, m := range tr.textMessages() {
			if m.Type == protocol.TypeMCP && strings.Contains(string(m.Payload), `"id":7`) {
				return true
			}
		}
		return false
	})

	// Exactly one response for id 7, carrying the session id.
	count := 0
	for _, m := range tr.textMessages() {
		if m.Type == protocol.TypeMCP && strings.Contains(string(m.Payload), `"id":7`) {
			count++
			if m.SessionID != "sess-1" {
				t.Errorf("response session id = %q, want sess-1", m.SessionID)
			}
		}
	}
	if count != 1 {
		t.Errorf("responses for id 7 = %d, want exactly 1", count)
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateListening, "listening"},
		{StateSpeaking, "speaking"},
		{StateAborting, "aborting"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if State(99).Valid() {
		t.Error("State(99) must not be valid")
	}
}
