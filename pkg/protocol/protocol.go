// Package protocol defines the control-plane JSON messages and the binary
// audio envelope exchanged with the conversation server.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SampleRate is the pipeline audio sample rate in Hz.
	SampleRate = 16000

	// AudioChannels is the number of audio channels (mono).
	AudioChannels = 1

	// FrameDuration is the Opus frame duration in milliseconds.
	FrameDuration = 60

	// FrameSize is the number of samples per frame (SampleRate * FrameDuration / 1000).
	FrameSize = SampleRate * FrameDuration / 1000 // 960

	// MaxOpusPacket is the maximum encoded packet size for one frame.
	MaxOpusPacket = 512

	// MaxControlMessage is the maximum control message size (64KB).
	MaxControlMessage = 65536

	// Version is the control protocol version sent in hello.
	Version = 1

	// SeqHeaderSize is the byte size of the binary envelope sequence prefix
	// used on transports without ordering guarantees (MQTT).
	SeqHeaderSize = 4
)

// Message types.
const (
	TypeHello   = "hello"
	TypeListen  = "listen"
	TypeAbort   = "abort"
	TypeTTS     = "tts"
	TypeSTT     = "stt"
	TypeIoT     = "iot"
	TypeMCP     = "mcp"
	TypeGoodbye = "goodbye"
)

// ListeningMode selects how a listening turn ends.
type ListeningMode string

const (
	// ModeAutoStop ends the turn when the voice detector reports end of utterance.
	ModeAutoStop ListeningMode = "auto"
	// ModeManual ends the turn only on an explicit stop command.
	ModeManual ListeningMode = "manual"
	// ModeRealtime keeps capture open during playback so the user can barge in.
	ModeRealtime ListeningMode = "realtime"
)

// Valid reports whether the mode is one of the defined listening modes.
func (m ListeningMode) Valid() bool {
	switch m {
	case ModeAutoStop, ModeManual, ModeRealtime:
		return true
	}
	return false
}

// Listen states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// Abort reasons.
const (
	AbortWakeWord      = "wake_word_detected"
	AbortUserInterrupt = "user_interrupt"
)

// TTS states.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// AudioParams describes the negotiated audio format.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration_ms"`
}

// Features advertises optional client capabilities in hello.
type Features struct {
	MCP bool `json:"mcp"`
}

// Message is the envelope for all control-plane JSON messages. Exactly the
// fields relevant to the message's Type are populated; the rest marshal as
// absent.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// hello
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	Features    *Features    `json:"features,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`

	// listen / tts
	Mode  ListeningMode `json:"mode,omitempty"`
	State string        `json:"state,omitempty"`
	Text  string        `json:"text,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// iot / mcp tool-call traffic: an opaque JSON-RPC 2.0 envelope routed
	// to the dispatcher.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DefaultAudioParams returns the client's offered audio parameters.
func DefaultAudioParams() *AudioParams {
	return &AudioParams{
		Format:        "opus",
		SampleRate:    SampleRate,
		Channels:      AudioChannels,
		FrameDuration: FrameDuration,
	}
}

// NewHello builds the client hello for the given transport ("websocket" or "mqtt").
func NewHello(transport string) *Message {
	return &Message{
		Type:        TypeHello,
		Version:     Version,
		Transport:   transport,
		Features:    &Features{MCP: true},
		AudioParams: DefaultAudioParams(),
	}
}

// NewListen builds a listen control message.
func NewListen(sessionID string, mode ListeningMode, state string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, Mode: mode, State: state}
}

// NewWakeDetected builds the listen/detect message that reports a wake word.
func NewWakeDetected(sessionID, keyword string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, State: ListenDetect, Text: keyword}
}

// NewAbort builds an abort message with the given reason.
func NewAbort(sessionID, reason string) *Message {
	return &Message{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// NewGoodbye builds the session-close message.
func NewGoodbye(sessionID string) *Message {
	return &Message{Type: TypeGoodbye, SessionID: sessionID}
}

// Marshal serializes a control message, enforcing the size limit.
func Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxControlMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	return data, nil
}

// Unmarshal parses a control message. Unknown Type values are returned as-is
// so the caller can log and drop them without aborting the session.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) > MaxControlMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("protocol: missing message type")
	}
	return m, nil
}

// AudioEnvelope is one Opus packet with its stream sequence number. On
// websocket the packet travels bare (delivery is order-preserving); on MQTT
// the sequence is carried in a 4-byte big-endian prefix.
type AudioEnvelope struct {
	Seq     uint32
	Payload []byte
}

// MarshalSeq prepends the big-endian sequence header to the payload.
func (e *AudioEnvelope) MarshalSeq() []byte {
	buf := make([]byte, SeqHeaderSize+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:SeqHeaderSize], e.Seq)
	copy(buf[SeqHeaderSize:], e.Payload)
	return buf
}

// UnmarshalSeq parses a sequence-prefixed audio frame.
func UnmarshalSeq(data []byte) (*AudioEnvelope, error) {
	if len(data) < SeqHeaderSize {
		return nil, errors.New("protocol: audio frame too short")
	}
	e := &AudioEnvelope{
		Seq:     binary.BigEndian.Uint32(data[0:SeqHeaderSize]),
		Payload: make([]byte, len(data)-SeqHeaderSize),
	}
	copy(e.Payload, data[SeqHeaderSize:])
	return e, nil
}
