package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	hello := NewHello("websocket")
	data, err := Marshal(hello)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got.Type != TypeHello {
		t.Errorf("Type = %q, want %q", got.Type, TypeHello)
	}
	if got.Version != Version {
		t.Errorf("Version = %d, want %d", got.Version, Version)
	}
	if got.Features == nil || !got.Features.MCP {
		t.Error("hello should advertise mcp feature")
	}
	if got.AudioParams == nil {
		t.Fatal("hello missing audio_params")
	}
	if got.AudioParams.SampleRate != 16000 || got.AudioParams.FrameDuration != 60 {
		t.Errorf("audio_params = %+v, want 16000 Hz / 60 ms", got.AudioParams)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"malformed json", []byte(`{"type":`)},
		{"missing type", []byte(`{"state":"start"}`)},
		{"not an object", []byte(`[1,2,3]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal(tt.input); err == nil {
				t.Errorf("Unmarshal(%q) expected error", tt.input)
			}
		})
	}
}

func TestListeningModeValid(t *testing.T) {
	tests := []struct {
		mode ListeningMode
		want bool
	}{
		{ModeAutoStop, true},
		{ModeManual, true},
		{ModeRealtime, true},
		{ListeningMode(""), false},
		{ListeningMode("fast"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.Valid(); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestAbortMessageShape(t *testing.T) {
	data, err := Marshal(NewAbort("sess-1", AbortWakeWord))
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["type"] != "abort" || raw["reason"] != "wake_word_detected" {
		t.Errorf("unexpected abort shape: %s", data)
	}
	if raw["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", raw["session_id"])
	}
	// Unrelated fields must not leak into the wire shape.
	if _, ok := raw["audio_params"]; ok {
		t.Error("abort must not carry audio_params")
	}
}

func TestAudioEnvelopeSeqRoundTrip(t *testing.T) {
	payload := []byte{0xf8, 0xff, 0xfe, 0x01, 0x02}
	env := &AudioEnvelope{Seq: 0xdeadbeef, Payload: payload}

	data := env.MarshalSeq()
	if len(data) != SeqHeaderSize+len(payload) {
		t.Fatalf("MarshalSeq length = %d, want %d", len(data), SeqHeaderSize+len(payload))
	}

	got, err := UnmarshalSeq(data)
	if err != nil {
		t.Fatalf("UnmarshalSeq() error: %v", err)
	}
	if got.Seq != 0xdeadbeef {
		t.Errorf("Seq = %#x, want 0xdeadbeef", got.Seq)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, payload)
	}
}

func TestUnmarshalSeqTooShort(t *testing.T) {
	if _, err := UnmarshalSeq([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short frame")
	}
}
