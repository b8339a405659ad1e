package audio

import (
	"math"
	"testing"
)

func sineFrame(freq float64) []int16 {
	pcm := make([]int16, opusFrameSize)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(opusSampleRate)))
	}
	return pcm
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := sineFrame(440)
	packet, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 || len(packet) > 512 {
		t.Fatalf("packet size = %d, want 1..512", len(packet))
	}

	out, err := dec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := len(out) - len(pcm); diff < -1 || diff > 1 {
		t.Errorf("decoded length = %d, want %d (±1)", len(out), len(pcm))
	}
}

func TestEncodeRejectsWrongFrameSize(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 480)); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestStreamDecoderConcealsSmallGap(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	sd, err := NewStreamDecoder()
	if err != nil {
		t.Fatalf("NewStreamDecoder: %v", err)
	}

	p0, _ := enc.Encode(sineFrame(440))
	p1, _ := enc.Encode(sineFrame(440))

	frames, err := sd.Decode(0, p0)
	if err != nil {
		t.Fatalf("Decode(0): %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}

	// Skip sequences 1 and 2: expect two concealment frames plus the packet.
	frames, err = sd.Decode(3, p1)
	if err != nil {
		t.Fatalf("Decode(3): %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("frames after gap = %d, want 3 (2 PLC + 1 decoded)", len(frames))
	}
	plc, flushes := sd.Stats()
	if plc != 2 {
		t.Errorf("plc frames = %d, want 2", plc)
	}
	if flushes != 0 {
		t.Errorf("flushes = %d, want 0", flushes)
	}
}

func TestStreamDecoderFlushesLargeGap(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	sd, err := NewStreamDecoder()
	if err != nil {
		t.Fatalf("NewStreamDecoder: %v", err)
	}

	p0, _ := enc.Encode(sineFrame(440))
	p1, _ := enc.Encode(sineFrame(440))

	if _, err := sd.Decode(0, p0); err != nil {
		t.Fatalf("Decode(0): %v", err)
	}

	// Gap of 10 frames exceeds the concealment limit: state is flushed and
	// exactly the new packet comes back.
	frames, err := sd.Decode(11, p1)
	if err != nil {
		t.Fatalf("Decode(11): %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames after flush = %d, want 1", len(frames))
	}
	_, flushes := sd.Stats()
	if flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
}

func TestMixFrames(t *testing.T) {
	a := []int16{100, -100, 32767}
	b := []int16{50, -50, 32767}

	mixed := MixFrames([][]int16{a, b}, 3)
	if mixed[0] != 150 || mixed[1] != -150 {
		t.Errorf("mix = %v, want [150 -150 ...]", mixed[:2])
	}
	if mixed[2] != 32767 {
		t.Errorf("mix must clamp, got %d", mixed[2])
	}

	silence := MixFrames(nil, 4)
	for _, s := range silence {
		if s != 0 {
			t.Fatal("empty mix must be silence")
		}
	}
}
