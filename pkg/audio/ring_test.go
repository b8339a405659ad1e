package audio

import (
	"testing"
	"time"
)

func refFrame(pts int64) ReferenceFrame {
	return ReferenceFrame{
		Frame:        Frame{SampleRate: 16000, Channels: 1, PCM: make([]int16, 960)},
		Presentation: pts,
	}
}

func TestReferenceRingTakeAligned(t *testing.T) {
	r := NewReferenceRing(16, time.Second)

	// Frames at 60 ms spacing.
	for i := int64(0); i < 5; i++ {
		r.Push(refFrame(i * 60e6))
	}

	got, ok := r.TakeAligned(125e6) // closest is the frame at 120 ms
	if !ok {
		t.Fatal("TakeAligned returned no frame")
	}
	if got.Presentation != 120e6 {
		t.Errorf("Presentation = %d, want 120e6", got.Presentation)
	}

	// Older frames must have been discarded along with the taken one.
	next, ok := r.TakeAligned(180e6)
	if !ok {
		t.Fatal("expected a following frame")
	}
	if next.Presentation != 180e6 {
		t.Errorf("next Presentation = %d, want 180e6", next.Presentation)
	}
}

func TestReferenceRingEmpty(t *testing.T) {
	r := NewReferenceRing(8, time.Second)
	if _, ok := r.TakeAligned(0); ok {
		t.Error("empty ring should return no frame")
	}
}

func TestReferenceRingStale(t *testing.T) {
	r := NewReferenceRing(8, 200*time.Millisecond)
	r.Push(refFrame(0))
	r.Push(refFrame(60e6))

	// Target far beyond retention: everything is stale.
	if _, ok := r.TakeAligned(10e9); ok {
		t.Error("stale frames should not be returned")
	}
	if r.Len() != 0 {
		t.Errorf("stale frames should be discarded, Len = %d", r.Len())
	}
}

func TestReferenceRingOverflowDropsOldest(t *testing.T) {
	r := NewReferenceRing(4, time.Second)
	for i := int64(0); i < 6; i++ {
		r.Push(refFrame(i * 60e6))
	}

	if r.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", r.Dropped())
	}

	got, ok := r.TakeAligned(2 * 60e6)
	if !ok {
		t.Fatal("expected frame after overflow")
	}
	if got.Presentation != 2*60e6 {
		t.Errorf("oldest surviving frame = %d, want 120e6", got.Presentation)
	}
}

func TestReferenceRingReset(t *testing.T) {
	r := NewReferenceRing(8, time.Second)
	r.Push(refFrame(0))
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", r.Len())
	}
}
