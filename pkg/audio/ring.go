package audio

import (
	"sync/atomic"
	"time"
)

// ReferenceRing buffers decoded playback frames for the echo canceller.
// Single producer (the playback path) and single consumer (the AEC) only;
// head and tail are advanced with atomic operations so neither side blocks
// the other. When the ring is full the producer discards the oldest frame;
// the consumer discards frames outside the retention window.
type ReferenceRing struct {
	slots []ReferenceFrame
	mask  uint64
	head  atomic.Uint64 // next write position
	tail  atomic.Uint64 // next read position

	retention time.Duration
	dropped   atomic.Uint64
}

// NewReferenceRing creates a ring holding up to capacity frames. Capacity is
// rounded up to a power of two. retention bounds how far back the consumer
// may reach; with 60 ms frames a capacity of 16 holds ~1 s of audio.
func NewReferenceRing(capacity int, retention time.Duration) *ReferenceRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &ReferenceRing{
		slots:     make([]ReferenceFrame, n),
		mask:      uint64(n - 1),
		retention: retention,
	}
}

// Push appends a frame. If the ring is full the oldest frame is discarded,
// keeping the reference window fresh rather than complete.
func (r *ReferenceRing) Push(f ReferenceFrame) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.slots)) {
		r.tail.Store(tail + 1)
		r.dropped.Add(1)
	}
	r.slots[head&r.mask] = f
	r.head.Store(head + 1)
}

// TakeAligned pops frames up to and including the one whose presentation
// timestamp is closest to target (nanoseconds). Frames older than the chosen
// one are discarded. Returns false when no frame inside the retention window
// matches.
func (r *ReferenceRing) TakeAligned(target int64) (ReferenceFrame, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return ReferenceFrame{}, false
	}

	bestIdx := tail
	bestDist := int64(-1)
	for i := tail; i != head; i++ {
		pts := r.slots[i&r.mask].Presentation
		dist := target - pts
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}

	if bestDist > int64(r.retention) {
		// Everything buffered is stale; drop it all.
		r.tail.Store(head)
		return ReferenceFrame{}, false
	}

	f := r.slots[bestIdx&r.mask]
	r.tail.Store(bestIdx + 1)
	return f, true
}

// Len returns the number of buffered frames.
func (r *ReferenceRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Dropped returns how many frames were discarded due to a full ring.
func (r *ReferenceRing) Dropped() uint64 {
	return r.dropped.Load()
}

// Reset discards all buffered frames.
func (r *ReferenceRing) Reset() {
	r.tail.Store(r.head.Load())
}
