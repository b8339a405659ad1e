// Package wakeword provides keyword spotting over the raw microphone stream
// using the openWakeWord ONNX pipeline: melspectrogram → embedding → keyword.
package wakeword

import (
	"fmt"
	"sync"
	"time"
)

const (
	// chunkSamples is the scoring step: 80 ms at 16 kHz.
	chunkSamples = 1280

	// DefaultThreshold is the confidence required to fire.
	DefaultThreshold = 0.6

	// DefaultMinInterval suppresses repeat triggers.
	DefaultMinInterval = 1500 * time.Millisecond
)

// Detection is one wake-word event.
type Detection struct {
	Keyword    string
	Confidence float64
	Timestamp  time.Time
}

// Scorer scores one 80 ms chunk against every loaded keyword. Implemented by
// the ONNX pipeline; tests substitute fakes.
type Scorer interface {
	// Score returns keyword → confidence for the chunk.
	Score(chunk []float32) (map[string]float64, error)
	// Reset flushes sliding-window state.
	Reset()
	// Close releases model resources.
	Close() error
}

// Options configures a Detector.
type Options struct {
	// Threshold is the minimum confidence to fire (default 0.6).
	Threshold float64
	// MinInterval is the refractory period between triggers (default 1.5 s).
	MinInterval time.Duration
}

// Detector spots keywords in the raw capture stream. It pauses itself after
// a trigger until Resume is called (when the session returns to IDLE).
type Detector struct {
	scorer Scorer
	opts   Options

	detections chan Detection
	carry      []float32

	mu       sync.Mutex
	paused   bool
	lastFire time.Time
}

// NewDetector wraps a scorer. A nil scorer yields a disabled detector whose
// Process is a no-op, so callers need no special casing when the feature is
// off.
func NewDetector(scorer Scorer, opts Options) *Detector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	return &Detector{
		scorer:     scorer,
		opts:       opts,
		detections: make(chan Detection, 4),
	}
}

// Enabled reports whether a model is loaded.
func (d *Detector) Enabled() bool {
	return d.scorer != nil
}

// Detections delivers wake events to the state machine.
func (d *Detector) Detections() <-chan Detection {
	return d.detections
}

// Process feeds one raw (pre-AEC) capture frame. Scoring happens in 80 ms
// steps; a detection above threshold fires at most once per MinInterval and
// pauses the detector.
func (d *Detector) Process(pcm []int16) error {
	if d.scorer == nil {
		return nil
	}
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if paused {
		return nil
	}

	for _, s := range pcm {
		d.carry = append(d.carry, float32(s)/32768)
	}

	for len(d.carry) >= chunkSamples {
		chunk := d.carry[:chunkSamples]
		d.carry = d.carry[chunkSamples:]

		scores, err := d.scorer.Score(chunk)
		if err != nil {
			return fmt.Errorf("wakeword: score: %w", err)
		}

		best := ""
		bestScore := 0.0
		for kw, score := range scores {
			if score > bestScore {
				best, bestScore = kw, score
			}
		}
		if best == "" || bestScore < d.opts.Threshold {
			continue
		}

		now := time.Now()
		d.mu.Lock()
		if !d.lastFire.IsZero() && now.Sub(d.lastFire) < d.opts.MinInterval {
			d.mu.Unlock()
			continue
		}
		d.lastFire = now
		d.paused = true
		d.mu.Unlock()

		select {
		case d.detections <- Detection{Keyword: best, Confidence: bestScore, Timestamp: now}:
		default:
		}
		return nil
	}
	return nil
}

// Pause stops detection, e.g. while the assistant is speaking.
func (d *Detector) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables detection once the session is back at IDLE. Sliding
// window state is flushed so stale audio cannot trigger.
func (d *Detector) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.carry = d.carry[:0]
	if d.scorer != nil {
		d.scorer.Reset()
	}
}

// Close releases the underlying models.
func (d *Detector) Close() error {
	if d.scorer == nil {
		return nil
	}
	return d.scorer.Close()
}
