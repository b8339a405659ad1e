package vad

import (
	"fmt"
	"log/slog"
	"time"
)

// Event marks a detector state change.
type Event int

const (
	// EventNone means no transition occurred on this frame.
	EventNone Event = iota
	// EventSpeechStart fires when the detector enters SPEECH.
	EventSpeechStart
	// EventEndOfUtterance fires when the detector leaves SPEECH after the
	// configured silence timeout.
	EventEndOfUtterance
)

// Decision is the per-frame detector output.
type Decision struct {
	// IsSpeech is the hysteresis-filtered speech state.
	IsSpeech bool
	// Probability is the smoothed speech probability.
	Probability float64
	// Event reports an enter/leave transition, if any.
	Event Event
}

// Options tunes the hysteresis thresholds.
type Options struct {
	// Threshold is the probability above which a frame counts as speech.
	Threshold float64
	// EnterDuration is how long positives must persist before entering
	// SPEECH.
	EnterDuration time.Duration
	// SilenceTimeout is how long negatives must persist before leaving
	// SPEECH. Configurable per listening mode.
	SilenceTimeout time.Duration
	// FrameDuration is the pipeline frame cadence.
	FrameDuration time.Duration
}

// DefaultOptions returns the standard hysteresis configuration.
func DefaultOptions() Options {
	return Options{
		Threshold:      0.5,
		EnterDuration:  200 * time.Millisecond,
		SilenceTimeout: 800 * time.Millisecond,
		FrameDuration:  60 * time.Millisecond,
	}
}

// probSmoothing is the EMA factor applied to raw classifier scores.
const probSmoothing = 0.4

// Detector applies hysteresis over a frame classifier: SPEECH is entered
// after EnterDuration of consecutive positives and left after SilenceTimeout
// of consecutive negatives.
type Detector struct {
	classifier Classifier
	opts       Options

	enterFrames   int
	silenceFrames int

	speech       bool
	posRun       int
	negRun       int
	smoothedProb float64
}

// NewDetector wraps a classifier with hysteresis.
func NewDetector(classifier Classifier, opts Options) (*Detector, error) {
	if classifier == nil {
		return nil, fmt.Errorf("vad: nil classifier")
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultOptions().Threshold
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = DefaultOptions().FrameDuration
	}
	if opts.EnterDuration <= 0 {
		opts.EnterDuration = DefaultOptions().EnterDuration
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = DefaultOptions().SilenceTimeout
	}

	d := &Detector{
		classifier: classifier,
		opts:       opts,
	}
	d.enterFrames = frames(opts.EnterDuration, opts.FrameDuration)
	d.silenceFrames = frames(opts.SilenceTimeout, opts.FrameDuration)
	return d, nil
}

// frames converts a duration to a frame count, rounding up so the threshold
// is never crossed early.
func frames(d, frame time.Duration) int {
	n := int((d + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// SetSilenceTimeout adjusts the exit hysteresis, e.g. when the listening
// mode changes.
func (d *Detector) SetSilenceTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.opts.SilenceTimeout = timeout
	d.silenceFrames = frames(timeout, d.opts.FrameDuration)
}

// Process classifies one frame and advances the hysteresis state. A frame
// that fails classification is treated as non-speech and logged at debug;
// one bad frame must not abort the pipeline.
func (d *Detector) Process(pcm []int16) Decision {
	prob, err := d.classifier.Probability(pcm)
	if err != nil {
		slog.Debug("vad classify failed, dropping frame", "err", err)
		prob = 0
	}
	d.smoothedProb += probSmoothing * (prob - d.smoothedProb)

	positive := prob >= d.opts.Threshold
	if positive {
		d.posRun++
		d.negRun = 0
	} else {
		d.negRun++
		d.posRun = 0
	}

	event := EventNone
	if !d.speech && d.posRun >= d.enterFrames {
		d.speech = true
		event = EventSpeechStart
	} else if d.speech && d.negRun >= d.silenceFrames {
		d.speech = false
		event = EventEndOfUtterance
	}

	return Decision{
		IsSpeech:    d.speech,
		Probability: d.smoothedProb,
		Event:       event,
	}
}

// IsSpeech returns the current hysteresis state without processing a frame.
func (d *Detector) IsSpeech() bool {
	return d.speech
}

// Reset clears detector and classifier state between sessions.
func (d *Detector) Reset() {
	d.speech = false
	d.posRun = 0
	d.negRun = 0
	d.smoothedProb = 0
	d.classifier.Reset()
}
