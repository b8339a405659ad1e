package audio

import (
	"fmt"
	"math"
)

// supportedRates are the device rates the resampler converts to and from the
// 16 kHz pipeline rate.
var supportedRates = []int{8000, 16000, 22050, 24000, 32000, 44100, 48000}

const (
	// tapsPerPhase is the prototype filter length per polyphase branch.
	// 24 taps at 48 kHz adds 0.25 ms of latency, well under the 5 ms budget.
	tapsPerPhase = 24

	// cutoffScale backs the low-pass cutoff off Nyquist to leave transition
	// band for the windowed-sinc prototype.
	cutoffScale = 0.45
)

// Resampler converts PCM between a device rate and the pipeline rate using a
// polyphase windowed-sinc filter. It is stateful across consecutive frames
// (filter delay line and phase carry) and must be Reset between sessions.
type Resampler struct {
	from, to int
	upL      int // interpolation factor
	downM    int // decimation factor

	phases  [][]float64 // per-phase filter branches, upL x tapsPerPhase
	history []int16     // last tapsPerPhase-1 input samples
	phase   int         // phase accumulator carry (0..upL*downM)
}

// NewResampler creates a converter from one supported rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	if !rateSupported(from) || !rateSupported(to) {
		return nil, fmt.Errorf("audio: unsupported resample %d -> %d", from, to)
	}
	g := gcd(from, to)
	r := &Resampler{
		from:    from,
		to:      to,
		upL:     to / g,
		downM:   from / g,
		history: make([]int16, tapsPerPhase-1),
	}
	r.phases = buildPolyphase(r.upL, r.downM)
	return r, nil
}

// Process converts one frame. Output length is floor(len(in)*to/from) with
// the fractional residual carried into the next call, so frame monotonicity
// is preserved over a stream.
func (r *Resampler) Process(in []int16) []int16 {
	if r.from == r.to {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	// Work on history + new input so the filter sees a continuous stream.
	buf := make([]int16, len(r.history)+len(in))
	copy(buf, r.history)
	copy(buf[len(r.history):], in)

	out := make([]int16, 0, len(in)*r.upL/r.downM+1)
	step := r.downM
	// t indexes the virtual upsampled stream in units of 1 input sample == upL.
	t := r.phase
	limit := (len(buf) - (tapsPerPhase - 1)) * r.upL
	for ; t < limit; t += step {
		idx := t / r.upL
		phase := t % r.upL
		h := r.phases[phase]
		var acc float64
		for k := 0; k < tapsPerPhase; k++ {
			acc += h[k] * float64(buf[idx+tapsPerPhase-1-k])
		}
		out = append(out, clampSample(acc))
	}
	r.phase = t - limit

	// Keep the last tapsPerPhase-1 samples for the next frame.
	copy(r.history, buf[len(buf)-(tapsPerPhase-1):])
	return out
}

// Reset clears the delay line and phase carry between sessions.
func (r *Resampler) Reset() {
	for i := range r.history {
		r.history[i] = 0
	}
	r.phase = 0
}

// Rates returns the configured conversion pair.
func (r *Resampler) Rates() (from, to int) {
	return r.from, r.to
}

func rateSupported(rate int) bool {
	for _, r := range supportedRates {
		if r == rate {
			return true
		}
	}
	return false
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// buildPolyphase generates the upL polyphase branches of a Hamming-windowed
// sinc low-pass whose cutoff sits below the narrower of the two Nyquist
// frequencies.
func buildPolyphase(upL, downM int) [][]float64 {
	n := upL * tapsPerPhase
	cutoff := cutoffScale / float64(maxInt(upL, downM))
	center := float64(n-1) / 2

	proto := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		x := float64(i) - center
		var s float64
		if x == 0 {
			s = 2 * math.Pi * cutoff
		} else {
			s = math.Sin(2*math.Pi*cutoff*x) / x
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		proto[i] = s * w
		sum += proto[i]
	}
	// Normalize for unity DC gain, then scale by upL to restore level
	// after zero-stuffing.
	scale := float64(upL) / sum
	for i := range proto {
		proto[i] *= scale
	}

	phases := make([][]float64, upL)
	for p := 0; p < upL; p++ {
		phases[p] = make([]float64, tapsPerPhase)
		for k := 0; k < tapsPerPhase; k++ {
			idx := k*upL + p
			if idx < n {
				phases[p][k] = proto[idx]
			}
		}
	}
	return phases
}

func clampSample(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
