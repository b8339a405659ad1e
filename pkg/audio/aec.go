package audio

import (
	"math"
)

// NoiseSuppressionLevel selects how aggressively stationary noise is reduced.
type NoiseSuppressionLevel int

const (
	NoiseSuppressionLow NoiseSuppressionLevel = iota
	NoiseSuppressionModerate
	NoiseSuppressionHigh
	NoiseSuppressionVeryHigh
)

// maxAttenuationDB returns the suppression depth for the level.
func (l NoiseSuppressionLevel) maxAttenuationDB() float64 {
	switch l {
	case NoiseSuppressionLow:
		return 6
	case NoiseSuppressionModerate:
		return 10
	case NoiseSuppressionHigh:
		return 15
	default:
		return 21
	}
}

// AGCMode selects the gain controller behaviour.
type AGCMode int

const (
	AGCAdaptiveAnalog AGCMode = iota
	AGCAdaptiveDigital
	AGCFixedDigital
)

// EchoOptions configures the echo canceller.
type EchoOptions struct {
	Enabled bool `yaml:"enabled"`
	// MobileMode shortens the adaptive filter tail for constrained devices.
	MobileMode bool `yaml:"mobile_mode"`
}

// NoiseSuppressionOptions configures the noise suppressor.
type NoiseSuppressionOptions struct {
	Enabled bool                  `yaml:"enabled"`
	Level   NoiseSuppressionLevel `yaml:"level"`
}

// HighPassOptions configures the DC-blocking high-pass filter.
type HighPassOptions struct {
	Enabled bool `yaml:"enabled"`
}

// AGCOptions configures automatic gain control.
type AGCOptions struct {
	Enabled           bool    `yaml:"enabled"`
	Mode              AGCMode `yaml:"mode"`
	TargetLevelDBFS   int     `yaml:"target_level_dbfs"`
	CompressionGainDB int     `yaml:"compression_gain_db"`
	Limiter           bool    `yaml:"limiter"`
}

// ProcessorOptions collects the full audio-processing configuration.
type ProcessorOptions struct {
	Echo             EchoOptions             `yaml:"echo"`
	NoiseSuppression NoiseSuppressionOptions `yaml:"noise_suppression"`
	HighPass         HighPassOptions         `yaml:"high_pass"`
	AGC              AGCOptions              `yaml:"agc1"`
	// StreamDelayMs is the initial estimate of the capture-to-playback
	// round trip. Updated estimates are smoothed with a first-order filter.
	StreamDelayMs int `yaml:"stream_delay_ms"`
}

// DefaultProcessorOptions returns the options the pipeline uses when the
// config file leaves the section out.
func DefaultProcessorOptions() ProcessorOptions {
	return ProcessorOptions{
		Echo:             EchoOptions{Enabled: true},
		NoiseSuppression: NoiseSuppressionOptions{Enabled: true, Level: NoiseSuppressionHigh},
		HighPass:         HighPassOptions{Enabled: true},
		AGC: AGCOptions{
			Enabled:           true,
			Mode:              AGCAdaptiveDigital,
			TargetLevelDBFS:   -3,
			CompressionGainDB: 9,
			Limiter:           true,
		},
		StreamDelayMs: 80,
	}
}

const (
	// aecTailMs is the adaptive filter tail; the reference window retained
	// by the ring must cover at least this much audio.
	aecTailMs       = 200
	aecTailMobileMs = 60

	// nlmsStep is the normalized step size of the adaptive filter.
	nlmsStep = 0.5

	// delaySmoothing is the first-order smoothing factor applied when the
	// stream delay estimate is updated mid-session.
	delaySmoothing = 0.25
)

// Processor removes far-end echo from near-end capture and applies noise
// suppression, high-pass filtering, and gain control. One instance serves one
// capture stream; it is not safe for concurrent use.
type Processor struct {
	opts ProcessorOptions
	rate int

	// NLMS state.
	taps    int
	weights []float64
	far     []float64 // far-end history, most recent last
	farCap  int

	delayMs      float64
	delaySamples int

	// High-pass biquad state (80 Hz).
	hpB [3]float64
	hpA [2]float64
	hpX [2]float64
	hpY [2]float64

	// Noise suppression state.
	noiseFloor float64
	nsGain     float64

	// AGC state.
	agcGain float64
}

// NewProcessor creates a processor for the given pipeline sample rate.
func NewProcessor(rate int, opts ProcessorOptions) *Processor {
	tailMs := aecTailMs
	if opts.Echo.MobileMode {
		tailMs = aecTailMobileMs
	}
	taps := rate * tailMs / 1000
	p := &Processor{
		opts:    opts,
		rate:    rate,
		taps:    taps,
		weights: make([]float64, taps),
		farCap:  rate, // 1 s of far-end history
		delayMs: float64(opts.StreamDelayMs),
		nsGain:  1,
		agcGain: 1,
	}
	p.delaySamples = rate * opts.StreamDelayMs / 1000
	p.initHighPass()
	return p
}

// initHighPass computes biquad coefficients for a 80 Hz Butterworth high-pass.
func (p *Processor) initHighPass() {
	w0 := 2 * math.Pi * 80 / float64(p.rate)
	q := math.Sqrt2 / 2
	alpha := math.Sin(w0) / (2 * q)
	cos := math.Cos(w0)
	a0 := 1 + alpha
	p.hpB[0] = (1 + cos) / 2 / a0
	p.hpB[1] = -(1 + cos) / a0
	p.hpB[2] = (1 + cos) / 2 / a0
	p.hpA[0] = -2 * cos / a0
	p.hpA[1] = (1 - alpha) / a0
}

// ProcessReverse feeds one far-end reference frame (the audio about to reach
// the speaker) into the canceller.
func (p *Processor) ProcessReverse(pcm []int16) {
	for _, s := range pcm {
		p.far = append(p.far, float64(s))
	}
	if excess := len(p.far) - p.farCap; excess > 0 {
		p.far = p.far[excess:]
	}
}

// UpdateStreamDelay folds a new delay estimate (milliseconds) into the
// smoothed alignment between far-end history and near-end capture.
func (p *Processor) UpdateStreamDelay(ms int) {
	p.delayMs += delaySmoothing * (float64(ms) - p.delayMs)
	p.delaySamples = int(p.delayMs * float64(p.rate) / 1000)
}

// StreamDelayMs returns the current smoothed delay estimate.
func (p *Processor) StreamDelayMs() int {
	return int(math.Round(p.delayMs))
}

// ProcessCapture runs one near-end frame through the chain. echoActive tells
// the processor whether playback is live; when false (or when no reference
// audio is buffered) the echo stage is skipped for this frame.
func (p *Processor) ProcessCapture(pcm []int16, echoActive bool) []int16 {
	out := make([]float64, len(pcm))
	for i, s := range pcm {
		out[i] = float64(s)
	}

	if p.opts.HighPass.Enabled {
		p.highPass(out)
	}
	if p.opts.Echo.Enabled && echoActive && len(p.far) >= p.taps {
		p.cancelEcho(out)
	}
	if p.opts.NoiseSuppression.Enabled {
		p.suppressNoise(out)
	}
	if p.opts.AGC.Enabled {
		p.applyGain(out)
	}

	res := make([]int16, len(out))
	for i, v := range out {
		res[i] = clampSample(v)
	}
	return res
}

// Reset clears all adaptive state between sessions.
func (p *Processor) Reset() {
	for i := range p.weights {
		p.weights[i] = 0
	}
	p.far = p.far[:0]
	p.hpX = [2]float64{}
	p.hpY = [2]float64{}
	p.noiseFloor = 0
	p.nsGain = 1
	p.agcGain = 1
}

func (p *Processor) highPass(buf []float64) {
	for i, x := range buf {
		y := p.hpB[0]*x + p.hpB[1]*p.hpX[0] + p.hpB[2]*p.hpX[1] -
			p.hpA[0]*p.hpY[0] - p.hpA[1]*p.hpY[1]
		p.hpX[1] = p.hpX[0]
		p.hpX[0] = x
		p.hpY[1] = p.hpY[0]
		p.hpY[0] = y
		buf[i] = y
	}
}

// cancelEcho runs the NLMS adaptive filter over the frame. The far-end
// history is assumed to have been fed frame-synchronously via ProcessReverse;
// delaySamples shifts the alignment to account for the device round trip.
func (p *Processor) cancelEcho(buf []float64) {
	// End of the far-end window aligned with the last capture sample.
	end := len(p.far) - p.delaySamples
	if end < p.taps {
		return
	}
	start := end - len(buf)

	const eps = 1e-6
	for i := range buf {
		j := start + i
		if j < p.taps-1 || j >= len(p.far) {
			continue
		}
		x := p.far[j+1-p.taps : j+1]

		var est, energy float64
		for k, w := range p.weights {
			v := x[len(x)-1-k]
			est += w * v
			energy += v * v
		}

		e := buf[i] - est
		buf[i] = e

		mu := nlmsStep / (energy + eps)
		for k := range p.weights {
			p.weights[k] += mu * e * x[len(x)-1-k]
		}
	}
}

// suppressNoise applies a broadband gain derived from a tracked noise floor.
// The floor follows frame energy quickly downward and very slowly upward, so
// speech onsets do not inflate it.
func (p *Processor) suppressNoise(buf []float64) {
	var sum float64
	for _, v := range buf {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(buf)))

	if p.noiseFloor == 0 {
		p.noiseFloor = rms
	} else if rms < p.noiseFloor {
		p.noiseFloor += 0.3 * (rms - p.noiseFloor)
	} else {
		p.noiseFloor += 0.005 * (rms - p.noiseFloor)
	}

	minGain := math.Pow(10, -p.opts.NoiseSuppression.Level.maxAttenuationDB()/20)
	gain := 1.0
	if rms > 0 {
		snr := rms / (p.noiseFloor + 1e-9)
		if snr < 2 {
			gain = minGain + (1-minGain)*(snr-1)
			if gain < minGain {
				gain = minGain
			}
			if gain > 1 {
				gain = 1
			}
		}
	}
	// Smooth gain changes to avoid pumping.
	p.nsGain += 0.5 * (gain - p.nsGain)
	for i := range buf {
		buf[i] *= p.nsGain
	}
}

// applyGain adapts toward the configured target level. Fixed digital mode
// applies the compression gain directly.
func (p *Processor) applyGain(buf []float64) {
	var peak float64
	for _, v := range buf {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	if p.opts.AGC.Mode == AGCFixedDigital {
		p.agcGain = math.Pow(10, float64(p.opts.AGC.CompressionGainDB)/20)
	} else if peak > 1 {
		targetPeak := math.Pow(10, float64(p.opts.AGC.TargetLevelDBFS)/20) * 32767
		desired := targetPeak / peak
		maxGain := math.Pow(10, float64(p.opts.AGC.CompressionGainDB)/20)
		if desired > maxGain {
			desired = maxGain
		}
		// Adapt down fast, up slowly.
		step := 0.1
		if desired < p.agcGain {
			step = 0.5
		}
		if p.opts.AGC.Mode == AGCAdaptiveAnalog {
			step /= 2 // analog mode mirrors a slow mic-gain servo
		}
		p.agcGain += step * (desired - p.agcGain)
	}

	for i := range buf {
		v := buf[i] * p.agcGain
		if p.opts.AGC.Limiter {
			v = limit(v)
		}
		buf[i] = v
	}
}

// limit soft-clips samples approaching full scale.
func limit(v float64) float64 {
	const knee = 30000
	a := math.Abs(v)
	if a <= knee {
		return v
	}
	over := a - knee
	compressed := knee + (32767-knee)*math.Tanh(over/(32767-knee))
	if v < 0 {
		return -compressed
	}
	return compressed
}
