package audio

// Frame is one block of 16-bit PCM audio flowing through the pipeline.
type Frame struct {
	// Seq increases strictly per stream. A gap in Seq marks dropped frames.
	Seq uint64
	// SampleRate in Hz.
	SampleRate int
	// Channels is the channel count (1 for the whole pipeline).
	Channels int
	// PCM holds SampleRate*duration*Channels samples.
	PCM []int16
	// Timestamp is the capture (or decode) time in nanoseconds.
	Timestamp int64
	// Gap marks the first frame after a rebuild or drop, so downstream
	// stages know continuity was lost without breaking monotonicity.
	Gap bool
}

// ReferenceFrame is a decoded playback frame kept as the far-end reference
// for echo cancellation.
type ReferenceFrame struct {
	Frame
	// Presentation is the estimated time in nanoseconds at which the frame
	// reaches the speaker.
	Presentation int64
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() Frame {
	pcm := make([]int16, len(f.PCM))
	copy(pcm, f.PCM)
	c := *f
	c.PCM = pcm
	return c
}

// Duration returns the frame length in nanoseconds.
func (f *Frame) Duration() int64 {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	return int64(len(f.PCM)/f.Channels) * 1e9 / int64(f.SampleRate)
}
