package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// playbackQueueFrames bounds the playback queue. The producer (the decoder)
// blocks when it is full: dropping TTS audio is audibly worse than buffering.
const playbackQueueFrames = 8

// PlaybackStream writes 60 ms PCM blocks to an output device. On underrun it
// emits one frame of silence and counts it.
type PlaybackStream struct {
	sampleRate float64
	frameSize  int
	deviceName string

	stream *portaudio.Stream
	buffer []int16

	queue chan []int16
	fatal chan error

	underruns atomic.Uint64
	rebuilds  atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewPlaybackStream creates a playback stream at the device sample rate with
// a 60 ms block size. deviceName may be empty to use the system default.
func NewPlaybackStream(sampleRate float64, frameSize int, deviceName string) *PlaybackStream {
	return &PlaybackStream{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		deviceName: deviceName,
		buffer:     make([]int16, frameSize),
		queue:      make(chan []int16, playbackQueueFrames),
		fatal:      make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Start opens the output stream and begins draining the queue.
func (p *PlaybackStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	if err := p.open(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	p.running = true
	go p.writeLoop()
	return nil
}

func (p *PlaybackStream) open() error {
	WaitPreInit()

	var dev *portaudio.DeviceInfo
	if p.deviceName != "" {
		dev = FindDevice(p.deviceName)
	}
	if dev == nil {
		var err error
		dev, err = portaudio.DefaultOutputDevice()
		if err != nil {
			return fmt.Errorf("no output device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.Input.Device = nil
	params.Input.Channels = 0
	params.SampleRate = p.sampleRate
	params.FramesPerBuffer = p.frameSize

	stream, err := portaudio.OpenStream(params, p.buffer)
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start playback: %w", err)
	}

	p.stream = stream
	slog.Debug("audio playback started", "device", dev.Name, "rate", p.sampleRate)
	return nil
}

func (p *PlaybackStream) writeLoop() {
	silence := make([]int16, p.frameSize)
	for {
		var frame []int16
		select {
		case <-p.done:
			return
		case frame = <-p.queue:
		default:
			frame = silence
			p.underruns.Add(1)
		}

		copy(p.buffer, frame)
		if err := p.stream.Write(); err != nil {
			if !p.rebuild(err) {
				p.fail(fmt.Errorf("%w: %v", ErrStreamLost, err))
				return
			}
		}
	}
}

// Write enqueues one frame for playback, blocking when the queue is full.
func (p *PlaybackStream) Write(frame []int16) error {
	if len(frame) != p.frameSize {
		return fmt.Errorf("audio: frame size mismatch: got %d, want %d", len(frame), p.frameSize)
	}
	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return ErrStreamLost
	}
}

// Drain discards all queued frames, used when playback is aborted.
func (p *PlaybackStream) Drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// QueuedDuration returns how much buffered audio is waiting to play.
func (p *PlaybackStream) QueuedDuration() time.Duration {
	frames := len(p.queue)
	return time.Duration(frames) * time.Duration(float64(p.frameSize)/p.sampleRate*float64(time.Second))
}

func (p *PlaybackStream) rebuild(cause error) bool {
	slog.Warn("playback stream error, rebuilding", "err", cause)
	_ = p.stream.Stop()
	_ = p.stream.Close()

	for attempt := 1; attempt <= rebuildAttempts; attempt++ {
		select {
		case <-p.done:
			return false
		case <-time.After(rebuildBackoff):
		}
		if err := p.open(); err != nil {
			slog.Warn("playback rebuild failed", "attempt", attempt, "err", err)
			continue
		}
		p.rebuilds.Add(1)
		return true
	}
	return false
}

func (p *PlaybackStream) fail(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

// Fatal reports an unrecoverable stream failure, if any occurred.
func (p *PlaybackStream) Fatal() <-chan error {
	return p.fatal
}

// Underruns returns the count of silence frames emitted on queue underrun.
func (p *PlaybackStream) Underruns() uint64 {
	return p.underruns.Load()
}

// Stop stops playback and releases the stream.
func (p *PlaybackStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	close(p.done)

	if p.stream != nil {
		_ = p.stream.Stop()
		_ = p.stream.Close()
	}
	return nil
}

// MixFrames mixes multiple PCM frames into one by summing with clipping
// prevention.
func MixFrames(frames [][]int16, frameSize int) []int16 {
	if len(frames) == 0 {
		return make([]int16, frameSize)
	}
	if len(frames) == 1 {
		return frames[0]
	}

	mixed := make([]int16, frameSize)
	for i := 0; i < frameSize; i++ {
		var sum int32
		for _, frame := range frames {
			if i < len(frame) {
				sum += int32(frame[i])
			}
		}
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		mixed[i] = int16(sum)
	}
	return mixed
}
