// Package audio provides duplex device I/O, Opus coding, resampling, and
// echo cancellation for the capture and playback pipelines.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

var (
	// ErrDeviceUnavailable means a stream could not be opened at startup.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
	// ErrStreamLost means a mid-session stream failed and could not be rebuilt.
	ErrStreamLost = errors.New("audio: stream lost")
)

const (
	// rebuildAttempts bounds mid-session stream recovery.
	rebuildAttempts = 3
	rebuildBackoff  = 500 * time.Millisecond

	// captureQueueFrames bounds the capture queue (~480 ms at 60 ms frames).
	captureQueueFrames = 8
)

// CaptureStream reads 60 ms PCM blocks from an input device into a bounded
// queue. When the queue is full the oldest frame is dropped, favoring
// freshness over completeness.
type CaptureStream struct {
	sampleRate float64
	frameSize  int
	deviceName string

	stream *portaudio.Stream
	buffer []int16

	frames chan Frame
	fatal  chan error

	seq      uint64
	gap      bool
	drops    atomic.Uint64
	rebuilds atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewCaptureStream creates a capture stream at the device sample rate with a
// 60 ms block size. deviceName may be empty to use the system default.
func NewCaptureStream(sampleRate float64, frameSize int, deviceName string) *CaptureStream {
	return &CaptureStream{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		deviceName: deviceName,
		buffer:     make([]int16, frameSize),
		frames:     make(chan Frame, captureQueueFrames),
		fatal:      make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Start opens the input stream and begins delivering frames.
func (c *CaptureStream) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := c.open(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	c.running = true
	go c.readLoop()
	return nil
}

func (c *CaptureStream) open() error {
	WaitPreInit()

	var dev *portaudio.DeviceInfo
	if c.deviceName != "" {
		dev = FindDevice(c.deviceName)
	}
	if dev == nil {
		var err error
		dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return fmt.Errorf("no input device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = c.sampleRate
	params.FramesPerBuffer = c.frameSize

	stream, err := portaudio.OpenStream(params, c.buffer)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start capture: %w", err)
	}

	c.stream = stream
	slog.Debug("audio capture started", "device", dev.Name, "rate", c.sampleRate)
	return nil
}

func (c *CaptureStream) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			if !c.rebuild(err) {
				c.fail(fmt.Errorf("%w: %v", ErrStreamLost, err))
				return
			}
			continue
		}

		pcm := make([]int16, len(c.buffer))
		copy(pcm, c.buffer)
		f := Frame{
			Seq:        c.seq,
			SampleRate: int(c.sampleRate),
			Channels:   1,
			PCM:        pcm,
			Timestamp:  time.Now().UnixNano(),
			Gap:        c.gap,
		}
		c.seq++
		c.gap = false
		c.push(f)
	}
}

// push enqueues a frame, dropping the oldest when the queue is full.
func (c *CaptureStream) push(f Frame) {
	select {
	case c.frames <- f:
		return
	default:
	}
	select {
	case <-c.frames:
		c.drops.Add(1)
		c.gap = true
	default:
	}
	select {
	case c.frames <- f:
	default:
		c.drops.Add(1)
	}
}

// rebuild tears down and reopens the stream after a mid-session read error.
func (c *CaptureStream) rebuild(cause error) bool {
	slog.Warn("capture stream error, rebuilding", "err", cause)
	_ = c.stream.Stop()
	_ = c.stream.Close()
	c.gap = true

	for attempt := 1; attempt <= rebuildAttempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(rebuildBackoff):
		}
		if err := c.open(); err != nil {
			slog.Warn("capture rebuild failed", "attempt", attempt, "err", err)
			continue
		}
		c.rebuilds.Add(1)
		return true
	}
	return false
}

func (c *CaptureStream) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
	close(c.frames)
}

// Frames returns the capture queue. The channel closes on fatal error.
func (c *CaptureStream) Frames() <-chan Frame {
	return c.frames
}

// Fatal reports an unrecoverable stream failure, if any occurred.
func (c *CaptureStream) Fatal() <-chan error {
	return c.fatal
}

// Drops returns the count of frames discarded under backpressure.
func (c *CaptureStream) Drops() uint64 {
	return c.drops.Load()
}

// Stop stops capture and releases the stream.
func (c *CaptureStream) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	close(c.done)

	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
	}
	return nil
}
