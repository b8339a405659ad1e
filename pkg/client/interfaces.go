package client

import (
	"context"
	"time"

	"github.com/mkuran/voca/pkg/audio"
)

// Capture abstracts the input device stream so tests can feed synthetic
// frames. Satisfied by *audio.CaptureStream.
type Capture interface {
	Start() error
	Frames() <-chan audio.Frame
	Fatal() <-chan error
	Drops() uint64
	Stop() error
}

// Playback abstracts the output device stream. Satisfied by
// *audio.PlaybackStream.
type Playback interface {
	Start() error
	Write(frame []int16) error
	Drain()
	QueuedDuration() time.Duration
	Fatal() <-chan error
	Stop() error
}

// FrameEncoder encodes one 60 ms pipeline frame to an Opus packet.
// Satisfied by *audio.Encoder.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// PacketDecoder decodes the sequenced inbound stream with loss concealment.
// Satisfied by *audio.StreamDecoder.
type PacketDecoder interface {
	Decode(seq uint32, packet []byte) ([][]int16, error)
	Flush() error
}

// TokenSource supplies the session token consumed on connect. Satisfied by
// *identity.Store.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
