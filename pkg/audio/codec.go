package audio

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/mkuran/voca/pkg/protocol"
)

const (
	opusSampleRate = protocol.SampleRate
	opusChannels   = protocol.AudioChannels
	opusBitrate    = 24000 // 24 kbps voice
	opusFrameSize  = protocol.FrameSize

	// plcMaxGap is the largest sequence gap concealed sample-by-sample;
	// larger gaps flush the decoder state instead.
	plcMaxGap = 5
)

// Encoder wraps an Opus encoder configured for the outgoing capture stream.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder creates a new Opus encoder optimized for voice.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}

	_ = enc.SetBitrate(opusBitrate)
	_ = enc.SetInBandFEC(true)
	_ = enc.SetPacketLossPerc(10)

	return &Encoder{
		enc: enc,
		buf: make([]byte, protocol.MaxOpusPacket),
	}, nil
}

// Encode encodes one 60 ms PCM frame to a single Opus packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != opusFrameSize {
		return nil, fmt.Errorf("audio: encode frame size %d, want %d", len(pcm), opusFrameSize)
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Decoder wraps an Opus decoder.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates a new Opus decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes an Opus packet to PCM.
func (d *Decoder) Decode(data []byte) ([]int16, error) {
	pcm := make([]int16, opusFrameSize)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: decode: %w", err)
	}
	return pcm[:n], nil
}

// DecodePLC synthesizes one frame of concealment audio for a lost packet.
func (d *Decoder) DecodePLC() ([]int16, error) {
	pcm := make([]int16, opusFrameSize)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return nil, fmt.Errorf("audio: decode plc: %w", err)
	}
	return pcm, nil
}

// StreamDecoder decodes the inbound TTS stream, tracking the transport
// sequence to conceal small gaps and flushing decoder state on large ones.
type StreamDecoder struct {
	dec     *Decoder
	nextSeq uint32
	started bool

	plcFrames uint64
	flushes   uint64
}

// NewStreamDecoder creates a sequence-aware decoder.
func NewStreamDecoder() (*StreamDecoder, error) {
	dec, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &StreamDecoder{dec: dec}, nil
}

// Decode decodes the packet with the given transport sequence. For a gap of
// up to plcMaxGap missing packets it prepends concealment frames; beyond that
// it flushes the decoder and resumes cold. Returned frames are in playback
// order.
func (s *StreamDecoder) Decode(seq uint32, packet []byte) ([][]int16, error) {
	var frames [][]int16

	if s.started && seq != s.nextSeq {
		gap := seq - s.nextSeq
		if gap <= plcMaxGap {
			for i := uint32(0); i < gap; i++ {
				pcm, err := s.dec.DecodePLC()
				if err != nil {
					break
				}
				s.plcFrames++
				frames = append(frames, pcm)
			}
		} else {
			if err := s.Flush(); err != nil {
				return nil, err
			}
			s.flushes++
		}
	}

	pcm, err := s.dec.Decode(packet)
	if err != nil {
		// A bad packet resets the decoder; the caller substitutes silence.
		if ferr := s.Flush(); ferr != nil {
			return nil, ferr
		}
		s.flushes++
		return nil, err
	}

	s.nextSeq = seq + 1
	s.started = true
	return append(frames, pcm), nil
}

// Flush discards decoder history, e.g. after a large loss burst or when a
// new session starts.
func (s *StreamDecoder) Flush() error {
	dec, err := NewDecoder()
	if err != nil {
		return err
	}
	s.dec = dec
	s.started = false
	return nil
}

// Stats reports how many concealment frames and state flushes occurred.
func (s *StreamDecoder) Stats() (plcFrames, flushes uint64) {
	return s.plcFrames, s.flushes
}
