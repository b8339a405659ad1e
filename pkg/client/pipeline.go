package client

import (
	"log/slog"
	"time"

	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/protocol"
	"github.com/mkuran/voca/pkg/vad"
)

// captureLoop is the data plane for the microphone: device frames are
// resampled to the pipeline rate, echo-cancelled against the reference ring,
// teed to the wake detector and VAD, encoded, and sent.
func (e *Engine) captureLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case err := <-e.opts.Capture.Fatal():
			e.postEvent(event{kind: evAudioFatal, epoch: e.currentEpoch(), err: err})
			return
		case err := <-e.opts.Playback.Fatal():
			e.postEvent(event{kind: evAudioFatal, epoch: e.currentEpoch(), err: err})
			return
		case f, ok := <-e.opts.Capture.Frames():
			if !ok {
				return
			}
			e.processCaptureFrame(f)
		}
	}
}

// processCaptureFrame converts one device frame to pipeline frames and runs
// each through the processing chain.
func (e *Engine) processCaptureFrame(f audio.Frame) {
	if d := e.opts.Capture.Drops(); d > e.lastDrops {
		e.metrics.CaptureDrops.Add(e.ctx, int64(d-e.lastDrops))
		e.lastDrops = d
	}

	e.carry16k = append(e.carry16k, e.captureResampler.Process(f.PCM)...)
	for len(e.carry16k) >= protocol.FrameSize {
		chunk := make([]int16, protocol.FrameSize)
		copy(chunk, e.carry16k[:protocol.FrameSize])
		e.carry16k = e.carry16k[protocol.FrameSize:]
		e.processChunk(chunk, f.Timestamp)
	}
}

// processChunk runs one 60 ms pipeline frame through wake detection, echo
// cancellation, VAD, and (when a turn is open) the encoder.
func (e *Engine) processChunk(chunk []int16, captureTS int64) {
	state := e.State()

	// The wake detector listens to the raw (pre-AEC) stream while idle, and
	// during playback when barge-in is enabled.
	if e.opts.Wake != nil && (state == StateIdle || (e.opts.WakeBargeIn && state == StateSpeaking)) {
		if err := e.opts.Wake.Process(chunk); err != nil {
			slog.Debug("wake detect failed, dropping frame", "err", err)
		}
	}

	processed := chunk
	if e.opts.Processor != nil {
		// Align the far-end reference with this frame: the closest decoded
		// frame to capture time minus the smoothed stream delay.
		target := captureTS - int64(e.opts.Processor.StreamDelayMs())*int64(time.Millisecond)
		ref, haveRef := e.ring.TakeAligned(target)
		if haveRef {
			e.opts.Processor.ProcessReverse(ref.PCM)
		}
		processed = e.opts.Processor.ProcessCapture(chunk, haveRef)
	}

	if e.opts.VAD != nil {
		switch e.opts.VAD.Process(processed).Event {
		case vad.EventSpeechStart:
			e.postEvent(event{kind: evSpeechStart, epoch: e.currentEpoch()})
		case vad.EventEndOfUtterance:
			e.postEvent(event{kind: evEndOfUtterance, epoch: e.currentEpoch()})
		}
	}

	if !e.shouldSend(state) {
		return
	}

	start := time.Now()
	packet, err := e.opts.Encoder.Encode(processed)
	if err != nil {
		slog.Debug("encode failed, dropping frame", "err", err)
		return
	}
	e.metrics.EncodeDuration.Record(e.ctx, time.Since(start).Seconds())
	e.sendAudio(packet)
}

// shouldSend reports whether capture frames go to the server right now.
func (e *Engine) shouldSend(state State) bool {
	if !e.isStreaming() {
		return false
	}
	switch state {
	case StateListening:
		return true
	case StateSpeaking:
		// REALTIME keeps the uplink open during playback for barge-in.
		return e.opts.Mode == protocol.ModeRealtime
	default:
		return false
	}
}

// sendAudio ships one encoded packet. MQTT carries an explicit sequence
// prefix; websocket delivery is order-preserving.
func (e *Engine) sendAudio(packet []byte) {
	e.mu.Lock()
	tr := e.tr
	seq := e.txSeq
	e.txSeq++
	e.mu.Unlock()
	if tr == nil {
		return
	}

	payload := packet
	if e.opts.Protocol == "mqtt" {
		env := protocol.AudioEnvelope{Seq: seq, Payload: packet}
		payload = env.MarshalSeq()
	}
	if err := tr.SendBinary(e.ctx, payload); err != nil {
		slog.Debug("send audio failed", "err", err)
	}
}

// sendEndOfStream marks the end of an utterance with an empty frame.
func (e *Engine) sendEndOfStream() {
	e.sendAudio(nil)
}

// handleInboundAudio is the data plane for TTS: decode (with concealment),
// buffer the pre-mix frame as the echo reference, resample to the device
// rate, and play. Runs on the recv loop; Playback.Write blocking is the
// intended backpressure.
func (e *Engine) handleInboundAudio(epoch int, payload []byte) {
	e.mu.Lock()
	if epoch != e.epoch || e.decoder == nil {
		// Packets from a stale session are rejected.
		e.mu.Unlock()
		return
	}
	dec := e.decoder
	var seq uint32
	if e.opts.Protocol == "mqtt" {
		env, err := protocol.UnmarshalSeq(payload)
		if err != nil {
			e.mu.Unlock()
			slog.Debug("dropping malformed audio frame", "err", err)
			return
		}
		seq = env.Seq
		payload = env.Payload
	} else {
		seq = e.rxSeq
		e.rxSeq++
	}
	e.mu.Unlock()

	if len(payload) == 0 {
		return
	}

	if e.State() == StateListening {
		e.postEvent(event{kind: evFirstAudio, epoch: epoch})
	}

	e.decMu.Lock()
	frames, err := dec.Decode(seq, payload)
	e.decMu.Unlock()
	if err != nil {
		slog.Debug("decode failed, packet dropped", "err", err)
		e.metrics.DecodeFailures.Add(e.ctx, 1)
		e.playFrame(make([]int16, protocol.FrameSize))
		return
	}
	for _, pcm := range frames {
		e.playFrame(pcm)
	}
}

// playFrame buffers the decoded 16 kHz frame as the AEC reference and
// writes device-rate frames to the output queue.
func (e *Engine) playFrame(pcm []int16) {
	presentation := time.Now().Add(e.opts.Playback.QueuedDuration()).UnixNano()
	ref := audio.ReferenceFrame{
		Frame: audio.Frame{
			SampleRate: protocol.SampleRate,
			Channels:   protocol.AudioChannels,
			PCM:        pcm,
			Timestamp:  time.Now().UnixNano(),
		},
		Presentation: presentation,
	}
	e.ring.Push(ref)

	deviceFrame := e.opts.DeviceRate * protocol.FrameDuration / 1000
	e.playCarry = append(e.playCarry, e.playbackResampler.Process(pcm)...)
	for len(e.playCarry) >= deviceFrame {
		out := make([]int16, deviceFrame)
		copy(out, e.playCarry[:deviceFrame])
		e.playCarry = e.playCarry[deviceFrame:]
		if err := e.opts.Playback.Write(out); err != nil {
			slog.Debug("playback write failed", "err", err)
			return
		}
	}
}
