package vad

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	sileroSampleRate = 16000
	// sileroChunk is the window size the Silero model scores at 16 kHz.
	sileroChunk = 512
	// sileroStateDim is the recurrent state shape [2, 1, 128].
	sileroStateDim = 128
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime loads the ONNX Runtime shared library once per process.
func initRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		// Another package (e.g. the wake detector) may have brought the
		// runtime up already.
		if ort.IsInitialized() {
			return
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// SileroClassifier scores frames with the Silero VAD ONNX model. Pipeline
// frames (960 samples) are scored in 512-sample windows through an internal
// carry buffer; the frame probability is the maximum window score.
type SileroClassifier struct {
	session *ort.AdvancedSession

	input  *ort.Tensor[float32]
	state  *ort.Tensor[float32]
	sr     *ort.Tensor[int64]
	output *ort.Tensor[float32]
	stateN *ort.Tensor[float32]

	carry []float32

	mu sync.Mutex
}

// NewSileroClassifier loads the model at modelPath. onnxLib is the path to
// the ONNX Runtime shared library (empty to use the process default).
func NewSileroClassifier(modelPath, onnxLib string) (*SileroClassifier, error) {
	if err := initRuntime(onnxLib); err != nil {
		return nil, fmt.Errorf("vad: onnx runtime init: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, sileroChunk))
	if err != nil {
		return nil, fmt.Errorf("vad: input tensor: %w", err)
	}
	state, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateDim))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("vad: state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate})
	if err != nil {
		input.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("vad: sr tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("vad: output tensor: %w", err)
	}
	stateN, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateDim))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("vad: state output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{input, state, sr},
		[]ort.Value{output, stateN},
		nil,
	)
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		stateN.Destroy()
		return nil, fmt.Errorf("vad: load model %s: %w", modelPath, err)
	}

	return &SileroClassifier{
		session: session,
		input:   input,
		state:   state,
		sr:      sr,
		output:  output,
		stateN:  stateN,
	}, nil
}

// Probability scores the frame; see SileroClassifier doc for windowing.
func (c *SileroClassifier) Probability(pcm []int16) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range pcm {
		c.carry = append(c.carry, float32(s)/32768)
	}

	var best float64
	for len(c.carry) >= sileroChunk {
		copy(c.input.GetData(), c.carry[:sileroChunk])
		c.carry = c.carry[sileroChunk:]

		if err := c.session.Run(); err != nil {
			return 0, fmt.Errorf("vad: silero run: %w", err)
		}

		// Feed the recurrent state back for the next window.
		copy(c.state.GetData(), c.stateN.GetData())

		if p := float64(c.output.GetData()[0]); p > best {
			best = p
		}
	}
	return best, nil
}

// Reset zeroes the recurrent state and carry buffer between sessions.
func (c *SileroClassifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.state.GetData()
	for i := range data {
		data[i] = 0
	}
	c.carry = c.carry[:0]
}

// Close releases the ONNX session and tensors.
func (c *SileroClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	for _, t := range []interface{ Destroy() error }{c.input, c.state, c.sr, c.output, c.stateN} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	return nil
}
