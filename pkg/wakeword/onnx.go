package wakeword

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// openWakeWord pipeline geometry.
const (
	nMelFrames   = 5  // mel frames produced per 1280-sample chunk
	melBins      = 32 // melspectrogram bands
	melWindow    = 76 // mel frames consumed per embedding
	melStep      = 8  // mel frames between embedding windows
	embeddingDim = 96
	nEmbedFrames = 16 // embedding frames consumed per keyword score
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		// The VAD classifier may have brought the runtime up already.
		if ort.IsInitialized() {
			return
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ModelPaths names the ONNX artifacts for the pipeline. Keywords maps the
// keyword string (as reported in detections) to its model file.
type ModelPaths struct {
	Melspectrogram string
	Embedding      string
	Keywords       map[string]string
	OnnxLib        string
}

// keywordSession is one loaded keyword model.
type keywordSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// OnnxScorer runs the three-stage openWakeWord pipeline.
type OnnxScorer struct {
	melSession *ort.AdvancedSession
	melIn      *ort.Tensor[float32]
	melOut     *ort.Tensor[float32]

	embSession *ort.AdvancedSession
	embIn      *ort.Tensor[float32]
	embOut     *ort.Tensor[float32]

	keywords map[string]*keywordSession

	melBuf   [][]float32 // sliding window of mel frames
	melSince int         // mel frames accumulated since last embedding
	embBuf   [][]float32 // sliding window of embedding frames
}

// NewOnnxScorer loads the shared melspectrogram and embedding models plus
// one model per keyword.
func NewOnnxScorer(paths ModelPaths) (*OnnxScorer, error) {
	if len(paths.Keywords) == 0 {
		return nil, fmt.Errorf("wakeword: no keyword models configured")
	}
	if err := initRuntime(paths.OnnxLib); err != nil {
		return nil, fmt.Errorf("wakeword: onnx runtime init: %w", err)
	}

	s := &OnnxScorer{keywords: make(map[string]*keywordSession)}

	var err error
	if s.melIn, err = ort.NewEmptyTensor[float32](ort.NewShape(1, chunkSamples)); err != nil {
		return nil, err
	}
	if s.melOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1, nMelFrames, melBins)); err != nil {
		s.Close()
		return nil, err
	}
	if s.melSession, err = newSession(paths.Melspectrogram, s.melIn, s.melOut); err != nil {
		s.Close()
		return nil, fmt.Errorf("wakeword: melspectrogram model: %w", err)
	}

	if s.embIn, err = ort.NewEmptyTensor[float32](ort.NewShape(1, melWindow, melBins, 1)); err != nil {
		s.Close()
		return nil, err
	}
	if s.embOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, embeddingDim)); err != nil {
		s.Close()
		return nil, err
	}
	if s.embSession, err = newSession(paths.Embedding, s.embIn, s.embOut); err != nil {
		s.Close()
		return nil, fmt.Errorf("wakeword: embedding model: %w", err)
	}

	for kw, path := range paths.Keywords {
		ks := &keywordSession{}
		if ks.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, nEmbedFrames, embeddingDim)); err != nil {
			s.Close()
			return nil, err
		}
		if ks.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
			ks.input.Destroy()
			s.Close()
			return nil, err
		}
		if ks.session, err = newSession(path, ks.input, ks.output); err != nil {
			ks.input.Destroy()
			ks.output.Destroy()
			s.Close()
			return nil, fmt.Errorf("wakeword: keyword model %s: %w", kw, err)
		}
		s.keywords[kw] = ks
	}
	return s, nil
}

func newSession(path string, in, out ort.Value) (*ort.AdvancedSession, error) {
	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, err
	}
	return ort.NewAdvancedSession(path,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
}

// Score pushes one 80 ms chunk through the pipeline. Until the sliding
// windows fill, all scores are zero.
func (s *OnnxScorer) Score(chunk []float32) (map[string]float64, error) {
	copy(s.melIn.GetData(), chunk)
	if err := s.melSession.Run(); err != nil {
		return nil, fmt.Errorf("melspectrogram: %w", err)
	}

	mel := s.melOut.GetData()
	for f := 0; f < nMelFrames; f++ {
		frame := make([]float32, melBins)
		copy(frame, mel[f*melBins:(f+1)*melBins])
		s.melBuf = append(s.melBuf, frame)
	}
	if len(s.melBuf) > melWindow {
		s.melBuf = s.melBuf[len(s.melBuf)-melWindow:]
	}
	s.melSince += nMelFrames

	scores := make(map[string]float64, len(s.keywords))
	for kw := range s.keywords {
		scores[kw] = 0
	}

	if len(s.melBuf) < melWindow || s.melSince < melStep {
		return scores, nil
	}
	s.melSince = 0

	// Embedding over the current mel window.
	embData := s.embIn.GetData()
	for f, frame := range s.melBuf {
		copy(embData[f*melBins:(f+1)*melBins], frame)
	}
	if err := s.embSession.Run(); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	emb := make([]float32, embeddingDim)
	copy(emb, s.embOut.GetData())
	s.embBuf = append(s.embBuf, emb)
	if len(s.embBuf) > nEmbedFrames {
		s.embBuf = s.embBuf[len(s.embBuf)-nEmbedFrames:]
	}
	if len(s.embBuf) < nEmbedFrames {
		return scores, nil
	}

	// Score every keyword over the embedding window.
	for kw, ks := range s.keywords {
		data := ks.input.GetData()
		for f, e := range s.embBuf {
			copy(data[f*embeddingDim:(f+1)*embeddingDim], e)
		}
		if err := ks.session.Run(); err != nil {
			return nil, fmt.Errorf("keyword %s: %w", kw, err)
		}
		scores[kw] = float64(ks.output.GetData()[0])
	}
	return scores, nil
}

// Reset flushes the sliding windows.
func (s *OnnxScorer) Reset() {
	s.melBuf = nil
	s.embBuf = nil
	s.melSince = 0
}

// Close releases all sessions and tensors.
func (s *OnnxScorer) Close() error {
	if s.melSession != nil {
		s.melSession.Destroy()
	}
	if s.embSession != nil {
		s.embSession.Destroy()
	}
	if s.melIn != nil {
		s.melIn.Destroy()
	}
	if s.melOut != nil {
		s.melOut.Destroy()
	}
	if s.embIn != nil {
		s.embIn.Destroy()
	}
	if s.embOut != nil {
		s.embOut.Destroy()
	}
	for _, ks := range s.keywords {
		if ks.session != nil {
			ks.session.Destroy()
		}
		if ks.input != nil {
			ks.input.Destroy()
		}
		if ks.output != nil {
			ks.output.Destroy()
		}
	}
	return nil
}
