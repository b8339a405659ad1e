package config

import (
	"strings"
	"testing"
	"time"

	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/protocol"
)

const validYAML = `
logging:
  level: debug
transport:
  protocol: websocket
  websocket:
    url: wss://ai.example.com/v1
processing:
  echo:
    enabled: true
    mobile_mode: false
  noise_suppression:
    enabled: true
    level: VeryHigh
  agc1:
    enabled: true
    mode: FixedDigital
    compression_gain_db: 9
  stream_delay_ms: 120
vad:
  energy_threshold: 400
  silence_timeout_ms:
    auto: 800
    realtime: 500
wake_word:
  threshold: 0.7
  keywords:
    hey_voca: models/hey_voca.onnx
  melspectrogram_model: models/melspectrogram.onnx
  embedding_model: models/embedding.onnx
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Transport.WebSocket.URL != "wss://ai.example.com/v1" {
		t.Errorf("WebSocket.URL = %q", cfg.Transport.WebSocket.URL)
	}
	if cfg.Processing.NoiseSuppression.Level != audio.NoiseSuppressionVeryHigh {
		t.Errorf("NS level = %v, want VeryHigh", cfg.Processing.NoiseSuppression.Level)
	}
	if cfg.Processing.AGC.Mode != audio.AGCFixedDigital {
		t.Errorf("AGC mode = %v, want FixedDigital", cfg.Processing.AGC.Mode)
	}
	if cfg.Processing.StreamDelayMs != 120 {
		t.Errorf("StreamDelayMs = %d, want 120", cfg.Processing.StreamDelayMs)
	}
	if got := cfg.VAD.SilenceTimeout(protocol.ModeRealtime); got != 500*time.Millisecond {
		t.Errorf("realtime silence timeout = %v, want 500ms", got)
	}
	if got := cfg.VAD.SilenceTimeout(protocol.ModeManual); got != 800*time.Millisecond {
		t.Errorf("default silence timeout = %v, want 800ms", got)
	}
	if cfg.WakeWord.Keywords["hey_voca"] == "" {
		t.Error("keyword model path lost")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing websocket url",
			"transport:\n  protocol: websocket\n",
			"websocket.url",
		},
		{
			"unknown protocol",
			"transport:\n  protocol: carrier-pigeon\n",
			"unknown transport protocol",
		},
		{
			"mqtt without topics",
			"transport:\n  protocol: mqtt\n  mqtt:\n    endpoint: ssl://b:8883\n",
			"publish topics",
		},
		{
			"bad silence timeout mode",
			"transport:\n  protocol: websocket\n  websocket:\n    url: wss://x\nvad:\n  silence_timeout_ms:\n    warp: 800\n",
			"unknown mode",
		},
		{
			"wake word without shared models",
			"transport:\n  protocol: websocket\n  websocket:\n    url: wss://x\nwake_word:\n  keywords:\n    hi: hi.onnx\n",
			"melspectrogram_model",
		},
		{
			"unsupported sample rate",
			"transport:\n  protocol: websocket\n  websocket:\n    url: wss://x\naudio:\n  sample_rate: 12345\n",
			"sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("transport:\n  protocol: websocket\n  websocket:\n    url: wss://x\nextra_field: 1\n"))
	if err == nil {
		t.Error("unknown field must fail")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.Processing.Echo.Enabled {
		t.Error("echo should default enabled")
	}
	if cfg.Processing.NoiseSuppression.Level != audio.NoiseSuppressionHigh {
		t.Error("noise suppression should default High")
	}
	if cfg.WakeWord.Threshold != 0.6 {
		t.Errorf("wake threshold default = %v, want 0.6", cfg.WakeWord.Threshold)
	}
}
