// Package config loads and validates the client configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/protocol"
)

// Config is the full configuration tree.
type Config struct {
	Logging    LoggingConfig          `yaml:"logging"`
	Audio      AudioConfig            `yaml:"audio"`
	Processing audio.ProcessorOptions `yaml:"processing"`
	VAD        VADConfig              `yaml:"vad"`
	WakeWord   WakeWordConfig         `yaml:"wake_word"`
	Transport  TransportConfig        `yaml:"transport"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Identity   IdentityConfig         `yaml:"identity"`
}

// LoggingConfig mirrors pkg/logging options.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AudioConfig selects the capture and playback devices.
type AudioConfig struct {
	// InputDevice and OutputDevice are device names; empty = default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
	// SampleRate overrides the device native rate (0 = use device default).
	SampleRate int `yaml:"sample_rate"`
}

// VADConfig tunes the voice activity detector.
type VADConfig struct {
	// ModelPath is the Silero ONNX model; empty falls back to the energy
	// classifier.
	ModelPath string `yaml:"model_path"`
	// OnnxLib is the ONNX Runtime shared library path.
	OnnxLib string `yaml:"onnx_lib"`
	// EnergyThreshold tunes the fallback classifier.
	EnergyThreshold float64 `yaml:"energy_threshold"`
	// SilenceTimeoutMs per listening mode; zero uses the default 800.
	SilenceTimeoutMs map[string]int `yaml:"silence_timeout_ms"`
}

// SilenceTimeout returns the configured exit hysteresis for a mode.
func (v VADConfig) SilenceTimeout(mode protocol.ListeningMode) time.Duration {
	if ms, ok := v.SilenceTimeoutMs[string(mode)]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 800 * time.Millisecond
}

// WakeWordConfig configures keyword spotting. Empty Keywords disables it.
type WakeWordConfig struct {
	// Keywords maps keyword → keyword model path.
	Keywords map[string]string `yaml:"keywords"`
	// MelspectrogramModel and EmbeddingModel are the shared pipeline stages.
	MelspectrogramModel string `yaml:"melspectrogram_model"`
	EmbeddingModel      string `yaml:"embedding_model"`
	OnnxLib             string `yaml:"onnx_lib"`

	Threshold     float64 `yaml:"threshold"`
	MinIntervalMs int     `yaml:"min_interval_ms"`
	// BargeIn keeps the detector armed during playback.
	BargeIn bool `yaml:"barge_in"`
}

// TransportConfig selects and configures the transport variant.
type TransportConfig struct {
	// Protocol is "websocket" or "mqtt".
	Protocol string `yaml:"protocol"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// WebSocketConfig is the websocket endpoint.
type WebSocketConfig struct {
	URL string `yaml:"url"`
}

// MQTTConfig is the broker endpoint and topic set.
type MQTTConfig struct {
	Endpoint              string `yaml:"endpoint"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	PublishAudioTopic     string `yaml:"publish_audio_topic"`
	PublishControlTopic   string `yaml:"publish_control_topic"`
	SubscribeAudioTopic   string `yaml:"subscribe_audio_topic"`
	SubscribeControlTopic string `yaml:"subscribe_control_topic"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	// Listen is the /metrics address, e.g. "127.0.0.1:9464". Empty
	// disables the listener; instruments still record.
	Listen string `yaml:"listen"`
}

// IdentityConfig locates the device identity store.
type IdentityConfig struct {
	// Path of the SQLite identity database. Empty uses a per-user default.
	Path string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Processing: audio.DefaultProcessorOptions(),
		VAD:        VADConfig{EnergyThreshold: 500},
		WakeWord:   WakeWordConfig{Threshold: 0.6, MinIntervalMs: 1500},
		Transport:  TransportConfig{Protocol: "websocket"},
	}
}

// Load reads and validates a YAML config file. Unknown fields are rejected
// so typos fail fast at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks mandatory fields and ranges. Failures are fatal at
// startup.
func (c *Config) Validate() error {
	switch c.Transport.Protocol {
	case "websocket":
		if c.Transport.WebSocket.URL == "" {
			return fmt.Errorf("config: transport.websocket.url is required")
		}
	case "mqtt":
		m := c.Transport.MQTT
		if m.Endpoint == "" {
			return fmt.Errorf("config: transport.mqtt.endpoint is required")
		}
		if m.PublishAudioTopic == "" || m.PublishControlTopic == "" {
			return fmt.Errorf("config: transport.mqtt publish topics are required")
		}
	default:
		return fmt.Errorf("config: unknown transport protocol %q", c.Transport.Protocol)
	}

	if t := c.WakeWord.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("config: wake_word.threshold %v outside [0,1]", t)
	}
	if len(c.WakeWord.Keywords) > 0 {
		if c.WakeWord.MelspectrogramModel == "" || c.WakeWord.EmbeddingModel == "" {
			return fmt.Errorf("config: wake_word requires melspectrogram_model and embedding_model")
		}
	}
	for mode, ms := range c.VAD.SilenceTimeoutMs {
		if !protocol.ListeningMode(mode).Valid() {
			return fmt.Errorf("config: vad.silence_timeout_ms: unknown mode %q", mode)
		}
		if ms < 100 || ms > 10000 {
			return fmt.Errorf("config: vad.silence_timeout_ms[%s] = %d outside [100,10000]", mode, ms)
		}
	}
	if r := c.Audio.SampleRate; r != 0 {
		switch r {
		case 8000, 16000, 22050, 24000, 32000, 44100, 48000:
		default:
			return fmt.Errorf("config: audio.sample_rate %d unsupported", r)
		}
	}
	return nil
}
