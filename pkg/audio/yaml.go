package audio

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts the level names used in config files.
func (l *NoiseSuppressionLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "Low", "low":
		*l = NoiseSuppressionLow
	case "Moderate", "moderate":
		*l = NoiseSuppressionModerate
	case "High", "high", "":
		*l = NoiseSuppressionHigh
	case "VeryHigh", "very_high":
		*l = NoiseSuppressionVeryHigh
	default:
		return fmt.Errorf("audio: unknown noise suppression level %q", s)
	}
	return nil
}

// UnmarshalYAML accepts the AGC mode names used in config files.
func (m *AGCMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "AdaptiveAnalog", "adaptive_analog":
		*m = AGCAdaptiveAnalog
	case "AdaptiveDigital", "adaptive_digital", "":
		*m = AGCAdaptiveDigital
	case "FixedDigital", "fixed_digital":
		*m = AGCFixedDigital
	default:
		return fmt.Errorf("audio: unknown agc mode %q", s)
	}
	return nil
}
