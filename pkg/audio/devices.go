package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	preInitOnce sync.Once
	preInitDone chan struct{} = make(chan struct{})
)

// PreInitAudio starts PortAudio initialization in the background. Call this
// early so the slow host-API enumeration overlaps with transport connect.
func PreInitAudio() {
	preInitOnce.Do(func() {
		go func() {
			slog.Debug("pre-initializing PortAudio...")
			if err := portaudio.Initialize(); err != nil {
				slog.Error("pre-init portaudio failed", "err", err)
			}
			close(preInitDone)
		}()
	})
}

// WaitPreInit blocks until the background PreInitAudio completes. If it was
// never called, it triggers it now (blocking).
func WaitPreInit() {
	PreInitAudio()
	<-preInitDone
}

// Terminate releases the PortAudio host API. Call once at shutdown.
func Terminate() error {
	return portaudio.Terminate()
}

// DeviceEntry holds basic info about an audio device.
type DeviceEntry struct {
	Name       string
	MaxInputs  int
	MaxOutputs int
	SampleRate float64
	IsDefault  bool
}

// Selection is the input/output pair chosen once at startup. Hot-swap is not
// supported; a changed device requires a restart.
type Selection struct {
	Input  DeviceEntry
	Output DeviceEntry
}

// SelectDevices resolves the configured device names (empty = default) to a
// startup selection, verifying both directions exist.
func SelectDevices(inputName, outputName string) (*Selection, error) {
	WaitPreInit()

	in, err := resolve(inputName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: input: %v", ErrDeviceUnavailable, err)
	}
	out, err := resolve(outputName, false)
	if err != nil {
		return nil, fmt.Errorf("%w: output: %v", ErrDeviceUnavailable, err)
	}

	sel := &Selection{Input: toEntry(in, nil), Output: toEntry(out, nil)}
	slog.Info("audio devices selected",
		"input", sel.Input.Name, "input_rate", sel.Input.SampleRate,
		"output", sel.Output.Name, "output_rate", sel.Output.SampleRate,
	)
	return sel, nil
}

func resolve(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name != "" {
		if d := FindDevice(name); d != nil {
			return d, nil
		}
		return nil, fmt.Errorf("device %q not found", name)
	}
	if input {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// ListInputDevices returns all available audio input devices.
func ListInputDevices() ([]DeviceEntry, error) {
	return listDevices(true)
}

// ListOutputDevices returns all available audio output devices.
func ListOutputDevices() ([]DeviceEntry, error) {
	return listDevices(false)
}

func listDevices(input bool) ([]DeviceEntry, error) {
	WaitPreInit()

	var def *portaudio.DeviceInfo
	if input {
		def, _ = portaudio.DefaultInputDevice()
	} else {
		def, _ = portaudio.DefaultOutputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	var result []DeviceEntry
	for _, d := range devices {
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			result = append(result, toEntry(d, def))
		}
	}
	return result, nil
}

func toEntry(d, def *portaudio.DeviceInfo) DeviceEntry {
	e := DeviceEntry{
		Name:       d.Name,
		MaxInputs:  d.MaxInputChannels,
		MaxOutputs: d.MaxOutputChannels,
		SampleRate: d.DefaultSampleRate,
	}
	if def != nil && d.Name == def.Name {
		e.IsDefault = true
	}
	return e
}

// FindDevice returns the *portaudio.DeviceInfo matching by name, or nil.
func FindDevice(name string) *portaudio.DeviceInfo {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil
	}
	for _, d := range devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}
