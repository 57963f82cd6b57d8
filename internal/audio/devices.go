package audio

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// echoCancelSourceNames are name fragments of echo cancelling sources
// as exposed by the PulseAudio and PipeWire echo-cancel modules.
var echoCancelSourceNames = []string{"echo-cancel", "echocancel"}

func inputDevice(deviceNameOrID string, preferEchoCancel bool) (d *portaudio.DeviceInfo, err error) {
	if deviceNameOrID == "" {
		if preferEchoCancel {
			d = echoCancelSource()
		}
		if d == nil {
			d, err = portaudio.DefaultInputDevice()
			if err != nil {
				return nil, err
			}
		}
	} else {
		d, err = device(deviceNameOrID)
		if err != nil {
			return nil, fmt.Errorf("get audio input device: %w", err)
		}

		if d.MaxInputChannels < 1 {
			PrintAvailableDevices()
			return nil, fmt.Errorf("audio device %q is not an input device or in use by another program", d.Name)
		}
	}

	slog.Info(fmt.Sprintf("using audio input device %q, sample rate: %d", d.Name, int(d.DefaultSampleRate)))

	return d, nil
}

func echoCancelSource() *portaudio.DeviceInfo {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Warn("failed to list audio devices", "err", err)
		return nil
	}

	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		for _, name := range echoCancelSourceNames {
			if strings.Contains(strings.ToLower(d.Name), name) {
				return d
			}
		}
	}

	slog.Debug("no echo cancelling audio source found, falling back to the default input device")

	return nil
}

func outputDevice(deviceNameOrID string) (d *portaudio.DeviceInfo, err error) {
	if deviceNameOrID == "" {
		d, err = portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, err
		}
	} else {
		d, err = device(deviceNameOrID)
		if err != nil {
			return nil, fmt.Errorf("get audio output device: %w", err)
		}

		if d.MaxOutputChannels < 1 {
			PrintAvailableDevices()
			return nil, fmt.Errorf("audio device %q is not an output device or in use by another program", d.Name)
		}
	}

	slog.Info(fmt.Sprintf("using audio output device %q, sample rate: %d", d.Name, int(d.DefaultSampleRate)))

	return d, nil
}

func device(device string) (*portaudio.DeviceInfo, error) {
	if device == "" {
		return nil, fmt.Errorf("no audio device ID or name specified")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list available audio devices: %w", err)
	}

	deviceID, err := strconv.ParseInt(device, 10, 32)
	if err != nil {
		// Device name given
		for _, d := range devices {
			if strings.Contains(d.Name, device) {
				return d, nil
			}
		}

		PrintAvailableDevices()

		return nil, fmt.Errorf("audio device %q not found", device)
	}

	// device ID given
	if deviceID >= int64(len(devices)) || deviceID < 0 {
		PrintAvailableDevices()

		return nil, fmt.Errorf("audio device %d not found - please specify the ID of an existing device", deviceID)
	}

	return devices[deviceID], nil
}

// PrintAvailableDevices lists the audio devices on stderr.
func PrintAvailableDevices() {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Warn("failed to list audio devices", "err", err)
	}
	fmt.Fprint(os.Stderr, "\nAvailable audio devices:\n\n")
	format := "%2s  %-55s  %2s  %3s  %s\n"
	fmt.Fprintf(os.Stderr, format, "ID", "NAME", "IN", "OUT", "SAMPLERATE")
	for i, device := range devices {
		fmt.Fprintf(os.Stderr, "%2d  %-55s  %2d  %3d  %10d\n", i, device.Name, device.MaxInputChannels, device.MaxOutputChannels, int(device.DefaultSampleRate))
	}
	fmt.Fprintln(os.Stderr)
}
