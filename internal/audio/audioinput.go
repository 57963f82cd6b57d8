package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudioMicrophone captures audio using the portaudio library.
// portaudio.Initialize must have been called before.
type PortAudioMicrophone struct {
	Device string
	// PreferEchoCancel selects an echo cancelling source, when available, if no Device is configured.
	PreferEchoCancel bool
}

func (m *PortAudioMicrophone) OpenInput(format Format, framesPerBuffer int) (InputStream, error) {
	device, err := inputDevice(m.Device, m.PreferEchoCancel)
	if err != nil {
		return nil, err
	}

	in := &portAudioInput{buffer: make([]int16, framesPerBuffer*format.Channels)}
	in.stream, err = portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, &in.buffer)
	if err != nil {
		return nil, fmt.Errorf("opening audio input stream: %w", err)
	}

	err = in.stream.Start()
	if err != nil {
		in.stream.Close()
		return nil, fmt.Errorf("starting audio input stream: %w", err)
	}

	return in, nil
}

type portAudioInput struct {
	stream *portaudio.Stream
	buffer []int16
}

func (in *portAudioInput) Read(p []byte) error {
	if len(p) != len(in.buffer)*bytesPerSample {
		return fmt.Errorf("read buffer of %d bytes does not match stream buffer of %d samples", len(p), len(in.buffer))
	}

	if err := in.stream.Read(); err != nil {
		if err != portaudio.InputOverflowed {
			return err
		}
		slog.Warn("audio input overflowed - dropped samples")
	}

	for i, sample := range in.buffer {
		binary.LittleEndian.PutUint16(p[i*bytesPerSample:], uint16(sample))
	}

	return nil
}

func (in *portAudioInput) Close() error {
	if err := in.stream.Stop(); err != nil {
		slog.Warn("failed to stop input audio stream", "err", err)
	}

	return in.stream.Close()
}
