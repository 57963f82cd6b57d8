package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSpeaker plays audio using the portaudio library.
// portaudio.Initialize must have been called before.
type PortAudioSpeaker struct {
	Device string
}

func (s *PortAudioSpeaker) OpenOutput(format Format, framesPerBuffer int) (OutputStream, error) {
	device, err := outputDevice(s.Device)
	if err != nil {
		return nil, err
	}

	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}

	out := &portAudioOutput{channels: format.Channels}
	out.stream, err = portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, &out.buffer)
	if err != nil {
		return nil, fmt.Errorf("open audio output stream: %w", err)
	}

	err = out.stream.Start()
	if err != nil {
		out.stream.Close()
		return nil, fmt.Errorf("start audio output stream: %w", err)
	}

	return out, nil
}

type portAudioOutput struct {
	stream   *portaudio.Stream
	channels int
	// buffer is registered with the stream; Write resizes it per chunk.
	buffer []int16
}

func (out *portAudioOutput) Write(p []byte) error {
	frames := len(p) / bytesPerSample / out.channels
	if frames == 0 {
		return nil
	}

	samples := frames * out.channels
	if cap(out.buffer) < samples {
		out.buffer = make([]int16, samples)
	}
	out.buffer = out.buffer[:samples]

	for i := range out.buffer {
		out.buffer[i] = int16(binary.LittleEndian.Uint16(p[i*bytesPerSample:]))
	}

	err := out.stream.Write()
	if err == portaudio.OutputUnderflowed {
		// Happens when the server delivers audio slower than realtime.
		slog.Debug("audio output underflowed")
		return nil
	}

	return err
}

// Reset drops the audio buffered by the device and restarts the stream.
func (out *portAudioOutput) Reset() error {
	err := out.stream.Abort()
	if err != nil {
		return fmt.Errorf("abort audio output stream: %w", err)
	}

	err = out.stream.Start()
	if err != nil {
		return fmt.Errorf("restart audio output stream: %w", err)
	}

	return nil
}

func (out *portAudioOutput) Close() error {
	if err := out.stream.Stop(); err != nil {
		slog.Warn("failed to stop output audio stream", "err", err)
	}

	return out.stream.Close()
}
