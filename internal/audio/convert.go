package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// PCMToIntBuffer converts signed 16-bit little endian PCM into an audio buffer.
func PCMToIntBuffer(pcm []byte, format Format) *audio.IntBuffer {
	data := make([]int, len(pcm)/bytesPerSample)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}

	return &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// IntBufferToPCM converts an audio buffer into signed 16-bit little endian PCM.
func IntBufferToPCM(buf *audio.IntBuffer) []byte {
	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(sample)))
	}

	return pcm
}

// EncodeWAV encodes an audio buffer as RIFF wave file.
func EncodeWAV(buffer audio.Buffer) ([]byte, error) {
	wavFile := &writerseeker.WriterSeeker{}
	f := buffer.PCMFormat()
	encoder := wav.NewEncoder(wavFile, f.SampleRate, 16, f.NumChannels, 1)

	if err := encoder.Write(buffer.AsIntBuffer()); err != nil {
		return nil, fmt.Errorf("encoder write buffer: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoder close: %w", err)
	}

	riffWav, err := io.ReadAll(wavFile.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}

	return riffWav, nil
}

// RMS calculates the root mean square of signed 16-bit little endian PCM.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / bytesPerSample
	if samples == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < samples; i++ {
		val := float64(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
		sumSquares += val * val
	}

	return math.Sqrt(sumSquares / float64(samples))
}
