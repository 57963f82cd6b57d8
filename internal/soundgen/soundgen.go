package soundgen

import (
	"math"
	"time"

	"github.com/go-audio/audio"

	rtaudio "github.com/mgoltzsche/realtime-dialogue/internal/audio"
)

// Tone generates a sine tone as signed 16-bit little endian PCM.
func Tone(format rtaudio.Format, frequency float64, duration time.Duration, volume float64) []byte {
	frames := format.Frames(duration)
	data := make([]int, frames*format.Channels)
	for i := 0; i < frames; i++ {
		phase := frequency * float64(i) / float64(format.SampleRate)
		sample := int(math.Sin(2*math.Pi*phase) * volume * 32767)

		for c := 0; c < format.Channels; c++ {
			data[i*format.Channels+c] = sample
		}
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		Data:           data,
		SourceBitDepth: 16,
	}

	return rtaudio.IntBufferToPCM(buf)
}

// Chunks splits PCM into chunks of the given duration.
func Chunks(pcm []byte, format rtaudio.Format, d time.Duration) [][]byte {
	size := format.ChunkSize(d)
	if size <= 0 {
		return [][]byte{pcm}
	}

	chunks := make([][]byte, 0, len(pcm)/size+1)
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		chunks = append(chunks, pcm[:n])
		pcm = pcm[n:]
	}

	return chunks
}
