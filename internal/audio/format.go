package audio

import "time"

const bytesPerSample = 2

// Format describes signed 16-bit little endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// Frames returns the number of sample frames within the given duration.
func (f Format) Frames(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// ChunkSize returns the byte size of a chunk of the given duration.
func (f Format) ChunkSize(d time.Duration) int {
	return f.Frames(d) * f.Channels * bytesPerSample
}

func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(bytes) * int64(time.Second) / int64(bps))
}
