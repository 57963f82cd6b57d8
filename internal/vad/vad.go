package vad

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-audio/audio"
	"github.com/streamer45/silero-vad-go/speech"
)

type Detector struct {
	ModelPath  string
	SampleRate int
	Threshold  float32
}

// Gate drops audio segments that do not contain speech.
type Gate struct {
	detector *speech.Detector
}

// Open loads the silero VAD model.
func (d *Detector) Open() (*Gate, error) {
	sampleRate := d.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	threshold := d.Threshold
	if threshold == 0 {
		threshold = 0.5
	}

	sileroVAD, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            d.ModelPath,
		SampleRate:           sampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: 0,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("create silero vad: %w", err)
	}

	return &Gate{detector: sileroVAD}, nil
}

// DetectVoice reports whether the given segment contains voice activity.
func (g *Gate) DetectVoice(buf audio.Buffer) (bool, error) {
	start := time.Now()

	segments, err := g.detector.Detect(buf.AsFloat32Buffer().Data)
	if err != nil {
		return false, fmt.Errorf("detect voice: %w", err)
	}

	detected := len(segments) > 0
	slog.Debug(fmt.Sprintf("voice activity detected: %v (took %s)", detected, time.Since(start)))

	return detected, nil
}

func (g *Gate) Close() error {
	if err := g.detector.Destroy(); err != nil {
		return fmt.Errorf("destroy silero vad: %w", err)
	}
	return nil
}
