package stt

import (
	"context"
	"strings"

	"github.com/go-audio/audio"

	rtaudio "github.com/mgoltzsche/realtime-dialogue/internal/audio"
)

type Service interface {
	Transcribe(ctx context.Context, wavData []byte) (string, error)
}

type Transcriber struct {
	Service Service
}

// Transcribe transcribes the provided speech to text.
// Blank audio yields an empty string.
func (t *Transcriber) Transcribe(ctx context.Context, buf audio.Buffer) (string, error) {
	wavData, err := rtaudio.EncodeWAV(buf)
	if err != nil {
		return "", err
	}

	text, err := t.Service.Transcribe(ctx, wavData)
	if err != nil {
		return "", err
	}

	text = strings.TrimSuffix(text, "[BLANK_AUDIO]")

	return strings.TrimSpace(text), nil
}
