package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/dialogue"
	"github.com/mgoltzsche/realtime-dialogue/internal/pubsub"
	"github.com/mgoltzsche/realtime-dialogue/internal/wakeword"
)

type Transcriber interface {
	Transcribe(ctx context.Context, buf goaudio.Buffer) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

type VoiceDetector interface {
	DetectVoice(buf goaudio.Buffer) (bool, error)
}

// Listener is a turn based text dialogue used when the remote cannot hold realtime dialogues.
// Speech is segmented by volume, transcribed and answered in text.
type Listener struct {
	Recorder    dialogue.Recorder
	Format      audio.Format
	MinVolume   int
	Silence     time.Duration
	MaxDuration time.Duration
	// VAD drops utterances without speech when set.
	VAD VoiceDetector
	// WakeWord limits the answered utterances to the ones addressing the assistant when set.
	WakeWord    *wakeword.Filter
	Transcriber Transcriber
	Completer   Completer

	UserSpeechCompleted *pubsub.PubSub[dialogue.Utterance]
	AIResponseCompleted *pubsub.PubSub[dialogue.Utterance]
}

func NewListener(recorder dialogue.Recorder, format audio.Format, transcriber Transcriber, completer Completer) *Listener {
	return &Listener{
		Recorder:            recorder,
		Format:              format,
		MinVolume:           450,
		Silence:             time.Second,
		MaxDuration:         25 * time.Second,
		Transcriber:         transcriber,
		Completer:           completer,
		UserSpeechCompleted: pubsub.New[dialogue.Utterance](),
		AIResponseCompleted: pubsub.New[dialogue.Utterance](),
	}
}

// Run listens until ctx is cancelled or the capture fails.
func (l *Listener) Run(ctx context.Context) error {
	capture, err := l.Recorder.StartCapture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", dialogue.ErrAudioDevice, err)
	}

	sessionID := uuid.NewString()
	utterances := make(chan []byte, 5)
	g, ctx := errgroup.WithContext(ctx)

	slog.Info("listening in text dialogue mode")

	g.Go(func() error {
		defer close(utterances)
		defer func() {
			if err := capture.Stop(); err != nil {
				slog.Warn("failed to stop audio capture", "err", err)
			}
		}()

		return l.segment(ctx, capture, utterances)
	})
	g.Go(func() error {
		for pcm := range utterances {
			err := l.respond(ctx, sessionID, pcm)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("failed to respond to utterance", "err", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (l *Listener) segment(ctx context.Context, capture dialogue.CaptureStream, utterances chan<- []byte) error {
	s := newSegmenter(l.Format, float64(l.MinVolume), l.Silence, l.MaxDuration)

	for {
		chunk, err := capture.Read(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrEndOfCapture) || ctx.Err() != nil {
				if pcm := s.flush(); len(pcm) > 0 && ctx.Err() == nil {
					utterances <- pcm
				}
				return nil
			}
			return fmt.Errorf("%w: capture: %w", dialogue.ErrAudioDevice, err)
		}

		if pcm := s.add(chunk); pcm != nil {
			select {
			case utterances <- pcm:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (l *Listener) respond(ctx context.Context, sessionID string, pcm []byte) error {
	buf := audio.PCMToIntBuffer(pcm, l.Format)

	if l.VAD != nil {
		detected, err := l.VAD.DetectVoice(buf)
		if err != nil {
			slog.Warn("failed to detect voice activity", "err", err)
		} else if !detected {
			return nil
		}
	}

	text, err := l.Transcriber.Transcribe(ctx, buf)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	if text == "" {
		return nil
	}

	slog.Info(fmt.Sprintf("user: %s", text))

	if l.WakeWord != nil && !l.WakeWord.Matches(text) {
		return nil
	}

	l.UserSpeechCompleted.Publish(dialogue.Utterance{SessionID: sessionID, Text: text, At: time.Now()})

	answer, err := l.Completer.Complete(ctx, text)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	slog.Info(fmt.Sprintf("assistant: %s", answer))
	l.AIResponseCompleted.Publish(dialogue.Utterance{SessionID: sessionID, Text: answer, At: time.Now()})

	return nil
}

// Stop releases the subscribers.
func (l *Listener) Stop() {
	l.UserSpeechCompleted.Stop()
	l.AIResponseCompleted.Stop()
}
