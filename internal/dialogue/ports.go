package dialogue

import (
	"context"
	"net/http"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
)

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is an open connection to the dialogue service.
// Events must deliver a final transport.EventState event before the channel is closed.
type Conn interface {
	Send(ctx context.Context, f frame.Frame) error
	Events() <-chan transport.Event
	Close(reason string) error
}

type Recorder interface {
	StartCapture(ctx context.Context) (CaptureStream, error)
}

type CaptureStream interface {
	Read(ctx context.Context) ([]byte, error)
	Stop() error
}

type Player interface {
	StartPlayback(onPlaying func(bool)) (PlaybackStream, error)
}

type PlaybackStream interface {
	Enqueue(chunk []byte) bool
	Flush() error
	Stop() error
	IsPlaying() bool
	Done() <-chan struct{}
	Err() error
}

func TransportDialer(d *transport.Dialer) Dialer {
	return &transportDialer{dialer: d}
}

type transportDialer struct {
	dialer *transport.Dialer
}

func (d *transportDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	s, err := d.dialer.Connect(ctx, url, header)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func CaptureRecorder(c *audio.Capture) Recorder {
	return &captureRecorder{capture: c}
}

type captureRecorder struct {
	capture *audio.Capture
}

func (r *captureRecorder) StartCapture(ctx context.Context) (CaptureStream, error) {
	h, err := r.capture.Start(ctx)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func PlaybackPlayer(p *audio.Playback) Player {
	return &playbackPlayer{playback: p}
}

type playbackPlayer struct {
	playback *audio.Playback
}

func (p *playbackPlayer) StartPlayback(onPlaying func(bool)) (PlaybackStream, error) {
	h, err := p.playback.Start(onPlaying)
	if err != nil {
		return nil, err
	}

	return h, nil
}
