package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrEndOfCapture      = errors.New("end of capture")
)

// Microphone opens capture hardware.
type Microphone interface {
	OpenInput(format Format, framesPerBuffer int) (InputStream, error)
}

// InputStream is an open capture device.
// Read blocks until p has been filled with captured PCM data.
type InputStream interface {
	Read(p []byte) error
	Close() error
}

// Capture records fixed size PCM chunks from a Microphone.
type Capture struct {
	Microphone    Microphone
	Format        Format
	ChunkDuration time.Duration
	ReleaseDelay  time.Duration
}

type CaptureHandle struct {
	mutex        sync.Mutex
	stream       InputStream
	chunkSize    int
	chunks       chan []byte
	stopped      chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	err          error
	releaseDelay time.Duration
}

// Start acquires the input device and starts reading chunks in the background.
// A device that cannot be opened yields ErrDeviceUnavailable.
func (c *Capture) Start(ctx context.Context) (*CaptureHandle, error) {
	frames := c.Format.Frames(c.ChunkDuration)
	if frames <= 0 || c.Format.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture format %+v with chunk duration %s", c.Format, c.ChunkDuration)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}

	stream, err := c.Microphone.OpenInput(c.Format, frames)
	if err != nil {
		return nil, fmt.Errorf("%w: open input: %w", ErrDeviceUnavailable, err)
	}

	if err := ctx.Err(); err != nil {
		if cerr := stream.Close(); cerr != nil {
			slog.Warn("failed to close audio input", "err", cerr)
		}
		return nil, fmt.Errorf("start capture: %w", err)
	}

	h := &CaptureHandle{
		stream:       stream,
		chunkSize:    c.Format.ChunkSize(c.ChunkDuration),
		chunks:       make(chan []byte, 5),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
		releaseDelay: c.ReleaseDelay,
	}

	go h.readLoop()

	slog.Debug(fmt.Sprintf("capturing %d byte chunks at %d Hz", h.chunkSize, c.Format.SampleRate))

	return h, nil
}

func (h *CaptureHandle) readLoop() {
	defer close(h.done)
	defer close(h.chunks)

	for {
		chunk := make([]byte, h.chunkSize)

		h.mutex.Lock()
		if h.stream == nil {
			h.mutex.Unlock()
			return
		}
		err := h.stream.Read(chunk)
		h.mutex.Unlock()

		if err != nil {
			select {
			case <-h.stopped:
			default:
				h.err = fmt.Errorf("read audio input: %w", err)
			}
			return
		}

		select {
		case h.chunks <- chunk:
		case <-h.stopped:
			return
		}
	}
}

// Read blocks until the next chunk was captured.
// It returns ErrEndOfCapture once the handle has been stopped.
func (h *CaptureHandle) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-h.stopped:
		return nil, ErrEndOfCapture
	default:
	}

	select {
	case chunk, ok := <-h.chunks:
		if !ok {
			<-h.done
			if h.err != nil {
				return nil, h.err
			}
			return nil, ErrEndOfCapture
		}
		return chunk, nil
	case <-h.stopped:
		return nil, ErrEndOfCapture
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop releases the input device synchronously.
// It waits for an in-flight hardware read to complete and is safe to call multiple times.
func (h *CaptureHandle) Stop() error {
	if h == nil {
		return nil
	}

	var err error

	h.stopOnce.Do(func() {
		close(h.stopped)

		h.mutex.Lock()
		if h.stream != nil {
			err = h.stream.Close()
			h.stream = nil
		}
		h.mutex.Unlock()

		<-h.done

		if h.releaseDelay > 0 {
			time.Sleep(h.releaseDelay)
		}
	})

	if err != nil {
		return fmt.Errorf("close audio input: %w", err)
	}

	return nil
}
