package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPollInterval         = 10 * time.Millisecond
	DefaultIdleTimeout          = 500 * time.Millisecond
	DefaultPlaybackReleaseDelay = 50 * time.Millisecond
)

// Speaker opens output hardware.
type Speaker interface {
	OpenOutput(format Format, framesPerBuffer int) (OutputStream, error)
}

// OutputStream is an open playback device.
// Write blocks until the device accepted the PCM data.
// Reset discards audio buffered by the device.
type OutputStream interface {
	Write(p []byte) error
	Reset() error
	Close() error
}

// Playback plays queued PCM chunks on a Speaker.
type Playback struct {
	Speaker         Speaker
	Format          Format
	FramesPerBuffer int
	PollInterval    time.Duration
	IdleTimeout     time.Duration
	ReleaseDelay    time.Duration
}

type PlaybackHandle struct {
	// mutex guards out: every write, reset and close happens while holding it.
	mutex        sync.Mutex
	out          OutputStream
	queue        Queue
	playing      atomic.Bool
	notifyMutex  sync.Mutex
	notified     bool
	onPlaying    func(bool)
	pollInterval time.Duration
	idleTimeout  time.Duration
	releaseDelay time.Duration
	stopped      chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	err          error
}

// Start opens the output device and starts the write loop.
// onPlaying is called whenever the playing state changes and may be nil.
func (p *Playback) Start(onPlaying func(bool)) (*PlaybackHandle, error) {
	out, err := p.Speaker.OpenOutput(p.Format, p.FramesPerBuffer)
	if err != nil {
		return nil, fmt.Errorf("%w: open output: %w", ErrDeviceUnavailable, err)
	}

	h := &PlaybackHandle{
		out:          out,
		onPlaying:    onPlaying,
		pollInterval: valueOrDefault(p.PollInterval, DefaultPollInterval),
		idleTimeout:  valueOrDefault(p.IdleTimeout, DefaultIdleTimeout),
		releaseDelay: p.ReleaseDelay,
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
	}

	go h.writeLoop()

	return h, nil
}

func valueOrDefault(d, defaultValue time.Duration) time.Duration {
	if d <= 0 {
		return defaultValue
	}
	return d
}

func (h *PlaybackHandle) writeLoop() {
	defer close(h.done)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	lastWrite := time.Now()

	for {
		chunk, generation, ok := h.queue.Pop()
		if !ok {
			if h.playing.Load() && time.Since(lastWrite) >= h.idleTimeout {
				h.playing.Store(false)
				h.notify()
			}

			select {
			case <-h.stopped:
				return
			case <-ticker.C:
			}

			continue
		}

		written, err := h.write(chunk, generation)
		if err != nil {
			h.err = err
			h.playing.Store(false)
			h.notify()
			slog.Warn("failed to write audio output, stopping playback", "err", err)
			return
		}

		if written {
			lastWrite = time.Now()
			h.notify()
		}

		select {
		case <-h.stopped:
			return
		default:
		}
	}
}

func (h *PlaybackHandle) write(chunk []byte, generation uint64) (bool, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.out == nil {
		return false, nil
	}

	if h.queue.Generation() != generation {
		return false, nil // flushed
	}

	err := h.out.Write(chunk)
	if err != nil {
		return false, fmt.Errorf("write audio output: %w", err)
	}

	h.playing.Store(true)

	return true, nil
}

// notify reports the current playing state to onPlaying if it changed since the last call.
// Concurrent state changes converge to the latest state.
func (h *PlaybackHandle) notify() {
	h.notifyMutex.Lock()
	defer h.notifyMutex.Unlock()

	playing := h.playing.Load()
	if playing == h.notified {
		return
	}

	h.notified = playing

	if h.onPlaying != nil {
		h.onPlaying(playing)
	}
}

// Enqueue appends a chunk to the playback queue.
// It returns false when the handle has been stopped.
func (h *PlaybackHandle) Enqueue(chunk []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	h.queue.Push(chunk)

	return true
}

// Flush discards all queued audio as well as the audio buffered by the device.
// No chunk enqueued before Flush returns is written afterwards.
func (h *PlaybackHandle) Flush() error {
	h.mutex.Lock()
	h.queue.Clear()
	h.playing.Store(false)
	var err error
	if h.out != nil {
		err = h.out.Reset()
	}
	h.mutex.Unlock()

	h.notify()

	if err != nil {
		return fmt.Errorf("reset audio output: %w", err)
	}

	return nil
}

func (h *PlaybackHandle) IsPlaying() bool {
	return h.playing.Load()
}

// QueueLen returns the number of chunks waiting to be played.
func (h *PlaybackHandle) QueueLen() int {
	return h.queue.Len()
}

// Done is closed when the write loop terminated.
func (h *PlaybackHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the write error that terminated the write loop, if any.
func (h *PlaybackHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Stop releases the output device.
// It is safe to call on a nil handle and more than once.
func (h *PlaybackHandle) Stop() error {
	if h == nil {
		return nil
	}

	var err error

	h.stopOnce.Do(func() {
		close(h.stopped)

		h.mutex.Lock()
		if h.out != nil {
			err = h.out.Close()
			h.out = nil
		}
		h.queue.Clear()
		h.playing.Store(false)
		h.mutex.Unlock()

		<-h.done

		h.notify()

		if h.releaseDelay > 0 {
			time.Sleep(h.releaseDelay)
		}
	})

	if err != nil {
		return fmt.Errorf("close audio output: %w", err)
	}

	return nil
}
