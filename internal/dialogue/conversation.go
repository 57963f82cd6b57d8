package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
)

var errStopped = errors.New("conversation stopped")

// session is the state of one logical conversation with the service.
type session struct {
	connectID  string
	sessionID  string
	dialogID   string
	active     bool
	transcript string
	interim    string
	response   strings.Builder
}

type conversation struct {
	engine       *Engine
	persona      Persona
	startPayload []byte
	ctx          context.Context
	cancel       context.CancelFunc
	stopOnCancel func() bool
	done         chan struct{}
	err          error

	finishOnce   sync.Once
	teardownOnce sync.Once
	captureOnce  sync.Once
	// sendMutex orders audio frames before FinishSession.
	sendMutex       sync.Mutex
	transitionMutex sync.Mutex
	finishing       atomic.Bool

	mutex    sync.Mutex
	conn     Conn
	capture  CaptureStream
	playback PlaybackStream
	tasks    *errgroup.Group
	// setups tracks setup in progress, teardown waits for it before releasing the conversation.
	setups   sync.WaitGroup
	tornDown bool
	session  session
}

func newConversation(parent context.Context, e *Engine, persona Persona, startPayload []byte) *conversation {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c := &conversation{
		engine:       e,
		persona:      persona,
		startPayload: startPayload,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.stopOnCancel = context.AfterFunc(parent, c.finish)
	return c
}

func (c *conversation) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conversation) run() {
	e := c.engine

	conn, err := c.connect()
	if err != nil {
		c.teardown(err)
		return
	}

	g, ctx := errgroup.WithContext(c.ctx)

	c.mutex.Lock()
	if c.tornDown {
		c.mutex.Unlock()
		if err := conn.Close("conversation stopped"); err != nil {
			slog.Warn("failed to close connection", "err", err)
		}
		return
	}
	c.conn = conn
	c.tasks = g
	c.setups.Add(1)
	c.mutex.Unlock()

	c.transitionMutex.Lock()
	if !c.finishing.Load() {
		e.setState(Configuring)
	}
	c.transitionMutex.Unlock()

	g.Go(func() error {
		return c.dispatchLoop(ctx, conn.Events())
	})

	capture, playback, err := c.setup(ctx)
	c.setups.Done()
	if err != nil {
		if ctx.Err() != nil {
			// prefer the error that cancelled the setup
			if taskErr := g.Wait(); taskErr != nil {
				err = taskErr
			}
		}
		c.teardown(err)
		return
	}

	c.transitionMutex.Lock()
	if !c.finishing.Load() {
		e.setState(Conversing)
		g.Go(func() error {
			return c.uplink(ctx, capture, playback)
		})
		g.Go(func() error {
			return c.watchPlayback(ctx, playback)
		})
	}
	c.transitionMutex.Unlock()

	c.teardown(g.Wait())
}

// connect dials the service, retrying transient failures with a fresh connection and session id.
func (c *conversation) connect() (Conn, error) {
	e := c.engine
	policy := e.config.Retry
	if policy.Retryable == nil {
		policy.Retryable = transport.IsTransient
	}
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.metrics.reconnects.Add(c.ctx, 1)
		slog.Warn(fmt.Sprintf("connection attempt %d failed, retrying in %s", attempt, delay), "err", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	var conn Conn

	err := policy.Do(c.ctx, func(attempt int) error {
		if err := c.ctx.Err(); err != nil {
			return err
		}

		connectID, sessionID := e.config.NewID(), e.config.NewID()

		c.mutex.Lock()
		c.session = session{connectID: connectID, sessionID: sessionID}
		c.mutex.Unlock()

		c.transitionMutex.Lock()
		if !c.finishing.Load() {
			e.setState(Connecting)
		}
		c.transitionMutex.Unlock()

		header := e.config.Credentials.Header(e.config.Protocol, connectID)
		cn, err := e.config.Dialer.Dial(c.ctx, e.config.URL, header)
		if err != nil {
			return err
		}

		conn = cn

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", e.config.URL, err)
	}

	return conn, nil
}

// setup configures the session while starting the audio pipelines concurrently.
func (c *conversation) setup(ctx context.Context) (CaptureStream, PlaybackStream, error) {
	e := c.engine
	var (
		g        errgroup.Group
		capture  CaptureStream
		playback PlaybackStream
	)

	g.Go(func() error {
		sessionID := c.sessionID()
		err := c.send(ctx, frame.NewFullRequest(frame.EventStartConnection, "", []byte("{}")))
		if err != nil {
			return fmt.Errorf("start connection: %w", err)
		}
		err = c.send(ctx, frame.NewFullRequest(frame.EventStartSession, sessionID, c.startPayload))
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		p, err := e.config.Player.StartPlayback(func(playing bool) {
			e.Playing.Set(playing)
		})
		if err != nil {
			return fmt.Errorf("start playback: %w", err)
		}
		c.mutex.Lock()
		if c.tornDown {
			c.mutex.Unlock()
			if err := p.Stop(); err != nil {
				slog.Warn("failed to stop audio playback", "err", err)
			}
			return errStopped
		}
		c.playback = p
		c.mutex.Unlock()
		playback = p
		return nil
	})
	g.Go(func() error {
		s, err := e.config.Recorder.StartCapture(ctx)
		if err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		c.mutex.Lock()
		if c.tornDown {
			c.mutex.Unlock()
			if err := s.Stop(); err != nil {
				slog.Warn("failed to stop audio capture", "err", err)
			}
			return errStopped
		}
		c.capture = s
		e.Recording.Set(true)
		c.mutex.Unlock()
		capture = s
		return nil
	})

	err := g.Wait()
	if err != nil {
		return nil, nil, err
	}

	return capture, playback, nil
}

// uplink forwards captured audio chunks to the service.
func (c *conversation) uplink(ctx context.Context, capture CaptureStream, playback PlaybackStream) error {
	e := c.engine

	for {
		chunk, err := capture.Read(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrEndOfCapture) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: capture: %w", ErrAudioDevice, err)
		}

		if e.config.EchoSuppression && playback.IsPlaying() {
			e.metrics.droppedEchoChunks.Add(ctx, 1)
			continue
		}

		sent, err := c.sendAudio(ctx, chunk)
		if err != nil {
			if errors.Is(err, transport.ErrNotOpen) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send audio: %w", err)
		}

		if !sent {
			return nil
		}
	}
}

func (c *conversation) sendAudio(ctx context.Context, chunk []byte) (bool, error) {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.finishing.Load() {
		return false, nil
	}

	return true, c.send(ctx, frame.NewAudioRequest(c.sessionID(), chunk))
}

func (c *conversation) watchPlayback(ctx context.Context, playback PlaybackStream) error {
	select {
	case <-ctx.Done():
		return nil
	case <-playback.Done():
		err := playback.Err()
		if err != nil && !c.finishing.Load() {
			return fmt.Errorf("%w: playback: %w", ErrAudioDevice, err)
		}
		return nil
	}
}

func (c *conversation) send(ctx context.Context, f frame.Frame) error {
	conn := c.connection()
	if conn == nil {
		return transport.ErrNotOpen
	}

	err := conn.Send(ctx, f)
	if err != nil {
		return err
	}

	c.engine.metrics.frameSent(ctx, f)

	return nil
}

func (c *conversation) sendChat(ctx context.Context, event frame.EventID, text string) error {
	payload, err := marshalChat(text)
	if err != nil {
		return err
	}

	err = c.send(ctx, frame.NewFullRequest(event, c.sessionID(), payload))
	if err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	return nil
}

// finish ends the conversation gracefully: no audio is sent after FinishSession.
func (c *conversation) finish() {
	c.finishOnce.Do(func() {
		c.sendMutex.Lock()
		c.finishing.Store(true)
		c.sendMutex.Unlock()

		c.transitionMutex.Lock()
		c.mutex.Lock()
		tornDown := c.tornDown
		c.mutex.Unlock()
		if !tornDown {
			c.engine.setState(Finishing)
		}
		c.transitionMutex.Unlock()

		if !tornDown {
			if c.connection() != nil {
				sessionID := c.sessionID()
				err := c.send(c.ctx, frame.NewFullRequest(frame.EventFinishSession, sessionID, []byte("{}")))
				if err != nil {
					slog.Warn("failed to finish session", "err", err)
				}
				err = c.send(c.ctx, frame.NewFullRequest(frame.EventFinishConnection, "", []byte("{}")))
				if err != nil {
					slog.Warn("failed to finish connection", "err", err)
				}
			}

			c.stopCapture()
		}

		c.teardown(nil)
	})
}

func (c *conversation) stopCapture() {
	c.mutex.Lock()
	capture := c.capture
	c.mutex.Unlock()

	if capture == nil {
		return
	}

	c.captureOnce.Do(func() {
		if err := capture.Stop(); err != nil {
			slog.Warn("failed to stop audio capture", "err", err)
		}
		c.engine.Recording.Set(false)
	})
}

// teardown releases all resources of the conversation exactly once.
func (c *conversation) teardown(cause error) {
	c.teardownOnce.Do(func() {
		e := c.engine

		c.mutex.Lock()
		c.tornDown = true
		conn := c.conn
		playback := c.playback
		tasks := c.tasks
		c.mutex.Unlock()

		c.stopCapture()

		if conn != nil {
			if err := conn.Close("conversation finished"); err != nil {
				slog.Warn("failed to close connection", "err", err)
			}
		}

		if playback != nil {
			if err := playback.Stop(); err != nil {
				slog.Warn("failed to stop audio playback", "err", err)
			}
		}

		c.cancel()

		// a capture or playback started by a pending setup is stopped by the setup itself
		c.setups.Wait()

		if tasks != nil {
			_ = tasks.Wait()
		}

		c.stopOnCancel()

		c.mutex.Lock()
		c.session = session{}
		c.conn = nil
		c.capture = nil
		c.playback = nil
		c.mutex.Unlock()

		e.Transcript.Set("")
		e.Response.Set("")
		e.Recording.Set(false)
		e.Playing.Set(false)

		c.err = cause

		if cause != nil {
			e.metrics.failures.Add(context.Background(), 1)
			slog.Error("conversation failed", "err", cause)
			e.Notices.Publish(Notice{Level: slog.LevelError, Message: UserMessage(cause)})
		} else {
			slog.Info("conversation finished")
		}

		c.transitionMutex.Lock()
		if cause != nil {
			e.setState(Failed)
		} else {
			e.setState(Closed)
		}
		c.transitionMutex.Unlock()

		close(c.done)
	})
}

func (c *conversation) connection() Conn {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.conn
}

func (c *conversation) playbackStream() PlaybackStream {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.playback
}

func (c *conversation) sessionID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.session.sessionID
}
