package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultReadTimeout    = 75 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultReadLimit      = 8 << 20

	eventBufferSize = 64
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type EventKind int

const (
	// EventFrame carries a decoded frame.
	EventFrame EventKind = iota
	// EventState reports the terminal connection state, Err is set when Failed.
	EventState
)

type Event struct {
	Kind  EventKind
	Frame frame.Frame
	State State
	Err   error
}

// Dialer opens websocket sessions.
type Dialer struct {
	Codec      frame.Codec
	HTTPClient *http.Client
	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration
	// PingInterval is the keepalive interval, 0 disables pings.
	PingInterval time.Duration
	// ReadTimeout fails the session when neither a message nor a pong was received within it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// FirstMessageTimeout fails the session as unsupported when the remote did not send any message within it.
	FirstMessageTimeout time.Duration
	ReadLimit           int64
}

type Session struct {
	url          string
	conn         *websocket.Conn
	codec        frame.Codec
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	cancelDial   context.CancelFunc
	events       chan Event
	done         chan struct{}
	lastTraffic  atomic.Int64
	received     atomic.Bool

	mutex   sync.Mutex
	state   State
	failure *Error
}

// Connect performs the websocket handshake and returns an open session.
func (d *Dialer) Connect(ctx context.Context, url string, header http.Header) (*Session, error) {
	codec := d.Codec
	if codec == nil {
		codec = frame.Binary{}
	}

	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	// The dial context must outlive the handshake since it may be bound to the connection.
	dialCtx, cancelDial := context.WithCancel(sessionCtx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(connectTimeout, func() {
		timedOut.Store(true)
		cancelDial()
	})

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	timer.Stop()
	if err != nil {
		cancelDial()
		cancel()
		if ctx.Err() != nil && !timedOut.Load() {
			return nil, fmt.Errorf("connect: %w", ctx.Err())
		}
		return nil, classifyDialError(err, resp, timedOut.Load())
	}

	if resp != nil {
		if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
			slog.Info(fmt.Sprintf("connected to %s, log id: %s", url, logID))
		} else {
			slog.Info(fmt.Sprintf("connected to %s", url))
		}
	}

	readLimit := d.ReadLimit
	if readLimit == 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	s := &Session{
		url:          url,
		conn:         conn,
		codec:        codec,
		writeTimeout: d.WriteTimeout,
		ctx:          sessionCtx,
		cancel:       cancel,
		cancelDial:   cancelDial,
		events:       make(chan Event, eventBufferSize),
		done:         make(chan struct{}),
		state:        Open,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	s.touch()

	go s.readLoop()
	go s.watchdog(d.PingInterval, d.ReadTimeout, d.FirstMessageTimeout)

	return s, nil
}

// Events returns the received frames in receipt order followed by a single terminal state event.
// The channel is closed afterwards.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

// Send encodes the frame and writes it to the connection.
func (s *Session) Send(ctx context.Context, f frame.Frame) error {
	if s.State() != Open {
		return ErrNotOpen
	}

	msg, err := s.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Event, err)
	}

	if msg == nil {
		slog.Debug(fmt.Sprintf("skipping %s frame without wire representation", f.Event))
		return nil
	}

	typ := websocket.MessageBinary
	if s.codec.Encoding() == frame.EncodingText {
		typ = websocket.MessageText
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	err = s.conn.Write(ctx, typ, msg)
	if err != nil {
		if s.State() != Open {
			return ErrNotOpen
		}
		kind := KindIO
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Op: "send", Err: err}
	}

	return nil
}

// Close performs the websocket closing handshake and waits for the read loop to terminate.
func (s *Session) Close(reason string) error {
	s.mutex.Lock()
	if s.state != Open {
		s.mutex.Unlock()
		s.cancel()
		<-s.done
		return nil
	}
	s.state = Closing
	s.mutex.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, reason)

	s.cancel()
	<-s.done

	if err != nil && !isClosed(err) {
		return fmt.Errorf("close connection to %s: %w", s.url, err)
	}

	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer close(s.done)
	defer s.cancelDial()

	for {
		typ, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.emitTerminalState(err)
			return
		}

		s.touch()
		s.received.Store(true)

		enc := frame.EncodingBinary
		if typ == websocket.MessageText {
			enc = frame.EncodingText
		}

		frames, err := s.codec.Decode(enc, msg)
		if err != nil {
			slog.Warn("dropping malformed frame", "err", err, "size", len(msg))
			continue
		}

		for _, f := range frames {
			select {
			case s.events <- Event{Kind: EventFrame, Frame: f}:
			case <-s.ctx.Done():
			}
		}
	}
}

func (s *Session) emitTerminalState(readErr error) {
	s.mutex.Lock()
	var evt Event
	switch {
	case s.failure != nil:
		s.state = Failed
		evt = Event{Kind: EventState, State: Failed, Err: s.failure}
	case s.state == Closing:
		s.state = Closed
		evt = Event{Kind: EventState, State: Closed}
	case isRemoteClose(readErr):
		s.state = Closed
		evt = Event{Kind: EventState, State: Closed}
		slog.Info(fmt.Sprintf("connection closed by remote: %s", readErr))
	default:
		s.state = Failed
		evt = Event{Kind: EventState, State: Failed, Err: &Error{Kind: KindIO, Op: "read", Err: readErr}}
	}
	s.mutex.Unlock()

	s.conn.CloseNow()
	s.cancel()

	select {
	case s.events <- evt:
	case <-time.After(5 * time.Second):
		slog.Warn(fmt.Sprintf("dropping terminal %s state event since nobody consumed it", evt.State))
	}
}

// fail terminates the session with the given cause.
func (s *Session) fail(err *Error) {
	s.mutex.Lock()
	if s.state != Open || s.failure != nil {
		s.mutex.Unlock()
		return
	}
	s.failure = err
	s.mutex.Unlock()

	slog.Warn("connection failed", "err", err)

	s.cancel()
	s.conn.CloseNow()
}

func (s *Session) touch() {
	s.lastTraffic.Store(time.Now().UnixNano())
}

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastTraffic.Load()))
}

func (s *Session) watchdog(pingInterval, readTimeout, firstMessageTimeout time.Duration) {
	tick := time.Second
	for _, d := range []time.Duration{pingInterval, readTimeout / 4, firstMessageTimeout / 4} {
		if d > 0 && d < tick {
			tick = d
		}
	}
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	opened := time.Now()
	nextPing := opened.Add(pingInterval)

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if firstMessageTimeout > 0 && !s.received.Load() && now.Sub(opened) > firstMessageTimeout {
				s.fail(&Error{Kind: KindUnsupported, Op: "await first message", Err: fmt.Errorf("remote sent no message within %s", firstMessageTimeout)})
				return
			}

			if readTimeout > 0 && s.idle(now) > readTimeout {
				s.fail(&Error{Kind: KindTimeout, Op: "read", Err: fmt.Errorf("no traffic within %s", readTimeout)})
				return
			}

			if pingInterval > 0 && !now.Before(nextPing) {
				nextPing = now.Add(pingInterval)
				if !s.ping(pingInterval, readTimeout) {
					return
				}
			}
		}
	}
}

func (s *Session) ping(pingInterval, readTimeout time.Duration) bool {
	timeout := readTimeout
	if timeout <= 0 {
		timeout = pingInterval
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := s.conn.Ping(ctx)
	if err == nil {
		s.touch()
		return true
	}

	if s.ctx.Err() != nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.fail(&Error{Kind: KindTimeout, Op: "ping", Err: fmt.Errorf("no pong within %s", timeout)})
		return false
	}

	slog.Debug("ping failed", "err", err)

	return true
}

func isRemoteClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
