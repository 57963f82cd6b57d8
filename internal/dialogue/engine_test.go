package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/pubsub"
	"github.com/mgoltzsche/realtime-dialogue/internal/retry"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
)

type fakeConn struct {
	mutex  sync.Mutex
	sent   []frame.Frame
	events chan transport.Event
	closes int
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 100)}
}

func (c *fakeConn) Send(ctx context.Context, f frame.Frame) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closes > 0 {
		return transport.ErrNotOpen
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Events() <-chan transport.Event {
	return c.events
}

func (c *fakeConn) Close(reason string) error {
	c.terminate(transport.Event{Kind: transport.EventState, State: transport.Closed})
	return nil
}

func (c *fakeConn) terminate(evt transport.Event) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closes++
	if c.closes == 1 {
		c.events <- evt
		close(c.events)
	}
}

// push simulates a frame received from the service.
func (c *fakeConn) push(f frame.Frame) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closes == 0 {
		c.events <- transport.Event{Kind: transport.EventFrame, Frame: f}
	}
}

func (c *fakeConn) Sent() []frame.Frame {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]frame.Frame(nil), c.sent...)
}

func (c *fakeConn) SentEvents() []frame.EventID {
	var events []frame.EventID
	for _, f := range c.Sent() {
		events = append(events, f.Event)
	}
	return events
}

func (c *fakeConn) Closes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closes
}

type fakeDialer struct {
	mutex   sync.Mutex
	err     error
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) Attempts() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.headers)
}

func (d *fakeDialer) Conns() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.conns)
}

// Conn waits for the i-th established connection.
func (d *fakeDialer) Conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Conns() > i
	}, time.Second, time.Millisecond, "connection established")
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.conns[i]
}

type fakeRecorder struct {
	chunks chan []byte
	starts atomic.Int32
	stops  atomic.Int32
}

func (r *fakeRecorder) StartCapture(ctx context.Context) (CaptureStream, error) {
	r.starts.Add(1)
	return &fakeCapture{recorder: r, stopped: make(chan struct{})}, nil
}

type fakeCapture struct {
	recorder *fakeRecorder
	stopped  chan struct{}
	once     sync.Once
}

func (c *fakeCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-c.recorder.chunks:
		return chunk, nil
	case <-c.stopped:
		return nil, audio.ErrEndOfCapture
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeCapture) Stop() error {
	c.recorder.stops.Add(1)
	c.once.Do(func() {
		close(c.stopped)
	})
	return nil
}

// gatedRecorder blocks opening a capture stream until gate is closed.
type gatedRecorder struct {
	gate    chan struct{}
	entered chan struct{}
	open    atomic.Int32
	maxOpen atomic.Int32
	stops   atomic.Int32
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{gate: make(chan struct{}), entered: make(chan struct{}, 10)}
}

func (r *gatedRecorder) StartCapture(ctx context.Context) (CaptureStream, error) {
	r.entered <- struct{}{}
	<-r.gate
	n := r.open.Add(1)
	for {
		m := r.maxOpen.Load()
		if n <= m || r.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &gatedCapture{recorder: r, stopped: make(chan struct{})}, nil
}

type gatedCapture struct {
	recorder *gatedRecorder
	stopped  chan struct{}
	once     sync.Once
}

func (c *gatedCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.stopped:
		return nil, audio.ErrEndOfCapture
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *gatedCapture) Stop() error {
	c.once.Do(func() {
		c.recorder.open.Add(-1)
		c.recorder.stops.Add(1)
		close(c.stopped)
	})
	return nil
}

type fakePlayer struct {
	mutex     sync.Mutex
	queue     [][]byte
	playing   bool
	onPlaying func(bool)
	done      chan struct{}
	starts    int
	stops     int
	flushes   int
}

func (p *fakePlayer) StartPlayback(onPlaying func(bool)) (PlaybackStream, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.starts++
	p.onPlaying = onPlaying
	p.done = make(chan struct{})
	return p, nil
}

func (p *fakePlayer) Enqueue(chunk []byte) bool {
	p.mutex.Lock()
	p.queue = append(p.queue, chunk)
	wasPlaying := p.playing
	p.playing = true
	onPlaying := p.onPlaying
	p.mutex.Unlock()
	if !wasPlaying {
		onPlaying(true)
	}
	return true
}

func (p *fakePlayer) Flush() error {
	p.mutex.Lock()
	p.queue = nil
	p.playing = false
	p.flushes++
	onPlaying := p.onPlaying
	p.mutex.Unlock()
	onPlaying(false)
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stops++
	if p.stops == 1 {
		close(p.done)
	}
	return nil
}

func (p *fakePlayer) IsPlaying() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.playing
}

func (p *fakePlayer) Done() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.done
}

func (p *fakePlayer) Err() error {
	return nil
}

func (p *fakePlayer) QueueLen() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.queue)
}

func (p *fakePlayer) Counts() (starts, stops, flushes int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.starts, p.stops, p.flushes
}

type fakeClock struct {
	mutex  sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

type fixture struct {
	engine   *Engine
	dialer   *fakeDialer
	recorder *fakeRecorder
	player   *fakePlayer
	clock    *fakeClock
}

func newFixture(t *testing.T, modify func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		dialer:   &fakeDialer{},
		recorder: &fakeRecorder{chunks: make(chan []byte)},
		player:   &fakePlayer{},
		clock:    &fakeClock{},
	}
	var ids atomic.Int32
	cfg := Config{
		URL:             "wss://dialogue.example.com/api/v3/realtime/dialogue",
		Credentials:     Credentials{AppID: "app", AccessKey: "secret"},
		Dialer:          f.dialer,
		Recorder:        f.recorder,
		Player:          f.player,
		Retry:           retry.Policy{MaxRetries: 3, Sleep: f.clock.Sleep},
		EchoSuppression: true,
		NewID: func() string {
			return fmt.Sprintf("id-%d", ids.Add(1))
		},
	}
	if modify != nil {
		modify(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() {
		e.Stop()
	})
	return f
}

func (f *fixture) start(t *testing.T, persona Persona) *fakeConn {
	t.Helper()
	n := f.dialer.Conns()
	err := f.engine.Start(context.Background(), persona)
	require.NoError(t, err)
	conn := f.dialer.Conn(t, n)
	f.waitForState(t, Conversing)
	return conn
}

func (f *fixture) waitForState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.ConnectionState.Get() == state
	}, 2*time.Second, time.Millisecond, "state %s, actual %s", state, f.engine.ConnectionState.Get())
}

func jsonFrame(event frame.EventID, v any) frame.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return frame.Frame{
		Kind:          frame.ServerFullResponse,
		Serialization: frame.SerializationJSON,
		Event:         event,
		SessionID:     "id-2",
		Payload:       b,
	}
}

func audioFrame(pcm []byte) frame.Frame {
	return frame.Frame{
		Kind:          frame.ServerAudioOnly,
		Serialization: frame.SerializationRaw,
		Event:         frame.EventTTSResponse,
		SessionID:     "id-2",
		Payload:       pcm,
	}
}

func receive[E any](t *testing.T, sub pubsub.Subscription[E]) E {
	t.Helper()
	select {
	case evt, ok := <-sub.ResultChan():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publication")
		var zero E
		return zero
	}
}

func TestNewValidation(t *testing.T) {
	for _, c := range []struct {
		name   string
		config Config
		expect error
	}{
		{
			name:   "binary without access key",
			config: Config{URL: "wss://x", Credentials: Credentials{AppID: "app"}},
			expect: ErrMissingCredentials,
		},
		{
			name:   "json without api key",
			config: Config{URL: "wss://x", Protocol: ProtocolJSON, Credentials: Credentials{AppID: "app", AccessKey: "key"}},
			expect: ErrMissingCredentials,
		},
		{
			name:   "unsupported protocol",
			config: Config{URL: "wss://x", Protocol: "grpc", Credentials: Credentials{APIKey: "key"}},
		},
		{
			name:   "missing url",
			config: Config{Credentials: Credentials{AppID: "app", AccessKey: "key"}},
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			c.config.Dialer = &fakeDialer{}
			c.config.Recorder = &fakeRecorder{}
			c.config.Player = &fakePlayer{}
			_, err := New(c.config)
			require.Error(t, err)
			if c.expect != nil {
				require.ErrorIs(t, err, c.expect)
				require.Equal(t, "missing credentials", UserMessage(err))
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	states := f.engine.ConnectionState.Subscribe(context.Background())
	defer states.Stop()

	conn := f.start(t, Persona{BotName: "Doubao", SystemRole: "You are a helpful assistant."})

	header := f.dialer.headers[0]
	require.Equal(t, "app", header.Get("X-Api-App-ID"))
	require.Equal(t, "secret", header.Get("X-Api-Access-Key"))
	require.Equal(t, DefaultResourceID, header.Get("X-Api-Resource-Id"))
	require.Equal(t, "id-1", header.Get("X-Api-Connect-Id"))
	require.True(t, f.engine.Recording.Get(), "recording")

	sent := conn.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, frame.EventStartConnection, sent[0].Event)
	require.Equal(t, frame.EventStartSession, sent[1].Event)
	require.Equal(t, frame.ClientFullRequest, sent[1].Kind)
	require.Equal(t, "id-2", sent[1].SessionID)
	var payload startSession
	require.NoError(t, json.Unmarshal(sent[1].Payload, &payload))
	require.Equal(t, "Doubao", payload.Dialog.BotName)
	require.Equal(t, DefaultOutputSampleRate, payload.TTS.AudioConfig.SampleRate)
	require.Equal(t, "pcm_s16le", payload.TTS.AudioConfig.Format)

	feeding := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := byte(1); ; i++ {
			select {
			case f.recorder.chunks <- []byte{i, i}:
			case <-feeding:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(conn.Sent()) > 5
	}, time.Second, time.Millisecond, "audio forwarded")

	require.NoError(t, f.engine.Stop())
	close(feeding)
	<-fed

	events := conn.SentEvents()
	require.Equal(t, frame.EventTaskRequest, conn.Sent()[2].Event)
	require.Equal(t, "id-2", conn.Sent()[2].SessionID)
	require.Equal(t, frame.ClientAudioOnly, conn.Sent()[2].Kind)
	require.Equal(t, []frame.EventID{frame.EventFinishSession, frame.EventFinishConnection}, events[len(events)-2:], "no audio sent after finishing")

	require.Equal(t, Closed, f.engine.ConnectionState.Get())
	require.False(t, f.engine.Recording.Get(), "recording after stop")
	require.Equal(t, 1, conn.Closes())
	require.NoError(t, f.engine.Wait(context.Background()))

	var observed []State
	for len(observed) == 0 || observed[len(observed)-1] != Closed {
		observed = append(observed, receive(t, states))
	}
	require.Equal(t, []State{Connecting, Configuring, Conversing, Finishing, Closed}, observed)

	conn = f.start(t, Persona{})
	require.Equal(t, "id-3", f.dialer.headers[1].Get("X-Api-Connect-Id"), "restart uses a new connect id")
	require.Equal(t, "id-4", conn.Sent()[1].SessionID, "restart uses a new session id")
}

func TestTranscript(t *testing.T) {
	f := newFixture(t, nil)
	userSpeech := f.engine.UserSpeechCompleted.Subscribe(context.Background())
	defer userSpeech.Stop()
	aiResponses := f.engine.AIResponseCompleted.Subscribe(context.Background())
	defer aiResponses.Stop()
	conn := f.start(t, Persona{})

	conn.push(jsonFrame(frame.EventASRInfo, map[string]any{}))
	conn.push(jsonFrame(frame.EventASRResponse, frame.ASRPayload{Results: []frame.ASRResult{{Text: "hel", IsInterim: true}}}))
	conn.push(jsonFrame(frame.EventASRResponse, frame.ASRPayload{Results: []frame.ASRResult{{Text: "hello", IsInterim: false}}}))

	require.Eventually(t, func() bool {
		return f.engine.Transcript.Get() == "hello"
	}, time.Second, time.Millisecond, "final transcript published")

	conn.push(jsonFrame(frame.EventASREnded, map[string]any{}))
	utterance := receive(t, userSpeech)
	require.Equal(t, "hello", utterance.Text)
	require.Equal(t, "id-2", utterance.SessionID)

	conn.push(jsonFrame(frame.EventASREnded, map[string]any{}))
	conn.push(jsonFrame(frame.EventChatResponse, frame.ChatPayload{Content: "Hi, "}))
	conn.push(jsonFrame(frame.EventChatResponse, frame.ChatPayload{Content: "how can I help?"}))
	require.Eventually(t, func() bool {
		return f.engine.Response.Get() == "Hi, how can I help?"
	}, time.Second, time.Millisecond, "response delta published")
	conn.push(jsonFrame(frame.EventChatEnded, map[string]any{}))

	require.Equal(t, "Hi, how can I help?", receive(t, aiResponses).Text)

	select {
	case u := <-userSpeech.ResultChan():
		t.Fatalf("unexpected second user speech publication: %#v", u)
	default:
	}
}

func TestBargeIn(t *testing.T) {
	f := newFixture(t, nil)
	playing := f.engine.Playing.Subscribe(context.Background())
	defer playing.Stop()
	conn := f.start(t, Persona{})

	conn.push(jsonFrame(frame.EventChatResponse, frame.ChatPayload{Content: "Let me tell you a long story"}))
	conn.push(audioFrame([]byte{1, 1}))
	conn.push(audioFrame([]byte{2, 2}))
	require.Eventually(t, func() bool {
		return f.player.QueueLen() == 2
	}, time.Second, time.Millisecond)
	require.True(t, receive(t, playing), "playing")

	conn.push(jsonFrame(frame.EventASRInfo, map[string]any{}))
	require.False(t, receive(t, playing), "playing after barge-in")
	require.Equal(t, 0, f.player.QueueLen(), "queue length after barge-in")
	require.Eventually(t, func() bool {
		return f.engine.Response.Get() == ""
	}, time.Second, time.Millisecond, "response discarded")

	conn.push(audioFrame([]byte{3, 3}))
	require.True(t, receive(t, playing), "playing after new audio arrived")
	require.Equal(t, 1, f.player.QueueLen())
	_, _, flushes := f.player.Counts()
	require.Equal(t, 1, flushes)
}

func TestEchoSuppression(t *testing.T) {
	for _, c := range []struct {
		name            string
		echoSuppression bool
		expectForwarded bool
	}{
		{"enabled", true, false},
		{"disabled", false, true},
	} {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *Config) {
				cfg.EchoSuppression = c.echoSuppression
			})
			conn := f.start(t, Persona{})

			conn.push(audioFrame([]byte{1, 1}))
			require.Eventually(t, f.player.IsPlaying, time.Second, time.Millisecond)

			// the uplink processed a chunk once it reads the next one
			for i := 0; i < 4; i++ {
				f.recorder.chunks <- []byte{9, 9}
			}

			forwarded := 0
			for _, evt := range conn.SentEvents() {
				if evt == frame.EventTaskRequest {
					forwarded++
				}
			}
			if c.expectForwarded {
				require.GreaterOrEqual(t, forwarded, 3, "forwarded chunks")
			} else {
				require.Equal(t, 0, forwarded, "forwarded chunks while playing")

				require.NoError(t, f.player.Flush())
				for i := 0; i < 2; i++ {
					f.recorder.chunks <- []byte{8, 8}
				}
				require.Contains(t, conn.SentEvents(), frame.EventTaskRequest, "forwarded after playback stopped")
			}
		})
	}
}

func TestReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.err = &transport.Error{Kind: transport.KindTimeout, Op: "connect", Err: context.DeadlineExceeded}
	notices := f.engine.Notices.Subscribe(context.Background())
	defer notices.Stop()

	require.NoError(t, f.engine.Start(context.Background(), Persona{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.engine.Wait(ctx)

	require.Error(t, err)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, f.dialer.Attempts(), "initial attempt plus 3 retries")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.clock.sleeps, "delays")
	require.Equal(t, "connection timed out", UserMessage(err))
	require.Equal(t, Failed, f.engine.ConnectionState.Get())
	require.Equal(t, "connection timed out", receive(t, notices).Message)

	connectIDs := map[string]struct{}{}
	for _, h := range f.dialer.headers {
		connectIDs[h.Get("X-Api-Connect-Id")] = struct{}{}
	}
	require.Len(t, connectIDs, 4, "fresh connect id per attempt")
	require.Equal(t, int32(0), f.recorder.starts.Load(), "capture started")
}

func TestPermanentConnectError(t *testing.T) {
	f := newFixture(t, nil)
	f.dialer.err = &transport.Error{Kind: transport.KindAuth, Op: "connect", StatusCode: http.StatusUnauthorized}

	require.NoError(t, f.engine.Start(context.Background(), Persona{}))
	err := f.engine.Wait(context.Background())

	require.Error(t, err)
	require.Equal(t, 1, f.dialer.Attempts())
	require.Empty(t, f.clock.sleeps)
	require.Equal(t, "credentials rejected", UserMessage(err))
}

func TestIdempotentStop(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.Stop(), "stop without conversation")
	require.Equal(t, Idle, f.engine.ConnectionState.Get())

	conn := f.start(t, Persona{})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- f.engine.Stop()
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.NoError(t, f.engine.Stop())

	require.Equal(t, 1, conn.Closes(), "connection closes")
	require.Equal(t, int32(1), f.recorder.stops.Load(), "capture stops")
	_, stops, _ := f.player.Counts()
	require.Equal(t, 1, stops, "playback stops")
	require.Equal(t, Closed, f.engine.ConnectionState.Get())
}

func TestSingleFlightStart(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t, Persona{})

	err := f.engine.Start(context.Background(), Persona{})
	require.ErrorIs(t, err, ErrConversationActive)
	require.Equal(t, 1, f.dialer.Attempts())
	starts, _, _ := f.player.Counts()
	require.Equal(t, 1, starts)
	require.Equal(t, int32(1), f.recorder.starts.Load())
}

func TestRemoteClose(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t, Persona{})

	conn.terminate(transport.Event{Kind: transport.EventState, State: transport.Closed})

	err := f.engine.Wait(context.Background())
	require.ErrorIs(t, err, ErrRemoteClosed)
	require.Equal(t, "connection closed by remote", UserMessage(err))
	require.Equal(t, Failed, f.engine.ConnectionState.Get())
	require.Equal(t, int32(1), f.recorder.stops.Load())
	_, stops, _ := f.player.Counts()
	require.Equal(t, 1, stops)
}

func TestConnectionFailure(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t, Persona{})

	conn.terminate(transport.Event{
		Kind:  transport.EventState,
		State: transport.Failed,
		Err:   &transport.Error{Kind: transport.KindTimeout, Op: "read", Err: errors.New("no traffic")},
	})

	err := f.engine.Wait(context.Background())
	require.Error(t, err)
	require.Equal(t, "connection timed out", UserMessage(err))
	require.Equal(t, Failed, f.engine.ConnectionState.Get())
}

func TestRemoteErrorDoesNotTerminate(t *testing.T) {
	f := newFixture(t, nil)
	notices := f.engine.Notices.Subscribe(context.Background())
	defer notices.Stop()
	conn := f.start(t, Persona{})

	errFrame := jsonFrame(frame.EventDialogCommonError, frame.ErrorPayload{Error: "quota exceeded", Code: "45000001"})
	errFrame.Kind = frame.ServerError
	conn.push(errFrame)
	conn.push(jsonFrame(frame.EventID(4242), map[string]any{}))

	notice := receive(t, notices)
	require.Equal(t, "quota exceeded", notice.Message)
	require.Equal(t, Conversing, f.engine.ConnectionState.Get())
	require.NoError(t, f.engine.SendText(context.Background(), "are you still there?"))
	require.Contains(t, conn.SentEvents(), frame.EventChatTextQuery)
}

func TestGreeting(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t, Persona{Greeting: "Hello, how can I help you?"})

	conn.push(jsonFrame(frame.EventSessionStarted, frame.SessionStartedPayload{DialogID: "dialog-1"}))

	require.Eventually(t, func() bool {
		for _, f := range conn.Sent() {
			if f.Event == frame.EventSayHello {
				var p frame.ChatPayload
				return json.Unmarshal(f.Payload, &p) == nil && p.Content == "Hello, how can I help you?" && f.SessionID == "id-2"
			}
		}
		return false
	}, time.Second, time.Millisecond, "greeting sent")
}

func TestSendTextWithoutConversation(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.engine.SendText(context.Background(), "hi"), ErrNoConversation)
}

func TestContextCancellationStopsConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.engine.Start(ctx, Persona{}))
	conn := f.dialer.Conn(t, 0)
	f.waitForState(t, Conversing)

	cancel()

	f.waitForState(t, Closed)
	require.NoError(t, f.engine.Wait(context.Background()))
	require.Contains(t, conn.SentEvents(), frame.EventFinishSession)
}

func TestJSONProtocolHeaders(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Protocol = ProtocolJSON
		cfg.Credentials = Credentials{APIKey: "sk-test"}
	})
	conn := f.start(t, Persona{SystemRole: "Be brief."})

	require.Equal(t, "Bearer sk-test", f.dialer.headers[0].Get("Authorization"))
	require.Equal(t, "realtime=v1", f.dialer.headers[0].Get("OpenAI-Beta"))
	var payload realtimeSession
	require.NoError(t, json.Unmarshal(conn.Sent()[1].Payload, &payload))
	require.Equal(t, "Be brief.", payload.Instructions)
	require.Equal(t, "server_vad", payload.TurnDetection.Type)
	require.Equal(t, "pcm16", payload.InputAudioFormat)
}

func TestStopDuringCaptureSetup(t *testing.T) {
	recorder := newGatedRecorder()
	f := newFixture(t, func(c *Config) {
		c.Recorder = recorder
	})
	require.NoError(t, f.engine.Start(context.Background(), Persona{}))
	select {
	case <-recorder.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("capture was not started")
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- f.engine.Stop()
	}()

	require.Never(t, func() bool {
		return len(stopped) > 0
	}, 50*time.Millisecond, time.Millisecond, "stop returned while the capture stream was still opening")
	require.ErrorIs(t, f.engine.Start(context.Background(), Persona{}), ErrConversationActive)

	close(recorder.gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	require.Equal(t, int32(0), recorder.open.Load(), "open capture streams")
	require.Equal(t, int32(1), recorder.stops.Load(), "capture stops")
	require.False(t, f.engine.Recording.Get(), "recording")
	require.Equal(t, Closed, f.engine.ConnectionState.Get())

	f.start(t, Persona{})
	require.True(t, f.engine.Recording.Get(), "recording")
	require.NoError(t, f.engine.Stop())
	require.Equal(t, int32(1), recorder.maxOpen.Load(), "concurrently open capture streams")
	require.Equal(t, int32(0), recorder.open.Load(), "open capture streams")
}

func TestStopRacingConnectionFailure(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		conn := f.start(t, Persona{})

		go conn.terminate(transport.Event{
			Kind:  transport.EventState,
			State: transport.Failed,
			Err:   &transport.Error{Kind: transport.KindTimeout, Op: "read", Err: errors.New("no traffic")},
		})
		require.NoError(t, f.engine.Stop())

		state := f.engine.ConnectionState.Get()
		require.Contains(t, []State{Closed, Failed}, state, "iteration %d", i)
	}
}
