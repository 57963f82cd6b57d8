package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/pubsub"
	"github.com/mgoltzsche/realtime-dialogue/internal/retry"
)

const DefaultOutputSampleRate = 24000

type Config struct {
	URL         string
	Protocol    Protocol
	Credentials Credentials
	Dialer      Dialer
	Recorder    Recorder
	Player      Player
	// Retry decides whether and when failed connection attempts are repeated.
	// Only transient transport errors are retried unless Retry.Retryable is set.
	Retry retry.Policy
	// EchoSuppression drops captured audio while the assistant is speaking.
	EchoSuppression bool
	// OutputSampleRate is the sample rate the service is asked to synthesize speech with.
	OutputSampleRate int
	NewID            func() string
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("no dialogue service url configured")
	}

	switch c.Protocol {
	case "":
		c.Protocol = ProtocolBinary
	case ProtocolBinary, ProtocolJSON:
	default:
		return fmt.Errorf("unsupported protocol %q, supported protocols are %q and %q", c.Protocol, ProtocolBinary, ProtocolJSON)
	}

	if err := c.Credentials.validate(c.Protocol); err != nil {
		return err
	}

	if c.Dialer == nil || c.Recorder == nil || c.Player == nil {
		return errors.New("dialer, recorder and player must be specified")
	}

	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}

	if c.NewID == nil {
		c.NewID = uuid.NewString
	}

	return nil
}

// Engine runs at most one realtime voice conversation at a time and publishes its observable state.
type Engine struct {
	config  Config
	metrics *metrics
	mutex   sync.Mutex
	current *conversation

	ConnectionState     *pubsub.Value[State]
	Recording           *pubsub.Value[bool]
	Playing             *pubsub.Value[bool]
	Transcript          *pubsub.Value[string]
	Response            *pubsub.Value[string]
	UserSpeechCompleted *pubsub.PubSub[Utterance]
	AIResponseCompleted *pubsub.PubSub[Utterance]
	Notices             *pubsub.PubSub[Notice]
}

func New(cfg Config) (*Engine, error) {
	err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid dialogue configuration: %w", err)
	}

	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:              cfg,
		metrics:             m,
		ConnectionState:     pubsub.NewValue(Idle),
		Recording:           pubsub.NewValue(false),
		Playing:             pubsub.NewValue(false),
		Transcript:          pubsub.NewValue(""),
		Response:            pubsub.NewValue(""),
		UserSpeechCompleted: pubsub.New[Utterance](),
		AIResponseCompleted: pubsub.New[Utterance](),
		Notices:             pubsub.New[Notice](),
	}, nil
}

// Start starts a new conversation in the background.
// It is rejected while another conversation is active or still tearing down.
// Cancelling ctx stops the conversation.
func (e *Engine) Start(ctx context.Context, persona Persona) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if c := e.current; c != nil && !c.isDone() {
		slog.Warn("ignoring request to start a conversation since one is already active")
		return ErrConversationActive
	}

	payload, err := startSessionPayload(e.config.Protocol, persona, e.config.OutputSampleRate)
	if err != nil {
		return err
	}

	c := newConversation(ctx, e, persona, payload)
	e.current = c

	go c.run()

	return nil
}

// Stop finishes the current conversation and waits for its teardown to complete.
// It is a no-op when no conversation is active.
func (e *Engine) Stop() error {
	c := e.conversation()
	if c == nil {
		return nil
	}

	c.finish()
	<-c.done

	return nil
}

// Wait blocks until the current conversation ended and returns the error it failed with.
func (e *Engine) Wait(ctx context.Context) error {
	c := e.conversation()
	if c == nil {
		return nil
	}

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText sends a text query the assistant answers like a spoken one.
func (e *Engine) SendText(ctx context.Context, text string) error {
	return e.sendChat(ctx, frame.EventChatTextQuery, text)
}

// SayHello makes the assistant speak the given text.
func (e *Engine) SayHello(ctx context.Context, text string) error {
	return e.sendChat(ctx, frame.EventSayHello, text)
}

func (e *Engine) sendChat(ctx context.Context, event frame.EventID, text string) error {
	c := e.conversation()
	if c == nil || c.isDone() || e.ConnectionState.Get() != Conversing {
		return ErrNoConversation
	}

	return c.sendChat(ctx, event, text)
}

func (e *Engine) conversation() *conversation {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.current
}

func (e *Engine) setState(s State) {
	if e.ConnectionState.Set(s) {
		slog.Debug(fmt.Sprintf("conversation state: %s", s))
	}
}

func marshalChat(text string) ([]byte, error) {
	b, err := json.Marshal(frame.ChatPayload{Content: text})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	return b, nil
}
