package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
)

// dispatchLoop routes the received frames in receipt order until the connection terminates.
func (c *conversation) dispatchLoop(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				if c.finishing.Load() || ctx.Err() != nil {
					return nil
				}
				return ErrRemoteClosed
			}

			if evt.Kind == transport.EventState {
				return c.connectionTerminated(ctx, evt)
			}

			c.engine.metrics.frameReceived(ctx, evt.Frame)
			c.dispatch(ctx, evt.Frame)
		}
	}
}

func (c *conversation) connectionTerminated(ctx context.Context, evt transport.Event) error {
	if c.finishing.Load() || ctx.Err() != nil {
		return nil
	}

	if evt.State == transport.Failed && evt.Err != nil {
		return fmt.Errorf("connection failed: %w", evt.Err)
	}

	return ErrRemoteClosed
}

func (c *conversation) dispatch(ctx context.Context, f frame.Frame) {
	e := c.engine

	if f.Kind == frame.ServerError {
		c.remoteError(f)
		return
	}

	switch f.Event {
	case frame.EventConnectionStarted:
		slog.Debug("connection started")
	case frame.EventSessionStarted:
		c.sessionStarted(ctx, f)
	case frame.EventSessionFinished, frame.EventConnectionFinished:
		c.mutex.Lock()
		c.session.active = false
		c.mutex.Unlock()
		slog.Debug(fmt.Sprintf("received %s", f.Event))
	case frame.EventASRInfo:
		c.bargeIn()
	case frame.EventASRResponse:
		var p frame.ASRPayload
		if !decodePayload(f, &p) || len(p.Results) == 0 {
			return
		}
		r := p.Results[0]
		c.mutex.Lock()
		if r.IsInterim {
			c.session.interim = r.Text
			c.mutex.Unlock()
			return
		}
		c.session.interim = ""
		c.session.transcript = r.Text
		c.mutex.Unlock()
		e.Transcript.Set(r.Text)
	case frame.EventASREnded:
		c.mutex.Lock()
		text := c.session.transcript
		sessionID := c.session.sessionID
		c.session.transcript = ""
		c.session.interim = ""
		c.mutex.Unlock()
		if text != "" {
			slog.Info(fmt.Sprintf("user: %s", text))
			e.UserSpeechCompleted.Publish(Utterance{SessionID: sessionID, Text: text, At: time.Now()})
		}
	case frame.EventChatResponse:
		var p frame.ChatPayload
		if !decodePayload(f, &p) {
			return
		}
		c.mutex.Lock()
		c.session.response.WriteString(p.Content)
		text := c.session.response.String()
		c.mutex.Unlock()
		e.Response.Set(text)
	case frame.EventChatEnded:
		c.mutex.Lock()
		text := c.session.response.String()
		sessionID := c.session.sessionID
		c.session.response.Reset()
		c.mutex.Unlock()
		if text != "" {
			slog.Info(fmt.Sprintf("assistant: %s", text))
			e.AIResponseCompleted.Publish(Utterance{SessionID: sessionID, Text: text, At: time.Now()})
		}
	case frame.EventTTSResponse:
		if f.Kind != frame.ServerAudioOnly {
			slog.Debug(fmt.Sprintf("ignoring %s frame of kind %s", f.Event, f.Kind))
			return
		}
		playback := c.playbackStream()
		if playback == nil {
			slog.Debug("dropping audio received before playback started")
			return
		}
		playback.Enqueue(f.Payload)
	case frame.EventTTSSentenceStart, frame.EventTTSSentenceEnd, frame.EventTTSEnded:
		slog.Debug(fmt.Sprintf("received %s", f.Event))
	case frame.EventSessionFailed, frame.EventConnectionFailed, frame.EventDialogCommonError:
		c.remoteError(f)
	default:
		slog.Debug(fmt.Sprintf("ignoring frame with unknown event %s", f.Event))
	}
}

func (c *conversation) sessionStarted(ctx context.Context, f frame.Frame) {
	var p frame.SessionStartedPayload
	if len(f.Payload) > 0 {
		decodePayload(f, &p)
	}

	c.mutex.Lock()
	c.session.active = true
	c.session.dialogID = p.DialogID
	sessionID := c.session.sessionID
	c.mutex.Unlock()

	slog.Info(fmt.Sprintf("session %s started", sessionID), "dialogID", p.DialogID)

	if greeting := c.persona.Greeting; greeting != "" {
		err := c.sendChat(ctx, frame.EventSayHello, greeting)
		if err != nil {
			slog.Warn("failed to send greeting", "err", err)
		}
	}
}

// bargeIn interrupts the assistant's speech since the user started speaking.
func (c *conversation) bargeIn() {
	e := c.engine

	if playback := c.playbackStream(); playback != nil {
		if playback.IsPlaying() {
			e.metrics.bargeIns.Add(c.ctx, 1)
		}
		if err := playback.Flush(); err != nil {
			slog.Warn("failed to flush audio playback", "err", err)
		}
	}

	c.mutex.Lock()
	c.session.response.Reset()
	c.mutex.Unlock()

	e.Response.Set("")
}

func (c *conversation) remoteError(f frame.Frame) {
	var p frame.ErrorPayload
	msg := string(f.Payload)
	if json.Unmarshal(f.Payload, &p) == nil && p.Error != "" {
		msg = p.Error
	}

	slog.Warn("remote reported an error", "event", f.Event, "code", p.Code, "err", msg)

	c.engine.Notices.Publish(Notice{Level: slog.LevelWarn, Message: msg})
}

func decodePayload(f frame.Frame, v any) bool {
	err := json.Unmarshal(f.Payload, v)
	if err != nil {
		slog.Warn(fmt.Sprintf("dropping %s frame with malformed payload", f.Event), "err", err)
		return false
	}
	return true
}
