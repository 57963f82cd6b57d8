package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encoding is the websocket message type a codec reads and writes.
type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingText
)

func (e Encoding) String() string {
	if e == EncodingText {
		return "text"
	}
	return "binary"
}

// Codec maps frames to websocket messages and back.
// Encode returns a nil message for frames that have no wire form.
// Decode may yield zero or more frames per message.
type Codec interface {
	Encoding() Encoding
	Encode(f Frame) ([]byte, error)
	Decode(enc Encoding, msg []byte) ([]Frame, error)
}

// Binary is the length prefixed binary protocol codec.
type Binary struct{}

func (Binary) Encoding() Encoding {
	return EncodingBinary
}

func (Binary) Encode(f Frame) ([]byte, error) {
	return Encode(f)
}

func (Binary) Decode(enc Encoding, msg []byte) ([]Frame, error) {
	if enc != EncodingBinary {
		return nil, &DecodeError{Err: fmt.Errorf("%w: unexpected %s message", ErrMalformed, enc)}
	}

	f, err := Decode(msg)
	if err != nil {
		return nil, err
	}

	return []Frame{f}, nil
}

// JSON maps frames onto the JSON-over-text realtime protocol.
// Binary messages received through it are treated as raw output audio.
type JSON struct{}

func (JSON) Encoding() Encoding {
	return EncodingText
}

type jsonClientEvent struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
	Audio   string          `json:"audio,omitempty"`
}

func (JSON) Encode(f Frame) ([]byte, error) {
	var evt jsonClientEvent

	switch f.Event {
	case EventStartSession:
		if !json.Valid(f.Payload) {
			return nil, fmt.Errorf("encode %s: session payload is not valid JSON", f.Event)
		}
		evt = jsonClientEvent{Type: "session.update", Session: f.Payload}
	case EventTaskRequest:
		evt = jsonClientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(f.Payload)}
	case EventFinishSession:
		evt = jsonClientEvent{Type: "input_audio_buffer.commit"}
	default:
		return nil, nil
	}

	return json.Marshal(evt)
}

type jsonServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Session    struct {
		ID string `json:"id"`
	} `json:"session"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (JSON) Decode(enc Encoding, msg []byte) ([]Frame, error) {
	if enc == EncodingBinary {
		return []Frame{audioResponse(msg)}, nil
	}

	var evt jsonServerEvent

	err := json.Unmarshal(msg, &evt)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
	}

	switch evt.Type {
	case "session.created":
		f := serverEvent(EventConnectionStarted, nil)
		f.SessionID = evt.Session.ID
		return []Frame{f}, nil
	case "session.updated":
		b, err := json.Marshal(SessionStartedPayload{DialogID: evt.Session.ID})
		if err != nil {
			return nil, err
		}
		return []Frame{serverEvent(EventSessionStarted, b)}, nil
	case "input_audio_buffer.speech_started":
		return []Frame{serverEvent(EventASRInfo, []byte("{}"))}, nil
	case "conversation.item.input_audio_transcription.completed":
		b, err := json.Marshal(ASRPayload{Results: []ASRResult{{Text: evt.Transcript}}})
		if err != nil {
			return nil, err
		}
		return []Frame{
			serverEvent(EventASRResponse, b),
			serverEvent(EventASREnded, []byte("{}")),
		}, nil
	case "response.text.delta", "response.audio_transcript.delta":
		b, err := json.Marshal(ChatPayload{Content: evt.Delta})
		if err != nil {
			return nil, err
		}
		return []Frame{serverEvent(EventChatResponse, b)}, nil
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("%w: audio delta: %w", ErrMalformed, err)}
		}
		return []Frame{audioResponse(pcm)}, nil
	case "response.done":
		return []Frame{serverEvent(EventChatEnded, []byte("{}"))}, nil
	case "error":
		p := ErrorPayload{Error: "unknown error"}
		if evt.Error != nil {
			p = ErrorPayload{Error: evt.Error.Message, Code: evt.Error.Code}
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		f := serverEvent(EventDialogCommonError, b)
		f.Kind = ServerError
		return []Frame{f}, nil
	default:
		return nil, nil
	}
}

func serverEvent(event EventID, payload []byte) Frame {
	return Frame{
		Kind:          ServerFullResponse,
		Serialization: SerializationJSON,
		Event:         event,
		Payload:       payload,
	}
}

func audioResponse(pcm []byte) Frame {
	return Frame{
		Kind:          ServerAudioOnly,
		Serialization: SerializationRaw,
		Event:         EventTTSResponse,
		Payload:       pcm,
	}
}
