package dialogue

import (
	"fmt"
	"log/slog"
	"time"
)

type State int

const (
	Idle State = iota
	Connecting
	Configuring
	Conversing
	Finishing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Configuring:
		return "configuring"
	case Conversing:
		return "conversing"
	case Finishing:
		return "finishing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Persona parameterizes the assistant's voice and behaviour for a conversation.
type Persona struct {
	BotName       string `json:"botName,omitempty"`
	SystemRole    string `json:"systemRole,omitempty"`
	SpeakingStyle string `json:"speakingStyle,omitempty"`
	// Greeting is spoken by the assistant once the session started.
	Greeting string `json:"greeting,omitempty"`
	Speaker  string `json:"speaker,omitempty"`
}

// Utterance is a completed user or assistant turn.
type Utterance struct {
	SessionID string
	Text      string
	At        time.Time
}

// Notice is a message meant to be shown to the user.
type Notice struct {
	Level   slog.Level
	Message string
}
