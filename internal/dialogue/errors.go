package dialogue

import (
	"errors"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrConversationActive = errors.New("a conversation is already active")
	ErrNoConversation     = errors.New("no active conversation")
	ErrRemoteClosed       = errors.New("connection closed by remote")
	ErrAudioDevice        = errors.New("audio device failure")
)

// UserMessage maps a conversation failure to a short text that can be shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingCredentials):
		return "missing credentials"
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, ErrAudioDevice):
		return "audio device unavailable"
	case errors.Is(err, ErrRemoteClosed):
		return "connection closed by remote"
	}

	kind, ok := transport.KindOf(err)
	if !ok {
		return "connection failed"
	}

	switch kind {
	case transport.KindAuth:
		return "credentials rejected"
	case transport.KindTimeout:
		return "connection timed out"
	case transport.KindNotFound, transport.KindUnsupported:
		return "remote does not support this feature"
	case transport.KindRefused, transport.KindUnavailable:
		return "connection refused"
	default:
		return "connection failed"
	}
}
