package dialogue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type Protocol string

const (
	// ProtocolBinary is the binary event framed dialogue protocol.
	ProtocolBinary Protocol = "binary"
	// ProtocolJSON is the JSON-over-text realtime protocol.
	ProtocolJSON Protocol = "json"

	DefaultResourceID = "volc.speech.dialog"
	DefaultSpeaker    = "zh_female_vv_jupiter_bigtts"
	DefaultVoice      = "alloy"
)

type Credentials struct {
	AppID      string
	AccessKey  string
	AppKey     string
	ResourceID string
	// APIKey authenticates against the JSON protocol endpoint.
	APIKey string
}

func (c Credentials) validate(protocol Protocol) error {
	var missing []string

	switch protocol {
	case ProtocolJSON:
		if c.APIKey == "" {
			missing = append(missing, "api key")
		}
	default:
		if c.AppID == "" {
			missing = append(missing, "app id")
		}
		if c.AccessKey == "" {
			missing = append(missing, "access key")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}

	return nil
}

// Header returns the handshake headers that authenticate a connection.
func (c Credentials) Header(protocol Protocol, connectID string) http.Header {
	h := http.Header{}

	if protocol == ProtocolJSON {
		h.Set("Authorization", "Bearer "+c.APIKey)
		h.Set("OpenAI-Beta", "realtime=v1")
		return h
	}

	resourceID := c.ResourceID
	if resourceID == "" {
		resourceID = DefaultResourceID
	}

	h.Set("X-Api-App-ID", c.AppID)
	h.Set("X-Api-Access-Key", c.AccessKey)
	h.Set("X-Api-Resource-Id", resourceID)
	h.Set("X-Api-App-Key", c.AppKey)
	h.Set("X-Api-Connect-Id", connectID)

	return h
}

type startSession struct {
	ASR    asrConfig    `json:"asr"`
	TTS    ttsConfig    `json:"tts"`
	Dialog dialogConfig `json:"dialog"`
}

type asrConfig struct {
	Extra asrExtra `json:"extra"`
}

type asrExtra struct {
	EndSmoothWindowMs int  `json:"end_smooth_window_ms"`
	EnableCustomVAD   bool `json:"enable_custom_vad"`
	EnableASRTwoPass  bool `json:"enable_asr_twopass"`
}

type ttsConfig struct {
	Speaker     string      `json:"speaker"`
	AudioConfig audioConfig `json:"audio_config"`
}

type audioConfig struct {
	Channel    int    `json:"channel"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type dialogConfig struct {
	BotName       string      `json:"bot_name,omitempty"`
	SystemRole    string      `json:"system_role,omitempty"`
	SpeakingStyle string      `json:"speaking_style,omitempty"`
	Extra         dialogExtra `json:"extra"`
}

type dialogExtra struct {
	Model       string `json:"model"`
	StrictAudit bool   `json:"strict_audit"`
}

type realtimeSession struct {
	Modalities              []string              `json:"modalities"`
	Instructions            string                `json:"instructions,omitempty"`
	Voice                   string                `json:"voice"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	TurnDetection           realtimeTurnDetection `json:"turn_detection"`
	InputAudioTranscription realtimeTranscription `json:"input_audio_transcription"`
}

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type realtimeTranscription struct {
	Model string `json:"model"`
}

// startSessionPayload returns the StartSession configuration declaring persona, audio format and turn detection.
func startSessionPayload(protocol Protocol, persona Persona, outputSampleRate int) ([]byte, error) {
	var payload any

	switch protocol {
	case ProtocolJSON:
		voice := persona.Speaker
		if voice == "" {
			voice = DefaultVoice
		}
		payload = realtimeSession{
			Modalities:        []string{"text", "audio"},
			Instructions:      instructions(persona),
			Voice:             voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: realtimeTurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			InputAudioTranscription: realtimeTranscription{Model: "whisper-1"},
		}
	default:
		speaker := persona.Speaker
		if speaker == "" {
			speaker = DefaultSpeaker
		}
		payload = startSession{
			ASR: asrConfig{Extra: asrExtra{
				EndSmoothWindowMs: 1500,
				EnableCustomVAD:   false,
				EnableASRTwoPass:  true,
			}},
			TTS: ttsConfig{
				Speaker: speaker,
				AudioConfig: audioConfig{
					Channel:    1,
					Format:     "pcm_s16le",
					SampleRate: outputSampleRate,
				},
			},
			Dialog: dialogConfig{
				BotName:       persona.BotName,
				SystemRole:    persona.SystemRole,
				SpeakingStyle: persona.SpeakingStyle,
				Extra: dialogExtra{
					Model:       "O",
					StrictAudit: true,
				},
			},
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal start session payload: %w", err)
	}

	return b, nil
}

func instructions(persona Persona) string {
	var parts []string
	if persona.BotName != "" {
		parts = append(parts, fmt.Sprintf("Your name is %s.", persona.BotName))
	}
	if persona.SystemRole != "" {
		parts = append(parts, persona.SystemRole)
	}
	if persona.SpeakingStyle != "" {
		parts = append(parts, persona.SpeakingStyle)
	}
	return strings.Join(parts, "\n")
}
