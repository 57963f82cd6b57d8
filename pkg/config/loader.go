package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ProtocolBinary = "binary"
	ProtocolJSON   = "json"
)

var ErrMissingCredentials = errors.New("missing credentials")

// Default returns the configuration used for fields not specified within a file.
func Default() Configuration {
	return Configuration{
		Protocol:               ProtocolBinary,
		URL:                    "wss://openspeech.bytedance.com/api/v3/realtime/dialogue",
		EchoSuppression:        true,
		CaptureChunkMs:         20,
		PlaybackReleaseDelayMs: 50,
		MaxReconnects:          3,
		Fallback: Fallback{
			STTModel:     "whisper-1",
			ChatModel:    "gpt-4o-mini",
			Temperature:  0.7,
			MinVolume:    450,
			VADModelPath: "/silero_vad.onnx",
		},
	}
}

func FromFile(path string) (Configuration, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	m := map[string]any{}

	err = yaml.Unmarshal(b, &m)
	if err != nil {
		return cfg, fmt.Errorf("read config at %s: %w", path, err)
	}

	b, err = json.Marshal(m)
	if err != nil {
		return cfg, fmt.Errorf("load config: marshal config: %w", err)
	}

	d := json.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()

	err = d.Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("read config at %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration and derives protocol specific defaults.
func (c *Configuration) Validate() error {
	if c.URL == "" {
		return errors.New("no dialogue service url configured")
	}

	switch c.Protocol {
	case ProtocolBinary:
		if c.AppID == "" || c.AccessKey == "" {
			return fmt.Errorf("%w: app id and access key must be specified", ErrMissingCredentials)
		}
		if c.InputSampleRate == 0 {
			c.InputSampleRate = 16000
		}
	case ProtocolJSON:
		if c.APIKey == "" {
			return fmt.Errorf("%w: api key must be specified", ErrMissingCredentials)
		}
		if c.InputSampleRate == 0 {
			c.InputSampleRate = 24000
		}
	default:
		return fmt.Errorf("unsupported protocol %q, supported protocols are %q and %q", c.Protocol, ProtocolBinary, ProtocolJSON)
	}

	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = 24000
	}

	if c.CaptureChunkMs <= 0 {
		return fmt.Errorf("capture chunk duration must be positive but was %dms", c.CaptureChunkMs)
	}

	if c.PlaybackReleaseDelayMs < 0 || c.CaptureReleaseDelayMs < 0 {
		return errors.New("release delays must not be negative")
	}

	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative but was %d", c.MaxReconnects)
	}

	if c.Fallback.Enabled && c.Fallback.ServerURL == "" {
		return errors.New("fallback enabled but no fallback server url configured")
	}

	return nil
}
