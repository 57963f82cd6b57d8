package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(file, []byte(`
protocol: json
url: wss://example.org/v1/realtime
apiKey: fake-key
echoSuppression: false
persona:
  botName: Ada
  greeting: Hello
fallback:
  enabled: true
  serverURL: http://localhost:8080
`), 0o600)
	require.NoError(t, err)

	cfg, err := FromFile(file)
	require.NoError(t, err)

	require.Equal(t, ProtocolJSON, cfg.Protocol)
	require.Equal(t, "fake-key", cfg.APIKey)
	require.False(t, cfg.EchoSuppression)
	require.Equal(t, "Ada", cfg.Persona.BotName)
	require.Equal(t, "Hello", cfg.Persona.Greeting)
	require.True(t, cfg.Fallback.Enabled)
	require.Equal(t, "whisper-1", cfg.Fallback.STTModel, "default preserved")
	require.Equal(t, 50, cfg.PlaybackReleaseDelayMs, "default preserved")

	require.NoError(t, cfg.Validate())
	require.Equal(t, 24000, cfg.InputSampleRate)
	require.Equal(t, 24000, cfg.OutputSampleRate)
}

func TestFromFileUnknownField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(file, []byte("unknownField: x\n"), 0o600)
	require.NoError(t, err)

	_, err = FromFile(file)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name        string
		modify      func(*Configuration)
		credentials bool
		valid       bool
	}{
		{
			name:   "binary",
			modify: func(c *Configuration) { c.AppID, c.AccessKey = "app", "key" },
			valid:  true,
		},
		{
			name:        "binary without access key",
			modify:      func(c *Configuration) { c.AppID = "app" },
			credentials: true,
		},
		{
			name:        "json without api key",
			modify:      func(c *Configuration) { c.Protocol = ProtocolJSON },
			credentials: true,
		},
		{
			name:   "unsupported protocol",
			modify: func(c *Configuration) { c.Protocol = "grpc" },
		},
		{
			name: "negative release delay",
			modify: func(c *Configuration) {
				c.AppID, c.AccessKey = "app", "key"
				c.PlaybackReleaseDelayMs = -1
			},
		},
		{
			name: "fallback without server url",
			modify: func(c *Configuration) {
				c.AppID, c.AccessKey = "app", "key"
				c.Fallback.Enabled = true
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
				require.Equal(t, 16000, cfg.InputSampleRate)
				return
			}
			require.Error(t, err)
			require.Equal(t, tc.credentials, errors.Is(err, ErrMissingCredentials))
		})
	}
}

func TestFileFlag(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	err := os.WriteFile(valid, []byte("protocol: json\napiKey: fake-key\n"), 0o600)
	require.NoError(t, err)
	invalid := filepath.Join(dir, "invalid.yaml")
	err = os.WriteFile(invalid, []byte("unknownField: true\n"), 0o600)
	require.NoError(t, err)

	t.Run("missing default file", func(t *testing.T) {
		var cfg Configuration
		f := NewFileFlag(filepath.Join(dir, "missing.yaml"), &cfg)
		require.NoError(t, f.Err())
		require.Equal(t, Default(), cfg)
	})
	t.Run("invalid default file", func(t *testing.T) {
		var cfg Configuration
		f := NewFileFlag(invalid, &cfg)
		require.Error(t, f.Err())
		require.Contains(t, f.Err().Error(), invalid)

		require.NoError(t, f.Set(valid))
		require.NoError(t, f.Err(), "error of the replaced default file")
		require.Equal(t, valid, f.String())
		require.Equal(t, ProtocolJSON, cfg.Protocol)
		require.Equal(t, "fake-key", cfg.APIKey)
	})
	t.Run("set missing file", func(t *testing.T) {
		var cfg Configuration
		f := NewFileFlag(valid, &cfg)
		require.NoError(t, f.Err())

		err := f.Set(filepath.Join(dir, "missing.yaml"))
		require.ErrorIs(t, err, fs.ErrNotExist)
		require.Equal(t, valid, f.String())
		require.Equal(t, "fake-key", cfg.APIKey, "configuration retained")
	})
}
