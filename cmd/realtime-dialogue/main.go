package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/mgoltzsche/realtime-dialogue/internal/audio"
	"github.com/mgoltzsche/realtime-dialogue/internal/chat"
	"github.com/mgoltzsche/realtime-dialogue/internal/cli"
	"github.com/mgoltzsche/realtime-dialogue/internal/dialogue"
	"github.com/mgoltzsche/realtime-dialogue/internal/fallback"
	"github.com/mgoltzsche/realtime-dialogue/internal/frame"
	"github.com/mgoltzsche/realtime-dialogue/internal/history"
	"github.com/mgoltzsche/realtime-dialogue/internal/pubsub"
	"github.com/mgoltzsche/realtime-dialogue/internal/retry"
	"github.com/mgoltzsche/realtime-dialogue/internal/soundgen"
	"github.com/mgoltzsche/realtime-dialogue/internal/stt"
	"github.com/mgoltzsche/realtime-dialogue/internal/telemetry"
	"github.com/mgoltzsche/realtime-dialogue/internal/transport"
	"github.com/mgoltzsche/realtime-dialogue/internal/vad"
	"github.com/mgoltzsche/realtime-dialogue/internal/wakeword"
	"github.com/mgoltzsche/realtime-dialogue/pkg/config"
)

func main() {
	err := cli.LoadDotEnv(".env")
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	var cfg config.Configuration
	configFile := config.NewFileFlag("/etc/realtime-dialogue/config.yaml", &cfg)

	listDevices := false
	testAudio := false

	flag.Var(configFile, "config", "Path to the configuration file")
	flag.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "dialogue protocol, either binary or json")
	flag.StringVar(&cfg.URL, "url", cfg.URL, "websocket URL of the realtime dialogue service")
	flag.StringVar(&cfg.AppID, "app-id", cfg.AppID, "app id used to authenticate with the binary protocol")
	flag.StringVar(&cfg.AccessKey, "access-key", cfg.AccessKey, "access key used to authenticate with the binary protocol")
	flag.StringVar(&cfg.AppKey, "app-key", cfg.AppKey, "app key used with the binary protocol")
	flag.StringVar(&cfg.ResourceID, "resource-id", cfg.ResourceID, "resource id used with the binary protocol")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key used to authenticate with the json protocol")
	flag.StringVar(&cfg.InputDevice, "input-device", cfg.InputDevice, "name or ID or the audio input device")
	flag.StringVar(&cfg.OutputDevice, "output-device", cfg.OutputDevice, "name or ID or the audio output device")
	flag.BoolVar(&cfg.PreferEchoCancel, "prefer-echo-cancel", cfg.PreferEchoCancel, "prefer an echo cancelling input device when no input device is specified")
	flag.BoolVar(&cfg.EchoSuppression, "echo-suppression", cfg.EchoSuppression, "do not send captured audio while the assistant is speaking")
	flag.IntVar(&cfg.CaptureChunkMs, "capture-chunk-ms", cfg.CaptureChunkMs, "duration of a captured audio chunk in milliseconds")
	flag.IntVar(&cfg.PlaybackReleaseDelayMs, "playback-release-delay-ms", cfg.PlaybackReleaseDelayMs, "delay after releasing the output device in milliseconds")
	flag.IntVar(&cfg.MaxReconnects, "max-reconnects", cfg.MaxReconnects, "number of times a failed connection attempt is retried")
	flag.StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "address to serve prometheus metrics on, disabled when empty")
	flag.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "path to the sqlite chat history, disabled when empty")
	flag.StringVar(&cfg.Persona.BotName, "bot-name", cfg.Persona.BotName, "name of the assistant")
	flag.StringVar(&cfg.Persona.Greeting, "greeting", cfg.Persona.Greeting, "text the assistant says when the conversation starts")
	flag.BoolVar(&cfg.Fallback.Enabled, "fallback", cfg.Fallback.Enabled, "use a text dialogue when the remote does not support realtime dialogues")
	flag.StringVar(&cfg.Fallback.WakeWord, "wake-word", cfg.Fallback.WakeWord, "word used to address the assistant in the text dialogue")
	flag.StringVar(&cfg.Fallback.ServerURL, "fallback-server-url", cfg.Fallback.ServerURL, "URL pointing to the OpenAI API server used by the text dialogue")
	flag.BoolVar(&listDevices, "list-devices", listDevices, "list the available audio devices and exit")
	flag.BoolVar(&testAudio, "test-audio", testAudio, "play a test tone and exit")
	cli.AddLogLevelFlag(flag.CommandLine)

	err = cli.ParseFlags(flag.CommandLine, "RTD_", os.Args[1:], os.Environ())
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			flag.Usage()
			slog.Error(err.Error())
		}
		os.Exit(2)
	}

	err = configFile.Err()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	err = portaudio.Initialize()
	if err != nil {
		slog.Error(fmt.Sprintf("initialize portaudio: %s", err))
		os.Exit(1)
	}
	defer portaudio.Terminate()

	if listDevices {
		audio.PrintAvailableDevices()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if testAudio {
		err = playTestTone(ctx, cfg)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		slog.Error(err.Error())
		stop()
		portaudio.Terminate()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Configuration) error {
	err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, "realtime-dialogue", cfg.MetricsAddress)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("failed to shut down telemetry", "err", err)
		}
	}()

	var store *history.Store
	if cfg.HistoryPath != "" {
		store, err = history.Open(ctx, cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	recorder := dialogue.CaptureRecorder(newCapture(cfg))

	engine, err := newEngine(cfg, recorder)
	if err != nil {
		return err
	}

	logObservables(ctx, engine)
	persist(ctx, store, engine.UserSpeechCompleted, engine.AIResponseCompleted)

	err = engine.Start(ctx, persona(cfg))
	if err != nil {
		return err
	}

	err = engine.Wait(context.Background())
	if err == nil || ctx.Err() != nil {
		slog.Info("terminating")
		return nil
	}

	if cfg.Fallback.Enabled && isUnsupported(err) {
		slog.Warn("remote does not support realtime dialogues, falling back to text dialogue", "err", err)
		return runFallback(ctx, cfg, recorder, store)
	}

	return err
}

func isUnsupported(err error) bool {
	kind, ok := transport.KindOf(err)
	return ok && (kind == transport.KindUnsupported || kind == transport.KindNotFound)
}

func newCapture(cfg config.Configuration) *audio.Capture {
	return &audio.Capture{
		Microphone: &audio.PortAudioMicrophone{
			Device:           cfg.InputDevice,
			PreferEchoCancel: cfg.PreferEchoCancel,
		},
		Format:        audio.Format{SampleRate: cfg.InputSampleRate, Channels: 1},
		ChunkDuration: time.Duration(cfg.CaptureChunkMs) * time.Millisecond,
		ReleaseDelay:  time.Duration(cfg.CaptureReleaseDelayMs) * time.Millisecond,
	}
}

func newPlayback(cfg config.Configuration) *audio.Playback {
	return &audio.Playback{
		Speaker:      &audio.PortAudioSpeaker{Device: cfg.OutputDevice},
		Format:       audio.Format{SampleRate: cfg.OutputSampleRate, Channels: 1},
		ReleaseDelay: time.Duration(cfg.PlaybackReleaseDelayMs) * time.Millisecond,
	}
}

func newEngine(cfg config.Configuration, recorder dialogue.Recorder) (*dialogue.Engine, error) {
	dialer := &transport.Dialer{
		Codec:          frame.Binary{},
		HTTPClient:     &http.Client{},
		ConnectTimeout: transport.DefaultConnectTimeout,
		PingInterval:   transport.DefaultPingInterval,
		ReadTimeout:    transport.DefaultReadTimeout,
		WriteTimeout:   transport.DefaultWriteTimeout,
		ReadLimit:      transport.DefaultReadLimit,
	}
	if cfg.Protocol == config.ProtocolJSON {
		dialer.Codec = frame.JSON{}
		dialer.FirstMessageTimeout = 5 * time.Second
	}

	return dialogue.New(dialogue.Config{
		URL:      cfg.URL,
		Protocol: dialogue.Protocol(cfg.Protocol),
		Credentials: dialogue.Credentials{
			AppID:      cfg.AppID,
			AccessKey:  cfg.AccessKey,
			AppKey:     cfg.AppKey,
			ResourceID: cfg.ResourceID,
			APIKey:     cfg.APIKey,
		},
		Dialer:           dialogue.TransportDialer(dialer),
		Recorder:         recorder,
		Player:           dialogue.PlaybackPlayer(newPlayback(cfg)),
		Retry:            retry.Policy{MaxRetries: cfg.MaxReconnects},
		EchoSuppression:  cfg.EchoSuppression,
		OutputSampleRate: cfg.OutputSampleRate,
	})
}

func persona(cfg config.Configuration) dialogue.Persona {
	return dialogue.Persona{
		BotName:       cfg.Persona.BotName,
		SystemRole:    cfg.Persona.SystemRole,
		SpeakingStyle: cfg.Persona.SpeakingStyle,
		Greeting:      cfg.Persona.Greeting,
		Speaker:       cfg.Persona.Speaker,
	}
}

func logObservables(ctx context.Context, engine *dialogue.Engine) {
	states := engine.ConnectionState.Subscribe(ctx)
	notices := engine.Notices.Subscribe(ctx)

	go func() {
		for state := range states.ResultChan() {
			slog.Info(fmt.Sprintf("conversation %s", state))
		}
	}()
	go func() {
		for n := range notices.ResultChan() {
			slog.Log(ctx, n.Level, n.Message)
		}
	}()
}

// persist appends the completed utterances to the chat history.
func persist(ctx context.Context, store *history.Store, user, assistant pubsub.Subscriber[dialogue.Utterance]) {
	if store == nil {
		return
	}

	for role, src := range map[history.Role]pubsub.Subscriber[dialogue.Utterance]{
		history.RoleUser:      user,
		history.RoleAssistant: assistant,
	} {
		sub := src.Subscribe(ctx)
		go func() {
			for u := range sub.ResultChan() {
				err := store.Append(context.WithoutCancel(ctx), history.Message{
					SessionID: u.SessionID,
					Role:      role,
					Text:      u.Text,
					CreatedAt: u.At,
				})
				if err != nil {
					slog.Warn("failed to persist message", "err", err)
				}
			}
		}()
	}
}

func runFallback(ctx context.Context, cfg config.Configuration, recorder dialogue.Recorder, store *history.Store) error {
	f := cfg.Fallback
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	transcriber := &stt.Transcriber{Service: &stt.Client{
		URL:    f.ServerURL,
		APIKey: f.APIKey,
		Model:  f.STTModel,
		Client: httpClient,
	}}
	completer := &chat.Completer{
		ServerURL:    f.ServerURL,
		APIKey:       f.APIKey,
		Model:        f.ChatModel,
		Temperature:  f.Temperature,
		SystemPrompt: cfg.Persona.SystemRole,
		HTTPClient:   httpClient,
	}

	l := fallback.NewListener(recorder, audio.Format{SampleRate: cfg.InputSampleRate, Channels: 1}, transcriber, completer)
	l.MinVolume = f.MinVolume
	if f.WakeWord != "" {
		l.WakeWord = wakeword.NewFilter(f.WakeWord)
	}
	defer l.Stop()

	if f.VADEnabled {
		detector := &vad.Detector{ModelPath: f.VADModelPath, SampleRate: cfg.InputSampleRate}
		gate, err := detector.Open()
		if err != nil {
			return err
		}
		defer func() {
			if err := gate.Close(); err != nil {
				slog.Warn("failed to close voice activity detector", "err", err)
			}
		}()
		l.VAD = gate
	}

	persist(ctx, store, l.UserSpeechCompleted, l.AIResponseCompleted)

	return l.Run(ctx)
}

func playTestTone(ctx context.Context, cfg config.Configuration) error {
	if cfg.OutputSampleRate == 0 {
		cfg.OutputSampleRate = dialogue.DefaultOutputSampleRate
	}

	playback := newPlayback(cfg)

	h, err := playback.Start(nil)
	if err != nil {
		return err
	}

	tone := soundgen.Tone(playback.Format, 440, 2*time.Second, 0.3)
	for _, chunk := range soundgen.Chunks(tone, playback.Format, 20*time.Millisecond) {
		h.Enqueue(chunk)
	}

	slog.Info("playing test tone")

	for h.QueueLen() > 0 || h.IsPlaying() {
		select {
		case <-ctx.Done():
			return h.Stop()
		case <-h.Done():
			return h.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return h.Stop()
}
