package config

type Configuration struct {
	Protocol   string `json:"protocol,omitempty"`
	URL        string `json:"url"`
	AppID      string `json:"appId,omitempty"`
	AccessKey  string `json:"accessKey,omitempty"`
	AppKey     string `json:"appKey,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`

	InputDevice      string `json:"inputDevice,omitempty"`
	OutputDevice     string `json:"outputDevice,omitempty"`
	PreferEchoCancel bool   `json:"preferEchoCancel,omitempty"`
	EchoSuppression  bool   `json:"echoSuppression"`
	// InputSampleRate and OutputSampleRate default to the rates of the protocol when 0.
	InputSampleRate        int `json:"inputSampleRate,omitempty"`
	OutputSampleRate       int `json:"outputSampleRate,omitempty"`
	CaptureChunkMs         int `json:"captureChunkMs,omitempty"`
	CaptureReleaseDelayMs  int `json:"captureReleaseDelayMs,omitempty"`
	PlaybackReleaseDelayMs int `json:"playbackReleaseDelayMs,omitempty"`
	MaxReconnects          int `json:"maxReconnects,omitempty"`

	MetricsAddress string `json:"metricsAddress,omitempty"`
	HistoryPath    string `json:"historyPath,omitempty"`

	Persona  Persona  `json:"persona"`
	Fallback Fallback `json:"fallback"`
}

type Persona struct {
	BotName       string `json:"botName,omitempty"`
	SystemRole    string `json:"systemRole,omitempty"`
	SpeakingStyle string `json:"speakingStyle,omitempty"`
	Greeting      string `json:"greeting,omitempty"`
	Speaker       string `json:"speaker,omitempty"`
}

// Fallback configures the text based pipeline used when the remote does not support realtime dialogues.
type Fallback struct {
	Enabled      bool    `json:"enabled,omitempty"`
	ServerURL    string  `json:"serverURL,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	STTModel     string  `json:"sttModel,omitempty"`
	ChatModel    string  `json:"chatModel,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	WakeWord     string  `json:"wakeWord,omitempty"`
	MinVolume    int     `json:"minVolume,omitempty"`
	VADEnabled   bool    `json:"vadEnabled,omitempty"`
	VADModelPath string  `json:"vadModelPath,omitempty"`
}
