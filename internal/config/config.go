// Package config provides the configuration schema and loader for the vexa
// transcription gateway.
package config

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend identifies the ASR engine family announced to clients in the
// SERVER_READY message. It also selects the minimum chunk duration the
// decode loop waits for before transcribing.
type Backend string

const (
	BackendFasterWhisper Backend = "faster_whisper"
	BackendTensorRT      Backend = "tensorrt"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendFasterWhisper || b == BackendTensorRT
}

// Task selects what the transcriber does with recognised speech.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// IsValid reports whether t is a recognised task.
func (t Task) IsValid() bool {
	return t == TaskTranscribe || t == TaskTranslate
}

// Built-in provider names. The registry in cmd/vexa binds them to their
// constructors; external binaries may register more.
const (
	ProviderWhisperHTTP = "whisper-http"
	ProviderWhisperCGo  = "whisper-cgo"
	ProviderEnergyVAD   = "energy"
)

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transcriber   TranscriberConfig   `yaml:"transcriber"`
	VAD           VADConfig           `yaml:"vad"`
	EventLog      EventLogConfig      `yaml:"eventlog"`
	Health        HealthConfig        `yaml:"health"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network, logging, and session admission settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the WebSocket gateway listens on
	// (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Backend is announced to clients and tunes the decode loop.
	Backend Backend `yaml:"backend"`

	// MaxClients caps concurrent sessions when the first handshake does
	// not carry its own max_clients value.
	MaxClients int `yaml:"max_clients"`

	// MaxConnectionTime is the per-session lifetime in seconds when the
	// first handshake does not carry its own max_connection_time value.
	MaxConnectionTime int `yaml:"max_connection_time"`

	// SingleModel serialises inference so concurrent sessions share one
	// loaded model instead of running it in parallel.
	SingleModel bool `yaml:"single_model"`
}

// TranscriberConfig selects and configures the ASR adapter.
type TranscriberConfig struct {
	// Provider selects the adapter: "whisper-http" talks to a running
	// whisper-server binary, "whisper-cgo" loads the model in-process
	// through the whisper.cpp bindings.
	Provider string `yaml:"provider"`

	// ServerURL is the whisper-server base URL for the whisper-http
	// provider (e.g., "http://localhost:8080").
	ServerURL string `yaml:"server_url"`

	// ModelPath is the ggml model file loaded by the whisper-cgo
	// provider.
	ModelPath string `yaml:"model_path"`

	// Model is an optional model identifier forwarded to whisper-server.
	Model string `yaml:"model"`

	// Language is the fallback language for sessions whose handshake does
	// not set one. Empty lets the backend auto-detect, if it can.
	Language string `yaml:"language"`

	// Task is the fallback task for sessions whose handshake does not set
	// one: "transcribe" or "translate".
	Task Task `yaml:"task"`
}

// VADConfig controls the server-side voice activity detector. Individual
// sessions can still opt out via the use_vad handshake field.
type VADConfig struct {
	// Enabled builds the detector at startup. When false, sessions never
	// run voice gating regardless of their handshake. Unset means
	// enabled.
	Enabled *bool `yaml:"enabled"`

	// Provider selects the detector implementation. Only "energy" is
	// built in.
	Provider string `yaml:"provider"`

	// Threshold is the RMS speech threshold in 16-bit PCM units.
	Threshold float64 `yaml:"threshold"`
}

// IsEnabled reports whether the detector should be built, treating an unset
// Enabled as true.
func (v VADConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// EventLogConfig points at the Redis stream transcriptions are republished
// to.
type EventLogConfig struct {
	// URL is the Redis connection URL. Empty falls back to the
	// REDIS_STREAM_URL environment variable, then to
	// "redis://localhost:6379/0".
	URL string `yaml:"url"`

	// StreamKey is the stream all events are appended to. Empty falls
	// back to the REDIS_STREAM_KEY environment variable, then to
	// "transcription_segments".
	StreamKey string `yaml:"stream_key"`
}

// HealthConfig holds the health endpoint address and self-monitor tuning.
type HealthConfig struct {
	// ListenAddr is the TCP address the /health endpoint listens on
	// (e.g., ":9091").
	ListenAddr string `yaml:"listen_addr"`

	// MonitorInterval is the seconds between self-monitor probes.
	MonitorInterval int `yaml:"monitor_interval"`

	// FailureThreshold is the number of consecutive failed probes after
	// which the process shuts itself down.
	FailureThreshold int `yaml:"failure_threshold"`
}

// ObservabilityConfig holds optional metrics exposure settings.
type ObservabilityConfig struct {
	// MetricsAddr is the TCP address of the Prometheus scrape endpoint
	// (e.g., ":9100"). Empty disables the listener; metrics are still
	// collected in-process.
	MetricsAddr string `yaml:"metrics_addr"`
}
