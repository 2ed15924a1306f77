package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the eventlog section leaves fields
// empty. They match what the collector tooling around the gateway exports.
const (
	EnvEventLogURL = "REDIS_STREAM_URL"
	EnvEventLogKey = "REDIS_STREAM_KEY"
)

// Defaults applied by Load for fields the YAML leaves unset.
const (
	DefaultListenAddr        = ":9090"
	DefaultHealthAddr        = ":9091"
	DefaultServerURL         = "http://localhost:8080"
	DefaultEventLogURL       = "redis://localhost:6379/0"
	DefaultEventLogKey       = "transcription_segments"
	DefaultMaxClients        = 4
	DefaultMaxConnectionTime = 3600
	DefaultMonitorInterval   = 30
	DefaultFailureThreshold  = 5
)

// Default returns a fully-populated configuration carrying the built-in
// defaults. It is what the gateway runs with when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills unset fields with
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals. An empty document yields the same
// config as [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every unset field with its built-in default. The
// eventlog section additionally consults the REDIS_STREAM_URL and
// REDIS_STREAM_KEY environment variables before falling back.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Backend == "" {
		cfg.Server.Backend = BackendFasterWhisper
	}
	if cfg.Server.MaxClients == 0 {
		cfg.Server.MaxClients = DefaultMaxClients
	}
	if cfg.Server.MaxConnectionTime == 0 {
		cfg.Server.MaxConnectionTime = DefaultMaxConnectionTime
	}

	if cfg.Transcriber.Provider == "" {
		cfg.Transcriber.Provider = ProviderWhisperHTTP
	}
	if cfg.Transcriber.Provider == ProviderWhisperHTTP && cfg.Transcriber.ServerURL == "" {
		cfg.Transcriber.ServerURL = DefaultServerURL
	}
	if cfg.Transcriber.Task == "" {
		cfg.Transcriber.Task = TaskTranscribe
	}

	if cfg.VAD.Enabled == nil {
		enabled := true
		cfg.VAD.Enabled = &enabled
	}
	if cfg.VAD.Provider == "" {
		cfg.VAD.Provider = ProviderEnergyVAD
	}

	if cfg.EventLog.URL == "" {
		cfg.EventLog.URL = os.Getenv(EnvEventLogURL)
	}
	if cfg.EventLog.URL == "" {
		cfg.EventLog.URL = DefaultEventLogURL
	}
	if cfg.EventLog.StreamKey == "" {
		cfg.EventLog.StreamKey = os.Getenv(EnvEventLogKey)
	}
	if cfg.EventLog.StreamKey == "" {
		cfg.EventLog.StreamKey = DefaultEventLogKey
	}

	if cfg.Health.ListenAddr == "" {
		cfg.Health.ListenAddr = DefaultHealthAddr
	}
	if cfg.Health.MonitorInterval == 0 {
		cfg.Health.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = DefaultFailureThreshold
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Validate expects a
// config that already went through default application; zero numerics are
// reported as errors, not filled in.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Backend != "" && !cfg.Server.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("server.backend %q is invalid; valid values: %s, %s", cfg.Server.Backend, BackendFasterWhisper, BackendTensorRT))
	}
	if cfg.Server.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("server.max_clients must be at least 1, got %d", cfg.Server.MaxClients))
	}
	if cfg.Server.MaxConnectionTime < 1 {
		errs = append(errs, fmt.Errorf("server.max_connection_time must be at least 1 second, got %d", cfg.Server.MaxConnectionTime))
	}

	switch cfg.Transcriber.Provider {
	case ProviderWhisperHTTP:
		if cfg.Transcriber.ServerURL == "" {
			errs = append(errs, errors.New("transcriber.server_url is required for the whisper-http provider"))
		}
	case ProviderWhisperCGo:
		if cfg.Transcriber.ModelPath == "" {
			errs = append(errs, errors.New("transcriber.model_path is required for the whisper-cgo provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("transcriber.provider %q is invalid; valid values: %s, %s", cfg.Transcriber.Provider, ProviderWhisperHTTP, ProviderWhisperCGo))
	}
	if cfg.Transcriber.Task != "" && !cfg.Transcriber.Task.IsValid() {
		errs = append(errs, fmt.Errorf("transcriber.task %q is invalid; valid values: %s, %s", cfg.Transcriber.Task, TaskTranscribe, TaskTranslate))
	}

	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold must not be negative, got %v", cfg.VAD.Threshold))
	}

	if cfg.EventLog.URL == "" {
		errs = append(errs, errors.New("eventlog.url must not be empty"))
	}
	if cfg.EventLog.StreamKey == "" {
		errs = append(errs, errors.New("eventlog.stream_key must not be empty"))
	}

	if cfg.Health.MonitorInterval < 1 {
		errs = append(errs, fmt.Errorf("health.monitor_interval must be at least 1 second, got %d", cfg.Health.MonitorInterval))
	}
	if cfg.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must be at least 1, got %d", cfg.Health.FailureThreshold))
	}

	return errors.Join(errs...)
}
