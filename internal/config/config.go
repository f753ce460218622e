// Package config provides the configuration schema, loader, file watcher and
// audio backend registry for the PersonaPlex client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/personaplex/internal/session"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// LogLevel controls log verbosity.
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

// SlogLevel maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Backend names an audio device implementation registered in a [Registry].
type Backend string

const (
	// BackendMalgo uses the platform's audio devices.
	BackendMalgo Backend = "malgo"

	// BackendNull produces silence and discards output on a wall clock. It
	// needs no hardware.
	BackendNull Backend = "null"
)

// Config is the root configuration structure for PersonaPlex.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	Transport  TransportConfig  `yaml:"transport"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Visualizer VisualizerConfig `yaml:"visualizer"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SessionConfig holds the server endpoint and the persona sent on connect.
type SessionConfig struct {
	// URL is the websocket endpoint of the conversation server.
	URL string `yaml:"url"`

	// Persona is the free-text instruction sent in the config message.
	Persona string `yaml:"persona"`

	// Voice is the voice identifier sent in the config message.
	Voice string `yaml:"voice"`
}

// AudioConfig selects the device backend and the microphone constraints.
type AudioConfig struct {
	// Backend selects the registered device implementation.
	Backend Backend `yaml:"backend"`

	// BlockFrames is the microphone block size in frames. Each block becomes
	// one outbound frame.
	BlockFrames int `yaml:"block_frames"`

	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// Constraints converts the section into capture constraints.
func (a AudioConfig) Constraints() audio.CaptureConstraints {
	return audio.CaptureConstraints{
		EchoCancellation: a.EchoCancellation,
		NoiseSuppression: a.NoiseSuppression,
		AutoGainControl:  a.AutoGainControl,
		Channels:         1,
		SampleRate:       audio.SampleRate,
		BlockFrames:      a.BlockFrames,
	}
}

// TransportConfig tunes the websocket connection.
type TransportConfig struct {
	// DialTimeout bounds the handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadLimit bounds a single inbound message in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// MaxConnectFailures is the number of consecutive failed connects after
	// which further attempts are refused for ConnectCooldown. Zero disables
	// the guard.
	MaxConnectFailures int `yaml:"max_connect_failures"`

	// ConnectCooldown is how long connects are refused once the guard trips.
	ConnectCooldown time.Duration `yaml:"connect_cooldown"`
}

// PlaybackConfig tunes the playback scheduler.
type PlaybackConfig struct {
	// LeadWarning logs a warning once per session when scheduled audio runs
	// further ahead of the output clock. Zero disables it.
	LeadWarning time.Duration `yaml:"lead_warning"`
}

// VisualizerConfig tunes the level meter loop.
type VisualizerConfig struct {
	// RefreshRate is the tick rate in Hz.
	RefreshRate float64 `yaml:"refresh_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level LogLevel `yaml:"level"`
}

// MetricsConfig configures the diagnostics HTTP listener.
type MetricsConfig struct {
	// ListenAddr is the address serving /metrics, /healthz and /readyz.
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// ServiceName is reported in telemetry resources.
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given. Loaded
// files are decoded on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			URL:     "ws://localhost:8000/ws",
			Persona: session.DefaultPersona,
			Voice:   session.DefaultVoice,
		},
		Audio: AudioConfig{
			Backend:          BackendMalgo,
			BlockFrames:      128,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Transport: TransportConfig{
			DialTimeout:        10 * time.Second,
			ReadLimit:          4 << 20,
			MaxConnectFailures: 3,
			ConnectCooldown:    15 * time.Second,
		},
		Playback: PlaybackConfig{
			LeadWarning: 30 * time.Second,
		},
		Visualizer: VisualizerConfig{
			RefreshRate: 60,
		},
		Log: LogConfig{
			Level: LogInfo,
		},
		Metrics: MetricsConfig{
			ServiceName: "personaplex",
		},
	}
}
