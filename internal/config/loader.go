package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/personaplex/internal/session"
)

// Environment variables consulted by [ApplyEnv].
const (
	EnvURL     = "PERSONAPLEX_URL"
	EnvPersona = "PERSONAPLEX_PERSONA"
	EnvVoice   = "PERSONAPLEX_VOICE"
	EnvBackend = "PERSONAPLEX_AUDIO_BACKEND"
	EnvLog     = "PERSONAPLEX_LOG_LEVEL"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. With no arguments it reads
// ".env" in the working directory; a missing default file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with the PERSONAPLEX_* variables found through
// lookup (typically [os.LookupEnv]) and re-validates it.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvURL); ok {
		cfg.Session.URL = v
	}
	if v, ok := lookup(EnvPersona); ok {
		cfg.Session.Persona = v
	}
	if v, ok := lookup(EnvVoice); ok {
		cfg.Session.Voice = v
	}
	if v, ok := lookup(EnvBackend); ok {
		cfg.Audio.Backend = Backend(v)
	}
	if v, ok := lookup(EnvLog); ok {
		cfg.Log.Level = LogLevel(v)
	}
	return Validate(cfg)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Session
	if cfg.Session.URL == "" {
		errs = append(errs, errors.New("session.url is required"))
	} else if u, err := url.Parse(cfg.Session.URL); err != nil {
		errs = append(errs, fmt.Errorf("session.url %q is invalid: %w", cfg.Session.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("session.url %q must use ws or wss", cfg.Session.URL))
	}
	if cfg.Session.Voice != "" && !slices.Contains(session.Voices, cfg.Session.Voice) {
		slog.Warn("unknown voice; the server may reject it",
			"voice", cfg.Session.Voice,
			"known", session.Voices,
		)
	}

	// Audio
	if cfg.Audio.Backend == "" {
		errs = append(errs, errors.New("audio.backend is required"))
	}
	if cfg.Audio.BlockFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_frames %d must be positive", cfg.Audio.BlockFrames))
	}

	// Transport
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout %s must not be negative", cfg.Transport.DialTimeout))
	}
	if cfg.Transport.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("transport.read_limit %d must not be negative", cfg.Transport.ReadLimit))
	}
	if cfg.Transport.MaxConnectFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.max_connect_failures %d must not be negative", cfg.Transport.MaxConnectFailures))
	}
	if cfg.Transport.ConnectCooldown < 0 {
		errs = append(errs, fmt.Errorf("transport.connect_cooldown %s must not be negative", cfg.Transport.ConnectCooldown))
	}

	// Playback
	if cfg.Playback.LeadWarning < 0 {
		errs = append(errs, fmt.Errorf("playback.lead_warning %s must not be negative", cfg.Playback.LeadWarning))
	}

	// Visualizer
	if cfg.Visualizer.RefreshRate <= 0 || cfg.Visualizer.RefreshRate > 1000 {
		errs = append(errs, fmt.Errorf("visualizer.refresh_rate %g is out of range (0, 1000]", cfg.Visualizer.RefreshRate))
	}

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	return errors.Join(errs...)
}
