// Package app wires the PersonaPlex client subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates the audio backend,
// telemetry, session controller and diagnostics server, Run serves until
// the context ends, and Shutdown tears everything down in order.
//
// For testing, inject an audio backend or clock via functional options
// (WithBackend, WithClock). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/personaplex/internal/config"
	"github.com/MrWong99/personaplex/internal/health"
	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/internal/playback"
	"github.com/MrWong99/personaplex/internal/resilience"
	"github.com/MrWong99/personaplex/internal/session"
	"github.com/MrWong99/personaplex/internal/transport"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// ErrUnknownCommand is returned by [App.Exec] for unrecognised input.
var ErrUnknownCommand = errors.New("app: unknown command")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	level    *slog.LevelVar
	clock    clock.Clock

	publisher session.Publisher
	onControl func(json.RawMessage)

	// Subsystems, initialised in New and torn down in Shutdown.
	backend  audio.Backend
	provider *observe.Provider
	metrics  *observe.Metrics
	ctrl     *session.Controller
	guard    *resilience.Breaker
	health   *health.Handler
	server   *http.Server

	// next holds the session values used by the next Connect. The config
	// watcher replaces it at runtime.
	mu   sync.Mutex
	next config.SessionConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an audio backend instead of creating one from the
// registry. The app still closes it on Shutdown.
func WithBackend(b audio.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithRegistry sets the registry used to create the configured audio
// backend.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLevelVar sets the level variable adjusted when log.level changes.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithClock sets the clock driving the visualisation loop.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithPublisher sets the status sink for the visualisation loop.
func WithPublisher(p session.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithControlHandler receives the server's JSON status messages.
func WithControlHandler(fn func(json.RawMessage)) Option {
	return func(a *App) { a.onControl = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, next: cfg.Session}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Log.Level.SlogLevel())
	}
	if a.clock == nil {
		a.clock = clock.New()
	}

	// ── 1. Audio backend ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		_ = a.runClosers(context.Background())
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 3. Session controller ────────────────────────────────────────────
	a.initSession()

	// ── 4. Diagnostics server ────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

func (a *App) initAudio() error {
	if a.backend == nil {
		if a.registry == nil {
			return errors.New("no audio backend and no registry")
		}
		b, err := a.registry.CreateAudio(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.backend = b
	}
	a.closers = append(a.closers, a.backend.Close)
	slog.Info("audio backend ready", "backend", a.cfg.Audio.Backend)
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	p, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: a.cfg.Metrics.ServiceName,
		Registry:    prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	a.provider = p
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(ctx)
	})

	m, err := observe.NewMetrics(p.MeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *App) initSession() {
	if n := a.cfg.Transport.MaxConnectFailures; n > 0 {
		a.guard = resilience.NewBreaker("connect",
			resilience.WithMaxFailures(n),
			resilience.WithCooldown(a.cfg.Transport.ConnectCooldown),
			resilience.WithClock(a.clock),
			resilience.WithIgnore(func(err error) bool {
				return errors.Is(err, session.ErrAborted) || errors.Is(err, audio.ErrDeviceUnavailable)
			}),
		)
	}

	opts := []session.Option{
		session.WithClock(a.clock),
		session.WithRefreshRate(a.cfg.Visualizer.RefreshRate),
		session.WithCaptureConstraints(a.cfg.Audio.Constraints()),
		session.WithMetrics(a.metrics),
		session.WithTransportOptions(
			transport.WithDialTimeout(a.cfg.Transport.DialTimeout),
			transport.WithReadLimit(a.cfg.Transport.ReadLimit),
			transport.WithMetrics(a.metrics),
		),
		session.WithPlaybackOptions(
			playback.WithLeadWarning(a.cfg.Playback.LeadWarning),
			playback.WithMetrics(a.metrics),
		),
		session.WithErrorHandler(func(err error) {
			slog.Warn("session ended by the connection", "err", err)
		}),
	}
	if a.publisher != nil {
		opts = append(opts, session.WithPublisher(a.publisher))
	}
	if a.onControl != nil {
		opts = append(opts, session.WithControlHandler(a.onControl))
	}
	a.ctrl = session.New(a.backend, a.backend, opts...)

	// Disconnect runs before the backend closes.
	a.closers = append([]func() error{func() error {
		a.ctrl.Disconnect()
		return nil
	}}, a.closers...)
}

func (a *App) initHTTP() {
	a.health = health.New(
		health.WithChecker("session", a.ctrl.Ready),
		health.WithStatus(func() any { return a.ctrl.Status() }),
	)
	if a.cfg.Metrics.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.provider.Handler())
	a.health.Register(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Health returns the probe handler, also mounted on the diagnostics server
// when one is configured.
func (a *App) Health() *health.Handler { return a.health }

// NextSession returns the values the next Connect will use.
func (a *App) NextSession() config.SessionConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// ─── Session control ─────────────────────────────────────────────────────────

// Connect starts a session with the current session values. After
// transport.max_connect_failures consecutive failures further attempts fail
// fast with [resilience.ErrCircuitOpen] until the cooldown has passed.
func (a *App) Connect(ctx context.Context) error {
	s := a.NextSession()
	connect := func() error {
		return a.ctrl.Connect(ctx, s.URL, session.Config{Persona: s.Persona, Voice: s.Voice})
	}
	if a.guard == nil {
		return connect()
	}
	return a.guard.Execute(connect)
}

// ApplyConfig applies the live-reloadable parts of a changed config file.
// It is suitable as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.mu.Lock()
		a.next = d.NewSession
		a.mu.Unlock()
		slog.Info("session settings changed; applied on next connect",
			"url", d.NewSession.URL,
			"voice", d.NewSession.Voice,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// Exec runs one interactive command and returns a line of feedback.
//
//	connect | disconnect | mic | mute | status | voice <id> | persona <text> | help
func (a *App) Exec(ctx context.Context, line string) (string, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "connect", "c":
		if err := a.Connect(ctx); err != nil {
			return "", err
		}
		return "connected, session " + a.ctrl.SessionID(), nil
	case "disconnect", "d":
		a.ctrl.Disconnect()
		return "disconnected", nil
	case "mic", "m":
		if a.ctrl.State() != session.StateActive {
			return "not connected", nil
		}
		if err := a.ctrl.StartMic(ctx); err != nil {
			return "", err
		}
		return "microphone on", nil
	case "mute":
		if err := a.ctrl.StopMic(); err != nil {
			return "", err
		}
		return "microphone off", nil
	case "status", "s":
		st := a.ctrl.Status()
		return fmt.Sprintf("state=%s recording=%t in=%.0f out=%.0f",
			a.ctrl.State(), st.Recording, st.InputLevel, st.OutputLevel), nil
	case "voice":
		if arg == "" {
			return "", errors.New("app: voice needs an identifier")
		}
		a.mu.Lock()
		a.next.Voice = arg
		a.mu.Unlock()
		return "voice " + arg + " applies on next connect", nil
	case "persona":
		if arg == "" {
			return "", errors.New("app: persona needs text")
		}
		a.mu.Lock()
		a.next.Persona = arg
		a.mu.Unlock()
		return "persona applies on next connect", nil
	case "help", "h", "?":
		return "commands: connect, disconnect, mic, mute, status, voice <id>, persona <text>, quit", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the diagnostics endpoints, if configured, until ctx is
// cancelled. ready, if non-nil, receives the bound address.
func (a *App) Run(ctx context.Context, ready func(net.Addr)) error {
	if a.server == nil {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}
	slog.Info("diagnostics listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the session and tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.runClosers(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
