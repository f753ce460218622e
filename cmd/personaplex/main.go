// Command personaplex is a terminal client for full-duplex voice
// conversations with a PersonaPlex server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/personaplex/internal/app"
	"github.com/MrWong99/personaplex/internal/config"
	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/pkg/audio"
	"github.com/MrWong99/personaplex/pkg/audio/malgo"
	"github.com/MrWong99/personaplex/pkg/audio/null"
)

func main() {
	os.Exit(run())
}

// flags holds command-line overrides. Empty strings leave the config value.
type flags struct {
	configPath string
	envFile    string
	url        string
	persona    string
	voice      string
	backend    string
	mic        bool
	connect    bool
	meter      bool
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to the YAML configuration file (optional)")
	flag.StringVar(&f.envFile, "env", "", "dotenv file to load (default: .env if present)")
	flag.StringVar(&f.url, "url", "", "websocket URL of the server")
	flag.StringVar(&f.persona, "persona", "", "persona instruction sent on connect")
	flag.StringVar(&f.voice, "voice", "", "voice identifier sent on connect")
	flag.StringVar(&f.backend, "audio", "", "audio backend: malgo or null")
	flag.BoolVar(&f.mic, "mic", false, "turn the microphone on once connected")
	flag.BoolVar(&f.connect, "connect", true, "connect on startup")
	flag.BoolVar(&f.meter, "meter", true, "draw level meters when stderr is a terminal")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	var envFiles []string
	if f.envFile != "" {
		envFiles = append(envFiles, f.envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "personaplex: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "personaplex: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if err := f.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "personaplex: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.SlogLevel())
	slog.SetDefault(observe.NewConsoleLogger(os.Stderr, level))

	slog.Info("personaplex starting",
		"url", cfg.Session.URL,
		"voice", cfg.Session.Voice,
		"audio", cfg.Audio.Backend,
		"metrics_addr", cfg.Metrics.ListenAddr,
	)

	// ── Audio backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithLevelVar(level),
		app.WithControlHandler(logControl),
	}
	if f.meter && observe.IsTerminal(os.Stderr) {
		opts = append(opts, app.WithPublisher(newMeterLine(os.Stderr, 100*time.Millisecond)))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if f.configPath != "" {
		w, err := config.NewWatcher(f.configPath, func(old, new *config.Config) {
			o, n := *old, *new
			if err := f.apply(&o); err != nil {
				slog.Warn("config reload: overrides rejected", "err", err)
				return
			}
			if err := f.apply(&n); err != nil {
				slog.Warn("config reload: overrides rejected", "err", err)
				return
			}
			application.ApplyConfig(&o, &n)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if !w.Check() {
							slog.Info("config unchanged", "path", f.configPath)
						}
					}
				}
			}()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx, nil) })
	g.Go(func() error {
		if !f.connect {
			return nil
		}
		if err := application.Connect(gctx); err != nil {
			slog.Error("connect failed", "url", application.NextSession().URL, "err", err)
			return nil
		}
		if f.mic {
			if _, err := application.Exec(gctx, "mic"); err != nil {
				slog.Error("microphone unavailable", "err", err)
			}
		}
		return nil
	})

	// Stdin cannot be interrupted; the reader ends the run on quit or EOF
	// and is abandoned otherwise.
	go readCommands(gctx, os.Stdin, os.Stderr, application, stop)

	slog.Info("ready; type help for commands, quit or Ctrl+C to exit")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// apply layers PERSONAPLEX_* variables and then flags over cfg.
func (f flags) apply(cfg *config.Config) error {
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return err
	}
	if f.url != "" {
		cfg.Session.URL = f.url
	}
	if f.persona != "" {
		cfg.Session.Persona = f.persona
	}
	if f.voice != "" {
		cfg.Session.Voice = f.voice
	}
	if f.backend != "" {
		cfg.Audio.Backend = config.Backend(f.backend)
	}
	return config.Validate(cfg)
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the audio backends that ship with the client.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterAudio(config.BackendMalgo, func(config.AudioConfig) (audio.Backend, error) {
		b, err := malgo.New(malgo.WithLogger(slog.Default()))
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	reg.RegisterAudio(config.BackendNull, func(config.AudioConfig) (audio.Backend, error) {
		return null.New(), nil
	})
	for _, name := range reg.Backends() {
		slog.Debug("registered audio backend", "name", name)
	}
}

// ── Interaction ───────────────────────────────────────────────────────────────

// readCommands feeds input lines to the application until quit or EOF.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, a *app.App, quit func()) {
	defer quit()
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "quit", "q", "exit":
			return
		}
		msg, err := a.Exec(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "\r\033[K%v\n", err)
			continue
		}
		fmt.Fprintf(out, "\r\033[K%s\n", msg)
	}
}

// logControl logs server status messages.
func logControl(msg json.RawMessage) {
	var st struct {
		Type   string `json:"type"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(msg, &st); err != nil {
		slog.Debug("server message", "raw", string(msg))
		return
	}
	if st.Error != "" {
		slog.Warn("server reported an error", "status", st.Status, "err", st.Error)
		return
	}
	slog.Info("server status", "type", st.Type, "status", st.Status)
}
