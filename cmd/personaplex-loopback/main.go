// Command personaplex-loopback is a local stand-in for a PersonaPlex server.
// It accepts the client protocol on /ws and answers every audio frame with
// an echo (or noise), which makes it useful for latency and playback checks
// without a model behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/personaplex/internal/config"
	"github.com/MrWong99/personaplex/internal/loopback"
	"github.com/MrWong99/personaplex/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8000", "listen address")
	gain := flag.Float64("gain", 1, "gain applied to echoed audio")
	chunk := flag.Int("chunk", loopback.DefaultChunkFrames, "reply chunk length in frames; 0 echoes each frame immediately")
	noise := flag.Float64("noise", 0, "reply with noise of this peak amplitude instead of echo")
	logLevel := flag.String("log-level", string(config.LogInfo), "log level: debug, info, warn, error")
	flag.Parse()

	lvl := config.LogLevel(*logLevel)
	if !lvl.IsValid() {
		fmt.Fprintf(os.Stderr, "personaplex-loopback: invalid log level %q\n", *logLevel)
		return 2
	}
	slog.SetDefault(observe.NewConsoleLogger(os.Stderr, lvl.SlogLevel()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "personaplex-loopback"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := loopback.New(
		loopback.WithGain(float32(*gain)),
		loopback.WithNoise(float32(*noise)),
		loopback.WithChunkFrames(*chunk),
		loopback.WithMetrics(metrics),
		loopback.WithMetricsHandler(provider.Handler()),
	)
	ready := func(a net.Addr) {
		slog.Info("connect clients to", "url", "ws://"+a.String()+"/ws")
	}
	if err := srv.ListenAndServe(ctx, *addr, ready); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("loopback server failed", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
