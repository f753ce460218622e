package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/personaplex/internal/app"
	"github.com/MrWong99/personaplex/internal/config"
	"github.com/MrWong99/personaplex/internal/loopback"
	"github.com/MrWong99/personaplex/internal/resilience"
	"github.com/MrWong99/personaplex/internal/session"
	"github.com/MrWong99/personaplex/pkg/audio"
	"github.com/MrWong99/personaplex/pkg/audio/null"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// countingBackend records Close calls on a real null backend.
type countingBackend struct {
	audio.Backend
	closed atomic.Int32
}

func (b *countingBackend) Close() error {
	b.closed.Add(1)
	return b.Backend.Close()
}

// startLoopback serves an echo peer and returns its websocket URL.
func startLoopback(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(loopback.New(
		loopback.WithChunkFrames(0),
		loopback.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// testConfig returns a config pointing at url with the null backend.
func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Session.URL = url
	cfg.Audio.Backend = config.BackendNull
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *countingBackend) {
	t.Helper()
	b := &countingBackend{Backend: null.New(null.WithSignal(null.Tone(440, 0.5)))}
	a, err := app.New(t.Context(), cfg, append([]app.Option{app.WithBackend(b)}, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_RequiresBackendOrRegistry(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/ws"))
	if err == nil {
		t.Fatal("New() without backend or registry succeeded")
	}
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()
	b := &countingBackend{Backend: null.New()}
	reg := config.NewRegistry()
	reg.RegisterAudio(config.BackendNull, func(config.AudioConfig) (audio.Backend, error) {
		return b, nil
	})

	a, err := app.New(t.Context(), testConfig("ws://127.0.0.1:1/ws"), app.WithRegistry(reg))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := b.closed.Load(); got != 1 {
		t.Errorf("backend closed %d times, want 1", got)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.Audio.Backend = "pulse"
	_, err := app.New(t.Context(), cfg, app.WithRegistry(config.NewRegistry()))
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New() error = %v, want ErrBackendNotRegistered", err)
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

func TestApp_EchoThroughLoopback(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig(startLoopback(t)))
	ctx := t.Context()

	if _, err := a.Exec(ctx, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.Exec(ctx, "mic"); err != nil {
		t.Fatalf("mic: %v", err)
	}

	ctrl := a.Controller()
	waitFor(t, "echoed audio on the output meter", func() bool {
		return ctrl.Status().OutputLevel > 0
	})
	st := ctrl.Status()
	if !st.Connected || !st.Recording || st.InputLevel <= 0 {
		t.Errorf("status = %+v, want connected, recording and an input level", st)
	}

	out, err := a.Exec(ctx, "status")
	if err != nil || !strings.Contains(out, "state=active") {
		t.Errorf("status = %q, %v", out, err)
	}

	if _, err := a.Exec(ctx, "disconnect"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ctrl.State() != session.StateIdle {
		t.Errorf("state after disconnect = %s, want idle", ctrl.State())
	}
}

func TestConnect_GuardTripsAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	// A server that is gone: dials are refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	cfg := testConfig(url)
	cfg.Transport.MaxConnectFailures = 2
	cfg.Transport.ConnectCooldown = time.Hour
	a, _ := newApp(t, cfg)

	for i := range 2 {
		err := a.Connect(t.Context())
		if err == nil || errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatalf("attempt %d: err = %v, want a dial error", i, err)
		}
	}
	if err := a.Connect(t.Context()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third attempt: err = %v, want ErrCircuitOpen", err)
	}
	if got := a.Controller().State(); got != session.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestConnect_GuardDisabled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	cfg := testConfig(url)
	cfg.Transport.MaxConnectFailures = 0
	a, _ := newApp(t, cfg)
	for i := range 4 {
		if err := a.Connect(t.Context()); errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatalf("attempt %d tripped a disabled guard", i)
		}
	}
}

func TestExec_MicWhileIdle(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig("ws://127.0.0.1:1/ws"))
	out, err := a.Exec(t.Context(), "mic")
	if err != nil || out != "not connected" {
		t.Errorf("mic while idle = %q, %v", out, err)
	}
}

func TestExec_NextSessionValues(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig("ws://127.0.0.1:1/ws"))
	ctx := t.Context()

	if _, err := a.Exec(ctx, "voice robot_1"); err != nil {
		t.Fatalf("voice: %v", err)
	}
	if _, err := a.Exec(ctx, "persona   You are a sea shanty bot."); err != nil {
		t.Fatalf("persona: %v", err)
	}
	next := a.NextSession()
	if next.Voice != "robot_1" || next.Persona != "You are a sea shanty bot." {
		t.Errorf("NextSession() = %+v", next)
	}

	if _, err := a.Exec(ctx, "voice"); err == nil {
		t.Error("voice without an argument succeeded")
	}
	if _, err := a.Exec(ctx, "dance"); !errors.Is(err, app.ErrUnknownCommand) {
		t.Errorf("unknown command error = %v, want ErrUnknownCommand", err)
	}
}

// ── Config reload ─────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig("ws://127.0.0.1:1/ws")
	a, _ := newApp(t, old, app.WithLevelVar(&level))

	updated := *old
	updated.Log.Level = config.LogDebug
	updated.Session.Voice = "natural_male_1"
	a.ApplyConfig(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.NextSession().Voice; got != "natural_male_1" {
		t.Errorf("NextSession().Voice = %q, want natural_male_1", got)
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

func TestRun_ServesDiagnostics(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	a, _ := newApp(t, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, func(addr net.Addr) { addrs <- addr }) }()

	var base string
	select {
	case addr := <-addrs:
		base = "http://" + addr.String()
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("diagnostics server never became ready")
	}

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusServiceUnavailable, "not connected"},
		{"/statusz", http.StatusOK, `"connected":false`},
		{"/metrics", http.StatusOK, "target_info"},
	}
	for _, tt := range tests {
		resp, err := http.Get(base + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
		}
		if !strings.Contains(string(body), tt.wantBody) {
			t.Errorf("GET %s body missing %q:\n%s", tt.path, tt.wantBody, body)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NoListenerWaitsForCancel(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig("ws://127.0.0.1:1/ws"))
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx, nil); err != nil {
		t.Errorf("Run() error: %v", err)
	}
}

// ── Shutdown ──────────────────────────────────────────────────────────────────

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, b := newApp(t, testConfig("ws://127.0.0.1:1/ws"))
	for range 3 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	}
	if got := b.closed.Load(); got != 1 {
		t.Errorf("backend closed %d times, want 1", got)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	a, b := newApp(t, testConfig("ws://127.0.0.1:1/ws"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() error = %v, want context.Canceled", err)
	}
	if got := b.closed.Load(); got != 0 {
		t.Errorf("backend closed despite expired context")
	}
}
