package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/personaplex/internal/session"
	"github.com/MrWong99/personaplex/pkg/audio/mock"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body result
	if rec.Code != http.StatusNotFound {
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
	}
	return rec, body
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.Register(m)
	return m
}

func pass(context.Context) error { return nil }

// ── Liveness ─────────────────────────────────────────────────────────────────

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	rec, body := get(t, mux(New(WithChecker("session", func(context.Context) error {
		return errors.New("not connected")
	}))), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

// ── Readiness ────────────────────────────────────────────────────────────────

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		opts       []Option
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			opts:       []Option{WithChecker("session", pass), WithChecker("audio", pass)},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"session": "ok", "audio": "ok"},
		},
		{
			name: "one fails",
			opts: []Option{
				WithChecker("session", func(context.Context) error { return errors.New("not connected") }),
				WithChecker("audio", pass),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"session": "fail: not connected", "audio": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := get(t, mux(New(tt.opts...)), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %q = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	// Each check waits for the other; sequential evaluation would block
	// until the check timeout.
	a, b := make(chan struct{}), make(chan struct{})
	h := New(
		WithChecker("a", func(ctx context.Context) error {
			close(a)
			select {
			case <-b:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		WithChecker("b", func(ctx context.Context) error {
			close(b)
			select {
			case <-a:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)
	rec, _ := get(t, mux(h), "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(WithChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_IdleSessionIsNotReady(t *testing.T) {
	t.Parallel()
	ctrl := session.New(&mock.InputDevice{}, &mock.OutputDevice{})
	rec, body := get(t, mux(New(WithChecker("session", ctrl.Ready))), "/readyz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(body.Checks["session"], "idle") {
		t.Errorf("session check = %q, want it to name the idle state", body.Checks["session"])
	}
}

// ── Status ───────────────────────────────────────────────────────────────────

func TestStatusz(t *testing.T) {
	t.Parallel()
	h := New(WithStatus(func() any {
		return session.Status{Connected: true, InputLevel: 12}
	}))

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	var st session.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if !st.Connected || st.InputLevel != 12 {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusz_NotConfigured(t *testing.T) {
	t.Parallel()
	rec, _ := get(t, mux(New()), "/statusz")
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
