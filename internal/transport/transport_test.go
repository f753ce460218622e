package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/personaplex/internal/transport"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn and owns it until it returns.
func startServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// drain reads until the client goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

type message struct {
	typ  websocket.MessageType
	data []byte
}

// readN reads n messages from conn.
func readN(ctx context.Context, conn *websocket.Conn, n int) ([]message, error) {
	out := make([]message, 0, n)
	for range n {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, message{typ, data})
	}
	return out, nil
}

func open(t *testing.T, srv *httptest.Server, opts ...transport.Option) *transport.Channel {
	t.Helper()
	ch := transport.New(wsURL(srv), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestChannel_ControlThenFramesInOrder(t *testing.T) {
	t.Parallel()

	got := make(chan []message, 1)
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		msgs, _ := readN(ctx, conn, 4)
		got <- msgs
		drain(ctx, conn)
	})

	ch := open(t, srv)
	if err := ch.SendControl(map[string]string{"type": "config", "persona": "p", "voice": "v"}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	ch.Send([]int16{1, 2})
	ch.Send([]int16{3})
	ch.Send([]int16{-1, 0x0102})

	var msgs []message
	select {
	case msgs = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive 4 messages")
	}
	if len(msgs) != 4 {
		t.Fatalf("server read %d messages, want 4", len(msgs))
	}

	if msgs[0].typ != websocket.MessageText {
		t.Fatalf("first message type = %v, want text", msgs[0].typ)
	}
	var cfg map[string]string
	if err := json.Unmarshal(msgs[0].data, &cfg); err != nil {
		t.Fatalf("config is not JSON: %v", err)
	}
	if cfg["type"] != "config" || cfg["persona"] != "p" || cfg["voice"] != "v" {
		t.Errorf("config = %v", cfg)
	}

	want := [][]int16{{1, 2}, {3}, {-1, 0x0102}}
	for i, w := range want {
		m := msgs[i+1]
		if m.typ != websocket.MessageBinary {
			t.Fatalf("message %d type = %v, want binary", i+1, m.typ)
		}
		if string(m.data) != string(audio.PCM16Bytes(w)) {
			t.Errorf("frame %d = % x, want % x", i, m.data, audio.PCM16Bytes(w))
		}
	}
}

func TestChannel_SendBeforeOpenIsDropped(t *testing.T) {
	t.Parallel()
	ch := transport.New("ws://127.0.0.1:1/ws")
	ch.Send([]int16{1, 2, 3})
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}
	if err := ch.SendControl(map[string]string{"type": "config"}); !errors.Is(err, transport.ErrNotOpen) {
		t.Errorf("SendControl before Open: err = %v, want ErrNotOpen", err)
	}
}

func TestChannel_SendControlMarshalError(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) { drain(ctx, conn) })
	ch := open(t, srv)
	if err := ch.SendControl(make(chan int)); err == nil {
		t.Error("expected marshal error for channel value")
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestChannel_DeliversAudioAndControl(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageBinary, audio.Float32Bytes([]float32{0.5, -0.25}))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}) // misaligned
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status","text":"thinking"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, audio.Float32Bytes([]float32{1}))
		drain(ctx, conn)
	})

	var (
		mu       sync.Mutex
		chunks   [][]float32
		controls []string
	)
	open(t, srv,
		transport.WithAudioHandler(func(c []float32) {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, c)
		}),
		transport.WithControlHandler(func(m json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			controls = append(controls, string(m))
		}),
	)

	waitFor(t, "two audio chunks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(chunks[0]) != 2 || chunks[0][0] != 0.5 || chunks[0][1] != -0.25 {
		t.Errorf("first chunk = %v, want [0.5 -0.25]", chunks[0])
	}
	if len(chunks[1]) != 1 || chunks[1][0] != 1 {
		t.Errorf("second chunk = %v, want [1]", chunks[1])
	}
	if len(controls) != 1 || !strings.Contains(controls[0], `"thinking"`) {
		t.Errorf("controls = %v, want only the well-formed status message", controls)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestChannel_PeerCloseNotifiesOnce(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(_ context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	})

	closed := make(chan error, 4)
	ch := open(t, srv, transport.WithCloseHandler(func(err error) { closed <- err }))

	select {
	case err := <-closed:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("close handler err = %v, want wrapping ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close handler not invoked")
	}

	if ch.State() != transport.StateClosed {
		t.Errorf("State() = %v, want closed", ch.State())
	}
	ch.Send([]int16{1})
	if ch.Pending() != 0 {
		t.Error("frame queued after peer close")
	}

	_ = ch.Close()
	select {
	case err := <-closed:
		t.Errorf("close handler invoked twice (second err: %v)", err)
	default:
	}
}

func TestChannel_LocalCloseIsQuietAndIdempotent(t *testing.T) {
	t.Parallel()

	peerDone := make(chan websocket.StatusCode, 1)
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, err := conn.Read(ctx)
		peerDone <- websocket.CloseStatus(err)
	})

	called := make(chan struct{}, 1)
	ch := open(t, srv, transport.WithCloseHandler(func(error) { called <- struct{}{} }))

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.State() != transport.StateClosed {
		t.Errorf("State() = %v, want closed", ch.State())
	}

	select {
	case status := <-peerDone:
		if status != websocket.StatusNormalClosure {
			t.Errorf("peer saw close status %v, want normal closure", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer did not observe close")
	}

	select {
	case <-called:
		t.Error("close handler invoked for a local Close")
	default:
	}

	if err := ch.SendControl(map[string]string{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SendControl after Close: err = %v, want ErrClosed", err)
	}
}

func TestChannel_OpenTwice(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) { drain(ctx, conn) })
	ch := open(t, srv)
	if err := ch.Open(context.Background()); !errors.Is(err, transport.ErrNotOpen) {
		t.Errorf("second Open: err = %v, want ErrNotOpen", err)
	}
}

func TestChannel_OpenAfterClose(t *testing.T) {
	t.Parallel()
	ch := transport.New("ws://127.0.0.1:1/ws")
	_ = ch.Close()
	if err := ch.Open(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Open after Close: err = %v, want ErrClosed", err)
	}
}

func TestChannel_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ch := transport.New(wsURL(srv), transport.WithDialTimeout(time.Second))
	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("expected dial error against a non-websocket endpoint")
	}
	if ch.State() != transport.StateClosed {
		t.Errorf("State() = %v after failed dial, want closed", ch.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    transport.State
		want string
	}{
		{transport.StateIdle, "idle"},
		{transport.StateConnecting, "connecting"},
		{transport.StateOpen, "open"},
		{transport.StateClosed, "closed"},
		{transport.State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tc.s), got, tc.want)
		}
	}
}
