// Package loopback implements a development peer for the PersonaPlex wire
// protocol. It accepts websocket sessions on /ws, expects the JSON config
// message first, and answers every int16 microphone frame with float32
// audio: the frame itself scaled by a gain, or uniform noise in place of a
// model. Replies are re-framed into fixed chunks the way the model server
// emits them.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/personaplex/internal/health"
	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// DefaultChunkFrames matches the model server's 80 ms output frame.
const DefaultChunkFrames = 1920

// Status values sent in {"type":"status"} messages.
const (
	StatusConfigured = "configured"
	StatusRejected   = "rejected"
)

// StatusMessage is the JSON text message the peer sends after each config
// message.
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Persona string `json:"persona,omitempty"`
	Voice   string `json:"voice,omitempty"`
	Error   string `json:"error,omitempty"`
}

// configMessage mirrors the client's config message. Pointers distinguish
// absent keys from empty strings.
type configMessage struct {
	Type    string  `json:"type"`
	Persona *string `json:"persona"`
	Voice   *string `json:"voice"`
}

func (c configMessage) validate() error {
	var errs []error
	if c.Type != "config" {
		errs = append(errs, fmt.Errorf("type %q is not \"config\"", c.Type))
	}
	if c.Persona == nil {
		errs = append(errs, errors.New("persona is required"))
	}
	if c.Voice == nil {
		errs = append(errs, errors.New("voice is required"))
	}
	return errors.Join(errs...)
}

// Option configures a [Server].
type Option func(*Server)

// WithGain scales echoed audio. The result is clipped to [-1, 1].
func WithGain(g float32) Option {
	return func(s *Server) { s.gain = g }
}

// WithNoise replies with uniform noise of the given peak amplitude instead
// of echoing. Zero restores echo.
func WithNoise(amplitude float32) Option {
	return func(s *Server) { s.noise = amplitude }
}

// WithChunkFrames sets the reply chunk length. Zero or less echoes every
// frame immediately.
func WithChunkFrames(n int) Option {
	return func(s *Server) { s.chunkFrames = n }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics instruments the HTTP handler. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h on /metrics next to /ws.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the loopback peer. It is safe for concurrent use; each
// websocket session is independent.
type Server struct {
	gain        float32
	noise       float32
	chunkFrames int
	log         *slog.Logger
	metrics     *observe.Metrics

	metricsHandler http.Handler
}

// New returns a server with unity gain.
func New(opts ...Option) *Server {
	s := &Server{gain: 1, chunkFrames: DefaultChunkFrames}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the instrumented HTTP handler serving /ws, /healthz and,
// when configured, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.HandleFunc("GET /healthz", health.New().Healthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves [Server.Handler] on addr until ctx is cancelled,
// then shuts down gracefully. ready, if non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("loopback: listen %q: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.log.Info("loopback: listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("loopback: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ServeWS upgrades the request and runs one session until the client goes
// away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("loopback: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sess := &session{srv: s, conn: conn, log: s.log.With("remote", r.RemoteAddr)}
	sess.log.Info("loopback: client connected")
	err = sess.run(r.Context())
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		sess.log.Info("loopback: client disconnected", "frames", sess.frames)
	default:
		sess.log.Warn("loopback: session ended", "err", err, "frames", sess.frames)
	}
}

// session is the per-connection state. It is confined to the read loop.
type session struct {
	srv         *Server
	conn        *websocket.Conn
	log         *slog.Logger
	configured  bool
	warnedEarly bool
	pending     []float32
	frames      int
}

func (s *session) run(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			err = s.handleText(ctx, data)
		case websocket.MessageBinary:
			err = s.handleAudio(ctx, data)
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) handleText(ctx context.Context, data []byte) error {
	var msg configMessage
	err := json.Unmarshal(data, &msg)
	if err == nil {
		err = msg.validate()
	}
	if err != nil {
		s.log.Error("loopback: invalid config message", "err", err)
		return s.sendStatus(ctx, StatusMessage{Type: "status", Status: StatusRejected, Error: err.Error()})
	}

	if s.configured {
		s.log.Warn("loopback: config message repeated; applying the latest")
	}
	s.configured = true
	s.log.Info("loopback: configured", "persona", truncate(*msg.Persona, 50), "voice", *msg.Voice)
	return s.sendStatus(ctx, StatusMessage{
		Type:    "status",
		Status:  StatusConfigured,
		Persona: *msg.Persona,
		Voice:   *msg.Voice,
	})
}

func (s *session) handleAudio(ctx context.Context, data []byte) error {
	if !s.configured {
		if !s.warnedEarly {
			s.warnedEarly = true
			s.log.Warn("loopback: audio before config message; dropping")
		}
		return nil
	}
	pcm, err := audio.PCM16FromBytes(data)
	if err != nil {
		s.log.Warn("loopback: dropping frame", "err", err, "bytes", len(data))
		return nil
	}
	s.frames++
	s.pending = append(s.pending, s.respond(audio.DecodePCM16(pcm))...)

	n := s.srv.chunkFrames
	if n <= 0 {
		n = len(s.pending)
	}
	for n > 0 && len(s.pending) >= n {
		if err := s.conn.Write(ctx, websocket.MessageBinary, audio.Float32Bytes(s.pending[:n])); err != nil {
			return err
		}
		s.pending = s.pending[n:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

// respond turns decoded microphone samples into reply samples in place.
func (s *session) respond(in []float32) []float32 {
	if amp := s.srv.noise; amp > 0 {
		for i := range in {
			in[i] = amp * (2*rand.Float32() - 1)
		}
		return in
	}
	for i, v := range in {
		in[i] = min(max(v*s.srv.gain, -1), 1)
	}
	return in
}

func (s *session) sendStatus(ctx context.Context, msg StatusMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loopback: marshal status: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
