package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/personaplex/internal/capture"
	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/internal/playback"
	"github.com/MrWong99/personaplex/internal/transport"
	"github.com/MrWong99/personaplex/pkg/audio"
	"github.com/MrWong99/personaplex/pkg/audio/meter"
)

// DefaultRefreshRate is the visualisation tick rate in Hz.
const DefaultRefreshRate = 60

// Option configures a [Controller].
type Option func(*Controller)

// WithPublisher sets the status sink.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithClock sets the clock driving the visualisation loop. Tests pass
// [clock.NewMock].
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithRefreshRate sets the visualisation tick rate in Hz. Non-positive
// values are ignored.
func WithRefreshRate(hz float64) Option {
	return func(c *Controller) {
		if hz > 0 {
			c.tick = time.Duration(float64(time.Second) / hz)
		}
	}
}

// WithCaptureConstraints overrides the microphone constraints.
func WithCaptureConstraints(cc audio.CaptureConstraints) Option {
	return func(c *Controller) { c.constraints = &cc }
}

// WithTransportOptions appends options for every transport channel the
// controller creates.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Controller) { c.transportOpts = append(c.transportOpts, opts...) }
}

// WithPlaybackOptions appends options for every playback scheduler the
// controller creates.
func WithPlaybackOptions(opts ...playback.Option) Option {
	return func(c *Controller) { c.playbackOpts = append(c.playbackOpts, opts...) }
}

// WithErrorHandler sets a callback for failures that end a session
// asynchronously, such as the peer closing the connection. It runs after
// teardown has completed.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithControlHandler sets a callback for JSON status messages sent by the
// server.
func WithControlHandler(fn func(json.RawMessage)) Option {
	return func(c *Controller) { c.onControl = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the session state machine. All exported methods are safe
// for concurrent use. Connect, Disconnect, StartMic and StopMic are
// serialised; Disconnect may interrupt a Connect that is still dialling.
type Controller struct {
	input         audio.InputDevice
	output        audio.OutputDevice
	publisher     Publisher
	clock         clock.Clock
	tick          time.Duration
	constraints   *audio.CaptureConstraints
	transportOpts []transport.Option
	playbackOpts  []playback.Option
	onError       func(error)
	onControl     func(json.RawMessage)
	metrics       *observe.Metrics

	capture *capture.Engine

	// state, sessionID and levels are read without mu so that Status and
	// State can be called from the publisher.
	state     atomic.Int32
	sessionID atomic.Pointer[string]
	inputTap  atomic.Pointer[meter.Meter]
	levels    atomic.Pointer[Status]

	// mu serialises lifecycle transitions and guards the fields below.
	mu         sync.Mutex
	gen        uint64
	log        *slog.Logger
	out        audio.OutputContext
	sched      *playback.Scheduler
	ch         *transport.Channel
	dialCancel context.CancelFunc
	vizCancel  context.CancelFunc
	vizDone    chan struct{}
}

// New returns an idle controller using the given devices.
func New(input audio.InputDevice, output audio.OutputDevice, opts ...Option) *Controller {
	c := &Controller{
		input:  input,
		output: output,
		clock:  clock.New(),
		tick:   time.Second / DefaultRefreshRate,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	capOpts := []capture.Option{capture.WithMetrics(c.metrics)}
	if c.constraints != nil {
		capOpts = append(capOpts, capture.WithConstraints(*c.constraints))
	}
	c.capture = capture.New(input, capOpts...)
	return c
}

// State returns the current connection state.
func (c *Controller) State() State { return State(c.state.Load()) }

// SessionID returns the identifier of the current session, or "" when idle.
func (c *Controller) SessionID() string {
	if id := c.sessionID.Load(); id != nil {
		return *id
	}
	return ""
}

// Status returns the latest snapshot. Levels are those of the most recent
// visualisation tick.
func (c *Controller) Status() Status {
	if c.State() != StateActive {
		return Status{}
	}
	st := Status{Connected: true, Recording: c.capture.Recording()}
	if l := c.levels.Load(); l != nil {
		st.InputLevel, st.OutputLevel = l.InputLevel, l.OutputLevel
	}
	return st
}

// Ready returns nil while a session is active. It is suitable as a
// readiness check.
func (c *Controller) Ready(context.Context) error {
	if s := c.State(); s != StateActive {
		return fmt.Errorf("session: not connected (state %s)", s)
	}
	return nil
}

// Connect opens the output context, dials url and, once the connection is
// open, sends the config message and starts the visualisation loop. It
// returns nil without doing anything unless the controller is idle.
//
// Any failure leaves the controller idle with all resources released. An
// output device failure wraps [audio.ErrDeviceUnavailable]; a Disconnect
// during the dial yields [ErrAborted].
func (c *Controller) Connect(ctx context.Context, url string, cfg Config) error {
	c.mu.Lock()
	if c.State() != StateIdle {
		c.mu.Unlock()
		return nil
	}
	cfg = cfg.withDefaults()
	started := c.clock.Now()

	id := uuid.NewString()
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, id), "session.connect")
	defer span.End()
	log := observe.Logger(ctx)

	out, err := c.output.OpenOutput(ctx, audio.SampleRate)
	if err != nil {
		c.mu.Unlock()
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		c.metrics.RecordSessionError(ctx, "device_unavailable")
		log.Error("session: cannot open audio output", "err", err)
		return fmt.Errorf("session: open output: %w", err)
	}

	c.gen++
	gen := c.gen
	sched := playback.New(out, append([]playback.Option{
		playback.WithMetrics(c.metrics),
		playback.WithLogger(log),
	}, c.playbackOpts...)...)
	ch := transport.New(url, append(append([]transport.Option{
		transport.WithMetrics(c.metrics),
		transport.WithLogger(log),
	}, c.transportOpts...),
		transport.WithAudioHandler(func(chunk []float32) {
			if _, err := sched.Schedule(chunk); err != nil {
				log.Debug("session: chunk not scheduled", "err", err)
			}
		}),
		transport.WithControlHandler(func(msg json.RawMessage) {
			log.Info("session: server message", "msg", string(msg))
			if c.onControl != nil {
				c.onControl(msg)
			}
		}),
		transport.WithCloseHandler(func(err error) {
			// Runs on the transport's reader goroutine, which teardown
			// waits for, so teardown must happen elsewhere.
			go c.remoteClosed(gen, err)
		}),
	)...)

	dialCtx, cancel := context.WithCancel(ctx)
	c.log = log
	c.out, c.sched, c.ch, c.dialCancel = out, sched, ch, cancel
	c.sessionID.Store(&id)
	c.state.Store(int32(StateConnecting))
	c.mu.Unlock()

	log.Info("session: connecting", "url", url, "voice", cfg.Voice)
	openErr := ch.Open(dialCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	cancel()

	if c.gen != gen {
		return ErrAborted
	}
	if openErr != nil {
		c.metrics.RecordSessionError(ctx, "transport")
		c.teardownLocked("connect failed")
		return fmt.Errorf("session: connect: %w", openErr)
	}
	if err := ch.SendControl(newConfigMessage(cfg)); err != nil {
		c.metrics.RecordSessionError(ctx, "transport")
		c.teardownLocked("config not sent")
		return fmt.Errorf("session: send config: %w", err)
	}

	c.dialCancel = nil
	c.state.Store(int32(StateActive))
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.ConnectDuration.Record(ctx, c.clock.Since(started).Seconds())
	c.startVizLocked(sched)

	log.Info("session: connected", "url", url)
	c.publish(c.Status())
	return nil
}

// Disconnect ends the current session, if any, and returns the controller
// to idle. It is safe to call in any state and more than once.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked("disconnect")
}

// StartMic opens the microphone and streams it to the server. It does
// nothing unless a session is active and the microphone is off. A refused
// microphone returns an error wrapping [audio.ErrPermissionDenied]; the
// session stays active.
func (c *Controller) StartMic(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateActive || c.capture.Recording() {
		return nil
	}

	tap := meter.New()
	if err := c.capture.Start(ctx, c.ch, tap); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			c.metrics.RecordSessionError(ctx, "permission_denied")
			c.log.Warn("session: microphone access denied", "err", err)
		} else {
			c.metrics.RecordSessionError(ctx, "device_unavailable")
			c.log.Error("session: microphone unavailable", "err", err)
		}
		return fmt.Errorf("session: start microphone: %w", err)
	}
	c.inputTap.Store(tap)
	c.log.Info("session: recording started")
	return nil
}

// StopMic stops streaming the microphone. The session stays connected.
func (c *Controller) StopMic() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopMicLocked()
}

func (c *Controller) stopMicLocked() error {
	c.inputTap.Store(nil)
	wasRecording := c.capture.Recording()
	if err := c.capture.Stop(); err != nil {
		return fmt.Errorf("session: stop microphone: %w", err)
	}
	if wasRecording {
		c.log.Info("session: recording stopped")
	}
	return nil
}

// remoteClosed tears down session gen after the transport ended on its
// own.
func (c *Controller) remoteClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.metrics.RecordSessionError(context.Background(), "transport")
	c.teardownLocked("connection lost")
	c.mu.Unlock()

	if c.onError != nil {
		c.onError(err)
	}
}

// teardownLocked releases everything the session owns, in reverse order of
// acquisition, and returns to idle. It is the only path out of a session.
func (c *Controller) teardownLocked(reason string) {
	prev := c.State()
	if prev == StateIdle {
		return
	}
	c.state.Store(int32(StateClosing))
	c.gen++

	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.stopVizLocked()
	if err := c.stopMicLocked(); err != nil {
		c.log.Warn("session: teardown", "err", err)
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.out != nil {
		if err := c.out.Close(); err != nil {
			c.log.Warn("session: close output", "err", err)
		}
	}
	if c.sched != nil {
		c.sched.Reset()
	}
	if prev == StateActive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	c.log.Info("session: closed", "reason", reason)

	c.ch, c.out, c.sched = nil, nil, nil
	c.levels.Store(nil)
	c.sessionID.Store(nil)
	c.log = slog.Default()
	c.state.Store(int32(StateIdle))
	c.publish(Status{})
}

// startVizLocked starts the visualisation loop for sched.
func (c *Controller) startVizLocked(sched *playback.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := c.clock.Ticker(c.tick)
	c.vizCancel, c.vizDone = cancel, done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if ctx.Err() != nil {
				return
			}
			st := Status{
				Connected:   true,
				Recording:   c.capture.Recording(),
				OutputLevel: sched.Level(),
			}
			if m := c.inputTap.Load(); m != nil {
				st.InputLevel = m.Read()
			}
			c.levels.Store(&st)
			c.publish(st)
		}
	}()
}

// stopVizLocked cancels the visualisation loop and waits for it to exit.
func (c *Controller) stopVizLocked() {
	if c.vizCancel == nil {
		return
	}
	c.vizCancel()
	<-c.vizDone
	c.vizCancel, c.vizDone = nil, nil
}

func (c *Controller) publish(st Status) {
	if c.publisher != nil {
		c.publisher.Publish(st)
	}
}
