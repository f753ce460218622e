// Package null provides an [audio.Backend] that needs no hardware. Input
// streams deliver generated blocks and output contexts render into nothing,
// both paced by a clock so that the output clock advances in real time.
//
// It serves headless runs (CI, containers, the loopback demo) and tests that
// want the real pacing behaviour with a [clock.Mock].
package null

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/personaplex/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// DefaultRenderFrames is the output block length.
const DefaultRenderFrames = 480

// Signal fills block with the input samples starting at frame.
type Signal func(frame int64, block []float32)

// Silence is the default input [Signal].
func Silence(int64, []float32) {}

// Tone returns a sine [Signal] at hz with the given peak amplitude.
func Tone(hz, amplitude float64) Signal {
	return func(frame int64, block []float32) {
		for i := range block {
			t := float64(frame+int64(i)) / audio.SampleRate
			block[i] = float32(amplitude * math.Sin(2*math.Pi*hz*t))
		}
	}
}

// Option configures a [Backend].
type Option func(*Backend)

// WithClock sets the pacing clock. Defaults to the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Backend) { b.clock = clk }
}

// WithSignal sets the input generator. Defaults to [Silence].
func WithSignal(s Signal) Option {
	return func(b *Backend) { b.signal = s }
}

// WithRenderFrames sets the output block length. Non-positive values are
// ignored.
func WithRenderFrames(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.renderFrames = n
		}
	}
}

// WithSink receives every rendered output block. The slice is reused after
// the call returns.
func WithSink(fn func([]float32)) Option {
	return func(b *Backend) { b.sink = fn }
}

// Backend is a clock-driven [audio.Backend]. It is safe for concurrent use.
type Backend struct {
	clock        clock.Clock
	signal       Signal
	renderFrames int
	sink         func([]float32)

	mu      sync.Mutex
	closers map[*pacer]struct{}
	closed  bool
}

// New returns a backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		clock:        clock.New(),
		signal:       Silence,
		renderFrames: DefaultRenderFrames,
		closers:      make(map[*pacer]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenInput implements [audio.InputDevice]. One block of c.BlockFrames is
// delivered per block duration.
func (b *Backend) OpenInput(_ context.Context, c audio.CaptureConstraints, handler audio.BlockHandler) (audio.InputStream, error) {
	frames := c.BlockFrames
	if frames <= 0 {
		frames = audio.DefaultCaptureConstraints().BlockFrames
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	block := make([]float32, frames)
	var frame int64
	p, err := b.start(audio.FramesToDuration(int64(frames), rate), func() {
		clear(block)
		b.signal(frame, block)
		frame += int64(frames)
		handler(block)
	}, nil)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenOutput implements [audio.OutputDevice].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	tl := audio.NewTimeline(sampleRate)
	buf := make([]float32, b.renderFrames)
	p, err := b.start(audio.FramesToDuration(int64(b.renderFrames), sampleRate), func() {
		tl.Render(buf)
		if b.sink != nil {
			b.sink(buf)
		}
	}, tl)
	if err != nil {
		return nil, err
	}
	return &output{Timeline: tl, pacer: p}, nil
}

// Close stops every stream and context opened by b. Later opens fail with
// [audio.ErrClosed].
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	open := make([]*pacer, 0, len(b.closers))
	for p := range b.closers {
		open = append(open, p)
	}
	b.mu.Unlock()

	for _, p := range open {
		_ = p.Close()
	}
	return nil
}

func (b *Backend) start(period time.Duration, step func(), tl *audio.Timeline) (*pacer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, audio.ErrClosed
	}
	p := &pacer{
		owner:    b,
		timeline: tl,
		ticker:   b.clock.Ticker(period),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	b.closers[p] = struct{}{}
	go p.run(step)
	return p, nil
}

func (b *Backend) forget(p *pacer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.closers, p)
}

// pacer calls step once per tick until closed.
type pacer struct {
	owner    *Backend
	timeline *audio.Timeline
	ticker   *clock.Ticker
	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
}

func (p *pacer) run(step func()) {
	defer close(p.exited)
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			select {
			case <-p.done:
				return
			default:
			}
			step()
		}
	}
}

// Close stops the ticker and waits for the running step to return.
func (p *pacer) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)
		<-p.exited
		if p.timeline != nil {
			_ = p.timeline.Close()
		}
		p.owner.forget(p)
	})
	return nil
}

// output is an [audio.OutputContext] whose Close also stops the pacer.
type output struct {
	*audio.Timeline
	pacer *pacer
}

func (o *output) Close() error { return o.pacer.Close() }
