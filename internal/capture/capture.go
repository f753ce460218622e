// Package capture turns live microphone blocks into PCM16 frames for the
// transport.
//
// An [Engine] opens an [audio.InputStream] with the configured constraints
// and, for every block delivered on the device's audio goroutine, feeds the
// raw float samples to an optional analyser tap and hands the quantised
// frame to a [Sink]. One block becomes exactly one frame; there is no
// additional buffering.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/pkg/audio"
)

// Sink receives encoded microphone frames. Send is called on the audio
// goroutine and must not block.
type Sink interface {
	Send(frame []int16)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(frame []int16)

// Send implements [Sink].
func (f SinkFunc) Send(frame []int16) { f(frame) }

// Option configures an [Engine].
type Option func(*Engine)

// WithConstraints overrides [audio.DefaultCaptureConstraints].
func WithConstraints(c audio.CaptureConstraints) Option {
	return func(e *Engine) { e.constraints = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// route is where the current stream's blocks go.
type route struct {
	sink Sink
	tap  audio.Tap
}

// Engine manages a single microphone stream.
type Engine struct {
	device      audio.InputDevice
	constraints audio.CaptureConstraints
	metrics     *observe.Metrics
	log         *slog.Logger

	mu     sync.Mutex
	stream audio.InputStream

	// route is read on the audio goroutine without taking mu.
	route atomic.Pointer[route]
}

// New returns an engine that opens streams on device.
func New(device audio.InputDevice, opts ...Option) *Engine {
	e := &Engine{
		device:      device,
		constraints: audio.DefaultCaptureConstraints(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Start opens the microphone and begins delivering frames to sink and raw
// blocks to tap (which may be nil). If the engine is already recording,
// Start does nothing. A refused microphone yields an error wrapping
// [audio.ErrPermissionDenied].
func (e *Engine) Start(ctx context.Context, sink Sink, tap audio.Tap) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return nil
	}

	e.route.Store(&route{sink: sink, tap: tap})
	stream, err := e.device.OpenInput(ctx, e.constraints, e.onBlock)
	if err != nil {
		e.route.Store(nil)
		return fmt.Errorf("capture: open input: %w", err)
	}
	e.stream = stream
	e.log.Debug("capture: microphone open",
		"sample_rate", e.constraints.SampleRate,
		"block_frames", e.constraints.BlockFrames,
		"echo_cancellation", e.constraints.EchoCancellation,
		"noise_suppression", e.constraints.NoiseSuppression,
		"auto_gain_control", e.constraints.AutoGainControl,
	)
	return nil
}

// Stop stops delivery and releases the microphone. No frame reaches the
// sink after Stop returns. Stop is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.route.Store(nil)
	if e.stream == nil {
		return nil
	}
	err := e.stream.Close()
	e.stream = nil
	if err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// Recording reports whether a stream is open.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream != nil
}

// onBlock runs on the device's audio goroutine.
func (e *Engine) onBlock(block []float32) {
	r := e.route.Load()
	if r == nil || len(block) == 0 {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.metrics.CaptureBlocksSkipped.Add(context.Background(), 1)
			e.log.Error("capture: block handler panicked", "panic", p, "frames", len(block))
		}
	}()

	if r.tap != nil {
		r.tap.Write(block)
	}
	r.sink.Send(audio.EncodePCM16(block))
	e.metrics.CaptureBlocks.Add(context.Background(), 1)
}
