// Package malgo provides an [audio.Backend] on the platform's default
// microphone and speaker through miniaudio (github.com/gen2brain/malgo).
//
// Capture devices deliver float32 mono blocks that are re-buffered to the
// requested block size, so every handler call carries exactly
// CaptureConstraints.BlockFrames samples. Playback devices pull from an
// [audio.Timeline]; the device callback is the output clock.
//
// Voice processing (echo cancellation, noise suppression, gain control) is
// not exposed by miniaudio. The constraints are accepted and logged at
// debug level; platforms that apply such stages by default still do so.
package malgo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/personaplex/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithLogger sets the logger. miniaudio's own log lines are forwarded at
// debug level. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithPeriodFrames sets the playback device period. Zero lets miniaudio
// choose.
func WithPeriodFrames(n uint32) Option {
	return func(b *Backend) { b.periodFrames = n }
}

// Backend owns a miniaudio context. It is safe for concurrent use.
type Backend struct {
	log          *slog.Logger
	periodFrames uint32

	ctx *ma.AllocatedContext

	mu      sync.Mutex
	devices map[*device]struct{}
	closed  bool
}

// New initialises a miniaudio context on the platform's default backend.
// Failures wrap [audio.ErrDeviceUnavailable].
func New(opts ...Option) (*Backend, error) {
	b := &Backend{devices: make(map[*device]struct{})}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		b.log.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	b.ctx = ctx
	return b, nil
}

// OpenInput implements [audio.InputDevice].
func (b *Backend) OpenInput(_ context.Context, c audio.CaptureConstraints, handler audio.BlockHandler) (audio.InputStream, error) {
	if c.BlockFrames <= 0 {
		c.BlockFrames = audio.DefaultCaptureConstraints().BlockFrames
	}
	b.log.Debug("malgo: voice processing requested",
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression,
		"auto_gain_control", c.AutoGainControl,
	)

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInFrames = uint32(c.BlockFrames)
	cfg.Alsa.NoMMap = 1

	rb := &rebuffer{block: make([]float32, c.BlockFrames), emit: handler}
	d, err := b.open(cfg, func(_, in []byte, frames uint32) {
		rb.write(in, int(frames))
	})
	if err != nil {
		return nil, classify("open capture device", err)
	}
	return d, nil
}

// OpenOutput implements [audio.OutputDevice].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInFrames = b.periodFrames
	cfg.Alsa.NoMMap = 1

	tl := audio.NewTimeline(sampleRate)
	var scratch []float32
	d, err := b.open(cfg, func(out, _ []byte, frames uint32) {
		if cap(scratch) < int(frames) {
			scratch = make([]float32, frames)
		}
		buf := scratch[:frames]
		tl.Render(buf)
		for i, s := range buf {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
		}
	})
	if err != nil {
		_ = tl.Close()
		return nil, classify("open playback device", err)
	}
	return &output{Timeline: tl, dev: d}, nil
}

// Close releases every open device and the miniaudio context.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*device, 0, len(b.devices))
	for d := range b.devices {
		open = append(open, d)
	}
	b.mu.Unlock()

	for _, d := range open {
		_ = d.Close()
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

func (b *Backend) open(cfg ma.DeviceConfig, data ma.DataProc) (*device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, audio.ErrClosed
	}

	d := &device{owner: b}
	dev, err := ma.InitDevice(b.ctx.Context, cfg, ma.DeviceCallbacks{
		Data: func(out, in []byte, frames uint32) {
			if d.stopped.Load() {
				clear(out)
				return
			}
			data(out, in, frames)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, err
	}
	d.dev = dev
	b.devices[d] = struct{}{}
	return d, nil
}

func (b *Backend) forget(d *device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, d)
}

// device is a started miniaudio device. It implements [audio.InputStream].
type device struct {
	owner   *Backend
	dev     *ma.Device
	stopped atomic.Bool
	once    sync.Once
	err     error
}

// Close stops the device. miniaudio does not invoke the data callback once
// Stop has returned.
func (d *device) Close() error {
	d.once.Do(func() {
		d.stopped.Store(true)
		if err := d.dev.Stop(); err != nil {
			d.err = fmt.Errorf("malgo: stop device: %w", err)
		}
		d.dev.Uninit()
		d.owner.forget(d)
	})
	return d.err
}

// output pairs a playback device with its timeline.
type output struct {
	*audio.Timeline
	dev *device
}

func (o *output) Close() error {
	err := o.dev.Close()
	_ = o.Timeline.Close()
	return err
}

// rebuffer slices device callbacks of arbitrary length into fixed blocks.
// It runs on the audio goroutine only.
type rebuffer struct {
	block []float32
	n     int
	emit  audio.BlockHandler
}

func (r *rebuffer) write(in []byte, frames int) {
	for i := range frames {
		r.block[r.n] = math.Float32frombits(binary.LittleEndian.Uint32(in[4*i:]))
		r.n++
		if r.n == len(r.block) {
			r.emit(r.block)
			r.n = 0
		}
	}
}

// classify maps miniaudio failures onto the audio error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, audio.ErrClosed) {
		return fmt.Errorf("malgo: %s: %w", op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}
