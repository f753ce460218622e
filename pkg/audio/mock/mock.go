// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice] and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{}
//	out := &mock.OutputDevice{}
//	// ... hand both to the code under test, then drive the audio clock:
//	in.Stream().Emit(make([]float32, 128))
//	out.Context().Advance(2400)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/personaplex/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice   = (*InputDevice)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenError, when non-nil, is returned by OpenInput and no stream is
	// created. Use an error wrapping [audio.ErrPermissionDenied] to simulate a
	// refused microphone.
	OpenError error

	// OpenCalls records the constraints of every OpenInput invocation.
	OpenCalls []audio.CaptureConstraints

	streams []*InputStream
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, c audio.CaptureConstraints, handler audio.BlockHandler) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, c)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := &InputStream{handler: handler}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenCount returns how many times OpenInput was called.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// InputStream is a mock implementation of [audio.InputStream]. Blocks are
// delivered by calling [InputStream.Emit].
type InputStream struct {
	mu      sync.Mutex
	handler audio.BlockHandler
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Emit invokes the handler with block, as the audio goroutine would. It
// reports false without calling the handler once the stream is closed.
func (s *InputStream) Emit(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.handler == nil {
		return false
	}
	s.handler(block)
	return true
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Each
// context it opens is backed by a real [audio.Timeline] whose clock only
// moves when the test calls [OutputContext.Advance].
type OutputDevice struct {
	mu sync.Mutex

	// OpenError, when non-nil, is returned by OpenOutput.
	OpenError error

	// OpenCalls records the sample rate of every OpenOutput invocation.
	OpenCalls []int

	contexts []*OutputContext
}

// OpenOutput implements [audio.OutputDevice].
func (d *OutputDevice) OpenOutput(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, sampleRate)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	c := &OutputContext{Timeline: audio.NewTimeline(sampleRate)}
	d.contexts = append(d.contexts, c)
	return c, nil
}

// Context returns the most recently opened context, or nil.
func (d *OutputDevice) Context() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.contexts) == 0 {
		return nil
	}
	return d.contexts[len(d.contexts)-1]
}

// OpenCount returns how many times OpenOutput was called.
func (d *OutputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// StartCall records the arguments of a single [OutputContext.Start]
// invocation.
type StartCall struct {
	// At is the requested start frame (before clamping).
	At int64

	// Frames is the number of samples in the buffer.
	Frames int

	// Tapped reports whether a non-nil tap was supplied.
	Tapped bool
}

// OutputContext is a mock [audio.OutputContext] wrapping an [audio.Timeline].
type OutputContext struct {
	*audio.Timeline

	mu sync.Mutex

	// StartError, when non-nil, is returned by Start instead of scheduling.
	StartError error

	// BeforeStart, when non-nil, runs inside Start before the buffer reaches
	// the timeline. Tests use it to render output between the caller's clock
	// read and the insertion, as a device callback can.
	BeforeStart func()

	// StartCalls records every Start invocation.
	StartCalls []StartCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.OutputContext].
func (c *OutputContext) Start(at int64, samples []float32, tap audio.Tap) (int64, error) {
	c.mu.Lock()
	c.StartCalls = append(c.StartCalls, StartCall{At: at, Frames: len(samples), Tapped: tap != nil})
	err, before := c.StartError, c.BeforeStart
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if before != nil {
		before()
	}
	return c.Timeline.Start(at, samples, tap)
}

// Starts returns a copy of the recorded Start calls.
func (c *OutputContext) Starts() []StartCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StartCall, len(c.StartCalls))
	copy(out, c.StartCalls)
	return out
}

// Advance renders frames of output, moving the clock forward, and returns
// the rendered samples.
func (c *OutputContext) Advance(frames int) []float32 {
	out := make([]float32, frames)
	c.Timeline.Render(out)
	return out
}

// Closed reports whether Close has been called.
func (c *OutputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// Close implements [audio.OutputContext].
func (c *OutputContext) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.mu.Unlock()
	return c.Timeline.Close()
}
