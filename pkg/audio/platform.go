// Package audio defines the device boundary and the sample-level primitives
// of the PersonaPlex duplex client.
//
// The device abstractions are:
//
//   - [InputDevice] opens a microphone [InputStream] that delivers
//     fixed-size float blocks on the real-time audio goroutine.
//   - [OutputDevice] opens an [OutputContext]: an output clock plus a sink
//     on which buffers are started at absolute sample-frame positions.
//
// Implementations live in backend packages (audio/malgo for real hardware,
// audio/null for headless runs, audio/mock for tests). The package also
// provides the PCM codec used on the wire and [Timeline], the shared
// scheduling core that backends render from.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the user or OS refuses access to
	// the microphone. It is terminal for the attempt; callers must not retry.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when an input or output device or
	// audio context cannot be initialised.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrClosed is returned when operating on a released output context.
	ErrClosed = errors.New("audio: context closed")
)

// CaptureConstraints describes the microphone stream requested from an
// [InputDevice].
type CaptureConstraints struct {
	// EchoCancellation, NoiseSuppression and AutoGainControl request the
	// platform's voice-processing stages. Backends apply them where the
	// platform exposes a switch.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Channels is the requested channel count. The pipeline always asks for 1.
	Channels int

	// SampleRate is the requested rate in Hz.
	SampleRate int

	// BlockFrames is the number of frames delivered per callback.
	BlockFrames int
}

// DefaultCaptureConstraints returns the constraints used for every session:
// all voice processing enabled, mono, [SampleRate], 128-frame blocks.
func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		Channels:         1,
		SampleRate:       SampleRate,
		BlockFrames:      128,
	}
}

// BlockHandler receives one block of normalised float samples. It runs on the
// real-time audio goroutine: it must not block and must not retain block
// after returning.
type BlockHandler func(block []float32)

// InputStream is an open microphone tap.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Close detaches the handler and releases the device. When Close returns
	// the handler is no longer invoked. Calling Close more than once is a
	// no-op.
	Close() error
}

// InputDevice opens microphone streams.
type InputDevice interface {
	// OpenInput requests a stream with the given constraints and starts
	// delivering blocks to handler. A refusal by the user or OS is reported as
	// an error wrapping [ErrPermissionDenied]; any other initialisation failure
	// wraps [ErrDeviceUnavailable].
	OpenInput(ctx context.Context, c CaptureConstraints, handler BlockHandler) (InputStream, error)
}

// Tap receives rendered samples for analysis. Write is called on the audio
// goroutine and must not block.
type Tap interface {
	Write(samples []float32)
}

// OutputContext is an open output sink with its own monotonic clock. Time is
// expressed in sample frames at SampleRate since the context was opened.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// SampleRate returns the rate of the output clock in Hz.
	SampleRate() int

	// CurrentFrame returns the output clock: the number of frames rendered so
	// far.
	CurrentFrame() int64

	// Start schedules samples to begin playing at frame at and returns the
	// frame at which they actually begin. A start position the clock has
	// already passed is moved to the current frame; the clamp and the
	// insertion happen atomically with respect to rendering. Rendered samples
	// are also written to tap when it is non-nil.
	Start(at int64, samples []float32, tap Tap) (int64, error)

	// Close stops output and releases the device. Further calls to Start fail
	// with [ErrClosed]. Calling Close more than once is a no-op.
	Close() error
}

// OutputDevice opens output contexts.
type OutputDevice interface {
	// OpenOutput creates an output context at sampleRate. Failures wrap
	// [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, sampleRate int) (OutputContext, error)
}

// Backend is one audio implementation providing both directions. Close
// releases resources shared by every stream and context it opened.
type Backend interface {
	InputDevice
	OutputDevice
	Close() error
}
