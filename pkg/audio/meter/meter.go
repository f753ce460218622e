// Package meter derives a bounded loudness reading from a live audio tap.
//
// A [Meter] keeps the most recent FFTSize samples written to it and turns
// them into byte-scaled frequency bins the same way a browser AnalyserNode
// does: Blackman window, real FFT, magnitude normalised by the FFT size,
// exponential smoothing across reads, conversion to decibels, and a linear
// map of the [min, max] decibel range onto 0..255. [Meter.Read] returns the
// arithmetic mean of those bins.
package meter

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize yields 32 frequency bins.
	DefaultFFTSize = 64

	// DefaultSmoothing is the time constant applied between reads.
	DefaultSmoothing = 0.8

	// DefaultMinDecibels and DefaultMaxDecibels bound the byte scale.
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0

	// MaxLevel is the upper bound of [Meter.Read].
	MaxLevel = 255
)

// Option configures a [Meter] during construction.
type Option func(*Meter)

// WithFFTSize sets the analysis window length. It must be a power of two of
// at least 32; other values are ignored.
func WithFFTSize(n int) Option {
	return func(m *Meter) {
		if n >= 32 && n&(n-1) == 0 {
			m.size = n
		}
	}
}

// WithSmoothing sets the smoothing time constant in [0, 1). Values outside
// that range are ignored.
func WithSmoothing(tau float64) Option {
	return func(m *Meter) {
		if tau >= 0 && tau < 1 {
			m.smoothing = tau
		}
	}
}

// WithDecibelRange sets the decibel range mapped onto 0..255. The range is
// ignored unless min < max.
func WithDecibelRange(min, max float64) Option {
	return func(m *Meter) {
		if min < max {
			m.minDB, m.maxDB = min, max
		}
	}
}

// Meter is a frequency-domain level meter. Write and Read may be called
// concurrently; Write is cheap enough for the audio goroutine and neither
// method allocates.
type Meter struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	// mu guards the analysis window.
	mu     sync.Mutex
	window []float64 // ring buffer of the last size samples
	pos    int

	// readMu guards the analysis scratch space and smoothing state.
	readMu   sync.Mutex
	fft      *fourier.FFT
	blackman []float64
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	bins     []uint8
}

// New returns a Meter with an all-zero analysis window.
func New(opts ...Option) *Meter {
	m := &Meter{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
	}
	for _, o := range opts {
		o(m)
	}

	n := m.size
	m.window = make([]float64, n)
	m.fft = fourier.NewFFT(n)
	m.blackman = blackman(n)
	m.frame = make([]float64, n)
	m.coeffs = make([]complex128, n/2+1)
	m.smoothed = make([]float64, n/2)
	m.bins = make([]uint8, n/2)
	return m
}

// BinCount returns the number of frequency bins (FFTSize / 2).
func (m *Meter) BinCount() int { return m.size / 2 }

// Write appends samples to the analysis window, discarding the oldest ones.
func (m *Meter) Write(samples []float32) {
	if len(samples) > m.size {
		samples = samples[len(samples)-m.size:]
	}
	m.mu.Lock()
	for _, s := range samples {
		m.window[m.pos] = float64(s)
		m.pos++
		if m.pos == m.size {
			m.pos = 0
		}
	}
	m.mu.Unlock()
}

// Read analyses the current window and returns the mean bin value in
// [0, MaxLevel]. An all-zero window reads 0.
func (m *Meter) Read() float64 {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	m.analyseLocked()
	var sum int
	for _, b := range m.bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(m.bins))
}

// ByteFrequencyData analyses the current window and copies the bins into
// dst. It returns the number of bins copied.
func (m *Meter) ByteFrequencyData(dst []uint8) int {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	m.analyseLocked()
	return copy(dst, m.bins)
}

// Reset zeroes the analysis window and the smoothing state.
func (m *Meter) Reset() {
	m.mu.Lock()
	clear(m.window)
	m.pos = 0
	m.mu.Unlock()

	m.readMu.Lock()
	clear(m.smoothed)
	clear(m.bins)
	m.readMu.Unlock()
}

// analyseLocked recomputes m.bins. Callers hold readMu.
func (m *Meter) analyseLocked() {
	// Unroll the ring buffer oldest-first and apply the window.
	m.mu.Lock()
	for i := range m.frame {
		m.frame[i] = m.window[(m.pos+i)%m.size]
	}
	m.mu.Unlock()
	for i := range m.frame {
		m.frame[i] *= m.blackman[i]
	}

	m.fft.Coefficients(m.coeffs, m.frame)

	scale := MaxLevel / (m.maxDB - m.minDB)
	norm := 1 / float64(m.size)
	for k := range m.bins {
		c := m.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) * norm
		s := m.smoothing*m.smoothed[k] + (1-m.smoothing)*mag
		if math.IsNaN(s) || math.IsInf(s, 0) {
			s = 0
		}
		m.smoothed[k] = s

		if s <= 0 {
			m.bins[k] = 0
			continue
		}
		v := math.Floor(scale * (20*math.Log10(s) - m.minDB))
		switch {
		case v < 0:
			m.bins[k] = 0
		case v > MaxLevel:
			m.bins[k] = MaxLevel
		default:
			m.bins[k] = uint8(v)
		}
	}
}

// blackman returns the classic Blackman window (alpha = 0.16) of length n.
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
