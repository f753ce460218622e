package audio

import (
	"slices"
	"sync"
)

// Compile-time interface assertion.
var _ OutputContext = (*Timeline)(nil)

// Timeline is the rendering core shared by output backends. Buffers are
// started at absolute frame positions; [Timeline.Render] mixes whatever is
// due into the next block of output and advances the clock by the block
// length. The clock therefore only moves when the device pulls audio, which
// makes it the authoritative output clock.
//
// Every [Tap] passed to Start is attached to the mixed output: it receives
// each rendered block, including silence between buffers, until the
// timeline is closed.
//
// All exported methods are safe for concurrent use. Render is expected to
// be called from a single audio goroutine.
type Timeline struct {
	rate int

	mu      sync.Mutex
	frame   int64
	sources []scheduled
	taps    []Tap
	closed  bool

	// tapScratch is reused by Render to call taps outside the lock.
	tapScratch []Tap
}

type scheduled struct {
	start   int64
	samples []float32
}

func (s scheduled) end() int64 { return s.start + int64(len(s.samples)) }

// NewTimeline returns an empty timeline whose clock starts at frame 0.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// SampleRate implements [OutputContext].
func (t *Timeline) SampleRate() int { return t.rate }

// CurrentFrame implements [OutputContext].
func (t *Timeline) CurrentFrame() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame
}

// Start implements [OutputContext].
func (t *Timeline) Start(at int64, samples []float32, tap Tap) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	at = max(at, t.frame)
	if tap != nil && !slices.Contains(t.taps, tap) {
		t.taps = append(t.taps, tap)
	}
	if len(samples) == 0 {
		return at, nil
	}

	src := scheduled{start: at, samples: samples}
	// Buffers nearly always arrive in start order, so search from the back.
	i := len(t.sources)
	for i > 0 && t.sources[i-1].start > at {
		i--
	}
	t.sources = slices.Insert(t.sources, i, src)
	return at, nil
}

// Render fills out with the mix of all buffers due in the next len(out)
// frames, advances the clock, and feeds attached taps. A closed timeline
// renders silence and does not advance.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	from := t.frame
	to := from + int64(len(out))

	kept := t.sources[:0]
	for _, src := range t.sources {
		if src.start < to && src.end() > from {
			lo := max(src.start, from)
			hi := min(src.end(), to)
			seg := src.samples[lo-src.start : hi-src.start]
			dst := out[lo-from : hi-from]
			for i, s := range seg {
				dst[i] += s
			}
		}
		if src.end() > to {
			kept = append(kept, src)
		}
	}
	clear(t.sources[len(kept):])
	t.sources = kept
	t.frame = to

	t.tapScratch = append(t.tapScratch[:0], t.taps...)
	t.mu.Unlock()

	for _, tap := range t.tapScratch {
		tap.Write(out)
	}
}

// Pending returns the number of buffers that have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Close implements [OutputContext]. Pending buffers are discarded.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.sources = nil
	t.taps = nil
	return nil
}
