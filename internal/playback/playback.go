// Package playback places incoming audio chunks on the output clock so that
// consecutive chunks play back to back.
//
// The [Scheduler] keeps a schedule cursor: the output frame at which the
// next chunk should begin. Each chunk starts at max(now, cursor), where now
// is the output context's current frame, and advances the cursor by the
// chunk length. Chunks therefore never overlap and never start in the past;
// a chunk that arrives after the previous one finished leaves a gap of
// silence, which is accepted. The cursor has no upper bound.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/personaplex/internal/observe"
	"github.com/MrWong99/personaplex/pkg/audio"
	"github.com/MrWong99/personaplex/pkg/audio/meter"
)

// Placement describes where a chunk landed on the output clock.
type Placement struct {
	// StartFrame is the output frame at which the chunk begins.
	StartFrame int64

	// Start is StartFrame expressed as time since the output clock began.
	Start time.Duration

	// Duration is the chunk's playback length.
	Duration time.Duration
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLeadWarning logs a warning, once per session, when scheduled audio
// runs further than d ahead of the output clock. Zero disables the warning.
func WithLeadWarning(d time.Duration) Option {
	return func(s *Scheduler) { s.leadWarning = d }
}

// WithMeterOptions configures the output level meter created on the first
// chunk.
func WithMeterOptions(opts ...meter.Option) Option {
	return func(s *Scheduler) { s.meterOpts = opts }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler serialises chunk placement on one output context. It is safe for
// concurrent use.
type Scheduler struct {
	out         audio.OutputContext
	leadWarning time.Duration
	meterOpts   []meter.Option
	metrics     *observe.Metrics
	log         *slog.Logger

	mu        sync.Mutex
	cursor    int64
	scheduled bool
	warned    bool
	tap       *meter.Meter
}

// New returns a scheduler for out with its cursor at frame 0.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{out: out}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Schedule starts chunk on the output context at max(now, cursor) and
// advances the cursor past it. The output meter is created on the first
// call and attached to every chunk. If the output context rejects the
// chunk the cursor does not move.
func (s *Scheduler) Schedule(chunk []float32) (Placement, error) {
	rate := s.out.SampleRate()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.CurrentFrame()
	start := max(now, s.cursor)
	dur := audio.FramesToDuration(int64(len(chunk)), rate)
	if len(chunk) == 0 {
		return Placement{StartFrame: start, Start: audio.FramesToDuration(start, rate)}, nil
	}

	if s.tap == nil {
		s.tap = meter.New(s.meterOpts...)
	}
	// The device may render between the clock read and Start, so the output
	// context has the final say on where the chunk begins.
	actual, err := s.out.Start(start, chunk, s.tap)
	if err != nil {
		return Placement{}, fmt.Errorf("playback: start chunk at frame %d: %w", start, err)
	}
	if actual > start {
		// Start was clamped, so the clock had reached actual.
		now = actual
	}

	ctx := context.Background()
	if s.scheduled && s.cursor < actual {
		s.metrics.PlaybackGap.Record(ctx, audio.FramesToDuration(actual-s.cursor, rate).Seconds())
	}
	s.scheduled = true
	s.cursor = actual + int64(len(chunk))
	s.metrics.ChunksScheduled.Add(ctx, 1)

	lead := audio.FramesToDuration(s.cursor-now, rate)
	s.metrics.PlaybackLead.Record(ctx, lead.Seconds())
	if s.leadWarning > 0 && lead > s.leadWarning && !s.warned {
		s.warned = true
		s.log.Warn("playback: scheduled audio far ahead of output", "lead", lead, "threshold", s.leadWarning)
	}
	return Placement{StartFrame: actual, Start: audio.FramesToDuration(actual, rate), Duration: dur}, nil
}

// Reset returns the cursor to frame 0 and drops the output meter.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.scheduled = false
	s.warned = false
	s.tap = nil
}

// Tap returns the output level meter, or nil before the first chunk.
func (s *Scheduler) Tap() *meter.Meter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap
}

// Level returns the output meter reading, or 0 before the first chunk.
func (s *Scheduler) Level() float64 {
	if m := s.Tap(); m != nil {
		return m.Read()
	}
	return 0
}

// CursorFrame returns the frame at which the next chunk would start if the
// output clock had not passed it.
func (s *Scheduler) CursorFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Cursor returns [Scheduler.CursorFrame] as a duration.
func (s *Scheduler) Cursor() time.Duration {
	return audio.FramesToDuration(s.CursorFrame(), s.out.SampleRate())
}

// Lead returns how far the cursor is ahead of the output clock, or 0 when
// the clock has caught up.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.out.CurrentFrame()
	if s.cursor <= now {
		return 0
	}
	return audio.FramesToDuration(s.cursor-now, s.out.SampleRate())
}
