package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/personaplex/pkg/audio"
)

// recordingTap collects everything written to it.
type recordingTap struct {
	mu      sync.Mutex
	samples []float32
}

func (r *recordingTap) Write(s []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s...)
}

func ones(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTimeline_RenderAdvancesClock(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	if tl.CurrentFrame() != 0 {
		t.Fatalf("initial frame = %d, want 0", tl.CurrentFrame())
	}
	tl.Render(make([]float32, 480))
	tl.Render(make([]float32, 480))
	if tl.CurrentFrame() != 960 {
		t.Errorf("frame = %d, want 960", tl.CurrentFrame())
	}
}

func TestTimeline_PlaysAtStartFrame(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	if _, err := tl.Start(4, ones(3, 0.5), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out := make([]float32, 10)
	tl.Render(out)
	want := []float32{0, 0, 0, 0, 0.5, 0.5, 0.5, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending() = %d after buffer finished, want 0", tl.Pending())
	}
}

func TestTimeline_BufferSpansBlocks(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	buf := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	_, _ = tl.Start(2, buf, nil)

	a := make([]float32, 4)
	b := make([]float32, 4)
	tl.Render(a)
	if tl.Pending() != 1 {
		t.Fatalf("Pending() = %d mid-buffer, want 1", tl.Pending())
	}
	tl.Render(b)

	got := append(a, b...)
	want := []float32{0, 0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTimeline_StartInPastIsClamped(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	tl.Render(make([]float32, 100))

	at, err := tl.Start(10, ones(2, 1), nil)
	if err != nil || at != 100 {
		t.Fatalf("Start = %d, %v; want clamped to 100", at, err)
	}
	out := make([]float32, 4)
	tl.Render(out)
	if out[0] != 1 || out[1] != 1 || out[2] != 0 {
		t.Errorf("late buffer rendered as %v, want to start immediately", out)
	}
}

func TestTimeline_TapReceivesMixIncludingSilence(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	tap := &recordingTap{}
	_, _ = tl.Start(0, ones(2, 0.25), tap)
	_, _ = tl.Start(2, ones(2, 0.75), tap)

	tl.Render(make([]float32, 6))

	want := []float32{0.25, 0.25, 0.75, 0.75, 0, 0}
	if len(tap.samples) != len(want) {
		t.Fatalf("tap got %d samples, want %d", len(tap.samples), len(want))
	}
	for i := range want {
		if tap.samples[i] != want[i] {
			t.Errorf("tap[%d] = %v, want %v", i, tap.samples[i], want[i])
		}
	}
}

func TestTimeline_OutOfOrderStartsAreSorted(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	_, _ = tl.Start(4, ones(2, 0.5), nil)
	_, _ = tl.Start(0, ones(2, 0.25), nil)

	out := make([]float32, 6)
	tl.Render(out)
	want := []float32{0.25, 0.25, 0, 0, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()
	tl := audio.NewTimeline(audio.SampleRate)
	_, _ = tl.Start(0, ones(4, 1), nil)
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tl.Start(0, ones(1, 1), nil); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Start after Close: err = %v, want ErrClosed", err)
	}

	out := ones(4, 9)
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Errorf("out[%d] = %v after Close, want silence", i, s)
		}
	}
	if err := tl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
