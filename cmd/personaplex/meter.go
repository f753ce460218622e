package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/personaplex/internal/session"
	"github.com/MrWong99/personaplex/pkg/audio/meter"
)

const barWidth = 24

// meterLine redraws a single terminal line with both level meters. Redraws
// are throttled to one per interval; the final idle status always draws.
type meterLine struct {
	w        io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func newMeterLine(w io.Writer, interval time.Duration) *meterLine {
	return &meterLine{w: w, interval: interval}
}

// Publish implements [session.Publisher].
func (m *meterLine) Publish(st session.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if st.Connected && now.Sub(m.last) < m.interval {
		return
	}
	m.last = now
	if !st.Connected {
		fmt.Fprint(m.w, "\r\033[K")
		return
	}
	fmt.Fprint(m.w, "\r\033[K"+renderMeters(st))
}

func renderMeters(st session.Status) string {
	mic := "mic off"
	if st.Recording {
		mic = "mic " + bar(st.InputLevel)
	}
	return mic + "  out " + bar(st.OutputLevel)
}

func bar(level float64) string {
	n := int(level / meter.MaxLevel * barWidth)
	n = min(max(n, 0), barWidth)
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", barWidth-n) + "]"
}
