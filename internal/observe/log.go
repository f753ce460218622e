package observe

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewConsoleLogger returns a logger writing to f at level. Terminals get
// colourised tint output; anything else gets [slog.TextHandler] lines.
func NewConsoleLogger(f *os.File, level slog.Leveler) *slog.Logger {
	if IsTerminal(f) {
		return slog.New(tint.NewHandler(f, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
