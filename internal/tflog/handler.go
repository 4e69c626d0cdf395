package tflog

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewTerminalHandler builds a color-aware, human-readable handler for
// interactive use. When forceColor is false and w is a *os.File pointing
// at a non-terminal, colors are suppressed automatically.
func NewTerminalHandler(w io.Writer, forceColor bool) slog.Handler {
	return NewTerminalHandlerWithLevel(w, LevelInfo, forceColor)
}

// NewTerminalHandlerWithLevel is like NewTerminalHandler but takes an
// explicit minimum level instead of defaulting to Info.
func NewTerminalHandlerWithLevel(w io.Writer, level Level, forceColor bool) slog.Handler {
	if f, ok := w.(*os.File); ok && (forceColor || isTerminal(f)) {
		w = colorable.NewColorable(f)
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level.slog(),
		AddSource: false,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "t"
			}
			return a
		},
	})
}

// JSONHandler returns a handler emitting one JSON object per line at
// the debug level and above.
func JSONHandler(w io.Writer) slog.Handler {
	return JSONHandlerWithLevel(w, LevelDebug.slog())
}

// JSONHandlerWithLevel returns a JSON handler gated at an explicit level.
func JSONHandlerWithLevel(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// RotatingFileHandler returns a JSON handler that writes through a
// lumberjack rotator, for long-running ingest/transform daemons.
func RotatingFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) slog.Handler {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return JSONHandlerWithLevel(rotator, LevelInfo.slog())
}

func isTerminal(w io.Writer) bool {
	f := asFile(w)
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type fileDescriptor interface {
	Fd() uintptr
}

func asFile(w io.Writer) fileDescriptor {
	f, ok := w.(fileDescriptor)
	if !ok {
		return nil
	}
	return f
}
