// Package logging builds the process logger: JSON records to a log file,
// fanned out to a console text handler at debug level. Error values carry
// their stack trace.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdobak/go-xerrors"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

// LevelTrace is below debug and enables per-request custody logging.
const LevelTrace = slog.Level(-8)

// Config selects the log file and level.
type Config struct {
	Level slog.Level
	// File is the JSON log path. Empty writes JSON to Console instead.
	File string
	// Console receives text records at debug level and below. Default:
	// os.Stderr.
	Console io.Writer
}

// New returns the logger described by cfg and a function closing the log
// file.
func New(fs afero.Fs, cfg Config) (*slog.Logger, func() error, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: replaceAttr}

	if cfg.File == "" {
		return slog.New(slog.NewJSONHandler(console, opts)), func() error { return nil }, nil
	}
	if err := fs.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := fs.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(f, opts)
	if cfg.Level > slog.LevelDebug {
		return slog.New(fileHandler), f.Close, nil
	}
	textHandler := slog.NewTextHandler(console, opts)
	return slog.New(slogmulti.Fanout(fileHandler, textHandler)), f.Close, nil
}

// ParseLevel accepts trace, debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(strings.TrimSpace(s), "trace") {
		return LevelTrace, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// Error logs err with the stack trace of the call site.
func Error(logger *slog.Logger, msg string, err error, args ...any) {
	logger.Error(msg, append([]any{slog.Any("error", xerrors.New(err))}, args...)...)
}

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if err, ok := a.Value.Any().(error); ok {
		a.Value = errorValue(err)
	}
	return a
}

func errorValue(err error) slog.Value {
	attrs := []slog.Attr{slog.String("msg", err.Error())}
	if frames := stackFrames(err); len(frames) > 0 {
		attrs = append(attrs, slog.Any("trace", frames))
	}
	return slog.GroupValue(attrs...)
}

func stackFrames(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}
	frames := trace.Frames()
	out := make([]stackFrame, len(frames))
	for i, f := range frames {
		out[i] = stackFrame{
			Func:   filepath.Base(f.Function),
			Source: filepath.Join(filepath.Base(filepath.Dir(f.File)), filepath.Base(f.File)),
			Line:   f.Line,
		}
	}
	return out
}
