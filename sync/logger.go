package sync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger. It discards everything
// until InitLogger is called, which keeps tests quiet.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// LogOptions configures InitLogger.
type LogOptions struct {
	// Dir, if set, receives rotating level-split log files.
	Dir string
	// Debug lowers the console threshold from INFO to DEBUG.
	Debug bool
}

// InitLogger configures the package logger. Console output always goes to
// stdout (below WARN) and stderr (WARN and up). With opts.Dir set, three
// rotating files are written as well:
//   - ccsync_warn.log: WARN and ERROR
//   - ccsync_info.log: INFO only
//   - ccsync_debug.log: DEBUG only
func InitLogger(opts LogOptions) {
	consoleLevel := slog.LevelInfo
	if opts.Debug {
		consoleLevel = slog.LevelDebug
	}
	handlers := []slog.Handler{
		&consoleHandler{
			min:    consoleLevel,
			stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: consoleLevel}),
			stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		},
		errorCaptureHandler{},
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			slog.Warn("log dir unavailable, file logging disabled", "dir", opts.Dir, "err", err)
		} else {
			handlers = append(handlers,
				fileHandler(opts.Dir, "ccsync_warn.log", 100, 3, slog.LevelWarn, slog.LevelError),
				fileHandler(opts.Dir, "ccsync_info.log", 10, 1, slog.LevelInfo, slog.LevelInfo),
				fileHandler(opts.Dir, "ccsync_debug.log", 10, 1, slog.LevelDebug, slog.LevelDebug),
			)
		}
	}

	logger = slog.New(&multiHandler{handlers: handlers})
}

func fileHandler(dir, name string, maxSizeMB, backups int, min, max slog.Level) slog.Handler {
	out := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: backups,
	}
	return &levelRangeHandler{
		min:   min,
		max:   max,
		inner: slog.NewTextHandler(out, &slog.HandlerOptions{Level: min}),
	}
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// --- consoleHandler: routes below-WARN to stdout, WARN+ to stderr ---

type consoleHandler struct {
	min    slog.Level
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{min: h.min, stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

// --- errorCaptureHandler: keeps the last few ERROR records for /status ---

const recentErrorCap = 8

// LogEntry is a captured error record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Comp    string    `json:"comp,omitempty"`
	Session string    `json:"session,omitempty"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

var errorRing struct {
	mu      gosync.Mutex
	entries [recentErrorCap]LogEntry
	count   int
}

// RecentErrors returns the most recent error records, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, recentErrorCap)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%recentErrorCap]
	}
	return out
}

// errorCaptureHandler records attributes attached with With as well as
// those on the record itself.
type errorCaptureHandler struct {
	attrs []slog.Attr
}

func (h errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Message: r.Message}
	apply := func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "session":
			entry.Session = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		apply(a)
	}
	r.Attrs(apply)

	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%recentErrorCap] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

func (h errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return errorCaptureHandler{attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// --- levelRangeHandler: passes only a specific level range ---

type levelRangeHandler struct {
	min, max slog.Level
	inner    slog.Handler
}

func (h *levelRangeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min && level <= h.max
}

func (h *levelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRangeHandler) WithGroup(name string) slog.Handler {
	return &levelRangeHandler{min: h.min, max: h.max, inner: h.inner.WithGroup(name)}
}

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

// Logger returns a logger tagged with component, for use outside this
// package.
func Logger(component string) *slog.Logger {
	return sub(component)
}
