package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	// IANA zones for hosts without a system tz database
	_ "time/tzdata"

	"github.com/tphakala/birdnet-tiles/internal/errors"
)

// levelTrace sits below slog's Debug (-4).
const levelTrace = slog.Level(-8)

var (
	global   *CentralLogger
	globalMu sync.Mutex
)

// SetGlobal installs cl as the process logger.
func SetGlobal(cl *CentralLogger) {
	globalMu.Lock()
	global = cl
	globalMu.Unlock()
}

// Global returns the process logger, creating an info-level stdout logger
// on first use when none was installed.
func Global() *CentralLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewConsoleLogger(os.Stdout, LogLevelInfo)
	}
	return global
}

// CentralLogger owns the output handlers and per-module levels.
type CentralLogger struct {
	mu      sync.RWMutex
	handler slog.Handler
	file    *os.File
	levels  map[string]slog.Level
	deflt   slog.Level
}

// NewCentralLogger builds a logger from cfg, opening the log file if enabled.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, errors.NewStd("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz, err := loadZone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		levels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
		deflt:  parseLogLevel(cfg.DefaultLevel),
	}
	for module, lvl := range cfg.ModuleLevels {
		cl.levels[module] = parseLogLevel(lvl)
	}

	var handlers []slog.Handler
	if cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(os.Stdout, parseLogLevel(cfg.Console.Level), tz))
	}
	if cfg.FileOutput.Enabled {
		f, err := openLogFile(cfg.FileOutput.Path)
		if err != nil {
			return nil, err
		}
		cl.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.FileOutput.Level),
		}))
	}

	switch len(handlers) {
	case 0:
		cl.handler = newTextHandler(os.Stdout, cl.deflt, tz)
	case 1:
		cl.handler = handlers[0]
	default:
		cl.handler = fanout(handlers)
	}
	return cl, nil
}

// NewConsoleLogger returns a text logger writing to w at level. A nil w
// means stdout.
func NewConsoleLogger(w io.Writer, level LogLevel) *CentralLogger {
	if w == nil {
		w = os.Stdout
	}
	lvl := parseLogLevel(string(level))
	return &CentralLogger{
		handler: newTextHandler(w, lvl, time.Local),
		levels:  map[string]slog.Level{},
		deflt:   lvl,
	}
}

func loadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
	}
	return tz, nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Module returns a logger for name. The level is fixed when the logger is
// created; a top-level module entry applies to its children too.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return &moduleLogger{
		module: name,
		out:    slog.New(cl.handler),
		level:  cl.levelFor(name),
	}
}

func (cl *CentralLogger) levelFor(module string) slog.Level {
	if lvl, ok := cl.levels[module]; ok {
		return lvl
	}
	return cl.deflt
}

// Flush syncs the log file.
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.file == nil {
		return nil
	}
	if err := cl.file.Sync(); err != nil {
		return fmt.Errorf("failed to flush log file: %w", err)
	}
	return nil
}

// Close syncs and closes the log file. Console output is unaffected.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := errors.Join(cl.file.Sync(), cl.file.Close())
	cl.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch LogLevel(level) {
	case LogLevelTrace:
		return levelTrace
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
