// logger.go: Package logger provides module-aware structured logging built on log/slog.
//
// Components receive a Logger and scope it with Module:
//
//	log := logger.Global().Module("pipeline")
//	log.Info("detection ingested",
//	    logger.String("species", d.Name),
//	    logger.Float64("confidence", *d.Confidence))
//
// Console output is human-readable text; the optional file output is JSON.
// Per-module levels are configured with modulelevels:
//
//	logging:
//	  defaultlevel: "info"
//	  console:
//	    enabled: true
//	  fileoutput:
//	    enabled: false
//	    path: "logs/birdnet-tiles.log"
//	  modulelevels:
//	    mqtt: "debug"
package logger

import (
	"context"
	"time"
)

// LogLevel names a severity.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging interface passed to every component.
type Logger interface {
	// Module returns a child logger; names nest as parent.child.
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Log(level LogLevel, msg string, fields ...Field)

	// With returns a logger that adds fields to every record.
	With(fields ...Field) Logger
	// WithContext adds the request ID carried by ctx, if any.
	WithContext(ctx context.Context) Logger

	Flush() error
}

func String(key, value string) Field          { return Field{key, value} }
func Int(key string, value int) Field         { return Field{key, value} }
func Int64(key string, value int64) Field     { return Field{key, value} }
func Uint64(key string, value uint64) Field   { return Field{key, value} }
func Float32(key string, value float32) Field { return Field{key, value} }
func Float64(key string, value float64) Field { return Field{key, value} }
func Bool(key string, value bool) Field       { return Field{key, value} }
func Time(key string, value time.Time) Field  { return Field{key, value} }
func Any(key string, value any) Field         { return Field{key, value} }

// Duration renders value as a string such as "1.5s".
func Duration(key string, value time.Duration) Field {
	return Field{key, value}
}

// Error stores err's message under "error". A nil error logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{errorKey, nil}
	}
	return Field{errorKey, err.Error()}
}
