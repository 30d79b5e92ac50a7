package logger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/birdnet-tiles/internal/errors"
)

// GormLoggerAdapter routes GORM output through a Logger. Statements log at
// TRACE; failures and statements slower than the threshold log at WARN.
type GormLoggerAdapter struct {
	log  Logger
	slow time.Duration
}

// NewGormLoggerAdapter returns an adapter. A zero slowThreshold disables
// slow-statement warnings.
func NewGormLoggerAdapter(log Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if log == nil {
		log = Global().Module("datastore")
	}
	return &GormLoggerAdapter{log: log, slow: slowThreshold}
}

// LogMode is ignored; levels come from the logging config.
func (a *GormLoggerAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return a }

func (a *GormLoggerAdapter) Info(_ context.Context, msg string, data ...any) {
	a.log.Debug(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Warn(_ context.Context, msg string, data ...any) {
	a.log.Warn(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Error(_ context.Context, msg string, data ...any) {
	a.log.Error(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []Field{String("sql", sql), Int64("rows", rows), Duration("elapsed", elapsed)}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		a.log.Warn("statement failed", append(fields, Error(err))...)
	case a.slow > 0 && elapsed > a.slow:
		a.log.Warn("slow statement", fields...)
	default:
		a.log.Trace("statement", fields...)
	}
}
