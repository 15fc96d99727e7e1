package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is the elapsed time above which a query is logged at
// warn level even when full SQL tracing is off.
const slowQueryThreshold = 200 * time.Millisecond

// gormZapLogger routes GORM's internal messages (SQL statements, slow query
// warnings, errors) through the agent's zap logger instead of stdout.
// gorm.ErrRecordNotFound is silenced: it is a normal application condition,
// not a database error.
type gormZapLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger returns a gormlogger.Interface backed by log. Use
// gormlogger.Silent to disable GORM logging entirely, gormlogger.Info to log
// every SQL statement.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZapLogger{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy with the given level. GORM calls this when a session
// overrides the level (e.g. db.Debug()).
func (l *gormZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormZapLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs individual SQL statements with execution time and affected rows,
// promoting slow queries to warn level.
func (l *gormZapLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		// ErrDuplicatedKey is expected traffic here: the idempotency layer
		// resolves duplicate submissions through unique-constraint conflicts.
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)

	case elapsed > slowQueryThreshold:
		l.log.Warn("gorm slow query", fields...)

	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}
