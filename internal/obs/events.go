// Copyright 2025 James Ross
package obs

import (
	"github.com/jobrelay/jobrelay/internal/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventLogger emits one structured record per pipeline event, always tagged
// with a correlation id. Emission is best-effort: a dropped record never
// stalls a stage, and the logger never mutates the job it is handed.
type EventLogger struct {
	log *zap.Logger
}

// NewEventLogger wraps the process logger. When filePath is non-empty the
// event stream is additionally teed to a size-rotated file.
func NewEventLogger(base *zap.Logger, filePath string, maxSizeMB, maxBackups int) *EventLogger {
	log := base
	if filePath != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		})
		enc := zap.NewProductionEncoderConfig()
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, zapcore.DebugLevel)
		log = base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	return &EventLogger{log: log}
}

// Event writes one record for a job event at the given level.
func (e *EventLogger) Event(level zapcore.Level, correlationID, stage, event string, job queue.Job, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("correlation_id", correlationID),
		zap.String("stage", stage),
		zap.String("event", event),
		zap.String("job_id", job.JobID),
		zap.String("job_title", job.Title),
		zap.String("job_company", job.Company),
		zap.String("job_status", string(job.Status)),
		zap.Int("retry_count", job.RetryCount),
	}
	fields = append(fields, extra...)

	ce := e.log.Check(level, event)
	if ce == nil {
		return
	}
	ce.Write(fields...)
}

func (e *EventLogger) Info(correlationID, stage, event string, job queue.Job, extra ...zap.Field) {
	e.Event(zapcore.InfoLevel, correlationID, stage, event, job, extra...)
}

func (e *EventLogger) Warn(correlationID, stage, event string, job queue.Job, extra ...zap.Field) {
	e.Event(zapcore.WarnLevel, correlationID, stage, event, job, extra...)
}

func (e *EventLogger) Error(correlationID, stage, event string, job queue.Job, extra ...zap.Field) {
	e.Event(zapcore.ErrorLevel, correlationID, stage, event, job, extra...)
}

func (e *EventLogger) Debug(correlationID, stage, event string, job queue.Job, extra ...zap.Field) {
	e.Event(zapcore.DebugLevel, correlationID, stage, event, job, extra...)
}
