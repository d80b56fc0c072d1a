package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/progress"
)

// LogSink writes one structured log line per event. Batch events go to debug
// so long runs stay readable at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("profile", evt.Profile),
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageBatch:
			level = zapcore.DebugLevel
			fields = append(fields,
				zap.Int("batch", evt.Batch),
				zap.Int("raw", evt.Raw),
				zap.Int("unique", evt.Unique),
				zap.Int("duplicates", evt.Duplicates),
				zap.String("url", evt.URL),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageBlocked:
			level = zapcore.WarnLevel
			fields = append(fields, zap.Int("batch", evt.Batch), zap.String("reason", evt.Reason), zap.String("url", evt.URL))
		case progress.StageRunDone:
			fields = append(fields,
				zap.String("status", string(evt.Status)),
				zap.Int("raw", evt.Raw),
				zap.Int("unique", evt.Unique),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageRunError:
			level = zapcore.ErrorLevel
			fields = append(fields, zap.String("status", string(evt.Status)), zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
