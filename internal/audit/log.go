package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink appends entries as structured log lines. It suits development and
// deployments that ship logs to an immutable store.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger. The logger is named "audit".
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

// Append writes e at info level.
func (s *LogSink) Append(_ context.Context, e Entry) error {
	s.logger.Info("audit", entryFields(e)...)
	return nil
}
