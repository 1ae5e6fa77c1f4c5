package alerting

import (
	"context"

	"go.uber.org/zap"
)

// ErrorReporter is an optional sink for failures that must not become alerts,
// such as channel delivery errors. Vendor integrations plug in here.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

// ZapReporter writes reports to a logger.
type ZapReporter struct {
	logger *zap.Logger
}

// NewZapReporter builds a reporter on logger.
func NewZapReporter(logger *zap.Logger) *ZapReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapReporter{logger: logger}
}

// Report implements ErrorReporter.
func (r *ZapReporter) Report(_ context.Context, err error, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.Error(err))
	for _, k := range sortedKeys(fields) {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	r.logger.Error("reported error", zf...)
}
