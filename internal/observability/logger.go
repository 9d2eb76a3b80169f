package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapOperationLogger writes ledger operation logs as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger falls back to a no-op logger when logger is nil.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("ledger")}
}

// LogOperation logs failures at error level, degraded successes at warn level, the rest at info.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("applied_credits", entry.AppliedCredits.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.Bool("unlimited", entry.Unlimited),
	}
	if reason := entry.Reason.String(); reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if entry.Reference.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.Reference.SessionID))
	}
	if entry.Reference.TrackID != "" {
		fields = append(fields, zap.String("track_id", entry.Reference.TrackID))
	}

	level := zapcore.InfoLevel
	message := "ledger operation"
	switch {
	case entry.Error != nil:
		level = zapcore.ErrorLevel
		message = "ledger operation failed"
		fields = append(fields, zap.Error(entry.Error))
	case entry.AuditError != nil || entry.EventError != nil:
		level = zapcore.WarnLevel
		message = "ledger operation degraded"
		if entry.AuditError != nil {
			fields = append(fields, zap.NamedError("audit_error", entry.AuditError))
		}
		if entry.EventError != nil {
			fields = append(fields, zap.NamedError("event_error", entry.EventError))
		}
	}
	if checked := operationLogger.logger.Check(level, message); checked != nil {
		checked.Write(fields...)
	}
}
