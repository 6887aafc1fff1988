package main

import (
	"context"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"go.uber.org/zap"
)

// zapOperationLogger forwards domain operation callbacks to structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) *zapOperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry rental.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", int64(entry.UserID)))
	}
	if entry.SlotID != 0 {
		fields = append(fields, zap.Int64("slot_id", int64(entry.SlotID)))
	}
	if entry.TicketID != 0 {
		fields = append(fields, zap.Int64("ticket_id", int64(entry.TicketID)))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", int64(entry.Amount)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("operation failed", fields...)
		return
	}
	adapter.logger.Info("operation", fields...)
}
