package transform

import (
	"context"

	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
)

// EventSink получает результат каждой трансформации.
// Synced - после фиксации, SyncFailed - после отката.
type EventSink interface {
	Synced(ctx context.Context, order model.Order, wasNew bool)
	SyncFailed(ctx context.Context, rec model.RawOrderRecord, cause error)
}

type NopSink struct{}

func (NopSink) Synced(context.Context, model.Order, bool) {}
func (NopSink) SyncFailed(context.Context, model.RawOrderRecord, error) {}

// LogSink пишет события в лог
type LogSink struct {
	zaplog *zap.Logger
}

func NewLogSink(zaplog *zap.Logger) LogSink {
	return LogSink{zaplog: zaplog}
}

func (s LogSink) Synced(_ context.Context, order model.Order, wasNew bool) {
	s.zaplog.Debug("order synced",
		zap.Int64("tenant_id", order.TenantID),
		zap.Int64("remote_id", order.RemoteOrderID),
		zap.String("increment_id", order.IncrementID),
		zap.String("payment_status", string(order.PaymentStatus)),
		zap.Bool("new", wasNew),
	)
}

func (s LogSink) SyncFailed(_ context.Context, rec model.RawOrderRecord, cause error) {
	s.zaplog.Warn("order sync failed",
		zap.Int64("tenant_id", rec.Key.TenantID),
		zap.Int64("remote_id", rec.Key.RemoteEntityID),
		zap.String("increment_id", rec.Data.IncrementID),
		zap.String("batch_id", rec.Data.BatchID),
		zap.Error(cause),
	)
}
