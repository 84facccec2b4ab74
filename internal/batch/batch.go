// Package batch прогоняет трансформацию по списку сырых заказов.
// Отказ одной записи фиксируется в результате и не останавливает остальные.
package batch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/transform"
)

type Transformer interface {
	Transform(ctx context.Context, txc transform.TxContext, rec model.RawOrderRecord) (model.Order, error)
}

type Failure struct {
	Record model.RawOrderRecord
	Err    error
}

type Result struct {
	Succeeded []model.Order
	Failed    []Failure
}

type Runner struct {
	transformer Transformer
	zaplog      *zap.Logger
}

func NewRunner(transformer Transformer, zaplog *zap.Logger) *Runner {
	return &Runner{transformer: transformer, zaplog: zaplog}
}

// Run обрабатывает записи по порядку. Ошибка возвращается только при отмене контекста,
// вместе с частичным результатом: уже зафиксированные заказы остаются.
func (r *Runner) Run(ctx context.Context, txc transform.TxContext, records []model.RawOrderRecord) (Result, error) {
	var res Result
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			r.zaplog.Warn("batch interrupted",
				zap.Int("done", len(res.Succeeded)+len(res.Failed)),
				zap.Int("total", len(records)),
				zap.Error(err),
			)
			return res, err
		}

		order, err := r.transformer.Transform(ctx, txc, rec)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
			}
			r.zaplog.Error("transform order",
				zap.Int64("remote_id", rec.Key.RemoteEntityID),
				zap.String("increment_id", rec.Data.IncrementID),
				zap.String("batch_id", rec.Data.BatchID),
				zap.Error(err),
			)
			res.Failed = append(res.Failed, Failure{Record: rec, Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, order)
	}

	r.zaplog.Info("batch done",
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}
