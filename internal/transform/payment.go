package transform

import (
	"github.com/shopspring/decimal"

	"github.com/iurnickita/ordersync/internal/model"
)

// DerivePaymentStatus - статус оплаты по суммам и удаленному статусу.
// Правила проверяются по порядку, срабатывает первое.
// Последняя ветка недостижима на практике (pending_payment уже покрыт), порядок сохранен как есть.
func DerivePaymentStatus(status string, grandTotal, totalPaid, totalDue, totalRefunded decimal.Decimal) model.PaymentStatus {
	switch {
	case totalRefunded.IsPositive() && totalRefunded.GreaterThanOrEqual(totalPaid):
		return model.PaymentStatusRefunded
	case totalDue.IsZero() && totalPaid.IsPositive():
		return model.PaymentStatusPaid
	case totalPaid.GreaterThanOrEqual(grandTotal) && grandTotal.IsPositive():
		return model.PaymentStatusPaid
	case status == model.RemoteStatusCanceled || status == model.RemoteStatusClosed:
		return model.PaymentStatusFailed
	case status == model.RemoteStatusPendingPayment || totalDue.IsPositive():
		return model.PaymentStatusPending
	default:
		return model.PaymentStatusPending
	}
}
