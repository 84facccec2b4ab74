// Package transform переводит сырой заказ из staging в нормализованную модель:
// заказ, позиции с иерархией, счета и отгрузки. Каждый заказ - отдельная единица работы.
package transform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/store"
)

const (
	guestCustomerName = "Guest"
	fallbackCurrency  = "USD"
)

// Config - параметры магазина, передаются явно
type Config struct {
	TenantID        int64
	StoreID         int64
	DefaultCurrency string
	Location        *time.Location
}

// TxContext определяет, где открывается единица работы заказа:
// новая транзакция или savepoint внутри внешней.
type TxContext struct {
	outer store.Tx
}

func NewTransaction() TxContext {
	return TxContext{}
}

func Within(tx store.Tx) TxContext {
	return TxContext{outer: tx}
}

func (c TxContext) begin(ctx context.Context, st store.Store) (store.Tx, error) {
	if c.outer != nil {
		return c.outer.Savepoint(ctx)
	}
	return st.Begin(ctx)
}

type Engine struct {
	store  store.Store
	cfg    Config
	sink   EventSink
	zaplog *zap.Logger
	now    func() time.Time
}

func NewEngine(st store.Store, cfg Config, sink EventSink, zaplog *zap.Logger) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		store:  st,
		cfg:    cfg,
		sink:   sink,
		zaplog: zaplog,
		now:    time.Now,
	}
}

// Transform применяет сырой заказ к нормализованной модели.
// Повторный вызов с тем же payload не меняет ни строки, ни их id.
func (e *Engine) Transform(ctx context.Context, txc TxContext, rec model.RawOrderRecord) (model.Order, error) {
	order, inserted, err := e.apply(ctx, txc, rec)
	if err != nil {
		e.sink.SyncFailed(ctx, rec, err)
		serr := &SyncError{RemoteOrderID: rec.Key.RemoteEntityID, IncrementID: rec.Data.IncrementID, Err: err}
		if order.RemoteOrderID != 0 {
			serr.RemoteOrderID = order.RemoteOrderID
			serr.IncrementID = order.IncrementID
		}
		return model.Order{}, serr
	}
	e.sink.Synced(ctx, order, inserted)
	return order, nil
}

func (e *Engine) apply(ctx context.Context, txc TxContext, rec model.RawOrderRecord) (order model.Order, inserted bool, err error) {
	if (rec.Key.TenantID != 0 && rec.Key.TenantID != e.cfg.TenantID) || (rec.Key.StoreID != 0 && rec.Key.StoreID != e.cfg.StoreID) {
		return order, false, fmt.Errorf("%w: tenant %d store %d", ErrForeignRecord, rec.Key.TenantID, rec.Key.StoreID)
	}
	payload, err := decodeOrder(rec.Data.Payload)
	if err != nil {
		return order, false, err
	}
	if rec.Key.RemoteEntityID != 0 && rec.Key.RemoteEntityID != payload.EntityID {
		return order, false, fmt.Errorf("%w: entity_id %d does not match record %d", ErrMalformedPayload, payload.EntityID, rec.Key.RemoteEntityID)
	}
	if err := ctx.Err(); err != nil {
		return order, false, err
	}

	order = e.buildOrder(payload)

	tx, err := txc.begin(ctx, e.store)
	if err != nil {
		return order, false, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.zaplog.Error("rollback order", zap.Int64("remote_id", payload.EntityID), zap.Error(rbErr))
		}
	}()

	inserted, err = tx.OrderUpsert(ctx, &order)
	if err != nil {
		return order, false, fmt.Errorf("upsert order: %w", err)
	}

	itemIDs, err := e.replaceItems(ctx, tx, order, payload.Items)
	if err != nil {
		return order, false, err
	}

	if rec.Data.HasInvoice {
		if err := e.replaceInvoices(ctx, tx, order, payload.Invoices, itemIDs); err != nil {
			return order, false, err
		}
	}
	if rec.Data.HasShipment {
		if err := e.upsertShipments(ctx, tx, order, payload.Shipments); err != nil {
			return order, false, err
		}
	}

	key := model.RawOrderKey{TenantID: e.cfg.TenantID, StoreID: e.cfg.StoreID, RemoteEntityID: payload.EntityID}
	if err := tx.RawMarkTransformed(ctx, key, e.now()); err != nil {
		return order, false, fmt.Errorf("mark transformed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return order, false, fmt.Errorf("commit order: %w", err)
	}
	committed = true
	return order, inserted, nil
}

func (e *Engine) buildOrder(p remoteOrder) model.Order {
	name := strings.TrimSpace(p.CustomerFirstname + " " + p.CustomerLastname)
	if name == "" {
		name = guestCustomerName
	}
	currency := p.OrderCurrencyCode
	if currency == "" {
		currency = e.cfg.DefaultCurrency
	}
	if currency == "" {
		currency = fallbackCurrency
	}
	return model.Order{
		TenantID:       e.cfg.TenantID,
		StoreID:        e.cfg.StoreID,
		RemoteOrderID:  p.EntityID,
		IncrementID:    p.IncrementID,
		Status:         p.Status,
		PaymentStatus:  DerivePaymentStatus(p.Status, p.GrandTotal, p.TotalPaid, p.TotalDue, p.TotalRefunded),
		CustomerName:   name,
		CustomerEmail:  p.CustomerEmail,
		Currency:       currency,
		GrandTotal:     money(p.GrandTotal),
		Subtotal:       money(p.Subtotal),
		TaxAmount:      money(p.TaxAmount),
		ShippingAmount: money(p.ShippingAmount),
		DiscountAmount: discount(p.DiscountAmount),
		TotalPaid:      money(p.TotalPaid),
		TotalDue:       money(p.TotalDue),
		TotalRefunded:  money(p.TotalRefunded),
		PaymentMethod:  p.Payment.Method,
		ShippingMethod: p.ShippingDescription,
		OrderedAt:      parseRemoteTime(p.CreatedAt, e.cfg.Location),
		SyncedAt:       e.now().UTC(),
	}
}

// replaceItems пересоздает позиции заказа и связывает их с родителями.
// Возвращает соответствие удаленного id позиции локальному.
func (e *Engine) replaceItems(ctx context.Context, tx store.Tx, order model.Order, items []remoteOrderItem) (map[int64]int64, error) {
	if err := tx.OrderItemsDelete(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("delete order items: %w", err)
	}
	rows := make([]model.OrderItem, 0, len(items))
	for _, it := range items {
		rows = append(rows, model.OrderItem{
			TenantID:           order.TenantID,
			OrderID:            order.ID,
			RemoteItemID:       it.ItemID,
			RemoteParentItemID: it.ParentItemID,
			SKU:                it.SKU,
			Name:               it.Name,
			ProductType:        it.ProductType,
			QtyOrdered:         it.QtyOrdered,
			QtyInvoiced:        it.QtyInvoiced,
			QtyShipped:         it.QtyShipped,
			QtyRefunded:        it.QtyRefunded,
			QtyCanceled:        it.QtyCanceled,
			Price:              money(it.Price),
			OriginalPrice:      money(it.OriginalPrice),
			RowTotal:           money(it.RowTotal),
			TaxAmount:          money(it.TaxAmount),
			DiscountAmount:     discount(it.DiscountAmount),
		})
	}
	inserted, err := tx.OrderItemsInsert(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("insert order items: %w", err)
	}

	ids := make(map[int64]int64, len(inserted))
	for _, it := range inserted {
		ids[it.RemoteItemID] = it.ID
	}
	// второй проход: родитель мог прийти позже потомка
	links := make(map[int64]int64)
	for _, it := range inserted {
		if it.RemoteParentItemID == nil {
			continue
		}
		parentID, ok := ids[*it.RemoteParentItemID]
		if !ok || parentID == it.ID {
			e.zaplog.Debug("parent item not in order",
				zap.Int64("remote_order_id", order.RemoteOrderID),
				zap.Int64("remote_item_id", it.RemoteItemID),
				zap.Int64("remote_parent_item_id", *it.RemoteParentItemID),
			)
			continue
		}
		links[it.ID] = parentID
	}
	if len(links) > 0 {
		if err := tx.OrderItemsLinkParents(ctx, links); err != nil {
			return nil, fmt.Errorf("link parent items: %w", err)
		}
	}
	return ids, nil
}

func (e *Engine) replaceInvoices(ctx context.Context, tx store.Tx, order model.Order, invoices []remoteInvoice, itemIDs map[int64]int64) error {
	for _, ri := range invoices {
		inv := model.Invoice{
			TenantID:        order.TenantID,
			OrderID:         order.ID,
			RemoteInvoiceID: ri.EntityID,
			IncrementID:     ri.IncrementID,
			State:           ri.State,
			GrandTotal:      money(ri.GrandTotal),
			Subtotal:        money(ri.Subtotal),
			TaxAmount:       money(ri.TaxAmount),
			ShippingAmount:  money(ri.ShippingAmount),
			DiscountAmount:  discount(ri.DiscountAmount),
			InvoicedAt:      parseRemoteTime(ri.CreatedAt, e.cfg.Location),
		}
		if err := tx.InvoiceUpsert(ctx, &inv); err != nil {
			return fmt.Errorf("upsert invoice %s: %w", ri.IncrementID, err)
		}
		if err := tx.InvoiceItemsDelete(ctx, inv.ID); err != nil {
			return fmt.Errorf("delete invoice items %s: %w", ri.IncrementID, err)
		}
		items := make([]model.InvoiceItem, 0, len(ri.Items))
		for _, it := range ri.Items {
			item := model.InvoiceItem{
				InvoiceID:         inv.ID,
				RemoteOrderItemID: it.OrderItemID,
				SKU:               it.SKU,
				Name:              it.Name,
				Qty:               it.Qty,
				Price:             money(it.Price),
				RowTotal:          money(it.RowTotal),
				TaxAmount:         money(it.TaxAmount),
				DiscountAmount:    discount(it.DiscountAmount),
			}
			// позиция счета без пары в заказе сохраняется без ссылки
			if id, ok := itemIDs[it.OrderItemID]; ok {
				item.OrderItemID = &id
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			continue
		}
		if err := tx.InvoiceItemsInsert(ctx, items); err != nil {
			return fmt.Errorf("insert invoice items %s: %w", ri.IncrementID, err)
		}
	}
	return nil
}

func (e *Engine) upsertShipments(ctx context.Context, tx store.Tx, order model.Order, shipments []remoteShipment) error {
	for _, rs := range shipments {
		sh := model.Shipment{
			TenantID:         order.TenantID,
			OrderID:          order.ID,
			RemoteShipmentID: rs.EntityID,
			IncrementID:      rs.IncrementID,
			TotalQty:         rs.TotalQty,
			ShippedAt:        parseRemoteTime(rs.CreatedAt, e.cfg.Location),
		}
		if len(rs.Tracks) > 0 {
			sh.TrackNumber = rs.Tracks[0].TrackNumber
			sh.CarrierCode = rs.Tracks[0].CarrierCode
			sh.CarrierTitle = rs.Tracks[0].Title
		}
		if err := tx.ShipmentUpsert(ctx, &sh); err != nil {
			return fmt.Errorf("upsert shipment %s: %w", rs.IncrementID, err)
		}
	}
	return nil
}
