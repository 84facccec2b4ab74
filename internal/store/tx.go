package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iurnickita/ordersync/internal/model"
)

// sqlTx - транзакция верхнего уровня (savepoint == "") или точка сохранения внутри нее
type sqlTx struct {
	tx        *sql.Tx
	savepoint string
	seq       *int
}

func (t *sqlTx) Savepoint(ctx context.Context) (Tx, error) {
	*t.seq++
	name := "sp_" + strconv.Itoa(*t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &sqlTx{tx: t.tx, savepoint: name, seq: t.seq}, nil
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.savepoint == "" {
		return t.tx.Commit()
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return err
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.savepoint == "" {
		// отмена контекста уже откатила транзакцию
		if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	return err
}

func (t *sqlTx) OrderUpsert(ctx context.Context, order *model.Order) (bool, error) {
	// xmax = 0 только у только что вставленной строки
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO orders (tenant_id, store_id, remote_order_id, increment_id, status, payment_status,"+
			" customer_name, customer_email, currency, grand_total, subtotal, tax_amount, shipping_amount,"+
			" discount_amount, total_paid, total_due, total_refunded, payment_method, shipping_method,"+
			" ordered_at, synced_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)"+
			" ON CONFLICT (tenant_id, remote_order_id) DO UPDATE SET"+
			"   store_id = EXCLUDED.store_id,"+
			"   increment_id = EXCLUDED.increment_id,"+
			"   status = EXCLUDED.status,"+
			"   payment_status = EXCLUDED.payment_status,"+
			"   customer_name = EXCLUDED.customer_name,"+
			"   customer_email = EXCLUDED.customer_email,"+
			"   currency = EXCLUDED.currency,"+
			"   grand_total = EXCLUDED.grand_total,"+
			"   subtotal = EXCLUDED.subtotal,"+
			"   tax_amount = EXCLUDED.tax_amount,"+
			"   shipping_amount = EXCLUDED.shipping_amount,"+
			"   discount_amount = EXCLUDED.discount_amount,"+
			"   total_paid = EXCLUDED.total_paid,"+
			"   total_due = EXCLUDED.total_due,"+
			"   total_refunded = EXCLUDED.total_refunded,"+
			"   payment_method = EXCLUDED.payment_method,"+
			"   shipping_method = EXCLUDED.shipping_method,"+
			"   ordered_at = EXCLUDED.ordered_at,"+
			"   synced_at = EXCLUDED.synced_at"+
			" RETURNING id, (xmax = 0) AS inserted",
		order.TenantID,
		order.StoreID,
		order.RemoteOrderID,
		order.IncrementID,
		order.Status,
		string(order.PaymentStatus),
		order.CustomerName,
		order.CustomerEmail,
		order.Currency,
		order.GrandTotal,
		order.Subtotal,
		order.TaxAmount,
		order.ShippingAmount,
		order.DiscountAmount,
		order.TotalPaid,
		order.TotalDue,
		order.TotalRefunded,
		order.PaymentMethod,
		order.ShippingMethod,
		nullTime(order.OrderedAt),
		order.SyncedAt)

	var inserted bool
	if err := row.Scan(&order.ID, &inserted); err != nil {
		return false, fmt.Errorf("order %d upsert: %w", order.RemoteOrderID, err)
	}
	return inserted, nil
}

func (t *sqlTx) OrderItemsDelete(ctx context.Context, orderID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM order_items WHERE order_id = $1",
		orderID)
	if err != nil {
		return fmt.Errorf("order %d items delete: %w", orderID, err)
	}
	return nil
}

const orderItemFields = 17

func (t *sqlTx) OrderItemsInsert(ctx context.Context, items []model.OrderItem) ([]model.OrderItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	// Одна вставка на все позиции. parent_item_id проставляется отдельно, после вставки
	var query strings.Builder
	query.WriteString("INSERT INTO order_items (tenant_id, order_id, remote_item_id, remote_parent_item_id," +
		" sku, name, product_type, qty_ordered, qty_invoiced, qty_shipped, qty_refunded, qty_canceled," +
		" price, original_price, row_total, tax_amount, discount_amount) VALUES ")
	args := make([]any, 0, len(items)*orderItemFields)
	for i, it := range items {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholders(i*orderItemFields, orderItemFields))
		args = append(args,
			it.TenantID,
			it.OrderID,
			it.RemoteItemID,
			nullInt(it.RemoteParentItemID),
			it.SKU,
			it.Name,
			it.ProductType,
			it.QtyOrdered,
			it.QtyInvoiced,
			it.QtyShipped,
			it.QtyRefunded,
			it.QtyCanceled,
			it.Price,
			it.OriginalPrice,
			it.RowTotal,
			it.TaxAmount,
			it.DiscountAmount)
	}
	query.WriteString(" RETURNING id, remote_item_id")

	rows, err := t.tx.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, itemsInsertError(err)
	}
	defer rows.Close()

	ids := make(map[int64]int64, len(items))
	for rows.Next() {
		var id, remoteID int64
		if err := rows.Scan(&id, &remoteID); err != nil {
			return nil, err
		}
		ids[remoteID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, itemsInsertError(err)
	}

	inserted := make([]model.OrderItem, len(items))
	for i, it := range items {
		it.ID = ids[it.RemoteItemID]
		it.ParentItemID = nil
		inserted[i] = it
	}
	return inserted, nil
}

func itemsInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateItem
	}
	return fmt.Errorf("order items insert: %w", err)
}

// OrderItemsLinkParents проставляет parent_item_id одним UPDATE по карте child id -> parent id
func (t *sqlTx) OrderItemsLinkParents(ctx context.Context, links map[int64]int64) error {
	if len(links) == 0 {
		return nil
	}

	children := slices.Sorted(maps.Keys(links))

	var values strings.Builder
	args := make([]any, 0, len(links)*2)
	for n, child := range children {
		if n > 0 {
			values.WriteString(", ")
		}
		values.WriteString(fmt.Sprintf("($%d::bigint, $%d::bigint)", n*2+1, n*2+2))
		args = append(args, child, links[child])
	}

	_, err := t.tx.ExecContext(ctx,
		"UPDATE order_items AS oi SET parent_item_id = v.parent_id"+
			" FROM (VALUES "+values.String()+") AS v (id, parent_id)"+
			" WHERE oi.id = v.id",
		args...)
	if err != nil {
		return fmt.Errorf("order items link parents: %w", err)
	}
	return nil
}

func (t *sqlTx) InvoiceUpsert(ctx context.Context, invoice *model.Invoice) error {
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO invoices (tenant_id, order_id, remote_invoice_id, increment_id, state, grand_total,"+
			" subtotal, tax_amount, shipping_amount, discount_amount, invoiced_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"+
			" ON CONFLICT (tenant_id, remote_invoice_id) DO UPDATE SET"+
			"   order_id = EXCLUDED.order_id,"+
			"   increment_id = EXCLUDED.increment_id,"+
			"   state = EXCLUDED.state,"+
			"   grand_total = EXCLUDED.grand_total,"+
			"   subtotal = EXCLUDED.subtotal,"+
			"   tax_amount = EXCLUDED.tax_amount,"+
			"   shipping_amount = EXCLUDED.shipping_amount,"+
			"   discount_amount = EXCLUDED.discount_amount,"+
			"   invoiced_at = EXCLUDED.invoiced_at"+
			" RETURNING id",
		invoice.TenantID,
		invoice.OrderID,
		invoice.RemoteInvoiceID,
		invoice.IncrementID,
		invoice.State,
		invoice.GrandTotal,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.ShippingAmount,
		invoice.DiscountAmount,
		nullTime(invoice.InvoicedAt))
	if err := row.Scan(&invoice.ID); err != nil {
		return fmt.Errorf("invoice %d upsert: %w", invoice.RemoteInvoiceID, err)
	}
	return nil
}

func (t *sqlTx) InvoiceItemsDelete(ctx context.Context, invoiceID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM invoice_items WHERE invoice_id = $1",
		invoiceID)
	if err != nil {
		return fmt.Errorf("invoice %d items delete: %w", invoiceID, err)
	}
	return nil
}

const invoiceItemFields = 10

func (t *sqlTx) InvoiceItemsInsert(ctx context.Context, items []model.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}

	var query strings.Builder
	query.WriteString("INSERT INTO invoice_items (invoice_id, order_item_id, remote_order_item_id," +
		" sku, name, qty, price, row_total, tax_amount, discount_amount) VALUES ")
	args := make([]any, 0, len(items)*invoiceItemFields)
	for i, it := range items {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString(placeholders(i*invoiceItemFields, invoiceItemFields))
		args = append(args,
			it.InvoiceID,
			nullInt(it.OrderItemID),
			it.RemoteOrderItemID,
			it.SKU,
			it.Name,
			it.Qty,
			it.Price,
			it.RowTotal,
			it.TaxAmount,
			it.DiscountAmount)
	}

	if _, err := t.tx.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("invoice items insert: %w", err)
	}
	return nil
}

func (t *sqlTx) ShipmentUpsert(ctx context.Context, shipment *model.Shipment) error {
	row := t.tx.QueryRowContext(ctx,
		"INSERT INTO shipments (tenant_id, order_id, remote_shipment_id, increment_id, total_qty,"+
			" track_number, carrier_code, carrier_title, shipped_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"+
			" ON CONFLICT (tenant_id, remote_shipment_id) DO UPDATE SET"+
			"   order_id = EXCLUDED.order_id,"+
			"   increment_id = EXCLUDED.increment_id,"+
			"   total_qty = EXCLUDED.total_qty,"+
			"   track_number = EXCLUDED.track_number,"+
			"   carrier_code = EXCLUDED.carrier_code,"+
			"   carrier_title = EXCLUDED.carrier_title,"+
			"   shipped_at = EXCLUDED.shipped_at"+
			" RETURNING id",
		shipment.TenantID,
		shipment.OrderID,
		shipment.RemoteShipmentID,
		shipment.IncrementID,
		shipment.TotalQty,
		shipment.TrackNumber,
		shipment.CarrierCode,
		shipment.CarrierTitle,
		nullTime(shipment.ShippedAt))
	if err := row.Scan(&shipment.ID); err != nil {
		return fmt.Errorf("shipment %d upsert: %w", shipment.RemoteShipmentID, err)
	}
	return nil
}

func (t *sqlTx) RawMarkTransformed(ctx context.Context, key model.RawOrderKey, at time.Time) error {
	// Заказ мог прийти в обход staging - тогда обновлять нечего
	_, err := t.tx.ExecContext(ctx,
		"UPDATE raw_orders SET transformed_at = $1"+
			" WHERE tenant_id = $2"+
			"   AND store_id = $3"+
			"   AND remote_entity_id = $4",
		at,
		key.TenantID,
		key.StoreID,
		key.RemoteEntityID)
	if err != nil {
		return fmt.Errorf("raw order %d mark transformed: %w", key.RemoteEntityID, err)
	}
	return nil
}

// placeholders: "($offset+1, ..., $offset+n)"
func placeholders(offset int, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(offset + i))
	}
	b.WriteByte(')')
	return b.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
