package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/store/config"
)

// Store - staging сырых заказов и вход в транзакции нормализованной модели.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	RawUpsert(ctx context.Context, rec model.RawOrderRecord) error
	RawGetByBatch(ctx context.Context, tenantID int64, storeID int64, batchID string) ([]model.RawOrderRecord, error)
	RawGetPending(ctx context.Context, tenantID int64, storeID int64) ([]model.RawOrderRecord, error)
	OrderGet(ctx context.Context, tenantID int64, remoteOrderID int64) (model.Order, error)
	Close() error
}

// Tx - единица работы трансформации. Savepoint открывает вложенную единицу
// внутри текущей: ее откат не затрагивает уже сделанное во внешней.
type Tx interface {
	OrderUpsert(ctx context.Context, order *model.Order) (inserted bool, err error)
	OrderItemsDelete(ctx context.Context, orderID int64) error
	OrderItemsInsert(ctx context.Context, items []model.OrderItem) ([]model.OrderItem, error)
	OrderItemsLinkParents(ctx context.Context, links map[int64]int64) error
	InvoiceUpsert(ctx context.Context, invoice *model.Invoice) error
	InvoiceItemsDelete(ctx context.Context, invoiceID int64) error
	InvoiceItemsInsert(ctx context.Context, items []model.InvoiceItem) error
	ShipmentUpsert(ctx context.Context, shipment *model.Shipment) error
	RawMarkTransformed(ctx context.Context, key model.RawOrderKey, at time.Time) error
	Savepoint(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrDuplicateItem = errors.New("duplicate remote item id within order")
)

const pgUniqueViolation = "23505"

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := createTables(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &store{database: db}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// Таблицы. Деньги - NUMERIC(20,4), без двоичной плавающей точки.
var schema = []string{
	// Сырые заказы: один JSON на (tenant, store, remote id), перезаписывается при каждой выгрузке.
	// Записи не удаляются, после трансформации проставляется transformed_at
	"CREATE TABLE IF NOT EXISTS raw_orders (" +
		" id BIGSERIAL PRIMARY KEY," +
		" tenant_id BIGINT NOT NULL," +
		" store_id BIGINT NOT NULL," +
		" remote_entity_id BIGINT NOT NULL," +
		" increment_id VARCHAR (50) NOT NULL," +
		" status VARCHAR (50) NOT NULL," +
		" has_invoice BOOLEAN NOT NULL," +
		" has_shipment BOOLEAN NOT NULL," +
		" payload JSON NOT NULL," +
		" batch_id VARCHAR (64) NOT NULL," +
		" synced_at TIMESTAMPTZ NOT NULL," +
		" transformed_at TIMESTAMPTZ," +
		" UNIQUE (tenant_id, store_id, remote_entity_id)" +
		" );",
	"CREATE INDEX IF NOT EXISTS raw_orders_batch_idx ON raw_orders (tenant_id, store_id, batch_id);",

	"CREATE TABLE IF NOT EXISTS orders (" +
		" id BIGSERIAL PRIMARY KEY," +
		" tenant_id BIGINT NOT NULL," +
		" store_id BIGINT NOT NULL," +
		" remote_order_id BIGINT NOT NULL," +
		" increment_id VARCHAR (50) NOT NULL," +
		" status VARCHAR (50) NOT NULL," +
		" payment_status VARCHAR (20) NOT NULL," +
		" customer_name VARCHAR (255) NOT NULL," +
		" customer_email VARCHAR (255) NOT NULL," +
		" currency VARCHAR (3) NOT NULL," +
		" grand_total NUMERIC (20,4) NOT NULL," +
		" subtotal NUMERIC (20,4) NOT NULL," +
		" tax_amount NUMERIC (20,4) NOT NULL," +
		" shipping_amount NUMERIC (20,4) NOT NULL," +
		" discount_amount NUMERIC (20,4) NOT NULL," +
		" total_paid NUMERIC (20,4) NOT NULL," +
		" total_due NUMERIC (20,4) NOT NULL," +
		" total_refunded NUMERIC (20,4) NOT NULL," +
		" payment_method VARCHAR (100) NOT NULL," +
		" shipping_method VARCHAR (255) NOT NULL," +
		" ordered_at TIMESTAMPTZ," +
		" synced_at TIMESTAMPTZ NOT NULL," +
		" UNIQUE (tenant_id, remote_order_id)" +
		" );",

	// Позиции пересоздаются целиком при каждой трансформации
	"CREATE TABLE IF NOT EXISTS order_items (" +
		" id BIGSERIAL PRIMARY KEY," +
		" tenant_id BIGINT NOT NULL," +
		" order_id BIGINT NOT NULL REFERENCES orders (id) ON DELETE CASCADE," +
		" parent_item_id BIGINT REFERENCES order_items (id) ON DELETE CASCADE," +
		" remote_item_id BIGINT NOT NULL," +
		" remote_parent_item_id BIGINT," +
		" sku VARCHAR (255) NOT NULL," +
		" name VARCHAR (255) NOT NULL," +
		" product_type VARCHAR (50) NOT NULL," +
		" qty_ordered NUMERIC (20,4) NOT NULL," +
		" qty_invoiced NUMERIC (20,4) NOT NULL," +
		" qty_shipped NUMERIC (20,4) NOT NULL," +
		" qty_refunded NUMERIC (20,4) NOT NULL," +
		" qty_canceled NUMERIC (20,4) NOT NULL," +
		" price NUMERIC (20,4) NOT NULL," +
		" original_price NUMERIC (20,4) NOT NULL," +
		" row_total NUMERIC (20,4) NOT NULL," +
		" tax_amount NUMERIC (20,4) NOT NULL," +
		" discount_amount NUMERIC (20,4) NOT NULL," +
		" UNIQUE (order_id, remote_item_id)" +
		" );",

	"CREATE TABLE IF NOT EXISTS invoices (" +
		" id BIGSERIAL PRIMARY KEY," +
		" tenant_id BIGINT NOT NULL," +
		" order_id BIGINT NOT NULL REFERENCES orders (id) ON DELETE CASCADE," +
		" remote_invoice_id BIGINT NOT NULL," +
		" increment_id VARCHAR (50) NOT NULL," +
		" state INTEGER NOT NULL," +
		" grand_total NUMERIC (20,4) NOT NULL," +
		" subtotal NUMERIC (20,4) NOT NULL," +
		" tax_amount NUMERIC (20,4) NOT NULL," +
		" shipping_amount NUMERIC (20,4) NOT NULL," +
		" discount_amount NUMERIC (20,4) NOT NULL," +
		" invoiced_at TIMESTAMPTZ," +
		" UNIQUE (tenant_id, remote_invoice_id)" +
		" );",

	// order_item_id обнуляется при пересоздании позиций заказа
	"CREATE TABLE IF NOT EXISTS invoice_items (" +
		" id BIGSERIAL PRIMARY KEY," +
		" invoice_id BIGINT NOT NULL REFERENCES invoices (id) ON DELETE CASCADE," +
		" order_item_id BIGINT REFERENCES order_items (id) ON DELETE SET NULL," +
		" remote_order_item_id BIGINT NOT NULL," +
		" sku VARCHAR (255) NOT NULL," +
		" name VARCHAR (255) NOT NULL," +
		" qty NUMERIC (20,4) NOT NULL," +
		" price NUMERIC (20,4) NOT NULL," +
		" row_total NUMERIC (20,4) NOT NULL," +
		" tax_amount NUMERIC (20,4) NOT NULL," +
		" discount_amount NUMERIC (20,4) NOT NULL" +
		" );",

	"CREATE TABLE IF NOT EXISTS shipments (" +
		" id BIGSERIAL PRIMARY KEY," +
		" tenant_id BIGINT NOT NULL," +
		" order_id BIGINT NOT NULL REFERENCES orders (id) ON DELETE CASCADE," +
		" remote_shipment_id BIGINT NOT NULL," +
		" increment_id VARCHAR (50) NOT NULL," +
		" total_qty NUMERIC (20,4) NOT NULL," +
		" track_number VARCHAR (255) NOT NULL," +
		" carrier_code VARCHAR (100) NOT NULL," +
		" carrier_title VARCHAR (255) NOT NULL," +
		" shipped_at TIMESTAMPTZ," +
		" UNIQUE (tenant_id, remote_shipment_id)" +
		" );",
}

func (store *store) Begin(ctx context.Context) (Tx, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{tx: tx, seq: new(int)}, nil
}

func (store *store) Close() error {
	return store.database.Close()
}

func (store *store) OrderGet(ctx context.Context, tenantID int64, remoteOrderID int64) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+
			" FROM orders"+
			" WHERE tenant_id = $1"+
			"   AND remote_order_id = $2",
		tenantID,
		remoteOrderID)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	return order, nil
}

const orderColumns = "id, tenant_id, store_id, remote_order_id, increment_id, status, payment_status," +
	" customer_name, customer_email, currency, grand_total, subtotal, tax_amount, shipping_amount," +
	" discount_amount, total_paid, total_due, total_refunded, payment_method, shipping_method," +
	" ordered_at, synced_at"

func scanOrder(row *sql.Row) (model.Order, error) {
	var o model.Order
	var orderedAt sql.NullTime
	var paymentStatus string
	err := row.Scan(&o.ID,
		&o.TenantID,
		&o.StoreID,
		&o.RemoteOrderID,
		&o.IncrementID,
		&o.Status,
		&paymentStatus,
		&o.CustomerName,
		&o.CustomerEmail,
		&o.Currency,
		&o.GrandTotal,
		&o.Subtotal,
		&o.TaxAmount,
		&o.ShippingAmount,
		&o.DiscountAmount,
		&o.TotalPaid,
		&o.TotalDue,
		&o.TotalRefunded,
		&o.PaymentMethod,
		&o.ShippingMethod,
		&orderedAt,
		&o.SyncedAt)
	if err != nil {
		return model.Order{}, err
	}
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	if orderedAt.Valid {
		t := orderedAt.Time
		o.OrderedAt = &t
	}
	return o, nil
}
