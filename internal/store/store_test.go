package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/ordersync/internal/model"
)

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &store{database: db}, mock
}

func TestStoreOrderUpsert(t *testing.T) {
	t.Run("reports insert and sets id", func(t *testing.T) {
		s, mock := newMockStore(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO orders .* ON CONFLICT \(tenant_id, remote_order_id\) DO UPDATE SET .* RETURNING id, \(xmax = 0\) AS inserted`).
			WithArgs(int64(1), int64(2), int64(100), "000000100", "processing", "paid",
				"Jane Doe", "jane@example.com", "USD",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				"checkmo", "Flat Rate - Fixed", nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(7), true))
		mock.ExpectCommit()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)

		order := model.Order{
			TenantID:       1,
			StoreID:        2,
			RemoteOrderID:  100,
			IncrementID:    "000000100",
			Status:         "processing",
			PaymentStatus:  model.PaymentStatusPaid,
			CustomerName:   "Jane Doe",
			CustomerEmail:  "jane@example.com",
			Currency:       "USD",
			GrandTotal:     decimal.RequireFromString("105.0000"),
			PaymentMethod:  "checkmo",
			ShippingMethod: "Flat Rate - Fixed",
			SyncedAt:       time.Now(),
		}
		inserted, err := tx.OrderUpsert(ctx, &order)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, int64(7), order.ID)

		require.NoError(t, tx.Commit(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreOrderItems(t *testing.T) {
	t.Run("bulk insert maps returned ids by remote item id", func(t *testing.T) {
		s, mock := newMockStore(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM order_items WHERE order_id = $1")).
			WithArgs(int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectQuery(`INSERT INTO order_items .* VALUES \(\$1, .*\$17\), \(\$18, .*\$34\) RETURNING id, remote_item_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "remote_item_id"}).
				AddRow(int64(51), int64(2)).
				AddRow(int64(50), int64(1)))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE order_items AS oi SET parent_item_id = v.parent_id FROM (VALUES ($1::bigint, $2::bigint)) AS v (id, parent_id) WHERE oi.id = v.id")).
			WithArgs(int64(51), int64(50)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.OrderItemsDelete(ctx, 7))

		parent := int64(1)
		items, err := tx.OrderItemsInsert(ctx, []model.OrderItem{
			{TenantID: 1, OrderID: 7, RemoteItemID: 1, SKU: "BUNDLE"},
			{TenantID: 1, OrderID: 7, RemoteItemID: 2, RemoteParentItemID: &parent, SKU: "CHILD"},
		})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, int64(50), items[0].ID)
		assert.Equal(t, int64(51), items[1].ID)

		require.NoError(t, tx.OrderItemsLinkParents(ctx, map[int64]int64{51: 50}))
		require.NoError(t, tx.Commit(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate remote item id", func(t *testing.T) {
		s, mock := newMockStore(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO order_items`).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.OrderItemsInsert(ctx, []model.OrderItem{{OrderID: 7, RemoteItemID: 1}, {OrderID: 7, RemoteItemID: 1}})
		assert.ErrorIs(t, err, ErrDuplicateItem)
		require.NoError(t, tx.Rollback(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreSavepoint(t *testing.T) {
	t.Run("rollback unwinds only the savepoint", func(t *testing.T) {
		s, mock := newMockStore(t)
		ctx := context.Background()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT sp_2")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT sp_2")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT sp_2")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)

		first, err := tx.Savepoint(ctx)
		require.NoError(t, err)
		require.NoError(t, first.Commit(ctx))

		second, err := tx.Savepoint(ctx)
		require.NoError(t, err)
		require.NoError(t, second.Rollback(ctx))

		require.NoError(t, tx.Commit(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreInvoiceAndShipment(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO invoices .* ON CONFLICT \(tenant_id, remote_invoice_id\) .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM invoice_items WHERE invoice_id = $1")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO invoice_items .* VALUES \(\$1, .*\$10\)$`).
		WithArgs(int64(3), nil, int64(1), "SKU", "Item", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO shipments .* ON CONFLICT \(tenant_id, remote_shipment_id\) .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	invoice := model.Invoice{TenantID: 1, OrderID: 7, RemoteInvoiceID: 30}
	require.NoError(t, tx.InvoiceUpsert(ctx, &invoice))
	assert.Equal(t, int64(3), invoice.ID)

	require.NoError(t, tx.InvoiceItemsDelete(ctx, invoice.ID))
	require.NoError(t, tx.InvoiceItemsInsert(ctx, []model.InvoiceItem{
		{InvoiceID: invoice.ID, RemoteOrderItemID: 1, SKU: "SKU", Name: "Item"},
	}))

	shipment := model.Shipment{TenantID: 1, OrderID: 7, RemoteShipmentID: 40}
	require.NoError(t, tx.ShipmentUpsert(ctx, &shipment))
	assert.Equal(t, int64(9), shipment.ID)

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRaw(t *testing.T) {
	t.Run("upsert resets transformed_at", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectExec(`INSERT INTO raw_orders .* ON CONFLICT \(tenant_id, store_id, remote_entity_id\) DO UPDATE SET .*transformed_at = NULL`).
			WithArgs(int64(1), int64(2), int64(100), "000000100", "pending", true, false,
				`{"entity_id":100}`, "batch-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := s.RawUpsert(context.Background(), model.RawOrderRecord{
			Key: model.RawOrderKey{TenantID: 1, StoreID: 2, RemoteEntityID: 100},
			Data: model.RawOrderData{
				IncrementID: "000000100",
				Status:      "pending",
				HasInvoice:  true,
				Payload:     json.RawMessage(`{"entity_id":100}`),
				BatchID:     "batch-1",
				SyncedAt:    time.Now(),
			},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get by batch", func(t *testing.T) {
		s, mock := newMockStore(t)
		syncedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

		rows := sqlmock.NewRows([]string{"tenant_id", "store_id", "remote_entity_id", "increment_id", "status",
			"has_invoice", "has_shipment", "payload", "batch_id", "synced_at", "transformed_at"}).
			AddRow(int64(1), int64(2), int64(100), "000000100", "complete", true, true,
				[]byte(`{"entity_id":100}`), "batch-1", syncedAt, nil)
		mock.ExpectQuery(`SELECT .* FROM raw_orders WHERE tenant_id = \$1 AND store_id = \$2 AND batch_id = \$3 ORDER BY id`).
			WithArgs(int64(1), int64(2), "batch-1").
			WillReturnRows(rows)

		records, err := s.RawGetByBatch(context.Background(), 1, 2, "batch-1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(100), records[0].Key.RemoteEntityID)
		assert.True(t, records[0].Data.HasShipment)
		assert.JSONEq(t, `{"entity_id":100}`, string(records[0].Data.Payload))
		assert.Nil(t, records[0].Data.TransformedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark transformed", func(t *testing.T) {
		s, mock := newMockStore(t)
		ctx := context.Background()
		at := time.Now()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE raw_orders SET transformed_at = \$1`).
			WithArgs(at, int64(1), int64(2), int64(100)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.RawMarkTransformed(ctx, model.RawOrderKey{TenantID: 1, StoreID: 2, RemoteEntityID: 100}, at))
		require.NoError(t, tx.Commit(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStoreOrderGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM orders WHERE tenant_id = \$1 AND remote_order_id = \$2`).
		WithArgs(int64(1), int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.OrderGet(context.Background(), 1, 404)
	assert.ErrorIs(t, err, ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($4, $5)", placeholders(3, 2))
}

func TestSchemaKeepsRawPayloadText(t *testing.T) {
	var rawTable string
	for _, stmt := range schema {
		if regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS raw_orders `).MatchString(stmt) {
			rawTable = stmt
		}
	}
	require.NotEmpty(t, rawTable)
	assert.Contains(t, rawTable, " payload JSON NOT NULL,")
	assert.NotContains(t, rawTable, "JSONB")
}
