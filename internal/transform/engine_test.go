package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/store/storetest"
)

const (
	testTenant = 7
	testStore  = 3
)

// Конфигурируемый товар: потомок идет в списке раньше родителя
const fullOrderPayload = `{
	"entity_id": 101, "increment_id": "000000101", "status": "processing",
	"customer_firstname": "Ada", "customer_lastname": "Lovelace", "customer_email": "ada@example.com",
	"grand_total": 120.5, "subtotal": 100, "tax_amount": 10.5, "shipping_amount": 15, "discount_amount": -5,
	"total_paid": 120.5, "total_due": 0, "total_refunded": 0,
	"order_currency_code": "EUR", "shipping_description": "Flat Rate - Fixed", "created_at": "2024-03-01 10:15:00",
	"payment": {"method": "checkmo"},
	"items": [
		{"item_id": 2, "parent_item_id": 1, "sku": "TSHIRT-RED-M", "name": "T-Shirt Red M", "product_type": "simple", "qty_ordered": 2},
		{"item_id": 1, "sku": "TSHIRT", "name": "T-Shirt", "product_type": "configurable", "qty_ordered": 2,
		 "price": 50, "original_price": 55, "row_total": 100, "tax_amount": 10.5, "discount_amount": -5.00004}
	],
	"invoices": [{"entity_id": 301, "increment_id": "INV-301", "state": 2, "grand_total": 120.5, "created_at": "2024-03-01 11:00:00",
		"items": [
			{"order_item_id": 1, "sku": "TSHIRT", "qty": 2, "price": 50, "row_total": 100},
			{"order_item_id": 999, "sku": "GONE", "qty": 1}
		]}],
	"shipments": [{"entity_id": 401, "increment_id": "SHIP-401", "total_qty": 2, "created_at": "2024-03-02T08:00:00Z",
		"tracks": [
			{"track_number": "1Z999", "carrier_code": "ups", "title": "UPS"},
			{"track_number": "X2", "carrier_code": "dhl", "title": "DHL"}
		]}]
}`

type recorder struct {
	synced   []model.Order
	inserted []bool
	failed   []error
}

func (r *recorder) Synced(_ context.Context, order model.Order, wasNew bool) {
	r.synced = append(r.synced, order)
	r.inserted = append(r.inserted, wasNew)
}

func (r *recorder) SyncFailed(_ context.Context, _ model.RawOrderRecord, cause error) {
	r.failed = append(r.failed, cause)
}

var storeLocation = time.FixedZone("store", 3*60*60)

func newTestEngine(t *testing.T, mem *storetest.Memory, currency string) (*Engine, *recorder) {
	t.Helper()
	sink := &recorder{}
	cfg := Config{TenantID: testTenant, StoreID: testStore, DefaultCurrency: currency, Location: storeLocation}
	return NewEngine(mem, cfg, sink, zap.NewNop()), sink
}

func stage(t *testing.T, mem *storetest.Memory, remoteID int64, payload string, hasInvoice, hasShipment bool) model.RawOrderRecord {
	t.Helper()
	rec := model.RawOrderRecord{
		Key: model.RawOrderKey{TenantID: testTenant, StoreID: testStore, RemoteEntityID: remoteID},
		Data: model.RawOrderData{
			IncrementID: fmt.Sprintf("%09d", remoteID),
			HasInvoice:  hasInvoice,
			HasShipment: hasShipment,
			Payload:     []byte(payload),
			BatchID:     "batch-1",
			SyncedAt:    time.Now(),
		},
	}
	require.NoError(t, mem.RawUpsert(context.Background(), rec))
	return rec
}

func TestTransformFullOrder(t *testing.T) {
	mem := storetest.NewMemory()
	engine, sink := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, true, true)

	order, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, int64(testTenant), order.TenantID)
	assert.Equal(t, int64(101), order.RemoteOrderID)
	assert.Equal(t, "000000101", order.IncrementID)
	assert.Equal(t, "Ada Lovelace", order.CustomerName)
	assert.Equal(t, "EUR", order.Currency)
	assert.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, "120.5", order.GrandTotal.String())
	assert.Equal(t, "5", order.DiscountAmount.String())
	assert.Equal(t, "checkmo", order.PaymentMethod)
	assert.Equal(t, "Flat Rate - Fixed", order.ShippingMethod)
	require.NotNil(t, order.OrderedAt)
	assert.True(t, order.OrderedAt.Equal(time.Date(2024, 3, 1, 10, 15, 0, 0, storeLocation)))

	items := mem.OrderItems(order.ID)
	require.Len(t, items, 2)
	bySKU := map[string]model.OrderItem{}
	for _, it := range items {
		bySKU[it.SKU] = it
	}
	parent, child := bySKU["TSHIRT"], bySKU["TSHIRT-RED-M"]
	assert.Nil(t, parent.ParentItemID)
	require.NotNil(t, child.ParentItemID)
	assert.Equal(t, parent.ID, *child.ParentItemID)
	assert.Equal(t, "5", parent.DiscountAmount.String())

	invoices := mem.Invoices(order.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, int64(301), invoices[0].RemoteInvoiceID)
	assert.Equal(t, 2, invoices[0].State)
	invItems := mem.InvoiceItems(invoices[0].ID)
	require.Len(t, invItems, 2)
	require.NotNil(t, invItems[0].OrderItemID)
	assert.Equal(t, parent.ID, *invItems[0].OrderItemID)
	assert.Nil(t, invItems[1].OrderItemID)
	assert.Equal(t, int64(999), invItems[1].RemoteOrderItemID)

	shipments := mem.Shipments(order.ID)
	require.Len(t, shipments, 1)
	assert.Equal(t, "1Z999", shipments[0].TrackNumber)
	assert.Equal(t, "ups", shipments[0].CarrierCode)
	assert.Equal(t, "UPS", shipments[0].CarrierTitle)
	require.NotNil(t, shipments[0].ShippedAt)
	assert.True(t, shipments[0].ShippedAt.Equal(time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)))

	raw, ok := mem.Raw(rec.Key)
	require.True(t, ok)
	assert.NotNil(t, raw.Data.TransformedAt)

	require.Len(t, sink.synced, 1)
	assert.Equal(t, []bool{true}, sink.inserted)
	assert.Empty(t, sink.failed)
}

func TestTransformIdempotent(t *testing.T) {
	mem := storetest.NewMemory()
	engine, sink := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, true, true)

	first, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)
	invoiceID := mem.Invoices(first.ID)[0].ID
	shipmentID := mem.Shipments(first.ID)[0].ID

	second, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, mem.Orders(), 1)
	assert.Len(t, mem.OrderItems(first.ID), 2)
	require.Len(t, mem.Invoices(first.ID), 1)
	assert.Equal(t, invoiceID, mem.Invoices(first.ID)[0].ID)
	assert.Len(t, mem.InvoiceItems(invoiceID), 2)
	require.Len(t, mem.Shipments(first.ID), 1)
	assert.Equal(t, shipmentID, mem.Shipments(first.ID)[0].ID)
	assert.Equal(t, []bool{true, false}, sink.inserted)
}

func TestTransformDefaults(t *testing.T) {
	const payload = `{"entity_id": 5, "increment_id": "5", "status": "pending",
		"customer_firstname": null, "customer_lastname": "",
		"grand_total": "10.123456", "discount_amount": "-2.5", "created_at": "yesterday",
		"items": []}`

	tests := []struct {
		name     string
		currency string
		want     string
	}{
		{name: "store default", currency: "GBP", want: "GBP"},
		{name: "fallback", currency: "", want: "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storetest.NewMemory()
			engine, _ := newTestEngine(t, mem, tt.currency)
			rec := stage(t, mem, 5, payload, false, false)

			order, err := engine.Transform(context.Background(), NewTransaction(), rec)
			require.NoError(t, err)
			assert.Equal(t, "Guest", order.CustomerName)
			assert.Equal(t, tt.want, order.Currency)
			assert.Equal(t, "10.1235", order.GrandTotal.String())
			assert.Equal(t, "2.5", order.DiscountAmount.String())
			assert.Nil(t, order.OrderedAt)
			assert.Empty(t, mem.OrderItems(order.ID))
		})
	}
}

func TestTransformSkipsChildrenWithoutFlags(t *testing.T) {
	mem := storetest.NewMemory()
	engine, _ := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, false, false)

	order, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)
	assert.Empty(t, mem.Invoices(order.ID))
	assert.Empty(t, mem.Shipments(order.ID))
	assert.Len(t, mem.OrderItems(order.ID), 2)
}

func TestTransformUnknownParent(t *testing.T) {
	const payload = `{"entity_id": 9, "items": [
		{"item_id": 1, "sku": "A"},
		{"item_id": 2, "parent_item_id": 77, "sku": "B"}
	]}`
	mem := storetest.NewMemory()
	engine, _ := newTestEngine(t, mem, "")
	rec := stage(t, mem, 9, payload, false, false)

	order, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)
	for _, it := range mem.OrderItems(order.ID) {
		assert.Nil(t, it.ParentItemID, it.SKU)
	}
}

func TestTransformMalformed(t *testing.T) {
	tests := []struct {
		name     string
		remoteID int64
		payload  string
	}{
		{name: "not json", remoteID: 1, payload: `{"entity_id": `},
		{name: "no entity id", remoteID: 1, payload: `{"increment_id": "1"}`},
		{name: "item without id", remoteID: 1, payload: `{"entity_id": 1, "items": [{"sku": "A"}]}`},
		{name: "entity mismatch", remoteID: 2, payload: `{"entity_id": 1}`},
		{name: "wrong money type", remoteID: 1, payload: `{"entity_id": 1, "grand_total": {"amount": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storetest.NewMemory()
			engine, sink := newTestEngine(t, mem, "")
			rec := stage(t, mem, tt.remoteID, tt.payload, false, false)

			_, err := engine.Transform(context.Background(), NewTransaction(), rec)
			require.Error(t, err)
			var serr *SyncError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.remoteID, serr.RemoteOrderID)
			assert.ErrorIs(t, err, ErrMalformedPayload)

			assert.Empty(t, mem.Orders())
			require.Len(t, sink.failed, 1)
			assert.Empty(t, sink.synced)
			raw, _ := mem.Raw(rec.Key)
			assert.Nil(t, raw.Data.TransformedAt)
		})
	}
}

func TestTransformForeignRecord(t *testing.T) {
	mem := storetest.NewMemory()
	engine, _ := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, false, false)
	rec.Key.StoreID = testStore + 1

	_, err := engine.Transform(context.Background(), NewTransaction(), rec)
	assert.ErrorIs(t, err, ErrForeignRecord)
}

func TestTransformRollsBackOnStoreError(t *testing.T) {
	mem := storetest.NewMemory()
	errDisk := errors.New("disk full")
	mem.Fail = func(op string) error {
		if op == "ShipmentUpsert" {
			return errDisk
		}
		return nil
	}
	engine, sink := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, true, true)

	_, err := engine.Transform(context.Background(), NewTransaction(), rec)
	require.ErrorIs(t, err, errDisk)

	assert.Empty(t, mem.Orders())
	raw, _ := mem.Raw(rec.Key)
	assert.Nil(t, raw.Data.TransformedAt)
	require.Len(t, sink.failed, 1)
	assert.ErrorIs(t, sink.failed[0], errDisk)

	// хранилище снова доступно для транзакций
	mem.Fail = nil
	_, err = engine.Transform(context.Background(), NewTransaction(), rec)
	require.NoError(t, err)
	assert.Len(t, mem.Orders(), 1)
}

func TestTransformWithinOuterTransaction(t *testing.T) {
	mem := storetest.NewMemory()
	engine, sink := newTestEngine(t, mem, "")
	good1 := stage(t, mem, 11, `{"entity_id": 11, "items": [{"item_id": 1, "sku": "A"}]}`, false, false)
	bad := stage(t, mem, 12, `{"entity_id": 12, "items": [{"item_id": 1, "sku": "A"}, {"item_id": 1, "sku": "A"}]}`, false, false)
	good2 := stage(t, mem, 13, `{"entity_id": 13, "items": [{"item_id": 1, "sku": "A"}]}`, false, false)

	ctx := context.Background()
	outer, err := mem.Begin(ctx)
	require.NoError(t, err)
	for _, rec := range []model.RawOrderRecord{good1, bad, good2} {
		_, _ = engine.Transform(ctx, Within(outer), rec)
	}
	require.NoError(t, outer.Commit(ctx))

	orders := mem.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, int64(11), orders[0].RemoteOrderID)
	assert.Equal(t, int64(13), orders[1].RemoteOrderID)
	require.Len(t, sink.failed, 1)

	raw, _ := mem.Raw(bad.Key)
	assert.Nil(t, raw.Data.TransformedAt)
	raw, _ = mem.Raw(good2.Key)
	assert.NotNil(t, raw.Data.TransformedAt)
}

func TestTransformRollsBackFailedSavepointRelease(t *testing.T) {
	mem := storetest.NewMemory()
	engine, sink := newTestEngine(t, mem, "")
	rec := stage(t, mem, 21, `{"entity_id": 21, "items": [{"item_id": 1, "sku": "A"}]}`, false, false)

	ctx := context.Background()
	outer, err := mem.Begin(ctx)
	require.NoError(t, err)

	errRelease := errors.New("release savepoint failed")
	mem.Fail = func(op string) error {
		if op == "Commit" {
			return errRelease
		}
		return nil
	}
	_, err = engine.Transform(ctx, Within(outer), rec)
	require.ErrorIs(t, err, errRelease)
	assert.Equal(t, 1, mem.Rollbacks())
	require.Len(t, sink.failed, 1)

	mem.Fail = nil
	require.NoError(t, outer.Commit(ctx))
	assert.Empty(t, mem.Orders())
	raw, _ := mem.Raw(rec.Key)
	assert.Nil(t, raw.Data.TransformedAt)
}

func TestTransformCanceled(t *testing.T) {
	mem := storetest.NewMemory()
	engine, _ := newTestEngine(t, mem, "")
	rec := stage(t, mem, 101, fullOrderPayload, false, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Transform(ctx, NewTransaction(), rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mem.Orders())
}
