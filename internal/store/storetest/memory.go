// Package storetest - хранилище в памяти с тем же контрактом, что и store.Store.
// Транзакции сериализуются и работают на копии состояния; savepoint - копия копии.
package storetest

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/store"
)

var ErrTxDone = errors.New("transaction already finished")

type Memory struct {
	// Fail, если задан, вызывается перед каждой операцией Tx (имя метода)
	Fail func(op string) error

	txMu      sync.Mutex
	mu        sync.Mutex
	state     *state
	rawSeq    int64
	rollbacks int
}

type state struct {
	nextID       int64
	raw          map[model.RawOrderKey]rawRow
	orders       map[int64]model.Order
	items        map[int64]model.OrderItem
	invoices     map[int64]model.Invoice
	invoiceItems map[int64]model.InvoiceItem
	shipments    map[int64]model.Shipment
}

type rawRow struct {
	seq int64
	rec model.RawOrderRecord
}

func NewMemory() *Memory {
	return &Memory{state: &state{
		raw:          map[model.RawOrderKey]rawRow{},
		orders:       map[int64]model.Order{},
		items:        map[int64]model.OrderItem{},
		invoices:     map[int64]model.Invoice{},
		invoiceItems: map[int64]model.InvoiceItem{},
		shipments:    map[int64]model.Shipment{},
	}}
}

func (s *state) clone() *state {
	return &state{
		nextID:       s.nextID,
		raw:          maps.Clone(s.raw),
		orders:       maps.Clone(s.orders),
		items:        maps.Clone(s.items),
		invoices:     maps.Clone(s.invoices),
		invoiceItems: maps.Clone(s.invoiceItems),
		shipments:    maps.Clone(s.shipments),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store

func (m *Memory) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	m.mu.Lock()
	work := m.state.clone()
	m.mu.Unlock()
	return &memTx{mem: m, work: work}, nil
}

func (m *Memory) RawUpsert(_ context.Context, rec model.RawOrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data.TransformedAt = nil
	row, ok := m.state.raw[rec.Key]
	if !ok {
		m.rawSeq++
		row.seq = m.rawSeq
	}
	row.rec = rec
	m.state.raw[rec.Key] = row
	return nil
}

func (m *Memory) RawGetByBatch(_ context.Context, tenantID int64, storeID int64, batchID string) ([]model.RawOrderRecord, error) {
	return m.rawWhere(func(r model.RawOrderRecord) bool {
		return r.Key.TenantID == tenantID && r.Key.StoreID == storeID && r.Data.BatchID == batchID
	}), nil
}

func (m *Memory) RawGetPending(_ context.Context, tenantID int64, storeID int64) ([]model.RawOrderRecord, error) {
	return m.rawWhere(func(r model.RawOrderRecord) bool {
		return r.Key.TenantID == tenantID && r.Key.StoreID == storeID && r.Data.TransformedAt == nil
	}), nil
}

func (m *Memory) rawWhere(match func(model.RawOrderRecord) bool) []model.RawOrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []rawRow
	for _, row := range m.state.raw {
		if match(row.rec) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b rawRow) int { return int(a.seq - b.seq) })
	records := make([]model.RawOrderRecord, len(rows))
	for i, row := range rows {
		records[i] = row.rec
	}
	return records
}

func (m *Memory) OrderGet(_ context.Context, tenantID int64, remoteOrderID int64) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.state.orders {
		if o.TenantID == tenantID && o.RemoteOrderID == remoteOrderID {
			return o, nil
		}
	}
	return model.Order{}, store.ErrNoRows
}

func (m *Memory) Close() error {
	return nil
}

// Просмотр зафиксированного состояния

func (m *Memory) Raw(key model.RawOrderKey) (model.RawOrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.state.raw[key]
	return row.rec, ok
}

func (m *Memory) Orders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedByID(slices.Collect(maps.Values(m.state.orders)), func(o model.Order) int64 { return o.ID })
}

func (m *Memory) OrderItems(orderID int64) []model.OrderItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []model.OrderItem
	for _, it := range m.state.items {
		if it.OrderID == orderID {
			items = append(items, it)
		}
	}
	return sortedByID(items, func(it model.OrderItem) int64 { return it.ID })
}

func (m *Memory) Invoices(orderID int64) []model.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var invoices []model.Invoice
	for _, inv := range m.state.invoices {
		if inv.OrderID == orderID {
			invoices = append(invoices, inv)
		}
	}
	return sortedByID(invoices, func(inv model.Invoice) int64 { return inv.ID })
}

func (m *Memory) InvoiceItems(invoiceID int64) []model.InvoiceItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []model.InvoiceItem
	for _, it := range m.state.invoiceItems {
		if it.InvoiceID == invoiceID {
			items = append(items, it)
		}
	}
	return sortedByID(items, func(it model.InvoiceItem) int64 { return it.ID })
}

func (m *Memory) Shipments(orderID int64) []model.Shipment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var shipments []model.Shipment
	for _, sh := range m.state.shipments {
		if sh.OrderID == orderID {
			shipments = append(shipments, sh)
		}
	}
	return sortedByID(shipments, func(sh model.Shipment) int64 { return sh.ID })
}

func sortedByID[T any](rows []T, id func(T) int64) []T {
	slices.SortFunc(rows, func(a, b T) int { return int(id(a) - id(b)) })
	return rows
}

// Rollbacks - число откатов транзакций и savepoint
func (m *Memory) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

// Tx

type memTx struct {
	mem    *Memory
	parent *memTx
	work   *state
	done   bool
}

func (t *memTx) check(op string) error {
	if t.done {
		return ErrTxDone
	}
	if t.mem.Fail != nil {
		return t.mem.Fail(op)
	}
	return nil
}

func (t *memTx) Savepoint(_ context.Context) (store.Tx, error) {
	if err := t.check("Savepoint"); err != nil {
		return nil, err
	}
	return &memTx{mem: t.mem, parent: t, work: t.work.clone()}, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if err := t.check("Commit"); err != nil {
		return err
	}
	t.done = true
	if t.parent != nil {
		t.parent.work = t.work
		return nil
	}
	t.mem.mu.Lock()
	// staging пишется вне транзакций: из рабочей копии берется только transformed_at
	for key, row := range t.mem.state.raw {
		if w, ok := t.work.raw[key]; ok && w.rec.Data.BatchID == row.rec.Data.BatchID {
			row.rec.Data.TransformedAt = w.rec.Data.TransformedAt
			t.mem.state.raw[key] = row
		}
	}
	t.work.raw = t.mem.state.raw
	t.mem.state = t.work
	t.mem.mu.Unlock()
	t.mem.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.mem.mu.Lock()
	t.mem.rollbacks++
	t.mem.mu.Unlock()
	if t.parent == nil {
		t.mem.txMu.Unlock()
	}
	return nil
}

func (t *memTx) OrderUpsert(_ context.Context, order *model.Order) (bool, error) {
	if err := t.check("OrderUpsert"); err != nil {
		return false, err
	}
	for id, o := range t.work.orders {
		if o.TenantID == order.TenantID && o.RemoteOrderID == order.RemoteOrderID {
			order.ID = id
			t.work.orders[id] = *order
			return false, nil
		}
	}
	order.ID = t.work.id()
	t.work.orders[order.ID] = *order
	return true, nil
}

func (t *memTx) OrderItemsDelete(_ context.Context, orderID int64) error {
	if err := t.check("OrderItemsDelete"); err != nil {
		return err
	}
	for id, it := range t.work.items {
		if it.OrderID != orderID {
			continue
		}
		delete(t.work.items, id)
		// ON DELETE SET NULL
		for invID, invItem := range t.work.invoiceItems {
			if invItem.OrderItemID != nil && *invItem.OrderItemID == id {
				invItem.OrderItemID = nil
				t.work.invoiceItems[invID] = invItem
			}
		}
	}
	return nil
}

func (t *memTx) OrderItemsInsert(_ context.Context, items []model.OrderItem) ([]model.OrderItem, error) {
	if err := t.check("OrderItemsInsert"); err != nil {
		return nil, err
	}
	inserted := make([]model.OrderItem, len(items))
	for i, it := range items {
		for _, existing := range t.work.items {
			if existing.OrderID == it.OrderID && existing.RemoteItemID == it.RemoteItemID {
				return nil, store.ErrDuplicateItem
			}
		}
		it.ID = t.work.id()
		it.ParentItemID = nil
		t.work.items[it.ID] = it
		inserted[i] = it
	}
	return inserted, nil
}

func (t *memTx) OrderItemsLinkParents(_ context.Context, links map[int64]int64) error {
	if err := t.check("OrderItemsLinkParents"); err != nil {
		return err
	}
	for child, parent := range links {
		it, ok := t.work.items[child]
		if !ok {
			continue
		}
		if _, ok := t.work.items[parent]; !ok {
			return errors.New("parent_item_id violates foreign key")
		}
		p := parent
		it.ParentItemID = &p
		t.work.items[child] = it
	}
	return nil
}

func (t *memTx) InvoiceUpsert(_ context.Context, invoice *model.Invoice) error {
	if err := t.check("InvoiceUpsert"); err != nil {
		return err
	}
	for id, inv := range t.work.invoices {
		if inv.TenantID == invoice.TenantID && inv.RemoteInvoiceID == invoice.RemoteInvoiceID {
			invoice.ID = id
			t.work.invoices[id] = *invoice
			return nil
		}
	}
	invoice.ID = t.work.id()
	t.work.invoices[invoice.ID] = *invoice
	return nil
}

func (t *memTx) InvoiceItemsDelete(_ context.Context, invoiceID int64) error {
	if err := t.check("InvoiceItemsDelete"); err != nil {
		return err
	}
	for id, it := range t.work.invoiceItems {
		if it.InvoiceID == invoiceID {
			delete(t.work.invoiceItems, id)
		}
	}
	return nil
}

func (t *memTx) InvoiceItemsInsert(_ context.Context, items []model.InvoiceItem) error {
	if err := t.check("InvoiceItemsInsert"); err != nil {
		return err
	}
	for _, it := range items {
		it.ID = t.work.id()
		t.work.invoiceItems[it.ID] = it
	}
	return nil
}

func (t *memTx) ShipmentUpsert(_ context.Context, shipment *model.Shipment) error {
	if err := t.check("ShipmentUpsert"); err != nil {
		return err
	}
	for id, sh := range t.work.shipments {
		if sh.TenantID == shipment.TenantID && sh.RemoteShipmentID == shipment.RemoteShipmentID {
			shipment.ID = id
			t.work.shipments[id] = *shipment
			return nil
		}
	}
	shipment.ID = t.work.id()
	t.work.shipments[shipment.ID] = *shipment
	return nil
}

func (t *memTx) RawMarkTransformed(_ context.Context, key model.RawOrderKey, at time.Time) error {
	if err := t.check("RawMarkTransformed"); err != nil {
		return err
	}
	row, ok := t.work.raw[key]
	if !ok {
		return nil
	}
	row.rec.Data.TransformedAt = &at
	t.work.raw[key] = row
	return nil
}

var _ store.Store = (*Memory)(nil)
