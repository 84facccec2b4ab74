package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iurnickita/ordersync/internal/model"
)

func (store *store) RawUpsert(ctx context.Context, rec model.RawOrderRecord) error {
	// Перезапись сырого заказа. transformed_at сбрасывается: запись снова ждет трансформации
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO raw_orders (tenant_id, store_id, remote_entity_id, increment_id, status,"+
			" has_invoice, has_shipment, payload, batch_id, synced_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"+
			" ON CONFLICT (tenant_id, store_id, remote_entity_id) DO UPDATE SET"+
			"   increment_id = EXCLUDED.increment_id,"+
			"   status = EXCLUDED.status,"+
			"   has_invoice = EXCLUDED.has_invoice,"+
			"   has_shipment = EXCLUDED.has_shipment,"+
			"   payload = EXCLUDED.payload,"+
			"   batch_id = EXCLUDED.batch_id,"+
			"   synced_at = EXCLUDED.synced_at,"+
			"   transformed_at = NULL",
		rec.Key.TenantID,
		rec.Key.StoreID,
		rec.Key.RemoteEntityID,
		rec.Data.IncrementID,
		rec.Data.Status,
		rec.Data.HasInvoice,
		rec.Data.HasShipment,
		string(rec.Data.Payload),
		rec.Data.BatchID,
		rec.Data.SyncedAt)
	if err != nil {
		return fmt.Errorf("raw order %d upsert: %w", rec.Key.RemoteEntityID, err)
	}
	return nil
}

const rawColumns = "tenant_id, store_id, remote_entity_id, increment_id, status," +
	" has_invoice, has_shipment, payload, batch_id, synced_at, transformed_at"

func (store *store) RawGetByBatch(ctx context.Context, tenantID int64, storeID int64, batchID string) ([]model.RawOrderRecord, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+rawColumns+
			" FROM raw_orders"+
			" WHERE tenant_id = $1"+
			"   AND store_id = $2"+
			"   AND batch_id = $3"+
			" ORDER BY id",
		tenantID,
		storeID,
		batchID)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}

func (store *store) RawGetPending(ctx context.Context, tenantID int64, storeID int64) ([]model.RawOrderRecord, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+rawColumns+
			" FROM raw_orders"+
			" WHERE tenant_id = $1"+
			"   AND store_id = $2"+
			"   AND transformed_at IS NULL"+
			" ORDER BY id",
		tenantID,
		storeID)
	if err != nil {
		return nil, err
	}
	return scanRaw(rows)
}

func scanRaw(rows *sql.Rows) ([]model.RawOrderRecord, error) {
	defer rows.Close()
	var records []model.RawOrderRecord
	for rows.Next() {
		var rec model.RawOrderRecord
		var payload []byte
		var transformedAt sql.NullTime
		err := rows.Scan(&rec.Key.TenantID,
			&rec.Key.StoreID,
			&rec.Key.RemoteEntityID,
			&rec.Data.IncrementID,
			&rec.Data.Status,
			&rec.Data.HasInvoice,
			&rec.Data.HasShipment,
			&payload,
			&rec.Data.BatchID,
			&rec.Data.SyncedAt,
			&transformedAt)
		if err != nil {
			return nil, err
		}
		rec.Data.Payload = payload
		if transformedAt.Valid {
			t := transformedAt.Time
			rec.Data.TransformedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
