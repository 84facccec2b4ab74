package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/service/remoteclient"
)

// Размер страницы для выборки счетов и отгрузок по списку заказов
const childPageSize = 100

// Формат фильтра по датам удаленного API
const remoteFilterLayout = "2006-01-02 15:04:05"

// Поля заказа, нужные для ключа staging
type orderHeader struct {
	EntityID    int64  `json:"entity_id"`
	IncrementID string `json:"increment_id"`
	Status      string `json:"status"`
}

type childHeader struct {
	OrderID int64 `json:"order_id"`
}

// stage выгружает заказы магазина в staging под одним batch id.
// Ошибка выгрузки заказов прерывает выгрузку, уже записанное остается.
func (j *job) stage(ctx context.Context, batchID string) (int, error) {
	var filters []remoteclient.Filter
	if j.cfg.SyncWindow > 0 {
		filters = append(filters, remoteclient.Filter{
			Field:     "updated_at",
			Value:     j.now().Add(-j.cfg.SyncWindow).UTC().Format(remoteFilterLayout),
			Condition: remoteclient.ConditionGteq,
		})
	}

	staged := 0
	chunk := make([]json.RawMessage, 0, j.cfg.PageSize)
	it := j.client.FetchAll(remoteclient.ResourceOrders, filters, j.cfg.PageSize)
	for it.Next(ctx) {
		chunk = append(chunk, it.Item())
		if len(chunk) < j.cfg.PageSize {
			continue
		}
		n, err := j.stageChunk(ctx, batchID, chunk)
		staged += n
		if err != nil {
			return staged, err
		}
		chunk = chunk[:0]
	}
	if len(chunk) > 0 {
		n, err := j.stageChunk(ctx, batchID, chunk)
		staged += n
		if err != nil {
			return staged, err
		}
	}
	return staged, it.Err()
}

// stageChunk дополняет заказы их счетами и отгрузками и пишет в staging
func (j *job) stageChunk(ctx context.Context, batchID string, chunk []json.RawMessage) (int, error) {
	headers := make([]orderHeader, 0, len(chunk))
	payloads := make([]json.RawMessage, 0, len(chunk))
	ids := make([]string, 0, len(chunk))
	for _, raw := range chunk {
		var h orderHeader
		if err := json.Unmarshal(raw, &h); err != nil || h.EntityID == 0 {
			j.zaplog.Warn("skip order without entity_id", zap.Error(err))
			continue
		}
		headers = append(headers, h)
		payloads = append(payloads, raw)
		ids = append(ids, strconv.FormatInt(h.EntityID, 10))
	}
	if len(headers) == 0 {
		return 0, nil
	}

	invoices := j.children(ctx, remoteclient.ResourceInvoices, ids)
	shipments := j.children(ctx, remoteclient.ResourceShipments, ids)

	staged := 0
	for i, h := range headers {
		rec, err := j.record(h, payloads[i], batchID, invoices, shipments)
		if err != nil {
			j.zaplog.Warn("skip order", zap.Int64("remote_id", h.EntityID), zap.Error(err))
			continue
		}
		if err := j.store.RawUpsert(ctx, rec); err != nil {
			return staged, fmt.Errorf("stage order %d: %w", h.EntityID, err)
		}
		staged++
	}
	return staged, nil
}

// record собирает сырую запись. Для ресурса, который не удалось выгрузить, карта nil:
// флаг остается false и трансформация не трогает уже сохраненные строки.
func (j *job) record(h orderHeader, raw json.RawMessage, batchID string, invoices, shipments map[int64][]json.RawMessage) (model.RawOrderRecord, error) {
	inv := invoices[h.EntityID]
	shp := shipments[h.EntityID]
	payload := raw
	if invoices != nil || shipments != nil {
		var err error
		payload, err = mergeChildren(raw, invoices != nil, inv, shipments != nil, shp)
		if err != nil {
			return model.RawOrderRecord{}, err
		}
	}
	return model.RawOrderRecord{
		Key: model.RawOrderKey{
			TenantID:       j.cfg.TenantID,
			StoreID:        j.cfg.StoreID,
			RemoteEntityID: h.EntityID,
		},
		Data: model.RawOrderData{
			IncrementID: h.IncrementID,
			Status:      h.Status,
			HasInvoice:  len(inv) > 0,
			HasShipment: len(shp) > 0,
			Payload:     payload,
			BatchID:     batchID,
			SyncedAt:    j.now().UTC(),
		},
	}, nil
}

// children выбирает счета или отгрузки по списку заказов и группирует по order_id.
// Ошибка выгрузки логируется, результат nil.
func (j *job) children(ctx context.Context, resource string, orderIDs []string) map[int64][]json.RawMessage {
	filters := []remoteclient.Filter{{
		Field:     "order_id",
		Value:     strings.Join(orderIDs, ","),
		Condition: remoteclient.ConditionIn,
	}}
	byOrder := make(map[int64][]json.RawMessage)
	it := j.client.FetchAll(resource, filters, childPageSize)
	for it.Next(ctx) {
		var h childHeader
		if err := json.Unmarshal(it.Item(), &h); err != nil || h.OrderID == 0 {
			j.zaplog.Warn("skip "+resource+" item without order_id", zap.Error(err))
			continue
		}
		byOrder[h.OrderID] = append(byOrder[h.OrderID], it.Item())
	}
	if err := it.Err(); err != nil {
		var fe *remoteclient.FetchError
		fields := []zap.Field{zap.String("resource", resource), zap.Error(err)}
		if errors.As(err, &fe) {
			fields = append(fields, zap.Int("status", fe.StatusCode), zap.Int("page", fe.Page))
		}
		j.zaplog.Error("fetch order children", fields...)
		return nil
	}
	return byOrder
}

// mergeChildren встраивает счета и отгрузки в документ заказа.
// Остальные поля заказа переносятся байт в байт.
func mergeChildren(raw json.RawMessage, withInvoices bool, invoices []json.RawMessage, withShipments bool, shipments []json.RawMessage) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if withInvoices {
		if err := setList(doc, "invoices", invoices); err != nil {
			return nil, err
		}
	}
	if withShipments {
		if err := setList(doc, "shipments", shipments); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func setList(doc map[string]json.RawMessage, key string, list []json.RawMessage) error {
	if list == nil {
		list = []json.RawMessage{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	doc[key] = b
	return nil
}
