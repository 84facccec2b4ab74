package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Поля сырого заказа, которые интерпретирует трансформация. Остальное остается в staging как есть.
type remoteOrder struct {
	EntityID            int64           `json:"entity_id"`
	IncrementID         string          `json:"increment_id"`
	Status              string          `json:"status"`
	CustomerFirstname   string          `json:"customer_firstname"`
	CustomerLastname    string          `json:"customer_lastname"`
	CustomerEmail       string          `json:"customer_email"`
	GrandTotal          decimal.Decimal `json:"grand_total"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	ShippingAmount      decimal.Decimal `json:"shipping_amount"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	TotalPaid           decimal.Decimal `json:"total_paid"`
	TotalDue            decimal.Decimal `json:"total_due"`
	TotalRefunded       decimal.Decimal `json:"total_refunded"`
	OrderCurrencyCode   string          `json:"order_currency_code"`
	ShippingDescription string          `json:"shipping_description"`
	CreatedAt           string          `json:"created_at"`
	Payment             struct {
		Method string `json:"method"`
	} `json:"payment"`
	Items     []remoteOrderItem `json:"items"`
	Invoices  []remoteInvoice   `json:"invoices"`
	Shipments []remoteShipment  `json:"shipments"`
}

type remoteOrderItem struct {
	ItemID         int64           `json:"item_id"`
	ParentItemID   *int64          `json:"parent_item_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	ProductType    string          `json:"product_type"`
	QtyOrdered     decimal.Decimal `json:"qty_ordered"`
	QtyInvoiced    decimal.Decimal `json:"qty_invoiced"`
	QtyShipped     decimal.Decimal `json:"qty_shipped"`
	QtyRefunded    decimal.Decimal `json:"qty_refunded"`
	QtyCanceled    decimal.Decimal `json:"qty_canceled"`
	Price          decimal.Decimal `json:"price"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	RowTotal       decimal.Decimal `json:"row_total"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type remoteInvoice struct {
	EntityID       int64               `json:"entity_id"`
	IncrementID    string              `json:"increment_id"`
	State          int                 `json:"state"`
	GrandTotal     decimal.Decimal     `json:"grand_total"`
	Subtotal       decimal.Decimal     `json:"subtotal"`
	TaxAmount      decimal.Decimal     `json:"tax_amount"`
	ShippingAmount decimal.Decimal     `json:"shipping_amount"`
	DiscountAmount decimal.Decimal     `json:"discount_amount"`
	CreatedAt      string              `json:"created_at"`
	Items          []remoteInvoiceItem `json:"items"`
}

type remoteInvoiceItem struct {
	OrderItemID    int64           `json:"order_item_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price"`
	RowTotal       decimal.Decimal `json:"row_total"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type remoteShipment struct {
	EntityID    int64           `json:"entity_id"`
	IncrementID string          `json:"increment_id"`
	TotalQty    decimal.Decimal `json:"total_qty"`
	CreatedAt   string          `json:"created_at"`
	Tracks      []struct {
		TrackNumber string `json:"track_number"`
		CarrierCode string `json:"carrier_code"`
		Title       string `json:"title"`
	} `json:"tracks"`
}

func decodeOrder(payload []byte) (remoteOrder, error) {
	var o remoteOrder
	if err := json.Unmarshal(payload, &o); err != nil {
		return remoteOrder{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if o.EntityID == 0 {
		return remoteOrder{}, fmt.Errorf("%w: missing entity_id", ErrMalformedPayload)
	}
	for _, it := range o.Items {
		if it.ItemID == 0 {
			return remoteOrder{}, fmt.Errorf("%w: order item %q without item_id", ErrMalformedPayload, it.SKU)
		}
	}
	for _, inv := range o.Invoices {
		if inv.EntityID == 0 {
			return remoteOrder{}, fmt.Errorf("%w: invoice %q without entity_id", ErrMalformedPayload, inv.IncrementID)
		}
	}
	for _, sh := range o.Shipments {
		if sh.EntityID == 0 {
			return remoteOrder{}, fmt.Errorf("%w: shipment %q without entity_id", ErrMalformedPayload, sh.IncrementID)
		}
	}
	return o, nil
}

// Формат дат удаленного API, время в UTC если не указано иное
const remoteTimeLayout = "2006-01-02 15:04:05"

// parseRemoteTime: пустая или нераспознанная дата дает nil, а не ошибку
func parseRemoteTime(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(remoteTimeLayout, s, loc); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}

// money - фиксированная точка, 4 знака
func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// discount: удаленная сторона может прислать скидку со знаком минус
func discount(d decimal.Decimal) decimal.Decimal {
	return d.Abs().Round(4)
}
