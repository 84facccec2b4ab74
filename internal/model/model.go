package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Подключение к удаленному магазину

type RemoteCredential struct {
	BaseURL    string
	Token      string
	APIVersion string
}

// Сырые заказы (staging)

type RawOrderRecord struct {
	Key  RawOrderKey
	Data RawOrderData
}
type RawOrderKey struct {
	TenantID       int64
	StoreID        int64
	RemoteEntityID int64
}
type RawOrderData struct {
	IncrementID   string
	Status        string
	HasInvoice    bool
	HasShipment   bool
	Payload       json.RawMessage
	BatchID       string
	SyncedAt      time.Time
	TransformedAt *time.Time
}

// Нормализованные заказы

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// Удаленные статусы, участвующие в расчете статуса оплаты
const (
	RemoteStatusCanceled       = "canceled"
	RemoteStatusClosed         = "closed"
	RemoteStatusPendingPayment = "pending_payment"
)

type Order struct {
	ID             int64
	TenantID       int64
	StoreID        int64
	RemoteOrderID  int64
	IncrementID    string
	Status         string
	PaymentStatus  PaymentStatus
	CustomerName   string
	CustomerEmail  string
	Currency       string
	GrandTotal     decimal.Decimal
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	ShippingAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalPaid      decimal.Decimal
	TotalDue       decimal.Decimal
	TotalRefunded  decimal.Decimal
	PaymentMethod  string
	ShippingMethod string
	OrderedAt      *time.Time
	SyncedAt       time.Time
}

type OrderItem struct {
	ID                 int64
	TenantID           int64
	OrderID            int64
	RemoteItemID       int64
	RemoteParentItemID *int64
	ParentItemID       *int64
	SKU                string
	Name               string
	ProductType        string
	QtyOrdered         decimal.Decimal
	QtyInvoiced        decimal.Decimal
	QtyShipped         decimal.Decimal
	QtyRefunded        decimal.Decimal
	QtyCanceled        decimal.Decimal
	Price              decimal.Decimal
	OriginalPrice      decimal.Decimal
	RowTotal           decimal.Decimal
	TaxAmount          decimal.Decimal
	DiscountAmount     decimal.Decimal
}

type Invoice struct {
	ID              int64
	TenantID        int64
	OrderID         int64
	RemoteInvoiceID int64
	IncrementID     string
	State           int
	GrandTotal      decimal.Decimal
	Subtotal        decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingAmount  decimal.Decimal
	DiscountAmount  decimal.Decimal
	InvoicedAt      *time.Time
}

type InvoiceItem struct {
	ID                int64
	InvoiceID         int64
	OrderItemID       *int64
	RemoteOrderItemID int64
	SKU               string
	Name              string
	Qty               decimal.Decimal
	Price             decimal.Decimal
	RowTotal          decimal.Decimal
	TaxAmount         decimal.Decimal
	DiscountAmount    decimal.Decimal
}

type Shipment struct {
	ID               int64
	TenantID         int64
	OrderID          int64
	RemoteShipmentID int64
	IncrementID      string
	TotalQty         decimal.Decimal
	TrackNumber      string
	CarrierCode      string
	CarrierTitle     string
	ShippedAt        *time.Time
}
