package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/gzip"
	"github.com/iurnickita/ordersync/internal/handler/config"
	"github.com/iurnickita/ordersync/internal/logger"
	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/service"
	"github.com/iurnickita/ordersync/internal/service/remoteclient"
	"github.com/iurnickita/ordersync/internal/transform"
)

const shutdownTimeout = 10 * time.Second

// Serve обслуживает служебное HTTP API до отмены ctx.
// Запущенные в фоне синхронизации дожидаются завершения.
func Serve(ctx context.Context, cfg config.Config, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(ctx, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	zaplog.Info("serving", zap.String("address", cfg.ServerAddr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.wait()
	return err
}

type handler struct {
	ctx     context.Context
	service service.Service
	zaplog  *zap.Logger
	running sync.WaitGroup
}

func newHandler(ctx context.Context, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		ctx:     ctx,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stores/{store}/sync", gzip.GzipMiddleware(logger.RequestLogMdlw(h.PostSync, h.zaplog)))
	mux.HandleFunc("POST /api/stores/{store}/retransform", gzip.GzipMiddleware(logger.RequestLogMdlw(h.PostRetransform, h.zaplog)))
	mux.HandleFunc("POST /api/stores/{store}/orders/{id}/resync", gzip.GzipMiddleware(logger.RequestLogMdlw(h.PostResync, h.zaplog)))
	mux.HandleFunc("POST /api/stores/{store}/orders/{id}/cancel", gzip.GzipMiddleware(logger.RequestLogMdlw(h.PostCancel, h.zaplog)))
	mux.HandleFunc("GET /api/stores/{store}/stock/{sku}", gzip.GzipMiddleware(logger.RequestLogMdlw(h.GetStock, h.zaplog)))

	return mux
}

func (h *handler) wait() {
	h.running.Wait()
}

type PostSyncJSONResponse struct {
	Store  string `json:"store"`
	Status string `json:"status"`
}

// PostSync запускает синхронизацию магазина в фоне
func (h *handler) PostSync(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("store")
	if !slices.Contains(h.service.Stores(), code) {
		http.Error(w, service.ErrUnknownStore.Error(), http.StatusNotFound)
		return
	}

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		summary, err := h.service.SyncStore(h.ctx, code)
		if err != nil {
			h.zaplog.Error("background sync", zap.String("store", code), zap.Error(err))
			return
		}
		h.zaplog.Info("background sync done",
			zap.String("store", summary.Store),
			zap.String("batch_id", summary.BatchID),
			zap.Int("fetched", summary.Fetched),
			zap.Int("transformed", summary.Transformed),
			zap.Int("failed", summary.Failed),
		)
	}()

	h.writeJSON(w, http.StatusAccepted, PostSyncJSONResponse{Store: code, Status: "started"})
}

func (h *handler) PostRetransform(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Retransform(r.Context(), r.PathValue("store"), r.URL.Query().Get("batch"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *handler) PostResync(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.ResyncOrder(r.Context(), r.PathValue("store"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newOrderJSON(order))
}

func (h *handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.CancelOrder(r.Context(), r.PathValue("store"), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newOrderJSON(order))
}

// GetStock отдает ответ удаленного API как есть
func (h *handler) GetStock(w http.ResponseWriter, r *http.Request) {
	body, err := h.service.StockItem(r.Context(), r.PathValue("store"), r.PathValue("sku"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type OrderJSONResponse struct {
	ID             int64           `json:"id"`
	RemoteOrderID  int64           `json:"remote_order_id"`
	IncrementID    string          `json:"increment_id"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	CustomerName   string          `json:"customer_name"`
	Currency       string          `json:"currency"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	TotalDue       decimal.Decimal `json:"total_due"`
	TotalRefunded  decimal.Decimal `json:"total_refunded"`
	ShippingMethod string          `json:"shipping_method"`
	OrderedAt      *time.Time      `json:"ordered_at"`
	SyncedAt       time.Time       `json:"synced_at"`
}

func newOrderJSON(order model.Order) OrderJSONResponse {
	return OrderJSONResponse{
		ID:             order.ID,
		RemoteOrderID:  order.RemoteOrderID,
		IncrementID:    order.IncrementID,
		Status:         order.Status,
		PaymentStatus:  string(order.PaymentStatus),
		CustomerName:   order.CustomerName,
		Currency:       order.Currency,
		GrandTotal:     order.GrandTotal,
		TotalPaid:      order.TotalPaid,
		TotalDue:       order.TotalDue,
		TotalRefunded:  order.TotalRefunded,
		ShippingMethod: order.ShippingMethod,
		OrderedAt:      order.OrderedAt,
		SyncedAt:       order.SyncedAt,
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var fe *remoteclient.FetchError
	switch {
	case errors.Is(err, service.ErrUnknownStore), errors.Is(err, service.ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &fe) && fe.Terminal():
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, transform.ErrMalformedPayload):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
