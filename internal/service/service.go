package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/iurnickita/ordersync/internal/batch"
	"github.com/iurnickita/ordersync/internal/model"
	"github.com/iurnickita/ordersync/internal/service/config"
	"github.com/iurnickita/ordersync/internal/service/remoteclient"
	"github.com/iurnickita/ordersync/internal/store"
	"github.com/iurnickita/ordersync/internal/transform"
)

type Service interface {
	Stores() []string
	SyncStore(ctx context.Context, code string) (Summary, error)
	SyncAll(ctx context.Context) ([]Summary, error)
	ResyncOrder(ctx context.Context, code string, remoteOrderID int64) (model.Order, error)
	Retransform(ctx context.Context, code string, batchID string) (Summary, error)
	CancelOrder(ctx context.Context, code string, remoteOrderID int64) (model.Order, error)
	StockItem(ctx context.Context, code string, sku string) (json.RawMessage, error)
}

// Summary - итог синхронизации магазина
type Summary struct {
	Store       string `json:"store"`
	BatchID     string `json:"batch_id"`
	Fetched     int    `json:"fetched"`
	Transformed int    `json:"transformed"`
	Failed      int    `json:"failed"`
}

var (
	ErrUnknownStore  = errors.New("unknown store")
	ErrOrderNotFound = errors.New("order not found")
)

// storeRuntime - настройки магазина и блокировка его синхронизаций.
// Трансформации одного и того же заказа не должны идти параллельно.
type storeRuntime struct {
	cfg config.StoreConfig
	loc *time.Location
	mu  sync.Mutex
}

type service struct {
	cfg    config.Config
	store  store.Store
	stores map[string]*storeRuntime
	codes  []string
	sink   transform.EventSink
	group  singleflight.Group
	zaplog *zap.Logger
	now    func() time.Time
}

func NewService(cfg config.Config, store store.Store, sink transform.EventSink, zaplog *zap.Logger) (Service, error) {
	if sink == nil {
		sink = transform.NewLogSink(zaplog)
	}
	service := service{
		cfg:    cfg,
		store:  store,
		stores: make(map[string]*storeRuntime, len(cfg.Stores)),
		sink:   sink,
		zaplog: zaplog,
		now:    time.Now,
	}
	for _, sc := range cfg.Stores {
		if _, ok := service.stores[sc.Code]; ok {
			return nil, fmt.Errorf("store %q configured twice", sc.Code)
		}
		loc := time.UTC
		if sc.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(sc.Timezone)
			if err != nil {
				return nil, fmt.Errorf("store %q timezone: %w", sc.Code, err)
			}
		}
		service.stores[sc.Code] = &storeRuntime{cfg: sc, loc: loc}
		service.codes = append(service.codes, sc.Code)
	}

	return &service, nil
}

// job - клиент, движок и раннер одной синхронизации. Не разделяются между синхронизациями.
type job struct {
	cfg    config.StoreConfig
	client remoteclient.Client
	engine *transform.Engine
	runner *batch.Runner
	store  store.Store
	zaplog *zap.Logger
	now    func() time.Time
}

func (service *service) newJob(rt *storeRuntime, zaplog *zap.Logger) *job {
	cred := model.RemoteCredential{
		BaseURL:    rt.cfg.BaseURL,
		Token:      rt.cfg.Token,
		APIVersion: rt.cfg.APIVersion,
	}
	opts := remoteclient.Options{
		Timeout:   service.cfg.Timeout,
		Attempts:  service.cfg.Attempts,
		RetryWait: service.cfg.RetryWait,
	}
	engine := transform.NewEngine(service.store, transform.Config{
		TenantID:        rt.cfg.TenantID,
		StoreID:         rt.cfg.StoreID,
		DefaultCurrency: rt.cfg.DefaultCurrency,
		Location:        rt.loc,
	}, service.sink, zaplog)
	return &job{
		cfg:    rt.cfg,
		client: remoteclient.NewClient(cred, opts, zaplog.Named("remote")),
		engine: engine,
		runner: batch.NewRunner(engine, zaplog),
		store:  service.store,
		zaplog: zaplog,
		now:    service.now,
	}
}

func (service *service) runtime(code string) (*storeRuntime, error) {
	rt, ok := service.stores[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, code)
	}
	return rt, nil
}

func (service *service) Stores() []string {
	return append([]string(nil), service.codes...)
}

// SyncStore выгружает заказы магазина в staging и трансформирует выгруженное.
// Параллельные вызовы для одного магазина получают результат одного запуска.
func (service *service) SyncStore(ctx context.Context, code string) (Summary, error) {
	rt, err := service.runtime(code)
	if err != nil {
		return Summary{}, err
	}
	v, err, _ := service.group.Do("sync:"+code, func() (any, error) {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return service.syncStore(ctx, rt)
	})
	summary, _ := v.(Summary)
	return summary, err
}

func (service *service) syncStore(ctx context.Context, rt *storeRuntime) (Summary, error) {
	batchID := uuid.NewString()
	zaplog := service.zaplog.With(zap.String("store", rt.cfg.Code), zap.String("batch_id", batchID))
	j := service.newJob(rt, zaplog)
	summary := Summary{Store: rt.cfg.Code, BatchID: batchID}

	fetched, fetchErr := j.stage(ctx, batchID)
	summary.Fetched = fetched
	if fetchErr != nil {
		zaplog.Error("fetch orders", zap.Int("staged", fetched), zap.Error(fetchErr))
		fetchErr = fmt.Errorf("store %s: %w", rt.cfg.Code, fetchErr)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	records, err := service.store.RawGetByBatch(ctx, rt.cfg.TenantID, rt.cfg.StoreID, batchID)
	if err != nil {
		return summary, errors.Join(fetchErr, fmt.Errorf("read staged batch: %w", err))
	}
	res, err := j.runner.Run(ctx, transform.NewTransaction(), records)
	summary.Transformed = len(res.Succeeded)
	summary.Failed = len(res.Failed)

	zaplog.Info("store synced",
		zap.Int("fetched", summary.Fetched),
		zap.Int("transformed", summary.Transformed),
		zap.Int("failed", summary.Failed),
	)
	return summary, errors.Join(fetchErr, err)
}

// SyncAll синхронизирует все магазины, не более Concurrency одновременно.
// Ошибка одного магазина не останавливает остальные.
func (service *service) SyncAll(ctx context.Context) ([]Summary, error) {
	summaries := make([]Summary, len(service.codes))
	errs := make([]error, len(service.codes))

	var g errgroup.Group
	if service.cfg.Concurrency > 0 {
		g.SetLimit(service.cfg.Concurrency)
	}
	for i, code := range service.codes {
		g.Go(func() error {
			summaries[i], errs[i] = service.SyncStore(ctx, code)
			return nil
		})
	}
	_ = g.Wait()
	return summaries, errors.Join(errs...)
}

// ResyncOrder забирает один заказ с удаленной стороны и трансформирует его без staging
func (service *service) ResyncOrder(ctx context.Context, code string, remoteOrderID int64) (model.Order, error) {
	rt, err := service.runtime(code)
	if err != nil {
		return model.Order{}, err
	}
	v, err, _ := service.group.Do("order:"+code+":"+strconv.FormatInt(remoteOrderID, 10), func() (any, error) {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return service.resyncOrder(ctx, rt, remoteOrderID)
	})
	order, _ := v.(model.Order)
	return order, err
}

func (service *service) resyncOrder(ctx context.Context, rt *storeRuntime, remoteOrderID int64) (model.Order, error) {
	zaplog := service.zaplog.With(zap.String("store", rt.cfg.Code), zap.Int64("remote_id", remoteOrderID))
	j := service.newJob(rt, zaplog)

	raw, err := j.client.GetOrder(ctx, remoteOrderID)
	if err != nil {
		var fe *remoteclient.FetchError
		if errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound {
			return model.Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, remoteOrderID)
		}
		return model.Order{}, err
	}
	var h orderHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return model.Order{}, fmt.Errorf("%w: %v", transform.ErrMalformedPayload, err)
	}
	if h.EntityID == 0 {
		h.EntityID = remoteOrderID
	}

	ids := []string{strconv.FormatInt(h.EntityID, 10)}
	invoices := j.children(ctx, remoteclient.ResourceInvoices, ids)
	shipments := j.children(ctx, remoteclient.ResourceShipments, ids)
	rec, err := j.record(h, raw, "", invoices, shipments)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %v", transform.ErrMalformedPayload, err)
	}

	res, err := j.runner.Run(ctx, transform.NewTransaction(), []model.RawOrderRecord{rec})
	if err != nil {
		return model.Order{}, err
	}
	if len(res.Failed) > 0 {
		return model.Order{}, res.Failed[0].Err
	}
	return res.Succeeded[0], nil
}

// Retransform повторяет трансформацию из staging без обращения к удаленной стороне.
// Пустой batchID - все еще не трансформированные записи магазина.
func (service *service) Retransform(ctx context.Context, code string, batchID string) (Summary, error) {
	rt, err := service.runtime(code)
	if err != nil {
		return Summary{}, err
	}
	v, err, _ := service.group.Do("retransform:"+code+":"+batchID, func() (any, error) {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return service.retransform(ctx, rt, batchID)
	})
	summary, _ := v.(Summary)
	return summary, err
}

func (service *service) retransform(ctx context.Context, rt *storeRuntime, batchID string) (Summary, error) {
	zaplog := service.zaplog.With(zap.String("store", rt.cfg.Code), zap.String("batch_id", batchID))
	j := service.newJob(rt, zaplog)
	summary := Summary{Store: rt.cfg.Code, BatchID: batchID}

	var records []model.RawOrderRecord
	var err error
	if batchID == "" {
		records, err = service.store.RawGetPending(ctx, rt.cfg.TenantID, rt.cfg.StoreID)
	} else {
		records, err = service.store.RawGetByBatch(ctx, rt.cfg.TenantID, rt.cfg.StoreID, batchID)
	}
	if err != nil {
		return summary, fmt.Errorf("read staged records: %w", err)
	}

	res, err := j.runner.Run(ctx, transform.NewTransaction(), records)
	summary.Transformed = len(res.Succeeded)
	summary.Failed = len(res.Failed)
	zaplog.Info("store retransformed",
		zap.Int("staged", len(records)),
		zap.Int("transformed", summary.Transformed),
		zap.Int("failed", summary.Failed),
	)
	return summary, err
}

// CancelOrder отменяет заказ на удаленной стороне и забирает его новое состояние
func (service *service) CancelOrder(ctx context.Context, code string, remoteOrderID int64) (model.Order, error) {
	rt, err := service.runtime(code)
	if err != nil {
		return model.Order{}, err
	}
	zaplog := service.zaplog.With(zap.String("store", rt.cfg.Code), zap.Int64("remote_id", remoteOrderID))
	j := service.newJob(rt, zaplog)
	if err := j.client.CancelOrder(ctx, remoteOrderID); err != nil {
		return model.Order{}, err
	}
	zaplog.Info("order canceled")
	return service.ResyncOrder(ctx, code, remoteOrderID)
}

func (service *service) StockItem(ctx context.Context, code string, sku string) (json.RawMessage, error) {
	rt, err := service.runtime(code)
	if err != nil {
		return nil, err
	}
	j := service.newJob(rt, service.zaplog.With(zap.String("store", rt.cfg.Code)))
	return j.client.GetStockItem(ctx, sku)
}
