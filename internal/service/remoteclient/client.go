package remoteclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/iurnickita/ordersync/internal/model"
)

// Ресурсы удаленного API
const (
	ResourceOrders    = "orders"
	ResourceInvoices  = "invoices"
	ResourceShipments = "shipments"
	ResourceProducts  = "products"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultAttempts  = 3
	DefaultRetryWait = 500 * time.Millisecond
)

// JSON ответ коллекции
type Page struct {
	Items      []json.RawMessage `json:"items"`
	TotalCount int               `json:"total_count"`
}

type Options struct {
	Timeout   time.Duration
	Attempts  int
	RetryWait time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:   DefaultTimeout,
		Attempts:  DefaultAttempts,
		RetryWait: DefaultRetryWait,
	}
}

// Fetcher - постраничный доступ к коллекциям
type Fetcher interface {
	Fetch(ctx context.Context, resource string, filters []Filter, page int, pageSize int) (Page, error)
	FetchAll(resource string, filters []Filter, pageSize int) *Iterator
}

// Client не потокобезопасен в смысле общего использования разными синхронизациями:
// на каждую синхронизацию магазина создается свой клиент.
type Client interface {
	Fetcher
	GetOrder(ctx context.Context, remoteOrderID int64) (json.RawMessage, error)
	CancelOrder(ctx context.Context, remoteOrderID int64) error
	GetStockItem(ctx context.Context, sku string) (json.RawMessage, error)
}

type client struct {
	http   *resty.Client
	zaplog *zap.Logger
}

func NewClient(cred model.RemoteCredential, opts Options, zaplog *zap.Logger) Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = DefaultRetryWait
	}
	if zaplog == nil {
		zaplog = zap.NewNop()
	}

	retryWait := opts.RetryWait
	httpClient := resty.New().
		SetBaseURL(endpointRoot(cred)).
		SetAuthToken(cred.Token).
		SetHeader("Accept", "application/json").
		SetLogger(zaplog.Sugar()).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Attempts-1).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryWait).
		SetRetryAfter(func(*resty.Client, *resty.Response) (time.Duration, error) {
			return retryWait, nil
		}).
		AddRetryCondition(retryable).
		AddRetryHook(func(resp *resty.Response, err error) {
			fields := []zap.Field{zap.Error(err)}
			if resp != nil && resp.Request != nil {
				fields = append(fields,
					zap.String("url", resp.Request.URL),
					zap.Int("attempt", resp.Request.Attempt),
					zap.Int("status", resp.StatusCode()))
			}
			zaplog.Warn("retrying remote request", fields...)
		})

	return &client{http: httpClient, zaplog: zaplog}
}

func endpointRoot(cred model.RemoteCredential) string {
	root := strings.TrimRight(cred.BaseURL, "/")
	if v := strings.Trim(cred.APIVersion, "/"); v != "" {
		root += "/" + v
	}
	return root
}

// retryable: ошибка соединения (в том числе таймаут попытки) или 5xx.
// Отмена контекста вызывающего и 4xx не повторяются.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return resp != nil && resp.Request != nil && resp.Request.Context().Err() == nil
	}
	return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
}

func (c *client) Fetch(ctx context.Context, resource string, filters []Filter, page int, pageSize int) (Page, error) {
	criteria := NewSearchCriteria(filters, page, pageSize)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(criteria.Values()).
		Get("/" + resource)
	if err := checkResponse(resource, page, resp, err); err != nil {
		return Page{}, err
	}

	var result Page
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return Page{}, &FetchError{Resource: resource, Page: page, StatusCode: resp.StatusCode(), Err: err}
	}
	return result, nil
}

func (c *client) FetchAll(resource string, filters []Filter, pageSize int) *Iterator {
	return NewIterator(c, resource, filters, pageSize)
}

func (c *client) GetOrder(ctx context.Context, remoteOrderID int64) (json.RawMessage, error) {
	resource := ResourceOrders + "/" + strconv.FormatInt(remoteOrderID, 10)
	return c.getOne(ctx, resource)
}

func (c *client) CancelOrder(ctx context.Context, remoteOrderID int64) error {
	resource := ResourceOrders + "/" + strconv.FormatInt(remoteOrderID, 10) + "/cancel"

	resp, err := c.http.R().
		SetContext(ctx).
		Post("/" + resource)
	return checkResponse(resource, 0, resp, err)
}

func (c *client) GetStockItem(ctx context.Context, sku string) (json.RawMessage, error) {
	return c.getOne(ctx, "stockItems/"+url.PathEscape(sku))
}

func (c *client) getOne(ctx context.Context, resource string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/" + resource)
	if err := checkResponse(resource, 0, resp, err); err != nil {
		return nil, err
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, &FetchError{Resource: resource, StatusCode: resp.StatusCode(), Message: "invalid JSON body"}
	}
	return json.RawMessage(body), nil
}

// checkResponse приводит результат запроса к FetchError
func checkResponse(resource string, page int, resp *resty.Response, err error) error {
	if err != nil {
		fe := &FetchError{Resource: resource, Page: page, Err: err}
		if resp != nil && resp.RawResponse != nil {
			fe.StatusCode = resp.StatusCode()
		}
		return fe
	}
	if resp.IsSuccess() {
		return nil
	}
	return &FetchError{
		Resource:   resource,
		Page:       page,
		StatusCode: resp.StatusCode(),
		Message:    remoteMessage(resp.Body()),
	}
}
