package remoteclient

import (
	"context"
	"encoding/json"
)

// Iterator - ленивый обход всех страниц коллекции.
// Конечен; для повтора создается новый итератор (обход снова с первой страницы).
//
//	it := fetcher.FetchAll(ResourceOrders, filters, 50)
//	for it.Next(ctx) {
//		item := it.Item()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	fetcher  Fetcher
	resource string
	filters  []Filter
	pageSize int

	page  int
	total int
	items []json.RawMessage
	pos   int
	item  json.RawMessage
	done  bool
	err   error
}

func NewIterator(fetcher Fetcher, resource string, filters []Filter, pageSize int) *Iterator {
	return &Iterator{
		fetcher:  fetcher,
		resource: resource,
		filters:  append([]Filter(nil), filters...),
		pageSize: pageSize,
	}
}

// Next переходит к следующему элементу, запрашивая очередную страницу при необходимости.
// Контекст проверяется между страницами.
func (it *Iterator) Next(ctx context.Context) bool {
	for it.pos >= len(it.items) {
		if it.done || it.err != nil {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}

		it.page++
		page, err := it.fetcher.Fetch(ctx, it.resource, it.filters, it.page, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.items = page.Items
		it.pos = 0
		// total_count берется с каждой страницы: коллекция может меняться во время обхода
		it.total = page.TotalCount
		if len(page.Items) == 0 || it.page*it.pageSize >= page.TotalCount {
			it.done = true
		}
	}

	it.item = it.items[it.pos]
	it.pos++
	return true
}

func (it *Iterator) Item() json.RawMessage {
	return it.item
}

// Page - номер последней запрошенной страницы
func (it *Iterator) Page() int {
	return it.page
}

// TotalCount - total_count последней полученной страницы
func (it *Iterator) TotalCount() int {
	return it.total
}

func (it *Iterator) Err() error {
	return it.err
}
