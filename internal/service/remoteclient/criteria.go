package remoteclient

import (
	"fmt"
	"net/url"
	"strconv"
)

// Условия фильтрации searchCriteria
const (
	ConditionEq   = "eq"
	ConditionNeq  = "neq"
	ConditionIn   = "in"
	ConditionGt   = "gt"
	ConditionGteq = "gteq"
	ConditionLt   = "lt"
	ConditionLteq = "lteq"
	ConditionLike = "like"
)

const (
	SortAsc  = "ASC"
	SortDesc = "DESC"
)

// Filter - одно условие (field, value, condition). Пустое условие означает eq.
type Filter struct {
	Field     string
	Value     string
	Condition string
}

type SortOrder struct {
	Field     string
	Direction string
}

// SearchCriteria - параметры одного запроса к коллекции.
// Каждый фильтр уходит отдельной filterGroup, т.е. условия объединяются через AND.
type SearchCriteria struct {
	CurrentPage int
	PageSize    int
	Filters     []Filter
	SortOrders  []SortOrder
}

// DefaultSortOrders - сортировка по умолчанию для выгрузки коллекций
func DefaultSortOrders() []SortOrder {
	return []SortOrder{{Field: "updated_at", Direction: SortDesc}}
}

func NewSearchCriteria(filters []Filter, page int, pageSize int) SearchCriteria {
	return SearchCriteria{
		CurrentPage: page,
		PageSize:    pageSize,
		Filters:     append([]Filter(nil), filters...),
		SortOrders:  DefaultSortOrders(),
	}
}

// Values кодирует критерии в query string формата searchCriteria[...]
func (c SearchCriteria) Values() url.Values {
	v := url.Values{}
	v.Set("searchCriteria[currentPage]", strconv.Itoa(c.CurrentPage))
	v.Set("searchCriteria[pageSize]", strconv.Itoa(c.PageSize))
	for i, f := range c.Filters {
		prefix := fmt.Sprintf("searchCriteria[filterGroups][%d][filters][0]", i)
		cond := f.Condition
		if cond == "" {
			cond = ConditionEq
		}
		v.Set(prefix+"[field]", f.Field)
		v.Set(prefix+"[value]", f.Value)
		v.Set(prefix+"[condition_type]", cond)
	}
	for i, s := range c.SortOrders {
		prefix := fmt.Sprintf("searchCriteria[sortOrders][%d]", i)
		v.Set(prefix+"[field]", s.Field)
		v.Set(prefix+"[direction]", s.Direction)
	}
	return v
}
