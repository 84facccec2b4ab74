package remoteclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// FetchError - запрос к удаленному API не удался (после всех повторов или сразу для 4xx).
type FetchError struct {
	Resource   string
	Page       int
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString("fetch " + e.Resource)
	if e.Page > 0 {
		b.WriteString(" page " + strconv.Itoa(e.Page))
	}
	if e.StatusCode != 0 {
		b.WriteString(": status " + strconv.Itoa(e.StatusCode))
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Terminal - ответ 4xx, повтор запроса не поможет
func (e *FetchError) Terminal() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// JSON ошибки удаленного API: {"message": "...%1...", "parameters": [...] | {...}}
type remoteErrorBody struct {
	Message    string          `json:"message"`
	Parameters json.RawMessage `json:"parameters"`
}

// remoteMessage достает текст ошибки из тела ответа, подставляя параметры
func remoteMessage(body []byte) string {
	var rb remoteErrorBody
	if err := json.Unmarshal(body, &rb); err != nil || rb.Message == "" {
		return ""
	}
	msg := rb.Message

	var list []any
	if err := json.Unmarshal(rb.Parameters, &list); err == nil {
		// с конца, чтобы %1 не задел %10
		for i := len(list) - 1; i >= 0; i-- {
			msg = strings.ReplaceAll(msg, "%"+strconv.Itoa(i+1), fmt.Sprint(list[i]))
		}
		return msg
	}
	var named map[string]any
	if err := json.Unmarshal(rb.Parameters, &named); err == nil {
		for k, val := range named {
			msg = strings.ReplaceAll(msg, "%"+k, fmt.Sprint(val))
		}
	}
	return msg
}
