package transform

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed order payload")
	ErrForeignRecord    = errors.New("record belongs to another store")
)

// SyncError - отказ трансформации одного заказа. Причина доступна через errors.Is/As.
type SyncError struct {
	RemoteOrderID int64
	IncrementID   string
	Err           error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync order #%s (remote id %d): %v", e.IncrementID, e.RemoteOrderID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
