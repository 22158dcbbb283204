package trading

import (
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrForbidden        = errors.New("order belongs to another user")
	ErrAlreadyProcessed = errors.New("order already processed")
	ErrInvalidFillPrice = errors.New("fill price must be positive")
	ErrLimitNotReached  = errors.New("fill price does not satisfy the limit")
)

// RequestError is a strict validation failure. No order is recorded for it.
type RequestError struct {
	Message string
	Fields  []string
}

func (e *RequestError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Fields, ", ")
}

func missingFields(fields []string) *RequestError {
	return &RequestError{Message: "missing required fields", Fields: fields}
}

func invalidField(field, message string) *RequestError {
	return &RequestError{Message: message, Fields: []string{field}}
}
