package engine

import (
	"context"
	"errors"
	"strconv"

	"stxlend/native/lending"
)

var (
	ErrNotFound       = errors.New("lending: not found")
	ErrInvalidAddress = errors.New("lending: invalid address")
	ErrInvalidAmount  = errors.New("lending: invalid amount")
	ErrUnavailable    = errors.New("lending: service unavailable")
	ErrInternal       = errors.New("lending: internal error")
)

// outcome classifies err for metrics: "success", "rejected" for pool rule
// violations carrying a code, "canceled" and "error" otherwise.
func outcome(err error) (string, string) {
	if err == nil {
		return "success", ""
	}
	if code, ok := lending.CodeOf(err); ok {
		return "rejected", strconv.FormatUint(uint64(code), 10)
	}
	switch {
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNotFound):
		return "rejected", ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled", ""
	default:
		return "error", ""
	}
}
