package engine

import (
	"context"
	"errors"

	nativecommon "lendingledger/native/common"
	"lendingledger/native/lending"
)

var (
	ErrInvalidArgument = errors.New("lending: invalid argument")
	ErrUnavailable     = errors.New("lending: service unavailable")
)

// Code extends lending.Code with the failures raised by the service layer.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaAmountExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return "quota_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return lending.Code(err)
	}
}
