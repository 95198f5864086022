package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		"ok":                      http.StatusOK,
		"invalid_argument":        http.StatusBadRequest,
		"invalid_risk_params":     http.StatusBadRequest,
		"not_initialized":         http.StatusNotFound,
		"already_initialized":     http.StatusConflict,
		"insufficient_funds":      http.StatusUnprocessableEntity,
		"excess_repayment":        http.StatusUnprocessableEntity,
		"borrow_cap_exceeded":     http.StatusUnprocessableEntity,
		"quota_exceeded":          http.StatusTooManyRequests,
		"oracle_unavailable":      http.StatusServiceUnavailable,
		"paused":                  http.StatusServiceUnavailable,
		"canceled":                http.StatusRequestTimeout,
		"internal":                http.StatusInternalServerError,
		"something_never_defined": http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, httpStatus(code), code)
	}
}
