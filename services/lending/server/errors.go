package server

import (
	"net/http"

	"lendingledger/services/lending/engine"
)

// httpStatus maps a stable error code onto the HTTP status returned to
// clients.
func httpStatus(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "invalid_argument", "zero_amount", "invalid_risk_params":
		return http.StatusBadRequest
	case "not_initialized":
		return http.StatusNotFound
	case "already_initialized":
		return http.StatusConflict
	case "insufficient_funds", "insufficient_liquidity", "insufficient_collateral",
		"excess_repayment", "deposit_cap_exceeded", "borrow_cap_exceeded", "math_overflow":
		return http.StatusUnprocessableEntity
	case "quota_exceeded", "rate_limited":
		return http.StatusTooManyRequests
	case "stale_oracle", "oracle_unavailable", "paused", "unavailable":
		return http.StatusServiceUnavailable
	case "unauthenticated":
		return http.StatusUnauthorized
	case "permission_denied":
		return http.StatusForbidden
	case "canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := engine.Code(err)
	status := httpStatus(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "lending request failed",
			"component", "lending-http",
			"op", op,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err)
		message = "internal error"
	}
	if engine.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
