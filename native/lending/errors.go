package lending

import (
	"errors"

	nativecommon "lendingledger/native/common"
)

var (
	ErrAlreadyInitialized     = errors.New("lending: already initialized")
	ErrNotInitialized         = errors.New("lending: not initialized")
	ErrInvalidRiskParams      = errors.New("lending: invalid risk parameters")
	ErrZeroAmount             = errors.New("lending: amount must be positive")
	ErrInsufficientFunds      = errors.New("lending: insufficient funds")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrStaleOracle            = errors.New("lending: stale oracle price")
	ErrOracleUnavailable      = errors.New("lending: oracle price unavailable")
	ErrMathOverflow           = errors.New("lending: math overflow")
	ErrExcessRepayment        = errors.New("lending: repayment exceeds outstanding debt")
	ErrDepositCapExceeded     = errors.New("lending: deposit cap exceeded")
	ErrBorrowCapExceeded      = errors.New("lending: borrow cap exceeded")

	// ErrPriceNotFound is returned by oracle adapters that hold no record for
	// the requested asset.
	ErrPriceNotFound = errors.New("lending: price not found")

	errNilState   = errors.New("lending engine: state not configured")
	errNilOracle  = errors.New("lending engine: oracle not configured")
	errNilCustody = errors.New("lending engine: custody not configured")
	errZeroMint   = errors.New("lending engine: mint required")
)

// Code maps an engine error onto a stable identifier suitable for API
// responses and metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrInvalidRiskParams):
		return "invalid_risk_params"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrStaleOracle):
		return "stale_oracle"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrMathOverflow):
		return "math_overflow"
	case errors.Is(err, ErrExcessRepayment):
		return "excess_repayment"
	case errors.Is(err, ErrDepositCapExceeded):
		return "deposit_cap_exceeded"
	case errors.Is(err, ErrBorrowCapExceeded):
		return "borrow_cap_exceeded"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
