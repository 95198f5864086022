package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLendingMetrics(t *testing.T) {
	m := Lending()
	if Lending() != m {
		t.Fatal("expected a shared registry")
	}

	m.Observe("borrow", "ok", 5*time.Millisecond)
	m.Observe("borrow", "insufficient_collateral", time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("borrow", "ok")); got != 1 {
		t.Fatalf("unexpected ok count %v", got)
	}

	half := new(big.Int).Div(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), big.NewInt(2))
	m.RecordBank("So11", 200, 100, half)
	if got := testutil.ToFloat64(m.util.WithLabelValues("So11")); got != 0.5 {
		t.Fatalf("unexpected utilisation %v", got)
	}
	if got := testutil.ToFloat64(m.borrows.WithLabelValues("So11")); got != 100 {
		t.Fatalf("unexpected borrows %v", got)
	}

	m.RecordThrottle("")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unexpected throttle count %v", got)
	}
	m.RecordQuoteAge("So11", -time.Second)
	if got := testutil.ToFloat64(m.oracleAge.WithLabelValues("So11")); got != 0 {
		t.Fatalf("negative age not clamped: %v", got)
	}

	var nilMetrics *LendingMetrics
	nilMetrics.Observe("deposit", "ok", time.Second)
	nilMetrics.RecordBank("x", 1, 1, nil)
	nilMetrics.RecordThrottle("rate_limit")
	nilMetrics.RecordQuoteAge("x", time.Second)
}
