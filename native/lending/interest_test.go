package lending

import (
	"errors"
	"math"
	"math/big"
	"testing"
)

func wadOf(numerator, denominator int64) *big.Int {
	out := new(big.Int).Mul(WAD(), big.NewInt(numerator))
	return out.Quo(out, big.NewInt(denominator))
}

func TestNewInterestModelIsExact(t *testing.T) {
	model := NewInterestModel(0.02, 0.15, 0.6, 0.8)
	if model.Slope1.Cmp(wadOf(15, 100)) != 0 {
		t.Fatalf("slope1 not exact: %s", model.Slope1)
	}
	if model.OptimalUtilization.Cmp(wadOf(8, 10)) != 0 {
		t.Fatalf("optimal utilisation not exact: %s", model.OptimalUtilization)
	}
}

func TestUtilisation(t *testing.T) {
	if got := Utilisation(0, 0); got.Sign() != 0 {
		t.Fatalf("expected zero utilisation for empty pool, got %s", got)
	}
	if got := Utilisation(50, 0); got.Sign() != 0 {
		t.Fatalf("expected zero utilisation without deposits, got %s", got)
	}
	if got := Utilisation(1, 3); got.Cmp(wadOf(1, 3)) != 0 {
		t.Fatalf("expected floor(1/3), got %s", got)
	}
}

func TestBorrowRateKink(t *testing.T) {
	model := DefaultInterestModel
	cases := []struct {
		util *big.Int
		want *big.Int
	}{
		{big.NewInt(0), wadOf(2, 100)},
		// 0.02 + 0.15 * 0.5
		{wadOf(1, 2), wadOf(95, 1000)},
		// 0.02 + 0.15 * 0.8
		{wadOf(8, 10), wadOf(14, 100)},
		// 0.02 + 0.15 * 0.8 + 0.6 * 0.1
		{wadOf(9, 10), wadOf(20, 100)},
		// 0.02 + 0.12 + 0.6 * 0.2
		{WAD(), wadOf(26, 100)},
	}
	for _, tc := range cases {
		got, err := model.BorrowRate(tc.util)
		if err != nil {
			t.Fatalf("borrow rate: %v", err)
		}
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("util %s: expected %s, got %s", tc.util, tc.want, got)
		}
	}
	deposit, err := model.DepositRate(wadOf(1, 2))
	if err != nil {
		t.Fatalf("deposit rate: %v", err)
	}
	if deposit.Cmp(wadOf(475, 10_000)) != 0 {
		t.Fatalf("expected deposit rate 0.0475, got %s", deposit)
	}
}

func TestAccrueOneYear(t *testing.T) {
	bank := &Bank{
		TotalDeposits: 1_000_000_000,
		TotalBorrows:  500_000_000,
		DepositIndex:  WAD(),
		BorrowIndex:   WAD(),
		LastUpdate:    1_000,
		Interest:      DefaultInterestModel.Clone(),
	}
	changed, err := Accrue(bank, 1_000+SecondsPerYear)
	if err != nil || !changed {
		t.Fatalf("accrue: changed=%v err=%v", changed, err)
	}
	if bank.BorrowIndex.Cmp(wadOf(1095, 1000)) != 0 {
		t.Fatalf("unexpected borrow index %s", bank.BorrowIndex)
	}
	if bank.DepositIndex.Cmp(wadOf(10475, 10_000)) != 0 {
		t.Fatalf("unexpected deposit index %s", bank.DepositIndex)
	}
	if bank.TotalBorrows != 547_500_000 || bank.TotalDeposits != 1_047_500_000 {
		t.Fatalf("unexpected totals borrows=%d deposits=%d", bank.TotalBorrows, bank.TotalDeposits)
	}
	if bank.LastUpdate != 1_000+SecondsPerYear {
		t.Fatalf("last update not advanced")
	}
}

func TestAccrueNoElapsedTime(t *testing.T) {
	bank := &Bank{TotalDeposits: 10, TotalBorrows: 5, LastUpdate: 500, Interest: DefaultInterestModel.Clone()}
	for _, now := range []uint64{400, 500} {
		changed, err := Accrue(bank, now)
		if err != nil || changed {
			t.Fatalf("expected no-op at %d, got changed=%v err=%v", now, changed, err)
		}
	}
	if bank.LastUpdate != 500 || bank.TotalBorrows != 5 {
		t.Fatalf("bank mutated by no-op accrual")
	}
}

func TestAccrueOverflowLeavesBankUntouched(t *testing.T) {
	bank := &Bank{
		TotalDeposits: math.MaxUint64,
		TotalBorrows:  math.MaxUint64,
		DepositIndex:  WAD(),
		BorrowIndex:   WAD(),
		LastUpdate:    0,
		Interest:      DefaultInterestModel.Clone(),
	}
	if _, err := Accrue(bank, SecondsPerYear); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	if bank.LastUpdate != 0 || bank.BorrowIndex.Cmp(WAD()) != 0 {
		t.Fatalf("bank mutated on overflow")
	}
}
