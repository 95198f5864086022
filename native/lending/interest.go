package lending

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
)

// InterestModel encapsulates the parameters that shape how interest rates react
// to pool utilisation. All fields are annual rates or ratios in WAD precision.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Int
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// optimal utilisation.
	Slope1 *big.Int
	// Slope2 governs the additional APR increase applied above the optimal
	// utilisation.
	Slope2 *big.Int
	// OptimalUtilization is the utilisation ratio where the slope changes.
	OptimalUtilization *big.Int
}

// DefaultInterestModel is applied to banks initialised without explicit rate
// parameters.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)

// NewInterestModel constructs an interest model from floating point inputs.
//
// The parameters should be provided as decimals, e.g. a 2% base rate is
// expressed as 0.02 and an 80% optimal utilisation is 0.8.
func NewInterestModel(baseRate, slope1, slope2, optimal float64) *InterestModel {
	return &InterestModel{
		BaseRate:           floatToWad(baseRate),
		Slope1:             floatToWad(slope1),
		Slope2:             floatToWad(slope2),
		OptimalUtilization: floatToWad(optimal),
	}
}

func floatToWad(v float64) *big.Int {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return big.NewInt(0)
	}
	// Go through the shortest decimal form so 0.15 maps to exactly 0.15e18.
	ratio, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return big.NewInt(0)
	}
	ratio.Mul(ratio, new(big.Rat).SetInt(WAD()))
	return new(big.Int).Quo(ratio.Num(), ratio.Denom())
}

// Clone returns a deep copy of the interest model.
func (m InterestModel) Clone() InterestModel {
	return InterestModel{
		BaseRate:           cloneInt(m.BaseRate),
		Slope1:             cloneInt(m.Slope1),
		Slope2:             cloneInt(m.Slope2),
		OptimalUtilization: cloneInt(m.OptimalUtilization),
	}
}

func (m *InterestModel) ensureDefaults() {
	if m.BaseRate == nil {
		m.BaseRate = big.NewInt(0)
	}
	if m.Slope1 == nil {
		m.Slope1 = big.NewInt(0)
	}
	if m.Slope2 == nil {
		m.Slope2 = big.NewInt(0)
	}
	if m.OptimalUtilization == nil {
		m.OptimalUtilization = big.NewInt(0)
	}
}

// Validate checks that the curve is well formed: rates are non-negative and
// the optimal utilisation lies in (0, 1].
func (m InterestModel) Validate() error {
	for name, v := range map[string]*big.Int{
		"base rate": m.BaseRate,
		"slope1":    m.Slope1,
		"slope2":    m.Slope2,
	} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidRiskParams, name)
		}
		if _, err := toU256(v); err != nil {
			return fmt.Errorf("%w: %s out of range", ErrInvalidRiskParams, name)
		}
	}
	if m.OptimalUtilization == nil || m.OptimalUtilization.Sign() <= 0 || m.OptimalUtilization.Cmp(WAD()) > 0 {
		return fmt.Errorf("%w: optimal utilisation must be within (0, 1]", ErrInvalidRiskParams)
	}
	return nil
}

// Utilisation computes U = totalBorrows / totalDeposits in WAD, rounding down.
// When no liquidity exists the utilisation is defined as zero.
func Utilisation(totalBorrows, totalDeposits uint64) *big.Int {
	u, err := utilisation(totalBorrows, totalDeposits)
	if err != nil {
		return big.NewInt(0)
	}
	return u.ToBig()
}

func utilisation(totalBorrows, totalDeposits uint64) (*uint256.Int, error) {
	if totalBorrows == 0 || totalDeposits == 0 {
		return new(uint256.Int), nil
	}
	return mulDiv(uint256.NewInt(totalBorrows), wad, uint256.NewInt(totalDeposits), false)
}

// BorrowRate derives the annual borrow rate for a WAD utilisation.
func (m InterestModel) BorrowRate(util *big.Int) (*big.Int, error) {
	u, err := toU256(util)
	if err != nil {
		return nil, err
	}
	rate, err := m.borrowRate(u)
	if err != nil {
		return nil, err
	}
	return rate.ToBig(), nil
}

// DepositRate derives the annual deposit rate: borrow rate scaled by
// utilisation.
func (m InterestModel) DepositRate(util *big.Int) (*big.Int, error) {
	u, err := toU256(util)
	if err != nil {
		return nil, err
	}
	rate, err := m.depositRate(u)
	if err != nil {
		return nil, err
	}
	return rate.ToBig(), nil
}

func (m InterestModel) borrowRate(util *uint256.Int) (*uint256.Int, error) {
	base, err := toU256(m.BaseRate)
	if err != nil {
		return nil, err
	}
	slope1, err := toU256(m.Slope1)
	if err != nil {
		return nil, err
	}
	slope2, err := toU256(m.Slope2)
	if err != nil {
		return nil, err
	}
	optimal, err := toU256(m.OptimalUtilization)
	if err != nil {
		return nil, err
	}
	if util.Cmp(optimal) <= 0 {
		linear, err := mulDiv(slope1, util, wad, false)
		if err != nil {
			return nil, err
		}
		return addU(base, linear)
	}
	atKink, err := mulDiv(slope1, optimal, wad, false)
	if err != nil {
		return nil, err
	}
	excessUtil, err := subU(util, optimal)
	if err != nil {
		return nil, err
	}
	excess, err := mulDiv(slope2, excessUtil, wad, false)
	if err != nil {
		return nil, err
	}
	rate, err := addU(base, atKink)
	if err != nil {
		return nil, err
	}
	return addU(rate, excess)
}

func (m InterestModel) depositRate(util *uint256.Int) (*uint256.Int, error) {
	borrow, err := m.borrowRate(util)
	if err != nil {
		return nil, err
	}
	return mulDiv(borrow, util, wad, false)
}

// growIndex applies simple interest over elapsed seconds: index ×
// (1 + rate × elapsed / YEAR).
func growIndex(index, rate *uint256.Int, elapsed uint64, up bool) (*uint256.Int, error) {
	factor, err := mulDiv(rate, uint256.NewInt(elapsed), yearU, up)
	if err != nil {
		return nil, err
	}
	factor, err = addU(factor, wad)
	if err != nil {
		return nil, err
	}
	return mulDiv(index, factor, wad, up)
}

// Accrue brings the bank's indexes and totals forward to now. It returns false
// when no time has elapsed. The bank is only modified when every computation
// succeeds, so an ErrMathOverflow leaves it untouched.
func Accrue(bank *Bank, now uint64) (bool, error) {
	if bank == nil {
		return false, ErrNotInitialized
	}
	if now <= bank.LastUpdate {
		return false, nil
	}
	bank.ensureDefaults()
	elapsed := now - bank.LastUpdate

	util, err := utilisation(bank.TotalBorrows, bank.TotalDeposits)
	if err != nil {
		return false, err
	}
	borrowRate, err := bank.Interest.borrowRate(util)
	if err != nil {
		return false, err
	}
	depositRate, err := mulDiv(borrowRate, util, wad, false)
	if err != nil {
		return false, err
	}
	borrowIndex, err := toU256(bank.BorrowIndex)
	if err != nil {
		return false, err
	}
	depositIndex, err := toU256(bank.DepositIndex)
	if err != nil {
		return false, err
	}
	nextBorrowIndex, err := growIndex(borrowIndex, borrowRate, elapsed, true)
	if err != nil {
		return false, err
	}
	nextDepositIndex, err := growIndex(depositIndex, depositRate, elapsed, false)
	if err != nil {
		return false, err
	}
	grownBorrows, err := growIndex(uint256.NewInt(bank.TotalBorrows), borrowRate, elapsed, false)
	if err != nil {
		return false, err
	}
	if !grownBorrows.IsUint64() {
		return false, ErrMathOverflow
	}
	interest := grownBorrows.Uint64() - bank.TotalBorrows
	totalBorrows, err := addU64(bank.TotalBorrows, interest)
	if err != nil {
		return false, err
	}
	totalDeposits, err := addU64(bank.TotalDeposits, interest)
	if err != nil {
		return false, err
	}

	bank.BorrowIndex = nextBorrowIndex.ToBig()
	bank.DepositIndex = nextDepositIndex.ToBig()
	bank.TotalBorrows = totalBorrows
	bank.TotalDeposits = totalDeposits
	bank.LastUpdate = now
	return true, nil
}
