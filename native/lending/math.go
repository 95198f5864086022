package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

const (
	basisPoints = 10_000
	// SecondsPerYear is the accrual year used to scale annual rates.
	SecondsPerYear = 31_536_000
	wadDecimals    = 18
)

var (
	wad    = uint256.NewInt(1_000_000_000_000_000_000)
	bpsU   = uint256.NewInt(basisPoints)
	yearU  = uint256.NewInt(SecondsPerYear)
	oneU   = uint256.NewInt(1)
	pow10s [78]*uint256.Int
)

func init() {
	pow10s[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10s); i++ {
		pow10s[i] = new(uint256.Int).Mul(pow10s[i-1], ten)
	}
}

// WAD returns 1e18, the fixed point unit used for indexes and rates.
func WAD() *big.Int { return wad.ToBig() }

func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func pow10(n int) (*uint256.Int, error) {
	if n < 0 || n >= len(pow10s) {
		return nil, ErrMathOverflow
	}
	return pow10s[n], nil
}

// mulDiv computes x*y/d with a 512 bit intermediate, rounding up when up is
// set.
func mulDiv(x, y, d *uint256.Int, up bool) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrMathOverflow
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrMathOverflow
	}
	if up && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow = z.AddOverflow(z, oneU); overflow {
			return nil, ErrMathOverflow
		}
	}
	return z, nil
}

func mulU(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func addU(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func subU(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func addU64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

// amountToShares converts a token amount into shares at the given index.
func amountToShares(amount uint64, index *big.Int, up bool) (*big.Int, error) {
	idx, err := toU256(index)
	if err != nil {
		return nil, err
	}
	shares, err := mulDiv(uint256.NewInt(amount), wad, idx, up)
	if err != nil {
		return nil, err
	}
	return shares.ToBig(), nil
}

// sharesToAmount converts shares into a token amount at the given index.
func sharesToAmount(shares, index *big.Int, up bool) (uint64, error) {
	s, err := toU256(shares)
	if err != nil {
		return 0, err
	}
	idx, err := toU256(index)
	if err != nil {
		return 0, err
	}
	amount, err := mulDiv(s, idx, wad, up)
	if err != nil {
		return 0, err
	}
	if !amount.IsUint64() {
		return 0, ErrMathOverflow
	}
	return amount.Uint64(), nil
}
