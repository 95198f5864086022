package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// adjustment describes a hypothetical withdraw or borrow evaluated on top of
// the stored position.
type adjustment struct {
	mint     Address
	withdraw uint64
	borrow   uint64
}

type solvency struct {
	collateral    *uint256.Int
	debt          *uint256.Int
	maxLTV        uint64
	liqThreshold  uint64
	hasCollateral bool
	assets        []AssetHealth
}

func (s *solvency) borrowLimit() (*uint256.Int, error) {
	return mulDiv(s.collateral, uint256.NewInt(s.maxLTV), bpsU, false)
}

func (s *solvency) liquidationLimit() (*uint256.Int, error) {
	return mulDiv(s.collateral, uint256.NewInt(s.liqThreshold), bpsU, false)
}

// evaluator prices positions against the oracle. Quotes are cached for the
// lifetime of a single operation so every asset is priced once.
type evaluator struct {
	oracle Oracle
	params Params
	now    uint64
	prices map[Address]PriceQuote
}

func newEvaluator(oracle Oracle, params Params, now uint64) *evaluator {
	return &evaluator{oracle: oracle, params: params, now: now, prices: make(map[Address]PriceQuote)}
}

// priceOf fetches a quote and rejects it when missing, non-positive, stale or
// too uncertain.
func (e *evaluator) priceOf(mint Address) (PriceQuote, error) {
	if quote, ok := e.prices[mint]; ok {
		return quote, nil
	}
	if e.oracle == nil {
		return PriceQuote{}, errNilOracle
	}
	quote, err := e.oracle.GetPrice(mint)
	if err != nil {
		if errors.Is(err, ErrPriceNotFound) {
			return PriceQuote{}, fmt.Errorf("%w: no price for %s", ErrOracleUnavailable, mint)
		}
		return PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, mint, err)
	}
	if quote.Price <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: non-positive price for %s", ErrOracleUnavailable, mint)
	}
	if quote.PublishTime < 0 {
		return PriceQuote{}, fmt.Errorf("%w: invalid publish time for %s", ErrOracleUnavailable, mint)
	}
	published := uint64(quote.PublishTime)
	if e.now > published && e.now-published > e.params.oracleMaxAge() {
		return PriceQuote{}, fmt.Errorf("%w: %s published %ds ago", ErrStaleOracle, mint, e.now-published)
	}
	if e.params.MaxConfidenceBps > 0 {
		// conf / price > maxBps / 10000
		lhs := new(big.Int).Mul(new(big.Int).SetUint64(quote.Conf), big.NewInt(basisPoints))
		rhs := new(big.Int).Mul(big.NewInt(quote.Price), new(big.Int).SetUint64(e.params.MaxConfidenceBps))
		if lhs.Cmp(rhs) > 0 {
			return PriceQuote{}, fmt.Errorf("%w: confidence interval too wide for %s", ErrOracleUnavailable, mint)
		}
	}
	e.prices[mint] = quote
	return quote, nil
}

// value converts a token amount into WAD scaled quote currency:
// amount × price × 10^(18 + expo - decimals).
func (e *evaluator) value(bank *Bank, amount uint64, up bool) (*uint256.Int, error) {
	if amount == 0 {
		return new(uint256.Int), nil
	}
	quote, err := e.priceOf(bank.Mint)
	if err != nil {
		return nil, err
	}
	raw, err := mulU(uint256.NewInt(amount), uint256.NewInt(uint64(quote.Price)))
	if err != nil {
		return nil, err
	}
	exp := wadDecimals + int(quote.Expo) - int(bank.Decimals)
	if exp >= 0 {
		scale, err := pow10(exp)
		if err != nil {
			return nil, err
		}
		return mulU(raw, scale)
	}
	scale, err := pow10(-exp)
	if err != nil {
		// The divisor exceeds any representable product.
		if up {
			return new(uint256.Int).Set(oneU), nil
		}
		return new(uint256.Int), nil
	}
	return mulDiv(raw, oneU, scale, up)
}

// evaluate values the position with adj applied. banks must contain every
// bank referenced by the position and the adjustment, already accrued.
func (e *evaluator) evaluate(pos *UserPosition, banks map[Address]*Bank, adj adjustment) (*solvency, error) {
	out := &solvency{
		collateral: new(uint256.Int),
		debt:       new(uint256.Int),
	}
	mints := pos.Mints()
	if !adj.mint.IsZero() && pos.Entry(adj.mint) == nil {
		mints = append(mints, adj.mint)
	}
	for _, mint := range mints {
		bank, ok := banks[mint]
		if !ok || bank == nil {
			return nil, fmt.Errorf("%w: bank %s", ErrNotInitialized, mint)
		}
		entry := pos.Entry(mint)
		deposited, borrowed, err := entryBalances(entry, bank)
		if err != nil {
			return nil, err
		}
		if mint == adj.mint {
			if adj.withdraw > deposited {
				return nil, ErrInsufficientFunds
			}
			deposited -= adj.withdraw
			if borrowed, err = addU64(borrowed, adj.borrow); err != nil {
				return nil, err
			}
		}
		if deposited == 0 && borrowed == 0 {
			continue
		}
		collateral, err := e.value(bank, deposited, false)
		if err != nil {
			return nil, err
		}
		debt, err := e.value(bank, borrowed, true)
		if err != nil {
			return nil, err
		}
		if out.collateral, err = addU(out.collateral, collateral); err != nil {
			return nil, err
		}
		if out.debt, err = addU(out.debt, debt); err != nil {
			return nil, err
		}
		if deposited > 0 {
			if !out.hasCollateral || bank.MaxLTVBps < out.maxLTV {
				out.maxLTV = bank.MaxLTVBps
			}
			if !out.hasCollateral || bank.LiquidationThresholdBps < out.liqThreshold {
				out.liqThreshold = bank.LiquidationThresholdBps
			}
			out.hasCollateral = true
		}
		out.assets = append(out.assets, AssetHealth{
			Mint:            mint,
			Deposited:       deposited,
			Borrowed:        borrowed,
			CollateralValue: collateral.ToBig(),
			DebtValue:       debt.ToBig(),
		})
	}
	return out, nil
}

// checkBorrowAllowed verifies debt + value(amount) <= collateral × maxLTV.
func (e *evaluator) checkBorrowAllowed(pos *UserPosition, banks map[Address]*Bank, mint Address, amount uint64) error {
	s, err := e.evaluate(pos, banks, adjustment{mint: mint, borrow: amount})
	if err != nil {
		return err
	}
	return requireWithinLimit(s)
}

// checkWithdrawAllowed re-evaluates the position with the requested collateral
// removed. Positions without debt never consult the oracle.
func (e *evaluator) checkWithdrawAllowed(pos *UserPosition, banks map[Address]*Bank, mint Address, amount uint64) error {
	if !pos.HasDebt() {
		return nil
	}
	s, err := e.evaluate(pos, banks, adjustment{mint: mint, withdraw: amount})
	if err != nil {
		return err
	}
	return requireWithinLimit(s)
}

func requireWithinLimit(s *solvency) error {
	if s.debt.IsZero() {
		return nil
	}
	limit, err := s.borrowLimit()
	if err != nil {
		return err
	}
	if s.debt.Cmp(limit) > 0 {
		return ErrInsufficientCollateral
	}
	return nil
}

func entryBalances(entry *PositionEntry, bank *Bank) (deposited, borrowed uint64, err error) {
	if entry == nil {
		return 0, 0, nil
	}
	if entry.hasDeposit() {
		if deposited, err = sharesToAmount(entry.DepositShares, bank.DepositIndex, false); err != nil {
			return 0, 0, err
		}
	}
	if entry.hasBorrow() {
		if borrowed, err = sharesToAmount(entry.BorrowShares, bank.BorrowIndex, true); err != nil {
			return 0, 0, err
		}
	}
	return deposited, borrowed, nil
}
