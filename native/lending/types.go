package lending

import (
	"math/big"
	"sort"
)

// Bank captures the reserve pool for a single asset. Token amounts are
// expressed in the mint's base units; share supplies and indexes use WAD
// precision and are stored as big integers for RLP persistence.
type Bank struct {
	Mint Address
	// Vault is the custody account holding the pool's liquidity.
	Vault    Address
	Decimals uint8
	// TotalDeposits tracks deposited liquidity including interest credited
	// to lenders.
	TotalDeposits uint64
	// TotalBorrows tracks outstanding debt including accrued interest.
	TotalBorrows       uint64
	TotalDepositShares *big.Int
	TotalBorrowShares  *big.Int
	// DepositIndex converts deposit shares into token amounts.
	DepositIndex *big.Int
	// BorrowIndex converts borrow shares into token amounts.
	BorrowIndex *big.Int
	// LastUpdate is the unix timestamp of the last accrual.
	LastUpdate uint64
	// MaxLTVBps bounds new borrows against collateral, in basis points.
	MaxLTVBps uint64
	// LiquidationThresholdBps is the LTV above which a position becomes
	// eligible for liquidation, in basis points.
	LiquidationThresholdBps uint64
	Interest                InterestModel
	// DepositCap and BorrowCap bound pool totals. Zero disables the cap.
	DepositCap uint64
	BorrowCap  uint64
}

// Clone returns a deep copy of the bank record.
func (b *Bank) Clone() *Bank {
	if b == nil {
		return nil
	}
	clone := *b
	clone.TotalDepositShares = cloneInt(b.TotalDepositShares)
	clone.TotalBorrowShares = cloneInt(b.TotalBorrowShares)
	clone.DepositIndex = cloneInt(b.DepositIndex)
	clone.BorrowIndex = cloneInt(b.BorrowIndex)
	clone.Interest = b.Interest.Clone()
	return &clone
}

// AvailableLiquidity reports the tokens held by the vault that are not lent
// out.
func (b *Bank) AvailableLiquidity() uint64 {
	if b == nil || b.TotalBorrows >= b.TotalDeposits {
		return 0
	}
	return b.TotalDeposits - b.TotalBorrows
}

func (b *Bank) ensureDefaults() {
	if b.TotalDepositShares == nil {
		b.TotalDepositShares = big.NewInt(0)
	}
	if b.TotalBorrowShares == nil {
		b.TotalBorrowShares = big.NewInt(0)
	}
	if b.DepositIndex == nil || b.DepositIndex.Sign() == 0 {
		b.DepositIndex = WAD()
	}
	if b.BorrowIndex == nil || b.BorrowIndex.Sign() == 0 {
		b.BorrowIndex = WAD()
	}
	b.Interest.ensureDefaults()
}

// PositionEntry stores a user's shares in a single bank.
type PositionEntry struct {
	Mint          Address
	DepositShares *big.Int
	BorrowShares  *big.Int
}

func (e *PositionEntry) hasDeposit() bool {
	return e != nil && e.DepositShares != nil && e.DepositShares.Sign() > 0
}

func (e *PositionEntry) hasBorrow() bool {
	return e != nil && e.BorrowShares != nil && e.BorrowShares.Sign() > 0
}

// UserPosition is the per-owner ledger. Entries are kept sorted by mint and
// are never removed once created.
type UserPosition struct {
	Owner   Address
	Entries []PositionEntry
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	clone := &UserPosition{Owner: p.Owner}
	if len(p.Entries) > 0 {
		clone.Entries = make([]PositionEntry, len(p.Entries))
		for i, entry := range p.Entries {
			clone.Entries[i] = PositionEntry{
				Mint:          entry.Mint,
				DepositShares: cloneInt(entry.DepositShares),
				BorrowShares:  cloneInt(entry.BorrowShares),
			}
		}
	}
	return clone
}

// Entry returns the entry for mint or nil when the user never touched the
// bank.
func (p *UserPosition) Entry(mint Address) *PositionEntry {
	if p == nil {
		return nil
	}
	idx := sort.Search(len(p.Entries), func(i int) bool {
		return p.Entries[i].Mint.Compare(mint) >= 0
	})
	if idx < len(p.Entries) && p.Entries[idx].Mint == mint {
		return &p.Entries[idx]
	}
	return nil
}

func (p *UserPosition) ensureEntry(mint Address) *PositionEntry {
	idx := sort.Search(len(p.Entries), func(i int) bool {
		return p.Entries[i].Mint.Compare(mint) >= 0
	})
	if idx < len(p.Entries) && p.Entries[idx].Mint == mint {
		entry := &p.Entries[idx]
		if entry.DepositShares == nil {
			entry.DepositShares = big.NewInt(0)
		}
		if entry.BorrowShares == nil {
			entry.BorrowShares = big.NewInt(0)
		}
		return entry
	}
	p.Entries = append(p.Entries, PositionEntry{})
	copy(p.Entries[idx+1:], p.Entries[idx:])
	p.Entries[idx] = PositionEntry{
		Mint:          mint,
		DepositShares: big.NewInt(0),
		BorrowShares:  big.NewInt(0),
	}
	return &p.Entries[idx]
}

// Mints lists the banks referenced by the position in ascending order.
func (p *UserPosition) Mints() []Address {
	if p == nil {
		return nil
	}
	mints := make([]Address, 0, len(p.Entries))
	for _, entry := range p.Entries {
		mints = append(mints, entry.Mint)
	}
	return mints
}

// HasDebt reports whether any entry carries borrow shares.
func (p *UserPosition) HasDebt() bool {
	if p == nil {
		return false
	}
	for i := range p.Entries {
		if p.Entries[i].hasBorrow() {
			return true
		}
	}
	return false
}

// PriceQuote mirrors a Pyth style price update: the price is Price × 10^Expo
// units of quote currency, with Conf expressed in the same scale.
type PriceQuote struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64
}

// BankConfig carries the parameters accepted by InitializeBank.
type BankConfig struct {
	Mint                    Address
	Decimals                uint8
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	// Interest overrides DefaultInterestModel when non-nil.
	Interest   *InterestModel
	DepositCap uint64
	BorrowCap  uint64
}

// Receipt summarises an applied ledger operation.
type Receipt struct {
	Action    string
	Owner     Address
	Mint      Address
	Amount    uint64
	Shares    *big.Int
	Timestamp uint64
}

// AssetHealth is the per-bank breakdown in a HealthReport.
type AssetHealth struct {
	Mint            Address
	Deposited       uint64
	Borrowed        uint64
	CollateralValue *big.Int
	DebtValue       *big.Int
}

// HealthReport describes a user's solvency. Values are WAD scaled amounts of
// the quote currency.
type HealthReport struct {
	Owner                   Address
	CollateralValue         *big.Int
	DebtValue               *big.Int
	BorrowLimit             *big.Int
	LiquidationLimit        *big.Int
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	Liquidatable            bool
	Assets                  []AssetHealth
	Timestamp               uint64
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
