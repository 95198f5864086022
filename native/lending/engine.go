package lending

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	nativecommon "lendingledger/native/common"
)

const moduleName = "lending"

// Action names used for receipts, pause switches and metrics.
const (
	ActionInitializeUser = "initialize_user"
	ActionInitializeBank = "initialize_bank"
	ActionDeposit        = "deposit"
	ActionWithdraw       = "withdraw"
	ActionBorrow         = "borrow"
	ActionRepay          = "repay"
	ActionAccrue         = "accrue"
)

// State persists banks and positions. Getters return nil, nil when the record
// does not exist.
type State interface {
	GetBank(mint Address) (*Bank, error)
	PutBank(bank *Bank) error
	GetPosition(owner Address) (*UserPosition, error)
	PutPosition(position *UserPosition) error
}

// Oracle supplies prices. Implementations return ErrPriceNotFound when no
// record exists for the asset.
type Oracle interface {
	GetPrice(asset Address) (PriceQuote, error)
}

// Custody moves tokens between user accounts and bank vaults. Transfers from
// an account with too small a balance must fail with ErrInsufficientFunds.
type Custody interface {
	TransferIn(mint, from, vault Address, amount uint64) error
	TransferOut(mint, vault, to Address, amount uint64) error
}

// Engine orchestrates the state transitions of the lending ledger. It is not
// safe for concurrent use on shared records; callers serialise operations per
// user and per bank and provide a state that can discard writes on failure.
type Engine struct {
	state   State
	oracle  Oracle
	custody Custody
	params  Params
	pauses  nativecommon.PauseView
	clock   func() time.Time
}

// NewEngine constructs an engine using the supplied risk parameters.
func NewEngine(params Params) *Engine {
	return &Engine{params: params, clock: time.Now}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

// SetOracle configures the price source consulted by solvency checks.
func (e *Engine) SetOracle(oracle Oracle) { e.oracle = oracle }

// SetCustody configures the token mover used for deposits and payouts.
func (e *Engine) SetCustody(custody Custody) { e.custody = custody }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the wall clock used for accrual and oracle freshness.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil {
		return
	}
	if clock == nil {
		clock = time.Now
	}
	e.clock = clock
}

// Params returns the engine's risk parameters.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) now() uint64 {
	clock := e.clock
	if clock == nil {
		clock = time.Now
	}
	ts := clock().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) guard(action string) error {
	return nativecommon.GuardAction(e.pauses, moduleName, action)
}

// InitializeUser creates an empty position for owner.
func (e *Engine) InitializeUser(owner Address) (*UserPosition, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if err := e.guard(ActionInitializeUser); err != nil {
		return nil, err
	}
	existing, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: user %s", ErrAlreadyInitialized, owner)
	}
	position := &UserPosition{Owner: owner}
	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// InitializeBank creates the reserve pool for cfg.Mint with zero balances and
// unit indexes.
func (e *Engine) InitializeBank(cfg BankConfig) (*Bank, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if err := e.guard(ActionInitializeBank); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.state.GetBank(cfg.Mint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: bank %s", ErrAlreadyInitialized, cfg.Mint)
	}
	model := DefaultInterestModel
	if cfg.Interest != nil {
		model = cfg.Interest
	}
	bank := &Bank{
		Mint:                    cfg.Mint,
		Vault:                   VaultAddress(cfg.Mint),
		Decimals:                cfg.Decimals,
		TotalDepositShares:      big.NewInt(0),
		TotalBorrowShares:       big.NewInt(0),
		DepositIndex:            WAD(),
		BorrowIndex:             WAD(),
		LastUpdate:              e.now(),
		MaxLTVBps:               cfg.MaxLTVBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		Interest:                model.Clone(),
		DepositCap:              cfg.DepositCap,
		BorrowCap:               cfg.BorrowCap,
	}
	if err := e.state.PutBank(bank); err != nil {
		return nil, err
	}
	return bank.Clone(), nil
}

// operation holds the working copies of the records touched by a single
// transition. Nothing is persisted until commit.
type operation struct {
	now      uint64
	position *UserPosition
	banks    map[Address]*Bank
}

func (e *Engine) loadBank(mint Address, now uint64) (*Bank, error) {
	stored, err := e.state.GetBank(mint)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: bank %s", ErrNotInitialized, mint)
	}
	bank := stored.Clone()
	bank.ensureDefaults()
	if _, err := Accrue(bank, now); err != nil {
		return nil, err
	}
	return bank, nil
}

// begin loads the owner's position and the target bank, plus every bank the
// position references when portfolio valuation is required. Banks are
// accrued to the current time on load.
func (e *Engine) begin(owner, mint Address, portfolio bool) (*operation, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if e.custody == nil {
		return nil, errNilCustody
	}
	if mint.IsZero() {
		return nil, errZeroMint
	}
	stored, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotInitialized, owner)
	}
	op := &operation{
		now:      e.now(),
		position: stored.Clone(),
		banks:    make(map[Address]*Bank),
	}
	mints := []Address{mint}
	if portfolio {
		mints = append(mints, op.position.Mints()...)
	}
	for _, m := range mints {
		if _, ok := op.banks[m]; ok {
			continue
		}
		bank, err := e.loadBank(m, op.now)
		if err != nil {
			return nil, err
		}
		op.banks[m] = bank
	}
	return op, nil
}

func (e *Engine) commit(op *operation) error {
	mints := make([]Address, 0, len(op.banks))
	for mint := range op.banks {
		mints = append(mints, mint)
	}
	sort.Slice(mints, func(i, j int) bool { return mints[i].Compare(mints[j]) < 0 })
	for _, mint := range mints {
		if err := e.state.PutBank(op.banks[mint]); err != nil {
			return err
		}
	}
	return e.state.PutPosition(op.position)
}

func (e *Engine) evaluator(now uint64) *evaluator {
	return newEvaluator(e.oracle, e.params, now)
}

func receipt(action string, owner, mint Address, amount uint64, shares *big.Int, now uint64) *Receipt {
	return &Receipt{
		Action:    action,
		Owner:     owner,
		Mint:      mint,
		Amount:    amount,
		Shares:    cloneInt(shares),
		Timestamp: now,
	}
}

// Deposit moves amount from owner into the bank vault and credits deposit
// shares rounded down.
func (e *Engine) Deposit(owner, mint Address, amount uint64) (*Receipt, error) {
	if err := e.guard(ActionDeposit); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	op, err := e.begin(owner, mint, false)
	if err != nil {
		return nil, err
	}
	bank := op.banks[mint]
	shares, err := amountToShares(amount, bank.DepositIndex, false)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit too small to mint shares", ErrZeroAmount)
	}
	totalDeposits, err := addU64(bank.TotalDeposits, amount)
	if err != nil {
		return nil, err
	}
	if bank.DepositCap > 0 && totalDeposits > bank.DepositCap {
		return nil, ErrDepositCapExceeded
	}
	if err := e.custody.TransferIn(mint, owner, bank.Vault, amount); err != nil {
		return nil, err
	}
	bank.TotalDeposits = totalDeposits
	bank.TotalDepositShares.Add(bank.TotalDepositShares, shares)
	entry := op.position.ensureEntry(mint)
	entry.DepositShares.Add(entry.DepositShares, shares)
	if err := e.commit(op); err != nil {
		return nil, err
	}
	return receipt(ActionDeposit, owner, mint, amount, shares, op.now), nil
}

// Withdraw pays amount out of the bank vault to owner, burning deposit shares
// rounded up.
func (e *Engine) Withdraw(owner, mint Address, amount uint64) (*Receipt, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	return e.withdraw(owner, mint, amount, false)
}

// WithdrawAll withdraws the owner's full deposit balance and clears the
// deposit shares.
func (e *Engine) WithdrawAll(owner, mint Address) (*Receipt, error) {
	return e.withdraw(owner, mint, 0, true)
}

func (e *Engine) withdraw(owner, mint Address, amount uint64, all bool) (*Receipt, error) {
	if err := e.guard(ActionWithdraw); err != nil {
		return nil, err
	}
	op, err := e.begin(owner, mint, true)
	if err != nil {
		return nil, err
	}
	bank := op.banks[mint]
	entry := op.position.Entry(mint)
	var balance uint64
	if entry.hasDeposit() {
		if balance, err = sharesToAmount(entry.DepositShares, bank.DepositIndex, false); err != nil {
			return nil, err
		}
	}
	if all {
		if balance == 0 {
			return nil, fmt.Errorf("%w: no deposit to withdraw", ErrZeroAmount)
		}
		amount = balance
	}
	if amount > balance {
		return nil, ErrInsufficientFunds
	}
	if err := e.evaluator(op.now).checkWithdrawAllowed(op.position, op.banks, mint, amount); err != nil {
		return nil, err
	}
	burn := new(big.Int).Set(entry.DepositShares)
	if !all {
		if burn, err = amountToShares(amount, bank.DepositIndex, true); err != nil {
			return nil, err
		}
		if burn.Cmp(entry.DepositShares) > 0 {
			burn.Set(entry.DepositShares)
		}
	}
	if bank.AvailableLiquidity() < amount {
		return nil, ErrInsufficientLiquidity
	}
	if err := e.custody.TransferOut(mint, bank.Vault, owner, amount); err != nil {
		return nil, err
	}
	bank.TotalDeposits -= amount
	subFloor(bank.TotalDepositShares, burn)
	entry.DepositShares.Sub(entry.DepositShares, burn)
	if err := e.commit(op); err != nil {
		return nil, err
	}
	return receipt(ActionWithdraw, owner, mint, amount, burn, op.now), nil
}

// Borrow pays amount out of the bank vault against the owner's collateral and
// credits borrow shares rounded up.
func (e *Engine) Borrow(owner, mint Address, amount uint64) (*Receipt, error) {
	if err := e.guard(ActionBorrow); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	op, err := e.begin(owner, mint, true)
	if err != nil {
		return nil, err
	}
	bank := op.banks[mint]
	if bank.AvailableLiquidity() < amount {
		return nil, ErrInsufficientLiquidity
	}
	totalBorrows, err := addU64(bank.TotalBorrows, amount)
	if err != nil {
		return nil, err
	}
	if bank.BorrowCap > 0 && totalBorrows > bank.BorrowCap {
		return nil, ErrBorrowCapExceeded
	}
	if err := e.evaluator(op.now).checkBorrowAllowed(op.position, op.banks, mint, amount); err != nil {
		return nil, err
	}
	shares, err := amountToShares(amount, bank.BorrowIndex, true)
	if err != nil {
		return nil, err
	}
	if err := e.custody.TransferOut(mint, bank.Vault, owner, amount); err != nil {
		return nil, err
	}
	bank.TotalBorrows = totalBorrows
	bank.TotalBorrowShares.Add(bank.TotalBorrowShares, shares)
	entry := op.position.ensureEntry(mint)
	entry.BorrowShares.Add(entry.BorrowShares, shares)
	if err := e.commit(op); err != nil {
		return nil, err
	}
	return receipt(ActionBorrow, owner, mint, amount, shares, op.now), nil
}

// Repay moves amount from owner into the bank vault and burns borrow shares
// rounded down. Repaying exactly the outstanding debt clears every share.
// Amounts above the outstanding debt are rejected.
func (e *Engine) Repay(owner, mint Address, amount uint64) (*Receipt, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	return e.repay(owner, mint, amount, false)
}

// RepayAll repays the owner's full outstanding debt in the bank.
func (e *Engine) RepayAll(owner, mint Address) (*Receipt, error) {
	return e.repay(owner, mint, 0, true)
}

func (e *Engine) repay(owner, mint Address, amount uint64, all bool) (*Receipt, error) {
	if err := e.guard(ActionRepay); err != nil {
		return nil, err
	}
	op, err := e.begin(owner, mint, false)
	if err != nil {
		return nil, err
	}
	bank := op.banks[mint]
	entry := op.position.Entry(mint)
	var debt uint64
	if entry.hasBorrow() {
		if debt, err = sharesToAmount(entry.BorrowShares, bank.BorrowIndex, true); err != nil {
			return nil, err
		}
	}
	if all {
		if debt == 0 {
			return nil, fmt.Errorf("%w: no outstanding debt", ErrZeroAmount)
		}
		amount = debt
	}
	if amount > debt {
		return nil, fmt.Errorf("%w: repay %d, owed %d", ErrExcessRepayment, amount, debt)
	}
	burn := new(big.Int).Set(entry.BorrowShares)
	if amount < debt {
		if burn, err = amountToShares(amount, bank.BorrowIndex, false); err != nil {
			return nil, err
		}
		if burn.Cmp(entry.BorrowShares) > 0 {
			burn.Set(entry.BorrowShares)
		}
	}
	if err := e.custody.TransferIn(mint, owner, bank.Vault, amount); err != nil {
		return nil, err
	}
	if amount > bank.TotalBorrows {
		bank.TotalBorrows = 0
	} else {
		bank.TotalBorrows -= amount
	}
	subFloor(bank.TotalBorrowShares, burn)
	entry.BorrowShares.Sub(entry.BorrowShares, burn)
	if err := e.commit(op); err != nil {
		return nil, err
	}
	return receipt(ActionRepay, owner, mint, amount, burn, op.now), nil
}

// Accrue brings a bank's indexes forward to the current time and persists
// the result.
func (e *Engine) Accrue(mint Address) (*Bank, error) {
	if e.state == nil {
		return nil, errNilState
	}
	bank, err := e.loadBank(mint, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.state.PutBank(bank); err != nil {
		return nil, err
	}
	return bank.Clone(), nil
}

// Bank returns the bank accrued to the current time without persisting the
// accrual.
func (e *Engine) Bank(mint Address) (*Bank, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.loadBank(mint, e.now())
}

// Position returns a copy of the stored position.
func (e *Engine) Position(owner Address) (*UserPosition, error) {
	if e.state == nil {
		return nil, errNilState
	}
	position, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotInitialized, owner)
	}
	return position.Clone(), nil
}

// Balance is the token denominated view of a position entry at current
// indexes. Deposits round down and debt rounds up.
type Balance struct {
	Mint          Address
	DepositShares *big.Int
	BorrowShares  *big.Int
	Deposited     uint64
	Borrowed      uint64
}

// Balances converts every entry of the owner's position into token amounts.
func (e *Engine) Balances(owner Address) ([]Balance, error) {
	position, err := e.Position(owner)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]Balance, 0, len(position.Entries))
	for i := range position.Entries {
		entry := &position.Entries[i]
		bank, err := e.loadBank(entry.Mint, now)
		if err != nil {
			return nil, err
		}
		deposited, borrowed, err := entryBalances(entry, bank)
		if err != nil {
			return nil, err
		}
		out = append(out, Balance{
			Mint:          entry.Mint,
			DepositShares: cloneInt(entry.DepositShares),
			BorrowShares:  cloneInt(entry.BorrowShares),
			Deposited:     deposited,
			Borrowed:      borrowed,
		})
	}
	return out, nil
}

// Health values the owner's position against current prices.
func (e *Engine) Health(owner Address) (*HealthReport, error) {
	position, err := e.Position(owner)
	if err != nil {
		return nil, err
	}
	now := e.now()
	banks := make(map[Address]*Bank, len(position.Entries))
	for _, mint := range position.Mints() {
		bank, err := e.loadBank(mint, now)
		if err != nil {
			return nil, err
		}
		banks[mint] = bank
	}
	s, err := e.evaluator(now).evaluate(position, banks, adjustment{})
	if err != nil {
		return nil, err
	}
	borrowLimit, err := s.borrowLimit()
	if err != nil {
		return nil, err
	}
	liquidationLimit, err := s.liquidationLimit()
	if err != nil {
		return nil, err
	}
	return &HealthReport{
		Owner:                   owner,
		CollateralValue:         s.collateral.ToBig(),
		DebtValue:               s.debt.ToBig(),
		BorrowLimit:             borrowLimit.ToBig(),
		LiquidationLimit:        liquidationLimit.ToBig(),
		MaxLTVBps:               s.maxLTV,
		LiquidationThresholdBps: s.liqThreshold,
		Liquidatable:            !s.debt.IsZero() && s.debt.Cmp(liquidationLimit) > 0,
		Assets:                  s.assets,
		Timestamp:               now,
	}, nil
}

// CheckLiquidation reports whether the owner's debt exceeds collateral scaled
// by the liquidation threshold. Execution of liquidations is left to callers.
func (e *Engine) CheckLiquidation(owner Address) (bool, error) {
	report, err := e.Health(owner)
	if err != nil {
		return false, err
	}
	return report.Liquidatable, nil
}

func subFloor(total, delta *big.Int) {
	total.Sub(total, delta)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
}
