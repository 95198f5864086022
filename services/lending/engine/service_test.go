package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendingledger/core/state"
	nativecommon "lendingledger/native/common"
	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/storage"
)

const (
	usdcUnit = uint64(1_000_000)
	solUnit  = uint64(1_000_000_000)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	clock *testClock
	feeds *oracle.Store
	usdc  lending.Address
	sol   lending.Address
	alice lending.Address
	bob   lending.Address
}

func addr(tag byte) lending.Address {
	var a lending.Address
	a[0] = tag
	a[31] = tag
	return a
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemDB(), opts...)
}

func newFixtureOn(t *testing.T, db storage.Database, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feeds := oracle.NewStore(time.Minute)
	feeds.SetClock(clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(state.NewManager(db), feeds, lending.DefaultParams(), opts...)
	require.NoError(t, err)

	f := &fixture{svc: svc, clock: clock, feeds: feeds, usdc: addr(1), sol: addr(2), alice: addr(10), bob: addr(11)}
	ctx := context.Background()
	for _, cfg := range []lending.BankConfig{
		{Mint: f.usdc, Decimals: 6, MaxLTVBps: 8000, LiquidationThresholdBps: 8500},
		{Mint: f.sol, Decimals: 9, MaxLTVBps: 8000, LiquidationThresholdBps: 8500},
	} {
		_, err := svc.InitializeBank(ctx, cfg)
		require.NoError(t, err)
	}
	f.publish(t, 100_000_000, 17_000_000_000)
	for _, user := range []lending.Address{f.alice, f.bob} {
		_, err := svc.InitializeUser(ctx, user)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) publish(t *testing.T, usdcPrice, solPrice int64) {
	t.Helper()
	ts := f.clock.Now().Unix()
	ctx := context.Background()
	require.NoError(t, f.svc.PublishPrice(ctx, f.usdc, lending.PriceQuote{Price: usdcPrice, Expo: -8, PublishTime: ts}))
	require.NoError(t, f.svc.PublishPrice(ctx, f.sol, lending.PriceQuote{Price: solPrice, Expo: -8, PublishTime: ts}))
}

// fund credits both users and seeds the SOL bank with bob's liquidity and
// alice's USDC collateral.
func (f *fixture) fund(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Credit(ctx, f.sol, f.bob, 100*solUnit)
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, f.usdc, f.alice, 10_000*usdcUnit)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, f.bob, f.sol, 100*solUnit)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, f.alice, f.usdc, 10_000*usdcUnit)
	require.NoError(t, err)
}

func TestServiceLendingFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, f.alice, f.sol, 50*solUnit)
	require.ErrorIs(t, err, lending.ErrInsufficientCollateral)

	receipt, err := f.svc.Borrow(ctx, f.alice, f.sol, 47*solUnit)
	require.NoError(t, err)
	require.Equal(t, lending.ActionBorrow, receipt.Action)
	require.Equal(t, 47*solUnit, receipt.Amount)

	balance, err := f.svc.Balance(ctx, f.sol, f.alice)
	require.NoError(t, err)
	require.Equal(t, 47*solUnit, balance)

	health, err := f.svc.GetHealth(ctx, f.alice)
	require.NoError(t, err)
	require.False(t, health.Liquidatable)
	require.Equal(t, uint64(8000), health.MaxLTVBps)

	position, err := f.svc.GetPosition(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, position.Balances, 2)
	for _, b := range position.Balances {
		switch b.Mint {
		case f.usdc:
			require.Equal(t, 10_000*usdcUnit, b.Deposited)
		case f.sol:
			require.Equal(t, 47*solUnit, b.Borrowed)
		}
	}

	bank, err := f.svc.GetBank(ctx, f.sol)
	require.NoError(t, err)
	require.Equal(t, 100*solUnit, bank.TotalDeposits)
	require.Equal(t, 47*solUnit, bank.TotalBorrows)

	_, err = f.svc.Withdraw(ctx, f.alice, f.usdc, 10_000*usdcUnit)
	require.ErrorIs(t, err, lending.ErrInsufficientCollateral)

	_, err = f.svc.RepayAll(ctx, f.alice, f.sol)
	require.NoError(t, err)
	receipt, err = f.svc.WithdrawAll(ctx, f.alice, f.usdc)
	require.NoError(t, err)
	require.Equal(t, 10_000*usdcUnit, receipt.Amount)

	balance, err = f.svc.Balance(ctx, f.usdc, f.alice)
	require.NoError(t, err)
	require.Equal(t, 10_000*usdcUnit, balance)
	balance, err = f.svc.Balance(ctx, f.sol, lending.VaultAddress(f.sol))
	require.NoError(t, err)
	require.Equal(t, 100*solUnit, balance)

	banks, err := f.svc.ListBanks(ctx)
	require.NoError(t, err)
	require.Len(t, banks, 2)
	require.Equal(t, 0, f.svc.locks.size())
}

func TestServiceDiscardsFailedTransition(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, f.alice, f.sol, 101*solUnit)
	require.Error(t, err)

	bank, err := f.svc.GetBank(ctx, f.sol)
	require.NoError(t, err)
	require.Zero(t, bank.TotalBorrows)
	balance, err := f.svc.Balance(ctx, f.sol, f.alice)
	require.NoError(t, err)
	require.Zero(t, balance)

	_, err = f.svc.Repay(ctx, f.bob, f.sol, 1)
	require.ErrorIs(t, err, lending.ErrExcessRepayment)
	_, err = f.svc.Deposit(ctx, addr(99), f.sol, 1)
	require.ErrorIs(t, err, lending.ErrNotInitialized)
	_, err = f.svc.InitializeUser(ctx, f.alice)
	require.ErrorIs(t, err, lending.ErrAlreadyInitialized)
}

func TestServiceStaleOracle(t *testing.T) {
	f := newFixture(t)
	f.fund(t)
	ctx := context.Background()

	f.clock.Advance(101 * time.Second)
	_, err := f.svc.Borrow(ctx, f.alice, f.sol, solUnit)
	require.ErrorIs(t, err, lending.ErrStaleOracle)
	require.True(t, IsTransient(err))
	require.Equal(t, "stale_oracle", Code(err))

	f.publish(t, 100_000_000, 17_000_000_000)
	_, err = f.svc.Borrow(ctx, f.alice, f.sol, solUnit)
	require.NoError(t, err)

	_, err = f.svc.Accrue(ctx, f.sol)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	before, err := f.svc.GetBank(ctx, f.sol)
	require.NoError(t, err)
	accrued, err := f.svc.Accrue(ctx, f.sol)
	require.NoError(t, err)
	require.Zero(t, before.BorrowIndex.Cmp(accrued.BorrowIndex))
	require.Equal(t, 1, accrued.BorrowIndex.Cmp(lending.WAD()))
}

func TestServiceOutflowQuota(t *testing.T) {
	f := newFixture(t, WithOutflowQuota(nativecommon.Quota{MaxAmountPerEpoch: 10 * solUnit, EpochSeconds: 3600}))
	f.fund(t)
	ctx := context.Background()

	_, err := f.svc.Borrow(ctx, f.alice, f.sol, 6*solUnit)
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, f.alice, f.sol, 5*solUnit)
	require.ErrorIs(t, err, nativecommon.ErrQuotaAmountExceeded)
	require.Equal(t, "quota_exceeded", Code(err))

	bank, err := f.svc.GetBank(ctx, f.sol)
	require.NoError(t, err)
	require.Equal(t, 6*solUnit, bank.TotalBorrows)

	_, err = f.svc.Repay(ctx, f.alice, f.sol, 5*solUnit)
	require.NoError(t, err, "inflows are not charged")

	f.clock.Advance(time.Hour)
	f.publish(t, 100_000_000, 17_000_000_000)
	_, err = f.svc.Borrow(ctx, f.alice, f.sol, 5*solUnit)
	require.NoError(t, err)
}

// flakyDB fails batch writes while failing is set.
type flakyDB struct {
	*storage.MemDB
	failing atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (db *flakyDB) NewBatch() storage.Batch {
	return &flakyBatch{Batch: db.MemDB.NewBatch(), db: db}
}

type flakyBatch struct {
	storage.Batch
	db *flakyDB
}

func (b *flakyBatch) Write() error {
	if b.db.failing.Load() {
		return errDiskFull
	}
	return b.Batch.Write()
}

func TestServiceOutflowQuotaRefundedOnCommitFailure(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB()}
	f := newFixtureOn(t, db, WithOutflowQuota(nativecommon.Quota{MaxRequestsPerEpoch: 1, MaxAmountPerEpoch: 10 * solUnit, EpochSeconds: 3600}))
	f.fund(t)
	ctx := context.Background()
	key := f.alice.String() + "/" + f.sol.String()

	db.failing.Store(true)
	_, err := f.svc.Borrow(ctx, f.alice, f.sol, 10*solUnit)
	require.ErrorIs(t, err, errDiskFull)
	require.Equal(t, nativecommon.QuotaNow{}, f.svc.quota.Usage(key))

	bank, err := f.svc.GetBank(ctx, f.sol)
	require.NoError(t, err)
	require.Zero(t, bank.TotalBorrows)

	db.failing.Store(false)
	receipt, err := f.svc.Borrow(ctx, f.alice, f.sol, 10*solUnit)
	require.NoError(t, err, "a failed commit must not use up the epoch allowance")
	require.Equal(t, 10*solUnit, receipt.Amount)
	usage := f.svc.quota.Usage(key)
	require.Equal(t, uint32(1), usage.ReqCount)
	require.Equal(t, 10*solUnit, usage.AmountUsed)
}

func TestServicePauses(t *testing.T) {
	pauses := nativecommon.NewPauses()
	f := newFixture(t, WithPauses(pauses))
	f.fund(t)
	ctx := context.Background()

	pauses.Set("lending.borrow", true)
	_, err := f.svc.Borrow(ctx, f.alice, f.sol, solUnit)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.Equal(t, "paused", Code(err))

	_, err = f.svc.Repay(ctx, f.alice, f.sol, 0)
	require.ErrorIs(t, err, lending.ErrZeroAmount)

	pauses.Set("lending.borrow", false)
	_, err = f.svc.Borrow(ctx, f.alice, f.sol, solUnit)
	require.NoError(t, err)
}

func TestServiceConcurrentDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 16
	users := make([]lending.Address, workers)
	for i := range users {
		users[i] = addr(byte(100 + i))
		_, err := f.svc.InitializeUser(ctx, users[i])
		require.NoError(t, err)
		_, err = f.svc.Credit(ctx, f.usdc, users[i], 10*usdcUnit)
		require.NoError(t, err)
	}
	_, err := f.svc.Credit(ctx, f.usdc, f.alice, workers*usdcUnit)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(user lending.Address) {
			defer wg.Done()
			if _, err := f.svc.Deposit(ctx, user, f.usdc, 10*usdcUnit); err != nil {
				errs <- fmt.Errorf("deposit %s: %w", user, err)
			}
		}(users[i])
		go func() {
			defer wg.Done()
			if _, err := f.svc.Deposit(ctx, f.alice, f.usdc, usdcUnit); err != nil {
				errs <- fmt.Errorf("deposit alice: %w", err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bank, err := f.svc.GetBank(ctx, f.usdc)
	require.NoError(t, err)
	require.Equal(t, workers*11*usdcUnit, bank.TotalDeposits)
	vault, err := f.svc.Balance(ctx, f.usdc, lending.VaultAddress(f.usdc))
	require.NoError(t, err)
	require.Equal(t, bank.TotalDeposits, vault)

	position, err := f.svc.GetPosition(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, position.Balances, 1)
	require.Equal(t, workers*usdcUnit, position.Balances[0].Deposited)
	require.Equal(t, 0, f.svc.locks.size())
}

func TestServiceConcurrentBankInitialisation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(mint lending.Address) {
			defer wg.Done()
			cfg := lending.BankConfig{Mint: mint, Decimals: 6, MaxLTVBps: 7500, LiquidationThresholdBps: 8000}
			if _, err := f.svc.InitializeBank(ctx, cfg); err != nil {
				errs <- fmt.Errorf("initialize %s: %w", mint, err)
			}
		}(addr(byte(200 + i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	banks, err := f.svc.ListBanks(ctx)
	require.NoError(t, err)
	require.Len(t, banks, workers+2)
	for i := 1; i < len(banks); i++ {
		require.Negative(t, banks[i-1].Mint.Compare(banks[i].Mint))
	}
	require.Equal(t, 0, f.svc.locks.size())
}

func TestServicePositionReadsDuringDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const deposits = 20
	_, err := f.svc.Credit(ctx, f.usdc, f.alice, deposits*usdcUnit)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2*deposits)
	for i := 0; i < deposits; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Deposit(ctx, f.alice, f.usdc, usdcUnit); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			position, err := f.svc.GetPosition(ctx, f.alice)
			if err != nil {
				errs <- err
				return
			}
			for _, balance := range position.Balances {
				if balance.Deposited%usdcUnit != 0 || balance.Deposited > deposits*usdcUnit {
					errs <- fmt.Errorf("torn position read: %+v", balance)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	position, err := f.svc.GetPosition(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, position.Balances, 1)
	require.Equal(t, deposits*usdcUnit, position.Balances[0].Deposited)
	require.Equal(t, 0, f.svc.locks.size())
}

func TestServiceCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Deposit(ctx, f.alice, f.usdc, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "canceled", Code(err))

	_, err = f.svc.Deposit(context.Background(), lending.Address{}, f.usdc, 1)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, "invalid_argument", Code(err))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, oracle.NewStore(time.Minute), lending.DefaultParams())
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = NewService(state.NewManager(storage.NewMemDB()), nil, lending.DefaultParams())
	require.ErrorIs(t, err, ErrUnavailable)
}
