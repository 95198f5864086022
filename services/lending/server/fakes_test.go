package server

import (
	"context"

	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/services/lending/engine"
)

type moveFn func(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error)

type fakeEngine struct {
	initUserFn    func(ctx context.Context, owner lending.Address) (*lending.UserPosition, error)
	initBankFn    func(ctx context.Context, cfg lending.BankConfig) (*lending.Bank, error)
	depositFn     moveFn
	withdrawFn    moveFn
	withdrawAllFn func(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error)
	borrowFn      moveFn
	repayFn       moveFn
	repayAllFn    func(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error)
	getBankFn     func(ctx context.Context, mint lending.Address) (*lending.Bank, error)
	listBanksFn   func(ctx context.Context) ([]*lending.Bank, error)
	getPositionFn func(ctx context.Context, owner lending.Address) (engine.Position, error)
	getHealthFn   func(ctx context.Context, owner lending.Address) (*lending.HealthReport, error)
	publishFn     func(ctx context.Context, asset lending.Address, quote lending.PriceQuote) error
	pricesFn      func(ctx context.Context) ([]oracle.FeedHealth, error)
}

var _ engine.Engine = (*fakeEngine)(nil)

func stubReceipt(action string, owner, mint lending.Address, amount uint64) *lending.Receipt {
	return &lending.Receipt{Action: action, Owner: owner, Mint: mint, Amount: amount}
}

func (f *fakeEngine) InitializeUser(ctx context.Context, owner lending.Address) (*lending.UserPosition, error) {
	if f != nil && f.initUserFn != nil {
		return f.initUserFn(ctx, owner)
	}
	return &lending.UserPosition{Owner: owner}, nil
}

func (f *fakeEngine) InitializeBank(ctx context.Context, cfg lending.BankConfig) (*lending.Bank, error) {
	if f != nil && f.initBankFn != nil {
		return f.initBankFn(ctx, cfg)
	}
	return &lending.Bank{Mint: cfg.Mint, Decimals: cfg.Decimals}, nil
}

func (f *fakeEngine) Deposit(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	if f != nil && f.depositFn != nil {
		return f.depositFn(ctx, owner, mint, amount)
	}
	return stubReceipt(lending.ActionDeposit, owner, mint, amount), nil
}

func (f *fakeEngine) Withdraw(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	if f != nil && f.withdrawFn != nil {
		return f.withdrawFn(ctx, owner, mint, amount)
	}
	return stubReceipt(lending.ActionWithdraw, owner, mint, amount), nil
}

func (f *fakeEngine) WithdrawAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error) {
	if f != nil && f.withdrawAllFn != nil {
		return f.withdrawAllFn(ctx, owner, mint)
	}
	return stubReceipt(lending.ActionWithdraw, owner, mint, 0), nil
}

func (f *fakeEngine) Borrow(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	if f != nil && f.borrowFn != nil {
		return f.borrowFn(ctx, owner, mint, amount)
	}
	return stubReceipt(lending.ActionBorrow, owner, mint, amount), nil
}

func (f *fakeEngine) Repay(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error) {
	if f != nil && f.repayFn != nil {
		return f.repayFn(ctx, owner, mint, amount)
	}
	return stubReceipt(lending.ActionRepay, owner, mint, amount), nil
}

func (f *fakeEngine) RepayAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error) {
	if f != nil && f.repayAllFn != nil {
		return f.repayAllFn(ctx, owner, mint)
	}
	return stubReceipt(lending.ActionRepay, owner, mint, 0), nil
}

func (f *fakeEngine) Accrue(ctx context.Context, mint lending.Address) (*lending.Bank, error) {
	return f.GetBank(ctx, mint)
}

func (f *fakeEngine) GetBank(ctx context.Context, mint lending.Address) (*lending.Bank, error) {
	if f != nil && f.getBankFn != nil {
		return f.getBankFn(ctx, mint)
	}
	return &lending.Bank{Mint: mint}, nil
}

func (f *fakeEngine) ListBanks(ctx context.Context) ([]*lending.Bank, error) {
	if f != nil && f.listBanksFn != nil {
		return f.listBanksFn(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) GetPosition(ctx context.Context, owner lending.Address) (engine.Position, error) {
	if f != nil && f.getPositionFn != nil {
		return f.getPositionFn(ctx, owner)
	}
	return engine.Position{Position: &lending.UserPosition{Owner: owner}}, nil
}

func (f *fakeEngine) GetHealth(ctx context.Context, owner lending.Address) (*lending.HealthReport, error) {
	if f != nil && f.getHealthFn != nil {
		return f.getHealthFn(ctx, owner)
	}
	return &lending.HealthReport{Owner: owner}, nil
}

func (f *fakeEngine) PublishPrice(ctx context.Context, asset lending.Address, quote lending.PriceQuote) error {
	if f != nil && f.publishFn != nil {
		return f.publishFn(ctx, asset, quote)
	}
	return nil
}

func (f *fakeEngine) Prices(ctx context.Context) ([]oracle.FeedHealth, error) {
	if f != nil && f.pricesFn != nil {
		return f.pricesFn(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) Credit(_ context.Context, _, _ lending.Address, amount uint64) (uint64, error) {
	return amount, nil
}

func (f *fakeEngine) Balance(context.Context, lending.Address, lending.Address) (uint64, error) {
	return 0, nil
}
