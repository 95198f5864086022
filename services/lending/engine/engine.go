package engine

import (
	"context"

	"lendingledger/native/lending"
	"lendingledger/native/oracle"
)

// Engine describes the operations required by the lending HTTP surface.
type Engine interface {
	InitializeUser(ctx context.Context, owner lending.Address) (*lending.UserPosition, error)
	InitializeBank(ctx context.Context, cfg lending.BankConfig) (*lending.Bank, error)
	Deposit(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error)
	Withdraw(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error)
	WithdrawAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error)
	Borrow(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error)
	Repay(ctx context.Context, owner, mint lending.Address, amount uint64) (*lending.Receipt, error)
	RepayAll(ctx context.Context, owner, mint lending.Address) (*lending.Receipt, error)
	Accrue(ctx context.Context, mint lending.Address) (*lending.Bank, error)
	GetBank(ctx context.Context, mint lending.Address) (*lending.Bank, error)
	ListBanks(ctx context.Context) ([]*lending.Bank, error)
	GetPosition(ctx context.Context, owner lending.Address) (Position, error)
	GetHealth(ctx context.Context, owner lending.Address) (*lending.HealthReport, error)
	PublishPrice(ctx context.Context, asset lending.Address, quote lending.PriceQuote) error
	Prices(ctx context.Context) ([]oracle.FeedHealth, error)
	Credit(ctx context.Context, mint, account lending.Address, amount uint64) (uint64, error)
	Balance(ctx context.Context, mint, account lending.Address) (uint64, error)
}

// Position pairs the stored share balances with their token denominated view.
type Position struct {
	Position *lending.UserPosition
	Balances []lending.Balance
}
