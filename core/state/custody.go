package state

import (
	"fmt"
	"math"

	"lendingledger/native/lending"
)

// Balance returns the tokens of mint held by account.
func (t *Txn) Balance(mint, account lending.Address) (uint64, error) {
	var balance uint64
	if _, err := t.decode(CustodyBalanceKey(mint, account), &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (t *Txn) setBalance(mint, account lending.Address, balance uint64) error {
	return t.put(CustodyBalanceKey(mint, account), balance)
}

// Credit mints amount of mint into account. It backs devnet faucets and
// fixtures; production deployments fund accounts through bridged deposits.
func (t *Txn) Credit(mint, account lending.Address, amount uint64) error {
	balance, err := t.Balance(mint, account)
	if err != nil {
		return err
	}
	if balance > math.MaxUint64-amount {
		return lending.ErrMathOverflow
	}
	return t.setBalance(mint, account, balance+amount)
}

func (t *Txn) transfer(mint, from, to lending.Address, amount uint64) error {
	if from == to || amount == 0 {
		return nil
	}
	fromBalance, err := t.Balance(mint, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", lending.ErrInsufficientFunds, from, fromBalance, amount)
	}
	toBalance, err := t.Balance(mint, to)
	if err != nil {
		return err
	}
	if toBalance > math.MaxUint64-amount {
		return lending.ErrMathOverflow
	}
	if err := t.setBalance(mint, from, fromBalance-amount); err != nil {
		return err
	}
	return t.setBalance(mint, to, toBalance+amount)
}

// TransferIn implements lending.Custody.
func (t *Txn) TransferIn(mint, from, vault lending.Address, amount uint64) error {
	return t.transfer(mint, from, vault, amount)
}

// TransferOut implements lending.Custody.
func (t *Txn) TransferOut(mint, vault, to lending.Address, amount uint64) error {
	return t.transfer(mint, vault, to, amount)
}
