package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendingledger/core/state"
	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/services/lending/engine"
	"lendingledger/services/lending/server"
	"lendingledger/storage"
)

func address(tag byte) string {
	var a lending.Address
	a[0] = tag
	a[31] = tag
	return a.String()
}

func newStack(t *testing.T) (*Client, *Client) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	feeds := oracle.NewStore(time.Minute)
	feeds.SetClock(clock)
	svc, err := engine.NewService(state.NewManager(storage.NewMemDB()), feeds, lending.DefaultParams(), engine.WithClock(clock))
	require.NoError(t, err)
	srv, err := server.New(svc, server.Config{Auth: server.AuthConfig{APITokens: []string{"ops-token"}}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	authed, err := New(ts.URL, WithToken("ops-token"), WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	anonymous, err := New(ts.URL+"/", WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return authed, anonymous
}

func TestEndToEndBorrowCycle(t *testing.T) {
	c, anon := newStack(t)
	ctx := context.Background()
	usdc, sol := address(1), address(2)
	alice, bob := address(10), address(11)

	for _, params := range []BankParams{
		{Mint: usdc, Symbol: "USDC", Decimals: 6, MaxLTVBps: 8000, LiquidationThresholdBps: 8500},
		{Mint: sol, Symbol: "SOL", Decimals: 9, MaxLTVBps: 8000, LiquidationThresholdBps: 8500},
	} {
		_, err := c.InitializeBank(ctx, params)
		require.NoError(t, err)
	}
	require.NoError(t, c.PublishPrice(ctx, Quote{Asset: usdc, Price: 100_000_000, Expo: -8, PublishTime: 1_700_000_000}))
	require.NoError(t, c.PublishPrice(ctx, Quote{Asset: sol, Price: 17_000_000_000, Expo: -8, PublishTime: 1_700_000_000}))

	for _, user := range []string{alice, bob} {
		require.NoError(t, c.InitializeUser(ctx, user))
	}
	_, err := c.Credit(ctx, sol, bob, 100_000_000_000)
	require.NoError(t, err)
	_, err = c.Credit(ctx, usdc, alice, 10_000_000_000)
	require.NoError(t, err)
	_, err = c.Deposit(ctx, bob, sol, 100_000_000_000)
	require.NoError(t, err)
	_, err = c.Deposit(ctx, alice, usdc, 10_000_000_000)
	require.NoError(t, err)

	_, err = c.Borrow(ctx, alice, sol, 50_000_000_000)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "insufficient_collateral", apiErr.Code)

	receipt, err := c.Borrow(ctx, alice, sol, 47_000_000_000)
	require.NoError(t, err)
	require.Equal(t, "47000000000", receipt.Amount)

	health, err := anon.Health(ctx, alice)
	require.NoError(t, err)
	require.False(t, health.Liquidatable)

	bank, err := anon.GetBank(ctx, sol)
	require.NoError(t, err)
	require.Equal(t, "47000000000", bank.TotalBorrows)
	require.Equal(t, "470000000000000000", bank.Utilization)

	_, err = anon.Deposit(ctx, alice, usdc, 1)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = c.Repay(ctx, alice, sol, "all")
	require.NoError(t, err)
	receipt, err = c.Withdraw(ctx, alice, usdc, "all")
	require.NoError(t, err)
	require.Equal(t, "10000000000", receipt.Amount)

	balance, err := anon.Balance(ctx, usdc, alice)
	require.NoError(t, err)
	require.Equal(t, "10000000000", balance.Balance)

	position, err := anon.Position(ctx, alice)
	require.NoError(t, err)
	require.Len(t, position.Balances, 2)
	for _, b := range position.Balances {
		require.Equal(t, "0", b.Deposited)
		require.Equal(t, "0", b.Borrowed)
	}

	banks, err := anon.ListBanks(ctx)
	require.NoError(t, err)
	require.Len(t, banks, 2)
	prices, err := anon.Prices(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 2)
}

func TestNewRejectsInvalidEndpoint(t *testing.T) {
	_, err := New("localhost")
	require.Error(t, err)
	_, err = New("")
	require.Error(t, err)
}
