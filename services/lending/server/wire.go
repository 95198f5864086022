package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"lendingledger/native/lending"
	"lendingledger/native/oracle"
	"lendingledger/services/lending/engine"
)

const maxBodyBytes = 1 << 16

// amountAll selects the caller's whole balance for withdraw and repay.
const amountAll = "all"

type userRequest struct {
	Owner string `json:"owner"`
}

type actionRequest struct {
	Mint   string `json:"mint"`
	Amount string `json:"amount"`
}

type rateRequest struct {
	BaseRate           float64 `json:"base_rate"`
	Slope1             float64 `json:"slope1"`
	Slope2             float64 `json:"slope2"`
	OptimalUtilization float64 `json:"optimal_utilization"`
}

type bankRequest struct {
	Mint                    string       `json:"mint"`
	Symbol                  string       `json:"symbol,omitempty"`
	Decimals                uint8        `json:"decimals"`
	MaxLTVBps               uint64       `json:"max_ltv_bps"`
	LiquidationThresholdBps uint64       `json:"liquidation_threshold_bps"`
	DepositCap              uint64       `json:"deposit_cap,omitempty"`
	BorrowCap               uint64       `json:"borrow_cap,omitempty"`
	Interest                *rateRequest `json:"interest,omitempty"`
}

func (r bankRequest) config() (lending.BankConfig, error) {
	spec := lending.BankSpec{
		Mint:                    strings.TrimSpace(r.Mint),
		Symbol:                  strings.TrimSpace(r.Symbol),
		Decimals:                r.Decimals,
		MaxLTVBps:               r.MaxLTVBps,
		LiquidationThresholdBps: r.LiquidationThresholdBps,
		DepositCap:              r.DepositCap,
		BorrowCap:               r.BorrowCap,
	}
	if r.Interest != nil {
		spec.Interest = &lending.RateSpec{
			BaseRate:           r.Interest.BaseRate,
			Slope1:             r.Interest.Slope1,
			Slope2:             r.Interest.Slope2,
			OptimalUtilization: r.Interest.OptimalUtilization,
		}
	}
	return spec.BankConfig()
}

type priceRequest struct {
	Asset       string `json:"asset"`
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type creditRequest struct {
	Mint    string `json:"mint"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// BankView is the JSON form of a bank. Integer amounts are decimal strings.
type BankView struct {
	Mint                    string `json:"mint"`
	Vault                   string `json:"vault"`
	Decimals                uint8  `json:"decimals"`
	TotalDeposits           string `json:"total_deposits"`
	TotalBorrows            string `json:"total_borrows"`
	TotalDepositShares      string `json:"total_deposit_shares"`
	TotalBorrowShares       string `json:"total_borrow_shares"`
	DepositIndex            string `json:"deposit_index"`
	BorrowIndex             string `json:"borrow_index"`
	Utilization             string `json:"utilization"`
	BorrowRate              string `json:"borrow_rate"`
	DepositRate             string `json:"deposit_rate"`
	LastUpdate              uint64 `json:"last_update"`
	MaxLTVBps               uint64 `json:"max_ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	DepositCap              string `json:"deposit_cap"`
	BorrowCap               string `json:"borrow_cap"`
}

// BalanceView is one entry of a position.
type BalanceView struct {
	Mint          string `json:"mint"`
	DepositShares string `json:"deposit_shares"`
	BorrowShares  string `json:"borrow_shares"`
	Deposited     string `json:"deposited"`
	Borrowed      string `json:"borrowed"`
}

// PositionView is the JSON form of a user position.
type PositionView struct {
	Owner    string        `json:"owner"`
	Balances []BalanceView `json:"balances"`
}

// ReceiptView is returned by every position transition.
type ReceiptView struct {
	Action    string `json:"action"`
	Owner     string `json:"owner"`
	Mint      string `json:"mint"`
	Amount    string `json:"amount"`
	Shares    string `json:"shares"`
	Timestamp uint64 `json:"timestamp"`
}

// AssetHealthView is the per-bank breakdown of a HealthView.
type AssetHealthView struct {
	Mint            string `json:"mint"`
	Deposited       string `json:"deposited"`
	Borrowed        string `json:"borrowed"`
	CollateralValue string `json:"collateral_value"`
	DebtValue       string `json:"debt_value"`
}

// HealthView reports solvency. Values are WAD scaled quote amounts.
type HealthView struct {
	Owner                   string            `json:"owner"`
	CollateralValue         string            `json:"collateral_value"`
	DebtValue               string            `json:"debt_value"`
	BorrowLimit             string            `json:"borrow_limit"`
	LiquidationLimit        string            `json:"liquidation_limit"`
	MaxLTVBps               uint64            `json:"max_ltv_bps"`
	LiquidationThresholdBps uint64            `json:"liquidation_threshold_bps"`
	Liquidatable            bool              `json:"liquidatable"`
	Assets                  []AssetHealthView `json:"assets"`
	Timestamp               uint64            `json:"timestamp"`
}

// PriceView is the latest quote of an oracle feed.
type PriceView struct {
	Asset        string `json:"asset"`
	Price        int64  `json:"price"`
	Conf         uint64 `json:"conf"`
	Expo         int32  `json:"expo"`
	PublishTime  int64  `json:"publish_time"`
	LastObserved int64  `json:"last_observed"`
	Updates      uint64 `json:"updates"`
	Stale        bool   `json:"stale"`
}

// BalanceResponse reports a custody balance.
type BalanceResponse struct {
	Mint    string `json:"mint"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func formatUint(value uint64) string {
	return strconv.FormatUint(value, 10)
}

func formatInt(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func toBankView(bank *lending.Bank) BankView {
	util := lending.Utilisation(bank.TotalBorrows, bank.TotalDeposits)
	view := BankView{
		Mint:                    bank.Mint.String(),
		Vault:                   bank.Vault.String(),
		Decimals:                bank.Decimals,
		TotalDeposits:           formatUint(bank.TotalDeposits),
		TotalBorrows:            formatUint(bank.TotalBorrows),
		TotalDepositShares:      formatInt(bank.TotalDepositShares),
		TotalBorrowShares:       formatInt(bank.TotalBorrowShares),
		DepositIndex:            formatInt(bank.DepositIndex),
		BorrowIndex:             formatInt(bank.BorrowIndex),
		Utilization:             formatInt(util),
		BorrowRate:              "0",
		DepositRate:             "0",
		LastUpdate:              bank.LastUpdate,
		MaxLTVBps:               bank.MaxLTVBps,
		LiquidationThresholdBps: bank.LiquidationThresholdBps,
		DepositCap:              formatUint(bank.DepositCap),
		BorrowCap:               formatUint(bank.BorrowCap),
	}
	if rate, err := bank.Interest.BorrowRate(util); err == nil {
		view.BorrowRate = formatInt(rate)
	}
	if rate, err := bank.Interest.DepositRate(util); err == nil {
		view.DepositRate = formatInt(rate)
	}
	return view
}

func toPositionView(pos engine.Position) PositionView {
	view := PositionView{Balances: make([]BalanceView, 0, len(pos.Balances))}
	if pos.Position != nil {
		view.Owner = pos.Position.Owner.String()
	}
	for _, b := range pos.Balances {
		view.Balances = append(view.Balances, BalanceView{
			Mint:          b.Mint.String(),
			DepositShares: formatInt(b.DepositShares),
			BorrowShares:  formatInt(b.BorrowShares),
			Deposited:     formatUint(b.Deposited),
			Borrowed:      formatUint(b.Borrowed),
		})
	}
	return view
}

func toReceiptView(r *lending.Receipt) ReceiptView {
	return ReceiptView{
		Action:    r.Action,
		Owner:     r.Owner.String(),
		Mint:      r.Mint.String(),
		Amount:    formatUint(r.Amount),
		Shares:    formatInt(r.Shares),
		Timestamp: r.Timestamp,
	}
}

func toHealthView(report *lending.HealthReport) HealthView {
	view := HealthView{
		Owner:                   report.Owner.String(),
		CollateralValue:         formatInt(report.CollateralValue),
		DebtValue:               formatInt(report.DebtValue),
		BorrowLimit:             formatInt(report.BorrowLimit),
		LiquidationLimit:        formatInt(report.LiquidationLimit),
		MaxLTVBps:               report.MaxLTVBps,
		LiquidationThresholdBps: report.LiquidationThresholdBps,
		Liquidatable:            report.Liquidatable,
		Assets:                  make([]AssetHealthView, 0, len(report.Assets)),
		Timestamp:               report.Timestamp,
	}
	for _, asset := range report.Assets {
		view.Assets = append(view.Assets, AssetHealthView{
			Mint:            asset.Mint.String(),
			Deposited:       formatUint(asset.Deposited),
			Borrowed:        formatUint(asset.Borrowed),
			CollateralValue: formatInt(asset.CollateralValue),
			DebtValue:       formatInt(asset.DebtValue),
		})
	}
	return view
}

func toPriceView(feed oracle.FeedHealth) PriceView {
	return PriceView{
		Asset:        feed.Asset.String(),
		Price:        feed.Quote.Price,
		Conf:         feed.Quote.Conf,
		Expo:         feed.Quote.Expo,
		PublishTime:  feed.Quote.PublishTime,
		LastObserved: feed.LastObserved.Unix(),
		Updates:      uint64(feed.Updates),
		Stale:        feed.Stale,
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode body: %v", engine.ErrInvalidArgument, err)
	}
	return nil
}

func parseAddress(field, value string) (lending.Address, error) {
	addr, err := lending.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return lending.Address{}, fmt.Errorf("%w: %s: %v", engine.ErrInvalidArgument, field, err)
	}
	return addr, nil
}

// parseAmount accepts a base unit decimal string. allowAll permits "all".
func parseAmount(value string, allowAll bool) (uint64, bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, false, fmt.Errorf("%w: amount required", engine.ErrInvalidArgument)
	}
	if strings.EqualFold(trimmed, amountAll) {
		if !allowAll {
			return 0, false, fmt.Errorf("%w: amount %q not supported here", engine.ErrInvalidArgument, amountAll)
		}
		return 0, true, nil
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: amount: %v", engine.ErrInvalidArgument, err)
	}
	return amount, false, nil
}
