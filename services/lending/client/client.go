package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lendingledger/services/lending/server"
)

// Client provides a thin wrapper around the lending service HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithToken attaches a bearer token to mutating requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the transport, e.g. to present an mTLS client
// certificate.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New initialises a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid lending endpoint %q", baseURL)
	}
	c := &Client{base: trimmed, http: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIError is returned when the service answers with a non-2xx status.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lending api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body server.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListBanks returns every bank.
func (c *Client) ListBanks(ctx context.Context) ([]server.BankView, error) {
	var out []server.BankView
	err := c.do(ctx, http.MethodGet, "/v1/banks", nil, &out)
	return out, err
}

// GetBank returns the bank of mint.
func (c *Client) GetBank(ctx context.Context, mint string) (server.BankView, error) {
	var out server.BankView
	err := c.do(ctx, http.MethodGet, "/v1/banks/"+url.PathEscape(mint), nil, &out)
	return out, err
}

// BankParams describes a bank to initialise. Rates are decimals, e.g. 0.02.
type BankParams struct {
	Mint                    string    `json:"mint"`
	Symbol                  string    `json:"symbol,omitempty"`
	Decimals                uint8     `json:"decimals"`
	MaxLTVBps               uint64    `json:"max_ltv_bps"`
	LiquidationThresholdBps uint64    `json:"liquidation_threshold_bps"`
	DepositCap              uint64    `json:"deposit_cap,omitempty"`
	BorrowCap               uint64    `json:"borrow_cap,omitempty"`
	Interest                *Interest `json:"interest,omitempty"`
}

// Interest is the kinked rate curve of a bank.
type Interest struct {
	BaseRate           float64 `json:"base_rate"`
	Slope1             float64 `json:"slope1"`
	Slope2             float64 `json:"slope2"`
	OptimalUtilization float64 `json:"optimal_utilization"`
}

// InitializeBank creates a bank.
func (c *Client) InitializeBank(ctx context.Context, params BankParams) (server.BankView, error) {
	var out server.BankView
	err := c.do(ctx, http.MethodPost, "/v1/banks", params, &out)
	return out, err
}

// Accrue persists the accrual of mint's bank.
func (c *Client) Accrue(ctx context.Context, mint string) (server.BankView, error) {
	var out server.BankView
	err := c.do(ctx, http.MethodPost, "/v1/banks/"+url.PathEscape(mint)+"/accrue", nil, &out)
	return out, err
}

// InitializeUser creates an empty position for owner.
func (c *Client) InitializeUser(ctx context.Context, owner string) error {
	return c.do(ctx, http.MethodPost, "/v1/users", map[string]string{"owner": owner}, nil)
}

func (c *Client) transition(ctx context.Context, action, owner, mint, amount string) (server.ReceiptView, error) {
	var out server.ReceiptView
	body := map[string]string{"mint": mint, "amount": amount}
	err := c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(owner)+"/"+action, body, &out)
	return out, err
}

// Deposit supplies amount base units of mint.
func (c *Client) Deposit(ctx context.Context, owner, mint string, amount uint64) (server.ReceiptView, error) {
	return c.transition(ctx, "deposit", owner, mint, strconv.FormatUint(amount, 10))
}

// Withdraw redeems amount base units of mint. Pass "all" to redeem the whole
// deposit.
func (c *Client) Withdraw(ctx context.Context, owner, mint, amount string) (server.ReceiptView, error) {
	return c.transition(ctx, "withdraw", owner, mint, amount)
}

// Borrow draws amount base units of mint.
func (c *Client) Borrow(ctx context.Context, owner, mint string, amount uint64) (server.ReceiptView, error) {
	return c.transition(ctx, "borrow", owner, mint, strconv.FormatUint(amount, 10))
}

// Repay returns amount base units of mint. Pass "all" to settle the debt.
func (c *Client) Repay(ctx context.Context, owner, mint, amount string) (server.ReceiptView, error) {
	return c.transition(ctx, "repay", owner, mint, amount)
}

// Position returns the owner's balances.
func (c *Client) Position(ctx context.Context, owner string) (server.PositionView, error) {
	var out server.PositionView
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(owner)+"/position", nil, &out)
	return out, err
}

// Health returns the owner's solvency report.
func (c *Client) Health(ctx context.Context, owner string) (server.HealthView, error) {
	var out server.HealthView
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(owner)+"/health", nil, &out)
	return out, err
}

// Quote is a price update for PublishPrice.
type Quote struct {
	Asset       string `json:"asset"`
	Price       int64  `json:"price"`
	Conf        uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// PublishPrice records a quote.
func (c *Client) PublishPrice(ctx context.Context, quote Quote) error {
	return c.do(ctx, http.MethodPost, "/v1/oracle/prices", quote, nil)
}

// Prices lists the latest quote of every feed.
func (c *Client) Prices(ctx context.Context) ([]server.PriceView, error) {
	var out []server.PriceView
	err := c.do(ctx, http.MethodGet, "/v1/oracle/prices", nil, &out)
	return out, err
}

// Credit mints amount of mint into account.
func (c *Client) Credit(ctx context.Context, mint, account string, amount uint64) (server.BalanceResponse, error) {
	var out server.BalanceResponse
	body := map[string]string{"mint": mint, "account": account, "amount": strconv.FormatUint(amount, 10)}
	err := c.do(ctx, http.MethodPost, "/v1/custody/credit", body, &out)
	return out, err
}

// Balance returns the custody balance of account for mint.
func (c *Client) Balance(ctx context.Context, mint, account string) (server.BalanceResponse, error) {
	var out server.BalanceResponse
	err := c.do(ctx, http.MethodGet, "/v1/custody/"+url.PathEscape(mint)+"/"+url.PathEscape(account), nil, &out)
	return out, err
}
