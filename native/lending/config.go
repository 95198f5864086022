package lending

import (
	"fmt"
	"strings"
)

// DefaultOracleMaxAgeSeconds bounds how old a price may be before decisions
// relying on it are rejected.
const DefaultOracleMaxAgeSeconds = 100

// Params captures the runtime risk configuration shared by every bank.
type Params struct {
	OracleMaxAgeSeconds uint64 `toml:"OracleMaxAgeSeconds"`
	// MaxConfidenceBps rejects quotes whose confidence interval exceeds the
	// given share of the price. Zero disables the check.
	MaxConfidenceBps uint64 `toml:"MaxConfidenceBps"`
}

// DefaultParams returns the parameters applied when no configuration is
// supplied.
func DefaultParams() Params {
	return Params{OracleMaxAgeSeconds: DefaultOracleMaxAgeSeconds}
}

func (p Params) oracleMaxAge() uint64 {
	if p.OracleMaxAgeSeconds == 0 {
		return DefaultOracleMaxAgeSeconds
	}
	return p.OracleMaxAgeSeconds
}

// Validate rejects confidence bounds above 100%.
func (p Params) Validate() error {
	if p.MaxConfidenceBps > basisPoints {
		return fmt.Errorf("lending: MaxConfidenceBps must be <= %d", basisPoints)
	}
	return nil
}

// Config captures the ledger configuration loaded from TOML.
type Config struct {
	Params
	// Paused lists actions rejected by the pause guard. "lending" pauses
	// every action.
	Paused []string   `toml:"Paused"`
	Banks  []BankSpec `toml:"bank"`
}

// BankSpec describes a bank bootstrapped at startup.
type BankSpec struct {
	Mint                    string    `toml:"Mint"`
	Symbol                  string    `toml:"Symbol"`
	Decimals                uint8     `toml:"Decimals"`
	MaxLTVBps               uint64    `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64    `toml:"LiquidationThresholdBps"`
	DepositCap              uint64    `toml:"DepositCap"`
	BorrowCap               uint64    `toml:"BorrowCap"`
	Interest                *RateSpec `toml:"interest"`
}

// RateSpec expresses an interest curve in decimal form, e.g. 0.02 for 2%.
type RateSpec struct {
	BaseRate           float64 `toml:"BaseRate"`
	Slope1             float64 `toml:"Slope1"`
	Slope2             float64 `toml:"Slope2"`
	OptimalUtilization float64 `toml:"OptimalUtilization"`
}

// BankConfig converts the spec into InitializeBank parameters.
func (s BankSpec) BankConfig() (BankConfig, error) {
	mint, err := ParseAddress(s.Mint)
	if err != nil {
		return BankConfig{}, fmt.Errorf("bank %q: %w", s.Symbol, err)
	}
	cfg := BankConfig{
		Mint:                    mint,
		Decimals:                s.Decimals,
		MaxLTVBps:               s.MaxLTVBps,
		LiquidationThresholdBps: s.LiquidationThresholdBps,
		DepositCap:              s.DepositCap,
		BorrowCap:               s.BorrowCap,
	}
	if s.Interest != nil {
		cfg.Interest = NewInterestModel(s.Interest.BaseRate, s.Interest.Slope1, s.Interest.Slope2, s.Interest.OptimalUtilization)
	}
	if err := cfg.Validate(); err != nil {
		return BankConfig{}, fmt.Errorf("bank %q: %w", s.Symbol, err)
	}
	return cfg, nil
}

// Validate checks the ratios and interest curve of the bank configuration.
func (c BankConfig) Validate() error {
	if c.Mint.IsZero() {
		return errZeroMint
	}
	if c.MaxLTVBps == 0 || c.MaxLTVBps > basisPoints {
		return fmt.Errorf("%w: max LTV must be within (0, %d] bps", ErrInvalidRiskParams, basisPoints)
	}
	if c.LiquidationThresholdBps == 0 || c.LiquidationThresholdBps > basisPoints {
		return fmt.Errorf("%w: liquidation threshold must be within (0, %d] bps", ErrInvalidRiskParams, basisPoints)
	}
	if c.MaxLTVBps > c.LiquidationThresholdBps {
		return fmt.Errorf("%w: max LTV exceeds liquidation threshold", ErrInvalidRiskParams)
	}
	if c.Interest != nil {
		if err := c.Interest.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks params and every bank spec, rejecting duplicate mints.
func (c Config) Validate() error {
	if err := c.Params.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Banks))
	for _, spec := range c.Banks {
		if _, err := spec.BankConfig(); err != nil {
			return err
		}
		key := strings.TrimSpace(spec.Mint)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("lending: duplicate bank mint %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
