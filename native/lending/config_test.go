package lending

import (
	"errors"
	"testing"
)

func TestAddressText(t *testing.T) {
	addr := makeAddress(0x42)
	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseAddress("3yZe7d"); err == nil {
		t.Fatalf("expected short address to be rejected")
	}
	if _, err := ParseAddress("0OIl"); err == nil {
		t.Fatalf("expected invalid base58 to be rejected")
	}
	if VaultAddress(usdcMint) == VaultAddress(solMint) {
		t.Fatalf("vaults must differ per mint")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{
		Params: DefaultParams(),
		Banks: []BankSpec{
			{Mint: usdcMint.String(), Symbol: "USDC", Decimals: 6, MaxLTVBps: 8_000, LiquidationThresholdBps: 8_500},
			{Mint: solMint.String(), Symbol: "SOL", Decimals: 9, MaxLTVBps: 7_000, LiquidationThresholdBps: 7_500,
				Interest: &RateSpec{BaseRate: 0.01, Slope1: 0.1, Slope2: 1, OptimalUtilization: 0.9}},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bankCfg, err := cfg.Banks[1].BankConfig()
	if err != nil {
		t.Fatalf("bank config: %v", err)
	}
	if bankCfg.Interest == nil || bankCfg.Interest.OptimalUtilization.Cmp(wadOf(9, 10)) != 0 {
		t.Fatalf("interest spec not applied: %+v", bankCfg.Interest)
	}

	cfg.Banks = append(cfg.Banks, cfg.Banks[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate mint to be rejected")
	}

	bad := Config{Banks: []BankSpec{{Mint: usdcMint.String(), MaxLTVBps: 9_000, LiquidationThresholdBps: 8_000}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRiskParams) {
		t.Fatalf("expected ErrInvalidRiskParams, got %v", err)
	}
	if err := (Config{Params: Params{MaxConfidenceBps: 10_001}}).Validate(); err == nil {
		t.Fatalf("expected confidence bound to be rejected")
	}
}

func TestErrorCodes(t *testing.T) {
	if Code(nil) != "ok" {
		t.Fatalf("nil error code")
	}
	if got := Code(ErrStaleOracle); got != "stale_oracle" {
		t.Fatalf("unexpected code %q", got)
	}
	if got := Code(errors.New("boom")); got != "internal" {
		t.Fatalf("unexpected code %q", got)
	}
}
