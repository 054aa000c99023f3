package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	expScale                = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	maxCollateralFactor     = big.NewInt(900_000_000_000_000_000)
	minLiquidationIncentive = expScale
)

// Validate checks the loaded configuration for out-of-range parameters and
// malformed addresses before the daemon wires anything up.
func (cfg *Config) Validate() error {
	if cfg.AdminAddress == "" {
		return fmt.Errorf("config: AdminAddress is required")
	}
	if !common.IsHexAddress(cfg.AdminAddress) {
		return fmt.Errorf("config: AdminAddress is not a hex address: %q", cfg.AdminAddress)
	}
	if cfg.PauseGuardian != "" && !common.IsHexAddress(cfg.PauseGuardian) {
		return fmt.Errorf("config: PauseGuardian is not a hex address: %q", cfg.PauseGuardian)
	}

	closeFactor, err := BigInt("Risk.CloseFactor", cfg.Risk.CloseFactor)
	if err != nil {
		return err
	}
	if closeFactor.Sign() == 0 || closeFactor.Cmp(expScale) > 0 {
		return fmt.Errorf("config: Risk.CloseFactor must be in (0, 1e18]")
	}
	incentive, err := BigInt("Risk.LiquidationIncentive", cfg.Risk.LiquidationIncentive)
	if err != nil {
		return err
	}
	if incentive.Cmp(minLiquidationIncentive) < 0 {
		return fmt.Errorf("config: Risk.LiquidationIncentive must be at least 1e18")
	}

	if cfg.Rewards.TreasuryAddress != "" && !common.IsHexAddress(cfg.Rewards.TreasuryAddress) {
		return fmt.Errorf("config: Rewards.TreasuryAddress is not a hex address: %q", cfg.Rewards.TreasuryAddress)
	}
	if _, err := BigInt("Rewards.TreasuryBalance", cfg.Rewards.TreasuryBalance); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Markets))
	for i := range cfg.Markets {
		if err := cfg.Markets[i].validate(); err != nil {
			return err
		}
		if seen[cfg.Markets[i].ID] {
			return fmt.Errorf("config: duplicate market %q", cfg.Markets[i].ID)
		}
		seen[cfg.Markets[i].ID] = true
	}
	return nil
}

func (m *Market) validate() error {
	if m.ID == "" {
		return fmt.Errorf("config: market with empty ID")
	}
	field := func(name string) string { return fmt.Sprintf("Markets[%s].%s", m.ID, name) }

	collateralFactor, err := BigInt(field("CollateralFactor"), m.CollateralFactor)
	if err != nil {
		return err
	}
	if collateralFactor.Cmp(maxCollateralFactor) > 0 {
		return fmt.Errorf("config: %s exceeds 0.9e18", field("CollateralFactor"))
	}
	reserveFactor, err := BigInt(field("ReserveFactor"), m.ReserveFactor)
	if err != nil {
		return err
	}
	if reserveFactor.Cmp(expScale) > 0 {
		return fmt.Errorf("config: %s exceeds 1e18", field("ReserveFactor"))
	}
	initialRate, err := BigInt(field("InitialExchangeRate"), m.InitialExchangeRate)
	if err != nil {
		return err
	}
	if initialRate.Sign() == 0 {
		return fmt.Errorf("config: %s must be positive", field("InitialExchangeRate"))
	}
	if _, err := BigInt(field("BorrowCap"), m.BorrowCap); err != nil {
		return err
	}
	price, err := BigInt(field("Price"), m.Price)
	if err != nil {
		return err
	}
	if collateralFactor.Sign() > 0 && price.Sign() == 0 {
		return fmt.Errorf("config: %s requires a nonzero Price", field("CollateralFactor"))
	}

	kink, err := BigInt(field("Interest.Kink"), m.Interest.Kink)
	if err != nil {
		return err
	}
	if kink.Sign() == 0 || kink.Cmp(expScale) > 0 {
		return fmt.Errorf("config: %s must be in (0, 1e18]", field("Interest.Kink"))
	}
	for _, rate := range []struct {
		name  string
		value string
	}{
		{"Interest.BasePerBlock", m.Interest.BasePerBlock},
		{"Interest.SlopePerBlock", m.Interest.SlopePerBlock},
		{"Interest.JumpPerBlock", m.Interest.JumpPerBlock},
	} {
		if _, err := BigInt(field(rate.name), rate.value); err != nil {
			return err
		}
	}
	if _, err := BigInt(field("SupplySpeed"), m.SupplySpeed); err != nil {
		return err
	}
	if _, err := BigInt(field("BorrowSpeed"), m.BorrowSpeed); err != nil {
		return err
	}
	return nil
}
