// Package config loads the daemon's TOML configuration: node settings,
// risk parameters, and the per-market listings with their interest curves
// and reward speeds. Fixed-point and token amounts appear in the file as
// decimal strings so they survive TOML's integer range.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	LogLevel       string `toml:"LogLevel"`
	AdminAddress   string `toml:"AdminAddress"`
	PauseGuardian  string `toml:"PauseGuardian,omitempty"`

	Risk    Risk     `toml:"Risk"`
	Rewards Rewards  `toml:"Rewards"`
	Markets []Market `toml:"Markets"`
}

// Risk holds the engine-global parameters, 1e18-scaled decimal strings.
type Risk struct {
	CloseFactor          string `toml:"CloseFactor"`
	LiquidationIncentive string `toml:"LiquidationIncentive"`
}

// Rewards configures the incentive flywheel treasury.
type Rewards struct {
	TreasuryAddress string `toml:"TreasuryAddress,omitempty"`
	TreasuryBalance string `toml:"TreasuryBalance,omitempty"`
}

// Market describes one listed market.
type Market struct {
	ID                  string `toml:"ID"`
	CollateralFactor    string `toml:"CollateralFactor"`
	ReserveFactor       string `toml:"ReserveFactor"`
	InitialExchangeRate string `toml:"InitialExchangeRate"`
	BorrowCap           string `toml:"BorrowCap,omitempty"`
	Price               string `toml:"Price"`

	Interest    Interest `toml:"Interest"`
	SupplySpeed string   `toml:"SupplySpeed,omitempty"`
	BorrowSpeed string   `toml:"BorrowSpeed,omitempty"`
}

// Interest parameterizes the kinked per-block rate curve.
type Interest struct {
	BasePerBlock  string `toml:"BasePerBlock"`
	SlopePerBlock string `toml:"SlopePerBlock"`
	JumpPerBlock  string `toml:"JumpPerBlock"`
	Kink          string `toml:"Kink"`
}

// Load reads the configuration at path, creating a commented default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = "127.0.0.1:9464"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Risk.CloseFactor == "" {
		cfg.Risk.CloseFactor = "500000000000000000"
	}
	if cfg.Risk.LiquidationIncentive == "" {
		cfg.Risk.LiquidationIncentive = "1080000000000000000"
	}
	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		if m.ReserveFactor == "" {
			m.ReserveFactor = "0"
		}
		if m.CollateralFactor == "" {
			m.CollateralFactor = "0"
		}
		if m.InitialExchangeRate == "" {
			m.InitialExchangeRate = "1000000000000000000"
		}
	}
}

// createDefault writes a starter configuration with one unlisted example
// market and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		AdminAddress: "0x0000000000000000000000000000000000000001",
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// BigInt parses a decimal-string field. Empty means zero.
func BigInt(field, value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("config: %s is not a decimal integer: %q", field, value)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("config: %s is negative: %q", field, value)
	}
	return v, nil
}
