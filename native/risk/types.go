package risk

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/native/market"
)

// PriceFeed is the external oracle: a 1e18-scaled underlying price per
// market, zero meaning "no reliable price".
type PriceFeed interface {
	PriceOf(marketID string) (*big.Int, error)
}

// Book is everything the risk engine needs from a market ledger. It embeds
// the collateral surface handed back through the directory during
// cross-ledger liquidation.
type Book interface {
	market.CollateralLedger

	AccountSnapshot(addr common.Address) (tokens, debt, exchangeRate *big.Int, err error)
	BorrowBalanceStored(addr common.Address) (*big.Int, error)
	TotalSupplyStored() (*big.Int, error)
	TotalBorrowsStored() (*big.Int, error)
	TotalReservesStored() (*big.Int, error)
	BorrowIndexStored() (*big.Int, error)
	ReserveFactorStored() (*big.Int, error)
	ExchangeRateStored() (*big.Int, error)
}

// MarketConfig is the persisted per-market risk configuration.
type MarketConfig struct {
	Listed bool
	// CollateralFactor is the 1e18-scaled fraction of this market's
	// collateral value usable as borrowing power, capped at 0.9.
	CollateralFactor *big.Int
	MintPaused       bool
	BorrowPaused     bool
	// BorrowCap bounds outstanding borrows; zero means unlimited.
	BorrowCap *big.Int
}

// Clone returns a deep copy of the market config.
func (c *MarketConfig) Clone() *MarketConfig {
	if c == nil {
		return nil
	}
	clone := &MarketConfig{
		Listed:       c.Listed,
		MintPaused:   c.MintPaused,
		BorrowPaused: c.BorrowPaused,
	}
	if c.CollateralFactor != nil {
		clone.CollateralFactor = new(big.Int).Set(c.CollateralFactor)
	}
	if c.BorrowCap != nil {
		clone.BorrowCap = new(big.Int).Set(c.BorrowCap)
	}
	return clone
}

// Store is the engine's persistence surface: per-market risk configuration
// and per-account entered-market sets.
type Store interface {
	MarketConfig(marketID string) (*MarketConfig, error)
	PutMarketConfig(marketID string, cfg *MarketConfig) error
	Membership(addr common.Address) ([]string, error)
	PutMembership(addr common.Address, markets []string) error
}

func ensureConfig(cfg *MarketConfig) *MarketConfig {
	if cfg == nil {
		cfg = &MarketConfig{}
	}
	if cfg.CollateralFactor == nil {
		cfg.CollateralFactor = big.NewInt(0)
	}
	if cfg.BorrowCap == nil {
		cfg.BorrowCap = big.NewInt(0)
	}
	return cfg
}
