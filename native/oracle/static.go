// Package oracle carries the price-feed stand-ins used by the daemon and
// tests. The risk engine only ever sees the PriceFeed interface; a price of
// zero means "no reliable price" and blocks every flow that depends on it.
package oracle

import "math/big"

// Static is a manually administered price feed keyed by market identifier.
type Static struct {
	prices map[string]*big.Int
}

func NewStatic() *Static {
	return &Static{prices: make(map[string]*big.Int)}
}

// SetPrice posts a 1e18-scaled underlying price for a market. A zero or nil
// price marks the market unavailable.
func (s *Static) SetPrice(marketID string, price *big.Int) {
	if price == nil {
		price = big.NewInt(0)
	}
	s.prices[marketID] = new(big.Int).Set(price)
}

// PriceOf returns the posted price, zero when none is known.
func (s *Static) PriceOf(marketID string) (*big.Int, error) {
	if price, ok := s.prices[marketID]; ok {
		return new(big.Int).Set(price), nil
	}
	return big.NewInt(0), nil
}
