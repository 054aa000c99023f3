package risk

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/native/fixedpoint"
)

func (e *Engine) price(marketID string) (*big.Int, error) {
	if e.feed == nil {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, marketID)
	}
	price, err := e.feed.PriceOf(marketID)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, marketID)
	}
	return price, nil
}

// AccountLiquidity values the account's entered positions at stored state
// and returns (excess, shortfall) in base units. At most one of the pair is
// nonzero.
func (e *Engine) AccountLiquidity(addr common.Address) (*big.Int, *big.Int, error) {
	return e.hypotheticalLiquidity(addr, "", big.NewInt(0), big.NewInt(0))
}

// hypotheticalLiquidity runs the liquidity calculation with an additional
// redemption and/or borrow applied to modifyMarket. An empty modifyMarket
// means no hypothetical effect.
func (e *Engine) hypotheticalLiquidity(addr common.Address, modifyMarket string, redeemTokens, borrowAmount *big.Int) (*big.Int, *big.Int, error) {
	entered, err := e.Membership(addr)
	if err != nil {
		return nil, nil, err
	}

	collateralValue := big.NewInt(0)
	borrowValue := big.NewInt(0)

	for _, id := range entered {
		book, err := e.Book(id)
		if err != nil {
			return nil, nil, err
		}
		cfg, err := e.config(id)
		if err != nil {
			return nil, nil, err
		}
		tokens, debt, exchangeRate, err := book.AccountSnapshot(addr)
		if err != nil {
			return nil, nil, err
		}
		price, err := e.price(id)
		if err != nil {
			return nil, nil, err
		}

		// weight = collateralFactor * exchangeRate * price, all 1e18 scale.
		weight, err := fixedpoint.MulTrunc(cfg.CollateralFactor, exchangeRate)
		if err != nil {
			return nil, nil, err
		}
		weight, err = fixedpoint.MulTrunc(weight, price)
		if err != nil {
			return nil, nil, err
		}

		tokenValue, err := fixedpoint.MulScalarTrunc(weight, tokens)
		if err != nil {
			return nil, nil, err
		}
		collateralValue = new(big.Int).Add(collateralValue, tokenValue)

		debtValue, err := fixedpoint.MulScalarTrunc(price, debt)
		if err != nil {
			return nil, nil, err
		}
		borrowValue = new(big.Int).Add(borrowValue, debtValue)

		if id == modifyMarket {
			if redeemTokens.Sign() > 0 {
				redeemValue, err := fixedpoint.MulScalarTrunc(weight, redeemTokens)
				if err != nil {
					return nil, nil, err
				}
				borrowValue = new(big.Int).Add(borrowValue, redeemValue)
			}
			if borrowAmount.Sign() > 0 {
				addValue, err := fixedpoint.MulScalarTrunc(price, borrowAmount)
				if err != nil {
					return nil, nil, err
				}
				borrowValue = new(big.Int).Add(borrowValue, addValue)
			}
		}
	}

	if collateralValue.Cmp(borrowValue) >= 0 {
		return new(big.Int).Sub(collateralValue, borrowValue), big.NewInt(0), nil
	}
	return big.NewInt(0), new(big.Int).Sub(borrowValue, collateralValue), nil
}

// CalculateSeizeTokens converts a repaid debt amount in the borrowed market
// into collateral claim tokens, applying the liquidation incentive:
//
//	seizeTokens = repayAmount * incentive * priceBorrowed
//	              / (priceCollateral * exchangeRateCollateral)
func (e *Engine) CalculateSeizeTokens(borrowedMarket, collateralMarket string, repayAmount *big.Int) (*big.Int, error) {
	priceBorrowed, err := e.price(borrowedMarket)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := e.price(collateralMarket)
	if err != nil {
		return nil, err
	}
	collateralBook, err := e.Book(collateralMarket)
	if err != nil {
		return nil, err
	}
	exchangeRate, err := collateralBook.ExchangeRateStored()
	if err != nil {
		return nil, err
	}

	numerator, err := fixedpoint.MulTrunc(e.liquidationIncentive, priceBorrowed)
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.MulTrunc(priceCollateral, exchangeRate)
	if err != nil {
		return nil, err
	}
	ratio, err := fixedpoint.Fraction(numerator, denominator)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDoubleTrunc(ratio, repayAmount)
}
