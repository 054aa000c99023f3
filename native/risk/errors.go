package risk

import "errors"

var (
	errNilStore                   = errors.New("risk engine: store not configured")
	ErrUnauthorized               = errors.New("risk engine: caller is not authorized")
	ErrMarketNotListed            = errors.New("risk engine: market not listed")
	ErrMarketAlreadyListed        = errors.New("risk engine: market already listed")
	ErrPriceUnavailable           = errors.New("risk engine: price unavailable")
	ErrInsufficientLiquidity      = errors.New("risk engine: insufficient account liquidity")
	ErrInsufficientShortfall      = errors.New("risk engine: borrower has no shortfall")
	ErrTooMuchRepay               = errors.New("risk engine: repay amount exceeds close factor bound")
	ErrBorrowCapReached           = errors.New("risk engine: market borrow cap reached")
	ErrNonzeroBorrowBalance       = errors.New("risk engine: cannot exit market with outstanding debt")
	ErrCollateralFactorBounds     = errors.New("risk engine: collateral factor above 0.9 ceiling")
	ErrCloseFactorBounds          = errors.New("risk engine: close factor outside (0, 1]")
	ErrLiquidationIncentiveBounds = errors.New("risk engine: liquidation incentive below 1.0")
)
