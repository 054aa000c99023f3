package market

import "errors"

var (
	errNilStore              = errors.New("market ledger: store not configured")
	errNilController         = errors.New("market ledger: risk controller not configured")
	errNilRateModel          = errors.New("market ledger: rate model not configured")
	ErrInvalidAmount         = errors.New("market ledger: amount must be positive")
	ErrAmountTooSmall        = errors.New("market ledger: amount too small to price one claim token")
	ErrReentered             = errors.New("market ledger: operation already in progress")
	ErrStaleAccrual          = errors.New("market ledger: accrual not current after refresh")
	ErrRateOutOfBounds       = errors.New("market ledger: borrow rate exceeds ceiling")
	ErrInsufficientCash      = errors.New("market ledger: insufficient pooled cash")
	ErrInsufficientTokens    = errors.New("market ledger: insufficient claim-token balance")
	ErrInsufficientAllowance = errors.New("market ledger: insufficient allowance")
	ErrRedeemInput           = errors.New("market ledger: exactly one of tokens or amount must be zero")
	ErrNoDebt                = errors.New("market ledger: no outstanding debt")
	ErrRepayExceedsDebt      = errors.New("market ledger: repay amount exceeds outstanding debt")
	ErrSelfLiquidation       = errors.New("market ledger: borrower cannot liquidate themselves")
	ErrInvalidCloseAmount    = errors.New("market ledger: liquidation repay amount must be an explicit positive value")
	ErrTooMuchSeize          = errors.New("market ledger: borrower holds fewer collateral tokens than seizure requires")
	ErrInsufficientReserves  = errors.New("market ledger: amount exceeds total reserves")
	ErrReserveFactorBounds   = errors.New("market ledger: reserve factor above 100%")
	ErrUnauthorized          = errors.New("market ledger: caller is not the admin")
	ErrAccountingUnderflow   = errors.New("market ledger: accounting invariant underflow")
)
