package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeMarketMint is emitted when a supplier deposits underlying and
	// receives claim tokens.
	TypeMarketMint = "lending.market.mint"
	// TypeMarketRedeem is emitted when claim tokens are burned for
	// underlying.
	TypeMarketRedeem = "lending.market.redeem"
	// TypeMarketBorrow is emitted when pooled liquidity is lent out.
	TypeMarketBorrow = "lending.market.borrow"
	// TypeMarketRepay is emitted when outstanding debt is repaid, possibly
	// on the borrower's behalf.
	TypeMarketRepay = "lending.market.repay"
	// TypeMarketLiquidate is emitted after a completed liquidation,
	// including the seized collateral amount.
	TypeMarketLiquidate = "lending.market.liquidate"
	// TypeMarketSeize is emitted by the collateral market when claim tokens
	// are forcibly moved from borrower to liquidator and reserves.
	TypeMarketSeize = "lending.market.seize"
	// TypeMarketAccrue is emitted whenever interest accrual advances the
	// borrow index.
	TypeMarketAccrue = "lending.market.accrue"
	// TypeMarketTransfer is emitted on claim-token transfers.
	TypeMarketTransfer = "lending.market.transfer"
	// TypeReservesAdded and TypeReservesReduced audit reserve movements.
	TypeReservesAdded   = "lending.market.reserves.added"
	TypeReservesReduced = "lending.market.reserves.reduced"
)

// MarketMint captures a completed supply operation.
type MarketMint struct {
	Market      string
	Minter      common.Address
	AmountIn    *big.Int
	TokensOut   *big.Int
	TotalSupply *big.Int
}

func (MarketMint) EventType() string { return TypeMarketMint }

// MarketRedeem captures a completed redemption.
type MarketRedeem struct {
	Market    string
	Redeemer  common.Address
	TokensIn  *big.Int
	AmountOut *big.Int
}

func (MarketRedeem) EventType() string { return TypeMarketRedeem }

// MarketBorrow captures a completed borrow and the borrower's new principal.
type MarketBorrow struct {
	Market       string
	Borrower     common.Address
	Amount       *big.Int
	NewPrincipal *big.Int
	TotalBorrows *big.Int
}

func (MarketBorrow) EventType() string { return TypeMarketBorrow }

// MarketRepay captures a completed repayment.
type MarketRepay struct {
	Market       string
	Payer        common.Address
	Borrower     common.Address
	Amount       *big.Int
	NewPrincipal *big.Int
	TotalBorrows *big.Int
}

func (MarketRepay) EventType() string { return TypeMarketRepay }

// MarketLiquidate captures the full liquidation round trip.
type MarketLiquidate struct {
	Market           string
	CollateralMarket string
	Liquidator       common.Address
	Borrower         common.Address
	RepayAmount      *big.Int
	SeizeTokens      *big.Int
}

func (MarketLiquidate) EventType() string { return TypeMarketLiquidate }

// MarketSeize captures the collateral-side claim-token seizure.
type MarketSeize struct {
	Market           string
	SeizerMarket     string
	Liquidator       common.Address
	Borrower         common.Address
	SeizeTokens      *big.Int
	LiquidatorTokens *big.Int
	ProtocolTokens   *big.Int
}

func (MarketSeize) EventType() string { return TypeMarketSeize }

// MarketAccrue captures an interest accrual step.
type MarketAccrue struct {
	Market       string
	Block        uint64
	Interest     *big.Int
	BorrowIndex  *big.Int
	TotalBorrows *big.Int
}

func (MarketAccrue) EventType() string { return TypeMarketAccrue }

// MarketTransfer captures a claim-token transfer between holders.
type MarketTransfer struct {
	Market string
	From   common.Address
	To     common.Address
	Tokens *big.Int
}

func (MarketTransfer) EventType() string { return TypeMarketTransfer }

// ReservesAdded audits a reserve top-up.
type ReservesAdded struct {
	Market        string
	Benefactor    common.Address
	Amount        *big.Int
	TotalReserves *big.Int
}

func (ReservesAdded) EventType() string { return TypeReservesAdded }

// ReservesReduced audits an admin reserve withdrawal.
type ReservesReduced struct {
	Market        string
	Recipient     common.Address
	Amount        *big.Int
	TotalReserves *big.Int
}

func (ReservesReduced) EventType() string { return TypeReservesReduced }
