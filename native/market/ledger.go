// Package market implements the per-asset ledger state machine: supply,
// borrow, repay, redeem, liquidate, seize, interest accrual and reserves.
// Every mutating operation accrues interest first, asks the risk controller
// for authorization, writes storage through an all-or-nothing overlay, and
// only then performs the external value transfer under a non-reentrant
// guard.
package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
	nativecommon "clustercore/native/common"
	"clustercore/native/fixedpoint"
	"clustercore/native/token"
)

// RepayMax is the sentinel accepted by Repay/RepayBehalf meaning "the
// caller's entire current debt".
var RepayMax = big.NewInt(-1)

var (
	// borrowRateCeiling bounds the per-block borrow rate (1e18 scale) the
	// rate model may return. Exceeding it is a fatal inconsistency, not a
	// throttle.
	borrowRateCeiling = big.NewInt(5_000_000_000_000) // 0.0005% per block

	// protocolSeizeShare is the 1e18-scaled fraction of seized collateral
	// retained by the protocol as reserves.
	protocolSeizeShare = big.NewInt(28_000_000_000_000_000) // 2.8%
)

// RateModel is the external interest-rate curve: a pure function from the
// current ledger snapshot to a 1e18-scaled per-block rate.
type RateModel interface {
	BorrowRatePerBlock(cash, borrows, reserves *big.Int) (*big.Int, error)
	SupplyRatePerBlock(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error)
}

// CollateralLedger is the surface one ledger needs from another during
// liquidation. It is always obtained through the controller's directory,
// never held as an ambient reference.
type CollateralLedger interface {
	ID() string
	AccrueInterest() error
	LastAccrualBlock() (uint64, error)
	ClaimBalance(holder common.Address) (*big.Int, error)
	Seize(seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int) error
}

// Controller is the risk engine as seen from a ledger: a pre-check hook per
// economic action, an observational post-hook, seize sizing, and the
// directory used to reach a sibling ledger.
type Controller interface {
	MintAllowed(marketID string, minter common.Address, amount *big.Int) error
	MintVerify(marketID string, minter common.Address, amountIn, tokensOut *big.Int)
	RedeemAllowed(marketID string, redeemer common.Address, tokens *big.Int) error
	RedeemVerify(marketID string, redeemer common.Address, amountOut, tokens *big.Int)
	BorrowAllowed(marketID string, borrower common.Address, amount *big.Int) error
	BorrowVerify(marketID string, borrower common.Address, amount *big.Int)
	RepayAllowed(marketID string, payer, borrower common.Address, amount *big.Int) error
	RepayVerify(marketID string, payer, borrower common.Address, amount *big.Int)
	LiquidateAllowed(borrowedMarket, collateralMarket string, liquidator, borrower common.Address, repayAmount *big.Int) error
	LiquidateVerify(borrowedMarket, collateralMarket string, liquidator, borrower common.Address, repayAmount, seizeTokens *big.Int)
	SeizeAllowed(collateralMarket, seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int) error
	SeizeVerify(collateralMarket, seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int)
	TransferAllowed(marketID string, src, dst common.Address, tokens *big.Int) error
	TransferVerify(marketID string, src, dst common.Address, tokens *big.Int)
	CalculateSeizeTokens(borrowedMarket, collateralMarket string, repayAmount *big.Int) (*big.Int, error)
	CollateralLedger(marketID string) (CollateralLedger, error)
}

// Ledger orchestrates the state transitions for one pooled asset.
type Ledger struct {
	id         string
	moduleAddr common.Address
	store      Store
	underlying token.Token
	controller Controller
	rateModel  RateModel
	clock      nativecommon.Clock
	emitter    events.Emitter
	admin      common.Address

	initialExchangeRate *big.Int

	// busy is the non-reentrant guard: set before any external call,
	// cleared on exit. Execution is sequential so a plain bool suffices.
	busy bool
}

// NewLedger constructs a market ledger for one pooled asset. The module
// address is the account the pool's cash is held under on the underlying
// token's own ledger.
func NewLedger(id string, moduleAddr common.Address, underlying token.Token, store Store, clock nativecommon.Clock) *Ledger {
	return &Ledger{
		id:                  id,
		moduleAddr:          moduleAddr,
		underlying:          underlying,
		store:               store,
		clock:               clock,
		emitter:             events.NoopEmitter{},
		initialExchangeRate: fixedpoint.One(),
	}
}

// SetController wires the risk engine hooks.
func (l *Ledger) SetController(c Controller) {
	if l == nil {
		return
	}
	l.controller = c
}

// SetRateModel configures the interest-rate curve consulted during accrual.
func (l *Ledger) SetRateModel(m RateModel) {
	if l == nil {
		return
	}
	l.rateModel = m
}

// SetEmitter wires the event sink. A nil emitter resets to the no-op sink.
func (l *Ledger) SetEmitter(e events.Emitter) {
	if l == nil {
		return
	}
	if e == nil {
		e = events.NoopEmitter{}
	}
	l.emitter = e
}

// SetAdmin assigns the account allowed to run reserve and rate-model
// administration.
func (l *Ledger) SetAdmin(admin common.Address) {
	if l == nil {
		return
	}
	l.admin = admin
}

// SetInitialExchangeRate overrides the 1e18-scaled bootstrap exchange rate
// used while total supply is zero.
func (l *Ledger) SetInitialExchangeRate(rate *big.Int) {
	if l == nil || rate == nil || rate.Sign() <= 0 {
		return
	}
	l.initialExchangeRate = new(big.Int).Set(rate)
}

// ID returns the market identifier.
func (l *Ledger) ID() string { return l.id }

// ModuleAddress returns the pool's cash-holding account.
func (l *Ledger) ModuleAddress() common.Address { return l.moduleAddr }

func (l *Ledger) enter() error {
	if l.busy {
		return ErrReentered
	}
	l.busy = true
	return nil
}

func (l *Ledger) exit() { l.busy = false }

// Cash re-derives the pool's held balance from the underlying asset's own
// ledger. It is never cached beyond a single operation.
func (l *Ledger) Cash() (*big.Int, error) {
	return l.underlying.BalanceOf(l.moduleAddr)
}

func (l *Ledger) loadState() (*LedgerState, error) {
	if l.store == nil {
		return nil, errNilStore
	}
	st, err := l.store.LedgerState(l.id)
	if err != nil {
		return nil, err
	}
	first := st == nil
	st = ensureState(st)
	if first {
		st.LastAccrualBlock = l.clock.Height()
	}
	return st, nil
}

func (l *Ledger) loadPosition(addr common.Address) (*Position, error) {
	if l.store == nil {
		return nil, errNilStore
	}
	pos, err := l.store.Position(l.id, addr)
	if err != nil {
		return nil, err
	}
	return ensurePosition(pos), nil
}

// AccrueInterest advances the borrow index, total borrows and reserves to
// the current block. Calling it twice at the same height is a no-op the
// second time.
func (l *Ledger) AccrueInterest() error {
	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()
	evt, err := l.accrueInternal()
	if err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true
	if evt != nil {
		l.emitter.Emit(*evt)
	}
	return nil
}

// accrueInternal runs inside an open store overlay and returns the accrual
// event for the caller to emit after its own commit.
func (l *Ledger) accrueInternal() (*events.MarketAccrue, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	now := l.clock.Height()
	if st.LastAccrualBlock == now {
		return nil, nil
	}
	if st.LastAccrualBlock > now {
		return nil, fmt.Errorf("%w: ledger at block %d, clock at %d", ErrStaleAccrual, st.LastAccrualBlock, now)
	}
	if l.rateModel == nil {
		return nil, errNilRateModel
	}

	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	rate, err := l.rateModel.BorrowRatePerBlock(cash, st.TotalBorrows, st.TotalReserves)
	if err != nil {
		return nil, err
	}
	if rate.Cmp(borrowRateCeiling) > 0 {
		return nil, fmt.Errorf("%w: %s per block", ErrRateOutOfBounds, rate)
	}

	delta := new(big.Int).SetUint64(now - st.LastAccrualBlock)
	factor := new(big.Int).Mul(rate, delta)

	interest, err := fixedpoint.MulScalarTrunc(factor, st.TotalBorrows)
	if err != nil {
		return nil, err
	}
	totalBorrows, err := fixedpoint.MulScalarTruncAdd(factor, st.TotalBorrows, st.TotalBorrows)
	if err != nil {
		return nil, err
	}
	totalReserves, err := fixedpoint.MulScalarTruncAdd(st.ReserveFactor, interest, st.TotalReserves)
	if err != nil {
		return nil, err
	}
	borrowIndex, err := fixedpoint.MulScalarTruncAdd(factor, st.BorrowIndex, st.BorrowIndex)
	if err != nil {
		return nil, err
	}

	st.TotalBorrows = totalBorrows
	st.TotalReserves = totalReserves
	st.BorrowIndex = borrowIndex
	st.LastAccrualBlock = now

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return nil, err
	}
	return &events.MarketAccrue{
		Market:       l.id,
		Block:        now,
		Interest:     interest,
		BorrowIndex:  new(big.Int).Set(borrowIndex),
		TotalBorrows: new(big.Int).Set(totalBorrows),
	}, nil
}

// requireFresh enforces the freshness invariant: a mutating operation that
// observes a stale accrual block after its own accrual call is a fatal
// inconsistency.
func (l *Ledger) requireFresh(st *LedgerState) error {
	if now := l.clock.Height(); st.LastAccrualBlock != now {
		return fmt.Errorf("%w: ledger at block %d, clock at %d", ErrStaleAccrual, st.LastAccrualBlock, now)
	}
	return nil
}

// LastAccrualBlock reports the stored accrual height.
func (l *Ledger) LastAccrualBlock() (uint64, error) {
	st, err := l.loadState()
	if err != nil {
		return 0, err
	}
	return st.LastAccrualBlock, nil
}

func (l *Ledger) exchangeRateInternal(st *LedgerState, cash *big.Int) (*big.Int, error) {
	if st.TotalSupply.Sign() == 0 {
		return new(big.Int).Set(l.initialExchangeRate), nil
	}
	// (cash + totalBorrows - totalReserves) / totalSupply. The numerator
	// can go negative when reserves were skimmed against thin cash; treat
	// that as a detectable failure rather than assuming it away.
	num := new(big.Int).Add(cash, st.TotalBorrows)
	num.Sub(num, st.TotalReserves)
	if num.Sign() < 0 {
		return nil, fmt.Errorf("%w: reserves exceed cash plus borrows", ErrAccountingUnderflow)
	}
	return fixedpoint.Div(num, st.TotalSupply)
}

// ExchangeRate accrues interest and returns the current 1e18-scaled
// claim-token/underlying conversion rate.
func (l *Ledger) ExchangeRate() (*big.Int, error) {
	if err := l.AccrueInterest(); err != nil {
		return nil, err
	}
	return l.ExchangeRateStored()
}

// ExchangeRateStored computes the exchange rate from stored state without
// accruing.
func (l *Ledger) ExchangeRateStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	return l.exchangeRateInternal(st, cash)
}

func currentDebt(pos *Position, st *LedgerState) (*big.Int, error) {
	if pos.Borrow.Principal.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return fixedpoint.MulDiv(pos.Borrow.Principal, st.BorrowIndex, pos.Borrow.InterestIndex)
}

// BorrowBalanceStored returns the account's current debt computed from the
// stored snapshot and index, without accruing.
func (l *Ledger) BorrowBalanceStored(addr common.Address) (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	pos, err := l.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return currentDebt(pos, st)
}

// ClaimBalance returns the account's claim-token balance.
func (l *Ledger) ClaimBalance(addr common.Address) (*big.Int, error) {
	pos, err := l.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.Tokens), nil
}

// AccountSnapshot returns (claim tokens, current debt, exchange rate) from
// stored state in one call; the risk engine's liquidity computation runs on
// these.
func (l *Ledger) AccountSnapshot(addr common.Address) (*big.Int, *big.Int, *big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, nil, nil, err
	}
	pos, err := l.loadPosition(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	debt, err := currentDebt(pos, st)
	if err != nil {
		return nil, nil, nil, err
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, nil, nil, err
	}
	rate, err := l.exchangeRateInternal(st, cash)
	if err != nil {
		return nil, nil, nil, err
	}
	return new(big.Int).Set(pos.Tokens), debt, rate, nil
}

// TotalSupplyStored returns the outstanding claim-token supply.
func (l *Ledger) TotalSupplyStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(st.TotalSupply), nil
}

// TotalBorrowsStored returns outstanding borrows from stored state.
func (l *Ledger) TotalBorrowsStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(st.TotalBorrows), nil
}

// TotalReservesStored returns accumulated reserves from stored state.
func (l *Ledger) TotalReservesStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(st.TotalReserves), nil
}

// BorrowIndexStored returns the stored cumulative borrow index.
func (l *Ledger) BorrowIndexStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(st.BorrowIndex), nil
}

// ReserveFactorStored returns the stored 1e18-scaled reserve factor.
func (l *Ledger) ReserveFactorStored() (*big.Int, error) {
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(st.ReserveFactor), nil
}

// transferIn pulls amount from the payer and returns the balance delta
// actually received, which is what all crediting math must use.
func (l *Ledger) transferIn(from common.Address, amount *big.Int) (*big.Int, error) {
	before, err := l.Cash()
	if err != nil {
		return nil, err
	}
	if err := l.underlying.Transfer(from, l.moduleAddr, amount); err != nil {
		return nil, err
	}
	after, err := l.Cash()
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(after, before)
	if received.Sign() < 0 {
		return nil, fmt.Errorf("%w: pooled cash decreased during transfer in", ErrAccountingUnderflow)
	}
	return received, nil
}

// Mint deposits underlying into the pool and credits claim tokens priced at
// the current exchange rate. The minted amount is computed from what was
// actually received, never from the request.
func (l *Ledger) Mint(minter common.Address, amount *big.Int) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if l.controller == nil {
		return nil, errNilController
	}

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()

	accrueEvt, err := l.accrueInternal()
	if err != nil {
		return nil, err
	}
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	if err := l.requireFresh(st); err != nil {
		return nil, err
	}
	if err := l.controller.MintAllowed(l.id, minter, amount); err != nil {
		return nil, err
	}

	received, err := l.transferIn(minter, amount)
	if err != nil {
		return nil, err
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	// Rate is computed on pre-deposit cash so the depositor does not price
	// their own liquidity into the pool.
	preCash := new(big.Int).Sub(cash, received)
	rate, err := l.exchangeRateInternal(st, preCash)
	if err != nil {
		return nil, err
	}
	tokens, err := fixedpoint.Div(received, rate)
	if err != nil {
		return nil, err
	}
	if tokens.Sign() == 0 {
		// The deposit is worth less than one claim token. Refund it; minting
		// zero tokens would strand the value as unpriced pool cash.
		if err := l.underlying.Transfer(l.moduleAddr, minter, received); err != nil {
			return nil, err
		}
		return nil, ErrAmountTooSmall
	}

	pos, err := l.loadPosition(minter)
	if err != nil {
		return nil, err
	}
	st.TotalSupply = new(big.Int).Add(st.TotalSupply, tokens)
	pos.Tokens = new(big.Int).Add(pos.Tokens, tokens)

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return nil, err
	}
	if err := l.store.PutPosition(l.id, minter, pos); err != nil {
		return nil, err
	}
	if err := l.store.Commit(); err != nil {
		return nil, err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.MarketMint{
		Market:      l.id,
		Minter:      minter,
		AmountIn:    received,
		TokensOut:   tokens,
		TotalSupply: new(big.Int).Set(st.TotalSupply),
	})
	l.controller.MintVerify(l.id, minter, received, tokens)
	return tokens, nil
}

// Redeem burns claim tokens for underlying. Exactly one of tokensIn and
// amountIn must be zero; the other side of the pair is derived from the
// exchange rate.
func (l *Ledger) Redeem(redeemer common.Address, tokensIn, amountIn *big.Int) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()
	if tokensIn == nil {
		tokensIn = big.NewInt(0)
	}
	if amountIn == nil {
		amountIn = big.NewInt(0)
	}
	if tokensIn.Sign() < 0 || amountIn.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if (tokensIn.Sign() == 0) == (amountIn.Sign() == 0) {
		return nil, ErrRedeemInput
	}
	if l.controller == nil {
		return nil, errNilController
	}

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()

	accrueEvt, err := l.accrueInternal()
	if err != nil {
		return nil, err
	}
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	if err := l.requireFresh(st); err != nil {
		return nil, err
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	rate, err := l.exchangeRateInternal(st, cash)
	if err != nil {
		return nil, err
	}

	var tokens, amount *big.Int
	if tokensIn.Sign() > 0 {
		tokens = new(big.Int).Set(tokensIn)
		amount, err = fixedpoint.MulScalarTrunc(rate, tokens)
	} else {
		amount = new(big.Int).Set(amountIn)
		tokens, err = fixedpoint.Div(amount, rate)
	}
	if err != nil {
		return nil, err
	}
	// Both sides of the pair must be nonzero: paying out underlying against
	// zero burned tokens drains the pool, and burning tokens for zero
	// underlying strands the redeemer's value.
	if tokens.Sign() == 0 || amount.Sign() == 0 {
		return nil, ErrAmountTooSmall
	}

	if err := l.controller.RedeemAllowed(l.id, redeemer, tokens); err != nil {
		return nil, err
	}

	pos, err := l.loadPosition(redeemer)
	if err != nil {
		return nil, err
	}
	if pos.Tokens.Cmp(tokens) < 0 {
		return nil, ErrInsufficientTokens
	}
	if cash.Cmp(amount) < 0 {
		return nil, ErrInsufficientCash
	}

	// Debit before the external transfer out.
	st.TotalSupply = new(big.Int).Sub(st.TotalSupply, tokens)
	pos.Tokens = new(big.Int).Sub(pos.Tokens, tokens)
	if st.TotalSupply.Sign() < 0 {
		return nil, ErrAccountingUnderflow
	}

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return nil, err
	}
	if err := l.store.PutPosition(l.id, redeemer, pos); err != nil {
		return nil, err
	}
	if err := l.underlying.Transfer(l.moduleAddr, redeemer, amount); err != nil {
		return nil, err
	}
	if err := l.store.Commit(); err != nil {
		return nil, err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.MarketRedeem{
		Market:    l.id,
		Redeemer:  redeemer,
		TokensIn:  tokens,
		AmountOut: amount,
	})
	l.controller.RedeemVerify(l.id, redeemer, amount, tokens)
	return amount, nil
}

// Borrow lends pooled cash to the borrower against their collateral
// elsewhere, recording the debt as a principal/index snapshot.
func (l *Ledger) Borrow(borrower common.Address, amount *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if l.controller == nil {
		return errNilController
	}

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()

	accrueEvt, err := l.accrueInternal()
	if err != nil {
		return err
	}
	st, err := l.loadState()
	if err != nil {
		return err
	}
	if err := l.requireFresh(st); err != nil {
		return err
	}
	if err := l.controller.BorrowAllowed(l.id, borrower, amount); err != nil {
		return err
	}
	cash, err := l.Cash()
	if err != nil {
		return err
	}
	if cash.Cmp(amount) < 0 {
		return ErrInsufficientCash
	}

	pos, err := l.loadPosition(borrower)
	if err != nil {
		return err
	}
	debt, err := currentDebt(pos, st)
	if err != nil {
		return err
	}
	pos.Borrow.Principal = new(big.Int).Add(debt, amount)
	pos.Borrow.InterestIndex = new(big.Int).Set(st.BorrowIndex)
	st.TotalBorrows = new(big.Int).Add(st.TotalBorrows, amount)

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return err
	}
	if err := l.store.PutPosition(l.id, borrower, pos); err != nil {
		return err
	}
	if err := l.underlying.Transfer(l.moduleAddr, borrower, amount); err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.MarketBorrow{
		Market:       l.id,
		Borrower:     borrower,
		Amount:       amount,
		NewPrincipal: new(big.Int).Set(pos.Borrow.Principal),
		TotalBorrows: new(big.Int).Set(st.TotalBorrows),
	})
	l.controller.BorrowVerify(l.id, borrower, amount)
	return nil
}

// Repay settles the caller's own debt. Pass RepayMax to settle everything.
func (l *Ledger) Repay(borrower common.Address, amount *big.Int) (*big.Int, error) {
	return l.RepayBehalf(borrower, borrower, amount)
}

// RepayBehalf settles the borrower's debt with the payer's funds.
func (l *Ledger) RepayBehalf(payer, borrower common.Address, amount *big.Int) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()

	accrueEvt, err := l.accrueInternal()
	if err != nil {
		return nil, err
	}
	repaid, evt, err := l.repayInternal(payer, borrower, amount)
	if err != nil {
		return nil, err
	}
	if err := l.store.Commit(); err != nil {
		return nil, err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(*evt)
	l.controller.RepayVerify(l.id, payer, borrower, repaid)
	return repaid, nil
}

// repayInternal runs inside an open overlay with interest already accrued.
func (l *Ledger) repayInternal(payer, borrower common.Address, amount *big.Int) (*big.Int, *events.MarketRepay, error) {
	if l.controller == nil {
		return nil, nil, errNilController
	}
	st, err := l.loadState()
	if err != nil {
		return nil, nil, err
	}
	if err := l.requireFresh(st); err != nil {
		return nil, nil, err
	}

	pos, err := l.loadPosition(borrower)
	if err != nil {
		return nil, nil, err
	}
	debt, err := currentDebt(pos, st)
	if err != nil {
		return nil, nil, err
	}
	if debt.Sign() == 0 {
		return nil, nil, ErrNoDebt
	}

	if amount == nil || amount.Cmp(RepayMax) == 0 {
		amount = debt
	}
	if amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount.Cmp(debt) > 0 {
		return nil, nil, ErrRepayExceedsDebt
	}
	if err := l.controller.RepayAllowed(l.id, payer, borrower, amount); err != nil {
		return nil, nil, err
	}

	received, err := l.transferIn(payer, amount)
	if err != nil {
		return nil, nil, err
	}
	if received.Cmp(debt) > 0 {
		return nil, nil, ErrRepayExceedsDebt
	}

	pos.Borrow.Principal = new(big.Int).Sub(debt, received)
	pos.Borrow.InterestIndex = new(big.Int).Set(st.BorrowIndex)
	if st.TotalBorrows.Cmp(received) < 0 {
		return nil, nil, ErrAccountingUnderflow
	}
	st.TotalBorrows = new(big.Int).Sub(st.TotalBorrows, received)

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return nil, nil, err
	}
	if err := l.store.PutPosition(l.id, borrower, pos); err != nil {
		return nil, nil, err
	}
	evt := &events.MarketRepay{
		Market:       l.id,
		Payer:        payer,
		Borrower:     borrower,
		Amount:       received,
		NewPrincipal: new(big.Int).Set(pos.Borrow.Principal),
		TotalBorrows: new(big.Int).Set(st.TotalBorrows),
	}
	return received, evt, nil
}

// Liquidate repays part of an undercollateralized borrower's debt with the
// liquidator's funds and seizes discounted collateral claim tokens, possibly
// held in a sibling market reached through the controller's directory.
func (l *Ledger) Liquidate(liquidator, borrower common.Address, repayAmount *big.Int, collateralMarket string) (*big.Int, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	defer l.exit()
	if liquidator == borrower {
		return nil, ErrSelfLiquidation
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 || repayAmount.Cmp(RepayMax) == 0 {
		return nil, ErrInvalidCloseAmount
	}
	if l.controller == nil {
		return nil, errNilController
	}

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()

	accrueEvt, err := l.accrueInternal()
	if err != nil {
		return nil, err
	}
	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	if err := l.requireFresh(st); err != nil {
		return nil, err
	}

	var collateral CollateralLedger
	if collateralMarket != l.id {
		collateral, err = l.controller.CollateralLedger(collateralMarket)
		if err != nil {
			return nil, err
		}
		if err := collateral.AccrueInterest(); err != nil {
			return nil, err
		}
		colBlock, err := collateral.LastAccrualBlock()
		if err != nil {
			return nil, err
		}
		if colBlock != l.clock.Height() {
			return nil, fmt.Errorf("%w: collateral market %s at block %d", ErrStaleAccrual, collateralMarket, colBlock)
		}
	}

	if err := l.controller.LiquidateAllowed(l.id, collateralMarket, liquidator, borrower, repayAmount); err != nil {
		return nil, err
	}

	actualRepay, repayEvt, err := l.repayInternal(liquidator, borrower, repayAmount)
	if err != nil {
		return nil, err
	}

	seizeTokens, err := l.controller.CalculateSeizeTokens(l.id, collateralMarket, actualRepay)
	if err != nil {
		return nil, err
	}

	var holding *big.Int
	if collateral == nil {
		holding, err = l.ClaimBalance(borrower)
	} else {
		holding, err = collateral.ClaimBalance(borrower)
	}
	if err != nil {
		return nil, err
	}
	if holding.Cmp(seizeTokens) < 0 {
		return nil, ErrTooMuchSeize
	}

	var seizeEvt *events.MarketSeize
	if collateral == nil {
		seizeEvt, err = l.seizeInternal(l.id, liquidator, borrower, seizeTokens)
		if err != nil {
			return nil, err
		}
	} else {
		if err := collateral.Seize(l.id, liquidator, borrower, seizeTokens); err != nil {
			return nil, err
		}
	}

	if err := l.store.Commit(); err != nil {
		return nil, err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(*repayEvt)
	if seizeEvt != nil {
		l.emitter.Emit(*seizeEvt)
		l.controller.SeizeVerify(l.id, l.id, liquidator, borrower, seizeTokens)
	}
	l.emitter.Emit(events.MarketLiquidate{
		Market:           l.id,
		CollateralMarket: collateralMarket,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayAmount:      actualRepay,
		SeizeTokens:      seizeTokens,
	})
	l.controller.LiquidateVerify(l.id, collateralMarket, liquidator, borrower, actualRepay, seizeTokens)
	return seizeTokens, nil
}

// Seize transfers the borrower's claim tokens to the liquidator (and partly
// to reserves) on behalf of the seizer market. Only reachable with the risk
// engine's approval.
func (l *Ledger) Seize(seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	l.store.Begin()
	ok := false
	defer func() {
		if !ok {
			l.store.Discard()
		}
	}()
	evt, err := l.seizeInternal(seizerMarket, liquidator, borrower, seizeTokens)
	if err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true
	l.emitter.Emit(*evt)
	l.controller.SeizeVerify(l.id, seizerMarket, liquidator, borrower, seizeTokens)
	return nil
}

func (l *Ledger) seizeInternal(seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int) (*events.MarketSeize, error) {
	if l.controller == nil {
		return nil, errNilController
	}
	if seizeTokens == nil || seizeTokens.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if liquidator == borrower {
		return nil, ErrSelfLiquidation
	}
	if err := l.controller.SeizeAllowed(l.id, seizerMarket, liquidator, borrower, seizeTokens); err != nil {
		return nil, err
	}

	st, err := l.loadState()
	if err != nil {
		return nil, err
	}
	borrowerPos, err := l.loadPosition(borrower)
	if err != nil {
		return nil, err
	}
	if borrowerPos.Tokens.Cmp(seizeTokens) < 0 {
		return nil, ErrTooMuchSeize
	}
	liquidatorPos, err := l.loadPosition(liquidator)
	if err != nil {
		return nil, err
	}

	protocolTokens, err := fixedpoint.MulScalarTrunc(protocolSeizeShare, seizeTokens)
	if err != nil {
		return nil, err
	}
	liquidatorTokens := new(big.Int).Sub(seizeTokens, protocolTokens)

	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	rate, err := l.exchangeRateInternal(st, cash)
	if err != nil {
		return nil, err
	}
	protocolAmount, err := fixedpoint.MulScalarTrunc(rate, protocolTokens)
	if err != nil {
		return nil, err
	}

	borrowerPos.Tokens = new(big.Int).Sub(borrowerPos.Tokens, seizeTokens)
	liquidatorPos.Tokens = new(big.Int).Add(liquidatorPos.Tokens, liquidatorTokens)
	st.TotalReserves = new(big.Int).Add(st.TotalReserves, protocolAmount)
	st.TotalSupply = new(big.Int).Sub(st.TotalSupply, protocolTokens)
	if st.TotalSupply.Sign() < 0 {
		return nil, ErrAccountingUnderflow
	}

	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return nil, err
	}
	if err := l.store.PutPosition(l.id, borrower, borrowerPos); err != nil {
		return nil, err
	}
	if err := l.store.PutPosition(l.id, liquidator, liquidatorPos); err != nil {
		return nil, err
	}

	return &events.MarketSeize{
		Market:           l.id,
		SeizerMarket:     seizerMarket,
		Liquidator:       liquidator,
		Borrower:         borrower,
		SeizeTokens:      new(big.Int).Set(seizeTokens),
		LiquidatorTokens: liquidatorTokens,
		ProtocolTokens:   protocolTokens,
	}, nil
}
