// Package risk implements the shared risk engine: the market registry,
// account membership, collateral-factor and liquidity rules, liquidation
// sizing, and the pre/post hooks that authorize every market ledger
// mutation. Consulting the engine also keeps the reward flywheel moving.
package risk

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
	nativecommon "clustercore/native/common"
	"clustercore/native/fixedpoint"
	"clustercore/native/market"
	"clustercore/native/rewards"
)

// Engine is the single shared risk authority. Every ledger consults it
// before mutating; approval is all-or-nothing, there is no partial grant.
type Engine struct {
	store    Store
	books    map[string]Book
	order    []string
	feed     PriceFeed
	flywheel *rewards.Flywheel
	clock    nativecommon.Clock
	emitter  events.Emitter

	admin         common.Address
	pauseGuardian common.Address

	closeFactor          *big.Int
	liquidationIncentive *big.Int
	transferPaused       bool
	seizePaused          bool
}

// NewEngine constructs the risk engine. Close factor and liquidation
// incentive start at conservative defaults (0.5 and 1.08) until governance
// adjusts them.
func NewEngine(store Store, clock nativecommon.Clock, admin common.Address) *Engine {
	return &Engine{
		store:                store,
		books:                make(map[string]Book),
		clock:                clock,
		emitter:              events.NoopEmitter{},
		admin:                admin,
		closeFactor:          big.NewInt(500_000_000_000_000_000),
		liquidationIncentive: big.NewInt(1_080_000_000_000_000_000),
	}
}

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(em events.Emitter) {
	if e == nil {
		return
	}
	if em == nil {
		em = events.NoopEmitter{}
	}
	e.emitter = em
}

// SetFlywheel wires the reward bookkeeping updated as a side effect of the
// hooks.
func (e *Engine) SetFlywheel(f *rewards.Flywheel) {
	if e == nil {
		return
	}
	e.flywheel = f
}

// Flywheel exposes the wired reward flywheel; nil when rewards are off.
func (e *Engine) Flywheel() *rewards.Flywheel { return e.flywheel }

// Book returns the registered ledger for a listed market.
func (e *Engine) Book(marketID string) (Book, error) {
	book, ok := e.books[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	return book, nil
}

// Markets returns the listed market identifiers in listing order.
func (e *Engine) Markets() []string {
	return append([]string(nil), e.order...)
}

func (e *Engine) config(marketID string) (*MarketConfig, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	cfg, err := e.store.MarketConfig(marketID)
	if err != nil {
		return nil, err
	}
	return ensureConfig(cfg), nil
}

func (e *Engine) listedConfig(marketID string) (*MarketConfig, error) {
	cfg, err := e.config(marketID)
	if err != nil {
		return nil, err
	}
	if !cfg.Listed {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	return cfg, nil
}

// IsPaused implements the pause view consulted through the shared guard.
// Keys are "transfer", "seize", or "mint:ID" / "borrow:ID".
func (e *Engine) IsPaused(action string) bool {
	switch action {
	case "transfer":
		return e.transferPaused
	case "seize":
		return e.seizePaused
	}
	kind, marketID, ok := strings.Cut(action, ":")
	if !ok {
		return false
	}
	cfg, err := e.config(marketID)
	if err != nil {
		return false
	}
	switch kind {
	case "mint":
		return cfg.MintPaused
	case "borrow":
		return cfg.BorrowPaused
	}
	return false
}

// --- membership ---

// Membership returns the markets the account has entered, in entry order.
func (e *Engine) Membership(addr common.Address) ([]string, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	return e.store.Membership(addr)
}

func (e *Engine) isMember(addr common.Address, marketID string) (bool, error) {
	entered, err := e.Membership(addr)
	if err != nil {
		return false, err
	}
	for _, id := range entered {
		if id == marketID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) addMembership(addr common.Address, marketID string) error {
	entered, err := e.Membership(addr)
	if err != nil {
		return err
	}
	for _, id := range entered {
		if id == marketID {
			return nil
		}
	}
	entered = append(entered, marketID)
	if err := e.store.PutMembership(addr, entered); err != nil {
		return err
	}
	e.emitter.Emit(events.MarketEntered{Market: marketID, Account: addr})
	return nil
}

// EnterMarkets opts the account's positions in the named markets into its
// collateral set. Any unlisted market aborts the whole call.
func (e *Engine) EnterMarkets(addr common.Address, marketIDs []string) error {
	for _, id := range marketIDs {
		if _, err := e.listedConfig(id); err != nil {
			return err
		}
	}
	for _, id := range marketIDs {
		if err := e.addMembership(addr, id); err != nil {
			return err
		}
	}
	return nil
}

// ExitMarket removes a market from the account's collateral set. Requires
// zero debt in the market and a passing liquidity check with the market's
// collateral hypothetically removed.
func (e *Engine) ExitMarket(addr common.Address, marketID string) error {
	member, err := e.isMember(addr, marketID)
	if err != nil {
		return err
	}
	if !member {
		return nil
	}
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	tokens, debt, _, err := book.AccountSnapshot(addr)
	if err != nil {
		return err
	}
	if debt.Sign() != 0 {
		return ErrNonzeroBorrowBalance
	}
	_, shortfall, err := e.hypotheticalLiquidity(addr, marketID, tokens, big.NewInt(0))
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrInsufficientLiquidity
	}

	entered, err := e.Membership(addr)
	if err != nil {
		return err
	}
	compacted := entered[:0]
	for _, id := range entered {
		if id != marketID {
			compacted = append(compacted, id)
		}
	}
	if err := e.store.PutMembership(addr, compacted); err != nil {
		return err
	}
	e.emitter.Emit(events.MarketExited{Market: marketID, Account: addr})
	return nil
}

// --- flywheel plumbing ---

func (e *Engine) accrueSupplyRewards(marketID string, book Book) error {
	if e.flywheel == nil {
		return nil
	}
	totalSupply, err := book.TotalSupplyStored()
	if err != nil {
		return err
	}
	return e.flywheel.AccrueMarket(marketID, rewards.SideSupply, totalSupply)
}

func (e *Engine) syncSupplierRewards(marketID string, book Book, addr common.Address) error {
	if e.flywheel == nil {
		return nil
	}
	tokens, err := book.ClaimBalance(addr)
	if err != nil {
		return err
	}
	return e.flywheel.SyncAccount(marketID, rewards.SideSupply, addr, tokens)
}

// borrowWeight deflates a debt amount by the current borrow index so reward
// weight does not grow with accrued interest.
func borrowWeight(debt, borrowIndex *big.Int) (*big.Int, error) {
	if debt.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return fixedpoint.Div(debt, borrowIndex)
}

func (e *Engine) accrueBorrowRewards(marketID string, book Book) error {
	if e.flywheel == nil {
		return nil
	}
	totalBorrows, err := book.TotalBorrowsStored()
	if err != nil {
		return err
	}
	index, err := book.BorrowIndexStored()
	if err != nil {
		return err
	}
	weight, err := borrowWeight(totalBorrows, index)
	if err != nil {
		return err
	}
	return e.flywheel.AccrueMarket(marketID, rewards.SideBorrow, weight)
}

func (e *Engine) syncBorrowerRewards(marketID string, book Book, addr common.Address) error {
	if e.flywheel == nil {
		return nil
	}
	debt, err := book.BorrowBalanceStored(addr)
	if err != nil {
		return err
	}
	index, err := book.BorrowIndexStored()
	if err != nil {
		return err
	}
	weight, err := borrowWeight(debt, index)
	if err != nil {
		return err
	}
	return e.flywheel.SyncAccount(marketID, rewards.SideBorrow, addr, weight)
}

// ClaimReward settles every entered market's indices for the holder, then
// pays out pending rewards from the treasury.
func (e *Engine) ClaimReward(holder common.Address) (*big.Int, error) {
	if e.flywheel == nil {
		return big.NewInt(0), nil
	}
	entered, err := e.Membership(holder)
	if err != nil {
		return nil, err
	}
	for _, id := range entered {
		book, err := e.Book(id)
		if err != nil {
			return nil, err
		}
		if err := e.accrueSupplyRewards(id, book); err != nil {
			return nil, err
		}
		if err := e.syncSupplierRewards(id, book, holder); err != nil {
			return nil, err
		}
		if err := e.accrueBorrowRewards(id, book); err != nil {
			return nil, err
		}
		if err := e.syncBorrowerRewards(id, book, holder); err != nil {
			return nil, err
		}
	}
	return e.flywheel.Claim(holder)
}

// --- hooks (market.Controller) ---

// MintAllowed authorizes a supply. Listing and pause checks, plus a supply
// flywheel move.
func (e *Engine) MintAllowed(marketID string, minter common.Address, amount *big.Int) error {
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(marketID); err != nil {
		return err
	}
	if err := nativecommon.Guard(e, "mint:"+marketID); err != nil {
		return err
	}
	if err := e.accrueSupplyRewards(marketID, book); err != nil {
		return err
	}
	return e.syncSupplierRewards(marketID, book, minter)
}

// MintVerify is observational only.
func (e *Engine) MintVerify(string, common.Address, *big.Int, *big.Int) {}

// RedeemAllowed authorizes a redemption, running the hypothetical liquidity
// check when the redeemed tokens back outstanding borrows.
func (e *Engine) RedeemAllowed(marketID string, redeemer common.Address, tokens *big.Int) error {
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(marketID); err != nil {
		return err
	}
	if err := e.redeemAllowedInternal(marketID, redeemer, tokens); err != nil {
		return err
	}
	if err := e.accrueSupplyRewards(marketID, book); err != nil {
		return err
	}
	return e.syncSupplierRewards(marketID, book, redeemer)
}

func (e *Engine) redeemAllowedInternal(marketID string, redeemer common.Address, tokens *big.Int) error {
	member, err := e.isMember(redeemer, marketID)
	if err != nil {
		return err
	}
	// Tokens in a market the account never entered do not back anything.
	if !member {
		return nil
	}
	_, shortfall, err := e.hypotheticalLiquidity(redeemer, marketID, tokens, big.NewInt(0))
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrInsufficientLiquidity
	}
	return nil
}

// RedeemVerify is observational only.
func (e *Engine) RedeemVerify(string, common.Address, *big.Int, *big.Int) {}

// BorrowAllowed authorizes a borrow: pause and cap checks, a live oracle
// price, automatic market entry, and the hypothetical liquidity check with
// this borrow applied.
func (e *Engine) BorrowAllowed(marketID string, borrower common.Address, amount *big.Int) error {
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	cfg, err := e.listedConfig(marketID)
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(e, "borrow:"+marketID); err != nil {
		return err
	}
	if _, err := e.price(marketID); err != nil {
		return err
	}

	// Entry is automatic on first borrow.
	if err := e.addMembership(borrower, marketID); err != nil {
		return err
	}

	if cfg.BorrowCap.Sign() > 0 {
		totalBorrows, err := book.TotalBorrowsStored()
		if err != nil {
			return err
		}
		projected := new(big.Int).Add(totalBorrows, amount)
		if projected.Cmp(cfg.BorrowCap) > 0 {
			return fmt.Errorf("%w: %s", ErrBorrowCapReached, marketID)
		}
	}

	_, shortfall, err := e.hypotheticalLiquidity(borrower, marketID, big.NewInt(0), amount)
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return ErrInsufficientLiquidity
	}

	if err := e.accrueBorrowRewards(marketID, book); err != nil {
		return err
	}
	return e.syncBorrowerRewards(marketID, book, borrower)
}

// BorrowVerify is observational only.
func (e *Engine) BorrowVerify(string, common.Address, *big.Int) {}

// RepayAllowed authorizes a repayment and moves the borrow flywheel.
func (e *Engine) RepayAllowed(marketID string, payer, borrower common.Address, amount *big.Int) error {
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(marketID); err != nil {
		return err
	}
	if err := e.accrueBorrowRewards(marketID, book); err != nil {
		return err
	}
	return e.syncBorrowerRewards(marketID, book, borrower)
}

// RepayVerify is observational only.
func (e *Engine) RepayVerify(string, common.Address, common.Address, *big.Int) {}

// LiquidateAllowed authorizes a liquidation: the borrower must be in
// shortfall and the repay amount within the close-factor bound, unless the
// borrowed market is deprecated, in which case any amount of the debt may
// be closed.
func (e *Engine) LiquidateAllowed(borrowedMarket, collateralMarket string, liquidator, borrower common.Address, repayAmount *big.Int) error {
	borrowedBook, err := e.Book(borrowedMarket)
	if err != nil {
		return err
	}
	borrowedCfg, err := e.listedConfig(borrowedMarket)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(collateralMarket); err != nil {
		return err
	}

	debt, err := borrowedBook.BorrowBalanceStored(borrower)
	if err != nil {
		return err
	}

	deprecated, err := e.isDeprecated(borrowedCfg, borrowedBook)
	if err != nil {
		return err
	}
	if deprecated {
		if repayAmount.Cmp(debt) > 0 {
			return ErrTooMuchRepay
		}
		return nil
	}

	_, shortfall, err := e.AccountLiquidity(borrower)
	if err != nil {
		return err
	}
	if shortfall.Sign() == 0 {
		return ErrInsufficientShortfall
	}
	maxClose, err := fixedpoint.MulScalarTrunc(e.closeFactor, debt)
	if err != nil {
		return err
	}
	if repayAmount.Cmp(maxClose) > 0 {
		return ErrTooMuchRepay
	}
	return nil
}

// LiquidateVerify is observational only.
func (e *Engine) LiquidateVerify(string, string, common.Address, common.Address, *big.Int, *big.Int) {
}

// isDeprecated reports whether a market is being wound down: zero
// collateral factor, borrowing paused, full reserve factor.
func (e *Engine) isDeprecated(cfg *MarketConfig, book Book) (bool, error) {
	if cfg.CollateralFactor.Sign() != 0 || !cfg.BorrowPaused {
		return false, nil
	}
	reserveFactor, err := book.ReserveFactorStored()
	if err != nil {
		return false, err
	}
	return reserveFactor.Cmp(fixedpoint.ExpScale) == 0, nil
}

// SeizeAllowed authorizes the collateral-side seizure during liquidation
// and moves the collateral market's supply flywheel for both parties.
func (e *Engine) SeizeAllowed(collateralMarket, seizerMarket string, liquidator, borrower common.Address, seizeTokens *big.Int) error {
	if err := nativecommon.Guard(e, "seize"); err != nil {
		return err
	}
	collateralBook, err := e.Book(collateralMarket)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(collateralMarket); err != nil {
		return err
	}
	if _, err := e.listedConfig(seizerMarket); err != nil {
		return err
	}
	if err := e.accrueSupplyRewards(collateralMarket, collateralBook); err != nil {
		return err
	}
	if err := e.syncSupplierRewards(collateralMarket, collateralBook, borrower); err != nil {
		return err
	}
	return e.syncSupplierRewards(collateralMarket, collateralBook, liquidator)
}

// SeizeVerify is observational only.
func (e *Engine) SeizeVerify(string, string, common.Address, common.Address, *big.Int) {}

// TransferAllowed authorizes a claim-token transfer, treating it as a
// hypothetical redemption of the source's collateral.
func (e *Engine) TransferAllowed(marketID string, src, dst common.Address, tokens *big.Int) error {
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	if _, err := e.listedConfig(marketID); err != nil {
		return err
	}
	if err := nativecommon.Guard(e, "transfer"); err != nil {
		return err
	}
	if err := e.redeemAllowedInternal(marketID, src, tokens); err != nil {
		return err
	}
	if err := e.accrueSupplyRewards(marketID, book); err != nil {
		return err
	}
	if err := e.syncSupplierRewards(marketID, book, src); err != nil {
		return err
	}
	return e.syncSupplierRewards(marketID, book, dst)
}

// TransferVerify is observational only.
func (e *Engine) TransferVerify(string, common.Address, common.Address, *big.Int) {}

// CollateralLedger implements the directory capability: the only way one
// ledger reaches another during liquidation.
func (e *Engine) CollateralLedger(marketID string) (market.CollateralLedger, error) {
	book, err := e.Book(marketID)
	if err != nil {
		return nil, err
	}
	return book, nil
}
