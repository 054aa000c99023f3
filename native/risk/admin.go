package risk

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
	"clustercore/native/fixedpoint"
	"clustercore/native/rewards"
)

// collateralFactorCeiling caps per-market collateral factors at 0.9.
var collateralFactorCeiling = big.NewInt(900_000_000_000_000_000)

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

// ListMarket registers a ledger with the engine. New markets start with a
// zero collateral factor; supplied tokens earn interest but back nothing
// until governance raises the factor.
func (e *Engine) ListMarket(caller common.Address, book Book) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("risk engine: nil book")
	}
	id := book.ID()
	cfg, err := e.config(id)
	if err != nil {
		return err
	}
	if cfg.Listed {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, id)
	}
	cfg.Listed = true
	if err := e.store.PutMarketConfig(id, cfg); err != nil {
		return err
	}
	e.books[id] = book
	e.order = append(e.order, id)
	e.emitter.Emit(events.MarketListed{Market: id})
	return nil
}

// SetCollateralFactor adjusts how much borrowing power a market's claim
// tokens confer. A nonzero factor requires a live oracle price so the
// collateral can actually be valued.
func (e *Engine) SetCollateralFactor(caller common.Address, marketID string, factor *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	cfg, err := e.listedConfig(marketID)
	if err != nil {
		return err
	}
	if factor == nil || factor.Sign() < 0 || factor.Cmp(collateralFactorCeiling) > 0 {
		return ErrCollateralFactorBounds
	}
	if factor.Sign() > 0 {
		if _, err := e.price(marketID); err != nil {
			return err
		}
	}
	old := cfg.CollateralFactor
	cfg.CollateralFactor = new(big.Int).Set(factor)
	if err := e.store.PutMarketConfig(marketID, cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.ParamUpdated{
		Param:  "collateral_factor",
		Market: marketID,
		Old:    events.BigIntString(old),
		New:    events.BigIntString(factor),
	})
	return nil
}

// SetCloseFactor bounds the share of a debt closable in one liquidation.
// Must lie in (0, 1].
func (e *Engine) SetCloseFactor(caller common.Address, factor *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if factor == nil || factor.Sign() <= 0 || factor.Cmp(fixedpoint.ExpScale) > 0 {
		return ErrCloseFactorBounds
	}
	old := e.closeFactor
	e.closeFactor = new(big.Int).Set(factor)
	e.emitter.Emit(events.ParamUpdated{
		Param: "close_factor",
		Old:   events.BigIntString(old),
		New:   events.BigIntString(factor),
	})
	return nil
}

// SetLiquidationIncentive sets the collateral multiplier paid to
// liquidators. Must be at least 1.
func (e *Engine) SetLiquidationIncentive(caller common.Address, incentive *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if incentive == nil || incentive.Cmp(fixedpoint.ExpScale) < 0 {
		return ErrLiquidationIncentiveBounds
	}
	old := e.liquidationIncentive
	e.liquidationIncentive = new(big.Int).Set(incentive)
	e.emitter.Emit(events.ParamUpdated{
		Param: "liquidation_incentive",
		Old:   events.BigIntString(old),
		New:   events.BigIntString(incentive),
	})
	return nil
}

// SetPriceFeed swaps the oracle consulted for market valuations.
func (e *Engine) SetPriceFeed(caller common.Address, feed PriceFeed) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.feed = feed
	e.emitter.Emit(events.ParamUpdated{Param: "price_feed"})
	return nil
}

// SetBorrowCap limits a market's total outstanding borrows. Zero removes
// the cap.
func (e *Engine) SetBorrowCap(caller common.Address, marketID string, cap *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	cfg, err := e.listedConfig(marketID)
	if err != nil {
		return err
	}
	if cap == nil || cap.Sign() < 0 {
		cap = big.NewInt(0)
	}
	old := cfg.BorrowCap
	cfg.BorrowCap = new(big.Int).Set(cap)
	if err := e.store.PutMarketConfig(marketID, cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.ParamUpdated{
		Param:  "borrow_cap",
		Market: marketID,
		Old:    events.BigIntString(old),
		New:    events.BigIntString(cap),
	})
	return nil
}

// SetPauseGuardian nominates the address allowed to pause (but not
// unpause) market actions.
func (e *Engine) SetPauseGuardian(caller, guardian common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	old := e.pauseGuardian
	e.pauseGuardian = guardian
	e.emitter.Emit(events.ParamUpdated{
		Param: "pause_guardian",
		Old:   old.Hex(),
		New:   guardian.Hex(),
	})
	return nil
}

// requirePauser lets the guardian flip a switch on, while unpausing stays
// admin-only.
func (e *Engine) requirePauser(caller common.Address, paused bool) error {
	if caller == e.admin {
		return nil
	}
	if paused && caller == e.pauseGuardian && e.pauseGuardian != (common.Address{}) {
		return nil
	}
	return ErrUnauthorized
}

// SetMintPaused toggles supplying for one market.
func (e *Engine) SetMintPaused(caller common.Address, marketID string, paused bool) error {
	if err := e.requirePauser(caller, paused); err != nil {
		return err
	}
	cfg, err := e.listedConfig(marketID)
	if err != nil {
		return err
	}
	cfg.MintPaused = paused
	if err := e.store.PutMarketConfig(marketID, cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.PauseToggled{Action: "mint", Market: marketID, Paused: paused, By: caller})
	return nil
}

// SetBorrowPaused toggles borrowing for one market.
func (e *Engine) SetBorrowPaused(caller common.Address, marketID string, paused bool) error {
	if err := e.requirePauser(caller, paused); err != nil {
		return err
	}
	cfg, err := e.listedConfig(marketID)
	if err != nil {
		return err
	}
	cfg.BorrowPaused = paused
	if err := e.store.PutMarketConfig(marketID, cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.PauseToggled{Action: "borrow", Market: marketID, Paused: paused, By: caller})
	return nil
}

// SetTransferPaused toggles claim-token transfers globally.
func (e *Engine) SetTransferPaused(caller common.Address, paused bool) error {
	if err := e.requirePauser(caller, paused); err != nil {
		return err
	}
	e.transferPaused = paused
	e.emitter.Emit(events.PauseToggled{Action: "transfer", Paused: paused, By: caller})
	return nil
}

// SetSeizePaused toggles collateral seizure globally.
func (e *Engine) SetSeizePaused(caller common.Address, paused bool) error {
	if err := e.requirePauser(caller, paused); err != nil {
		return err
	}
	e.seizePaused = paused
	e.emitter.Emit(events.PauseToggled{Action: "seize", Paused: paused, By: caller})
	return nil
}

// SetRewardSpeeds adjusts a market's reward emission rates, settling the
// indices at the old speeds first so no emission is retroactive.
func (e *Engine) SetRewardSpeeds(caller common.Address, marketID string, supplySpeed, borrowSpeed *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.flywheel == nil {
		return nil
	}
	book, err := e.Book(marketID)
	if err != nil {
		return err
	}
	if supplySpeed != nil {
		if err := e.accrueSupplyRewards(marketID, book); err != nil {
			return err
		}
		e.flywheel.SetSpeed(marketID, rewards.SideSupply, supplySpeed)
	}
	if borrowSpeed != nil {
		if err := e.accrueBorrowRewards(marketID, book); err != nil {
			return err
		}
		e.flywheel.SetSpeed(marketID, rewards.SideBorrow, borrowSpeed)
	}
	return nil
}

// GrantReward pays reward tokens from the treasury outside the flywheel.
func (e *Engine) GrantReward(caller, recipient common.Address, amount *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.flywheel == nil {
		return rewards.ErrTreasuryExhausted
	}
	return e.flywheel.Grant(recipient, amount)
}
