// Package rewards implements the incentive flywheel: cumulative per-market
// reward indices advanced by configured emission speeds, settled against
// per-account snapshots whenever the risk engine is consulted.
package rewards

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
	nativecommon "clustercore/native/common"
	"clustercore/native/fixedpoint"
	"clustercore/native/token"
)

var (
	errNilStore          = errors.New("reward flywheel: store not configured")
	ErrTreasuryExhausted = errors.New("reward flywheel: treasury cannot cover grant")
)

// Side distinguishes the supplier and borrower flywheels of one market.
type Side string

const (
	SideSupply Side = "supply"
	SideBorrow Side = "borrow"
)

// bootstrapIndex is the 1e36 starting value for a market's cumulative
// index. Account snapshots that predate any emission are treated as this
// value, never as zero, so pre-existing positions are not retroactively
// rewarded for dead periods.
var bootstrapIndex = new(big.Int).Set(fixedpoint.DoubleScale)

// MarketState is the cumulative reward index for one market side. Indices
// never decrease.
type MarketState struct {
	Index *big.Int
	Block uint64
}

// Clone returns a deep copy of the market state.
func (s *MarketState) Clone() *MarketState {
	if s == nil {
		return nil
	}
	clone := &MarketState{Block: s.Block}
	if s.Index != nil {
		clone.Index = new(big.Int).Set(s.Index)
	}
	return clone
}

// Store is the flywheel's persistence surface. A nil account index means
// "never synced".
type Store interface {
	RewardMarketState(marketID string, side Side) (*MarketState, error)
	PutRewardMarketState(marketID string, side Side, state *MarketState) error
	RewardAccountIndex(marketID string, side Side, addr common.Address) (*big.Int, error)
	PutRewardAccountIndex(marketID string, side Side, addr common.Address, index *big.Int) error
	RewardAccrued(addr common.Address) (*big.Int, error)
	PutRewardAccrued(addr common.Address, amount *big.Int) error
	RewardReceivable(addr common.Address) (*big.Int, error)
	PutRewardReceivable(addr common.Address, amount *big.Int) error
}

// Flywheel distributes the incentive token proportionally to suppliers and
// borrowers over block time.
type Flywheel struct {
	store        Store
	clock        nativecommon.Clock
	emitter      events.Emitter
	treasury     token.Token
	treasuryAddr common.Address

	supplySpeeds map[string]*big.Int
	borrowSpeeds map[string]*big.Int
}

func NewFlywheel(store Store, clock nativecommon.Clock) *Flywheel {
	return &Flywheel{
		store:        store,
		clock:        clock,
		emitter:      events.NoopEmitter{},
		supplySpeeds: make(map[string]*big.Int),
		borrowSpeeds: make(map[string]*big.Int),
	}
}

// SetEmitter wires the event sink.
func (f *Flywheel) SetEmitter(e events.Emitter) {
	if f == nil {
		return
	}
	if e == nil {
		e = events.NoopEmitter{}
	}
	f.emitter = e
}

// SetTreasury wires the incentive token's ledger and the account claims are
// paid from.
func (f *Flywheel) SetTreasury(t token.Token, addr common.Address) {
	if f == nil {
		return
	}
	f.treasury = t
	f.treasuryAddr = addr
}

func (f *Flywheel) speed(marketID string, side Side) *big.Int {
	var s *big.Int
	if side == SideSupply {
		s = f.supplySpeeds[marketID]
	} else {
		s = f.borrowSpeeds[marketID]
	}
	if s == nil {
		return big.NewInt(0)
	}
	return s
}

// Speed reports the configured per-block emission for one market side.
func (f *Flywheel) Speed(marketID string, side Side) *big.Int {
	return new(big.Int).Set(f.speed(marketID, side))
}

func (f *Flywheel) marketState(marketID string, side Side) (*MarketState, error) {
	if f.store == nil {
		return nil, errNilStore
	}
	st, err := f.store.RewardMarketState(marketID, side)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &MarketState{Index: new(big.Int).Set(bootstrapIndex), Block: f.clock.Height()}
	}
	if st.Index == nil || st.Index.Sign() == 0 {
		st.Index = new(big.Int).Set(bootstrapIndex)
	}
	return st, nil
}

// AccrueMarket advances one side's cumulative index. totalWeight is the
// side's total weighted units: claim tokens outstanding for the supply
// side, borrow-index-deflated debt for the borrow side. The block cursor
// always advances, even when no reward was emitted.
func (f *Flywheel) AccrueMarket(marketID string, side Side, totalWeight *big.Int) error {
	st, err := f.marketState(marketID, side)
	if err != nil {
		return err
	}
	now := f.clock.Height()
	if now <= st.Block {
		return f.store.PutRewardMarketState(marketID, side, st)
	}
	delta := new(big.Int).SetUint64(now - st.Block)
	speed := f.speed(marketID, side)
	if speed.Sign() > 0 && totalWeight != nil && totalWeight.Sign() > 0 {
		accrued := new(big.Int).Mul(speed, delta)
		ratio, err := fixedpoint.Fraction(accrued, totalWeight)
		if err != nil {
			return err
		}
		st.Index = new(big.Int).Add(st.Index, ratio)
	}
	st.Block = now
	return f.store.PutRewardMarketState(marketID, side, st)
}

// SyncAccount settles one account against the current market index for one
// side. accountWeight is the account's weighted units on that side.
func (f *Flywheel) SyncAccount(marketID string, side Side, addr common.Address, accountWeight *big.Int) error {
	st, err := f.marketState(marketID, side)
	if err != nil {
		return err
	}
	accountIndex, err := f.store.RewardAccountIndex(marketID, side, addr)
	if err != nil {
		return err
	}
	if accountIndex == nil || accountIndex.Sign() == 0 {
		// Unset snapshot: bootstrap index, never zero, so the account is
		// not paid for the period before the flywheel existed.
		accountIndex = new(big.Int).Set(bootstrapIndex)
	}

	deltaIndex := new(big.Int).Sub(st.Index, accountIndex)
	if deltaIndex.Sign() < 0 {
		deltaIndex.SetInt64(0)
	}
	if err := f.store.PutRewardAccountIndex(marketID, side, addr, st.Index); err != nil {
		return err
	}
	if deltaIndex.Sign() == 0 || accountWeight == nil || accountWeight.Sign() == 0 {
		return nil
	}

	earned, err := fixedpoint.MulDoubleTrunc(deltaIndex, accountWeight)
	if err != nil {
		return err
	}
	accrued, err := f.Accrued(addr)
	if err != nil {
		return err
	}
	accrued = new(big.Int).Add(accrued, earned)
	if err := f.store.PutRewardAccrued(addr, accrued); err != nil {
		return err
	}
	f.emitter.Emit(events.RewardAccrued{
		Market:  marketID,
		Side:    string(side),
		Account: addr,
		Delta:   earned,
		Total:   new(big.Int).Set(accrued),
	})
	return nil
}

// Accrued returns the account's pending unclaimed reward balance.
func (f *Flywheel) Accrued(addr common.Address) (*big.Int, error) {
	if f.store == nil {
		return nil, errNilStore
	}
	accrued, err := f.store.RewardAccrued(addr)
	if err != nil {
		return nil, err
	}
	if accrued == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(accrued), nil
}

// Receivable returns the protocol's outstanding claim against the account
// for past over-distribution.
func (f *Flywheel) Receivable(addr common.Address) (*big.Int, error) {
	if f.store == nil {
		return nil, errNilStore
	}
	receivable, err := f.store.RewardReceivable(addr)
	if err != nil {
		return nil, err
	}
	if receivable == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(receivable), nil
}

// SetReceivable records a retroactive correction against the account.
func (f *Flywheel) SetReceivable(addr common.Address, amount *big.Int) error {
	if f.store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() < 0 {
		amount = big.NewInt(0)
	}
	return f.store.PutRewardReceivable(addr, new(big.Int).Set(amount))
}

// SetSpeed reconfigures one side's emission. Callers must settle the market
// index (AccrueMarket) under the old speed first so no period is re-priced.
func (f *Flywheel) SetSpeed(marketID string, side Side, speed *big.Int) {
	if speed == nil || speed.Sign() < 0 {
		speed = big.NewInt(0)
	}
	old := f.speed(marketID, side)
	if side == SideSupply {
		f.supplySpeeds[marketID] = new(big.Int).Set(speed)
	} else {
		f.borrowSpeeds[marketID] = new(big.Int).Set(speed)
	}
	f.emitter.Emit(events.RewardSpeedUpdated{
		Market: marketID,
		Side:   string(side),
		Old:    old,
		New:    new(big.Int).Set(speed),
	})
}

// Claim settles the account's pending rewards from the treasury, net of any
// receivable debt. A treasury shortfall leaves the unpaid remainder pending
// rather than failing; claiming never aborts the surrounding economic
// action.
func (f *Flywheel) Claim(addr common.Address) (*big.Int, error) {
	accrued, err := f.Accrued(addr)
	if err != nil {
		return nil, err
	}
	receivable, err := f.Receivable(addr)
	if err != nil {
		return nil, err
	}
	claimable := new(big.Int).Sub(accrued, receivable)
	if claimable.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if f.treasury == nil {
		return big.NewInt(0), nil
	}

	treasuryBal, err := f.treasury.BalanceOf(f.treasuryAddr)
	if err != nil {
		return nil, err
	}
	pay := claimable
	if treasuryBal.Cmp(pay) < 0 {
		pay = treasuryBal
	}
	if pay.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := f.treasury.Transfer(f.treasuryAddr, addr, pay); err != nil {
		return nil, err
	}

	remaining := new(big.Int).Sub(accrued, pay)
	if err := f.store.PutRewardAccrued(addr, remaining); err != nil {
		return nil, err
	}
	f.emitter.Emit(events.RewardClaimed{
		Account:   addr,
		Paid:      new(big.Int).Set(pay),
		Remaining: remaining,
	})
	return pay, nil
}

// Grant pays directly from the treasury without touching accrual state.
// Fails outright when the treasury cannot cover it.
func (f *Flywheel) Grant(recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if f.treasury == nil {
		return ErrTreasuryExhausted
	}
	treasuryBal, err := f.treasury.BalanceOf(f.treasuryAddr)
	if err != nil {
		return err
	}
	if treasuryBal.Cmp(amount) < 0 {
		return ErrTreasuryExhausted
	}
	if err := f.treasury.Transfer(f.treasuryAddr, recipient, amount); err != nil {
		return err
	}
	f.emitter.Emit(events.RewardGranted{
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
	})
	return nil
}
