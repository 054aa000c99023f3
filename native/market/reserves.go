package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
	"clustercore/native/fixedpoint"
)

// AddReserves transfers underlying from the benefactor straight into the
// protocol's reserve cushion. Open to anyone; only reduction is gated.
func (l *Ledger) AddReserves(benefactor common.Address, amount *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
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
	received, err := l.transferIn(benefactor, amount)
	if err != nil {
		return err
	}
	st.TotalReserves = new(big.Int).Add(st.TotalReserves, received)
	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.ReservesAdded{
		Market:        l.id,
		Benefactor:    benefactor,
		Amount:        received,
		TotalReserves: new(big.Int).Set(st.TotalReserves),
	})
	return nil
}

// ReduceReserves pays accumulated reserves out to the admin. Requires fresh
// accrual, sufficient pooled cash and amount within total reserves.
func (l *Ledger) ReduceReserves(caller common.Address, amount *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if caller != l.admin {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
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
	cash, err := l.Cash()
	if err != nil {
		return err
	}
	if cash.Cmp(amount) < 0 {
		return ErrInsufficientCash
	}
	if st.TotalReserves.Cmp(amount) < 0 {
		return ErrInsufficientReserves
	}

	st.TotalReserves = new(big.Int).Sub(st.TotalReserves, amount)
	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return err
	}
	if err := l.underlying.Transfer(l.moduleAddr, caller, amount); err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.ReservesReduced{
		Market:        l.id,
		Recipient:     caller,
		Amount:        amount,
		TotalReserves: new(big.Int).Set(st.TotalReserves),
	})
	return nil
}

// SetReserveFactor updates the interest share routed to reserves. Admin
// only, fresh accrual required, bounded by 100%.
func (l *Ledger) SetReserveFactor(caller common.Address, factor *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if caller != l.admin {
		return ErrUnauthorized
	}
	if factor == nil || factor.Sign() < 0 {
		return ErrInvalidAmount
	}
	if factor.Cmp(fixedpoint.ExpScale) > 0 {
		return ErrReserveFactorBounds
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
	old := st.ReserveFactor
	st.ReserveFactor = new(big.Int).Set(factor)
	if err := l.store.PutLedgerState(l.id, st); err != nil {
		return err
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.ParamUpdated{
		Param:  "reserveFactor",
		Market: l.id,
		Old:    events.BigIntString(old),
		New:    events.BigIntString(factor),
	})
	return nil
}

// SwapRateModel replaces the interest-rate curve. Admin only; interest is
// accrued under the old model first so no period is priced twice.
func (l *Ledger) SwapRateModel(caller common.Address, model RateModel) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if caller != l.admin {
		return ErrUnauthorized
	}
	if model == nil {
		return errNilRateModel
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
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true
	l.rateModel = model

	if accrueEvt != nil {
		l.emitter.Emit(*accrueEvt)
	}
	l.emitter.Emit(events.ParamUpdated{
		Param:  "rateModel",
		Market: l.id,
		Old:    "",
		New:    "updated",
	})
	return nil
}
