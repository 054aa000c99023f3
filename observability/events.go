package observability

import (
	"log/slog"

	"clustercore/core/events"
)

// Observer is an event emitter that logs each ledger event and feeds the
// Prometheus collectors. Wired alongside other emitters through
// events.MultiEmitter.
type Observer struct {
	log     *slog.Logger
	lending *lendingMetrics
}

// NewObserver builds an observer over the shared lending collectors.
func NewObserver(log *slog.Logger) *Observer {
	if log == nil {
		log = slog.Default()
	}
	return &Observer{log: log, lending: Lending()}
}

// Emit implements events.Emitter.
func (o *Observer) Emit(evt events.Event) {
	if o == nil || evt == nil {
		return
	}
	o.log.Info("ledger event", slog.String("type", evt.EventType()))
	switch e := evt.(type) {
	case events.MarketMint:
		o.lending.RecordOperation(e.Market, "mint")
	case events.MarketRedeem:
		o.lending.RecordOperation(e.Market, "redeem")
	case events.MarketBorrow:
		o.lending.RecordOperation(e.Market, "borrow")
	case events.MarketRepay:
		o.lending.RecordOperation(e.Market, "repay")
	case events.MarketLiquidate:
		o.lending.RecordOperation(e.Market, "liquidate")
		o.lending.RecordLiquidation(e.Market, e.CollateralMarket)
	case events.MarketSeize:
		o.lending.RecordOperation(e.Market, "seize")
	case events.MarketTransfer:
		o.lending.RecordOperation(e.Market, "transfer")
	case events.MarketAccrue:
		o.lending.RecordAccrual(e.Market, e.Interest, e.BorrowIndex)
	case events.ReservesAdded:
		o.lending.RecordOperation(e.Market, "reserves_add")
		o.lending.RecordReserves(e.Market, e.TotalReserves)
	case events.ReservesReduced:
		o.lending.RecordOperation(e.Market, "reserves_reduce")
		o.lending.RecordReserves(e.Market, e.TotalReserves)
	case events.RewardClaimed:
		o.lending.RecordRewardPaid(e.Paid)
	}
}
