package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeMarketListed is emitted when the admin registers a new market.
	TypeMarketListed = "risk.market.listed"
	// TypeMarketEntered and TypeMarketExited track collateral membership.
	TypeMarketEntered = "risk.market.entered"
	TypeMarketExited  = "risk.market.exited"
	// TypeParamUpdated audits every governed parameter change as a
	// before/after pair.
	TypeParamUpdated = "risk.param.updated"
	// TypePauseToggled audits pause and unpause actions.
	TypePauseToggled = "risk.pause.toggled"
)

// MarketListed announces a newly listed market.
type MarketListed struct {
	Market string
}

func (MarketListed) EventType() string { return TypeMarketListed }

// MarketEntered records an account opting a market into its collateral set.
type MarketEntered struct {
	Market  string
	Account common.Address
}

func (MarketEntered) EventType() string { return TypeMarketEntered }

// MarketExited records an account removing a market from its collateral set.
type MarketExited struct {
	Market  string
	Account common.Address
}

func (MarketExited) EventType() string { return TypeMarketExited }

// ParamUpdated is the audit trail for admin mutations. Market is empty for
// engine-global parameters. Old and New are decimal strings so heterogeneous
// parameter types share one event shape.
type ParamUpdated struct {
	Param  string
	Market string
	Old    string
	New    string
}

func (ParamUpdated) EventType() string { return TypeParamUpdated }

// PauseToggled records a guardian or admin flipping an action switch.
type PauseToggled struct {
	Action string
	Market string
	Paused bool
	By     common.Address
}

func (PauseToggled) EventType() string { return TypePauseToggled }

// BigIntString renders audit values for ParamUpdated without forcing callers
// through fmt.
func BigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
