// Package interest provides the standard kinked rate curve: a base rate, a
// linear slope up to a utilization kink, and a steeper jump slope beyond it
// to push utilization back toward the kink.
package interest

import (
	"errors"
	"math/big"

	"clustercore/native/fixedpoint"
)

var ErrInvalidKink = errors.New("interest model: kink must lie in (0, 1]")

// JumpRateModel is a pure function of the ledger snapshot; all parameters
// are 1e18-scaled per-block rates except Kink, which is a 1e18-scaled
// utilization ratio.
type JumpRateModel struct {
	BasePerBlock  *big.Int
	SlopePerBlock *big.Int
	JumpPerBlock  *big.Int
	Kink          *big.Int
}

// NewJumpRateModel validates and constructs the curve.
func NewJumpRateModel(base, slope, jump, kink *big.Int) (*JumpRateModel, error) {
	if kink == nil || kink.Sign() <= 0 || kink.Cmp(fixedpoint.ExpScale) > 0 {
		return nil, ErrInvalidKink
	}
	return &JumpRateModel{
		BasePerBlock:  new(big.Int).Set(base),
		SlopePerBlock: new(big.Int).Set(slope),
		JumpPerBlock:  new(big.Int).Set(jump),
		Kink:          new(big.Int).Set(kink),
	}, nil
}

// Utilization computes borrows / (cash + borrows − reserves), 1e18-scaled;
// zero when there are no borrows.
func (m *JumpRateModel) Utilization(cash, borrows, reserves *big.Int) (*big.Int, error) {
	if borrows == nil || borrows.Sign() == 0 {
		return big.NewInt(0), nil
	}
	denom := new(big.Int).Add(cash, borrows)
	denom.Sub(denom, reserves)
	return fixedpoint.Div(borrows, denom)
}

// BorrowRatePerBlock implements the market ledger's RateModel interface.
func (m *JumpRateModel) BorrowRatePerBlock(cash, borrows, reserves *big.Int) (*big.Int, error) {
	util, err := m.Utilization(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	if util.Cmp(m.Kink) <= 0 {
		return fixedpoint.MulScalarTruncAdd(util, m.SlopePerBlock, m.BasePerBlock)
	}
	atKink, err := fixedpoint.MulScalarTruncAdd(m.Kink, m.SlopePerBlock, m.BasePerBlock)
	if err != nil {
		return nil, err
	}
	excess := new(big.Int).Sub(util, m.Kink)
	return fixedpoint.MulScalarTruncAdd(excess, m.JumpPerBlock, atKink)
}

// SupplyRatePerBlock derives the supplier-side rate:
// borrowRate × utilization × (1 − reserveFactor).
func (m *JumpRateModel) SupplyRatePerBlock(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error) {
	borrowRate, err := m.BorrowRatePerBlock(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	util, err := m.Utilization(cash, borrows, reserves)
	if err != nil {
		return nil, err
	}
	oneMinusReserve := new(big.Int).Sub(fixedpoint.ExpScale, reserveFactor)
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	rateToPool, err := fixedpoint.MulTrunc(borrowRate, oneMinusReserve)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTrunc(util, rateToPool)
}
