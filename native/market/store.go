package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/native/fixedpoint"
)

// LedgerState captures the global accounting state for one market. Amounts
// are denominated in the underlying asset's smallest unit and expressed as
// big integers; pooled cash is deliberately absent because it is always
// re-derived from the underlying token ledger.
type LedgerState struct {
	// TotalSupply is the aggregate claim-token supply outstanding.
	TotalSupply *big.Int
	// TotalBorrows tracks outstanding borrowed principal plus accrued
	// interest across all accounts.
	TotalBorrows *big.Int
	// TotalReserves is the protocol-retained share of accrued interest.
	TotalReserves *big.Int
	// BorrowIndex is the cumulative interest index applied to borrower
	// debt, 1e18-scaled and starting at 1.0.
	BorrowIndex *big.Int
	// LastAccrualBlock records the block height when interest was last
	// accrued.
	LastAccrualBlock uint64
	// ReserveFactor is the 1e18-scaled fraction of interest routed to
	// reserves.
	ReserveFactor *big.Int
}

// Clone returns a deep copy of the ledger state.
func (s *LedgerState) Clone() *LedgerState {
	if s == nil {
		return nil
	}
	clone := &LedgerState{LastAccrualBlock: s.LastAccrualBlock}
	if s.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(s.TotalSupply)
	}
	if s.TotalBorrows != nil {
		clone.TotalBorrows = new(big.Int).Set(s.TotalBorrows)
	}
	if s.TotalReserves != nil {
		clone.TotalReserves = new(big.Int).Set(s.TotalReserves)
	}
	if s.BorrowIndex != nil {
		clone.BorrowIndex = new(big.Int).Set(s.BorrowIndex)
	}
	if s.ReserveFactor != nil {
		clone.ReserveFactor = new(big.Int).Set(s.ReserveFactor)
	}
	return clone
}

// BorrowSnapshot pins a borrower's principal to the borrow index observed
// when the principal last changed. Current debt is always
// floor(Principal × currentIndex / InterestIndex); raw principal is never
// read as debt.
type BorrowSnapshot struct {
	Principal     *big.Int
	InterestIndex *big.Int
}

// Position is the per-account record inside one market.
type Position struct {
	Tokens *big.Int
	Borrow BorrowSnapshot
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{}
	if p.Tokens != nil {
		clone.Tokens = new(big.Int).Set(p.Tokens)
	}
	if p.Borrow.Principal != nil {
		clone.Borrow.Principal = new(big.Int).Set(p.Borrow.Principal)
	}
	if p.Borrow.InterestIndex != nil {
		clone.Borrow.InterestIndex = new(big.Int).Set(p.Borrow.InterestIndex)
	}
	return clone
}

// Store is the persistence surface one ledger mutates through. Begin,
// Commit and Discard bracket a write overlay so a failed operation leaves no
// partial state; nesting is supported for cross-ledger liquidation.
type Store interface {
	LedgerState(marketID string) (*LedgerState, error)
	PutLedgerState(marketID string, state *LedgerState) error
	Position(marketID string, addr common.Address) (*Position, error)
	PutPosition(marketID string, addr common.Address, pos *Position) error
	Allowance(marketID string, owner, spender common.Address) (*big.Int, error)
	PutAllowance(marketID string, owner, spender common.Address, amount *big.Int) error

	Begin()
	Commit() error
	Discard()
}

func ensureState(st *LedgerState) *LedgerState {
	if st == nil {
		st = &LedgerState{}
	}
	if st.TotalSupply == nil {
		st.TotalSupply = big.NewInt(0)
	}
	if st.TotalBorrows == nil {
		st.TotalBorrows = big.NewInt(0)
	}
	if st.TotalReserves == nil {
		st.TotalReserves = big.NewInt(0)
	}
	if st.BorrowIndex == nil || st.BorrowIndex.Sign() == 0 {
		st.BorrowIndex = fixedpoint.One()
	}
	if st.ReserveFactor == nil {
		st.ReserveFactor = big.NewInt(0)
	}
	return st
}

func ensurePosition(pos *Position) *Position {
	if pos == nil {
		pos = &Position{}
	}
	if pos.Tokens == nil {
		pos.Tokens = big.NewInt(0)
	}
	if pos.Borrow.Principal == nil {
		pos.Borrow.Principal = big.NewInt(0)
	}
	if pos.Borrow.InterestIndex == nil || pos.Borrow.InterestIndex.Sign() == 0 {
		pos.Borrow.InterestIndex = fixedpoint.One()
	}
	return pos
}
