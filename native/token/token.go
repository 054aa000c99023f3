// Package token defines the underlying fungible-asset interface the lending
// ledgers transfer value through. The asset's own ledger is an external
// collaborator: the lending core never trusts a cached balance, it re-reads
// BalanceOf whenever pooled cash matters.
package token

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrInvalidAmount       = errors.New("token: amount must be positive")
)

// Token is the minimal surface of an underlying asset ledger. Transfer moves
// value between holders and may run arbitrary callee logic (fee-on-transfer,
// hooks), which is exactly why callers measure balances around it instead of
// trusting the requested amount.
type Token interface {
	BalanceOf(holder common.Address) (*big.Int, error)
	Transfer(from, to common.Address, amount *big.Int) error
}

// Book is a plain in-memory token ledger. The daemon uses it for the
// incentive-token treasury and tests use it as the underlying asset.
type Book struct {
	symbol   string
	balances map[common.Address]*big.Int
}

func NewBook(symbol string) *Book {
	return &Book{symbol: symbol, balances: make(map[common.Address]*big.Int)}
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) BalanceOf(holder common.Address) (*big.Int, error) {
	if bal, ok := b.balances[holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (b *Book) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := b.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.balances[from] = new(big.Int).Sub(fromBal, amount)
	b.balances[to] = new(big.Int).Add(b.balance(to), amount)
	return nil
}

// Mint credits freshly issued units to a holder. Genesis/test helper.
func (b *Book) Mint(holder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	b.balances[holder] = new(big.Int).Add(b.balance(holder), amount)
}

func (b *Book) balance(holder common.Address) *big.Int {
	if bal, ok := b.balances[holder]; ok {
		return bal
	}
	return big.NewInt(0)
}
