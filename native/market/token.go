package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/events"
)

// Claim-token surface. Claim tokens are the fungible receipts for pool
// shares; transfers are collateral movements and therefore route through the
// risk engine's TransferAllowed hook before any balance changes.

// BalanceOf reports the holder's claim-token balance.
func (l *Ledger) BalanceOf(holder common.Address) (*big.Int, error) {
	return l.ClaimBalance(holder)
}

// Allowance reports how many claim tokens the spender may move on the
// owner's behalf.
func (l *Ledger) Allowance(owner, spender common.Address) (*big.Int, error) {
	if l.store == nil {
		return nil, errNilStore
	}
	allowance, err := l.store.Allowance(l.id, owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(allowance), nil
}

// Approve sets the spender's allowance over the owner's claim tokens.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if l.store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.store.PutAllowance(l.id, owner, spender, new(big.Int).Set(amount))
}

// Transfer moves the source's own claim tokens.
func (l *Ledger) Transfer(src, dst common.Address, tokens *big.Int) error {
	return l.transferTokens(src, src, dst, tokens)
}

// TransferFrom moves claim tokens using the spender's allowance.
func (l *Ledger) TransferFrom(spender, src, dst common.Address, tokens *big.Int) error {
	return l.transferTokens(spender, src, dst, tokens)
}

func (l *Ledger) transferTokens(spender, src, dst common.Address, tokens *big.Int) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	if tokens == nil || tokens.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if src == dst {
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

	// The hook runs the hypothetical liquidity check treating the transfer
	// as a redemption of src's collateral.
	if err := l.controller.TransferAllowed(l.id, src, dst, tokens); err != nil {
		return err
	}

	var allowance *big.Int
	if spender != src {
		var err error
		allowance, err = l.store.Allowance(l.id, src, spender)
		if err != nil {
			return err
		}
		if allowance == nil || allowance.Cmp(tokens) < 0 {
			return ErrInsufficientAllowance
		}
	}

	srcPos, err := l.loadPosition(src)
	if err != nil {
		return err
	}
	if srcPos.Tokens.Cmp(tokens) < 0 {
		return ErrInsufficientTokens
	}
	dstPos, err := l.loadPosition(dst)
	if err != nil {
		return err
	}

	srcPos.Tokens = new(big.Int).Sub(srcPos.Tokens, tokens)
	dstPos.Tokens = new(big.Int).Add(dstPos.Tokens, tokens)

	if err := l.store.PutPosition(l.id, src, srcPos); err != nil {
		return err
	}
	if err := l.store.PutPosition(l.id, dst, dstPos); err != nil {
		return err
	}
	if allowance != nil {
		if err := l.store.PutAllowance(l.id, src, spender, new(big.Int).Sub(allowance, tokens)); err != nil {
			return err
		}
	}
	if err := l.store.Commit(); err != nil {
		return err
	}
	ok = true

	l.emitter.Emit(events.MarketTransfer{
		Market: l.id,
		From:   src,
		To:     dst,
		Tokens: new(big.Int).Set(tokens),
	})
	l.controller.TransferVerify(l.id, src, dst, tokens)
	return nil
}
