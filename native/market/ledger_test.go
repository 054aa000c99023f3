package market

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "clustercore/native/common"
	"clustercore/native/token"
)

var (
	poolAddr   = common.HexToAddress("0x1000")
	supplier   = common.HexToAddress("0x01")
	borrower   = common.HexToAddress("0x02")
	liquidator = common.HexToAddress("0x03")
	admin      = common.HexToAddress("0xad")
)

// mockStore keeps ledger records in memory with snapshot-based overlays so
// rollback behaviour can be asserted.
type mockStore struct {
	states     map[string]*LedgerState
	positions  map[string]*Position
	allowances map[string]*big.Int
	snapshots  []mockSnapshot
}

type mockSnapshot struct {
	states     map[string]*LedgerState
	positions  map[string]*Position
	allowances map[string]*big.Int
}

func newMockStore() *mockStore {
	return &mockStore{
		states:     make(map[string]*LedgerState),
		positions:  make(map[string]*Position),
		allowances: make(map[string]*big.Int),
	}
}

func (s *mockStore) snapshot() mockSnapshot {
	snap := mockSnapshot{
		states:     make(map[string]*LedgerState, len(s.states)),
		positions:  make(map[string]*Position, len(s.positions)),
		allowances: make(map[string]*big.Int, len(s.allowances)),
	}
	for k, v := range s.states {
		snap.states[k] = v.Clone()
	}
	for k, v := range s.positions {
		snap.positions[k] = v.Clone()
	}
	for k, v := range s.allowances {
		snap.allowances[k] = new(big.Int).Set(v)
	}
	return snap
}

func (s *mockStore) LedgerState(marketID string) (*LedgerState, error) {
	return s.states[marketID].Clone(), nil
}

func (s *mockStore) PutLedgerState(marketID string, st *LedgerState) error {
	s.states[marketID] = st.Clone()
	return nil
}

func posKey(marketID string, addr common.Address) string {
	return marketID + "/" + addr.Hex()
}

func (s *mockStore) Position(marketID string, addr common.Address) (*Position, error) {
	return s.positions[posKey(marketID, addr)].Clone(), nil
}

func (s *mockStore) PutPosition(marketID string, addr common.Address, pos *Position) error {
	s.positions[posKey(marketID, addr)] = pos.Clone()
	return nil
}

func (s *mockStore) Allowance(marketID string, owner, spender common.Address) (*big.Int, error) {
	key := posKey(marketID, owner) + "/" + spender.Hex()
	if v, ok := s.allowances[key]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (s *mockStore) PutAllowance(marketID string, owner, spender common.Address, amount *big.Int) error {
	s.allowances[posKey(marketID, owner)+"/"+spender.Hex()] = new(big.Int).Set(amount)
	return nil
}

func (s *mockStore) Begin() {
	s.snapshots = append(s.snapshots, s.snapshot())
}

func (s *mockStore) Commit() error {
	if len(s.snapshots) == 0 {
		return nil
	}
	s.snapshots = s.snapshots[:len(s.snapshots)-1]
	return nil
}

func (s *mockStore) Discard() {
	if len(s.snapshots) == 0 {
		return
	}
	snap := s.snapshots[len(s.snapshots)-1]
	s.snapshots = s.snapshots[:len(s.snapshots)-1]
	s.states = snap.states
	s.positions = snap.positions
	s.allowances = snap.allowances
}

// allowAllController approves everything. Individual hooks can be overridden
// per test.
type allowAllController struct {
	mintAllowed      func(string, common.Address, *big.Int) error
	redeemAllowed    func(string, common.Address, *big.Int) error
	borrowAllowed    func(string, common.Address, *big.Int) error
	liquidateAllowed func(string, string, common.Address, common.Address, *big.Int) error
	transferAllowed  func(string, common.Address, common.Address, *big.Int) error
	seizeVerify      func(string, string, common.Address, common.Address, *big.Int)
	seizeTokens      *big.Int
	ledgers          map[string]CollateralLedger
}

func (c *allowAllController) MintAllowed(marketID string, minter common.Address, amount *big.Int) error {
	if c.mintAllowed != nil {
		return c.mintAllowed(marketID, minter, amount)
	}
	return nil
}

func (c *allowAllController) MintVerify(string, common.Address, *big.Int, *big.Int) {}

func (c *allowAllController) RedeemAllowed(marketID string, redeemer common.Address, tokens *big.Int) error {
	if c.redeemAllowed != nil {
		return c.redeemAllowed(marketID, redeemer, tokens)
	}
	return nil
}

func (c *allowAllController) RedeemVerify(string, common.Address, *big.Int, *big.Int) {}

func (c *allowAllController) BorrowAllowed(marketID string, borrower common.Address, amount *big.Int) error {
	if c.borrowAllowed != nil {
		return c.borrowAllowed(marketID, borrower, amount)
	}
	return nil
}

func (c *allowAllController) BorrowVerify(string, common.Address, *big.Int) {}

func (c *allowAllController) RepayAllowed(string, common.Address, common.Address, *big.Int) error {
	return nil
}

func (c *allowAllController) RepayVerify(string, common.Address, common.Address, *big.Int) {}

func (c *allowAllController) LiquidateAllowed(borrowedMarket, collateralMarket string, liquidator, borrower common.Address, repayAmount *big.Int) error {
	if c.liquidateAllowed != nil {
		return c.liquidateAllowed(borrowedMarket, collateralMarket, liquidator, borrower, repayAmount)
	}
	return nil
}

func (c *allowAllController) LiquidateVerify(string, string, common.Address, common.Address, *big.Int, *big.Int) {
}

func (c *allowAllController) SeizeAllowed(string, string, common.Address, common.Address, *big.Int) error {
	return nil
}

func (c *allowAllController) SeizeVerify(marketID, seizerMarket string, liquidator, borrower common.Address, tokens *big.Int) {
	if c.seizeVerify != nil {
		c.seizeVerify(marketID, seizerMarket, liquidator, borrower, tokens)
	}
}

func (c *allowAllController) TransferAllowed(marketID string, src, dst common.Address, tokens *big.Int) error {
	if c.transferAllowed != nil {
		return c.transferAllowed(marketID, src, dst, tokens)
	}
	return nil
}

func (c *allowAllController) TransferVerify(string, common.Address, common.Address, *big.Int) {}

func (c *allowAllController) CalculateSeizeTokens(borrowedMarket, collateralMarket string, repayAmount *big.Int) (*big.Int, error) {
	if c.seizeTokens != nil {
		return new(big.Int).Set(c.seizeTokens), nil
	}
	return new(big.Int).Set(repayAmount), nil
}

func (c *allowAllController) CollateralLedger(marketID string) (CollateralLedger, error) {
	if l, ok := c.ledgers[marketID]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("no ledger registered for %s", marketID)
}

// fixedRateModel returns a constant per-block borrow rate.
type fixedRateModel struct {
	rate *big.Int
}

func (m fixedRateModel) BorrowRatePerBlock(cash, borrows, reserves *big.Int) (*big.Int, error) {
	return new(big.Int).Set(m.rate), nil
}

func (m fixedRateModel) SupplyRatePerBlock(cash, borrows, reserves, reserveFactor *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

type fixture struct {
	ledger     *Ledger
	store      *mockStore
	clock      *nativecommon.ManualClock
	underlying *token.Book
	controller *allowAllController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMockStore()
	clock := nativecommon.NewManualClock(1)
	underlying := token.NewBook("USDC")
	underlying.Mint(supplier, big.NewInt(10_000_000))
	underlying.Mint(borrower, big.NewInt(10_000_000))
	underlying.Mint(liquidator, big.NewInt(10_000_000))

	ledger := NewLedger("usdc", poolAddr, underlying, store, clock)
	ledger.SetAdmin(admin)
	ledger.SetRateModel(fixedRateModel{rate: big.NewInt(0)})
	controller := &allowAllController{}
	ledger.SetController(controller)
	return &fixture{
		ledger:     ledger,
		store:      store,
		clock:      clock,
		underlying: underlying,
		controller: controller,
	}
}

func mustMint(t *testing.T, f *fixture, minter common.Address, amount int64) *big.Int {
	t.Helper()
	tokens, err := f.ledger.Mint(minter, big.NewInt(amount))
	if err != nil {
		t.Fatalf("mint %d: %v", amount, err)
	}
	return tokens
}

func TestMintBootstrapRate(t *testing.T) {
	f := newFixture(t)
	tokens := mustMint(t, f, supplier, 500_000)
	if tokens.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("minted %s tokens, want 500000", tokens)
	}
	cash, err := f.ledger.Cash()
	if err != nil {
		t.Fatalf("cash: %v", err)
	}
	if cash.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("pool cash %s, want 500000", cash)
	}
	supply, err := f.ledger.TotalSupplyStored()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(tokens) != 0 {
		t.Fatalf("supply %s != minted %s", supply, tokens)
	}
}

func TestMintRejectsBadAmounts(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.Mint(supplier, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.ledger.Mint(supplier, big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

// feeToken burns a flat fee from every transfer so the receiver gets less
// than the sent amount.
type feeToken struct {
	*token.Book
	fee *big.Int
}

func (ft feeToken) Transfer(from, to common.Address, amount *big.Int) error {
	if err := ft.Book.Transfer(from, to, amount); err != nil {
		return err
	}
	return ft.Book.Transfer(to, common.HexToAddress("0xdead"), ft.fee)
}

func TestMintCreditsReceivedNotRequested(t *testing.T) {
	store := newMockStore()
	clock := nativecommon.NewManualClock(1)
	book := token.NewBook("FEE")
	book.Mint(supplier, big.NewInt(1_000_000))
	underlying := feeToken{Book: book, fee: big.NewInt(100)}

	ledger := NewLedger("fee", poolAddr, underlying, store, clock)
	ledger.SetAdmin(admin)
	ledger.SetRateModel(fixedRateModel{rate: big.NewInt(0)})
	ledger.SetController(&allowAllController{})

	tokens, err := ledger.Mint(supplier, big.NewInt(10_000))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tokens.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("minted %s tokens, want 9900 (received, not requested)", tokens)
	}
}

func TestRedeemInputExclusivity(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 100_000)

	if _, err := f.ledger.Redeem(supplier, big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrRedeemInput) {
		t.Fatalf("expected ErrRedeemInput for neither, got %v", err)
	}
	if _, err := f.ledger.Redeem(supplier, big.NewInt(10), big.NewInt(10)); !errors.Is(err, ErrRedeemInput) {
		t.Fatalf("expected ErrRedeemInput for both, got %v", err)
	}
	if _, err := f.ledger.Redeem(supplier, big.NewInt(-1), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRedeemByTokensAndByAmount(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 500_000)

	amount, err := f.ledger.Redeem(supplier, big.NewInt(200_000), nil)
	if err != nil {
		t.Fatalf("redeem by tokens: %v", err)
	}
	if amount.Cmp(big.NewInt(200_000)) != 0 {
		t.Fatalf("redeemed %s, want 200000", amount)
	}

	amount, err = f.ledger.Redeem(supplier, nil, big.NewInt(50_000))
	if err != nil {
		t.Fatalf("redeem by amount: %v", err)
	}
	if amount.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("redeemed %s, want 50000", amount)
	}

	supply, err := f.ledger.TotalSupplyStored()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("supply %s, want 250000", supply)
	}

	if _, err := f.ledger.Redeem(supplier, big.NewInt(300_000), nil); !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
}

func TestRedeemByAmountBelowOneToken(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 100)
	// Donation doubles the cash behind 100 claim tokens: rate is now 2.0, so
	// one underlying unit rounds to zero burned tokens.
	if err := f.underlying.Transfer(supplier, poolAddr, big.NewInt(100)); err != nil {
		t.Fatalf("donate: %v", err)
	}

	if _, err := f.ledger.Redeem(supplier, nil, big.NewInt(1)); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}

	supply, _ := f.ledger.TotalSupplyStored()
	if supply.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("supply %s, want 100", supply)
	}
	cash, _ := f.underlying.BalanceOf(poolAddr)
	if cash.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("pool cash %s, want 200", cash)
	}
}

func TestMintBelowOneToken(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 100)
	if err := f.underlying.Transfer(supplier, poolAddr, big.NewInt(100)); err != nil {
		t.Fatalf("donate: %v", err)
	}

	// At rate 2.0 a one-unit deposit prices to zero claim tokens and must be
	// refunded rather than absorbed into the pool.
	before, _ := f.underlying.BalanceOf(borrower)
	if _, err := f.ledger.Mint(borrower, big.NewInt(1)); !errors.Is(err, ErrAmountTooSmall) {
		t.Fatalf("expected ErrAmountTooSmall, got %v", err)
	}
	after, _ := f.underlying.BalanceOf(borrower)
	if before.Cmp(after) != 0 {
		t.Fatalf("depositor balance changed: %s -> %s", before, after)
	}
	cash, _ := f.underlying.BalanceOf(poolAddr)
	if cash.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("pool cash %s, want 200", cash)
	}
}

func TestRedeemInsufficientCash(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 500_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(400_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Only 100_000 cash remains in the pool.
	if _, err := f.ledger.Redeem(supplier, big.NewInt(200_000), nil); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
}

func TestAccrualIdempotentAtSameHeight(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetRateModel(fixedRateModel{rate: big.NewInt(1_000_000_000_000)})
	mustMint(t, f, supplier, 2_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.clock.Advance(50_000)
	if err := f.ledger.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	index1, err := f.ledger.BorrowIndexStored()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	borrows1, err := f.ledger.TotalBorrowsStored()
	if err != nil {
		t.Fatalf("borrows: %v", err)
	}

	// Second accrual at the same height must change nothing.
	if err := f.ledger.AccrueInterest(); err != nil {
		t.Fatalf("accrue again: %v", err)
	}
	index2, err := f.ledger.BorrowIndexStored()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	borrows2, err := f.ledger.TotalBorrowsStored()
	if err != nil {
		t.Fatalf("borrows: %v", err)
	}
	if index1.Cmp(index2) != 0 || borrows1.Cmp(borrows2) != 0 {
		t.Fatalf("repeat accrual moved state: index %s->%s borrows %s->%s", index1, index2, borrows1, borrows2)
	}
}

func TestDebtRescaling(t *testing.T) {
	f := newFixture(t)
	// 1e12 per block over 50_000 blocks compounds the simple factor 0.05.
	f.ledger.SetRateModel(fixedRateModel{rate: big.NewInt(1_000_000_000_000)})
	mustMint(t, f, supplier, 2_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.clock.Advance(50_000)
	if err := f.ledger.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	index, err := f.ledger.BorrowIndexStored()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if index.Cmp(big.NewInt(1_050_000_000_000_000_000)) != 0 {
		t.Fatalf("borrow index %s, want 1.05e18", index)
	}
	debt, err := f.ledger.BorrowBalanceStored(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("debt %s, want 1050000", debt)
	}
	borrows, err := f.ledger.TotalBorrowsStored()
	if err != nil {
		t.Fatalf("borrows: %v", err)
	}
	if borrows.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("total borrows %s, want 1050000", borrows)
	}
}

func TestAccrualRoutesReserveShare(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetRateModel(fixedRateModel{rate: big.NewInt(1_000_000_000_000)})
	mustMint(t, f, supplier, 2_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.ledger.SetReserveFactor(admin, big.NewInt(100_000_000_000_000_000)); err != nil {
		t.Fatalf("set reserve factor: %v", err)
	}

	f.clock.Advance(50_000)
	if err := f.ledger.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	reserves, err := f.ledger.TotalReservesStored()
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	// 10% of the 50_000 interest.
	if reserves.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("reserves %s, want 5000", reserves)
	}
}

func TestAccrualRateCeiling(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	f.ledger.SetRateModel(fixedRateModel{rate: big.NewInt(6_000_000_000_000)})
	f.clock.Advance(1)
	if err := f.ledger.AccrueInterest(); !errors.Is(err, ErrRateOutOfBounds) {
		t.Fatalf("expected ErrRateOutOfBounds, got %v", err)
	}
}

func TestBorrowRequiresCash(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 100_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(200_000)); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
}

func TestRepayMaxAndOvershoot(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(300_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := f.ledger.Repay(borrower, big.NewInt(300_001)); !errors.Is(err, ErrRepayExceedsDebt) {
		t.Fatalf("expected ErrRepayExceedsDebt, got %v", err)
	}

	repaid, err := f.ledger.Repay(borrower, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("repaid %s, want 100000", repaid)
	}

	repaid, err = f.ledger.Repay(borrower, RepayMax)
	if err != nil {
		t.Fatalf("repay max: %v", err)
	}
	if repaid.Cmp(big.NewInt(200_000)) != 0 {
		t.Fatalf("repaid %s, want 200000", repaid)
	}

	if _, err := f.ledger.Repay(borrower, RepayMax); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestRepayBehalf(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(300_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	payerBefore, _ := f.underlying.BalanceOf(liquidator)

	repaid, err := f.ledger.RepayBehalf(liquidator, borrower, RepayMax)
	if err != nil {
		t.Fatalf("repay behalf: %v", err)
	}
	if repaid.Cmp(big.NewInt(300_000)) != 0 {
		t.Fatalf("repaid %s, want 300000", repaid)
	}
	payerAfter, _ := f.underlying.BalanceOf(liquidator)
	paid := new(big.Int).Sub(payerBefore, payerAfter)
	if paid.Cmp(big.NewInt(300_000)) != 0 {
		t.Fatalf("payer spent %s, want 300000", paid)
	}
	debt, err := f.ledger.BorrowBalanceStored(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", debt)
	}
}

func TestHookDenialRollsBack(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 500_000)

	denied := errors.New("denied")
	f.controller.borrowAllowed = func(string, common.Address, *big.Int) error { return denied }

	cashBefore, _ := f.ledger.Cash()
	if err := f.ledger.Borrow(borrower, big.NewInt(100_000)); !errors.Is(err, denied) {
		t.Fatalf("expected hook denial, got %v", err)
	}
	cashAfter, _ := f.ledger.Cash()
	if cashBefore.Cmp(cashAfter) != 0 {
		t.Fatalf("cash moved on denied borrow: %s -> %s", cashBefore, cashAfter)
	}
	borrows, err := f.ledger.TotalBorrowsStored()
	if err != nil {
		t.Fatalf("borrows: %v", err)
	}
	if borrows.Sign() != 0 {
		t.Fatalf("borrows recorded on denied borrow: %s", borrows)
	}
}

func TestReentrancyRejected(t *testing.T) {
	f := newFixture(t)
	var reentryErr error
	f.controller.mintAllowed = func(string, common.Address, *big.Int) error {
		_, reentryErr = f.ledger.Mint(supplier, big.NewInt(1))
		return nil
	}
	if _, err := f.ledger.Mint(supplier, big.NewInt(1_000)); err != nil {
		t.Fatalf("outer mint: %v", err)
	}
	if !errors.Is(reentryErr, ErrReentered) {
		t.Fatalf("expected ErrReentered from nested call, got %v", reentryErr)
	}
}

func TestSeizeSplitsProtocolShare(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, borrower, 10_000)

	if err := f.ledger.Seize("usdc", liquidator, borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("seize: %v", err)
	}

	borrowerTokens, _ := f.ledger.ClaimBalance(borrower)
	liquidatorTokens, _ := f.ledger.ClaimBalance(liquidator)
	if borrowerTokens.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("borrower tokens %s, want 9000", borrowerTokens)
	}
	// 2.8% of 1000 = 28 tokens converted to reserves.
	if liquidatorTokens.Cmp(big.NewInt(972)) != 0 {
		t.Fatalf("liquidator tokens %s, want 972", liquidatorTokens)
	}
	supply, _ := f.ledger.TotalSupplyStored()
	if supply.Cmp(big.NewInt(9_972)) != 0 {
		t.Fatalf("supply %s, want 9972", supply)
	}
	reserves, _ := f.ledger.TotalReservesStored()
	if reserves.Cmp(big.NewInt(28)) != 0 {
		t.Fatalf("reserves %s, want 28", reserves)
	}
}

func TestSeizeGuards(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, borrower, 100)
	if err := f.ledger.Seize("usdc", borrower, borrower, big.NewInt(10)); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("expected ErrSelfLiquidation, got %v", err)
	}
	if err := f.ledger.Seize("usdc", liquidator, borrower, big.NewInt(200)); !errors.Is(err, ErrTooMuchSeize) {
		t.Fatalf("expected ErrTooMuchSeize, got %v", err)
	}
}

func TestSeizeVerifyRunsAfterCommit(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, borrower, 10_000)

	verified := false
	f.controller.seizeVerify = func(marketID, seizerMarket string, _, _ common.Address, tokens *big.Int) {
		verified = true
		if depth := len(f.store.snapshots); depth != 0 {
			t.Fatalf("seize verify fired with %d open overlays", depth)
		}
		if marketID != "usdc" || seizerMarket != "usdc" {
			t.Fatalf("seize verify for %s/%s", marketID, seizerMarket)
		}
		if tokens.Cmp(big.NewInt(1_000)) != 0 {
			t.Fatalf("seize verify tokens %s, want 1000", tokens)
		}
	}

	if err := f.ledger.Seize("usdc", liquidator, borrower, big.NewInt(1_000)); err != nil {
		t.Fatalf("seize: %v", err)
	}
	if !verified {
		t.Fatal("seize verify never fired")
	}
}

func TestLiquidateSeizeVerifyRunsAfterCommit(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	mustMint(t, f, borrower, 10_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(200_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.controller.seizeTokens = big.NewInt(5_400)

	verified := false
	f.controller.seizeVerify = func(_, _ string, _, _ common.Address, _ *big.Int) {
		verified = true
		if depth := len(f.store.snapshots); depth != 0 {
			t.Fatalf("seize verify fired with %d open overlays", depth)
		}
	}

	if _, err := f.ledger.Liquidate(liquidator, borrower, big.NewInt(100_000), "usdc"); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !verified {
		t.Fatal("seize verify never fired")
	}
}

func TestLiquidateSameMarketCollateral(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	mustMint(t, f, borrower, 10_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(200_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.controller.seizeTokens = big.NewInt(5_400)

	seized, err := f.ledger.Liquidate(liquidator, borrower, big.NewInt(100_000), "usdc")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(big.NewInt(5_400)) != 0 {
		t.Fatalf("seized %s, want 5400", seized)
	}
	debt, err := f.ledger.BorrowBalanceStored(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("remaining debt %s, want 100000", debt)
	}
	borrowerTokens, _ := f.ledger.ClaimBalance(borrower)
	if borrowerTokens.Cmp(big.NewInt(4_600)) != 0 {
		t.Fatalf("borrower tokens %s, want 4600", borrowerTokens)
	}
}

func TestLiquidateRejectsSelfAndBadAmounts(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 100_000)
	if _, err := f.ledger.Liquidate(borrower, borrower, big.NewInt(10), "usdc"); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("expected ErrSelfLiquidation, got %v", err)
	}
	if _, err := f.ledger.Liquidate(liquidator, borrower, big.NewInt(0), "usdc"); !errors.Is(err, ErrInvalidCloseAmount) {
		t.Fatalf("expected ErrInvalidCloseAmount, got %v", err)
	}
	if _, err := f.ledger.Liquidate(liquidator, borrower, RepayMax, "usdc"); !errors.Is(err, ErrInvalidCloseAmount) {
		t.Fatalf("expected ErrInvalidCloseAmount for max close, got %v", err)
	}
}

func TestLiquidateSeizeExceedsHoldingRollsBack(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 1_000_000)
	mustMint(t, f, borrower, 1_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(200_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.controller.seizeTokens = big.NewInt(5_000)

	debtBefore, _ := f.ledger.BorrowBalanceStored(borrower)
	if _, err := f.ledger.Liquidate(liquidator, borrower, big.NewInt(100_000), "usdc"); !errors.Is(err, ErrTooMuchSeize) {
		t.Fatalf("expected ErrTooMuchSeize, got %v", err)
	}
	debtAfter, _ := f.ledger.BorrowBalanceStored(borrower)
	if debtBefore.Cmp(debtAfter) != 0 {
		t.Fatalf("debt changed on failed liquidation: %s -> %s", debtBefore, debtAfter)
	}
	tokens, _ := f.ledger.ClaimBalance(borrower)
	if tokens.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("collateral changed on failed liquidation: %s", tokens)
	}
}

func TestExchangeRateAppreciatesWithInterest(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetRateModel(fixedRateModel{rate: big.NewInt(1_000_000_000_000)})
	mustMint(t, f, supplier, 2_000_000)
	if err := f.ledger.Borrow(borrower, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.clock.Advance(50_000)
	rate, err := f.ledger.ExchangeRate()
	if err != nil {
		t.Fatalf("exchange rate: %v", err)
	}
	// cash 1_000_000 + borrows 1_050_000 over supply 2_000_000 = 1.025.
	if rate.Cmp(big.NewInt(1_025_000_000_000_000_000)) != 0 {
		t.Fatalf("exchange rate %s, want 1.025e18", rate)
	}
}

func TestSupplyConservation(t *testing.T) {
	f := newFixture(t)
	mustMint(t, f, supplier, 700_000)
	mustMint(t, f, borrower, 300_000)
	if _, err := f.ledger.Redeem(supplier, big.NewInt(250_000), nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	supply, _ := f.ledger.TotalSupplyStored()
	a, _ := f.ledger.ClaimBalance(supplier)
	b, _ := f.ledger.ClaimBalance(borrower)
	sum := new(big.Int).Add(a, b)
	if supply.Cmp(sum) != 0 {
		t.Fatalf("total supply %s != sum of holdings %s", supply, sum)
	}
}
