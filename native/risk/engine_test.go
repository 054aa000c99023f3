package risk_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"clustercore/core/state"
	nativecommon "clustercore/native/common"
	"clustercore/native/interest"
	"clustercore/native/market"
	"clustercore/native/oracle"
	"clustercore/native/rewards"
	"clustercore/native/risk"
	"clustercore/native/token"
	"clustercore/storage"
)

var (
	admin      = common.HexToAddress("0xad")
	guardian   = common.HexToAddress("0x9d")
	supplier   = common.HexToAddress("0x01")
	borrower   = common.HexToAddress("0x02")
	liquidator = common.HexToAddress("0x03")

	oneE18  = big.NewInt(1_000_000_000_000_000_000)
	halfE18 = big.NewInt(500_000_000_000_000_000)
)

type env struct {
	manager *state.Manager
	clock   *nativecommon.ManualClock
	engine  *risk.Engine
	feed    *oracle.Static
	usdc    *market.Ledger
	weth    *market.Ledger
}

func zeroRateModel(t *testing.T) *interest.JumpRateModel {
	t.Helper()
	model, err := interest.NewJumpRateModel(big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(800_000_000_000_000_000))
	if err != nil {
		t.Fatalf("rate model: %v", err)
	}
	return model
}

func (e *env) addMarket(t *testing.T, id string, price, collateralFactor *big.Int, funded ...common.Address) *market.Ledger {
	t.Helper()
	book := token.NewBook(id)
	for _, addr := range funded {
		book.Mint(addr, big.NewInt(10_000_000))
	}
	moduleAddr := common.BytesToAddress([]byte("pool/" + id))
	ledger := market.NewLedger(id, moduleAddr, book, e.manager, e.clock)
	ledger.SetAdmin(admin)
	ledger.SetRateModel(zeroRateModel(t))
	if price != nil {
		e.feed.SetPrice(id, price)
	}
	if err := e.engine.ListMarket(admin, ledger); err != nil {
		t.Fatalf("list %s: %v", id, err)
	}
	ledger.SetController(e.engine)
	if collateralFactor != nil {
		if err := e.engine.SetCollateralFactor(admin, id, collateralFactor); err != nil {
			t.Fatalf("collateral factor %s: %v", id, err)
		}
	}
	return ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	manager, err := state.NewManager(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	e := &env{
		manager: manager,
		clock:   nativecommon.NewManualClock(1),
		feed:    oracle.NewStatic(),
	}
	e.engine = risk.NewEngine(manager, e.clock, admin)
	if err := e.engine.SetPriceFeed(admin, e.feed); err != nil {
		t.Fatalf("set feed: %v", err)
	}
	e.usdc = e.addMarket(t, "usdc", oneE18, big.NewInt(800_000_000_000_000_000), supplier, borrower, liquidator)
	e.weth = e.addMarket(t, "weth", oneE18, big.NewInt(800_000_000_000_000_000), supplier, borrower, liquidator)
	return e
}

// setupBorrower gives the borrower 100_000 weth collateral and fills the
// usdc pool with supplier cash.
func (e *env) setupBorrower(t *testing.T) {
	t.Helper()
	if _, err := e.usdc.Mint(supplier, big.NewInt(500_000)); err != nil {
		t.Fatalf("supply usdc: %v", err)
	}
	if _, err := e.weth.Mint(borrower, big.NewInt(100_000)); err != nil {
		t.Fatalf("supply weth: %v", err)
	}
	if err := e.engine.EnterMarkets(borrower, []string{"weth"}); err != nil {
		t.Fatalf("enter weth: %v", err)
	}
}

func TestBorrowGatedByLiquidity(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)

	// 100_000 collateral at factor 0.8 backs exactly 80_000 of borrowing.
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow at limit: %v", err)
	}
	if err := e.usdc.Borrow(borrower, big.NewInt(1)); !errors.Is(err, risk.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	excess, shortfall, err := e.engine.AccountLiquidity(borrower)
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if excess.Sign() != 0 || shortfall.Sign() != 0 {
		t.Fatalf("excess %s shortfall %s, want both zero at the limit", excess, shortfall)
	}
}

func TestCollateralCountsOnlyForMembers(t *testing.T) {
	e := newEnv(t)
	if _, err := e.usdc.Mint(supplier, big.NewInt(500_000)); err != nil {
		t.Fatalf("supply usdc: %v", err)
	}
	if _, err := e.weth.Mint(borrower, big.NewInt(100_000)); err != nil {
		t.Fatalf("supply weth: %v", err)
	}
	// Never entered the weth market: its collateral is invisible.
	if err := e.usdc.Borrow(borrower, big.NewInt(10_000)); !errors.Is(err, risk.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBorrowAutoEntersMarket(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)

	if err := e.usdc.Borrow(borrower, big.NewInt(10_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	entered, err := e.engine.Membership(borrower)
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	found := false
	for _, id := range entered {
		if id == "usdc" {
			found = true
		}
	}
	if !found {
		t.Fatalf("borrower not auto-entered into usdc, membership %v", entered)
	}
}

func TestBorrowCap(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.engine.SetBorrowCap(admin, "usdc", big.NewInt(50_000)); err != nil {
		t.Fatalf("set cap: %v", err)
	}

	if err := e.usdc.Borrow(borrower, big.NewInt(50_000)); err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	if err := e.usdc.Borrow(borrower, big.NewInt(1)); !errors.Is(err, risk.ErrBorrowCapReached) {
		t.Fatalf("expected ErrBorrowCapReached, got %v", err)
	}

	// Lifting the cap restores borrowing.
	if err := e.engine.SetBorrowCap(admin, "usdc", big.NewInt(0)); err != nil {
		t.Fatalf("clear cap: %v", err)
	}
	if err := e.usdc.Borrow(borrower, big.NewInt(1)); err != nil {
		t.Fatalf("borrow after clearing cap: %v", err)
	}
}

func TestRedeemGatedByLiquidity(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := e.weth.Redeem(borrower, big.NewInt(10), nil); !errors.Is(err, risk.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	if _, err := e.usdc.Repay(borrower, market.RepayMax); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := e.weth.Redeem(borrower, big.NewInt(10), nil); err != nil {
		t.Fatalf("redeem after repay: %v", err)
	}
}

func TestLiquidationRequiresShortfall(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := e.usdc.Liquidate(liquidator, borrower, big.NewInt(10_000), "weth"); !errors.Is(err, risk.ErrInsufficientShortfall) {
		t.Fatalf("expected ErrInsufficientShortfall, got %v", err)
	}
}

func TestLiquidationCloseFactorAndSeize(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Collateral halves: debt 80_000 against 40_000 of borrowing power.
	e.feed.SetPrice("weth", halfE18)

	// Close factor 0.5 caps the repay at 40_000.
	if _, err := e.usdc.Liquidate(liquidator, borrower, big.NewInt(50_000), "weth"); !errors.Is(err, risk.ErrTooMuchRepay) {
		t.Fatalf("expected ErrTooMuchRepay, got %v", err)
	}

	seized, err := e.usdc.Liquidate(liquidator, borrower, big.NewInt(40_000), "weth")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// 40_000 repaid at price 1.0 with incentive 1.08 buys 43_200 of weth
	// value; at price 0.5 and exchange rate 1.0 that is 86_400 tokens.
	if seized.Cmp(big.NewInt(86_400)) != 0 {
		t.Fatalf("seized %s, want 86400", seized)
	}

	debt, err := e.usdc.BorrowBalanceStored(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(big.NewInt(40_000)) != 0 {
		t.Fatalf("debt %s, want 40000", debt)
	}
	remaining, _ := e.weth.ClaimBalance(borrower)
	if remaining.Cmp(big.NewInt(13_600)) != 0 {
		t.Fatalf("borrower collateral %s, want 13600", remaining)
	}
	// 2.8% of the seizure goes to weth reserves.
	liquidatorTokens, _ := e.weth.ClaimBalance(liquidator)
	if liquidatorTokens.Cmp(big.NewInt(83_981)) != 0 {
		t.Fatalf("liquidator tokens %s, want 83981", liquidatorTokens)
	}
	reserves, _ := e.weth.TotalReservesStored()
	if reserves.Cmp(big.NewInt(2_419)) != 0 {
		t.Fatalf("weth reserves %s, want 2419", reserves)
	}
}

func TestCalculateSeizeTokens(t *testing.T) {
	e := newEnv(t)
	e.feed.SetPrice("weth", new(big.Int).Mul(oneE18, big.NewInt(2)))

	seize, err := e.engine.CalculateSeizeTokens("usdc", "weth", big.NewInt(100))
	if err != nil {
		t.Fatalf("seize tokens: %v", err)
	}
	// 1.08 incentive / price ratio 2.0 = 0.54 tokens per repaid unit.
	if seize.Cmp(big.NewInt(54)) != 0 {
		t.Fatalf("seize %s, want 54", seize)
	}
}

func TestExitMarketRules(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := e.engine.ExitMarket(borrower, "usdc"); !errors.Is(err, risk.ErrNonzeroBorrowBalance) {
		t.Fatalf("expected ErrNonzeroBorrowBalance, got %v", err)
	}
	if err := e.engine.ExitMarket(borrower, "weth"); !errors.Is(err, risk.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	if _, err := e.usdc.Repay(borrower, market.RepayMax); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := e.engine.ExitMarket(borrower, "weth"); err != nil {
		t.Fatalf("exit after repay: %v", err)
	}
	entered, err := e.engine.Membership(borrower)
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	for _, id := range entered {
		if id == "weth" {
			t.Fatalf("weth still in membership %v", entered)
		}
	}

	// Exiting a market never entered is a no-op.
	if err := e.engine.ExitMarket(supplier, "weth"); err != nil {
		t.Fatalf("exit as non-member: %v", err)
	}
}

func TestPriceOutageBlocksBorrowing(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	e.feed.SetPrice("usdc", big.NewInt(0))

	if err := e.usdc.Borrow(borrower, big.NewInt(1_000)); !errors.Is(err, risk.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestDeprecatedMarketBypassesCloseFactor(t *testing.T) {
	e := newEnv(t)
	e.setupBorrower(t)
	if err := e.usdc.Borrow(borrower, big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Deprecation: zero collateral factor, borrows paused, full reserve
	// factor. Any debt becomes closable regardless of shortfall.
	if err := e.engine.SetCollateralFactor(admin, "usdc", big.NewInt(0)); err != nil {
		t.Fatalf("zero factor: %v", err)
	}
	if err := e.engine.SetBorrowPaused(admin, "usdc", true); err != nil {
		t.Fatalf("pause borrow: %v", err)
	}
	if err := e.usdc.SetReserveFactor(admin, oneE18); err != nil {
		t.Fatalf("full reserve factor: %v", err)
	}

	if _, err := e.usdc.Liquidate(liquidator, borrower, big.NewInt(80_001), "weth"); !errors.Is(err, risk.ErrTooMuchRepay) {
		t.Fatalf("expected ErrTooMuchRepay past full debt, got %v", err)
	}
	// Full-debt close allowed even though the borrower has no shortfall.
	if _, err := e.usdc.Liquidate(liquidator, borrower, big.NewInt(80_000), "weth"); err != nil {
		t.Fatalf("deprecated-market liquidation: %v", err)
	}
	debt, _ := e.usdc.BorrowBalanceStored(borrower)
	if debt.Sign() != 0 {
		t.Fatalf("debt %s after full close", debt)
	}
}

func TestClaimRewardPaysAccruedEmission(t *testing.T) {
	e := newEnv(t)

	treasuryAddr := common.HexToAddress("0xee")
	incentive := token.NewBook("CLR")
	incentive.Mint(treasuryAddr, big.NewInt(1_000_000))
	flywheel := rewards.NewFlywheel(e.manager, e.clock)
	flywheel.SetTreasury(incentive, treasuryAddr)
	e.engine.SetFlywheel(flywheel)

	if _, err := e.usdc.Mint(supplier, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := e.engine.EnterMarkets(supplier, []string{"usdc"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := e.engine.SetRewardSpeeds(admin, "usdc", big.NewInt(1_000), big.NewInt(0)); err != nil {
		t.Fatalf("set speeds: %v", err)
	}

	e.clock.Advance(10)
	paid, err := e.engine.ClaimReward(supplier)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Sole supplier over 10 blocks at 1000 per block.
	if paid.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("paid %s, want 10000", paid)
	}
	bal, _ := incentive.BalanceOf(supplier)
	if bal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("balance %s, want 10000", bal)
	}
}
