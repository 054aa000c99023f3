package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clustercore/config"
	"clustercore/core/events"
	"clustercore/core/state"
	nativecommon "clustercore/native/common"
	"clustercore/native/interest"
	"clustercore/native/market"
	"clustercore/native/oracle"
	"clustercore/native/rewards"
	"clustercore/native/risk"
	"clustercore/native/token"
	"clustercore/observability"
	"clustercore/observability/logging"
	"clustercore/rpc"
	"clustercore/storage"
)

// blockInterval is the cadence the internal clock advances at. Interest and
// reward speeds in the configuration are per block at this cadence.
const blockInterval = time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	logger := logging.Setup("clusterd", cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager, err := state.NewManager(db)
	if err != nil {
		logger.Error("Failed to open state manager", slog.Any("error", err))
		os.Exit(1)
	}

	clock := nativecommon.NewManualClock(1)
	emitter := events.MultiEmitter{observability.NewObserver(logger)}
	admin := common.HexToAddress(cfg.AdminAddress)

	engine := risk.NewEngine(manager, clock, admin)
	engine.SetEmitter(emitter)

	if cfg.Rewards.TreasuryAddress != "" {
		treasury := token.NewBook("CLR")
		balance, err := config.BigInt("Rewards.TreasuryBalance", cfg.Rewards.TreasuryBalance)
		if err != nil {
			logger.Error("Invalid treasury balance", slog.Any("error", err))
			os.Exit(1)
		}
		treasuryAddr := common.HexToAddress(cfg.Rewards.TreasuryAddress)
		treasury.Mint(treasuryAddr, balance)
		flywheel := rewards.NewFlywheel(manager, clock)
		flywheel.SetEmitter(emitter)
		flywheel.SetTreasury(treasury, treasuryAddr)
		engine.SetFlywheel(flywheel)
	}

	feed := oracle.NewStatic()
	if err := engine.SetPriceFeed(admin, feed); err != nil {
		logger.Error("Failed to set price feed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.PauseGuardian != "" {
		if err := engine.SetPauseGuardian(admin, common.HexToAddress(cfg.PauseGuardian)); err != nil {
			logger.Error("Failed to set pause guardian", slog.Any("error", err))
			os.Exit(1)
		}
	}

	for i := range cfg.Markets {
		if err := listMarket(engine, manager, clock, emitter, admin, feed, &cfg.Markets[i]); err != nil {
			logger.Error("Failed to list market",
				slog.String("market", cfg.Markets[i].ID),
				slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Market listed", slog.String("market", cfg.Markets[i].ID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runClock(ctx, clock)

	apiServer := &http.Server{
		Addr:    cfg.RPCAddress,
		Handler: rpc.NewServer(engine, logger).Handler(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}

	go serve(logger, "api", apiServer)
	go serve(logger, "metrics", metricsServer)
	logger.Info("clusterd started",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("metrics", cfg.MetricsAddress),
		slog.Int("markets", len(cfg.Markets)))

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics shutdown", slog.Any("error", err))
	}
}

func serve(logger *slog.Logger, name string, srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("server", name), slog.Any("error", err))
		os.Exit(1)
	}
}

// runClock advances block height on a fixed cadence until the context ends.
func runClock(ctx context.Context, clock *nativecommon.ManualClock) {
	ticker := time.NewTicker(blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clock.Advance(1)
		}
	}
}

// moduleAddress derives the deterministic pool address holding a market's
// cash and reserves.
func moduleAddress(marketID string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("cluster/module/" + marketID))[12:])
}

func listMarket(engine *risk.Engine, manager *state.Manager, clock *nativecommon.ManualClock, emitter events.Emitter, admin common.Address, feed *oracle.Static, mc *config.Market) error {
	price, err := config.BigInt("Price", mc.Price)
	if err != nil {
		return err
	}
	if price.Sign() > 0 {
		feed.SetPrice(mc.ID, price)
	}

	base, err := config.BigInt("Interest.BasePerBlock", mc.Interest.BasePerBlock)
	if err != nil {
		return err
	}
	slope, err := config.BigInt("Interest.SlopePerBlock", mc.Interest.SlopePerBlock)
	if err != nil {
		return err
	}
	jump, err := config.BigInt("Interest.JumpPerBlock", mc.Interest.JumpPerBlock)
	if err != nil {
		return err
	}
	kink, err := config.BigInt("Interest.Kink", mc.Interest.Kink)
	if err != nil {
		return err
	}
	model, err := interest.NewJumpRateModel(base, slope, jump, kink)
	if err != nil {
		return err
	}

	underlying := token.NewBook(mc.ID)
	ledger := market.NewLedger(mc.ID, moduleAddress(mc.ID), underlying, manager, clock)
	ledger.SetAdmin(admin)
	ledger.SetEmitter(emitter)
	ledger.SetRateModel(model)
	if rate, err := config.BigInt("InitialExchangeRate", mc.InitialExchangeRate); err != nil {
		return err
	} else if rate.Sign() > 0 {
		ledger.SetInitialExchangeRate(rate)
	}

	if err := engine.ListMarket(admin, ledger); err != nil {
		return err
	}
	ledger.SetController(engine)

	reserveFactor, err := config.BigInt("ReserveFactor", mc.ReserveFactor)
	if err != nil {
		return err
	}
	if reserveFactor.Sign() > 0 {
		if err := ledger.SetReserveFactor(admin, reserveFactor); err != nil {
			return err
		}
	}
	collateralFactor, err := config.BigInt("CollateralFactor", mc.CollateralFactor)
	if err != nil {
		return err
	}
	if collateralFactor.Sign() > 0 {
		if err := engine.SetCollateralFactor(admin, mc.ID, collateralFactor); err != nil {
			return err
		}
	}
	borrowCap, err := config.BigInt("BorrowCap", mc.BorrowCap)
	if err != nil {
		return err
	}
	if borrowCap.Sign() > 0 {
		if err := engine.SetBorrowCap(admin, mc.ID, borrowCap); err != nil {
			return err
		}
	}

	supplySpeed, err := config.BigInt("SupplySpeed", mc.SupplySpeed)
	if err != nil {
		return err
	}
	borrowSpeed, err := config.BigInt("BorrowSpeed", mc.BorrowSpeed)
	if err != nil {
		return err
	}
	if supplySpeed.Sign() > 0 || borrowSpeed.Sign() > 0 {
		var sp, bp *big.Int
		if supplySpeed.Sign() > 0 {
			sp = supplySpeed
		}
		if borrowSpeed.Sign() > 0 {
			bp = borrowSpeed
		}
		if err := engine.SetRewardSpeeds(admin, mc.ID, sp, bp); err != nil {
			return err
		}
	}
	return nil
}
