// Command settlement runs the hourly L1 anchoring pass: every asset
// with spent vtxos gets a Merkle-rooted commitment transaction broadcast to
// the chain adapter. This loop does not poll for confirmation; broadcast
// commitments stay in the broadcast state here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"arkgw/config"
	"arkgw/internal/adapters/arkd"
	"arkgw/internal/ledger"
	"arkgw/internal/vtxo"
	"arkgw/pkg/logger"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var Cfg config.GatewayConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filename))))
	configPath := config.Path(root).Join("config.toml")

	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var dbCfg ledger.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := ledger.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger connection: %w", err)
	}
	defer db.Close()

	var arkdCfg arkd.Config
	if err := copier.Copy(&arkdCfg, &Cfg.Arkd); err != nil {
		return fmt.Errorf("failed to copy arkd config: %w", err)
	}
	chain, err := arkd.NewClient(arkdCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to arkd: %w", err)
	}
	defer chain.Close()

	vtxos := vtxo.NewManager(ledger.NewVtxoRepository(db), ledger.NewRGBRepository(db), ledger.NewAssetRepository(db), chain, vtxo.Policy{
		MinPerAsset:    Cfg.Vtxo.MinPerAsset,
		MaxPerAsset:    Cfg.Vtxo.MaxPerAsset,
		ReplenishRatio: Cfg.Vtxo.ReplenishmentThreshold,
		VtxoTTL:        time.Duration(Cfg.Vtxo.ExpirySeconds) * time.Second,
		DustLimit:      Cfg.Vtxo.DustLimit,
	})
	transactions := ledger.NewTransactionRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(Cfg.Vtxo.SettlementInterval) * time.Second
	go runSettlementLoop(ctx, vtxos, transactions, interval)

	logger.Info("settlement worker running", zap.Duration("interval", interval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	return nil
}

func runSettlementLoop(ctx context.Context, vtxos *vtxo.Manager, transactions *ledger.TransactionRepository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := vtxos.RunSettlement(ctx, transactions); err != nil {
				logger.Error("settlement run failed", zap.Error(err))
			}
		}
	}
}
