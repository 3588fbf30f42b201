// Command gateway wires the ledger, the three node adapters (arkd, tapd,
// lnd), every domain
// manager, and the Redis-backed queue/event-bus infrastructure,
// then blocks until a shutdown signal arrives. Per the HTTP-free core
// design, this process exposes nothing over the network itself; it holds
// the wiring that the worker binaries and (eventually) a relay-facing
// transport would share.
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
	"arkgw/internal/adapters/tapd"
	"arkgw/internal/asset"
	"arkgw/internal/challenge"
	"arkgw/internal/ledger"
	"arkgw/internal/lightning"
	"arkgw/internal/lnd"
	"arkgw/internal/orchestrator"
	"arkgw/internal/session"
	"arkgw/internal/txprocessor"
	"arkgw/internal/vtxo"
	"arkgw/pkg/cache"
	"arkgw/pkg/logger"
	"arkgw/pkg/queue"

	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"
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
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	configPath := config.Path(root).Join("config.toml")

	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	c, err := cache.NewCache(redisCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer c.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Host + ":" + redisCfg.Port,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer redisClient.Close()

	var dbCfg ledger.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := ledger.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger connection: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	logger.Info("ledger migrations applied")

	var arkdCfg arkd.Config
	if err := copier.Copy(&arkdCfg, &Cfg.Arkd); err != nil {
		return fmt.Errorf("failed to copy arkd config: %w", err)
	}
	chain, err := arkd.NewClient(arkdCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to arkd: %w", err)
	}
	defer chain.Close()

	var tapdCfg tapd.Config
	if err := copier.Copy(&tapdCfg, &Cfg.Tapd); err != nil {
		return fmt.Errorf("failed to copy tapd config: %w", err)
	}
	assetNode, err := tapd.NewClient(tapdCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to tapd: %w", err)
	}
	defer assetNode.Close()

	var lndCfg lnd.Config
	if err := copier.Copy(&lndCfg, &Cfg.Lnd); err != nil {
		return fmt.Errorf("failed to copy lnd config: %w", err)
	}
	ln, err := lnd.NewClient(lndCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to lnd: %w", err)
	}
	defer ln.Close()

	assets := asset.NewManager(ledger.NewAssetRepository(db), ledger.NewBalanceRepository(db), c)
	sessions := session.NewManager(ledger.NewSessionRepository(db), session.Policy{
		SessionTTL: secondsToDuration(Cfg.Ceremony.SessionTimeoutSeconds),
	})
	challenges := challenge.NewManager(ledger.NewChallengeRepository(db), sessions, challenge.Policy{
		ChallengeTTL: secondsToDuration(Cfg.Ceremony.ChallengeTimeoutSeconds),
	})
	vtxos := vtxo.NewManager(ledger.NewVtxoRepository(db), ledger.NewRGBRepository(db), ledger.NewAssetRepository(db), chain, vtxo.Policy{
		MinPerAsset:    Cfg.Vtxo.MinPerAsset,
		MaxPerAsset:    Cfg.Vtxo.MaxPerAsset,
		ReplenishRatio: Cfg.Vtxo.ReplenishmentThreshold,
		VtxoTTL:        secondsToDuration(Cfg.Vtxo.ExpirySeconds),
		DustLimit:      Cfg.Vtxo.DustLimit,
	})
	txp := txprocessor.NewManager(ledger.NewTransactionRepository(db), sessions, assets, chain, txprocessor.Policy{
		MinFeeSats:    Cfg.Vtxo.MinFee,
		DustLimitSats: Cfg.Vtxo.DustLimit,
	})
	orch := orchestrator.NewManager(sessions, ledger.NewChallengeRepository(db), txp, chain, orchestrator.Policy{
		CeremonyTimeout: secondsToDuration(Cfg.Ceremony.CeremonyTimeoutSeconds),
		StepTimeout:     secondsToDuration(Cfg.Ceremony.StepTimeoutSeconds),
	})
	events := queue.NewEventBus(redisClient)
	sessions.AttachEventBus(events)
	lightningManager := lightning.NewManager(ledger.NewInvoiceRepository(db), assets, ln, events, lightning.Policy{
		InvoiceExpiry:   secondsToDuration(Cfg.Lightning.InvoiceExpirySeconds),
		MonitorInterval: secondsToDuration(Cfg.Lightning.MonitorIntervalSeconds),
	})

	logger.Info("gateway wired",
		zap.Bool("assets", assets != nil),
		zap.Bool("sessions", sessions != nil),
		zap.Bool("challenges", challenges != nil),
		zap.Bool("vtxos", vtxos != nil),
		zap.Bool("txprocessor", txp != nil),
		zap.Bool("orchestrator", orch != nil),
		zap.Bool("lightning", lightningManager != nil),
	)

	// Asset-node reachability check; its balances are informational only, the
	// ledger remains the balance authority.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if balances, err := assetNode.GetAssetBalances(probeCtx); err != nil {
		logger.Warn("asset node unreachable", zap.Error(err))
	} else {
		logger.Info("asset node connected", zap.Int("assets", len(balances)))
	}
	probeCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
