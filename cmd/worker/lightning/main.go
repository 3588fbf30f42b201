// Command lightning runs the Lightning Bridge monitor: a ticker sweep
// that polls in-flight lift invoices against the node, credits settled
// balances, and expires overdue invoices.
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
	"arkgw/internal/asset"
	"arkgw/internal/ledger"
	"arkgw/internal/lightning"
	"arkgw/internal/lnd"
	"arkgw/internal/session"
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
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filename))))
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
		SessionTTL: time.Duration(Cfg.Ceremony.SessionTimeoutSeconds) * time.Second,
	})
	invoices := ledger.NewInvoiceRepository(db)
	events := queue.NewEventBus(redisClient)
	sessions.AttachEventBus(events)

	policy := lightning.Policy{
		InvoiceExpiry:   time.Duration(Cfg.Lightning.InvoiceExpirySeconds) * time.Second,
		MonitorInterval: time.Duration(Cfg.Lightning.MonitorIntervalSeconds) * time.Second,
	}
	manager := lightning.NewManager(invoices, assets, ln, events, policy)
	monitor := lightning.NewMonitor(manager, invoices, sessions, events, policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)

	logger.Info("lightning monitor worker running", zap.Duration("interval", policy.MonitorInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	return nil
}
