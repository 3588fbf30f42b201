// Command inventory runs the VTXO inventory monitor: on a fixed tick it
// checks every active asset's pool against policy and enqueues replenishment
// jobs, and consumes those same jobs off the Redis stream to mint the actual
// batches. It also sweeps expired sessions and challenges alongside
// inventory checks.
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
	"arkgw/internal/challenge"
	"arkgw/internal/ledger"
	internalqueue "arkgw/internal/queue"
	"arkgw/internal/session"
	"arkgw/internal/vtxo"
	"arkgw/pkg/cache"
	"arkgw/pkg/logger"
	pkgqueue "arkgw/pkg/queue"

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
	sessions := session.NewManager(ledger.NewSessionRepository(db), session.Policy{
		SessionTTL: time.Duration(Cfg.Ceremony.SessionTimeoutSeconds) * time.Second,
	})
	challenges := challenge.NewManager(ledger.NewChallengeRepository(db), sessions, challenge.Policy{
		ChallengeTTL: time.Duration(Cfg.Ceremony.ChallengeTimeoutSeconds) * time.Second,
	})

	jobQueue := pkgqueue.NewStreamQueue(redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := jobQueue.DeclareStream(ctx, internalqueue.ReplenishStream, internalqueue.ReplenishConsumerGroup); err != nil {
		return fmt.Errorf("failed to declare replenish consumer group: %w", err)
	}

	consumerName := fmt.Sprintf("inventory-worker-%d", os.Getpid())
	go func() {
		err := jobQueue.Consume(ctx, internalqueue.ReplenishStream, internalqueue.ReplenishConsumerGroup, consumerName,
			func(messageID string, data []byte) error {
				return handleReplenishJob(ctx, vtxos, data)
			})
		if err != nil && err != context.Canceled {
			logger.Error("replenish consumer stopped", zap.Error(err))
		}
	}()

	monitorInterval := time.Duration(Cfg.Vtxo.InventoryMonitorInterval) * time.Second
	go runInventoryMonitor(ctx, vtxos, jobQueue, monitorInterval)
	go runHousekeeping(ctx, sessions, challenges)

	logger.Info("inventory worker running",
		zap.String("stream", internalqueue.ReplenishStream),
		zap.String("group", internalqueue.ReplenishConsumerGroup),
		zap.Duration("monitor_interval", monitorInterval),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()
	time.Sleep(3 * time.Second)

	return nil
}

func handleReplenishJob(ctx context.Context, vtxos *vtxo.Manager, data []byte) error {
	job, err := internalqueue.FromJSON(data)
	if err != nil {
		return fmt.Errorf("invalid replenish job: %w", err)
	}
	if job.FunctionName != internalqueue.ReplenishJobFunction {
		logger.Warn("ignoring job with unexpected function name", zap.String("function_name", job.FunctionName))
		return nil
	}

	args, err := job.ReplenishArgs()
	if err != nil {
		return fmt.Errorf("invalid replenish args: %w", err)
	}

	batch, err := vtxos.CreateVtxoBatch(ctx, args.AssetID, args.Count, args.Amount)
	if err != nil {
		return fmt.Errorf("create vtxo batch: %w", err)
	}

	logger.Info("replenishment job processed",
		zap.String("asset_id", args.AssetID),
		zap.Int("requested", args.Count),
		zap.Int("created", len(batch)),
	)
	return nil
}

func runInventoryMonitor(ctx context.Context, vtxos *vtxo.Manager, jobQueue *pkgqueue.StreamQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := vtxos.CheckInventory(ctx, internalqueue.ReplenishStream, jobQueue); err != nil {
				logger.Error("inventory check failed", zap.Error(err))
			}
		}
	}
}

// runHousekeeping sweeps expired sessions and challenges every minute.
func runHousekeeping(ctx context.Context, sessions *session.Manager, challenges *challenge.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.CleanupExpiredSessions(ctx); err != nil {
				logger.Error("session cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("expired sessions swept", zap.Int64("count", n))
			}
			if n, err := challenges.CleanupExpiredChallenges(ctx); err != nil {
				logger.Error("challenge cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("expired challenges swept", zap.Int64("count", n))
			}
		}
	}
}
