package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/payrail/vault-sweeper/internal/billing"
	"github.com/payrail/vault-sweeper/internal/chain"
	"github.com/payrail/vault-sweeper/internal/config"
	"github.com/payrail/vault-sweeper/internal/settler"
	"github.com/payrail/vault-sweeper/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Record store ──────────────────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("store init failed", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeStore()

	// ── Chain client + signer ─────────────────────────────────────────────────
	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	signer, err := chain.NewSigner(cfg.Chain.SignerKey, onchain.ChainID())
	if err != nil {
		log.Fatal("signer init failed", zap.Error(err))
	}
	log.Info("sweeper configured",
		zap.String("signer", signer.Address().Hex()),
		zap.String("contract", cfg.Chain.ContractAddress),
		zap.String("chain_id", onchain.ChainID().String()),
		zap.String("store", cfg.Store.Driver),
	)

	// ── Executor + scheduler ──────────────────────────────────────────────────
	gasMargin, feeMultiplier := cfg.Sweep.Multipliers()
	executor := settler.NewExecutor(
		st,
		onchain,
		signer,
		chain.NewNonceAllocator(onchain, signer.Address(), log),
		settler.Options{
			Contract:       common.HexToAddress(cfg.Chain.ContractAddress),
			ChainID:        onchain.ChainID(),
			GasMargin:      gasMargin,
			FeeMultiplier:  feeMultiplier,
			PriorityFee:    cfg.Sweep.PriorityFee(),
			ConfirmTimeout: cfg.Sweep.ConfirmTimeout(),
			MaxReverts:     cfg.Sweep.MaxReverts,
		},
		log,
	)
	scheduler := settler.NewScheduler(
		st,
		billing.NewVerifier(onchain),
		executor,
		cfg.Sweep.PollInterval(),
		cfg.Sweep.Workers,
		log,
	)

	// ── Goroutines ────────────────────────────────────────────────────────────
	// Run resolves SWEEPING vaults from a previous process before polling.
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-quit:
		log.Info("shutting down, draining in-flight sweeps", zap.String("signal", sig.String()))
	case <-done:
		log.Error("scheduler exited unexpectedly")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(drainTimeout(cfg)):
		log.Warn("drain timed out; unresolved sweeps will be recovered on restart")
	}
	log.Info("shutdown complete")
}

// sweepStore is what the service needs from either backend.
type sweepStore interface {
	settler.Store
}

// openStore connects the configured backend and returns a close func.
func openStore(ctx context.Context, cfg *config.Config) (sweepStore, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedisStore(rdb), func() { rdb.Close() }, nil
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// drainTimeout bounds how long shutdown waits for sweeps already submitted.
func drainTimeout(cfg *config.Config) time.Duration {
	return cfg.Sweep.ConfirmTimeout() + time.Minute
}
