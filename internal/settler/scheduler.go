package settler

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/payrail/vault-sweeper/internal/billing"
	"github.com/payrail/vault-sweeper/internal/vault"
)

// Checker reports whether a vault holds enough to pay for its plan.
type Checker interface {
	Check(ctx context.Context, v vault.Vault, plan vault.Plan) (billing.Result, error)
}

// Sweeper is the per-vault settlement step the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context, v vault.Vault, observed *big.Int) (Outcome, error)
	Recover(ctx context.Context, v vault.Vault) (Outcome, error)
}

// PassStats counts what one reconciliation pass did.
type PassStats struct {
	Recovered int
	Checked   int
	Unfunded  int
	Swept     int
	Failed    int
	Errors    int
}

// Scheduler periodically reconciles PENDING vaults against the chain and
// dispatches funded ones to the executor.
type Scheduler struct {
	store    Store
	checker  Checker
	sweeper  Sweeper
	interval time.Duration
	workers  int
	log      *zap.Logger
}

func NewScheduler(store Store, checker Checker, sweeper Sweeper, interval time.Duration, workers int, log *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:    store,
		checker:  checker,
		sweeper:  sweeper,
		interval: interval,
		workers:  workers,
		log:      log,
	}
}

// Run reconciles on every tick until ctx is cancelled. Vaults left SWEEPING by
// a previous process are resolved before the first poll. In-flight sweeps are
// allowed to finish; no new vault is started after cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", zap.Duration("interval", s.interval), zap.Int("workers", s.workers))

	s.Recover(ctx)
	s.AuditSubscriptions(ctx)
	s.logPass(s.pollPending(ctx))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.logPass(s.RunOnce(ctx))
		}
	}
}

// RunOnce performs a single pass: recovery of SWEEPING vaults, then a balance
// check of every PENDING vault.
func (s *Scheduler) RunOnce(ctx context.Context) PassStats {
	recovered := s.Recover(ctx)
	stats := s.pollPending(ctx)
	stats.Recovered = recovered
	return stats
}

// Recover reconciles every SWEEPING vault and returns how many were resolved.
func (s *Scheduler) Recover(ctx context.Context) int {
	vaults, err := s.store.List(ctx, vault.StatusSweeping)
	if err != nil {
		s.log.Error("recovery: list sweeping vaults", zap.Error(err))
		return 0
	}
	if len(vaults) > 0 {
		s.log.Info("recovery: sweeping vaults found", zap.Int("count", len(vaults)))
	}

	resolved := 0
	for _, v := range vaults {
		if ctx.Err() != nil {
			return resolved
		}
		outcome, err := s.sweeper.Recover(ctx, v)
		if err != nil {
			s.log.Warn("recovery failed, retry next tick", zap.String("vault", v.ID), zap.Error(err))
			continue
		}
		if outcome != OutcomePending {
			resolved++
		}
	}
	return resolved
}

// AuditSubscriptions re-activates subscriptions of ACTIVE vaults that were
// left behind, e.g. by records written outside the atomic finalize.
func (s *Scheduler) AuditSubscriptions(ctx context.Context) {
	vaults, err := s.store.List(ctx, vault.StatusActive)
	if err != nil {
		s.log.Error("audit: list active vaults", zap.Error(err))
		return
	}
	for _, v := range vaults {
		if v.SubscriptionID == "" || v.SweepTxHash == "" {
			continue
		}
		sub, err := s.store.Subscription(ctx, v.SubscriptionID)
		if err != nil {
			s.log.Warn("audit: load subscription", zap.String("vault", v.ID), zap.String("subscription", v.SubscriptionID), zap.Error(err))
			continue
		}
		if sub.Status == vault.SubscriptionActive {
			continue
		}
		if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, vault.SubscriptionActive); err != nil {
			s.log.Error("audit: activate subscription", zap.String("subscription", sub.ID), zap.Error(err))
			continue
		}
		s.log.Warn("audit: subscription activated for swept vault",
			zap.String("vault", v.ID),
			zap.String("subscription", sub.ID),
			zap.String("tx", v.SweepTxHash),
		)
	}
}

func (s *Scheduler) pollPending(ctx context.Context) PassStats {
	var stats PassStats
	vaults, err := s.store.List(ctx, vault.StatusPending)
	if err != nil {
		s.log.Error("list pending vaults", zap.Error(err))
		stats.Errors++
		return stats
	}

	var (
		checked, unfunded, swept, failed, errs atomic.Int64
		g                                      errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, v := range vaults {
		if ctx.Err() != nil {
			s.log.Info("shutdown requested, remaining vaults deferred")
			break
		}
		g.Go(func() error {
			checked.Add(1)
			switch s.process(ctx, v) {
			case resultUnfunded:
				unfunded.Add(1)
			case resultSwept:
				swept.Add(1)
			case resultFailed:
				failed.Add(1)
			case resultError:
				errs.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Checked = int(checked.Load())
	stats.Unfunded = int(unfunded.Load())
	stats.Swept = int(swept.Load())
	stats.Failed = int(failed.Load())
	stats.Errors += int(errs.Load())
	return stats
}

type result int

const (
	resultNone result = iota
	resultUnfunded
	resultSwept
	resultFailed
	resultError
)

// process checks and, if funded, sweeps one vault. Errors stay scoped to v.
func (s *Scheduler) process(ctx context.Context, v vault.Vault) result {
	log := s.log.With(zap.String("vault", v.ID), zap.String("address", v.Address.Hex()))

	plan, err := s.store.Plan(ctx, v.PlanID)
	if errors.Is(err, vault.ErrNotFound) {
		s.fail(ctx, v, "plan not found")
		return resultFailed
	}
	if err != nil {
		log.Warn("load plan", zap.Uint64("plan", v.PlanID), zap.Error(err))
		return resultError
	}

	res, err := s.checker.Check(ctx, v, *plan)
	switch {
	case errors.Is(err, billing.ErrInvalidPrice):
		s.fail(ctx, v, err.Error())
		return resultFailed
	case err != nil:
		log.Warn("balance check failed, retry next tick", zap.Error(err))
		return resultError
	case !res.Funded:
		log.Debug("vault not funded",
			zap.String("observed", res.Observed.String()),
			zap.String("required", res.Required.String()),
		)
		return resultUnfunded
	}

	log.Info("deposit detected",
		zap.Uint64("plan", plan.ID),
		zap.String("token", plan.TokenAddress.Hex()),
		zap.String("observed", res.Observed.String()),
		zap.String("required", res.Required.String()),
	)

	outcome, err := s.sweeper.Sweep(ctx, v, res.Observed)
	if err != nil {
		log.Warn("sweep did not complete", zap.String("outcome", outcome.String()), zap.Error(err))
		return resultError
	}
	if outcome == OutcomeSwept {
		return resultSwept
	}
	return resultNone
}

// fail parks a vault whose record cannot be processed. Only PENDING vaults
// are moved so a concurrent sweep is never overridden.
func (s *Scheduler) fail(ctx context.Context, v vault.Vault, reason string) {
	ok, err := s.store.CompareAndSetStatus(ctx, v.ID, vault.StatusPending, vault.Update{Status: vault.StatusFailed})
	if err != nil {
		s.log.Error("mark vault failed", zap.String("vault", v.ID), zap.Error(err))
		return
	}
	if ok {
		s.log.Error("vault status changed",
			zap.String("vault", v.ID),
			zap.String("address", v.Address.Hex()),
			zap.String("from", string(vault.StatusPending)),
			zap.String("to", string(vault.StatusFailed)),
			zap.String("reason", reason),
		)
	}
}

func (s *Scheduler) logPass(st PassStats) {
	if st.Checked == 0 && st.Recovered == 0 && st.Errors == 0 {
		return
	}
	s.log.Info("reconciliation pass",
		zap.Int("recovered", st.Recovered),
		zap.Int("checked", st.Checked),
		zap.Int("unfunded", st.Unfunded),
		zap.Int("swept", st.Swept),
		zap.Int("failed", st.Failed),
		zap.Int("errors", st.Errors),
	)
}
