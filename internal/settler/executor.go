package settler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/payrail/vault-sweeper/internal/chain"
	"github.com/payrail/vault-sweeper/internal/vault"
)

// Executor performs one sweep of a funded vault: claim it, submit
// processDeposit, wait for the receipt and record the outcome.
type Executor struct {
	store  Store
	ledger Ledger
	signer TxSigner
	nonces *chain.NonceAllocator
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

func NewExecutor(store Store, ledger Ledger, signer TxSigner, nonces *chain.NonceAllocator, opts Options, log *zap.Logger) *Executor {
	if opts.GasMargin.IsZero() {
		opts.GasMargin = decimal.RequireFromString("1.2")
	}
	if opts.FeeMultiplier.IsZero() {
		opts.FeeMultiplier = decimal.NewFromInt(2)
	}
	if opts.PriorityFee == nil {
		opts.PriorityFee = big.NewInt(2_000_000_000)
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 120 * time.Second
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 30 * time.Second
	}
	return &Executor{
		store:  store,
		ledger: ledger,
		signer: signer,
		nonces: nonces,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// Sweep settles vault v whose balance was observed at observed.
//
// Only a PENDING vault is claimed; losing the claim returns OutcomeSkipped.
// Once claimed the sweep runs to completion even if ctx is cancelled, so a
// shutdown never leaves a submitted transaction unrecorded.
func (e *Executor) Sweep(ctx context.Context, v vault.Vault, observed *big.Int) (Outcome, error) {
	ok, err := e.store.CompareAndSetStatus(ctx, v.ID, vault.StatusPending, vault.Update{
		Status:  vault.StatusSweeping,
		Balance: observed,
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: claim vault %s: %w", ErrTransient, v.ID, err)
	}
	if !ok {
		e.log.Debug("vault not pending, skipping", zap.String("vault", v.ID))
		return OutcomeSkipped, nil
	}
	e.logTransition(v, vault.StatusPending, vault.StatusSweeping)

	work := context.WithoutCancel(ctx)

	attempt := vault.SweepAttempt{
		ID:        uuid.NewString(),
		VaultID:   v.ID,
		Outcome:   vault.OutcomeSubmitting,
		CreatedAt: e.now(),
	}
	if err := e.store.RecordAttempt(work, attempt); err != nil {
		e.release(work, v, "", fmt.Sprintf("record attempt: %v", err))
		return OutcomeReleased, fmt.Errorf("%w: record attempt: %w", ErrTransient, err)
	}

	data, err := chain.PackProcessDeposit(v.Subscriber, v.PlanID)
	if err != nil {
		e.release(work, v, attempt.ID, err.Error())
		return OutcomeReleased, err
	}

	gas, feeCap, tip, err := e.gasParams(work, data)
	if err != nil {
		e.release(work, v, attempt.ID, err.Error())
		return OutcomeReleased, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var (
		sent      *types.Transaction
		ambiguous bool
	)
	err = e.nonces.Do(work, func(nonce uint64) error {
		signed, err := e.signer.Sign(&types.DynamicFeeTx{
			ChainID:   e.opts.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &e.opts.Contract,
			Data:      data,
		})
		if err != nil {
			return err
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode tx: %w", err)
		}
		// The hash must be durable before the node can see the transaction.
		if err := e.store.UpdateAttempt(work, attempt.ID, vault.AttemptUpdate{
			Nonce:       &nonce,
			TxHash:      signed.Hash().Hex(),
			RawTx:       raw,
			SubmittedAt: e.now(),
		}); err != nil {
			return fmt.Errorf("record tx hash: %w", err)
		}

		rpcCtx, cancel := context.WithTimeout(work, e.opts.RPCTimeout)
		defer cancel()
		sendErr := e.ledger.Submit(rpcCtx, signed)
		if sendErr == nil {
			sent = signed
			return nil
		}
		known, err := e.ledger.TransactionKnown(rpcCtx, signed.Hash())
		switch {
		case err != nil:
			// Cannot tell whether the node took it; keep the nonce consumed.
			e.log.Warn("submit failed and tx lookup failed",
				zap.String("vault", v.ID),
				zap.String("tx", signed.Hash().Hex()),
				zap.NamedError("send_error", sendErr),
				zap.Error(err),
			)
			sent, ambiguous = signed, true
			return nil
		case !known:
			return sendErr
		}
		e.log.Warn("submit reported error but node holds tx",
			zap.String("vault", v.ID),
			zap.String("tx", signed.Hash().Hex()),
			zap.Error(sendErr),
		)
		sent = signed
		return nil
	})
	if err != nil {
		e.release(work, v, attempt.ID, err.Error())
		return OutcomeReleased, fmt.Errorf("%w: submit sweep: %w", ErrTransient, err)
	}

	hash := sent.Hash()
	if ambiguous {
		e.markAttempt(work, attempt.ID, vault.AttemptUpdate{Outcome: vault.OutcomeUnknown})
		return OutcomePending, fmt.Errorf("%w: tx %s", ErrAmbiguous, hash.Hex())
	}

	e.log.Info("sweep submitted",
		zap.String("vault", v.ID),
		zap.String("tx", hash.Hex()),
		zap.Uint64("nonce", sent.Nonce()),
		zap.Uint64("gas", gas),
		zap.String("max_fee", feeCap.String()),
	)
	e.markAttempt(work, attempt.ID, vault.AttemptUpdate{Outcome: vault.OutcomePendingConfirmation})

	rcpt, err := e.ledger.WaitForReceipt(work, hash, e.opts.ConfirmTimeout)
	if err != nil {
		e.markAttempt(work, attempt.ID, vault.AttemptUpdate{Outcome: vault.OutcomeUnknown})
		e.log.Warn("sweep unconfirmed, left for recovery",
			zap.String("vault", v.ID),
			zap.String("tx", hash.Hex()),
			zap.Error(err),
		)
		return OutcomePending, fmt.Errorf("%w: %w", ErrAmbiguous, err)
	}
	return e.applyReceipt(work, v, attempt.ID, rcpt)
}

// applyReceipt records a mined sweep. A successful receipt finalizes the
// vault; a reverted one releases it for another try.
func (e *Executor) applyReceipt(ctx context.Context, v vault.Vault, attemptID string, r *chain.Receipt) (Outcome, error) {
	if r.Status == chain.ReceiptSuccess {
		ok, err := e.store.FinalizeSweep(ctx, v.ID, attemptID, vault.SweepResult{
			TxHash:      r.TxHash.Hex(),
			BlockNumber: r.BlockNumber,
			SweptAt:     e.now(),
		})
		if err != nil {
			return OutcomePending, fmt.Errorf("%w: finalize vault %s: %w", ErrTransient, v.ID, err)
		}
		if !ok {
			e.log.Warn("vault left SWEEPING before finalize", zap.String("vault", v.ID), zap.String("tx", r.TxHash.Hex()))
			return OutcomeSkipped, nil
		}
		e.logTransition(v, vault.StatusSweeping, vault.StatusActive,
			zap.String("tx", r.TxHash.Hex()),
			zap.Uint64("block", r.BlockNumber),
		)
		return OutcomeSwept, nil
	}

	reverts := v.Reverts + 1
	next := vault.StatusPending
	if e.opts.MaxReverts > 0 && reverts >= e.opts.MaxReverts {
		next = vault.StatusFailed
	}
	// The vault moves first: a reverted attempt on a SWEEPING vault would read
	// as an earlier cycle to recovery and lose this revert from the count.
	ok, err := e.store.CompareAndSetStatus(ctx, v.ID, vault.StatusSweeping, vault.Update{Status: next, Reverts: &reverts})
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: release reverted vault %s: %w", ErrTransient, v.ID, err)
	}
	e.markAttempt(ctx, attemptID, vault.AttemptUpdate{Outcome: vault.OutcomeReverted, BlockNumber: r.BlockNumber})
	if ok {
		e.logTransition(v, vault.StatusSweeping, next,
			zap.String("tx", r.TxHash.Hex()),
			zap.Uint64("block", r.BlockNumber),
			zap.Int("reverts", reverts),
		)
	}
	return OutcomeReverted, nil
}

// gasParams returns gas limit, fee cap and tip for a processDeposit call.
func (e *Executor) gasParams(ctx context.Context, data []byte) (uint64, *big.Int, *big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
	defer cancel()

	est, err := e.ledger.EstimateGas(ctx, ethereum.CallMsg{
		From: e.signer.Address(),
		To:   &e.opts.Contract,
		Data: data,
	})
	if err != nil {
		return 0, nil, nil, err
	}
	base, err := e.ledger.BaseFee(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	tip := new(big.Int).Set(e.opts.PriorityFee)
	return GasLimit(est, e.opts.GasMargin), FeeCap(base, e.opts.FeeMultiplier, tip), tip, nil
}

// GasLimit applies margin to an estimate, rounding up.
func GasLimit(estimate uint64, margin decimal.Decimal) uint64 {
	est := decimal.NewFromBigInt(new(big.Int).SetUint64(estimate), 0)
	return est.Mul(margin).Ceil().BigInt().Uint64()
}

// FeeCap is baseFee × multiplier + tip, rounded up to whole wei.
func FeeCap(baseFee *big.Int, multiplier decimal.Decimal, tip *big.Int) *big.Int {
	scaled := decimal.NewFromBigInt(baseFee, 0).Mul(multiplier).Ceil().BigInt()
	return scaled.Add(scaled, tip)
}

// release abandons the attempt and hands the vault back to PENDING. It is
// only valid when no transaction for the attempt can have reached the chain.
func (e *Executor) release(ctx context.Context, v vault.Vault, attemptID, reason string) {
	if attemptID != "" {
		e.markAttempt(ctx, attemptID, vault.AttemptUpdate{Outcome: vault.OutcomeAbandoned})
	}
	ok, err := e.store.CompareAndSetStatus(ctx, v.ID, vault.StatusSweeping, vault.Update{Status: vault.StatusPending})
	if err != nil {
		e.log.Error("release vault failed, left for recovery", zap.String("vault", v.ID), zap.Error(err))
		return
	}
	if ok {
		e.logTransition(v, vault.StatusSweeping, vault.StatusPending, zap.String("reason", reason))
	}
}

func (e *Executor) markAttempt(ctx context.Context, id string, upd vault.AttemptUpdate) {
	if err := e.store.UpdateAttempt(ctx, id, upd); err != nil {
		e.log.Error("update sweep attempt",
			zap.String("attempt", id),
			zap.String("outcome", string(upd.Outcome)),
			zap.Error(err),
		)
	}
}

func (e *Executor) logTransition(v vault.Vault, from, to vault.Status, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("vault", v.ID),
		zap.String("address", v.Address.Hex()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}, fields...)
	if to == vault.StatusFailed {
		e.log.Error("vault status changed", fields...)
		return
	}
	e.log.Info("vault status changed", fields...)
}
