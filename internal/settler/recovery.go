package settler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/payrail/vault-sweeper/internal/vault"
)

// Recover resolves a vault found in SWEEPING from its latest attempt and the
// chain. It never signs a new transaction: an attempt that may still land is
// only rebroadcast with its original bytes.
func (e *Executor) Recover(ctx context.Context, v vault.Vault) (Outcome, error) {
	attempt, err := e.store.LatestAttempt(ctx, v.ID)
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: latest attempt for %s: %w", ErrTransient, v.ID, err)
	}

	// 1. Nothing was handed to the node for this claim. A settled attempt is
	// from an earlier sweep: the claim was lost before a new attempt was recorded.
	if attempt == nil || attempt.Outcome.Settled() || attempt.TxHash == "" {
		e.log.Info("recovery: no submitted tx for vault", zap.String("vault", v.ID))
		attemptID := ""
		if attempt != nil && !attempt.Outcome.Settled() {
			attemptID = attempt.ID
		}
		e.release(ctx, v, attemptID, "recovery: no submitted tx")
		return OutcomeReleased, nil
	}

	hash := common.HexToHash(attempt.TxHash)
	log := e.log.With(zap.String("vault", v.ID), zap.String("tx", attempt.TxHash), zap.Uint64("nonce", attempt.Nonce))

	// 2. Mined: apply the receipt exactly as the executor would have.
	rcpt, err := e.ledger.ReceiptIfExists(ctx, hash)
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if rcpt != nil {
		log.Info("recovery: receipt found", zap.String("status", rcpt.Status.String()))
		return e.applyReceipt(ctx, v, attempt.ID, rcpt)
	}

	// 3. Still in the mempool.
	known, err := e.ledger.TransactionKnown(ctx, hash)
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if known {
		log.Info("recovery: sweep still pending")
		return OutcomePending, nil
	}

	// 4. Unknown to the node and its nonce already used: it can never be mined.
	confirmed, err := e.ledger.ConfirmedNonce(ctx, e.signer.Address())
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: confirmed nonce: %w", ErrTransient, err)
	}
	if confirmed > attempt.Nonce {
		// The nonce may have been consumed by our own tx after the lookups above.
		rcpt, err := e.ledger.ReceiptIfExists(ctx, hash)
		if err != nil {
			return OutcomePending, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if rcpt != nil {
			log.Info("recovery: receipt found after nonce advanced", zap.String("status", rcpt.Status.String()))
			return e.applyReceipt(ctx, v, attempt.ID, rcpt)
		}
		log.Warn("recovery: sweep dropped, nonce consumed", zap.Uint64("confirmed_nonce", confirmed))
		e.markAttempt(ctx, attempt.ID, vault.AttemptUpdate{Outcome: vault.OutcomeDropped})
		ok, err := e.store.CompareAndSetStatus(ctx, v.ID, vault.StatusSweeping, vault.Update{Status: vault.StatusPending})
		if err != nil {
			return OutcomePending, fmt.Errorf("%w: release dropped vault %s: %w", ErrTransient, v.ID, err)
		}
		if ok {
			e.logTransition(v, vault.StatusSweeping, vault.StatusPending, zap.String("reason", "sweep dropped"))
		}
		return OutcomeReleased, nil
	}

	// 5. Lost from the mempool but still mineable: resend the same bytes.
	if len(attempt.RawTx) == 0 {
		log.Warn("recovery: sweep not found and no raw tx to rebroadcast")
		return OutcomePending, nil
	}
	if _, err := e.ledger.Rebroadcast(ctx, attempt.RawTx); err != nil {
		return OutcomePending, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	log.Info("recovery: sweep rebroadcast")
	return OutcomePending, nil
}
