package settler

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/payrail/vault-sweeper/internal/chain"
	"github.com/payrail/vault-sweeper/internal/vault"
)

var (
	// ErrTransient covers RPC and store failures; the vault is retried next tick.
	ErrTransient = errors.New("transient failure")
	// ErrAmbiguous means a transaction may have reached the chain but its
	// outcome was not observed. The vault stays SWEEPING until recovery
	// resolves it from the chain.
	ErrAmbiguous = errors.New("sweep outcome unknown")
)

// Store is the record store the sweeper reads and transitions.
type Store interface {
	List(ctx context.Context, status vault.Status) ([]vault.Vault, error)
	Plan(ctx context.Context, id uint64) (*vault.Plan, error)
	Subscription(ctx context.Context, id string) (*vault.Subscription, error)
	CompareAndSetStatus(ctx context.Context, id string, expected vault.Status, upd vault.Update) (bool, error)
	RecordAttempt(ctx context.Context, a vault.SweepAttempt) error
	UpdateAttempt(ctx context.Context, id string, upd vault.AttemptUpdate) error
	LatestAttempt(ctx context.Context, vaultID string) (*vault.SweepAttempt, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status vault.SubscriptionStatus) error
	FinalizeSweep(ctx context.Context, vaultID, attemptID string, res vault.SweepResult) (bool, error)
}

// Ledger is the chain surface used to build, submit and confirm sweeps.
type Ledger interface {
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	Submit(ctx context.Context, tx *types.Transaction) error
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*chain.Receipt, error)
	ReceiptIfExists(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
	Rebroadcast(ctx context.Context, raw []byte) (common.Hash, error)
}

// TxSigner signs sweep transactions for the single signer account.
type TxSigner interface {
	Address() common.Address
	Sign(tx *types.DynamicFeeTx) (*types.Transaction, error)
}

// Options tunes transaction construction.
type Options struct {
	Contract       common.Address
	ChainID        *big.Int
	GasMargin      decimal.Decimal
	FeeMultiplier  decimal.Decimal
	PriorityFee    *big.Int
	ConfirmTimeout time.Duration
	RPCTimeout     time.Duration
	// MaxReverts fails a vault after this many reverted sweeps; 0 retries forever.
	MaxReverts int
}

// Outcome summarizes what one sweep or recovery did to a vault.
type Outcome int

const (
	OutcomeSkipped  Outcome = iota // vault owned elsewhere or already settled
	OutcomeSwept                   // confirmed and recorded ACTIVE
	OutcomeReverted                // reverted on-chain, vault released
	OutcomeReleased                // nothing reached the chain, vault back to PENDING
	OutcomePending                 // still SWEEPING, outcome not yet known
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSwept:
		return "swept"
	case OutcomeReverted:
		return "reverted"
	case OutcomeReleased:
		return "released"
	case OutcomePending:
		return "pending"
	default:
		return "unknown"
	}
}
