package settler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/payrail/vault-sweeper/internal/billing"
	"github.com/payrail/vault-sweeper/internal/chain"
	"github.com/payrail/vault-sweeper/internal/store"
	"github.com/payrail/vault-sweeper/internal/vault"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	testChainID = big.NewInt(1337)
	contract    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	subscriber  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	gwei        = big.NewInt(1_000_000_000)
)

// fakeLedger is an in-memory chain: a mempool, mined receipts and token balances.
type fakeLedger struct {
	mu sync.Mutex

	balances   map[common.Address]*big.Int
	balanceErr map[common.Address]error
	decimals   uint8

	pending   uint64
	confirmed uint64

	gasErr      error
	submitErr   error
	submitKnown bool // node kept the tx despite submitErr
	knownErr    error
	onSubmit    func()

	onConfirmedNonce func()

	autoMine bool
	status   chain.ReceiptStatus
	block    uint64

	sent         []*types.Transaction
	pool         map[common.Hash]*types.Transaction
	mined        map[common.Hash]*chain.Receipt
	rebroadcasts [][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:   make(map[common.Address]*big.Int),
		balanceErr: make(map[common.Address]error),
		decimals:   6,
		autoMine:   true,
		status:     chain.ReceiptSuccess,
		block:      100,
		pool:       make(map[common.Hash]*types.Transaction),
		mined:      make(map[common.Hash]*chain.Receipt),
	}
}

func (f *fakeLedger) BalanceOf(_ context.Context, _, holder common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.balanceErr[holder]; err != nil {
		return nil, err
	}
	if b, ok := f.balances[holder]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeLedger) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return f.decimals, nil
}

func (f *fakeLedger) PendingNonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeLedger) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return 50_000, nil
}

func (f *fakeLedger) BaseFee(context.Context) (*big.Int, error) {
	return new(big.Int).Set(gwei), nil
}

func (f *fakeLedger) Submit(_ context.Context, tx *types.Transaction) error {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		if f.submitKnown {
			f.accept(tx)
		}
		return f.submitErr
	}
	f.accept(tx)
	return nil
}

func (f *fakeLedger) accept(tx *types.Transaction) {
	f.sent = append(f.sent, tx)
	f.pool[tx.Hash()] = tx
	if tx.Nonce() >= f.pending {
		f.pending = tx.Nonce() + 1
	}
}

// mine moves every pooled tx into a block with the configured status.
func (f *fakeLedger) mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked()
}

func (f *fakeLedger) mineLocked() {
	for h, tx := range f.pool {
		f.block++
		f.mined[h] = &chain.Receipt{TxHash: h, Status: f.status, BlockNumber: f.block}
		if tx.Nonce() >= f.confirmed {
			f.confirmed = tx.Nonce() + 1
		}
		delete(f.pool, h)
	}
}

func (f *fakeLedger) WaitForReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoMine {
		f.mineLocked()
	}
	if r, ok := f.mined[hash]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrReceiptTimeout, hash.Hex())
}

func (f *fakeLedger) ReceiptIfExists(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mined[hash], nil
}

func (f *fakeLedger) TransactionKnown(_ context.Context, hash common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.knownErr != nil {
		return false, f.knownErr
	}
	_, pooled := f.pool[hash]
	_, mined := f.mined[hash]
	return pooled || mined, nil
}

func (f *fakeLedger) ConfirmedNonce(context.Context, common.Address) (uint64, error) {
	if f.onConfirmedNonce != nil {
		f.onConfirmedNonce()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, nil
}

func (f *fakeLedger) Rebroadcast(_ context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebroadcasts = append(f.rebroadcasts, raw)
	f.pool[tx.Hash()] = tx
	return tx.Hash(), nil
}

func (f *fakeLedger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// ── fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	mr       *miniredis.Miniredis
	store    *store.RedisStore
	ledger   *fakeLedger
	signer   *chain.Signer
	executor *Executor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	signer, err := chain.NewSigner(testKey, testChainID)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	ledger := newFakeLedger()
	st := store.NewRedisStore(rdb)

	f := &fixture{mr: mr, store: st, ledger: ledger, signer: signer}
	f.executor = f.newExecutor(opts)
	return f
}

func (f *fixture) newExecutor(opts Options) *Executor {
	opts.Contract = contract
	opts.ChainID = testChainID
	nonces := chain.NewNonceAllocator(f.ledger, f.signer.Address(), zap.NewNop())
	return NewExecutor(f.store, f.ledger, f.signer, nonces, opts, zap.NewNop())
}

func (f *fixture) newScheduler(exec *Executor, workers int) *Scheduler {
	return NewScheduler(f.store, billing.NewVerifier(f.ledger), exec, 10*time.Millisecond, workers, zap.NewNop())
}

// seed creates plan 1 (10 tokens, 6 decimals) if missing, a vault on it and
// its subscription.
func (f *fixture) seed(t *testing.T, id string, addr byte, balance int64) vault.Vault {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.Plan(ctx, 1); err != nil {
		six := uint8(6)
		if err := f.store.CreatePlan(ctx, vault.Plan{ID: 1, MerchantID: "m-1", TokenAddress: usdc, Price: decimal.NewFromInt(10), TokenDecimals: &six}); err != nil {
			t.Fatalf("CreatePlan: %v", err)
		}
	}
	v := vault.Vault{
		ID:             id,
		Address:        common.BytesToAddress([]byte{0x10, addr}),
		Subscriber:     subscriber,
		MerchantID:     "m-1",
		PlanID:         1,
		SubscriptionID: "sub-" + id,
		Status:         vault.StatusPending,
	}
	if err := f.store.CreateVault(ctx, v); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := f.store.CreateSubscription(ctx, vault.Subscription{ID: v.SubscriptionID, VaultID: id}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	f.ledger.mu.Lock()
	f.ledger.balances[v.Address] = big.NewInt(balance)
	f.ledger.mu.Unlock()
	return v
}

func (f *fixture) vault(t *testing.T, id string) *vault.Vault {
	t.Helper()
	v, err := f.store.Vault(context.Background(), id)
	if err != nil {
		t.Fatalf("Vault %s: %v", id, err)
	}
	return v
}

func (f *fixture) subscriptionStatus(t *testing.T, id string) vault.SubscriptionStatus {
	t.Helper()
	sub, err := f.store.Subscription(context.Background(), id)
	if err != nil {
		t.Fatalf("Subscription %s: %v", id, err)
	}
	return sub.Status
}

func (f *fixture) latestAttempt(t *testing.T, vaultID string) *vault.SweepAttempt {
	t.Helper()
	a, err := f.store.LatestAttempt(context.Background(), vaultID)
	if err != nil {
		t.Fatalf("LatestAttempt %s: %v", vaultID, err)
	}
	if a == nil {
		t.Fatalf("no attempt for %s", vaultID)
	}
	return a
}

// claimWithAttempt leaves v SWEEPING with a signed, recorded but unsent tx,
// as a crash right after recording the hash would.
func (f *fixture) claimWithAttempt(t *testing.T, v vault.Vault, nonce uint64) *types.Transaction {
	t.Helper()
	ctx := context.Background()
	if ok, err := f.store.CompareAndSetStatus(ctx, v.ID, vault.StatusPending, vault.Update{Status: vault.StatusSweeping}); err != nil || !ok {
		t.Fatalf("claim %s: ok=%v err=%v", v.ID, ok, err)
	}
	data, err := chain.PackProcessDeposit(v.Subscriber, v.PlanID)
	if err != nil {
		t.Fatalf("PackProcessDeposit: %v", err)
	}
	tx, err := f.signer.Sign(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: gwei,
		GasFeeCap: big.NewInt(3_000_000_000),
		Gas:       60_000,
		To:        &contract,
		Data:      data,
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, _ := tx.MarshalBinary()
	attemptID := "att-" + v.ID
	if err := f.store.RecordAttempt(ctx, vault.SweepAttempt{ID: attemptID, VaultID: v.ID, Outcome: vault.OutcomeSubmitting}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := f.store.UpdateAttempt(ctx, attemptID, vault.AttemptUpdate{
		Nonce:   &nonce,
		TxHash:  tx.Hash().Hex(),
		RawTx:   raw,
		Outcome: vault.OutcomePendingConfirmation,
	}); err != nil {
		t.Fatalf("UpdateAttempt: %v", err)
	}
	return tx
}
