package store

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/payrail/vault-sweeper/internal/vault"
)

// recordStore is the surface both backends implement.
type recordStore interface {
	CreateVault(ctx context.Context, v vault.Vault) error
	Vault(ctx context.Context, id string) (*vault.Vault, error)
	List(ctx context.Context, status vault.Status) ([]vault.Vault, error)
	CompareAndSetStatus(ctx context.Context, id string, expected vault.Status, upd vault.Update) (bool, error)
	FinalizeSweep(ctx context.Context, vaultID, attemptID string, res vault.SweepResult) (bool, error)
	CreatePlan(ctx context.Context, p vault.Plan) error
	Plan(ctx context.Context, id uint64) (*vault.Plan, error)
	CreateSubscription(ctx context.Context, sub vault.Subscription) error
	Subscription(ctx context.Context, id string) (*vault.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status vault.SubscriptionStatus) error
	RecordAttempt(ctx context.Context, a vault.SweepAttempt) error
	UpdateAttempt(ctx context.Context, id string, upd vault.AttemptUpdate) error
	Attempt(ctx context.Context, id string) (*vault.SweepAttempt, error)
	LatestAttempt(ctx context.Context, vaultID string) (*vault.SweepAttempt, error)
}

var (
	_ recordStore = (*RedisStore)(nil)
	_ recordStore = (*PostgresStore)(nil)
)

func seedVault(t *testing.T, s recordStore, id string, addr byte) vault.Vault {
	t.Helper()
	ctx := context.Background()
	v := vault.Vault{
		ID:             id,
		Address:        common.BytesToAddress([]byte{addr}),
		Subscriber:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		MerchantID:     "m-1",
		PlanID:         7,
		SubscriptionID: "sub-" + id,
		Status:         vault.StatusPending,
	}
	if err := s.CreateVault(ctx, v); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if err := s.CreateSubscription(ctx, vault.Subscription{ID: v.SubscriptionID, VaultID: id}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return v
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) recordStore) {
	ctx := context.Background()

	t.Run("create and load vault", func(t *testing.T) {
		s := newStore(t)
		want := seedVault(t, s, "v-create", 1)

		got, err := s.Vault(ctx, "v-create")
		if err != nil {
			t.Fatalf("Vault: %v", err)
		}
		if got.Address != want.Address || got.Subscriber != want.Subscriber {
			t.Errorf("addresses: got %s/%s want %s/%s", got.Address, got.Subscriber, want.Address, want.Subscriber)
		}
		if got.Status != vault.StatusPending {
			t.Errorf("status: got %q want PENDING", got.Status)
		}
		if got.PlanID != 7 || got.SubscriptionID != "sub-v-create" {
			t.Errorf("plan/sub: got %d/%q", got.PlanID, got.SubscriptionID)
		}
		if got.Balance.Sign() != 0 {
			t.Errorf("balance: got %s want 0", got.Balance)
		}
	})

	t.Run("duplicate address rejected", func(t *testing.T) {
		s := newStore(t)
		v := seedVault(t, s, "v-dup", 2)
		v.ID = "v-dup-2"
		if err := s.CreateVault(ctx, v); !errors.Is(err, vault.ErrExists) {
			t.Errorf("duplicate: got %v want ErrExists", err)
		}
	})

	t.Run("missing records", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Vault(ctx, "nope"); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("Vault: got %v want ErrNotFound", err)
		}
		if _, err := s.Plan(ctx, 999); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("Plan: got %v want ErrNotFound", err)
		}
		if err := s.UpdateSubscriptionStatus(ctx, "nope", vault.SubscriptionActive); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("UpdateSubscriptionStatus: got %v want ErrNotFound", err)
		}
		if err := s.UpdateAttempt(ctx, "nope", vault.AttemptUpdate{Outcome: vault.OutcomeUnknown}); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("UpdateAttempt: got %v want ErrNotFound", err)
		}
		a, err := s.LatestAttempt(ctx, "nope")
		if err != nil || a != nil {
			t.Errorf("LatestAttempt: got %v, %v want nil, nil", a, err)
		}
	})

	t.Run("plan round trip", func(t *testing.T) {
		s := newStore(t)
		six := uint8(6)
		in := vault.Plan{
			ID:            7,
			MerchantID:    "m-1",
			TokenAddress:  common.HexToAddress("0x00000000000000000000000000000000000000cc"),
			Price:         decimal.RequireFromString("9.99"),
			TokenDecimals: &six,
		}
		if err := s.CreatePlan(ctx, in); err != nil {
			t.Fatalf("CreatePlan: %v", err)
		}
		got, err := s.Plan(ctx, 7)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if !got.Price.Equal(in.Price) {
			t.Errorf("price: got %s want 9.99", got.Price)
		}
		if got.TokenDecimals == nil || *got.TokenDecimals != 6 {
			t.Errorf("decimals: got %v want 6", got.TokenDecimals)
		}
		if got.TokenAddress != in.TokenAddress {
			t.Errorf("token: got %s", got.TokenAddress)
		}

		if err := s.CreatePlan(ctx, vault.Plan{ID: 8, TokenAddress: in.TokenAddress, Price: decimal.NewFromInt(5)}); err != nil {
			t.Fatalf("CreatePlan: %v", err)
		}
		got, err = s.Plan(ctx, 8)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if got.TokenDecimals != nil {
			t.Errorf("decimals: got %d want unset", *got.TokenDecimals)
		}
	})

	t.Run("compare and set", func(t *testing.T) {
		s := newStore(t)
		seedVault(t, s, "v-cas", 3)

		bal := big.NewInt(10_000_000)
		ok, err := s.CompareAndSetStatus(ctx, "v-cas", vault.StatusPending, vault.Update{Status: vault.StatusSweeping, Balance: bal})
		if err != nil || !ok {
			t.Fatalf("first CAS: ok=%v err=%v", ok, err)
		}
		ok, err = s.CompareAndSetStatus(ctx, "v-cas", vault.StatusPending, vault.Update{Status: vault.StatusSweeping})
		if err != nil {
			t.Fatalf("second CAS: %v", err)
		}
		if ok {
			t.Error("second CAS from PENDING should not apply")
		}

		got, _ := s.Vault(ctx, "v-cas")
		if got.Status != vault.StatusSweeping {
			t.Errorf("status: got %q want SWEEPING", got.Status)
		}
		if got.Balance.Cmp(bal) != 0 {
			t.Errorf("balance: got %s want %s", got.Balance, bal)
		}

		pending, _ := s.List(ctx, vault.StatusPending)
		sweeping, _ := s.List(ctx, vault.StatusSweeping)
		if len(pending) != 0 || len(sweeping) != 1 {
			t.Errorf("lists: pending=%d sweeping=%d want 0/1", len(pending), len(sweeping))
		}

		reverts := 2
		ok, err = s.CompareAndSetStatus(ctx, "v-cas", vault.StatusSweeping, vault.Update{Status: vault.StatusPending, Reverts: &reverts})
		if err != nil || !ok {
			t.Fatalf("release CAS: ok=%v err=%v", ok, err)
		}
		got, _ = s.Vault(ctx, "v-cas")
		if got.Reverts != 2 {
			t.Errorf("reverts: got %d want 2", got.Reverts)
		}
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		seedVault(t, s, "v-race", 4)

		const n = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSetStatus(ctx, "v-race", vault.StatusPending, vault.Update{Status: vault.StatusSweeping})
				if err != nil {
					t.Errorf("CAS: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("winners: got %d want 1", wins)
		}
	})

	t.Run("attempt history", func(t *testing.T) {
		s := newStore(t)
		seedVault(t, s, "v-att", 5)

		t0 := time.Now().Add(-time.Minute)
		for i, id := range []string{"a-1", "a-2"} {
			err := s.RecordAttempt(ctx, vault.SweepAttempt{
				ID:        id,
				VaultID:   "v-att",
				Outcome:   vault.OutcomeSubmitting,
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("RecordAttempt %s: %v", id, err)
			}
		}

		nonce := uint64(42)
		raw := []byte{0x02, 0xf8, 0x01}
		if err := s.UpdateAttempt(ctx, "a-2", vault.AttemptUpdate{
			Nonce:       &nonce,
			TxHash:      "0xabc",
			RawTx:       raw,
			Outcome:     vault.OutcomePendingConfirmation,
			SubmittedAt: time.Now(),
		}); err != nil {
			t.Fatalf("UpdateAttempt: %v", err)
		}

		latest, err := s.LatestAttempt(ctx, "v-att")
		if err != nil {
			t.Fatalf("LatestAttempt: %v", err)
		}
		if latest.ID != "a-2" {
			t.Fatalf("latest: got %q want a-2", latest.ID)
		}
		if latest.Nonce != 42 || latest.TxHash != "0xabc" || string(latest.RawTx) != string(raw) {
			t.Errorf("attempt fields: nonce=%d hash=%q raw=%x", latest.Nonce, latest.TxHash, latest.RawTx)
		}
		if latest.Outcome != vault.OutcomePendingConfirmation {
			t.Errorf("outcome: got %q", latest.Outcome)
		}
		if latest.SubmittedAt.IsZero() {
			t.Error("submitted_at not stored")
		}

		first, err := s.Attempt(ctx, "a-1")
		if err != nil {
			t.Fatalf("Attempt: %v", err)
		}
		if first.TxHash != "" || first.Outcome != vault.OutcomeSubmitting {
			t.Errorf("a-1 changed: %+v", first)
		}
	})

	t.Run("finalize", func(t *testing.T) {
		s := newStore(t)
		seedVault(t, s, "v-fin", 6)
		if err := s.RecordAttempt(ctx, vault.SweepAttempt{ID: "a-fin", VaultID: "v-fin", Outcome: vault.OutcomePendingConfirmation}); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		res := vault.SweepResult{TxHash: "0xfeed", BlockNumber: 12, SweptAt: time.Unix(1_700_000_000, 0)}

		// Not yet SWEEPING: nothing applied.
		ok, err := s.FinalizeSweep(ctx, "v-fin", "a-fin", res)
		if err != nil {
			t.Fatalf("FinalizeSweep: %v", err)
		}
		if ok {
			t.Fatal("finalize applied to a PENDING vault")
		}

		if ok, _ := s.CompareAndSetStatus(ctx, "v-fin", vault.StatusPending, vault.Update{Status: vault.StatusSweeping, Balance: big.NewInt(5)}); !ok {
			t.Fatal("claim failed")
		}
		ok, err = s.FinalizeSweep(ctx, "v-fin", "a-fin", res)
		if err != nil || !ok {
			t.Fatalf("FinalizeSweep: ok=%v err=%v", ok, err)
		}

		v, _ := s.Vault(ctx, "v-fin")
		if v.Status != vault.StatusActive {
			t.Errorf("vault status: got %q want ACTIVE", v.Status)
		}
		if v.Balance.Sign() != 0 {
			t.Errorf("balance: got %s want 0", v.Balance)
		}
		if v.SweepTxHash != "0xfeed" {
			t.Errorf("sweep tx: got %q", v.SweepTxHash)
		}
		if !v.LastSweepAt.Equal(res.SweptAt) {
			t.Errorf("last sweep: got %v want %v", v.LastSweepAt, res.SweptAt)
		}

		sub, _ := s.Subscription(ctx, "sub-v-fin")
		if sub.Status != vault.SubscriptionActive {
			t.Errorf("subscription: got %q want ACTIVE", sub.Status)
		}
		a, _ := s.Attempt(ctx, "a-fin")
		if a.Outcome != vault.OutcomeConfirmed || a.BlockNumber != 12 {
			t.Errorf("attempt: outcome=%q block=%d", a.Outcome, a.BlockNumber)
		}

		// Second finalize is a no-op.
		ok, err = s.FinalizeSweep(ctx, "v-fin", "a-fin", res)
		if err != nil || ok {
			t.Errorf("repeat finalize: ok=%v err=%v want false, nil", ok, err)
		}
		active, _ := s.List(ctx, vault.StatusActive)
		if len(active) != 1 {
			t.Errorf("active list: got %d want 1", len(active))
		}
	})
}
