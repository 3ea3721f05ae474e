// cmd/vaultctl is the operator tool for the records the sweeper reconciles.
// It reads the same environment as the sweeper (RPC_URL, SETTLEMENT_CONTRACT,
// STORE_DRIVER, REDIS_ADDR, POSTGRES_DSN, ...).
//
// Usage:
//
//	go run ./cmd/vaultctl/ plan     --id 1 --merchant m-1 --token 0x<erc20> --price 9.99 --decimals 6
//	go run ./cmd/vaultctl/ register --subscriber 0x<addr> --plan 1 --merchant m-1
//	go run ./cmd/vaultctl/ inspect  --vault <vault-id>
//	go run ./cmd/vaultctl/ migrate
//
// register asks the settlement contract for the deterministic deposit address
// of (subscriber, plan) and creates a PENDING vault with its subscription.
// migrate creates the Postgres tables and is a no-op for Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/payrail/vault-sweeper/internal/chain"
	"github.com/payrail/vault-sweeper/internal/config"
	"github.com/payrail/vault-sweeper/internal/store"
	"github.com/payrail/vault-sweeper/internal/vault"
)

// records is the store surface the operator commands use.
type records interface {
	CreateVault(ctx context.Context, v vault.Vault) error
	Vault(ctx context.Context, id string) (*vault.Vault, error)
	CreatePlan(ctx context.Context, p vault.Plan) error
	Plan(ctx context.Context, id uint64) (*vault.Plan, error)
	CreateSubscription(ctx context.Context, sub vault.Subscription) error
	Subscription(ctx context.Context, id string) (*vault.Subscription, error)
	LatestAttempt(ctx context.Context, vaultID string) (*vault.SweepAttempt, error)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cmd {
	case "plan":
		runPlan(ctx, cfg, args)
	case "register":
		runRegister(ctx, cfg, args)
	case "inspect":
		runInspect(ctx, cfg, args)
	case "migrate":
		runMigrate(ctx, cfg)
	default:
		usage()
	}
}

func runPlan(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	id := fs.Uint64("id", 0, "Plan ID (matches the on-chain planId)")
	merchant := fs.String("merchant", "", "Merchant ID")
	token := fs.String("token", "", "ERC-20 token address")
	price := fs.String("price", "", "Price in whole tokens, may be fractional")
	decimals := fs.Int("decimals", -1, "Token decimals; -1 reads them from the token")
	fs.Parse(args) //nolint:errcheck

	p, err := buildPlan(*id, *merchant, *token, *price, *decimals)
	if err != nil {
		fatalf("%v", err)
	}
	st, closeStore := mustOpen(ctx, cfg)
	defer closeStore()

	if err := st.CreatePlan(ctx, p); err != nil {
		fatalf("create plan: %v", err)
	}
	fmt.Printf("plan %d: %s of %s\n", p.ID, p.Price, p.TokenAddress.Hex())
}

func runRegister(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	subscriberHex := fs.String("subscriber", "", "Subscriber wallet address")
	planID := fs.Uint64("plan", 0, "Plan ID")
	merchant := fs.String("merchant", "", "Merchant ID")
	fs.Parse(args) //nolint:errcheck

	if !common.IsHexAddress(*subscriberHex) {
		fatalf("--subscriber must be a hex address")
	}
	subscriber := common.HexToAddress(*subscriberHex)

	st, closeStore := mustOpen(ctx, cfg)
	defer closeStore()

	if _, err := st.Plan(ctx, *planID); err != nil {
		fatalf("plan %d: %v", *planID, err)
	}

	onchain, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		fatalf("dial rpc: %v", err)
	}
	defer onchain.Close()

	addr, err := onchain.DepositAddress(ctx, common.HexToAddress(cfg.Chain.ContractAddress), subscriber, *planID)
	if err != nil {
		fatalf("predict deposit address: %v", err)
	}

	v, sub := newRegistration(addr, subscriber, *merchant, *planID)
	if err := register(ctx, st, v, sub); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("vault:        %s\n", v.ID)
	fmt.Printf("deposit addr: %s\n", v.Address.Hex())
	fmt.Printf("subscription: %s\n", sub.ID)
}

func runInspect(ctx context.Context, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	id := fs.String("vault", "", "Vault ID")
	fs.Parse(args) //nolint:errcheck

	st, closeStore := mustOpen(ctx, cfg)
	defer closeStore()

	if err := inspect(ctx, st, *id, os.Stdout); err != nil {
		fatalf("%v", err)
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) {
	if cfg.Store.Driver != config.DriverPostgres {
		fmt.Println("redis store needs no migration")
		return
	}
	pg, err := store.OpenPostgres(cfg.Postgres.DSN)
	if err != nil {
		fatalf("open postgres: %v", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		fatalf("migrate: %v", err)
	}
	fmt.Println("tables ready")
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func buildPlan(id uint64, merchant, token, price string, decimals int) (vault.Plan, error) {
	if id == 0 {
		return vault.Plan{}, fmt.Errorf("--id is required")
	}
	if !common.IsHexAddress(token) {
		return vault.Plan{}, fmt.Errorf("--token must be a hex address")
	}
	amount, err := decimal.NewFromString(price)
	if err != nil || !amount.IsPositive() {
		return vault.Plan{}, fmt.Errorf("--price must be a positive number, got %q", price)
	}
	p := vault.Plan{ID: id, MerchantID: merchant, TokenAddress: common.HexToAddress(token), Price: amount}
	switch {
	case decimals > 255:
		return vault.Plan{}, fmt.Errorf("--decimals out of range: %d", decimals)
	case decimals >= 0:
		d := uint8(decimals)
		p.TokenDecimals = &d
	}
	return p, nil
}

func newRegistration(addr, subscriber common.Address, merchant string, planID uint64) (vault.Vault, vault.Subscription) {
	v := vault.Vault{
		ID:             uuid.NewString(),
		Address:        addr,
		Subscriber:     subscriber,
		MerchantID:     merchant,
		PlanID:         planID,
		SubscriptionID: uuid.NewString(),
		Status:         vault.StatusPending,
	}
	return v, vault.Subscription{ID: v.SubscriptionID, VaultID: v.ID, Status: vault.SubscriptionPending}
}

// register writes the subscription first so a vault never references a
// missing one. An address collision leaves an unreferenced PENDING
// subscription behind, which nothing activates.
func register(ctx context.Context, st records, v vault.Vault, sub vault.Subscription) error {
	if err := st.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if err := st.CreateVault(ctx, v); err != nil {
		return fmt.Errorf("create vault %s: %w", v.Address.Hex(), err)
	}
	return nil
}

func inspect(ctx context.Context, st records, id string, w io.Writer) error {
	v, err := st.Vault(ctx, id)
	if err != nil {
		return fmt.Errorf("vault %s: %w", id, err)
	}
	fmt.Fprintf(w, "vault:        %s\n", v.ID)
	fmt.Fprintf(w, "address:      %s\n", v.Address.Hex())
	fmt.Fprintf(w, "subscriber:   %s\n", v.Subscriber.Hex())
	fmt.Fprintf(w, "plan:         %d\n", v.PlanID)
	fmt.Fprintf(w, "status:       %s\n", v.Status)
	if v.Balance != nil {
		fmt.Fprintf(w, "balance:      %s\n", v.Balance)
	}
	fmt.Fprintf(w, "reverts:      %d\n", v.Reverts)
	if v.SweepTxHash != "" {
		fmt.Fprintf(w, "sweep tx:     %s\n", v.SweepTxHash)
		fmt.Fprintf(w, "swept at:     %s\n", v.LastSweepAt.Format(time.RFC3339))
	}
	if v.SubscriptionID != "" {
		if sub, err := st.Subscription(ctx, v.SubscriptionID); err == nil {
			fmt.Fprintf(w, "subscription: %s (%s)\n", sub.ID, sub.Status)
		}
	}

	a, err := st.LatestAttempt(ctx, id)
	if err != nil {
		return fmt.Errorf("latest attempt: %w", err)
	}
	if a == nil {
		fmt.Fprintln(w, "attempt:      none")
		return nil
	}
	fmt.Fprintf(w, "attempt:      %s %s nonce=%d tx=%s\n", a.ID, a.Outcome, a.Nonce, a.TxHash)
	return nil
}

func mustOpen(ctx context.Context, cfg *config.Config) (records, func()) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.Postgres.DSN)
		if err != nil {
			fatalf("open postgres: %v", err)
		}
		return pg, func() { pg.Close() }
	default:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatalf("redis ping: %v", err)
		}
		return store.NewRedisStore(rdb), func() { rdb.Close() }
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vaultctl <plan|register|inspect|migrate> [flags]")
	os.Exit(2)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
