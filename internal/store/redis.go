package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/payrail/vault-sweeper/internal/vault"
)

// casScript moves a vault between status sets only when its current status
// matches the expected one.
//
// KEYS: vault hash, expected-status set, new-status set
// ARGV: expected, new, vault id, field/value pairs...
var casScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// finalizeScript applies a confirmed sweep to the vault, its subscription and
// its attempt in one step.
//
// KEYS: vault hash, SWEEPING set, ACTIVE set, subscription hash, attempt hash
// ARGV: vault id, tx hash, swept-at unix, block number, subscription id
var finalizeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'SWEEPING' then
  return 0
end
if redis.call('EXISTS', KEYS[5]) == 0 then
  return redis.error_reply('attempt missing')
end
redis.call('HSET', KEYS[1], 'status', 'ACTIVE', 'sweep_tx_hash', ARGV[2], 'last_sweep_at', ARGV[3], 'balance', '0')
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[4], 'status', 'ACTIVE')
end
redis.call('HSET', KEYS[5], 'outcome', 'confirmed', 'tx_hash', ARGV[2], 'block_number', ARGV[4], 'updated_at', ARGV[3])
return 1
`)

// RedisStore keeps vault records as Redis hashes with one index set per status.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func vaultKey(id string) string         { return fmt.Sprintf(vault.VaultKeyFmt, id) }
func statusSet(s vault.Status) string   { return fmt.Sprintf(vault.VaultStatusSetFmt, s) }
func planKey(id uint64) string          { return fmt.Sprintf(vault.PlanKeyFmt, id) }
func subscriptionKey(id string) string  { return fmt.Sprintf(vault.SubscriptionKeyFmt, id) }
func attemptKey(id string) string       { return fmt.Sprintf(vault.AttemptKeyFmt, id) }
func attemptList(vaultID string) string { return fmt.Sprintf(vault.AttemptListFmt, vaultID) }

func addressKey(a common.Address) string {
	return fmt.Sprintf(vault.VaultByAddressFmt, strings.ToLower(a.Hex()))
}

// ── vaults ────────────────────────────────────────────────────────────────────

// CreateVault stores a new vault. The deposit address must be unused.
func (s *RedisStore) CreateVault(ctx context.Context, v vault.Vault) error {
	ok, err := s.rdb.SetNX(ctx, addressKey(v.Address), v.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve address: %w", err)
	}
	if !ok {
		return fmt.Errorf("vault %s: %w", v.Address.Hex(), vault.ErrExists)
	}
	if v.Status == "" {
		v.Status = vault.StatusPending
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, vaultKey(v.ID), vaultToMap(v))
		p.SAdd(ctx, statusSet(v.Status), v.ID)
		return nil
	})
	return err
}

// Vault returns one vault by id.
func (s *RedisStore) Vault(ctx context.Context, id string) (*vault.Vault, error) {
	vals, err := s.rdb.HGetAll(ctx, vaultKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	return vaultFromMap(vals)
}

// List returns every vault currently in the given status.
func (s *RedisStore) List(ctx context.Context, status vault.Status) ([]vault.Vault, error) {
	ids, err := s.rdb.SMembers(ctx, statusSet(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, vaultKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s vaults: %w", status, err)
	}

	out := make([]vault.Vault, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		v, err := vaultFromMap(vals)
		if err != nil {
			return nil, err
		}
		// The index set may lag a concurrent transition; trust the hash.
		if v.Status != status {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

// CompareAndSetStatus applies upd only if the vault is still in expected.
// It reports whether the update was applied.
func (s *RedisStore) CompareAndSetStatus(ctx context.Context, id string, expected vault.Status, upd vault.Update) (bool, error) {
	args := []any{string(expected), string(upd.Status), id}
	if upd.Balance != nil {
		args = append(args, "balance", upd.Balance.String())
	}
	if upd.Reverts != nil {
		args = append(args, "reverts", *upd.Reverts)
	}
	keys := []string{vaultKey(id), statusSet(expected), statusSet(upd.Status)}
	n, err := casScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("cas vault %s: %w", id, err)
	}
	return n == 1, nil
}

// FinalizeSweep marks the vault ACTIVE, its subscription ACTIVE and the attempt
// confirmed as one atomic unit. It reports false if the vault was not SWEEPING.
func (s *RedisStore) FinalizeSweep(ctx context.Context, vaultID, attemptID string, res vault.SweepResult) (bool, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return false, err
	}
	keys := []string{
		vaultKey(vaultID),
		statusSet(vault.StatusSweeping),
		statusSet(vault.StatusActive),
		subscriptionKey(v.SubscriptionID),
		attemptKey(attemptID),
	}
	n, err := finalizeScript.Run(ctx, s.rdb, keys,
		vaultID, res.TxHash, res.SweptAt.Unix(), res.BlockNumber, v.SubscriptionID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("finalize vault %s: %w", vaultID, err)
	}
	return n == 1, nil
}

// ── plans & subscriptions ─────────────────────────────────────────────────────

func (s *RedisStore) CreatePlan(ctx context.Context, p vault.Plan) error {
	dec := ""
	if p.TokenDecimals != nil {
		dec = strconv.Itoa(int(*p.TokenDecimals))
	}
	return s.rdb.HSet(ctx, planKey(p.ID),
		"id", p.ID,
		"merchant_id", p.MerchantID,
		"token_address", p.TokenAddress.Hex(),
		"price", p.Price.String(),
		"decimals", dec,
	).Err()
}

func (s *RedisStore) Plan(ctx context.Context, id uint64) (*vault.Plan, error) {
	m, err := s.rdb.HGetAll(ctx, planKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("plan %d: %w", id, vault.ErrNotFound)
	}
	price, err := decimal.NewFromString(m["price"])
	if err != nil {
		return nil, fmt.Errorf("plan %d price %q: %w", id, m["price"], err)
	}
	p := &vault.Plan{
		ID:           id,
		MerchantID:   m["merchant_id"],
		TokenAddress: common.HexToAddress(m["token_address"]),
		Price:        price,
	}
	if m["decimals"] != "" {
		d, err := strconv.ParseUint(m["decimals"], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("plan %d decimals %q: %w", id, m["decimals"], err)
		}
		dec := uint8(d)
		p.TokenDecimals = &dec
	}
	return p, nil
}

func (s *RedisStore) CreateSubscription(ctx context.Context, sub vault.Subscription) error {
	if sub.Status == "" {
		sub.Status = vault.SubscriptionPending
	}
	return s.rdb.HSet(ctx, subscriptionKey(sub.ID),
		"id", sub.ID,
		"vault_id", sub.VaultID,
		"status", string(sub.Status),
	).Err()
}

func (s *RedisStore) Subscription(ctx context.Context, id string) (*vault.Subscription, error) {
	m, err := s.rdb.HGetAll(ctx, subscriptionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", id, vault.ErrNotFound)
	}
	return &vault.Subscription{
		ID:      m["id"],
		VaultID: m["vault_id"],
		Status:  vault.SubscriptionStatus(m["status"]),
	}, nil
}

func (s *RedisStore) UpdateSubscriptionStatus(ctx context.Context, id string, status vault.SubscriptionStatus) error {
	n, err := s.rdb.Exists(ctx, subscriptionKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription %s: %w", id, vault.ErrNotFound)
	}
	return s.rdb.HSet(ctx, subscriptionKey(id), "status", string(status)).Err()
}

// ── sweep attempts ────────────────────────────────────────────────────────────

// RecordAttempt stores a new attempt and appends it to the vault's history.
func (s *RedisStore) RecordAttempt(ctx context.Context, a vault.SweepAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = a.CreatedAt
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, attemptKey(a.ID), attemptToMap(a))
		p.RPush(ctx, attemptList(a.VaultID), a.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.ID, err)
	}
	return nil
}

func (s *RedisStore) UpdateAttempt(ctx context.Context, id string, upd vault.AttemptUpdate) error {
	n, err := s.rdb.Exists(ctx, attemptKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attempt %s: %w", id, vault.ErrNotFound)
	}
	fields := []any{"updated_at", time.Now().Unix()}
	if upd.Outcome != "" {
		fields = append(fields, "outcome", string(upd.Outcome))
	}
	if upd.Nonce != nil {
		fields = append(fields, "nonce", *upd.Nonce)
	}
	if upd.TxHash != "" {
		fields = append(fields, "tx_hash", upd.TxHash)
	}
	if len(upd.RawTx) > 0 {
		fields = append(fields, "raw_tx", hex.EncodeToString(upd.RawTx))
	}
	if upd.BlockNumber != 0 {
		fields = append(fields, "block_number", upd.BlockNumber)
	}
	if !upd.SubmittedAt.IsZero() {
		fields = append(fields, "submitted_at", upd.SubmittedAt.Unix())
	}
	return s.rdb.HSet(ctx, attemptKey(id), fields...).Err()
}

func (s *RedisStore) Attempt(ctx context.Context, id string) (*vault.SweepAttempt, error) {
	m, err := s.rdb.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("attempt %s: %w", id, vault.ErrNotFound)
	}
	return attemptFromMap(m)
}

// LatestAttempt returns the most recent attempt for a vault, or nil if the
// vault has none.
func (s *RedisStore) LatestAttempt(ctx context.Context, vaultID string) (*vault.SweepAttempt, error) {
	id, err := s.rdb.LIndex(ctx, attemptList(vaultID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Attempt(ctx, id)
}

// ── encoding ──────────────────────────────────────────────────────────────────

func vaultToMap(v vault.Vault) map[string]any {
	balance := "0"
	if v.Balance != nil {
		balance = v.Balance.String()
	}
	var lastSweep int64
	if !v.LastSweepAt.IsZero() {
		lastSweep = v.LastSweepAt.Unix()
	}
	return map[string]any{
		"id":              v.ID,
		"address":         v.Address.Hex(),
		"subscriber":      v.Subscriber.Hex(),
		"merchant_id":     v.MerchantID,
		"plan_id":         v.PlanID,
		"subscription_id": v.SubscriptionID,
		"status":          string(v.Status),
		"balance":         balance,
		"last_sweep_at":   lastSweep,
		"sweep_tx_hash":   v.SweepTxHash,
		"reverts":         v.Reverts,
	}
}

func vaultFromMap(m map[string]string) (*vault.Vault, error) {
	planID, err := strconv.ParseUint(m["plan_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("vault %s plan_id %q: %w", m["id"], m["plan_id"], err)
	}
	balance, ok := new(big.Int).SetString(m["balance"], 10)
	if !ok {
		balance = new(big.Int)
	}
	reverts, _ := strconv.Atoi(m["reverts"])
	v := &vault.Vault{
		ID:             m["id"],
		Address:        common.HexToAddress(m["address"]),
		Subscriber:     common.HexToAddress(m["subscriber"]),
		MerchantID:     m["merchant_id"],
		PlanID:         planID,
		SubscriptionID: m["subscription_id"],
		Status:         vault.Status(m["status"]),
		Balance:        balance,
		SweepTxHash:    m["sweep_tx_hash"],
		Reverts:        reverts,
	}
	if ts, _ := strconv.ParseInt(m["last_sweep_at"], 10, 64); ts > 0 {
		v.LastSweepAt = time.Unix(ts, 0)
	}
	return v, nil
}

func attemptToMap(a vault.SweepAttempt) map[string]any {
	var submitted int64
	if !a.SubmittedAt.IsZero() {
		submitted = a.SubmittedAt.Unix()
	}
	return map[string]any{
		"id":           a.ID,
		"vault_id":     a.VaultID,
		"nonce":        a.Nonce,
		"tx_hash":      a.TxHash,
		"raw_tx":       hex.EncodeToString(a.RawTx),
		"outcome":      string(a.Outcome),
		"block_number": a.BlockNumber,
		"submitted_at": submitted,
		"created_at":   a.CreatedAt.Unix(),
		"updated_at":   a.UpdatedAt.Unix(),
	}
}

func attemptFromMap(m map[string]string) (*vault.SweepAttempt, error) {
	raw, err := hex.DecodeString(m["raw_tx"])
	if err != nil {
		return nil, fmt.Errorf("attempt %s raw_tx: %w", m["id"], err)
	}
	nonce, _ := strconv.ParseUint(m["nonce"], 10, 64)
	block, _ := strconv.ParseUint(m["block_number"], 10, 64)
	a := &vault.SweepAttempt{
		ID:          m["id"],
		VaultID:     m["vault_id"],
		Nonce:       nonce,
		TxHash:      m["tx_hash"],
		RawTx:       raw,
		Outcome:     vault.Outcome(m["outcome"]),
		BlockNumber: block,
	}
	if ts, _ := strconv.ParseInt(m["submitted_at"], 10, 64); ts > 0 {
		a.SubmittedAt = time.Unix(ts, 0)
	}
	if ts, _ := strconv.ParseInt(m["created_at"], 10, 64); ts > 0 {
		a.CreatedAt = time.Unix(ts, 0)
	}
	if ts, _ := strconv.ParseInt(m["updated_at"], 10, 64); ts > 0 {
		a.UpdatedAt = time.Unix(ts, 0)
	}
	return a, nil
}
