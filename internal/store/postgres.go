package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/payrail/vault-sweeper/internal/vault"
)

const pgErrUniqueViolation = "23505"

type vaultRow struct {
	ID             string     `gorm:"column:id;primaryKey;type:varchar(64)"`
	Address        string     `gorm:"column:address;type:varchar(42);uniqueIndex;not null"`
	Subscriber     string     `gorm:"column:subscriber;type:varchar(42);not null"`
	MerchantID     string     `gorm:"column:merchant_id;type:varchar(64);index"`
	PlanID         uint64     `gorm:"column:plan_id;not null"`
	SubscriptionID string     `gorm:"column:subscription_id;type:varchar(64)"`
	Status         string     `gorm:"column:status;type:varchar(16);index;not null"`
	Balance        string     `gorm:"column:balance;type:numeric(78,0);default:0"`
	LastSweepAt    *time.Time `gorm:"column:last_sweep_at"`
	SweepTxHash    string     `gorm:"column:sweep_tx_hash;type:varchar(66)"`
	Reverts        int        `gorm:"column:reverts;default:0"`
}

func (vaultRow) TableName() string { return "deposit_vaults" }

type planRow struct {
	ID            uint64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	MerchantID    string          `gorm:"column:merchant_id;type:varchar(64);index"`
	TokenAddress  string          `gorm:"column:token_address;type:varchar(42);not null"`
	Price         decimal.Decimal `gorm:"column:price;type:numeric;not null"`
	TokenDecimals *int16          `gorm:"column:token_decimals"`
}

func (planRow) TableName() string { return "plans" }

type subscriptionRow struct {
	ID      string `gorm:"column:id;primaryKey;type:varchar(64)"`
	VaultID string `gorm:"column:vault_id;type:varchar(64);index"`
	Status  string `gorm:"column:status;type:varchar(16);not null"`
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type attemptRow struct {
	ID          string     `gorm:"column:id;primaryKey;type:varchar(64)"`
	VaultID     string     `gorm:"column:vault_id;type:varchar(64);index;not null"`
	Nonce       uint64     `gorm:"column:nonce"`
	TxHash      string     `gorm:"column:tx_hash;type:varchar(66)"`
	RawTx       []byte     `gorm:"column:raw_tx;type:bytea"`
	Outcome     string     `gorm:"column:outcome;type:varchar(32);not null"`
	BlockNumber uint64     `gorm:"column:block_number"`
	SubmittedAt *time.Time `gorm:"column:submitted_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (attemptRow) TableName() string { return "sweep_attempts" }

// PostgresStore keeps vault records in Postgres. Every status transition is a
// conditional UPDATE; finalize runs in one transaction.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn. The schema is expected to exist; see Migrate.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates the four record tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&vaultRow{}, &planRow{}, &subscriptionRow{}, &attemptRow{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ── vaults ────────────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateVault(ctx context.Context, v vault.Vault) error {
	if v.Status == "" {
		v.Status = vault.StatusPending
	}
	row := toVaultRow(v)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("vault %s: %w", v.Address.Hex(), vault.ErrExists)
		}
		return fmt.Errorf("create vault: %w", err)
	}
	return nil
}

func (s *PostgresStore) Vault(ctx context.Context, id string) (*vault.Vault, error) {
	var row vaultRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromVaultRow(row), nil
}

func (s *PostgresStore) List(ctx context.Context, status vault.Status) ([]vault.Vault, error) {
	var rows []vaultRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	out := make([]vault.Vault, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromVaultRow(r))
	}
	return out, nil
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected vault.Status, upd vault.Update) (bool, error) {
	res := s.db.WithContext(ctx).Model(&vaultRow{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(updateColumns(upd))
	if res.Error != nil {
		return false, fmt.Errorf("cas vault %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) FinalizeSweep(ctx context.Context, vaultID, attemptID string, res vault.SweepResult) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row vaultRow
		if err := tx.First(&row, "id = ?", vaultID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("vault %s: %w", vaultID, vault.ErrNotFound)
			}
			return err
		}

		sweptAt := res.SweptAt
		upd := tx.Model(&vaultRow{}).
			Where("id = ? AND status = ?", vaultID, string(vault.StatusSweeping)).
			Updates(map[string]any{
				"status":        string(vault.StatusActive),
				"sweep_tx_hash": res.TxHash,
				"last_sweep_at": &sweptAt,
				"balance":       "0",
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return nil
		}

		att := tx.Model(&attemptRow{}).Where("id = ?", attemptID).Updates(map[string]any{
			"outcome":      string(vault.OutcomeConfirmed),
			"tx_hash":      res.TxHash,
			"block_number": res.BlockNumber,
			"updated_at":   time.Now(),
		})
		if att.Error != nil {
			return att.Error
		}
		if att.RowsAffected == 0 {
			return fmt.Errorf("attempt %s: %w", attemptID, vault.ErrNotFound)
		}

		if row.SubscriptionID != "" {
			if err := tx.Model(&subscriptionRow{}).Where("id = ?", row.SubscriptionID).
				Update("status", string(vault.SubscriptionActive)).Error; err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finalize vault %s: %w", vaultID, err)
	}
	return applied, nil
}

// ── plans & subscriptions ─────────────────────────────────────────────────────

func (s *PostgresStore) CreatePlan(ctx context.Context, p vault.Plan) error {
	row := planRow{
		ID:           p.ID,
		MerchantID:   p.MerchantID,
		TokenAddress: p.TokenAddress.Hex(),
		Price:        p.Price,
	}
	if p.TokenDecimals != nil {
		d := int16(*p.TokenDecimals)
		row.TokenDecimals = &d
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("plan %d: %w", p.ID, vault.ErrExists)
		}
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) Plan(ctx context.Context, id uint64) (*vault.Plan, error) {
	var row planRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("plan %d: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p := &vault.Plan{
		ID:           row.ID,
		MerchantID:   row.MerchantID,
		TokenAddress: common.HexToAddress(row.TokenAddress),
		Price:        row.Price,
	}
	if row.TokenDecimals != nil {
		d := uint8(*row.TokenDecimals)
		p.TokenDecimals = &d
	}
	return p, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub vault.Subscription) error {
	if sub.Status == "" {
		sub.Status = vault.SubscriptionPending
	}
	row := subscriptionRow{ID: sub.ID, VaultID: sub.VaultID, Status: string(sub.Status)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription %s: %w", sub.ID, vault.ErrExists)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Subscription(ctx context.Context, id string) (*vault.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("subscription %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &vault.Subscription{ID: row.ID, VaultID: row.VaultID, Status: vault.SubscriptionStatus(row.Status)}, nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, id string, status vault.SubscriptionStatus) error {
	res := s.db.WithContext(ctx).Model(&subscriptionRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("subscription %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

// ── sweep attempts ────────────────────────────────────────────────────────────

func (s *PostgresStore) RecordAttempt(ctx context.Context, a vault.SweepAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	row := attemptRow{
		ID:          a.ID,
		VaultID:     a.VaultID,
		Nonce:       a.Nonce,
		TxHash:      a.TxHash,
		RawTx:       a.RawTx,
		Outcome:     string(a.Outcome),
		BlockNumber: a.BlockNumber,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.CreatedAt,
	}
	if !a.SubmittedAt.IsZero() {
		row.SubmittedAt = &a.SubmittedAt
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record attempt %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, id string, upd vault.AttemptUpdate) error {
	cols := map[string]any{"updated_at": time.Now()}
	if upd.Outcome != "" {
		cols["outcome"] = string(upd.Outcome)
	}
	if upd.Nonce != nil {
		cols["nonce"] = *upd.Nonce
	}
	if upd.TxHash != "" {
		cols["tx_hash"] = upd.TxHash
	}
	if len(upd.RawTx) > 0 {
		cols["raw_tx"] = upd.RawTx
	}
	if upd.BlockNumber != 0 {
		cols["block_number"] = upd.BlockNumber
	}
	if !upd.SubmittedAt.IsZero() {
		cols["submitted_at"] = upd.SubmittedAt
	}
	res := s.db.WithContext(ctx).Model(&attemptRow{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %s: %w", id, vault.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Attempt(ctx context.Context, id string) (*vault.SweepAttempt, error) {
	var row attemptRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("attempt %s: %w", id, vault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromAttemptRow(row), nil
}

func (s *PostgresStore) LatestAttempt(ctx context.Context, vaultID string) (*vault.SweepAttempt, error) {
	var rows []attemptRow
	err := s.db.WithContext(ctx).Where("vault_id = ?", vaultID).
		Order("created_at DESC").Order("updated_at DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return fromAttemptRow(rows[0]), nil
}

// ── encoding ──────────────────────────────────────────────────────────────────

func updateColumns(upd vault.Update) map[string]any {
	cols := map[string]any{"status": string(upd.Status)}
	if upd.Balance != nil {
		cols["balance"] = upd.Balance.String()
	}
	if upd.Reverts != nil {
		cols["reverts"] = *upd.Reverts
	}
	return cols
}

func toVaultRow(v vault.Vault) vaultRow {
	row := vaultRow{
		ID:             v.ID,
		Address:        v.Address.Hex(),
		Subscriber:     v.Subscriber.Hex(),
		MerchantID:     v.MerchantID,
		PlanID:         v.PlanID,
		SubscriptionID: v.SubscriptionID,
		Status:         string(v.Status),
		Balance:        "0",
		SweepTxHash:    v.SweepTxHash,
		Reverts:        v.Reverts,
	}
	if v.Balance != nil {
		row.Balance = v.Balance.String()
	}
	if !v.LastSweepAt.IsZero() {
		t := v.LastSweepAt
		row.LastSweepAt = &t
	}
	return row
}

func fromVaultRow(r vaultRow) *vault.Vault {
	balance, ok := new(big.Int).SetString(r.Balance, 10)
	if !ok {
		balance = new(big.Int)
	}
	v := &vault.Vault{
		ID:             r.ID,
		Address:        common.HexToAddress(r.Address),
		Subscriber:     common.HexToAddress(r.Subscriber),
		MerchantID:     r.MerchantID,
		PlanID:         r.PlanID,
		SubscriptionID: r.SubscriptionID,
		Status:         vault.Status(r.Status),
		Balance:        balance,
		SweepTxHash:    r.SweepTxHash,
		Reverts:        r.Reverts,
	}
	if r.LastSweepAt != nil {
		v.LastSweepAt = *r.LastSweepAt
	}
	return v
}

func fromAttemptRow(r attemptRow) *vault.SweepAttempt {
	a := &vault.SweepAttempt{
		ID:          r.ID,
		VaultID:     r.VaultID,
		Nonce:       r.Nonce,
		TxHash:      r.TxHash,
		RawTx:       r.RawTx,
		Outcome:     vault.Outcome(r.Outcome),
		BlockNumber: r.BlockNumber,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.SubmittedAt != nil {
		a.SubmittedAt = *r.SubmittedAt
	}
	return a
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
