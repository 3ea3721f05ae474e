// Package vault holds the records the sweeper reconciles: deposit vaults, the
// plans they are priced by, the subscriptions they activate, and the sweep
// attempts submitted on their behalf.
package vault

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Status is the lifecycle state of a deposit vault.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSweeping Status = "SWEEPING"
	StatusActive   Status = "ACTIVE"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no further sweep may happen for the current deposit cycle.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusFailed
}

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "PENDING"
	SubscriptionActive  SubscriptionStatus = "ACTIVE"
)

// Outcome is the last known state of a submitted sweep transaction.
type Outcome string

const (
	OutcomeSubmitting          Outcome = "submitting"
	OutcomePendingConfirmation Outcome = "pending_confirmation"
	OutcomeConfirmed           Outcome = "confirmed"
	OutcomeReverted            Outcome = "reverted"
	OutcomeUnknown             Outcome = "unknown"
	OutcomeAbandoned           Outcome = "abandoned" // never reached the node
	OutcomeDropped             Outcome = "dropped"   // nonce consumed by another tx
)

// Settled reports whether the attempt's transaction has a final answer. A
// settled attempt belongs to a finished sweep and says nothing about a later one.
func (o Outcome) Settled() bool {
	switch o {
	case OutcomeConfirmed, OutcomeReverted, OutcomeAbandoned, OutcomeDropped:
		return true
	}
	return false
}

// Vault is a deterministically-derived deposit address bound to one
// subscription attempt.
type Vault struct {
	ID             string
	Address        common.Address
	Subscriber     common.Address
	MerchantID     string
	PlanID         uint64
	SubscriptionID string
	Status         Status
	Balance        *big.Int
	LastSweepAt    time.Time
	SweepTxHash    string
	Reverts        int
}

// Plan is merchant-defined pricing. Price is expressed in whole tokens and may
// be fractional; TokenDecimals is nil when the plan does not record it.
type Plan struct {
	ID            uint64
	MerchantID    string
	TokenAddress  common.Address
	Price         decimal.Decimal
	TokenDecimals *uint8
}

// Subscription is the billing record a vault activates once swept.
type Subscription struct {
	ID      string
	VaultID string
	Status  SubscriptionStatus
}

// SweepAttempt records one settlement transaction for a vault. RawTx holds the
// signed transaction so recovery can rebroadcast the identical bytes.
type SweepAttempt struct {
	ID          string
	VaultID     string
	Nonce       uint64
	TxHash      string
	RawTx       []byte
	Outcome     Outcome
	BlockNumber uint64
	SubmittedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Update carries the vault fields written together with a status transition.
// Nil fields are left untouched.
type Update struct {
	Status  Status
	Balance *big.Int
	Reverts *int
}

// AttemptUpdate carries the attempt fields written after a node response.
// Zero-valued fields are left untouched.
type AttemptUpdate struct {
	Outcome     Outcome
	Nonce       *uint64
	TxHash      string
	RawTx       []byte
	BlockNumber uint64
	SubmittedAt time.Time
}

// SweepResult is the confirmed outcome applied atomically on finalize.
type SweepResult struct {
	TxHash      string
	BlockNumber uint64
	SweptAt     time.Time
}
