package billing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/payrail/vault-sweeper/internal/vault"
)

var (
	// ErrUnavailable wraps ledger read failures; the vault should be retried
	// on a later tick, never failed.
	ErrUnavailable = errors.New("ledger temporarily unavailable")
	// ErrInvalidPrice means the plan price cannot be expressed in whole token
	// base units. Retrying will not help.
	ErrInvalidPrice = errors.New("invalid plan price")
)

// BalanceReader is the read side of the ledger the verifier needs.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Result is the outcome of one balance check.
type Result struct {
	Funded   bool
	Observed *big.Int
	Required *big.Int
	Decimals uint8
}

// Verifier decides whether a vault's on-chain balance covers its plan price.
type Verifier struct {
	ledger BalanceReader

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

func NewVerifier(ledger BalanceReader) *Verifier {
	return &Verifier{
		ledger:   ledger,
		decimals: make(map[common.Address]uint8),
	}
}

// Check reads the vault's token balance and compares it with the plan's
// required amount. It never writes anything.
func (v *Verifier) Check(ctx context.Context, vlt vault.Vault, plan vault.Plan) (Result, error) {
	dec, err := v.tokenDecimals(ctx, plan)
	if err != nil {
		return Result{}, err
	}
	required, err := RequiredAmount(plan.Price, dec)
	if err != nil {
		return Result{}, fmt.Errorf("plan %d: %w", plan.ID, err)
	}
	observed, err := v.ledger.BalanceOf(ctx, plan.TokenAddress, vlt.Address)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Result{
		Funded:   observed.Cmp(required) >= 0,
		Observed: observed,
		Required: required,
		Decimals: dec,
	}, nil
}

// tokenDecimals prefers the plan's recorded precision and falls back to the
// token contract, caching the answer per token.
func (v *Verifier) tokenDecimals(ctx context.Context, plan vault.Plan) (uint8, error) {
	if plan.TokenDecimals != nil {
		return *plan.TokenDecimals, nil
	}

	v.mu.Lock()
	dec, ok := v.decimals[plan.TokenAddress]
	v.mu.Unlock()
	if ok {
		return dec, nil
	}

	dec, err := v.ledger.TokenDecimals(ctx, plan.TokenAddress)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	v.mu.Lock()
	v.decimals[plan.TokenAddress] = dec
	v.mu.Unlock()
	return dec, nil
}

// RequiredAmount converts a whole-token price into base units:
// price × 10^decimals. The result must be a positive integer.
func RequiredAmount(price decimal.Decimal, decimals uint8) (*big.Int, error) {
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s is not positive", ErrInvalidPrice, price)
	}
	units := price.Shift(int32(decimals))
	if !units.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidPrice, price, decimals)
	}
	return units.BigInt(), nil
}
