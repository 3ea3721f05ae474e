package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NonceReader returns the next usable nonce for an account, mempool included.
type NonceReader interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// NonceAllocator is the single owner of the signer account's nonce sequence.
// Only one submission holds it at a time; the next caller waits until the
// previous submission has been accepted or rejected by the node.
type NonceAllocator struct {
	mu      sync.Mutex
	src     NonceReader
	account common.Address
	next    uint64
	synced  bool
	log     *zap.Logger
}

func NewNonceAllocator(src NonceReader, account common.Address, log *zap.Logger) *NonceAllocator {
	return &NonceAllocator{src: src, account: account, log: log}
}

// Do runs submit with the next nonce while holding the allocator.
//
// If submit returns nil the nonce is considered consumed. Any error releases
// it: the allocator re-reads the node before handing out the next nonce.
func (a *NonceAllocator) Do(ctx context.Context, submit func(nonce uint64) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.src.PendingNonce(ctx, a.account)
	if err != nil {
		return fmt.Errorf("fetch pending nonce: %w", err)
	}
	// Our own accepted txs may not have propagated to the node's pending view yet.
	nonce := pending
	if a.synced && a.next > nonce {
		nonce = a.next
	}

	if err := submit(nonce); err != nil {
		a.synced = false
		return err
	}
	a.next = nonce + 1
	a.synced = true
	a.log.Debug("nonce consumed", zap.String("account", a.account.Hex()), zap.Uint64("nonce", nonce))
	return nil
}
