package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jpillora/backoff"
)

var (
	// ErrReceiptTimeout means no receipt was observed before the deadline; the
	// transaction may still be mined later.
	ErrReceiptTimeout = errors.New("receipt not observed before timeout")
	ErrNoBaseFee      = errors.New("latest header has no base fee")
)

// ReceiptStatus mirrors the receipt status field (same ordinal values).
type ReceiptStatus uint8

const (
	ReceiptReverted ReceiptStatus = iota
	ReceiptSuccess
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSuccess:
		return "SUCCESS"
	case ReceiptReverted:
		return "REVERTED"
	default:
		return "UNKNOWN"
	}
}

// Receipt is the part of a transaction receipt the sweeper acts on.
type Receipt struct {
	TxHash      common.Hash
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Backend is the node surface the client needs. *ethclient.Client and the
// in-memory simulated backend both satisfy it.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps a chain node with the reads and writes the sweeper performs.
type Client struct {
	eth     Backend
	chainID *big.Int
	close   func()

	pollMin time.Duration
	pollMax time.Duration
}

// Dial connects to rpcURL. A zero chainID is taken from the node; a non-zero
// one must match it.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	nodeID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if chainID != 0 && nodeID.Int64() != chainID {
		eth.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, node reports %s", chainID, nodeID)
	}
	c := NewClient(eth, nodeID)
	c.close = eth.Close
	return c, nil
}

func NewClient(eth Backend, chainID *big.Int) *Client {
	return &Client{
		eth:     eth,
		chainID: new(big.Int).Set(chainID),
		pollMin: 500 * time.Millisecond,
		pollMax: 5 * time.Second,
	}
}

// SetPollInterval bounds the receipt polling backoff.
func (c *Client) SetPollInterval(lo, hi time.Duration) {
	c.pollMin, c.pollMax = lo, hi
}

// Close releases the RPC connection opened by Dial.
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// ── reads ─────────────────────────────────────────────────────────────────────

// BalanceOf returns holder's balance of an ERC-20 token in base units.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := c.call(ctx, "balanceOf", token, holder)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s: unexpected result %T", token.Hex(), out[0])
	}
	return bal, nil
}

// TokenDecimals reads the ERC-20 decimals() of token.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.call(ctx, "decimals", token)
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals %s: unexpected result %T", token.Hex(), out[0])
	}
	return d, nil
}

// DepositAddress asks the settlement contract for the vault address of
// (subscriber, planID).
func (c *Client) DepositAddress(ctx context.Context, engine, subscriber common.Address, planID uint64) (common.Address, error) {
	data, err := EngineABI.Pack("getDepositAddress", subscriber, new(big.Int).SetUint64(planID))
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getDepositAddress: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &engine, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("getDepositAddress: %w", err)
	}
	out, err := EngineABI.Unpack("getDepositAddress", raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack getDepositAddress: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getDepositAddress: unexpected result %T", out[0])
	}
	return addr, nil
}

func (c *Client) call(ctx context.Context, method string, token common.Address, args ...any) ([]any, error) {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, token.Hex(), err)
	}
	out, err := ERC20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s %s: %w", method, token.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: empty result", method, token.Hex())
	}
	return out, nil
}

// EstimateGas returns the node's gas estimate for call.
func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, call)
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

// BaseFee returns the base fee of the latest block.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return nil, ErrNoBaseFee
	}
	return new(big.Int).Set(head.BaseFee), nil
}

// PendingNonce returns the next nonce for account including mempool txs.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

// ConfirmedNonce returns the next nonce for account as of the latest block.
func (c *Client) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.NonceAt(ctx, account, nil)
}

// ── writes ────────────────────────────────────────────────────────────────────

// Submit sends a signed transaction to the node.
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) error {
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("send tx %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// Rebroadcast resends previously signed transaction bytes. A node that already
// holds the transaction is not an error.
func (c *Client) Rebroadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode raw tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil && !strings.Contains(err.Error(), "already known") {
		return tx.Hash(), fmt.Errorf("rebroadcast %s: %w", tx.Hash().Hex(), err)
	}
	return tx.Hash(), nil
}

// ── receipts ──────────────────────────────────────────────────────────────────

// WaitForReceipt polls until the transaction is mined or timeout elapses.
// Transient RPC errors while polling are retried.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := &backoff.Backoff{Min: c.pollMin, Max: c.pollMax, Factor: 1.5}
	var lastErr error
	for {
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return toReceipt(r), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s (last error: %v)", ErrReceiptTimeout, hash.Hex(), lastErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-timer.C:
		}
	}
}

// ReceiptIfExists returns the receipt for hash, or nil if it is not mined.
// A node still building its tx index answers with an error rather than not
// found; callers treat that as transient.
func (c *Client) ReceiptIfExists(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	return toReceipt(r), nil
}

// TransactionKnown reports whether the node has the transaction, mined or pending.
// As with ReceiptIfExists, an indexing node returns an error, never false.
func (c *Client) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	_, _, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tx %s: %w", hash.Hex(), err)
	}
	return true, nil
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  r.TxHash,
		Status:  ReceiptReverted,
		GasUsed: r.GasUsed,
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = ReceiptSuccess
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
