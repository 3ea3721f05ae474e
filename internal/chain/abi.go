package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// engineABI covers the settlement contract calls the sweeper makes.
const engineABI = `[
  {"type":"function","name":"processDeposit","stateMutability":"nonpayable",
   "inputs":[{"name":"_user","type":"address"},{"name":"_planId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getDepositAddress","stateMutability":"view",
   "inputs":[{"name":"_user","type":"address"},{"name":"_planId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

// erc20ABI is the read-only subset of ERC-20 used for balance checks.
const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	EngineABI = mustParseABI(engineABI)
	ERC20ABI  = mustParseABI(erc20ABI)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackProcessDeposit encodes processDeposit(subscriber, planId) calldata.
func PackProcessDeposit(subscriber common.Address, planID uint64) ([]byte, error) {
	data, err := EngineABI.Pack("processDeposit", subscriber, new(big.Int).SetUint64(planID))
	if err != nil {
		return nil, fmt.Errorf("pack processDeposit: %w", err)
	}
	return data, nil
}
