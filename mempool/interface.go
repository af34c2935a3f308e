package mempool

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// Simulator runs ERC-4337 validation against the chain. Implementations call
// out to a node, so simulation latency is unbounded from the pool's point of
// view.
type Simulator interface {
	SimulateValidation(ctx context.Context, entryPoint common.Address, op types.UserOperation) (*SimulationResult, error)
}

// SimulationResult is the subset of simulateValidation output the pool
// records alongside an accepted operation.
type SimulationResult struct {
	ValidAfter time.Time
	ValidUntil time.Time
	Aggregator common.Address
	// SenderCodeHash at simulation time, re-checked at bundling.
	SenderCodeHash common.Hash
	// Block the simulation ran against.
	Block *big.Int
	// Prefund the paymaster (or sender) must cover.
	Prefund *big.Int
}

// StakeReader reads deposit info from the EntryPoint contract.
type StakeReader interface {
	DepositInfo(ctx context.Context, entryPoint common.Address, addr common.Address) (*types.DepositInfo, error)
}
