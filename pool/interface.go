package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// Mempool is the per-EntryPoint capability the pool server routes to. The
// implementation owns validation, ordering, reputation and eviction; it is
// responsible for its own synchronization, so a Mempool reference may be
// shared between the runner goroutine and spawned tasks.
//
// AddOperation, StakeStatus and OnChainUpdate may perform external I/O; the
// runner never calls the first two inline.
type Mempool interface {
	// EntryPoint returns the address this mempool serves.
	EntryPoint() common.Address

	// Version returns the EntryPoint version tag this mempool accepts.
	// Operations carrying any other tag are rejected before reaching the
	// mempool.
	Version() types.EntryPointVersion

	// OnChainUpdate applies a block update: removes mined operations,
	// restores unmined ones and refreshes entity bookkeeping.
	OnChainUpdate(ctx context.Context, update *types.ChainUpdate)

	// AddOperation validates and inserts an operation, returning its hash.
	AddOperation(ctx context.Context, op types.UserOperation, perms types.UserOperationPermissions, origin types.OperationOrigin) (common.Hash, error)

	// GetOps returns up to max operations in bundling priority order.
	GetOps(max uint64, filter *types.ShardFilter) []*types.PoolOperation

	// GetOpsSummaries is GetOps projected onto hash-and-fee summaries.
	GetOpsSummaries(max uint64, filter *types.ShardFilter) []*types.OperationSummary

	// GetOpsByHashes returns operations positionally matching hashes, with
	// nil entries for misses.
	GetOpsByHashes(hashes []common.Hash) []*types.PoolOperation

	// GetOpByHash returns the operation with the given hash, or nil.
	GetOpByHash(hash common.Hash) *types.PoolOperation

	// GetOpByID returns the operation occupying the sender/nonce slot, or nil.
	GetOpByID(id types.UserOperationID) *types.PoolOperation

	// RemoveOps drops the given operations; unknown hashes are ignored.
	RemoveOps(hashes []common.Hash)

	// RemoveOpByID drops the operation in the sender/nonce slot and returns
	// its hash, or false if the slot was empty.
	RemoveOpByID(id types.UserOperationID) (common.Hash, bool)

	// UpdateEntities applies entity invalidation updates to reputation and
	// pooled operations.
	UpdateEntities(updates []types.EntityUpdate)

	// ClearState resets the selected subsystems.
	ClearState(params types.ClearParams)

	// SetTracking toggles paymaster balance and reputation tracking.
	SetTracking(params types.PaymasterTracking)

	// DumpOps returns every pooled operation in priority order.
	DumpOps() []*types.PoolOperation

	// SetReputations overwrites reputation counters for the given addresses.
	SetReputations(reputations []types.Reputation)

	// DumpReputation returns every tracked reputation entry.
	DumpReputation() []types.Reputation

	// DumpPaymasterBalances returns the tracked balance of every paymaster.
	DumpPaymasterBalances() []types.PaymasterBalance

	// ReputationStatus returns the ERC-7562 verdict for an address.
	ReputationStatus(addr common.Address) types.ReputationStatus

	// StakeStatus reads the address' deposit info from the EntryPoint.
	StakeStatus(ctx context.Context, addr common.Address) (*types.StakeStatus, error)
}
