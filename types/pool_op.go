package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OperationOrigin records how an operation reached the pool.
type OperationOrigin uint8

const (
	OriginLocal OperationOrigin = iota
	OriginP2P
	OriginDebug
)

func (o OperationOrigin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginP2P:
		return "p2p"
	case OriginDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// UserOperationPermissions carries per-submission allowances granted by the
// transport edge, e.g. for operations from trusted peers.
type UserOperationPermissions struct {
	// Trusted operations skip reputation throttling.
	Trusted bool
	// MaxAllowedInPool overrides the per-sender limit when > 0.
	MaxAllowedInPool uint64
}

// PoolOperation is a user operation at rest in a mempool, together with the
// metadata recorded when it was validated.
type PoolOperation struct {
	Op         UserOperation
	EntryPoint common.Address
	Hash       common.Hash
	Aggregator common.Address
	ValidAfter time.Time
	ValidUntil time.Time
	// ExpectedCodeHash guards against account code changing between
	// validation and bundling.
	ExpectedCodeHash common.Hash
	// SimBlock is the block the operation was simulated against.
	SimBlock *big.Int
	// Prefund reserved against the paymaster's deposit while pooled.
	Prefund *big.Int
	Origin  OperationOrigin
	Added   time.Time
}

// ID returns the sender/nonce identity of the pooled operation.
func (p *PoolOperation) ID() UserOperationID {
	return ID(p.Op)
}

// Summary projects the pooled operation into its lightweight listing form.
func (p *PoolOperation) Summary() *OperationSummary {
	return &OperationSummary{
		Hash:                 p.Hash,
		ID:                   p.ID(),
		EntryPoint:           p.EntryPoint,
		MaxFeePerGas:         p.Op.MaxFeePerGas(),
		MaxPriorityFeePerGas: p.Op.MaxPriorityFeePerGas(),
	}
}

// OperationSummary is the hash-and-fees view returned by summary listings,
// cheap enough to ship for very large pools.
type OperationSummary struct {
	Hash                 common.Hash
	ID                   UserOperationID
	EntryPoint           common.Address
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ShardFilter restricts a get_ops listing to senders of one shard. Total must
// be >= 1 and Index < Total.
type ShardFilter struct {
	Index uint64
	Total uint64
}

// Matches reports whether the sender belongs to the filter's shard.
func (f *ShardFilter) Matches(sender common.Address) bool {
	if f == nil || f.Total <= 1 {
		return true
	}
	return new(big.Int).Mod(new(big.Int).SetBytes(sender.Bytes()), new(big.Int).SetUint64(f.Total)).Uint64() == f.Index
}
