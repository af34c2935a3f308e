package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EntityType enumerates the ERC-4337 entity roles an address can play in a
// user operation.
type EntityType uint8

const (
	EntityAccount EntityType = iota
	EntityPaymaster
	EntityFactory
	EntityAggregator
)

func (t EntityType) String() string {
	switch t {
	case EntityAccount:
		return "account"
	case EntityPaymaster:
		return "paymaster"
	case EntityFactory:
		return "factory"
	case EntityAggregator:
		return "aggregator"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Entity is a typed address participating in a user operation.
type Entity struct {
	Kind    EntityType
	Address common.Address
}

func (e Entity) String() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Address.Hex())
}

// EntityUpdateKind describes why an entity update is being pushed into the
// pool, typically after a bundle simulation failure points at the entity.
type EntityUpdateKind uint8

const (
	// EntityUnstakedInvalidation marks an unstaked entity that caused an
	// invalidation and should have its reputation docked.
	EntityUnstakedInvalidation EntityUpdateKind = iota
	// EntityStakedInvalidation marks a staked entity that caused an
	// invalidation and may be throttled or banned outright.
	EntityStakedInvalidation
)

// EntityUpdate instructs a mempool to adjust its bookkeeping for one entity.
type EntityUpdate struct {
	Entity Entity
	Kind   EntityUpdateKind
}

// ReputationStatus is the three-state ERC-7562 verdict for an entity.
type ReputationStatus uint8

const (
	ReputationOk ReputationStatus = iota
	ReputationThrottled
	ReputationBanned
)

func (s ReputationStatus) String() string {
	switch s {
	case ReputationOk:
		return "ok"
	case ReputationThrottled:
		return "throttled"
	case ReputationBanned:
		return "banned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalJSON renders the status as its string form on debug surfaces.
func (s ReputationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reputation is the seen/included counter pair tracked per entity address.
type Reputation struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
}

// PaymasterBalance is the tracked balance view of one paymaster: the
// confirmed on-chain deposit and the portion already committed to pooled
// operations.
type PaymasterBalance struct {
	Paymaster        common.Address `json:"paymaster"`
	ConfirmedBalance *big.Int       `json:"confirmedBalance"`
	PendingBalance   *big.Int       `json:"pendingBalance"`
}

// PaymasterTracking toggles the per-mempool balance and reputation trackers.
type PaymasterTracking struct {
	TrackPaymasterBalances bool
	TrackReputation        bool
}

// ClearParams selects which mempool subsystems debug_clear_state resets.
type ClearParams struct {
	ClearMempool    bool
	ClearReputation bool
	ClearPaymaster  bool
}
