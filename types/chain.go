package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MinedOp identifies a user operation observed inside a mined block.
type MinedOp struct {
	Hash       common.Hash
	EntryPoint common.Address
	Sender     common.Address
	Nonce      *big.Int
	// Paymaster that funded the operation, zero address if self-funded.
	Paymaster common.Address
	// ActualGasCost as reported by the UserOperationEvent.
	ActualGasCost *big.Int
}

// AddressUpdate reports on-chain activity for one address in a block:
// its new balance and the nonce consumed, used by bundle builders tracking
// sender accounts.
type AddressUpdate struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
	Nonce   uint64         `json:"nonce"`
}

// ChainUpdate is the chain subscriber's per-block event. A transient reorg
// step carries Reorg=true; only confirmed heads (Reorg=false) are announced
// to NewHead subscribers after every mempool has applied the update.
type ChainUpdate struct {
	BlockHash   common.Hash
	ParentHash  common.Hash
	BlockNumber uint64
	Reorg       bool

	// Operations mined in this block, and operations un-mined by a reorg.
	MinedOps   []MinedOp
	UnminedOps []MinedOp

	// Deposit balances observed for tracked entities.
	EntityBalances map[common.Address]*big.Int

	// Activity for addresses subscribers may be tracking.
	AddressUpdates []AddressUpdate
}

// ConfirmedHead reports whether the update is a head the pool should announce.
func (u *ChainUpdate) ConfirmedHead() bool {
	return !u.Reorg
}

// NewHead is the event fanned out to subscribers once every mempool has
// applied the corresponding chain update.
type NewHead struct {
	BlockHash   common.Hash
	BlockNumber uint64
	// AddressUpdates filtered to the subscriber's tracked set; all updates
	// when the subscriber tracks no specific addresses.
	AddressUpdates []AddressUpdate
}
