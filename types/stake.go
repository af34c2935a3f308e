package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DepositInfo mirrors the EntryPoint's getDepositInfo return value.
type DepositInfo struct {
	Deposit         *big.Int `json:"deposit"`
	Staked          bool     `json:"staked"`
	Stake           *big.Int `json:"stake"`
	UnstakeDelaySec uint32   `json:"unstakeDelaySec"`
	WithdrawTime    uint64   `json:"withdrawTime"`
}

// StakeStatus is the pool's answer to get_stake_status: the raw deposit info
// plus the verdict against the configured minimums.
type StakeStatus struct {
	Address     common.Address `json:"address"`
	DepositInfo DepositInfo    `json:"depositInfo"`
	IsStaked    bool           `json:"isStaked"`
}
