package pool

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// requestKind discriminates the request and response unions. The handle
// checks that a response carries the kind of the request it answers.
type requestKind uint8

const (
	reqGetSupportedEntryPoints requestKind = iota
	reqAddOp
	reqGetOps
	reqGetOpsSummaries
	reqGetOpsByHashes
	reqGetOpByHash
	reqGetOpByID
	reqRemoveOps
	reqRemoveOpByID
	reqUpdateEntities
	reqDebugClearState
	reqAdminSetTracking
	reqDebugDumpMempool
	reqDebugSetReputations
	reqDebugDumpReputation
	reqDebugDumpPaymasterBalances
	reqGetReputationStatus
	reqGetStakeStatus
	reqSubscribeNewHeads
)

func (k requestKind) String() string {
	switch k {
	case reqGetSupportedEntryPoints:
		return "get_supported_entry_points"
	case reqAddOp:
		return "add_op"
	case reqGetOps:
		return "get_ops"
	case reqGetOpsSummaries:
		return "get_ops_summaries"
	case reqGetOpsByHashes:
		return "get_ops_by_hashes"
	case reqGetOpByHash:
		return "get_op_by_hash"
	case reqGetOpByID:
		return "get_op_by_id"
	case reqRemoveOps:
		return "remove_ops"
	case reqRemoveOpByID:
		return "remove_op_by_id"
	case reqUpdateEntities:
		return "update_entities"
	case reqDebugClearState:
		return "debug_clear_state"
	case reqAdminSetTracking:
		return "admin_set_tracking"
	case reqDebugDumpMempool:
		return "debug_dump_mempool"
	case reqDebugSetReputations:
		return "debug_set_reputations"
	case reqDebugDumpReputation:
		return "debug_dump_reputation"
	case reqDebugDumpPaymasterBalances:
		return "debug_dump_paymaster_balances"
	case reqGetReputationStatus:
		return "get_reputation_status"
	case reqGetStakeStatus:
		return "get_stake_status"
	case reqSubscribeNewHeads:
		return "subscribe_new_heads"
	default:
		return "unknown"
	}
}

// request pairs a kind-tagged payload with its one-shot reply sink. The reply
// channel is buffered so the runner never blocks posting a response, even if
// the caller has abandoned the request.
type request struct {
	kind    requestKind
	payload any
	reply   chan response
}

// respond posts the typed response on the reply sink. The sink holds one
// slot, so the send cannot block; an abandoned sink silently absorbs it.
func (r *request) respond(value any, err error) {
	r.reply <- response{kind: r.kind, value: value, err: err}
}

// response mirrors the request union. Exactly one of value/err is meaningful.
type response struct {
	kind  requestKind
	value any
	err   error
}

type addOpRequest struct {
	entryPoint common.Address
	op         types.UserOperation
	perms      types.UserOperationPermissions
	origin     types.OperationOrigin
}

type getOpsRequest struct {
	entryPoint common.Address
	maxOps     uint64
	filter     *types.ShardFilter
}

type getOpsByHashesRequest struct {
	entryPoint common.Address
	hashes     []common.Hash
}

type getOpByHashRequest struct {
	hash common.Hash
}

type getOpByIDRequest struct {
	id types.UserOperationID
}

type removeOpsRequest struct {
	entryPoint common.Address
	hashes     []common.Hash
}

type removeOpByIDRequest struct {
	entryPoint common.Address
	id         types.UserOperationID
}

type updateEntitiesRequest struct {
	entryPoint common.Address
	updates    []types.EntityUpdate
}

type clearStateRequest struct {
	entryPoint common.Address
	params     types.ClearParams
}

type setTrackingRequest struct {
	entryPoint common.Address
	params     types.PaymasterTracking
}

type dumpMempoolRequest struct {
	entryPoint common.Address
}

type setReputationsRequest struct {
	entryPoint  common.Address
	reputations []types.Reputation
}

type dumpReputationRequest struct {
	entryPoint common.Address
}

type dumpPaymasterBalancesRequest struct {
	entryPoint common.Address
}

type reputationStatusRequest struct {
	entryPoint common.Address
	address    common.Address
}

type stakeStatusRequest struct {
	entryPoint common.Address
	address    common.Address
}

type subscribeNewHeadsRequest struct {
	tracked []common.Address
}

// removedOp is the response payload of remove_op_by_id.
type removedOp struct {
	hash  common.Hash
	found bool
}
