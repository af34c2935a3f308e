package pool

import (
	"context"
	"time"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/bundlekit/oppool/types"
)

// sendDuration tracks wall-clock milliseconds from request send to reply
// receipt, recorded for every completion whether it succeeded or not.
var sendDuration = metrics.GetOrRegisterHistogram(
	"oppool/handle/send_duration", nil, metrics.NewExpDecaySample(1028, 0.015))

// Handle is the client endpoint of the pool server. It translates each
// public operation into a request, pushes it at the runner and awaits the
// matching response. Handles are cheap, share one request channel, and may
// be used concurrently.
type Handle struct {
	logger   log.Logger
	requests *requestQueue
}

// roundTrip sends one request and blocks for its reply. It fails with
// ErrChannelClosed once the runner is gone, and with ErrUnexpectedResponse
// if the reply carries the wrong variant.
func (h *Handle) roundTrip(ctx context.Context, kind requestKind, payload any) (any, error) {
	start := time.Now()
	defer func() {
		sendDuration.Update(time.Since(start).Milliseconds())
	}()

	req := request{
		kind:    kind,
		payload: payload,
		reply:   make(chan response, 1),
	}
	if err := h.requests.send(req); err != nil {
		return nil, err
	}

	var resp response
	select {
	case resp = <-req.reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.requests.done:
		// The runner may have replied just before shutting down; prefer the
		// reply if it is already in the sink.
		select {
		case resp = <-req.reply:
		default:
			return nil, ErrChannelClosed
		}
	}

	if resp.kind != kind {
		h.logger.Error("pool response variant mismatch",
			"sent", kind.String(),
			"received", resp.kind.String(),
		)
		return nil, ErrUnexpectedResponse
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return resp.value, nil
}

// unwrap asserts the reply payload type, converting a mismatch into
// ErrUnexpectedResponse.
func unwrap[T any](h *Handle, kind requestKind, value any) (T, error) {
	out, ok := value.(T)
	if !ok && value != nil {
		h.logger.Error("pool response payload mismatch", "kind", kind.String())
		var zero T
		return zero, ErrUnexpectedResponse
	}
	return out, nil
}

// GetSupportedEntryPoints returns the addresses of every configured
// EntryPoint.
func (h *Handle) GetSupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	v, err := h.roundTrip(ctx, reqGetSupportedEntryPoints, nil)
	if err != nil {
		return nil, err
	}
	return unwrap[[]common.Address](h, reqGetSupportedEntryPoints, v)
}

// AddOp submits a user operation for validation and pooling, returning its
// hash. Validation requires chain RPC, so this call can take as long as the
// underlying simulation.
func (h *Handle) AddOp(ctx context.Context, entryPoint common.Address, op types.UserOperation, perms types.UserOperationPermissions, origin types.OperationOrigin) (common.Hash, error) {
	v, err := h.roundTrip(ctx, reqAddOp, addOpRequest{
		entryPoint: entryPoint,
		op:         op,
		perms:      perms,
		origin:     origin,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return unwrap[common.Hash](h, reqAddOp, v)
}

// GetOps returns up to maxOps operations in bundling priority order.
func (h *Handle) GetOps(ctx context.Context, entryPoint common.Address, maxOps uint64, filter *types.ShardFilter) ([]*types.PoolOperation, error) {
	v, err := h.roundTrip(ctx, reqGetOps, getOpsRequest{entryPoint: entryPoint, maxOps: maxOps, filter: filter})
	if err != nil {
		return nil, err
	}
	return unwrap[[]*types.PoolOperation](h, reqGetOps, v)
}

// GetOpsSummaries returns up to maxOps operation summaries in priority order.
func (h *Handle) GetOpsSummaries(ctx context.Context, entryPoint common.Address, maxOps uint64, filter *types.ShardFilter) ([]*types.OperationSummary, error) {
	v, err := h.roundTrip(ctx, reqGetOpsSummaries, getOpsRequest{entryPoint: entryPoint, maxOps: maxOps, filter: filter})
	if err != nil {
		return nil, err
	}
	return unwrap[[]*types.OperationSummary](h, reqGetOpsSummaries, v)
}

// GetOpsByHashes returns operations positionally matching hashes; misses are
// nil entries.
func (h *Handle) GetOpsByHashes(ctx context.Context, entryPoint common.Address, hashes []common.Hash) ([]*types.PoolOperation, error) {
	v, err := h.roundTrip(ctx, reqGetOpsByHashes, getOpsByHashesRequest{entryPoint: entryPoint, hashes: hashes})
	if err != nil {
		return nil, err
	}
	return unwrap[[]*types.PoolOperation](h, reqGetOpsByHashes, v)
}

// GetOpByHash searches every mempool for the operation with the given hash.
func (h *Handle) GetOpByHash(ctx context.Context, hash common.Hash) (*types.PoolOperation, error) {
	v, err := h.roundTrip(ctx, reqGetOpByHash, getOpByHashRequest{hash: hash})
	if err != nil {
		return nil, err
	}
	return unwrap[*types.PoolOperation](h, reqGetOpByHash, v)
}

// GetOpByID searches every mempool for the operation in the sender/nonce
// slot.
func (h *Handle) GetOpByID(ctx context.Context, id types.UserOperationID) (*types.PoolOperation, error) {
	v, err := h.roundTrip(ctx, reqGetOpByID, getOpByIDRequest{id: id})
	if err != nil {
		return nil, err
	}
	return unwrap[*types.PoolOperation](h, reqGetOpByID, v)
}

// RemoveOps drops the given operations from the EntryPoint's mempool.
func (h *Handle) RemoveOps(ctx context.Context, entryPoint common.Address, hashes []common.Hash) error {
	_, err := h.roundTrip(ctx, reqRemoveOps, removeOpsRequest{entryPoint: entryPoint, hashes: hashes})
	return err
}

// RemoveOpByID drops the operation in the sender/nonce slot, returning its
// hash and whether anything was removed.
func (h *Handle) RemoveOpByID(ctx context.Context, entryPoint common.Address, id types.UserOperationID) (common.Hash, bool, error) {
	v, err := h.roundTrip(ctx, reqRemoveOpByID, removeOpByIDRequest{entryPoint: entryPoint, id: id})
	if err != nil {
		return common.Hash{}, false, err
	}
	removed, err := unwrap[removedOp](h, reqRemoveOpByID, v)
	if err != nil {
		return common.Hash{}, false, err
	}
	return removed.hash, removed.found, nil
}

// UpdateEntities applies entity invalidation updates to the EntryPoint's
// mempool.
func (h *Handle) UpdateEntities(ctx context.Context, entryPoint common.Address, updates []types.EntityUpdate) error {
	_, err := h.roundTrip(ctx, reqUpdateEntities, updateEntitiesRequest{entryPoint: entryPoint, updates: updates})
	return err
}

// DebugClearState resets the selected mempool subsystems.
func (h *Handle) DebugClearState(ctx context.Context, entryPoint common.Address, params types.ClearParams) error {
	_, err := h.roundTrip(ctx, reqDebugClearState, clearStateRequest{entryPoint: entryPoint, params: params})
	return err
}

// AdminSetTracking toggles paymaster balance and reputation tracking.
func (h *Handle) AdminSetTracking(ctx context.Context, entryPoint common.Address, params types.PaymasterTracking) error {
	_, err := h.roundTrip(ctx, reqAdminSetTracking, setTrackingRequest{entryPoint: entryPoint, params: params})
	return err
}

// DebugDumpMempool returns every pooled operation for the EntryPoint.
func (h *Handle) DebugDumpMempool(ctx context.Context, entryPoint common.Address) ([]*types.PoolOperation, error) {
	v, err := h.roundTrip(ctx, reqDebugDumpMempool, dumpMempoolRequest{entryPoint: entryPoint})
	if err != nil {
		return nil, err
	}
	return unwrap[[]*types.PoolOperation](h, reqDebugDumpMempool, v)
}

// DebugSetReputations overwrites reputation counters.
func (h *Handle) DebugSetReputations(ctx context.Context, entryPoint common.Address, reputations []types.Reputation) error {
	_, err := h.roundTrip(ctx, reqDebugSetReputations, setReputationsRequest{entryPoint: entryPoint, reputations: reputations})
	return err
}

// DebugDumpReputation returns every tracked reputation entry.
func (h *Handle) DebugDumpReputation(ctx context.Context, entryPoint common.Address) ([]types.Reputation, error) {
	v, err := h.roundTrip(ctx, reqDebugDumpReputation, dumpReputationRequest{entryPoint: entryPoint})
	if err != nil {
		return nil, err
	}
	return unwrap[[]types.Reputation](h, reqDebugDumpReputation, v)
}

// DebugDumpPaymasterBalances returns the tracked paymaster balances.
func (h *Handle) DebugDumpPaymasterBalances(ctx context.Context, entryPoint common.Address) ([]types.PaymasterBalance, error) {
	v, err := h.roundTrip(ctx, reqDebugDumpPaymasterBalances, dumpPaymasterBalancesRequest{entryPoint: entryPoint})
	if err != nil {
		return nil, err
	}
	return unwrap[[]types.PaymasterBalance](h, reqDebugDumpPaymasterBalances, v)
}

// GetReputationStatus returns the ERC-7562 verdict for an address.
func (h *Handle) GetReputationStatus(ctx context.Context, entryPoint common.Address, addr common.Address) (types.ReputationStatus, error) {
	v, err := h.roundTrip(ctx, reqGetReputationStatus, reputationStatusRequest{entryPoint: entryPoint, address: addr})
	if err != nil {
		return types.ReputationOk, err
	}
	return unwrap[types.ReputationStatus](h, reqGetReputationStatus, v)
}

// GetStakeStatus reads the address' deposit info from the EntryPoint
// contract. This call performs chain RPC.
func (h *Handle) GetStakeStatus(ctx context.Context, entryPoint common.Address, addr common.Address) (*types.StakeStatus, error) {
	v, err := h.roundTrip(ctx, reqGetStakeStatus, stakeStatusRequest{entryPoint: entryPoint, address: addr})
	if err != nil {
		return nil, err
	}
	return unwrap[*types.StakeStatus](h, reqGetStakeStatus, v)
}

// SubscribeNewHeads subscribes to confirmed-head announcements. The returned
// subscription delivers heads whose address updates are filtered to the
// tracked set; it ends when the pool shuts down or Unsubscribe is called.
func (h *Handle) SubscribeNewHeads(ctx context.Context, tracked []common.Address) (*NewHeadSubscription, error) {
	v, err := h.roundTrip(ctx, reqSubscribeNewHeads, subscribeNewHeadsRequest{tracked: tracked})
	if err != nil {
		return nil, err
	}
	return unwrap[*NewHeadSubscription](h, reqSubscribeNewHeads, v)
}

// Healthy probes the pool with a 1-second deadline. It is the health
// contract behind the gRPC health service.
func (h *Handle) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := h.GetSupportedEntryPoints(ctx)
	return err
}
