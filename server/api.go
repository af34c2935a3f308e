package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bundlekit/oppool/pool"
	"github.com/bundlekit/oppool/types"
)

// rpcPoolOperation is the wire form of a pooled operation.
type rpcPoolOperation struct {
	UserOp     types.UserOperation `json:"userOperation"`
	EntryPoint common.Address      `json:"entryPoint"`
	Hash       common.Hash         `json:"hash"`
	Aggregator common.Address      `json:"aggregator,omitempty"`
	Added      time.Time           `json:"added"`
}

func toRPCPoolOperation(op *types.PoolOperation) *rpcPoolOperation {
	if op == nil {
		return nil
	}
	return &rpcPoolOperation{
		UserOp:     op.Op,
		EntryPoint: op.EntryPoint,
		Hash:       op.Hash,
		Aggregator: op.Aggregator,
		Added:      op.Added,
	}
}

// rpcReputation is the wire form of a reputation entry, ERC-7769 style.
type rpcReputation struct {
	Address     common.Address         `json:"address"`
	OpsSeen     hexutil.Uint64         `json:"opsSeen"`
	OpsIncluded hexutil.Uint64         `json:"opsIncluded"`
	Status      types.ReputationStatus `json:"status"`
}

// rpcNewHead is the notification payload of the newHeads subscription.
type rpcNewHead struct {
	BlockHash      common.Hash           `json:"blockHash"`
	BlockNumber    hexutil.Uint64        `json:"blockNumber"`
	AddressUpdates []types.AddressUpdate `json:"addressUpdates,omitempty"`
}

// EthAPI serves the eth_ bundler namespace.
type EthAPI struct {
	logger   log.Logger
	handle   *pool.Handle
	versions map[common.Address]types.EntryPointVersion
	chainID  *hexutil.Big
}

func NewEthAPI(logger log.Logger, handle *pool.Handle, versions map[common.Address]types.EntryPointVersion, chainID *hexutil.Big) *EthAPI {
	return &EthAPI{
		logger:   logger.With(log.ModuleKey, "EthAPI"),
		handle:   handle,
		versions: versions,
		chainID:  chainID,
	}
}

// ChainId mirrors the node's chain id so wallets can sanity-check the
// bundler endpoint.
func (a *EthAPI) ChainId() *hexutil.Big { //nolint:revive // method name fixed by the RPC namespace
	return a.chainID
}

// SupportedEntryPoints lists the EntryPoints this pool serves.
func (a *EthAPI) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	return a.handle.GetSupportedEntryPoints(ctx)
}

// SendUserOperation validates and pools an operation, returning its hash.
// The operation is decoded according to the EntryPoint's declared version.
func (a *EthAPI) SendUserOperation(ctx context.Context, rawOp json.RawMessage, entryPoint common.Address) (common.Hash, error) {
	version, ok := a.versions[entryPoint]
	if !ok {
		return common.Hash{}, &pool.UnknownEntryPointError{EntryPoint: entryPoint}
	}
	op, err := types.UnmarshalUserOperation(rawOp, version)
	if err != nil {
		return common.Hash{}, err
	}
	return a.handle.AddOp(ctx, entryPoint, op, types.UserOperationPermissions{}, types.OriginLocal)
}

// GetUserOperationByHash looks the operation up across every EntryPoint.
func (a *EthAPI) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*rpcPoolOperation, error) {
	op, err := a.handle.GetOpByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return toRPCPoolOperation(op), nil
}

// NewHeads bridges the pool's confirmed-head stream onto an RPC
// subscription. Lag is logged and skipped; the subscription ends when the
// pool shuts down.
func (a *EthAPI) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}

	sub, err := a.handle.SubscribeNewHeads(ctx, nil)
	if err != nil {
		return nil, err
	}
	rpcSub := notifier.CreateSubscription()

	go func() {
		defer sub.Unsubscribe()
		for {
			head, err := sub.Recv(context.Background())
			if err != nil {
				var lagged *pool.LaggedError
				if errors.As(err, &lagged) {
					a.logger.Info("new heads subscriber lagging", "skipped", lagged.Skipped)
					continue
				}
				return
			}
			payload := &rpcNewHead{
				BlockHash:      head.BlockHash,
				BlockNumber:    hexutil.Uint64(head.BlockNumber),
				AddressUpdates: head.AddressUpdates,
			}
			if err := notifier.Notify(rpcSub.ID, payload); err != nil {
				return
			}
		}
	}()

	go func() {
		<-rpcSub.Err()
		sub.Unsubscribe()
	}()

	return rpcSub, nil
}

// DebugAPI serves the debug_ bundler namespace used by bundler test
// suites.
type DebugAPI struct {
	logger log.Logger
	handle *pool.Handle
}

func NewDebugAPI(logger log.Logger, handle *pool.Handle) *DebugAPI {
	return &DebugAPI{
		logger: logger.With(log.ModuleKey, "DebugAPI"),
		handle: handle,
	}
}

// BundlerClearState resets mempool, reputation and paymaster state.
func (a *DebugAPI) BundlerClearState(ctx context.Context, entryPoint common.Address) error {
	return a.handle.DebugClearState(ctx, entryPoint, types.ClearParams{
		ClearMempool:    true,
		ClearReputation: true,
		ClearPaymaster:  true,
	})
}

// BundlerClearMempool resets only the pooled operations.
func (a *DebugAPI) BundlerClearMempool(ctx context.Context, entryPoint common.Address) error {
	return a.handle.DebugClearState(ctx, entryPoint, types.ClearParams{ClearMempool: true})
}

// BundlerDumpMempool lists every pooled operation.
func (a *DebugAPI) BundlerDumpMempool(ctx context.Context, entryPoint common.Address) ([]*rpcPoolOperation, error) {
	ops, err := a.handle.DebugDumpMempool(ctx, entryPoint)
	if err != nil {
		return nil, err
	}
	out := make([]*rpcPoolOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, toRPCPoolOperation(op))
	}
	return out, nil
}

// BundlerSetReputation overwrites reputation counters.
func (a *DebugAPI) BundlerSetReputation(ctx context.Context, entryPoint common.Address, reputations []types.Reputation) error {
	return a.handle.DebugSetReputations(ctx, entryPoint, reputations)
}

// BundlerDumpReputation lists reputation entries with their status.
func (a *DebugAPI) BundlerDumpReputation(ctx context.Context, entryPoint common.Address) ([]rpcReputation, error) {
	reputations, err := a.handle.DebugDumpReputation(ctx, entryPoint)
	if err != nil {
		return nil, err
	}
	out := make([]rpcReputation, 0, len(reputations))
	for _, rep := range reputations {
		status, err := a.handle.GetReputationStatus(ctx, entryPoint, rep.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, rpcReputation{
			Address:     rep.Address,
			OpsSeen:     hexutil.Uint64(rep.OpsSeen),
			OpsIncluded: hexutil.Uint64(rep.OpsIncluded),
			Status:      status,
		})
	}
	return out, nil
}

// BundlerDumpPaymasterBalances lists tracked paymaster balances.
func (a *DebugAPI) BundlerDumpPaymasterBalances(ctx context.Context, entryPoint common.Address) ([]types.PaymasterBalance, error) {
	return a.handle.DebugDumpPaymasterBalances(ctx, entryPoint)
}

// AdminAPI serves operator-only pool controls.
type AdminAPI struct {
	logger log.Logger
	handle *pool.Handle
}

func NewAdminAPI(logger log.Logger, handle *pool.Handle) *AdminAPI {
	return &AdminAPI{
		logger: logger.With(log.ModuleKey, "AdminAPI"),
		handle: handle,
	}
}

// SetTracking toggles paymaster balance and reputation tracking.
func (a *AdminAPI) SetTracking(ctx context.Context, entryPoint common.Address, paymaster bool, reputation bool) error {
	return a.handle.AdminSetTracking(ctx, entryPoint, types.PaymasterTracking{
		TrackPaymasterBalances: paymaster,
		TrackReputation:        reputation,
	})
}

// RemoveOps drops operations from the pool by hash.
func (a *AdminAPI) RemoveOps(ctx context.Context, entryPoint common.Address, hashes []common.Hash) error {
	return a.handle.RemoveOps(ctx, entryPoint, hashes)
}

// StakeStatus reads an address' EntryPoint deposit standing.
func (a *AdminAPI) StakeStatus(ctx context.Context, entryPoint common.Address, addr common.Address) (*types.StakeStatus, error) {
	return a.handle.GetStakeStatus(ctx, entryPoint, addr)
}
