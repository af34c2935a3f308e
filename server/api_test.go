package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/bundlekit/oppool/pool"
	"github.com/bundlekit/oppool/types"
)

var testEntryPoint = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

// stubMempool answers the pool interface with canned data.
type stubMempool struct {
	version types.EntryPointVersion
	addHash common.Hash
	ops     []*types.PoolOperation
}

var _ pool.Mempool = (*stubMempool)(nil)

func (s *stubMempool) EntryPoint() common.Address                        { return testEntryPoint }
func (s *stubMempool) Version() types.EntryPointVersion                  { return s.version }
func (s *stubMempool) OnChainUpdate(context.Context, *types.ChainUpdate) {}

func (s *stubMempool) GetOps(uint64, *types.ShardFilter) []*types.PoolOperation {
	return s.ops
}

func (s *stubMempool) AddOperation(context.Context, types.UserOperation, types.UserOperationPermissions, types.OperationOrigin) (common.Hash, error) {
	return s.addHash, nil
}

func (s *stubMempool) GetOpsSummaries(uint64, *types.ShardFilter) []*types.OperationSummary {
	return nil
}
func (s *stubMempool) GetOpsByHashes(hashes []common.Hash) []*types.PoolOperation {
	return make([]*types.PoolOperation, len(hashes))
}
func (s *stubMempool) GetOpByHash(common.Hash) *types.PoolOperation        { return nil }
func (s *stubMempool) GetOpByID(types.UserOperationID) *types.PoolOperation { return nil }
func (s *stubMempool) RemoveOps([]common.Hash)                              {}
func (s *stubMempool) RemoveOpByID(types.UserOperationID) (common.Hash, bool) {
	return common.Hash{}, false
}
func (s *stubMempool) UpdateEntities([]types.EntityUpdate) {}
func (s *stubMempool) ClearState(types.ClearParams)        {}
func (s *stubMempool) SetTracking(types.PaymasterTracking) {}
func (s *stubMempool) DumpOps() []*types.PoolOperation     { return s.ops }
func (s *stubMempool) SetReputations([]types.Reputation)   {}
func (s *stubMempool) DumpReputation() []types.Reputation  { return nil }
func (s *stubMempool) DumpPaymasterBalances() []types.PaymasterBalance {
	return nil
}
func (s *stubMempool) ReputationStatus(common.Address) types.ReputationStatus {
	return types.ReputationOk
}
func (s *stubMempool) StakeStatus(_ context.Context, addr common.Address) (*types.StakeStatus, error) {
	return &types.StakeStatus{Address: addr}, nil
}

// testServer runs a real pool behind an in-process JSON-RPC server.
func testServer(t *testing.T, mp pool.Mempool) *ethrpc.Client {
	t.Helper()
	logger := log.NewNopLogger()

	builder := pool.NewBuilder(logger, 16)
	handle := builder.Handle()

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan *types.ChainUpdate)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = builder.Run(ctx, map[common.Address]pool.Mempool{testEntryPoint: mp}, updates)
	}()

	versions := map[common.Address]types.EntryPointVersion{testEntryPoint: mp.Version()}
	rpcServer := ethrpc.NewServer()
	require.NoError(t, rpcServer.RegisterName("eth", NewEthAPI(logger, handle, versions, (*hexutil.Big)(big.NewInt(1)))))
	require.NoError(t, rpcServer.RegisterName("debug", NewDebugAPI(logger, handle)))
	require.NoError(t, rpcServer.RegisterName("admin", NewAdminAPI(logger, handle)))

	httpSrv := httptest.NewServer(rpcServer)
	client, err := ethrpc.Dial(httpSrv.URL)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		httpSrv.Close()
		rpcServer.Stop()
		cancel()
		<-stopped
	})
	return client
}

func TestSupportedEntryPointsRPC(t *testing.T) {
	client := testServer(t, &stubMempool{version: types.EntryPointV06})

	var eps []common.Address
	require.NoError(t, client.Call(&eps, "eth_supportedEntryPoints"))
	require.Equal(t, []common.Address{testEntryPoint}, eps)
}

func TestChainIdRPC(t *testing.T) {
	client := testServer(t, &stubMempool{version: types.EntryPointV06})

	var chainID hexutil.Big
	require.NoError(t, client.Call(&chainID, "eth_chainId"))
	require.Equal(t, int64(1), chainID.ToInt().Int64())
}

func TestSendUserOperationRPC(t *testing.T) {
	wantHash := common.HexToHash("0xBEEF")
	client := testServer(t, &stubMempool{version: types.EntryPointV06, addHash: wantHash})

	op := &types.UserOperationV06{
		OpSender:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		OpNonce:              big.NewInt(0),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		OpMaxFeePerGas:       big.NewInt(200),
		OpMaxPriorityFee:     big.NewInt(100),
	}
	raw, err := json.Marshal(op)
	require.NoError(t, err)

	var hash common.Hash
	require.NoError(t, client.Call(&hash, "eth_sendUserOperation", json.RawMessage(raw), testEntryPoint))
	require.Equal(t, wantHash, hash)
}

func TestSendUserOperationUnknownEntryPointRPC(t *testing.T) {
	client := testServer(t, &stubMempool{version: types.EntryPointV06})

	var hash common.Hash
	err := client.Call(&hash, "eth_sendUserOperation", json.RawMessage(`{}`), common.HexToAddress("0xCC"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown entry point")
}

func TestDebugDumpMempoolRPC(t *testing.T) {
	op := &types.UserOperationV06{
		OpSender:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		OpNonce:          big.NewInt(0),
		OpMaxFeePerGas:   big.NewInt(200),
		OpMaxPriorityFee: big.NewInt(100),
	}
	pooled := &types.PoolOperation{
		Op:         op,
		EntryPoint: testEntryPoint,
		Hash:       common.HexToHash("0xBEEF"),
	}
	client := testServer(t, &stubMempool{version: types.EntryPointV06, ops: []*types.PoolOperation{pooled}})

	var dump []map[string]any
	require.NoError(t, client.Call(&dump, "debug_bundlerDumpMempool", testEntryPoint))
	require.Len(t, dump, 1)
	require.Equal(t, pooled.Hash.Hex(), dump[0]["hash"])
}

func TestAdminStakeStatusRPC(t *testing.T) {
	client := testServer(t, &stubMempool{version: types.EntryPointV06})

	addr := common.HexToAddress("0x4242424242424242424242424242424242424242")
	var status types.StakeStatus
	require.NoError(t, client.Call(&status, "admin_stakeStatus", testEntryPoint, addr))
	require.Equal(t, addr, status.Address)
}
