package pool

import (
	"context"
	"math/big"
	"testing"
	"time"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/bundlekit/oppool/types"
)

var (
	epV06 = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	epV07 = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

// testPool runs a builder over the given mempools and returns a handle, the
// chain update feed and the runner's exit channel. The pool shuts down with
// the test.
func testPool(t *testing.T, mempools map[common.Address]Mempool) (*Handle, chan *types.ChainUpdate, context.CancelFunc, chan struct{}) {
	t.Helper()

	updates := make(chan *types.ChainUpdate)
	builder := NewBuilder(log.NewNopLogger(), 16)
	handle := builder.Handle()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		require.NoError(t, builder.Run(ctx, mempools, updates))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return handle, updates, cancel, stopped
}

func opV06(nonce int64, priorityFee int64) *types.UserOperationV06 {
	return &types.UserOperationV06{
		OpSender:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		OpNonce:              big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		OpMaxFeePerGas:       big.NewInt(priorityFee * 2),
		OpMaxPriorityFee:     big.NewInt(priorityFee),
	}
}

func TestAddOpBasic(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	wantHash := common.HexToHash("0xBEEF")
	mp.addFn = func(context.Context, types.UserOperation) (common.Hash, error) {
		return wantHash, nil
	}
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	hash, err := handle.AddOp(context.Background(), epV06, opV06(0, 100), types.UserOperationPermissions{}, types.OriginLocal)
	require.NoError(t, err)
	require.Equal(t, wantHash, hash)
	require.Equal(t, 1, mp.addCallCount())
}

func TestAddOpVersionMismatch(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	opV7 := &types.UserOperationV07{
		OpSender:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		OpNonce:          big.NewInt(0),
		OpMaxFeePerGas:   big.NewInt(200),
		OpMaxPriorityFee: big.NewInt(100),
	}
	_, err := handle.AddOp(context.Background(), epV06, opV7, types.UserOperationPermissions{}, types.OriginLocal)

	var invalidVersion *InvalidVersionError
	require.ErrorAs(t, err, &invalidVersion)
	require.Equal(t, types.EntryPointV07, invalidVersion.Got)
	require.Equal(t, types.EntryPointV06, invalidVersion.Want)
	// The mismatch must be rejected before the mempool is ever called.
	require.Zero(t, mp.addCallCount())
}

func TestUnknownEntryPoint(t *testing.T) {
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{})

	unknown := common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
	_, err := handle.GetOps(context.Background(), unknown, 100, nil)

	var unknownEP *UnknownEntryPointError
	require.ErrorAs(t, err, &unknownEP)
	require.Equal(t, unknown, unknownEP.EntryPoint)

	// Every routed request kind rejects the same way.
	_, err = handle.AddOp(context.Background(), unknown, opV06(0, 100), types.UserOperationPermissions{}, types.OriginLocal)
	require.ErrorAs(t, err, &unknownEP)
	err = handle.RemoveOps(context.Background(), unknown, nil)
	require.ErrorAs(t, err, &unknownEP)
	_, err = handle.GetStakeStatus(context.Background(), unknown, common.Address{})
	require.ErrorAs(t, err, &unknownEP)
	_, err = handle.DebugDumpMempool(context.Background(), unknown)
	require.ErrorAs(t, err, &unknownEP)
}

func TestGetSupportedEntryPoints(t *testing.T) {
	epC := common.HexToAddress("0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD")
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{
		epV06: newMockMempool(epV06, types.EntryPointV06),
		epV07: newMockMempool(epV07, types.EntryPointV07),
		epC:   newMockMempool(epC, types.EntryPointV06),
	})

	eps, err := handle.GetSupportedEntryPoints(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []common.Address{epV06, epV07, epC}, eps)
}

func TestSubscriptionReceivesHeadAfterMempoolUpdates(t *testing.T) {
	mpA := newMockMempool(epV06, types.EntryPointV06)
	mpB := newMockMempool(epV07, types.EntryPointV07)
	handle, updates, _, _ := testPool(t, map[common.Address]Mempool{epV06: mpA, epV07: mpB})

	sub, err := handle.SubscribeNewHeads(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	blockHash := common.HexToHash("0x1234")
	updates <- &types.ChainUpdate{
		BlockHash:   blockHash,
		BlockNumber: 42,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := sub.Recv(ctx)
	received := time.Now()
	require.NoError(t, err)
	require.Equal(t, blockHash, head.BlockHash)
	require.Equal(t, uint64(42), head.BlockNumber)

	// Every mempool finished applying the update before the head was
	// observable.
	for _, mp := range []*mockMempool{mpA, mpB} {
		stamps := mp.chainUpdateTimes()
		require.Len(t, stamps, 1)
		require.True(t, stamps[0].Before(received) || stamps[0].Equal(received))
	}
}

func TestReorgStepIsNotBroadcast(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, updates, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	sub, err := handle.SubscribeNewHeads(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	updates <- &types.ChainUpdate{BlockHash: common.HexToHash("0x01"), BlockNumber: 7, Reorg: true}
	updates <- &types.ChainUpdate{BlockHash: common.HexToHash("0x02"), BlockNumber: 8}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	head, err := sub.Recv(ctx)
	require.NoError(t, err)
	// The transient step was applied to the mempool but never announced.
	require.Equal(t, common.HexToHash("0x02"), head.BlockHash)
	require.Len(t, mp.chainUpdateTimes(), 2)
}

func TestFanOutFidelity(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, updates, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	const subscribers = 5
	subs := make([]*NewHeadSubscription, subscribers)
	for i := range subs {
		sub, err := handle.SubscribeNewHeads(context.Background(), nil)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		subs[i] = sub
	}

	blockHash := common.HexToHash("0x5555")
	updates <- &types.ChainUpdate{BlockHash: blockHash, BlockNumber: 99}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		head, err := sub.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, blockHash, head.BlockHash)
		require.Equal(t, uint64(99), head.BlockNumber)
	}
}

func TestDebugDumpIdempotent(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	op := opV06(1, 100)
	mp.setOps(&types.PoolOperation{
		Op:         op,
		EntryPoint: epV06,
		Hash:       op.Hash(epV06, common.Big1),
	})
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	first, err := handle.DebugDumpMempool(context.Background(), epV06)
	require.NoError(t, err)
	second, err := handle.DebugDumpMempool(context.Background(), epV06)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSlowAddDoesNotStallFastPath(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	release := make(chan struct{})
	mp.addFn = func(ctx context.Context, _ types.UserOperation) (common.Hash, error) {
		<-release
		return common.Hash{}, nil
	}
	t.Cleanup(func() { close(release) })

	handle, _, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	// Fire the blocking add without waiting for its reply.
	go func() {
		_, _ = handle.AddOp(context.Background(), epV06, opV06(0, 100), types.UserOperationPermissions{}, types.OriginLocal)
	}()

	// Wait for the add to reach the mempool so the spawned task is running.
	require.Eventually(t, func() bool {
		return mp.addCallCount() == 1
	}, 2*time.Second, time.Millisecond)

	start := time.Now()
	_, err := handle.GetSupportedEntryPoints(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRoundTripAllKinds(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, _, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})
	ctx := context.Background()

	_, err := handle.GetSupportedEntryPoints(ctx)
	require.NoError(t, err)
	_, err = handle.GetOps(ctx, epV06, 10, nil)
	require.NoError(t, err)
	_, err = handle.GetOpsSummaries(ctx, epV06, 10, &types.ShardFilter{Index: 0, Total: 2})
	require.NoError(t, err)
	_, err = handle.GetOpsByHashes(ctx, epV06, []common.Hash{{}})
	require.NoError(t, err)
	_, err = handle.GetOpByHash(ctx, common.Hash{})
	require.NoError(t, err)
	_, err = handle.GetOpByID(ctx, types.UserOperationID{Nonce: big.NewInt(0)})
	require.NoError(t, err)
	require.NoError(t, handle.RemoveOps(ctx, epV06, nil))
	_, _, err = handle.RemoveOpByID(ctx, epV06, types.UserOperationID{Nonce: big.NewInt(0)})
	require.NoError(t, err)
	require.NoError(t, handle.UpdateEntities(ctx, epV06, []types.EntityUpdate{{
		Entity: types.Entity{Kind: types.EntityPaymaster},
	}}))
	require.NoError(t, handle.DebugClearState(ctx, epV06, types.ClearParams{ClearMempool: true}))
	require.NoError(t, handle.AdminSetTracking(ctx, epV06, types.PaymasterTracking{TrackReputation: true}))
	_, err = handle.DebugDumpMempool(ctx, epV06)
	require.NoError(t, err)
	require.NoError(t, handle.DebugSetReputations(ctx, epV06, []types.Reputation{{OpsSeen: 1}}))
	_, err = handle.DebugDumpReputation(ctx, epV06)
	require.NoError(t, err)
	_, err = handle.DebugDumpPaymasterBalances(ctx, epV06)
	require.NoError(t, err)
	_, err = handle.GetReputationStatus(ctx, epV06, common.Address{})
	require.NoError(t, err)
	_, err = handle.GetStakeStatus(ctx, epV06, common.Address{})
	require.NoError(t, err)
	sub, err := handle.SubscribeNewHeads(ctx, nil)
	require.NoError(t, err)
	sub.Unsubscribe()
}

func TestShutdownClosesChannel(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, _, cancel, stopped := testPool(t, map[common.Address]Mempool{epV06: mp})

	cancel()
	<-stopped

	_, err := handle.GetSupportedEntryPoints(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestShutdownEndsSubscriptions(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, _, cancel, stopped := testPool(t, map[common.Address]Mempool{epV06: mp})

	sub, err := handle.SubscribeNewHeads(context.Background(), nil)
	require.NoError(t, err)

	cancel()
	<-stopped

	_, err = sub.Recv(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestBuilderRunTwice(t *testing.T) {
	builder := NewBuilder(log.NewNopLogger(), 1)
	updates := make(chan *types.ChainUpdate)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = builder.Run(ctx, nil, updates)
	}()

	require.Eventually(t, func() bool {
		return builder.Run(context.Background(), nil, updates) == ErrAlreadyRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSubscriptionTrackedAddressFilter(t *testing.T) {
	mp := newMockMempool(epV06, types.EntryPointV06)
	handle, updates, _, _ := testPool(t, map[common.Address]Mempool{epV06: mp})

	tracked := common.HexToAddress("0x7777777777777777777777777777777777777777")
	other := common.HexToAddress("0x8888888888888888888888888888888888888888")

	sub, err := handle.SubscribeNewHeads(context.Background(), []common.Address{tracked})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	all, err := handle.SubscribeNewHeads(context.Background(), nil)
	require.NoError(t, err)
	defer all.Unsubscribe()

	updates <- &types.ChainUpdate{
		BlockHash:   common.HexToHash("0x42"),
		BlockNumber: 1,
		AddressUpdates: []types.AddressUpdate{
			{Address: tracked, Balance: big.NewInt(1), Nonce: 1},
			{Address: other, Balance: big.NewInt(2), Nonce: 2},
		},
	}

	ctx, cancelRecv := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRecv()

	head, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, head.AddressUpdates, 1)
	require.Equal(t, tracked, head.AddressUpdates[0].Address)

	headAll, err := all.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, headAll.AddressUpdates, 2)
}
