package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/bundlekit/oppool/types"
)

var testEP = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

// fakeNode serves canned headers and logs; head subscriptions are refused so
// the subscriber takes the polling path.
type fakeNode struct {
	headers chan *ethtypes.Header
	logs    []ethtypes.Log
	balance *big.Int
	nonce   uint64
}

func (f *fakeNode) HeaderByNumber(ctx context.Context, _ *big.Int) (*ethtypes.Header, error) {
	select {
	case h := <-f.headers:
		return h, nil
	default:
		return nil, errors.New("no header yet")
	}
}

func (f *fakeNode) SubscribeNewHead(context.Context, chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeNode) FilterLogs(context.Context, ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return f.logs, nil
}

func (f *fakeNode) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeNode) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return f.nonce, nil
}

func header(number int64, parent common.Hash) *ethtypes.Header {
	return &ethtypes.Header{
		Number:     big.NewInt(number),
		ParentHash: parent,
		Difficulty: big.NewInt(0),
	}
}

func userOpLog(opHash common.Hash, sender, paymaster common.Address, gasCost int64) ethtypes.Log {
	data := make([]byte, 128)
	big.NewInt(7).FillBytes(data[0:32])       // nonce
	data[63] = 1                              // success
	big.NewInt(gasCost).FillBytes(data[64:96]) // actualGasCost
	return ethtypes.Log{
		Address: testEP,
		Topics: []common.Hash{
			userOperationEventID,
			opHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(paymaster.Bytes()),
		},
		Data: data,
	}
}

func TestSubscriberPollsHeads(t *testing.T) {
	tracked := common.HexToAddress("0x7777777777777777777777777777777777777777")
	node := &fakeNode{
		headers: make(chan *ethtypes.Header, 4),
		balance: big.NewInt(1000),
		nonce:   3,
	}
	opHash := common.HexToHash("0xBEEF")
	node.logs = []ethtypes.Log{userOpLog(opHash, tracked, common.Address{}, 42)}

	sub := NewHeadSubscriber(node, log.NewNopLogger(), []common.Address{testEP}, []common.Address{tracked}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	node.headers <- header(1, common.Hash{})

	var update *types.ChainUpdate
	select {
	case update = <-sub.Updates():
	case <-time.After(5 * time.Second):
		t.Fatal("no chain update produced")
	}

	require.Equal(t, uint64(1), update.BlockNumber)
	require.False(t, update.Reorg)
	require.Len(t, update.MinedOps, 1)
	require.Equal(t, opHash, update.MinedOps[0].Hash)
	require.Equal(t, testEP, update.MinedOps[0].EntryPoint)
	require.Equal(t, tracked, update.MinedOps[0].Sender)
	require.Equal(t, big.NewInt(42), update.MinedOps[0].ActualGasCost)
	require.Equal(t, big.NewInt(7), update.MinedOps[0].Nonce)

	require.Len(t, update.AddressUpdates, 1)
	require.Equal(t, tracked, update.AddressUpdates[0].Address)
	require.Equal(t, big.NewInt(1000), update.AddressUpdates[0].Balance)
	require.Equal(t, uint64(3), update.AddressUpdates[0].Nonce)

	cancel()
	require.NoError(t, <-done)

	// The update stream closes with the subscriber.
	_, open := <-sub.Updates()
	require.False(t, open)
}

func TestSubscriberEmitsReorgStep(t *testing.T) {
	node := &fakeNode{headers: make(chan *ethtypes.Header, 4)}
	sub := NewHeadSubscriber(node, log.NewNopLogger(), nil, nil, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	first := header(1, common.Hash{})
	node.headers <- first

	recv := func() *types.ChainUpdate {
		select {
		case u := <-sub.Updates():
			return u
		case <-time.After(5 * time.Second):
			t.Fatal("no chain update produced")
			return nil
		}
	}

	u := recv()
	require.False(t, u.Reorg)

	// A head whose parent is not the last seen hash signals a reorg: one
	// transient step, then the confirmed head.
	competing := header(1, common.HexToHash("0xDDDD"))
	node.headers <- competing

	step := recv()
	require.True(t, step.Reorg)
	require.Equal(t, competing.Hash(), step.BlockHash)

	confirmed := recv()
	require.False(t, confirmed.Reorg)
	require.Equal(t, competing.Hash(), confirmed.BlockHash)
}
