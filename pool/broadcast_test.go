package pool

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/bundlekit/oppool/types"
)

func head(n uint64) *types.NewHead {
	return &types.NewHead{
		BlockHash:   common.BigToHash(common.Big1),
		BlockNumber: n,
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	b := newBroadcaster(8)
	sub := b.subscribe(nil)

	for i := uint64(1); i <= 3; i++ {
		b.publish(head(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := uint64(1); i <= 3; i++ {
		h, err := sub.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, h.BlockNumber)
	}
}

func TestBroadcastLagDropsOldest(t *testing.T) {
	b := newBroadcaster(2)
	sub := b.subscribe(nil)

	for i := uint64(1); i <= 5; i++ {
		b.publish(head(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sub.Recv(ctx)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	require.Equal(t, uint64(3), lagged.Skipped)

	// The newest heads survived the overflow.
	h, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), h.BlockNumber)
	h, err = sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), h.BlockNumber)
}

func TestBroadcastLagIsNonFatal(t *testing.T) {
	b := newBroadcaster(1)
	sub := b.subscribe(nil)

	b.publish(head(1))
	b.publish(head(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sub.Recv(ctx)
	require.Error(t, err)

	// The stream resumes after the lag signal.
	h, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.BlockNumber)

	b.publish(head(3))
	h, err = sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), h.BlockNumber)
}

func TestBroadcastCloseDrainsBufferedHeads(t *testing.T) {
	b := newBroadcaster(8)
	sub := b.subscribe(nil)

	b.publish(head(1))
	b.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.BlockNumber)

	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestBroadcastSubscribeAfterClose(t *testing.T) {
	b := newBroadcaster(8)
	b.close()
	sub := b.subscribe(nil)

	_, err := sub.Recv(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestBroadcastUnsubscribeStopsDelivery(t *testing.T) {
	b := newBroadcaster(8)
	sub := b.subscribe(nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	b.publish(head(1))
	_, err := sub.Recv(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestBroadcastRecvRespectsContext(t *testing.T) {
	b := newBroadcaster(8)
	sub := b.subscribe(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
