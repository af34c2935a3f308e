package pool

import (
	"context"
	"sync"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// DefaultBlockCapacity is the per-subscriber new-head buffer size used when
// the caller does not configure one.
const DefaultBlockCapacity = 1024

// Builder allocates the channel pair shared by handles and the runner. It
// vends any number of handles before or after Run; Run consumes the builder
// into the runner exactly once.
type Builder struct {
	logger      log.Logger
	requests    *requestQueue
	broadcaster *broadcaster

	mu      sync.Mutex
	started bool
}

// NewBuilder creates a builder whose broadcast ring holds blockCapacity
// heads per subscriber. A blockCapacity below 1 selects DefaultBlockCapacity.
func NewBuilder(logger log.Logger, blockCapacity int) *Builder {
	if blockCapacity < 1 {
		blockCapacity = DefaultBlockCapacity
	}
	return &Builder{
		logger:      logger.With(log.ModuleKey, "Pool"),
		requests:    newRequestQueue(),
		broadcaster: newBroadcaster(blockCapacity),
	}
}

// Handle returns a new client endpoint for the pool. Handles are cheap and
// safe to use from any goroutine.
func (b *Builder) Handle() *Handle {
	return &Handle{
		logger:   b.logger,
		requests: b.requests,
	}
}

// Run consumes the builder and drives the event loop until ctx is canceled.
// The mempools map is owned by the runner from this point on and its
// membership never changes. Run returns ErrAlreadyRunning if called twice.
func (b *Builder) Run(ctx context.Context, mempools map[common.Address]Mempool, chainUpdates <-chan *types.ChainUpdate) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.started = true
	b.mu.Unlock()

	r := &runner{
		logger:       b.logger,
		mempools:     mempools,
		requests:     b.requests,
		broadcaster:  b.broadcaster,
		chainUpdates: chainUpdates,
	}
	r.run(ctx)
	return nil
}
