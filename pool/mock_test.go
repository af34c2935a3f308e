package pool

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// mockMempool is a recording fake used by the runner tests. Behavior is
// overridable per test through the function fields; every call is recorded
// with a timestamp so ordering invariants can be asserted.
type mockMempool struct {
	entryPoint common.Address
	version    types.EntryPointVersion

	addFn   func(ctx context.Context, op types.UserOperation) (common.Hash, error)
	stakeFn func(ctx context.Context, addr common.Address) (*types.StakeStatus, error)

	mu              sync.Mutex
	addCalls        int
	chainUpdateAt   []time.Time
	updates         []*types.ChainUpdate
	removedHashes   []common.Hash
	entityUpdates   []types.EntityUpdate
	clearCalls      []types.ClearParams
	trackingCalls   []types.PaymasterTracking
	reputations     []types.Reputation
	ops             []*types.PoolOperation
	reputationState map[common.Address]types.ReputationStatus
}

var _ Mempool = (*mockMempool)(nil)

func newMockMempool(entryPoint common.Address, version types.EntryPointVersion) *mockMempool {
	return &mockMempool{
		entryPoint:      entryPoint,
		version:         version,
		reputationState: make(map[common.Address]types.ReputationStatus),
	}
}

func (m *mockMempool) EntryPoint() common.Address       { return m.entryPoint }
func (m *mockMempool) Version() types.EntryPointVersion { return m.version }

func (m *mockMempool) OnChainUpdate(_ context.Context, update *types.ChainUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainUpdateAt = append(m.chainUpdateAt, time.Now())
	m.updates = append(m.updates, update)
}

func (m *mockMempool) AddOperation(ctx context.Context, op types.UserOperation, _ types.UserOperationPermissions, _ types.OperationOrigin) (common.Hash, error) {
	m.mu.Lock()
	m.addCalls++
	fn := m.addFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, op)
	}
	return op.Hash(m.entryPoint, common.Big1), nil
}

func (m *mockMempool) GetOps(max uint64, filter *types.ShardFilter) []*types.PoolOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.PoolOperation, 0, len(m.ops))
	for _, op := range m.ops {
		if max > 0 && uint64(len(out)) >= max {
			break
		}
		if !filter.Matches(op.Op.Sender()) {
			continue
		}
		out = append(out, op)
	}
	return out
}

func (m *mockMempool) GetOpsSummaries(max uint64, filter *types.ShardFilter) []*types.OperationSummary {
	ops := m.GetOps(max, filter)
	out := make([]*types.OperationSummary, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Summary())
	}
	return out
}

func (m *mockMempool) GetOpsByHashes(hashes []common.Hash) []*types.PoolOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.PoolOperation, len(hashes))
	for i, hash := range hashes {
		for _, op := range m.ops {
			if op.Hash == hash {
				out[i] = op
				break
			}
		}
	}
	return out
}

func (m *mockMempool) GetOpByHash(hash common.Hash) *types.PoolOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.Hash == hash {
			return op
		}
	}
	return nil
}

func (m *mockMempool) GetOpByID(id types.UserOperationID) *types.PoolOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.ID().Equal(id) {
			return op
		}
	}
	return nil
}

func (m *mockMempool) RemoveOps(hashes []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedHashes = append(m.removedHashes, hashes...)
}

func (m *mockMempool) RemoveOpByID(id types.UserOperationID) (common.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.ops {
		if op.ID().Equal(id) {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return op.Hash, true
		}
	}
	return common.Hash{}, false
}

func (m *mockMempool) UpdateEntities(updates []types.EntityUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityUpdates = append(m.entityUpdates, updates...)
}

func (m *mockMempool) ClearState(params types.ClearParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls = append(m.clearCalls, params)
	if params.ClearMempool {
		m.ops = nil
	}
	if params.ClearReputation {
		m.reputations = nil
	}
}

func (m *mockMempool) SetTracking(params types.PaymasterTracking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackingCalls = append(m.trackingCalls, params)
}

func (m *mockMempool) DumpOps() []*types.PoolOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.PoolOperation, len(m.ops))
	copy(out, m.ops)
	return out
}

func (m *mockMempool) SetReputations(reputations []types.Reputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputations = append(m.reputations, reputations...)
}

func (m *mockMempool) DumpReputation() []types.Reputation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Reputation, len(m.reputations))
	copy(out, m.reputations)
	return out
}

func (m *mockMempool) DumpPaymasterBalances() []types.PaymasterBalance {
	return nil
}

func (m *mockMempool) ReputationStatus(addr common.Address) types.ReputationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reputationState[addr]
}

func (m *mockMempool) StakeStatus(ctx context.Context, addr common.Address) (*types.StakeStatus, error) {
	if m.stakeFn != nil {
		return m.stakeFn(ctx, addr)
	}
	return &types.StakeStatus{Address: addr}, nil
}

func (m *mockMempool) addCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCalls
}

func (m *mockMempool) chainUpdateTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.chainUpdateAt))
	copy(out, m.chainUpdateAt)
	return out
}

func (m *mockMempool) setOps(ops ...*types.PoolOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = ops
}
