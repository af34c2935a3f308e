package mempool

import (
	"context"
	"math/big"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/pool"
	"github.com/bundlekit/oppool/types"
)

var _ pool.Mempool = (*UoPool)(nil)

// Config tunes one UoPool instance.
type Config struct {
	EntryPoint common.Address
	Version    types.EntryPointVersion
	ChainID    *big.Int

	// MaxPoolSize caps the number of pooled operations; 0 means unlimited.
	MaxPoolSize uint64
	// MaxOpsPerSender caps pooled operations per sender. The cap applies to
	// every sender; staked senders are not exempted.
	MaxOpsPerSender uint64
	// ReplacementFeeBumpPercent is the minimum premium a replacement must
	// price over the operation it displaces.
	ReplacementFeeBumpPercent uint64

	// MinStakeValue and MinUnstakeDelay define what counts as staked for
	// get_stake_status.
	MinStakeValue   *big.Int
	MinUnstakeDelay uint32

	TrackPaymasterBalances bool
	TrackReputation        bool
}

// DefaultConfig returns the pool tuning used when the operator configures
// nothing.
func DefaultConfig(entryPoint common.Address, version types.EntryPointVersion, chainID *big.Int) Config {
	return Config{
		EntryPoint:                entryPoint,
		Version:                   version,
		ChainID:                   chainID,
		MaxPoolSize:               10_000,
		MaxOpsPerSender:           4,
		ReplacementFeeBumpPercent: 10,
		MinStakeValue:             big.NewInt(1_000_000_000_000_000_000),
		MinUnstakeDelay:           86_400,
		TrackPaymasterBalances:    true,
		TrackReputation:           true,
	}
}

// UoPool is the per-EntryPoint mempool: validation through the simulator,
// best-first ordered storage, ERC-7562 reputation and paymaster balance
// tracking. All state behind one mutex; chain RPC happens outside of it.
type UoPool struct {
	cfg         Config
	logger      log.Logger
	simulator   Simulator
	stakeReader StakeReader

	mu         sync.Mutex
	store      *opStore
	reputation *reputationManager
	paymasters *paymasterTracker
}

// New creates a UoPool for the configured EntryPoint.
func New(cfg Config, logger log.Logger, simulator Simulator, stakeReader StakeReader) *UoPool {
	logger = logger.With(log.ModuleKey, "UoPool", "entry_point", cfg.EntryPoint.Hex())
	logger.Debug("creating user operation mempool",
		"version", cfg.Version.String(),
		"max_pool_size", cfg.MaxPoolSize,
	)
	return &UoPool{
		cfg:         cfg,
		logger:      logger,
		simulator:   simulator,
		stakeReader: stakeReader,
		store:       newOpStore(cfg.MaxPoolSize),
		reputation:  newReputationManager(cfg.TrackReputation),
		paymasters:  newPaymasterTracker(cfg.TrackPaymasterBalances),
	}
}

func (p *UoPool) EntryPoint() common.Address       { return p.cfg.EntryPoint }
func (p *UoPool) Version() types.EntryPointVersion { return p.cfg.Version }

// AddOperation validates the operation against chain state and inserts it.
// The simulation happens before the pool lock is taken, so a slow node stalls
// only this operation.
func (p *UoPool) AddOperation(ctx context.Context, op types.UserOperation, perms types.UserOperationPermissions, origin types.OperationOrigin) (common.Hash, error) {
	if op.MaxFeePerGas() == nil || op.MaxPriorityFeePerGas() == nil ||
		op.MaxFeePerGas().Cmp(op.MaxPriorityFeePerGas()) < 0 {
		return common.Hash{}, ErrInvalidFees
	}
	if p.simulator == nil {
		return common.Hash{}, ErrMissingSimulator
	}

	hash := op.Hash(p.cfg.EntryPoint, p.cfg.ChainID)

	if err := p.checkReputation(op, perms); err != nil {
		p.logger.Debug("operation rejected by reputation", "op_hash", hash, "error", err)
		return common.Hash{}, err
	}

	result, err := p.simulator.SimulateValidation(ctx, p.cfg.EntryPoint, op)
	if err != nil {
		p.logger.Debug("operation failed validation", "op_hash", hash, "error", err)
		return common.Hash{}, errorsmod.Wrap(err, "validation failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if maxOps := p.senderLimit(perms); maxOps > 0 {
		if p.store.getByID(types.ID(op)) == nil && p.store.countBySender(op.Sender()) >= maxOps {
			return common.Hash{}, ErrSenderOpsLimit
		}
	}

	if err := p.paymasters.reserve(op.Paymaster(), result.Prefund); err != nil {
		return common.Hash{}, err
	}

	pooled := &types.PoolOperation{
		Op:               op,
		EntryPoint:       p.cfg.EntryPoint,
		Hash:             hash,
		Aggregator:       result.Aggregator,
		ValidAfter:       result.ValidAfter,
		ValidUntil:       result.ValidUntil,
		ExpectedCodeHash: result.SenderCodeHash,
		SimBlock:         result.Block,
		Prefund:          result.Prefund,
		Origin:           origin,
		Added:            time.Now(),
	}
	displaced, err := p.store.add(pooled, p.cfg.ReplacementFeeBumpPercent)
	if err != nil {
		p.paymasters.release(op.Paymaster(), result.Prefund)
		return common.Hash{}, err
	}
	if displaced != nil {
		p.paymasters.release(displaced.op.Op.Paymaster(), displaced.op.Prefund)
	}

	p.markSeen(op)
	p.logger.Debug("operation added to pool",
		"op_hash", hash,
		"sender", op.Sender().Hex(),
		"origin", origin.String(),
		"pool_size", p.store.len(),
	)
	return hash, nil
}

// checkReputation refuses operations from banned entities and enforces the
// throttled cap of one in-flight operation per throttled entity.
func (p *UoPool) checkReputation(op types.UserOperation, perms types.UserOperationPermissions) error {
	if perms.Trusted {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range entityAddresses(op) {
		switch p.reputation.status(addr) {
		case types.ReputationBanned:
			return errorsmod.Wrapf(ErrEntityBanned, "entity %s", addr.Hex())
		case types.ReputationThrottled:
			for _, pooled := range p.store.list(0, nil) {
				for _, pooledAddr := range entityAddresses(pooled.Op) {
					if pooledAddr == addr {
						return errorsmod.Wrapf(ErrEntityThrottled, "entity %s", addr.Hex())
					}
				}
			}
		}
	}
	return nil
}

func (p *UoPool) senderLimit(perms types.UserOperationPermissions) uint64 {
	if perms.MaxAllowedInPool > 0 {
		return perms.MaxAllowedInPool
	}
	return p.cfg.MaxOpsPerSender
}

// markSeen records the operation's entities with the reputation manager.
// Caller holds the lock.
func (p *UoPool) markSeen(op types.UserOperation) {
	for _, addr := range entityAddresses(op) {
		p.reputation.addSeen(addr)
	}
}

// entityAddresses lists the non-zero entity addresses of an operation.
func entityAddresses(op types.UserOperation) []common.Address {
	out := []common.Address{op.Sender()}
	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		out = append(out, paymaster)
	}
	if factory := op.Factory(); factory != (common.Address{}) {
		out = append(out, factory)
	}
	return out
}

// OnChainUpdate applies one block to the pool: mined operations leave (and
// are retained for reorg recovery), unmined operations return, paymaster
// deposits refresh, reputation inclusion counters advance, and stale state
// ages out.
func (p *UoPool) OnChainUpdate(ctx context.Context, update *types.ChainUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, mined := range update.MinedOps {
		if mined.EntryPoint != p.cfg.EntryPoint {
			continue
		}
		if entry := p.store.mine(mined.Hash, update.BlockNumber); entry != nil {
			p.paymasters.release(entry.op.Op.Paymaster(), entry.op.Prefund)
			for _, addr := range entityAddresses(entry.op.Op) {
				p.reputation.addIncluded(addr)
			}
			p.logger.Debug("operation mined", "op_hash", mined.Hash, "block", update.BlockNumber)
		}
	}

	for _, unmined := range update.UnminedOps {
		if unmined.EntryPoint != p.cfg.EntryPoint {
			continue
		}
		if entry := p.store.unmine(unmined.Hash); entry != nil {
			p.logger.Debug("operation restored after reorg", "op_hash", unmined.Hash)
		}
	}

	for paymaster, balance := range update.EntityBalances {
		p.paymasters.setConfirmed(paymaster, balance)
	}

	if update.ConfirmedHead() {
		if update.BlockNumber > reorgRetentionBlocks {
			p.store.dropMinedBefore(update.BlockNumber - reorgRetentionBlocks)
		}
		if update.BlockNumber%reputationDecayBlocks == 0 {
			p.reputation.decay()
		}
	}
}

// reorgRetentionBlocks bounds how long mined operations are kept around for
// reorg recovery.
const reorgRetentionBlocks = 64

func (p *UoPool) GetOps(max uint64, filter *types.ShardFilter) []*types.PoolOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.list(max, filter)
}

func (p *UoPool) GetOpsSummaries(max uint64, filter *types.ShardFilter) []*types.OperationSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.store.list(max, filter)
	out := make([]*types.OperationSummary, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Summary())
	}
	return out
}

func (p *UoPool) GetOpsByHashes(hashes []common.Hash) []*types.PoolOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.PoolOperation, len(hashes))
	for i, hash := range hashes {
		out[i] = p.store.get(hash)
	}
	return out
}

func (p *UoPool) GetOpByHash(hash common.Hash) *types.PoolOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.get(hash)
}

func (p *UoPool) GetOpByID(id types.UserOperationID) *types.PoolOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.getByID(id)
}

func (p *UoPool) RemoveOps(hashes []common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hash := range hashes {
		if entry := p.store.removeByHash(hash); entry != nil {
			p.paymasters.release(entry.op.Op.Paymaster(), entry.op.Prefund)
		}
	}
}

func (p *UoPool) RemoveOpByID(id types.UserOperationID) (common.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := p.store.getByID(id)
	if op == nil {
		return common.Hash{}, false
	}
	if entry := p.store.removeByHash(op.Hash); entry != nil {
		p.paymasters.release(entry.op.Op.Paymaster(), entry.op.Prefund)
	}
	return op.Hash, true
}

// UpdateEntities applies invalidation verdicts from the bundle builder:
// offending entities lose reputation and their pooled operations.
func (p *UoPool) UpdateEntities(updates []types.EntityUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, update := range updates {
		addr := update.Entity.Address
		switch update.Kind {
		case types.EntityUnstakedInvalidation:
			p.reputation.dock(addr, defaultMinInclusionDenominator)
		case types.EntityStakedInvalidation:
			p.reputation.dock(addr, defaultMinInclusionDenominator*defaultBanSlack)
		}
		p.removeOpsOfEntity(update.Entity)
		p.logger.Debug("entity update applied",
			"entity", update.Entity.String(),
			"kind", update.Kind,
		)
	}
}

// removeOpsOfEntity drops every pooled operation the entity participates in.
// Caller holds the lock.
func (p *UoPool) removeOpsOfEntity(entity types.Entity) {
	var toRemove []common.Hash
	for _, op := range p.store.list(0, nil) {
		var match bool
		switch entity.Kind {
		case types.EntityAccount:
			match = op.Op.Sender() == entity.Address
		case types.EntityPaymaster:
			match = op.Op.Paymaster() == entity.Address
		case types.EntityFactory:
			match = op.Op.Factory() == entity.Address
		case types.EntityAggregator:
			match = op.Aggregator == entity.Address
		}
		if match {
			toRemove = append(toRemove, op.Hash)
		}
	}
	for _, hash := range toRemove {
		if entry := p.store.removeByHash(hash); entry != nil {
			p.paymasters.release(entry.op.Op.Paymaster(), entry.op.Prefund)
		}
	}
}

// ClearState resets the selected subsystems. Tracking toggles are operator
// configuration and survive a clear.
func (p *UoPool) ClearState(params types.ClearParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if params.ClearMempool {
		p.store.clear()
	}
	if params.ClearReputation {
		p.reputation.clear()
	}
	if params.ClearPaymaster {
		p.paymasters.clear()
	}
	p.logger.Debug("pool state cleared",
		"mempool", params.ClearMempool,
		"reputation", params.ClearReputation,
		"paymaster", params.ClearPaymaster,
	)
}

func (p *UoPool) SetTracking(params types.PaymasterTracking) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paymasters.tracking = params.TrackPaymasterBalances
	p.reputation.tracking = params.TrackReputation
	p.logger.Debug("tracking updated",
		"paymaster", params.TrackPaymasterBalances,
		"reputation", params.TrackReputation,
	)
}

func (p *UoPool) DumpOps() []*types.PoolOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.list(0, nil)
}

func (p *UoPool) SetReputations(reputations []types.Reputation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reputation.set(reputations)
}

func (p *UoPool) DumpReputation() []types.Reputation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reputation.dump()
}

func (p *UoPool) DumpPaymasterBalances() []types.PaymasterBalance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paymasters.dump()
}

func (p *UoPool) ReputationStatus(addr common.Address) types.ReputationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reputation.status(addr)
}

// StakeStatus reads deposit info from the EntryPoint and grades it against
// the configured minimums.
func (p *UoPool) StakeStatus(ctx context.Context, addr common.Address) (*types.StakeStatus, error) {
	if p.stakeReader == nil {
		return nil, ErrMissingStakeReader
	}
	info, err := p.stakeReader.DepositInfo(ctx, p.cfg.EntryPoint, addr)
	if err != nil {
		return nil, errorsmod.Wrap(err, "reading deposit info")
	}
	staked := info.Staked &&
		info.Stake != nil && info.Stake.Cmp(p.cfg.MinStakeValue) >= 0 &&
		info.UnstakeDelaySec >= p.cfg.MinUnstakeDelay
	return &types.StakeStatus{
		Address:     addr,
		DepositInfo: *info,
		IsStaked:    staked,
	}, nil
}
