package pool

import (
	"context"
	"sync"

	"cosmossdk.io/log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// runner is the single-writer actor owning the EntryPoint map. It multiplexes
// chain updates, incoming requests and shutdown on one goroutine; only
// operations requiring external I/O (add_op, get_stake_status) leave the
// loop, carried by spawned tasks holding a cloned mempool reference and the
// request's reply sink.
type runner struct {
	logger       log.Logger
	mempools     map[common.Address]Mempool
	requests     *requestQueue
	broadcaster  *broadcaster
	chainUpdates <-chan *types.ChainUpdate
}

func (r *runner) run(ctx context.Context) {
	r.logger.Info("user operation pool started", "entry_points", len(r.mempools))

	defer func() {
		// New sends observe the closed channel; in-flight tasks complete
		// and deliver into their buffered sinks at their own pace.
		r.requests.close()
		r.broadcaster.close()
		r.logger.Info("user operation pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-r.chainUpdates:
			if !ok {
				r.logger.Error("chain update stream closed, shutting down")
				return
			}
			r.onChainUpdate(ctx, update)
		case req := <-r.requests.out:
			r.dispatch(ctx, req)
		}
	}
}

// onChainUpdate fans the update out to every mempool concurrently and joins
// before anything else happens. Only after every mempool has applied the
// update is a confirmed head announced to subscribers, so a bundle builder
// waking on NewHead always observes post-update pool state.
func (r *runner) onChainUpdate(ctx context.Context, update *types.ChainUpdate) {
	r.logger.Debug("applying chain update",
		"block_hash", update.BlockHash,
		"block_number", update.BlockNumber,
		"reorg", update.Reorg,
	)

	var wg sync.WaitGroup
	for _, mp := range r.mempools {
		wg.Add(1)
		go func(mp Mempool) {
			defer wg.Done()
			mp.OnChainUpdate(ctx, update)
		}(mp)
	}
	wg.Wait()

	if !update.ConfirmedHead() {
		return
	}
	r.broadcaster.publish(&types.NewHead{
		BlockHash:      update.BlockHash,
		BlockNumber:    update.BlockNumber,
		AddressUpdates: update.AddressUpdates,
	})
}

// dispatch classifies the request and either answers it inline or spawns a
// task for it. Inline kinds touch only in-memory state, so the loop is never
// suspended on external I/O here.
func (r *runner) dispatch(ctx context.Context, req request) {
	switch req.kind {
	case reqGetSupportedEntryPoints:
		eps := make([]common.Address, 0, len(r.mempools))
		for ep := range r.mempools {
			eps = append(eps, ep)
		}
		req.respond(eps, nil)

	case reqAddOp:
		p := req.payload.(addOpRequest)
		mp, ok := r.mempools[p.entryPoint]
		if !ok {
			req.respond(nil, &UnknownEntryPointError{EntryPoint: p.entryPoint})
			return
		}
		// Version agreement is checked before spawning so a mismatch never
		// costs a task or reaches the mempool.
		if p.op.Version() != mp.Version() {
			req.respond(nil, &InvalidVersionError{Got: p.op.Version(), Want: mp.Version()})
			return
		}
		r.spawn(func() {
			hash, err := mp.AddOperation(ctx, p.op, p.perms, p.origin)
			req.respond(hash, err)
		})

	case reqGetOps:
		p := req.payload.(getOpsRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.GetOps(p.maxOps, p.filter), nil)
		})

	case reqGetOpsSummaries:
		p := req.payload.(getOpsRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.GetOpsSummaries(p.maxOps, p.filter), nil)
		})

	case reqGetOpsByHashes:
		p := req.payload.(getOpsByHashesRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.GetOpsByHashes(p.hashes), nil)
		})

	case reqGetOpByHash:
		p := req.payload.(getOpByHashRequest)
		for _, mp := range r.mempools {
			if op := mp.GetOpByHash(p.hash); op != nil {
				req.respond(op, nil)
				return
			}
		}
		req.respond((*types.PoolOperation)(nil), nil)

	case reqGetOpByID:
		p := req.payload.(getOpByIDRequest)
		for _, mp := range r.mempools {
			if op := mp.GetOpByID(p.id); op != nil {
				req.respond(op, nil)
				return
			}
		}
		req.respond((*types.PoolOperation)(nil), nil)

	case reqRemoveOps:
		p := req.payload.(removeOpsRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			mp.RemoveOps(p.hashes)
			req.respond(nil, nil)
		})

	case reqRemoveOpByID:
		p := req.payload.(removeOpByIDRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			hash, found := mp.RemoveOpByID(p.id)
			req.respond(removedOp{hash: hash, found: found}, nil)
		})

	case reqUpdateEntities:
		p := req.payload.(updateEntitiesRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			mp.UpdateEntities(p.updates)
			req.respond(nil, nil)
		})

	case reqDebugClearState:
		p := req.payload.(clearStateRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			mp.ClearState(p.params)
			req.respond(nil, nil)
		})

	case reqAdminSetTracking:
		p := req.payload.(setTrackingRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			mp.SetTracking(p.params)
			req.respond(nil, nil)
		})

	case reqDebugDumpMempool:
		p := req.payload.(dumpMempoolRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.DumpOps(), nil)
		})

	case reqDebugSetReputations:
		p := req.payload.(setReputationsRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			mp.SetReputations(p.reputations)
			req.respond(nil, nil)
		})

	case reqDebugDumpReputation:
		p := req.payload.(dumpReputationRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.DumpReputation(), nil)
		})

	case reqDebugDumpPaymasterBalances:
		p := req.payload.(dumpPaymasterBalancesRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.DumpPaymasterBalances(), nil)
		})

	case reqGetReputationStatus:
		p := req.payload.(reputationStatusRequest)
		r.withMempool(req, p.entryPoint, func(mp Mempool) {
			req.respond(mp.ReputationStatus(p.address), nil)
		})

	case reqGetStakeStatus:
		p := req.payload.(stakeStatusRequest)
		mp, ok := r.mempools[p.entryPoint]
		if !ok {
			req.respond(nil, &UnknownEntryPointError{EntryPoint: p.entryPoint})
			return
		}
		r.spawn(func() {
			status, err := mp.StakeStatus(ctx, p.address)
			req.respond(status, err)
		})

	case reqSubscribeNewHeads:
		p := req.payload.(subscribeNewHeadsRequest)
		req.respond(r.broadcaster.subscribe(p.tracked), nil)

	default:
		r.logger.Error("dropping request of unknown kind", "kind", req.kind)
		req.respond(nil, ErrUnexpectedResponse)
	}
}

// withMempool answers with UnknownEntryPointError when the routing key is
// not configured, otherwise runs the inline handler.
func (r *runner) withMempool(req request, entryPoint common.Address, fn func(Mempool)) {
	mp, ok := r.mempools[entryPoint]
	if !ok {
		req.respond(nil, &UnknownEntryPointError{EntryPoint: entryPoint})
		return
	}
	fn(mp)
}

// spawn offloads a latency-bound dispatch. The task outlives the loop if
// shutdown races it; the buffered reply sink absorbs its result either way.
func (r *runner) spawn(fn func()) {
	go fn()
}
