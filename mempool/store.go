package mempool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bundlekit/oppool/types"
)

// poolEntry caches an operation's fee fields as uint256 so ordering
// comparisons avoid re-allocating big.Int machinery on every insert.
type poolEntry struct {
	op          *types.PoolOperation
	priorityFee *uint256.Int
	maxFee      *uint256.Int
}

func newPoolEntry(op *types.PoolOperation) *poolEntry {
	priority, _ := uint256.FromBig(op.Op.MaxPriorityFeePerGas())
	maxFee, _ := uint256.FromBig(op.Op.MaxFeePerGas())
	if priority == nil {
		priority = uint256.NewInt(0)
	}
	if maxFee == nil {
		maxFee = uint256.NewInt(0)
	}
	return &poolEntry{op: op, priorityFee: priority, maxFee: maxFee}
}

// better reports whether a outranks b for bundling: higher priority fee
// first, total fee as tiebreaker, hash order as the stable final key.
func better(a, b *poolEntry) bool {
	if c := a.priorityFee.Cmp(b.priorityFee); c != 0 {
		return c > 0
	}
	if c := a.maxFee.Cmp(b.maxFee); c != 0 {
		return c > 0
	}
	return a.op.Hash.Cmp(b.op.Hash) < 0
}

// minedEntry retains a mined operation so a reorg can restore it.
type minedEntry struct {
	entry *poolEntry
	block uint64
}

// opStore is the ordered heart of the mempool: hash and id indexes over a
// best-first slice. Not synchronized; the owning pool holds the lock.
type opStore struct {
	maxSize uint64

	byHash map[common.Hash]*poolEntry
	byID   map[string]*poolEntry
	// best is kept sorted, best operation first.
	best []*poolEntry
	// mined operations retained for reorg recovery, by op hash.
	mined map[common.Hash]*minedEntry
}

func newOpStore(maxSize uint64) *opStore {
	return &opStore{
		maxSize: maxSize,
		byHash:  make(map[common.Hash]*poolEntry),
		byID:    make(map[string]*poolEntry),
		mined:   make(map[common.Hash]*minedEntry),
	}
}

func (s *opStore) len() int { return len(s.best) }

// add inserts the operation, enforcing replacement pricing on sender/nonce
// collisions and evicting the worst operation when full. feeBumpPercent is
// the minimum replacement premium on both fee fields. The displaced entry,
// if any, is returned so the caller can unwind its bookkeeping.
func (s *opStore) add(op *types.PoolOperation, feeBumpPercent uint64) (*poolEntry, error) {
	if _, ok := s.byHash[op.Hash]; ok {
		return nil, ErrAlreadyKnown
	}
	entry := newPoolEntry(op)

	var displaced *poolEntry
	idKey := op.ID().String()
	if existing, ok := s.byID[idKey]; ok {
		if !pricesReplacement(existing, entry, feeBumpPercent) {
			return nil, ErrReplacementUnderpriced
		}
		s.remove(existing)
		displaced = existing
	} else if s.maxSize > 0 && uint64(len(s.best)) >= s.maxSize {
		worst := s.best[len(s.best)-1]
		if !better(entry, worst) {
			return nil, ErrPoolFull
		}
		s.remove(worst)
		displaced = worst
	}

	s.byHash[op.Hash] = entry
	s.byID[idKey] = entry
	idx := sort.Search(len(s.best), func(i int) bool {
		return better(entry, s.best[i])
	})
	s.best = append(s.best, nil)
	copy(s.best[idx+1:], s.best[idx:])
	s.best[idx] = entry
	return displaced, nil
}

// pricesReplacement requires the candidate to bump both fee fields by at
// least feeBumpPercent over the operation it replaces.
func pricesReplacement(old, candidate *poolEntry, feeBumpPercent uint64) bool {
	bump := uint256.NewInt(100 + feeBumpPercent)
	minPriority := new(uint256.Int).Div(new(uint256.Int).Mul(old.priorityFee, bump), uint256.NewInt(100))
	minMaxFee := new(uint256.Int).Div(new(uint256.Int).Mul(old.maxFee, bump), uint256.NewInt(100))
	return candidate.priorityFee.Cmp(minPriority) >= 0 && candidate.maxFee.Cmp(minMaxFee) >= 0
}

func (s *opStore) remove(entry *poolEntry) {
	delete(s.byHash, entry.op.Hash)
	delete(s.byID, entry.op.ID().String())
	for i, e := range s.best {
		if e == entry {
			s.best = append(s.best[:i], s.best[i+1:]...)
			break
		}
	}
}

func (s *opStore) removeByHash(hash common.Hash) *poolEntry {
	entry, ok := s.byHash[hash]
	if !ok {
		return nil
	}
	s.remove(entry)
	return entry
}

func (s *opStore) get(hash common.Hash) *types.PoolOperation {
	if entry, ok := s.byHash[hash]; ok {
		return entry.op
	}
	return nil
}

func (s *opStore) getByID(id types.UserOperationID) *types.PoolOperation {
	if entry, ok := s.byID[id.String()]; ok {
		return entry.op
	}
	return nil
}

// list returns up to max operations in priority order, honoring the shard
// filter. max == 0 means no limit.
func (s *opStore) list(max uint64, filter *types.ShardFilter) []*types.PoolOperation {
	out := make([]*types.PoolOperation, 0, len(s.best))
	for _, entry := range s.best {
		if max > 0 && uint64(len(out)) >= max {
			break
		}
		if !filter.Matches(entry.op.Op.Sender()) {
			continue
		}
		out = append(out, entry.op)
	}
	return out
}

// countBySender returns how many pooled operations the sender currently has.
func (s *opStore) countBySender(sender common.Address) uint64 {
	var n uint64
	for _, entry := range s.best {
		if entry.op.Op.Sender() == sender {
			n++
		}
	}
	return n
}

// mine moves the operation with the given hash into the mined set.
func (s *opStore) mine(hash common.Hash, block uint64) *poolEntry {
	entry := s.removeByHash(hash)
	if entry == nil {
		return nil
	}
	s.mined[hash] = &minedEntry{entry: entry, block: block}
	return entry
}

// unmine restores a previously mined operation after a reorg. Replacement
// pricing is skipped; the slot holder loses to the restored operation only
// if the slot is empty.
func (s *opStore) unmine(hash common.Hash) *poolEntry {
	me, ok := s.mined[hash]
	if !ok {
		return nil
	}
	delete(s.mined, hash)
	if _, occupied := s.byID[me.entry.op.ID().String()]; occupied {
		return nil
	}
	if _, err := s.add(me.entry.op, 0); err != nil {
		return nil
	}
	return me.entry
}

// dropMinedBefore forgets mined operations older than the given block, once
// they are beyond any realistic reorg window.
func (s *opStore) dropMinedBefore(block uint64) {
	for hash, me := range s.mined {
		if me.block < block {
			delete(s.mined, hash)
		}
	}
}

func (s *opStore) clear() {
	s.byHash = make(map[common.Hash]*poolEntry)
	s.byID = make(map[string]*poolEntry)
	s.best = s.best[:0]
	s.mined = make(map[common.Hash]*minedEntry)
}
