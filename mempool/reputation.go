package mempool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// Reputation thresholds per ERC-7562. An entity whose seen/included ratio
// drifts past the throttling slack is throttled; past the ban slack it is
// banned until the counters decay.
const (
	defaultMinInclusionDenominator = 10
	defaultThrottlingSlack         = 10
	defaultBanSlack                = 50

	// Counters decay by 1/24 every decay interval, mirroring the hourly
	// decay of a 24-hour reputation window.
	reputationDecayBlocks = 300
)

type reputationEntry struct {
	opsSeen     uint64
	opsIncluded uint64
}

// reputationManager tracks seen/included counters per entity address. Not
// synchronized; the owning pool holds the lock.
type reputationManager struct {
	tracking bool

	minInclusionDenominator uint64
	throttlingSlack         uint64
	banSlack                uint64

	entries map[common.Address]*reputationEntry
}

func newReputationManager(tracking bool) *reputationManager {
	return &reputationManager{
		tracking:                tracking,
		minInclusionDenominator: defaultMinInclusionDenominator,
		throttlingSlack:         defaultThrottlingSlack,
		banSlack:                defaultBanSlack,
		entries:                 make(map[common.Address]*reputationEntry),
	}
}

func (r *reputationManager) entry(addr common.Address) *reputationEntry {
	e, ok := r.entries[addr]
	if !ok {
		e = &reputationEntry{}
		r.entries[addr] = e
	}
	return e
}

func (r *reputationManager) addSeen(addr common.Address) {
	if !r.tracking {
		return
	}
	r.entry(addr).opsSeen++
}

func (r *reputationManager) addIncluded(addr common.Address) {
	if !r.tracking {
		return
	}
	r.entry(addr).opsIncluded++
}

// dock penalizes an entity that caused an invalidation by inflating its seen
// counter, pushing it toward throttling.
func (r *reputationManager) dock(addr common.Address, amount uint64) {
	if !r.tracking {
		return
	}
	r.entry(addr).opsSeen += amount
}

func (r *reputationManager) status(addr common.Address) types.ReputationStatus {
	if !r.tracking {
		return types.ReputationOk
	}
	e, ok := r.entries[addr]
	if !ok {
		return types.ReputationOk
	}
	minExpectedIncluded := e.opsSeen / r.minInclusionDenominator
	switch {
	case minExpectedIncluded <= e.opsIncluded+r.throttlingSlack:
		return types.ReputationOk
	case minExpectedIncluded <= e.opsIncluded+r.banSlack:
		return types.ReputationThrottled
	default:
		return types.ReputationBanned
	}
}

func (r *reputationManager) set(reputations []types.Reputation) {
	for _, rep := range reputations {
		r.entries[rep.Address] = &reputationEntry{
			opsSeen:     rep.OpsSeen,
			opsIncluded: rep.OpsIncluded,
		}
	}
}

func (r *reputationManager) dump() []types.Reputation {
	out := make([]types.Reputation, 0, len(r.entries))
	for addr, e := range r.entries {
		out = append(out, types.Reputation{
			Address:     addr,
			OpsSeen:     e.opsSeen,
			OpsIncluded: e.opsIncluded,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// decay shrinks every counter by 1/24 (at least 1), dropping entries that
// reach zero.
func (r *reputationManager) decay() {
	for addr, e := range r.entries {
		e.opsSeen -= decayStep(e.opsSeen)
		e.opsIncluded -= decayStep(e.opsIncluded)
		if e.opsSeen == 0 && e.opsIncluded == 0 {
			delete(r.entries, addr)
		}
	}
}

func decayStep(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if step := n / 24; step > 0 {
		return step
	}
	return 1
}

func (r *reputationManager) clear() {
	r.entries = make(map[common.Address]*reputationEntry)
}
