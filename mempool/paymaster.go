package mempool

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// paymasterTracker keeps the confirmed EntryPoint deposit of each paymaster
// together with the pending prefund already committed to pooled operations.
// Not synchronized; the owning pool holds the lock.
type paymasterTracker struct {
	tracking bool

	confirmed map[common.Address]*big.Int
	pending   map[common.Address]*big.Int
}

func newPaymasterTracker(tracking bool) *paymasterTracker {
	return &paymasterTracker{
		tracking:  tracking,
		confirmed: make(map[common.Address]*big.Int),
		pending:   make(map[common.Address]*big.Int),
	}
}

// reserve commits prefund against the paymaster's available balance,
// rejecting the operation when the remaining deposit cannot cover it. An
// unknown confirmed balance admits the operation; the deposit is learned
// from the next chain update.
func (t *paymasterTracker) reserve(paymaster common.Address, prefund *big.Int) error {
	if !t.tracking || paymaster == (common.Address{}) || prefund == nil {
		return nil
	}
	confirmed, known := t.confirmed[paymaster]
	pending := t.pendingOf(paymaster)
	if known {
		available := new(big.Int).Sub(confirmed, pending)
		if available.Cmp(prefund) < 0 {
			return ErrPaymasterBalanceTooLow
		}
	}
	t.pending[paymaster] = new(big.Int).Add(pending, prefund)
	return nil
}

// release returns reserved prefund when an operation leaves the pool.
func (t *paymasterTracker) release(paymaster common.Address, prefund *big.Int) {
	if !t.tracking || paymaster == (common.Address{}) || prefund == nil {
		return
	}
	pending := new(big.Int).Sub(t.pendingOf(paymaster), prefund)
	if pending.Sign() <= 0 {
		delete(t.pending, paymaster)
		return
	}
	t.pending[paymaster] = pending
}

// setConfirmed records the deposit observed on chain.
func (t *paymasterTracker) setConfirmed(paymaster common.Address, balance *big.Int) {
	if !t.tracking {
		return
	}
	t.confirmed[paymaster] = new(big.Int).Set(balance)
}

func (t *paymasterTracker) pendingOf(paymaster common.Address) *big.Int {
	if p, ok := t.pending[paymaster]; ok {
		return p
	}
	return new(big.Int)
}

func (t *paymasterTracker) dump() []types.PaymasterBalance {
	seen := make(map[common.Address]struct{}, len(t.confirmed)+len(t.pending))
	for addr := range t.confirmed {
		seen[addr] = struct{}{}
	}
	for addr := range t.pending {
		seen[addr] = struct{}{}
	}
	out := make([]types.PaymasterBalance, 0, len(seen))
	for addr := range seen {
		confirmed := new(big.Int)
		if c, ok := t.confirmed[addr]; ok {
			confirmed.Set(c)
		}
		out = append(out, types.PaymasterBalance{
			Paymaster:        addr,
			ConfirmedBalance: confirmed,
			PendingBalance:   new(big.Int).Set(t.pendingOf(addr)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Paymaster.Cmp(out[j].Paymaster) < 0
	})
	return out
}

func (t *paymasterTracker) clear() {
	t.confirmed = make(map[common.Address]*big.Int)
	t.pending = make(map[common.Address]*big.Int)
}
