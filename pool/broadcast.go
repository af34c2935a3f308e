package pool

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bundlekit/oppool/types"
)

// broadcaster fans NewHead events out to any number of subscribers. Each
// subscriber owns a bounded buffer; a slow subscriber loses its oldest
// pending heads and is told how many were dropped on its next receive,
// rather than ever stalling the publisher.
type broadcaster struct {
	capacity int

	mu     sync.Mutex
	subs   map[uint64]*NewHeadSubscription
	nextID uint64
	closed bool
}

func newBroadcaster(capacity int) *broadcaster {
	if capacity < 1 {
		panic("broadcast capacity must be >= 1")
	}
	return &broadcaster{
		capacity: capacity,
		subs:     make(map[uint64]*NewHeadSubscription),
	}
}

// subscribe registers a new subscriber. The tracked set, when non-empty,
// restricts the address updates each delivered head carries.
func (b *broadcaster) subscribe(tracked []common.Address) *NewHeadSubscription {
	sub := &NewHeadSubscription{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(tracked) > 0 {
		sub.tracked = make(map[common.Address]struct{}, len(tracked))
		for _, addr := range tracked {
			sub.tracked[addr] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.done)
		return sub
	}
	sub.id = b.nextID
	sub.owner = b
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// publish clones the head into every subscriber's buffer, dropping the
// oldest pending head of any subscriber whose buffer is full.
func (b *broadcaster) publish(head *types.NewHead) {
	b.mu.Lock()
	subs := make([]*NewHeadSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(head, b.capacity)
	}
}

// close ends every subscription. Buffered heads remain readable; once
// drained, receives return ErrSubscriptionClosed.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// NewHeadSubscription is a subscriber's receive side of the head broadcast.
// Receives surface *LaggedError when the subscriber fell behind; the stream
// ends with ErrSubscriptionClosed after the pool shuts down or Unsubscribe
// is called.
type NewHeadSubscription struct {
	id      uint64
	owner   *broadcaster
	tracked map[common.Address]struct{}

	mu     sync.Mutex
	buf    []*types.NewHead
	lagged uint64

	notify chan struct{}
	done   chan struct{}
}

// deliver appends a filtered copy of head, evicting the oldest entry when
// the buffer is at capacity.
func (s *NewHeadSubscription) deliver(head *types.NewHead, capacity int) {
	h := s.filter(head)

	s.mu.Lock()
	if len(s.buf) >= capacity {
		drop := len(s.buf) - capacity + 1
		s.buf = append(s.buf[:0], s.buf[drop:]...)
		s.lagged += uint64(drop)
	}
	s.buf = append(s.buf, h)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// filter copies the head with its address updates narrowed to the tracked
// set. An empty tracked set preserves all updates.
func (s *NewHeadSubscription) filter(head *types.NewHead) *types.NewHead {
	out := &types.NewHead{
		BlockHash:   head.BlockHash,
		BlockNumber: head.BlockNumber,
	}
	if s.tracked == nil {
		out.AddressUpdates = head.AddressUpdates
		return out
	}
	for _, upd := range head.AddressUpdates {
		if _, ok := s.tracked[upd.Address]; ok {
			out.AddressUpdates = append(out.AddressUpdates, upd)
		}
	}
	return out
}

// Recv blocks for the next head. Buffered heads are drained even after the
// subscription has been closed, so no announced head is ever lost to a
// shutdown race.
func (s *NewHeadSubscription) Recv(ctx context.Context) (*types.NewHead, error) {
	for {
		s.mu.Lock()
		if s.lagged > 0 {
			n := s.lagged
			s.lagged = 0
			s.mu.Unlock()
			return nil, &LaggedError{Skipped: n}
		}
		if len(s.buf) > 0 {
			head := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return head, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			// Drain anything delivered between the buffer check and the
			// close.
			s.mu.Lock()
			if len(s.buf) > 0 || s.lagged > 0 {
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Unsubscribe detaches the subscriber from the broadcast. Safe to call more
// than once and after the pool has shut down.
func (s *NewHeadSubscription) Unsubscribe() {
	if s.owner != nil {
		s.owner.unsubscribe(s.id)
	}
}
