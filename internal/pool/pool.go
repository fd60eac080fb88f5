package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/oncrpc/internal/logger"
)

// Default pool sizing, applied when the configuration leaves a value
// unset. The small tier covers typical control messages; the large tier
// is sized by the caller to the maximum RPC message.
const (
	DefaultSmallSize = 512
	DefaultPoolCount = 50
)

var (
	// ErrOversized is returned when a requested size exceeds the large
	// tier's buffer capacity. Buffers are never resized, so such a
	// request cannot be satisfied by any tier.
	ErrOversized = errors.New("pool: requested size exceeds large tier capacity")

	// ErrClosed is returned to allocators blocked on a pool that has
	// been shut down.
	ErrClosed = errors.New("pool: closed")
)

// PacketPool owns two independent free lists of fixed-capacity packets.
// Allocation picks the tier by requested size; when a tier has no free
// packet and its configured maximum is already outstanding, the caller
// blocks until a packet of that tier is released. The per-tier maximum
// is a hard ceiling, never exceeded.
type PacketPool struct {
	small tierPool
	large tierPool

	// onWait, when set, is invoked each time an allocator blocks on an
	// exhausted tier. Used for metrics.
	onWait func(tier string)
}

// SetWaitObserver installs a callback fired whenever an allocation
// blocks on an exhausted tier. Must be set before the pool is shared.
func (p *PacketPool) SetWaitObserver(fn func(tier string)) {
	p.onWait = fn
}

// tierPool is one size class. The mutex is held only around free-list
// manipulation, never across I/O.
type tierPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tier    Tier
	size    uint32
	max     int
	free    []*Packet
	total   int // packets constructed so far, bounded by max
	inUse   int // packets currently held by callers
	waiters int
	closed  bool
}

// New creates a packet pool with the given per-tier buffer sizes and
// maximum packet counts. Zero values fall back to the defaults.
func New(smallSize uint32, smallCount int, largeSize uint32, largeCount int) (*PacketPool, error) {
	if smallSize == 0 {
		smallSize = DefaultSmallSize
	}
	if smallCount <= 0 {
		smallCount = DefaultPoolCount
	}
	if largeCount <= 0 {
		largeCount = DefaultPoolCount
	}
	if largeSize <= smallSize {
		return nil, fmt.Errorf("pool: large size %d must exceed small size %d", largeSize, smallSize)
	}

	p := &PacketPool{
		small: tierPool{tier: TierSmall, size: smallSize, max: smallCount},
		large: tierPool{tier: TierLarge, size: largeSize, max: largeCount},
	}
	p.small.cond = sync.NewCond(&p.small.mu)
	p.large.cond = sync.NewCond(&p.large.mu)

	logger.Debug("Packet pool created: small=%dx%dB large=%dx%dB",
		smallCount, smallSize, largeCount, largeSize)
	return p, nil
}

// Allocate returns a packet whose capacity is at least size. Blocks when
// the selected tier is exhausted until a packet is released or the pool
// is closed. Returns ErrOversized when no tier can hold the request.
func (p *PacketPool) Allocate(size uint32) (*Packet, error) {
	switch {
	case size <= p.small.size:
		return p.small.acquire(p)
	case size <= p.large.size:
		return p.large.acquire(p)
	default:
		return nil, fmt.Errorf("%w: %d > %d", ErrOversized, size, p.large.size)
	}
}

// Release returns a packet to its tier's free list and wakes one blocked
// allocator, if any.
func (p *PacketPool) Release(pkt *Packet) {
	if pkt == nil {
		return
	}
	pkt.Reset()

	t := &p.small
	if pkt.tier == TierLarge {
		t = &p.large
	}

	t.mu.Lock()
	t.inUse--
	if t.closed {
		// Drop the packet; Close already woke everyone.
		t.total--
		t.mu.Unlock()
		return
	}
	t.free = append(t.free, pkt)
	t.mu.Unlock()

	// Wake exactly one waiter; the returned packet can serve one
	// allocation.
	t.cond.Signal()
}

// Close fails all blocked and future allocations. Packets still held by
// callers may be released afterwards; they are discarded.
func (p *PacketPool) Close() {
	for _, t := range []*tierPool{&p.small, &p.large} {
		t.mu.Lock()
		t.closed = true
		t.free = nil
		t.mu.Unlock()
		t.cond.Broadcast()
	}
}

// Stats reports the current in-use packet count per tier.
func (p *PacketPool) Stats() (smallInUse, largeInUse int) {
	p.small.mu.Lock()
	smallInUse = p.small.inUse
	p.small.mu.Unlock()

	p.large.mu.Lock()
	largeInUse = p.large.inUse
	p.large.mu.Unlock()
	return
}

func (t *tierPool) acquire(owner *PacketPool) (*Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.closed {
			return nil, ErrClosed
		}

		if n := len(t.free); n > 0 {
			pkt := t.free[n-1]
			t.free = t.free[:n-1]
			t.inUse++
			return pkt, nil
		}

		if t.total < t.max {
			t.total++
			t.inUse++
			return &Packet{
				buf:   make([]byte, t.size),
				tier:  t.tier,
				owner: owner,
			}, nil
		}

		// Tier exhausted: block until Release signals. The ceiling is a
		// hard memory bound, so exhaustion means latency, not growth.
		t.waiters++
		logger.Debug("Packet pool %s tier exhausted (%d outstanding), waiting", t.tier, t.inUse)
		if owner.onWait != nil {
			owner.onWait(t.tier.String())
		}
		t.cond.Wait()
		t.waiters--
	}
}
