// Package pool implements the bounded two-tier packet buffer pool used by
// the RPC session engine. Buffers are fixed-capacity and reused across
// requests; each tier caps the number of buffers that can exist at once,
// so the pool is a hard memory bound for the whole server.
package pool

import "net"

// Tier identifies a pool size class.
type Tier int

const (
	// TierSmall holds buffers for typical control-sized messages.
	TierSmall Tier = iota

	// TierLarge holds buffers sized to the maximum RPC message.
	TierLarge
)

func (t Tier) String() string {
	switch t {
	case TierSmall:
		return "small"
	case TierLarge:
		return "large"
	default:
		return "unknown"
	}
}

// Packet is a fixed-capacity byte buffer owned by exactly one component
// at a time: the pool free list, a session's read/write path, or the
// worker queue. It is never shared.
type Packet struct {
	buf   []byte
	used  uint32
	tier  Tier
	owner *PacketPool

	// SessionID and PeerAddr identify the originating connection while
	// the packet is in flight. Cleared on release.
	SessionID uint32
	PeerAddr  net.Addr
}

// Capacity returns the fixed buffer capacity.
func (p *Packet) Capacity() uint32 {
	return uint32(len(p.buf))
}

// Used returns the number of valid payload bytes.
func (p *Packet) Used() uint32 {
	return p.used
}

// Tier returns the owning pool tier.
func (p *Packet) Tier() Tier {
	return p.tier
}

// Payload returns the valid portion of the buffer.
func (p *Packet) Payload() []byte {
	return p.buf[:p.used]
}

// Space returns the unused tail of the buffer, for direct reads. Call
// Advance after filling it.
func (p *Packet) Space() []byte {
	return p.buf[p.used:]
}

// Advance marks n more bytes of the buffer as used.
func (p *Packet) Advance(n uint32) {
	p.used += n
	if p.used > uint32(len(p.buf)) {
		panic("pool: packet advanced past capacity")
	}
}

// Append copies data into the buffer, growing the used length. Returns
// false if the data does not fit; the packet is unchanged in that case.
func (p *Packet) Append(data []byte) bool {
	if p.used+uint32(len(data)) > uint32(len(p.buf)) {
		return false
	}
	copy(p.buf[p.used:], data)
	p.used += uint32(len(data))
	return true
}

// Reset clears the used length and in-flight tags, keeping the buffer.
func (p *Packet) Reset() {
	p.used = 0
	p.SessionID = 0
	p.PeerAddr = nil
}

// Release returns the packet to its owning pool. The packet must not be
// used afterwards.
func (p *Packet) Release() {
	if p.owner != nil {
		p.owner.Release(p)
	}
}
