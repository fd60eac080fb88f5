package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, smallCount, largeCount int) *PacketPool {
	t.Helper()
	p, err := New(512, smallCount, 4096, largeCount)
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Run("AppliesDefaults", func(t *testing.T) {
		p, err := New(0, 0, 1<<20, 0)
		require.NoError(t, err)

		pkt, err := p.Allocate(DefaultSmallSize)
		require.NoError(t, err)
		assert.Equal(t, uint32(DefaultSmallSize), pkt.Capacity())
		assert.Equal(t, TierSmall, pkt.Tier())
	})

	t.Run("RejectsLargeSizeBelowSmall", func(t *testing.T) {
		_, err := New(4096, 10, 512, 10)
		require.Error(t, err)
	})
}

func TestAllocate(t *testing.T) {
	t.Run("SelectsTierBySize", func(t *testing.T) {
		p := newTestPool(t, 4, 4)

		small, err := p.Allocate(512)
		require.NoError(t, err)
		assert.Equal(t, TierSmall, small.Tier())
		assert.Equal(t, uint32(512), small.Capacity())

		large, err := p.Allocate(513)
		require.NoError(t, err)
		assert.Equal(t, TierLarge, large.Tier())
		assert.Equal(t, uint32(4096), large.Capacity())
	})

	t.Run("RejectsOversizedRequest", func(t *testing.T) {
		p := newTestPool(t, 4, 4)

		_, err := p.Allocate(4097)
		require.ErrorIs(t, err, ErrOversized)
	})

	t.Run("ReusesReleasedBuffers", func(t *testing.T) {
		p := newTestPool(t, 1, 1)

		pkt, err := p.Allocate(100)
		require.NoError(t, err)
		require.True(t, pkt.Append([]byte("hello")))
		pkt.Release()

		again, err := p.Allocate(100)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), again.Used(), "reused buffer must be reset")
	})

	t.Run("NeverExceedsTierMaximum", func(t *testing.T) {
		const max = 3
		p := newTestPool(t, max, max)

		var outstanding atomic.Int32
		var peak atomic.Int32
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pkt, err := p.Allocate(512)
				if err != nil {
					return
				}
				n := outstanding.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				outstanding.Add(-1)
				pkt.Release()
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, peak.Load(), int32(max))
		smallInUse, _ := p.Stats()
		assert.Equal(t, 0, smallInUse)
	})
}

func TestBlockingAllocation(t *testing.T) {
	t.Run("BlocksWhenTierExhausted", func(t *testing.T) {
		p := newTestPool(t, 1, 1)

		held, err := p.Allocate(512)
		require.NoError(t, err)

		done := make(chan *Packet, 1)
		go func() {
			pkt, err := p.Allocate(512)
			require.NoError(t, err)
			done <- pkt
		}()

		select {
		case <-done:
			t.Fatal("allocation should block while tier is exhausted")
		case <-time.After(50 * time.Millisecond):
		}

		held.Release()

		select {
		case pkt := <-done:
			pkt.Release()
		case <-time.After(time.Second):
			t.Fatal("allocation should unblock after release")
		}
	})

	t.Run("ReleaseWakesExactlyOneWaiter", func(t *testing.T) {
		p := newTestPool(t, 1, 1)

		held, err := p.Allocate(512)
		require.NoError(t, err)

		const waiters = 5
		acquired := make(chan *Packet, waiters)
		for i := 0; i < waiters; i++ {
			go func() {
				pkt, err := p.Allocate(512)
				if err == nil {
					acquired <- pkt
				}
			}()
		}

		time.Sleep(50 * time.Millisecond)
		held.Release()

		// One release satisfies exactly one waiter.
		var first *Packet
		select {
		case first = <-acquired:
		case <-time.After(time.Second):
			t.Fatal("no waiter was woken")
		}
		select {
		case <-acquired:
			t.Fatal("a single release satisfied two waiters")
		case <-time.After(50 * time.Millisecond):
		}

		// Draining the remaining waiters one release at a time.
		for i := 1; i < waiters; i++ {
			first.Release()
			select {
			case first = <-acquired:
			case <-time.After(time.Second):
				t.Fatalf("waiter %d was never woken", i)
			}
		}
		first.Release()
	})

	t.Run("TiersBlockIndependently", func(t *testing.T) {
		p := newTestPool(t, 1, 1)

		held, err := p.Allocate(512)
		require.NoError(t, err)
		defer held.Release()

		// Small tier is exhausted; the large tier must still serve.
		large, err := p.Allocate(4096)
		require.NoError(t, err)
		assert.Equal(t, TierLarge, large.Tier())
		large.Release()
	})
}

func TestClose(t *testing.T) {
	t.Run("FailsBlockedAllocators", func(t *testing.T) {
		p := newTestPool(t, 1, 1)

		held, err := p.Allocate(512)
		require.NoError(t, err)
		defer held.Release()

		errCh := make(chan error, 1)
		go func() {
			_, err := p.Allocate(512)
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		p.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("blocked allocator did not observe close")
		}
	})

	t.Run("FailsFutureAllocations", func(t *testing.T) {
		p := newTestPool(t, 1, 1)
		p.Close()

		_, err := p.Allocate(512)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestPacket(t *testing.T) {
	t.Run("AppendTracksUsedLength", func(t *testing.T) {
		p := newTestPool(t, 1, 1)
		pkt, err := p.Allocate(512)
		require.NoError(t, err)

		require.True(t, pkt.Append([]byte("abc")))
		require.True(t, pkt.Append([]byte("de")))
		assert.Equal(t, uint32(5), pkt.Used())
		assert.Equal(t, []byte("abcde"), pkt.Payload())
	})

	t.Run("AppendRefusesOverflow", func(t *testing.T) {
		p := newTestPool(t, 1, 1)
		pkt, err := p.Allocate(512)
		require.NoError(t, err)

		big := make([]byte, 513)
		assert.False(t, pkt.Append(big))
		assert.Equal(t, uint32(0), pkt.Used())
	})

	t.Run("ReleaseClearsSessionTags", func(t *testing.T) {
		p := newTestPool(t, 1, 1)
		pkt, err := p.Allocate(512)
		require.NoError(t, err)

		pkt.SessionID = 42
		pkt.Release()

		again, err := p.Allocate(512)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), again.SessionID)
	})
}
