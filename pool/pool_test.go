package pool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/imaptest/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeFactory returns a Factory that hands out a Session wired to one
// end of a net.Pipe, while a goroutine on the other end writes a
// banner and then hangs up — simulating a connection that completes
// its greeting and is immediately dropped by the peer, the shortest
// possible lifecycle that still exercises Banner and the reconnect
// path through ReadRaw's resulting error.
func pipeFactory(spawns *int64) Factory {
	return func(ctx context.Context, idx, gid int) (*client.Session, error) {
		atomic.AddInt64(spawns, 1)
		c, server := net.Pipe()
		go func() {
			server.Write([]byte("* OK ready\r\n"))
			server.Close()
		}()
		return client.New(ctx, idx, gid, "alice", "test-host", c, nil), nil
	}
}

func TestStartFillsEveryConfiguredSlot(t *testing.T) {
	var spawns int64
	p := New(3, pipeFactory(&spawns), nil, nil)
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&spawns) >= 3
	}, time.Second, time.Millisecond)

	p.Stop()
	assert.Equal(t, 0, p.Active())
}

func TestPoolReconnectsAFreedSlot(t *testing.T) {
	var spawns int64
	p := New(1, pipeFactory(&spawns), nil, nil)
	p.Start(context.Background())

	// Each session's banner-then-hangup lifecycle ends almost
	// immediately, so the single slot should cycle through several
	// generations of session while we wait.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&spawns) >= 5
	}, time.Second, time.Millisecond)

	p.Stop()
}

func TestSetNoNewClientsParksFreedSlotsInsteadOfReconnecting(t *testing.T) {
	var spawns int64
	p := New(1, pipeFactory(&spawns), nil, nil)
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&spawns) >= 1
	}, time.Second, time.Millisecond)

	p.SetNoNewClients(true)

	// Let the in-flight session finish tearing down; with no-new-
	// clients set, it must land in the stalled queue, not reconnect.
	require.Eventually(t, func() bool {
		return p.Stalled() >= 1 && p.Active() == 0
	}, time.Second, time.Millisecond)

	stalledBefore := p.Stalled()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stalledBefore, p.Stalled(), "no further spawns while paused")

	p.SetNoNewClients(false)
	require.Eventually(t, func() bool {
		return p.Active() >= 1
	}, time.Second, time.Millisecond)

	p.Stop()
}

// fixedRand replays seq on a cycle, so a single short slice can stand
// in for all consts.RandomIdxProbes calls a test needs.
type fixedRand struct {
	seq []int
	i   int
}

func (f *fixedRand) Intn(n int) int {
	v := f.seq[f.i%len(f.seq)]
	f.i++
	return v
}

func TestRandomIdxSkipsEmptySlotsThenFallsBackToScan(t *testing.T) {
	p := New(3, pipeFactory(new(int64)), nil, &fixedRand{seq: []int{1}})
	// slot 1 is empty for every probe; only slot 0 is occupied.
	c, _ := net.Pipe()
	p.slots[0] = client.New(context.Background(), 0, 1, "alice", "h", c, nil)

	idx, ok := p.RandomIdx()
	require.True(t, ok)
	assert.Equal(t, 0, idx, "falls back to a linear scan once every probe misses")
}

func TestRandomIdxReportsEmptyPool(t *testing.T) {
	p := New(2, pipeFactory(new(int64)), nil, &fixedRand{seq: []int{0, 1, 0, 1, 0, 1}})
	_, ok := p.RandomIdx()
	assert.False(t, ok)
}

func TestSessionAtReturnsTheOccupant(t *testing.T) {
	p := New(1, pipeFactory(new(int64)), nil, nil)
	c, _ := net.Pipe()
	sess := client.New(context.Background(), 0, 1, "alice", "h", c, nil)
	p.slots[0] = sess

	got, ok := p.SessionAt(0)
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = p.SessionAt(1)
	assert.False(t, ok, "out of range slot index")
}

func TestQuiesceBlocksEventProcessingUntilResumed(t *testing.T) {
	p := New(1, pipeFactory(new(int64)), nil, nil)
	go p.dispatchLoop()

	c, server := net.Pipe()
	t.Cleanup(func() { c.Close(); server.Close() })
	sess := client.New(context.Background(), 0, 1, "alice", "h", c, nil)

	resume := p.Quiesce()

	done := make(chan error, 1)
	p.events <- readEvent{sess: sess, data: []byte("* OK ready\r\n"), done: done}

	select {
	case <-done:
		t.Fatal("event queued while quiesced must not be processed before resume")
	case <-time.After(20 * time.Millisecond):
	}

	resume()
	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, time.Millisecond, "event should be processed once resumed")

	close(p.events)
	<-p.dispatchDone
}

func TestQuiesceOrdersAheadOfEventsQueuedBeforeIt(t *testing.T) {
	p := New(1, pipeFactory(new(int64)), nil, nil)
	c, server := net.Pipe()
	sess := client.New(context.Background(), 0, 1, "alice", "h", c, nil)
	p.slots[0] = sess
	go p.dispatchLoop()

	done := make(chan error, 1)
	p.events <- readEvent{sess: sess, data: []byte("* OK ready\r\n"), done: done}
	require.NoError(t, <-done)

	resume := p.Quiesce()
	resume()

	server.Close()
	close(p.events)
	<-p.dispatchDone
}
