// Package pool implements the client pool (C7): a fixed table of
// session slots that keeps exactly one live connection per slot,
// reconnecting a fresh session into a slot as soon as its previous
// occupant tears down, the way a long-running stress run keeps load
// constant instead of draining to zero as connections age out.
//
// Every session's raw bytes are read by its own goroutine, but actually
// applying them — the only place a View or its mailbox's shared Storage
// is mutated — happens on one dispatcher goroutine shared by the whole
// pool. Two sessions selecting the same mailbox share one
// mailbox.Storage; without that single point of mutation, two reader
// goroutines could race on it.
package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/consts"
	"github.com/migadu/imaptest/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Rand is the subset of math/rand.Rand the pool needs, injectable so
// tests can drive RandomIdx deterministically.
type Rand interface {
	Intn(n int) int
}

// Factory builds the Session that will occupy slot idx. globalID is
// the pool's monotonic counter value assigned to this connection
// attempt, never reused even across reconnects into the same slot, so
// every connection gets a distinct tag prefix (command.Registry's
// "<global_id>.<tag>").
type Factory func(ctx context.Context, idx, globalID int) (*client.Session, error)

// readEvent is one reader goroutine's raw read, routed to the
// dispatcher goroutine for processing; done carries back whatever
// Process returns so the reader can decide whether to keep reading. A
// pause request is the same shape instead — sess is nil and pause is
// set — so it is ordered on the events channel exactly like any other
// read, guaranteeing every event queued before a Quiesce call is
// applied before the dispatcher actually halts.
type readEvent struct {
	sess  *client.Session
	data  []byte
	done  chan error
	pause *pauseRequest
}

// pauseRequest is dispatchLoop's side of one Quiesce call: ack closes
// once every earlier-queued event has been applied, and the
// dispatcher then blocks until resume closes.
type pauseRequest struct {
	ack    chan struct{}
	resume chan struct{}
}

// Pool owns `capacity` slots, each either empty, occupied by a running
// Session, or parked in the stalled queue waiting for room to reconnect.
// Grounded on original_source/src/client.c's clients array indexed by
// idx, its stalled_clients queue, and global_id_counter: that source
// wasn't available to re-read in full this session, so the reconnect
// and stall-drain policy below is this package's own reconstruction
// from the spec's description of the same behavior, not a line trace
// of the C.
type Pool struct {
	mu       sync.Mutex
	slots    []*client.Session
	stalled  []int
	nextID   int
	ctx      context.Context
	factory  Factory
	onReady  client.InitialCommands
	rnd      Rand
	noNew    bool
	stopping bool

	// group supervises every slot's reader goroutine (banner + ReadRaw),
	// propagating the pool's dial context's cancellation to all of them.
	group errgroup.Group

	// dialSem bounds how many factory calls (each a net.Dialer.DialContext
	// under the hood) are in flight at once, so a mass reconnect after
	// SetNoNewClients(false) doesn't fire capacity simultaneous dials.
	dialSem *semaphore.Weighted

	events       chan readEvent
	dispatchDone chan struct{}

	// Metrics is nil unless `[metrics]` is configured; set directly on
	// the Pool after New, same pattern as Session.Rawlog/Session.Metrics
	// — an optional field rather than a constructor parameter, so every
	// existing call site keeps compiling unchanged.
	Metrics *metrics.Metrics

	// OnSessionError is invoked whenever a session's run ends with a
	// non-nil error, before any reconnect/stall decision is made. Nil
	// means errors are silently absorbed — the pool's own steady-state
	// behavior already covers teardown and reconnect. The caller (main)
	// uses this to apply spec.md §7's error_quit/disconnect_quit exit
	// codes, which are a process-level policy the pool itself has no
	// opinion on.
	OnSessionError func(sess *client.Session, err error)
}

// New creates a pool of the given capacity. rnd may be nil, in which
// case the pool seeds its own source.
func New(capacity int, factory Factory, onReady client.InitialCommands, rnd Rand) *Pool {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	dialWeight := int64(capacity)
	if dialWeight > 16 {
		dialWeight = 16
	}
	if dialWeight < 1 {
		dialWeight = 1
	}
	return &Pool{
		slots:        make([]*client.Session, capacity),
		factory:      factory,
		onReady:      onReady,
		rnd:          rnd,
		dialSem:      semaphore.NewWeighted(dialWeight),
		events:       make(chan readEvent, capacity),
		dispatchDone: make(chan struct{}),
	}
}

// Len returns the pool's configured capacity.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Active returns how many slots currently hold a running session.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Stalled returns how many slots are queued waiting to reconnect.
func (p *Pool) Stalled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stalled)
}

// Start launches the dispatcher goroutine, then fills every slot,
// dialing the pool's full configured load. The supplied ctx governs
// every session spawned by the pool, including reconnects, for the
// pool's remaining lifetime.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	n := len(p.slots)
	p.mu.Unlock()

	go p.dispatchLoop()

	for idx := 0; idx < n; idx++ {
		p.spawn(idx)
	}
}

// dispatchLoop is the pool's single point of mutation for every
// session's View and shared Storage: it applies one reader's event at
// a time, in the order events arrive, regardless of which session's
// reader goroutine produced it.
func (p *Pool) dispatchLoop() {
	defer close(p.dispatchDone)
	for ev := range p.events {
		if ev.pause != nil {
			close(ev.pause.ack)
			<-ev.pause.resume
			continue
		}
		ev.done <- ev.sess.Process(ev.data)
	}
}

// Quiesce blocks until every event already queued ahead of this call
// has been applied, then halts the dispatcher — no session's View or
// shared Storage is mutated again — until the returned resume func is
// called. Used by the checkpoint coordinator (C13) to compare every
// session's view without racing dispatchLoop. Readers keep reading and
// pushing to p.events while quiesced; they simply queue up rather than
// block, up to the channel's capacity-sized buffer.
func (p *Pool) Quiesce() (resume func()) {
	req := &pauseRequest{ack: make(chan struct{}), resume: make(chan struct{})}
	p.events <- readEvent{pause: req}
	<-req.ack
	return func() { close(req.resume) }
}

// spawn dials a fresh session for idx and, on success, starts its
// reader goroutine; on failure (or if the pool is no longer accepting
// new connections) idx is parked on the stalled queue instead.
func (p *Pool) spawn(idx int) {
	p.mu.Lock()
	if p.stopping || p.noNew {
		p.stalled = append(p.stalled, idx)
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.nextID++
	gid := p.nextID
	p.mu.Unlock()

	if err := p.dialSem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		p.stalled = append(p.stalled, idx)
		p.mu.Unlock()
		return
	}
	sess, err := p.factory(ctx, idx, gid)
	p.dialSem.Release(1)
	if err != nil {
		p.mu.Lock()
		p.stalled = append(p.stalled, idx)
		p.mu.Unlock()
		return
	}

	sess.Metrics = p.Metrics
	p.mu.Lock()
	p.slots[idx] = sess
	p.mu.Unlock()
	p.Metrics.SessionConnected()

	p.group.Go(func() error {
		runErr := p.runSession(sess)
		sess.Release()
		p.onSessionDone(idx, sess, runErr)
		return runErr
	})
}

// runSession reads the banner on its own goroutine (nothing else can
// yet be contending for this brand-new session's state), then hands
// every subsequent read to the shared dispatcher via p.events.
func (p *Pool) runSession(sess *client.Session) error {
	if err := sess.Banner(p.onReady); err != nil {
		return err
	}
	return sess.ReadRaw(func(data []byte) error {
		done := make(chan error, 1)
		p.events <- readEvent{sess: sess, data: data, done: done}
		return <-done
	})
}

// onSessionDone frees idx's slot and, unless the pool is shutting down
// or new connections are currently paused, immediately reconnects a
// fresh session into it — the steady-state load stays constant instead
// of decaying as connections churn.
func (p *Pool) onSessionDone(idx int, sess *client.Session, runErr error) {
	p.mu.Lock()
	p.slots[idx] = nil
	stopping := p.stopping
	noNew := p.noNew
	p.mu.Unlock()
	p.Metrics.SessionDisconnected()

	if runErr != nil && p.OnSessionError != nil {
		p.OnSessionError(sess, runErr)
	}

	if stopping {
		return
	}
	if noNew {
		p.mu.Lock()
		p.stalled = append(p.stalled, idx)
		p.mu.Unlock()
		return
	}
	p.Metrics.Reconnect()
	p.spawn(idx)
}

// SetNoNewClients pauses (true) or resumes (false) reconnecting freed
// slots; a resume drains up to consts.StalledDrainBatch parked slots
// immediately so the ramp back to full load is gradual rather than a
// thundering herd of simultaneous dials.
func (p *Pool) SetNoNewClients(v bool) {
	p.mu.Lock()
	p.noNew = v
	p.mu.Unlock()
	if !v {
		p.DrainStalled()
	}
}

// DrainStalled pulls up to consts.StalledDrainBatch slots off the
// stalled queue and spawns them.
func (p *Pool) DrainStalled() {
	p.mu.Lock()
	n := consts.StalledDrainBatch
	if len(p.stalled) < n {
		n = len(p.stalled)
	}
	batch := append([]int(nil), p.stalled[:n]...)
	p.stalled = p.stalled[n:]
	p.mu.Unlock()

	for _, idx := range batch {
		p.spawn(idx)
	}
}

// Stop marks the pool as shutting down: no freed slot reconnects and
// no stalled slot drains. It releases every live session, waits for
// every reader goroutine to return, then shuts the dispatcher down.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopping = true
	sessions := make([]*client.Session, 0, len(p.slots))
	for _, s := range p.slots {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	_ = p.group.Wait()
	close(p.events)
	<-p.dispatchDone
}

// RandomIdx picks a live slot uniformly at random, probing up to
// consts.RandomIdxProbes times before falling back to a linear scan —
// the two-tier strategy is cheap when the pool is mostly full (the
// common case) and still terminates when it's mostly empty.
func (p *Pool) RandomIdx() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < consts.RandomIdxProbes; i++ {
		idx := p.rnd.Intn(n)
		if p.slots[idx] != nil {
			return idx, true
		}
	}
	for idx, s := range p.slots {
		if s != nil {
			return idx, true
		}
	}
	return 0, false
}

// SessionAt returns the session currently occupying idx, if any, for
// callers (e.g. a planner or metrics sweep) that picked the slot via
// RandomIdx and need the live Session. It must only be called from the
// dispatcher goroutine (or with the dispatcher quiesced, as a
// checkpoint does) since the returned Session's View is otherwise being
// mutated concurrently by dispatchLoop.
func (p *Pool) SessionAt(idx int) (*client.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) || p.slots[idx] == nil {
		return nil, false
	}
	return p.slots[idx], true
}
