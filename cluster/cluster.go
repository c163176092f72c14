// Package cluster implements optional multi-host coordination (C14):
// when more than one simulator process drives the same target, their
// Groups join a memberlist cluster, elect the lowest node name as
// checkpoint leader, and the leader broadcasts a "quiesce now" message
// so every process runs its own checkpoint.Coordinator.Run at
// (approximately) the same moment, instead of N independent processes
// pausing their pools at unrelated times and comparing views that were
// never actually simultaneous. Single-process runs never construct a
// Group at all — there's nothing to coordinate with.
package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// quiesceMessage is the only message this package's delegate ever
// broadcasts: a monotonically increasing checkpoint sequence number, so
// a node that's joined mid-broadcast storm can tell a stale retransmit
// from the current round.
type quiesceMessage struct {
	Seq int64 `json:"seq"`
}

func encodeQuiesce(seq int64) ([]byte, error) {
	return json.Marshal(quiesceMessage{Seq: seq})
}

func decodeQuiesce(data []byte) (int64, error) {
	var msg quiesceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, err
	}
	return msg.Seq, nil
}

// broadcast is the memberlist.Broadcast a Group queues for
// quiesceMessage gossip: it never invalidates an earlier-queued
// broadcast of a different sequence (each is independently meaningful,
// unlike a last-value-wins state update).
type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.msg }
func (b *broadcast) Finished()                             {}

// delegate implements memberlist.Delegate, routing every received
// quiesceMessage onto a channel the owning Group's caller drains.
type delegate struct {
	queue    *memberlist.TransmitLimitedQueue
	received chan int64
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(data []byte) {
	seq, err := decodeQuiesce(data)
	if err != nil {
		return
	}
	select {
	case d.received <- seq:
	default:
		// A caller that isn't currently listening drops a stale
		// notification rather than blocking memberlist's own
		// packet-handling goroutine.
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte            { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// Group owns one process's membership in the cluster.
type Group struct {
	ml       *memberlist.Memberlist
	delegate *delegate
	name     string

	mu  sync.Mutex
	seq int64
}

// New creates a Group bound to bindAddr:bindPort under nodeName and,
// if seeds is non-empty, joins an existing cluster through them.
func New(bindAddr string, bindPort int, nodeName string, seeds []string) (*Group, error) {
	del := &delegate{received: make(chan int64, 8)}

	config := memberlist.DefaultLANConfig()
	config.Name = nodeName
	config.BindAddr = bindAddr
	config.BindPort = bindPort
	config.AdvertisePort = bindPort
	config.Delegate = del

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("cluster: creating memberlist: %w", err)
	}

	del.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: memberlist.DefaultLANConfig().RetransmitMult,
	}

	g := &Group{ml: ml, delegate: del, name: nodeName}

	if len(seeds) > 0 {
		if _, err := ml.Join(seeds); err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("cluster: joining %v: %w", seeds, err)
		}
	}

	return g, nil
}

// electLeader reports whether self is the lexicographically lowest
// name among names — a pure function so leader election is testable
// without a live memberlist cluster. Ties can't happen: memberlist
// itself refuses two nodes the same Name.
func electLeader(names []string, self string) bool {
	if len(names) == 0 {
		return false
	}
	lowest := names[0]
	for _, n := range names[1:] {
		if n < lowest {
			lowest = n
		}
	}
	return self == lowest
}

// IsLeader reports whether this process currently holds the lowest
// node name among all alive members — the checkpoint leader.
func (g *Group) IsLeader() bool {
	members := g.ml.Members()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	sort.Strings(names)
	return electLeader(names, g.name)
}

// Quiesce broadcasts a new checkpoint sequence number to every member,
// for the leader to call once it decides it's time for a cluster-wide
// checkpoint. Non-leaders only ever receive, via Notifications.
func (g *Group) Quiesce() (seq int64, err error) {
	g.mu.Lock()
	g.seq++
	seq = g.seq
	g.mu.Unlock()

	data, err := encodeQuiesce(seq)
	if err != nil {
		return 0, fmt.Errorf("cluster: encoding quiesce message: %w", err)
	}
	g.delegate.queue.QueueBroadcast(&broadcast{msg: data})
	return seq, nil
}

// Notifications delivers every quiesce sequence number this node
// receives (including, with memberlist's usual gossip delay, ones this
// same node itself broadcast) for the caller to react to by running its
// own checkpoint.Coordinator.
func (g *Group) Notifications() <-chan int64 {
	return g.delegate.received
}

// Members returns the current alive member names, mostly useful for
// logging and metrics.
func (g *Group) Members() []string {
	members := g.ml.Members()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}

// Leave announces departure to the cluster before Shutdown tears down
// the local memberlist instance.
func (g *Group) Leave(timeout time.Duration) error {
	if err := g.ml.Leave(timeout); err != nil {
		return fmt.Errorf("cluster: leaving: %w", err)
	}
	return g.ml.Shutdown()
}
