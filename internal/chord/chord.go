// Package chord implements ChordNode: per-node ring membership — successor
// list, predecessor, finger table, stabilisation, and lookup routing over
// the 160-bit identifier space of internal/ringid.
//
// Structurally grounded on distributed-kvstore's internal/cluster/ring.go
// (sorted-slice + binary-search ring lookup) and internal/cluster/membership.go
// (Join/Leave/All bookkeeping under a single mutex), generalised from a flat
// consistent-hash ring to a real Chord ring with successor lists, a
// predecessor pointer, and a finger table. The RPC surface (Transport
// interface) mirrors narendran-go-chord's Transport interface shape
// (find_successor / notify / get_predecessor / get_successor_list),
// reference-only since that example carries no go.mod.
package chord

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chordreduce/internal/ringid"
	"chordreduce/internal/rpcutil"
)

// Node is a peer's logical address plus its ring identifier, the unit every
// table in ChordNode is built from (endpoint format "host:port", the address
// the HTTP transport dials; it carries no role name, every role of a process
// shares it).
type Node struct {
	Endpoint string    // e.g. "10.0.0.4:8008"
	ID       ringid.ID
}

func NewNode(endpoint string) Node {
	return Node{Endpoint: endpoint, ID: ringid.HashString(endpoint)}
}

// Transport is everything a ChordNode needs to talk to a remote peer.
// internal/transport/httprpc provides the concrete Gin/HTTP implementation;
// the wire mechanics themselves are treated as an external collaborator, so
// ChordNode only ever depends on this interface.
type Transport interface {
	FindSuccessor(ctx context.Context, peer Node, id ringid.ID) (Node, error)
	Notify(ctx context.Context, peer Node, candidate Node) error
	GetPredecessor(ctx context.Context, peer Node) (Node, bool, error)
	GetSuccessorList(ctx context.Context, peer Node) ([]Node, error)
	Ping(ctx context.Context, peer Node) error
}

// Config holds the tunables relevant to ring operation.
type Config struct {
	ReplicationSize  int           // R, default 5
	FingerTableSize  int           // F, default 80 (=160/2)
	StabilizeEvery   time.Duration // T_stab, default 1s
	RecheckEvery     time.Duration // finger fixup cadence, default 1s
	RequestPolicy    rpcutil.Policy
}

func DefaultConfig() Config {
	return Config{
		ReplicationSize: 5,
		FingerTableSize: ringid.Bits / 2,
		StabilizeEvery:  time.Second,
		RecheckEvery:    time.Second,
		RequestPolicy:   rpcutil.DefaultPolicy(),
	}
}

// fingerEntry is one row of the finger table: the node responsible for
// self_id + 2^i, possibly stale pending the next fixup.
type fingerEntry struct {
	start Node // not hashed — retained for round-robin bookkeeping below
	node  Node
	live  bool
}

// ChordNode is a single ring member, the core component ring membership and
// lookup routing is built from. All mutable ring state is guarded by mu,
// acquired only for short, CPU-bound table updates — RPC handlers in
// internal/transport/httprpc read a copy or acquire briefly, never holding
// the lock across a remote call.
type ChordNode struct {
	self Node
	cfg  Config
	tr   Transport

	mu            sync.RWMutex
	predecessor   *Node
	successorList []Node // successorList[0] is the immediate successor

	fingerMu    sync.RWMutex
	fingers     []fingerEntry
	nextFinger  int // round-robin cursor for fixFingers

	alive  chan struct{} // closed on Stop; loops select on this to exit a tick early
	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a ChordNode bound to self, without joining any ring yet —
// call Join (with an empty bootstrap for a solo ring, or a known peer
// otherwise) to actually take a position.
func New(self Node, cfg Config, tr Transport, logger *log.Logger) *ChordNode {
	if logger == nil {
		logger = log.Default()
	}
	n := &ChordNode{
		self:    self,
		cfg:     cfg,
		tr:      tr,
		fingers: make([]fingerEntry, cfg.FingerTableSize),
		alive:   make(chan struct{}),
		logger:  logger,
	}
	for i := range n.fingers {
		n.fingers[i] = fingerEntry{start: Node{ID: self.ID.AddPow2(i)}}
	}
	return n
}

func (n *ChordNode) Self() Node { return n.self }

// Join attaches this node to the ring containing bootstrap. A nil
// bootstrap means this node is the sole ring member.
func (n *ChordNode) Join(ctx context.Context, bootstrap *Node) error {
	n.mu.Lock()
	n.predecessor = nil
	n.mu.Unlock()

	if bootstrap == nil {
		n.mu.Lock()
		n.successorList = []Node{n.self}
		n.mu.Unlock()
		n.logger.Printf("chord: %s created a new ring", n.self.Endpoint)
		return nil
	}

	succ, err := n.tr.FindSuccessor(ctx, *bootstrap, n.self.ID)
	if err != nil {
		return fmt.Errorf("chord: join via %s: %w", bootstrap.Endpoint, err)
	}
	n.mu.Lock()
	n.successorList = []Node{succ}
	n.mu.Unlock()
	n.logger.Printf("chord: %s joined via %s, successor=%s", n.self.Endpoint, bootstrap.Endpoint, succ.Endpoint)
	return nil
}

// Leave performs the ring-membership side of a graceful shutdown: it
// notifies the successor with this node as a candidate predecessor. It reads
// the predecessor's successor list but sends the predecessor nothing; the
// predecessor drops this node on its own next stabilise tick. No keys are
// moved by this call.
func (n *ChordNode) Leave(ctx context.Context) {
	n.mu.RLock()
	pred := n.predecessor
	var succ *Node
	if len(n.successorList) > 0 {
		s := n.successorList[0]
		succ = &s
	}
	n.mu.RUnlock()

	if succ != nil && !succ.ID.Equal(n.self.ID) {
		if err := n.tr.Notify(ctx, *succ, n.self); err != nil {
			n.logger.Printf("chord: leave notify successor %s failed: %v", succ.Endpoint, err)
		}
	}
	if pred != nil {
		if list, err := n.tr.GetSuccessorList(ctx, *pred); err == nil {
			_ = list // predecessor refreshes its own list on its next stabilise tick
		}
	}
}

// FindSuccessor implements Chord's routing rule: if id falls in
// (self, successor], return the successor directly; otherwise consult the
// finger table for the closest preceding node and forward the query there.
func (n *ChordNode) FindSuccessor(ctx context.Context, id ringid.ID) (Node, error) {
	n.mu.RLock()
	succ := n.firstSuccessorLocked()
	self := n.self
	n.mu.RUnlock()

	if id.Between(self.ID, succ.ID, ringid.OpenClosed) || succ.ID.Equal(self.ID) {
		return succ, nil
	}

	next := n.closestPrecedingNode(id)
	if next.ID.Equal(n.self.ID) {
		// No better finger than ourselves and id isn't in (self, successor].
		// If it falls in (predecessor, self] we own it; otherwise the ring is
		// in flux and we fall back to our successor rather than looping.
		if pred, ok := n.GetPredecessor(); ok && id.Between(pred.ID, self.ID, ringid.OpenClosed) {
			return self, nil
		}
		return succ, nil
	}

	policy := n.cfg.RequestPolicy
	var result Node
	err := rpcutil.Call(ctx, next.Endpoint, policy, func(callCtx context.Context) error {
		r, err := n.tr.FindSuccessor(callCtx, next, id)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("%w", rpcutil.ErrRingUnavailable)
	}
	return result, nil
}

// Notify tells this node that candidate believes it might be our
// predecessor. Adopt it if we have none, or if it sits strictly between our
// current predecessor and us. Idempotent: re-notifying with the same
// candidate is a no-op.
func (n *ChordNode) Notify(candidate Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.predecessor == nil || candidate.ID.Between(n.predecessor.ID, n.self.ID, ringid.Open) {
		n.predecessor = &candidate
	}
}

// GetPredecessor returns the current predecessor, if any.
func (n *ChordNode) GetPredecessor() (Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.predecessor == nil {
		return Node{}, false
	}
	return *n.predecessor, true
}

// GetSuccessorList returns a copy of the current successor list.
func (n *ChordNode) GetSuccessorList() []Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Node, len(n.successorList))
	copy(out, n.successorList)
	return out
}

func (n *ChordNode) firstSuccessorLocked() Node {
	if len(n.successorList) == 0 {
		return n.self
	}
	return n.successorList[0]
}

// closestPrecedingNode scans the finger table from the farthest entry
// inward for the closest live node preceding id — the logarithmic routing
// step of Chord lookup.
func (n *ChordNode) closestPrecedingNode(id ringid.ID) Node {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()

	for i := len(n.fingers) - 1; i >= 0; i-- {
		f := n.fingers[i]
		if !f.live {
			continue
		}
		if f.node.ID.Between(n.self.ID, id, ringid.Open) {
			return f.node
		}
	}
	return n.self
}

// Stabilize runs one tick of Chord's periodic stabilisation protocol.
func (n *ChordNode) Stabilize(ctx context.Context) {
	n.mu.RLock()
	succ := n.firstSuccessorLocked()
	self := n.self
	n.mu.RUnlock()

	if succ.ID.Equal(self.ID) {
		// Solo ring: notify self so a future joiner's notify() has a
		// predecessor slot waiting. Once a joiner has notified us it is our
		// predecessor and, in a two-member ring, also our successor: adopt it
		// and carry on with the normal steps below.
		n.Notify(self)
		pred, ok := n.GetPredecessor()
		if !ok || pred.ID.Equal(self.ID) {
			return
		}
		n.mu.Lock()
		n.successorList = prependTruncate(pred, n.successorList, n.cfg.ReplicationSize)
		succ = n.firstSuccessorLocked()
		n.mu.Unlock()
	}

	policy := n.cfg.RequestPolicy

	// Step 1: ask the successor for its predecessor; adopt it into our list
	// if it belongs strictly between us and our successor.
	var predOfSucc Node
	var havePred bool
	err := rpcutil.Call(ctx, succ.Endpoint, policy, func(callCtx context.Context) error {
		p, ok, err := n.tr.GetPredecessor(callCtx, succ)
		if err != nil {
			return err
		}
		predOfSucc, havePred = p, ok
		return nil
	})
	if err != nil {
		n.dropFromSuccessorList(succ)
		return
	}
	if havePred && predOfSucc.ID.Between(self.ID, succ.ID, ringid.Open) {
		n.mu.Lock()
		n.successorList = prependTruncate(predOfSucc, n.successorList, n.cfg.ReplicationSize)
		succ = n.firstSuccessorLocked()
		n.mu.Unlock()
	}

	// Step 2: notify our (possibly updated) successor that we might be its
	// predecessor.
	_ = rpcutil.Call(ctx, succ.Endpoint, policy, func(callCtx context.Context) error {
		return n.tr.Notify(callCtx, succ, self)
	})

	// Step 3: refresh our successor list by prepending the successor to its
	// own list; step 4 then skips self, filters out dead entries and
	// truncates to R.
	var succList []Node
	err = rpcutil.Call(ctx, succ.Endpoint, policy, func(callCtx context.Context) error {
		l, err := n.tr.GetSuccessorList(callCtx, succ)
		if err != nil {
			return err
		}
		succList = l
		return nil
	})
	if err != nil {
		n.dropFromSuccessorList(succ)
		return
	}

	merged := append([]Node{succ}, succList...)
	merged = dedupeByID(merged)

	// Step 4: drop any entries that don't respond to a liveness probe.
	live := make([]Node, 0, len(merged))
	for _, cand := range merged {
		if cand.ID.Equal(self.ID) {
			continue
		}
		if rpcutil.Reachable(ctx, policy, func(pc context.Context) error {
			return n.tr.Ping(pc, cand)
		}) {
			live = append(live, cand)
		}
	}
	if len(live) == 0 {
		live = []Node{self}
	}

	n.mu.Lock()
	if len(live) > n.cfg.ReplicationSize {
		live = live[:n.cfg.ReplicationSize]
	}
	n.successorList = live
	n.mu.Unlock()
}

func (n *ChordNode) dropFromSuccessorList(dead Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.successorList[:0:0]
	for _, s := range n.successorList {
		if !s.ID.Equal(dead.ID) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []Node{n.self}
	}
	n.successorList = out
}

// FixNextFinger advances the round-robin finger fixup cursor by one slot per
// call, refreshing at most one finger table row per tick.
func (n *ChordNode) FixNextFinger(ctx context.Context) {
	n.fingerMu.Lock()
	i := n.nextFinger
	n.nextFinger = (n.nextFinger + 1) % len(n.fingers)
	target := n.fingers[i].start
	n.fingerMu.Unlock()

	succ, err := n.FindSuccessor(ctx, target.ID)
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()
	if err != nil {
		n.fingers[i].live = false
		return
	}
	n.fingers[i].node = succ
	n.fingers[i].live = true
}

// Run starts the stabilisation and finger-fixup loops in the background and
// returns at once; the loops run until Stop is called or ctx is cancelled.
// Each loop checks the shared alive channel every tick, so cancellation is
// cooperative rather than preemptive.
func (n *ChordNode) Run(ctx context.Context) {
	n.wg.Add(2)
	go n.loop(ctx, n.cfg.StabilizeEvery, n.Stabilize)
	go n.loop(ctx, n.cfg.RecheckEvery, n.FixNextFinger)
}

func (n *ChordNode) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer n.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-n.alive:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// Stop signals all loops to exit and waits for them to do so within roughly
// one tick interval.
func (n *ChordNode) Stop() {
	select {
	case <-n.alive:
		// already stopped
	default:
		close(n.alive)
	}
	n.wg.Wait()
}

func prependTruncate(head Node, rest []Node, max int) []Node {
	merged := append([]Node{head}, rest...)
	merged = dedupeByID(merged)
	if len(merged) > max {
		merged = merged[:max]
	}
	return merged
}

func dedupeByID(nodes []Node) []Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]Node, 0, len(nodes))
	for _, nd := range nodes {
		key := nd.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, nd)
	}
	return out
}
