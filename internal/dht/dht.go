// Package dht implements ChordService: the key/value layer built on top of
// internal/chord's ring membership — insert, lookup, and handoff, with
// primary-owner replication to R-1 successors and last-writer-wins conflict
// resolution via internal/dht/store.
//
// Grounded on distributed-kvstore's internal/cluster/replicator.go for the
// "push writes out to replica peers, tolerate a few being unreachable" shape,
// generalised from its fixed quorum-replica-set design to Chord's
// ring-position-determined, R-sized successor-list replica set: a key's
// replica set is its owner's successor list.
package dht

import (
	"context"
	"fmt"
	"log"

	"chordreduce/internal/chord"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/ringid"
	"chordreduce/internal/rpcutil"
)

// Transport is the DHT-specific remote call surface, parallel to
// chord.Transport: forwarding an insert/lookup to whichever node currently
// owns a key, and pushing replicated writes out to successors.
type Transport interface {
	InsertRemote(ctx context.Context, peer chord.Node, key string, data []byte) error
	LookupRemote(ctx context.Context, peer chord.Node, key string) ([]byte, bool, error)
	ReplicateRemote(ctx context.Context, peer chord.Node, key string, v store.Value) error
	ListKeysRemote(ctx context.Context, peer chord.Node) ([]string, error)
	FetchRemote(ctx context.Context, peer chord.Node, key string) (store.Value, bool, error)
}

// Service is a single node's view of the DHT: its ring membership plus its
// locally held shard of the keyspace.
type Service struct {
	node  *chord.ChordNode
	local *store.Store
	tr    Transport
	cfg   chord.Config
	log   *log.Logger
}

func New(node *chord.ChordNode, local *store.Store, tr Transport, cfg chord.Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{node: node, local: local, tr: tr, cfg: cfg, log: logger}
}

// Insert routes to the key's primary owner, writes locally there, then
// best-effort replicates to the owner's other R-1 successors.
func (s *Service) Insert(ctx context.Context, key string, data []byte) error {
	owner, err := s.node.FindSuccessor(ctx, ringid.HashString(key))
	if err != nil {
		return fmt.Errorf("dht: locate owner for %q: %w", key, err)
	}

	if owner.ID.Equal(s.node.Self().ID) {
		v, err := s.local.PutLocal(key, data)
		if err != nil {
			return fmt.Errorf("dht: local put %q: %w", key, err)
		}
		s.replicate(ctx, key, v)
		return nil
	}

	policy := s.cfg.RequestPolicy
	err = rpcutil.Call(ctx, owner.Endpoint, policy, func(callCtx context.Context) error {
		return s.tr.InsertRemote(callCtx, owner, key, data)
	})
	if err != nil {
		return fmt.Errorf("dht: forward insert %q to %s: %w", key, owner.Endpoint, err)
	}
	return nil
}

// Lookup routes to the owner; if the owner doesn't answer within policy,
// it reads the key straight from the local store of up to ReplicationSize-1
// peers from this node's own successor list (skipping the owner and itself),
// without further ring routing, and returns the first answer. Such a peer
// holds the key only if it is also among the owner's successors, which
// replicate's R-1 fan-out writes to.
func (s *Service) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	owner, err := s.node.FindSuccessor(ctx, ringid.HashString(key))
	if err != nil {
		return nil, false, fmt.Errorf("dht: locate owner for %q: %w", key, err)
	}

	if owner.ID.Equal(s.node.Self().ID) {
		v, ok := s.local.Get(key)
		if !ok {
			return nil, false, nil
		}
		return v.Data, true, nil
	}

	data, found, err := s.lookupRemote(ctx, owner, key)
	if err == nil {
		return data, found, nil
	}

	self := s.node.Self()
	tried := 0
	for _, peer := range s.node.GetSuccessorList() {
		if peer.ID.Equal(owner.ID) || peer.ID.Equal(self.ID) {
			continue
		}
		if tried >= s.cfg.ReplicationSize-1 {
			break
		}
		tried++
		peer := peer
		var v store.Value
		var found bool
		rerr := rpcutil.Call(ctx, peer.Endpoint, s.cfg.RequestPolicy, func(callCtx context.Context) error {
			rv, ok, err := s.tr.FetchRemote(callCtx, peer, key)
			v, found = rv, ok
			return err
		})
		if rerr == nil {
			s.log.Printf("dht: owner %s unreachable for %q, served by replica %s: %v", owner.Endpoint, key, peer.Endpoint, err)
			if !found || v.Tombstone {
				return nil, false, nil
			}
			return v.Data, true, nil
		}
	}
	return nil, false, fmt.Errorf("dht: forward lookup %q to %s: %w", key, owner.Endpoint, err)
}

func (s *Service) lookupRemote(ctx context.Context, peer chord.Node, key string) ([]byte, bool, error) {
	policy := s.cfg.RequestPolicy
	var data []byte
	var found bool
	err := rpcutil.Call(ctx, peer.Endpoint, policy, func(callCtx context.Context) error {
		d, ok, err := s.tr.LookupRemote(callCtx, peer, key)
		if err != nil {
			return err
		}
		data, found = d, ok
		return nil
	})
	return data, found, err
}

// replicate fans v out, one peer after another, to up to R-1 other members
// of the owning node's current successor list, best-effort: a slow or down
// replica is logged and skipped, matching distributed-kvstore's
// replicateWithRetryAndResponse tolerance for partial replication-set
// failure. Insert waits for the whole fan-out before it returns; a replica
// failure never fails the write.
func (s *Service) replicate(ctx context.Context, key string, v store.Value) {
	replicas := s.node.GetSuccessorList()
	self := s.node.Self()
	count := 0
	policy := s.cfg.RequestPolicy

	for _, peer := range replicas {
		if peer.ID.Equal(self.ID) {
			continue
		}
		if count >= s.cfg.ReplicationSize-1 {
			break
		}
		count++
		peer := peer
		err := rpcutil.Call(ctx, peer.Endpoint, policy, func(callCtx context.Context) error {
			return s.tr.ReplicateRemote(callCtx, peer, key, v)
		})
		if err != nil {
			s.log.Printf("dht: replicate %q to %s failed (tolerated): %v", key, peer.Endpoint, err)
		}
	}
}

// ApplyReplicated is called by the transport layer's RPC handler when a
// remote primary (or another replica, during handoff) pushes a write.
func (s *Service) ApplyReplicated(key string, v store.Value) (bool, error) {
	return s.local.ApplyReplicated(key, v)
}

// GetLocal exposes a raw local read for the RPC handler's FetchRemote
// implementation (handoff and forwarded lookups read the store directly,
// bypassing ring routing since the caller already knows this node is the
// right one to ask).
func (s *Service) GetLocal(key string) (store.Value, bool) {
	return s.local.GetRaw(key)
}

// LocalKeys exposes the local key set for the RPC handler's ListKeysRemote.
func (s *Service) LocalKeys() []string {
	return s.local.Keys()
}

// Handoff runs after a ring-membership change moves our predecessor
// pointer: it pulls from our successor every key that now falls in (new
// predecessor, self] — i.e. keys we have become the primary owner of — so
// we don't have to wait for their next write to learn about them via
// replication.
func (s *Service) Handoff(ctx context.Context) error {
	self := s.node.Self()
	pred, ok := s.node.GetPredecessor()
	if !ok {
		return nil
	}
	successors := s.node.GetSuccessorList()
	if len(successors) == 0 {
		return nil
	}
	successor := successors[0]
	if successor.ID.Equal(self.ID) {
		return nil
	}

	keys, err := s.tr.ListKeysRemote(ctx, successor)
	if err != nil {
		return fmt.Errorf("dht: handoff list keys from %s: %w", successor.Endpoint, err)
	}

	for _, key := range keys {
		id := ringid.HashString(key)
		if !id.Between(pred.ID, self.ID, ringid.OpenClosed) {
			continue
		}
		v, found, err := s.tr.FetchRemote(ctx, successor, key)
		if err != nil || !found {
			continue
		}
		if _, err := s.local.ApplyReplicated(key, v); err != nil {
			s.log.Printf("dht: handoff apply %q failed: %v", key, err)
		}
	}
	return nil
}
