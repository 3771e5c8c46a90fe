// Package naming implements the contested-leader-election naming service:
// a process-wide registry mapping symbolic names ("master", "ns/backup"
// readers, follower ids, ...) to endpoints, with a periodic broadcast-style
// contest that keeps exactly one daemon active cluster-wide, registry
// mirroring into the DHT for recovery, and a delegation API other
// components (principally internal/master) use to take over a name when
// its previous holder disappears.
//
// Grounded on map_reduce/server/nameserver/nameserver.py's NameServer
// wrapper: _locate_nameserver / refresh_nameserver's "higher id wins, loser
// forwards its registry with safe=true then steps down" contest, and its
// start/stop lifecycle. Concurrency primitives and the RWMutex-guarded map
// are grounded on distributed-kvstore's internal/cluster/membership.go.
package naming

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/rpcutil"

	"gopkg.in/yaml.v3"
)

// BackupKey is the well-known DHT key the active daemon mirrors its
// registry under, so a newly-elected daemon can recover bindings.
const BackupKey = "ns/backup"

// Transport is the naming daemon's remote surface: broadcast-style discovery
// of a contesting peer, and registry forwarding to the winner.
type Transport interface {
	// Discover polls the known peer set for another active naming daemon.
	// ok is false if none could be reached.
	Discover(ctx context.Context) (peer chord.Node, ok bool, err error)
	// ForwardRegistry pushes entries to peer with "safe" semantics: the
	// receiver must skip any name it already has bound.
	ForwardRegistry(ctx context.Context, peer chord.Node, entries map[string]string) error
	// Probe checks whether peer's naming daemon is reachable and currently
	// active. Used by a passive daemon to decide whether its last-known
	// owner is still alive before re-promoting itself.
	Probe(ctx context.Context, peer chord.Node) (active bool, err error)
}

// DHT is the minimal backup-store surface the naming daemon needs; *dht.Service
// satisfies it directly.
type DHT interface {
	Insert(ctx context.Context, key string, data []byte) error
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
}

// Delegate is a (start, stop) callback pair a component registers for a
// name. When the daemon learns that a name previously bound to a now-dead
// endpoint is free, or this daemon has just taken over as a name's owner,
// it invokes Start; when this daemon steps down or the binding moves away,
// it invokes Stop. internal/master uses this to become active only on the
// node that currently owns the "master" name.
type Delegate struct {
	Start func()
	Stop  func()
}

// Config holds the contest and mirroring cadence.
type Config struct {
	ContestEvery time.Duration // T_ns, default 10ms
	BackupEvery  time.Duration // T_ns_backup, default 5s
	Policy       rpcutil.Policy
}

func DefaultConfig() Config {
	return Config{
		ContestEvery: 10 * time.Millisecond,
		BackupEvery:  5 * time.Second,
		Policy:       rpcutil.DefaultPolicy(),
	}
}

// Daemon is one node's naming service instance.
type Daemon struct {
	self chord.Node
	cfg  Config
	tr   Transport
	dht  DHT
	log  *log.Logger

	mu       sync.RWMutex
	active   bool
	registry map[string]string
	owner    chord.Node // current active daemon, self if active

	delegMu   sync.RWMutex
	delegates map[string]Delegate

	alive chan struct{}
	wg    sync.WaitGroup
}

func New(self chord.Node, cfg Config, tr Transport, dht DHT, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.Default()
	}
	return &Daemon{
		self:      self,
		cfg:       cfg,
		tr:        tr,
		dht:       dht,
		log:       logger,
		active:    true,
		owner:     self,
		registry:  make(map[string]string),
		delegates: make(map[string]Delegate),
		alive:     make(chan struct{}),
	}
}

// IsLocal reports whether this node currently holds the naming lead.
func (d *Daemon) IsLocal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Bootstrap attempts to recover a registry from the DHT backup key; called
// once at startup before the contest loop begins, mirroring
// NameServer.start()'s implicit assumption that a freshly-elected daemon
// should not start from an empty registry if one was backed up.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	raw, found, err := d.dht.Lookup(ctx, BackupKey)
	if err != nil {
		return fmt.Errorf("naming: bootstrap lookup: %w", err)
	}
	if !found {
		return nil
	}
	var snapshot map[string]string
	if err := yaml.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("naming: bootstrap decode: %w", err)
	}
	d.mu.Lock()
	d.registry = snapshot
	d.mu.Unlock()
	return nil
}

// Register binds name to endpoint. If safe is true and name is already
// bound, the call is a no-op — the "safe=true" semantics used during
// registry forwarding so a winner never clobbers a binding it already has.
func (d *Daemon) Register(name, endpoint string, safe bool) {
	d.mu.Lock()
	_, exists := d.registry[name]
	if safe && exists {
		d.mu.Unlock()
		return
	}
	prevDead := !exists
	d.registry[name] = endpoint
	d.mu.Unlock()

	if prevDead {
		d.runStart(name)
	}
}

// Unregister removes a binding, e.g. when a component cleanly shuts down.
func (d *Daemon) Unregister(name string) {
	d.mu.Lock()
	delete(d.registry, name)
	d.mu.Unlock()
	d.runStop(name)
}

// Lookup resolves name to its bound endpoint.
func (d *Daemon) Lookup(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.registry[name]
	return ep, ok
}

// List returns a copy of the full registry, used for registry forwarding
// during a lost contest.
func (d *Daemon) List() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.registry))
	for k, v := range d.registry {
		out[k] = v
	}
	return out
}

// RegisterDelegate installs a (start, stop) pair for name; if the name is
// already bound locally, Start fires immediately.
func (d *Daemon) RegisterDelegate(name string, deleg Delegate) {
	d.delegMu.Lock()
	d.delegates[name] = deleg
	d.delegMu.Unlock()

	d.mu.RLock()
	_, bound := d.registry[name]
	d.mu.RUnlock()
	if bound {
		d.runStart(name)
	}
}

func (d *Daemon) runStart(name string) {
	d.delegMu.RLock()
	deleg, ok := d.delegates[name]
	d.delegMu.RUnlock()
	if ok && deleg.Start != nil {
		deleg.Start()
	}
}

func (d *Daemon) runStop(name string) {
	d.delegMu.RLock()
	deleg, ok := d.delegates[name]
	d.delegMu.RUnlock()
	if ok && deleg.Stop != nil {
		deleg.Stop()
	}
}

// contestOnce runs one tick of the election protocol. An active daemon
// looks for a contesting remote daemon and steps down if outranked; a
// passive daemon instead checks whether its known owner is still alive and
// promotes itself if not, mirroring nameserver.py's refresh_nameserver
// running the same check regardless of which side of the election a daemon
// currently sits on.
func (d *Daemon) contestOnce(ctx context.Context) {
	d.mu.RLock()
	wasActive := d.active
	owner := d.owner
	d.mu.RUnlock()
	if !wasActive {
		d.contestAsPassive(ctx, owner)
		return
	}

	peer, ok, err := d.tr.Discover(ctx)
	if err != nil || !ok {
		return
	}
	if peer.ID.Equal(d.self.ID) {
		return
	}
	if peer.ID.Cmp(d.self.ID) <= 0 {
		// We still outrank the contesting peer.
		return
	}

	entries := d.List()
	err = rpcutil.Call(ctx, peer.Endpoint, d.cfg.Policy, func(callCtx context.Context) error {
		return d.tr.ForwardRegistry(callCtx, peer, entries)
	})
	if err != nil {
		d.log.Printf("naming: forward registry to %s failed, staying active: %v", peer.Endpoint, err)
		return
	}

	d.log.Printf("naming: contested by %s, stepping down: %v", peer.Endpoint, rpcutil.ErrNameConflict)
	d.mu.Lock()
	d.active = false
	d.owner = peer
	names := make([]string, 0, len(d.registry))
	for n := range d.registry {
		names = append(names, n)
	}
	d.mu.Unlock()

	for _, n := range names {
		d.runStop(n)
	}
}

// contestAsPassive implements the "previously-known remote is unreachable"
// half of the election protocol: it probes the last-known owner, and if the
// owner is unreachable and no higher-ranked active daemon answers the
// broadcast either, promotes this daemon back to active, reloading the
// registry from the DHT backup so it doesn't resume with a stale or empty
// view of who is bound to what.
func (d *Daemon) contestAsPassive(ctx context.Context, owner chord.Node) {
	if owner.ID.Equal(d.self.ID) {
		return
	}
	if active, err := d.tr.Probe(ctx, owner); err == nil && active {
		return
	}

	if peer, ok, err := d.tr.Discover(ctx); err == nil && ok &&
		!peer.ID.Equal(d.self.ID) && peer.ID.Cmp(d.self.ID) > 0 {
		return // A higher-ranked daemon answered; let it win instead.
	}

	d.log.Printf("naming: owner %s unreachable, promoting self", owner.Endpoint)
	if err := d.Bootstrap(ctx); err != nil {
		d.log.Printf("naming: bootstrap during promotion: %v", err)
	}

	d.mu.Lock()
	d.active = true
	d.owner = d.self
	names := make([]string, 0, len(d.registry))
	for n := range d.registry {
		names = append(names, n)
	}
	d.mu.Unlock()

	for _, n := range names {
		d.runStart(n)
	}
}

// ReceiveForwarded is invoked on the winning side by the RPC handler when a
// losing daemon forwards its registry; bindings are merged with safe=true
// semantics.
func (d *Daemon) ReceiveForwarded(entries map[string]string) {
	for name, endpoint := range entries {
		d.Register(name, endpoint, true)
	}
}

func (d *Daemon) mirrorOnce(ctx context.Context) {
	if !d.IsLocal() {
		return
	}
	snapshot := d.List()
	raw, err := yaml.Marshal(snapshot)
	if err != nil {
		d.log.Printf("naming: marshal backup: %v", err)
		return
	}
	if err := d.dht.Insert(ctx, BackupKey, raw); err != nil {
		d.log.Printf("naming: write backup: %v", err)
	}
}

// refreshOnce is mirrorOnce's passive-side counterpart: since only the
// active daemon's registry is authoritative and reachable locally, every
// other daemon pulls its backed-up snapshot on the same cadence so that
// Lookup resolves names bound by the leader instead of only names this
// daemon happened to learn through a forwarded registry. Entries are
// merged with safe=true so a name this daemon already knows about (e.g.
// one it forwarded itself while stepping down) isn't clobbered.
func (d *Daemon) refreshOnce(ctx context.Context) {
	if d.IsLocal() {
		return
	}
	raw, found, err := d.dht.Lookup(ctx, BackupKey)
	if err != nil {
		d.log.Printf("naming: refresh lookup: %v", err)
		return
	}
	if !found {
		return
	}
	var snapshot map[string]string
	if err := yaml.Unmarshal(raw, &snapshot); err != nil {
		d.log.Printf("naming: refresh decode: %v", err)
		return
	}
	for name, endpoint := range snapshot {
		d.Register(name, endpoint, true)
	}
}

// syncBackup runs the side of the backup protocol appropriate to this
// daemon's current role: the active daemon mirrors its registry out, every
// other daemon refreshes its own view from what the active daemon last
// wrote.
func (d *Daemon) syncBackup(ctx context.Context) {
	if d.IsLocal() {
		d.mirrorOnce(ctx)
		return
	}
	d.refreshOnce(ctx)
}

// Run starts the contest and registry-mirroring loops in the background and
// returns at once; the loops run until Stop is called or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.wg.Add(2)
	go d.loop(ctx, d.cfg.ContestEvery, d.contestOnce)
	go d.loop(ctx, d.cfg.BackupEvery, d.syncBackup)
}

func (d *Daemon) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer d.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-d.alive:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

// Stop halts the contest and mirroring loops.
func (d *Daemon) Stop() {
	select {
	case <-d.alive:
	default:
		close(d.alive)
	}
	d.wg.Wait()
}
