package naming

import (
	"context"
	"sync"
	"testing"

	"chordreduce/internal/chord"

	"github.com/stretchr/testify/require"
)

// fakeDHT is an in-memory stand-in for *dht.Service, sufficient for
// exercising Bootstrap/mirrorOnce without spinning up a real ring.
type fakeDHT struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeDHT() *fakeDHT { return &fakeDHT{data: make(map[string][]byte)} }

func (f *fakeDHT) Insert(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeDHT) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

// fakeDiscovery lets a test control exactly who each daemon discovers.
type fakeDiscovery struct {
	mu          sync.Mutex
	peer        chord.Node
	found       bool
	forwarded   map[string]string
	target      *Daemon
	probeActive bool
	probeErr    error
}

func (f *fakeDiscovery) Discover(ctx context.Context) (chord.Node, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer, f.found, nil
}

func (f *fakeDiscovery) ForwardRegistry(ctx context.Context, peer chord.Node, entries map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = entries
	if f.target != nil {
		f.target.ReceiveForwarded(entries)
	}
	return nil
}

func (f *fakeDiscovery) Probe(ctx context.Context, peer chord.Node) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeActive, f.probeErr
}

func TestRegisterAndLookup(t *testing.T) {
	d := New(chord.NewNode("naming@127.0.0.1:9201"), DefaultConfig(), &fakeDiscovery{}, newFakeDHT(), nil)

	d.Register("master", "rpc@127.0.0.1:9300", false)
	ep, ok := d.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestSafeRegisterDoesNotOverwrite(t *testing.T) {
	d := New(chord.NewNode("naming@127.0.0.1:9201"), DefaultConfig(), &fakeDiscovery{}, newFakeDHT(), nil)

	d.Register("master", "rpc@127.0.0.1:9300", false)
	d.Register("master", "rpc@127.0.0.1:9999", true)

	ep, ok := d.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestDelegateStartFiresOnRegister(t *testing.T) {
	d := New(chord.NewNode("naming@127.0.0.1:9201"), DefaultConfig(), &fakeDiscovery{}, newFakeDHT(), nil)

	started := false
	d.RegisterDelegate("master", Delegate{
		Start: func() { started = true },
		Stop:  func() {},
	})
	require.False(t, started)

	d.Register("master", "rpc@127.0.0.1:9300", false)
	require.True(t, started)
}

func TestContestLosesToHigherID(t *testing.T) {
	lowSelf := chord.NewNode("naming@127.0.0.1:9201")
	highSelf := chord.NewNode("naming@127.0.0.1:9202")
	// Ensure deterministic ordering regardless of hash outcome: swap labels
	// if needed so "low" really has the smaller id.
	if lowSelf.ID.Cmp(highSelf.ID) > 0 {
		lowSelf, highSelf = highSelf, lowSelf
	}

	loser := New(lowSelf, DefaultConfig(), nil, newFakeDHT(), nil)
	winner := New(highSelf, DefaultConfig(), nil, newFakeDHT(), nil)

	stopped := false
	loser.RegisterDelegate("master", Delegate{
		Start: func() {},
		Stop:  func() { stopped = true },
	})
	loser.Register("master", "rpc@127.0.0.1:9300", false)

	disco := &fakeDiscovery{peer: highSelf, found: true, target: winner}
	loser.tr = disco

	loser.contestOnce(context.Background())

	require.False(t, loser.IsLocal())
	require.True(t, stopped)

	ep, ok := winner.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestContestWinsAgainstLowerID(t *testing.T) {
	lowSelf := chord.NewNode("naming@127.0.0.1:9201")
	highSelf := chord.NewNode("naming@127.0.0.1:9202")
	if lowSelf.ID.Cmp(highSelf.ID) > 0 {
		lowSelf, highSelf = highSelf, lowSelf
	}

	winner := New(highSelf, DefaultConfig(), &fakeDiscovery{peer: lowSelf, found: true}, newFakeDHT(), nil)
	winner.contestOnce(context.Background())
	require.True(t, winner.IsLocal())
}

func TestBootstrapLoadsBackup(t *testing.T) {
	dht := newFakeDHT()
	ctx := context.Background()
	require.NoError(t, dht.Insert(ctx, BackupKey, []byte("master: rpc@127.0.0.1:9300\n")))

	d := New(chord.NewNode("naming@127.0.0.1:9201"), DefaultConfig(), &fakeDiscovery{}, dht, nil)
	require.NoError(t, d.Bootstrap(ctx))

	ep, ok := d.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestContestAsPassivePromotesSelfWhenOwnerUnreachable(t *testing.T) {
	self := chord.NewNode("naming@127.0.0.1:9201")
	deadOwner := chord.NewNode("naming@127.0.0.1:9202")
	dht := newFakeDHT()
	require.NoError(t, dht.Insert(context.Background(), BackupKey, []byte("master: rpc@127.0.0.1:9300\n")))

	disco := &fakeDiscovery{probeErr: context.DeadlineExceeded}
	d := New(self, DefaultConfig(), disco, dht, nil)

	started := false
	d.RegisterDelegate("master", Delegate{
		Start: func() { started = true },
		Stop:  func() {},
	})

	// Simulate having already lost a contest to deadOwner.
	d.mu.Lock()
	d.active = false
	d.owner = deadOwner
	d.mu.Unlock()

	d.contestOnce(context.Background())

	require.True(t, d.IsLocal())
	require.True(t, started)
	ep, ok := d.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestContestAsPassiveStaysPutWhenOwnerStillActive(t *testing.T) {
	self := chord.NewNode("naming@127.0.0.1:9201")
	liveOwner := chord.NewNode("naming@127.0.0.1:9202")
	disco := &fakeDiscovery{probeActive: true}
	d := New(self, DefaultConfig(), disco, newFakeDHT(), nil)

	d.mu.Lock()
	d.active = false
	d.owner = liveOwner
	d.mu.Unlock()

	d.contestOnce(context.Background())
	require.False(t, d.IsLocal())
}

func TestRefreshOncePullsBackupWhilePassive(t *testing.T) {
	self := chord.NewNode("naming@127.0.0.1:9201")
	owner := chord.NewNode("naming@127.0.0.1:9202")
	dht := newFakeDHT()
	require.NoError(t, dht.Insert(context.Background(), BackupKey, []byte("master: rpc@127.0.0.1:9300\n")))

	d := New(self, DefaultConfig(), &fakeDiscovery{}, dht, nil)
	d.mu.Lock()
	d.active = false
	d.owner = owner
	d.mu.Unlock()

	d.refreshOnce(context.Background())

	ep, ok := d.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "rpc@127.0.0.1:9300", ep)
}

func TestMirrorOncePersistsRegistry(t *testing.T) {
	dht := newFakeDHT()
	d := New(chord.NewNode("naming@127.0.0.1:9201"), DefaultConfig(), &fakeDiscovery{}, dht, nil)
	d.Register("master", "rpc@127.0.0.1:9300", false)

	d.mirrorOnce(context.Background())

	raw, found, err := dht.Lookup(context.Background(), BackupKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, string(raw), "master")
}
