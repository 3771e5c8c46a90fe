package follower

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chordreduce/internal/kernel"

	"github.com/stretchr/testify/require"
)

type fakeNaming struct {
	mu       sync.Mutex
	bindings map[string]string
}

func newFakeNaming(master string) *fakeNaming {
	return &fakeNaming{bindings: map[string]string{"master": master}}
}

func (n *fakeNaming) Lookup(name string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.bindings[name]
	return v, ok
}

func (n *fakeNaming) rebind(name, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindings[name] = addr
}

type fakeMaster struct {
	mu          sync.Mutex
	subscribed  []string
	reports     []report
	failSubs    map[string]bool
	failReports bool
}

type report struct {
	taskID        string
	phase         Phase
	mapResult     []kernel.KeyValue
	reduceResult  string
	failed        bool
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{failSubs: make(map[string]bool)}
}

func (m *fakeMaster) Subscribe(ctx context.Context, master, self string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSubs[master] {
		return errors.New("subscribe refused")
	}
	m.subscribed = append(m.subscribed, self)
	return nil
}

func (m *fakeMaster) ReportTask(ctx context.Context, master, self, taskID string, phase Phase, mapResult []kernel.KeyValue, reduceResult string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReports {
		return errors.New("report refused")
	}
	m.reports = append(m.reports, report{taskID, phase, mapResult, reduceResult, failed})
	return nil
}

func TestDoRunsMapKernelAndReports(t *testing.T) {
	mm := newFakeMaster()
	nm := newFakeNaming("master@127.0.0.1:9300")
	f := New("follower@127.0.0.1:9400", DefaultConfig(), mm, nm, nil)

	err := f.Do(context.Background(), "0", Mapping, "wordcount", []kernel.KeyValue{{Key: "0", Value: "foo foo bar"}}, "", nil)
	require.NoError(t, err)

	require.Len(t, mm.reports, 1)
	require.False(t, mm.reports[0].failed)
	require.Len(t, mm.reports[0].mapResult, 3)
}

func TestDoRunsReduceKernelAndReports(t *testing.T) {
	mm := newFakeMaster()
	nm := newFakeNaming("master@127.0.0.1:9300")
	f := New("follower@127.0.0.1:9400", DefaultConfig(), mm, nm, nil)

	err := f.Do(context.Background(), "foo", Reducing, "wordcount", nil, "foo", []string{"1", "1", "1"})
	require.NoError(t, err)

	require.Len(t, mm.reports, 1)
	require.Equal(t, "3", mm.reports[0].reduceResult)
}

func TestDoReportsFailureForUnknownKernel(t *testing.T) {
	mm := newFakeMaster()
	nm := newFakeNaming("master@127.0.0.1:9300")
	f := New("follower@127.0.0.1:9400", DefaultConfig(), mm, nm, nil)

	err := f.Do(context.Background(), "0", Mapping, "does-not-exist", []kernel.KeyValue{{Key: "0", Value: "x"}}, "", nil)
	require.Error(t, err)
	require.Len(t, mm.reports, 1)
	require.True(t, mm.reports[0].failed)
}

func TestResolveMasterResubscribesOnChange(t *testing.T) {
	mm := newFakeMaster()
	nm := newFakeNaming("master@127.0.0.1:9300")
	f := New("follower@127.0.0.1:9400", DefaultConfig(), mm, nm, nil)

	_, err := f.resolveMaster(context.Background())
	require.NoError(t, err)
	require.Len(t, mm.subscribed, 1)

	nm.rebind("master", "master@127.0.0.1:9301")
	_, err = f.resolveMaster(context.Background())
	require.NoError(t, err)
	require.Len(t, mm.subscribed, 2)

	// unchanged master: no redundant subscribe
	_, err = f.resolveMaster(context.Background())
	require.NoError(t, err)
	require.Len(t, mm.subscribed, 2)
}
