package httprpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/dht"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/follower"
	"chordreduce/internal/kernel"
	"chordreduce/internal/master"
	"chordreduce/internal/naming"
	"chordreduce/internal/request"
	"chordreduce/internal/rpcutil"
	"chordreduce/internal/transport/httprpc"

	"github.com/stretchr/testify/require"
)

func testPolicy() rpcutil.Policy {
	return rpcutil.Policy{Timeout: 200 * time.Millisecond, MaxRetries: 1}
}

// ─── DHT routes ─────────────────────────────────────────────────────────────

func TestDHTRoutesRoundTripOverHTTP(t *testing.T) {
	client := httprpc.New(time.Second)
	ts := httptest.NewServer(nil)
	defer ts.Close()

	self := chord.NewNode(ts.Listener.Addr().String())
	node := chord.New(self, chord.Config{FingerTableSize: 8, ReplicationSize: 1, RequestPolicy: testPolicy()}, client, nil)
	localStore, err := store.New(t.TempDir())
	require.NoError(t, err)
	svc := dht.New(node, localStore, client, chord.Config{ReplicationSize: 1, RequestPolicy: testPolicy()}, nil)

	ts.Config.Handler = (&httprpc.Server{Chord: node, DHT: svc}).Router()

	ctx := context.Background()
	require.NoError(t, node.Join(ctx, nil))

	require.NoError(t, client.InsertRemote(ctx, self, "greeting", []byte("hello")))

	data, found, err := client.LookupRemote(ctx, self, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", string(data))

	keys, err := client.ListKeysRemote(ctx, self)
	require.NoError(t, err)
	require.Contains(t, keys, "greeting")

	v, found, err := client.FetchRemote(ctx, self, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", string(v.Data))
}

// ─── Naming routes ──────────────────────────────────────────────────────────

func TestNamingRoutesRoundTripOverHTTP(t *testing.T) {
	self := chord.NewNode("self@127.0.0.1:1")
	fakeDHT := &fakeNamingDHT{}
	daemon := naming.New(self, naming.DefaultConfig(), &noopNamingTransport{}, fakeDHT, nil)

	ts := httptest.NewServer((&httprpc.Server{Naming: daemon}).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/naming/identify")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Active bool `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Active)

	payload, err := json.Marshal(map[string]string{"master": "10.0.0.9:8008"})
	require.NoError(t, err)
	resp2, err := http.Post(ts.URL+"/naming/forward", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNoContent, resp2.StatusCode)

	endpoint, ok := daemon.Lookup("master")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9:8008", endpoint)
}

type noopNamingTransport struct{}

func (noopNamingTransport) Discover(ctx context.Context) (chord.Node, bool, error) {
	return chord.Node{}, false, nil
}

func (noopNamingTransport) ForwardRegistry(ctx context.Context, peer chord.Node, entries map[string]string) error {
	return nil
}

func (noopNamingTransport) Probe(ctx context.Context, peer chord.Node) (bool, error) {
	return false, nil
}

type fakeNamingDHT struct{}

func (*fakeNamingDHT) Insert(ctx context.Context, key string, data []byte) error { return nil }

func (*fakeNamingDHT) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

// ─── Master routes ──────────────────────────────────────────────────────────

func TestMasterRoutesRoundTripOverHTTP(t *testing.T) {
	fakeDHT := &fakeNamingDHT{}
	noopTr := &noopMasterTransport{}
	m := master.New("self@127.0.0.1:1", master.DefaultConfig(), fakeDHT, noopTr, nil)

	ts := httptest.NewServer((&httprpc.Server{Master: m}).Router())
	defer ts.Close()

	sub, err := json.Marshal(map[string]string{"follower": "10.0.0.5:9000"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/master/subscribe", "application/json", bytes.NewReader(sub))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	report := map[string]any{
		"follower":   "10.0.0.5:9000",
		"task_id":    "0",
		"phase":      "mapping",
		"map_result": []kernel.KeyValue{{Key: "foo", Value: "1"}},
	}
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	resp2, err := http.Post(ts.URL+"/master/report", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp2.Body.Close()
	// The reported task id 0 was never assigned, so the Master rejects it —
	// confirms the route wires ReportTask's error back out as a 500.
	require.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

type noopMasterTransport struct{}

func (noopMasterTransport) Dispatch(ctx context.Context, follower, taskID string, phase master.State, kernelName string, input master.MapTask, reduceInput master.ReduceTask) error {
	return nil
}

func (noopMasterTransport) Ping(ctx context.Context, follower string) error { return nil }

func (noopMasterTransport) NotifyClient(ctx context.Context, clientAddr string, results []kernel.KeyValue) error {
	return nil
}

// ─── Follower routes ────────────────────────────────────────────────────────

func TestFollowerDoRouteAcceptsAndRunsAsync(t *testing.T) {
	reported := make(chan struct{}, 1)
	tr := &recordingFollowerTransport{reported: reported}
	nm := &fakeFollowerNaming{master: "10.0.0.1:8008"}
	f := follower.New("self@127.0.0.1:1", follower.DefaultConfig(), tr, nm, nil)

	ts := httptest.NewServer((&httprpc.Server{Follower: f}).Router())
	defer ts.Close()

	body := map[string]any{
		"task_id":     "0",
		"phase":       "mapping",
		"kernel":      "wordcount",
		"map_records": []kernel.KeyValue{{Key: "0", Value: "foo bar foo"}},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/follower/do", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("follower never reported task completion")
	}
	require.Equal(t, []kernel.KeyValue{{Key: "foo", Value: "1"}, {Key: "bar", Value: "1"}, {Key: "foo", Value: "1"}}, tr.lastResult)
}

type recordingFollowerTransport struct {
	reported   chan struct{}
	lastResult []kernel.KeyValue
}

func (r *recordingFollowerTransport) Subscribe(ctx context.Context, master, self string) error {
	return nil
}

func (r *recordingFollowerTransport) ReportTask(ctx context.Context, master, self, taskID string, phase follower.Phase, mapResult []kernel.KeyValue, reduceResult string, failed bool) error {
	r.lastResult = mapResult
	r.reported <- struct{}{}
	return nil
}

type fakeFollowerNaming struct{ master string }

func (f *fakeFollowerNaming) Lookup(name string) (string, bool) { return f.master, true }

// ─── Request routes ─────────────────────────────────────────────────────────

func TestRequestStartupRouteStagesJob(t *testing.T) {
	fakeDHT := newMemDHT()
	h := request.New(fakeDHT)

	ts := httptest.NewServer((&httprpc.Server{Request: h}).Router())
	defer ts.Close()

	body := map[string]any{
		"client_addr": "10.0.0.7:9100",
		"kernel":      "wordcount",
		"data":        []string{"foo bar"},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/request/startup", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, []byte("wordcount"), fakeDHT.data[master.StagedMapCode])
	require.Equal(t, []byte("10.0.0.7:9100"), fakeDHT.data[master.StagedClient])

	// A second submission while the first is still staged is rejected.
	resp2, err := http.Post(ts.URL+"/request/startup", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusConflict, resp2.StatusCode)
}

type memDHT struct{ data map[string][]byte }

func newMemDHT() *memDHT { return &memDHT{data: make(map[string][]byte)} }

func (m *memDHT) Insert(ctx context.Context, key string, data []byte) error {
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memDHT) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}
