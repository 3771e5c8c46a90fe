package httprpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/follower"
	"chordreduce/internal/kernel"
	"chordreduce/internal/master"
	"chordreduce/internal/ringid"
)

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999Z07:00", s)
}

// Client is the http.Client-backed implementation of chord.Transport and
// dht.Transport; NamingClient, MasterRPC and FollowerRPC wrap it to provide
// naming.Transport, master.Transport and follower.MasterTransport — one small
// HTTP SDK per endpoint, in the shape of distributed-kvstore's
// internal/client.Client.
type Client struct {
	http *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

func (c *Client) url(endpoint, path string) string {
	return fmt.Sprintf("http://%s%s", endpoint, path)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httprpc: %s %s: status %d: %s", method, url, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ─── chord.Transport ────────────────────────────────────────────────────────

func (c *Client) FindSuccessor(ctx context.Context, peer chord.Node, id ringid.ID) (chord.Node, error) {
	var out nodeDTO
	err := c.doJSON(ctx, http.MethodPost, c.url(peer.Endpoint, "/chord/find-successor"), map[string]string{"id": id.String()}, &out)
	if err != nil {
		return chord.Node{}, err
	}
	return fromNodeDTO(out)
}

func (c *Client) Notify(ctx context.Context, peer chord.Node, candidate chord.Node) error {
	return c.doJSON(ctx, http.MethodPost, c.url(peer.Endpoint, "/chord/notify"), toNodeDTO(candidate), nil)
}

func (c *Client) GetPredecessor(ctx context.Context, peer chord.Node) (chord.Node, bool, error) {
	var out struct {
		Node nodeDTO `json:"node"`
		OK   bool    `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/chord/predecessor"), nil, &out); err != nil {
		return chord.Node{}, false, err
	}
	n, err := fromNodeDTO(out.Node)
	if err != nil {
		return chord.Node{}, false, err
	}
	return n, out.OK, nil
}

func (c *Client) GetSuccessorList(ctx context.Context, peer chord.Node) ([]chord.Node, error) {
	var out struct {
		Nodes []nodeDTO `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/chord/successors"), nil, &out); err != nil {
		return nil, err
	}
	nodes := make([]chord.Node, 0, len(out.Nodes))
	for _, d := range out.Nodes {
		n, err := fromNodeDTO(d)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *Client) Ping(ctx context.Context, peer chord.Node) error {
	return c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/chord/ping"), nil, nil)
}

// ─── dht.Transport ──────────────────────────────────────────────────────────

func (c *Client) InsertRemote(ctx context.Context, peer chord.Node, key string, data []byte) error {
	return c.doJSON(ctx, http.MethodPost, c.url(peer.Endpoint, "/dht/insert"), map[string]string{
		"key": key, "data": base64.StdEncoding.EncodeToString(data),
	}, nil)
}

func (c *Client) LookupRemote(ctx context.Context, peer chord.Node, key string) ([]byte, bool, error) {
	var out struct {
		Found bool   `json:"found"`
		Data  string `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/dht/lookup/"+key), nil, &out); err != nil {
		return nil, false, err
	}
	if !out.Found {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data)
	return raw, true, err
}

func (c *Client) ReplicateRemote(ctx context.Context, peer chord.Node, key string, v store.Value) error {
	return c.doJSON(ctx, http.MethodPost, c.url(peer.Endpoint, "/dht/replicate"), map[string]any{
		"key": key, "value": toValueDTO(v),
	}, nil)
}

func (c *Client) ListKeysRemote(ctx context.Context, peer chord.Node) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/dht/keys"), nil, &out)
	return out.Keys, err
}

func (c *Client) FetchRemote(ctx context.Context, peer chord.Node, key string) (store.Value, bool, error) {
	var out struct {
		Found bool     `json:"found"`
		Value valueDTO `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.url(peer.Endpoint, "/dht/fetch/"+key), nil, &out); err != nil {
		return store.Value{}, false, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.Value.Data)
	if err != nil {
		return store.Value{}, false, err
	}
	updatedAt, err := parseTime(out.Value.UpdatedAt)
	if err != nil {
		return store.Value{}, false, err
	}
	v := store.Value{Data: raw, WriteSeq: out.Value.WriteSeq, Tombstone: out.Value.Tombstone, UpdatedAt: updatedAt}
	return v, out.Found, nil
}

// ─── naming.Transport ───────────────────────────────────────────────────────

// NamingClient discovers a contesting rival by probing the candidate
// endpoints returned by PeerSource (the local chord ring's successor list),
// favouring the highest-ranked active daemon found — mirroring
// nameserver.py's broadcast-style _locate_nameserver.
type NamingClient struct {
	base       *Client
	PeerSource func() []chord.Node
}

func NewNamingClient(base *Client, peerSource func() []chord.Node) *NamingClient {
	return &NamingClient{base: base, PeerSource: peerSource}
}

func (n *NamingClient) Discover(ctx context.Context) (chord.Node, bool, error) {
	peers := n.PeerSource()
	var active []chord.Node
	for _, p := range peers {
		var out struct {
			Active bool `json:"active"`
		}
		if err := n.base.doJSON(ctx, http.MethodGet, n.base.url(p.Endpoint, "/naming/identify"), nil, &out); err != nil {
			continue
		}
		if out.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return chord.Node{}, false, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID.Cmp(active[j].ID) > 0 })
	return active[0], true, nil
}

func (n *NamingClient) ForwardRegistry(ctx context.Context, peer chord.Node, entries map[string]string) error {
	return n.base.doJSON(ctx, http.MethodPost, n.base.url(peer.Endpoint, "/naming/forward"), entries, nil)
}

// Probe hits the same /naming/identify endpoint Discover uses, but against
// one specific peer rather than the whole successor list — used to check
// whether a previously-known owner is still alive before re-promoting.
func (n *NamingClient) Probe(ctx context.Context, peer chord.Node) (bool, error) {
	var out struct {
		Active bool `json:"active"`
	}
	if err := n.base.doJSON(ctx, http.MethodGet, n.base.url(peer.Endpoint, "/naming/identify"), nil, &out); err != nil {
		return false, err
	}
	return out.Active, nil
}

// ─── master.Transport ───────────────────────────────────────────────────────

// MasterRPC is the Master's outbound call surface toward Followers and the
// submitting client. It wraps Client rather than extending it directly
// because master.Transport.Ping(ctx, follower string) and
// chord.Transport.Ping(ctx, peer chord.Node) would otherwise collide on one
// method name with two incompatible signatures.
type MasterRPC struct {
	base *Client
}

func NewMasterRPC(base *Client) *MasterRPC { return &MasterRPC{base: base} }

func (m *MasterRPC) Dispatch(ctx context.Context, followerAddr string, taskID string, phase master.State, kernelName string, input master.MapTask, reduceInput master.ReduceTask) error {
	return m.base.doJSON(ctx, http.MethodPost, m.base.url(followerAddr, "/follower/do"), map[string]any{
		"task_id":       taskID,
		"phase":         phase,
		"kernel":        kernelName,
		"map_records":   input.Records,
		"reduce_key":    taskID,
		"reduce_values": reduceInput.Values,
	}, nil)
}

func (m *MasterRPC) Ping(ctx context.Context, followerAddr string) error {
	return m.base.doJSON(ctx, http.MethodGet, m.base.url(followerAddr, "/healthz"), nil, nil)
}

func (m *MasterRPC) NotifyClient(ctx context.Context, clientAddr string, results []kernel.KeyValue) error {
	return m.base.doJSON(ctx, http.MethodPost, m.base.url(clientAddr, "/client/notify-results"), results, nil)
}

// ─── follower.MasterTransport ───────────────────────────────────────────────

// FollowerRPC is a Follower's outbound call surface toward the Master it is
// currently subscribed to.
type FollowerRPC struct {
	base *Client
}

func NewFollowerRPC(base *Client) *FollowerRPC { return &FollowerRPC{base: base} }

func (f *FollowerRPC) Subscribe(ctx context.Context, masterAddr, self string) error {
	return f.base.doJSON(ctx, http.MethodPost, f.base.url(masterAddr, "/master/subscribe"), map[string]string{"follower": self}, nil)
}

func (f *FollowerRPC) ReportTask(ctx context.Context, masterAddr, self, taskID string, phase follower.Phase, mapResult []kernel.KeyValue, reduceResult string, failed bool) error {
	return f.base.doJSON(ctx, http.MethodPost, f.base.url(masterAddr, "/master/report"), map[string]any{
		"follower":      self,
		"task_id":       taskID,
		"phase":         phase,
		"map_result":    mapResult,
		"reduce_result": reduceResult,
		"failed":        failed,
	}, nil)
}
