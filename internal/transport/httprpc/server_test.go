package httprpc_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/ringid"
	"chordreduce/internal/rpcutil"
	"chordreduce/internal/transport/httprpc"

	"github.com/stretchr/testify/require"
)

func newTestChordServer(t *testing.T, client *httprpc.Client) (*httptest.Server, *chord.ChordNode) {
	t.Helper()
	ts := httptest.NewServer(nil)
	self := chord.NewNode(ts.Listener.Addr().String())
	node := chord.New(self, chord.Config{
		FingerTableSize: 8,
		RequestPolicy:   rpcutil.Policy{Timeout: 200 * time.Millisecond, MaxRetries: 1},
	}, client, nil)
	server := &httprpc.Server{Chord: node}
	ts.Config.Handler = server.Router()
	return ts, node
}

func TestChordRoutesRoundTripOverHTTP(t *testing.T) {
	client := httprpc.New(time.Second)
	ts, node := newTestChordServer(t, client)
	defer ts.Close()

	ctx := context.Background()
	require.NoError(t, node.Join(ctx, nil))

	peer := node.Self()

	succ, err := client.FindSuccessor(ctx, peer, ringid.HashString("some-key"))
	require.NoError(t, err)
	require.Equal(t, peer.Endpoint, succ.Endpoint)

	other := chord.NewNode("other@127.0.0.1:9999")
	require.NoError(t, client.Notify(ctx, peer, other))

	pred, ok, err := client.GetPredecessor(ctx, peer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other.Endpoint, pred.Endpoint)

	list, err := client.GetSuccessorList(ctx, peer)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, peer.Endpoint, list[0].Endpoint)

	require.NoError(t, client.Ping(ctx, peer))
}

func TestHealthzAlwaysMounted(t *testing.T) {
	server := &httprpc.Server{}
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	client := httprpc.New(time.Second)
	master := httprpc.NewMasterRPC(client)
	require.NoError(t, master.Ping(context.Background(), ts.Listener.Addr().String()))
}
