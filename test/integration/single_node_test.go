// Package integration exercises a full single-node ring end to end over
// real HTTP: chord membership, the DHT, the naming election, the Master,
// a Follower, the request-handler, and the mrclient SDK all wired exactly
// as cmd/chordreduce wires them, submitting a real wordcount job and
// checking the notified results.
package integration

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/dht"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/follower"
	"chordreduce/internal/master"
	"chordreduce/internal/mrclient"
	"chordreduce/internal/naming"
	"chordreduce/internal/request"
	"chordreduce/internal/rpcutil"
	"chordreduce/internal/transport/httprpc"

	"github.com/stretchr/testify/require"
)

type node struct {
	self     string
	ln       net.Listener
	srv      *http.Server
	chord    *chord.ChordNode
	dht      *dht.Service
	naming   *naming.Daemon
	master   *master.Master
	follower *follower.Follower
}

func startNode(t *testing.T, bootstrap *chord.Node) *node {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	self := ln.Addr().String()

	dataDir := t.TempDir()
	localStore, err := store.New(dataDir)
	require.NoError(t, err)

	fastPolicy := rpcutil.Policy{Timeout: 200 * time.Millisecond, MaxRetries: 2}

	rpcClient := httprpc.New(fastPolicy.Timeout)
	selfNode := chord.NewNode(self)

	chordCfg := chord.Config{
		ReplicationSize: 1,
		FingerTableSize: 16,
		StabilizeEvery:  20 * time.Millisecond,
		RecheckEvery:    20 * time.Millisecond,
		RequestPolicy:   fastPolicy,
	}
	chordNode := chord.New(selfNode, chordCfg, rpcClient, nil)

	dhtService := dht.New(chordNode, localStore, rpcClient, chordCfg, nil)
	namingClient := httprpc.NewNamingClient(rpcClient, chordNode.GetSuccessorList)
	namingCfg := naming.Config{ContestEvery: 10 * time.Millisecond, BackupEvery: time.Second, Policy: fastPolicy}
	namingDaemon := naming.New(selfNode, namingCfg, namingClient, dhtService, nil)

	masterCfg := master.Config{
		DispatchEvery: 10 * time.Millisecond,
		BackupEvery:   50 * time.Millisecond,
		TaskMaxAge:    time.Second,
		TaskRetryCap:  2,
		ItemsPerChunk: 16,
		RequestPolicy: fastPolicy,
	}
	masterInst := master.New(self, masterCfg, dhtService, httprpc.NewMasterRPC(rpcClient), nil)

	followerCfg := follower.Config{RequestPolicy: fastPolicy, RetryCap: 2}
	followerInst := follower.New(self, followerCfg, httprpc.NewFollowerRPC(rpcClient), namingDaemon, nil)

	requestHandler := request.New(dhtService)

	server := &httprpc.Server{
		Chord:    chordNode,
		DHT:      dhtService,
		Naming:   namingDaemon,
		Master:   masterInst,
		Follower: followerInst,
		Request:  requestHandler,
	}
	httpSrv := &http.Server{Handler: server.Router()}
	go httpSrv.Serve(ln)

	return &node{
		self: self, ln: ln, srv: httpSrv,
		chord: chordNode, dht: dhtService, naming: namingDaemon,
		master: masterInst, follower: followerInst,
	}
}

func TestSingleNodeWordCountJob(t *testing.T) {
	n := startNode(t, nil)
	defer n.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, n.chord.Join(ctx, nil))
	n.chord.Run(ctx)
	n.naming.Run(ctx)
	defer n.chord.Stop()
	defer n.naming.Stop()

	n.naming.RegisterDelegate("master", naming.Delegate{Start: n.master.Start, Stop: n.master.Stop})
	n.naming.Register("master", n.self, false)

	go n.follower.RunHeartbeat(ctx, 10*time.Millisecond)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	clientSelf := clientLn.Addr().String()
	clientLn.Close() // mrclient.Startup opens its own listener on this address

	c := mrclient.New(clientSelf, n.self, 5*time.Second)
	defer c.Close()

	require.Eventually(t, func() bool {
		_, ok := n.naming.Lookup("master")
		return ok
	}, 2*time.Second, 5*time.Millisecond, "master never registered")

	require.NoError(t, c.Startup(ctx, "wordcount", []string{"foo foo bar", "baz foo"}))

	results, err := c.AwaitResults(ctx)
	require.NoError(t, err)

	counts := map[string]string{}
	for _, kv := range results {
		counts[kv.Key] = kv.Value
	}
	require.Equal(t, "3", counts["foo"])
	require.Equal(t, "1", counts["bar"])
	require.Equal(t, "1", counts["baz"])
}
