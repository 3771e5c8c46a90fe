// cmd/chordreduce is the entry point for a single ring node: it can serve
// every role (chord, dht, naming, master, follower, request-handler) off
// one listener, the way cmd/server wires a distributed-kvstore node's
// storage, cluster membership, and API layer together in one process.
//
// Example — bootstrap a fresh ring:
//
//	./chordreduce --self 10.0.0.4:8008 --data-dir /var/chordreduce/n1
//
// Example — join an existing ring:
//
//	./chordreduce --self 10.0.0.5:8008 --bootstrap 10.0.0.4:8008 \
//	              --data-dir /var/chordreduce/n2
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chordreduce/internal/chord"
	"chordreduce/internal/config"
	"chordreduce/internal/dht"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/follower"
	"chordreduce/internal/master"
	"chordreduce/internal/naming"
	"chordreduce/internal/netutil"
	"chordreduce/internal/request"
	"chordreduce/internal/transport/httprpc"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		self       string
		listen     string
		bootstrap  string
		dataDir    string
	)

	root := &cobra.Command{
		Use:   "chordreduce",
		Short: "A ring node serving chord routing, the DHT, naming, the MapReduce master, and a follower",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if self != "" {
				cfg.Self = self
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if bootstrap != "" {
				cfg.Bootstrap = bootstrap
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if cfg.Self == "" {
				ip, err := netutil.LocalIP()
				if err != nil {
					return fmt.Errorf("no --self given and local IP could not be determined: %w", err)
				}
				cfg.Self = fmt.Sprintf("%s:8008", ip)
			}
			if cfg.Listen == "" {
				cfg.Listen = cfg.Self
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&self, "self", "", "this node's advertised endpoint, host:port")
	root.Flags().StringVar(&listen, "listen", "", "bind address, defaults to --self")
	root.Flags().StringVar(&bootstrap, "bootstrap", "", "an existing ring member's endpoint to join through")
	root.Flags().StringVar(&dataDir, "data-dir", "", "directory for the local DHT shard")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	instanceID := uuid.New().String()
	logger := log.New(os.Stdout, fmt.Sprintf("[%s instance=%s] ", cfg.Self, instanceID[:8]), log.LstdFlags)

	selfNode := chord.NewNode(cfg.Self)

	localStore, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rpcClient := httprpc.New(cfg.Chord.RequestTimeout)

	chordNode := chord.New(selfNode, cfg.ToChordConfig(), rpcClient, logger)
	dhtService := dht.New(chordNode, localStore, rpcClient, cfg.ToChordConfig(), logger)
	namingClient := httprpc.NewNamingClient(rpcClient, chordNode.GetSuccessorList)
	namingDaemon := naming.New(selfNode, cfg.ToNamingConfig(), namingClient, dhtService, logger)

	masterInst := master.New(cfg.Self, cfg.ToMasterConfig(), dhtService, httprpc.NewMasterRPC(rpcClient), logger)
	followerInst := follower.New(cfg.Self, cfg.ToFollowerConfig(), httprpc.NewFollowerRPC(rpcClient), namingDaemon, logger)
	requestHandler := request.New(dhtService)

	namingDaemon.RegisterDelegate("master", naming.Delegate{Start: masterInst.Start, Stop: masterInst.Stop})
	if cfg.Bootstrap == "" {
		// First node in the ring: nobody will ever forward a "master"
		// registration to us, so we must seed our own.
		namingDaemon.Register("master", cfg.Self, false)
	}

	server := &httprpc.Server{
		Chord:    chordNode,
		DHT:      dhtService,
		Naming:   namingDaemon,
		Master:   masterInst,
		Follower: followerInst,
		Request:  requestHandler,
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bootstrapNode *chord.Node
	if cfg.Bootstrap != "" {
		n := chord.NewNode(cfg.Bootstrap)
		bootstrapNode = &n
	}
	if err := chordNode.Join(ctx, bootstrapNode); err != nil {
		return fmt.Errorf("join ring: %w", err)
	}

	if err := namingDaemon.Bootstrap(ctx); err != nil {
		logger.Printf("naming: bootstrap from backup failed, starting with empty registry: %v", err)
	}

	chordNode.Run(ctx)
	namingDaemon.Run(ctx)
	go followerInst.RunHeartbeat(ctx, cfg.Naming.ContestEvery*10)

	go func() {
		logger.Printf("listening on %s (self=%s bootstrap=%q)", cfg.Listen, cfg.Self, cfg.Bootstrap)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down")
	chordNode.Stop()
	namingDaemon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
