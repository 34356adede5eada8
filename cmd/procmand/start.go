package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxline/procman/pkg/api"
	"github.com/fluxline/procman/pkg/cluster"
	"github.com/fluxline/procman/pkg/config"
	"github.com/fluxline/procman/pkg/dispatcher"
	"github.com/fluxline/procman/pkg/eventstore"
	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/processmanager"
	"github.com/fluxline/procman/pkg/registry"
	"github.com/fluxline/procman/pkg/types"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start procmand and every router named in --manifest",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringSlice("manifest", nil, "Path(s) to ProcessManager YAML manifests")
	startCmd.Flags().String("data-dir", "./procman-data", "Data directory for the bbolt-backed event store facade")
	startCmd.Flags().Bool("memory", false, "Use the in-memory event store facade instead of bbolt (testing only)")
	startCmd.Flags().String("grpc-addr", "127.0.0.1:9000", "gRPC health/API listen address")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9001", "Prometheus metrics listen address")
	startCmd.Flags().Duration("purge-interval", time.Minute, "How often to purge stale subscriptions registry acks")
	startCmd.Flags().Duration("purge-ttl", time.Hour, "Age at which a per-stream registry ack is purged")
	startCmd.Flags().Bool("cluster", false, "Join a raft cluster and run routers only while leader")
	startCmd.Flags().String("node-id", "node-1", "This replica's raft node id")
	startCmd.Flags().String("raft-bind", "127.0.0.1:9100", "Raft transport bind address")
	startCmd.Flags().Bool("bootstrap", false, "Bootstrap a new raft cluster from this node")
	startCmd.Flags().StringSlice("peer", nil, "Additional raft peers as id=addr (repeatable)")
}

func parsePeers(raw []string) ([]cluster.Peer, error) {
	var peers []cluster.Peer
	for _, p := range raw {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid --peer %q, expected id=addr", p)
		}
		peers = append(peers, cluster.Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	manifestPaths, _ := cmd.Flags().GetStringSlice("manifest")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	useMemory, _ := cmd.Flags().GetBool("memory")
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	purgeInterval, _ := cmd.Flags().GetDuration("purge-interval")
	purgeTTL, _ := cmd.Flags().GetDuration("purge-ttl")

	logger := log.WithComponent("procmand")

	var manifests []config.RouterManifest
	for _, path := range manifestPaths {
		ms, err := config.Load(path)
		if err != nil {
			return err
		}
		manifests = append(manifests, ms...)
	}
	if len(manifests) == 0 {
		manifests = []config.RouterManifest{{
			APIVersion: "v1",
			Kind:       "ProcessManager",
			Metadata:   config.Metadata{Name: "order-fulfillment"},
		}}
	}

	// The registry purge loop is replica-wide, so it runs at the
	// smallest of --purge-ttl and every manifest-level ackTTL; a manifest
	// ackTTL longer than the flag does not lengthen it.
	for _, m := range manifests {
		ttl, err := m.Spec.ResolveAckTTL()
		if err != nil {
			return err
		}
		if ttl > 0 && (purgeTTL <= 0 || ttl < purgeTTL) {
			purgeTTL = ttl
		}
	}

	var facade eventstore.Facade
	if useMemory {
		facade = eventstore.NewMemoryFacade()
	} else {
		boltFacade, err := eventstore.NewBoltFacade(dataDir)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		facade = boltFacade
	}

	reg := registry.New()
	stopPurge := make(chan struct{})
	if purgeTTL > 0 {
		go func() {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					reg.PurgeExpiredStreams(purgeTTL)
				case <-stopPurge:
					return
				}
			}
		}()
	}

	dispatch := dispatcher.NewInProcessDispatcher()
	dispatch.SetFallback(func(c types.Command, opts types.DispatchOpts) error {
		logger.Info().Str("command", c.Name).Interface("payload", c.Payload).Msg("dispatching command (demo fallback handler)")
		return nil
	})

	module := orderFulfillmentModule{}

	var routerNames []string
	for _, m := range manifests {
		routerNames = append(routerNames, m.Metadata.Name)
	}

	clustered, _ := cmd.Flags().GetBool("cluster")
	stopWatch := make(chan struct{})
	var clust *cluster.Cluster
	if clustered {
		nodeID, _ := cmd.Flags().GetString("node-id")
		raftBind, _ := cmd.Flags().GetString("raft-bind")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		rawPeers, _ := cmd.Flags().GetStringSlice("peer")
		peers, err := parsePeers(rawPeers)
		if err != nil {
			return err
		}

		clust, err = cluster.New(cluster.Config{
			NodeID:    nodeID,
			BindAddr:  raftBind,
			DataDir:   filepath.Join(dataDir, "raft"),
			Bootstrap: bootstrap,
			Peers:     peers,
		})
		if err != nil {
			return err
		}
		go clust.WatchLeadership(routerNames, stopWatch)

		// Standby replicas hold here; their routers start only once this
		// node wins the election. Leadership is not re-checked afterwards:
		// the routers keep running if this node later loses it.
		logger.Info().Str("node_id", nodeID).Msg("waiting for raft leadership")
		for !clust.IsLeader() {
			time.Sleep(200 * time.Millisecond)
		}
		logger.Info().Str("node_id", nodeID).Uint64("epoch", clust.Epoch()).Msg("elected leader, starting routers")
	}

	var routers []*processmanager.Router
	for _, m := range manifests {
		startFrom, err := m.Spec.ResolveStartFrom()
		if err != nil {
			return err
		}
		consistency, err := m.Spec.ResolveConsistency()
		if err != nil {
			return err
		}

		r := processmanager.StartRouter(processmanager.RouterConfig{
			Name:             m.Metadata.Name,
			Module:           module,
			Dispatcher:       dispatch,
			Facade:           facade,
			Registry:         reg,
			HolderIdentity:   m.Metadata.Name,
			Consistency:      consistency,
			StartFrom:        startFrom,
			MaxPendingEvents: m.Spec.MaxPendingEvents,
			ParkRetries:      m.Spec.ParkRetries,
		})
		routers = append(routers, r)
		logger.Info().Str("process_manager", m.Metadata.Name).Msg("router started")
	}

	apiServer := api.NewServer()
	for i, r := range routers {
		apiServer.WatchRouter(routerNames[i], r)
	}
	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(grpcAddr); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	metricsServer := api.NewMetricsServer()
	go func() {
		if err := metricsServer.Start(metricsAddr); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info().Str("grpc_addr", grpcAddr).Str("metrics_addr", metricsAddr).Msg("procmand ready")

	go func() {
		waitForSignal()
		errCh <- nil
	}()

	err := <-errCh
	close(stopPurge)
	close(stopWatch)
	apiServer.Stop()
	for _, r := range routers {
		r.Stop()
	}
	reg.Stop()
	if clust != nil {
		if shutdownErr := clust.Shutdown(); shutdownErr != nil {
			logger.Warn().Err(shutdownErr).Msg("raft shutdown failed")
		}
	}
	return err
}
