package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iclaustron/gridctl/pkg/configfile"
	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/gridha"
	"github.com/iclaustron/gridctl/pkg/metrics"
	"github.com/iclaustron/gridctl/pkg/mgmserver"
)

var mgmdCmd = &cobra.Command{
	Use:   "mgmd",
	Short: "Cluster server (management protocol server)",
}

var mgmdServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the management protocol for one grid",
	Long: `serve loads a grid's committed configuration from --data-dir and
accepts management protocol connections on --addr. With --peers set,
more than one cluster server may run for the same grid; serve then
elects a single master via Raft and keeps non-master servers redirecting
"get nodeid" requests to the current master, per the grid's fault
tolerance model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gridName, _ := cmd.Flags().GetString("grid")
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		mgmdNodeID, _ := cmd.Flags().GetUint32("node-id")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		raftBindAddr, _ := cmd.Flags().GetString("raft-addr")
		peersFlag, _ := cmd.Flags().GetStringSlice("peers")

		reg := defaultRegistry()

		grid, version, err := configfile.LoadCommitted(reg, dataDir)
		if err != nil {
			return fmt.Errorf("loading committed config: %w", err)
		}
		fmt.Printf("Loaded grid %q (committed version %d) from %s\n", gridName, version, dataDir)

		srv := mgmserver.NewServer(grid, reg, mgmdNodeID)

		var election *gridha.Election
		if len(peersFlag) > 0 {
			election, err = gridha.New(gridha.Config{
				Grid:     gridName,
				NodeID:   fmt.Sprint(mgmdNodeID),
				BindAddr: raftBindAddr,
				DataDir:  dataDir,
			})
			if err != nil {
				return fmt.Errorf("starting leader election: %w", err)
			}
			peers, perr := parsePeers(peersFlag)
			if perr != nil {
				return perr
			}
			if err := election.Bootstrap(peers); err != nil {
				fmt.Printf("Warning: raft bootstrap: %v (already bootstrapped?)\n", err)
			}
			election.Attach(srv)
			defer election.Shutdown()
			fmt.Printf("✓ Leader election running on %s with %d peers\n", raftBindAddr, len(peers))
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("mgmd", true, "serving")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		defer ln.Close()
		fmt.Printf("✓ Cluster server listening on %s\n", addr)

		errCh := make(chan error, 1)
		go func() {
			for {
				raw, err := ln.Accept()
				if err != nil {
					errCh <- err
					return
				}
				go func() {
					c := conn.New(raw)
					defer c.Close()
					if err := srv.Serve(c); err != nil {
						fmt.Printf("session error: %v\n", err)
					}
				}()
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\naccept error: %v\n", err)
		}
		return nil
	},
}

// parsePeers turns "id@addr" entries from --peers into gridha.Peer
// values.
func parsePeers(entries []string) ([]gridha.Peer, error) {
	peers := make([]gridha.Peer, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peers entry %q, want id@addr", e)
		}
		var id uint32
		if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid node id in %q: %w", e, err)
		}
		peers = append(peers, gridha.Peer{NodeID: id, Addr: parts[1]})
	}
	return peers, nil
}

func init() {
	mgmdCmd.AddCommand(mgmdServeCmd)

	mgmdServeCmd.Flags().String("grid", "default", "Grid name, for logging and raft group naming")
	mgmdServeCmd.Flags().String("addr", "0.0.0.0:1186", "Address to serve the management protocol on")
	mgmdServeCmd.Flags().String("data-dir", "./gridctl-data", "Directory holding the grid's committed configuration")
	mgmdServeCmd.Flags().Uint32("node-id", 1, "This cluster server's own node id")
	mgmdServeCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for metrics/health endpoints")
	mgmdServeCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Address for raft leader election traffic")
	mgmdServeCmd.Flags().StringSlice("peers", nil, "id@addr of every cluster server in this grid's raft group, including this one (enables leader election)")
}
