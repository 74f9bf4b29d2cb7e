package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/metrics"
	"github.com/iclaustron/gridctl/pkg/pcntrl"
)

var pcntrldCmd = &cobra.Command{
	Use:   "pcntrld",
	Short: "Process controller (start/stop/monitor local node processes)",
}

var pcntrldServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the process controller wire protocol on this host",
	Long: `serve runs the process controller that a cluster server or a
gridctl process client talks to in order to start, stop, kill, and
list the data-server/sql-server/etc. processes running on this host.
Liveness is checked either by signal (--liveness=signal, the default)
or by an external check script (--liveness=script --check-script=...).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		configDir, _ := cmd.Flags().GetString("config-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		liveness, _ := cmd.Flags().GetString("liveness")
		checkScript, _ := cmd.Flags().GetString("check-script")

		var checker pcntrl.LivenessChecker
		switch liveness {
		case "signal":
			checker = pcntrl.SignalChecker{}
		case "script":
			if checkScript == "" {
				return fmt.Errorf("--check-script is required with --liveness=script")
			}
			checker = pcntrl.ScriptChecker{Command: []string{checkScript}, Fallback: pcntrl.SignalChecker{}}
		default:
			return fmt.Errorf("unknown --liveness %q, want signal or script", liveness)
		}

		reg := pcntrl.NewRegistry(checker, pcntrl.OSSpawner{})
		srv := pcntrl.NewServer(reg, func(grid, cluster string) string {
			return filepath.Join(configDir, grid, cluster)
		})

		metrics.SetVersion(Version)
		metrics.RegisterComponent("pcntrld", true, "serving")
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
		fmt.Printf("✓ Process controller listening on %s (liveness=%s)\n", addr, liveness)

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

func init() {
	pcntrldCmd.AddCommand(pcntrldServeCmd)

	pcntrldServeCmd.Flags().String("addr", "0.0.0.0:1234", "Address to serve the process controller protocol on")
	pcntrldServeCmd.Flags().String("config-dir", "./gridctl-data", "Root directory config files are copied into per (grid, cluster)")
	pcntrldServeCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for metrics/health endpoints")
	pcntrldServeCmd.Flags().String("liveness", "signal", "Liveness probe method: signal or script")
	pcntrldServeCmd.Flags().String("check-script", "", "Path to the liveness check script (required with --liveness=script)")
}
