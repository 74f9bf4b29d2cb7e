package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/pcntrl"
	"github.com/iclaustron/gridctl/pkg/pcntrlclient"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Start, stop, kill, and list processes on a pcntrld host",
}

func dialPcntrld(cmd *cobra.Command) (*conn.Conn, error) {
	addr, _ := cmd.Flags().GetString("pcntrld")
	c, err := conn.Dial("tcp", addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to pcntrld at %s: %w", addr, err)
	}
	return c, nil
}

func processKeyFromFlags(cmd *cobra.Command) pcntrl.ProcessKey {
	grid, _ := cmd.Flags().GetString("grid")
	cluster, _ := cmd.Flags().GetString("cluster")
	nodeID, _ := cmd.Flags().GetUint32("node-id")
	return pcntrl.ProcessKey{Grid: grid, Cluster: cluster, NodeID: nodeID}
}

var processStartCmd = &cobra.Command{
	Use:   "start --program PATH",
	Short: "Start a process under pcntrld",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialPcntrld(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		program, _ := cmd.Flags().GetString("program")
		version, _ := cmd.Flags().GetUint32("version")
		autoRestart, _ := cmd.Flags().GetBool("auto-restart")
		binDir, _ := cmd.Flags().GetString("bin-dir")
		params, _ := cmd.Flags().GetStringArray("param")

		key := processKeyFromFlags(cmd)
		if err := pcntrlclient.Start(c, pcntrlclient.StartParams{
			Key:         key,
			Program:     program,
			Version:     version,
			AutoRestart: autoRestart,
			BinDir:      binDir,
			Params:      params,
		}); err != nil {
			return fmt.Errorf("starting %s: %w", key, err)
		}
		fmt.Printf("✓ Started %s\n", key)
		return nil
	},
}

var processStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop a process under pcntrld",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialPcntrld(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		key := processKeyFromFlags(cmd)
		if err := pcntrlclient.Stop(c, key); err != nil {
			return fmt.Errorf("stopping %s: %w", key, err)
		}
		fmt.Printf("✓ Stopped %s\n", key)
		return nil
	},
}

var processKillCmd = &cobra.Command{
	Use:   "kill",
	Short: "Forcefully kill a process under pcntrld",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialPcntrld(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		key := processKeyFromFlags(cmd)
		if err := pcntrlclient.Kill(c, key); err != nil {
			return fmt.Errorf("killing %s: %w", key, err)
		}
		fmt.Printf("✓ Killed %s\n", key)
		return nil
	},
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processes known to pcntrld, optionally scoped by --grid/--cluster/--node-id",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialPcntrld(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		full, _ := cmd.Flags().GetBool("full")
		partial := processKeyFromFlags(cmd)

		entries, err := pcntrlclient.List(c, partial, full)
		if err != nil {
			return fmt.Errorf("listing processes: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No processes match.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-30s pid=%-8d start_id=%-6d program=%-20s version=%-6d auto_restart=%v\n",
				e.Key, e.Pid, e.StartID, e.Program, e.Version, e.AutoRestart)
		}
		return nil
	},
}

func init() {
	processCmd.AddCommand(processStartCmd)
	processCmd.AddCommand(processStopCmd)
	processCmd.AddCommand(processKillCmd)
	processCmd.AddCommand(processListCmd)

	for _, c := range []*cobra.Command{processStartCmd, processStopCmd, processKillCmd, processListCmd} {
		c.Flags().String("pcntrld", "127.0.0.1:1234", "Address of the pcntrld to connect to")
		c.Flags().String("grid", "", "Grid name")
		c.Flags().String("cluster", "", "Cluster name")
		c.Flags().Uint32("node-id", 0, "Node id")
	}

	processStartCmd.Flags().String("program", "", "Path to the program to start")
	processStartCmd.Flags().Uint32("version", 1, "Process version, for rolling restarts")
	processStartCmd.Flags().Bool("auto-restart", false, "Restart automatically if the process dies unexpectedly")
	processStartCmd.Flags().String("bin-dir", "", "Directory the program's binary lives in")
	processStartCmd.Flags().StringArray("param", nil, "Extra command-line parameter to pass the program (repeatable)")

	processListCmd.Flags().Bool("full", false, "Request the full listing (adds program, version and autorestart to each entry)")
}
