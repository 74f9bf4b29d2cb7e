package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iclaustron/gridctl/pkg/conn"
	"github.com/iclaustron/gridctl/pkg/mgmclient"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Query a running cluster server",
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cluster a mgmd knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("mgmd")
		c, err := conn.Dial("tcp", addr, nil)
		if err != nil {
			return fmt.Errorf("connecting to mgmd at %s: %w", addr, err)
		}
		defer c.Close()

		clusters, err := mgmclient.ClusterList(c)
		if err != nil {
			return fmt.Errorf("listing clusters: %w", err)
		}
		if len(clusters) == 0 {
			fmt.Println("No clusters.")
			return nil
		}
		for name, id := range clusters {
			fmt.Printf("%-30s id=%d\n", name, id)
		}
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterListCmd)
	clusterListCmd.Flags().String("mgmd", "127.0.0.1:1186", "Address of the cluster server to connect to")
}
