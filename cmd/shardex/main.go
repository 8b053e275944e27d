// Package main implements the shardex command: it serves an in-process
// cluster of partitioned-region members over HTTP and talks to a running
// server as a client.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│                shardex serve                │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /health              - Member health     │
//	│    /regions             - Region admin      │
//	│    /indexes             - Index lifecycle   │
//	│    /data/{region}/{key} - Entry access      │
//	│    /metrics             - Prometheus        │
//	├─────────────────────────────────────────────┤
//	│  Members (one per cluster.members):         │
//	│    Cache    - regions and buckets           │
//	│    Manager  - messaging over the bus        │
//	│    Service  - indexes                       │
//	└─────────────────────────────────────────────┘
//
// Example usage:
//
//	shardex serve --config configs/shardex.yaml
//	shardex create-region orders --buckets 13 --redundancy 1
//	shardex create-index idx --region /orders --field title
//	curl -X PUT localhost:8080/data/orders/o1 -d '{"title":"red shoes"}'
//	shardex search idx --region /orders --field title --term red
//	shardex destroy-index idx --region /orders
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shardex",
		Short:         "Partitioned regions with search index storage",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "address of a running shardex server")

	root.AddCommand(
		newServeCmd(),
		newCreateRegionCmd(),
		newListRegionsCmd(),
		newCreateIndexCmd(),
		newDestroyIndexCmd(),
		newListIndexesCmd(),
		newSearchCmd(),
	)
	return root
}
