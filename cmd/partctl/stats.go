package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/joshuapare/partkit/partition"
	"github.com/spf13/cobra"
)

var (
	statsOps     int
	statsMaxSize int
	statsPurge   bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsOps, "ops", 10000, "Workload operations before the dump")
	cmd.Flags().IntVar(&statsMaxSize, "max-size", 65536, "Largest allocation size in bytes")
	cmd.Flags().BoolVar(&statsPurge, "purge", false, "Purge before dumping")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Run a workload and dump per-bucket statistics",
		Long: `The stats command drives a short mixed workload, optionally purges,
and dumps the allocator's per-bucket state: span counts by lifecycle
state, live bytes, resident bytes, and reclaimable bytes.

Example:
  partctl stats --ops 50000
  partctl stats --purge --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatsDump(cmd)
		},
	}
}

func runStatsDump(cmd *cobra.Command) error {
	root, err := partition.New(partition.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}
	defer root.Close()

	rng := rand.New(rand.NewSource(1))
	var live []uintptr
	for i := 0; i < statsOps; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			root.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		addr, _, err := root.Alloc(uintptr(rng.Intn(statsMaxSize)+1), partition.AllocReturnNull)
		if err != nil {
			return fmt.Errorf("allocation failed: %w", err)
		}
		live = append(live, addr)
	}

	if statsPurge {
		printVerbose("Purging before dump\n")
		if err := root.PurgeMemory(cmd.Context(), partition.PurgeAll); err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
	}

	s := root.DumpStats()
	if jsonOut {
		return printJSON(s)
	}
	return partition.WriteStats(os.Stdout, s)
}
