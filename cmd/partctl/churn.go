package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/joshuapare/partkit/partition"
	"github.com/spf13/cobra"
)

var (
	churnOps      int
	churnMaxSize  int
	churnSeed     int64
	churnHardened bool
	churnEager    bool
)

func init() {
	cmd := newChurnCmd()
	cmd.Flags().IntVar(&churnOps, "ops", 100000, "Number of alloc/free operations")
	cmd.Flags().IntVar(&churnMaxSize, "max-size", 4096, "Largest allocation size in bytes")
	cmd.Flags().Int64Var(&churnSeed, "seed", 1, "Workload random seed")
	cmd.Flags().BoolVar(&churnHardened, "hardened", false, "Use the hardened configuration")
	cmd.Flags().BoolVar(&churnEager, "eager-commit", false, "Commit span pages eagerly")
	rootCmd.AddCommand(cmd)
}

func newChurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "churn",
		Short: "Run a random alloc/free workload and report timing",
		Long: `The churn command drives the allocator with a randomized mix of
allocations and frees, then reports throughput and the allocator's
memory counters.

Example:
  partctl churn --ops 1000000 --max-size 16384
  partctl churn --hardened --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChurn()
		},
	}
}

type churnReport struct {
	Ops            int
	Elapsed        string
	OpsPerSecond   float64
	MappedBytes    uintptr
	CommittedBytes uintptr
	PeakCommitted  uintptr
	PeakAllocated  uintptr
}

func runChurn() error {
	cfg := partition.DefaultConfig()
	if churnHardened {
		cfg = partition.HardenedConfig()
	}
	cfg.EagerCommit = churnEager

	root, err := partition.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}
	defer root.Close()

	printVerbose("Running %d operations, sizes up to %d bytes\n", churnOps, churnMaxSize)

	rng := rand.New(rand.NewSource(churnSeed))
	var live []uintptr
	start := time.Now()
	for i := 0; i < churnOps; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			root.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		size := uintptr(rng.Intn(churnMaxSize) + 1)
		addr, _, err := root.Alloc(size, partition.AllocReturnNull)
		if err != nil {
			return fmt.Errorf("allocation of %d bytes failed: %w", size, err)
		}
		live = append(live, addr)
	}
	elapsed := time.Since(start)
	for _, addr := range live {
		root.Free(addr)
	}

	s := root.DumpStats()
	report := churnReport{
		Ops:            churnOps,
		Elapsed:        elapsed.String(),
		OpsPerSecond:   float64(churnOps) / elapsed.Seconds(),
		MappedBytes:    s.TotalMapped,
		CommittedBytes: s.TotalCommitted,
		PeakCommitted:  s.MaxCommitted,
		PeakAllocated:  s.MaxAllocated,
	}
	if jsonOut {
		return printJSON(report)
	}
	printInfo("%d ops in %s (%.0f ops/s)\n", report.Ops, report.Elapsed, report.OpsPerSecond)
	printInfo("mapped %d  committed %d (peak %d)  peak allocated %d\n",
		report.MappedBytes, report.CommittedBytes, report.PeakCommitted, report.PeakAllocated)
	return nil
}
