package main

import (
	"fmt"
	"strconv"

	"github.com/joshuapare/partkit/partition"
	"github.com/spf13/cobra"
)

var geometryPreferSmall bool

func init() {
	cmd := newGeometryCmd()
	cmd.Flags().BoolVar(&geometryPreferSmall, "prefer-small", false, "Use the small-span geometry policy")
	rootCmd.AddCommand(cmd)
}

func newGeometryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "geometry <slot-size>",
		Short: "Show the slot span geometry for a size class",
		Long: `The geometry command reports how many system pages one slot span of
the given slot size occupies, how many slots that yields, and the waste
per span.

Example:
  partctl geometry 48
  partctl geometry 48 --prefer-small`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeometry(args)
		},
	}
}

type geometryReport struct {
	SlotSize    uintptr
	SystemPages int
	SpanBytes   uintptr
	Slots       int
	WasteBytes  uintptr
}

func runGeometry(args []string) error {
	size, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || size == 0 {
		return fmt.Errorf("invalid slot size %q", args[0])
	}

	slot := uintptr(size)
	pages := partition.ComputeSystemPagesPerSlotSpan(slot, geometryPreferSmall)
	spanBytes := uintptr(pages) * 4096
	slots := int(spanBytes / slot)
	report := geometryReport{
		SlotSize:    slot,
		SystemPages: pages,
		SpanBytes:   spanBytes,
		Slots:       slots,
		WasteBytes:  spanBytes - uintptr(slots)*slot,
	}
	if jsonOut {
		return printJSON(report)
	}
	printInfo("slot %d: %d system pages (%d bytes), %d slots, %d bytes waste\n",
		report.SlotSize, report.SystemPages, report.SpanBytes, report.Slots, report.WasteBytes)
	return nil
}
