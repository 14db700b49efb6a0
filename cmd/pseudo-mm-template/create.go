package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/um-disco/faasnap-firecracker/internal/template"
)

func newCreateCommand() *cobra.Command {
	var (
		snapshotPath string
		memFilePath  string
		outputPath   string
		rdmaServer   string
		rdmaPgoff    uint64
		hvaBase      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a single template",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := newRunner()
			if err != nil {
				return err
			}

			job := template.Job{
				Label:              "single",
				SnapshotPath:       snapshotPath,
				MemFilePath:        memFilePath,
				OutputPath:         outputPath,
				PageOffsetOverride: &rdmaPgoff,
			}

			if hvaBase != "" {
				base, err := template.ParseHVA(hvaBase)
				if err != nil {
					return err
				}

				job.HVABase = &base
			}

			result, err := runner.RunSingle(cmd.Context(), rdmaServer, job)
			if err != nil {
				return err
			}

			fmt.Printf("pseudo_mm_id: %d\n", result.Descriptor.PseudoMmID)
			fmt.Printf("rdma_pgoff  : %d\n", result.Alloc.BasePageOffset)
			fmt.Printf("pages       : %d\n", result.Alloc.PageCount)

			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot-path", "", "path to the snapshot metadata file")
	cmd.Flags().StringVar(&memFilePath, "mem-file-path", "", "path to the memory image file")
	cmd.Flags().StringVar(&outputPath, "output-path", "", "where to write the template descriptor")
	cmd.Flags().StringVar(&rdmaServer, "rdma-server", "", "remote memory pool address (host:port)")
	cmd.Flags().Uint64Var(&rdmaPgoff, "rdma-pgoff", 0, "base pool page offset for this template")
	cmd.Flags().StringVar(&hvaBase, "hva-base", "", "host virtual base address (hex, default 0x700000000000)")

	for _, flag := range []string{"snapshot-path", "mem-file-path", "output-path", "rdma-server", "rdma-pgoff"} {
		_ = cmd.MarkFlagRequired(flag)
	}

	return cmd
}
