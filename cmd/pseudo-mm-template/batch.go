package main

import (
	"github.com/spf13/cobra"

	"github.com/um-disco/faasnap-firecracker/internal/template"
)

func newBatchCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create multiple templates sharing one pool offset cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			batchConfig, err := template.LoadBatchConfig(configPath)
			if err != nil {
				return err
			}

			runner, err := newRunner()
			if err != nil {
				return err
			}

			return runner.RunBatch(cmd.Context(), batchConfig)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the batch config JSON")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
