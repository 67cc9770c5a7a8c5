package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle and print the batch result",
		Long: `Run a single scan cycle against the database and print the result as JSON.

Example:
  recurflow scan --db recurflow.db
  recurflow scan --at 2024-03-01T09:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Logging); err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return err
				}
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.scanner.RunScanCycle(cmd.Context(), now)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "scan as of this RFC3339 time instead of now")

	return cmd
}
