package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a connection test",
		Long:  "Run the trivial round trip used by the backend health check and print its status. Exits non-zero when unhealthy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openDB(cmd, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			status := db.TestConnection(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !status.Healthy() {
				return errors.New(status.Error)
			}
			return nil
		},
	}
}
