package main

import (
	"github.com/spf13/cobra"

	"github.com/fernandezvara/crmdb"
)

type poolReport struct {
	Status crmdb.PoolStatus `json:"status"`
	Stats  crmdb.PoolStats  `json:"stats"`
}

func newPoolCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Print the connection pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openDB(cmd, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			return printJSON(cmd.OutOrStdout(), poolReport{
				Status: db.GetPoolStatus(),
				Stats:  crmdb.PoolStatsFromSQL(db.Stats()),
			})
		},
	}
}
