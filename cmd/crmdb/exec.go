package main

import (
	"github.com/spf13/cobra"

	"github.com/fernandezvara/crmdb"
)

type execReport struct {
	Rows         []crmdb.Row   `json:"rows"`
	Fields       []crmdb.Field `json:"fields,omitempty"`
	RowsAffected int64         `json:"rows_affected"`
	LastInsertID int64         `json:"last_insert_id,omitempty"`
}

func newExecCommand(opts *rootOptions) *cobra.Command {
	var noRetry bool
	cmd := &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Execute a statement and print the normalized result",
		Long:  "Execute one statement through the dialect-neutral executor. Placeholders may be written as ? or $1, $2...; arguments are passed as strings.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB(cmd, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if noRetry {
				ctx = crmdb.NoRetry(ctx)
			}
			params := make([]any, len(args)-1)
			for i, a := range args[1:] {
				params[i] = a
			}

			res, err := db.Execute(ctx, args[0], params...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), execReport{
				Rows:         res.Rows,
				Fields:       res.Fields,
				RowsAffected: res.RowsAffected,
				LastInsertID: res.LastInsertID,
			})
		},
	}
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "Attempt the statement once, without retrying connection errors")
	return cmd
}
