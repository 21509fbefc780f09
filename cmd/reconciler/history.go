package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func HistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded task outcomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			j, err := a.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			if j == nil {
				return fmt.Errorf("journal is disabled")
			}
			defer j.Close()

			tasks, err := j.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list outcomes: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(a.out, "No recorded tasks.")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tKIND\tSTATE\tID\tATTEMPTS\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.UpdatedAt.Local().Format(time.DateTime), t.Kind, t.State, t.ID, t.Attempt, t.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of rows (0 for all)")
	return cmd
}
