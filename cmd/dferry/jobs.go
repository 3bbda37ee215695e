package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Args:  cobra.NoArgs,
		Short: "Inspect recorded jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Args:  cobra.NoArgs,
			Short: "List jobs, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.openStore()
				if err != nil {
					return err
				}
				defer st.Close()

				jobs, err := st.ListJobs()
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMODE\tSTATE\tDATABASE\tDOCS\tSTARTED")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						j.ID, j.Mode, j.State, j.Database, j.DocsTransferred, j.StartedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Args:  cobra.ExactArgs(1),
			Short: "Print one job record as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.openStore()
				if err != nil {
					return err
				}
				defer st.Close()

				job, err := st.GetJob(args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			},
		},
	)
	return cmd
}
