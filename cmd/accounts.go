// File: cmd/accounts.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/quill-cli/internal/observability"
)

func newAccountsCmd(open storeFunc) *cobra.Command {
	var (
		history bool
		user    string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List remembered accounts or the publish history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			st, cleanup, err := open(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			if history {
				return printHistory(ctx, cmd.OutOrStdout(), st, user, limit, asJSON)
			}
			return printAccounts(ctx, cmd.OutOrStdout(), st, asJSON)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Show the publish history instead of accounts")
	cmd.Flags().StringVarP(&user, "username", "u", "", "Only show history for this account")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of history entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printAccounts(ctx context.Context, out io.Writer, st historyStore, asJSON bool) error {
	accts, err := st.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, accts)
	}
	if len(accts) == 0 {
		_, err := fmt.Fprintln(out, "No accounts remembered yet.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tPLATFORM\tLAST LOGIN")
	for _, a := range accts {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Username, a.Platform, a.LastLoginAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printHistory(ctx context.Context, out io.Writer, st historyStore, user string, limit int, asJSON bool) error {
	recs, err := st.ListHistory(ctx, user, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, recs)
	}
	if len(recs) == 0 {
		_, err := fmt.Fprintln(out, "No publish history.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tUSER\tMODE\tSTATUS\tTITLE\tURL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Username, r.Mode, r.Status, r.Title, r.URL)
	}
	return tw.Flush()
}
