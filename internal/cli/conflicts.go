package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved reconciliation conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			conflicts, err := s.Ledger.ListConflicts(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tKIND\tTX\tADDRESS\tAMOUNT\tCREATED\tDETAIL")
			for _, c := range conflicts {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID,
					c.Kind,
					deref(c.TxHash),
					deref(c.Address),
					amountString(c.Amount),
					c.CreatedAt.Format("2006-01-02 15:04:05"),
					c.Detail,
				)
			}
			return w.Flush()
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [conflict_id]",
	Short: "Mark a conflict as resolved after repairing the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id: %w", err)
		}
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			if err := s.Ledger.ResolveConflict(ctx, id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resolved conflict %d\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func amountString(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
