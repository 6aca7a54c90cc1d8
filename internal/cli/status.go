package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the listener checkpoint, chain head and open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			return printStatus(ctx, cmd, s)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(ctx context.Context, cmd *cobra.Command, s *control.Settler) error {
	head, err := s.Client().BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %w", domain.ErrTransport, err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "CONTRACT\t%s\n", s.Token.Address().Hex())
	_, _ = fmt.Fprintf(w, "SIGNER\t%s\n", s.Submitter.From().Hex())
	_, _ = fmt.Fprintf(w, "HEAD\t%d\n", head)

	cp, err := s.Checkpoint.Get(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		_, _ = fmt.Fprintf(w, "CHECKPOINT\t%s not initialized\n", s.Checkpoint.Name())
	case err != nil:
		return err
	default:
		lag, _ := s.Checkpoint.Lag(ctx, head)
		_, _ = fmt.Fprintf(w, "CHECKPOINT\t%s next=%d lag=%d updated=%s\n",
			cp.Name, cp.NextBlock, lag, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	conflicts, err := s.Ledger.ListConflicts(ctx)
	if err != nil {
		return err
	}
	blocking := 0
	for _, c := range conflicts {
		if c.Blocking() {
			blocking++
		}
	}
	_, _ = fmt.Fprintf(w, "CONFLICTS\t%d open, %d blocking\n", len(conflicts), blocking)
	return w.Flush()
}
