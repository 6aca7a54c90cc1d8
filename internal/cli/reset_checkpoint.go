package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/domain"
)

var forceReset bool

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint [block_height]",
	Short: "Move the listener checkpoint so scanning resumes at the given block",
	Long: `Move the listener checkpoint so scanning resumes at the given block.
Only forward moves are allowed unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		height, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block height: %w", err)
		}
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			if err := moveCheckpoint(ctx, s, height); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Successfully reset checkpoint %s to block %d\n", s.Checkpoint.Name(), height)
			return nil
		})
	},
}

func moveCheckpoint(ctx context.Context, s *control.Settler, height uint64) error {
	if forceReset {
		return s.Checkpoint.Reset(ctx, height)
	}
	err := s.Checkpoint.Advance(ctx, height)
	if errors.Is(err, domain.ErrNotFound) {
		return s.Checkpoint.Reset(ctx, height)
	}
	if errors.Is(err, domain.ErrCheckpointRegression) {
		return fmt.Errorf("%w (use --force to rescan)", err)
	}
	return err
}

func init() {
	resetCheckpointCmd.Flags().BoolVar(&forceReset, "force", false, "allow moving the checkpoint backwards")
	rootCmd.AddCommand(resetCheckpointCmd)
}
