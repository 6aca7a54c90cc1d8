package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
)

var balanceCmd = &cobra.Command{
	Use:   "balance [address]",
	Short: "Compare the ledger balances of a wallet with its on-chain balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := evm.ParseAddress(args[0])
		if err != nil {
			return err
		}
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			onChain, err := s.Submitter.BalanceOf(ctx, addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "address:    %s\n", addr.Hex())
			_, _ = fmt.Fprintf(out, "on-chain:   %s\n", onChain)

			p, err := s.Store().Profiles().GetByWallet(ctx, addr.Hex())
			if errors.Is(err, domain.ErrNotFound) {
				_, _ = fmt.Fprintln(out, "ledger:     no profile")
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "owner:      %d\n", p.OwnerID)
			_, _ = fmt.Fprintf(out, "virtual:    %s\n", p.VirtualBalance)
			_, _ = fmt.Fprintf(out, "blockchain: %s\n", p.BlockchainBalance)
			if !p.BlockchainBalance.Equal(onChain) {
				_, _ = fmt.Fprintf(out, "drift:      %s\n", onChain.Sub(p.BlockchainBalance))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
