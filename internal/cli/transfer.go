package cli

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/amount"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
)

var waitReceipt bool

var transferCmd = &cobra.Command{
	Use:   "transfer [address] [amount]",
	Short: "Send tokens from the signer wallet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := evm.ParseAddress(args[0])
		if err != nil {
			return err
		}
		value, err := amount.Token.Parse(args[1])
		if err != nil {
			return err
		}
		return withSettler(cmd, func(ctx context.Context, s *control.Settler) error {
			hash, err := s.Submitter.SubmitTransfer(ctx, to, value)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tx: %s\n", hash)
			if !waitReceipt {
				return nil
			}

			status, receipt, err := chain.WaitForReceipt(ctx, s.Client(), common.HexToHash(hash), appCfg.Chain.ReceiptPollInterval)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: %s block: %d\n", status, receipt.BlockNumber)
			if status == chain.ReceiptReverted {
				return fmt.Errorf("transfer %s reverted", hash)
			}
			return nil
		})
	},
}

func init() {
	transferCmd.Flags().BoolVar(&waitReceipt, "wait", false, "wait for the receipt")
	rootCmd.AddCommand(transferCmd)
}
