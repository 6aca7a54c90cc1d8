// Package chain defines the JSON-RPC surface the settlement engine needs from an EVM node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the subset of ethclient.Client used by the engine. *ethclient.Client satisfies it.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// ReceiptReader looks up transaction receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dialer opens a Client. The listener redials through it after transport errors.
type Dialer func(ctx context.Context) (Client, error)

// ReceiptStatus is the outcome of a receipt lookup.
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSuccess:
		return "success"
	case ReceiptReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// LookupReceipt fetches the receipt for txHash. A transaction that is not mined yet
// reports ReceiptPending with a nil error.
func LookupReceipt(ctx context.Context, c ReceiptReader, txHash common.Hash) (ReceiptStatus, *types.Receipt, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return ReceiptPending, nil, nil
	}
	if err != nil {
		return ReceiptPending, nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptSuccess, receipt, nil
	}
	return ReceiptReverted, receipt, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(
	ctx context.Context,
	c ReceiptReader,
	txHash common.Hash,
	pollInterval time.Duration,
) (ReceiptStatus, *types.Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, receipt, err := LookupReceipt(ctx, c, txHash)
		if err != nil || status != ReceiptPending {
			return status, receipt, err
		}
		select {
		case <-ctx.Done():
			return ReceiptPending, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
