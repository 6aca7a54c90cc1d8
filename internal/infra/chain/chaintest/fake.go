// Package chaintest provides a scriptable in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/settler/internal/infra/chain/evm"
)

// ErrRangeTooLarge mimics a provider rejecting a wide eth_getLogs window.
var ErrRangeTooLarge = errors.New("query exceeds max block range")

// Client is a fake chain. Fields may be set directly before use; methods are safe for concurrent use.
type Client struct {
	mu sync.Mutex

	Token   *evm.Token
	ID      *big.Int
	Head    uint64
	BaseFee *big.Int // nil simulates a pre-London chain

	Nonces   map[common.Address]uint64
	Sent     []*types.Transaction
	Receipts map[common.Hash]*types.Receipt
	Logs     []types.Log
	Balances map[common.Address]*big.Int

	// MaxRange rejects FilterLogs windows wider than this many blocks when non-zero.
	MaxRange uint64

	// Error hooks. A non-nil return fails the call.
	SendErr   func(tx *types.Transaction) error
	FilterErr func(q ethereum.FilterQuery) error
	HeadErr   error
	CallErr   error

	FilterCalls int
	closed      bool
}

// New returns a fake chain for the given token at head.
func New(token *evm.Token, head uint64) *Client {
	return &Client{
		Token:    token,
		ID:       big.NewInt(31337),
		Head:     head,
		BaseFee:  big.NewInt(1_000_000_000),
		Nonces:   make(map[common.Address]uint64),
		Receipts: make(map[common.Hash]*types.Receipt),
		Balances: make(map[common.Address]*big.Int),
	}
}

func (c *Client) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return nil, c.HeadErr
	}
	h := &types.Header{Number: new(big.Int).SetUint64(c.Head)}
	if number != nil {
		h.Number = new(big.Int).Set(number)
	}
	if c.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(c.BaseFee)
	}
	return h, nil
}

func (c *Client) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeadErr != nil {
		return 0, c.HeadErr
	}
	return c.Head, nil
}

func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ID), nil
}

func (c *Client) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonces[account], nil
}

// SendTransaction records tx and bumps the sender nonce.
func (c *Client) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return err
		}
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != c.Nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.Nonces[from])
	}
	c.Nonces[from]++
	c.Sent = append(c.Sent, tx)
	return nil
}

func (c *Client) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// CallContract answers balanceOf from Balances.
func (c *Client) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CallErr != nil {
		return nil, c.CallErr
	}
	method, ok := c.Token.ABI().Methods["balanceOf"]
	if !ok || len(msg.Data) < 4 || string(msg.Data[:4]) != string(method.ID) {
		return nil, errors.New("execution reverted: unknown method")
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	account := args[0].(common.Address)
	bal := c.Balances[account]
	if bal == nil {
		bal = big.NewInt(0)
	}
	return method.Outputs.Pack(bal)
}

// FilterLogs returns the scripted logs inside the query window.
func (c *Client) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FilterCalls++
	if c.FilterErr != nil {
		if err := c.FilterErr(q); err != nil {
			return nil, err
		}
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if c.MaxRange > 0 && to-from+1 > c.MaxRange {
		return nil, ErrRangeTooLarge
	}
	var out []types.Log
	for _, lg := range c.Logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddMint appends a BatchMinted log at block with the next free log index.
func (c *Client) AddMint(
	block uint64,
	txHash common.Hash,
	recipients []common.Address,
	amounts []*big.Int,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var index uint
	for _, lg := range c.Logs {
		if lg.BlockNumber == block && lg.Index >= index {
			index = lg.Index + 1
		}
	}
	lg, err := c.Token.EncodeBatchMinted(block, index, txHash, recipients, amounts)
	if err != nil {
		return err
	}
	c.Logs = append(c.Logs, lg)
	return nil
}

// SetReceipt scripts the receipt status for txHash.
func (c *Client) SetReceipt(txHash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Receipts[txHash] = &types.Receipt{TxHash: txHash, Status: status}
}

// SentTxs returns a copy of the broadcast transactions.
func (c *Client) SentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.Sent...)
}

// SetHead moves the chain head.
func (c *Client) SetHead(head uint64) {
	c.mu.Lock()
	c.Head = head
	c.mu.Unlock()
}
