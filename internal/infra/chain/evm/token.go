package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/settler/internal/core/domain"
)

// Reward token ABI: the calls the engine makes plus the mint event it consumes.
const tokenABI = `[
	{
		"inputs": [
			{"name": "recipients", "type": "address[]"},
			{"name": "amounts", "type": "uint256[]"}
		],
		"name": "batchMint",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "name": "recipients", "type": "address[]"},
			{"indexed": false, "name": "amounts", "type": "uint256[]"}
		],
		"name": "BatchMinted",
		"type": "event"
	}
]`

const batchMintedEvent = "BatchMinted"

// Token encodes calls to, and decodes events from, the reward token contract.
type Token struct {
	address common.Address
	abi     abi.ABI
}

// NewToken parses the token ABI for the contract at address.
func NewToken(address common.Address) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	return &Token{address: address, abi: parsed}, nil
}

// Address returns the contract address. The zero address means no contract is loaded.
func (t *Token) Address() common.Address {
	return t.address
}

// Loaded reports whether a contract address is configured.
func (t *Token) Loaded() bool {
	return t != nil && t.address != (common.Address{})
}

// ABI exposes the parsed contract ABI.
func (t *Token) ABI() abi.ABI {
	return t.abi
}

// PackBatchMint encodes batchMint(recipients, amounts).
func (t *Token) PackBatchMint(recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	if len(recipients) != len(amounts) {
		return nil, fmt.Errorf("batchMint: %d recipients but %d amounts", len(recipients), len(amounts))
	}
	data, err := t.abi.Pack("batchMint", recipients, amounts)
	if err != nil {
		return nil, fmt.Errorf("failed to pack batchMint: %w", err)
	}
	return data, nil
}

// PackTransfer encodes transfer(to, value).
func (t *Token) PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	data, err := t.abi.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

// BalanceOfMsg builds the eth_call message for balanceOf(account).
func (t *Token) BalanceOfMsg(account common.Address) (ethereum.CallMsg, error) {
	data, err := t.abi.Pack("balanceOf", account)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	to := t.address
	return ethereum.CallMsg{To: &to, Data: data}, nil
}

// UnpackBalanceOf decodes a balanceOf result. An empty result reads as zero.
func (t *Token) UnpackBalanceOf(result []byte) (*big.Int, error) {
	if len(result) == 0 {
		return big.NewInt(0), nil
	}
	var balance *big.Int
	if err := t.abi.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("failed to unpack balance: %w", err)
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}

// BatchMintedTopic is the event signature hash of BatchMinted.
func (t *Token) BatchMintedTopic() common.Hash {
	return t.abi.Events[batchMintedEvent].ID
}

// MintQuery builds the log filter for BatchMinted events in [from, to].
func (t *Token) MintQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{t.address},
		Topics:    [][]common.Hash{{t.BatchMintedTopic()}},
	}
}

// DecodeBatchMinted expands one BatchMinted log into one event per recipient.
func (t *Token) DecodeBatchMinted(lg types.Log) ([]domain.MintEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != t.BatchMintedTopic() {
		return nil, fmt.Errorf("log %d in block %d is not BatchMinted", lg.Index, lg.BlockNumber)
	}

	values, err := t.abi.Unpack(batchMintedEvent, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack BatchMinted: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("BatchMinted: expected 2 fields, got %d", len(values))
	}
	recipients, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("BatchMinted: unexpected recipients type %T", values[0])
	}
	amounts, ok := values[1].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("BatchMinted: unexpected amounts type %T", values[1])
	}
	if len(recipients) != len(amounts) {
		return nil, fmt.Errorf(
			"BatchMinted: %d recipients but %d amounts",
			len(recipients),
			len(amounts),
		)
	}

	events := make([]domain.MintEvent, len(recipients))
	for i := range recipients {
		events[i] = domain.MintEvent{
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Position:    i,
			TxHash:      lg.TxHash.Hex(),
			Recipient:   recipients[i].Hex(),
			Amount:      amounts[i],
		}
	}
	return events, nil
}

// EncodeBatchMinted builds a BatchMinted log. Used by the fake chain.
func (t *Token) EncodeBatchMinted(
	block uint64,
	index uint,
	txHash common.Hash,
	recipients []common.Address,
	amounts []*big.Int,
) (types.Log, error) {
	data, err := t.abi.Events[batchMintedEvent].Inputs.Pack(recipients, amounts)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack BatchMinted: %w", err)
	}
	return types.Log{
		Address:     t.address,
		Topics:      []common.Hash{t.BatchMintedTopic()},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
	}, nil
}
