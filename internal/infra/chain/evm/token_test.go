package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	aliceAddr    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bobAddr      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestToken_BatchMintedRoundTrip(t *testing.T) {
	tok, err := NewToken(contractAddr)
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc")
	lg, err := tok.EncodeBatchMinted(
		100,
		3,
		txHash,
		[]common.Address{aliceAddr, bobAddr},
		[]*big.Int{big.NewInt(15), big.NewInt(30)},
	)
	require.NoError(t, err)

	events, err := tok.DecodeBatchMinted(lg)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, uint64(100), events[0].BlockNumber)
	assert.Equal(t, uint(3), events[0].LogIndex)
	assert.Equal(t, 0, events[0].Position)
	assert.Equal(t, aliceAddr.Hex(), events[0].Recipient)
	assert.Equal(t, "15", events[0].Amount.String())
	assert.Equal(t, txHash.Hex(), events[0].TxHash)

	assert.Equal(t, 1, events[1].Position)
	assert.Equal(t, bobAddr.Hex(), events[1].Recipient)
	assert.Equal(t, "30", events[1].Amount.String())
	assert.NotEqual(t, events[0].Key(), events[1].Key())
}

func TestToken_DecodeRejectsForeignLog(t *testing.T) {
	tok, err := NewToken(contractAddr)
	require.NoError(t, err)

	_, err = tok.DecodeBatchMinted(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.Error(t, err)
}

func TestToken_PackBatchMintLengthMismatch(t *testing.T) {
	tok, err := NewToken(contractAddr)
	require.NoError(t, err)

	_, err = tok.PackBatchMint([]common.Address{aliceAddr}, nil)
	assert.Error(t, err)

	data, err := tok.PackBatchMint([]common.Address{aliceAddr}, []*big.Int{big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, tok.ABI().Methods["batchMint"].ID, data[:4])
}

func TestToken_BalanceOf(t *testing.T) {
	tok, err := NewToken(contractAddr)
	require.NoError(t, err)

	msg, err := tok.BalanceOfMsg(aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, contractAddr, *msg.To)

	encoded, err := tok.ABI().Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	bal, err := tok.UnpackBalanceOf(encoded)
	require.NoError(t, err)
	assert.Equal(t, "42", bal.String())

	zero, err := tok.UnpackBalanceOf(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Sign())
}

func TestToken_Loaded(t *testing.T) {
	tok, err := NewToken(common.Address{})
	require.NoError(t, err)
	assert.False(t, tok.Loaded())

	tok, err = NewToken(contractAddr)
	require.NoError(t, err)
	assert.True(t, tok.Loaded())

	q := tok.MintQuery(10, 20)
	assert.Equal(t, "10", q.FromBlock.String())
	assert.Equal(t, "20", q.ToBlock.String())
	assert.Equal(t, tok.BatchMintedTopic(), q.Topics[0][0])
}
