package fee

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gwei = 1_000_000_000

func TestStrategy_Plan(t *testing.T) {
	s, err := NewStrategy(Config{})
	require.NoError(t, err)

	tests := []struct {
		name      string
		header    *types.Header
		op        Operation
		wantKind  Kind
		wantLimit uint64
		wantFee   *big.Int
	}{
		{
			name:      "base fee present",
			header:    &types.Header{BaseFee: big.NewInt(30 * gwei)},
			op:        OpBatchMint,
			wantKind:  KindDynamic,
			wantLimit: DefaultBatchGasLimit,
			wantFee:   big.NewInt(32 * gwei),
		},
		{
			name:      "no base fee",
			header:    &types.Header{},
			op:        OpTransfer,
			wantKind:  KindLegacy,
			wantLimit: DefaultTransferGasLimit,
			wantFee:   big.NewInt(2 * gwei),
		},
		{
			name:      "nil header",
			header:    nil,
			op:        OpBatchMint,
			wantKind:  KindLegacy,
			wantLimit: DefaultBatchGasLimit,
			wantFee:   big.NewInt(2 * gwei),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := s.Plan(tt.header, tt.op)
			assert.Equal(t, tt.wantKind, p.Kind)
			assert.Equal(t, tt.wantLimit, p.GasLimit)
			if p.Kind == KindDynamic {
				assert.Equal(t, 0, p.GasFeeCap.Cmp(tt.wantFee), "fee cap %s", p.GasFeeCap)
				assert.Equal(t, 0, p.GasTipCap.Cmp(big.NewInt(2*gwei)))
				assert.Nil(t, p.GasPrice)
			} else {
				assert.Equal(t, 0, p.GasPrice.Cmp(tt.wantFee), "gas price %s", p.GasPrice)
				assert.Nil(t, p.GasFeeCap)
			}
		})
	}
}

func TestStrategy_CustomConfig(t *testing.T) {
	s, err := NewStrategy(Config{
		PriorityFeeGwei:    decimal.RequireFromString("1.5"),
		LegacyGasPriceGwei: decimal.NewFromInt(5),
		BatchGasLimit:      3_000_000,
		TransferGasLimit:   100_000,
	})
	require.NoError(t, err)

	p := s.Plan(&types.Header{BaseFee: big.NewInt(gwei)}, OpTransfer)
	assert.Equal(t, uint64(100_000), p.GasLimit)
	assert.Equal(t, "1500000000", p.GasTipCap.String())
	assert.Equal(t, "2500000000", p.GasFeeCap.String())

	p = s.Plan(&types.Header{}, OpBatchMint)
	assert.Equal(t, uint64(3_000_000), p.GasLimit)
	assert.Equal(t, "5000000000", p.GasPrice.String())
}

func TestStrategy_RejectsSubWeiGwei(t *testing.T) {
	_, err := NewStrategy(Config{PriorityFeeGwei: decimal.RequireFromString("0.0000000001")})
	require.Error(t, err)
}

func TestPlan_NewTx(t *testing.T) {
	s, err := NewStrategy(Config{})
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	chainID := big.NewInt(11155111)

	dyn := s.Plan(&types.Header{BaseFee: big.NewInt(gwei)}, OpBatchMint).NewTx(chainID, 7, to, []byte{1})
	assert.Equal(t, uint8(types.DynamicFeeTxType), dyn.Type())
	assert.Equal(t, uint64(7), dyn.Nonce())
	assert.Equal(t, uint64(DefaultBatchGasLimit), dyn.Gas())
	assert.Equal(t, to, *dyn.To())

	legacy := s.Plan(&types.Header{}, OpTransfer).NewTx(chainID, 8, to, nil)
	assert.Equal(t, uint8(types.LegacyTxType), legacy.Type())
	assert.Equal(t, "2000000000", legacy.GasPrice().String())
}
