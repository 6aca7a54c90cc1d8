// Package fee picks the transaction fee shape for the current block.
//
// A header that carries a base fee gets a dynamic-fee (type 2) plan with a fixed
// priority fee on top. Anything else falls back to a legacy plan with a fixed gas price.
package fee

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/amount"
)

// Operation selects the gas ceiling for a transaction.
type Operation string

const (
	OpBatchMint Operation = "batch_mint"
	OpTransfer  Operation = "transfer"
)

// Kind is the transaction shape of a plan.
type Kind string

const (
	KindDynamic Kind = "dynamic"
	KindLegacy  Kind = "legacy"
)

const (
	DefaultPriorityFeeGwei    = 2
	DefaultLegacyGasPriceGwei = 2
	DefaultBatchGasLimit      = 5_000_000
	DefaultTransferGasLimit   = 200_000
)

// Config holds fee settings as they appear in the config file.
type Config struct {
	PriorityFeeGwei    decimal.Decimal `yaml:"priority_fee_gwei"`
	LegacyGasPriceGwei decimal.Decimal `yaml:"legacy_gas_price_gwei"`
	BatchGasLimit      uint64          `yaml:"batch_gas_limit"`
	TransferGasLimit   uint64          `yaml:"transfer_gas_limit"`
}

// DefaultConfig returns the stock fee settings.
func DefaultConfig() Config {
	return Config{
		PriorityFeeGwei:    decimal.NewFromInt(DefaultPriorityFeeGwei),
		LegacyGasPriceGwei: decimal.NewFromInt(DefaultLegacyGasPriceGwei),
		BatchGasLimit:      DefaultBatchGasLimit,
		TransferGasLimit:   DefaultTransferGasLimit,
	}
}

// Plan is the fee decision for one transaction.
type Plan struct {
	Kind      Kind
	GasLimit  uint64
	GasPrice  *big.Int // legacy only
	GasTipCap *big.Int // dynamic only
	GasFeeCap *big.Int // dynamic only
}

// Strategy turns a header into a Plan.
type Strategy struct {
	priorityFee *big.Int
	gasPrice    *big.Int
	gasLimits   map[Operation]uint64
}

// NewStrategy validates cfg and converts the gwei settings to wei.
// Zero values fall back to the defaults.
func NewStrategy(cfg Config) (*Strategy, error) {
	def := DefaultConfig()
	if cfg.PriorityFeeGwei.IsZero() {
		cfg.PriorityFeeGwei = def.PriorityFeeGwei
	}
	if cfg.LegacyGasPriceGwei.IsZero() {
		cfg.LegacyGasPriceGwei = def.LegacyGasPriceGwei
	}
	if cfg.BatchGasLimit == 0 {
		cfg.BatchGasLimit = def.BatchGasLimit
	}
	if cfg.TransferGasLimit == 0 {
		cfg.TransferGasLimit = def.TransferGasLimit
	}

	tip, err := amount.Gwei.ToBaseUnits(cfg.PriorityFeeGwei)
	if err != nil {
		return nil, err
	}
	price, err := amount.Gwei.ToBaseUnits(cfg.LegacyGasPriceGwei)
	if err != nil {
		return nil, err
	}

	return &Strategy{
		priorityFee: tip,
		gasPrice:    price,
		gasLimits: map[Operation]uint64{
			OpBatchMint: cfg.BatchGasLimit,
			OpTransfer:  cfg.TransferGasLimit,
		},
	}, nil
}

// Plan picks the fee shape for op against the given header.
func (s *Strategy) Plan(header *types.Header, op Operation) Plan {
	limit := s.gasLimits[op]
	if limit == 0 {
		limit = s.gasLimits[OpTransfer]
	}

	if header != nil && header.BaseFee != nil {
		tip := new(big.Int).Set(s.priorityFee)
		return Plan{
			Kind:      KindDynamic,
			GasLimit:  limit,
			GasTipCap: tip,
			GasFeeCap: new(big.Int).Add(header.BaseFee, tip),
		}
	}

	return Plan{
		Kind:     KindLegacy,
		GasLimit: limit,
		GasPrice: new(big.Int).Set(s.gasPrice),
	}
}

// NewTx builds the unsigned transaction for the plan.
func (p Plan) NewTx(chainID *big.Int, nonce uint64, to common.Address, data []byte) *types.Transaction {
	if p.Kind == KindDynamic {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: p.GasTipCap,
			GasFeeCap: p.GasFeeCap,
			Gas:       p.GasLimit,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: p.GasPrice,
		Gas:      p.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
}
