// Package submitter signs and broadcasts reward token transactions for the single
// administrative key.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/amount"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/metrics"
	"github.com/vietddude/settler/internal/settlement/fee"
)

// DefaultRPCTimeout bounds every node call made by the submitter.
const DefaultRPCTimeout = 15 * time.Second

// NonceLock serializes nonce use for one signer across processes. The returned
// function releases the lock.
type NonceLock interface {
	LockNonce(ctx context.Context, signer common.Address) (func(context.Context) error, error)
}

// Config configures a Submitter.
type Config struct {
	// ChainID is fetched from the node on first use when nil.
	ChainID    *big.Int
	RPCTimeout time.Duration
	// NonceLock is optional; without it only callers in this process are serialized.
	NonceLock NonceLock
}

// Submitter builds, signs and broadcasts transactions. Nonce fetch, signing and
// broadcast happen under one mutex so concurrent callers never share a nonce.
type Submitter struct {
	client  chain.Client
	token   *evm.Token
	fees    *fee.Strategy
	key     *ecdsa.PrivateKey
	from    common.Address
	timeout time.Duration
	lock    NonceLock
	log     *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

// New creates a submitter signing with key. A nil key gives a read-only submitter whose
// submissions fail with domain.ErrSubmission.
func New(client chain.Client, token *evm.Token, fees *fee.Strategy, key *ecdsa.PrivateKey, cfg Config) *Submitter {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	s := &Submitter{
		client:  client,
		token:   token,
		fees:    fees,
		key:     key,
		timeout: cfg.RPCTimeout,
		lock:    cfg.NonceLock,
		chainID: cfg.ChainID,
		log:     slog.Default().With("component", "submitter"),
	}
	if key != nil {
		s.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

// ParsePrivateKey reads a hex private key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// From returns the signer address.
func (s *Submitter) From() common.Address {
	return s.from
}

// SubmitBatch broadcasts batchMint(addresses, amounts) and returns the tx hash.
func (s *Submitter) SubmitBatch(
	ctx context.Context,
	addresses []common.Address,
	amounts []decimal.Decimal,
) (string, error) {
	if !s.token.Loaded() {
		return "", domain.ErrContractUnavailable
	}
	if len(addresses) == 0 || len(addresses) != len(amounts) {
		return "", fmt.Errorf("%w: %d addresses, %d amounts", domain.ErrSubmission, len(addresses), len(amounts))
	}

	units := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		v, err := amount.Token.ToBaseUnits(a)
		if err != nil {
			return "", err
		}
		units[i] = v
	}

	data, err := s.token.PackBatchMint(addresses, units)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}
	return s.submit(ctx, fee.OpBatchMint, data)
}

// SubmitTransfer broadcasts transfer(to, value) and returns the tx hash.
func (s *Submitter) SubmitTransfer(ctx context.Context, to common.Address, value decimal.Decimal) (string, error) {
	if !s.token.Loaded() {
		return "", domain.ErrContractUnavailable
	}
	if err := amount.Token.Validate(value); err != nil {
		return "", err
	}
	units, err := amount.Token.ToBaseUnits(value)
	if err != nil {
		return "", err
	}

	data, err := s.token.PackTransfer(to, units)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}
	return s.submit(ctx, fee.OpTransfer, data)
}

// BalanceOf reads the token balance of account.
func (s *Submitter) BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	if !s.token.Loaded() {
		return decimal.Zero, domain.ErrContractUnavailable
	}
	msg, err := s.token.BalanceOfMsg(account)
	if err != nil {
		return decimal.Zero, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	result, err := s.client.CallContract(cctx, msg, nil)
	metrics.RPCLatency.WithLabelValues("eth_call").Observe(time.Since(start).Seconds())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balanceOf %s: %w", domain.ErrTransport, account.Hex(), err)
	}

	bal, err := s.token.UnpackBalanceOf(result)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Token.FromBaseUnits(bal), nil
}

func (s *Submitter) submit(ctx context.Context, op fee.Operation, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil && s.key != nil {
		unlock, err := s.lock.LockNonce(ctx, s.from)
		if err != nil {
			metrics.SubmissionErrorsTotal.WithLabelValues(string(op)).Inc()
			return "", fmt.Errorf("%w: nonce lock: %w", domain.ErrSubmission, err)
		}
		defer func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			if err := unlock(uctx); err != nil {
				s.log.Warn("Failed to release nonce lock", "signer", s.from.Hex(), "error", err)
			}
		}()
	}

	hash, kind, err := s.signAndSend(ctx, op, data)
	if err != nil {
		metrics.SubmissionErrorsTotal.WithLabelValues(string(op)).Inc()
		return "", err
	}
	metrics.TransactionsSubmitted.WithLabelValues(string(op), string(kind)).Inc()
	return hash, nil
}

// signAndSend must be called with s.mu and the nonce lock held.
func (s *Submitter) signAndSend(ctx context.Context, op fee.Operation, data []byte) (string, fee.Kind, error) {
	if s.key == nil {
		return "", "", fmt.Errorf("%w: no signing key configured", domain.ErrSubmission)
	}
	if s.chainID == nil {
		var id *big.Int
		err := s.call(ctx, "eth_chainId", func(c context.Context) (err error) {
			id, err = s.client.ChainID(c)
			return err
		})
		if err != nil {
			return "", "", fmt.Errorf("%w: fetch chain id: %w", domain.ErrSubmission, err)
		}
		s.chainID = id
	}

	var header *types.Header
	err := s.call(ctx, "eth_getBlockByNumber", func(c context.Context) (err error) {
		header, err = s.client.HeaderByNumber(c, nil)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: fetch header: %w", domain.ErrSubmission, err)
	}
	plan := s.fees.Plan(header, op)

	var nonce uint64
	err = s.call(ctx, "eth_getTransactionCount", func(c context.Context) (err error) {
		nonce, err = s.client.PendingNonceAt(c, s.from)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: fetch nonce: %w", domain.ErrSubmission, err)
	}

	tx := plan.NewTx(s.chainID, nonce, s.token.Address(), data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", "", fmt.Errorf("%w: sign: %w", domain.ErrSubmission, err)
	}

	err = s.call(ctx, "eth_sendRawTransaction", func(c context.Context) error {
		return s.client.SendTransaction(c, signed)
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: broadcast: %w", domain.ErrSubmission, err)
	}

	hash := signed.Hash().Hex()
	s.log.Info("Transaction broadcast",
		"tx", hash,
		"operation", op,
		"nonce", nonce,
		"fee_kind", plan.Kind,
		"gas_limit", plan.GasLimit,
	)
	return hash, plan.Kind, nil
}

// call runs fn under the per-RPC timeout and records its latency.
func (s *Submitter) call(ctx context.Context, method string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}
