// Package confirm consumes BatchMinted logs and applies each minted entry to the ledger.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/settler/internal/core/checkpoint"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	"github.com/vietddude/settler/internal/metrics"
)

// Scan defaults.
const (
	DefaultChunkSize     uint64 = 2000
	DefaultConfirmations uint64 = 3
	DefaultRPCTimeout           = 15 * time.Second
)

// LogReader is the part of the chain client the scanner needs.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Applier applies one mint event exactly once.
type Applier interface {
	ApplySettlement(ctx context.Context, ev domain.MintEvent) (domain.EventOutcome, error)
}

// Config configures a Scanner.
type Config struct {
	StartBlock    uint64
	Confirmations uint64
	ChunkSize     uint64
	// RPCTimeout bounds each node call.
	RPCTimeout time.Duration
}

// Result describes one scan.
type Result struct {
	From, To   uint64
	Head       uint64
	CaughtUp   bool
	Applied    int
	Orphans    int
	Duplicates int
}

// Events returns how many events the scan handled.
func (r Result) Events() int {
	return r.Applied + r.Orphans + r.Duplicates
}

// Scanner walks the chain from the checkpoint to the confirmed head.
type Scanner struct {
	token  *evm.Token
	ledger Applier
	cp     *checkpoint.Manager
	cfg    Config
	log    *slog.Logger
}

// NewScanner creates a scanner that applies events through ledger and tracks cp.
func NewScanner(token *evm.Token, ledger Applier, cp *checkpoint.Manager, cfg Config) *Scanner {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	return &Scanner{
		token:  token,
		ledger: ledger,
		cp:     cp,
		cfg:    cfg,
		log:    slog.Default().With("component", "confirm", "listener", cp.Name()),
	}
}

// Checkpoint returns the manager of the scan position.
func (s *Scanner) Checkpoint() *checkpoint.Manager {
	return s.cp
}

// ScanOnce scans from the checkpoint to head minus confirmations.
func (s *Scanner) ScanOnce(ctx context.Context, c LogReader) (Result, error) {
	var head uint64
	err := s.call(ctx, "eth_blockNumber", func(cctx context.Context) (err error) {
		head, err = c.BlockNumber(cctx)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: block number: %w", domain.ErrTransport, err)
	}
	metrics.ChainHeadBlock.Set(float64(head))

	cp, err := s.cp.Initialize(ctx, s.cfg.StartBlock, head)
	if err != nil {
		return Result{}, err
	}

	res := Result{Head: head, From: cp.NextBlock, CaughtUp: true}
	if head < s.cfg.Confirmations {
		return res, nil
	}
	safe := head - s.cfg.Confirmations
	if cp.NextBlock > safe {
		return res, nil
	}

	res, err = s.ScanRange(ctx, c, cp.NextBlock, safe)
	res.Head = head
	return res, err
}

// ScanRange applies every mint event in [from, to] and then raises the checkpoint to
// to+1. Already applied events are skipped, so any range may be rescanned.
func (s *Scanner) ScanRange(ctx context.Context, c LogReader, from, to uint64) (Result, error) {
	res := Result{From: from, To: to}
	if from > to {
		return res, fmt.Errorf("invalid range %d-%d", from, to)
	}

	chunk := s.cfg.ChunkSize
	for start := from; start <= to; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+chunk-1, to)

		var logs []types.Log
		err := s.call(ctx, "eth_getLogs", func(cctx context.Context) (err error) {
			logs, err = c.FilterLogs(cctx, s.token.MintQuery(start, end))
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if isRangeError(err) && chunk > 1 {
				chunk /= 2
				s.log.Warn("Log range rejected, shrinking chunk", "from", start, "to", end, "chunk", chunk)
				continue
			}
			return res, fmt.Errorf("%w: filter logs %d-%d: %w", domain.ErrTransport, start, end, err)
		}

		if err := s.applyLogs(ctx, logs, &res); err != nil {
			return res, err
		}
		if _, err := s.cp.Raise(ctx, end+1); err != nil {
			return res, err
		}
		start = end + 1
	}

	res.CaughtUp = true
	if res.Events() > 0 {
		s.log.Info("Range scanned",
			"from", from,
			"to", to,
			"applied", res.Applied,
			"orphans", res.Orphans,
			"duplicates", res.Duplicates,
		)
	} else {
		s.log.Debug("Range scanned", "from", from, "to", to)
	}
	return res, nil
}

// call runs fn under the per-RPC timeout and records its latency.
func (s *Scanner) call(ctx context.Context, method string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}

func (s *Scanner) applyLogs(ctx context.Context, logs []types.Log, res *Result) error {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		events, err := s.token.DecodeBatchMinted(lg)
		if err != nil {
			// Skipped for good; CheckDrift reports the missing balance.
			s.log.Error("Undecodable mint log", "block", lg.BlockNumber, "index", lg.Index,
				"tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		for _, ev := range events {
			outcome, err := s.ledger.ApplySettlement(ctx, ev)
			if err != nil {
				return fmt.Errorf("apply event %s: %w", ev.Key(), err)
			}
			switch outcome {
			case domain.EventOutcomeApplied:
				res.Applied++
			case domain.EventOutcomeOrphan:
				res.Orphans++
			case domain.EventOutcomeDuplicate:
				res.Duplicates++
			}
		}
	}
	return nil
}

// isRangeError matches the messages providers use to reject wide eth_getLogs windows.
// Timeouts are transport errors, not range errors.
func isRangeError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout") {
		return false
	}
	for _, s := range []string{"range", "limit", "too many", "exceed", "too large", "more than"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
