// Package control wires the settlement components together and manages their lifecycle.
package control

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/settler/internal/core/checkpoint"
	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/health"
	"github.com/vietddude/settler/internal/infra/chain"
	"github.com/vietddude/settler/internal/infra/chain/evm"
	redisclient "github.com/vietddude/settler/internal/infra/redis"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/infra/storage/postgres"
	"github.com/vietddude/settler/internal/settlement/aggregator"
	"github.com/vietddude/settler/internal/settlement/confirm"
	"github.com/vietddude/settler/internal/settlement/fee"
	"github.com/vietddude/settler/internal/settlement/reconciler"
	"github.com/vietddude/settler/internal/settlement/submitter"
	"github.com/vietddude/settler/internal/settlement/supervisor"
)

// Resources are the external connections the settler runs on.
type Resources struct {
	Store  storage.Store
	Client chain.Client
	// Dial opens listener connections. Defaults to handing out Client.
	Dial chain.Dialer
	// Key signs transactions. Nil makes the settler read-only.
	Key *ecdsa.PrivateKey
	// Lock excludes batch cycles across processes. Optional.
	Lock supervisor.CycleLock
	// NonceLock serializes signing with Key across processes. Optional.
	NonceLock submitter.NonceLock

	db    *postgres.DB
	redis *redisclient.Client
}

// Settler is the main application struct that manages the settlement lifecycle.
type Settler struct {
	cfg *config.AppConfig
	res Resources

	Token      *evm.Token
	Submitter  *submitter.Submitter
	Ledger     *reconciler.Reconciler
	Checkpoint *checkpoint.Manager
	Scanner    *confirm.Scanner
	Batch      *supervisor.BatchSupervisor
	Listener   *supervisor.ListenerSupervisor

	healthMon    *health.Monitor
	healthServer *health.Server
	cron         *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Open connects to Postgres, Redis and the chain as configured and assembles a Settler.
// The signing key is optional so read-only commands work without it.
func Open(ctx context.Context, cfg *config.AppConfig) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var res Resources
	ok := false
	defer func() {
		if !ok {
			res.close()
		}
	}()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	res.db, res.Store = db, db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		res.redis = rc
		res.Lock = rc.NewMutex(cfg.Batch.LockKey, cfg.Redis.LockTTL)
		res.NonceLock = rc.NewNonceLock(redisclient.DefaultNonceTTL)
	}

	dial := evm.NewDialer(cfg.Chain.RPCURL, cfg.Chain.RPCTimeout)
	client, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}
	res.Client, res.Dial = client, dial

	if cfg.Chain.PrivateKey != "" {
		key, err := submitter.ParsePrivateKey(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, err
		}
		res.Key = key
	}

	s, err := Assemble(cfg, res)
	if err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

// Assemble builds the components over already opened resources.
func Assemble(cfg *config.AppConfig, res Resources) (*Settler, error) {
	if res.Store == nil || res.Client == nil {
		return nil, errors.New("store and chain client are required")
	}
	if res.Dial == nil {
		client := res.Client
		res.Dial = func(context.Context) (chain.Client, error) { return nopCloser{client}, nil }
	}

	addr, err := evm.ParseAddress(cfg.Chain.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("chain.contract_address: %w", err)
	}
	token, err := evm.NewToken(addr)
	if err != nil {
		return nil, err
	}
	fees, err := fee.NewStrategy(cfg.Fees)
	if err != nil {
		return nil, err
	}

	var chainID *big.Int
	if cfg.Chain.ChainID != 0 {
		chainID = big.NewInt(cfg.Chain.ChainID)
	}
	sub := submitter.New(res.Client, token, fees, res.Key, submitter.Config{
		ChainID:    chainID,
		RPCTimeout: cfg.Chain.RPCTimeout,
		NonceLock:  res.NonceLock,
	})

	ledger := reconciler.New(res.Store, reconciler.Config{
		CheckpointName: cfg.Listener.Name,
		DriftWorkers:   cfg.Maintenance.DriftWorkers,
		RPCTimeout:     cfg.Chain.RPCTimeout,
		StaleAfter:     cfg.Maintenance.StaleAfter,
	})
	cp := checkpoint.NewManager(res.Store.Checkpoints(), cfg.Listener.Name)
	scanner := confirm.NewScanner(token, ledger, cp, confirm.Config{
		StartBlock:    cfg.Listener.StartBlock,
		Confirmations: cfg.Listener.Confirmations,
		ChunkSize:     cfg.Listener.ChunkSize,
		RPCTimeout:    cfg.Chain.RPCTimeout,
	})

	batch := supervisor.NewBatchSupervisor(
		aggregator.New(res.Store.Credits(), res.Store.Profiles(), slog.Default().With("component", "aggregator")),
		sub,
		ledger,
		supervisor.BatchConfig{RecordTimeout: cfg.Batch.RecordTimeout, Lock: res.Lock},
	)
	listener := supervisor.NewListenerSupervisor(res.Dial, scanner, supervisor.ListenerConfig{
		PollInterval: cfg.Listener.PollInterval,
		Backoff:      cfg.Listener.Backoff,
	})

	var listenerSource health.ListenerSource
	if !cfg.Listener.Disabled {
		listenerSource = listener
	}
	healthMon := health.NewMonitor(res.Store, cp, listenerSource, batch)
	if res.redis != nil {
		healthMon.AddDependency("redis", res.redis)
	}

	return &Settler{
		cfg:          cfg,
		res:          res,
		Token:        token,
		Submitter:    sub,
		Ledger:       ledger,
		Checkpoint:   cp,
		Scanner:      scanner,
		Batch:        batch,
		Listener:     listener,
		healthMon:    healthMon,
		healthServer: health.NewServer(healthMon, cfg.Server.Port),
		log:          slog.Default(),
	}, nil
}

// Health returns the current health report.
func (s *Settler) Health(ctx context.Context) *health.Report {
	return s.healthMon.CheckHealth(ctx)
}

// Start launches the health server, the scheduled jobs and the listener. It does not block.
func (s *Settler) Start(ctx context.Context) error {
	if s.res.Key == nil {
		return errors.New("chain.private_key is required to run the settler")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	c, err := s.schedule(ctx)
	if err != nil {
		cancel()
		return err
	}
	s.cron = c

	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	if s.res.db != nil {
		s.res.db.StartMetricsCollector(ctx)
	}

	if !s.cfg.Listener.Disabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Listener.RunListener(ctx); err != nil {
				s.log.Error("Listener failed", "error", err)
			}
		}()
	}

	s.cron.Start()
	s.log.Info("Settler started",
		"signer", s.Submitter.From().Hex(),
		"contract", s.Token.Address().Hex(),
		"batch_schedule", s.cfg.Batch.Schedule,
		"listener", !s.cfg.Listener.Disabled,
	)
	return nil
}

func (s *Settler) schedule(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{log: slog.Default().With("component", "cron")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(s.cfg.Batch.Schedule, func() { s.runBatch(ctx) }); err != nil {
		return nil, fmt.Errorf("batch.schedule: %w", err)
	}
	if spec := s.cfg.Maintenance.ReceiptSchedule; spec != "" {
		if _, err := c.AddFunc(spec, func() { s.runSweep(ctx) }); err != nil {
			return nil, fmt.Errorf("maintenance.receipt_schedule: %w", err)
		}
	}
	if spec := s.cfg.Maintenance.DriftSchedule; spec != "" {
		if _, err := c.AddFunc(spec, func() { s.runDrift(ctx) }); err != nil {
			return nil, fmt.Errorf("maintenance.drift_schedule: %w", err)
		}
	}
	return c, nil
}

func (s *Settler) runBatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// cycle failures are logged by the supervisor
	_, err := s.Batch.RunBatchCycle(ctx)
	switch {
	case errors.Is(err, domain.ErrCycleInProgress):
		s.log.Debug("Batch cycle skipped", "reason", err)
	case errors.Is(err, domain.ErrUnresolvedConflicts):
		s.log.Warn("Batch cycle blocked until conflicts are resolved", "error", err)
	}
}

func (s *Settler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Ledger.SweepReceipts(ctx, s.res.Client, s.cfg.Maintenance.ReceiptMinAge); err != nil {
		s.log.Error("Receipt sweep failed", "error", err)
	}
}

func (s *Settler) runDrift(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Ledger.CheckDrift(ctx, s.Submitter); err != nil {
		s.log.Error("Drift check failed", "error", err)
	}
}

// Stop waits for a running cycle, stops the listener and closes all connections.
func (s *Settler) Stop(ctx context.Context) error {
	s.log.Info("Stopping settler...")

	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("Timed out waiting for scheduled jobs")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for listener")
	}

	err := s.healthServer.Stop(ctx)
	s.Close()
	return err
}

// Close releases the connections without stopping anything. Used by one-shot commands.
func (s *Settler) Close() {
	s.res.close()
}

func (r *Resources) close() {
	if r.Client != nil {
		r.Client.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
}

// nopCloser lets the listener close its connection without closing the shared client.
type nopCloser struct {
	chain.Client
}

func (nopCloser) Close() {}

// Store returns the ledger store.
func (s *Settler) Store() storage.Store {
	return s.res.Store
}

// Client returns the shared chain client.
func (s *Settler) Client() chain.Client {
	return s.res.Client
}
