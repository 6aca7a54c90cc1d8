package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	redisclient "github.com/vietddude/settler/internal/infra/redis"
	"github.com/vietddude/settler/internal/settlement/confirm"
	"github.com/vietddude/settler/internal/settlement/fee"
	"github.com/vietddude/settler/internal/settlement/reconciler"
	"github.com/vietddude/settler/internal/settlement/submitter"
	"github.com/vietddude/settler/internal/settlement/supervisor"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = redisclient.DefaultLockTTL
	}

	if c.Chain.RPCTimeout == 0 {
		c.Chain.RPCTimeout = submitter.DefaultRPCTimeout
	}
	if c.Chain.ReceiptPollInterval == 0 {
		c.Chain.ReceiptPollInterval = 2 * time.Second
	}

	defaults := fee.DefaultConfig()
	if c.Fees.PriorityFeeGwei.IsZero() {
		c.Fees.PriorityFeeGwei = defaults.PriorityFeeGwei
	}
	if c.Fees.LegacyGasPriceGwei.IsZero() {
		c.Fees.LegacyGasPriceGwei = defaults.LegacyGasPriceGwei
	}
	if c.Fees.BatchGasLimit == 0 {
		c.Fees.BatchGasLimit = defaults.BatchGasLimit
	}
	if c.Fees.TransferGasLimit == 0 {
		c.Fees.TransferGasLimit = defaults.TransferGasLimit
	}

	if c.Batch.Schedule == "" {
		c.Batch.Schedule = "@every 1m"
	}
	if c.Batch.LockKey == "" {
		c.Batch.LockKey = "batch_cycle"
	}
	if c.Batch.RecordTimeout == 0 {
		c.Batch.RecordTimeout = supervisor.DefaultRecordTimeout
	}

	if c.Listener.Name == "" {
		c.Listener.Name = reconciler.DefaultCheckpointName
	}
	if c.Listener.Confirmations == 0 {
		c.Listener.Confirmations = confirm.DefaultConfirmations
	}
	if c.Listener.PollInterval == 0 {
		c.Listener.PollInterval = supervisor.DefaultPollInterval
	}
	if c.Listener.ChunkSize == 0 {
		c.Listener.ChunkSize = confirm.DefaultChunkSize
	}
	if c.Listener.Backoff.InitialDelay == 0 || c.Listener.Backoff.MaxDelay == 0 {
		c.Listener.Backoff = supervisor.DefaultBackoff()
	}

	if c.Maintenance.ReceiptMinAge == 0 {
		c.Maintenance.ReceiptMinAge = 10 * time.Minute
	}
	if c.Maintenance.StaleAfter == 0 {
		c.Maintenance.StaleAfter = time.Hour
	}
	if c.Maintenance.DriftWorkers == 0 {
		c.Maintenance.DriftWorkers = 4
	}
}

// Validate checks the settings every command needs.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if c.Chain.ContractAddress == "" {
		errs = append(errs, errors.New("chain.contract_address is required"))
	}
	if c.Listener.Backoff.MaxDelay < c.Listener.Backoff.InitialDelay {
		errs = append(errs, errors.New("listener.backoff.max_delay is below initial_delay"))
	}
	return errors.Join(errs...)
}
