package config

import (
	"time"

	redisclient "github.com/vietddude/settler/internal/infra/redis"
	"github.com/vietddude/settler/internal/infra/storage/postgres"
	"github.com/vietddude/settler/internal/settlement/fee"
	"github.com/vietddude/settler/internal/settlement/supervisor"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Database    postgres.Config    `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	Chain       ChainConfig        `yaml:"chain"`
	Fees        fee.Config         `yaml:"fees"`
	Batch       BatchConfig        `yaml:"batch"`
	Listener    ListenerConfig     `yaml:"listener"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds the node, contract and signer settings.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	ChainID             int64         `yaml:"chain_id"` // 0 = ask the node
	ContractAddress     string        `yaml:"contract_address"`
	PrivateKey          string        `yaml:"private_key"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// BatchConfig controls the settlement cycle.
type BatchConfig struct {
	Schedule      string        `yaml:"schedule"` // robfig/cron spec
	LockKey       string        `yaml:"lock_key"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

// ListenerConfig controls the BatchMinted listener.
type ListenerConfig struct {
	Disabled      bool               `yaml:"disabled"`
	Name          string             `yaml:"name"`
	StartBlock    uint64             `yaml:"start_block"`
	Confirmations uint64             `yaml:"confirmations"`
	PollInterval  time.Duration      `yaml:"poll_interval"`
	ChunkSize     uint64             `yaml:"chunk_size"`
	Backoff       supervisor.Backoff `yaml:"backoff"`
}

// MaintenanceConfig schedules the receipt sweep and the drift check. Empty schedules disable a job.
type MaintenanceConfig struct {
	ReceiptSchedule string        `yaml:"receipt_schedule"`
	ReceiptMinAge   time.Duration `yaml:"receipt_min_age"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	DriftSchedule   string        `yaml:"drift_schedule"`
	DriftWorkers    int           `yaml:"drift_workers"`
}
