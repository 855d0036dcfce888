// Package config loads the resolver's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets in the file.
const (
	EnvPassword   = "RESOLVER_PASSWORD"
	EnvPrivateKey = "RESOLVER_PRIVATE_KEY"
	EnvIndexDSN   = "RESOLVER_INDEX_DSN"
)

// ConfigFileName is the default config file name inside the data directory.
const ConfigFileName = "config.yaml"

// DefaultDataDir is used when no data directory is given.
const DefaultDataDir = "~/.klingdex-resolver"

// Config holds all resolver settings.
type Config struct {
	Resolver    ResolverConfig    `yaml:"resolver"`
	Chains      []ChainConfig     `yaml:"chains"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Index       IndexConfig       `yaml:"index"`
	RPC         RPCConfig         `yaml:"rpc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ResolverConfig identifies the resolver key.
type ResolverConfig struct {
	// Address, when set, must match the loaded key.
	Address string `yaml:"address,omitempty"`

	// Keystore is the encrypted seed file, relative to the data directory
	// unless absolute.
	Keystore string `yaml:"keystore"`
	Account  uint32 `yaml:"account"`
	Index    uint32 `yaml:"index"`

	// Secrets come from the environment only.
	Password   string `yaml:"-"`
	PrivateKey string `yaml:"-"`
}

// ChainConfig is one EVM chain the resolver trades on.
type ChainConfig struct {
	Name           string        `yaml:"name"`
	ChainID        uint64        `yaml:"chain_id"`
	RPCURL         string        `yaml:"rpc_url"`
	Confirmations  uint64        `yaml:"confirmations,omitempty"`
	GasMultiplier  float64       `yaml:"gas_multiplier,omitempty"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout,omitempty"`

	// Contract overrides; empty means the canonical deployment.
	LimitOrderProtocol string `yaml:"limit_order_protocol,omitempty"`
	EscrowFactory      string `yaml:"escrow_factory,omitempty"`
}

// CoordinatorConfig tunes the tick loop and the engines.
type CoordinatorConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	MinProfitBps         int64         `yaml:"min_profit_bps"`
	FillMaxAttempts      int           `yaml:"fill_max_attempts"`
	WithdrawMaxAttempts  int           `yaml:"withdraw_max_attempts"`
	WithdrawInitialDelay time.Duration `yaml:"withdraw_initial_delay"`
	WithdrawMaxDelay     time.Duration `yaml:"withdraw_max_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	StuckAfter           time.Duration `yaml:"stuck_after"`
}

// StorageConfig holds the local ledger settings.
type StorageConfig struct {
	DataDir          string      `yaml:"data_dir"`
	WriteSecretFiles bool        `yaml:"write_secret_files"`
	SecretsDir       string      `yaml:"secrets_dir,omitempty"`
	Lease            LeaseConfig `yaml:"lease"`
}

// LeaseConfig controls the single-writer lease on the data directory.
type LeaseConfig struct {
	Name string        `yaml:"name"`
	TTL  time.Duration `yaml:"ttl"`
}

// QueueConfig locates the maker order queue.
type QueueConfig struct {
	// Dir defaults to <data_dir>/queue.
	Dir              string `yaml:"dir,omitempty"`
	VerifySignatures bool   `yaml:"verify_signatures"`
}

// IndexConfig points at the external indexer database. An empty DSN
// disables it.
type IndexConfig struct {
	DSN          string        `yaml:"dsn,omitempty"`
	Table        string        `yaml:"table"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Limit        int           `yaml:"limit"`
}

// RPCConfig holds the status server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// File is appended to in addition to stderr when set.
	File string `yaml:"file,omitempty"`
}

// DefaultConfig returns a Config with defaults for every field.
func DefaultConfig() *Config {
	return &Config{
		Resolver: ResolverConfig{
			Keystore: "resolver.seed",
		},
		Coordinator: CoordinatorConfig{
			TickInterval:         10 * time.Second,
			MinProfitBps:         0,
			FillMaxAttempts:      3,
			WithdrawMaxAttempts:  5,
			WithdrawInitialDelay: time.Second,
			WithdrawMaxDelay:     5 * time.Minute,
			MaxRetries:           5,
			StuckAfter:           30 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir:          DefaultDataDir,
			WriteSecretFiles: true,
			Lease: LeaseConfig{
				Name: "coordinator",
				TTL:  30 * time.Second,
			},
		},
		Queue: QueueConfig{
			VerifySignatures: true,
		},
		Index: IndexConfig{
			Table:        "swaps",
			QueryTimeout: 5 * time.Second,
			Limit:        500,
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads <dataDir>/config.yaml, writing a default file on first run.
// Environment overrides are applied to the result.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	path := ConfigPath(dataDir)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// LoadFile reads a config file on top of the defaults and applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPassword); v != "" {
		c.Resolver.Password = v
	}
	if v := os.Getenv(EnvPrivateKey); v != "" {
		c.Resolver.PrivateKey = v
	}
	if v := os.Getenv(EnvIndexDSN); v != "" {
		c.Index.DSN = v
	}
}

// Save writes the configuration as YAML with a header comment. Secrets
// never reach the file.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte("# Klingdex resolver configuration\n" +
		"# Secrets are read from " + EnvPassword + ", " + EnvPrivateKey + " and " + EnvIndexDSN + "\n\n")

	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Resolver.Address != "" && !common.IsHexAddress(c.Resolver.Address) {
		errs = append(errs, fmt.Errorf("resolver.address %q is not an address", c.Resolver.Address))
	}

	seen := make(map[uint64]bool)
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			errs = append(errs, fmt.Errorf("chains[%d]: chain_id is required", i))
			continue
		}
		if seen[ch.ChainID] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate chain_id %d", i, ch.ChainID))
		}
		seen[ch.ChainID] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: rpc_url is required", i))
		}
		for field, v := range map[string]string{
			"limit_order_protocol": ch.LimitOrderProtocol,
			"escrow_factory":       ch.EscrowFactory,
		} {
			if v != "" && !common.IsHexAddress(v) {
				errs = append(errs, fmt.Errorf("chains[%d]: %s %q is not an address", i, field, v))
			}
		}
	}

	co := c.Coordinator
	if co.TickInterval <= 0 {
		errs = append(errs, errors.New("coordinator.tick_interval must be positive"))
	}
	if co.MinProfitBps < 0 {
		errs = append(errs, errors.New("coordinator.min_profit_bps must not be negative"))
	}
	if co.FillMaxAttempts < 1 || co.WithdrawMaxAttempts < 1 || co.MaxRetries < 1 {
		errs = append(errs, errors.New("coordinator attempt limits must be at least 1"))
	}
	if co.WithdrawInitialDelay <= 0 || co.WithdrawMaxDelay < co.WithdrawInitialDelay {
		errs = append(errs, errors.New("coordinator.withdraw_max_delay must be at least withdraw_initial_delay"))
	}
	if co.StuckAfter <= 0 {
		errs = append(errs, errors.New("coordinator.stuck_after must be positive"))
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.Lease.TTL < time.Second {
		errs = append(errs, errors.New("storage.lease.ttl must be at least 1s"))
	}
	if c.Index.QueryTimeout <= 0 {
		errs = append(errs, errors.New("index.query_timeout must be positive"))
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		errs = append(errs, errors.New("rpc.addr is required when rpc is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return ExpandPath(c.Storage.DataDir)
}

// KeystorePath resolves the seed file against the data directory.
func (c *Config) KeystorePath() string {
	return c.resolve(c.Resolver.Keystore)
}

// QueueDir returns the order queue directory.
func (c *Config) QueueDir() string {
	if c.Queue.Dir == "" {
		return filepath.Join(c.DataDir(), "queue")
	}
	return c.resolve(c.Queue.Dir)
}

// Chain returns the configuration for chainID.
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func (c *Config) resolve(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// ConfigPath returns the config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
