// Package storage provides persistent storage using SQLite.
//
// It holds the two durable maps the coordinator relies on: the secret store
// (hashlock -> secret record) and the swap ledger (order hash -> swap record),
// plus the single-writer lease.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// DBFileName is the SQLite database file inside the data directory.
const DBFileName = "resolver.db"

// Storage provides persistent storage for the resolver.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	files *SecretFiles
	log   *logging.Logger
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// SecretsDir receives one JSON file per hashlock when WriteSecretFiles is set.
	// Defaults to <DataDir>/secrets.
	SecretsDir       string
	WriteSecretFiles bool
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		log:    logging.GetDefault().Component("storage"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.RepairSecretIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to repair secret index: %w", err)
	}

	if cfg.WriteSecretFiles {
		dir := cfg.SecretsDir
		if dir == "" {
			dir = filepath.Join(dataDir, "secrets")
		}
		files, err := NewSecretFiles(expandPath(dir))
		if err != nil {
			db.Close()
			return nil, err
		}
		s.files = files
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// SecretFiles returns the audit mirror, or nil when disabled.
func (s *Storage) SecretFiles() *SecretFiles {
	return s.files
}

// swapColumnsDDL is shared by the live table and the archive partition.
const swapColumnsDDL = `
		order_hash TEXT PRIMARY KEY,
		hashlock TEXT NOT NULL,
		secret TEXT,

		-- Participants
		maker TEXT NOT NULL,
		taker TEXT NOT NULL,

		-- Legs (amounts are base-10 strings, never floats)
		src_chain_id INTEGER NOT NULL,
		dst_chain_id INTEGER NOT NULL,
		src_token TEXT NOT NULL,
		dst_token TEXT NOT NULL,
		src_amount TEXT NOT NULL,
		dst_amount TEXT NOT NULL,
		src_safety_deposit TEXT NOT NULL DEFAULT '0',
		dst_safety_deposit TEXT NOT NULL DEFAULT '0',

		-- Escrows (set once)
		src_escrow TEXT,
		dst_escrow TEXT,
		timelocks TEXT NOT NULL DEFAULT '0',
		src_deployed_at INTEGER,
		dst_deployed_at INTEGER,

		-- State
		status TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'queue',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		error_class TEXT,

		-- Transactions
		fill_tx TEXT,
		dst_deploy_tx TEXT,
		dst_withdraw_tx TEXT,
		src_withdraw_tx TEXT,

		-- Transition timestamps (unix seconds)
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		src_escrow_created_at INTEGER,
		src_deposited_at INTEGER,
		dst_escrow_created_at INTEGER,
		dst_funded_at INTEGER,
		secret_revealed_at INTEGER,
		dst_withdrawn_at INTEGER,
		src_withdrawn_at INTEGER,
		completed_at INTEGER,
		failed_at INTEGER,
		expired_at INTEGER
`

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Secret store (hashlock -> secret)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS secrets (
		hashlock TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		order_hash TEXT NOT NULL,
		escrow_address TEXT,
		chain_id INTEGER NOT NULL,

		-- pending, confirmed, failed
		status TEXT NOT NULL DEFAULT 'pending',

		confirm_tx TEXT,
		gas_used INTEGER,
		failure_reason TEXT,

		revealed_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Second index of the store; maintained by SQLite in the same write.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_secrets_order_hash ON secrets(order_hash);
	CREATE INDEX IF NOT EXISTS idx_secrets_status ON secrets(status);

	-- =========================================================================
	-- Swap ledger (order hash -> swap record)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swaps (` + swapColumnsDDL + `);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_swaps_hashlock ON swaps(hashlock);
	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_created ON swaps(created_at);

	-- Terminal records (COMPLETED, FAILED, EXPIRED) are moved here.
	CREATE TABLE IF NOT EXISTS swaps_archive (` + swapColumnsDDL + `);

	CREATE INDEX IF NOT EXISTS idx_swaps_archive_hashlock ON swaps_archive(hashlock);
	CREATE INDEX IF NOT EXISTS idx_swaps_archive_status ON swaps_archive(status);

	-- =========================================================================
	-- Single-writer lease
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS lease (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		renewed_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN dst_deploy_tx TEXT",
		"ALTER TABLE swaps_archive ADD COLUMN dst_deploy_tx TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// RepairSecretIndex rebuilds the order-hash index of the secret store from
// the record table. Runs on every open.
func (s *Storage) RepairSecretIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("REINDEX idx_secrets_order_hash")
	return err
}

// GetSetting reads a value from the settings table.
func (s *Storage) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting: %w", err)
	}
	return value.String, true, nil
}

// SetSetting upserts a value in the settings table.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// ErrResolverMismatch is returned when a ledger is opened with a different
// resolver key than the one that wrote it.
var ErrResolverMismatch = errors.New("ledger belongs to a different resolver")

const settingResolverAddress = "resolver_address"

// BindResolver records address as the owner of the ledger on first use and
// rejects any other address afterwards.
func (s *Storage) BindResolver(address string) error {
	addr := strings.ToLower(address)
	stored, ok, err := s.GetSetting(settingResolverAddress)
	if err != nil {
		return err
	}
	if !ok {
		return s.SetSetting(settingResolverAddress, addr)
	}
	if stored != addr {
		return fmt.Errorf("%w: %s", ErrResolverMismatch, stored)
	}
	return nil
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
