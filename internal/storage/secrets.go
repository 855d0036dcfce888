// Package storage - Secret store for HTLC swaps.
//
// Records are keyed by hashlock with a second unique index by order hash.
// Every mutation is a single SQL transaction, so both lookups always agree.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/internal/hashlock"
)

// Secret errors
var (
	ErrSecretNotFound          = errors.New("secret not found")
	ErrSecretConflict          = errors.New("a different secret is already stored for this hashlock or order")
	ErrInvalidSecretTransition = errors.New("invalid secret status transition")
)

// SecretStatus is the lifecycle state of a stored secret.
type SecretStatus string

const (
	SecretPending   SecretStatus = "pending"   // known, withdrawal not confirmed yet
	SecretConfirmed SecretStatus = "confirmed" // source withdrawal confirmed on-chain
	SecretFailed    SecretStatus = "failed"    // withdrawal failed unrecoverably
)

// SecretRecord represents an HTLC secret in the database.
type SecretRecord struct {
	Hashlock      string       `json:"hashlock"`
	Secret        string       `json:"secret"`
	OrderHash     string       `json:"order_hash"`
	EscrowAddress string       `json:"escrow_address,omitempty"`
	ChainID       uint64       `json:"chain_id"`
	Status        SecretStatus `json:"status"`

	ConfirmTx     string `json:"confirm_tx,omitempty"`
	GasUsed       uint64 `json:"gas_used,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	RevealedAt time.Time `json:"revealed_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SecretStats summarizes the secret store.
type SecretStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
}

const secretColumns = `hashlock, secret, order_hash, escrow_address, chain_id, status,
	confirm_tx, gas_used, failure_reason, revealed_at, created_at, updated_at`

// PutSecret stores a secret under its hashlock.
//
// A record that already exists with the same secret and order hash is left
// in its current status (only a missing escrow address is filled in). A
// different secret or order hash for the same hashlock, or a second hashlock
// for the same order, fails with ErrSecretConflict.
func (s *Storage) PutSecret(secret hashlock.Secret, orderHash, escrowAddress string, chainID uint64) (*SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hashlock.Hash(secret).Hex()
	secretHex := secret.Hex()
	orderHash = strings.ToLower(orderHash)
	escrowAddress = strings.ToLower(escrowAddress)
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSecret(tx.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE hashlock = ?`, h))
	switch {
	case err == nil:
		if existing.Secret != secretHex || existing.OrderHash != orderHash {
			return nil, ErrSecretConflict
		}
		if existing.EscrowAddress == "" && escrowAddress != "" {
			if _, err := tx.Exec(`UPDATE secrets SET escrow_address = ?, chain_id = ?, updated_at = ? WHERE hashlock = ?`,
				escrowAddress, chainID, now.Unix(), h); err != nil {
				return nil, fmt.Errorf("failed to update secret: %w", err)
			}
			existing.EscrowAddress = escrowAddress
			existing.ChainID = chainID
			existing.UpdatedAt = time.Unix(now.Unix(), 0)
		}
	case errors.Is(err, ErrSecretNotFound):
		_, err = tx.Exec(`
			INSERT INTO secrets (`+secretColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, ?)
		`, h, secretHex, orderHash, nullString(escrowAddress), chainID, string(SecretPending),
			now.Unix(), now.Unix(), now.Unix())
		if err != nil {
			if isUniqueConstraintError(err) {
				return nil, ErrSecretConflict
			}
			return nil, fmt.Errorf("failed to insert secret: %w", err)
		}
		existing = &SecretRecord{
			Hashlock:      h,
			Secret:        secretHex,
			OrderHash:     orderHash,
			EscrowAddress: escrowAddress,
			ChainID:       chainID,
			Status:        SecretPending,
			RevealedAt:    time.Unix(now.Unix(), 0),
			CreatedAt:     time.Unix(now.Unix(), 0),
			UpdatedAt:     time.Unix(now.Unix(), 0),
		}
	default:
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit secret: %w", err)
	}

	s.mirrorSecret(existing)
	return existing, nil
}

// GetSecretByHash retrieves a secret record by hashlock.
func (s *Storage) GetSecretByHash(h string) (*SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanSecret(s.db.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE hashlock = ?`, strings.ToLower(h)))
}

// GetSecretByOrderHash retrieves a secret record by order hash.
func (s *Storage) GetSecretByOrderHash(orderHash string) (*SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanSecret(s.db.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE order_hash = ?`, strings.ToLower(orderHash)))
}

// ConfirmSecret transitions a secret from pending to confirmed.
// Confirming an already confirmed secret is a no-op.
func (s *Storage) ConfirmSecret(h, txRef string, gasUsed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h = strings.ToLower(h)
	rec, err := s.updateSecretStatus(h, SecretConfirmed, func(tx *sql.Tx, now int64) error {
		_, err := tx.Exec(`UPDATE secrets SET status = ?, confirm_tx = ?, gas_used = ?, updated_at = ? WHERE hashlock = ?`,
			string(SecretConfirmed), txRef, gasUsed, now, h)
		return err
	})
	if err != nil {
		return err
	}
	s.mirrorSecret(rec)
	return nil
}

// MarkSecretFailed transitions a secret from pending to failed.
// Marking an already failed secret is a no-op.
func (s *Storage) MarkSecretFailed(h, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h = strings.ToLower(h)
	rec, err := s.updateSecretStatus(h, SecretFailed, func(tx *sql.Tx, now int64) error {
		_, err := tx.Exec(`UPDATE secrets SET status = ?, failure_reason = ?, updated_at = ? WHERE hashlock = ?`,
			string(SecretFailed), reason, now, h)
		return err
	})
	if err != nil {
		return err
	}
	s.mirrorSecret(rec)
	return nil
}

// updateSecretStatus runs a pending -> target transition in one transaction.
// Caller holds s.mu.
func (s *Storage) updateSecretStatus(h string, target SecretStatus, apply func(tx *sql.Tx, now int64) error) (*SecretRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanSecret(tx.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE hashlock = ?`, h))
	if err != nil {
		return nil, err
	}

	if rec.Status == target {
		return rec, nil
	}
	if rec.Status != SecretPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidSecretTransition, rec.Status, target)
	}

	now := time.Now().Unix()
	if err := apply(tx, now); err != nil {
		return nil, fmt.Errorf("failed to update secret: %w", err)
	}

	rec, err = scanSecret(tx.QueryRow(`SELECT `+secretColumns+` FROM secrets WHERE hashlock = ?`, h))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit secret: %w", err)
	}
	return rec, nil
}

// ListPendingSecrets returns all secrets still waiting for a confirmed withdrawal.
func (s *Storage) ListPendingSecrets() ([]*SecretRecord, error) {
	return s.ListSecrets(SecretPending)
}

// ListSecrets returns secrets with the given status, or all when status is empty.
func (s *Storage) ListSecrets(status SecretStatus) ([]*SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + secretColumns + ` FROM secrets`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, hashlock ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*SecretRecord
	for rows.Next() {
		rec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, rec)
	}
	return secrets, rows.Err()
}

// SecretStatistics returns counts per status.
func (s *Storage) SecretStatistics() (SecretStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats SecretStats
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM secrets GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count secrets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch SecretStatus(status) {
		case SecretPending:
			stats.Pending = n
		case SecretConfirmed:
			stats.Confirmed = n
		case SecretFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

func (s *Storage) mirrorSecret(rec *SecretRecord) {
	if s.files == nil || rec == nil {
		return
	}
	if err := s.files.Write(rec); err != nil {
		s.log.Warn("Failed to write secret file", "hashlock", rec.Hashlock, "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecret(row rowScanner) (*SecretRecord, error) {
	var rec SecretRecord
	var escrow, confirmTx, failure sql.NullString
	var gasUsed sql.NullInt64
	var status string
	var revealedAt, createdAt, updatedAt int64

	err := row.Scan(
		&rec.Hashlock, &rec.Secret, &rec.OrderHash, &escrow, &rec.ChainID, &status,
		&confirmTx, &gasUsed, &failure, &revealedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan secret: %w", err)
	}

	rec.Status = SecretStatus(status)
	rec.EscrowAddress = escrow.String
	rec.ConfirmTx = confirmTx.String
	rec.FailureReason = failure.String
	if gasUsed.Valid {
		rec.GasUsed = uint64(gasUsed.Int64)
	}
	rec.RevealedAt = time.Unix(revealedAt, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
