package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned when another live owner holds the lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Lease describes the current holder of a named lease.
type Lease struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireLease takes the named lease for owner if it is free, expired or
// already held by owner.
func (s *Storage) AcquireLease(name, owner string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanLease(tx.QueryRow(`SELECT name, owner, acquired_at, renewed_at, expires_at FROM lease WHERE name = ?`, name))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	acquiredAt := now
	if current != nil {
		if current.Owner != owner && now.Before(current.ExpiresAt) {
			return nil, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.Owner, current.ExpiresAt.Format(time.RFC3339))
		}
		if current.Owner == owner {
			acquiredAt = current.AcquiredAt
		}
	}

	expires := now.Add(ttl)
	_, err = tx.Exec(`
		INSERT INTO lease (name, owner, acquired_at, renewed_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at,
			renewed_at = excluded.renewed_at, expires_at = excluded.expires_at
	`, name, owner, acquiredAt.Unix(), now.Unix(), expires.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	return &Lease{
		Name:       name,
		Owner:      owner,
		AcquiredAt: time.Unix(acquiredAt.Unix(), 0),
		RenewedAt:  time.Unix(now.Unix(), 0),
		ExpiresAt:  time.Unix(expires.Unix(), 0),
	}, nil
}

// RenewLease extends a lease held by owner. Fails with ErrLeaseHeld if the
// lease was lost to another owner.
func (s *Storage) RenewLease(name, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result, err := s.db.Exec(`UPDATE lease SET renewed_at = ?, expires_at = ? WHERE name = ? AND owner = ?`,
		now.Unix(), now.Add(ttl).Unix(), name, owner)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if owner holds it.
func (s *Storage) ReleaseLease(name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM lease WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row, or nil if nobody holds it.
func (s *Storage) GetLease(name string) (*Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := scanLease(s.db.QueryRow(`SELECT name, owner, acquired_at, renewed_at, expires_at FROM lease WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func scanLease(row rowScanner) (*Lease, error) {
	var l Lease
	var acquired, renewed, expires int64
	if err := row.Scan(&l.Name, &l.Owner, &acquired, &renewed, &expires); err != nil {
		return nil, err
	}
	l.AcquiredAt = time.Unix(acquired, 0)
	l.RenewedAt = time.Unix(renewed, 0)
	l.ExpiresAt = time.Unix(expires, 0)
	return &l, nil
}
