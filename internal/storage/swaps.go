// Package storage - Swap ledger: the persisted cross-chain state machine.
// Every status change is validated against the transition table and
// committed together with its field patch and transition timestamp.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
)

// Swap ledger errors
var (
	ErrSwapNotFound      = errors.New("swap not found")
	ErrSwapExists        = errors.New("swap already exists")
	ErrInvalidTransition = errors.New("invalid swap status transition")
	ErrEscrowImmutable   = errors.New("escrow address already set")
	ErrInvalidSwap       = errors.New("invalid swap record")
)

// SwapSource records where an order was discovered.
type SwapSource string

const (
	SourceQueue SwapSource = "queue" // local self-authored order queue
	SourceIndex SwapSource = "index" // swap index query
)

// SwapRecord represents a persisted swap.
type SwapRecord struct {
	OrderHash string `json:"order_hash"`
	Hashlock  string `json:"hashlock"`
	Secret    string `json:"secret,omitempty"`

	Maker string `json:"maker"`
	Taker string `json:"taker"`

	SrcChainID       uint64   `json:"src_chain_id"`
	DstChainID       uint64   `json:"dst_chain_id"`
	SrcToken         string   `json:"src_token"`
	DstToken         string   `json:"dst_token"`
	SrcAmount        *big.Int `json:"src_amount"`
	DstAmount        *big.Int `json:"dst_amount"`
	SrcSafetyDeposit *big.Int `json:"src_safety_deposit"`
	DstSafetyDeposit *big.Int `json:"dst_safety_deposit"`

	SrcEscrow     string    `json:"src_escrow,omitempty"`
	DstEscrow     string    `json:"dst_escrow,omitempty"`
	Timelocks     *big.Int  `json:"timelocks"` // packed, without deployedAt
	SrcDeployedAt time.Time `json:"src_deployed_at,omitempty"`
	DstDeployedAt time.Time `json:"dst_deployed_at,omitempty"`

	Status     SwapStatus `json:"status"`
	Source     SwapSource `json:"source"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorClass string     `json:"error_class,omitempty"`

	FillTx        string `json:"fill_tx,omitempty"`
	DstDeployTx   string `json:"dst_deploy_tx,omitempty"`
	DstWithdrawTx string `json:"dst_withdraw_tx,omitempty"`
	SrcWithdrawTx string `json:"src_withdraw_tx,omitempty"`

	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	SrcEscrowCreatedAt time.Time `json:"src_escrow_created_at,omitempty"`
	SrcDepositedAt     time.Time `json:"src_deposited_at,omitempty"`
	DstEscrowCreatedAt time.Time `json:"dst_escrow_created_at,omitempty"`
	DstFundedAt        time.Time `json:"dst_funded_at,omitempty"`
	SecretRevealedAt   time.Time `json:"secret_revealed_at,omitempty"`
	DstWithdrawnAt     time.Time `json:"dst_withdrawn_at,omitempty"`
	SrcWithdrawnAt     time.Time `json:"src_withdrawn_at,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
	FailedAt           time.Time `json:"failed_at,omitempty"`
	ExpiredAt          time.Time `json:"expired_at,omitempty"`
}

// SwapPatch holds optional field updates applied with a status change.
// Empty strings and zero times mean "leave unchanged".
type SwapPatch struct {
	Secret        string
	SrcEscrow     string
	DstEscrow     string
	Timelocks     *big.Int
	SrcDeployedAt time.Time
	DstDeployedAt time.Time

	FillTx        string
	DstDeployTx   string
	DstWithdrawTx string
	SrcWithdrawTx string

	DstWithdrawnAt time.Time

	LastError  string
	ErrorClass string
	// ClearError wipes last_error/error_class (after a successful step).
	ClearError bool
}

const swapColumns = `order_hash, hashlock, secret, maker, taker,
	src_chain_id, dst_chain_id, src_token, dst_token, src_amount, dst_amount,
	src_safety_deposit, dst_safety_deposit,
	src_escrow, dst_escrow, timelocks, src_deployed_at, dst_deployed_at,
	status, source, retry_count, last_error, error_class,
	fill_tx, dst_deploy_tx, dst_withdraw_tx, src_withdraw_tx,
	created_at, updated_at, src_escrow_created_at, src_deposited_at,
	dst_escrow_created_at, dst_funded_at, secret_revealed_at, dst_withdrawn_at,
	src_withdrawn_at, completed_at, failed_at, expired_at`

// CreateSwap inserts a new swap record. Fails with ErrSwapExists if the order
// hash is tracked in either the live table or the archive.
func (s *Storage) CreateSwap(rec *SwapRecord) error {
	if err := validateNewSwap(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.OrderHash = strings.ToLower(rec.OrderHash)
	rec.Hashlock = strings.ToLower(rec.Hashlock)
	if rec.Status == "" {
		rec.Status = SwapCreated
	}
	if rec.Source == "" {
		rec.Source = SourceQueue
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM swaps_archive WHERE order_hash = ?`, rec.OrderHash).Scan(&n); err != nil {
		return fmt.Errorf("failed to check archive: %w", err)
	}
	if n > 0 {
		return ErrSwapExists
	}

	_, err = tx.Exec(`INSERT INTO swaps (`+swapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		swapValues(rec)...,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSwapExists
		}
		return fmt.Errorf("failed to create swap: %w", err)
	}

	return tx.Commit()
}

// GetSwap retrieves a swap by order hash from the live table or the archive.
func (s *Storage) GetSwap(orderHash string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSwapWhere("order_hash = ?", strings.ToLower(orderHash))
}

// GetSwapByHashlock retrieves a swap by hashlock from the live table or the archive.
func (s *Storage) GetSwapByHashlock(h string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSwapWhere("hashlock = ?", strings.ToLower(h))
}

func (s *Storage) getSwapWhere(cond string, arg interface{}) (*SwapRecord, error) {
	for _, table := range []string{"swaps", "swaps_archive"} {
		rec, err := scanSwap(s.db.QueryRow(`SELECT `+swapColumns+` FROM `+table+` WHERE `+cond+` LIMIT 1`, arg))
		if errors.Is(err, ErrSwapNotFound) {
			continue
		}
		return rec, err
	}
	return nil, ErrSwapNotFound
}

// UpdateSwapStatus moves a swap to a new status and applies patch in the same
// transaction. Terminal statuses move the record into the archive.
func (s *Storage) UpdateSwapStatus(orderHash string, status SwapStatus, patch *SwapPatch) (*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderHash = strings.ToLower(orderHash)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanSwap(tx.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE order_hash = ?`, orderHash))
	if errors.Is(err, ErrSwapNotFound) {
		archived, aerr := scanSwap(tx.QueryRow(`SELECT `+swapColumns+` FROM swaps_archive WHERE order_hash = ?`, orderHash))
		if aerr != nil {
			return nil, aerr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, archived.Status, status)
	}
	if err != nil {
		return nil, err
	}

	if !CanTransition(rec.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
	}

	now := time.Now().Unix()
	sets, args, err := patchClauses(rec, patch)
	if err != nil {
		return nil, err
	}
	sets = append(sets, "status = ?", "updated_at = ?")
	args = append(args, string(status), now)
	if col, ok := statusTimestampColumn[status]; ok {
		sets = append(sets, col+" = ?")
		args = append(args, now)
	}
	args = append(args, orderHash)

	if _, err := tx.Exec(`UPDATE swaps SET `+strings.Join(sets, ", ")+` WHERE order_hash = ?`, args...); err != nil {
		return nil, fmt.Errorf("failed to update swap: %w", err)
	}

	if status.IsTerminal() {
		if _, err := tx.Exec(`INSERT INTO swaps_archive (`+swapColumns+`) SELECT `+swapColumns+` FROM swaps WHERE order_hash = ?`, orderHash); err != nil {
			return nil, fmt.Errorf("failed to archive swap: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM swaps WHERE order_hash = ?`, orderHash); err != nil {
			return nil, fmt.Errorf("failed to archive swap: %w", err)
		}
	}

	table := "swaps"
	if status.IsTerminal() {
		table = "swaps_archive"
	}
	updated, err := scanSwap(tx.QueryRow(`SELECT `+swapColumns+` FROM `+table+` WHERE order_hash = ?`, orderHash))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit swap: %w", err)
	}
	return updated, nil
}

// PatchSwap applies field updates without changing the status.
func (s *Storage) PatchSwap(orderHash string, patch *SwapPatch) (*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderHash = strings.ToLower(orderHash)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanSwap(tx.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE order_hash = ?`, orderHash))
	if err != nil {
		return nil, err
	}

	sets, args, err := patchClauses(rec, patch)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return rec, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), orderHash)

	if _, err := tx.Exec(`UPDATE swaps SET `+strings.Join(sets, ", ")+` WHERE order_hash = ?`, args...); err != nil {
		return nil, fmt.Errorf("failed to patch swap: %w", err)
	}

	updated, err := scanSwap(tx.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE order_hash = ?`, orderHash))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit swap: %w", err)
	}
	return updated, nil
}

// patchClauses turns a patch into SET clauses, enforcing set-once escrows.
func patchClauses(rec *SwapRecord, p *SwapPatch) ([]string, []interface{}, error) {
	var sets []string
	var args []interface{}
	if p == nil {
		return sets, args, nil
	}

	setOnce := func(col, current, next string) error {
		if next == "" {
			return nil
		}
		next = strings.ToLower(next)
		if current != "" {
			if current != next {
				return fmt.Errorf("%w: %s is %s", ErrEscrowImmutable, col, current)
			}
			return nil
		}
		sets = append(sets, col+" = ?")
		args = append(args, next)
		return nil
	}
	if err := setOnce("src_escrow", rec.SrcEscrow, p.SrcEscrow); err != nil {
		return nil, nil, err
	}
	if err := setOnce("dst_escrow", rec.DstEscrow, p.DstEscrow); err != nil {
		return nil, nil, err
	}

	set := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Secret != "" {
		set("secret", strings.ToLower(p.Secret))
	}
	if p.Timelocks != nil {
		set("timelocks", p.Timelocks.String())
	}
	if !p.SrcDeployedAt.IsZero() {
		set("src_deployed_at", p.SrcDeployedAt.Unix())
	}
	if !p.DstDeployedAt.IsZero() {
		set("dst_deployed_at", p.DstDeployedAt.Unix())
	}
	if p.FillTx != "" {
		set("fill_tx", p.FillTx)
	}
	if p.DstDeployTx != "" {
		set("dst_deploy_tx", p.DstDeployTx)
	}
	if p.DstWithdrawTx != "" {
		set("dst_withdraw_tx", p.DstWithdrawTx)
	}
	if p.SrcWithdrawTx != "" {
		set("src_withdraw_tx", p.SrcWithdrawTx)
	}
	if !p.DstWithdrawnAt.IsZero() {
		set("dst_withdrawn_at", p.DstWithdrawnAt.Unix())
	}
	switch {
	case p.LastError != "":
		set("last_error", p.LastError)
		set("error_class", nullString(p.ErrorClass))
	case p.ClearError:
		set("last_error", nil)
		set("error_class", nil)
	}
	return sets, args, nil
}

// ListSwapsByStatus returns all swaps with the given status, oldest first.
func (s *Storage) ListSwapsByStatus(status SwapStatus) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := "swaps"
	if status.IsTerminal() {
		table = "swaps_archive"
	}
	return s.querySwaps(`SELECT `+swapColumns+` FROM `+table+` WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
}

// ListPendingSwaps returns every non-terminal swap, oldest first.
func (s *Storage) ListPendingSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySwaps(`SELECT ` + swapColumns + ` FROM swaps ORDER BY created_at ASC, rowid ASC`)
}

// ListSwaps returns the most recent swaps, optionally including archived ones.
func (s *Storage) ListSwaps(limit int, includeArchived bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + swapColumns + ` FROM swaps`
	if includeArchived {
		query += ` UNION ALL SELECT ` + swapColumns + ` FROM swaps_archive`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	return s.querySwaps(query, limit)
}

// IncrementSwapRetry bumps the retry counter and returns the new value.
func (s *Storage) IncrementSwapRetry(orderHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderHash = strings.ToLower(orderHash)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE swaps SET retry_count = retry_count + 1, updated_at = ? WHERE order_hash = ?`,
		time.Now().Unix(), orderHash)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, ErrSwapNotFound
	}

	var count int
	if err := tx.QueryRow(`SELECT retry_count FROM swaps WHERE order_hash = ?`, orderHash).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// ResetSwapRetry sets the retry counter back to zero.
func (s *Storage) ResetSwapRetry(orderHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE swaps SET retry_count = 0, updated_at = ? WHERE order_hash = ?`,
		time.Now().Unix(), strings.ToLower(orderHash))
	if err != nil {
		return fmt.Errorf("failed to reset retry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// SwapCount returns the number of live and archived swaps.
func (s *Storage) SwapCount() (pending, archived int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err = s.db.QueryRow(`SELECT COUNT(*) FROM swaps`).Scan(&pending); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM swaps_archive`).Scan(&archived); err != nil {
		return 0, 0, err
	}
	return pending, archived, nil
}

// ProcessedOrderHashes returns every order hash the ledger has ever tracked.
func (s *Storage) ProcessedOrderHashes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT order_hash FROM swaps UNION SELECT order_hash FROM swaps_archive`)
	if err != nil {
		return nil, fmt.Errorf("failed to list order hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *Storage) querySwaps(query string, args ...interface{}) ([]*SwapRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*SwapRecord
	for rows.Next() {
		rec, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, rec)
	}
	return swaps, rows.Err()
}

func validateNewSwap(rec *SwapRecord) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidSwap)
	case rec.OrderHash == "":
		return fmt.Errorf("%w: missing order hash", ErrInvalidSwap)
	case rec.Hashlock == "":
		return fmt.Errorf("%w: missing hashlock", ErrInvalidSwap)
	case rec.Status != "" && !rec.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSwap, rec.Status)
	case rec.Status.IsTerminal():
		return fmt.Errorf("%w: cannot create a record in terminal status %s", ErrInvalidSwap, rec.Status)
	case rec.SrcAmount == nil || rec.SrcAmount.Sign() <= 0:
		return fmt.Errorf("%w: source amount must be positive", ErrInvalidSwap)
	case rec.DstAmount == nil || rec.DstAmount.Sign() <= 0:
		return fmt.Errorf("%w: destination amount must be positive", ErrInvalidSwap)
	}
	return nil
}

func swapValues(rec *SwapRecord) []interface{} {
	return []interface{}{
		rec.OrderHash, rec.Hashlock, nullString(strings.ToLower(rec.Secret)), strings.ToLower(rec.Maker), strings.ToLower(rec.Taker),
		rec.SrcChainID, rec.DstChainID, strings.ToLower(rec.SrcToken), strings.ToLower(rec.DstToken),
		helpers.BigIntString(rec.SrcAmount), helpers.BigIntString(rec.DstAmount),
		helpers.BigIntString(rec.SrcSafetyDeposit), helpers.BigIntString(rec.DstSafetyDeposit),
		nullString(strings.ToLower(rec.SrcEscrow)), nullString(strings.ToLower(rec.DstEscrow)),
		helpers.BigIntString(rec.Timelocks), unixOrNil(rec.SrcDeployedAt), unixOrNil(rec.DstDeployedAt),
		string(rec.Status), string(rec.Source), rec.RetryCount, nullString(rec.LastError), nullString(rec.ErrorClass),
		nullString(rec.FillTx), nullString(rec.DstDeployTx), nullString(rec.DstWithdrawTx), nullString(rec.SrcWithdrawTx),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		unixOrNil(rec.SrcEscrowCreatedAt), unixOrNil(rec.SrcDepositedAt),
		unixOrNil(rec.DstEscrowCreatedAt), unixOrNil(rec.DstFundedAt), unixOrNil(rec.SecretRevealedAt),
		unixOrNil(rec.DstWithdrawnAt), unixOrNil(rec.SrcWithdrawnAt),
		unixOrNil(rec.CompletedAt), unixOrNil(rec.FailedAt), unixOrNil(rec.ExpiredAt),
	}
}

func scanSwap(row rowScanner) (*SwapRecord, error) {
	var rec SwapRecord
	var secret, srcEscrow, dstEscrow, lastError, errorClass sql.NullString
	var fillTx, dstDeployTx, dstWithdrawTx, srcWithdrawTx sql.NullString
	var srcAmount, dstAmount, srcDeposit, dstDeposit, timelocks string
	var status, source string
	var createdAt, updatedAt int64
	var srcDeployedAt, dstDeployedAt sql.NullInt64
	var srcEscrowCreatedAt, srcDepositedAt, dstEscrowCreatedAt, dstFundedAt sql.NullInt64
	var secretRevealedAt, dstWithdrawnAt, srcWithdrawnAt sql.NullInt64
	var completedAt, failedAt, expiredAt sql.NullInt64

	err := row.Scan(
		&rec.OrderHash, &rec.Hashlock, &secret, &rec.Maker, &rec.Taker,
		&rec.SrcChainID, &rec.DstChainID, &rec.SrcToken, &rec.DstToken, &srcAmount, &dstAmount,
		&srcDeposit, &dstDeposit,
		&srcEscrow, &dstEscrow, &timelocks, &srcDeployedAt, &dstDeployedAt,
		&status, &source, &rec.RetryCount, &lastError, &errorClass,
		&fillTx, &dstDeployTx, &dstWithdrawTx, &srcWithdrawTx,
		&createdAt, &updatedAt, &srcEscrowCreatedAt, &srcDepositedAt,
		&dstEscrowCreatedAt, &dstFundedAt, &secretRevealedAt, &dstWithdrawnAt,
		&srcWithdrawnAt, &completedAt, &failedAt, &expiredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	rec.Secret = secret.String
	rec.SrcEscrow = srcEscrow.String
	rec.DstEscrow = dstEscrow.String
	rec.LastError = lastError.String
	rec.ErrorClass = errorClass.String
	rec.FillTx = fillTx.String
	rec.DstDeployTx = dstDeployTx.String
	rec.DstWithdrawTx = dstWithdrawTx.String
	rec.SrcWithdrawTx = srcWithdrawTx.String
	rec.Status = SwapStatus(status)
	rec.Source = SwapSource(source)

	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&rec.SrcAmount, srcAmount},
		{&rec.DstAmount, dstAmount},
		{&rec.SrcSafetyDeposit, srcDeposit},
		{&rec.DstSafetyDeposit, dstDeposit},
		{&rec.Timelocks, timelocks},
	} {
		n, err := helpers.ParseBigInt(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt integer column for %s: %w", rec.OrderHash, err)
		}
		*f.dst = n
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	rec.SrcDeployedAt = timeOrZero(srcDeployedAt)
	rec.DstDeployedAt = timeOrZero(dstDeployedAt)
	rec.SrcEscrowCreatedAt = timeOrZero(srcEscrowCreatedAt)
	rec.SrcDepositedAt = timeOrZero(srcDepositedAt)
	rec.DstEscrowCreatedAt = timeOrZero(dstEscrowCreatedAt)
	rec.DstFundedAt = timeOrZero(dstFundedAt)
	rec.SecretRevealedAt = timeOrZero(secretRevealedAt)
	rec.DstWithdrawnAt = timeOrZero(dstWithdrawnAt)
	rec.SrcWithdrawnAt = timeOrZero(srcWithdrawnAt)
	rec.CompletedAt = timeOrZero(completedAt)
	rec.FailedAt = timeOrZero(failedAt)
	rec.ExpiredAt = timeOrZero(expiredAt)

	return &rec, nil
}

func unixOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
