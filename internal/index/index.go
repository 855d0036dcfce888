// Package index reads swap rows from an external indexer's Postgres
// database. The indexer is advisory: every query failure is logged and
// reported as an empty result so a tick can fall back to the local ledger.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/pkg/helpers"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

// Indexer status values for orders the resolver may still act on.
var pendingStatuses = []string{"created", "src_escrow_created"}

// Config configures the reader.
type Config struct {
	DSN          string
	Table        string        // default "swaps"
	QueryTimeout time.Duration // default 5s
	Limit        int           // rows per query, default 500
	MaxOpenConns int           // default 4
}

// Reader implements swap.SwapIndexQuery on top of sqlx.
type Reader struct {
	db      *sqlx.DB
	table   string
	timeout time.Duration
	limit   int
	log     *logging.Logger
}

var _ swap.SwapIndexQuery = (*Reader)(nil)

// Open connects lazily; the first query dials.
func Open(cfg *Config) (*Reader, error) {
	if cfg.DSN == "" {
		return nil, errors.New("index DSN is empty")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewReader(db, cfg), nil
}

// NewReader wraps an existing handle.
func NewReader(db *sqlx.DB, cfg *Config) *Reader {
	r := &Reader{
		db:      db,
		table:   cfg.Table,
		timeout: cfg.QueryTimeout,
		limit:   cfg.Limit,
		log:     logging.GetDefault().Component("index"),
	}
	if r.table == "" {
		r.table = "swaps"
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.limit <= 0 {
		r.limit = 500
	}
	return r
}

// Ping checks connectivity.
func (r *Reader) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close closes the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

const columns = `order_hash, hashlock, src_chain_id, dst_chain_id, src_token, dst_token,
	src_amount, dst_amount, src_maker, src_taker, status,
	src_escrow_address, dst_escrow_address, secret,
	src_safety_deposit, dst_safety_deposit, timelocks,
	order_data, signature, extension,
	created_at, src_deployed_at, dst_deployed_at, secret_revealed_at`

type row struct {
	OrderHash  string         `db:"order_hash"`
	Hashlock   string         `db:"hashlock"`
	SrcChainID int64          `db:"src_chain_id"`
	DstChainID int64          `db:"dst_chain_id"`
	SrcToken   string         `db:"src_token"`
	DstToken   string         `db:"dst_token"`
	SrcAmount  string         `db:"src_amount"`
	DstAmount  string         `db:"dst_amount"`
	SrcMaker   string         `db:"src_maker"`
	SrcTaker   sql.NullString `db:"src_taker"`
	Status     string         `db:"status"`

	SrcEscrow sql.NullString `db:"src_escrow_address"`
	DstEscrow sql.NullString `db:"dst_escrow_address"`
	Secret    sql.NullString `db:"secret"`

	SafetyDeposit    sql.NullString `db:"src_safety_deposit"`
	DstSafetyDeposit sql.NullString `db:"dst_safety_deposit"`
	Timelocks        sql.NullString `db:"timelocks"`

	OrderData sql.NullString `db:"order_data"`
	Signature sql.NullString `db:"signature"`
	Extension sql.NullString `db:"extension"`

	CreatedAt        sql.NullTime `db:"created_at"`
	SrcDeployedAt    sql.NullTime `db:"src_deployed_at"`
	DstDeployedAt    sql.NullTime `db:"dst_deployed_at"`
	SecretRevealedAt sql.NullTime `db:"secret_revealed_at"`
}

// PendingOrders returns orders addressed to resolver (or open to any taker)
// that the indexer has not seen filled by someone else.
func (r *Reader) PendingOrders(ctx context.Context, resolver common.Address) ([]swap.IndexRow, error) {
	query := `SELECT ` + columns + ` FROM ` + pq.QuoteIdentifier(r.table) + `
		WHERE status = ANY($1) AND (src_taker IS NULL OR lower(src_taker) = $2)
		ORDER BY created_at ASC
		LIMIT $3`
	return r.selectRows(ctx, "pending orders", query,
		pq.Array(pendingStatuses), strings.ToLower(resolver.Hex()), r.limit), nil
}

// RevealedSecrets returns the most recent rows with a published secret.
func (r *Reader) RevealedSecrets(ctx context.Context) ([]swap.IndexRow, error) {
	query := `SELECT ` + columns + ` FROM ` + pq.QuoteIdentifier(r.table) + `
		WHERE secret IS NOT NULL
		ORDER BY secret_revealed_at DESC NULLS LAST
		LIMIT $1`
	return r.selectRows(ctx, "revealed secrets", query, r.limit), nil
}

// SwapByOrderHash returns the row for one order, or nil when the indexer has
// not seen it or cannot be reached.
func (r *Reader) SwapByOrderHash(ctx context.Context, orderHash string) (*swap.IndexRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + columns + ` FROM ` + pq.QuoteIdentifier(r.table) + `
		WHERE lower(order_hash) = $1
		LIMIT 1`
	var dbRow row
	err := r.db.GetContext(ctx, &dbRow, query, strings.ToLower(orderHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.warn("swap by order hash", err)
		return nil, nil
	}
	out, err := dbRow.toIndexRow()
	if err != nil {
		r.log.Warn("Skipping malformed index row", "order", helpers.ShortHex(dbRow.OrderHash), "error", err)
		return nil, nil
	}
	return &out, nil
}

func (r *Reader) selectRows(ctx context.Context, what, query string, args ...interface{}) []swap.IndexRow {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.warn(what, err)
		return nil
	}

	out := make([]swap.IndexRow, 0, len(rows))
	for _, dbRow := range rows {
		ir, err := dbRow.toIndexRow()
		if err != nil {
			r.log.Warn("Skipping malformed index row", "order", helpers.ShortHex(dbRow.OrderHash), "error", err)
			continue
		}
		out = append(out, ir)
	}
	r.log.Debug("Index query", "query", what, "rows", len(out))
	return out
}

func (r *Reader) warn(what string, err error) {
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		r.log.Warn("Index query failed", "query", what, "code", string(pqErr.Code), "error", pqErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		r.log.Warn("Index query timed out", "query", what, "timeout", r.timeout)
	default:
		r.log.Warn("Index query failed", "query", what, "error", err)
	}
}

func (rw *row) toIndexRow() (swap.IndexRow, error) {
	out := swap.IndexRow{
		OrderHash:        helpers.NormalizeHex(rw.OrderHash),
		Hashlock:         helpers.NormalizeHex(rw.Hashlock),
		SrcChainID:       uint64(rw.SrcChainID),
		DstChainID:       uint64(rw.DstChainID),
		SrcToken:         strings.ToLower(rw.SrcToken),
		DstToken:         strings.ToLower(rw.DstToken),
		SrcMaker:         strings.ToLower(rw.SrcMaker),
		SrcTaker:         strings.ToLower(rw.SrcTaker.String),
		Status:           rw.Status,
		SrcEscrow:        strings.ToLower(rw.SrcEscrow.String),
		DstEscrow:        strings.ToLower(rw.DstEscrow.String),
		Secret:           strings.ToLower(rw.Secret.String),
		CreatedAt:        rw.CreatedAt.Time,
		SrcDeployedAt:    rw.SrcDeployedAt.Time,
		DstDeployedAt:    rw.DstDeployedAt.Time,
		SecretRevealedAt: rw.SecretRevealedAt.Time,
	}
	if rw.SrcChainID <= 0 || rw.DstChainID <= 0 {
		return out, fmt.Errorf("invalid chain ids %d/%d", rw.SrcChainID, rw.DstChainID)
	}

	var err error
	if out.SrcAmount, err = helpers.ParseBigInt(rw.SrcAmount); err != nil {
		return out, fmt.Errorf("src_amount: %w", err)
	}
	if out.DstAmount, err = helpers.ParseBigInt(rw.DstAmount); err != nil {
		return out, fmt.Errorf("dst_amount: %w", err)
	}
	if out.SafetyDeposit, err = optionalBig(rw.SafetyDeposit); err != nil {
		return out, fmt.Errorf("src_safety_deposit: %w", err)
	}
	if out.DstSafetyDeposit, err = optionalBig(rw.DstSafetyDeposit); err != nil {
		return out, fmt.Errorf("dst_safety_deposit: %w", err)
	}
	if rw.Timelocks.Valid {
		if out.Timelocks, err = helpers.ParseBigInt(rw.Timelocks.String); err != nil {
			return out, fmt.Errorf("timelocks: %w", err)
		}
	}

	if rw.OrderData.Valid && rw.OrderData.String != "" {
		var qo swap.QueueOrder
		if err := json.Unmarshal([]byte(rw.OrderData.String), &qo); err != nil {
			return out, fmt.Errorf("order_data: %w", err)
		}
		doc := &swap.QueueDocument{Order: qo}
		if out.Order, err = doc.ParseOrder(); err != nil {
			return out, err
		}
	}
	if rw.Signature.Valid && rw.Signature.String != "" {
		if out.Signature, err = helpers.HexToBytes(rw.Signature.String); err != nil {
			return out, fmt.Errorf("signature: %w", err)
		}
	}
	if rw.Extension.Valid && rw.Extension.String != "" && rw.Extension.String != "0x" {
		if out.Extension, err = helpers.HexToBytes(rw.Extension.String); err != nil {
			return out, fmt.Errorf("extension: %w", err)
		}
	}
	return out, nil
}

func optionalBig(s sql.NullString) (*big.Int, error) {
	if !s.Valid || s.String == "" {
		return new(big.Int), nil
	}
	return helpers.ParseBigInt(s.String)
}
