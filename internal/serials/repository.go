package serials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dharmesh177/zsindia-cms/internal/platform/db"
)

// Repository is the persistence boundary for serial records. Implementations
// must make InsertIfAbsent and RecordVerification atomic with respect to
// concurrent callers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id string) (SerialRecord, error)
	GetByCode(ctx context.Context, code string) (SerialRecord, error)
	ListByProduct(ctx context.Context, productID string, filter ListFilter) ([]SerialRecord, error)
	Summarize(ctx context.Context, productID string) (Summary, error)
	// MarkDeactivated moves an active record to deactivated. It returns
	// ErrNotActive when the record was not active at update time.
	MarkDeactivated(ctx context.Context, id string) (SerialRecord, error)
	// RecordVerification increments verified_count and stamps verified_at in
	// one statement, only while the record is active.
	RecordVerification(ctx context.Context, id string, at time.Time) (SerialRecord, error)
	DistinctProductIDs(ctx context.Context) ([]string, error)
}

// TxRepository exposes the operations used while issuing a batch.
type TxRepository interface {
	// InsertIfAbsent stores rec unless its code is already issued. inserted is
	// false on a code collision.
	InsertIfAbsent(ctx context.Context, rec SerialRecord) (inserted bool, err error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository persists serial records in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs PostgresRepository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

const recordColumns = `id::text, code, product_id, batch_label, status, verified_count, verified_at, created_at`

// WithTx runs fn inside a read-committed transaction so that ON CONFLICT waits
// on concurrent inserts of the same code instead of failing the snapshot.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepo{db: tx})
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (SerialRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM serial_records WHERE id = $1::uuid`, id)
	return scanRecord(row)
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (SerialRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM serial_records WHERE code = $1`, code)
	return scanRecord(row)
}

func (r *PostgresRepository) ListByProduct(ctx context.Context, productID string, filter ListFilter) ([]SerialRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM serial_records WHERE product_id = $1`
	args := []interface{}{productID}

	if filter.Status != 0 {
		args = append(args, filter.Status.String())
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.BatchLabel != "" {
		args = append(args, filter.BatchLabel)
		query += ` AND batch_label = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, code ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += ` OFFSET $` + strconv.Itoa(len(args))
		}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("serials: list: %w", err)
	}
	defer rows.Close()

	var records []SerialRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) Summarize(ctx context.Context, productID string) (Summary, error) {
	const query = `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status = 'active'),
		COUNT(*) FILTER (WHERE status = 'deactivated'),
		COUNT(*) FILTER (WHERE verified_count > 0)
	FROM serial_records WHERE product_id = $1`
	var s Summary
	if err := r.db.QueryRow(ctx, query, productID).Scan(&s.Total, &s.Active, &s.Deactivated, &s.Verified); err != nil {
		return Summary{}, fmt.Errorf("serials: summarize: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) MarkDeactivated(ctx context.Context, id string) (SerialRecord, error) {
	row := r.db.QueryRow(ctx, `UPDATE serial_records SET status = 'deactivated'
		WHERE id = $1::uuid AND status = 'active'
		RETURNING `+recordColumns, id)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return r.notActiveOrMissing(ctx, id)
	}
	return rec, err
}

func (r *PostgresRepository) RecordVerification(ctx context.Context, id string, at time.Time) (SerialRecord, error) {
	row := r.db.QueryRow(ctx, `UPDATE serial_records
		SET verified_count = verified_count + 1, verified_at = $2
		WHERE id = $1::uuid AND status = 'active'
		RETURNING `+recordColumns, id, at)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return r.notActiveOrMissing(ctx, id)
	}
	return rec, err
}

func (r *PostgresRepository) DistinctProductIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT product_id FROM serial_records ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("serials: distinct products: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// notActiveOrMissing tells a missing row apart from a conditional update that
// matched nothing because the record is deactivated.
func (r *PostgresRepository) notActiveOrMissing(ctx context.Context, id string) (SerialRecord, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return SerialRecord{}, err
	}
	return rec, ErrNotActive
}

type pgTxRepo struct {
	db dbtx
}

func (r *pgTxRepo) InsertIfAbsent(ctx context.Context, rec SerialRecord) (bool, error) {
	tag, err := r.db.Exec(ctx, `INSERT INTO serial_records
		(id, code, product_id, batch_label, status, verified_count, verified_at, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO NOTHING`,
		rec.ID, rec.Code, rec.ProductID, rec.BatchLabel, rec.Status.String(), rec.VerifiedCount, rec.VerifiedAt, rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("serials: insert %s: %w", rec.Code, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecord(row pgx.Row) (SerialRecord, error) {
	var (
		rec    SerialRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.Code, &rec.ProductID, &rec.BatchLabel, &status, &rec.VerifiedCount, &rec.VerifiedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerialRecord{}, ErrNotFound
		}
		return SerialRecord{}, err
	}
	if rec.Status, err = ParseStatus(status); err != nil {
		return SerialRecord{}, err
	}
	return rec, nil
}
