/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL against the `deposit_records` table.
 *
 * Concurrency discipline: single-record mutations are conditional updates on
 * (id, version); multi-record mutations run in one pgx transaction with the
 * same version condition on every row, so a settlement sweep, a compaction
 * pass, and an interactive operation can never interleave writes on the same
 * records. Zero rows affected means the snapshot went stale.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pennybot/deposit-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `id, user_id, currency, principal, kind, rate, cycle,
	next_settlement_at, extension_requested, pending_rate, pending_cycle,
	version, created_at, updated_at`

func scanRecord(row pgx.Row) (*domain.DepositRecord, error) {
	var rec domain.DepositRecord
	var pendingRate *float64
	var pendingCycle *string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Currency, &rec.Principal, &rec.Kind,
		&rec.Rate, &rec.Cycle, &rec.NextSettlementAt, &rec.ExtensionRequested,
		&pendingRate, &pendingCycle, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PendingRate = pendingRate
	if pendingCycle != nil {
		c := domain.Cycle(*pendingCycle)
		rec.PendingCycle = &c
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]domain.DepositRecord, error) {
	defer rows.Close()
	var out []domain.DepositRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func pendingCycleArg(rec *domain.DepositRecord) *string {
	if rec.PendingCycle == nil {
		return nil
	}
	s := string(*rec.PendingCycle)
	return &s
}

// CreateRecord inserts a new deposit record. The id must already be assigned.
func (r *PostgresRepository) CreateRecord(ctx context.Context, rec *domain.DepositRecord) error {
	query := `
		INSERT INTO deposit_records (
			id, user_id, currency, principal, kind, rate, cycle,
			next_settlement_at, extension_requested, pending_rate, pending_cycle, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	if rec.Version == 0 {
		rec.Version = 1
	}
	return r.db.QueryRow(ctx, query,
		rec.ID, rec.UserID, rec.Currency, rec.Principal, rec.Kind, rec.Rate,
		rec.Cycle, rec.NextSettlementAt, rec.ExtensionRequested,
		rec.PendingRate, pendingCycleArg(rec), rec.Version,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// GetRecord retrieves a single deposit record by id.
func (r *PostgresRepository) GetRecord(ctx context.Context, id uuid.UUID) (*domain.DepositRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM deposit_records WHERE id = $1`, recordColumns)
	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// UpdateRecord persists the mutable fields of rec conditioned on expectedVersion.
func (r *PostgresRepository) UpdateRecord(ctx context.Context, rec *domain.DepositRecord, expectedVersion int64) error {
	query := `
		UPDATE deposit_records
		SET principal = $3, rate = $4, cycle = $5, next_settlement_at = $6,
			extension_requested = $7, pending_rate = $8, pending_cycle = $9,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	result, err := r.db.Exec(ctx, query,
		rec.ID, expectedVersion, rec.Principal, rec.Rate, rec.Cycle,
		rec.NextSettlementAt, rec.ExtensionRequested, rec.PendingRate, pendingCycleArg(rec),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Either the record vanished or somebody else committed first.
		if _, getErr := r.GetRecord(ctx, rec.ID); getErr == ErrRecordNotFound {
			return ErrRecordNotFound
		}
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

// ListRecords returns every record for the (userID, currency) pair.
func (r *PostgresRepository) ListRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM deposit_records
		WHERE user_id = $1 AND currency = $2
		ORDER BY next_settlement_at ASC, created_at ASC
	`, recordColumns)
	rows, err := r.db.Query(ctx, query, userID, currency)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListDemandRecords returns demand records ordered oldest-maturing first.
func (r *PostgresRepository) ListDemandRecords(ctx context.Context, userID, currency string) ([]domain.DepositRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM deposit_records
		WHERE user_id = $1 AND currency = $2 AND kind = $3
		ORDER BY next_settlement_at ASC, created_at ASC
	`, recordColumns)
	rows, err := r.db.Query(ctx, query, userID, currency, domain.KindDemand)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListDueRecords returns all records across all users due on or before asOf.
func (r *PostgresRepository) ListDueRecords(ctx context.Context, asOf time.Time) ([]domain.DepositRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM deposit_records
		WHERE next_settlement_at <= $1
		ORDER BY next_settlement_at ASC
	`, recordColumns)
	rows, err := r.db.Query(ctx, query, asOf)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListAllDemandRecords returns every demand record in the store.
func (r *PostgresRepository) ListAllDemandRecords(ctx context.Context) ([]domain.DepositRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM deposit_records
		WHERE kind = $1
		ORDER BY user_id, currency, next_settlement_at ASC
	`, recordColumns)
	rows, err := r.db.Query(ctx, query, domain.KindDemand)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ApplyDemandDeductions applies the deduction set in one transaction.
// Any version conflict rolls the whole set back.
func (r *PostgresRepository) ApplyDemandDeductions(ctx context.Context, deductions []DemandDeduction) error {
	if len(deductions) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range deductions {
		var result pgconn.CommandTag
		if d.Remove {
			result, err = tx.Exec(ctx,
				`DELETE FROM deposit_records WHERE id = $1 AND version = $2`,
				d.Record.ID, d.Record.Version,
			)
		} else {
			result, err = tx.Exec(ctx, `
				UPDATE deposit_records
				SET principal = principal - $3, version = version + 1, updated_at = NOW()
				WHERE id = $1 AND version = $2 AND principal >= $3
			`, d.Record.ID, d.Record.Version, d.Amount)
		}
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}
	return tx.Commit(ctx)
}

// RestoreDemandDeductions puts a previously applied deduction set back.
// Compensation is unconditional: the owning user has a single logical worker,
// so nothing else can have touched these rows in between.
func (r *PostgresRepository) RestoreDemandDeductions(ctx context.Context, deductions []DemandDeduction) error {
	if len(deductions) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range deductions {
		if d.Remove {
			rec := d.Record
			_, err = tx.Exec(ctx, `
				INSERT INTO deposit_records (
					id, user_id, currency, principal, kind, rate, cycle,
					next_settlement_at, extension_requested, pending_rate, pending_cycle, version
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`, rec.ID, rec.UserID, rec.Currency, rec.Principal, rec.Kind, rec.Rate,
				rec.Cycle, rec.NextSettlementAt, rec.ExtensionRequested,
				rec.PendingRate, pendingCycleArg(&rec), rec.Version+1)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE deposit_records
				SET principal = principal + $2, version = version + 1, updated_at = NOW()
				WHERE id = $1
			`, d.Record.ID, d.Amount)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ConvertRecord atomically removes the record at (oldID, expectedVersion) and
// inserts its replacement, if any.
func (r *PostgresRepository) ConvertRecord(ctx context.Context, oldID uuid.UUID, expectedVersion int64, replacement *domain.DepositRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`DELETE FROM deposit_records WHERE id = $1 AND version = $2`,
		oldID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if replacement != nil {
		if replacement.Version == 0 {
			replacement.Version = 1
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO deposit_records (
				id, user_id, currency, principal, kind, rate, cycle,
				next_settlement_at, extension_requested, pending_rate, pending_cycle, version
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, replacement.ID, replacement.UserID, replacement.Currency, replacement.Principal,
			replacement.Kind, replacement.Rate, replacement.Cycle, replacement.NextSettlementAt,
			replacement.ExtensionRequested, replacement.PendingRate, pendingCycleArg(replacement),
			replacement.Version)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ReplaceDemandGroup merges a compaction group: deletes every constituent at
// its snapshot version and inserts the single merged record.
func (r *PostgresRepository) ReplaceDemandGroup(ctx context.Context, olds []domain.DepositRecord, merged *domain.DepositRecord) error {
	if len(olds) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, old := range olds {
		result, execErr := tx.Exec(ctx,
			`DELETE FROM deposit_records WHERE id = $1 AND version = $2`,
			old.ID, old.Version,
		)
		if execErr != nil {
			return execErr
		}
		if result.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}

	if merged.Version == 0 {
		merged.Version = 1
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO deposit_records (
			id, user_id, currency, principal, kind, rate, cycle,
			next_settlement_at, extension_requested, pending_rate, pending_cycle, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, merged.ID, merged.UserID, merged.Currency, merged.Principal, merged.Kind,
		merged.Rate, merged.Cycle, merged.NextSettlementAt, merged.ExtensionRequested,
		merged.PendingRate, pendingCycleArg(merged), merged.Version)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
