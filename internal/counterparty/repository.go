package counterparty

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartera-erp/cartera-erp/internal/platform/db"
	"github.com/cartera-erp/cartera-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for counterparties and
// the merge workflow.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, tax_id, display_name, is_customer, is_supplier, created_at, updated_at`

// Create registers a counterparty.
func (r *Repository) Create(ctx context.Context, in CreateInput) (*Counterparty, error) {
	const query = `
		INSERT INTO counterparties (tax_id, display_name, is_customer, is_supplier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	cp := Counterparty{
		TaxID:       in.TaxID,
		DisplayName: in.DisplayName,
		IsCustomer:  in.IsCustomer,
		IsSupplier:  in.IsSupplier,
	}
	err := r.pool.QueryRow(ctx, query, in.TaxID, in.DisplayName, in.IsCustomer, in.IsSupplier).
		Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTaxID, in.TaxID)
		}
		return nil, err
	}
	return &cp, nil
}

// Get fetches a counterparty by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Counterparty, error) {
	var cp Counterparty
	err := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM counterparties WHERE id = $1`, id).
		Scan(&cp.ID, &cp.TaxID, &cp.DisplayName, &cp.IsCustomer, &cp.IsSupplier, &cp.CreatedAt, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// List returns all counterparties. Ordering by display name is applied by
// the service with proper collation.
func (r *Repository) List(ctx context.Context) ([]Counterparty, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM counterparties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counterparty
	for rows.Next() {
		var cp Counterparty
		if err := rows.Scan(&cp.ID, &cp.TaxID, &cp.DisplayName, &cp.IsCustomer, &cp.IsSupplier, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ApplyMerge re-keys every ledger entry and allocation from origin to
// destination and deletes the origin, all in one transaction holding both
// counterparty advisory locks in ascending id order. The try-lock variant
// surfaces a concurrent writer as ErrMergeConflict instead of waiting
// behind it.
func (r *Repository) ApplyMerge(ctx context.Context, m *Merge) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		first, second := m.OriginID, m.DestinationID
		if second < first {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			acquired, err := db.TryAdvisoryLock(ctx, tx, shared.CounterpartyLockKey(id))
			if err != nil {
				return err
			}
			if !acquired {
				return fmt.Errorf("%w: counterparty %d is locked by a concurrent operation", ErrMergeConflict, id)
			}
		}

		entries, err := tx.Exec(ctx, "UPDATE ledger_entries SET counterparty_id = $1 WHERE counterparty_id = $2", m.DestinationID, m.OriginID)
		if err != nil {
			return fmt.Errorf("%w: re-key entries: %v", ErrMergeConflict, err)
		}
		allocs, err := tx.Exec(ctx, "UPDATE allocations SET counterparty_id = $1 WHERE counterparty_id = $2", m.DestinationID, m.OriginID)
		if err != nil {
			return fmt.Errorf("%w: re-key allocations: %v", ErrMergeConflict, err)
		}
		tag, err := tx.Exec(ctx, "DELETE FROM counterparties WHERE id = $1", m.OriginID)
		if err != nil {
			return fmt.Errorf("%w: delete origin: %v", ErrMergeConflict, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		m.RekeyedEntries = entries.RowsAffected()
		m.RekeyedAllocations = allocs.RowsAffected()

		const audit = `
			INSERT INTO counterparty_merges (id, origin_id, destination_id, status, reason, rekeyed_entries, rekeyed_allocations, requested_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`
		_, err = tx.Exec(ctx, audit, m.ID, m.OriginID, m.DestinationID, string(MergeApplied), m.Reason, m.RekeyedEntries, m.RekeyedAllocations, m.RequestedAt)
		return err
	})
}

// RecordRejectedMerge keeps the audit trail for rejected merge requests.
func (r *Repository) RecordRejectedMerge(ctx context.Context, m *Merge) error {
	const query = `
		INSERT INTO counterparty_merges (id, origin_id, destination_id, status, reason, rekeyed_entries, rekeyed_allocations, requested_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, NOW())`
	_, err := r.pool.Exec(ctx, query, m.ID, m.OriginID, m.DestinationID, string(MergeRejected), m.Reason, m.RequestedAt)
	return err
}

// GetMerge fetches a merge audit record.
func (r *Repository) GetMerge(ctx context.Context, id uuid.UUID) (*Merge, error) {
	const query = `
		SELECT id, origin_id, destination_id, status, reason, rekeyed_entries, rekeyed_allocations, requested_at, finished_at
		FROM counterparty_merges WHERE id = $1`
	var m Merge
	var status string
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&m.ID, &m.OriginID, &m.DestinationID, &status, &m.Reason, &m.RekeyedEntries, &m.RekeyedAllocations, &m.RequestedAt, &m.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = MergeStatus(status)
	return &m, nil
}
