package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cartera-erp/cartera-erp/internal/platform/db"
	"github.com/cartera-erp/cartera-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the allocation
// engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CounterpartyExists reports whether the counterparty id resolves.
func (r *Repository) CounterpartyExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM counterparties WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

// InsertEntry posts a ledger entry.
func (r *Repository) InsertEntry(ctx context.Context, in PostEntryInput) (*LedgerEntry, error) {
	return insertEntry(ctx, r.pool, in)
}

func insertEntry(ctx context.Context, q querier, in PostEntryInput) (*LedgerEntry, error) {
	const query = `
		INSERT INTO ledger_entries (counterparty_id, doc_type, doc_number, doc_date, debit, credit, function, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`

	entry := LedgerEntry{
		CounterpartyID: in.CounterpartyID,
		Doc:            in.Doc,
		Date:           in.Date,
		Debit:          in.Debit,
		Credit:         in.Credit,
		Function:       in.Function,
	}
	err := q.QueryRow(ctx, query,
		in.CounterpartyID,
		in.Doc.Type,
		in.Doc.Number,
		in.Date,
		in.Debit.String(),
		in.Credit.String(),
		string(in.Function),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDocument, in.Doc)
		}
		return nil, err
	}
	return &entry, nil
}

const entryColumns = `id, counterparty_id, doc_type, doc_number, doc_date, debit, credit, function, created_at`

// ListEntries returns subledger entries for one counterparty, optionally
// bounded by date range, role and document type.
func (r *Repository) ListEntries(ctx context.Context, q EntriesQuery) ([]LedgerEntry, error) {
	return listEntries(ctx, r.pool, q)
}

func listEntries(ctx context.Context, qr querier, q EntriesQuery) ([]LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE counterparty_id = $1`
	args := []any{q.CounterpartyID}

	if !q.Start.IsZero() {
		args = append(args, q.Start)
		query += fmt.Sprintf(" AND doc_date >= $%d", len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		query += fmt.Sprintf(" AND doc_date <= $%d", len(args))
	}
	if q.Role != "" {
		args = append(args, functionsForRole(q.Role))
		query += fmt.Sprintf(" AND function = ANY($%d)", len(args))
	}
	if q.DocType != "" {
		args = append(args, q.DocType)
		query += fmt.Sprintf(" AND doc_type = $%d", len(args))
	}
	query += " ORDER BY doc_date, id"

	rows, err := qr.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func functionsForRole(role Role) []string {
	if role == RolePayable {
		return []string{string(FuncSupplierPayable), string(FuncSupplierPayment)}
	}
	return []string{string(FuncCustomerReceivable), string(FuncCustomerReceipt)}
}

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	var debit, credit pgtype.Numeric
	var function string
	err := row.Scan(&e.ID, &e.CounterpartyID, &e.Doc.Type, &e.Doc.Number, &e.Date, &debit, &credit, &function, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	e.Debit = numericToDecimal(debit)
	e.Credit = numericToDecimal(credit)
	e.Function = SpecialFunction(function)
	return e, nil
}

const allocationColumns = `id, counterparty_id, billing_doc_type, billing_doc_number, settlement_doc_type, settlement_doc_number, amount, reversal_of, created_at`

// ListAllocations returns the full allocation history for a counterparty,
// reversals included.
func (r *Repository) ListAllocations(ctx context.Context, counterpartyID int64) ([]Allocation, error) {
	return listAllocations(ctx, r.pool, counterpartyID)
}

func listAllocations(ctx context.Context, qr querier, counterpartyID int64) ([]Allocation, error) {
	rows, err := qr.Query(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE counterparty_id = $1 ORDER BY id`,
		counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// GetAllocation fetches one allocation record by id.
func (r *Repository) GetAllocation(ctx context.Context, id int64) (*Allocation, error) {
	return getAllocation(ctx, r.pool, id)
}

func getAllocation(ctx context.Context, qr querier, id int64) (*Allocation, error) {
	row := qr.QueryRow(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	var amount pgtype.Numeric
	var reversalOf pgtype.Int8
	err := row.Scan(&a.ID, &a.CounterpartyID,
		&a.BillingDoc.Type, &a.BillingDoc.Number,
		&a.SettlementDoc.Type, &a.SettlementDoc.Number,
		&amount, &reversalOf, &a.CreatedAt)
	if err != nil {
		return Allocation{}, err
	}
	a.Amount = numericToDecimal(amount)
	if reversalOf.Valid {
		a.ReversalOf = &reversalOf.Int64
	}
	return a, nil
}

// WithCounterpartyLock runs fn inside a repeatable-read transaction holding
// the counterparty's advisory lock. The lock scope is the counterparty, not
// a single document, because the overflow invariants span all of the
// counterparty's open documents.
func (r *Repository) WithCounterpartyLock(ctx context.Context, counterpartyID int64, fn func(context.Context, TxRepository) error) error {
	return db.WithAdvisoryLock(ctx, r.pool, shared.CounterpartyLockKey(counterpartyID), func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) InsertEntry(ctx context.Context, in PostEntryInput) (*LedgerEntry, error) {
	return insertEntry(ctx, t.tx, in)
}

func (t *txRepo) InsertAllocation(ctx context.Context, in AllocationInput) (*Allocation, error) {
	const query = `
		INSERT INTO allocations (counterparty_id, billing_doc_type, billing_doc_number, settlement_doc_type, settlement_doc_number, amount, reversal_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`

	alloc := Allocation{
		CounterpartyID: in.CounterpartyID,
		BillingDoc:     in.BillingDoc,
		SettlementDoc:  in.SettlementDoc,
		Amount:         in.Amount,
		ReversalOf:     in.ReversalOf,
	}
	var reversalOf pgtype.Int8
	if in.ReversalOf != nil {
		reversalOf = pgtype.Int8{Int64: *in.ReversalOf, Valid: true}
	}
	err := t.tx.QueryRow(ctx, query,
		in.CounterpartyID,
		in.BillingDoc.Type,
		in.BillingDoc.Number,
		in.SettlementDoc.Type,
		in.SettlementDoc.Number,
		in.Amount.String(),
		reversalOf,
	).Scan(&alloc.ID, &alloc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (t *txRepo) GetAllocation(ctx context.Context, id int64) (*Allocation, error) {
	return getAllocation(ctx, t.tx, id)
}

func (t *txRepo) HasReversal(ctx context.Context, allocationID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM allocations WHERE reversal_of = $1)", allocationID).Scan(&exists)
	return exists, err
}

func (t *txRepo) GetBillingDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*BillingDocument, error) {
	entry, err := t.getDocumentEntry(ctx, counterpartyID, ref)
	if err != nil {
		return nil, err
	}
	if !entry.Function.IsBilling() {
		return nil, fmt.Errorf("%w: %s is not a billing document", ErrDocumentNotFound, ref)
	}
	allocs, err := t.documentAllocations(ctx, counterpartyID, ref, "billing")
	if err != nil {
		return nil, err
	}
	allocated := decimal.Zero
	for _, a := range allocs {
		allocated = allocated.Add(a.Amount)
	}
	return &BillingDocument{
		Doc:            ref,
		CounterpartyID: counterpartyID,
		Role:           entry.Function.Role(),
		Date:           entry.Date,
		OriginalAmount: entry.Amount(),
		Allocated:      allocated,
		Balance:        entry.Amount().Sub(allocated),
		Allocations:    allocs,
	}, nil
}

func (t *txRepo) GetSettlementDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*SettlementDocument, error) {
	entry, err := t.getDocumentEntry(ctx, counterpartyID, ref)
	if err != nil {
		return nil, err
	}
	if !entry.Function.IsSettlement() {
		return nil, fmt.Errorf("%w: %s is not a settlement document", ErrDocumentNotFound, ref)
	}
	allocs, err := t.documentAllocations(ctx, counterpartyID, ref, "settlement")
	if err != nil {
		return nil, err
	}
	allocated := decimal.Zero
	for _, a := range allocs {
		allocated = allocated.Add(a.Amount)
	}
	return &SettlementDocument{
		Doc:            ref,
		CounterpartyID: counterpartyID,
		Role:           entry.Function.Role(),
		Date:           entry.Date,
		TotalAmount:    entry.Amount(),
		Allocated:      allocated,
		Unapplied:      entry.Amount().Sub(allocated),
		Allocations:    allocs,
	}, nil
}

func (t *txRepo) getDocumentEntry(ctx context.Context, counterpartyID int64, ref DocumentRef) (LedgerEntry, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE counterparty_id = $1 AND doc_type = $2 AND doc_number = $3`,
		counterpartyID, ref.Type, ref.Number)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, ref)
	}
	return entry, err
}

func (t *txRepo) documentAllocations(ctx context.Context, counterpartyID int64, ref DocumentRef, side string) ([]Allocation, error) {
	column := "billing"
	if side == "settlement" {
		column = "settlement"
	}
	query := fmt.Sprintf(
		`SELECT %s FROM allocations WHERE counterparty_id = $1 AND %s_doc_type = $2 AND %s_doc_number = $3 ORDER BY id`,
		allocationColumns, column, column)
	rows, err := t.tx.Query(ctx, query, counterpartyID, ref.Type, ref.Number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// ListOpenBillingDocuments returns billing documents with outstanding
// balance beyond Epsilon, ordered oldest first for FIFO matching.
func (t *txRepo) ListOpenBillingDocuments(ctx context.Context, counterpartyID int64, role Role) ([]BillingDocument, error) {
	entries, err := listEntries(ctx, t.tx, EntriesQuery{CounterpartyID: counterpartyID, Role: role})
	if err != nil {
		return nil, err
	}
	allocs, err := listAllocations(ctx, t.tx, counterpartyID)
	if err != nil {
		return nil, err
	}
	billing, _ := GroupDocuments(entries, allocs)
	var open []BillingDocument
	for _, doc := range billing {
		if IsOpen(doc.Balance) {
			open = append(open, doc)
		}
	}
	return open, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
