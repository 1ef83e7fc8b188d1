package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	counterparties map[int64]bool
	entries        []LedgerEntry
	allocs         []Allocation
	nextEntryID    int64
	nextAllocID    int64
}

func newMemoryRepo(counterpartyIDs ...int64) *memoryRepo {
	repo := &memoryRepo{counterparties: make(map[int64]bool)}
	for _, id := range counterpartyIDs {
		repo.counterparties[id] = true
	}
	return repo
}

func (m *memoryRepo) CounterpartyExists(_ context.Context, id int64) (bool, error) {
	return m.counterparties[id], nil
}

func (m *memoryRepo) InsertEntry(_ context.Context, in PostEntryInput) (*LedgerEntry, error) {
	for _, e := range m.entries {
		if e.CounterpartyID == in.CounterpartyID && e.Doc == in.Doc {
			return nil, ErrDuplicateDocument
		}
	}
	m.nextEntryID++
	entry := LedgerEntry{
		ID:             m.nextEntryID,
		CounterpartyID: in.CounterpartyID,
		Doc:            in.Doc,
		Date:           in.Date,
		Debit:          in.Debit,
		Credit:         in.Credit,
		Function:       in.Function,
		CreatedAt:      time.Now(),
	}
	m.entries = append(m.entries, entry)
	return &entry, nil
}

func (m *memoryRepo) ListEntries(_ context.Context, q EntriesQuery) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range m.entries {
		if e.CounterpartyID != q.CounterpartyID {
			continue
		}
		if !q.Start.IsZero() && e.Date.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && e.Date.After(q.End) {
			continue
		}
		if q.Role != "" && e.Function.Role() != q.Role {
			continue
		}
		if q.DocType != "" && e.Doc.Type != q.DocType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memoryRepo) ListAllocations(_ context.Context, counterpartyID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range m.allocs {
		if a.CounterpartyID == counterpartyID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetAllocation(_ context.Context, id int64) (*Allocation, error) {
	for _, a := range m.allocs {
		if a.ID == id {
			alloc := a
			return &alloc, nil
		}
	}
	return nil, ErrAllocationNotFound
}

func (m *memoryRepo) WithCounterpartyLock(ctx context.Context, _ int64, fn func(context.Context, TxRepository) error) error {
	savedEntries := append([]LedgerEntry(nil), m.entries...)
	savedAllocs := append([]Allocation(nil), m.allocs...)
	savedEntryID, savedAllocID := m.nextEntryID, m.nextAllocID
	if err := fn(ctx, m); err != nil {
		m.entries, m.allocs = savedEntries, savedAllocs
		m.nextEntryID, m.nextAllocID = savedEntryID, savedAllocID
		return err
	}
	return nil
}

func (m *memoryRepo) InsertAllocation(_ context.Context, in AllocationInput) (*Allocation, error) {
	m.nextAllocID++
	alloc := Allocation{
		ID:             m.nextAllocID,
		CounterpartyID: in.CounterpartyID,
		BillingDoc:     in.BillingDoc,
		SettlementDoc:  in.SettlementDoc,
		Amount:         in.Amount,
		ReversalOf:     in.ReversalOf,
		CreatedAt:      time.Now(),
	}
	m.allocs = append(m.allocs, alloc)
	return &alloc, nil
}

func (m *memoryRepo) HasReversal(_ context.Context, allocationID int64) (bool, error) {
	for _, a := range m.allocs {
		if a.ReversalOf != nil && *a.ReversalOf == allocationID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) GetBillingDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*BillingDocument, error) {
	entries, _ := m.ListEntries(ctx, EntriesQuery{CounterpartyID: counterpartyID})
	allocs, _ := m.ListAllocations(ctx, counterpartyID)
	billing, _ := GroupDocuments(entries, allocs)
	for _, doc := range billing {
		if doc.Doc == ref {
			found := doc
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, ref)
}

func (m *memoryRepo) GetSettlementDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*SettlementDocument, error) {
	entries, _ := m.ListEntries(ctx, EntriesQuery{CounterpartyID: counterpartyID})
	allocs, _ := m.ListAllocations(ctx, counterpartyID)
	_, settlements := GroupDocuments(entries, allocs)
	for _, doc := range settlements {
		if doc.Doc == ref {
			found := doc
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, ref)
}

func (m *memoryRepo) ListOpenBillingDocuments(ctx context.Context, counterpartyID int64, role Role) ([]BillingDocument, error) {
	entries, _ := m.ListEntries(ctx, EntriesQuery{CounterpartyID: counterpartyID, Role: role})
	allocs, _ := m.ListAllocations(ctx, counterpartyID)
	billing, _ := GroupDocuments(entries, allocs)
	var open []BillingDocument
	for _, doc := range billing {
		if IsOpen(doc.Balance) {
			open = append(open, doc)
		}
	}
	return open, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func postInvoice(t *testing.T, svc *Service, cpID int64, number string, day time.Time, amount string) {
	t.Helper()
	_, err := svc.PostEntry(context.Background(), PostEntryInput{
		CounterpartyID: cpID,
		Doc:            DocumentRef{Type: "FV", Number: number},
		Date:           day,
		Debit:          dec(amount),
		Function:       FuncCustomerReceivable,
	})
	require.NoError(t, err)
}

func TestPostEntryValidation(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	base := PostEntryInput{
		CounterpartyID: 1,
		Doc:            DocumentRef{Type: "FV", Number: "100"},
		Date:           date(2026, time.May, 10),
		Function:       FuncCustomerReceivable,
	}

	_, err := svc.PostEntry(ctx, base)
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	both := base
	both.Debit = dec("100")
	both.Credit = dec("100")
	_, err = svc.PostEntry(ctx, both)
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	negative := base
	negative.Debit = dec("-100")
	_, err = svc.PostEntry(ctx, negative)
	require.ErrorIs(t, err, ErrUnbalancedEntry)

	missing := base
	missing.Debit = dec("100")
	missing.CounterpartyID = 99
	_, err = svc.PostEntry(ctx, missing)
	require.ErrorIs(t, err, ErrCounterpartyNotFound)

	settlement := base
	settlement.Debit = dec("100")
	settlement.Function = FuncCustomerReceipt
	_, err = svc.PostEntry(ctx, settlement)
	require.Error(t, err)
}

func TestPostEntryRejectsDuplicateDocument(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)

	postInvoice(t, svc, 1, "100", date(2026, time.May, 10), "1000")
	_, err := svc.PostEntry(context.Background(), PostEntryInput{
		CounterpartyID: 1,
		Doc:            DocumentRef{Type: "FV", Number: "100"},
		Date:           date(2026, time.May, 11),
		Debit:          dec("500"),
		Function:       FuncCustomerReceivable,
	})
	require.ErrorIs(t, err, ErrDuplicateDocument)
}

func TestPostSettlementAppliesExplicitAllocations(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "100", date(2026, time.May, 10), "1000000")

	doc, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "50"},
			Date:           date(2026, time.June, 20),
			Credit:         dec("600000"),
			Function:       FuncCustomerReceipt,
		},
		Allocations: []AllocationInstruction{
			{BillingDoc: DocumentRef{Type: "FV", Number: "100"}, Amount: dec("600000")},
		},
	})
	require.NoError(t, err)
	require.True(t, doc.Allocated.Equal(dec("600000")))
	require.True(t, doc.Unapplied.IsZero())

	billing, err := repo.GetBillingDocument(ctx, 1, DocumentRef{Type: "FV", Number: "100"})
	require.NoError(t, err)
	require.True(t, billing.Balance.Equal(dec("400000")))
}

func TestPostSettlementOverflowRollsBackEverything(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "100", date(2026, time.May, 10), "1000000")

	_, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "51"},
			Date:           date(2026, time.June, 21),
			Credit:         dec("1100000"),
			Function:       FuncCustomerReceipt,
		},
		Allocations: []AllocationInstruction{
			{BillingDoc: DocumentRef{Type: "FV", Number: "100"}, Amount: dec("1100000")},
		},
	})
	require.ErrorIs(t, err, ErrAllocationOverflow)

	// The settlement entry must not survive the failed transaction.
	require.Len(t, repo.entries, 1)
	require.Empty(t, repo.allocs)
}

func TestPostSettlementAutoMatchesOldestFirst(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "230", date(2026, time.July, 1), "300000")
	postInvoice(t, svc, 1, "231", date(2026, time.July, 15), "400000")

	doc, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "90"},
			Date:           date(2026, time.August, 1),
			Credit:         dec("500000"),
			Function:       FuncCustomerReceipt,
		},
	})
	require.NoError(t, err)
	require.True(t, doc.Allocated.Equal(dec("500000")))
	require.True(t, doc.Unapplied.IsZero())

	first, err := repo.GetBillingDocument(ctx, 1, DocumentRef{Type: "FV", Number: "230"})
	require.NoError(t, err)
	require.True(t, first.Balance.IsZero())

	second, err := repo.GetBillingDocument(ctx, 1, DocumentRef{Type: "FV", Number: "231"})
	require.NoError(t, err)
	require.True(t, second.Balance.Equal(dec("200000")))
}

func TestPostSettlementLeavesOverpaymentUnapplied(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "230", date(2026, time.July, 1), "300000")

	doc, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "91"},
			Date:           date(2026, time.August, 2),
			Credit:         dec("350000"),
			Function:       FuncCustomerReceipt,
		},
	})
	require.NoError(t, err)
	require.True(t, doc.Allocated.Equal(dec("300000")))
	require.True(t, doc.Unapplied.Equal(dec("50000")))
}

func TestPostSettlementRejectPolicyRequiresReferences(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchReject)

	_, err := svc.PostSettlement(context.Background(), PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "92"},
			Date:           date(2026, time.August, 3),
			Credit:         dec("100"),
			Function:       FuncCustomerReceipt,
		},
	})
	require.ErrorIs(t, err, ErrUnmatchedSettlement)
}

func TestRecordAllocationChecksBothBounds(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "100", date(2026, time.May, 10), "1000")
	_, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "60"},
			Date:           date(2026, time.June, 1),
			Credit:         dec("4000"),
			Function:       FuncCustomerReceipt,
		},
		Allocations: []AllocationInstruction{
			{BillingDoc: DocumentRef{Type: "FV", Number: "100"}, Amount: dec("400")},
		},
	})
	require.NoError(t, err)

	// Remaining billing bound is 600; anything beyond that overflows.
	_, err = svc.RecordAllocation(ctx, RecordAllocationInput{
		CounterpartyID: 1,
		BillingDoc:     DocumentRef{Type: "FV", Number: "100"},
		SettlementDoc:  DocumentRef{Type: "RC", Number: "60"},
		Amount:         dec("700"),
	})
	require.ErrorIs(t, err, ErrAllocationOverflow)

	alloc, err := svc.RecordAllocation(ctx, RecordAllocationInput{
		CounterpartyID: 1,
		BillingDoc:     DocumentRef{Type: "FV", Number: "100"},
		SettlementDoc:  DocumentRef{Type: "RC", Number: "60"},
		Amount:         dec("600"),
	})
	require.NoError(t, err)
	require.True(t, alloc.Amount.Equal(dec("600")))

	_, err = svc.RecordAllocation(ctx, RecordAllocationInput{
		CounterpartyID: 1,
		BillingDoc:     DocumentRef{Type: "FV", Number: "100"},
		SettlementDoc:  DocumentRef{Type: "RC", Number: "60"},
		Amount:         dec("-5"),
	})
	require.Error(t, err)
}

func TestReverseAllocationRestoresBalance(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "100", date(2026, time.May, 10), "1000")
	_, err := svc.PostSettlement(ctx, PostSettlementInput{
		Entry: PostEntryInput{
			CounterpartyID: 1,
			Doc:            DocumentRef{Type: "RC", Number: "70"},
			Date:           date(2026, time.June, 1),
			Credit:         dec("1000"),
			Function:       FuncCustomerReceipt,
		},
		Allocations: []AllocationInstruction{
			{BillingDoc: DocumentRef{Type: "FV", Number: "100"}, Amount: dec("1000")},
		},
	})
	require.NoError(t, err)

	reversal, err := svc.ReverseAllocation(ctx, 1)
	require.NoError(t, err)
	require.True(t, reversal.Amount.Equal(dec("-1000")))
	require.NotNil(t, reversal.ReversalOf)
	require.Equal(t, int64(1), *reversal.ReversalOf)

	billing, err := repo.GetBillingDocument(ctx, 1, DocumentRef{Type: "FV", Number: "100"})
	require.NoError(t, err)
	require.True(t, billing.Balance.Equal(dec("1000")))

	// Both records stay in the relation.
	require.Len(t, repo.allocs, 2)

	_, err = svc.ReverseAllocation(ctx, 1)
	require.ErrorIs(t, err, ErrAlreadyReversed)

	_, err = svc.ReverseAllocation(ctx, reversal.ID)
	require.ErrorIs(t, err, ErrAlreadyReversed)

	_, err = svc.ReverseAllocation(ctx, 99)
	require.ErrorIs(t, err, ErrAllocationNotFound)
}

func TestDocumentsRejectsInvalidRange(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)

	_, err := svc.Documents(context.Background(), EntriesQuery{
		CounterpartyID: 1,
		Start:          date(2026, time.July, 1),
		End:            date(2026, time.June, 1),
	})
	require.ErrorIs(t, err, ErrInvalidDateRange)
}

func TestOpenBillingDocumentsOrderedOldestFirst(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	ctx := context.Background()

	postInvoice(t, svc, 1, "231", date(2026, time.July, 15), "400000")
	postInvoice(t, svc, 1, "230", date(2026, time.July, 1), "300000")

	open, err := svc.OpenBillingDocuments(ctx, 1, RoleReceivable, date(2026, time.August, 1))
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, "230", open[0].Doc.Number)
	require.Equal(t, "231", open[1].Doc.Number)

	// asOf excludes documents dated after the cutoff.
	open, err = svc.OpenBillingDocuments(ctx, 1, RoleReceivable, date(2026, time.July, 10))
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "230", open[0].Doc.Number)
}
