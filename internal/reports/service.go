package reports

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/cartera-erp/cartera-erp/internal/ledger"
)

// LedgerPort is the read surface the report builders need from the
// allocation engine.
type LedgerPort interface {
	Documents(ctx context.Context, q ledger.EntriesQuery) (*ledger.DocumentsView, error)
	OpenBillingDocuments(ctx context.Context, counterpartyID int64, role ledger.Role, asOf time.Time) ([]ledger.BillingDocument, error)
}

// Service builds the auxiliary ledger, statement of account and the
// cash-position reconciliation.
type Service struct {
	ledger LedgerPort
	cache  *Cache
	group  singleflight.Group
}

// NewService builds a Service. The cache may be nil.
func NewService(port LedgerPort, cache *Cache) *Service {
	return &Service{ledger: port, cache: cache}
}

// AuxiliaryLedger builds the requested perspective over a counterparty's
// allocation relation for the date range. Identical concurrent requests
// share one computation.
func (s *Service) AuxiliaryLedger(ctx context.Context, counterpartyID int64, role ledger.Role, start, end time.Time, perspective Perspective) (*AuxiliaryLedger, error) {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, ledger.ErrInvalidDateRange
	}
	key := fmt.Sprintf("aux:%d:%s:%s:%s:%s", counterpartyID, role, start.Format("20060102"), end.Format("20060102"), perspective)
	out, err, _ := s.group.Do(key, func() (any, error) {
		// Fetch the full relation so nested cross-references resolve even
		// when the other side's document falls outside the range.
		view, err := s.ledger.Documents(ctx, ledger.EntriesQuery{CounterpartyID: counterpartyID, Role: role})
		if err != nil {
			return nil, err
		}
		return Project(view, counterpartyID, start, end, perspective)
	})
	if err != nil {
		return nil, err
	}
	return out.(*AuxiliaryLedger), nil
}

// StatementOfAccount builds the open-document statement with aging for a
// counterparty at a cutoff date. Fully settled documents are excluded.
func (s *Service) StatementOfAccount(ctx context.Context, counterpartyID int64, role ledger.Role, cutoff time.Time, termDays int) (*Statement, error) {
	if cutoff.IsZero() {
		cutoff = time.Now()
	}
	cacheParts := []string{
		"statement",
		strconv.FormatInt(counterpartyID, 10),
		string(role),
		cutoff.Format("2006-01-02"),
		strconv.Itoa(termDays),
	}
	if cached, err := s.cache.GetStatement(ctx, cacheParts...); err == nil && cached != nil {
		return cached, nil
	}

	key := fmt.Sprintf("stmt:%d:%s:%s:%d", counterpartyID, role, cutoff.Format("20060102"), termDays)
	out, err, _ := s.group.Do(key, func() (any, error) {
		open, err := s.ledger.OpenBillingDocuments(ctx, counterpartyID, role, cutoff)
		if err != nil {
			return nil, err
		}
		st := &Statement{
			CounterpartyID: counterpartyID,
			Role:           role,
			Cutoff:         cutoff,
			TermDays:       termDays,
			BucketTotals:   make(map[Bucket]decimal.Decimal, len(Buckets)),
			Total:          decimal.Zero,
		}
		for _, b := range Buckets {
			st.BucketTotals[b] = decimal.Zero
		}
		for _, doc := range open {
			days := DaysOverdue(doc.Date, cutoff, termDays)
			bucket := Classify(days)
			st.Lines = append(st.Lines, StatementLine{
				Doc:            doc.Doc,
				Date:           doc.Date,
				DueDate:        doc.Date.AddDate(0, 0, termDays),
				OriginalAmount: doc.OriginalAmount,
				Balance:        doc.Balance,
				DaysOverdue:    days,
				Bucket:         bucket,
			})
			st.BucketTotals[bucket] = st.BucketTotals[bucket].Add(doc.Balance)
			st.Total = st.Total.Add(doc.Balance)
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	st := out.(*Statement)
	_ = s.cache.PutStatement(ctx, st, cacheParts...)
	return st, nil
}

// CompareBookBalance checks the period's computed net movement against an
// externally supplied book balance. A mismatch is flagged with its numeric
// difference; the report is always returned.
func (s *Service) CompareBookBalance(ctx context.Context, counterpartyID int64, role ledger.Role, start, end time.Time, bookBalance decimal.Decimal) (*Reconciliation, error) {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, ledger.ErrInvalidDateRange
	}
	view, err := s.ledger.Documents(ctx, ledger.EntriesQuery{CounterpartyID: counterpartyID, Start: start, End: end, Role: role})
	if err != nil {
		return nil, err
	}
	net := NetMovement(view, start, end)
	diff := net.Sub(bookBalance)
	return &Reconciliation{
		CounterpartyID: counterpartyID,
		Start:          start,
		End:            end,
		NetMovement:    net,
		BookBalance:    bookBalance,
		Difference:     diff,
		Mismatch:       diff.Abs().GreaterThan(ledger.Epsilon),
	}, nil
}
