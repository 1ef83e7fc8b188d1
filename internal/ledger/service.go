package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PostEntryInput carries a ledger entry from the posting collaborator.
// Entries arrive already balanced at the journal level; this engine only
// checks the subledger invariant.
type PostEntryInput struct {
	CounterpartyID int64
	Doc            DocumentRef
	Date           time.Time
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	Function       SpecialFunction
}

// AllocationInstruction is an explicit (billing_ref, amount) pair supplied
// with a settlement posting.
type AllocationInstruction struct {
	BillingDoc DocumentRef
	Amount     decimal.Decimal
}

// PostSettlementInput posts a settlement entry plus optional explicit
// allocation instructions, applied atomically.
type PostSettlementInput struct {
	Entry       PostEntryInput
	Allocations []AllocationInstruction
}

// RecordAllocationInput links a settlement to a billing document.
type RecordAllocationInput struct {
	CounterpartyID int64
	BillingDoc     DocumentRef
	SettlementDoc  DocumentRef
	Amount         decimal.Decimal
}

// AllocationInput is the persistence-level shape of an allocation row.
type AllocationInput struct {
	CounterpartyID int64
	BillingDoc     DocumentRef
	SettlementDoc  DocumentRef
	Amount         decimal.Decimal
	ReversalOf     *int64
}

// EntriesQuery selects entries for one counterparty and date range.
type EntriesQuery struct {
	CounterpartyID int64
	Start          time.Time
	End            time.Time
	Role           Role
	DocType        string
}

// DocumentsView groups entries into the derived billing and settlement
// document views.
type DocumentsView struct {
	Billing     []BillingDocument
	Settlements []SettlementDocument
}

// RepositoryPort defines data access for the allocation engine.
type RepositoryPort interface {
	CounterpartyExists(ctx context.Context, id int64) (bool, error)
	InsertEntry(ctx context.Context, in PostEntryInput) (*LedgerEntry, error)
	ListEntries(ctx context.Context, q EntriesQuery) ([]LedgerEntry, error)
	ListAllocations(ctx context.Context, counterpartyID int64) ([]Allocation, error)
	GetAllocation(ctx context.Context, id int64) (*Allocation, error)
	// WithCounterpartyLock runs fn inside a transaction that holds the
	// per-counterparty advisory lock, serializing concurrent settlements.
	WithCounterpartyLock(ctx context.Context, counterpartyID int64, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes operations available within a locked transaction.
type TxRepository interface {
	InsertEntry(ctx context.Context, in PostEntryInput) (*LedgerEntry, error)
	InsertAllocation(ctx context.Context, in AllocationInput) (*Allocation, error)
	GetAllocation(ctx context.Context, id int64) (*Allocation, error)
	HasReversal(ctx context.Context, allocationID int64) (bool, error)
	GetBillingDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*BillingDocument, error)
	GetSettlementDocument(ctx context.Context, counterpartyID int64, ref DocumentRef) (*SettlementDocument, error)
	ListOpenBillingDocuments(ctx context.Context, counterpartyID int64, role Role) ([]BillingDocument, error)
}

// Service implements the allocation ledger, balance calculator and the
// entry query surface.
type Service struct {
	repo   RepositoryPort
	policy MatchPolicy
}

// NewService builds a Service. The match policy governs settlements posted
// without explicit billing references.
func NewService(repo RepositoryPort, policy MatchPolicy) *Service {
	if policy == "" {
		policy = MatchFIFO
	}
	return &Service{repo: repo, policy: policy}
}

// Policy returns the configured match policy.
func (s *Service) Policy() MatchPolicy {
	return s.policy
}

func validateEntry(in PostEntryInput) error {
	if in.CounterpartyID == 0 {
		return errors.New("ledger: counterparty id required")
	}
	if in.Doc.IsZero() {
		return errors.New("ledger: document reference required")
	}
	if in.Date.IsZero() {
		return errors.New("ledger: document date required")
	}
	if in.Debit.IsNegative() || in.Credit.IsNegative() {
		return ErrUnbalancedEntry
	}
	if in.Debit.IsZero() == in.Credit.IsZero() {
		return ErrUnbalancedEntry
	}
	return nil
}

// PostEntry records a billing entry supplied by the posting collaborator.
func (s *Service) PostEntry(ctx context.Context, in PostEntryInput) (*LedgerEntry, error) {
	if err := validateEntry(in); err != nil {
		return nil, err
	}
	if !in.Function.IsBilling() {
		return nil, fmt.Errorf("ledger: %s is not a billing function, use PostSettlement", in.Function)
	}
	if err := s.requireCounterparty(ctx, in.CounterpartyID); err != nil {
		return nil, err
	}
	return s.repo.InsertEntry(ctx, in)
}

// PostSettlement records a settlement entry and applies its allocation
// instructions in one transaction. With no explicit instructions the
// configured match policy decides: FIFO auto-match or rejection.
func (s *Service) PostSettlement(ctx context.Context, in PostSettlementInput) (*SettlementDocument, error) {
	if err := validateEntry(in.Entry); err != nil {
		return nil, err
	}
	if !in.Entry.Function.IsSettlement() {
		return nil, fmt.Errorf("ledger: %s is not a settlement function", in.Entry.Function)
	}
	if len(in.Allocations) == 0 && s.policy == MatchReject {
		return nil, ErrUnmatchedSettlement
	}
	if err := s.requireCounterparty(ctx, in.Entry.CounterpartyID); err != nil {
		return nil, err
	}

	cpID := in.Entry.CounterpartyID
	var result *SettlementDocument
	err := s.repo.WithCounterpartyLock(ctx, cpID, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.InsertEntry(ctx, in.Entry)
		if err != nil {
			return err
		}
		if len(in.Allocations) > 0 {
			for _, instr := range in.Allocations {
				if _, err := allocateTx(ctx, tx, cpID, instr.BillingDoc, entry.Doc, instr.Amount); err != nil {
					return err
				}
			}
		} else if s.policy == MatchFIFO {
			if err := autoMatchTx(ctx, tx, cpID, entry.Doc); err != nil {
				return err
			}
		}
		doc, err := tx.GetSettlementDocument(ctx, cpID, entry.Doc)
		if err != nil {
			return err
		}
		result = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordAllocation applies one settlement amount to one billing document,
// rejecting with ErrAllocationOverflow when either document bound would be
// exceeded beyond Epsilon.
func (s *Service) RecordAllocation(ctx context.Context, in RecordAllocationInput) (*Allocation, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("ledger: allocation amount must be positive, got %s", in.Amount)
	}
	if err := s.requireCounterparty(ctx, in.CounterpartyID); err != nil {
		return nil, err
	}
	var alloc *Allocation
	err := s.repo.WithCounterpartyLock(ctx, in.CounterpartyID, func(ctx context.Context, tx TxRepository) error {
		rec, err := allocateTx(ctx, tx, in.CounterpartyID, in.BillingDoc, in.SettlementDoc, in.Amount)
		if err != nil {
			return err
		}
		alloc = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// allocateTx validates both overflow invariants against the current
// transaction snapshot and inserts the allocation.
func allocateTx(ctx context.Context, tx TxRepository, cpID int64, billingRef, settlementRef DocumentRef, amount decimal.Decimal) (*Allocation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: allocation amount must be positive, got %s", amount)
	}
	billing, err := tx.GetBillingDocument(ctx, cpID, billingRef)
	if err != nil {
		return nil, err
	}
	settlement, err := tx.GetSettlementDocument(ctx, cpID, settlementRef)
	if err != nil {
		return nil, err
	}
	if ExceedsWithTolerance(billing.Allocated.Add(amount), billing.OriginalAmount) {
		return nil, fmt.Errorf("%w: %s over billing document %s", ErrAllocationOverflow, amount, billingRef)
	}
	if ExceedsWithTolerance(settlement.Allocated.Add(amount), settlement.TotalAmount) {
		return nil, fmt.Errorf("%w: %s over settlement document %s", ErrAllocationOverflow, amount, settlementRef)
	}
	return tx.InsertAllocation(ctx, AllocationInput{
		CounterpartyID: cpID,
		BillingDoc:     billingRef,
		SettlementDoc:  settlementRef,
		Amount:         amount,
	})
}

// AutoMatch allocates a settlement's unapplied amount to the counterparty's
// open billing documents oldest first. Any remainder is left as unapplied
// credit; that is not an error.
func (s *Service) AutoMatch(ctx context.Context, counterpartyID int64, settlementRef DocumentRef) (*SettlementDocument, error) {
	if err := s.requireCounterparty(ctx, counterpartyID); err != nil {
		return nil, err
	}
	var result *SettlementDocument
	err := s.repo.WithCounterpartyLock(ctx, counterpartyID, func(ctx context.Context, tx TxRepository) error {
		if err := autoMatchTx(ctx, tx, counterpartyID, settlementRef); err != nil {
			return err
		}
		doc, err := tx.GetSettlementDocument(ctx, counterpartyID, settlementRef)
		if err != nil {
			return err
		}
		result = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func autoMatchTx(ctx context.Context, tx TxRepository, cpID int64, settlementRef DocumentRef) error {
	settlement, err := tx.GetSettlementDocument(ctx, cpID, settlementRef)
	if err != nil {
		return err
	}
	remaining := settlement.Unapplied
	if !IsOpen(remaining) {
		return nil
	}
	open, err := tx.ListOpenBillingDocuments(ctx, cpID, settlement.Role)
	if err != nil {
		return err
	}
	for _, doc := range open {
		if !IsOpen(remaining) {
			break
		}
		amount := decimal.Min(remaining, doc.Balance)
		if !amount.IsPositive() {
			continue
		}
		if _, err := tx.InsertAllocation(ctx, AllocationInput{
			CounterpartyID: cpID,
			BillingDoc:     doc.Doc,
			SettlementDoc:  settlementRef,
			Amount:         amount,
		}); err != nil {
			return err
		}
		remaining = remaining.Sub(amount)
	}
	return nil
}

// ReverseAllocation inserts an offsetting negative record for an earlier
// allocation. History is never deleted.
func (s *Service) ReverseAllocation(ctx context.Context, allocationID int64) (*Allocation, error) {
	original, err := s.repo.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if original.IsReversal() {
		return nil, fmt.Errorf("%w: %d is itself a reversal", ErrAlreadyReversed, allocationID)
	}
	var reversal *Allocation
	err = s.repo.WithCounterpartyLock(ctx, original.CounterpartyID, func(ctx context.Context, tx TxRepository) error {
		reversed, err := tx.HasReversal(ctx, allocationID)
		if err != nil {
			return err
		}
		if reversed {
			return ErrAlreadyReversed
		}
		id := allocationID
		rec, err := tx.InsertAllocation(ctx, AllocationInput{
			CounterpartyID: original.CounterpartyID,
			BillingDoc:     original.BillingDoc,
			SettlementDoc:  original.SettlementDoc,
			Amount:         original.Amount.Neg(),
			ReversalOf:     &id,
		})
		if err != nil {
			return err
		}
		reversal = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

// Documents returns the entries for a counterparty and date range grouped
// into billing and settlement document views.
func (s *Service) Documents(ctx context.Context, q EntriesQuery) (*DocumentsView, error) {
	if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
		return nil, ErrInvalidDateRange
	}
	if err := s.requireCounterparty(ctx, q.CounterpartyID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	allocs, err := s.repo.ListAllocations(ctx, q.CounterpartyID)
	if err != nil {
		return nil, err
	}
	billing, settlements := GroupDocuments(entries, allocs)
	return &DocumentsView{Billing: billing, Settlements: settlements}, nil
}

// OpenBillingDocuments returns billing documents dated on or before asOf
// whose balance exceeds Epsilon, ordered oldest first.
func (s *Service) OpenBillingDocuments(ctx context.Context, counterpartyID int64, role Role, asOf time.Time) ([]BillingDocument, error) {
	if err := s.requireCounterparty(ctx, counterpartyID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, EntriesQuery{CounterpartyID: counterpartyID, End: asOf, Role: role})
	if err != nil {
		return nil, err
	}
	allocs, err := s.repo.ListAllocations(ctx, counterpartyID)
	if err != nil {
		return nil, err
	}
	billing, _ := GroupDocuments(entries, allocs)
	open := billing[:0]
	for _, doc := range billing {
		if IsOpen(doc.Balance) {
			open = append(open, doc)
		}
	}
	return open, nil
}

func (s *Service) requireCounterparty(ctx context.Context, id int64) error {
	ok, err := s.repo.CounterpartyExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCounterpartyNotFound
	}
	return nil
}

// GroupDocuments derives the billing and settlement document views from raw
// entries plus the allocation relation. Balances come out of the same pure
// arithmetic used everywhere: original minus the signed allocation sum.
func GroupDocuments(entries []LedgerEntry, allocs []Allocation) ([]BillingDocument, []SettlementDocument) {
	byBilling := make(map[DocumentRef][]Allocation)
	bySettlement := make(map[DocumentRef][]Allocation)
	for _, a := range allocs {
		byBilling[a.BillingDoc] = append(byBilling[a.BillingDoc], a)
		bySettlement[a.SettlementDoc] = append(bySettlement[a.SettlementDoc], a)
	}

	var billing []BillingDocument
	var settlements []SettlementDocument
	for _, e := range entries {
		switch {
		case e.Function.IsBilling():
			linked := byBilling[e.Doc]
			allocated := sumAllocations(linked)
			billing = append(billing, BillingDocument{
				Doc:            e.Doc,
				CounterpartyID: e.CounterpartyID,
				Role:           e.Function.Role(),
				Date:           e.Date,
				OriginalAmount: e.Amount(),
				Allocated:      allocated,
				Balance:        e.Amount().Sub(allocated),
				Allocations:    linked,
			})
		case e.Function.IsSettlement():
			linked := bySettlement[e.Doc]
			allocated := sumAllocations(linked)
			settlements = append(settlements, SettlementDocument{
				Doc:            e.Doc,
				CounterpartyID: e.CounterpartyID,
				Role:           e.Function.Role(),
				Date:           e.Date,
				TotalAmount:    e.Amount(),
				Allocated:      allocated,
				Unapplied:      e.Amount().Sub(allocated),
				Allocations:    linked,
			})
		}
	}
	sort.Slice(billing, func(i, j int) bool { return billing[i].Date.Before(billing[j].Date) })
	sort.Slice(settlements, func(i, j int) bool { return settlements[i].Date.Before(settlements[j].Date) })
	return billing, settlements
}

func sumAllocations(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}
