package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Role selects which subledger an operation works against.
type Role string

const (
	RoleReceivable Role = "RECEIVABLE"
	RolePayable    Role = "PAYABLE"
)

// SpecialFunction tags a ledger entry as a billing or settlement event
// within a subledger.
type SpecialFunction string

const (
	FuncCustomerReceivable SpecialFunction = "CUSTOMER_RECEIVABLE"
	FuncCustomerReceipt    SpecialFunction = "CUSTOMER_RECEIPT"
	FuncSupplierPayable    SpecialFunction = "SUPPLIER_PAYABLE"
	FuncSupplierPayment    SpecialFunction = "SUPPLIER_PAYMENT"
)

// Role returns the subledger a special function belongs to.
func (f SpecialFunction) Role() Role {
	switch f {
	case FuncSupplierPayable, FuncSupplierPayment:
		return RolePayable
	default:
		return RoleReceivable
	}
}

// IsBilling reports whether the function creates a receivable or payable.
func (f SpecialFunction) IsBilling() bool {
	return f == FuncCustomerReceivable || f == FuncSupplierPayable
}

// IsSettlement reports whether the function reduces a receivable or payable.
func (f SpecialFunction) IsSettlement() bool {
	return f == FuncCustomerReceipt || f == FuncSupplierPayment
}

// DocumentRef identifies a document by type code and number, e.g. FV-100.
type DocumentRef struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// String renders the reference in TYPE-NUMBER form.
func (r DocumentRef) String() string {
	return r.Type + "-" + r.Number
}

// IsZero reports whether the reference is empty.
func (r DocumentRef) IsZero() bool {
	return r.Type == "" && r.Number == ""
}

// LedgerEntry is a posted accounting movement tagged with a subledger role.
// Entries are immutable once posted: exactly one of Debit/Credit is non-zero.
type LedgerEntry struct {
	ID             int64
	CounterpartyID int64
	Doc            DocumentRef
	Date           time.Time
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	Function       SpecialFunction
	CreatedAt      time.Time
}

// Amount returns the entry's net amount within its subledger: the debit for
// receivable billing and payable settlement entries, the credit otherwise.
func (e LedgerEntry) Amount() decimal.Decimal {
	if e.Debit.IsZero() {
		return e.Credit
	}
	return e.Debit
}

// Allocation links part or all of a settlement document to a billing
// document. The relation is append-only: reversals insert an offsetting
// negative record referencing the original, history is never rewritten.
type Allocation struct {
	ID             int64
	CounterpartyID int64
	BillingDoc     DocumentRef
	SettlementDoc  DocumentRef
	Amount         decimal.Decimal
	ReversalOf     *int64
	CreatedAt      time.Time
}

// IsReversal reports whether the record offsets an earlier allocation.
func (a Allocation) IsReversal() bool {
	return a.ReversalOf != nil
}

// BillingDocument is the derived invoice-side view of a document: its
// original amount, what has been allocated against it, and the remainder.
type BillingDocument struct {
	Doc            DocumentRef
	CounterpartyID int64
	Role           Role
	Date           time.Time
	OriginalAmount decimal.Decimal
	Allocated      decimal.Decimal
	Balance        decimal.Decimal
	Allocations    []Allocation
}

// SettlementDocument is the derived receipt/payment-side view.
type SettlementDocument struct {
	Doc            DocumentRef
	CounterpartyID int64
	Role           Role
	Date           time.Time
	TotalAmount    decimal.Decimal
	Allocated      decimal.Decimal
	Unapplied      decimal.Decimal
	Allocations    []Allocation
}

// MatchPolicy governs what happens when a settlement arrives without
// explicit billing references.
type MatchPolicy string

const (
	// MatchFIFO allocates the settlement to open billing documents oldest
	// first; any remainder stays as unapplied credit.
	MatchFIFO MatchPolicy = "fifo"
	// MatchReject refuses settlements that carry no explicit references.
	MatchReject MatchPolicy = "reject"
)

// Sentinel errors for the allocation engine. Handlers map these onto the
// wire-level error codes.
var (
	ErrCounterpartyNotFound = errors.New("ledger: counterparty not found")
	ErrInvalidDateRange     = errors.New("ledger: invalid date range")
	ErrAllocationOverflow   = errors.New("ledger: allocation overflow")
	ErrAllocationNotFound   = errors.New("ledger: allocation not found")
	ErrDocumentNotFound     = errors.New("ledger: document not found")
	ErrUnmatchedSettlement  = errors.New("ledger: settlement carries no billing references")
	ErrUnbalancedEntry      = errors.New("ledger: exactly one of debit/credit must be non-zero")
	ErrDuplicateDocument    = errors.New("ledger: document already posted")
	ErrAlreadyReversed      = errors.New("ledger: allocation already reversed")
)
