package reports

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cartera-erp/cartera-erp/internal/ledger"
)

// Perspective selects which side of the allocation relation a projection
// nests under.
type Perspective string

const (
	// PerspectiveBilling lists billing documents with their settling
	// receipts nested.
	PerspectiveBilling Perspective = "billing"
	// PerspectiveSettlement lists settlement documents with the billing
	// documents they pay nested.
	PerspectiveSettlement Perspective = "settlement"
)

// ErrInvalidPerspective rejects unknown perspective values.
var ErrInvalidPerspective = errors.New("reports: invalid perspective")

// AllocationSlice is one nested cross-reference line: the other side's
// document and the amount applied to it.
type AllocationSlice struct {
	Doc       ledger.DocumentRef `json:"doc"`
	Date      time.Time          `json:"date"`
	Amount    decimal.Decimal    `json:"amount"`
	Reversal  bool               `json:"reversal,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// BillingLine is a billing document with its nested settlements.
type BillingLine struct {
	Doc            ledger.DocumentRef `json:"doc"`
	Date           time.Time          `json:"date"`
	OriginalAmount decimal.Decimal    `json:"original_amount"`
	Allocated      decimal.Decimal    `json:"allocated"`
	Balance        decimal.Decimal    `json:"balance"`
	Settlements    []AllocationSlice  `json:"settlements"`
}

// SettlementLine is a settlement document with its nested billing documents.
type SettlementLine struct {
	Doc         ledger.DocumentRef `json:"doc"`
	Date        time.Time          `json:"date"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Allocated   decimal.Decimal    `json:"allocated"`
	Unapplied   decimal.Decimal    `json:"unapplied"`
	Billing     []AllocationSlice  `json:"billing"`
}

// ReconcileCheck is the cross-perspective consistency verdict attached to
// every auxiliary ledger projection. A violation is a warning, never fatal.
type ReconcileCheck struct {
	Consistent bool            `json:"consistent"`
	Difference decimal.Decimal `json:"difference"`
	Warning    string          `json:"warning,omitempty"`
}

// AuxiliaryLedger is the dual-perspective report for one counterparty and
// date range. Only the requested perspective's lines are populated; the
// reconciliation check always runs over both.
type AuxiliaryLedger struct {
	CounterpartyID int64            `json:"counterparty_id"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	Perspective    Perspective      `json:"perspective"`
	Billing        []BillingLine    `json:"billing,omitempty"`
	Settlements    []SettlementLine `json:"settlements,omitempty"`
	Reconciliation ReconcileCheck   `json:"reconciliation"`
}

// StatementLine is one open billing document on a statement of account.
type StatementLine struct {
	Doc            ledger.DocumentRef `json:"doc"`
	Date           time.Time          `json:"date"`
	DueDate        time.Time          `json:"due_date"`
	OriginalAmount decimal.Decimal    `json:"original_amount"`
	Balance        decimal.Decimal    `json:"balance"`
	DaysOverdue    int                `json:"days_overdue"`
	Bucket         Bucket             `json:"bucket"`
}

// Statement is the statement-of-account report: open billing documents with
// aging, per-bucket sums and the grand total.
type Statement struct {
	CounterpartyID int64                      `json:"counterparty_id"`
	Role           ledger.Role                `json:"role"`
	Cutoff         time.Time                  `json:"cutoff"`
	TermDays       int                        `json:"term_days"`
	Lines          []StatementLine            `json:"lines"`
	BucketTotals   map[Bucket]decimal.Decimal `json:"bucket_totals"`
	Total          decimal.Decimal            `json:"total"`
}

// Reconciliation compares the engine's computed net movement for a period
// against an externally supplied book balance. A mismatch is reported with
// its numeric difference and never blocks report delivery.
type Reconciliation struct {
	CounterpartyID int64           `json:"counterparty_id"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	NetMovement    decimal.Decimal `json:"net_movement"`
	BookBalance    decimal.Decimal `json:"book_balance"`
	Difference     decimal.Decimal `json:"difference"`
	Mismatch       bool            `json:"mismatch"`
}
