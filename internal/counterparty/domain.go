package counterparty

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Counterparty is a customer or supplier entity with its own subledger.
type Counterparty struct {
	ID          int64
	TaxID       string
	DisplayName string
	IsCustomer  bool
	IsSupplier  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateInput for registering counterparties.
type CreateInput struct {
	TaxID       string
	DisplayName string
	IsCustomer  bool
	IsSupplier  bool
}

// MergeStatus enumerates merge workflow states.
type MergeStatus string

const (
	MergeRequested  MergeStatus = "REQUESTED"
	MergeValidating MergeStatus = "VALIDATING"
	MergeApplied    MergeStatus = "APPLIED"
	MergeRejected   MergeStatus = "REJECTED"
)

// Merge records one run of the merge workflow. APPLIED and REJECTED are
// terminal; an applied merge is irreversible.
type Merge struct {
	ID                 uuid.UUID
	OriginID           int64
	DestinationID      int64
	Status             MergeStatus
	Reason             string
	RekeyedEntries     int64
	RekeyedAllocations int64
	RequestedAt        time.Time
	FinishedAt         *time.Time
}

var (
	// ErrNotFound indicates the counterparty id does not resolve.
	ErrNotFound = errors.New("counterparty: not found")
	// ErrDuplicateTaxID indicates the tax id is already registered.
	ErrDuplicateTaxID = errors.New("counterparty: tax id already registered")
	// ErrMergeConflict indicates the merge transaction could not re-key all
	// references, e.g. a concurrent posting holds the origin lock.
	ErrMergeConflict = errors.New("counterparty: merge conflict")
	// ErrMergeSelf indicates origin and destination are the same entity.
	ErrMergeSelf = errors.New("counterparty: origin and destination are identical")
)
