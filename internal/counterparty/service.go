package counterparty

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// RepositoryPort defines data access for counterparty master data and the
// merge workflow.
type RepositoryPort interface {
	Create(ctx context.Context, in CreateInput) (*Counterparty, error)
	Get(ctx context.Context, id int64) (*Counterparty, error)
	List(ctx context.Context) ([]Counterparty, error)
	ApplyMerge(ctx context.Context, m *Merge) error
	RecordRejectedMerge(ctx context.Context, m *Merge) error
	GetMerge(ctx context.Context, id uuid.UUID) (*Merge, error)
}

// Service handles counterparty business logic.
type Service struct {
	repo     RepositoryPort
	collator *collate.Collator
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, collator: collate.New(language.Spanish, collate.IgnoreCase)}
}

// Create registers a counterparty. At least one role flag is required.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Counterparty, error) {
	in.TaxID = strings.TrimSpace(in.TaxID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.TaxID == "" {
		return nil, errors.New("counterparty: tax id required")
	}
	if in.DisplayName == "" {
		return nil, errors.New("counterparty: display name required")
	}
	if !in.IsCustomer && !in.IsSupplier {
		return nil, errors.New("counterparty: at least one of customer/supplier role required")
	}
	return s.repo.Create(ctx, in)
}

// Get fetches one counterparty.
func (s *Service) Get(ctx context.Context, id int64) (*Counterparty, error) {
	return s.repo.Get(ctx, id)
}

// List returns counterparties ordered by display name using Spanish
// collation, so names with accents and Ñ sort the way the reports show them.
func (s *Service) List(ctx context.Context) ([]Counterparty, error) {
	out, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.collator.CompareString(out[i].DisplayName, out[j].DisplayName) < 0
	})
	return out, nil
}

// Merge runs the merge workflow: REQUESTED → VALIDATING → APPLIED, or
// REJECTED with a reason. An applied merge re-keys every ledger entry and
// allocation from origin to destination and deletes the origin; it is
// irreversible by design.
func (s *Service) Merge(ctx context.Context, originID, destinationID int64) (*Merge, error) {
	m := &Merge{
		ID:            uuid.New(),
		OriginID:      originID,
		DestinationID: destinationID,
		Status:        MergeRequested,
		RequestedAt:   time.Now().UTC(),
	}

	m.Status = MergeValidating
	if originID == destinationID {
		return s.reject(ctx, m, ErrMergeSelf)
	}
	if _, err := s.repo.Get(ctx, originID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.reject(ctx, m, err)
		}
		return nil, err
	}
	if _, err := s.repo.Get(ctx, destinationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.reject(ctx, m, err)
		}
		return nil, err
	}

	if err := s.repo.ApplyMerge(ctx, m); err != nil {
		if errors.Is(err, ErrMergeConflict) || errors.Is(err, ErrNotFound) {
			return s.reject(ctx, m, err)
		}
		return nil, err
	}
	m.Status = MergeApplied
	now := time.Now().UTC()
	m.FinishedAt = &now
	return m, nil
}

func (s *Service) reject(ctx context.Context, m *Merge, cause error) (*Merge, error) {
	m.Status = MergeRejected
	m.Reason = cause.Error()
	now := time.Now().UTC()
	m.FinishedAt = &now
	if err := s.repo.RecordRejectedMerge(ctx, m); err != nil {
		return nil, err
	}
	return m, cause
}
