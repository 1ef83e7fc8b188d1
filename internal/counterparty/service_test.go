package counterparty

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	byID    map[int64]*Counterparty
	byTaxID map[string]int64
	nextID  int64
	merges  map[uuid.UUID]*Merge

	entryOwners map[int64]int64
	allocOwners map[int64]int64

	lockedIDs map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		byID:        make(map[int64]*Counterparty),
		byTaxID:     make(map[string]int64),
		merges:      make(map[uuid.UUID]*Merge),
		entryOwners: make(map[int64]int64),
		allocOwners: make(map[int64]int64),
		lockedIDs:   make(map[int64]bool),
	}
}

func (m *memoryRepo) Create(_ context.Context, in CreateInput) (*Counterparty, error) {
	if _, exists := m.byTaxID[in.TaxID]; exists {
		return nil, ErrDuplicateTaxID
	}
	m.nextID++
	cp := &Counterparty{
		ID:          m.nextID,
		TaxID:       in.TaxID,
		DisplayName: in.DisplayName,
		IsCustomer:  in.IsCustomer,
		IsSupplier:  in.IsSupplier,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.byID[cp.ID] = cp
	m.byTaxID[cp.TaxID] = cp.ID
	return cp, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (*Counterparty, error) {
	cp, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp, nil
}

func (m *memoryRepo) List(_ context.Context) ([]Counterparty, error) {
	out := make([]Counterparty, 0, len(m.byID))
	for _, cp := range m.byID {
		out = append(out, *cp)
	}
	return out, nil
}

func (m *memoryRepo) ApplyMerge(_ context.Context, mg *Merge) error {
	if m.lockedIDs[mg.OriginID] || m.lockedIDs[mg.DestinationID] {
		return ErrMergeConflict
	}
	origin, ok := m.byID[mg.OriginID]
	if !ok {
		return ErrNotFound
	}
	for id, owner := range m.entryOwners {
		if owner == mg.OriginID {
			m.entryOwners[id] = mg.DestinationID
			mg.RekeyedEntries++
		}
	}
	for id, owner := range m.allocOwners {
		if owner == mg.OriginID {
			m.allocOwners[id] = mg.DestinationID
			mg.RekeyedAllocations++
		}
	}
	delete(m.byTaxID, origin.TaxID)
	delete(m.byID, mg.OriginID)
	stored := *mg
	stored.Status = MergeApplied
	m.merges[mg.ID] = &stored
	return nil
}

func (m *memoryRepo) RecordRejectedMerge(_ context.Context, mg *Merge) error {
	stored := *mg
	m.merges[mg.ID] = &stored
	return nil
}

func (m *memoryRepo) GetMerge(_ context.Context, id uuid.UUID) (*Merge, error) {
	mg, ok := m.merges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mg, nil
}

func seedParty(t *testing.T, svc *Service, taxID, name string) *Counterparty {
	t.Helper()
	cp, err := svc.Create(context.Background(), CreateInput{
		TaxID:       taxID,
		DisplayName: name,
		IsCustomer:  true,
	})
	require.NoError(t, err)
	return cp
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{DisplayName: "Acme", IsCustomer: true})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{TaxID: "123", IsCustomer: true})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{TaxID: "123", DisplayName: "Acme"})
	require.Error(t, err)

	_, err = svc.Create(ctx, CreateInput{TaxID: "  123 ", DisplayName: " Acme ", IsCustomer: true})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateInput{TaxID: "123", DisplayName: "Other", IsSupplier: true})
	require.ErrorIs(t, err, ErrDuplicateTaxID)
}

func TestListUsesSpanishCollation(t *testing.T) {
	svc := NewService(newMemoryRepo())

	seedParty(t, svc, "1", "Ñandu Logistica")
	seedParty(t, svc, "2", "Zeta Insumos")
	seedParty(t, svc, "3", "Ámbar Comercial")
	seedParty(t, svc, "4", "nube andina")

	out, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 4)

	names := []string{out[0].DisplayName, out[1].DisplayName, out[2].DisplayName, out[3].DisplayName}
	// Spanish collation: accents fold for ordering, Ñ sorts after N, case
	// is ignored.
	require.Equal(t, []string{"Ámbar Comercial", "nube andina", "Ñandu Logistica", "Zeta Insumos"}, names)
}

func TestMergeAppliesAndRekeys(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	origin := seedParty(t, svc, "100", "Origen SAC")
	destination := seedParty(t, svc, "200", "Destino SAC")

	repo.entryOwners[1] = origin.ID
	repo.entryOwners[2] = origin.ID
	repo.allocOwners[1] = origin.ID
	repo.entryOwners[3] = destination.ID

	m, err := svc.Merge(ctx, origin.ID, destination.ID)
	require.NoError(t, err)
	require.Equal(t, MergeApplied, m.Status)
	require.Equal(t, int64(2), m.RekeyedEntries)
	require.Equal(t, int64(1), m.RekeyedAllocations)
	require.NotNil(t, m.FinishedAt)

	_, err = svc.Get(ctx, origin.ID)
	require.ErrorIs(t, err, ErrNotFound)

	for _, owner := range repo.entryOwners {
		require.Equal(t, destination.ID, owner)
	}
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	cp := seedParty(t, svc, "100", "Solo SAC")

	m, err := svc.Merge(context.Background(), cp.ID, cp.ID)
	require.ErrorIs(t, err, ErrMergeSelf)
	require.NotNil(t, m)
	require.Equal(t, MergeRejected, m.Status)
	require.NotEmpty(t, m.Reason)

	stored, err := repo.GetMerge(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, MergeRejected, stored.Status)
}

func TestMergeRejectsUnknownParties(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	cp := seedParty(t, svc, "100", "Real SAC")

	m, err := svc.Merge(context.Background(), 999, cp.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, MergeRejected, m.Status)

	m, err = svc.Merge(context.Background(), cp.ID, 999)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, MergeRejected, m.Status)
}

func TestMergeRejectsOnConcurrentLock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	origin := seedParty(t, svc, "100", "Origen SAC")
	destination := seedParty(t, svc, "200", "Destino SAC")

	repo.lockedIDs[destination.ID] = true

	m, err := svc.Merge(ctx, origin.ID, destination.ID)
	require.ErrorIs(t, err, ErrMergeConflict)
	require.Equal(t, MergeRejected, m.Status)

	// Nothing was re-keyed and the origin survives.
	_, getErr := svc.Get(ctx, origin.ID)
	require.NoError(t, getErr)
}
