package counterparty

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type bumpRecorder struct {
	calls int
}

func (b *bumpRecorder) Bump(context.Context) error {
	b.calls++
	return nil
}

func newMergeRouter(repo *memoryRepo, bumps *bumpRecorder) chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, NewService(repo), bumps)
	r := chi.NewRouter()
	r.Route("/", h.MountRoutes)
	return r
}

func postMerge(t *testing.T, r chi.Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/merge", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMergeHandlerInvalidatesReportCache(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	origin := seedParty(t, svc, "100", "Origen SAC")
	destination := seedParty(t, svc, "200", "Destino SAC")
	repo.entryOwners[1] = origin.ID

	bumps := &bumpRecorder{}
	r := newMergeRouter(repo, bumps)

	rec := postMerge(t, r, `{"origin_id": 1, "destination_id": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"APPLIED"`)
	// Statements cached for either party reference re-keyed rows now.
	require.Equal(t, 1, bumps.calls)
	require.Equal(t, destination.ID, repo.entryOwners[1])
}

func TestMergeHandlerSkipsCacheOnRejection(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	seedParty(t, svc, "100", "Solo SAC")

	bumps := &bumpRecorder{}
	r := newMergeRouter(repo, bumps)

	rec := postMerge(t, r, `{"origin_id": 1, "destination_id": 1}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"REJECTED"`)
	require.Equal(t, 0, bumps.calls)
}
