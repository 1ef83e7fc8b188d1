package ledger

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepo) chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, NewService(repo, MatchFIFO), nil, nil)
	r := chi.NewRouter()
	r.Route("/", h.MountRoutes)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerPostEntry(t *testing.T) {
	repo := newMemoryRepo(1)
	r := newTestRouter(repo)

	rec := doJSON(t, r, http.MethodPost, "/entries", `{
		"counterparty_id": 1,
		"doc": {"type": "FV", "number": "100"},
		"date": "2024-01-10",
		"debit": "1000000",
		"function": "CUSTOMER_RECEIVABLE"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"date":"2024-01-10"`)
	require.Len(t, repo.entries, 1)
}

func TestHandlerPostEntryMalformedBody(t *testing.T) {
	r := newTestRouter(newMemoryRepo(1))

	rec := doJSON(t, r, http.MethodPost, "/entries", `{"counterparty_id":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAllocationOverflowCode(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	postInvoice(t, svc, 1, "100", date(2024, 1, 10), "500")
	r := newTestRouter(repo)

	rec := doJSON(t, r, http.MethodPost, "/settlements", `{
		"entry": {
			"counterparty_id": 1,
			"doc": {"type": "RC", "number": "50"},
			"date": "2024-02-01",
			"credit": "900",
			"function": "CUSTOMER_RECEIPT"
		},
		"allocations": [
			{"doc": {"type": "FV", "number": "100"}, "amount": "900"}
		]
	}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"ALLOCATION_OVERFLOW"`)
	require.Len(t, repo.entries, 1, "settlement must roll back on overflow")
}

func TestHandlerUnknownCounterpartyCode(t *testing.T) {
	r := newTestRouter(newMemoryRepo(1))

	rec := doJSON(t, r, http.MethodGet, "/entries?counterparty_id=99", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"COUNTERPARTY_NOT_FOUND"`)
}

func TestHandlerInvalidDateRangeCode(t *testing.T) {
	r := newTestRouter(newMemoryRepo(1))

	rec := doJSON(t, r, http.MethodGet, "/entries?counterparty_id=1&start=2024-03-01&end=2024-01-01", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"INVALID_DATE_RANGE"`)
}

func TestHandlerReverseAllocation(t *testing.T) {
	repo := newMemoryRepo(1)
	svc := NewService(repo, MatchFIFO)
	postInvoice(t, svc, 1, "100", date(2024, 1, 10), "1000")
	r := newTestRouter(repo)

	rec := doJSON(t, r, http.MethodPost, "/settlements", `{
		"entry": {
			"counterparty_id": 1,
			"doc": {"type": "RC", "number": "50"},
			"date": "2024-02-01",
			"credit": "1000",
			"function": "CUSTOMER_RECEIPT"
		},
		"allocations": [
			{"doc": {"type": "FV", "number": "100"}, "amount": "1000"}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/allocations/1/reverse", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"reversal_of":1`)

	rec = doJSON(t, r, http.MethodPost, "/allocations/1/reverse", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}
