package reports

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cartera-erp/cartera-erp/internal/ledger"
	"github.com/cartera-erp/cartera-erp/internal/platform/httpx"
)

// MismatchCounter receives one tick per reconciliation mismatch served.
type MismatchCounter interface {
	CountMismatch()
}

// Handler exposes the report surface: auxiliary ledger, statement of
// account and the cash-position reconciliation.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	counters MismatchCounter
}

// NewHandler builds a Handler instance. counters may be nil.
func NewHandler(logger *slog.Logger, service *Service, counters MismatchCounter) *Handler {
	return &Handler{logger: logger, service: service, counters: counters}
}

// MountRoutes registers report routes under a counterparty id.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}/auxiliary-ledger", h.auxiliaryLedger)
	r.Get("/{id}/statement", h.statement)
	r.Get("/{id}/reconciliation", h.reconciliation)
}

func counterpartyID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func roleParam(r *http.Request) ledger.Role {
	if role := ledger.Role(r.URL.Query().Get("role")); role == ledger.RolePayable {
		return ledger.RolePayable
	}
	return ledger.RoleReceivable
}

func dateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (h *Handler) auxiliaryLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := counterpartyID(r)
	if !ok {
		httpx.BadRequest(w, "invalid counterparty id")
		return
	}
	start, err := dateParam(r, "start")
	if err != nil {
		httpx.BadRequest(w, "start must be YYYY-MM-DD")
		return
	}
	end, err := dateParam(r, "end")
	if err != nil {
		httpx.BadRequest(w, "end must be YYYY-MM-DD")
		return
	}
	perspective := Perspective(r.URL.Query().Get("perspective"))
	if perspective == "" {
		perspective = PerspectiveBilling
	}

	report, err := h.service.AuxiliaryLedger(r.Context(), id, roleParam(r), start, end, perspective)
	if err != nil {
		if errors.Is(err, ErrInvalidPerspective) {
			httpx.BadRequest(w, err.Error())
			return
		}
		h.logger.Error("auxiliary ledger", slog.Any("error", err), slog.Int64("counterparty_id", id))
		h.respondError(w, err)
		return
	}
	if !report.Reconciliation.Consistent {
		h.countMismatch()
		h.logger.Warn("auxiliary ledger reconciliation warning",
			slog.Int64("counterparty_id", id),
			slog.String("difference", report.Reconciliation.Difference.String()))
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	id, ok := counterpartyID(r)
	if !ok {
		httpx.BadRequest(w, "invalid counterparty id")
		return
	}
	cutoff, err := dateParam(r, "cutoff")
	if err != nil {
		httpx.BadRequest(w, "cutoff must be YYYY-MM-DD")
		return
	}
	termDays := 0
	if raw := r.URL.Query().Get("term_days"); raw != "" {
		if termDays, err = strconv.Atoi(raw); err != nil || termDays < 0 {
			httpx.BadRequest(w, "term_days must be a non-negative integer")
			return
		}
	}

	st, err := h.service.StatementOfAccount(r.Context(), id, roleParam(r), cutoff, termDays)
	if err != nil {
		h.logger.Error("statement of account", slog.Any("error", err), slog.Int64("counterparty_id", id))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) reconciliation(w http.ResponseWriter, r *http.Request) {
	id, ok := counterpartyID(r)
	if !ok {
		httpx.BadRequest(w, "invalid counterparty id")
		return
	}
	start, err := dateParam(r, "start")
	if err != nil {
		httpx.BadRequest(w, "start must be YYYY-MM-DD")
		return
	}
	end, err := dateParam(r, "end")
	if err != nil {
		httpx.BadRequest(w, "end must be YYYY-MM-DD")
		return
	}
	book, err := decimal.NewFromString(r.URL.Query().Get("book_balance"))
	if err != nil {
		httpx.BadRequest(w, "book_balance must be a decimal string")
		return
	}

	rec, err := h.service.CompareBookBalance(r.Context(), id, roleParam(r), start, end, book)
	if err != nil {
		h.logger.Error("reconciliation", slog.Any("error", err), slog.Int64("counterparty_id", id))
		h.respondError(w, err)
		return
	}
	// A mismatch is reported, never fatal: upstream posting errors are
	// corrected by the user, not by this engine.
	if rec.Mismatch {
		h.countMismatch()
		h.logger.Warn("reconciliation mismatch",
			slog.Int64("counterparty_id", id),
			slog.String("difference", rec.Difference.String()))
	}
	httpx.JSON(w, http.StatusOK, struct {
		*Reconciliation
		Code string `json:"code,omitempty"`
	}{rec, mismatchCode(rec)})
}

func (h *Handler) countMismatch() {
	if h.counters != nil {
		h.counters.CountMismatch()
	}
}

func mismatchCode(rec *Reconciliation) string {
	if rec.Mismatch {
		return httpx.CodeReconciliationMismatch
	}
	return ""
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrCounterpartyNotFound):
		httpx.ProblemCode(w, http.StatusNotFound, httpx.CodeCounterpartyNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidDateRange):
		httpx.ProblemCode(w, http.StatusBadRequest, httpx.CodeInvalidDateRange, err.Error())
	default:
		httpx.Internal(w)
	}
}
