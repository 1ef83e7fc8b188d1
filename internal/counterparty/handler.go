package counterparty

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cartera-erp/cartera-erp/internal/platform/httpx"
	"github.com/cartera-erp/cartera-erp/internal/shared"
)

// ReportInvalidator lets an applied merge invalidate cached reports. A
// merge re-keys ledger rows, so statements cached for either party are
// stale the moment it commits.
type ReportInvalidator interface {
	Bump(ctx context.Context) error
}

// Handler exposes counterparty master data and the merge operation.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	reports  ReportInvalidator
}

// NewHandler builds a Handler instance. reports may be nil.
func NewHandler(logger *slog.Logger, service *Service, reports ReportInvalidator) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), reports: reports}
}

// MountRoutes registers counterparty routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/merge", h.merge)
}

type counterpartyResponse struct {
	ID          int64  `json:"id"`
	TaxID       string `json:"tax_id"`
	DisplayName string `json:"display_name"`
	IsCustomer  bool   `json:"is_customer"`
	IsSupplier  bool   `json:"is_supplier"`
}

func toResponse(cp *Counterparty) counterpartyResponse {
	return counterpartyResponse{
		ID:          cp.ID,
		TaxID:       cp.TaxID,
		DisplayName: cp.DisplayName,
		IsCustomer:  cp.IsCustomer,
		IsSupplier:  cp.IsSupplier,
	}
}

type createPayload struct {
	TaxID       string `json:"tax_id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	IsCustomer  bool   `json:"is_customer"`
	IsSupplier  bool   `json:"is_supplier"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	cp, err := h.service.Create(r.Context(), CreateInput{
		TaxID:       payload.TaxID,
		DisplayName: payload.DisplayName,
		IsCustomer:  payload.IsCustomer,
		IsSupplier:  payload.IsSupplier,
	})
	if err != nil {
		h.logger.Error("create counterparty", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(cp))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.BadRequest(w, "invalid counterparty id")
		return
	}
	cp, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(cp))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list counterparties", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := shared.NewPagination(page, perPage, len(all))

	start := (p.Page - 1) * p.PerPage
	if start > len(all) {
		start = len(all)
	}
	end := start + p.PerPage
	if end > len(all) {
		end = len(all)
	}
	out := struct {
		Items      []counterpartyResponse `json:"items"`
		Pagination shared.Pagination      `json:"pagination"`
	}{Pagination: p}
	for i := range all[start:end] {
		out.Items = append(out.Items, toResponse(&all[start:end][i]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type mergePayload struct {
	OriginID      int64 `json:"origin_id" validate:"required,gt=0"`
	DestinationID int64 `json:"destination_id" validate:"required,gt=0"`
}

type mergeResponse struct {
	ID                 string     `json:"id"`
	OriginID           int64      `json:"origin_id"`
	DestinationID      int64      `json:"destination_id"`
	Status             string     `json:"status"`
	Reason             string     `json:"reason,omitempty"`
	RekeyedEntries     int64      `json:"rekeyed_entries"`
	RekeyedAllocations int64      `json:"rekeyed_allocations"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	var payload mergePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	m, err := h.service.Merge(r.Context(), payload.OriginID, payload.DestinationID)
	if err != nil && m == nil {
		h.logger.Error("merge counterparties", slog.Any("error", err),
			slog.Int64("origin", payload.OriginID), slog.Int64("destination", payload.DestinationID))
		h.respondError(w, err)
		return
	}
	resp := mergeResponse{
		ID:                 m.ID.String(),
		OriginID:           m.OriginID,
		DestinationID:      m.DestinationID,
		Status:             string(m.Status),
		Reason:             m.Reason,
		RekeyedEntries:     m.RekeyedEntries,
		RekeyedAllocations: m.RekeyedAllocations,
		FinishedAt:         m.FinishedAt,
	}
	status := http.StatusOK
	if m.Status == MergeRejected {
		status = http.StatusConflict
		h.logger.Warn("merge rejected", slog.String("reason", m.Reason),
			slog.Int64("origin", payload.OriginID), slog.Int64("destination", payload.DestinationID))
	}
	if m.Status == MergeApplied {
		h.bumpReports(r.Context())
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) bumpReports(ctx context.Context) {
	if h.reports == nil {
		return
	}
	if err := h.reports.Bump(ctx); err != nil {
		h.logger.Warn("bump report cache", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.ProblemCode(w, http.StatusNotFound, httpx.CodeCounterpartyNotFound, err.Error())
	case errors.Is(err, ErrMergeConflict), errors.Is(err, ErrMergeSelf):
		httpx.ProblemCode(w, http.StatusConflict, httpx.CodeMergeConflict, err.Error())
	case errors.Is(err, ErrDuplicateTaxID):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.Internal(w)
	}
}
