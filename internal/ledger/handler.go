package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cartera-erp/cartera-erp/internal/platform/httpx"
)

// ReportInvalidator lets allocation writes invalidate cached reports.
type ReportInvalidator interface {
	Bump(ctx context.Context) error
}

// AllocationCounter receives one tick per allocation record written.
type AllocationCounter interface {
	CountAllocation(kind string)
}

// Handler exposes the posting and allocation API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	reports  ReportInvalidator
	counters AllocationCounter
}

// NewHandler builds a Handler instance. reports and counters may be nil.
func NewHandler(logger *slog.Logger, service *Service, reports ReportInvalidator, counters AllocationCounter) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), reports: reports, counters: counters}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/entries", h.postEntry)
	r.Post("/settlements", h.postSettlement)
	r.Post("/allocations", h.recordAllocation)
	r.Post("/allocations/{id}/reverse", h.reverseAllocation)
	r.Get("/entries", h.listDocuments)
}

type docRefPayload struct {
	Type   string `json:"type" validate:"required"`
	Number string `json:"number" validate:"required"`
}

func (p docRefPayload) ref() DocumentRef {
	return DocumentRef{Type: p.Type, Number: p.Number}
}

type postEntryPayload struct {
	CounterpartyID int64           `json:"counterparty_id" validate:"required,gt=0"`
	Doc            docRefPayload   `json:"doc" validate:"required"`
	Date           string          `json:"date" validate:"required"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	Function       string          `json:"function" validate:"required"`
}

func (p postEntryPayload) input() (PostEntryInput, error) {
	date, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return PostEntryInput{}, err
	}
	return PostEntryInput{
		CounterpartyID: p.CounterpartyID,
		Doc:            p.Doc.ref(),
		Date:           date,
		Debit:          p.Debit,
		Credit:         p.Credit,
		Function:       SpecialFunction(p.Function),
	}, nil
}

type entryResponse struct {
	ID             int64           `json:"id"`
	CounterpartyID int64           `json:"counterparty_id"`
	Doc            DocumentRef     `json:"doc"`
	Date           string          `json:"date"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	Function       SpecialFunction `json:"function"`
}

func toEntryResponse(e *LedgerEntry) entryResponse {
	return entryResponse{
		ID:             e.ID,
		CounterpartyID: e.CounterpartyID,
		Doc:            e.Doc,
		Date:           e.Date.Format("2006-01-02"),
		Debit:          e.Debit,
		Credit:         e.Credit,
		Function:       e.Function,
	}
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request) {
	var payload postEntryPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	in, err := payload.input()
	if err != nil {
		httpx.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	entry, err := h.service.PostEntry(r.Context(), in)
	if err != nil {
		h.logger.Error("post entry", slog.Any("error", err), slog.String("doc", in.Doc.String()))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

type settlementPayload struct {
	Entry       postEntryPayload `json:"entry" validate:"required"`
	Allocations []struct {
		Doc    docRefPayload   `json:"doc" validate:"required"`
		Amount decimal.Decimal `json:"amount" validate:"required"`
	} `json:"allocations" validate:"dive"`
}

func (h *Handler) postSettlement(w http.ResponseWriter, r *http.Request) {
	var payload settlementPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	entry, err := payload.Entry.input()
	if err != nil {
		httpx.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	in := PostSettlementInput{Entry: entry}
	for _, a := range payload.Allocations {
		in.Allocations = append(in.Allocations, AllocationInstruction{BillingDoc: a.Doc.ref(), Amount: a.Amount})
	}
	doc, err := h.service.PostSettlement(r.Context(), in)
	if err != nil {
		h.logger.Error("post settlement", slog.Any("error", err), slog.String("doc", entry.Doc.String()))
		h.respondError(w, err)
		return
	}
	h.bumpReports(r.Context())
	h.countAllocations("settlement", len(doc.Allocations))
	httpx.JSON(w, http.StatusCreated, toSettlementResponse(doc))
}

type allocationPayload struct {
	CounterpartyID int64           `json:"counterparty_id" validate:"required,gt=0"`
	Billing        docRefPayload   `json:"billing" validate:"required"`
	Settlement     docRefPayload   `json:"settlement" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
}

type allocationResponse struct {
	ID             int64           `json:"id"`
	CounterpartyID int64           `json:"counterparty_id"`
	Billing        DocumentRef     `json:"billing"`
	Settlement     DocumentRef     `json:"settlement"`
	Amount         decimal.Decimal `json:"amount"`
	ReversalOf     *int64          `json:"reversal_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toAllocationResponse(a *Allocation) allocationResponse {
	return allocationResponse{
		ID:             a.ID,
		CounterpartyID: a.CounterpartyID,
		Billing:        a.BillingDoc,
		Settlement:     a.SettlementDoc,
		Amount:         a.Amount,
		ReversalOf:     a.ReversalOf,
		CreatedAt:      a.CreatedAt,
	}
}

func (h *Handler) recordAllocation(w http.ResponseWriter, r *http.Request) {
	var payload allocationPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, "malformed JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	alloc, err := h.service.RecordAllocation(r.Context(), RecordAllocationInput{
		CounterpartyID: payload.CounterpartyID,
		BillingDoc:     payload.Billing.ref(),
		SettlementDoc:  payload.Settlement.ref(),
		Amount:         payload.Amount,
	})
	if err != nil {
		h.logger.Error("record allocation", slog.Any("error", err),
			slog.String("billing", payload.Billing.ref().String()),
			slog.String("settlement", payload.Settlement.ref().String()))
		h.respondError(w, err)
		return
	}
	h.bumpReports(r.Context())
	h.countAllocations("explicit", 1)
	httpx.JSON(w, http.StatusCreated, toAllocationResponse(alloc))
}

func (h *Handler) reverseAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.BadRequest(w, "invalid allocation id")
		return
	}
	reversal, err := h.service.ReverseAllocation(r.Context(), id)
	if err != nil {
		h.logger.Error("reverse allocation", slog.Any("error", err), slog.Int64("id", id))
		h.respondError(w, err)
		return
	}
	h.bumpReports(r.Context())
	h.countAllocations("reversal", 1)
	httpx.JSON(w, http.StatusCreated, toAllocationResponse(reversal))
}

type settlementResponse struct {
	Doc         DocumentRef          `json:"doc"`
	Date        string               `json:"date"`
	TotalAmount decimal.Decimal      `json:"total_amount"`
	Allocated   decimal.Decimal      `json:"allocated"`
	Unapplied   decimal.Decimal      `json:"unapplied"`
	Allocations []allocationResponse `json:"allocations"`
}

func toSettlementResponse(d *SettlementDocument) settlementResponse {
	resp := settlementResponse{
		Doc:         d.Doc,
		Date:        d.Date.Format("2006-01-02"),
		TotalAmount: d.TotalAmount,
		Allocated:   d.Allocated,
		Unapplied:   d.Unapplied,
	}
	for i := range d.Allocations {
		resp.Allocations = append(resp.Allocations, toAllocationResponse(&d.Allocations[i]))
	}
	return resp
}

type billingResponse struct {
	Doc            DocumentRef          `json:"doc"`
	Date           string               `json:"date"`
	OriginalAmount decimal.Decimal      `json:"original_amount"`
	Allocated      decimal.Decimal      `json:"allocated"`
	Balance        decimal.Decimal      `json:"balance"`
	Allocations    []allocationResponse `json:"allocations"`
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	counterpartyID, err := strconv.ParseInt(q.Get("counterparty_id"), 10, 64)
	if err != nil || counterpartyID <= 0 {
		httpx.BadRequest(w, "counterparty_id is required")
		return
	}
	query := EntriesQuery{CounterpartyID: counterpartyID, Role: Role(q.Get("role")), DocType: q.Get("doc_type")}
	if raw := q.Get("start"); raw != "" {
		if query.Start, err = time.Parse("2006-01-02", raw); err != nil {
			httpx.BadRequest(w, "start must be YYYY-MM-DD")
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if query.End, err = time.Parse("2006-01-02", raw); err != nil {
			httpx.BadRequest(w, "end must be YYYY-MM-DD")
			return
		}
	}

	view, err := h.service.Documents(r.Context(), query)
	if err != nil {
		h.logger.Error("list documents", slog.Any("error", err), slog.Int64("counterparty_id", counterpartyID))
		h.respondError(w, err)
		return
	}
	out := struct {
		Billing     []billingResponse    `json:"billing"`
		Settlements []settlementResponse `json:"settlements"`
	}{}
	for i := range view.Billing {
		d := &view.Billing[i]
		resp := billingResponse{
			Doc:            d.Doc,
			Date:           d.Date.Format("2006-01-02"),
			OriginalAmount: d.OriginalAmount,
			Allocated:      d.Allocated,
			Balance:        d.Balance,
		}
		for j := range d.Allocations {
			resp.Allocations = append(resp.Allocations, toAllocationResponse(&d.Allocations[j]))
		}
		out.Billing = append(out.Billing, resp)
	}
	for i := range view.Settlements {
		out.Settlements = append(out.Settlements, toSettlementResponse(&view.Settlements[i]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) countAllocations(kind string, n int) {
	if h.counters == nil {
		return
	}
	for i := 0; i < n; i++ {
		h.counters.CountAllocation(kind)
	}
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
	case errors.Is(err, ErrCounterpartyNotFound):
		httpx.ProblemCode(w, http.StatusNotFound, httpx.CodeCounterpartyNotFound, err.Error())
	case errors.Is(err, ErrInvalidDateRange):
		httpx.ProblemCode(w, http.StatusBadRequest, httpx.CodeInvalidDateRange, err.Error())
	case errors.Is(err, ErrAllocationOverflow):
		httpx.ProblemCode(w, http.StatusUnprocessableEntity, httpx.CodeAllocationOverflow, err.Error())
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrAllocationNotFound):
		httpx.NotFound(w, err.Error())
	case errors.Is(err, ErrDuplicateDocument), errors.Is(err, ErrAlreadyReversed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrUnbalancedEntry), errors.Is(err, ErrUnmatchedSettlement):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		httpx.Internal(w)
	}
}
