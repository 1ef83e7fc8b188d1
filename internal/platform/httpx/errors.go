// Package httpx provides HTTP response utilities.
package httpx

import "net/http"

// Error taxonomy codes exposed on the wire. Domain handlers map their
// sentinel errors onto these when building problem responses.
const (
	CodeCounterpartyNotFound   = "COUNTERPARTY_NOT_FOUND"
	CodeInvalidDateRange       = "INVALID_DATE_RANGE"
	CodeAllocationOverflow     = "ALLOCATION_OVERFLOW"
	CodeReconciliationMismatch = "RECONCILIATION_MISMATCH"
	CodeMergeConflict          = "MERGE_CONFLICT"
)

// NotFound is a convenience responder for plain not-found conditions that
// carry no taxonomy code.
func NotFound(w http.ResponseWriter, detail string) {
	Problem(w, http.StatusNotFound, "Not Found", detail)
}

// BadRequest is a convenience responder for malformed requests.
func BadRequest(w http.ResponseWriter, detail string) {
	Problem(w, http.StatusBadRequest, "Bad Request", detail)
}

// Internal masks unexpected failures.
func Internal(w http.ResponseWriter) {
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
