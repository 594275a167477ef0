// Package httptransport is the thin HTTP layer for the business application.
// Handlers delegate to the domain services without embedding business logic.
package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domainerrors "fisco/pkg/domain-errors"
)

// NewRouter wires all endpoints with middleware.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/decisions/evaluate", h.handleEvaluateDecision)

	r.Post("/documents", h.handleIssueDocument)
	r.Get("/documents/{accessKey}", h.handleGetDocument)
	r.Get("/documents/{accessKey}/history", h.handleDocumentHistory)
	r.Post("/documents/{accessKey}/poll", h.handlePollDocument)
	r.Post("/documents/{accessKey}/cancellation", h.handleRequestCancellation)

	r.Post("/series/void-range", h.handleVoidRange)

	r.Get("/taxpayers/{taxID}/attorney-grants", h.handleAttorneyGrants)
	r.Get("/taxpayers/{taxID}/tax-situation", h.handleTaxSituation)

	return r
}

// statusOf maps the domain error taxonomy onto HTTP statuses in one place.
func statusOf(code domainerrors.Code) int {
	switch code {
	case domainerrors.CodeNotFound:
		return http.StatusNotFound
	case domainerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case domainerrors.CodeConflict, domainerrors.CodeInvalidState:
		return http.StatusConflict
	case domainerrors.CodePrecondition:
		return http.StatusPreconditionFailed
	case domainerrors.CodeTerminalReject,
		domainerrors.CodeCancellationExpired,
		domainerrors.CodeAmbiguousRule:
		return http.StatusUnprocessableEntity
	case domainerrors.CodeTransientService,
		domainerrors.CodeServiceUnavailable,
		domainerrors.CodeCertificate:
		return http.StatusServiceUnavailable
	case domainerrors.CodeUnknownStatusCode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError centralizes domain error translation. The authority's own
// reason text rides in error_description and is never suppressed.
func writeError(w http.ResponseWriter, err error) {
	code := domainerrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             string(code),
		"error_description": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
