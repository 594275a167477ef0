package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fisco/internal/audit"
	"fisco/internal/contador"
	"fisco/internal/fiscal"
	"fisco/internal/fiscal/decisor"
	"fisco/internal/sefaz"
	domainerrors "fisco/pkg/domain-errors"
)

// DecisionEngine classifies financial operations.
type DecisionEngine interface {
	Decide(op decisor.OperationDescriptor) (decisor.Decision, error)
}

// DocumentService drives the fiscal document lifecycle.
type DocumentService interface {
	Create(ctx context.Context, docType fiscal.DocumentType, series int) (*fiscal.Document, error)
	Submit(ctx context.Context, accessKey string) (*fiscal.Document, error)
	Poll(ctx context.Context, accessKey string) (*fiscal.Document, error)
	RequestCancellation(ctx context.Context, accessKey, justification string) (*fiscal.Document, error)
	VoidRange(ctx context.Context, docType fiscal.DocumentType, series int, first, last int64, justification string) (*sefaz.Response, error)
	Get(ctx context.Context, accessKey string) (*fiscal.Document, error)
	History(ctx context.Context, accessKey string) ([]audit.Event, error)
}

// TaxpayerService performs aggregation service queries.
type TaxpayerService interface {
	QueryAttorneyGrants(ctx context.Context, taxID string) ([]contador.AttorneyGrant, error)
	QueryTaxSituation(ctx context.Context, taxID string) (*contador.TaxSituation, error)
}

// Handler is the thin HTTP layer over the engine's services.
type Handler struct {
	decisions DecisionEngine
	documents DocumentService
	taxpayers TaxpayerService
	logger    *slog.Logger
}

func NewHandler(decisions DecisionEngine, documents DocumentService, taxpayers TaxpayerService, logger *slog.Logger) *Handler {
	return &Handler{
		decisions: decisions,
		documents: documents,
		taxpayers: taxpayers,
		logger:    logger,
	}
}

type operationRequest struct {
	Counterparty string `json:"counterparty"`
	Category     string `json:"category"`
	Jurisdiction string `json:"jurisdiction"`
}

func (req operationRequest) descriptor() decisor.OperationDescriptor {
	return decisor.OperationDescriptor{
		Counterparty: decisor.CounterpartyKind(req.Counterparty),
		Category:     req.Category,
		Jurisdiction: req.Jurisdiction,
	}
}

type decisionResponse struct {
	Required     bool              `json:"required"`
	DocumentType string            `json:"document_type,omitempty"`
	Series       int               `json:"series,omitempty"`
	Taxes        map[string]string `json:"taxes,omitempty"`
}

func toDecisionResponse(d decisor.Decision) decisionResponse {
	resp := decisionResponse{
		Required:     d.Required,
		DocumentType: string(d.DocumentType),
		Series:       d.Series,
	}
	if len(d.Taxes) > 0 {
		resp.Taxes = make(map[string]string, len(d.Taxes))
		for name, rate := range d.Taxes {
			resp.Taxes[name] = rate.String()
		}
	}
	return resp
}

type rejectionResponse struct {
	Code       int       `json:"code"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

type documentResponse struct {
	AccessKey      string              `json:"access_key"`
	DocumentType   string              `json:"document_type"`
	State          string              `json:"state"`
	Series         int                 `json:"series"`
	SequenceNumber int64               `json:"sequence_number"`
	ProtocolNumber string              `json:"protocol_number,omitempty"`
	IssuedAt       time.Time           `json:"issued_at"`
	AuthorizedAt   *time.Time          `json:"authorized_at,omitempty"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	Rejections     []rejectionResponse `json:"rejections,omitempty"`
}

func toDocumentResponse(doc *fiscal.Document) documentResponse {
	resp := documentResponse{
		AccessKey:      doc.AccessKey,
		DocumentType:   string(doc.DocumentType),
		State:          string(doc.State),
		Series:         doc.Series,
		SequenceNumber: doc.SequenceNumber,
		ProtocolNumber: doc.ProtocolNumber,
		IssuedAt:       doc.IssuedAt,
		AuthorizedAt:   doc.AuthorizedAt,
		CancelledAt:    doc.CancelledAt,
	}
	for _, rej := range doc.RejectionHistory {
		resp.Rejections = append(resp.Rejections, rejectionResponse{
			Code:       rej.Code,
			Reason:     rej.Reason,
			RecordedAt: rej.RecordedAt,
		})
	}
	return resp
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEvaluateDecision(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "invalid request body"))
		return
	}

	decision, err := h.decisions.Decide(req.descriptor())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionResponse(decision))
}

// handleIssueDocument runs the full flow: decide, seed a DRAFT document, and
// submit it. An operation that requires no document returns 200 with
// required=false.
func (h *Handler) handleIssueDocument(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "invalid request body"))
		return
	}

	decision, err := h.decisions.Decide(req.descriptor())
	if err != nil {
		writeError(w, err)
		return
	}
	if !decision.Required {
		writeJSON(w, http.StatusOK, toDecisionResponse(decision))
		return
	}

	doc, err := h.documents.Create(r.Context(), decision.DocumentType, decision.Series)
	if err != nil {
		writeError(w, err)
		return
	}

	submitted, err := h.documents.Submit(r.Context(), doc.AccessKey)
	if err != nil {
		// The document exists and keeps its key; surface both so the caller
		// can resubmit or poll later.
		code := domainerrors.CodeOf(err)
		writeJSON(w, statusOf(code), map[string]string{
			"error":             string(code),
			"error_description": err.Error(),
			"access_key":        doc.AccessKey,
		})
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(submitted))
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *Handler) handleDocumentHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.documents.History(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		writeError(w, err)
		return
	}

	type eventResponse struct {
		ID         string    `json:"id"`
		Timestamp  time.Time `json:"timestamp"`
		Action     string    `json:"action"`
		FromState  string    `json:"from_state,omitempty"`
		ToState    string    `json:"to_state,omitempty"`
		StatusCode int       `json:"status_code,omitempty"`
		Reason     string    `json:"reason,omitempty"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:         e.ID.String(),
			Timestamp:  e.Timestamp,
			Action:     string(e.Action),
			FromState:  string(e.FromState),
			ToState:    string(e.ToState),
			StatusCode: e.StatusCode,
			Reason:     e.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePollDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Poll(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *Handler) handleRequestCancellation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.Justification == "" {
		writeError(w, domainerrors.New(domainerrors.CodeInvalidInput, "justification is required"))
		return
	}

	doc, err := h.documents.RequestCancellation(r.Context(), chi.URLParam(r, "accessKey"), req.Justification)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *Handler) handleVoidRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentType  string `json:"document_type"`
		Series        int    `json:"series"`
		FirstNumber   int64  `json:"first_number"`
		LastNumber    int64  `json:"last_number"`
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "invalid request body"))
		return
	}

	resp, err := h.documents.VoidRange(r.Context(),
		fiscal.DocumentType(req.DocumentType), req.Series, req.FirstNumber, req.LastNumber, req.Justification)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status_code":     resp.Code,
		"reason":          resp.Reason,
		"protocol_number": resp.ProtocolNumber,
	})
}

func (h *Handler) handleAttorneyGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.taxpayers.QueryAttorneyGrants(r.Context(), chi.URLParam(r, "taxID"))
	if err != nil {
		writeError(w, err)
		return
	}

	type grantResponse struct {
		GrantorTaxID string    `json:"grantor_tax_id"`
		GranteeTaxID string    `json:"grantee_tax_id"`
		ServiceCodes []string  `json:"service_codes"`
		ValidFrom    time.Time `json:"valid_from"`
		ValidTo      time.Time `json:"valid_to"`
		ExpiringSoon bool      `json:"expiring_soon"`
	}
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse{
			GrantorTaxID: g.GrantorTaxID,
			GranteeTaxID: g.GranteeTaxID,
			ServiceCodes: g.ServiceCodes,
			ValidFrom:    g.ValidFrom,
			ValidTo:      g.ValidTo,
			ExpiringSoon: g.ExpiringSoon,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTaxSituation(w http.ResponseWriter, r *http.Request) {
	situation, err := h.taxpayers.QueryTaxSituation(r.Context(), chi.URLParam(r, "taxID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tax_id":      situation.TaxID,
		"status":      situation.Status,
		"description": situation.Description,
		"checked_at":  situation.CheckedAt,
	})
}
