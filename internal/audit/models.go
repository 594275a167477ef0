package audit

import (
	"time"

	"github.com/google/uuid"

	"fisco/internal/fiscal"
)

// Event is emitted from lifecycle logic to capture every state change and
// protocol outcome. Keep it transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID          uuid.UUID
	Timestamp   time.Time
	AccessKey   string
	IssuerTaxID string
	Action      Action
	FromState   fiscal.State
	ToState     fiscal.State
	StatusCode  int
	Reason      string
}

type Action string

const (
	ActionDocumentCreated      Action = "document_created"
	ActionDocumentQueued       Action = "document_queued"
	ActionDocumentSubmitted    Action = "document_submitted"
	ActionDocumentAuthorized   Action = "document_authorized"
	ActionDocumentRejected     Action = "document_rejected"
	ActionCancellationRequest  Action = "cancellation_requested"
	ActionDocumentCancelled    Action = "document_cancelled"
	ActionCancellationDenied   Action = "cancellation_denied"
	ActionCancellationReverted Action = "cancellation_reverted"
	ActionNumberRangeVoided    Action = "number_range_voided"
	ActionDuplicateReconciled  Action = "duplicate_reconciled"
	ActionServiceUnavailable   Action = "service_unavailable"
)
