// Package fiscal holds the core data model for government-mandated tax
// documents and their lifecycle states.
package fiscal

import (
	"time"

	domainerrors "fisco/pkg/domain-errors"
)

// DocumentType identifies which government-mandated document a financial
// operation requires. Set once by the decision engine, immutable afterwards.
type DocumentType string

const (
	GoodsInvoice    DocumentType = "GOODS_INVOICE"
	ConsumerInvoice DocumentType = "CONSUMER_INVOICE"
	ServiceInvoice  DocumentType = "SERVICE_INVOICE"
)

// ModelCode returns the two-digit document model used in the access key.
func (t DocumentType) ModelCode() string {
	switch t {
	case GoodsInvoice:
		return "55"
	case ConsumerInvoice:
		return "65"
	case ServiceInvoice:
		return "95"
	default:
		return "00"
	}
}

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case GoodsInvoice, ConsumerInvoice, ServiceInvoice:
		return true
	}
	return false
}

// State is the lifecycle state of a fiscal document.
type State string

const (
	StateDraft                 State = "DRAFT"
	StateQueued                State = "QUEUED"
	StateSubmitted             State = "SUBMITTED"
	StateAuthorized            State = "AUTHORIZED"
	StateRejected              State = "REJECTED"
	StateCancellationRequested State = "CANCELLATION_REQUESTED"
	StateCancelled             State = "CANCELLED"
	StateCancellationDenied    State = "CANCELLATION_DENIED"
)

// Terminal reports whether no further transitions are legal from s.
// A rejected document is retried by issuing a new document with a new
// sequence number, never by reusing this instance.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateCancellationDenied:
		return true
	}
	return false
}

// allowedTransitions is the authoritative transition table. Re-entering
// SUBMITTED after a transient failure is modeled by SUBMITTED -> SUBMITTED.
// A pending cancellation whose event never registered with the authority
// reverts to AUTHORIZED so the event can be resent.
var allowedTransitions = map[State][]State{
	StateDraft:                 {StateQueued},
	StateQueued:                {StateSubmitted},
	StateSubmitted:             {StateSubmitted, StateAuthorized, StateRejected},
	StateAuthorized:            {StateCancellationRequested},
	StateCancellationRequested: {StateAuthorized, StateCancelled, StateCancellationDenied},
}

// CanTransition reports whether from → to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rejection is one append-only entry in a document's rejection history.
type Rejection struct {
	Code       int
	Reason     string
	RecordedAt time.Time
}

// Document is one fiscal document instance. Instances are owned exclusively
// by the lifecycle service; nothing else mutates State directly.
type Document struct {
	AccessKey      string
	DocumentType   DocumentType
	IssuerTaxID    string
	Series         int
	SequenceNumber int64
	State          State

	// ProtocolNumber is assigned only on authorization; opaque to us.
	ProtocolNumber string

	IssuedAt     time.Time
	AuthorizedAt *time.Time
	CancelledAt  *time.Time

	// RejectionHistory is append-only; entries are never mutated.
	RejectionHistory []Rejection
}

// NewDocument creates a DRAFT document with a deterministically derived
// access key. The key is generated exactly once here; retries reuse it,
// which is the basis of authority-side duplicate detection.
func NewDocument(docType DocumentType, issuerTaxID string, ufCode, series int, sequence int64, issuedAt time.Time) (*Document, error) {
	if !docType.Valid() {
		return nil, domainerrors.New(domainerrors.CodeInvalidInput, "unknown document type")
	}
	key, err := DeriveAccessKey(KeyParams{
		UFCode:      ufCode,
		IssuedAt:    issuedAt,
		IssuerTaxID: issuerTaxID,
		ModelCode:   docType.ModelCode(),
		Series:      series,
		Sequence:    sequence,
	})
	if err != nil {
		return nil, err
	}
	return &Document{
		AccessKey:      key,
		DocumentType:   docType,
		IssuerTaxID:    issuerTaxID,
		Series:         series,
		SequenceNumber: sequence,
		State:          StateDraft,
		IssuedAt:       issuedAt,
	}, nil
}

// AppendRejection records a rejection entry. History is append-only.
func (d *Document) AppendRejection(code int, reason string, at time.Time) {
	d.RejectionHistory = append(d.RejectionHistory, Rejection{
		Code:       code,
		Reason:     reason,
		RecordedAt: at,
	})
}

// Clone returns a deep copy so stores never leak shared mutable state.
func (d *Document) Clone() *Document {
	cp := *d
	if d.AuthorizedAt != nil {
		t := *d.AuthorizedAt
		cp.AuthorizedAt = &t
	}
	if d.CancelledAt != nil {
		t := *d.CancelledAt
		cp.CancelledAt = &t
	}
	cp.RejectionHistory = make([]Rejection, len(d.RejectionHistory))
	copy(cp.RejectionHistory, d.RejectionHistory)
	return &cp
}
