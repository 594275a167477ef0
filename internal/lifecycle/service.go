// Package lifecycle owns the authoritative state of fiscal documents. It
// consumes classified outcomes from the coordinator and drives transitions;
// it never retries on its own and never inspects raw status codes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fisco/internal/audit"
	"fisco/internal/coordinator"
	"fisco/internal/fiscal"
	"fisco/internal/notify"
	"fisco/internal/platform/config"
	"fisco/internal/platform/metrics"
	"fisco/internal/sefaz"
	domainerrors "fisco/pkg/domain-errors"
	"fisco/pkg/platform/circuit"
	platformsync "fisco/pkg/platform/sync"
)

// Service is the document lifecycle state machine. Transitions on a single
// document are strictly serialized per access key; documents with distinct
// keys proceed concurrently.
type Service struct {
	store     fiscal.Store
	authority sefaz.Client
	coord     *coordinator.Coordinator
	deadlines config.CancellationDeadlines

	issuerTaxID string
	ufCode      int

	keys     *platformsync.KeyedMutex
	breaker  *circuit.Breaker
	audit    *audit.Publisher
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithAudit sets the audit publisher for transition records.
func WithAudit(p *audit.Publisher) Option {
	return func(s *Service) {
		s.audit = p
	}
}

// WithNotifier sets the operator notification channel.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithBreaker sets the health circuit gating batch submissions.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock injects a clock for deterministic window testing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates the lifecycle service.
func New(store fiscal.Store, authority sefaz.Client, coord *coordinator.Coordinator, issuerTaxID string, ufCode int, deadlines config.CancellationDeadlines, opts ...Option) *Service {
	s := &Service{
		store:       store,
		authority:   authority,
		coord:       coord,
		deadlines:   deadlines,
		issuerTaxID: issuerTaxID,
		ufCode:      ufCode,
		keys:        platformsync.NewKeyedMutex(),
		breaker:     circuit.New("sefaz-health"),
		notifier:    notify.Noop{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates the next sequence number for the (issuer, model, series)
// triple and persists a DRAFT document. The access key is derived exactly
// once here; any later retry reuses it.
func (s *Service) Create(ctx context.Context, docType fiscal.DocumentType, series int) (*fiscal.Document, error) {
	if !docType.Valid() {
		return nil, domainerrors.New(domainerrors.CodeInvalidInput, "unknown document type")
	}

	sequence, err := s.store.NextSequence(ctx, s.issuerTaxID, docType.ModelCode(), series)
	if err != nil {
		return nil, err
	}
	doc, err := fiscal.NewDocument(docType, s.issuerTaxID, s.ufCode, series, sequence, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, doc); err != nil {
		return nil, err
	}

	s.emit(ctx, doc, audit.ActionDocumentCreated, "", fiscal.StateDraft, 0, "")
	s.logger.InfoContext(ctx, "document created",
		"access_key", doc.AccessKey,
		"document_type", doc.DocumentType,
		"series", doc.Series,
		"sequence", doc.SequenceNumber,
	)
	return doc, nil
}

// Submit drives a document from DRAFT or QUEUED through submission. A
// transient outcome exhausted by the coordinator leaves the document
// SUBMITTED (in doubt) when the wire call may have reached the authority,
// and QUEUED when the pre-flight health gate never let it out.
func (s *Service) Submit(ctx context.Context, accessKey string) (*fiscal.Document, error) {
	s.keys.Lock(accessKey)
	defer s.keys.Unlock(accessKey)

	doc, err := s.store.Get(ctx, accessKey)
	if err != nil {
		return nil, err
	}

	if doc.State == fiscal.StateDraft {
		if err := s.transition(ctx, doc, fiscal.StateQueued, audit.ActionDocumentQueued, 0, ""); err != nil {
			return nil, err
		}
	}
	if doc.State != fiscal.StateQueued && doc.State != fiscal.StateSubmitted {
		return nil, domainerrors.New(
			domainerrors.CodeInvalidState,
			fmt.Sprintf("cannot submit a document in state %s", doc.State),
		)
	}

	// Pre-flight health gate before the first wire attempt, and as the
	// recovery probe whenever the circuit is open. A paralyzed authority
	// keeps the document QUEUED; nothing in-doubt has happened yet.
	if doc.State == fiscal.StateQueued || s.breaker.IsOpen() {
		if err := s.healthGate(ctx); err != nil {
			return nil, err
		}
	}

	if doc.State == fiscal.StateQueued {
		if err := s.transition(ctx, doc, fiscal.StateSubmitted, audit.ActionDocumentSubmitted, 0, ""); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.IncrementDocumentsSubmitted()
		}
	}

	sub := sefaz.Submission{
		AccessKey:   doc.AccessKey,
		IssuerTaxID: doc.IssuerTaxID,
		Model:       doc.DocumentType.ModelCode(),
		Series:      doc.Series,
		Sequence:    doc.SequenceNumber,
		IssuedAt:    doc.IssuedAt,
	}
	result, err := s.coord.Execute(ctx, coordinator.Request{
		Key:       accessKey,
		AccessKey: accessKey,
		Operation: "submit",
		Do: func(ctx context.Context) (*sefaz.Response, error) {
			return s.authority.Submit(ctx, sub)
		},
	})
	if err != nil {
		s.recordOutcome(ctx, "submit", err)
		return nil, err
	}
	s.breaker.RecordSuccess()

	return doc, s.applyAuthorityVerdict(ctx, doc, result)
}

// Poll reconciles an in-doubt document via an idempotent status query. On a
// document that is neither SUBMITTED nor CANCELLATION_REQUESTED it changes
// nothing.
func (s *Service) Poll(ctx context.Context, accessKey string) (*fiscal.Document, error) {
	s.keys.Lock(accessKey)
	defer s.keys.Unlock(accessKey)

	doc, err := s.store.Get(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.State != fiscal.StateSubmitted && doc.State != fiscal.StateCancellationRequested {
		return doc, nil
	}

	result, err := s.coord.Execute(ctx, coordinator.Request{
		Key:       accessKey + "#query",
		AccessKey: accessKey,
		Operation: "query",
		Do: func(ctx context.Context) (*sefaz.Response, error) {
			return s.authority.QueryStatus(ctx, accessKey)
		},
	})
	if err != nil {
		s.recordOutcome(ctx, "query", err)
		return nil, err
	}

	if doc.State == fiscal.StateCancellationRequested {
		return doc, s.applyCancellationVerdict(ctx, doc, result.Response)
	}
	return doc, s.applyAuthorityVerdict(ctx, doc, result)
}

// RequestCancellation submits the cancellation event for an authorized
// document. The legal window is pre-checked locally; past the deadline the
// request is refused without any network call. The authority remains the
// source of truth: its own late denial still lands as CANCELLATION_DENIED.
func (s *Service) RequestCancellation(ctx context.Context, accessKey, justification string) (*fiscal.Document, error) {
	s.keys.Lock(accessKey)
	defer s.keys.Unlock(accessKey)

	doc, err := s.store.Get(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.State != fiscal.StateAuthorized {
		return nil, domainerrors.New(
			domainerrors.CodeInvalidState,
			fmt.Sprintf("cannot cancel a document in state %s", doc.State),
		)
	}

	deadline := s.deadlineFor(doc.DocumentType)
	if doc.AuthorizedAt == nil || s.now().Sub(*doc.AuthorizedAt) > deadline {
		s.notifier.CancellationWindowExpired(ctx, accessKey, deadline)
		return nil, domainerrors.New(
			domainerrors.CodeCancellationExpired,
			fmt.Sprintf("cancellation window of %s elapsed", deadline),
		)
	}

	if err := s.transition(ctx, doc, fiscal.StateCancellationRequested, audit.ActionCancellationRequest, 0, justification); err != nil {
		return nil, err
	}

	ev := sefaz.Cancellation{
		AccessKey:      doc.AccessKey,
		ProtocolNumber: doc.ProtocolNumber,
		Justification:  justification,
	}
	result, err := s.coord.Execute(ctx, coordinator.Request{
		Key:       accessKey + "#cancel",
		AccessKey: accessKey,
		Operation: "cancel",
		Do: func(ctx context.Context) (*sefaz.Response, error) {
			return s.authority.RequestCancellation(ctx, ev)
		},
	})
	if err != nil {
		// The event stays pending; a later Poll resolves it.
		s.recordOutcome(ctx, "cancel", err)
		return nil, err
	}

	return doc, s.applyCancellationVerdict(ctx, doc, result.Response)
}

// VoidRange marks a contiguous unused number range as permanently unusable.
// The range must not contain any authorized document.
func (s *Service) VoidRange(ctx context.Context, docType fiscal.DocumentType, series int, first, last int64, justification string) (*sefaz.Response, error) {
	if !docType.Valid() {
		return nil, domainerrors.New(domainerrors.CodeInvalidInput, "unknown document type")
	}
	if first <= 0 || last < first {
		return nil, domainerrors.New(domainerrors.CodeInvalidInput, "invalid number range")
	}

	occupied, err := s.store.HasAuthorizedInRange(ctx, s.issuerTaxID, docType.ModelCode(), series, first, last)
	if err != nil {
		return nil, err
	}
	if occupied {
		return nil, domainerrors.New(
			domainerrors.CodePrecondition,
			fmt.Sprintf("range %d-%d of series %d contains an authorized document", first, last, series),
		)
	}

	rangeKey := fmt.Sprintf("void/%s/%d/%d-%d", docType.ModelCode(), series, first, last)
	vr := sefaz.VoidRange{
		IssuerTaxID:   s.issuerTaxID,
		Model:         docType.ModelCode(),
		Series:        series,
		FirstNumber:   first,
		LastNumber:    last,
		Justification: justification,
	}
	result, err := s.coord.Execute(ctx, coordinator.Request{
		Key:       rangeKey,
		Operation: "void",
		Do: func(ctx context.Context) (*sefaz.Response, error) {
			return s.authority.VoidRange(ctx, vr)
		},
	})
	if err != nil {
		s.recordOutcome(ctx, "void", err)
		return nil, err
	}

	resp := result.Response
	if resp.Outcome != sefaz.OutcomeSuccess {
		return nil, domainerrors.New(
			domainerrors.CodeTerminalReject,
			fmt.Sprintf("void range refused: %d %s", resp.Code, resp.Reason),
		)
	}

	if s.audit != nil {
		_ = s.audit.Emit(ctx, audit.Event{
			AccessKey:   rangeKey,
			IssuerTaxID: s.issuerTaxID,
			Action:      audit.ActionNumberRangeVoided,
			StatusCode:  resp.Code,
			Reason:      resp.Reason,
		})
	}
	s.logger.InfoContext(ctx, "number range voided",
		"model", docType.ModelCode(),
		"series", series,
		"first", first,
		"last", last,
	)
	return resp, nil
}

// Get returns the current document snapshot.
func (s *Service) Get(ctx context.Context, accessKey string) (*fiscal.Document, error) {
	return s.store.Get(ctx, accessKey)
}

// History returns the audit trail for a document.
func (s *Service) History(ctx context.Context, accessKey string) ([]audit.Event, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(ctx, accessKey)
}

// applyAuthorityVerdict moves a SUBMITTED document according to a classified
// submission or query outcome. The document reaches AUTHORIZED only with a
// non-empty protocol number.
func (s *Service) applyAuthorityVerdict(ctx context.Context, doc *fiscal.Document, result *coordinator.Result) error {
	resp := result.Response
	switch resp.Outcome {
	case sefaz.OutcomeSuccess:
		if resp.ProtocolNumber == "" {
			return domainerrors.New(domainerrors.CodeInternal, "authority reported success without a protocol number")
		}
		now := s.now()
		doc.ProtocolNumber = resp.ProtocolNumber
		doc.AuthorizedAt = &now
		if err := s.transition(ctx, doc, fiscal.StateAuthorized, audit.ActionDocumentAuthorized, resp.Code, resp.Reason); err != nil {
			return err
		}
		if result.Reconciled {
			s.emit(ctx, doc, audit.ActionDuplicateReconciled, doc.State, doc.State, resp.Code, resp.Reason)
		}
		if s.metrics != nil {
			s.metrics.IncrementDocumentsAuthorized()
		}
		return nil

	case sefaz.OutcomeTerminalReject:
		doc.AppendRejection(resp.Code, resp.Reason, s.now())
		if err := s.transition(ctx, doc, fiscal.StateRejected, audit.ActionDocumentRejected, resp.Code, resp.Reason); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.IncrementDocumentsRejected(fmt.Sprintf("%d", resp.Code))
		}
		return nil

	default:
		// Transient outcomes never escape the coordinator, and duplicates
		// come back reconciled. Anything else is a coordination bug.
		return domainerrors.New(
			domainerrors.CodeInternal,
			fmt.Sprintf("unexpected outcome %q after coordination", resp.Outcome),
		)
	}
}

// applyCancellationVerdict resolves a pending cancellation event. A terminal
// denial records the authority's reason verbatim, including a late 501 that
// overrides the optimistic local window check.
func (s *Service) applyCancellationVerdict(ctx context.Context, doc *fiscal.Document, resp *sefaz.Response) error {
	switch resp.Outcome {
	case sefaz.OutcomeSuccess:
		// A status query answering 100 reports on the document, not the
		// event: the document is still authorized and the cancellation never
		// registered. Revert so the event can be resent inside the window.
		if !resp.ConfirmsCancellation() {
			return s.transition(ctx, doc, fiscal.StateAuthorized, audit.ActionCancellationReverted, resp.Code, resp.Reason)
		}
		now := s.now()
		doc.CancelledAt = &now
		if err := s.transition(ctx, doc, fiscal.StateCancelled, audit.ActionDocumentCancelled, resp.Code, resp.Reason); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.IncrementDocumentsCancelled()
		}
		return nil

	case sefaz.OutcomeTerminalReject:
		doc.AppendRejection(resp.Code, resp.Reason, s.now())
		return s.transition(ctx, doc, fiscal.StateCancellationDenied, audit.ActionCancellationDenied, resp.Code, resp.Reason)

	default:
		return domainerrors.New(
			domainerrors.CodeInternal,
			fmt.Sprintf("unexpected outcome %q after coordination", resp.Outcome),
		)
	}
}

// healthGate runs the pre-flight service status query through the
// coordinator and feeds the circuit breaker.
func (s *Service) healthGate(ctx context.Context) error {
	result, err := s.coord.Execute(ctx, coordinator.Request{
		Key:       "service-health",
		Operation: "health",
		Do:        s.authority.CheckServiceHealth,
	})
	if err != nil {
		s.recordOutcome(ctx, "health", err)
		return err
	}
	if result.Response.Outcome != sefaz.OutcomeSuccess {
		s.breaker.RecordFailure()
		return domainerrors.New(
			domainerrors.CodeServiceUnavailable,
			fmt.Sprintf("authority not operating: %d %s", result.Response.Code, result.Response.Reason),
		)
	}
	s.breaker.RecordSuccess()
	return nil
}

// recordOutcome feeds coordinator failures into the breaker and the
// operator channel.
func (s *Service) recordOutcome(ctx context.Context, operation string, err error) {
	if domainerrors.HasCode(err, domainerrors.CodeServiceUnavailable) {
		s.breaker.RecordFailure()
		s.notifier.ServiceUnavailable(ctx, operation, err)
	}
}

// transition applies one state change and persists document state together
// with any history just appended, as a single update. The audit record is
// emitted after the write succeeds.
func (s *Service) transition(ctx context.Context, doc *fiscal.Document, to fiscal.State, action audit.Action, code int, reason string) error {
	from := doc.State
	if !fiscal.CanTransition(from, to) {
		return domainerrors.New(
			domainerrors.CodeInvalidState,
			fmt.Sprintf("illegal transition %s -> %s", from, to),
		)
	}
	doc.State = to
	if err := s.store.Update(ctx, doc); err != nil {
		doc.State = from
		return err
	}
	s.emit(ctx, doc, action, from, to, code, reason)
	return nil
}

// emit records an audit event; audit failures never fail the transition.
func (s *Service) emit(ctx context.Context, doc *fiscal.Document, action audit.Action, from, to fiscal.State, code int, reason string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Emit(ctx, audit.Event{
		AccessKey:   doc.AccessKey,
		IssuerTaxID: doc.IssuerTaxID,
		Action:      action,
		FromState:   from,
		ToState:     to,
		StatusCode:  code,
		Reason:      reason,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err, "access_key", doc.AccessKey)
	}
}

func (s *Service) deadlineFor(t fiscal.DocumentType) time.Duration {
	switch t {
	case fiscal.ConsumerInvoice:
		return s.deadlines.ConsumerInvoice
	case fiscal.ServiceInvoice:
		return s.deadlines.ServiceInvoice
	default:
		return s.deadlines.GoodsInvoice
	}
}
