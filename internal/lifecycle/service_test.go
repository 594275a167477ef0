package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fisco/internal/audit"
	"fisco/internal/coordinator"
	"fisco/internal/fiscal"
	"fisco/internal/platform/config"
	"fisco/internal/sefaz"
	"fisco/internal/sefaz/sefaztest"
	domainerrors "fisco/pkg/domain-errors"
)

const (
	testIssuerTaxID = "12345678000195"
	testUFCode      = 35
)

type ServiceSuite struct {
	suite.Suite
	store      *fiscal.MemoryStore
	authority  *sefaztest.Client
	auditStore *audit.InMemoryStore
	service    *Service
	now        time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.store = fiscal.NewMemoryStore()
	s.authority = sefaztest.New()
	s.auditStore = audit.NewInMemoryStore()
	s.now = time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC)

	coord := coordinator.New(s.authority,
		coordinator.WithRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	)
	s.service = New(
		s.store,
		s.authority,
		coord,
		testIssuerTaxID,
		testUFCode,
		config.CancellationDeadlines{
			GoodsInvoice:    24 * time.Hour,
			ConsumerInvoice: 30 * time.Minute,
			ServiceInvoice:  24 * time.Hour,
		},
		WithAudit(audit.NewPublisher(s.auditStore)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
	)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) createDocument() *fiscal.Document {
	doc, err := s.service.Create(context.Background(), fiscal.GoodsInvoice, 1)
	s.Require().NoError(err)
	s.Require().Equal(fiscal.StateDraft, doc.State)
	return doc
}

func (s *ServiceSuite) authorizeDocument() *fiscal.Document {
	doc := s.createDocument()
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)
	authorized, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Require().Equal(fiscal.StateAuthorized, authorized.State)
	return authorized
}

func (s *ServiceSuite) TestSubmitAuthorizedRoundTrip() {
	doc := s.createDocument()
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)

	got, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateAuthorized, got.State)
	s.Equal("135241234567890", got.ProtocolNumber)
	s.Require().NotNil(got.AuthorizedAt)
	s.False(got.IssuedAt.After(*got.AuthorizedAt))

	events, err := s.auditStore.ListByAccessKey(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	actions := make([]audit.Action, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	s.Equal([]audit.Action{
		audit.ActionDocumentCreated,
		audit.ActionDocumentQueued,
		audit.ActionDocumentSubmitted,
		audit.ActionDocumentAuthorized,
	}, actions)
}

func (s *ServiceSuite) TestAccessKeyStableAcrossResubmissions() {
	doc := s.createDocument()
	key := doc.AccessKey

	// Every wire attempt answers paralyzed; the retry budget runs out.
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
	)
	_, err := s.service.Submit(context.Background(), key)
	s.True(domainerrors.HasCode(err, domainerrors.CodeServiceUnavailable))

	inDoubt, err := s.service.Get(context.Background(), key)
	s.Require().NoError(err)
	s.Equal(fiscal.StateSubmitted, inDoubt.State, "an in-doubt submission stays SUBMITTED")

	// A later resubmission reuses the very same key and succeeds.
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)
	got, err := s.service.Submit(context.Background(), key)
	s.Require().NoError(err)
	s.Equal(key, got.AccessKey)
	s.Equal(fiscal.StateAuthorized, got.State)
}

func (s *ServiceSuite) TestParalyzedHealthKeepsDocumentQueued() {
	doc := s.createDocument()
	s.authority.Respond("health",
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
	)

	_, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.True(domainerrors.HasCode(err, domainerrors.CodeServiceUnavailable))

	got, err := s.service.Get(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateQueued, got.State)
	s.Equal(0, s.authority.CallCount("submit"), "nothing may reach the wire behind a paralyzed service")
}

func (s *ServiceSuite) TestDuplicateReconciledToAuthorized() {
	doc := s.createDocument()
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeDuplicateOffKey, "Duplicidade de documento", ""),
	)
	s.authority.Respond("query",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)

	got, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateAuthorized, got.State, "a duplicate of an authorized submission is not a rejection")
	s.Equal("135241234567890", got.ProtocolNumber)
	s.Equal(1, s.authority.CallCount("query"))
}

func (s *ServiceSuite) TestTerminalRejectRecordsHistory() {
	doc := s.createDocument()
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeSchemaFailure, "Rejeicao: Falha no schema XML", ""),
	)

	got, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateRejected, got.State)
	s.Require().Len(got.RejectionHistory, 1)
	s.Equal(sefaz.CodeSchemaFailure, got.RejectionHistory[0].Code)
	s.Equal("Rejeicao: Falha no schema XML", got.RejectionHistory[0].Reason)

	// Rejected is terminal for this instance.
	_, err = s.service.Submit(context.Background(), doc.AccessKey)
	s.True(domainerrors.HasCode(err, domainerrors.CodeInvalidState))
}

func (s *ServiceSuite) TestCancellationWindowExpiredLocally() {
	doc := s.authorizeDocument()

	s.now = s.now.Add(25 * time.Hour)
	cancelsBefore := s.authority.CallCount("cancel")

	_, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.True(domainerrors.HasCode(err, domainerrors.CodeCancellationExpired))
	s.Equal(cancelsBefore, s.authority.CallCount("cancel"), "expired window must be refused without network")

	got, err := s.service.Get(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateAuthorized, got.State)
}

func (s *ServiceSuite) TestCancellationDeniedByAuthority() {
	doc := s.authorizeDocument()
	s.authority.Respond("cancel",
		sefaztest.Classified(sefaz.CodeCancelDeadlineExceeded, "Prazo de cancelamento superior ao previsto", ""),
	)

	got, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.Require().NoError(err)
	s.Equal(fiscal.StateCancellationDenied, got.State)
	s.Require().NotEmpty(got.RejectionHistory)
	last := got.RejectionHistory[len(got.RejectionHistory)-1]
	s.Equal(sefaz.CodeCancelDeadlineExceeded, last.Code)
	s.Equal("Prazo de cancelamento superior ao previsto", last.Reason)
}

func (s *ServiceSuite) TestCancellationHomologated() {
	doc := s.authorizeDocument()
	s.authority.Respond("cancel",
		sefaztest.Classified(sefaz.CodeEventRegistered, "Evento registrado e vinculado a NF-e", ""),
	)

	got, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.Require().NoError(err)
	s.Equal(fiscal.StateCancelled, got.State)
	s.Require().NotNil(got.CancelledAt)
	s.False(got.AuthorizedAt.After(*got.CancelledAt))
}

func (s *ServiceSuite) TestPollPendingCancellationStillAuthorized() {
	doc := s.authorizeDocument()

	// The cancel event never gets through; the document stays pending.
	s.authority.Respond("cancel",
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
	)
	_, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.True(domainerrors.HasCode(err, domainerrors.CodeServiceUnavailable))

	pending, err := s.service.Get(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateCancellationRequested, pending.State)

	// The status query answers 100: the event was lost, not the response.
	s.authority.Respond("query",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)
	got, err := s.service.Poll(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateAuthorized, got.State,
		"a document the authority reports authorized must never be locally cancelled")
	s.Nil(got.CancelledAt)

	events, err := s.auditStore.ListByAccessKey(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(audit.ActionCancellationReverted, events[len(events)-1].Action)

	// The reverted document accepts a fresh cancellation event.
	s.authority.Respond("cancel",
		sefaztest.Classified(sefaz.CodeEventRegistered, "Evento registrado e vinculado a NF-e", ""),
	)
	cancelled, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.Require().NoError(err)
	s.Equal(fiscal.StateCancelled, cancelled.State)
}

func (s *ServiceSuite) TestDuplicateCancelEventReconciled() {
	doc := s.authorizeDocument()
	s.authority.Respond("cancel",
		sefaztest.Classified(sefaz.CodeDuplicateEvent, "Rejeicao: Duplicidade de evento", ""),
	)
	s.authority.Respond("query",
		sefaztest.Classified(sefaz.CodeCancellationHomologed, "Cancelamento de documento homologado", "135241234567890"),
	)

	got, err := s.service.RequestCancellation(context.Background(), doc.AccessKey, "pedido do cliente")
	s.Require().NoError(err)
	s.Equal(fiscal.StateCancelled, got.State, "a duplicate of a registered cancellation is not a failure")
	s.Equal(1, s.authority.CallCount("query"))
}

func (s *ServiceSuite) TestPollResolvesInDoubtSubmission() {
	doc := s.createDocument()
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
		sefaztest.Classified(sefaz.CodeServicePausedShortly, "Servico Paralisado Momentaneamente", ""),
	)
	_, err := s.service.Submit(context.Background(), doc.AccessKey)
	s.Require().Error(err)

	s.authority.Respond("query",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567890"),
	)
	got, err := s.service.Poll(context.Background(), doc.AccessKey)
	s.Require().NoError(err)
	s.Equal(fiscal.StateAuthorized, got.State)
	s.Equal("135241234567890", got.ProtocolNumber)

	// Further polls on a settled document never touch the wire again.
	queries := s.authority.CallCount("query")
	for i := 0; i < 3; i++ {
		again, err := s.service.Poll(context.Background(), doc.AccessKey)
		s.Require().NoError(err)
		s.Equal(fiscal.StateAuthorized, again.State)
	}
	s.Equal(queries, s.authority.CallCount("query"))
}

func (s *ServiceSuite) TestVoidRangeRefusedOverAuthorizedDocument() {
	doc := s.authorizeDocument()

	_, err := s.service.VoidRange(context.Background(), fiscal.GoodsInvoice, doc.Series, 1, doc.SequenceNumber, "falha de numeracao")
	s.True(domainerrors.HasCode(err, domainerrors.CodePrecondition))
	s.Equal(0, s.authority.CallCount("void"))
}

func (s *ServiceSuite) TestVoidRangeHomologated() {
	s.authority.Respond("void",
		sefaztest.Classified(sefaz.CodeVoidRangeHomologed, "Inutilizacao de numero homologado", "135240000000042"),
	)

	resp, err := s.service.VoidRange(context.Background(), fiscal.GoodsInvoice, 1, 10, 15, "falha de numeracao")
	s.Require().NoError(err)
	s.Equal(sefaz.OutcomeSuccess, resp.Outcome)
	s.Equal(1, s.authority.CallCount("void"))
}

func (s *ServiceSuite) TestConsumerInvoiceUsesItsOwnDeadline() {
	consumer, err := s.service.Create(context.Background(), fiscal.ConsumerInvoice, 1)
	s.Require().NoError(err)
	s.authority.Respond("submit",
		sefaztest.Classified(sefaz.CodeAuthorized, "Autorizado o uso", "135241234567891"),
	)
	authorized, err := s.service.Submit(context.Background(), consumer.AccessKey)
	s.Require().NoError(err)
	s.Require().Equal(fiscal.StateAuthorized, authorized.State)

	// 31 minutes is past the consumer window but well inside the goods one.
	s.now = s.now.Add(31 * time.Minute)
	_, err = s.service.RequestCancellation(context.Background(), consumer.AccessKey, "pedido do cliente")
	s.True(domainerrors.HasCode(err, domainerrors.CodeCancellationExpired))
}
