// Package contador implements the federal aggregation service protocol:
// OAuth2 client-credentials over mTLS, the three-party request envelope, and
// attorney-grant and tax-situation queries with local grant caching.
package contador

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fisco/internal/notify"
	"fisco/internal/platform/metrics"
	"fisco/internal/sefaz"
	domainerrors "fisco/pkg/domain-errors"
)

const (
	systemVersion = "1.0"

	systemGrants        = "PROCURACOES"
	serviceObtainGrants = "OBTERPROCURACAO41"

	systemTaxSituation       = "SITFIS"
	serviceQueryTaxSituation = "CONSULTARSITUACAO91"
)

// Parties is the three-identity calling shape of the request envelope.
type Parties struct {
	Contratante  string
	Autor        string
	Contribuinte string
}

// SelfShape builds envelopes where the taxpayer queries itself: all three
// identities are equal.
func SelfShape(ownTaxID string) func(contribuinte string) Parties {
	return func(contribuinte string) Parties {
		if contribuinte == "" {
			contribuinte = ownTaxID
		}
		return Parties{Contratante: ownTaxID, Autor: ownTaxID, Contribuinte: contribuinte}
	}
}

// AttorneyShape builds envelopes for third-party queries via procuration:
// the attorney contracts and authors, the client is the subject.
func AttorneyShape(attorneyTaxID string) func(contribuinte string) Parties {
	return func(contribuinte string) Parties {
		return Parties{Contratante: attorneyTaxID, Autor: attorneyTaxID, Contribuinte: contribuinte}
	}
}

// SoftwareHouseShape builds envelopes for software-house-mediated queries:
// the house contracts, the attorney authors, the client is the subject.
func SoftwareHouseShape(houseTaxID, attorneyTaxID string) func(contribuinte string) Parties {
	return func(contribuinte string) Parties {
		return Parties{Contratante: houseTaxID, Autor: attorneyTaxID, Contribuinte: contribuinte}
	}
}

// AttorneyGrant is a procuration read from the authority and cached locally.
// Grants are created externally; we only read them.
type AttorneyGrant struct {
	GrantorTaxID string
	GranteeTaxID string
	ServiceCodes []string
	ValidFrom    time.Time
	ValidTo      time.Time

	// ExpiringSoon is advisory only; the grant stays usable until ValidTo.
	ExpiringSoon bool
}

// TaxSituation is the aggregated fiscal standing of one taxpayer.
type TaxSituation struct {
	TaxID       string
	Status      string
	Description string
	CheckedAt   time.Time
}

type party struct {
	Numero string `json:"numero"`
	Tipo   int    `json:"tipo"`
}

type pedidoDados struct {
	IDSistema     string `json:"idSistema"`
	IDServico     string `json:"idServico"`
	VersaoSistema string `json:"versaoSistema"`
	Dados         string `json:"dados"`
}

type requestEnvelope struct {
	Contratante      party       `json:"contratante"`
	AutorPedidoDados party       `json:"autorPedidoDados"`
	Contribuinte     party       `json:"contribuinte"`
	PedidoDados      pedidoDados `json:"pedidoDados"`
}

type responseMessage struct {
	Codigo string `json:"codigo"`
	Texto  string `json:"texto"`
}

// responseEnvelope wraps every data call; Dados is a JSON document encoded
// as a string, per the protocol.
type responseEnvelope struct {
	Status    int               `json:"status"`
	Mensagens []responseMessage `json:"mensagens"`
	Dados     string            `json:"dados"`
}

type grantPayload struct {
	OutorganteNI  string   `json:"outorganteNI"`
	OutorgadoNI   string   `json:"outorgadoNI"`
	Servicos      []string `json:"servicos"`
	DataInicio    string   `json:"dataInicio"`
	DataExpiracao string   `json:"dataExpiracao"`
}

type situationPayload struct {
	Situacao  string `json:"situacao"`
	Descricao string `json:"descricao"`
}

type cachedGrants struct {
	grants    []AttorneyGrant
	expiresAt time.Time
}

// Client performs aggregation service queries with a cached bearer token and
// a local attorney-grant cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokenSource
	shape      func(contribuinte string) Parties

	warnThreshold time.Duration

	mu     sync.Mutex
	grants map[string]cachedGrants

	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithShape sets the envelope calling shape. Default is self-query.
func WithShape(shape func(contribuinte string) Parties) Option {
	return func(c *Client) {
		c.shape = shape
	}
}

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		c.tokens.httpClient = client
	}
}

// WithExpiryWarnThreshold sets the advisory window for flagging grants that
// are close to their validTo. Default 30 days.
func WithExpiryWarnThreshold(d time.Duration) Option {
	return func(c *Client) {
		c.warnThreshold = d
	}
}

// WithNotifier sets the operator notification channel.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
		c.tokens.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
		c.tokens.logger = l
	}
}

// WithClock injects a clock for deterministic cache testing.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.tokens.now = now
	}
}

// New creates the aggregation service client. The same mTLS credentials
// protect both the token endpoint and the data calls.
func New(baseURL, tokenURL, clientID, clientSecret, ownTaxID string, creds sefaz.Credentials, timeout time.Duration, opts ...Option) *Client {
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
				GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
					cert, err := creds.TLSClientIdentity()
					if err != nil {
						return nil, err
					}
					return &cert, nil
				},
			},
		},
	}
	c := &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		tokens:        newTokenSource(tokenURL, clientID, clientSecret, httpClient),
		shape:         SelfShape(ownTaxID),
		warnThreshold: 30 * 24 * time.Hour,
		grants:        make(map[string]cachedGrants),
		notifier:      notify.Noop{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RefreshToken forces a proactive token refresh. Used by the background
// sweep so request paths rarely pay the refresh latency.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.tokens.Invalidate()
	_, err := c.tokens.Token(ctx)
	return err
}

// QueryAttorneyGrants returns the procurations where taxID is the grantor.
// Results are cached until the earliest validTo; InvalidateGrants forces a
// refetch.
func (c *Client) QueryAttorneyGrants(ctx context.Context, taxID string) ([]AttorneyGrant, error) {
	if cached, ok := c.cachedGrantsFor(taxID); ok {
		if c.metrics != nil {
			c.metrics.IncrementGrantCacheHits()
		}
		return cached, nil
	}
	if c.metrics != nil {
		c.metrics.IncrementGrantCacheMisses()
	}

	dados, err := json.Marshal(map[string]string{"outorgante": taxID})
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to encode grant query")
	}
	envelope, err := c.call(ctx, "/grants", taxID, pedidoDados{
		IDSistema:     systemGrants,
		IDServico:     serviceObtainGrants,
		VersaoSistema: systemVersion,
		Dados:         string(dados),
	})
	if err != nil {
		return nil, err
	}

	var payloads []grantPayload
	if err := json.Unmarshal([]byte(envelope.Dados), &payloads); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to parse grant payload")
	}

	grants := make([]AttorneyGrant, 0, len(payloads))
	for _, p := range payloads {
		grant, err := p.toGrant()
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	c.storeGrants(ctx, taxID, grants)
	return c.flagged(ctx, grants), nil
}

// InvalidateGrants drops the cached grants for taxID.
func (c *Client) InvalidateGrants(taxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, taxID)
}

// QueryTaxSituation returns the taxpayer's aggregated fiscal standing.
func (c *Client) QueryTaxSituation(ctx context.Context, taxID string) (*TaxSituation, error) {
	envelope, err := c.call(ctx, "/tax-situation", taxID, pedidoDados{
		IDSistema:     systemTaxSituation,
		IDServico:     serviceQueryTaxSituation,
		VersaoSistema: systemVersion,
		Dados:         "{}",
	})
	if err != nil {
		return nil, err
	}

	var payload situationPayload
	if err := json.Unmarshal([]byte(envelope.Dados), &payload); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to parse tax situation payload")
	}
	return &TaxSituation{
		TaxID:       taxID,
		Status:      payload.Situacao,
		Description: payload.Descricao,
		CheckedAt:   c.now(),
	}, nil
}

// call posts one enveloped request with a fresh-enough bearer token.
func (c *Client) call(ctx context.Context, path, contribuinte string, pedido pedidoDados) (*responseEnvelope, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	parties := c.shape(contribuinte)
	body, err := json.Marshal(requestEnvelope{
		Contratante:      party{Numero: parties.Contratante, Tipo: 2},
		AutorPedidoDados: party{Numero: parties.Autor, Tipo: 2},
		Contribuinte:     party{Numero: parties.Contribuinte, Tipo: 2},
		PedidoDados:      pedido,
	})
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to encode request envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransientService, "aggregation service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domainerrors.New(
			domainerrors.CodeTransientService,
			fmt.Sprintf("aggregation service returned HTTP %d", resp.StatusCode),
		)
	}

	var envelope responseEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to parse response envelope")
	}
	if envelope.Status != http.StatusOK {
		reason := ""
		if len(envelope.Mensagens) > 0 {
			reason = envelope.Mensagens[0].Texto
		}
		return nil, domainerrors.New(
			domainerrors.CodeTerminalReject,
			fmt.Sprintf("aggregation service refused the request: %d %s", envelope.Status, reason),
		)
	}
	return &envelope, nil
}

func (c *Client) cachedGrantsFor(taxID string) ([]AttorneyGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.grants[taxID]
	if !ok || !c.now().Before(entry.expiresAt) {
		delete(c.grants, taxID)
		return nil, false
	}
	return c.flagged(context.Background(), entry.grants), true
}

// storeGrants caches until the earliest validTo so no entry outlives any of
// its grants.
func (c *Client) storeGrants(ctx context.Context, taxID string, grants []AttorneyGrant) {
	if len(grants) == 0 {
		return
	}
	expiresAt := grants[0].ValidTo
	for _, g := range grants[1:] {
		if g.ValidTo.Before(expiresAt) {
			expiresAt = g.ValidTo
		}
	}

	c.mu.Lock()
	c.grants[taxID] = cachedGrants{grants: grants, expiresAt: expiresAt}
	c.mu.Unlock()
}

// flagged recomputes the advisory expiring-soon flag at read time and
// surfaces it to operators once per lookup.
func (c *Client) flagged(ctx context.Context, grants []AttorneyGrant) []AttorneyGrant {
	now := c.now()
	out := make([]AttorneyGrant, len(grants))
	for i, g := range grants {
		g.ExpiringSoon = now.Add(c.warnThreshold).After(g.ValidTo)
		if g.ExpiringSoon {
			c.notifier.AttorneyGrantExpiring(ctx, g.GrantorTaxID, g.ValidTo)
		}
		out[i] = g
	}
	return out
}

func (p grantPayload) toGrant() (AttorneyGrant, error) {
	validFrom, err := time.Parse("2006-01-02", p.DataInicio)
	if err != nil {
		return AttorneyGrant{}, domainerrors.Wrap(err, domainerrors.CodeTransientService, "grant carries an unparseable start date")
	}
	validTo, err := time.Parse("2006-01-02", p.DataExpiracao)
	if err != nil {
		return AttorneyGrant{}, domainerrors.Wrap(err, domainerrors.CodeTransientService, "grant carries an unparseable expiry date")
	}
	return AttorneyGrant{
		GrantorTaxID: p.OutorganteNI,
		GranteeTaxID: p.OutorgadoNI,
		ServiceCodes: p.Servicos,
		ValidFrom:    validFrom,
		ValidTo:      validTo,
	}, nil
}
