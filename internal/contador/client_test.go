package contador

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "fisco/pkg/domain-errors"
)

const (
	ownTaxID    = "12345678000195"
	clientTaxID = "98765432000188"
)

type fakeCredentials struct{}

func (fakeCredentials) Sign(payload []byte) ([]byte, error) { return payload, nil }

func (fakeCredentials) TLSClientIdentity() (tls.Certificate, error) {
	return tls.Certificate{}, nil
}

type testBackend struct {
	t *testing.T

	tokenHits atomic.Int64
	grantHits atomic.Int64

	expiresIn    int64
	tokenValue   string
	grantBody    any
	lastEnvelope requestEnvelope
}

func (b *testBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		b.tokenHits.Add(1)
		id, secret, ok := r.BasicAuth()
		require.True(b.t, ok)
		assert.Equal(b.t, "client-id", id)
		assert.Equal(b.t, "client-secret", secret)

		writeJSON(b.t, w, tokenResponse{
			AccessToken: b.tokenValue,
			TokenType:   "Bearer",
			ExpiresIn:   b.expiresIn,
		})
	})
	mux.HandleFunc("/grants", func(w http.ResponseWriter, r *http.Request) {
		b.grantHits.Add(1)
		assert.Equal(b.t, "Bearer "+b.tokenValue, r.Header.Get("Authorization"))
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&b.lastEnvelope))

		dados, err := json.Marshal(b.grantBody)
		require.NoError(b.t, err)
		writeJSON(b.t, w, responseEnvelope{Status: 200, Dados: string(dados)})
	})
	mux.HandleFunc("/tax-situation", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&b.lastEnvelope))
		dados, err := json.Marshal(situationPayload{Situacao: "REGULAR", Descricao: "sem pendencias"})
		require.NoError(b.t, err)
		writeJSON(b.t, w, responseEnvelope{Status: 200, Dados: string(dados)})
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

type fixture struct {
	backend *testBackend
	client  *Client
	now     time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	backend := &testBackend{
		t:          t,
		expiresIn:  3600,
		tokenValue: "token-1",
		grantBody: []grantPayload{{
			OutorganteNI:  clientTaxID,
			OutorgadoNI:   ownTaxID,
			Servicos:      []string{"SITFIS", "PROCURACOES"},
			DataInicio:    "2025-01-01",
			DataExpiracao: "2026-01-01",
		}},
	}
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	f := &fixture{
		backend: backend,
		now:     time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{
		WithHTTPClient(server.Client()),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.client = New(
		server.URL,
		server.URL+"/oauth2/token",
		"client-id",
		"client-secret",
		ownTaxID,
		fakeCredentials{},
		5*time.Second,
		opts...,
	)
	return f
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)
	_, err = f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.backend.tokenHits.Load(), "a fresh token must be reused")
}

func TestTokenRefreshedProactivelyBeforeExpiry(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)

	// Inside the skew window but before actual expiry: refresh anyway.
	f.now = f.now.Add(3600*time.Second - 30*time.Second)
	_, err = f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.backend.tokenHits.Load())
}

func TestTokenExpiryFromJWTClaim(t *testing.T) {
	exp := time.Date(2025, 8, 12, 12, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	f := newFixture(t)
	f.backend.expiresIn = 0
	f.backend.tokenValue = signed

	_, err = f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.backend.tokenHits.Load())

	// Still valid right up to the claim minus skew.
	f.now = exp.Add(-5 * time.Minute)
	_, err = f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.backend.tokenHits.Load())

	f.now = exp.Add(-30 * time.Second)
	_, err = f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.backend.tokenHits.Load())
}

func TestQueryAttorneyGrants(t *testing.T) {
	f := newFixture(t)

	grants, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, clientTaxID, grants[0].GrantorTaxID)
	assert.Equal(t, ownTaxID, grants[0].GranteeTaxID)
	assert.Equal(t, []string{"SITFIS", "PROCURACOES"}, grants[0].ServiceCodes)
	assert.False(t, grants[0].ExpiringSoon)
}

func TestGrantCacheInvalidatedAtValidTo(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	_, err = f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.backend.grantHits.Load(), "second lookup must come from cache")

	// Past the earliest validTo the cache entry is gone.
	f.now = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	f.backend.grantBody = []grantPayload{}
	_, err = f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.backend.grantHits.Load())
}

func TestGrantExplicitInvalidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	f.client.InvalidateGrants(clientTaxID)
	_, err = f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.backend.grantHits.Load())
}

func TestGrantExpiringSoonIsAdvisoryOnly(t *testing.T) {
	f := newFixture(t)

	// 20 days before validTo with a 30 day threshold: flagged, still usable.
	f.now = time.Date(2025, 12, 12, 0, 0, 0, 0, time.UTC)
	grants, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].ExpiringSoon)
}

func TestQueryTaxSituation(t *testing.T) {
	f := newFixture(t)

	situation, err := f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)
	assert.Equal(t, "REGULAR", situation.Status)
	assert.Equal(t, "sem pendencias", situation.Description)
	assert.Equal(t, f.now, situation.CheckedAt)
}

func TestSelfShapeEnvelope(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.QueryTaxSituation(context.Background(), ownTaxID)
	require.NoError(t, err)

	env := f.backend.lastEnvelope
	assert.Equal(t, ownTaxID, env.Contratante.Numero)
	assert.Equal(t, ownTaxID, env.AutorPedidoDados.Numero)
	assert.Equal(t, ownTaxID, env.Contribuinte.Numero)
	assert.Equal(t, systemTaxSituation, env.PedidoDados.IDSistema)
	assert.Equal(t, serviceQueryTaxSituation, env.PedidoDados.IDServico)
}

func TestAttorneyShapeEnvelope(t *testing.T) {
	f := newFixture(t, WithShape(AttorneyShape(ownTaxID)))

	_, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)

	env := f.backend.lastEnvelope
	assert.Equal(t, ownTaxID, env.Contratante.Numero)
	assert.Equal(t, ownTaxID, env.AutorPedidoDados.Numero)
	assert.Equal(t, clientTaxID, env.Contribuinte.Numero)
}

func TestSoftwareHouseShapeEnvelope(t *testing.T) {
	const houseTaxID = "11222333000144"
	f := newFixture(t, WithShape(SoftwareHouseShape(houseTaxID, ownTaxID)))

	_, err := f.client.QueryAttorneyGrants(context.Background(), clientTaxID)
	require.NoError(t, err)

	env := f.backend.lastEnvelope
	assert.Equal(t, houseTaxID, env.Contratante.Numero)
	assert.Equal(t, ownTaxID, env.AutorPedidoDados.Numero)
	assert.Equal(t, clientTaxID, env.Contribuinte.Numero)
}

func TestServiceRefusalIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			writeJSON(t, w, tokenResponse{AccessToken: "t", ExpiresIn: 3600})
			return
		}
		writeJSON(t, w, responseEnvelope{
			Status:    403,
			Mensagens: []responseMessage{{Codigo: "Acesso-001", Texto: "procuracao inexistente"}},
		})
	}))
	t.Cleanup(server.Close)

	client := New(server.URL, server.URL+"/oauth2/token", "client-id", "client-secret", ownTaxID,
		fakeCredentials{}, 5*time.Second, WithHTTPClient(server.Client()))

	_, err := client.QueryTaxSituation(context.Background(), ownTaxID)
	require.Error(t, err)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeTerminalReject))
	assert.Contains(t, err.Error(), "procuracao inexistente")
}

func TestTokenEndpointDownIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := New(server.URL, server.URL+"/oauth2/token", "client-id", "client-secret", ownTaxID,
		fakeCredentials{}, time.Second)

	_, err := client.QueryTaxSituation(context.Background(), ownTaxID)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeTransientService))
}
