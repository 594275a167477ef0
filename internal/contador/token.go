package contador

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fisco/internal/platform/metrics"
	domainerrors "fisco/pkg/domain-errors"
)

// refreshSkew is how long before expiry a cached token is considered stale.
// Refresh is proactive; a 401 never drives it.
const refreshSkew = 60 * time.Second

// tokenSource caches the OAuth2 client-credentials token and refreshes it
// before expiry. The token endpoint itself is reached over the same mTLS
// transport as the data calls.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func newTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

// Token returns a valid bearer token, refreshing when the cached one is
// inside the skew window.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Add(refreshSkew).Before(t.expiresAt) {
		return t.token, nil
	}
	if err := t.refresh(ctx); err != nil {
		return "", err
	}
	return t.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
}

// refresh must be called with the mutex held.
func (t *tokenSource) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.clientID, t.clientSecret)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return domainerrors.New(
			domainerrors.CodeTransientService,
			fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode),
		)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to parse token response")
	}
	if tr.AccessToken == "" {
		return domainerrors.New(domainerrors.CodeTransientService, "token endpoint returned no access token")
	}

	expiresAt, err := t.expiryOf(tr)
	if err != nil {
		return err
	}

	t.token = tr.AccessToken
	t.expiresAt = expiresAt
	if t.metrics != nil {
		t.metrics.IncrementTokenRefreshes()
	}
	if t.logger != nil {
		t.logger.InfoContext(ctx, "oauth token refreshed", "expires_at", expiresAt)
	}
	return nil
}

// expiryOf resolves the token lifetime from expires_in, falling back to the
// JWT exp claim when the endpoint omits it. The signature is not verified
// here; the token is opaque to us and validated by the service.
func (t *tokenSource) expiryOf(tr tokenResponse) (time.Time, error) {
	if tr.ExpiresIn > 0 {
		return t.now().Add(time.Duration(tr.ExpiresIn) * time.Second), nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err != nil {
		return time.Time{}, domainerrors.Wrap(err, domainerrors.CodeTransientService, "token carries no usable expiry")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, domainerrors.New(domainerrors.CodeTransientService, "token carries no usable expiry")
	}
	return exp.Time, nil
}
