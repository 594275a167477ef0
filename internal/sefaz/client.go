package sefaz

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	domainerrors "fisco/pkg/domain-errors"
)

const protocolVersion = "1.00"

// Response is a classified protocol response. The raw code and reason are
// kept for audit records and operator messages; decisions are made on the
// Outcome only.
type Response struct {
	Code           int
	Reason         string
	ProtocolNumber string
	Outcome        Outcome
}

// Submission identifies one document handed to the authority.
type Submission struct {
	AccessKey   string
	IssuerTaxID string
	Model       string
	Series      int
	Sequence    int64
	IssuedAt    time.Time
}

// Cancellation is an asynchronous cancellation event. The immediate response
// only confirms receipt; the event's own status is confirmed by a follow-up
// query.
type Cancellation struct {
	AccessKey      string
	ProtocolNumber string
	Justification  string
}

// VoidRange marks a contiguous unused number range as permanently unusable.
type VoidRange struct {
	IssuerTaxID   string
	Model         string
	Series        int
	FirstNumber   int64
	LastNumber    int64
	Justification string
}

// Client performs the five wire operations against the authority.
type Client interface {
	CheckServiceHealth(ctx context.Context) (*Response, error)
	Submit(ctx context.Context, sub Submission) (*Response, error)
	QueryStatus(ctx context.Context, accessKey string) (*Response, error)
	RequestCancellation(ctx context.Context, ev Cancellation) (*Response, error)
	VoidRange(ctx context.Context, req VoidRange) (*Response, error)
}

// Credentials supplies signing and transport identity material. Both are
// re-validated on every use; a certificate that expired mid-run fails closed
// before any network I/O.
type Credentials interface {
	Sign(payload []byte) ([]byte, error)
	TLSClientIdentity() (tls.Certificate, error)
}

// HTTPClient is the real wire client over a mutually-authenticated channel.
type HTTPClient struct {
	baseURL     string
	ufCode      string
	credentials Credentials
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// HTTPClientOption configures the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// NewHTTPClient creates the wire client. The TLS client certificate is
// resolved through the credentials on every handshake, so expiry is
// re-checked for the lifetime of the process.
func NewHTTPClient(baseURL, ufCode string, creds Credentials, timeout time.Duration, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:     baseURL,
		ufCode:      ufCode,
		credentials: creds,
		httpClient: &http.Client{
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
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckServiceHealth performs the pre-flight service status query.
func (c *HTTPClient) CheckServiceHealth(ctx context.Context) (*Response, error) {
	var result healthResult
	if err := c.exchange(ctx, "/ws/status", healthQuery{Version: protocolVersion, UF: c.ufCode}, &result); err != nil {
		return nil, err
	}
	return c.classified(result.CStat, result.XMotivo, "")
}

// Submit sends the signed document payload.
func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (*Response, error) {
	req := submitRequest{
		Version:     protocolVersion,
		AccessKey:   sub.AccessKey,
		IssuerTaxID: sub.IssuerTaxID,
		Model:       sub.Model,
		Series:      sub.Series,
		Number:      sub.Sequence,
		IssuedAt:    sub.IssuedAt.UTC().Format(time.RFC3339),
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var result submitResult
	if err := c.exchange(ctx, "/ws/authorization", req, &result); err != nil {
		return nil, err
	}
	return c.classified(result.CStat, result.XMotivo, result.NProt)
}

// QueryStatus is idempotent and safe to call any number of times. It is used
// both for normal polling and for duplicate reconciliation.
func (c *HTTPClient) QueryStatus(ctx context.Context, accessKey string) (*Response, error) {
	var result statusResult
	if err := c.exchange(ctx, "/ws/query", statusQuery{Version: protocolVersion, AccessKey: accessKey}, &result); err != nil {
		return nil, err
	}
	return c.classified(result.CStat, result.XMotivo, result.NProt)
}

// RequestCancellation submits the cancellation event.
func (c *HTTPClient) RequestCancellation(ctx context.Context, ev Cancellation) (*Response, error) {
	req := cancelEvent{
		Version:       protocolVersion,
		AccessKey:     ev.AccessKey,
		NProt:         ev.ProtocolNumber,
		Justification: ev.Justification,
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var result cancelResult
	if err := c.exchange(ctx, "/ws/event", req, &result); err != nil {
		return nil, err
	}
	return c.classified(result.CStat, result.XMotivo, result.NProt)
}

// VoidRange marks the number range as unusable. Idempotent per range on the
// authority side.
func (c *HTTPClient) VoidRange(ctx context.Context, vr VoidRange) (*Response, error) {
	req := voidRangeRequest{
		Version:       protocolVersion,
		IssuerTaxID:   vr.IssuerTaxID,
		Model:         vr.Model,
		Series:        vr.Series,
		FirstNumber:   vr.FirstNumber,
		LastNumber:    vr.LastNumber,
		Justification: vr.Justification,
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var result voidRangeResult
	if err := c.exchange(ctx, "/ws/void", req, &result); err != nil {
		return nil, err
	}
	return c.classified(result.CStat, result.XMotivo, result.NProt)
}

// sign validates the signing material and produces the payload signature.
// Called before any network I/O so an expired certificate fails closed.
func (c *HTTPClient) sign(payload any) (string, error) {
	raw, err := xml.Marshal(payload)
	if err != nil {
		return "", domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to marshal payload for signing")
	}
	sig, err := c.credentials.Sign(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// exchange posts the XML request and decodes the XML response. Network-level
// failures (timeout, connection refused, non-2xx without a protocol body)
// are always transient; only a parsed response code drives terminal
// classification.
func (c *HTTPClient) exchange(ctx context.Context, path string, request, response any) error {
	// Touch the transport identity up front so certificate problems surface
	// as certificate errors, not as connection failures mid-handshake.
	if _, err := c.credentials.TLSClientIdentity(); err != nil {
		return err
	}

	body, err := xml.Marshal(request)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "authority unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to read authority response")
	}

	if resp.StatusCode != http.StatusOK {
		if c.logger != nil {
			c.logger.WarnContext(ctx, "authority returned non-200",
				"path", path,
				"status", resp.StatusCode,
			)
		}
		return domainerrors.New(
			domainerrors.CodeTransientService,
			fmt.Sprintf("authority returned HTTP %d", resp.StatusCode),
		)
	}

	if err := xml.Unmarshal(raw, response); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeTransientService, "failed to parse authority response")
	}
	return nil
}

// classified builds the Response, failing loudly on unmapped codes.
func (c *HTTPClient) classified(code int, reason, protocolNumber string) (*Response, error) {
	outcome, err := Classify(code)
	if err != nil {
		return nil, err
	}
	return &Response{
		Code:           code,
		Reason:         reason,
		ProtocolNumber: protocolNumber,
		Outcome:        outcome,
	}, nil
}
