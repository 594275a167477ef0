// Package notify is the operator-facing signal channel. The engine pushes
// advisory conditions here instead of burying them in logs callers never read.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Notifier receives operator-facing signals. Implementations must not block
// the calling operation.
type Notifier interface {
	CancellationWindowExpired(ctx context.Context, accessKey string, deadline time.Duration)
	ServiceUnavailable(ctx context.Context, operation string, err error)
	CertificateExpiring(ctx context.Context, ownerTaxID string, expiresAt time.Time)
	AttorneyGrantExpiring(ctx context.Context, grantorTaxID string, validTo time.Time)
}

// LogNotifier writes signals to the structured log. The default sink when no
// alerting channel is wired.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) CancellationWindowExpired(ctx context.Context, accessKey string, deadline time.Duration) {
	n.logger.WarnContext(ctx, "cancellation window expired",
		"access_key", accessKey,
		"deadline", deadline.String(),
	)
}

func (n *LogNotifier) ServiceUnavailable(ctx context.Context, operation string, err error) {
	n.logger.ErrorContext(ctx, "authority unavailable",
		"operation", operation,
		"error", err,
	)
}

func (n *LogNotifier) CertificateExpiring(ctx context.Context, ownerTaxID string, expiresAt time.Time) {
	n.logger.WarnContext(ctx, "certificate expiring soon",
		"owner_tax_id", ownerTaxID,
		"expires_at", expiresAt,
	)
}

func (n *LogNotifier) AttorneyGrantExpiring(ctx context.Context, grantorTaxID string, validTo time.Time) {
	n.logger.WarnContext(ctx, "attorney grant expiring soon",
		"grantor_tax_id", grantorTaxID,
		"valid_to", validTo,
	)
}

// Noop discards all signals.
type Noop struct{}

func (Noop) CancellationWindowExpired(context.Context, string, time.Duration) {}
func (Noop) ServiceUnavailable(context.Context, string, error)                {}
func (Noop) CertificateExpiring(context.Context, string, time.Time)           {}
func (Noop) AttorneyGrantExpiring(context.Context, string, time.Time)         {}
