// Package coordinator wraps protocol calls with single-flight-per-key
// enforcement, bounded exponential backoff, and duplicate reconciliation.
// It only ever returns classified outcomes; lifecycle logic stays
// retry-agnostic.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"fisco/internal/platform/metrics"
	"fisco/internal/platform/tracer"
	"fisco/internal/sefaz"
	domainerrors "fisco/pkg/domain-errors"
)

// StatusQuerier resolves the true state of a document after a duplicate
// signal. Satisfied by the authority client.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, accessKey string) (*sefaz.Response, error)
}

// Operation is one protocol call to execute under coordination.
type Operation func(ctx context.Context) (*sefaz.Response, error)

// Request describes one coordinated execution.
type Request struct {
	// Key is the single-flight identity: the access key for document
	// operations, or a derived event key for cancellations. At most one
	// call per key is in flight; concurrent callers share the result.
	Key string

	// AccessKey identifies the document for duplicate reconciliation.
	AccessKey string

	// Operation names the call for metrics and tracing.
	Operation string

	Do Operation
}

// Result is the coordinated outcome.
type Result struct {
	Response *sefaz.Response

	// Reconciled is true when a duplicate signal was resolved through a
	// follow-up status query; Response then carries the document's true
	// current state.
	Reconciled bool
}

// Coordinator enforces the retry and idempotency policy around protocol calls.
type Coordinator struct {
	querier      StatusQuerier
	flight       singleflight.Group
	maxRetries   uint64
	initialDelay time.Duration
	maxDelay     time.Duration
	tracer       tracer.Tracer
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithRetryPolicy bounds the transient retry loop.
func WithRetryPolicy(maxRetries uint64, initialDelay, maxDelay time.Duration) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
		c.initialDelay = initialDelay
		c.maxDelay = maxDelay
	}
}

// WithTracer sets the tracer for coordinated executions.
func WithTracer(t tracer.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator. The querier is required: duplicate signals are
// never surfaced without an attempted reconciliation.
func New(querier StatusQuerier, opts ...Option) *Coordinator {
	if querier == nil {
		panic("coordinator.New: status querier is required")
	}
	c := &Coordinator{
		querier:      querier,
		maxRetries:   4,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     8 * time.Second,
		tracer:       tracer.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs the operation under the key's single-flight slot, retrying
// transient outcomes with exponential backoff. Exhausting the retry budget
// surfaces service_unavailable, never a fabricated terminal rejection.
// Duplicate outcomes are reconciled through a status query before returning.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Result, error) {
	v, err, _ := c.flight.Do(req.Key, func() (any, error) {
		return c.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute",
		tracer.String("operation", req.Operation),
		tracer.String("key", req.Key),
	)

	resp, err := c.retryLoop(ctx, req)
	if err != nil {
		span.End(err)
		return nil, err
	}

	if resp.Outcome == sefaz.OutcomeDuplicate {
		result, err := c.reconcile(ctx, req, resp)
		span.End(err)
		return result, err
	}

	span.End(nil)
	return &Result{Response: resp}, nil
}

func (c *Coordinator) retryLoop(ctx context.Context, req Request) (*sefaz.Response, error) {
	backoff := retry.WithCappedDuration(c.maxDelay, retry.NewExponential(c.initialDelay))
	backoff = retry.WithMaxRetries(c.maxRetries, backoff)

	var resp *sefaz.Response
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.IncrementProtocolRetries(req.Operation)
		}

		start := time.Now()
		r, opErr := req.Do(ctx)
		if c.metrics != nil {
			c.metrics.ObserveProtocolLatency(req.Operation, time.Since(start))
		}
		if opErr != nil {
			if domainerrors.HasCode(opErr, domainerrors.CodeTransientService) {
				return retry.RetryableError(opErr)
			}
			return opErr
		}
		resp = r
		if r.Outcome == sefaz.OutcomeTransient {
			return retry.RetryableError(domainerrors.New(
				domainerrors.CodeTransientService,
				fmt.Sprintf("authority answered %d: %s", r.Code, r.Reason),
			))
		}
		return nil
	})
	if err != nil {
		if domainerrors.HasCode(err, domainerrors.CodeTransientService) {
			if c.metrics != nil {
				c.metrics.IncrementServiceUnavailable()
			}
			if c.logger != nil {
				c.logger.WarnContext(ctx, "retry budget exhausted",
					"operation", req.Operation,
					"key", req.Key,
					"attempts", attempt,
				)
			}
			return nil, domainerrors.Wrap(err, domainerrors.CodeServiceUnavailable, "authority unavailable after bounded retries")
		}
		return nil, err
	}
	return resp, nil
}

// reconcile resolves a duplicate signal by querying the document's true
// state. The caller never sees the ambiguous duplicate response directly.
func (c *Coordinator) reconcile(ctx context.Context, req Request, dup *sefaz.Response) (*Result, error) {
	if c.metrics != nil {
		c.metrics.IncrementDuplicateReconciliation()
	}
	if c.logger != nil {
		c.logger.InfoContext(ctx, "duplicate signal, reconciling via status query",
			"operation", req.Operation,
			"access_key", req.AccessKey,
			"code", dup.Code,
		)
	}

	resp, err := c.querier.QueryStatus(ctx, req.AccessKey)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeServiceUnavailable, "duplicate reconciliation query failed")
	}
	return &Result{Response: resp, Reconciled: true}, nil
}
