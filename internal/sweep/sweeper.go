// Package sweep periodically reconciles in-doubt documents and keeps the
// aggregation service token warm. It shares the coordinator's single-flight
// guarantee with request handlers, so a sweep never races a live submission
// on the same key.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fisco/internal/fiscal"
)

// DocumentPoller resolves the authoritative state of one document.
// Satisfied by the lifecycle service.
type DocumentPoller interface {
	Poll(ctx context.Context, accessKey string) (*fiscal.Document, error)
}

// TokenRefresher proactively refreshes the aggregation service token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// Sweeper drives the periodic reconciliation pass.
type Sweeper struct {
	store    fiscal.Store
	poller   DocumentPoller
	tokens   TokenRefresher
	interval time.Duration
	parallel int
	logger   *slog.Logger
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithTokenRefresher enables proactive token refresh on every pass.
func WithTokenRefresher(t TokenRefresher) Option {
	return func(s *Sweeper) {
		s.tokens = t
	}
}

// WithParallelism bounds concurrent polls per pass. Default is 4.
func WithParallelism(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.parallel = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// New creates a Sweeper polling at the given interval.
func New(store fiscal.Store, poller DocumentPoller, interval time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		poller:   poller,
		interval: interval,
		parallel: 4,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, sweeping at the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Individual poll failures are
// logged and skipped; an unreachable authority must not kill the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.tokens != nil {
		if err := s.tokens.RefreshToken(ctx); err != nil {
			s.logger.WarnContext(ctx, "proactive token refresh failed", "error", err)
		}
	}

	for _, state := range []fiscal.State{fiscal.StateSubmitted, fiscal.StateCancellationRequested} {
		docs, err := s.store.ListByState(ctx, state)
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep listing failed", "state", state, "error", err)
			continue
		}
		if len(docs) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.parallel)
		for _, doc := range docs {
			accessKey := doc.AccessKey
			g.Go(func() error {
				if _, err := s.poller.Poll(gctx, accessKey); err != nil {
					s.logger.WarnContext(gctx, "sweep poll failed",
						"access_key", accessKey,
						"error", err,
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}
