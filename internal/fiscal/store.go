package fiscal

import (
	"context"
)

// Store persists fiscal documents and allocates sequence numbers.
// The lifecycle service is the only writer of document state.
type Store interface {
	// Create persists a new document. Fails with conflict if the access key
	// already exists.
	Create(ctx context.Context, doc *Document) error

	// Get returns the document for the given access key, or not_found.
	Get(ctx context.Context, accessKey string) (*Document, error)

	// Update replaces the stored document identified by its access key.
	// Document state and rejection history must be persisted as one unit.
	Update(ctx context.Context, doc *Document) error

	// ListByState returns documents currently in the given state.
	ListByState(ctx context.Context, state State) ([]*Document, error)

	// NextSequence atomically allocates the next sequence number for the
	// (issuer, model, series) triple. Numbers are monotonically increasing;
	// skipped numbers must be voided through the authority.
	NextSequence(ctx context.Context, issuerTaxID, modelCode string, series int) (int64, error)

	// HasAuthorizedInRange reports whether any authorized document exists
	// for the series within [first, last]. Used as the void-range
	// precondition.
	HasAuthorizedInRange(ctx context.Context, issuerTaxID, modelCode string, series int, first, last int64) (bool, error)
}
