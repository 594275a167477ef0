package audit

import (
	"context"

	domainerrors "fisco/pkg/domain-errors"
)

var (
	// ErrNotFound keeps storage-specific 404s consistent across implementations.
	ErrNotFound = domainerrors.New(domainerrors.CodeNotFound, "record not found")
)

type Store interface {
	Append(ctx context.Context, event Event) error
	ListByAccessKey(ctx context.Context, accessKey string) ([]Event, error)
}
