package fiscal

import (
	"context"
	"fmt"
	"sync"

	domainerrors "fisco/pkg/domain-errors"
)

// MemoryStore is an in-memory Store implementation. It deep-copies documents
// on the way in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*Document
	sequences map[string]int64
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*Document),
		sequences: make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.AccessKey]; exists {
		return domainerrors.New(domainerrors.CodeConflict, "document already exists")
	}
	s.documents[doc.AccessKey] = doc.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, accessKey string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[accessKey]
	if !ok {
		return nil, domainerrors.New(domainerrors.CodeNotFound, "document not found")
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[doc.AccessKey]; !ok {
		return domainerrors.New(domainerrors.CodeNotFound, "document not found")
	}
	s.documents[doc.AccessKey] = doc.Clone()
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Document
	for _, doc := range s.documents {
		if doc.State == state {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) NextSequence(_ context.Context, issuerTaxID, modelCode string, series int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sequenceKey(issuerTaxID, modelCode, series)
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *MemoryStore) HasAuthorizedInRange(_ context.Context, issuerTaxID, modelCode string, series int, first, last int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, doc := range s.documents {
		if doc.IssuerTaxID != issuerTaxID || doc.Series != series {
			continue
		}
		if doc.DocumentType.ModelCode() != modelCode {
			continue
		}
		if doc.SequenceNumber < first || doc.SequenceNumber > last {
			continue
		}
		switch doc.State {
		case StateAuthorized, StateCancellationRequested, StateCancelled, StateCancellationDenied:
			return true, nil
		}
	}
	return false, nil
}

func sequenceKey(issuerTaxID, modelCode string, series int) string {
	return fmt.Sprintf("%s/%s/%03d", issuerTaxID, modelCode, series)
}
