// Package extractor turns uploaded bank statements into transactions.
package extractor

import (
	"fmt"

	"github.com/taxbracket/backend/internal/domain"
)

// Registry holds registered statement extractors.
type Registry struct {
	extractors []domain.StatementExtractor
}

// NewRegistry creates a new extractor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry registers extra ahead of the built-in CSV and XLSX
// extractors, so a configured extractor overrides a built-in for its types.
func NewDefaultRegistry(extra ...domain.StatementExtractor) *Registry {
	r := NewRegistry()
	for _, e := range extra {
		r.Register(e)
	}
	r.Register(NewCSV())
	r.Register(NewXLSX())
	return r
}

// Register adds an extractor to the registry. Earlier registrations win.
func (r *Registry) Register(e domain.StatementExtractor) {
	r.extractors = append(r.extractors, e)
}

// Match returns the first extractor that accepts the mime type, or nil.
func (r *Registry) Match(mimeType string) domain.StatementExtractor {
	for _, e := range r.extractors {
		if e.Match(mimeType) {
			return e
		}
	}
	return nil
}

// Lookup is Match with an error for unsupported types.
func (r *Registry) Lookup(mimeType string) (domain.StatementExtractor, error) {
	if e := r.Match(mimeType); e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFile, mimeType)
}

// Extractors returns all registered extractors.
func (r *Registry) Extractors() []domain.StatementExtractor {
	return r.extractors
}
