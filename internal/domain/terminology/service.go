package terminology

import (
	"context"
	"fmt"
)

// CatalogSource yields the catalog of the currently published data snapshot.
type CatalogSource interface {
	Catalog() *Catalog
}

// Service provides code lookup, family listing and search.
type Service struct {
	src CatalogSource
}

// NewService creates a new terminology service.
func NewService(src CatalogSource) *Service {
	return &Service{src: src}
}

// Lookup returns a single code.
func (s *Service) Lookup(_ context.Context, std Standard, code string) (*Code, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidCode)
	}
	if !ValidSyntax(std, Key(code)) {
		return nil, fmt.Errorf("%w: %q is not a valid %s code", ErrInvalidCode, code, std.Label())
	}
	got, ok := s.src.Catalog().Lookup(std, code)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, std.Label(), Key(code))
	}
	return &got, nil
}

// Family lists the codes sharing prefix.
func (s *Service) Family(_ context.Context, std Standard, prefix string, limit, offset int) ([]Code, int, error) {
	key := Key(prefix)
	if key == "" {
		return nil, 0, fmt.Errorf("%w: prefix is required", ErrInvalidCode)
	}
	codes, total := s.src.Catalog().Family(std, key, limit, offset)
	return codes, total, nil
}

// Search searches ICD-10-CM codes by code prefix or description text.
func (s *Service) Search(_ context.Context, query string, limit int) ([]Code, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query parameter is required", ErrInvalidCode)
	}
	if limit <= 0 {
		limit = 20
	}
	return s.src.Catalog().Search(query, limit), nil
}
