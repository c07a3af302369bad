package terminology

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog is an immutable set of codes for both standards. ICD-10-CM entries
// carry descriptions; ICD-9-CM entries are an existence set. A Catalog is
// safe for concurrent readers.
type Catalog struct {
	codes  map[Standard]map[string]Code
	sorted map[Standard][]string
}

// CatalogBuilder accumulates codes for a single Catalog. It is not safe for
// concurrent use.
type CatalogBuilder struct {
	codes      map[Standard]map[string]Code
	duplicates int
}

func NewCatalogBuilder() *CatalogBuilder {
	return &CatalogBuilder{codes: map[Standard]map[string]Code{
		ICD9:  {},
		ICD10: {},
	}}
}

// Add registers a code. A later description replaces an earlier empty one;
// otherwise the first registration wins.
func (b *CatalogBuilder) Add(std Standard, value, description string) error {
	if !std.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStandard, std)
	}
	key := Key(value)
	if !ValidSyntax(std, key) {
		return fmt.Errorf("%w: %s %q", ErrInvalidCode, std.Label(), value)
	}
	description = strings.TrimSpace(description)
	if existing, ok := b.codes[std][key]; ok {
		b.duplicates++
		if existing.Description != "" || description == "" {
			return nil
		}
	}
	b.codes[std][key] = Code{Standard: std, Value: key, Description: description}
	return nil
}

// Duplicates returns how many Add calls named an already registered code.
func (b *CatalogBuilder) Duplicates() int {
	return b.duplicates
}

// Build freezes the accumulated codes. The builder must not be reused.
func (b *CatalogBuilder) Build() *Catalog {
	c := &Catalog{codes: b.codes, sorted: make(map[Standard][]string, len(b.codes))}
	for std, m := range b.codes {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.sorted[std] = keys
	}
	b.codes = nil
	return c
}

// Lookup finds a code in any of its accepted spellings.
func (c *Catalog) Lookup(std Standard, code string) (Code, bool) {
	got, ok := c.codes[std][Key(code)]
	return got, ok
}

// Contains reports whether the code exists in the standard.
func (c *Catalog) Contains(std Standard, code string) bool {
	_, ok := c.codes[std][Key(code)]
	return ok
}

// Count returns the number of codes in a standard.
func (c *Catalog) Count(std Standard) int {
	return len(c.codes[std])
}

// Family returns the codes starting with prefix in sort order, windowed by
// limit and offset, plus the total number of matches.
func (c *Catalog) Family(std Standard, prefix string, limit, offset int) ([]Code, int) {
	keys := c.prefixRange(std, Key(prefix))
	total := len(keys)
	if offset >= total {
		return []Code{}, total
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Code, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.codes[std][k])
	}
	return out, total
}

func (c *Catalog) prefixRange(std Standard, prefix string) []string {
	keys := c.sorted[std]
	lo := sort.SearchStrings(keys, prefix)
	hi := lo
	for hi < len(keys) && strings.HasPrefix(keys[hi], prefix) {
		hi++
	}
	return keys[lo:hi]
}

// Search matches ICD-10-CM codes whose key starts with the query or whose
// description contains it, case-insensitively. Code-prefix matches come first.
func (c *Catalog) Search(query string, limit int) []Code {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Code{}
	}
	out := []Code{}
	seen := map[string]bool{}
	var byCode []string
	if key := Key(query); key != "" {
		byCode = c.prefixRange(ICD10, key)
	}
	for _, k := range byCode {
		if limit > 0 && len(out) >= limit {
			return out
		}
		out = append(out, c.codes[ICD10][k])
		seen[k] = true
	}
	for _, k := range c.sorted[ICD10] {
		if limit > 0 && len(out) >= limit {
			break
		}
		code := c.codes[ICD10][k]
		if seen[k] || !strings.Contains(strings.ToLower(code.Description), q) {
			continue
		}
		out = append(out, code)
	}
	return out
}
