package conversion

import (
	"context"
	"fmt"
	"strings"

	"github.com/icdbridge/icdbridge/internal/domain/mapping"
	"github.com/icdbridge/icdbridge/internal/domain/terminology"
	"github.com/icdbridge/icdbridge/internal/platform/snapshot"
)

// SnapshotSource yields the currently published reference data.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// Engine converts codes between ICD-9-CM and ICD-10-CM. Every call reads a
// single snapshot, so a concurrent reload never mixes generations.
type Engine struct {
	src      SnapshotSource
	maxBatch int
}

func NewEngine(src SnapshotSource, maxBatch int) *Engine {
	return &Engine{src: src, maxBatch: maxBatch}
}

// Convert translates one code.
func (e *Engine) Convert(_ context.Context, code string, from, to terminology.Standard) (*Result, error) {
	if err := validateStandards(from, to); err != nil {
		return nil, err
	}
	return convert(e.src.Current(), code, from, to)
}

// ConvertBatch translates each code independently. Request-level problems
// (standards, empty or oversized list) fail the whole call; per-code problems
// are reported on the item.
func (e *Engine) ConvertBatch(ctx context.Context, codes []string, from, to terminology.Standard) (*BatchResult, error) {
	if err := validateStandards(from, to); err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: codes must not be empty", ErrInvalidRequest)
	}
	if e.maxBatch > 0 && len(codes) > e.maxBatch {
		return nil, fmt.Errorf("%w: batch of %d codes exceeds the maximum of %d", ErrInvalidRequest, len(codes), e.maxBatch)
	}

	snap := e.src.Current()
	out := &BatchResult{
		Success:     true,
		FromVersion: from,
		ToVersion:   to,
		Results:     make([]Result, 0, len(codes)),
	}
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := convert(snap, code, from, to)
		if err != nil {
			out.Results = append(out.Results, Result{
				Success:     false,
				InputCode:   strings.TrimSpace(code),
				FromVersion: from,
				ToVersion:   to,
				Results:     []Target{},
				Error:       err.Error(),
			})
			out.Failed++
			continue
		}
		out.Results = append(out.Results, *res)
		out.Succeeded++
	}
	out.TotalProcessed = len(out.Results)
	return out, nil
}

func validateStandards(from, to terminology.Standard) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown standard %q -> %q", ErrInvalidRequest, from, to)
	}
	if from == to {
		return fmt.Errorf("%w: from_version and to_version must differ", ErrInvalidRequest)
	}
	return nil
}

func convert(snap *snapshot.Snapshot, raw string, from, to terminology.Standard) (*Result, error) {
	key := terminology.Key(raw)
	if key == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if !terminology.ValidSyntax(from, key) {
		return nil, fmt.Errorf("%w: %q is not a valid %s code", ErrInvalidRequest, raw, from.Label())
	}
	src, ok := snap.Catalog.Lookup(from, key)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a known %s code", ErrInvalidRequest, terminology.Display(from, key), from.Label())
	}

	res := &Result{
		Success:     true,
		InputCode:   key,
		FromVersion: from,
		ToVersion:   to,
		Results:     []Target{},
	}
	if from == terminology.ICD10 && src.Description != "" {
		desc := src.Description
		res.InputDescription = &desc
	}

	edges := snap.Mappings.Lookup(from, key)
	if len(edges) > 0 {
		mapped := mappedOnly(edges)
		if len(mapped) == 0 {
			res.MatchType = MatchNoMap
			res.Message = MessageNoMap
			return res, nil
		}
		res.MatchType = MatchDirect
		res.Results, res.IsApproximate = targets(snap.Catalog, to, mapped)
		if res.IsApproximate {
			res.Message = "approximate mapping: targets are not an exact equivalent"
		}
		return res, nil
	}

	if sibling := closestSibling(snap.Mappings.FamilySiblings(from, key), key); sibling != "" {
		res.MatchType = MatchFamily
		res.MatchedCode = sibling
		res.Results, _ = targets(snap.Catalog, to, mappedOnly(snap.Mappings.Lookup(from, sibling)))
		res.IsApproximate = true
		res.Message = fmt.Sprintf(
			"no direct mapping for %s; showing mappings of family member %s (family-level approximation, not a direct translation)",
			terminology.Display(from, key), terminology.Display(from, sibling))
		return res, nil
	}

	res.MatchType = MatchNone
	res.Message = MessageNone
	return res, nil
}

// closestSibling picks the family member sharing the longest prefix with
// key; ties go to the lowest code. siblings must be sorted.
func closestSibling(siblings []string, key string) string {
	best, bestLen := "", -1
	for _, s := range siblings {
		if s == key {
			continue
		}
		if n := commonPrefix(s, key); n > bestLen {
			best, bestLen = s, n
		}
	}
	return best
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func mappedOnly(edges []mapping.Edge) []mapping.Edge {
	out := edges[:0:0]
	for _, e := range edges {
		if !e.NoMap {
			out = append(out, e)
		}
	}
	return out
}

func targets(catalog *terminology.Catalog, to terminology.Standard, edges []mapping.Edge) ([]Target, bool) {
	out := make([]Target, 0, len(edges))
	approx := false
	for _, e := range edges {
		t := Target{
			Code:        e.TargetCode,
			Display:     terminology.Display(to, e.TargetCode),
			Approximate: e.Approximate,
			Combination: e.Combination,
			Scenario:    e.Scenario,
			ChoiceList:  e.ChoiceList,
		}
		if to == terminology.ICD10 {
			if c, ok := catalog.Lookup(to, e.TargetCode); ok {
				t.Description = c.Description
			}
		}
		approx = approx || e.Approximate
		out = append(out, t)
	}
	return out, approx
}
