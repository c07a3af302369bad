package mapping

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

// Builder accumulates edges for a single Store. Edges whose ICD-10-CM target
// is missing from the catalog and repeated (source, target) pairs are logged
// and skipped. Builder is not safe for concurrent use.
type Builder struct {
	catalog   *terminology.Catalog
	familyLen int
	logger    zerolog.Logger
	edges     map[terminology.Standard]map[string][]Edge
	seen      map[edgeKey]struct{}
	stats     Stats
}

func NewBuilder(catalog *terminology.Catalog, familyLen int, logger zerolog.Logger) *Builder {
	return &Builder{
		catalog:   catalog,
		familyLen: familyLen,
		logger:    logger,
		edges: map[terminology.Standard]map[string][]Edge{
			terminology.ICD9:  {},
			terminology.ICD10: {},
		},
		seen: make(map[edgeKey]struct{}),
	}
}

// Add normalises and registers an edge. Only structurally invalid edges
// produce an error.
func (b *Builder) Add(e Edge) error {
	if !e.SourceStandard.Valid() || !e.TargetStandard.Valid() || e.SourceStandard == e.TargetStandard {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEdge, e.SourceStandard, e.TargetStandard)
	}
	e.SourceCode = terminology.Key(e.SourceCode)
	if e.SourceCode == "" {
		return fmt.Errorf("%w: empty source code", ErrInvalidEdge)
	}
	if e.NoMap {
		e.TargetCode = NoMapTarget
	} else {
		e.TargetCode = terminology.Key(e.TargetCode)
		if e.TargetCode == "" {
			return fmt.Errorf("%w: empty target for %s", ErrInvalidEdge, e.SourceCode)
		}
	}

	if _, dup := b.seen[e.key()]; dup {
		b.stats.SkippedDuplicate++
		b.logger.Debug().
			Str("source", e.SourceCode).
			Str("target", e.TargetCode).
			Msg("duplicate mapping edge skipped")
		return nil
	}
	if !e.NoMap && e.TargetStandard == terminology.ICD10 && !b.catalog.Contains(terminology.ICD10, e.TargetCode) {
		b.stats.SkippedUnknownTarget++
		b.logger.Debug().
			Str("source", e.SourceCode).
			Str("target", e.TargetCode).
			Msg("mapping edge skipped: target not in ICD-10-CM catalog")
		return nil
	}

	b.seen[e.key()] = struct{}{}
	b.edges[e.SourceStandard][e.SourceCode] = append(b.edges[e.SourceStandard][e.SourceCode], e)
	return nil
}

// Build sorts every edge list and indexes mapped sources by family. The
// builder must not be reused.
func (b *Builder) Build() *Store {
	s := &Store{
		edges:     b.edges,
		families:  map[terminology.Standard]map[string][]string{},
		familyLen: b.familyLen,
		stats:     b.stats,
	}
	s.stats.Edges = map[terminology.Standard]int{}
	s.stats.Sources = map[terminology.Standard]int{}

	for std, bySource := range b.edges {
		fams := map[string][]string{}
		for src, list := range bySource {
			sort.SliceStable(list, func(i, j int) bool {
				if list[i].Scenario != list[j].Scenario {
					return list[i].Scenario < list[j].Scenario
				}
				if list[i].ChoiceList != list[j].ChoiceList {
					return list[i].ChoiceList < list[j].ChoiceList
				}
				return list[i].TargetCode < list[j].TargetCode
			})
			s.stats.Edges[std] += len(list)
			s.stats.Sources[std]++
			if allNoMap(list) {
				s.stats.NoMapSources++
				continue
			}
			f := terminology.Family(std, src, b.familyLen)
			fams[f] = append(fams[f], src)
		}
		for _, members := range fams {
			sort.Strings(members)
		}
		s.families[std] = fams
	}

	b.edges = nil
	b.seen = nil
	return s
}

// Store is the immutable, directional edge index. Safe for concurrent readers.
type Store struct {
	edges     map[terminology.Standard]map[string][]Edge
	families  map[terminology.Standard]map[string][]string
	familyLen int
	stats     Stats
}

// Lookup returns the edges leaving code in standard, ordered by scenario,
// then choice list, then target. The result is never nil and is owned by the
// caller.
func (s *Store) Lookup(std terminology.Standard, code string) []Edge {
	list := s.edges[std][terminology.Key(code)]
	out := make([]Edge, len(list))
	copy(out, list)
	return out
}

// FamilySiblings returns the sorted source codes in the family of code that
// have at least one non no-map edge. code itself is included when it
// qualifies.
func (s *Store) FamilySiblings(std terminology.Standard, code string) []string {
	f := terminology.Family(std, terminology.Key(code), s.familyLen)
	members := s.families[std][f]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

func (s *Store) Stats() Stats {
	return s.stats
}

func allNoMap(list []Edge) bool {
	for _, e := range list {
		if !e.NoMap {
			return false
		}
	}
	return true
}
