package comorbidity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

const sampleCodes = 10

// Builder accumulates overlay rows for a single Store.
type Builder struct {
	flags         map[string]map[string]struct{}
	exact         map[string][]ScoreEntry
	prefixes      map[string][]ScoreEntry
	hcc           map[string]hccEntry
	hccCategories map[string]HCCCategory
}

type hccEntry struct {
	description string
	category    string
}

func NewBuilder() *Builder {
	return &Builder{
		flags:         map[string]map[string]struct{}{},
		exact:         map[string][]ScoreEntry{},
		prefixes:      map[string][]ScoreEntry{},
		hcc:           map[string]hccEntry{},
		hccCategories: map[string]HCCCategory{},
	}
}

// AddFlag assigns an Elixhauser category to an ICD-10-CM code.
func (b *Builder) AddFlag(code, category string) error {
	key := terminology.Key(code)
	category = strings.ToUpper(strings.TrimSpace(category))
	if key == "" || category == "" {
		return fmt.Errorf("%w: flag %q -> %q", ErrInvalidAssignment, code, category)
	}
	if b.flags[key] == nil {
		b.flags[key] = map[string]struct{}{}
	}
	b.flags[key][category] = struct{}{}
	return nil
}

// AddScore registers a Charlson row. A repeated condition on the same key
// keeps the higher score.
func (b *Builder) AddScore(a ScoredAssignment) error {
	key := terminology.Key(a.Code)
	cond := strings.TrimSpace(a.Condition)
	if key == "" || cond == "" || a.Score < 0 {
		return fmt.Errorf("%w: score %q %q %d", ErrInvalidAssignment, a.Code, a.Condition, a.Score)
	}
	target := b.exact
	if a.IsPrefix {
		target = b.prefixes
	}
	for i, e := range target[key] {
		if e.Condition == cond {
			if a.Score > e.Score {
				target[key][i].Score = a.Score
			}
			return nil
		}
	}
	target[key] = append(target[key], ScoreEntry{Condition: cond, Score: a.Score})
	return nil
}

// AddHCC maps an ICD-10-CM code to a CMS-HCC category. A later row for the
// same code replaces the earlier one.
func (b *Builder) AddHCC(code, description, category string) error {
	key := terminology.Key(code)
	category = strings.TrimSpace(category)
	if !terminology.ValidSyntax(terminology.ICD10, key) || category == "" {
		return fmt.Errorf("%w: hcc %q -> %q", ErrInvalidAssignment, code, category)
	}
	b.hcc[key] = hccEntry{description: strings.TrimSpace(description), category: category}
	return nil
}

// AddHCCCategory registers the description and weight of a category.
func (b *Builder) AddHCCCategory(c HCCCategory) error {
	c.Category = strings.TrimSpace(c.Category)
	if c.Category == "" || (c.RAFScore != nil && *c.RAFScore < 0) {
		return fmt.Errorf("%w: hcc category %+v", ErrInvalidAssignment, c)
	}
	b.hccCategories[c.Category] = c
	return nil
}

// Build freezes the overlays. The builder must not be reused.
func (b *Builder) Build() *Store {
	s := &Store{
		flags:         make(map[string][]string, len(b.flags)),
		exact:         b.exact,
		prefixes:      b.prefixes,
		hcc:           b.hcc,
		hccCategories: b.hccCategories,
	}
	for code, set := range b.flags {
		cats := make([]string, 0, len(set))
		for c := range set {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		s.flags[code] = cats
	}
	for _, m := range []map[string][]ScoreEntry{s.exact, s.prefixes} {
		for _, entries := range m {
			sortEntries(entries)
		}
	}
	for p := range s.prefixes {
		if len(p) > s.maxPrefix {
			s.maxPrefix = len(p)
		}
	}
	b.flags, b.exact, b.prefixes = nil, nil, nil
	b.hcc, b.hccCategories = nil, nil
	return s
}

// Store holds the immutable Elixhauser, Charlson and CMS-HCC overlays.
type Store struct {
	flags         map[string][]string
	exact         map[string][]ScoreEntry
	prefixes      map[string][]ScoreEntry
	maxPrefix     int
	hcc           map[string]hccEntry
	hccCategories map[string]HCCCategory
}

// ClassifyFlags returns the Elixhauser categories assigned to exactly code.
func (s *Store) ClassifyFlags(code string) FlagResult {
	key := terminology.Key(code)
	out := FlagResult{Code: key, Categories: []Category{}}
	for _, c := range s.flags[key] {
		out.Categories = append(out.Categories, CategoryFor(c))
	}
	return out
}

// ClassifyScore returns the Charlson entries for code. Entries keyed on the
// code itself win; otherwise the entries of the single longest prefix key
// that code starts with are used.
func (s *Store) ClassifyScore(code string) ScoreResult {
	key := terminology.Key(code)
	out := ScoreResult{Code: key, MatchType: MatchNone, Entries: []ScoreEntry{}}

	exact := append(append([]ScoreEntry{}, s.exact[key]...), s.prefixes[key]...)
	if len(exact) > 0 {
		sortEntries(exact)
		out.MatchType = MatchExact
		out.MatchedCode = key
		out.Entries = dedupe(exact)
	} else {
		n := len(key) - 1
		if n > s.maxPrefix {
			n = s.maxPrefix
		}
		for ; n >= 1; n-- {
			if entries, ok := s.prefixes[key[:n]]; ok {
				out.MatchType = MatchPrefix
				out.MatchedCode = key[:n]
				out.Entries = append(out.Entries, entries...)
				break
			}
		}
	}

	for _, e := range out.Entries {
		out.TotalScore += e.Score
	}
	return out
}

// ClassifyHCC returns the CMS-HCC category of exactly code.
func (s *Store) ClassifyHCC(code string) HCCResult {
	key := terminology.Key(code)
	e, ok := s.hcc[key]
	if !ok {
		return HCCResult{Code: key, Message: "no HCC mapping found for this code"}
	}
	cat, ok := s.hccCategories[e.category]
	if !ok {
		cat = HCCCategory{Category: e.category}
	}
	return HCCResult{Code: key, Description: e.description, HCC: &cat}
}

// Categories lists every category in use with its description.
func (s *Store) Categories() []Category {
	seen := map[string]bool{}
	for _, cats := range s.flags {
		for _, c := range cats {
			seen[c] = true
		}
	}
	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, CategoryFor(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Conditions lists every Charlson condition with its highest score and a
// sample of the keys carrying it.
func (s *Store) Conditions() []Condition {
	byName := map[string]*Condition{}
	collect := func(m map[string][]ScoreEntry) {
		for code, entries := range m {
			for _, e := range entries {
				c, ok := byName[e.Condition]
				if !ok {
					c = &Condition{Name: e.Condition}
					byName[e.Condition] = c
				}
				if e.Score > c.Score {
					c.Score = e.Score
				}
				c.CodeCount++
				c.Codes = append(c.Codes, code)
			}
		}
	}
	collect(s.exact)
	collect(s.prefixes)

	out := make([]Condition, 0, len(byName))
	for _, c := range byName {
		sort.Strings(c.Codes)
		if len(c.Codes) > sampleCodes {
			c.Codes = c.Codes[:sampleCodes]
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Profile classifies every code and aggregates the results.
func (s *Store) Profile(codes []string) Profile {
	p := Profile{
		Codes:        []string{},
		Conditions:   []ProfileCondition{},
		Categories:   []ProfileCategory{},
		Unclassified: []string{},
	}
	conds := map[string]*ProfileCondition{}
	cats := map[string]*ProfileCategory{}
	seen := map[string]bool{}

	for _, raw := range codes {
		key := terminology.Key(raw)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		p.Codes = append(p.Codes, key)

		flags := s.ClassifyFlags(key)
		score := s.ClassifyScore(key)
		if len(flags.Categories) == 0 && len(score.Entries) == 0 {
			p.Unclassified = append(p.Unclassified, key)
			continue
		}
		for _, c := range flags.Categories {
			pc, ok := cats[c.Code]
			if !ok {
				pc = &ProfileCategory{Category: c}
				cats[c.Code] = pc
			}
			pc.Codes = append(pc.Codes, key)
		}
		for _, e := range score.Entries {
			pc, ok := conds[e.Condition]
			if !ok {
				pc = &ProfileCondition{ScoreEntry: ScoreEntry{Condition: e.Condition}}
				conds[e.Condition] = pc
			}
			if e.Score > pc.Score {
				pc.Score = e.Score
			}
			pc.Codes = append(pc.Codes, key)
		}
	}

	for _, c := range conds {
		p.CharlsonIndex += c.Score
		p.Conditions = append(p.Conditions, *c)
	}
	sort.Slice(p.Conditions, func(i, j int) bool { return p.Conditions[i].Condition < p.Conditions[j].Condition })
	for _, c := range cats {
		p.Categories = append(p.Categories, *c)
	}
	sort.Slice(p.Categories, func(i, j int) bool { return p.Categories[i].Code < p.Categories[j].Code })
	return p
}

// Counts returns the number of flagged codes, scored keys and HCC-mapped
// codes.
func (s *Store) Counts() (flagged, scored, hcc int) {
	return len(s.flags), len(s.exact) + len(s.prefixes), len(s.hcc)
}

func sortEntries(entries []ScoreEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Condition < entries[j].Condition })
}

// dedupe collapses adjacent entries with the same condition, keeping the
// higher score. entries must be sorted.
func dedupe(entries []ScoreEntry) []ScoreEntry {
	out := entries[:0]
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Condition == e.Condition {
			if e.Score > out[n-1].Score {
				out[n-1].Score = e.Score
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
