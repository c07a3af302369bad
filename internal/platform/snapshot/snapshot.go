package snapshot

import (
	"sync/atomic"
	"time"

	"github.com/icdbridge/icdbridge/internal/domain/comorbidity"
	"github.com/icdbridge/icdbridge/internal/domain/mapping"
	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

// Snapshot is one fully built, immutable generation of reference data.
type Snapshot struct {
	Catalog  *terminology.Catalog
	Mappings *mapping.Store
	Overlays *comorbidity.Store
	LoadedAt time.Time
	Version  int64
	Source   string
}

// Summary is the JSON shape reported by health and the CLI.
type Summary struct {
	Version      int64         `json:"version"`
	Source       string        `json:"source"`
	LoadedAt     time.Time     `json:"loaded_at"`
	ICD10Codes   int           `json:"icd10_codes"`
	ICD9Codes    int           `json:"icd9_codes"`
	Mappings     mapping.Stats `json:"mappings"`
	FlaggedCodes int           `json:"flagged_codes"`
	ScoredKeys   int           `json:"scored_keys"`
	HCCCodes     int           `json:"hcc_codes"`
}

func (s *Snapshot) Summary() Summary {
	flagged, scored, hcc := s.Overlays.Counts()
	return Summary{
		Version:      s.Version,
		Source:       s.Source,
		LoadedAt:     s.LoadedAt,
		ICD10Codes:   s.Catalog.Count(terminology.ICD10),
		ICD9Codes:    s.Catalog.Count(terminology.ICD9),
		Mappings:     s.Mappings.Stats(),
		FlaggedCodes: flagged,
		ScoredKeys:   scored,
		HCCCodes:     hcc,
	}
}

// Holder publishes snapshots to readers. Readers never block and always see
// a complete snapshot; Publish replaces the whole generation at once.
type Holder struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewHolder publishes initial as version 1.
func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	h.Publish(initial)
	return h
}

// Publish stamps s with the next version and makes it current. s must not be
// modified afterwards.
func (h *Holder) Publish(s *Snapshot) {
	s.Version = h.version.Add(1)
	h.current.Store(s)
}

// Current returns the published snapshot. Callers that need several parts of
// the data for one operation should hold on to a single Current result.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

func (h *Holder) Catalog() *terminology.Catalog {
	return h.Current().Catalog
}

func (h *Holder) Mappings() *mapping.Store {
	return h.Current().Mappings
}

func (h *Holder) Overlays() *comorbidity.Store {
	return h.Current().Overlays
}
