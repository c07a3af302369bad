package mapping

import (
	"errors"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

// NoMapTarget is the placeholder target CMS uses on explicit no-map rows.
const NoMapTarget = "NoDx"

var ErrInvalidEdge = errors.New("invalid mapping edge")

// Edge is one directed GEM row. Direction is never inferred from the reverse
// file: an ICD-9-CM to ICD-10-CM edge says nothing about ICD-10-CM to ICD-9-CM.
type Edge struct {
	SourceStandard terminology.Standard `json:"source_standard"`
	SourceCode     string               `json:"source_code"`
	TargetStandard terminology.Standard `json:"target_standard"`
	TargetCode     string               `json:"target_code"`
	Approximate    bool                 `json:"approximate"`
	NoMap          bool                 `json:"no_map"`
	Combination    bool                 `json:"combination"`
	Scenario       int                  `json:"scenario"`
	ChoiceList     int                  `json:"choice_list"`
}

type edgeKey struct {
	sourceStd terminology.Standard
	source    string
	targetStd terminology.Standard
	target    string
}

func (e Edge) key() edgeKey {
	return edgeKey{e.SourceStandard, e.SourceCode, e.TargetStandard, e.TargetCode}
}

// Stats summarises a built Store.
type Stats struct {
	Edges                map[terminology.Standard]int `json:"edges"`
	Sources              map[terminology.Standard]int `json:"sources"`
	NoMapSources         int                          `json:"no_map_sources"`
	SkippedUnknownTarget int                          `json:"skipped_unknown_target"`
	SkippedDuplicate     int                          `json:"skipped_duplicate"`
}
