package conversion

import (
	"errors"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

var ErrInvalidRequest = errors.New("invalid request")

// MatchType says which rule produced a Result.
type MatchType string

const (
	// MatchDirect: the requested code has mapped edges of its own.
	MatchDirect MatchType = "direct"
	// MatchFamily: targets borrowed from a sibling in the same family.
	MatchFamily MatchType = "family"
	// MatchNoMap: every edge of the code is an explicit CMS no-map.
	MatchNoMap MatchType = "no_map"
	// MatchNone: the code has no edges and no mapped sibling.
	MatchNone MatchType = "none"
)

const (
	MessageNone  = "no equivalent code in target standard"
	MessageNoMap = "code is explicitly flagged by CMS as having no equivalent in the target standard"
)

// Target is one converted code.
type Target struct {
	Code        string `json:"code"`
	Display     string `json:"display"`
	Description string `json:"description,omitempty"`
	Approximate bool   `json:"approximate"`
	Combination bool   `json:"combination"`
	Scenario    int    `json:"scenario"`
	ChoiceList  int    `json:"choice_list"`
}

// Result is the outcome of converting one code. Absence of a mapping is a
// successful Result with no targets; Success is false only for batch items
// that failed validation.
type Result struct {
	Success          bool                 `json:"success"`
	InputCode        string               `json:"input_code"`
	InputDescription *string              `json:"input_description"`
	FromVersion      terminology.Standard `json:"from_version"`
	ToVersion        terminology.Standard `json:"to_version"`
	MatchType        MatchType            `json:"match_type,omitempty"`
	MatchedCode      string               `json:"matched_code,omitempty"`
	Results          []Target             `json:"results"`
	IsApproximate    bool                 `json:"is_approximate"`
	Message          string               `json:"message,omitempty"`
	Error            string               `json:"error,omitempty"`
}

// BatchResult holds per-code results in request order.
type BatchResult struct {
	Success        bool                 `json:"success"`
	FromVersion    terminology.Standard `json:"from_version"`
	ToVersion      terminology.Standard `json:"to_version"`
	Results        []Result             `json:"results"`
	TotalProcessed int                  `json:"total_processed"`
	Succeeded      int                  `json:"succeeded"`
	Failed         int                  `json:"failed"`
}
