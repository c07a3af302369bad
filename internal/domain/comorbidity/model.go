package comorbidity

import "errors"

var ErrInvalidAssignment = errors.New("invalid overlay assignment")

// Category is an Elixhauser comorbidity flag.
type Category struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

var elixhauserCategories = map[string]string{
	"AIDS":          "Acquired immune deficiency syndrome",
	"ALCOHOL":       "Alcohol abuse",
	"ANEMDEF":       "Deficiency anemias",
	"AUTOIMMUNE":    "Autoimmune conditions",
	"BLDLOSS":       "Blood loss anemia",
	"CANCER_LEUK":   "Leukemia",
	"CANCER_LYMPH":  "Lymphoma",
	"CANCER_METS":   "Metastatic cancer",
	"CANCER_NSITU":  "Solid tumor without metastasis, in situ",
	"CANCER_SOLID":  "Solid tumor without metastasis",
	"CBVD":          "Cerebrovascular disease",
	"CBVD_POA":      "Cerebrovascular disease, present on admission",
	"CBVD_SQLA":     "Cerebrovascular disease, sequela",
	"COAG":          "Coagulopathy",
	"DEMENTIA":      "Dementia",
	"DEPRESS":       "Depression",
	"DIAB_CX":       "Diabetes with chronic complications",
	"DIAB_UNCX":     "Diabetes without chronic complications",
	"DRUG_ABUSE":    "Drug abuse",
	"HTN_CX":        "Hypertension, complicated",
	"HTN_UNCX":      "Hypertension, uncomplicated",
	"LIVER_MLD":     "Liver disease, mild",
	"LIVER_SEV":     "Liver disease, moderate to severe",
	"LUNG_CHRONIC":  "Chronic pulmonary disease",
	"NEURO_MOVT":    "Neurological disorders affecting movement",
	"NEURO_OTH":     "Other neurological disorders",
	"NEURO_SEIZURE": "Seizure disorders and convulsions",
	"OBESE":         "Obesity",
	"PARALYSIS":     "Paralysis",
	"PERIVASC":      "Peripheral vascular disease",
	"PSYCHOSES":     "Psychoses",
	"PULMCIRC":      "Pulmonary circulation disease",
	"RENLFL_MOD":    "Renal failure, moderate",
	"RENLFL_SEV":    "Renal failure, severe",
	"THYROID_HYPO":  "Hypothyroidism",
	"THYROID_OTH":   "Other thyroid disorders",
	"ULCER_PEPTIC":  "Peptic ulcer disease excluding bleeding",
	"VALVE":         "Valvular disease",
	"WGHTLOSS":      "Weight loss",
}

// CategoryFor returns the category with its description. Codes outside the
// standard Elixhauser list get a generic description.
func CategoryFor(code string) Category {
	if d, ok := elixhauserCategories[code]; ok {
		return Category{Code: code, Description: d}
	}
	return Category{Code: code, Description: "Elixhauser category: " + code}
}

// ScoredAssignment is one Charlson row. Prefix rows apply to every code that
// starts with Code.
type ScoredAssignment struct {
	Code      string `json:"code" yaml:"code"`
	Condition string `json:"condition" yaml:"condition"`
	Score     int    `json:"score" yaml:"score"`
	IsPrefix  bool   `json:"prefix" yaml:"prefix"`
}

// MatchType describes how a Charlson result was found.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchNone   MatchType = "none"
)

// ScoreEntry is a condition and its weight.
type ScoreEntry struct {
	Condition string `json:"condition"`
	Score     int    `json:"score"`
}

// FlagResult lists the Elixhauser categories of one code.
type FlagResult struct {
	Code       string     `json:"code"`
	Categories []Category `json:"categories"`
}

// ScoreResult is the Charlson classification of one code. TotalScore is
// always the sum of Entries.
type ScoreResult struct {
	Code        string       `json:"code"`
	MatchType   MatchType    `json:"match_type"`
	MatchedCode string       `json:"matched_code,omitempty"`
	Entries     []ScoreEntry `json:"entries"`
	TotalScore  int          `json:"total_score"`
}

// Condition summarises one Charlson condition across the overlay.
type Condition struct {
	Name      string   `json:"condition"`
	Score     int      `json:"score"`
	CodeCount int      `json:"code_count"`
	Codes     []string `json:"sample_codes"`
}

// ProfileCategory is a category with the input codes that raised it.
type ProfileCategory struct {
	Category
	Codes []string `json:"codes"`
}

// ProfileCondition is a condition with the input codes that raised it.
type ProfileCondition struct {
	ScoreEntry
	Codes []string `json:"codes"`
}

// Profile aggregates the overlays across a set of codes. Each Charlson
// condition counts once at its highest weight.
type Profile struct {
	Codes         []string           `json:"codes"`
	CharlsonIndex int                `json:"charlson_index"`
	Conditions    []ProfileCondition `json:"conditions"`
	Categories    []ProfileCategory  `json:"elixhauser_categories"`
	Unclassified  []string           `json:"unclassified"`
}

// HCCCategory is a CMS-HCC payment category. RAFScore is nil when the
// category table does not carry a weight for it.
type HCCCategory struct {
	Category    string   `json:"category" yaml:"category"`
	Description string   `json:"description,omitempty" yaml:"description"`
	RAFScore    *float64 `json:"raf_score" yaml:"raf_score"`
}

// HCCResult is the CMS-HCC classification of one ICD-10-CM code. HCC is nil
// when the code does not map to a payment category.
type HCCResult struct {
	Code        string       `json:"code"`
	Description string       `json:"description,omitempty"`
	HCC         *HCCCategory `json:"hcc"`
	Message     string       `json:"message,omitempty"`
}
