package dataload

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/icdbridge/icdbridge/internal/domain/comorbidity"
	"github.com/icdbridge/icdbridge/internal/domain/mapping"
	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

var ErrCorruptFile = errors.New("corrupt reference data file")

const maxLine = 1 << 20

// CodeRow is one line of the ICD-10-CM code list.
type CodeRow struct {
	Code        string
	Description string
}

// HCCRow is one mapped row of the CMS-HCC ICD-10-CM mapping file.
type HCCRow struct {
	Code        string
	Description string
	Category    string
}

// ElixhauserEntry is one value of the Elixhauser JSON document.
type ElixhauserEntry struct {
	Description   string   `json:"description"`
	Comorbidities []string `json:"comorbidities"`
}

func corrupt(name string, line int, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s:%d: %s", ErrCorruptFile, name, line, fmt.Sprintf(format, args...))
}

// ParseCodes reads "CODE<whitespace>description" lines. Blank lines are
// ignored.
func ParseCodes(name string, r io.Reader) ([]CodeRow, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var rows []CodeRow
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		code := strings.Fields(text)[0]
		desc := text[len(code):]
		key := terminology.Key(code)
		if !terminology.ValidSyntax(terminology.ICD10, key) {
			return nil, corrupt(name, line, "invalid ICD-10-CM code %q", code)
		}
		rows = append(rows, CodeRow{Code: key, Description: strings.TrimSpace(desc)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, corrupt(name, line, "no codes")
	}
	return rows, nil
}

// ParseGEM reads a CMS General Equivalence Mapping file: source code, target
// code and a five digit flag field (approximate, no map, combination,
// scenario, choice list) separated by whitespace.
func ParseGEM(name string, r io.Reader, from, to terminology.Standard) ([]mapping.Edge, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var edges []mapping.Edge
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, corrupt(name, line, "expected 3 fields, got %d", len(fields))
		}
		flags := fields[2]
		if len(flags) != 5 || strings.Trim(flags, "0123456789") != "" {
			return nil, corrupt(name, line, "invalid flags %q", flags)
		}
		if !terminology.ValidSyntax(from, terminology.Key(fields[0])) {
			return nil, corrupt(name, line, "invalid %s source code %q", from.Label(), fields[0])
		}
		e := mapping.Edge{
			SourceStandard: from,
			SourceCode:     fields[0],
			TargetStandard: to,
			TargetCode:     fields[1],
			Approximate:    flags[0] == '1',
			NoMap:          flags[1] == '1',
			Combination:    flags[2] == '1',
			Scenario:       int(flags[3] - '0'),
			ChoiceList:     int(flags[4] - '0'),
		}
		if !e.NoMap && !terminology.ValidSyntax(to, terminology.Key(fields[1])) {
			return nil, corrupt(name, line, "invalid %s target code %q", to.Label(), fields[1])
		}
		edges = append(edges, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return edges, nil
}

// ParseElixhauser reads {"CODE": {"description": ..., "comorbidities": [...]}}.
func ParseElixhauser(name string, r io.Reader) (map[string]ElixhauserEntry, error) {
	var doc map[string]ElixhauserEntry
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, name, err)
	}
	return doc, nil
}

// ParseCharlson reads a YAML (or JSON) list of {code, condition, score, prefix}.
func ParseCharlson(name string, r io.Reader) ([]comorbidity.ScoredAssignment, error) {
	var rows []comorbidity.ScoredAssignment
	if err := yaml.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, name, err)
	}
	return rows, nil
}

// CMS mapping columns: code (no dot), description, and the V28 payment
// HCC in the seventh column.
const (
	hccColCode        = 0
	hccColDescription = 1
	hccColCategory    = 6
)

// ParseHCCMappings reads the CMS-HCC CSV. Header and note rows, and rows
// without a V28 category, are skipped.
func ParseHCCMappings(name string, r io.Reader) ([]HCCRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var rows []HCCRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, corrupt(name, line, "%v", err)
		}
		if len(rec) <= hccColCategory {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(rec[hccColCode]))
		category := strings.TrimSpace(rec[hccColCategory])
		if !hccCodeStart(code) || category == "" {
			continue
		}
		key := terminology.Key(code)
		if !terminology.ValidSyntax(terminology.ICD10, key) {
			line, _ := cr.FieldPos(0)
			return nil, corrupt(name, line, "invalid ICD-10-CM code %q", code)
		}
		rows = append(rows, HCCRow{
			Code:        key,
			Description: strings.TrimSpace(rec[hccColDescription]),
			Category:    category,
		})
	}
	return rows, nil
}

func hccCodeStart(code string) bool {
	return len(code) >= 2 && code[0] >= 'A' && code[0] <= 'Z' && code[1] >= '0' && code[1] <= '9'
}

// ParseHCCCategories reads a YAML (or JSON) list of {category, description, raf_score}.
func ParseHCCCategories(name string, r io.Reader) ([]comorbidity.HCCCategory, error) {
	var rows []comorbidity.HCCCategory
	if err := yaml.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, name, err)
	}
	return rows, nil
}
