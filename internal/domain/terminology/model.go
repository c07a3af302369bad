package terminology

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Standard identifies a diagnosis code standard.
type Standard string

const (
	// ICD9 is ICD-9-CM, the legacy standard.
	ICD9 Standard = "icd9"
	// ICD10 is ICD-10-CM, the current standard.
	ICD10 Standard = "icd10"
)

const (
	SystemICD9  = "http://hl7.org/fhir/sid/icd-9-cm"
	SystemICD10 = "http://hl7.org/fhir/sid/icd-10-cm"
)

var (
	ErrUnknownStandard = errors.New("unknown code standard")
	ErrInvalidCode     = errors.New("invalid code")
	ErrNotFound        = errors.New("code not found")
)

var (
	icd10Pattern = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z]{1,5}$`)
	icd9Pattern  = regexp.MustCompile(`^([0-9]{3,5}|V[0-9]{2,4}|E[0-9]{3,4})$`)
)

// ParseStandard accepts the common spellings of both standards.
func ParseStandard(v string) (Standard, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "icd9", "icd-9", "icd9cm", "icd-9-cm", SystemICD9:
		return ICD9, nil
	case "icd10", "icd-10", "icd10cm", "icd-10-cm", SystemICD10:
		return ICD10, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStandard, v)
}

// Label returns the human-readable name of the standard.
func (s Standard) Label() string {
	switch s {
	case ICD9:
		return "ICD-9-CM"
	case ICD10:
		return "ICD-10-CM"
	}
	return string(s)
}

// SystemURI returns the FHIR code system URI.
func (s Standard) SystemURI() string {
	switch s {
	case ICD9:
		return SystemICD9
	case ICD10:
		return SystemICD10
	}
	return ""
}

// Valid reports whether s is one of the known standards.
func (s Standard) Valid() bool {
	return s == ICD9 || s == ICD10
}

// Code is a single entry in a code standard. Value is always the canonical
// Key form ("E119"); Display renders the dotted spelling.
type Code struct {
	Standard    Standard `json:"standard"`
	Value       string   `json:"code"`
	Description string   `json:"description,omitempty"`
}

// Key returns the canonical lookup form of a code: trimmed, upper-cased and
// without dots.
func Key(code string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(code)), ".", "")
}

// ValidSyntax reports whether key is shaped like a code of the standard.
func ValidSyntax(std Standard, key string) bool {
	switch std {
	case ICD10:
		return icd10Pattern.MatchString(key)
	case ICD9:
		return icd9Pattern.MatchString(key)
	}
	return false
}

// Family returns the family prefix of key. ICD-9-CM E-code categories are
// one character longer than the other categories.
func Family(std Standard, key string, n int) string {
	if std == ICD9 && strings.HasPrefix(key, "E") {
		n++
	}
	if n <= 0 || len(key) <= n {
		return key
	}
	return key[:n]
}

// Display formats a key with the conventional decimal point.
func Display(std Standard, key string) string {
	n := 3
	if std == ICD9 && strings.HasPrefix(key, "E") {
		n = 4
	}
	if len(key) <= n {
		return key
	}
	return key[:n] + "." + key[n:]
}
