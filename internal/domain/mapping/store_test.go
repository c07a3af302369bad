package mapping

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
)

func testCatalog(t *testing.T) *terminology.Catalog {
	t.Helper()
	b := terminology.NewCatalogBuilder()
	for _, code := range []string{"E119", "E1165", "E108", "E109", "I10"} {
		if err := b.Add(terminology.ICD10, code, "desc "+code); err != nil {
			t.Fatal(err)
		}
	}
	return b.Build()
}

func fwd(src, dst string) Edge {
	return Edge{SourceStandard: terminology.ICD9, SourceCode: src, TargetStandard: terminology.ICD10, TargetCode: dst}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	b := NewBuilder(testCatalog(t), 3, zerolog.Nop())
	edges := []Edge{
		fwd("25000", "E119"),
		{SourceStandard: terminology.ICD9, SourceCode: "25002", TargetStandard: terminology.ICD10, TargetCode: "E1165", Approximate: true, Scenario: 1, ChoiceList: 2},
		{SourceStandard: terminology.ICD9, SourceCode: "25002", TargetStandard: terminology.ICD10, TargetCode: "E119", Approximate: true, Scenario: 1, ChoiceList: 1},
		fwd("4019", "I10"),
		{SourceStandard: terminology.ICD9, SourceCode: "V9999", NoMap: true, TargetStandard: terminology.ICD10},
		fwd("25001", "Z9999"),
		{SourceStandard: terminology.ICD10, SourceCode: "E11.9", TargetStandard: terminology.ICD9, TargetCode: "250.00"},
	}
	for _, e := range edges {
		if err := b.Add(e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := b.Add(fwd("250.00", "E11.9")); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	return b.Build()
}

func TestStore_LookupOrdering(t *testing.T) {
	s := newTestStore(t)

	edges := s.Lookup(terminology.ICD9, "250.02")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].TargetCode != "E119" || edges[1].TargetCode != "E1165" {
		t.Errorf("expected choice_list ordering, got %s, %s", edges[0].TargetCode, edges[1].TargetCode)
	}
}

func TestStore_LookupEmpty(t *testing.T) {
	s := newTestStore(t)

	edges := s.Lookup(terminology.ICD9, "999")
	if edges == nil || len(edges) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", edges)
	}
}

func TestStore_Directional(t *testing.T) {
	s := newTestStore(t)

	if got := s.Lookup(terminology.ICD10, "I10"); len(got) != 0 {
		t.Errorf("reverse direction must not be inferred, got %v", got)
	}
	if got := s.Lookup(terminology.ICD10, "E119"); len(got) != 1 || got[0].TargetCode != "25000" {
		t.Errorf("expected backward edge to 25000, got %v", got)
	}
}

func TestStore_LookupReturnsCopy(t *testing.T) {
	s := newTestStore(t)

	first := s.Lookup(terminology.ICD9, "25000")
	first[0].TargetCode = "MUTATED"
	second := s.Lookup(terminology.ICD9, "25000")
	if second[0].TargetCode != "E119" {
		t.Error("store must not be mutated through lookup results")
	}
}

func TestStore_SkipsUnknownTargetAndDuplicates(t *testing.T) {
	s := newTestStore(t)

	if got := s.Lookup(terminology.ICD9, "25001"); len(got) != 0 {
		t.Errorf("edge to unknown target must be skipped, got %v", got)
	}
	stats := s.Stats()
	if stats.SkippedUnknownTarget != 1 {
		t.Errorf("expected 1 unknown target, got %d", stats.SkippedUnknownTarget)
	}
	if stats.SkippedDuplicate != 1 {
		t.Errorf("expected 1 duplicate, got %d", stats.SkippedDuplicate)
	}
	if stats.Edges[terminology.ICD9] != 5 {
		t.Errorf("expected 5 forward edges, got %d", stats.Edges[terminology.ICD9])
	}
}

func TestStore_NoMap(t *testing.T) {
	s := newTestStore(t)

	got := s.Lookup(terminology.ICD9, "V9999")
	if len(got) != 1 || !got[0].NoMap || got[0].TargetCode != NoMapTarget {
		t.Errorf("expected one no-map edge, got %v", got)
	}
	if got := s.FamilySiblings(terminology.ICD9, "V9999"); len(got) != 0 {
		t.Errorf("no-map only source must not be a family sibling, got %v", got)
	}
	if s.Stats().NoMapSources != 1 {
		t.Errorf("expected 1 no-map source, got %d", s.Stats().NoMapSources)
	}
}

func TestStore_FamilySiblings(t *testing.T) {
	s := newTestStore(t)

	got := s.FamilySiblings(terminology.ICD9, "250.09")
	if len(got) != 2 || got[0] != "25000" || got[1] != "25002" {
		t.Errorf("expected [25000 25002], got %v", got)
	}
	if got := s.FamilySiblings(terminology.ICD9, "V99.98"); len(got) != 0 {
		t.Errorf("no-map sources must not be siblings, got %v", got)
	}
}

func TestBuilder_InvalidEdge(t *testing.T) {
	b := NewBuilder(testCatalog(t), 3, zerolog.Nop())

	err := b.Add(Edge{SourceStandard: terminology.ICD9, SourceCode: "250", TargetStandard: terminology.ICD9, TargetCode: "250"})
	if !errors.Is(err, ErrInvalidEdge) {
		t.Errorf("expected ErrInvalidEdge for same-standard edge, got %v", err)
	}
	err = b.Add(Edge{SourceStandard: terminology.ICD9, SourceCode: "250", TargetStandard: terminology.ICD10})
	if !errors.Is(err, ErrInvalidEdge) {
		t.Errorf("expected ErrInvalidEdge for empty target, got %v", err)
	}
}

type staticStore struct{ s *Store }

func (s staticStore) Mappings() *Store { return s.s }

func TestHandler_Lookup(t *testing.T) {
	h := NewHandler(staticStore{s: newTestStore(t)})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mappings/icd9/250.02", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("standard", "code")
	c.SetParamValues("icd9", "250.02")

	if err := h.Lookup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body lookupResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "25002" || len(body.Edges) != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_Lookup_InvalidCode(t *testing.T) {
	h := NewHandler(staticStore{s: newTestStore(t)})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mappings/icd10/12", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("standard", "code")
	c.SetParamValues("icd10", "12")

	err := h.Lookup(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
