package conversion

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
	"github.com/icdbridge/icdbridge/internal/platform/fhir"
	"github.com/icdbridge/icdbridge/internal/platform/validation"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = validation.New()
	return e
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d", code, he.Code)
	}
}

func TestHandler_Convert(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	body := `{"code":"250.00","from_version":"icd9","to_version":"icd10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Convert(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.MatchType != MatchDirect || len(res.Results) != 1 || res.Results[0].Code != "E119" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Convert_Validation(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	tests := []struct {
		name string
		body string
	}{
		{"missing code", `{"from_version":"icd9","to_version":"icd10"}`},
		{"unknown standard", `{"code":"250.00","from_version":"icd11","to_version":"icd10"}`},
		{"same standard", `{"code":"250.00","from_version":"icd9","to_version":"icd9"}`},
		{"unknown code", `{"code":"Z99.9","from_version":"icd10","to_version":"icd9"}`},
		{"malformed body", `{"code":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/convert", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c := e.NewContext(req, httptest.NewRecorder())
			expectStatus(t, h.Convert(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_ConvertQuery(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/convert?code=E10.9&from=icd10&to=icd9", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ConvertQuery(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.MatchType != MatchFamily || res.MatchedCode != "E1010" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_ConvertQuery_MissingCode(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/convert?from=icd10&to=icd9", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	expectStatus(t, h.ConvertQuery(c), http.StatusBadRequest)
}

func TestHandler_ConvertBatch(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	body := `{"codes":["250.00","nope","401.9"],"from_version":"icd9","to_version":"icd10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/batch", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ConvertBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.TotalProcessed != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("unexpected counts: %s", rec.Body.String())
	}
	if res.Results[2].Results[0].Code != "I10" {
		t.Errorf("unexpected third result: %+v", res.Results[2])
	}
}

func TestHandler_ConvertBatch_TooLarge(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	body := `{"codes":["1","2","3","4","5","6"],"from_version":"icd9","to_version":"icd10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/batch", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	expectStatus(t, h.ConvertBatch(c), http.StatusBadRequest)
}

func TestHandler_ConvertBatch_Empty(t *testing.T) {
	e := newTestEcho()
	h := NewHandler(newTestEngine(t))

	body := `{"codes":[],"from_version":"icd9","to_version":"icd10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/batch", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	expectStatus(t, h.ConvertBatch(c), http.StatusBadRequest)
}

func decodeParameters(t *testing.T, rec *httptest.ResponseRecorder) fhir.Parameters {
	t.Helper()
	var p fhir.Parameters
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode Parameters: %v", err)
	}
	return p
}

func TestTranslate_Get(t *testing.T) {
	e := newTestEcho()
	h := NewTranslateHandler(newTestEngine(t))

	q := url.Values{}
	q.Set("code", "250.02")
	q.Set("system", terminology.SystemICD9)
	q.Set("targetsystem", terminology.SystemICD10)
	req := httptest.NewRequest(http.MethodGet, "/fhir/ConceptMap/$translate?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Translate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := decodeParameters(t, rec)
	result, ok := p.Get("result")
	if !ok || result.ValueBoolean == nil || !*result.ValueBoolean {
		t.Fatalf("expected result=true, got %s", rec.Body.String())
	}
	matches := 0
	for _, param := range p.Parameter {
		if param.Name != "match" {
			continue
		}
		matches++
		if param.Part[0].ValueCode != "inexact" {
			t.Errorf("approximate edge should be inexact, got %q", param.Part[0].ValueCode)
		}
		if param.Part[1].ValueCoding.System != terminology.SystemICD10 {
			t.Errorf("unexpected concept system: %+v", param.Part[1].ValueCoding)
		}
	}
	if matches != 2 {
		t.Errorf("expected 2 matches, got %d", matches)
	}
}

func TestTranslate_PostByURL(t *testing.T) {
	e := newTestEcho()
	h := NewTranslateHandler(newTestEngine(t))

	body := `{"resourceType":"Parameters","parameter":[
		{"name":"coding","valueCoding":{"system":"http://hl7.org/fhir/sid/icd-9-cm","code":"250.00"}},
		{"name":"url","valueUri":"http://icdbridge.dev/fhir/ConceptMap/icd9-to-icd10"}]}`
	req := httptest.NewRequest(http.MethodPost, "/fhir/ConceptMap/$translate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.TranslatePost(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := decodeParameters(t, rec)
	match, ok := p.Get("match")
	if !ok {
		t.Fatalf("expected a match, got %s", rec.Body.String())
	}
	if match.Part[0].ValueCode != "equivalent" || match.Part[1].ValueCoding.Code != "E11.9" {
		t.Errorf("unexpected match: %+v", match)
	}
}

func TestTranslate_NoMapIsUnmatched(t *testing.T) {
	e := newTestEcho()
	h := NewTranslateHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/fhir/ConceptMap/icd9-to-icd10/$translate?code=799.9", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("icd9-to-icd10")

	if err := h.TranslateByMap(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := decodeParameters(t, rec)
	result, _ := p.Get("result")
	if result.ValueBoolean == nil || *result.ValueBoolean {
		t.Errorf("expected result=false, got %s", rec.Body.String())
	}
	msg, _ := p.Get("message")
	if msg.ValueString != MessageNoMap {
		t.Errorf("unexpected message %q", msg.ValueString)
	}
}

func TestTranslate_Errors(t *testing.T) {
	e := newTestEcho()
	h := NewTranslateHandler(newTestEngine(t))

	tests := []struct {
		name  string
		query string
	}{
		{"missing code", "system=" + url.QueryEscape(terminology.SystemICD9) + "&targetsystem=" + url.QueryEscape(terminology.SystemICD10)},
		{"missing system", "code=250.00"},
		{"unsupported system", "code=250.00&system=http%3A%2F%2Fsnomed.info%2Fsct&targetsystem=icd10"},
		{"missing target", "code=250.00&system=icd9"},
		{"unknown map", "code=250.00&system=icd9&url=http%3A%2F%2Fexample.org%2Fmap"},
		{"wrong source for map", "code=E11.9&system=icd10&url=" + url.QueryEscape("http://icdbridge.dev/fhir/ConceptMap/icd9-to-icd10")},
		{"unknown code", "code=Z99.9&system=icd10&targetsystem=icd9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/fhir/ConceptMap/$translate?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Translate(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			var outcome fhir.OperationOutcome
			json.Unmarshal(rec.Body.Bytes(), &outcome)
			if outcome.ResourceType != "OperationOutcome" {
				t.Errorf("expected OperationOutcome, got %s", rec.Body.String())
			}
		})
	}
}

func TestListConceptMaps(t *testing.T) {
	e := newTestEcho()
	h := NewTranslateHandler(newTestEngine(t))

	req := httptest.NewRequest(http.MethodGet, "/fhir/ConceptMap", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListConceptMaps(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Total        int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &bundle)
	if bundle.ResourceType != "Bundle" || bundle.Total != 2 {
		t.Errorf("unexpected bundle: %s", rec.Body.String())
	}
}

func TestEquivalence(t *testing.T) {
	direct := &Result{MatchType: MatchDirect}
	family := &Result{MatchType: MatchFamily}

	if got := equivalence(direct, Target{}); got != "equivalent" {
		t.Errorf("got %q", got)
	}
	if got := equivalence(direct, Target{Approximate: true}); got != "inexact" {
		t.Errorf("got %q", got)
	}
	if got := equivalence(direct, Target{Combination: true}); got != "narrower" {
		t.Errorf("got %q", got)
	}
	if got := equivalence(family, Target{}); got != "inexact" {
		t.Errorf("got %q", got)
	}
}
