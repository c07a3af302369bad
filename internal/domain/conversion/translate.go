package conversion

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/icdbridge/icdbridge/internal/domain/terminology"
	"github.com/icdbridge/icdbridge/internal/platform/fhir"
)

// conceptMap describes one GEM direction as a FHIR ConceptMap.
type conceptMap struct {
	ID     string
	URL    string
	Name   string
	Source terminology.Standard
	Target terminology.Standard
}

var conceptMaps = []conceptMap{
	{
		ID:     "icd9-to-icd10",
		URL:    "http://icdbridge.dev/fhir/ConceptMap/icd9-to-icd10",
		Name:   "ICD-9-CM to ICD-10-CM General Equivalence Mapping",
		Source: terminology.ICD9,
		Target: terminology.ICD10,
	},
	{
		ID:     "icd10-to-icd9",
		URL:    "http://icdbridge.dev/fhir/ConceptMap/icd10-to-icd9",
		Name:   "ICD-10-CM to ICD-9-CM General Equivalence Mapping",
		Source: terminology.ICD10,
		Target: terminology.ICD9,
	},
}

func conceptMapByURL(url string) (conceptMap, bool) {
	for _, cm := range conceptMaps {
		if cm.URL == url {
			return cm, true
		}
	}
	return conceptMap{}, false
}

func conceptMapByID(id string) (conceptMap, bool) {
	for _, cm := range conceptMaps {
		if cm.ID == id {
			return cm, true
		}
	}
	return conceptMap{}, false
}

// translateRequest holds the parameters for a $translate call.
type translateRequest struct {
	Code          string
	System        string
	TargetSystem  string
	ConceptMapURL string
}

// TranslateHandler provides the ConceptMap/$translate endpoints on top of the
// conversion engine.
type TranslateHandler struct {
	engine *Engine
}

func NewTranslateHandler(engine *Engine) *TranslateHandler {
	return &TranslateHandler{engine: engine}
}

// RegisterRoutes adds ConceptMap routes to the given FHIR group.
func (h *TranslateHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/ConceptMap", h.ListConceptMaps, mw...)
	g.GET("/ConceptMap/$translate", h.Translate, mw...)
	g.POST("/ConceptMap/$translate", h.TranslatePost, mw...)
	g.GET("/ConceptMap/:id/$translate", h.TranslateByMap, mw...)
}

// ListConceptMaps handles GET /fhir/ConceptMap.
func (h *TranslateHandler) ListConceptMaps(c echo.Context) error {
	entries := make([]map[string]interface{}, 0, len(conceptMaps))
	for _, cm := range conceptMaps {
		entries = append(entries, map[string]interface{}{
			"resource": map[string]interface{}{
				"resourceType": "ConceptMap",
				"id":           cm.ID,
				"url":          cm.URL,
				"name":         cm.Name,
				"status":       "active",
				"sourceUri":    cm.Source.SystemURI(),
				"targetUri":    cm.Target.SystemURI(),
			},
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(entries),
		"entry":        entries,
	})
}

// Translate handles GET /fhir/ConceptMap/$translate with query parameters.
func (h *TranslateHandler) Translate(c echo.Context) error {
	req := &translateRequest{
		Code:          c.QueryParam("code"),
		System:        c.QueryParam("system"),
		TargetSystem:  c.QueryParam("targetsystem"),
		ConceptMapURL: c.QueryParam("url"),
	}
	return h.doTranslate(c, req)
}

// TranslatePost handles POST /fhir/ConceptMap/$translate with a Parameters body.
func (h *TranslateHandler) TranslatePost(c echo.Context) error {
	var params fhir.Parameters
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "structure", "Invalid Parameters resource"))
	}

	req := &translateRequest{}
	for _, p := range params.Parameter {
		switch p.Name {
		case "code":
			req.Code = p.ValueCode
		case "system":
			req.System = p.ValueURI
		case "targetsystem":
			req.TargetSystem = p.ValueURI
		case "url":
			req.ConceptMapURL = p.ValueURI
		case "coding":
			if p.ValueCoding != nil {
				req.Code = p.ValueCoding.Code
				req.System = p.ValueCoding.System
			}
		}
	}
	return h.doTranslate(c, req)
}

// TranslateByMap handles GET /fhir/ConceptMap/:id/$translate.
func (h *TranslateHandler) TranslateByMap(c echo.Context) error {
	cm, ok := conceptMapByID(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome("error", "not-found", "ConceptMap '"+c.Param("id")+"' not found"))
	}
	req := &translateRequest{
		Code:          c.QueryParam("code"),
		System:        c.QueryParam("system"),
		ConceptMapURL: cm.URL,
	}
	if req.System == "" {
		req.System = cm.Source.SystemURI()
	}
	return h.doTranslate(c, req)
}

func (h *TranslateHandler) resolve(req *translateRequest) (from, to terminology.Standard, outcome *fhir.OperationOutcome) {
	if req.Code == "" {
		return "", "", fhir.NewOperationOutcome("error", "required", "Parameter 'code' is required")
	}
	if req.System == "" {
		return "", "", fhir.NewOperationOutcome("error", "required", "Parameter 'system' is required")
	}
	from, err := terminology.ParseStandard(req.System)
	if err != nil {
		return "", "", fhir.NewOperationOutcome("error", "not-supported", "Unsupported system '"+req.System+"'")
	}

	if req.ConceptMapURL != "" {
		cm, ok := conceptMapByURL(req.ConceptMapURL)
		if !ok {
			return "", "", fhir.NewOperationOutcome("error", "not-found", "ConceptMap not found for URL: "+req.ConceptMapURL)
		}
		if cm.Source != from {
			return "", "", fhir.NewOperationOutcome("error", "invalid", "System '"+req.System+"' is not the source of "+cm.ID)
		}
		return cm.Source, cm.Target, nil
	}
	if req.TargetSystem == "" {
		return "", "", fhir.NewOperationOutcome("error", "required", "Parameter 'targetsystem' or 'url' is required")
	}
	to, err = terminology.ParseStandard(req.TargetSystem)
	if err != nil {
		return "", "", fhir.NewOperationOutcome("error", "not-supported", "Unsupported targetsystem '"+req.TargetSystem+"'")
	}
	return from, to, nil
}

// doTranslate runs the conversion and answers with a FHIR Parameters resource.
func (h *TranslateHandler) doTranslate(c echo.Context, req *translateRequest) error {
	from, to, outcome := h.resolve(req)
	if outcome != nil {
		return c.JSON(http.StatusBadRequest, outcome)
	}

	res, err := h.engine.Convert(c.Request().Context(), req.Code, from, to)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "invalid", err.Error()))
		}
		return err
	}
	return c.JSON(http.StatusOK, translateParameters(res))
}

// equivalence maps a conversion target to a FHIR R4 ConceptMapEquivalence.
func equivalence(res *Result, t Target) string {
	switch {
	case res.MatchType == MatchFamily:
		return "inexact"
	case t.Combination:
		return "narrower"
	case t.Approximate:
		return "inexact"
	}
	return "equivalent"
}

func translateParameters(res *Result) *fhir.Parameters {
	message := res.Message
	if message == "" {
		message = "Mapping found"
	}
	params := fhir.NewParameters(
		fhir.BoolParam("result", len(res.Results) > 0),
		fhir.Parameter{Name: "message", ValueString: message},
	)
	for _, t := range res.Results {
		match := fhir.Parameter{
			Name: "match",
			Part: []fhir.Parameter{
				{Name: "equivalence", ValueCode: equivalence(res, t)},
				{Name: "concept", ValueCoding: &fhir.Coding{
					System:  res.ToVersion.SystemURI(),
					Code:    t.Display,
					Display: t.Description,
				}},
			},
		}
		if res.MatchType == MatchFamily {
			match.Part = append(match.Part, fhir.Parameter{Name: "source", ValueString: res.MatchedCode})
		}
		params.Parameter = append(params.Parameter, match)
	}
	return params
}
