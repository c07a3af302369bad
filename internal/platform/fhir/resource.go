package fhir

// Coding is a FHIR Coding datatype.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Parameter is one entry of a FHIR Parameters resource. Only the value[x]
// variants used by terminology operations are modelled.
type Parameter struct {
	Name         string      `json:"name"`
	ValueCode    string      `json:"valueCode,omitempty"`
	ValueURI     string      `json:"valueUri,omitempty"`
	ValueString  string      `json:"valueString,omitempty"`
	ValueBoolean *bool       `json:"valueBoolean,omitempty"`
	ValueCoding  *Coding     `json:"valueCoding,omitempty"`
	Part         []Parameter `json:"part,omitempty"`
}

// Parameters is the FHIR Parameters resource.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

func NewParameters(params ...Parameter) *Parameters {
	return &Parameters{ResourceType: "Parameters", Parameter: params}
}

// Get returns the first parameter with the given name.
func (p *Parameters) Get(name string) (Parameter, bool) {
	for _, param := range p.Parameter {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// BoolParam builds a valueBoolean parameter.
func BoolParam(name string, v bool) Parameter {
	return Parameter{Name: name, ValueBoolean: &v}
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}
