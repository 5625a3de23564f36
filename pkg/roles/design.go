package roles

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"gameforge/pkg/gamekit"
)

// DesignDocument is the planner's structured output.
type DesignDocument struct {
	Title       string            `json:"title"`
	Summary     string            `json:"summary,omitempty"`
	Entities    []Entity          `json:"entities"`
	EntryPoints []string          `json:"entry_points"`
	Constraints []string          `json:"constraints,omitempty"`
	Controls    map[string]string `json:"controls,omitempty"`
}

// Entity is one game object in the design.
type Entity struct {
	Name      string   `json:"name"`
	Role      string   `json:"role,omitempty"`
	Behaviors []string `json:"behaviors,omitempty"`
}

// DesignSchema is the JSON schema planner output must satisfy.
const DesignSchema = `{
  "type": "object",
  "required": ["title", "entities", "entry_points"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "summary": {"type": "string"},
    "entities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "role": {"type": "string"},
          "behaviors": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "entry_points": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "controls": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var designSchema = gojsonschema.NewStringLoader(DesignSchema)

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

// DesignError reports why planner output was not a valid design.
type DesignError struct {
	Errors []FieldError
	Cause  error
}

func (e *DesignError) Error() string {
	if e.Cause != nil {
		return "invalid design document: " + e.Cause.Error()
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "invalid design document: " + strings.Join(parts, "; ")
}

func (e *DesignError) Unwrap() error { return e.Cause }

// ParseDesign extracts, validates and decodes a design from model output.
// Required entry points missing from the document are appended.
func ParseDesign(raw string) (DesignDocument, error) {
	text := extractJSONObject(raw)
	if text == "" {
		return DesignDocument{}, &DesignError{Cause: fmt.Errorf("no JSON object in planner output")}
	}

	result, err := gojsonschema.Validate(designSchema, gojsonschema.NewStringLoader(text))
	if err != nil {
		return DesignDocument{}, &DesignError{Cause: err}
	}
	if !result.Valid() {
		de := &DesignError{Errors: make([]FieldError, 0, len(result.Errors()))}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			de.Errors = append(de.Errors, FieldError{Field: field, Message: desc.Description()})
		}
		return DesignDocument{}, de
	}

	var doc DesignDocument
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return DesignDocument{}, &DesignError{Cause: err}
	}
	for _, name := range gamekit.EntryNames() {
		if !slices.Contains(doc.EntryPoints, name) {
			doc.EntryPoints = append(doc.EntryPoints, name)
		}
	}
	return doc, nil
}

// JSON renders the document for prompts and the design.json artifact.
func (d DesignDocument) JSON() []byte {
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return out
}

// extractJSONObject returns the outermost {...} span, ignoring code fences and prose.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
