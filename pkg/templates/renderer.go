// Package templates renders the prompts sent to the role stages.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"gameforge/pkg/diag"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Prompt       string           `json:"prompt"`
	Constraints  []string         `json:"constraints,omitempty"`
	Contract     string           `json:"contract,omitempty"`
	References   string           `json:"references,omitempty"`
	Schema       string           `json:"schema,omitempty"`
	Prior        *diag.Diagnostic `json:"prior,omitempty"`
	PriorAttempt int              `json:"prior_attempt,omitempty"`
	PriorSource  string           `json:"prior_source,omitempty"`
	// Engineer inputs.
	Design         string   `json:"design,omitempty"`
	Rejections     []string `json:"rejections,omitempty"`
	PreviousSource string   `json:"previous_source,omitempty"`
}

// StateTemplate names an embedded template.
type StateTemplate string

const (
	// PlannerTemplate asks for a JSON design document.
	PlannerTemplate StateTemplate = "planner.tpl.md"
	// EngineerTemplate asks for the candidate source.
	EngineerTemplate StateTemplate = "engineer.tpl.md"
	// RefineTemplate turns a raw prompt into a brief or a rejection.
	RefineTemplate StateTemplate = "refine.tpl.md"
)

// Renderer handles template rendering for the role stages.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[StateTemplate]*template.Template)}

	for _, name := range []StateTemplate{PlannerTemplate, EngineerTemplate, RefineTemplate} {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
		}).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	return buf.String(), nil
}
