// Package templates renders the prompts sent to the model.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// FrameHint is a stack frame that resolved inside the project.
type FrameHint struct {
	Path     string `json:"path"`
	Function string `json:"function,omitempty"`
	Code     string `json:"code,omitempty"`
	Line     int    `json:"line"`
}

// TemplateData holds the data for template rendering.
type TemplateData struct {
	StackTrace        string      `json:"stack_trace,omitempty"`
	ExceptionType     string      `json:"exception_type,omitempty"`
	ExceptionMessage  string      `json:"exception_message,omitempty"`
	ToolDocumentation string      `json:"tool_documentation,omitempty"`
	Frames            []FrameHint `json:"frames,omitempty"`
}

// PromptTemplate names an embedded template.
type PromptTemplate string

const (
	// SystemTemplate is the system directive, including tool documentation.
	SystemTemplate PromptTemplate = "system.tpl.md"
	// InvestigationTemplate is the first user prompt carrying the raw trace.
	InvestigationTemplate PromptTemplate = "investigation.tpl.md"
	// RemediationTemplate asks for the final plan.
	RemediationTemplate PromptTemplate = "remediation.tpl.md"
)

// Renderer handles template rendering.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[PromptTemplate]*template.Template),
	}

	for _, name := range []PromptTemplate{SystemTemplate, InvestigationTemplate, RemediationTemplate} {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(name PromptTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[name]
	if !exists {
		return "", fmt.Errorf("template %s not found", name)
	}
	if data == nil {
		data = &TemplateData{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}

	return strings.TrimRight(buf.String(), "\n"), nil
}
