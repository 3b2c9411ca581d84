// Package templates provides the system prompts of the agents.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the values available to prompt templates.
type TemplateData struct {
	WorkDir           string `json:"work_dir,omitempty"`
	ToolDocumentation string `json:"tool_documentation,omitempty"`
	Sentinel          string `json:"sentinel,omitempty"`
	AppPort           int    `json:"app_port,omitempty"`
}

// SentinelClose returns the closing form of a tag-style sentinel, e.g. </task_summary>.
func (d *TemplateData) SentinelClose() string {
	s := d.Sentinel
	if len(s) > 2 && strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && s[1] != '/' {
		return "</" + s[1:]
	}
	return ""
}

// PromptTemplate names an embedded template.
type PromptTemplate string

const (
	// CodingAgentTemplate is the system prompt of the coding agent.
	CodingAgentTemplate PromptTemplate = "coding_agent.tpl.md"
	// FragmentTitleTemplate is the system prompt of the title generator.
	FragmentTitleTemplate PromptTemplate = "fragment_title.tpl.md"
	// ResponseTemplate is the system prompt of the response generator.
	ResponseTemplate PromptTemplate = "response.tpl.md"
)

var allTemplates = []PromptTemplate{CodingAgentTemplate, FragmentTitleTemplate, ResponseTemplate}

// Key is the name used for t in an override file.
func (t PromptTemplate) Key() string {
	return strings.TrimSuffix(string(t), ".tpl.md")
}

// Renderer renders prompt templates.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[PromptTemplate]*template.Template)}
	for _, name := range allTemplates {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		if err := r.parse(name, string(content)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewRendererWithOverrides parses the embedded templates, then replaces those named in the
// YAML file at path. The file maps template keys (coding_agent, fragment_title, response)
// to template text. An empty path applies no overrides.
func NewRendererWithOverrides(path string) (*Renderer, error) {
	r, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt overrides: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse prompt overrides: %w", err)
	}

	known := make(map[string]PromptTemplate, len(allTemplates))
	for _, name := range allTemplates {
		known[name.Key()] = name
	}
	for key, content := range overrides {
		name, ok := known[key]
		if !ok {
			return nil, fmt.Errorf("unknown prompt %q in %s", key, path)
		}
		if err := r.parse(name, content); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Renderer) parse(name PromptTemplate, content string) error {
	tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	r.templates[name] = tmpl
	return nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(name PromptTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[name]
	if !exists {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
