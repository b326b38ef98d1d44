// Package prompts loads the YAML prompt manifests used to talk to the language
// model and validates model answers against each prompt's response schema.
package prompts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// Names of the prompts the AI client needs.
const (
	NormalizeTranscript = "normalize_transcript"
	GenerateTitle       = "generate_title"
	ExtractInsights     = "extract_insights"
	DraftPosts          = "draft_posts"
)

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Prompt is a parsed prompt manifest. Name, version, system and user are required.
type Prompt struct {
	Name           string  `yaml:"name"`
	Description    string  `yaml:"description"`
	Version        string  `yaml:"version"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	System         string  `yaml:"system"`
	User           string  `yaml:"user"`
	ResponseSchema string  `yaml:"response_schema"`

	systemTmpl *template.Template
	userTmpl   *template.Template

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

// Parse decodes a manifest with strict field checking and compiles its templates.
// source is only used in error messages.
func Parse(data []byte, source string) (*Prompt, error) {
	var p Prompt
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", source, err)
	}

	switch {
	case p.Name == "":
		return nil, fmt.Errorf("prompt %s missing required field: name", source)
	case p.Version == "":
		return nil, fmt.Errorf("prompt %s missing required field: version", source)
	case strings.TrimSpace(p.System) == "":
		return nil, fmt.Errorf("prompt %s missing required field: system", source)
	case strings.TrimSpace(p.User) == "":
		return nil, fmt.Errorf("prompt %s missing required field: user", source)
	}

	var err error
	if p.systemTmpl, err = template.New(p.Name + ".system").Funcs(funcs).Option("missingkey=error").Parse(p.System); err != nil {
		return nil, fmt.Errorf("prompt %s system template: %w", source, err)
	}
	if p.userTmpl, err = template.New(p.Name + ".user").Funcs(funcs).Option("missingkey=error").Parse(p.User); err != nil {
		return nil, fmt.Errorf("prompt %s user template: %w", source, err)
	}
	if p.ResponseSchema != "" {
		if _, err := p.compiledSchema(); err != nil {
			return nil, fmt.Errorf("prompt %s response schema: %w", source, err)
		}
	}
	return &p, nil
}

// Render executes the system and user templates with data.
func (p *Prompt) Render(data any) (system, user string, err error) {
	var sb, ub bytes.Buffer
	if err := p.systemTmpl.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render %s system prompt: %w", p.Name, err)
	}
	if err := p.userTmpl.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("render %s user prompt: %w", p.Name, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

func (p *Prompt) compiledSchema() (*jsonschema.Schema, error) {
	p.schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		p.schema, p.schemaErr = compiler.Compile([]byte(p.ResponseSchema))
	})
	return p.schema, p.schemaErr
}

// ValidateResponse checks a JSON answer against the prompt's response schema.
// Prompts without a schema accept any well-formed JSON.
func (p *Prompt) ValidateResponse(raw []byte) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%s response is not valid JSON: %w", p.Name, err)
	}
	if p.ResponseSchema == "" {
		return nil
	}

	schema, err := p.compiledSchema()
	if err != nil {
		return fmt.Errorf("compile %s response schema: %w", p.Name, err)
	}
	result := schema.Validate(instance)
	if !result.IsValid() {
		var messages []string
		for field, evalErr := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", field, evalErr.Error()))
		}
		return fmt.Errorf("%s response failed validation: %s", p.Name, strings.Join(messages, "; "))
	}
	return nil
}
