package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jimdaga/postflow/internal/logging"
)

const validManifest = `name: greet
description: test prompt
version: "1"
system: You greet people.
user: Say hello to {{.Name}}.
response_schema: |
  {"type": "object", "required": ["greeting"], "properties": {"greeting": {"type": "string", "minLength": 1}}}
`

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(validManifest+"temprature: 0.2\n"), "typo.yaml")
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseRequiresFields(t *testing.T) {
	cases := map[string]string{
		"name":    "version: \"1\"\nsystem: s\nuser: u\n",
		"version": "name: x\nsystem: s\nuser: u\n",
		"system":  "name: x\nversion: \"1\"\nuser: u\n",
		"user":    "name: x\nversion: \"1\"\nsystem: s\n",
	}
	for field, manifest := range cases {
		_, err := Parse([]byte(manifest), field+".yaml")
		if err == nil || !strings.Contains(err.Error(), field) {
			t.Errorf("missing %s: got %v", field, err)
		}
	}
}

func TestParseRejectsBrokenSchema(t *testing.T) {
	manifest := "name: x\nversion: \"1\"\nsystem: s\nuser: u\nresponse_schema: '{\"type\": '\n"
	if _, err := Parse([]byte(manifest), "broken.yaml"); err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestRender(t *testing.T) {
	p, err := Parse([]byte(validManifest), "greet.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	system, user, err := p.Render(struct{ Name string }{"Ada"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if system != "You greet people." || user != "Say hello to Ada." {
		t.Errorf("rendered %q / %q", system, user)
	}
	if _, _, err := p.Render(struct{ Other string }{"x"}); err == nil {
		t.Error("expected error for missing template field")
	}
}

func TestValidateResponse(t *testing.T) {
	p, err := Parse([]byte(validManifest), "greet.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := p.ValidateResponse([]byte(`{"greeting":"hi"}`)); err != nil {
		t.Errorf("valid response rejected: %v", err)
	}
	if err := p.ValidateResponse([]byte(`{"greeting":""}`)); err == nil {
		t.Error("empty greeting accepted")
	}
	if err := p.ValidateResponse([]byte(`{}`)); err == nil {
		t.Error("missing greeting accepted")
	}
	if err := p.ValidateResponse([]byte(`not json`)); err == nil {
		t.Error("non-JSON accepted")
	}
}

func TestDefaultsContainBuiltins(t *testing.T) {
	r, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}
	for _, name := range []string{NormalizeTranscript, GenerateTitle, ExtractInsights, DraftPosts} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("missing built-in prompt %s", name)
		}
	}
}

func TestDraftPostsTemplateNumbersInsights(t *testing.T) {
	r, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}
	p, _ := r.Get(DraftPosts)
	type insight struct{ Title, Summary string }
	data := struct {
		Transcript string
		Limit      int
		Insights   []insight
	}{
		Transcript: "t",
		Limit:      2,
		Insights:   []insight{{"Hire slow", "Take time."}, {"Ship weekly", "Cadence wins."}},
	}
	_, user, err := p.Render(data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(user, "1. Hire slow") || !strings.Contains(user, "2. Ship weekly") {
		t.Errorf("insights not numbered:\n%s", user)
	}
}

func TestLoadOverridesAndSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	override := strings.Replace(validManifest, "name: greet", "name: "+GenerateTitle, 1)
	if err := os.WriteFile(filepath.Join(dir, "title.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(dir, logging.Discard())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, _ := r.Get(GenerateTitle)
	if p.Version != "1" || p.Description != "test prompt" {
		t.Errorf("override not applied: %+v", p)
	}
	if r.Count() != 4 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	p, err := Parse([]byte(validManifest), "greet.yaml")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(p); err == nil {
		t.Error("duplicate registration accepted")
	}
	if list := r.List(); len(list) != 1 || list[0].Name != "greet" {
		t.Errorf("List = %v", list)
	}
}
