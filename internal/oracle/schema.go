package oracle

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const sectionEnum = `["progress", "blockers", "decisions", "next_steps", "risks"]`

var schemaSources = map[string]string{
	"project_matches": `{
  "type": "object",
  "required": ["matches"],
  "properties": {
    "matches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["project_id", "confidence"],
        "properties": {
          "project_id": {"type": "string", "minLength": 1},
          "confidence": {"type": "number"},
          "rationale": {"type": ["string", "null"]}
        }
      }
    }
  }
}`,
	"status_items": `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["section", "text"],
        "properties": {
          "section": {"enum": ` + sectionEnum + `},
          "text": {"type": "string", "minLength": 1},
          "owner": {"type": ["string", "null"]},
          "project_ids": {"type": ["array", "null"], "items": {"type": "string"}}
        }
      }
    }
  }
}`,
	"activity": `{
  "type": "object",
  "required": ["section"],
  "properties": {
    "section": {"enum": ` + strings.TrimSuffix(sectionEnum, "]") + `, null]},
    "summary": {"type": ["string", "null"]}
  }
}`,
}

type schemas struct {
	projectMatches *jsonschema.Schema
	statusItems    *jsonschema.Schema
	activity       *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", name, err)
		}
		if err := c.AddResource(schemaURL(name), doc); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", name, err)
		}
	}

	var s schemas
	for name, dst := range map[string]**jsonschema.Schema{
		"project_matches": &s.projectMatches,
		"status_items":    &s.statusItems,
		"activity":        &s.activity,
	} {
		sch, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", name, err)
		}
		*dst = sch
	}
	return &s, nil
}

func schemaURL(name string) string {
	return "https://projectpulse.local/schemas/" + name + ".json"
}

// validate checks a raw JSON document against sch.
func validate(sch *jsonschema.Schema, raw string) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
