package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const highlightFields = `{
	"id":        {"type": "string"},
	"text":      {"type": "string"},
	"url":       {"type": "string"},
	"website":   {"type": "string"},
	"title":     {"type": "string"},
	"color":     {"type": "string"},
	"note":      {"type": "string"},
	"timestamp": {"type": "string"}
}`

// Single captures must carry text and url. Batch items may not: malformed
// entries in a pending batch are dropped and counted, not rejected.
var requestSchemas = map[string]string{
	"save_highlight.json": `{
		"type": "object",
		"required": ["highlight"],
		"properties": {
			"highlight": {
				"type": "object",
				"required": ["text", "url"],
				"properties": ` + highlightFields + `
			}
		}
	}`,
	"save_pending.json": `{
		"type": "object",
		"required": ["highlights"],
		"properties": {
			"highlights": {
				"type": "array",
				"items": {"type": "object", "properties": ` + highlightFields + `}
			}
		}
	}`,
	"update_note.json": `{
		"type": "object",
		"required": ["timestamp", "url", "note"],
		"properties": {
			"timestamp": {"type": "string", "minLength": 1},
			"url":       {"type": "string", "minLength": 1},
			"note":      {"type": "string"}
		}
	}`,
	"color_labels.json": `{
		"type": "object",
		"required": ["colorLabels"],
		"properties": {
			"colorLabels": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		}
	}`,
}

type payloadSchemas struct {
	byName map[string]*jsonschema.Schema
}

func compileRequestSchemas() (*payloadSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &payloadSchemas{byName: map[string]*jsonschema.Schema{}}
	for name := range requestSchemas {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = schema
	}
	return out, nil
}

// validate checks body against the named schema. A body that is not JSON
// at all fails the same way as one that does not match.
func (p *payloadSchemas) validate(name string, body []byte) error {
	schema, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(doc)
}
