package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaURL = "https://stageline.local/schemas/stageline.schema.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["templates"],
  "properties": {
    "default_template": {"type": "string"},
    "templates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "stages"],
        "properties": {
          "id": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
          "display_name": {"type": "string"},
          "version": {"type": ["string", "number"]},
          "entry_stage": {"type": "string"},
          "stages": {
            "type": "array",
            "items": {
              "type": "object",
              "additionalProperties": false,
              "required": ["id"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "display_name": {"type": "string"},
                "gate_required": {"type": "boolean"},
                "next": {"type": "array", "items": {"type": "string"}}
              }
            }
          },
          "gates": {
            "type": "array",
            "items": {
              "type": "object",
              "additionalProperties": false,
              "required": ["key", "stage"],
              "properties": {
                "key": {"type": "string", "minLength": 1},
                "display_name": {"type": "string"},
                "stage": {"type": "string"},
                "requires": {"type": "array", "items": {"type": "string"}},
                "sequence": {"type": "integer", "minimum": 0},
                "description": {"type": "string"},
                "checklist": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    },
    "notifications": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "webhooks": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["url"],
            "properties": {
              "url": {"type": "string", "pattern": "^https?://"},
              "secret": {"type": "string"},
              "events": {"type": "array", "items": {"type": "string"}}
            }
          }
        },
        "slack": {
          "type": "object",
          "properties": {"channel": {"type": "string"}}
        },
        "redis": {
          "type": "object",
          "properties": {"channel": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
			compileErr = fmt.Errorf("config schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// validateDocument checks the raw YAML document shape. YAML is round-tripped
// through JSON so the validator sees plain JSON values.
func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("config is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
