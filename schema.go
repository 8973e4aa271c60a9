package maestro

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// definitionSchema is the JSON schema every workflow definition document
// must satisfy before it is unmarshaled into Options. Structural checks
// beyond the schema (edge targets, per-type requirements) live in New.
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string"},
		"description": {"type": "string"},
		"context": {"type": "object"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {
						"type": "string",
						"enum": ["task", "decision", "approval", "parallel", "group_chat", "handoff", "sub_workflow"]
					},
					"handler": {"type": "string"},
					"parameters": {"type": "object"},
					"store": {"type": "string"},
					"end": {"type": "boolean"},
					"next": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["step"],
							"properties": {
								"step": {"type": "string"},
								"condition": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

// ValidateDefinitionYAML validates a workflow definition document against
// the definition schema.
func ValidateDefinitionYAML(data string) error {
	var doc any
	if err := yaml.Unmarshal([]byte(data), &doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("failed to parse definition: %v", err)}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %v", err)}
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return &ValidationError{Message: strings.Join(msgs, "; ")}
	}
	return nil
}
