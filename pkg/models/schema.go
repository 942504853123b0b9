package models

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType is the expected JSON type of a payload field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldList   FieldType = "list"
)

// Schema is the explicit expected shape of one category's payload. Payloads
// are checked structurally against it rather than by attribute probing.
type Schema struct {
	Category Category
	Required map[string]FieldType
	Optional map[string]FieldType
}

var schemas = map[Category]*Schema{
	CategoryCode: {
		Category: CategoryCode,
		Required: map[string]FieldType{
			"title":    FieldString,
			"filename": FieldString,
			"language": FieldString,
			"content":  FieldString,
		},
		Optional: map[string]FieldType{"description": FieldString},
	},
	CategoryConfig: {
		Category: CategoryConfig,
		Required: map[string]FieldType{
			"title":    FieldString,
			"filename": FieldString,
			"format":   FieldString,
			"content":  FieldString,
		},
	},
	CategoryDocs: {
		Category: CategoryDocs,
		Required: map[string]FieldType{
			"title":   FieldString,
			"content": FieldString,
		},
		Optional: map[string]FieldType{"filename": FieldString},
	},
	CategoryLog: {
		Category: CategoryLog,
		Required: map[string]FieldType{
			"title":   FieldString,
			"source":  FieldString,
			"content": FieldString,
		},
	},
	CategoryTicket: {
		Category: CategoryTicket,
		Required: map[string]FieldType{
			"title":    FieldString,
			"priority": FieldString,
			"status":   FieldString,
			"content":  FieldString,
		},
		Optional: map[string]FieldType{"labels": FieldList},
	},
	CategoryShell: {
		Category: CategoryShell,
		Required: map[string]FieldType{
			"title":   FieldString,
			"shell":   FieldString,
			"content": FieldString,
		},
	},
}

// SchemaFor returns the schema value for a category, or nil for an unknown
// category.
func SchemaFor(c Category) *Schema {
	return schemas[c]
}

// Hint renders a compact, prompt-ready description of the schema.
func (s *Schema) Hint() string {
	keys := make([]string, 0, len(s.Required))
	for k := range s.Required {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: %s", k, s.Required[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
