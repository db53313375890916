package graph

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor picks a document format from a content type or file name.
func FormatFor(hint string) Format {
	hint = strings.ToLower(hint)
	if strings.Contains(hint, "yaml") || strings.HasSuffix(hint, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Document is the registration form of a workflow: nodes as a list, edges
// as from/to pairs.
type Document struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

var documentSchema = jsonschema.MustCompileString("workflow.schema.json", workflowSchema)

func ParseDocument(data []byte, format Format) (*Document, error) {
	raw := data
	if format == FormatYAML {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, &SchemaError{Err: fmt.Errorf("parse yaml: %w", err)}
		}
		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, &SchemaError{Err: fmt.Errorf("convert yaml: %w", err)}
		}
		raw = converted
	}
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Err: err}
	}
	return &doc, nil
}

// ValidateDocument checks raw JSON against the workflow document schema.
func ValidateDocument(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &SchemaError{Err: fmt.Errorf("parse json: %w", err)}
	}
	if err := documentSchema.Validate(v); err != nil {
		return &SchemaError{Err: err}
	}
	return nil
}

func (doc *Document) Definition() (*Definition, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, &DefinitionError{Reason: "name is required"}
	}
	def, err := Build(doc.Nodes, doc.Edges)
	if err != nil {
		return nil, err
	}
	def.Name = doc.Name
	def.Description = doc.Description
	return def, nil
}
