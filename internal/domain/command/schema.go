package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FunctionDef is the provider-facing function-calling definition.
type FunctionDef struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  ObjectSchema `json:"parameters"`
}

// ObjectSchema is a JSON-schema object definition for function parameters.
type ObjectSchema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties"`
	Required             []string            `json:"required"`
	AdditionalProperties bool                `json:"additionalProperties"`
}

// Property is one property of an ObjectSchema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// schemaTypes maps declared param types onto JSON-schema type names.
// "str" is the implicit default for anything unrecognized.
var schemaTypes = map[string]string{
	"str":   "string",
	"text":  "string",
	"enum":  "string",
	"int":   "integer",
	"bool":  "boolean",
	"float": "number",
	"dict":  "object",
	"list":  "array",
}

// Schema converts a descriptor into a provider function definition.
// Descriptions are truncated to DescriptionLimit before enum/default hints
// are appended, so the hints may push a property description past the limit;
// the base description alone always honors it.
func Schema(d *Descriptor) FunctionDef {
	props := make(map[string]Property, len(d.Params))
	required := make([]string, 0, len(d.Params))

	for i := range d.Params {
		p := &d.Params[i]
		prop := Property{
			Type:        mapType(p.Type),
			Description: truncate(p.Description),
		}
		if prop.Type == "array" {
			prop.Items = &Property{Type: "string"}
		}
		if values := resolveEnum(p); len(values) > 0 {
			prop.Enum = values
			prop.Description = appendHint(prop.Description, "one of: "+strings.Join(values, ", "))
		}
		if p.Default != nil {
			prop.Description = appendHint(prop.Description, fmt.Sprintf("default: %v", p.Default))
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return FunctionDef{
		Name:        d.Cmd,
		Description: truncate(d.Instruction),
		Parameters: ObjectSchema{
			Type:                 "object",
			Properties:           props,
			Required:             required,
			AdditionalProperties: false,
		},
	}
}

// Schemas converts all enabled descriptors.
func Schemas(descs []Descriptor) []FunctionDef {
	defs := make([]FunctionDef, 0, len(descs))
	for i := range descs {
		if !descs[i].Enabled {
			continue
		}
		defs = append(defs, Schema(&descs[i]))
	}
	return defs
}

func mapType(t string) string {
	if mapped, ok := schemaTypes[t]; ok {
		return mapped
	}
	return "string"
}

func appendHint(desc, hint string) string {
	if desc == "" {
		return "(" + hint + ")"
	}
	return desc + " (" + hint + ")"
}

// resolveEnum extracts enum values from the declared shapes: a flat list,
// or a map keyed by param name holding a list.
func resolveEnum(p *Param) []string {
	switch v := p.Enum.(type) {
	case []string:
		return v
	case []any:
		return stringify(v)
	case map[string]any:
		if nested, ok := v[p.Name].([]any); ok {
			return stringify(nested)
		}
		if nested, ok := v[p.Name].([]string); ok {
			return nested
		}
	}
	return nil
}

func stringify(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// compactParam is the token-budget-sensitive prompt form of a Param.
// Keys are renamed and defaults omitted on purpose: this JSON is embedded
// verbatim into the system prompt.
type compactParam struct {
	Help     string `json:"help,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Type     string `json:"type,omitempty"`
}

// compactCmd is the prompt form of a Descriptor.
type compactCmd struct {
	Help   string                  `json:"help,omitempty"`
	Params map[string]compactParam `json:"params,omitempty"`
}

// CompactSyntax renders enabled descriptors as the compact schema embedded
// in the system prompt: {cmd: {help, params: {name: {help, optional?, type?}}}}.
// required=false becomes optional=true, and the implicit "str" type is
// dropped entirely.
func CompactSyntax(descs []Descriptor) (string, error) {
	out := make(map[string]compactCmd, len(descs))
	for i := range descs {
		if !descs[i].Enabled {
			continue
		}
		c := compactCmd{Help: descs[i].Instruction}
		if len(descs[i].Params) > 0 {
			c.Params = make(map[string]compactParam, len(descs[i].Params))
			for _, p := range descs[i].Params {
				cp := compactParam{
					Help:     p.Description,
					Optional: !p.Required,
				}
				if p.Type != "" && p.Type != "str" {
					cp.Type = p.Type
				}
				c.Params[p.Name] = cp
			}
		}
		out[descs[i].Cmd] = c
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal command syntax: %w", err)
	}
	return string(data), nil
}
