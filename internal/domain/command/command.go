// Package command defines plugin-declared command descriptors and converts
// them into the two schema forms the pipeline needs: provider function
// definitions and the compact syntax block embedded in system prompts.
package command

import (
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain"
)

// DescriptionLimit caps every description sent to a provider API.
// This is a hard cap, not advisory; providers reject longer fields.
const DescriptionLimit = 1024

// Param declares one typed parameter of a command.
type Param struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
	// Enum restricts a "enum"-typed param. Accepted shapes: a plain list of
	// values, or a map keyed by param name whose value is a list (nested
	// declarations from older plugin configs).
	Enum    any `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// Descriptor is a plugin-declared capability: a unique command name, the
// natural-language instruction injected into the system prompt, and the
// ordered parameter list.
type Descriptor struct {
	Cmd         string  `json:"cmd" yaml:"cmd"`
	Instruction string  `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Params      []Param `json:"params,omitempty" yaml:"params,omitempty"`
	Enabled     bool    `json:"enabled" yaml:"enabled"`
}

// Validate checks the descriptor has a command name and well-formed params.
func (d *Descriptor) Validate() error {
	if d.Cmd == "" {
		return fmt.Errorf("%w: cmd is required", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(d.Params))
	for i := range d.Params {
		if d.Params[i].Name == "" {
			return fmt.Errorf("%w: command %q has an unnamed param", domain.ErrValidation, d.Cmd)
		}
		if seen[d.Params[i].Name] {
			return fmt.Errorf("%w: command %q declares param %q twice", domain.ErrValidation, d.Cmd, d.Params[i].Name)
		}
		seen[d.Params[i].Name] = true
	}
	return nil
}

// truncate caps s at DescriptionLimit characters.
func truncate(s string) string {
	if len(s) > DescriptionLimit {
		return s[:DescriptionLimit]
	}
	return s
}
