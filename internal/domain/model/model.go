// Package model defines provider model entries and their capability flags.
package model

import (
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/mode"
)

// Model describes one configured model and the modes in which the provider
// supports native tool calls for it.
type Model struct {
	ID            string      `json:"id" yaml:"id"`
	Provider      string      `json:"provider,omitempty" yaml:"provider,omitempty"`
	ToolCallModes []mode.Mode `json:"tool_call_modes,omitempty" yaml:"tool_call_modes,omitempty"`
}

// Validate checks that the model entry is well-formed.
func (m *Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: model id is required", domain.ErrValidation)
	}
	for _, md := range m.ToolCallModes {
		if !mode.Valid(md) {
			return fmt.Errorf("%w: model %q: unknown mode %q", domain.ErrValidation, m.ID, md)
		}
	}
	return nil
}

// AllowsToolCalls reports whether native tool calls are supported for the
// given mode.
func (m *Model) AllowsToolCalls(md mode.Mode) bool {
	for _, allowed := range m.ToolCallModes {
		if allowed == md {
			return true
		}
	}
	return false
}
