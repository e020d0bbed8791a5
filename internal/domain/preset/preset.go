// Package preset defines expert presets: named sub-agents with their own
// system prompt and model, invokable from a parent conversation.
package preset

import (
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain"
)

// Preset describes one expert available for delegation.
type Preset struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Prompt  string `json:"prompt" yaml:"prompt"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Validate checks that the preset has all required fields.
func (p *Preset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: preset id is required", domain.ErrValidation)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: preset %q: name is required", domain.ErrValidation, p.ID)
	}
	return nil
}
