// Package mcp defines domain types for Model Context Protocol (MCP)
// integration: server definitions loaded from the servers directory and
// their transport-specific configuration.
package mcp

import (
	"fmt"

	"github.com/convoke-ai/convoke/internal/domain"
)

// TransportType identifies the communication transport for an MCP server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// validTransports is the set of recognized transport types.
var validTransports = map[TransportType]bool{
	TransportStdio:          true,
	TransportSSE:            true,
	TransportStreamableHTTP: true,
}

// ServerDef describes an MCP server configuration. Definitions are loaded
// from YAML files in the configured servers directory.
type ServerDef struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   TransportType     `json:"transport" yaml:"transport"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
}

// Validate checks that the ServerDef has all required fields and consistent
// transport-specific configuration. Returns a domain.ErrValidation-wrapped
// error on failure.
func (s *ServerDef) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrValidation)
	}

	if s.Transport == "" {
		return fmt.Errorf("%w: transport is required", domain.ErrValidation)
	}

	if !validTransports[s.Transport] {
		return fmt.Errorf("%w: invalid transport %q", domain.ErrValidation, s.Transport)
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("%w: command is required for stdio transport", domain.ErrValidation)
		}
	case TransportSSE, TransportStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("%w: url is required for %s transport", domain.ErrValidation, s.Transport)
		}
	}

	return nil
}
