// Package protocol defines the messages exchanged between forseti and an
// engine process. Messages travel as one JSON object per line over the
// engine's stdin (requests) and stdout (responses).
package protocol

import (
	"github.com/ipsix/forseti/internal/lint"
)

type MessageType string

const (
	TypeHandshake MessageType = "handshake"
	TypeLint      MessageType = "lint"
	TypeShutdown  MessageType = "shutdown"
	// TypeFile is a streamed per-file chunk of a lint response.
	TypeFile  MessageType = "file"
	TypeError MessageType = "error"
)

type File struct {
	Path        string `json:"path"`
	ContentHint string `json:"content_hint,omitempty"`
}

type Capability struct {
	Patterns []string `json:"patterns"`
	RuleIDs  []string `json:"rule_ids"`
}

// Message is the single envelope for every request and response. Only the
// fields relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`
	ID   uint64      `json:"id"`

	// handshake response
	EngineID     string       `json:"engine_id,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`

	// lint request
	Files         []File       `json:"files,omitempty"`
	RulesetConfig lint.Ruleset `json:"ruleset_config,omitempty"`

	// file chunk / lint response
	Path        string            `json:"path,omitempty"`
	Diagnostics []lint.Diagnostic `json:"diagnostics,omitempty"`

	// error response
	Message string `json:"message,omitempty"`
}

func HandshakeRequest(id uint64) Message {
	return Message{Type: TypeHandshake, ID: id}
}

func LintRequest(id uint64, files []File, ruleset lint.Ruleset) Message {
	return Message{Type: TypeLint, ID: id, Files: files, RulesetConfig: ruleset}
}

func ShutdownRequest(id uint64) Message {
	return Message{Type: TypeShutdown, ID: id}
}
