// Package memory provides the in-process conversation working memory
// that drives the reasoning backend: an ordered, append-only message
// history per conversation, bounded in size by the eviction filter.
//
// This is working memory only. Durable transcripts for display and
// auditing are the archive package's concern.
package memory

import (
	"time"

	"github.com/datatalk-ai/datatalk/internal/artifact"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser is the inbound user query.
	RoleUser Role = "user"
	// RoleAssistant is the backend's reply.
	RoleAssistant Role = "assistant"
	// RoleTool is the output of a tool invocation made by the backend.
	RoleTool Role = "tool"
)

// Message is one entry in a conversation history. Content holds plain
// text; Artifact holds a structured result instead when the entry is a
// table or chart. Exactly one of the two is meaningful.
//
// Messages are append-only within a conversation: eviction may shrink
// Content but never reorders, duplicates, or drops a message.
type Message struct {
	Role      Role               `json:"role"`
	Content   string             `json:"content,omitempty"`
	Artifact  *artifact.Artifact `json:"artifact,omitempty"`
	SizeBytes int                `json:"size_bytes"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewTextMessage builds a plain text message, stamping size and time.
func NewTextMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		SizeBytes: len(content),
		Timestamp: time.Now().UTC(),
	}
}

// NewArtifactMessage builds a message carrying a structured artifact.
func NewArtifactMessage(role Role, a artifact.Artifact) Message {
	return Message{
		Role:      role,
		Artifact:  &a,
		SizeBytes: a.SizeBytes(),
		Timestamp: time.Now().UTC(),
	}
}

// IsStructured reports whether the message carries a structured
// artifact rather than raw text.
func (m Message) IsStructured() bool {
	return m.Artifact != nil
}
