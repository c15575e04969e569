package types

import (
	"errors"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of a canonical message stream
type Message struct {
	Index     int // Position within the conversation (0-based)
	Role      Role
	Content   string
	Timestamp time.Time
}

// Conversation holds the metadata of one indexed transcript
type Conversation struct {
	ID           string
	Title        string
	Project      string
	Tool         string
	FilePath     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	ChunkCount   int
	IndexedAt    time.Time
}

// Validate checks the fields required before a conversation is stored
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation id is required")
	}
	if c.FilePath == "" {
		return errors.New("conversation file path is required")
	}
	if c.MessageCount < 0 {
		return errors.New("message count must be non-negative")
	}
	if !c.CreatedAt.IsZero() && !c.UpdatedAt.IsZero() && c.UpdatedAt.Before(c.CreatedAt) {
		return errors.New("updated_at must not precede created_at")
	}
	return nil
}
