// Database models for chat conversations
package db

import "time"

// Conversation represents a chat conversation. Execution mode (private vs
// server) is a property of the surrounding session, not stored here; RemoteID
// links a local row to its server-side counterpart once one exists.
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	RemoteID  string    `json:"remote_id,omitempty" gorm:"index;size:64"`
	Title     string    `json:"title" gorm:"size:200;default:'New Chat'"`
	ModelID   string    `json:"model_id,omitempty" gorm:"size:100"`
	PersonaID string    `json:"persona_id,omitempty" gorm:"size:36"`
	Status    string    `json:"status" gorm:"size:20;default:'active'"` // active, archived
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Conversation status
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)
