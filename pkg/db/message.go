// Database models for chat messages
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Message represents a single chat message.
// One Message.ID = one complete message visible to the user. During streaming
// the content and reasoning fields grow in place; the row is updated as deltas
// arrive so a restart can recover the partial transcript.
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	// Core fields
	Role    string `json:"role" gorm:"size:20;not null"` // user, assistant, system, context
	Content string `json:"content" gorm:"type:text"`

	// Reasoning/thinking output, kept separate from content
	Reasoning string `json:"reasoning,omitempty" gorm:"type:text"`

	Citations   Citations   `json:"citations,omitempty" gorm:"type:text"`
	Attachments Attachments `json:"attachments,omitempty" gorm:"type:text"`

	// Status and metadata
	Status        string      `json:"status" gorm:"size:20;default:'done'"` // see MessageStatus* constants
	FinishReason  string      `json:"finish_reason,omitempty" gorm:"size:20"`
	StoppedByUser bool        `json:"stopped_by_user,omitempty" gorm:"default:false"`
	Usage         *TokenUsage `json:"usage,omitempty" gorm:"type:text"`

	// Structured image-generation sub-state, when this message carries one
	ImageGen *ImageGenState `json:"image_gen,omitempty" gorm:"type:text"`

	// ErrorText holds a user-facing description when Status is error
	ErrorText string `json:"error_text,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Optimistic marks a locally created, not-yet-confirmed message.
	// Never persisted; the authoritative replacement clears it.
	Optimistic bool `json:"optimistic,omitempty" gorm:"-"`
}

func (*Message) TableName() string {
	return "messages"
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleContext   = "context"
)

// Message status. The first five are non-terminal ("active"); the last three
// are terminal.
const (
	MessageStatusPending   = "pending"
	MessageStatusThinking  = "thinking"
	MessageStatusSearching = "searching"
	MessageStatusReading   = "reading"
	MessageStatusStreaming = "streaming"
	MessageStatusDone      = "done"
	MessageStatusStopped   = "stopped"
	MessageStatusError     = "error"
)

// Finish reasons
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonError     = "error"
	FinishReasonCancelled = "cancelled"
)

// IsTerminalStatus reports whether a message status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case MessageStatusDone, MessageStatusStopped, MessageStatusError:
		return true
	}
	return false
}

// IsActive reports whether the message is still being produced.
func (m *Message) IsActive() bool {
	return !IsTerminalStatus(m.Status)
}

// TerminalRank orders terminal statuses for reconciliation: when local and
// authoritative state disagree, the higher rank wins (error > stopped > done).
// Non-terminal statuses rank lowest.
func TerminalRank(status string) int {
	switch status {
	case MessageStatusError:
		return 3
	case MessageStatusStopped:
		return 2
	case MessageStatusDone:
		return 1
	}
	return 0
}

// ========== Image generation sub-state ==========

// Image generation status
const (
	ImageGenScheduled = "scheduled"
	ImageGenSucceeded = "succeeded"
	ImageGenFailed    = "failed"
	ImageGenCanceled  = "canceled"
)

// ImageGenState tracks an in-message image generation request.
type ImageGenState struct {
	Status string   `json:"status"` // scheduled, succeeded, failed, canceled
	Prompt string   `json:"prompt,omitempty"`
	URLs   []string `json:"urls,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Value implements driver.Valuer for database storage
func (s *ImageGenState) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database retrieval
func (s *ImageGenState) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// ========== Citations ==========

// Citation is a single source reference attached to an assistant message.
type Citation struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Citations is a slice of Citation stored as JSON.
type Citations []Citation

// Value implements driver.Valuer for database storage
func (c *Citations) Value() (driver.Value, error) {
	if c == nil || len(*c) == 0 {
		return nil, nil
	}
	return json.Marshal(*c)
}

// Scan implements sql.Scanner for database retrieval
func (c *Citations) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, c)
}

// ========== Attachments ==========

// Attachment references an uploaded file included with a message. Upload and
// storage mechanics live outside this layer; only the reference is kept here.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Attachments is a slice of Attachment stored as JSON.
type Attachments []Attachment

// Value implements driver.Valuer for database storage
func (a *Attachments) Value() (driver.Value, error) {
	if a == nil || len(*a) == 0 {
		return nil, nil
	}
	return json.Marshal(*a)
}

// Scan implements sql.Scanner for database retrieval
func (a *Attachments) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// ========== Token usage ==========

// TokenUsage represents token usage statistics
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Value implements driver.Valuer for database storage
func (t *TokenUsage) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	if t.TotalTokens == 0 && t.PromptTokens == 0 && t.CompletionTokens == 0 {
		return nil, nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner for database retrieval
func (t *TokenUsage) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, t)
}
