// API types for chat orchestration
package models

import (
	"github.com/quillchat/quillchat/pkg/db"
)

// ========== Type aliases for database types ==========
// These allow other packages to use models.Message instead of db.Message

type Conversation = db.Conversation
type Message = db.Message
type Citation = db.Citation
type Attachment = db.Attachment
type TokenUsage = db.TokenUsage
type ImageGenState = db.ImageGenState
type Job = db.Job
type JobResult = db.JobResult

// ========== Constant aliases from db package ==========

// Message status constants
const (
	MessageStatusPending   = db.MessageStatusPending
	MessageStatusThinking  = db.MessageStatusThinking
	MessageStatusSearching = db.MessageStatusSearching
	MessageStatusReading   = db.MessageStatusReading
	MessageStatusStreaming = db.MessageStatusStreaming
	MessageStatusDone      = db.MessageStatusDone
	MessageStatusStopped   = db.MessageStatusStopped
	MessageStatusError     = db.MessageStatusError
)

// Message roles
const (
	RoleUser      = db.RoleUser
	RoleAssistant = db.RoleAssistant
	RoleSystem    = db.RoleSystem
	RoleContext   = db.RoleContext
)

// Finish reasons
const (
	FinishReasonStop      = db.FinishReasonStop
	FinishReasonLength    = db.FinishReasonLength
	FinishReasonError     = db.FinishReasonError
	FinishReasonCancelled = db.FinishReasonCancelled
)

// Job constants
const (
	JobTypeExport     = db.JobTypeExport
	JobTypeImport     = db.JobTypeImport
	JobTypeBulkDelete = db.JobTypeBulkDelete

	JobStatusScheduled = db.JobStatusScheduled
	JobStatusRunning   = db.JobStatusRunning
	JobStatusCompleted = db.JobStatusCompleted
	JobStatusFailed    = db.JobStatusFailed
	JobStatusCanceled  = db.JobStatusCanceled
)

// ========== Execution mode ==========

// ChatMode selects which engine performs generation.
type ChatMode string

const (
	ModePrivate ChatMode = "private" // client talks directly to a model provider
	ModeServer  ChatMode = "server"  // a remote service performs the generation
)

// Valid reports whether the mode is one of the two supported values.
func (m ChatMode) Valid() bool {
	return m == ModePrivate || m == ModeServer
}

// ========== Chat status ==========

// ChatStatus is the orchestration-level state, independent of any single
// message's status.
type ChatStatus string

const (
	ChatIdle      ChatStatus = "idle"
	ChatSending   ChatStatus = "sending"
	ChatStreaming ChatStatus = "streaming"
	ChatStopped   ChatStatus = "stopped"
	ChatError     ChatStatus = "error"
)

// ========== Display phase ==========

// Phase is the debounced, UI-facing display state of an in-flight assistant
// message, derived from message fields rather than stored.
type Phase string

const (
	PhaseAwaiting   Phase = "awaiting"
	PhasePrecontent Phase = "precontent"
	PhaseStreaming  Phase = "streaming"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// PhaseRank orders phases for monotonic forward progress. Once a message has
// reached streaming or complete it must never be shown as precontent again.
func PhaseRank(p Phase) int {
	switch p {
	case PhasePrecontent:
		return 1
	case PhaseStreaming:
		return 2
	case PhaseComplete:
		return 3
	case PhaseError:
		return 4
	}
	return 0
}

// ========== Requests ==========

// ReasoningConfig controls provider-side thinking/reasoning output.
type ReasoningConfig struct {
	Enabled      bool   `json:"enabled"`
	Effort       string `json:"effort,omitempty"` // low, medium, high
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SendMessageRequest asks the orchestrator to append a user message and start
// a generation turn.
type SendMessageRequest struct {
	ConversationID string           `json:"conversation_id,omitempty"` // empty = create on demand
	Content        string           `json:"content"`
	Attachments    []Attachment     `json:"attachments,omitempty"`
	Model          string           `json:"model,omitempty"`
	PersonaID      string           `json:"persona_id,omitempty"`
	Reasoning      *ReasoningConfig `json:"reasoning,omitempty"`
}

// EditMessageRequest rewrites a user message and regenerates from that point.
type EditMessageRequest struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	NewContent     string           `json:"new_content"`
	Model          string           `json:"model,omitempty"`
	Reasoning      *ReasoningConfig `json:"reasoning,omitempty"`
}

// Retry type for RetryFromMessage
const (
	RetryTypeUser      = "user"
	RetryTypeAssistant = "assistant"
)

// ========== Responses ==========

// ChatSnapshot is what the UI polls/receives: the message list plus derived
// state for the conversation.
type ChatSnapshot struct {
	ConversationID string     `json:"conversation_id"`
	Mode           ChatMode   `json:"mode"`
	Status         ChatStatus `json:"status"`
	IsStreaming    bool       `json:"is_streaming"`
	Messages       []Message  `json:"messages"`
	// Phases maps assistant message ids to their current display phase.
	Phases map[string]Phase `json:"phases,omitempty"`
}

// ConversationListResponse represents the response for listing conversations
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}
