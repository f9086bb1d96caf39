package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ChatStatusChanged   = "chat.statusChanged"
	ChatModeChanged     = "chat.modeChanged"
	MessageUpdated      = "message.updated"
	MessageRemoved      = "message.removed"
	PhaseChanged        = "message.phaseChanged"
	ConversationCreated = "conversation.created"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
	JobScheduled        = "job.scheduled"
	JobCompleted        = "job.completed"
	JobFailed           = "job.failed"
	Notification        = "ui.notification"
)

// ============================================================================
// Chat Events
// ============================================================================

// ChatStatusChangedEvent is emitted when the orchestration-level status moves.
type ChatStatusChangedEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

func (e ChatStatusChangedEvent) EventName() string { return ChatStatusChanged }

// ChatModeChangedEvent is emitted after a private/server mode toggle.
type ChatModeChangedEvent struct {
	Mode string `json:"mode"`
}

func (e ChatModeChangedEvent) EventName() string { return ChatModeChanged }

// MessageUpdatedEvent is emitted on every message mutation (append or patch).
type MessageUpdatedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (e MessageUpdatedEvent) EventName() string { return MessageUpdated }

// MessageRemovedEvent is emitted when messages are removed or truncated.
type MessageRemovedEvent struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (e MessageRemovedEvent) EventName() string { return MessageRemoved }

// PhaseChangedEvent is emitted when a message's derived display phase moves.
type PhaseChangedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Phase          string `json:"phase"`
}

func (e PhaseChangedEvent) EventName() string { return PhaseChanged }

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationCreatedEvent is emitted when a conversation is created.
type ConversationCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }

// ConversationUpdatedEvent is emitted when a conversation changes.
type ConversationUpdatedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }

// ConversationDeletedEvent is emitted when a conversation is deleted.
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }

// ============================================================================
// Job Events
// ============================================================================

// JobScheduledEvent is emitted when a background job is scheduled.
type JobScheduledEvent struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

func (e JobScheduledEvent) EventName() string { return JobScheduled }

// JobCompletedEvent is emitted exactly once when a job reaches completed.
type JobCompletedEvent struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

func (e JobCompletedEvent) EventName() string { return JobCompleted }

// JobFailedEvent is emitted exactly once when a job reaches failed.
type JobFailedEvent struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Error   string `json:"error,omitempty"`
}

func (e JobFailedEvent) EventName() string { return JobFailed }

// ============================================================================
// UI Events
// ============================================================================

// NotificationEvent carries a user-visible notification (e.g. a transport
// failure or a finished export).
type NotificationEvent struct {
	Level   string `json:"level"` // info, warning, error
	Message string `json:"message"`
}

func (e NotificationEvent) EventName() string { return Notification }
