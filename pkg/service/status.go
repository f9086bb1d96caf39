// Orchestration-level chat status machine
package service

import (
	"sync"

	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
)

// ChatStatusMachine tracks one orchestration-level status per conversation,
// independent of any single message's phase. Transitions are driven by the
// orchestrator: send begins sending, the first delta moves to streaming, a
// terminal patch returns to idle or stopped, and a failed operation lands in
// error with the cause retained for retry decisions.
type ChatStatusMachine struct {
	mu     sync.Mutex
	status map[string]models.ChatStatus
	errs   map[string]error
}

// NewChatStatusMachine creates a status machine. Unknown conversations report
// idle.
func NewChatStatusMachine() *ChatStatusMachine {
	return &ChatStatusMachine{
		status: make(map[string]models.ChatStatus),
		errs:   make(map[string]error),
	}
}

// Status returns the current status for a conversation.
func (m *ChatStatusMachine) Status(conversationID string) models.ChatStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[conversationID]; ok {
		return s
	}
	return models.ChatIdle
}

// Err returns the retained error for a conversation in the error status, or
// nil.
func (m *ChatStatusMachine) Err(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[conversationID]
}

// CanRetry reports whether the conversation's last failure is retryable. User
// aborts and validation failures are not.
func (m *ChatStatusMachine) CanRetry(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[conversationID] != models.ChatError {
		return false
	}
	err := m.errs[conversationID]
	return err != nil && !models.IsValidation(err)
}

// IsBusy reports whether a generation is in flight for the conversation.
func (m *ChatStatusMachine) IsBusy(conversationID string) bool {
	s := m.Status(conversationID)
	return s == models.ChatSending || s == models.ChatStreaming
}

// BeginSending marks a send in progress and clears any prior error.
func (m *ChatStatusMachine) BeginSending(conversationID string) {
	m.set(conversationID, models.ChatSending, nil)
}

// MarkStreaming records that the first delta has arrived.
func (m *ChatStatusMachine) MarkStreaming(conversationID string) {
	m.mu.Lock()
	// Only a sending conversation advances; a late delta after stop or error
	// must not resurrect the streaming status.
	if m.status[conversationID] != models.ChatSending {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.set(conversationID, models.ChatStreaming, nil)
}

// MarkIdle records a normal completion.
func (m *ChatStatusMachine) MarkIdle(conversationID string) {
	m.set(conversationID, models.ChatIdle, nil)
}

// MarkStopped records a user-initiated stop. Not an error.
func (m *ChatStatusMachine) MarkStopped(conversationID string) {
	m.set(conversationID, models.ChatStopped, nil)
}

// MarkError records a failure and retains the cause.
func (m *ChatStatusMachine) MarkError(conversationID string, err error) {
	m.set(conversationID, models.ChatError, err)
}

func (m *ChatStatusMachine) set(conversationID string, s models.ChatStatus, err error) {
	m.mu.Lock()
	prev := m.status[conversationID]
	if prev == "" {
		prev = models.ChatIdle
	}
	m.status[conversationID] = s
	if err != nil {
		m.errs[conversationID] = err
	} else {
		delete(m.errs, conversationID)
	}
	m.mu.Unlock()

	if prev == s && err == nil {
		return
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	event.Emit(event.ChatStatusChangedEvent{
		ConversationID: conversationID,
		Status:         string(s),
		Error:          errText,
	})
}

// Forget drops all state for a conversation (delete, teardown).
func (m *ChatStatusMachine) Forget(conversationID string) {
	m.mu.Lock()
	delete(m.status, conversationID)
	delete(m.errs, conversationID)
	m.mu.Unlock()
}
