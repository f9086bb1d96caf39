// Chat orchestrator: mode dispatch and lifecycle bookkeeping
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

// ChatOrchestrator is the single entry point for chat operations. It hides
// which engine is active: every operation is dispatched to the private or
// server engine based on the current mode, and the orchestrator alone drives
// the status machine so UI code never inspects engine internals.
type ChatOrchestrator struct {
	store    *MessageStore
	cancels  *CancelController
	status   *ChatStatusMachine
	phases   *PhaseDeriver
	private  *PrivateStreamEngine
	server   *ServerStreamEngine
	modelSvc ModelProvider
	gdb      *gorm.DB
	logger   *slog.Logger

	modeMu sync.RWMutex
	mode   models.ChatMode
}

// NewChatOrchestrator wires the orchestration core together. The engines are
// constructed here so their lifecycle hooks land on the status machine.
func NewChatOrchestrator(gdb *gorm.DB, modelSvc ModelProvider, backend *BackendClient, mode models.ChatMode, phaseDebounce time.Duration) *ChatOrchestrator {
	o := &ChatOrchestrator{
		store:    NewMessageStore(gdb),
		cancels:  NewCancelController(),
		status:   NewChatStatusMachine(),
		modelSvc: modelSvc,
		gdb:      gdb,
		logger:   utils.GetLogger(),
		mode:     mode,
	}
	o.phases = NewPhaseDeriver(o.store, phaseDebounce)

	hooks := EngineHooks{
		FirstDelta: o.onFirstDelta,
		Finished:   o.onFinished,
	}
	o.private = NewPrivateStreamEngine(o.store, o.cancels, modelSvc, hooks)
	o.server = NewServerStreamEngine(o.store, o.cancels, backend, gdb, hooks)

	// Bridge store mutations onto the UI event bus.
	o.store.Subscribe(func(m Mutation) {
		switch m.Kind {
		case MutationRemove, MutationTruncate:
			event.Emit(event.MessageRemovedEvent{
				ConversationID: m.ConversationID,
				MessageIDs:     m.RemovedIDs,
			})
		default:
			event.Emit(event.MessageUpdatedEvent{
				ConversationID: m.ConversationID,
				MessageID:      m.MessageID,
			})
		}
	})

	return o
}

// Store exposes the message store for read paths (handlers, snapshots).
func (o *ChatOrchestrator) Store() *MessageStore { return o.store }

// Status exposes the status machine for read paths.
func (o *ChatOrchestrator) Status() *ChatStatusMachine { return o.status }

// Mode returns the current execution mode.
func (o *ChatOrchestrator) Mode() models.ChatMode {
	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	return o.mode
}

// SendMessage starts a generation turn on an existing conversation.
func (o *ChatOrchestrator) SendMessage(ctx context.Context, req *models.SendMessageRequest) (*StreamSession, error) {
	if req.ConversationID == "" {
		return o.SendMessageToNewConversation(ctx, req)
	}
	o.status.BeginSending(req.ConversationID)

	var (
		session *StreamSession
		err     error
	)
	if o.Mode() == models.ModeServer {
		session, err = o.server.Send(ctx, req)
	} else {
		session, err = o.private.Send(ctx, req)
	}
	if err != nil {
		o.failOperation(req.ConversationID, err)
		return nil, err
	}
	return session, nil
}

// SendMessageToNewConversation creates the conversation lazily, then sends.
func (o *ChatOrchestrator) SendMessageToNewConversation(ctx context.Context, req *models.SendMessageRequest) (*StreamSession, error) {
	conv := &db.Conversation{
		ID:        uuid.New().String(),
		Title:     deriveTitle(req.Content),
		ModelID:   req.Model,
		PersonaID: req.PersonaID,
		Status:    db.ConversationStatusActive,
	}
	if err := o.gdb.Create(conv).Error; err != nil {
		return nil, err
	}
	event.Emit(event.ConversationCreatedEvent{ConversationID: conv.ID})

	sent := *req
	sent.ConversationID = conv.ID
	return o.SendMessage(ctx, &sent)
}

// StopGeneration aborts the conversation's live stream. Stopping an idle
// conversation is a no-op. A stop is a successful terminal state: the store
// reflects "stopped" before this returns, and the status machine lands on
// stopped, not error.
func (o *ChatOrchestrator) StopGeneration(conversationID string) {
	var stopped bool
	if o.Mode() == models.ModeServer {
		stopped = o.server.Stop(conversationID)
	} else {
		stopped = o.private.Stop(conversationID)
	}
	if stopped {
		o.status.MarkStopped(conversationID)
	}
}

// DeleteMessage removes a single message.
func (o *ChatOrchestrator) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if o.Mode() == models.ModeServer {
		return o.server.DeleteMessage(ctx, conversationID, messageID)
	}
	o.store.Remove(messageID)
	return nil
}

// EditMessage rewrites a user message and regenerates from that point. The
// edited message and everything after it are truncated; a fresh turn is
// started with the new content.
func (o *ChatOrchestrator) EditMessage(ctx context.Context, req *models.EditMessageRequest) (*StreamSession, error) {
	if strings.TrimSpace(req.NewContent) == "" {
		return nil, models.NewValidationError("edited content is empty")
	}
	target := o.store.Get(req.MessageID)
	if target == nil || target.Role != db.RoleUser {
		return nil, models.NewValidationError("message not found or not editable")
	}

	o.status.BeginSending(req.ConversationID)

	var (
		session *StreamSession
		err     error
	)
	if o.Mode() == models.ModeServer {
		session, err = o.server.Edit(ctx, req)
	} else {
		// Resolve the model before touching the transcript: a bad model must
		// not destroy messages.
		if _, rerr := o.modelSvc.ResolveModel(req.Model); rerr != nil {
			o.failOperation(req.ConversationID, rerr)
			return nil, rerr
		}
		o.store.TruncateFrom(req.ConversationID, req.MessageID)
		session, err = o.private.Send(ctx, &models.SendMessageRequest{
			ConversationID: req.ConversationID,
			Content:        req.NewContent,
			Model:          req.Model,
			Reasoning:      req.Reasoning,
		})
	}
	if err != nil {
		o.failOperation(req.ConversationID, err)
		return nil, err
	}
	return session, nil
}

// RetryUserMessage regenerates the response to a user message: everything
// after the user message is truncated and a new turn streams in its place.
func (o *ChatOrchestrator) RetryUserMessage(ctx context.Context, conversationID, messageID, model string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	target := o.store.Get(messageID)
	if target == nil || target.Role != db.RoleUser {
		return nil, models.NewValidationError("message not found or not retryable")
	}
	return o.retry(ctx, conversationID, messageID, models.RetryTypeUser, model, reasoning)
}

// RetryAssistantMessage regenerates an assistant message: it is removed along
// with everything after it, and the preceding user message is answered again.
func (o *ChatOrchestrator) RetryAssistantMessage(ctx context.Context, conversationID, messageID, model string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	target := o.store.Get(messageID)
	if target == nil || target.Role != db.RoleAssistant {
		return nil, models.NewValidationError("message not found or not retryable")
	}
	return o.retry(ctx, conversationID, messageID, models.RetryTypeAssistant, model, reasoning)
}

func (o *ChatOrchestrator) retry(ctx context.Context, conversationID, messageID, retryType, model string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	o.status.BeginSending(conversationID)

	var (
		session *StreamSession
		err     error
	)
	if o.Mode() == models.ModeServer {
		session, err = o.server.Retry(ctx, conversationID, messageID, retryType, model, reasoning)
	} else {
		// Resolve the model before truncating so a validation failure leaves
		// the transcript intact.
		if _, rerr := o.modelSvc.ResolveModel(model); rerr != nil {
			o.failOperation(conversationID, rerr)
			return nil, rerr
		}
		if retryType == models.RetryTypeUser {
			// Keep the user message; drop everything after it.
			o.truncateAfter(conversationID, messageID)
		} else {
			o.store.TruncateFrom(conversationID, messageID)
		}
		session, err = o.private.Regenerate(ctx, conversationID, model, "", reasoning)
	}
	if err != nil {
		o.failOperation(conversationID, err)
		return nil, err
	}
	return session, nil
}

// ToggleMode switches between private and server execution. The in-memory
// transcript is preserved for continuity, but a stream never survives the
// switch: every live session is cancelled first.
func (o *ChatOrchestrator) ToggleMode(mode models.ChatMode) error {
	if !mode.Valid() {
		return models.NewValidationError("unknown chat mode")
	}

	o.modeMu.Lock()
	if o.mode == mode {
		o.modeMu.Unlock()
		return nil
	}
	prev := o.mode
	o.mode = mode
	o.modeMu.Unlock()

	for _, key := range o.cancels.LiveKeys() {
		if prev == models.ModeServer {
			o.server.Stop(key)
		} else {
			o.private.Stop(key)
		}
		o.status.MarkStopped(key)
	}

	event.Emit(event.ChatModeChangedEvent{Mode: string(mode)})
	return nil
}

// IsStreaming reports whether the conversation has a live stream in the
// current mode.
func (o *ChatOrchestrator) IsStreaming(conversationID string) bool {
	if o.Mode() == models.ModeServer {
		return o.server.IsStreaming(conversationID)
	}
	return o.private.IsStreaming(conversationID)
}

// Snapshot assembles the UI-facing view of a conversation.
func (o *ChatOrchestrator) Snapshot(conversationID string) *models.ChatSnapshot {
	return &models.ChatSnapshot{
		ConversationID: conversationID,
		Mode:           o.Mode(),
		Status:         o.status.Status(conversationID),
		IsStreaming:    o.IsStreaming(conversationID),
		Messages:       o.store.List(conversationID),
		Phases:         o.phases.Phases(conversationID),
	}
}

// Close tears down derived state and the store janitor.
func (o *ChatOrchestrator) Close() {
	o.phases.Close()
	o.store.Close()
}

func (o *ChatOrchestrator) onFirstDelta(conversationID string) {
	o.status.MarkStreaming(conversationID)
}

func (o *ChatOrchestrator) onFinished(conversationID, status string, err error) {
	switch {
	case err != nil:
		o.status.MarkError(conversationID, err)
		event.Emit(event.NotificationEvent{Level: "error", Message: userMessage(err)})
	case status == db.MessageStatusStopped:
		o.status.MarkStopped(conversationID)
	default:
		o.status.MarkIdle(conversationID)
	}
}

// failOperation handles an error raised before a stream started. Validation
// failures surface as user-visible messages without touching chat status;
// everything else lands the conversation in error.
func (o *ChatOrchestrator) failOperation(conversationID string, err error) {
	if models.IsValidation(err) {
		o.status.MarkIdle(conversationID)
		event.Emit(event.NotificationEvent{Level: "warning", Message: userMessage(err)})
		return
	}
	o.logger.Error("chat operation failed", "conversationID", conversationID, "error", err)
	o.status.MarkError(conversationID, err)
	event.Emit(event.NotificationEvent{Level: "error", Message: userMessage(err)})
}

// truncateAfter removes every message after the given one, exclusive.
func (o *ChatOrchestrator) truncateAfter(conversationID, messageID string) {
	list := o.store.List(conversationID)
	for i := range list {
		if list[i].ID == messageID {
			if i+1 < len(list) {
				o.store.TruncateFrom(conversationID, list[i+1].ID)
			}
			return
		}
	}
}

func userMessage(err error) string {
	var se *models.ServerRequestError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// deriveTitle produces a conversation title from the first message.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return title
}
