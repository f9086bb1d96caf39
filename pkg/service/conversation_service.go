// Conversation CRUD on top of the persistent store
package service

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

// ConversationService manages conversation rows. Message content flows
// through the orchestrator's store; this service only handles the
// conversation listing itself.
type ConversationService struct {
	gdb    *gorm.DB
	orch   *ChatOrchestrator
	logger *slog.Logger
}

func NewConversationService(gdb *gorm.DB, orch *ChatOrchestrator) *ConversationService {
	return &ConversationService{
		gdb:    gdb,
		orch:   orch,
		logger: utils.GetLogger(),
	}
}

// List returns conversations newest-first with limit/offset pagination.
func (s *ConversationService) List(limit, offset int) (*models.ConversationListResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var conversations []db.Conversation
	err := s.gdb.Where("status = ?", db.ConversationStatusActive).
		Order("updated_at DESC").
		Limit(limit + 1).
		Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}

	hasMore := len(conversations) > limit
	if hasMore {
		conversations = conversations[:limit]
	}
	return &models.ConversationListResponse{Conversations: conversations, HasMore: hasMore}, nil
}

// Get returns a conversation by id.
func (s *ConversationService) Get(id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := s.gdb.First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// Create makes an empty conversation.
func (s *ConversationService) Create(title, modelID, personaID string) (*db.Conversation, error) {
	conv := &db.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		ModelID:   modelID,
		PersonaID: personaID,
		Status:    db.ConversationStatusActive,
	}
	if conv.Title == "" {
		conv.Title = "New conversation"
	}
	if err := s.gdb.Create(conv).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	event.Emit(event.ConversationCreatedEvent{ConversationID: conv.ID})
	return conv, nil
}

// UpdateTitle renames a conversation.
func (s *ConversationService) UpdateTitle(id, title string) error {
	if title == "" {
		return models.NewValidationError("title is empty")
	}
	res := s.gdb.Model(&db.Conversation{}).Where("id = ?", id).Update("title", title)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update title")
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	event.Emit(event.ConversationUpdatedEvent{ConversationID: id})
	return nil
}

// Delete removes a conversation and its messages. Any live stream for the
// conversation is stopped first.
func (s *ConversationService) Delete(id string) error {
	s.orch.StopGeneration(id)
	s.orch.Status().Forget(id)
	s.orch.Store().DropConversation(id)

	if err := s.gdb.Delete(&db.Message{}, "conversation_id = ?", id).Error; err != nil {
		return errors.Wrap(err, "failed to delete messages")
	}
	if err := s.gdb.Delete(&db.Conversation{}, "id = ?", id).Error; err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	event.Emit(event.ConversationDeletedEvent{ConversationID: id})
	return nil
}

// Messages returns the conversation's transcript, loading it into the
// in-memory store on first access after a restart.
func (s *ConversationService) Messages(id string) ([]db.Message, error) {
	store := s.orch.Store()
	if len(store.List(id)) == 0 {
		if err := store.LoadConversation(id); err != nil {
			return nil, errors.Wrap(err, "failed to load conversation")
		}
	}
	return store.List(id), nil
}
