// In-memory message store with write-through persistence
package service

import (
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/utils"
)

// MessagePatch is a partial update applied to a stored message. Nil fields
// are left untouched. Append fields grow the existing buffers, which is how
// streaming deltas arrive.
type MessagePatch struct {
	SetContent      *string
	AppendContent   *string
	AppendReasoning *string
	Status          *string
	FinishReason    *string
	StoppedByUser   *bool
	Citations       *db.Citations
	Usage           *db.TokenUsage
	ImageGen        *db.ImageGenState
	ErrorText       *string
	ClearOptimistic bool
}

// Mutation describes a single store change, delivered synchronously to
// subscribers after the change is applied.
type Mutation struct {
	Kind           MutationKind
	ConversationID string
	MessageID      string
	RemovedIDs     []string
}

type MutationKind string

const (
	MutationAppend   MutationKind = "append"
	MutationPatch    MutationKind = "patch"
	MutationRemove   MutationKind = "remove"
	MutationTruncate MutationKind = "truncate"
	MutationReplace  MutationKind = "replace"
)

// MessageStore owns the ordered message list per conversation. All mutations
// are serialized by one mutex and subscribers are notified synchronously
// before the mutating call returns, so a caller that marks a message stopped
// can rely on observers having seen it. When a gorm handle is configured,
// mutations write through to sqlite so a restart can restore the transcript.
type MessageStore struct {
	mu            sync.Mutex
	conversations map[string][]*db.Message

	subMu   sync.Mutex
	subs    map[int]func(Mutation)
	nextSub int

	gdb    *gorm.DB
	logger *slog.Logger

	janitorStop chan struct{}
	janitorOnce sync.Once
	retainLimit int
}

// NewMessageStore creates a message store. gdb may be nil for a purely
// in-memory store (tests, server mode scratch views).
func NewMessageStore(gdb *gorm.DB) *MessageStore {
	return &MessageStore{
		conversations: make(map[string][]*db.Message),
		subs:          make(map[int]func(Mutation)),
		gdb:           gdb,
		logger:        utils.GetLogger(),
		retainLimit:   500,
	}
}

// Subscribe registers fn for synchronous mutation notification.
// Subscribers must not mutate the store from within the callback.
// Returns an unsubscribe function.
func (s *MessageStore) Subscribe(fn func(Mutation)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *MessageStore) notify(m Mutation) {
	s.subMu.Lock()
	fns := make([]func(Mutation), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
}

// Append adds a message at the end of its conversation's list.
func (s *MessageStore) Append(msg *db.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.UpdatedAt = time.Now()

	s.mu.Lock()
	cp := *msg
	s.conversations[msg.ConversationID] = append(s.conversations[msg.ConversationID], &cp)
	s.mu.Unlock()

	s.persistSave(&cp)
	s.notify(Mutation{Kind: MutationAppend, ConversationID: msg.ConversationID, MessageID: msg.ID})
}

// Patch applies a partial update to a message by id. Patching an unknown id
// is a no-op (late deltas may arrive after truncation or removal) and returns
// false.
func (s *MessageStore) Patch(id string, p MessagePatch) bool {
	s.mu.Lock()
	msg := s.findLocked(id)
	if msg == nil {
		s.mu.Unlock()
		return false
	}

	if p.SetContent != nil {
		msg.Content = *p.SetContent
	}
	if p.AppendContent != nil {
		msg.Content += *p.AppendContent
	}
	if p.AppendReasoning != nil {
		msg.Reasoning += *p.AppendReasoning
	}
	if p.Status != nil {
		msg.Status = *p.Status
	}
	if p.FinishReason != nil {
		msg.FinishReason = *p.FinishReason
	}
	if p.StoppedByUser != nil {
		msg.StoppedByUser = *p.StoppedByUser
	}
	if p.Citations != nil {
		msg.Citations = *p.Citations
	}
	if p.Usage != nil {
		msg.Usage = p.Usage
	}
	if p.ImageGen != nil {
		msg.ImageGen = p.ImageGen
	}
	if p.ErrorText != nil {
		msg.ErrorText = *p.ErrorText
	}
	if p.ClearOptimistic {
		msg.Optimistic = false
	}
	msg.UpdatedAt = time.Now()

	cp := *msg
	convID := msg.ConversationID
	s.mu.Unlock()

	s.persistSave(&cp)
	s.notify(Mutation{Kind: MutationPatch, ConversationID: convID, MessageID: id})
	return true
}

// Remove deletes a message by id. Returns false if it doesn't exist.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	var convID string
	removed := false
	for cid, list := range s.conversations {
		for i, m := range list {
			if m.ID == id {
				s.conversations[cid] = append(list[:i], list[i+1:]...)
				convID = cid
				removed = true
				break
			}
		}
		if removed {
			break
		}
	}
	s.mu.Unlock()

	if !removed {
		return false
	}
	s.persistDelete(id)
	s.notify(Mutation{Kind: MutationRemove, ConversationID: convID, MessageID: id, RemovedIDs: []string{id}})
	return true
}

// TruncateFrom removes the message with the given id and every message after
// it in the same conversation, inclusive. Returns the removed ids.
func (s *MessageStore) TruncateFrom(conversationID, id string) []string {
	s.mu.Lock()
	list := s.conversations[conversationID]
	cut := -1
	for i, m := range list {
		if m.ID == id {
			cut = i
			break
		}
	}
	if cut < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := make([]string, 0, len(list)-cut)
	for _, m := range list[cut:] {
		removed = append(removed, m.ID)
	}
	s.conversations[conversationID] = list[:cut]
	s.mu.Unlock()

	for _, rid := range removed {
		s.persistDelete(rid)
	}
	s.notify(Mutation{Kind: MutationTruncate, ConversationID: conversationID, MessageID: id, RemovedIDs: removed})
	return removed
}

// ReplaceOptimistic swaps a locally created message for its authoritative
// counterpart in place, preserving list position so the UI never sees a
// duplicate or a reorder. Returns false if the optimistic id is gone.
func (s *MessageStore) ReplaceOptimistic(optimisticID string, canonical *db.Message) bool {
	s.mu.Lock()
	list := s.conversations[canonical.ConversationID]
	idx := -1
	for i, m := range list {
		if m.ID == optimisticID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	cp := *canonical
	cp.Optimistic = false
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = list[idx].CreatedAt
	}
	cp.UpdatedAt = time.Now()
	list[idx] = &cp
	s.mu.Unlock()

	if optimisticID != cp.ID {
		s.persistDelete(optimisticID)
	}
	s.persistSave(&cp)
	s.notify(Mutation{Kind: MutationReplace, ConversationID: cp.ConversationID, MessageID: cp.ID})
	return true
}

// Get returns a copy of a message by id, or nil.
func (s *MessageStore) Get(id string) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findLocked(id); m != nil {
		cp := *m
		return &cp
	}
	return nil
}

// List returns a snapshot of the conversation's messages in order.
func (s *MessageStore) List(conversationID string) []db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conversations[conversationID]
	out := make([]db.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// LastMessage returns a copy of the newest message in the conversation, or nil.
func (s *MessageStore) LastMessage(conversationID string) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conversations[conversationID]
	if len(list) == 0 {
		return nil
	}
	cp := *list[len(list)-1]
	return &cp
}

// ActiveAssistant returns a copy of the conversation's assistant message that
// is still in a non-terminal status, or nil. The store invariant is that at
// most one exists at a time.
func (s *MessageStore) ActiveAssistant(conversationID string) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.conversations[conversationID] {
		if m.Role == db.RoleAssistant && m.IsActive() {
			cp := *m
			return &cp
		}
	}
	return nil
}

// LoadConversation populates the in-memory list from the database, replacing
// any existing in-memory view of the conversation.
func (s *MessageStore) LoadConversation(conversationID string) error {
	if s.gdb == nil {
		return nil
	}
	var msgs []db.Message
	if err := s.gdb.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return err
	}

	s.mu.Lock()
	list := make([]*db.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		list = append(list, &m)
	}
	s.conversations[conversationID] = list
	s.mu.Unlock()
	return nil
}

// DropConversation removes a conversation's in-memory view (the database rows
// are untouched).
func (s *MessageStore) DropConversation(conversationID string) {
	s.mu.Lock()
	delete(s.conversations, conversationID)
	s.mu.Unlock()
}

// StartJanitor begins periodic trimming of old terminal messages beyond the
// retention limit. Stop with Close.
func (s *MessageStore) StartJanitor(interval time.Duration) {
	s.janitorStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.janitorStop:
				return
			case <-ticker.C:
				s.trim()
			}
		}
	}()
}

// Close stops the janitor. Safe to call multiple times.
func (s *MessageStore) Close() {
	s.janitorOnce.Do(func() {
		if s.janitorStop != nil {
			close(s.janitorStop)
		}
	})
}

// trim drops the oldest terminal messages beyond the retention limit. Active
// messages are never trimmed.
func (s *MessageStore) trim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, list := range s.conversations {
		over := len(list) - s.retainLimit
		if over <= 0 {
			continue
		}
		kept := make([]*db.Message, 0, len(list))
		for _, m := range list {
			if over > 0 && !m.IsActive() {
				over--
				continue
			}
			kept = append(kept, m)
		}
		s.conversations[cid] = kept
	}
}

func (s *MessageStore) findLocked(id string) *db.Message {
	for _, list := range s.conversations {
		for _, m := range list {
			if m.ID == id {
				return m
			}
		}
	}
	return nil
}

func (s *MessageStore) persistSave(msg *db.Message) {
	if s.gdb == nil || msg.Optimistic {
		return
	}
	if err := s.gdb.Save(msg).Error; err != nil {
		s.logger.Warn("failed to persist message", "messageID", msg.ID, "error", err)
	}
}

func (s *MessageStore) persistDelete(id string) {
	if s.gdb == nil {
		return
	}
	if err := s.gdb.Delete(&db.Message{}, "id = ?", id).Error; err != nil {
		s.logger.Warn("failed to delete message", "messageID", id, "error", err)
	}
}
