package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/models"
)

func newConversationService(t *testing.T) (*ConversationService, *ChatOrchestrator, *gorm.DB) {
	t.Helper()
	gdb, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	orch := NewChatOrchestrator(gdb, &fakeProvider{model: &fakeChatModel{}}, NewBackendClient("http://127.0.0.1:1"), models.ModePrivate, time.Hour)
	t.Cleanup(orch.Close)
	return NewConversationService(gdb, orch), orch, gdb
}

func TestConversationService_CreateAndGet(t *testing.T) {
	svc, _, _ := newConversationService(t)

	conv, err := svc.Create("", "gpt", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.Title != "New conversation" {
		t.Fatalf("default title = %q, want %q", conv.Title, "New conversation")
	}

	got, err := svc.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != conv.ID || got.ModelID != "gpt" {
		t.Fatalf("Get() = %+v, want created conversation", got)
	}

	if _, err := svc.Get("missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("Get(missing) error = %v, want record not found", err)
	}
}

func TestConversationService_ListPagination(t *testing.T) {
	svc, _, _ := newConversationService(t)

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(fmt.Sprintf("conv %d", i), "", ""); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	page, err := svc.List(3, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Conversations) != 3 {
		t.Fatalf("List() returned %d conversations, want 3", len(page.Conversations))
	}
	if !page.HasMore {
		t.Fatalf("HasMore = false with 5 conversations and limit 3")
	}

	rest, err := svc.List(3, 3)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rest.Conversations) != 2 {
		t.Fatalf("second page has %d conversations, want 2", len(rest.Conversations))
	}
	if rest.HasMore {
		t.Fatalf("HasMore = true on the last page")
	}
}

func TestConversationService_UpdateTitle(t *testing.T) {
	svc, _, _ := newConversationService(t)
	conv, err := svc.Create("old", "", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := svc.UpdateTitle(conv.ID, "new title"); err != nil {
		t.Fatalf("UpdateTitle() error = %v", err)
	}
	got, err := svc.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "new title" {
		t.Fatalf("title = %q, want %q", got.Title, "new title")
	}

	if err := svc.UpdateTitle(conv.ID, ""); !models.IsValidation(err) {
		t.Fatalf("UpdateTitle(empty) error = %v, want validation", err)
	}
	if err := svc.UpdateTitle("missing", "x"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("UpdateTitle(missing) error = %v, want record not found", err)
	}
}

func TestConversationService_DeleteRemovesEverything(t *testing.T) {
	svc, orch, gdb := newConversationService(t)
	conv, err := svc.Create("doomed", "", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	appendMsg(orch.Store(), conv.ID, "m1", db.RoleUser, "hello", db.MessageStatusDone)

	if err := svc.Delete(conv.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := svc.Get(conv.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("Get() after delete error = %v, want record not found", err)
	}
	var count int64
	if err := gdb.Model(&db.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("%d message rows remain after delete, want 0", count)
	}
	if got := len(orch.Store().List(conv.ID)); got != 0 {
		t.Fatalf("in-memory store still has %d messages", got)
	}
}

func TestConversationService_MessagesLoadsFromDisk(t *testing.T) {
	svc, orch, gdb := newConversationService(t)
	conv, err := svc.Create("persisted", "", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := gdb.Create(&db.Message{
		ID:             "m1",
		ConversationID: conv.ID,
		Role:           db.RoleUser,
		Content:        "restored after restart",
		Status:         db.MessageStatusDone,
	}).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}

	// The in-memory store has never seen this conversation.
	if got := len(orch.Store().List(conv.ID)); got != 0 {
		t.Fatalf("store preloaded %d messages, want 0", got)
	}

	msgs, err := svc.Messages(conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "restored after restart" {
		t.Fatalf("Messages() = %v, want the persisted row", msgs)
	}
}
