package service

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
)

func newTestOrchestrator(t *testing.T, fake *fakeChatModel) (*ChatOrchestrator, *gorm.DB) {
	t.Helper()
	gdb, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	backend := NewBackendClient("http://127.0.0.1:1")
	orch := NewChatOrchestrator(gdb, &fakeProvider{model: fake}, backend, models.ModePrivate, time.Hour)
	t.Cleanup(orch.Close)
	return orch, gdb
}

func doneChunks(text string) []*schema.Message {
	return []*schema.Message{
		{Role: schema.Assistant, Content: text},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
	}
}

func TestOrchestrator_SendToNewConversation(t *testing.T) {
	orch, gdb := newTestOrchestrator(t, &fakeChatModel{chunks: doneChunks("hello there")})

	var created []string
	off := event.On(event.ConversationCreated, func(ev event.Event) {
		created = append(created, ev.(event.ConversationCreatedEvent).ConversationID)
	})
	defer off()

	session, err := orch.SendMessage(context.Background(), &models.SendMessageRequest{
		Content: "what is the capital of France, and why is it Paris specifically",
		Model:   "test-model",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitDone(t, session)

	if len(created) != 1 {
		t.Fatalf("ConversationCreated fired %d times, want 1", len(created))
	}
	convID := created[0]
	if session.ConversationID != convID {
		t.Fatalf("session conversation = %s, want %s", session.ConversationID, convID)
	}

	var conv db.Conversation
	if err := gdb.First(&conv, "id = ?", convID).Error; err != nil {
		t.Fatalf("conversation row missing: %v", err)
	}
	if conv.Title == "" || len([]rune(conv.Title)) > 61 {
		t.Fatalf("derived title = %q, want non-empty and capped", conv.Title)
	}

	if got := orch.Status().Status(convID); got != models.ChatIdle {
		t.Fatalf("status after completion = %q, want idle", got)
	}

	snap := orch.Snapshot(convID)
	if len(snap.Messages) != 2 {
		t.Fatalf("snapshot has %d messages, want 2", len(snap.Messages))
	}
	if snap.Messages[1].Content != "hello there" {
		t.Fatalf("assistant content = %q", snap.Messages[1].Content)
	}
}

func TestOrchestrator_StopIdleIsNoop(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{})

	orch.StopGeneration("never-started")
	if got := orch.Status().Status("never-started"); got != models.ChatIdle {
		t.Fatalf("status after idle stop = %q, want idle", got)
	}
}

func TestOrchestrator_StopReflectsBeforeReturn(t *testing.T) {
	reader, writer := schema.Pipe[*schema.Message](1)
	fake := &fakeChatModel{reader: reader}
	orch, _ := newTestOrchestrator(t, fake)

	session, err := orch.SendMessage(context.Background(), &models.SendMessageRequest{
		ConversationID: "c1",
		Content:        "go",
		Model:          "test-model",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	writer.Send(&schema.Message{Role: schema.Assistant, Content: "part"}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m := orch.Store().Get(session.MessageID); m != nil && m.Content != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	orch.StopGeneration("c1")

	msg := orch.Store().Get(session.MessageID)
	if msg.Status != db.MessageStatusStopped {
		t.Fatalf("message status = %q right after stop, want stopped", msg.Status)
	}
	if got := orch.Status().Status("c1"); got != models.ChatStopped {
		t.Fatalf("chat status = %q right after stop, want stopped", got)
	}

	writer.Close()
	waitDone(t, session)

	// The settled stream must not overwrite the stop with idle or error.
	if got := orch.Status().Status("c1"); got != models.ChatStopped {
		t.Fatalf("chat status = %q after settle, want stopped", got)
	}
}

func TestOrchestrator_ValidationFailureLeavesIdle(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{})

	var warnings int
	off := event.On(event.Notification, func(ev event.Event) {
		if ev.(event.NotificationEvent).Level == "warning" {
			warnings++
		}
	})
	defer off()

	_, err := orch.SendMessage(context.Background(), &models.SendMessageRequest{
		ConversationID: "c1",
		Content:        "  ",
	})
	if !models.IsValidation(err) {
		t.Fatalf("SendMessage(blank) error = %v, want validation", err)
	}
	if got := orch.Status().Status("c1"); got != models.ChatIdle {
		t.Fatalf("status after validation failure = %q, want idle", got)
	}
	if orch.Status().CanRetry("c1") {
		t.Fatalf("CanRetry() = true after validation failure, want false")
	}
	if warnings != 1 {
		t.Fatalf("warning notifications = %d, want 1", warnings)
	}
	if got := len(orch.Store().List("c1")); got != 0 {
		t.Fatalf("%d messages appended on validation failure, want 0", got)
	}
}

func seedTurns(orch *ChatOrchestrator, convID string) {
	appendMsg(orch.Store(), convID, "u1", db.RoleUser, "first question", db.MessageStatusDone)
	appendMsg(orch.Store(), convID, "a1", db.RoleAssistant, "first answer", db.MessageStatusDone)
	appendMsg(orch.Store(), convID, "u2", db.RoleUser, "second question", db.MessageStatusDone)
	appendMsg(orch.Store(), convID, "a2", db.RoleAssistant, "second answer", db.MessageStatusDone)
}

func TestOrchestrator_RetryUserMessage(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{chunks: doneChunks("regenerated")})
	seedTurns(orch, "c1")

	session, err := orch.RetryUserMessage(context.Background(), "c1", "u2", "test-model", nil)
	if err != nil {
		t.Fatalf("RetryUserMessage() error = %v", err)
	}
	waitDone(t, session)

	list := orch.Store().List("c1")
	// u1, a1, u2 survive; a2 is replaced by the regenerated answer.
	if len(list) != 4 {
		t.Fatalf("List() has %d messages, want 4", len(list))
	}
	if list[2].ID != "u2" {
		t.Fatalf("retried user message missing, got %s", list[2].ID)
	}
	if list[3].Content != "regenerated" {
		t.Fatalf("regenerated content = %q", list[3].Content)
	}
}

func TestOrchestrator_RetryAssistantMessage(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{chunks: doneChunks("better answer")})
	seedTurns(orch, "c1")

	session, err := orch.RetryAssistantMessage(context.Background(), "c1", "a2", "test-model", nil)
	if err != nil {
		t.Fatalf("RetryAssistantMessage() error = %v", err)
	}
	waitDone(t, session)

	list := orch.Store().List("c1")
	if len(list) != 4 {
		t.Fatalf("List() has %d messages, want 4", len(list))
	}
	if list[3].ID == "a2" {
		t.Fatalf("old assistant message a2 should have been replaced")
	}
	if list[3].Content != "better answer" {
		t.Fatalf("regenerated content = %q", list[3].Content)
	}
}

func TestOrchestrator_RetryWithBadModelKeepsTranscript(t *testing.T) {
	gdb, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	provider := &fakeProvider{model: &fakeChatModel{}, resolveErr: models.NewValidationError("model not configured")}
	orch := NewChatOrchestrator(gdb, provider, NewBackendClient("http://127.0.0.1:1"), models.ModePrivate, time.Hour)
	t.Cleanup(orch.Close)
	seedTurns(orch, "c1")

	if _, err := orch.RetryUserMessage(context.Background(), "c1", "u2", "ghost", nil); !models.IsValidation(err) {
		t.Fatalf("RetryUserMessage(bad model) error = %v, want validation", err)
	}
	if got := len(orch.Store().List("c1")); got != 4 {
		t.Fatalf("validation failure mutated the store: %d messages remain, want 4", got)
	}

	if _, err := orch.RetryAssistantMessage(context.Background(), "c1", "a2", "ghost", nil); !models.IsValidation(err) {
		t.Fatalf("RetryAssistantMessage(bad model) error = %v, want validation", err)
	}
	if got := len(orch.Store().List("c1")); got != 4 {
		t.Fatalf("validation failure mutated the store: %d messages remain, want 4", got)
	}

	if _, err := orch.EditMessage(context.Background(), &models.EditMessageRequest{
		ConversationID: "c1",
		MessageID:      "u2",
		NewContent:     "reworded",
		Model:          "ghost",
	}); !models.IsValidation(err) {
		t.Fatalf("EditMessage(bad model) error = %v, want validation", err)
	}
	list := orch.Store().List("c1")
	if len(list) != 4 || list[2].ID != "u2" {
		t.Fatalf("validation failure mutated the store: %v", list)
	}
	if got := orch.Status().Status("c1"); got != models.ChatIdle {
		t.Fatalf("status after validation failure = %q, want idle", got)
	}
}

func TestOrchestrator_RetryRejectsWrongRole(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{})
	seedTurns(orch, "c1")

	if _, err := orch.RetryUserMessage(context.Background(), "c1", "a1", "m", nil); !models.IsValidation(err) {
		t.Fatalf("RetryUserMessage(assistant id) error = %v, want validation", err)
	}
	if _, err := orch.RetryAssistantMessage(context.Background(), "c1", "u1", "m", nil); !models.IsValidation(err) {
		t.Fatalf("RetryAssistantMessage(user id) error = %v, want validation", err)
	}
}

func TestOrchestrator_EditMessage(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{chunks: doneChunks("answer to edit")})
	seedTurns(orch, "c1")

	session, err := orch.EditMessage(context.Background(), &models.EditMessageRequest{
		ConversationID: "c1",
		MessageID:      "u2",
		NewContent:     "second question, reworded",
		Model:          "test-model",
	})
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	waitDone(t, session)

	list := orch.Store().List("c1")
	if len(list) != 4 {
		t.Fatalf("List() has %d messages, want 4", len(list))
	}
	if list[2].Content != "second question, reworded" {
		t.Fatalf("edited message content = %q", list[2].Content)
	}
	if list[2].ID == "u2" {
		t.Fatalf("edit must create a fresh user message, old id survived")
	}
}

func TestOrchestrator_EditRejectsNonUserTarget(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{})
	seedTurns(orch, "c1")

	_, err := orch.EditMessage(context.Background(), &models.EditMessageRequest{
		ConversationID: "c1",
		MessageID:      "a1",
		NewContent:     "nope",
	})
	if !models.IsValidation(err) {
		t.Fatalf("EditMessage(assistant) error = %v, want validation", err)
	}
}

func TestOrchestrator_ToggleMode(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeChatModel{})

	if err := orch.ToggleMode("hybrid"); !models.IsValidation(err) {
		t.Fatalf("ToggleMode(hybrid) error = %v, want validation", err)
	}

	var emitted []string
	off := event.On(event.ChatModeChanged, func(ev event.Event) {
		emitted = append(emitted, ev.(event.ChatModeChangedEvent).Mode)
	})
	defer off()

	if err := orch.ToggleMode(models.ModeServer); err != nil {
		t.Fatalf("ToggleMode(server) error = %v", err)
	}
	if got := orch.Mode(); got != models.ModeServer {
		t.Fatalf("Mode() = %q, want server", got)
	}
	if len(emitted) != 1 || emitted[0] != "server" {
		t.Fatalf("ChatModeChanged = %v, want [server]", emitted)
	}

	// Toggling to the current mode is a no-op and emits nothing.
	if err := orch.ToggleMode(models.ModeServer); err != nil {
		t.Fatalf("ToggleMode(same) error = %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("ChatModeChanged fired %d times, want 1", len(emitted))
	}
}

func TestOrchestrator_ToggleModeStopsLiveStreams(t *testing.T) {
	reader, writer := schema.Pipe[*schema.Message](1)
	fake := &fakeChatModel{reader: reader}
	orch, _ := newTestOrchestrator(t, fake)

	session, err := orch.SendMessage(context.Background(), &models.SendMessageRequest{
		ConversationID: "c1",
		Content:        "go",
		Model:          "test-model",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if err := orch.ToggleMode(models.ModeServer); err != nil {
		t.Fatalf("ToggleMode() error = %v", err)
	}

	// The switch marks the conversation stopped without waiting for the
	// stream goroutine to notice.
	if got := orch.Status().Status("c1"); got != models.ChatStopped {
		t.Fatalf("status after mode switch = %q, want stopped", got)
	}
	msg := orch.Store().Get(session.MessageID)
	if msg.Status != db.MessageStatusStopped {
		t.Fatalf("message status after mode switch = %q, want stopped", msg.Status)
	}

	writer.Close()
	waitDone(t, session)
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "New conversation"},
		{"   ", "New conversation"},
		{"hello", "hello"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := deriveTitle(tt.in); got != tt.want {
			t.Fatalf("deriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]rune, 100)
	for i := range long {
		long[i] = 'x'
	}
	if got := deriveTitle(string(long)); len([]rune(got)) != 61 {
		t.Fatalf("deriveTitle(long) length = %d runes, want 61", len([]rune(got)))
	}
}
