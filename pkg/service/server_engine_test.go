package service

import (
	"context"
	"testing"

	"github.com/quillchat/quillchat/pkg/db"
)

func newReconcileFixture(t *testing.T) (*ServerStreamEngine, *MessageStore, *StreamSession) {
	t.Helper()
	store := NewMessageStore(nil)
	cancels := NewCancelController()
	engine := NewServerStreamEngine(store, cancels, NewBackendClient("http://127.0.0.1:1"), nil, EngineHooks{})

	// Optimistic local state as Send leaves it: the user message plus the
	// assistant placeholder.
	store.Append(&db.Message{
		ID:             "opt-user",
		ConversationID: "c1",
		Role:           db.RoleUser,
		Content:        "what time is it",
		Status:         db.MessageStatusDone,
		Optimistic:     true,
	})
	store.Append(&db.Message{
		ID:             "opt-assistant",
		ConversationID: "c1",
		Role:           db.RoleAssistant,
		Status:         db.MessageStatusPending,
		Optimistic:     true,
	})

	session := &StreamSession{
		ConversationID: "c1",
		MessageID:      "opt-assistant",
		Token:          cancels.Begin(context.Background(), "c1"),
		Done:           make(chan struct{}),
	}
	return engine, store, session
}

func TestServerEngine_ReconcileReplacesOptimisticRows(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	sawContent := engine.reconcile(session, &RemoteConversation{
		IsStreaming: true,
		Messages: []RemoteMessage{
			{ID: "srv-u1", Role: db.RoleUser, Content: "what time is it", Status: db.MessageStatusDone},
			{ID: "srv-a1", Role: db.RoleAssistant, Content: "It is", Status: db.MessageStatusStreaming},
		},
	})
	if !sawContent {
		t.Fatalf("reconcile() = false, want true once assistant content arrived")
	}

	list := store.List("c1")
	if len(list) != 2 {
		t.Fatalf("List() has %d messages after reconcile, want 2", len(list))
	}
	if list[0].ID != "srv-u1" || list[0].Optimistic {
		t.Fatalf("user row = %+v, want authoritative srv-u1", list[0])
	}
	if list[1].ID != "srv-a1" || list[1].Content != "It is" {
		t.Fatalf("assistant row = %+v, want authoritative srv-a1", list[1])
	}
}

func TestServerEngine_ReconcileStreamsViaPatches(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	first := &RemoteConversation{IsStreaming: true, Messages: []RemoteMessage{
		{ID: "srv-u1", Role: db.RoleUser, Content: "what time is it", Status: db.MessageStatusDone},
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "It is", Status: db.MessageStatusStreaming},
	}}
	engine.reconcile(session, first)

	second := &RemoteConversation{IsStreaming: false, Messages: []RemoteMessage{
		{ID: "srv-u1", Role: db.RoleUser, Content: "what time is it", Status: db.MessageStatusDone},
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "It is noon.", Status: db.MessageStatusDone, FinishReason: db.FinishReasonStop},
	}}
	engine.reconcile(session, second)

	msg := store.Get("srv-a1")
	if msg.Content != "It is noon." {
		t.Fatalf("content = %q, want full text", msg.Content)
	}
	if msg.Status != db.MessageStatusDone {
		t.Fatalf("status = %q, want done", msg.Status)
	}
	if msg.FinishReason != db.FinishReasonStop {
		t.Fatalf("finish reason = %q, want stop", msg.FinishReason)
	}
	if got := len(store.List("c1")); got != 2 {
		t.Fatalf("List() has %d messages, want 2 (no duplicates)", got)
	}
}

func TestServerEngine_LocalStopOutranksLateServerDone(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	// The placeholder was confirmed, then the user stopped locally.
	engine.reconcile(session, &RemoteConversation{IsStreaming: true, Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "partial", Status: db.MessageStatusStreaming},
	}})
	status := db.MessageStatusStopped
	stoppedFlag := true
	store.Patch("srv-a1", MessagePatch{Status: &status, StoppedByUser: &stoppedFlag})

	// A late server document claims the turn finished normally.
	engine.reconcile(session, &RemoteConversation{IsStreaming: false, Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "partial", Status: db.MessageStatusDone},
	}})

	msg := store.Get("srv-a1")
	if msg.Status != db.MessageStatusStopped {
		t.Fatalf("status = %q, want stopped (local stop outranks done)", msg.Status)
	}
	if !msg.StoppedByUser {
		t.Fatalf("StoppedByUser lost in reconciliation")
	}
}

func TestServerEngine_ServerErrorOutranksLocalStop(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	engine.reconcile(session, &RemoteConversation{IsStreaming: true, Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "partial", Status: db.MessageStatusStopped},
	}})

	engine.reconcile(session, &RemoteConversation{IsStreaming: false, Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "partial", Status: db.MessageStatusError},
	}})

	if got := store.Get("srv-a1").Status; got != db.MessageStatusError {
		t.Fatalf("status = %q, want error (higher terminal rank)", got)
	}
}

func TestServerEngine_ReconcileAppendsUnmatchedRows(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	// A remote user row with different content matches no optimistic row and
	// is appended as-is (e.g. a turn submitted from another device).
	engine.reconcile(session, &RemoteConversation{IsStreaming: true, Messages: []RemoteMessage{
		{ID: "srv-other", Role: db.RoleUser, Content: "from another client", Status: db.MessageStatusDone},
	}})

	if got := store.Get("srv-other"); got == nil {
		t.Fatalf("unmatched remote row was not appended")
	}
	// Optimistic rows survive until their own counterparts arrive.
	if got := store.Get("opt-user"); got == nil {
		t.Fatalf("optimistic user row disappeared without a matching remote row")
	}
}

func TestServerEngine_SupersededPlaceholderStopsOnNewTurn(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	// A follow-up turn begins while the previous placeholder is still live.
	next := engine.beginSession("c1")
	if next.MessageID == session.MessageID {
		t.Fatalf("new turn reused the old placeholder")
	}
	if !session.Token.Cancelled() {
		t.Fatalf("superseded token was not cancelled")
	}

	active := 0
	for _, m := range store.List("c1") {
		if m.Role == db.RoleAssistant && m.IsActive() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d assistant messages non-terminal after superseding turn, want 1", active)
	}
	old := store.Get(session.MessageID)
	if old == nil || old.Status != db.MessageStatusStopped || !old.StoppedByUser {
		t.Fatalf("superseded placeholder = %+v, want stopped by user", old)
	}
}

func TestServerEngine_BufferedDocAfterStopKeepsStopped(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	// The user stopped: the placeholder is patched locally and the token
	// signalled, but a document was already buffered on the observe channel.
	status := db.MessageStatusStopped
	stopped := true
	store.Patch(session.MessageID, MessagePatch{Status: &status, StoppedByUser: &stopped})
	engine.cancels.Signal(session.Token)

	updates := make(chan *RemoteConversation, 1)
	updates <- &RemoteConversation{IsStreaming: false, Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "late full answer", Status: db.MessageStatusDone},
	}}
	close(updates)

	terminal, settled := engine.drain(session, updates, func(*RemoteConversation) bool { return false })
	if !settled || terminal != db.MessageStatusStopped {
		t.Fatalf("drain() = (%q, %v), want (stopped, true)", terminal, settled)
	}
	msg := store.Get(session.MessageID)
	if msg == nil {
		t.Fatalf("stopped placeholder was removed by a late document")
	}
	if msg.Status != db.MessageStatusStopped || !msg.StoppedByUser {
		t.Fatalf("stopped placeholder = %+v, want stopped by user", msg)
	}
}

func TestServerEngine_SettleRemovesUnconfirmedPlaceholder(t *testing.T) {
	engine, store, session := newReconcileFixture(t)

	terminal := engine.settle(session, &RemoteConversation{Messages: []RemoteMessage{
		{ID: "srv-a1", Role: db.RoleAssistant, Content: "done text", Status: db.MessageStatusDone},
	}})
	if terminal != db.MessageStatusDone {
		t.Fatalf("settle() = %q, want done", terminal)
	}
	if got := store.Get(session.MessageID); got != nil {
		t.Fatalf("unconfirmed placeholder survived settle: %+v", got)
	}
}

func TestServerEngine_MatchOptimistic(t *testing.T) {
	engine, store, session := newReconcileFixture(t)
	local := store.List("c1")

	if got := engine.matchOptimistic(local, &RemoteMessage{Role: db.RoleAssistant}, session.MessageID); got != "opt-assistant" {
		t.Fatalf("matchOptimistic(assistant) = %q, want opt-assistant", got)
	}
	if got := engine.matchOptimistic(local, &RemoteMessage{Role: db.RoleUser, Content: "what time is it"}, session.MessageID); got != "opt-user" {
		t.Fatalf("matchOptimistic(user) = %q, want opt-user", got)
	}
	if got := engine.matchOptimistic(local, &RemoteMessage{Role: db.RoleUser, Content: "different"}, session.MessageID); got != "" {
		t.Fatalf("matchOptimistic(mismatch) = %q, want empty", got)
	}
}
