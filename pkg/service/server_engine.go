// Server-delegated generation engine: requests generation remotely and
// reconciles the observed conversation document into the local store.
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

// ServerStreamEngine delegates generation to the remote backend. The remote
// message list is the source of truth; the engine's job is reconciliation:
// keep local optimistic rows until their authoritative counterparts appear,
// then replace in place and patch as the remote side streams.
type ServerStreamEngine struct {
	store   *MessageStore
	cancels *CancelController
	client  *BackendClient
	gdb     *gorm.DB
	hooks   EngineHooks
	logger  *slog.Logger

	// PollInterval is the fallback cadence when the observe socket cannot be
	// established.
	PollInterval time.Duration

	sessions sync.Map // conversationID -> *StreamSession
}

// NewServerStreamEngine creates a server-mode engine.
func NewServerStreamEngine(store *MessageStore, cancels *CancelController, client *BackendClient, gdb *gorm.DB, hooks EngineHooks) *ServerStreamEngine {
	return &ServerStreamEngine{
		store:        store,
		cancels:      cancels,
		client:       client,
		gdb:          gdb,
		hooks:        hooks,
		logger:       utils.GetLogger(),
		PollInterval: 2 * time.Second,
	}
}

// Send requests generation for the conversation, creating it remotely on
// first use. The optimistic user message and assistant placeholder are
// appended locally before the request so the UI updates immediately.
func (e *ServerStreamEngine) Send(ctx context.Context, req *models.SendMessageRequest) (*StreamSession, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, models.NewValidationError("message content is empty")
	}

	var conv db.Conversation
	if err := e.gdb.First(&conv, "id = ?", req.ConversationID).Error; err != nil {
		return nil, models.NewValidationError("conversation not found")
	}

	userMsg := &db.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           db.RoleUser,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Status:         db.MessageStatusDone,
		Optimistic:     true,
	}
	e.store.Append(userMsg)

	session := e.beginSession(req.ConversationID)

	provider := providerOf(req.Model)

	if conv.RemoteID == "" {
		remoteID, err := e.client.CreateConversation(ctx, &CreateConversationRequest{
			FirstMessage: req.Content,
			PersonaID:    req.PersonaID,
			Attachments:  req.Attachments,
			Model:        req.Model,
			Provider:     provider,
			Reasoning:    req.Reasoning,
		})
		if err != nil {
			e.abortRequest(session, err)
			return nil, err
		}
		conv.RemoteID = remoteID
		if err := e.gdb.Model(&conv).Update("remote_id", remoteID).Error; err != nil {
			e.logger.Warn("failed to persist remote conversation id", "conversationID", conv.ID, "error", err)
		}
	} else {
		err := e.client.SendFollowUp(ctx, conv.RemoteID, &FollowUpRequest{
			Content:     req.Content,
			Attachments: req.Attachments,
			Model:       req.Model,
			Provider:    provider,
			Reasoning:   req.Reasoning,
		})
		if err != nil {
			e.abortRequest(session, err)
			return nil, err
		}
	}

	go e.observe(session, conv.RemoteID)
	return session, nil
}

// Retry asks the backend to regenerate from a message. Locally the view is
// truncated from that message; the replacement stream arrives by observation.
func (e *ServerStreamEngine) Retry(ctx context.Context, conversationID, messageID, retryType, model string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	remoteID, err := e.remoteID(conversationID)
	if err != nil {
		return nil, err
	}

	e.store.TruncateFrom(conversationID, messageID)
	session := e.beginSession(conversationID)

	if err := e.client.RetryFromMessage(ctx, remoteID, &RetryRequest{
		MessageID: messageID,
		RetryType: retryType,
		Model:     model,
		Provider:  providerOf(model),
		Reasoning: reasoning,
	}); err != nil {
		e.abortRequest(session, err)
		return nil, err
	}

	go e.observe(session, remoteID)
	return session, nil
}

// Edit rewrites a user message remotely and regenerates everything after it.
func (e *ServerStreamEngine) Edit(ctx context.Context, req *models.EditMessageRequest) (*StreamSession, error) {
	remoteID, err := e.remoteID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	e.store.TruncateFrom(req.ConversationID, req.MessageID)
	userMsg := &db.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           db.RoleUser,
		Content:        req.NewContent,
		Status:         db.MessageStatusDone,
		Optimistic:     true,
	}
	e.store.Append(userMsg)

	session := e.beginSession(req.ConversationID)

	if err := e.client.EditMessage(ctx, remoteID, &EditRequest{
		MessageID:  req.MessageID,
		NewContent: req.NewContent,
		Model:      req.Model,
		Provider:   providerOf(req.Model),
		Reasoning:  req.Reasoning,
	}); err != nil {
		e.abortRequest(session, err)
		return nil, err
	}

	go e.observe(session, remoteID)
	return session, nil
}

// Stop marks the live assistant message stopped locally for immediate
// feedback and sends the stop request. The server's own terminal write
// arrives later through observation and must agree (reconcile is idempotent
// for equal-rank terminal states).
func (e *ServerStreamEngine) Stop(conversationID string) bool {
	signalled := e.cancels.SignalKey(conversationID)
	if !signalled {
		return false
	}

	e.stopActiveAssistant(conversationID)

	if remoteID, err := e.remoteID(conversationID); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.client.StopGeneration(ctx, remoteID); err != nil {
			e.logger.Warn("stop request failed", "conversationID", conversationID, "error", err)
		}
	}
	return true
}

// DeleteMessage deletes a message both remotely and locally.
func (e *ServerStreamEngine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := e.client.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	e.store.Remove(messageID)
	return nil
}

// IsStreaming reports whether the conversation has a live observed stream.
func (e *ServerStreamEngine) IsStreaming(conversationID string) bool {
	_, ok := e.sessions.Load(conversationID)
	return ok
}

// Session returns the live stream session for a conversation, or nil.
func (e *ServerStreamEngine) Session(conversationID string) *StreamSession {
	if v, ok := e.sessions.Load(conversationID); ok {
		return v.(*StreamSession)
	}
	return nil
}

func (e *ServerStreamEngine) beginSession(conversationID string) *StreamSession {
	// A new turn invalidates any prior stream for the conversation.
	token := e.cancels.Begin(context.Background(), conversationID)

	// The superseded observation settles asynchronously; close out its
	// message now so only the new placeholder is non-terminal.
	e.stopActiveAssistant(conversationID)

	placeholder := &db.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           db.RoleAssistant,
		Status:         db.MessageStatusPending,
		Optimistic:     true,
	}
	e.store.Append(placeholder)
	session := &StreamSession{
		ConversationID: conversationID,
		MessageID:      placeholder.ID,
		Token:          token,
		Done:           make(chan struct{}),
	}
	e.sessions.Store(conversationID, session)
	return session
}

// stopActiveAssistant finalizes the conversation's live assistant message as
// stopped-by-user, keeping whatever partial content has arrived. No-op when
// nothing is streaming.
func (e *ServerStreamEngine) stopActiveAssistant(conversationID string) {
	msg := e.store.ActiveAssistant(conversationID)
	if msg == nil {
		return
	}
	status := db.MessageStatusStopped
	stopped := true
	finish := db.FinishReasonCancelled
	e.store.Patch(msg.ID, MessagePatch{
		Status:        &status,
		StoppedByUser: &stopped,
		FinishReason:  &finish,
	})
}

// abortRequest unwinds a session whose initiating request was rejected. The
// placeholder is removed; optimistic user messages stay (the caller surfaces
// the error and may retry).
func (e *ServerStreamEngine) abortRequest(session *StreamSession, err error) {
	e.store.Remove(session.MessageID)
	e.cancels.Finish(session.Token)
	e.sessions.Delete(session.ConversationID)
	session.setErr(err)
	close(session.Done)
}

// observe follows the remote conversation document until the stream settles,
// reconciling every update into the local store. Falls back to polling when
// the observe socket cannot be opened.
func (e *ServerStreamEngine) observe(session *StreamSession, remoteID string) {
	var terminal string
	var terminalErr error
	firstDelta := false

	defer func() {
		e.cancels.Finish(session.Token)
		e.sessions.Delete(session.ConversationID)
		session.setErr(terminalErr)
		close(session.Done)
		if e.hooks.Finished != nil {
			e.hooks.Finished(session.ConversationID, terminal, terminalErr)
		}
	}()

	ctx := session.Token.Context()

	onDoc := func(doc *RemoteConversation) bool {
		if session.Token.Cancelled() {
			return false
		}
		sawContent := e.reconcile(session, doc)
		if sawContent && !firstDelta {
			firstDelta = true
			if e.hooks.FirstDelta != nil {
				e.hooks.FirstDelta(session.ConversationID)
			}
		}
		return doc.IsStreaming
	}

	updates, err := e.client.Observe(ctx, remoteID)
	if err != nil {
		e.logger.Warn("observe unavailable, falling back to polling", "conversationID", session.ConversationID, "error", err)
		terminal, terminalErr = e.pollLoop(ctx, session, remoteID, onDoc)
		return
	}

	var settled bool
	if terminal, settled = e.drain(session, updates, onDoc); settled {
		return
	}

	// Socket dropped mid-stream; resume by polling.
	if !session.Token.Cancelled() {
		terminal, terminalErr = e.pollLoop(ctx, session, remoteID, onDoc)
		return
	}
	terminal = db.MessageStatusStopped
}

// drain consumes observed documents until the remote stream settles or the
// session is cancelled. A document already buffered when the user stopped
// must not settle the turn: the local stop is the terminal state, and the
// stopped placeholder stays in the transcript.
func (e *ServerStreamEngine) drain(session *StreamSession, updates <-chan *RemoteConversation, onDoc func(*RemoteConversation) bool) (string, bool) {
	for doc := range updates {
		if !onDoc(doc) {
			if session.Token.Cancelled() {
				return db.MessageStatusStopped, true
			}
			return e.settle(session, doc), true
		}
	}
	return "", false
}

func (e *ServerStreamEngine) pollLoop(ctx context.Context, session *StreamSession, remoteID string, onDoc func(*RemoteConversation) bool) (string, error) {
	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return db.MessageStatusStopped, nil
		case <-ticker.C:
			doc, err := e.client.GetConversation(ctx, remoteID)
			if err != nil {
				failures++
				if failures >= 5 {
					e.store.Remove(session.MessageID)
					return db.MessageStatusError, &models.TransportError{Err: err}
				}
				continue
			}
			failures = 0
			if !onDoc(doc) {
				if session.Token.Cancelled() {
					return db.MessageStatusStopped, nil
				}
				return e.settle(session, doc), nil
			}
		}
	}
}

// settle finalizes local state once the remote side reports the stream over.
func (e *ServerStreamEngine) settle(session *StreamSession, doc *RemoteConversation) string {
	// The placeholder survives only if no authoritative assistant row ever
	// arrived for this turn (e.g. the server rejected generation silently).
	if msg := e.store.Get(session.MessageID); msg != nil && msg.Optimistic {
		e.store.Remove(session.MessageID)
	}

	for i := len(doc.Messages) - 1; i >= 0; i-- {
		if doc.Messages[i].Role == db.RoleAssistant {
			return doc.Messages[i].Status
		}
	}
	return db.MessageStatusDone
}

// reconcile merges the authoritative document into the local store. Local
// optimistic rows are replaced in place by their authoritative counterparts;
// known rows are patched; disagreements between terminal states resolve by
// rank (error > stopped > done). Returns whether any assistant content or
// reasoning is present yet.
func (e *ServerStreamEngine) reconcile(session *StreamSession, doc *RemoteConversation) bool {
	local := e.store.List(session.ConversationID)
	byID := make(map[string]*db.Message, len(local))
	for i := range local {
		byID[local[i].ID] = &local[i]
	}

	sawContent := false
	for i := range doc.Messages {
		rm := &doc.Messages[i]
		if rm.Role == db.RoleAssistant && (rm.Content != "" || rm.Reasoning != "") {
			sawContent = true
		}

		if existing, ok := byID[rm.ID]; ok {
			e.patchFromRemote(existing, rm)
			continue
		}

		canonical := remoteToLocal(session.ConversationID, rm)
		if optimisticID := e.matchOptimistic(local, rm, session.MessageID); optimisticID != "" {
			if e.store.ReplaceOptimistic(optimisticID, canonical) {
				continue
			}
		}
		e.store.Append(canonical)
	}
	return sawContent
}

// matchOptimistic finds the local optimistic row this remote row supersedes:
// the session placeholder for the first assistant row of the turn, or an
// optimistic user row with identical content.
func (e *ServerStreamEngine) matchOptimistic(local []db.Message, rm *RemoteMessage, placeholderID string) string {
	for i := range local {
		m := &local[i]
		if !m.Optimistic {
			continue
		}
		if rm.Role == db.RoleAssistant && m.ID == placeholderID {
			return m.ID
		}
		if rm.Role == db.RoleUser && m.Role == db.RoleUser && m.Content == rm.Content {
			return m.ID
		}
	}
	return ""
}

// patchFromRemote applies the authoritative row onto a known local row.
// A local terminal state of higher rank wins: an optimistic local stop is not
// undone by a late server "done".
func (e *ServerStreamEngine) patchFromRemote(localMsg *db.Message, rm *RemoteMessage) {
	status := rm.Status
	if db.TerminalRank(localMsg.Status) > db.TerminalRank(status) {
		status = localMsg.Status
	}

	patch := MessagePatch{Status: &status, ClearOptimistic: true}
	if rm.Content != localMsg.Content {
		patch.SetContent = &rm.Content
	}
	if rm.Reasoning != "" && rm.Reasoning != localMsg.Reasoning {
		delta := strings.TrimPrefix(rm.Reasoning, localMsg.Reasoning)
		patch.AppendReasoning = &delta
	}
	if rm.FinishReason != "" {
		patch.FinishReason = &rm.FinishReason
	}
	if rm.StoppedByUser || localMsg.StoppedByUser {
		stopped := true
		patch.StoppedByUser = &stopped
	}
	if len(rm.Citations) > 0 {
		patch.Citations = &rm.Citations
	}
	if rm.Usage != nil {
		patch.Usage = rm.Usage
	}
	if rm.ImageGen != nil {
		patch.ImageGen = rm.ImageGen
	}
	e.store.Patch(localMsg.ID, patch)
}

func (e *ServerStreamEngine) remoteID(conversationID string) (string, error) {
	var conv db.Conversation
	if err := e.gdb.First(&conv, "id = ?", conversationID).Error; err != nil {
		return "", models.NewValidationError("conversation not found")
	}
	if conv.RemoteID == "" {
		return "", models.NewValidationError("conversation has no remote counterpart")
	}
	return conv.RemoteID, nil
}

func remoteToLocal(conversationID string, rm *RemoteMessage) *db.Message {
	return &db.Message{
		ID:             rm.ID,
		ConversationID: conversationID,
		Role:           rm.Role,
		Content:        rm.Content,
		Reasoning:      rm.Reasoning,
		Citations:      rm.Citations,
		Status:         rm.Status,
		FinishReason:   rm.FinishReason,
		StoppedByUser:  rm.StoppedByUser,
		Usage:          rm.Usage,
		ImageGen:       rm.ImageGen,
		CreatedAt:      rm.CreatedAt,
	}
}

// providerOf maps a configured model name to its provider for the backend
// request, falling back to the raw name when unknown.
func providerOf(model string) string {
	configs, err := models.LoadModels()
	if err != nil {
		return ""
	}
	for _, c := range configs {
		if c.Name == model || c.Model == model {
			return c.Provider
		}
	}
	return ""
}
