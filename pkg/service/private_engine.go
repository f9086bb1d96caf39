// Client-side generation engine: talks directly to a model provider
package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

// StreamSession tracks one in-flight generation. It is ephemeral: created on
// send, destroyed when the stream finishes, errors or is aborted.
type StreamSession struct {
	ConversationID string
	MessageID      string // target assistant message
	Token          *CancelToken
	Done           chan struct{} // closed when the stream has fully settled

	mu  sync.Mutex
	err error
}

// Err returns the stream's terminal error, if any. Only meaningful after Done
// is closed. A user stop is not an error and reports nil.
func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// EngineHooks let the orchestrator observe engine progress without the UI
// ever inspecting engine internals.
type EngineHooks struct {
	FirstDelta func(conversationID string)
	Finished   func(conversationID string, status string, err error)
}

// ModelProvider resolves model names and constructs provider chat models.
// Satisfied by ModelService.
type ModelProvider interface {
	ResolveModel(modelName string) (*models.ModelConfig, error)
	CreateChatModel(ctx context.Context, config *models.ModelConfig) (einoModel.ToolCallingChatModel, error)
}

// PrivateStreamEngine performs the whole generation round-trip inside the
// client: it builds the provider request from stored history, opens a token
// stream and applies deltas to the message store until the stream settles.
type PrivateStreamEngine struct {
	store   *MessageStore
	cancels *CancelController
	models  ModelProvider
	hooks   EngineHooks
	logger  *slog.Logger

	// PersonaPrompt resolves a persona id to a system prompt. Optional.
	PersonaPrompt func(personaID string) string

	sessions sync.Map // conversationID -> *StreamSession
}

// NewPrivateStreamEngine creates a private-mode engine.
func NewPrivateStreamEngine(store *MessageStore, cancels *CancelController, modelSvc ModelProvider, hooks EngineHooks) *PrivateStreamEngine {
	return &PrivateStreamEngine{
		store:   store,
		cancels: cancels,
		models:  modelSvc,
		hooks:   hooks,
		logger:  utils.GetLogger(),
	}
}

// Send validates the request, appends the user message and an assistant
// placeholder, and starts streaming in the background. Validation failures
// are reported before any message is created.
func (e *PrivateStreamEngine) Send(ctx context.Context, req *models.SendMessageRequest) (*StreamSession, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, models.NewValidationError("message content is empty")
	}
	config, err := e.models.ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	userMsg := &db.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           db.RoleUser,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Status:         db.MessageStatusDone,
	}
	e.store.Append(userMsg)

	return e.beginStream(ctx, req.ConversationID, config, req.PersonaID, req.Reasoning)
}

// Regenerate starts a fresh assistant turn from the conversation's existing
// history. Callers truncate first; the last stored message is expected to be
// the user message being answered.
func (e *PrivateStreamEngine) Regenerate(ctx context.Context, conversationID, model, personaID string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	config, err := e.models.ResolveModel(model)
	if err != nil {
		return nil, err
	}
	last := e.store.LastMessage(conversationID)
	if last == nil || last.Role != db.RoleUser {
		return nil, models.NewValidationError("nothing to regenerate from")
	}
	return e.beginStream(ctx, conversationID, config, personaID, reasoning)
}

func (e *PrivateStreamEngine) beginStream(ctx context.Context, conversationID string, config *models.ModelConfig, personaID string, reasoning *models.ReasoningConfig) (*StreamSession, error) {
	// Starting a new stream for the conversation invalidates any prior one.
	token := e.cancels.Begin(context.Background(), conversationID)

	// The superseded goroutine settles asynchronously; close out its message
	// now so the transcript never holds two live assistant turns at once.
	if prev, ok := e.sessions.Load(conversationID); ok {
		e.markStopped(prev.(*StreamSession))
	}

	placeholder := &db.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           db.RoleAssistant,
		Status:         db.MessageStatusPending,
	}
	e.store.Append(placeholder)

	session := &StreamSession{
		ConversationID: conversationID,
		MessageID:      placeholder.ID,
		Token:          token,
		Done:           make(chan struct{}),
	}
	e.sessions.Store(conversationID, session)

	history := e.store.List(conversationID)
	go e.run(session, config, personaID, history)
	return session, nil
}

// run drives one stream to a terminal state. Every delta is guarded by the
// cancellation token: the transport abort is best-effort and data may keep
// arriving after it.
func (e *PrivateStreamEngine) run(session *StreamSession, config *models.ModelConfig, personaID string, history []db.Message) {
	var terminal string
	var terminalErr error

	defer func() {
		e.cancels.Finish(session.Token)
		// A superseding stream may already own the slot.
		e.sessions.CompareAndDelete(session.ConversationID, session)
		session.setErr(terminalErr)
		close(session.Done)
		if e.hooks.Finished != nil {
			e.hooks.Finished(session.ConversationID, terminal, terminalErr)
		}
	}()

	ctx := session.Token.Context()

	chatModel, err := e.models.CreateChatModel(ctx, config)
	if err != nil {
		terminal = db.MessageStatusError
		terminalErr = e.failStream(session, errors.Wrap(err, "failed to initialize model"))
		return
	}

	reader, err := chatModel.Stream(ctx, e.buildMessages(personaID, history, session.MessageID))
	if err != nil {
		if session.Token.Cancelled() {
			terminal = db.MessageStatusStopped
			e.markStopped(session)
			return
		}
		terminal = db.MessageStatusError
		terminalErr = e.failStream(session, errors.Wrap(err, "failed to open stream"))
		return
	}
	defer reader.Close()

	var (
		firstDelta   = true
		finishReason string
		usage        *db.TokenUsage
	)

	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if session.Token.Cancelled() {
				terminal = db.MessageStatusStopped
				e.markStopped(session)
				return
			}
			terminal = db.MessageStatusError
			terminalErr = e.failStream(session, errors.Wrap(err, "stream error"))
			return
		}

		// The token is the authoritative guard; the provider may keep
		// delivering chunks after the context abort.
		if session.Token.Cancelled() {
			terminal = db.MessageStatusStopped
			e.markStopped(session)
			return
		}

		if chunk.ReasoningContent != "" {
			status := db.MessageStatusThinking
			e.store.Patch(session.MessageID, MessagePatch{
				AppendReasoning: &chunk.ReasoningContent,
				Status:          &status,
			})
		}
		if chunk.Content != "" {
			status := db.MessageStatusStreaming
			e.store.Patch(session.MessageID, MessagePatch{
				AppendContent: &chunk.Content,
				Status:        &status,
			})
		}
		if chunk.ReasoningContent != "" || chunk.Content != "" {
			if firstDelta {
				firstDelta = false
				if e.hooks.FirstDelta != nil {
					e.hooks.FirstDelta(session.ConversationID)
				}
			}
		}
		if chunk.ResponseMeta != nil {
			if chunk.ResponseMeta.FinishReason != "" {
				finishReason = chunk.ResponseMeta.FinishReason
			}
			if u := chunk.ResponseMeta.Usage; u != nil {
				usage = &db.TokenUsage{
					PromptTokens:     u.PromptTokens,
					CompletionTokens: u.CompletionTokens,
					TotalTokens:      u.TotalTokens,
				}
			}
		}
	}

	if session.Token.Cancelled() {
		terminal = db.MessageStatusStopped
		e.markStopped(session)
		return
	}

	if finishReason == "" {
		finishReason = db.FinishReasonStop
	}
	status := db.MessageStatusDone
	e.store.Patch(session.MessageID, MessagePatch{
		Status:       &status,
		FinishReason: &finishReason,
		Usage:        usage,
	})
	terminal = db.MessageStatusDone
}

// Stop aborts the conversation's live stream, if any. The message is marked
// stopped before Stop returns; a user stop is a successful terminal state,
// not an error.
func (e *PrivateStreamEngine) Stop(conversationID string) bool {
	signalled := e.cancels.SignalKey(conversationID)
	if !signalled {
		return false
	}
	if v, ok := e.sessions.Load(conversationID); ok {
		e.markStopped(v.(*StreamSession))
	}
	return true
}

// IsStreaming reports whether the conversation has a live stream.
func (e *PrivateStreamEngine) IsStreaming(conversationID string) bool {
	_, ok := e.sessions.Load(conversationID)
	return ok
}

// Session returns the live stream session for a conversation, or nil.
func (e *PrivateStreamEngine) Session(conversationID string) *StreamSession {
	if v, ok := e.sessions.Load(conversationID); ok {
		return v.(*StreamSession)
	}
	return nil
}

// markStopped finalizes the message as stopped-by-user, keeping whatever
// partial content has arrived. Idempotent: the stop path and the stream
// goroutine may both reach it.
func (e *PrivateStreamEngine) markStopped(session *StreamSession) {
	msg := e.store.Get(session.MessageID)
	if msg == nil || db.IsTerminalStatus(msg.Status) {
		return
	}
	status := db.MessageStatusStopped
	stopped := true
	finish := db.FinishReasonCancelled
	e.store.Patch(session.MessageID, MessagePatch{
		Status:        &status,
		StoppedByUser: &stopped,
		FinishReason:  &finish,
	})
}

// failStream handles a mid-stream provider failure: the partially-built
// assistant message is removed entirely so the transcript never keeps a
// half-written row, and the error is surfaced as retryable.
func (e *PrivateStreamEngine) failStream(session *StreamSession, err error) error {
	e.logger.Error("stream failed", "conversationID", session.ConversationID, "messageID", session.MessageID, "error", err)
	e.store.Remove(session.MessageID)
	return &models.TransportError{Err: err}
}

// buildMessages converts stored history into the provider message list,
// prepending the persona system prompt. The placeholder being streamed into
// is excluded, as are earlier aborted or failed turns with no content.
func (e *PrivateStreamEngine) buildMessages(personaID string, history []db.Message, placeholderID string) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)

	if e.PersonaPrompt != nil {
		if prompt := e.PersonaPrompt(personaID); prompt != "" {
			out = append(out, schema.SystemMessage(prompt))
		}
	}

	for _, m := range history {
		if m.ID == placeholderID || m.Content == "" {
			continue
		}
		switch m.Role {
		case db.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case db.RoleAssistant:
			if m.Status == db.MessageStatusError {
				continue
			}
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case db.RoleSystem, db.RoleContext:
			out = append(out, schema.SystemMessage(m.Content))
		}
	}
	return out
}

// WaitSettled blocks until the conversation's live stream (if any) reaches a
// terminal state or the timeout elapses. Used on mode switches and teardown.
func (e *PrivateStreamEngine) WaitSettled(conversationID string, timeout time.Duration) {
	v, ok := e.sessions.Load(conversationID)
	if !ok {
		return
	}
	select {
	case <-v.(*StreamSession).Done:
	case <-time.After(timeout):
	}
}
