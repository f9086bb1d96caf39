// HTTP/WebSocket client for the remote generation backend
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/models"
	"github.com/quillchat/quillchat/pkg/utils"
)

// RemoteMessage is one message row as reported by the backend. The backend's
// view is authoritative in server mode.
type RemoteMessage struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Citations     db.Citations    `json:"citations,omitempty"`
	Status        string          `json:"status"`
	FinishReason  string          `json:"finish_reason,omitempty"`
	StoppedByUser bool            `json:"stopped_by_user,omitempty"`
	Usage         *db.TokenUsage  `json:"usage,omitempty"`
	ImageGen      *db.ImageGenState `json:"image_gen,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RemoteConversation is the live-observable conversation document.
type RemoteConversation struct {
	ID          string          `json:"id"`
	Title       string          `json:"title,omitempty"`
	IsStreaming bool            `json:"is_streaming"`
	Messages    []RemoteMessage `json:"messages"`
}

// RemoteJob is one background job row as reported by the backend.
type RemoteJob struct {
	ID        string        `json:"id"`
	ClientKey string        `json:"client_key,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Processed int           `json:"processed"`
	Total     int           `json:"total"`
	Error     string        `json:"error,omitempty"`
	Result    *db.JobResult `json:"result,omitempty"`
}

// CreateConversationRequest creates a conversation and atomically enqueues
// its first message server-side.
type CreateConversationRequest struct {
	FirstMessage string                  `json:"first_message"`
	PersonaID    string                  `json:"persona_id,omitempty"`
	Attachments  db.Attachments          `json:"attachments,omitempty"`
	Model        string                  `json:"model"`
	Provider     string                  `json:"provider"`
	Reasoning    *models.ReasoningConfig `json:"reasoning,omitempty"`
}

// FollowUpRequest asks the backend to continue an existing conversation.
type FollowUpRequest struct {
	Content     string                  `json:"content"`
	Attachments db.Attachments          `json:"attachments,omitempty"`
	Model       string                  `json:"model"`
	Provider    string                  `json:"provider"`
	Reasoning   *models.ReasoningConfig `json:"reasoning,omitempty"`
}

// RetryRequest asks the backend to regenerate from a given message.
type RetryRequest struct {
	MessageID string                  `json:"message_id"`
	RetryType string                  `json:"retry_type"` // user | assistant
	Model     string                  `json:"model"`
	Provider  string                  `json:"provider"`
	Reasoning *models.ReasoningConfig `json:"reasoning,omitempty"`
}

// EditRequest asks the backend to rewrite a message and regenerate after it.
type EditRequest struct {
	MessageID  string                  `json:"message_id"`
	NewContent string                  `json:"new_content"`
	Model      string                  `json:"model"`
	Provider   string                  `json:"provider"`
	Reasoning  *models.ReasoningConfig `json:"reasoning,omitempty"`
}

// BackendClient talks to the remote service that performs generation in
// server mode. Request rejections surface as ServerRequestError with the
// server-provided message where available.
type BackendClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewBackendClient creates a client for the given base URL.
func NewBackendClient(baseURL string) *BackendClient {
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  utils.GetLogger(),
	}
}

// CreateConversation returns the new conversation id.
func (b *BackendClient) CreateConversation(ctx context.Context, req *CreateConversationRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/conversations", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendFollowUp enqueues a follow-up message on an existing conversation.
func (b *BackendClient) SendFollowUp(ctx context.Context, conversationID string, req *FollowUpRequest) error {
	return b.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", req, nil)
}

// RetryFromMessage asks the backend to regenerate from a message.
func (b *BackendClient) RetryFromMessage(ctx context.Context, conversationID string, req *RetryRequest) error {
	return b.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/retry", req, nil)
}

// EditMessage asks the backend to edit a message and regenerate after it.
func (b *BackendClient) EditMessage(ctx context.Context, conversationID string, req *EditRequest) error {
	return b.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/edit", req, nil)
}

// StopGeneration asks the backend to stop the conversation's live stream.
func (b *BackendClient) StopGeneration(ctx context.Context, conversationID string) error {
	return b.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/stop", nil, nil)
}

// DeleteMessage deletes a message server-side.
func (b *BackendClient) DeleteMessage(ctx context.Context, messageID string) error {
	return b.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
}

// GetConversation fetches the current conversation document (poll fallback).
func (b *BackendClient) GetConversation(ctx context.Context, conversationID string) (*RemoteConversation, error) {
	var conv RemoteConversation
	if err := b.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListJobs fetches the authoritative background job listing.
func (b *BackendClient) ListJobs(ctx context.Context) ([]RemoteJob, error) {
	var resp struct {
		Jobs []RemoteJob `json:"jobs"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ScheduleJob schedules a background job. The client key makes the request
// idempotent across retries.
func (b *BackendClient) ScheduleJob(ctx context.Context, jobType, clientKey string, params map[string]any) (string, error) {
	body := map[string]any{
		"type":       jobType,
		"client_key": clientKey,
		"params":     params,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/jobs", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Observe opens a WebSocket subscription to the conversation document.
// Each update is delivered on the returned channel; the channel closes when
// the subscription ends. Cancel the context to stop observing.
func (b *BackendClient) Observe(ctx context.Context, conversationID string) (<-chan *RemoteConversation, error) {
	wsURL, err := b.wsEndpoint("/api/conversations/" + url.PathEscape(conversationID) + "/observe")
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open observe socket")
	}

	updates := make(chan *RemoteConversation, 16)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(updates)
		defer conn.Close()
		for {
			var doc RemoteConversation
			if err := conn.ReadJSON(&doc); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.logger.Warn("observe socket closed", "conversationID", conversationID, "error", err)
				}
				return
			}
			select {
			case updates <- &doc:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

func (b *BackendClient) wsEndpoint(path string) (string, error) {
	u, err := url.Parse(b.baseURL + path)
	if err != nil {
		return "", errors.Wrap(err, "invalid backend URL")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (b *BackendClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return &models.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readServerMessage(resp.Body)
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return &models.ServerRequestError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}

func readServerMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
