// Cancellation tokens for active generation streams
package service

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is the authoritative cancellation guard for one generation
// stream. The embedded context cancels the transport (best effort); the
// cancelled flag is what engines must check before applying each delta,
// because transports may keep delivering data after an abort request.
type CancelToken struct {
	key       string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	finished  atomic.Bool
}

// Context returns the context to pass to the transport.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Cancelled reports whether the token has been signalled.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// CancelController issues at most one live token per stream key. Beginning a
// new stream for a key invalidates the previous token instantly.
type CancelController struct {
	mu   sync.Mutex
	live map[string]*CancelToken
}

// NewCancelController creates a cancel controller.
func NewCancelController() *CancelController {
	return &CancelController{live: make(map[string]*CancelToken)}
}

// Begin issues a fresh token for key, cancelling any prior live token for the
// same key.
func (c *CancelController) Begin(parent context.Context, key string) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	tok := &CancelToken{key: key, ctx: ctx, cancel: cancel}

	c.mu.Lock()
	prev := c.live[key]
	c.live[key] = tok
	c.mu.Unlock()

	if prev != nil {
		c.signal(prev)
	}
	return tok
}

// Signal marks the token cancelled and aborts its transport context.
// Signalling an already-cancelled or finished token is a no-op.
func (c *CancelController) Signal(tok *CancelToken) {
	if tok == nil {
		return
	}
	c.signal(tok)
}

func (c *CancelController) signal(tok *CancelToken) {
	if tok.finished.Load() {
		return
	}
	if tok.cancelled.CompareAndSwap(false, true) {
		tok.cancel()
	}
}

// SignalKey cancels the live token for key, if any. Returns true if a live
// token was signalled.
func (c *CancelController) SignalKey(key string) bool {
	c.mu.Lock()
	tok := c.live[key]
	c.mu.Unlock()
	if tok == nil || tok.finished.Load() {
		return false
	}
	c.signal(tok)
	return true
}

// Finish marks the token's stream as complete and releases the live slot if
// this token still owns it. Releases the context either way.
func (c *CancelController) Finish(tok *CancelToken) {
	if tok == nil {
		return
	}
	tok.finished.Store(true)
	tok.cancel()

	c.mu.Lock()
	if c.live[tok.key] == tok {
		delete(c.live, tok.key)
	}
	c.mu.Unlock()
}

// LiveKeys returns the keys that currently hold unfinished tokens.
func (c *CancelController) LiveKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.live))
	for k, tok := range c.live {
		if !tok.finished.Load() {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsLive reports whether key currently has an unfinished token.
func (c *CancelController) IsLive(key string) bool {
	c.mu.Lock()
	tok := c.live[key]
	c.mu.Unlock()
	return tok != nil && !tok.finished.Load() && !tok.cancelled.Load()
}
