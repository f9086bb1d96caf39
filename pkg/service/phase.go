// Display-phase derivation for in-flight assistant messages
package service

import (
	"sync"
	"time"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/event"
	"github.com/quillchat/quillchat/pkg/models"
)

// PhaseDeriver computes the UI-facing display phase of each tracked assistant
// message from the store's view of it. The phase is derived, never stored on
// the message.
//
// Two rules keep the UI from flickering:
//   - the move into precontent is debounced, so turns that resolve almost
//     instantly never flash a loader
//   - once a message reaches streaming or complete, it never goes back to
//     precontent, whatever order reasoning and content deltas arrive in
type PhaseDeriver struct {
	store    *MessageStore
	debounce time.Duration

	mu     sync.Mutex
	phases map[string]models.Phase // messageID -> current phase (monotonic floor)
	convs  map[string]string      // messageID -> conversationID
	timers map[string]*time.Timer
	closed bool

	unsubscribe func()
}

// NewPhaseDeriver creates a deriver attached to the store. It tracks assistant
// messages automatically as they are appended and recomputes on every patch.
func NewPhaseDeriver(store *MessageStore, debounce time.Duration) *PhaseDeriver {
	d := &PhaseDeriver{
		store:    store,
		debounce: debounce,
		phases:   make(map[string]models.Phase),
		convs:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
	d.unsubscribe = store.Subscribe(d.onMutation)
	return d
}

// Phase returns the current display phase for a message id. Untracked ids
// report awaiting.
func (d *PhaseDeriver) Phase(messageID string) models.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.phases[messageID]; ok {
		return p
	}
	return models.PhaseAwaiting
}

// Phases returns a snapshot of all tracked phases for a conversation.
func (d *PhaseDeriver) Phases(conversationID string) map[string]models.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]models.Phase)
	for id, cid := range d.convs {
		if cid == conversationID {
			out[id] = d.phases[id]
		}
	}
	return out
}

// Close tears down all debounce timers and detaches from the store.
func (d *PhaseDeriver) Close() {
	d.unsubscribe()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *PhaseDeriver) onMutation(m Mutation) {
	switch m.Kind {
	case MutationAppend, MutationReplace:
		msg := d.store.Get(m.MessageID)
		if msg == nil || msg.Role != db.RoleAssistant {
			return
		}
		d.track(msg)
	case MutationPatch:
		d.recompute(m.MessageID)
	case MutationRemove, MutationTruncate:
		d.forget(m.RemovedIDs)
	}
}

func (d *PhaseDeriver) track(msg *db.Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, ok := d.phases[msg.ID]; ok {
		d.mu.Unlock()
		d.recompute(msg.ID)
		return
	}
	d.phases[msg.ID] = models.PhaseAwaiting
	d.convs[msg.ID] = msg.ConversationID

	id := msg.ID
	d.timers[id] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		delete(d.timers, id)
		tracked := !d.closed
		if tracked {
			_, tracked = d.phases[id]
		}
		d.mu.Unlock()
		if tracked {
			d.recomputeWith(id, true)
		}
	})
	d.mu.Unlock()

	d.recompute(msg.ID)
}

func (d *PhaseDeriver) forget(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if t, ok := d.timers[id]; ok {
			t.Stop()
			delete(d.timers, id)
		}
		delete(d.phases, id)
		delete(d.convs, id)
	}
}

func (d *PhaseDeriver) recompute(messageID string) {
	d.recomputeWith(messageID, false)
}

// recomputeWith derives the phase and applies the monotonic floor. The
// debounced flag marks the expiry of the message's precontent timer, which
// makes an otherwise-idle message eligible for the precontent loader.
func (d *PhaseDeriver) recomputeWith(messageID string, debounced bool) {
	d.mu.Lock()
	prev, tracked := d.phases[messageID]
	if !tracked || d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	msg := d.store.Get(messageID)
	if msg == nil {
		return
	}

	derived := derivePhase(msg, debounced)
	if models.PhaseRank(derived) < models.PhaseRank(prev) {
		derived = prev
	}
	if derived == prev {
		return
	}

	d.mu.Lock()
	// Re-check under lock; another goroutine may have advanced it further.
	cur := d.phases[messageID]
	if models.PhaseRank(derived) <= models.PhaseRank(cur) {
		d.mu.Unlock()
		return
	}
	d.phases[messageID] = derived
	if derived == models.PhaseComplete || derived == models.PhaseError {
		if t, ok := d.timers[messageID]; ok {
			t.Stop()
			delete(d.timers, messageID)
		}
	}
	convID := d.convs[messageID]
	d.mu.Unlock()

	event.Emit(event.PhaseChangedEvent{
		ConversationID: convID,
		MessageID:      messageID,
		Phase:          string(derived),
	})
}

// derivePhase maps raw message fields to a display phase. Error is checked
// first and outranks everything.
func derivePhase(msg *db.Message, debounced bool) models.Phase {
	switch {
	case msg.Status == db.MessageStatusError:
		return models.PhaseError
	case db.IsTerminalStatus(msg.Status):
		return models.PhaseComplete
	case msg.Content != "" && !msg.IsActive():
		return models.PhaseComplete
	case msg.Content != "":
		return models.PhaseStreaming
	case msg.Reasoning != "" || debounced:
		return models.PhasePrecontent
	default:
		return models.PhaseAwaiting
	}
}
