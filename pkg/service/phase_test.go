package service

import (
	"testing"
	"time"

	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/models"
)

func waitForPhase(t *testing.T, d *PhaseDeriver, id string, want models.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Phase(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Phase(%s) = %q, want %q", id, d.Phase(id), want)
}

func TestPhaseDeriver_ContentMovesToStreaming(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour) // debounce never fires in this test
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "", db.MessageStatusPending)
	if got := d.Phase("a1"); got != models.PhaseAwaiting {
		t.Fatalf("Phase() = %q right after append, want awaiting", got)
	}

	delta := "hi"
	status := db.MessageStatusStreaming
	s.Patch("a1", MessagePatch{AppendContent: &delta, Status: &status})
	if got := d.Phase("a1"); got != models.PhaseStreaming {
		t.Fatalf("Phase() = %q after first content delta, want streaming", got)
	}
}

func TestPhaseDeriver_ReasoningMovesToPrecontent(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour)
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "", db.MessageStatusPending)

	think := "considering"
	status := db.MessageStatusThinking
	s.Patch("a1", MessagePatch{AppendReasoning: &think, Status: &status})
	if got := d.Phase("a1"); got != models.PhasePrecontent {
		t.Fatalf("Phase() = %q after reasoning delta, want precontent", got)
	}
}

func TestPhaseDeriver_DebounceEventuallyShowsLoader(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, 5*time.Millisecond)
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "", db.MessageStatusPending)
	waitForPhase(t, d, "a1", models.PhasePrecontent)
}

func TestPhaseDeriver_NeverRegresses(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour)
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "", db.MessageStatusPending)

	delta := "partial"
	status := db.MessageStatusStreaming
	s.Patch("a1", MessagePatch{AppendContent: &delta, Status: &status})
	if got := d.Phase("a1"); got != models.PhaseStreaming {
		t.Fatalf("Phase() = %q, want streaming", got)
	}

	// A patch that would derive lower (content cleared mid-flight) must not
	// move the displayed phase backwards.
	empty := ""
	s.Patch("a1", MessagePatch{SetContent: &empty})
	if got := d.Phase("a1"); got != models.PhaseStreaming {
		t.Fatalf("Phase() = %q after content reset, want streaming (no regression)", got)
	}
}

func TestPhaseDeriver_TerminalPhases(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour)
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "", db.MessageStatusPending)
	done := db.MessageStatusDone
	s.Patch("a1", MessagePatch{Status: &done})
	if got := d.Phase("a1"); got != models.PhaseComplete {
		t.Fatalf("Phase() = %q, want complete", got)
	}

	appendMsg(s, "c1", "a2", db.RoleAssistant, "", db.MessageStatusPending)
	errStatus := db.MessageStatusError
	errText := "provider unavailable"
	s.Patch("a2", MessagePatch{Status: &errStatus, ErrorText: &errText})
	if got := d.Phase("a2"); got != models.PhaseError {
		t.Fatalf("Phase() = %q, want error", got)
	}

	// Error outranks complete: a later done patch cannot lower it.
	s.Patch("a2", MessagePatch{Status: &done})
	if got := d.Phase("a2"); got != models.PhaseError {
		t.Fatalf("Phase() = %q after done patch, want error kept", got)
	}
}

func TestPhaseDeriver_ForgetsRemovedMessages(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour)
	defer d.Close()

	appendMsg(s, "c1", "a1", db.RoleAssistant, "x", db.MessageStatusStreaming)
	appendMsg(s, "c1", "a2", db.RoleAssistant, "y", db.MessageStatusStreaming)

	s.Remove("a1")
	if got := d.Phase("a1"); got != models.PhaseAwaiting {
		t.Fatalf("Phase() = %q for removed message, want awaiting default", got)
	}

	phases := d.Phases("c1")
	if _, ok := phases["a1"]; ok {
		t.Fatalf("Phases() still tracks removed message a1")
	}
	if _, ok := phases["a2"]; !ok {
		t.Fatalf("Phases() lost surviving message a2")
	}
}

func TestPhaseDeriver_IgnoresUserMessages(t *testing.T) {
	s := newTestStore(t)
	d := NewPhaseDeriver(s, time.Hour)
	defer d.Close()

	appendMsg(s, "c1", "u1", db.RoleUser, "question", db.MessageStatusDone)
	if phases := d.Phases("c1"); len(phases) != 0 {
		t.Fatalf("Phases() = %v, want empty for user-only conversation", phases)
	}
}
